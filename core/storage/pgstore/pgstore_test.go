package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/relabs-tech/baasic/core/csql"
	"github.com/relabs-tech/baasic/core/storage/pgstore"
	"github.com/relabs-tech/baasic/core/storage/storagetest"
)

type PostgresSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	db        *csql.DB
}

// SetupSuite starts a postgres container, unless POSTGRES points to a
// running database
func (s *PostgresSuite) SetupSuite() {
	dsn := os.Getenv("POSTGRES")
	if dsn == "" {
		container, err := postgres.Run(context.Background(),
			"postgres:17-alpine",
			postgres.WithDatabase("baasic-test"),
			postgres.WithUsername("baasic"),
			postgres.WithPassword("pwd"),
			postgres.BasicWaitStrategies(),
		)
		s.Require().NoError(err, "cannot start postgres container")
		s.container = container
		dsn, err = container.ConnectionString(context.Background(), "sslmode=disable")
		s.Require().NoError(err)
	}
	db, err := csql.OpenWithSchema(dsn, "_pgstore_test_")
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresSuite) TearDownSuite() {
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	if s.container != nil {
		testcontainers.CleanupContainer(s.T(), s.container)
	}
}

func (s *PostgresSuite) SetupTest() {
	s.Require().NoError(s.db.ClearSchema())
}

func (s *PostgresSuite) newStore() *pgstore.Store {
	store, err := pgstore.New(s.db)
	s.Require().NoError(err)
	s.T().Cleanup(func() { store.Close() })
	return store
}

func (s *PostgresSuite) TestDriver() {
	storagetest.TestDriver(s.T(), s.newStore())
}

// two stores on the same database behave like two processes
func (s *PostgresSuite) TestWatch() {
	writer := s.newStore()
	reader := s.newStore()
	storagetest.TestWatcher(s.T(), writer, reader, 5*time.Second)
}

func TestPostgresSuite(t *testing.T) {
	if os.Getenv("BAASIC_INTEGRATION") == "" && os.Getenv("POSTGRES") == "" {
		t.Skip("set BAASIC_INTEGRATION or POSTGRES to run postgres tests")
	}
	suite.Run(t, new(PostgresSuite))
}
