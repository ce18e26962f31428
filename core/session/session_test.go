package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/baasic/core/events"
	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/storage"
	"github.com/relabs-tech/baasic/core/token"
)

// fakeAuth is the login route of a fake api
type fakeAuth struct {
	mu      sync.Mutex
	revoked []string
	// authorization of the last grant request
	grantAuthorization string
}

func (f *fakeAuth) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/app/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.grantAuthorization = r.Header.Get("Authorization")
		f.mu.Unlock()
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var response token.LoginResponse
		switch {
		case r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("username") == "user" && r.PostForm.Get("password") == "secret":
			response = token.LoginResponse{AccessToken: "a1", TokenType: "bearer", ExpiresIn: 3600, RefreshToken: "r1"}
		case r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("username") == "guest" && r.PostForm.Get("password") == "secret":
			response = token.LoginResponse{AccessToken: "g1", TokenType: "bearer", ExpiresIn: 3600}
		case r.PostForm.Get("grant_type") == "refresh_token" && r.PostForm.Get("refresh_token") == "r1":
			response = token.LoginResponse{AccessToken: "a2", TokenType: "bearer", ExpiresIn: 3600}
		default:
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		data, _ := json.Marshal(response)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}).Methods(http.MethodPost)
	router.HandleFunc("/app/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"userName":"user","permissions":{}}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/app/login", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var revoke map[string]string
		json.Unmarshal(body, &revoke)
		f.mu.Lock()
		f.revoked = append(f.revoked, revoke["token"])
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	return router
}

type fixture struct {
	session *Session
	tokens  *token.Store
	auth    *fakeAuth
	now     time.Time
}

func newFixture(t *testing.T, driver storage.Driver) *fixture {
	tokens, err := token.NewStore(driver, token.Options{APIKey: "app"})
	require.NoError(t, err)
	t.Cleanup(tokens.Close)

	f := &fixture{tokens: tokens, auth: &fakeAuth{}, now: time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)}
	root, _ := url.Parse("http://localhost/app/")
	client := httpclient.New(httpclient.RouterTransport{Router: f.auth.router()}, tokens, httpclient.Options{Root: root})
	f.session = New(client, tokens, Options{Now: func() time.Time { return f.now }})
	return f
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	assert.False(t, f.session.IsLoggedIn(ctx))

	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	assert.True(t, f.session.IsLoggedIn(ctx))

	access := f.tokens.Get(ctx, token.TypeAccess)
	require.NotNil(t, access)
	assert.Equal(t, "a1", access.Token)
	require.NotNil(t, access.ExpireTime)
	assert.Equal(t, f.now.Add(time.Hour), *access.ExpireTime)
	assert.Equal(t, "r1", f.tokens.Get(ctx, token.TypeRefresh).Token)

	// the token expires
	f.now = f.now.Add(time.Hour)
	assert.False(t, f.session.IsLoggedIn(ctx))
}

func TestLoginInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	err := f.session.Login(ctx, "user", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	var statusErr *httpclient.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.False(t, f.session.IsLoggedIn(ctx))
}

func TestLoginCarriesNoToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	assert.Empty(t, f.auth.grantAuthorization)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	assert.True(t, errors.Is(f.session.Refresh(ctx), ErrNoRefreshToken))

	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	require.NoError(t, f.session.Refresh(ctx))
	assert.Equal(t, "a2", f.tokens.Get(ctx, token.TypeAccess).Token)

	// a rejected refresh token ends the session
	require.NoError(t, f.tokens.Store(ctx, &token.Token{Token: "stale", Type: token.TypeRefresh}))
	assert.True(t, errors.Is(f.session.Refresh(ctx), ErrInvalidCredentials))
	assert.False(t, f.session.IsLoggedIn(ctx))
	assert.Nil(t, f.tokens.Get(ctx, token.TypeRefresh))
}

func TestLoginReplacesRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	require.NotNil(t, f.tokens.Get(ctx, token.TypeRefresh))

	// the guest login comes without refresh token
	require.NoError(t, f.session.Login(ctx, "guest", "secret"))
	assert.Equal(t, "g1", f.tokens.Get(ctx, token.TypeAccess).Token)
	assert.Nil(t, f.tokens.Get(ctx, token.TypeRefresh))
	assert.True(t, errors.Is(f.session.Refresh(ctx), ErrNoRefreshToken))
	assert.Equal(t, "g1", f.tokens.Get(ctx, token.TypeAccess).Token)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	require.NoError(t, f.session.Login(ctx, "user", "secret"))

	expired := 0
	remove := f.session.OnTokenExpired(func(events.Event) { expired++ })
	defer remove()

	require.NoError(t, f.session.Logout(ctx))
	assert.False(t, f.session.IsLoggedIn(ctx))
	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"a1"}, f.auth.revoked)

	// logging out twice does not revoke anything
	require.NoError(t, f.session.Logout(ctx))
	assert.Len(t, f.auth.revoked, 1)
}

func TestUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	_, err := f.session.User(ctx)
	assert.Error(t, err)

	require.NoError(t, f.session.Login(ctx, "user", "secret"))
	user, err := f.session.User(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user", user.Body["userName"])
}

// TestLogoutInOtherContext shares one storage between two sessions, like two
// browser tabs
func TestLogoutInOtherContext(t *testing.T) {
	ctx := context.Background()
	driver := storage.NewMemory()
	tab1 := newFixture(t, driver)
	tab2 := newFixture(t, driver)

	updated := 0
	tab2.session.OnTokenUpdated(func(events.Event) { updated++ })
	expired := 0
	tab2.session.OnTokenExpired(func(events.Event) { expired++ })

	require.NoError(t, tab1.session.Login(ctx, "user", "secret"))
	assert.Equal(t, 1, updated)
	assert.True(t, tab2.session.IsLoggedIn(ctx))

	require.NoError(t, tab1.session.Logout(ctx))
	assert.Equal(t, 1, expired)
	assert.False(t, tab2.session.IsLoggedIn(ctx))
}
