// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package baasic

import (
	"context"
	"fmt"

	"github.com/relabs-tech/baasic/core/config"
	"github.com/relabs-tech/baasic/core/csql"
	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/shim"
	"github.com/relabs-tech/baasic/core/shim/amqpconn"
	"github.com/relabs-tech/baasic/core/shim/kafkaconn"
	"github.com/relabs-tech/baasic/core/storage"
	"github.com/relabs-tech/baasic/core/storage/pgstore"
	"github.com/relabs-tech/baasic/core/storage/redisstore"
	"github.com/relabs-tech/baasic/core/storage/s3store"
)

// NewStorage opens the storage driver selected by c. The returned function
// closes the driver and everything opened for it.
func NewStorage(ctx context.Context, c *config.Configuration) (storage.Driver, func() error, error) {
	rlog := logger.FromContext(ctx).WithField("component", "baasic")
	rlog.Debugf("opening %s storage", c.Storage)

	switch c.Storage {
	case storage.DriverTypeMemory, "":
		driver := storage.NewMemory()
		return driver, driver.Close, nil

	case storage.DriverTypeFilesystem:
		driver, err := storage.NewFilesystem(storage.FilesystemConfiguration{BasePath: c.StoragePath})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
		}
		return driver, driver.Close, nil

	case storage.DriverTypePostgres:
		db, err := csql.OpenWithSchema(c.PostgresDataSourceName(), c.PostgresSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
		}
		driver, err := pgstore.New(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
		}
		return driver, func() error {
			err := driver.Close()
			if dbErr := db.Close(); err == nil {
				err = dbErr
			}
			return err
		}, nil

	case storage.DriverTypeRedis:
		driver, err := redisstore.New(ctx, redisstore.Configuration{URL: c.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
		}
		return driver, driver.Close, nil

	case storage.DriverTypeAWSS3:
		driver, err := s3store.New(ctx, s3store.Configuration{
			AWSRegion:     c.AWSRegion,
			AWSBucketName: c.AWSBucket,
			KeyPrefix:     c.APIKey + "/",
			Endpoint:      c.AWSEndpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
		}
		return driver, driver.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown storage '%s'", storage.ErrUnavailable, c.Storage)
}

// NewTransport returns the transport selected by c. With TransportAuto, the
// shim is used if environment asks for it and a proxy endpoint is
// configured, otherwise requests are sent directly with credentials. The
// decision is made once, here.
func NewTransport(c *config.Configuration, environment shim.Environment) (httpclient.Transport, error) {
	useShim := false
	switch c.Transport {
	case config.TransportShim:
		useShim = true
	case config.TransportAuto, "":
		environment.Messaging = environment.Messaging && c.HasProxy()
		useShim = environment.UseShim()
	}
	if !useShim {
		return httpclient.NewHTTPTransport(), nil
	}
	conn, err := newShimConn(c)
	if err != nil {
		return nil, err
	}
	return shim.New(conn), nil
}

func newShimConn(c *config.Configuration) (shim.Conn, error) {
	switch {
	case c.ProxyURL != "":
		return shim.NewHTTPConn(c.ProxyURL, nil), nil
	case c.AMQPURL != "":
		return amqpconn.Dial(c.AMQPURL, amqpconn.Options{})
	case len(c.KafkaBrokers) > 0:
		return kafkaconn.Dial(kafkaconn.Options{Brokers: c.KafkaBrokers})
	}
	return nil, fmt.Errorf("no proxy endpoint configured")
}
