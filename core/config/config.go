// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package config holds the configuration of an application and reads it
// from environment variables.
//
// Example:
//
//	BAASIC_API_KEY=my-app BAASIC_STORAGE=filesystem BAASIC_STORAGE_PATH=/var/lib/my-app
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/baasic/core/route"
	"github.com/relabs-tech/baasic/core/storage"
)

// Transport selects how requests reach the api
type Transport string

// all supported transports
const (
	// TransportAuto decides by shim.Environment.UseShim
	TransportAuto   Transport = "auto"
	TransportDirect Transport = "direct"
	TransportShim   Transport = "shim"
)

// Configuration is the configuration of an application
type Configuration struct {
	APIKey        string `env:"BAASIC_API_KEY,required" description:"the api key of the application"`
	APIRootURL    string `env:"BAASIC_API_ROOT_URL,default=api.baasic.com" description:"the host of the api"`
	APIVersion    string `env:"BAASIC_API_VERSION,default=beta" description:"the version of the api"`
	UseSSL        bool   `env:"BAASIC_USE_SSL,default=true" description:"use https"`
	EnableHALJSON bool   `env:"BAASIC_ENABLE_HALJSON,default=false" description:"request hypermedia responses"`
	LogLevel      string `env:"BAASIC_LOG_LEVEL,default=info" description:"The level used for logger, can be debug, warning, info, error"`

	Storage          storage.DriverType `env:"BAASIC_STORAGE,default=memory" description:"the token storage: memory, filesystem, postgres, redis or s3"`
	StoragePath      string             `env:"BAASIC_STORAGE_PATH,optional" description:"the directory of the filesystem storage"`
	Postgres         string             `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string             `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string             `env:"BAASIC_POSTGRES_SCHEMA,default=baasic" description:"the schema of the postgres storage"`
	RedisURL         string             `env:"REDIS_URL,optional" description:"the url of the redis storage, e.g. redis://localhost:6379/0"`
	AWSRegion        string             `env:"AWS_REGION,optional" description:"the region of the s3 storage"`
	AWSBucket        string             `env:"AWS_BUCKET,optional" description:"the bucket of the s3 storage"`
	AWSEndpoint      string             `env:"AWS_ENDPOINT,optional" description:"endpoint of an s3 compatible service"`

	Transport    Transport `env:"BAASIC_TRANSPORT,default=auto" description:"auto, direct or shim"`
	ProxyURL     string    `env:"BAASIC_PROXY_URL,optional" description:"the url of the HTTP proxy endpoint"`
	AMQPURL      string    `env:"AMQP_URL,optional" description:"the url of the AMQP broker of the proxy endpoint"`
	KafkaBrokers []string  `env:"KAFKA_BROKERS,optional" description:"the kafka brokers of the proxy endpoint, separated by ;"`
}

// FromEnvironment reads the configuration from environment variables
func FromEnvironment() (*Configuration, error) {
	c := &Configuration{}
	if err := envdecode.Decode(c); err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every selected component has its settings. Empty
// fields with defaults are set to their default.
func (c *Configuration) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is missing")
	}
	if c.APIRootURL == "" {
		c.APIRootURL = "api.baasic.com"
	}
	if c.Storage == "" {
		c.Storage = storage.DriverTypeMemory
	}
	if c.Transport == "" {
		c.Transport = TransportAuto
	}
	if c.PostgresSchema == "" {
		c.PostgresSchema = "baasic"
	}

	switch c.Storage {
	case storage.DriverTypeMemory:
	case storage.DriverTypeFilesystem:
		if c.StoragePath == "" {
			return fmt.Errorf("filesystem storage requires BAASIC_STORAGE_PATH")
		}
	case storage.DriverTypePostgres:
		if c.Postgres == "" {
			return fmt.Errorf("postgres storage requires POSTGRES")
		}
	case storage.DriverTypeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis storage requires REDIS_URL")
		}
	case storage.DriverTypeAWSS3:
		if c.AWSBucket == "" {
			return fmt.Errorf("s3 storage requires AWS_BUCKET")
		}
	default:
		return fmt.Errorf("unknown storage '%s'", c.Storage)
	}

	switch c.Transport {
	case TransportAuto, TransportDirect:
	case TransportShim:
		if !c.HasProxy() {
			return fmt.Errorf("shim transport requires BAASIC_PROXY_URL, AMQP_URL or KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown transport '%s'", c.Transport)
	}
	return nil
}

// HasProxy returns true if a proxy endpoint is configured
func (c *Configuration) HasProxy() bool {
	return c.ProxyURL != "" || c.AMQPURL != "" || len(c.KafkaBrokers) > 0
}

// APIRoot returns the api root of the application
func (c *Configuration) APIRoot() string {
	return route.APIRoot(c.APIRootURL, c.APIVersion, c.APIKey, c.UseSSL)
}

// PostgresDataSourceName returns the postgres connection string including
// the password
func (c *Configuration) PostgresDataSourceName() string {
	if c.PostgresPassword == "" {
		return c.Postgres
	}
	return strings.TrimSpace(c.Postgres) + " password=" + c.PostgresPassword
}
