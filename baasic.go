// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package baasic is the client SDK of the baasic backend-as-a-service platform.

An App owns every service of one application: the token storage, the token
store, the transport, the authenticated client, the route builder and the
session. Nothing is global, two apps in one process are independent unless
they share a storage driver.

	app, err := baasic.New(ctx, baasic.Options{Configuration: &config.Configuration{APIKey: "my-app"}})
	if err != nil {
		panic(err)
	}
	defer app.Close()

	if err := app.Session().Login(ctx, "user", "secret"); err != nil {
		panic(err)
	}
	articles, _ := app.Resource("article")
	u, _ := articles.Find(&route.Options{Search: "go", PageSize: 10})
	res, err := app.Client().Get(ctx, u, nil)

Tokens are synchronized across every App sharing the storage: a login or
logout in one of them raises tokenUpdated or tokenExpired in all others,
see Events.
*/
package baasic

import (
	"context"
	"fmt"
	"net/url"

	"github.com/relabs-tech/baasic/core/config"
	"github.com/relabs-tech/baasic/core/events"
	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/route"
	"github.com/relabs-tech/baasic/core/session"
	"github.com/relabs-tech/baasic/core/shim"
	"github.com/relabs-tech/baasic/core/storage"
	"github.com/relabs-tech/baasic/core/token"
)

// Options are the options of New
type Options struct {
	// Configuration of the application, required
	Configuration *config.Configuration
	// Driver overrides the storage of the configuration. It is not closed
	// by the app.
	Driver storage.Driver
	// Transport overrides the transport of the configuration
	Transport httpclient.Transport
	// Environment decides the transport if the configuration says "auto".
	// Default is an environment with CORS support, i.e. direct requests.
	Environment *shim.Environment
	// RoutesJSON is an optional route configuration, see route.ParseConfiguration
	RoutesJSON string
	// Events receives the app-level events. Default is a new events.Bus.
	Events events.Handler
}

// App is one application
type App struct {
	config  *config.Configuration
	driver  storage.Driver
	closers []func() error

	events    events.Handler
	tokens    *token.Store
	transport httpclient.Transport
	shim      *shim.Shim
	client    *httpclient.Client
	routes    *route.Builder
	resources route.Configuration
	session   *session.Session
}

// New creates an app. Configuration errors, like a storage which is not
// available, are returned here.
func New(ctx context.Context, options Options) (*App, error) {
	if options.Configuration == nil {
		return nil, fmt.Errorf("configuration is missing")
	}
	c := *options.Configuration
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx).WithField("component", "baasic")

	app := &App{config: &c, events: options.Events}
	if app.events == nil {
		app.events = events.NewBus()
	}

	var err error
	if err = app.initRoutes(options.RoutesJSON); err != nil {
		return nil, err
	}

	app.driver = options.Driver
	if app.driver == nil {
		var closer func() error
		app.driver, closer, err = NewStorage(ctx, &c)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, closer)
	}

	app.tokens, err = token.NewStore(app.driver, token.Options{APIKey: c.APIKey, Events: app.events})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, func() error { app.tokens.Close(); return nil })

	app.transport = options.Transport
	if app.transport == nil {
		environment := shim.Environment{CORS: true}
		if options.Environment != nil {
			environment = *options.Environment
		}
		app.transport, err = NewTransport(&c, environment)
		if err != nil {
			app.Close()
			return nil, err
		}
		if s, ok := app.transport.(*shim.Shim); ok {
			app.shim = s
			app.closers = append(app.closers, s.Close)
		}
	}

	app.client = httpclient.New(app.transport, app.tokens, httpclient.Options{
		Root: app.routes.Root(),
		HAL:  c.EnableHALJSON,
	})
	app.session = session.New(app.client, app.tokens, session.Options{})
	rlog.Infof("application %s ready, storage %s", c.APIKey, c.Storage)
	return app, nil
}

func (a *App) initRoutes(routesJSON string) error {
	var err error
	a.routes, err = route.NewBuilder(nil).WithRoot(a.config.APIRoot())
	if err != nil {
		return err
	}
	if routesJSON != "" {
		a.resources, err = route.ParseConfiguration(routesJSON)
		if err != nil {
			return fmt.Errorf("invalid route configuration: %w", err)
		}
	}
	return nil
}

// APIKey returns the api key of the application
func (a *App) APIKey() string {
	return a.config.APIKey
}

// APIRoot returns the api root of the application
func (a *App) APIRoot() *url.URL {
	return a.routes.Root()
}

// Configuration returns the validated configuration of the app
func (a *App) Configuration() config.Configuration {
	return *a.config
}

// Storage returns the storage driver
func (a *App) Storage() storage.Driver {
	return a.driver
}

// Tokens returns the token store
func (a *App) Tokens() *token.Store {
	return a.tokens
}

// Events returns the app-level event handler
func (a *App) Events() events.Handler {
	return a.events
}

// Transport returns the transport of the client
func (a *App) Transport() httpclient.Transport {
	return a.transport
}

// UsesShim returns true if requests go through the cross-origin shim
func (a *App) UsesShim() bool {
	return a.shim != nil
}

// Client returns the authenticated client
func (a *App) Client() *httpclient.Client {
	return a.client
}

// Routes returns the route builder. Its routes are absolute urls below the
// api root.
func (a *App) Routes() *route.Builder {
	return a.routes
}

// Resource returns the routes of a resource. Resources of the route
// configuration use their templates, all others the default templates.
func (a *App) Resource(name string) (route.Routes, error) {
	if name == "" {
		return route.Routes{}, fmt.Errorf("%w: resource name is empty", route.ErrInvalidArgument)
	}
	resource, ok := a.resources.Lookup(name)
	if !ok {
		resource = route.NewResource(name)
	}
	return a.routes.Resource(resource), nil
}

// Session returns the session of the application
func (a *App) Session() *session.Session {
	return a.session
}

// Close releases the shim, the token store and the storage, in this order.
// It returns the first error.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
