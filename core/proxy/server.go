// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package proxy

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/logger"
)

// DefaultPath is the route of the proxy endpoint
const DefaultPath = "/proxy"

// maximum size of a wire message
const maxMessageSize = 4 << 20

// ServerOptions configure a Server
type ServerOptions struct {
	// Path is the route of the endpoint, default DefaultPath
	Path string
	// AllowedOrigins are the origins allowed to post messages. Empty means
	// any origin.
	AllowedOrigins []string
}

// Server exposes an endpoint over HTTP. Every POST carries one wire message,
// the reply is the response body. Messages without reply are answered with
// 204 No Content.
type Server struct {
	router    *mux.Router
	handler   http.Handler
	accessLog *io.PipeWriter
}

// NewServer returns a server for endpoint
func NewServer(endpoint *Endpoint, options ServerOptions) *Server {
	path := options.Path
	if path == "" {
		path = DefaultPath
	}
	origins := options.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		reply, err := endpoint.Handle(r.Context(), data)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidMessage) {
				status = http.StatusBadRequest
			}
			rlog.WithError(err).Debugln("cannot handle message")
			http.Error(w, err.Error(), status)
			return
		}
		if reply == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(reply)
	}).Methods(http.MethodPost)

	accessLog := logger.Component("proxy").WriterLevel(logrus.DebugLevel)
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(logger.Component("proxy")))

	return &Server{
		router:    router,
		handler:   recovery(handlers.CombinedLoggingHandler(accessLog, cors(router))),
		accessLog: accessLog,
	}
}

// Router returns the router of the server, e.g. to add health checks
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases the access log
func (s *Server) Close() error {
	return s.accessLog.Close()
}
