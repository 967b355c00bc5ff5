// Package server wraps http.Server with the timeouts and shutdown
// behavior the gateway needs.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// Server is the HTTP listener for the admission gateway and admin API.
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
}

// New builds a server on the given port. TLS is enabled when both cert
// and key paths are set.
func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    ":" + port,
			Handler: handler,
			// Admission decisions are fast; generous write timeout covers
			// the admin list endpoints.
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
	}
}

// Start begins serving in the background. Listener failures are delivered
// on the returned channel; http.ErrServerClosed is filtered out.
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)

	go func() {
		var err error
		if s.tlsCert != "" && s.tlsKey != "" {
			s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()

	return errs
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
