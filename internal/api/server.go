// Package api exposes the discovery pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/datafinder/internal/jobs"
	"github.com/sells-group/datafinder/internal/store"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	store      store.Store
	env        *jobs.Env
	router     http.Handler
	httpServer *http.Server
	port       int
}

func NewServer(st store.Store, env *jobs.Env, port int) *Server {
	s := &Server{
		store: st,
		env:   env,
		port:  port,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
