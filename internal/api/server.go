package api

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server runs the API router.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop shuts down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}
