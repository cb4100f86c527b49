package observability

import (
	"context"
	"net/http"
	"time"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	addr       string
	health     *Health
}

// NewServer creates a new observability server listening on addr (":9090")
// that reports the checks of health.
func NewServer(addr string, health *Health) *Server {
	if health == nil {
		health = NewHealth()
	}
	s := &Server{addr: addr, health: health}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the mux serving health and metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/health/live", LiveHandler())
	mux.HandleFunc("/health/ready", s.health.ReadyHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	return mux
}

// Start starts the observability server. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
