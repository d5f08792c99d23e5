package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/tandem/internal/serverdb"
)

// Server is the HTTP API server for tandem-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	metrics     *Metrics
	rateLimiter *RateLimiter
	cors        corsPolicy
	cancel      context.CancelFunc
	addr        net.Addr
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("server store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		cors:        newCORSPolicy(cfg.CORSAllowedOrigins),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically drop idle limiters and old rate limit events
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.cleanup()
				n, err := s.store.CleanupRateLimitEvents(s.config.RateLimitEventRetention)
				if err != nil {
					slog.Error("cleanup rate limit events", "err", err)
				} else if n > 0 {
					slog.Info("cleaned up rate limit events", "count", n)
				}
			}
		}
	}()

	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// Handler builds the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /v1/sync/pull", s.authenticate(s.handleSyncPull))
	mux.HandleFunc("POST /v1/sync/push", s.authenticate(s.handleSyncPush))

	return chain(mux,
		requestContext,
		observe(s.metrics),
		recoverPanics,
		corsMiddleware(s.cors),
		limitBody(s.config.MaxBodyBytes),
	)
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		logFor(r.Context()).Error("health ping", "err", err)
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "db unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics plus change log totals.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	if stats, err := s.store.Stats(); err != nil {
		logFor(r.Context()).Warn("metrics stats", "err", err)
	} else {
		snap.Records = stats.Records
		snap.Tombstones = stats.Tombstones
		snap.Devices = stats.Devices
	}
	writeJSON(w, http.StatusOK, snap)
}
