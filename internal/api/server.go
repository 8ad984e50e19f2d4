package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SimonWolf/OEEG/internal/acquire"
	"github.com/SimonWolf/OEEG/internal/config"
	"github.com/SimonWolf/OEEG/internal/feed"
	"github.com/SimonWolf/OEEG/internal/quality"
	"github.com/SimonWolf/OEEG/internal/store"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new API server with all routes registered.
func NewServer(s *store.FragmentStore, orch *acquire.Orchestrator, qm *quality.Manager, client *feed.Client, sites []config.SiteConfig, logger *slog.Logger) *Server {
	h := &Handlers{
		Store:     s,
		Orch:      orch,
		Quality:   qm,
		Feed:      client,
		Sites:     sites,
		Logger:    logger,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()

	// API routes.
	mux.HandleFunc("GET /api/v1/sites", h.ListSites)
	mux.HandleFunc("GET /api/v1/sites/{site_id}/readings", h.GetReadings)
	mux.HandleFunc("GET /api/v1/sites/{site_id}/power", h.GetPower)
	mux.HandleFunc("GET /api/v1/sites/{site_id}/anomaly", h.GetAnomaly)
	mux.HandleFunc("GET /api/v1/sites/{site_id}/quality", h.GetQuality)
	mux.HandleFunc("GET /api/v1/sites/{site_id}/yield", h.GetYield)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = Headers(handler)
	handler = CORS("")(handler) // Empty string disables CORS headers.
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(logger)(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // quality backfills compute on demand
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.handlers.Logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetQualityInfo sets quality database driver and path for the health endpoint.
func (s *Server) SetQualityInfo(driver, path string) {
	s.handlers.QualityDriver = driver
	s.handlers.QualityPath = path
}
