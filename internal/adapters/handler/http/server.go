package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"surface.scanners/internal/core/logger"
	"surface.scanners/internal/core/ports"
	"surface.scanners/internal/core/services"
)

type HealthChecker interface {
	CheckHealth(ctx context.Context) *services.HealthReport
	SimpleHealthCheck(ctx context.Context) (string, int)
}

type ContainerInventory interface {
	Check(ctx context.Context, rootbox string) ([]services.RootboxContainers, error)
}

// Server is the ops endpoint exposed next to the long running loops.
type Server struct {
	router    *chi.Mux
	healthSvc HealthChecker
	inventory ContainerInventory
	srv       *http.Server
}

func NewServer(healthSvc HealthChecker, inventory ContainerInventory) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		healthSvc: healthSvc,
		inventory: inventory,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)

	s.router.Handle("/metrics", MetricsHandler())

	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/health", s.handleDetailedHealth)

	s.router.Route("/api/rootboxes", func(r chi.Router) {
		r.Get("/", s.handleContainers)
		r.Get("/{name}/containers", s.handleContainers)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until Shutdown is called.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("ops server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	out, err := s.inventory.Check(r.Context(), name)
	switch {
	case errors.Is(err, ports.ErrUnknownRootbox):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		logger.ErrorContext(r.Context(), "container inventory failed", "rootbox", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "inventory failed"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
