// Package api provides the HTTP server and handlers for GuardianPipe.
//
// It exposes JSON endpoints to trigger SOS alerts, manage the emergency circle,
// maintain contacts and danger zones, and inspect alert history and location.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Timeouts applied to the HTTP server.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Engine is the subset of the coordination engine the HTTP layer drives.
type Engine interface {
	TriggerSOS(ctx context.Context) (models.SOSAlert, error)
	ActivateCircle(ctx context.Context) (bool, error)
	DeactivateCircle(ctx context.Context) (bool, error)
	CircleStatus() models.CircleSession
	CheckIn(ctx context.Context) (models.SOSAlert, error)
	Alerts() []models.SOSAlert
	Contacts(ctx context.Context) ([]models.EmergencyContact, error)
	SetContacts(ctx context.Context, contacts []models.EmergencyContact) error
	Zones() []models.DangerZone
	SetZones(ctx context.Context, zones []models.DangerZone) error
	Location(ctx context.Context) (models.LocationSample, error)
	Announce(text string, priority models.Priority) bool
	Health() models.HealthStatus
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Metrics *metrics.Metrics
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetrics exposes the given registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// Server serves the GuardianPipe HTTP API.
type Server struct {
	engine  Engine
	metrics *metrics.Metrics
	addr    string
	mux     *http.ServeMux
	srv     *http.Server
}

// NewServer creates a Server for engine with the given options.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		engine:  engine,
		metrics: cfg.Metrics,
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	slog.Debug("Server.NewServer: API server created", "addr", s.addr)
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/sos", s.sosHandler)
	s.mux.HandleFunc("/circle", s.circleStatusHandler)
	s.mux.HandleFunc("/circle/activate", s.circleActivateHandler)
	s.mux.HandleFunc("/circle/deactivate", s.circleDeactivateHandler)
	s.mux.HandleFunc("/checkin", s.checkInHandler)
	s.mux.HandleFunc("/alerts", s.alertsHandler)
	s.mux.HandleFunc("/contacts", s.contactsHandler)
	s.mux.HandleFunc("/zones", s.zonesHandler)
	s.mux.HandleFunc("/location", s.locationHandler)
	s.mux.HandleFunc("/announce", s.announceHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: API server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API server stopped")
	return nil
}
