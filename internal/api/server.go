package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/storage"
)

// Invites is the delivery surface the HTTP layer drives.
type Invites interface {
	SendInvite(ctx context.Context, appt models.Appointment, prefs models.CalendarPreferences) (string, error)
	UpdateInvite(ctx context.Context, appointmentID string, changes models.AppointmentChanges) (string, error)
	CancelInvite(ctx context.Context, appointmentID string) (string, error)
	SyncAvailability(ctx context.Context, providerName string, rng models.TimeRange) (string, error)
	Availability(ctx context.Context, providerName string, rng models.TimeRange) ([]models.TimeRange, error)
	Integration(ctx context.Context, appointmentID string) (*models.CalendarIntegration, error)
	QueueStats(ctx context.Context) (*storage.JobStats, error)
}

// Operator is the monitoring surface.
type Operator interface {
	MetricsReport() models.MetricsReport
	SystemHealth() models.SystemHealthSummary
	Alerts(limit int) []models.MonitoringAlert
	ResetMetrics()
	AcknowledgeAlerts()
	PerformHealthCheck(ctx context.Context, name string) models.HealthCheck
}

type Server struct {
	cfg     config.ServerConfig
	invites Invites
	ops     Operator
	metrics http.Handler
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, invites Invites, ops Operator, metrics http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		invites: invites,
		ops:     ops,
		metrics: metrics,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	inviteHandler := NewInviteHandler(s.invites)
	availHandler := NewAvailabilityHandler(s.invites)
	monHandler := NewMonitorHandler(s.ops)
	statsHandler := NewStatsHandler(s.invites)

	// Liveness and scraping, no auth
	r.Get("/health", statsHandler.Health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey))

		// Invites
		r.Post("/invites", inviteHandler.Send)
		r.Patch("/invites/{appointmentID}", inviteHandler.Update)
		r.Delete("/invites/{appointmentID}", inviteHandler.Cancel)
		r.Get("/integrations/{appointmentID}", inviteHandler.Integration)

		// Availability
		r.Post("/availability/{provider}/sync", availHandler.Sync)
		r.Get("/availability/{provider}", availHandler.Get)

		// Monitoring
		r.Get("/monitor/metrics", monHandler.Metrics)
		r.Post("/monitor/metrics/reset", monHandler.Reset)
		r.Get("/monitor/health", monHandler.Health)
		r.Post("/monitor/health/{provider}", monHandler.Probe)
		r.Get("/monitor/alerts", monHandler.Alerts)
		r.Post("/monitor/alerts/ack", monHandler.Acknowledge)

		// Queue
		r.Get("/queue/stats", statsHandler.Queue)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
