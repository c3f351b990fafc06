// Package server provides the per-process ops HTTP server: health,
// status, entity lookups, the raw-signal entry point and operational
// triggers. Each binary mounts only the routes its role serves.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/modules/signals"
)

// DecisionSource looks up the decision record of a signal.
type DecisionSource interface {
	GetDecision(signalID string) (*domain.Decision, error)
}

// OrderSource looks up orders.
type OrderSource interface {
	GetByID(orderID string) (*domain.Order, error)
}

// PositionSource lists open positions.
type PositionSource interface {
	ListOpen() ([]*domain.Position, error)
}

// AccountSource reports account connection state for /status.
type AccountSource interface {
	List() ([]*domain.Account, error)
}

// RawInserter accepts externally submitted raw signals. Mounted only in
// the ingestor process.
type RawInserter interface {
	InsertRaw(raw signals.RawSignal) (int64, error)
}

// CommandPublisher publishes order commands on the bus.
type CommandPublisher interface {
	PublishJSON(topic string, v interface{}) error
}

// BackupRunner triggers an on-demand database backup. Mounted only in the
// executor process.
type BackupRunner interface {
	Backup() error
}

// Config holds the ops server wiring. Sources left nil simply do not get
// routes; every process passes what its role serves.
type Config struct {
	Log         zerolog.Logger
	Role        string // "ingestor", "cerebro" or "executor"
	Environment string
	Port        int

	Databases []*database.DB
	Bus       *bus.Bus
	Events    *events.Manager

	Decisions DecisionSource
	Orders    OrderSource
	Positions PositionSource
	Accounts  AccountSource
	Raw       RawInserter
	Commands  CommandPublisher
	Backup    BackupRunner
}

// Server is the ops HTTP server.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	role        string
	environment string
	startupTime time.Time

	databases []*database.DB
	bus       *bus.Bus
	events    *events.Manager
	decisions DecisionSource
	orders    OrderSource
	positions PositionSource
	accounts  AccountSource
	raw       RawInserter
	commands  CommandPublisher
	backup    BackupRunner
}

// New creates the ops server for one process role.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		role:        cfg.Role,
		environment: cfg.Environment,
		startupTime: time.Now(),
		databases:   cfg.Databases,
		bus:         cfg.Bus,
		events:      cfg.Events,
		decisions:   cfg.Decisions,
		orders:      cfg.Orders,
		positions:   cfg.Positions,
		accounts:    cfg.Accounts,
		raw:         cfg.Raw,
		commands:    cfg.Commands,
		backup:      cfg.Backup,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the chi mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		if s.events != nil {
			r.Get("/events", s.handleListEvents)
		}
		if s.decisions != nil {
			r.Get("/signals/{id}", s.handleGetSignal)
		}
		if s.orders != nil {
			r.Get("/orders/{id}", s.handleGetOrder)
		}
		if s.positions != nil {
			r.Get("/positions", s.handleListPositions)
		}
		if s.raw != nil {
			r.Post("/signals", s.handlePostSignal)
		}
		if s.commands != nil {
			r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		}
		if s.backup != nil {
			r.Post("/backup", s.handleBackup)
		}
	})
}

// Start starts the HTTP server. Blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Str("role", s.role).Msg("Starting ops server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down ops server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
