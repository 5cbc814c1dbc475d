// Package server provides the HTTP API surface: a chi router wiring every
// engine behind request/response handlers (Config/Server shape,
// setupMiddleware, setupRoutes mounting /health then /api, Start/Shutdown
// lifecycle).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/actions"
	"github.com/aristath/finpulse/internal/archive"
	"github.com/aristath/finpulse/internal/business"
	"github.com/aristath/finpulse/internal/cases"
	"github.com/aristath/finpulse/internal/config"
	"github.com/aristath/finpulse/internal/database"
	"github.com/aristath/finpulse/internal/diagnostics"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/ingest"
	"github.com/aristath/finpulse/internal/integrations"
	"github.com/aristath/finpulse/internal/ledger"
	"github.com/aristath/finpulse/internal/monitor"
	"github.com/aristath/finpulse/internal/plans"
	"github.com/aristath/finpulse/internal/posted"
	"github.com/aristath/finpulse/internal/processing"
	"github.com/aristath/finpulse/internal/tick"
	"github.com/aristath/finpulse/internal/work"
)

// Config is the set of dependencies Server wires into handlers. It is
// assembled by cmd/server/main.go after the DI sequence (databases,
// repositories, engines) completes.
type Config struct {
	Log    zerolog.Logger
	Cfg    *config.Config
	DB     *database.DB

	Businesses *business.Repository
	Ingest     *ingest.Store
	Posted     *posted.Projector
	Ledger     *ledger.Service
	Cases      *cases.Engine
	Actions    *actions.Engine
	Work       *work.Engine
	Plans      *plans.Engine
	Processing *processing.Pipeline
	Monitor    *monitor.Coordinator
	Scheduler  *tick.Scheduler
	Archiver   *archive.ChangeLogArchiver
	Diagnostic *diagnostics.Reporter
	Audit      *events.Writer
	Broadcast  *Broadcaster
	Providers  *integrations.Registry
}

// Server owns the HTTP listener and the router it serves.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

func New(cfg Config) *Server {
	s := &Server{
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		router: chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Email", "X-User-Id", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !s.cfg.Cfg.PilotDevMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Ledger, integrations, and monitor are mounted at top level rather than
	// under /api, matching the uneven prefixing of the external interface
	// this server implements.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		ledgerHandlers := NewLedgerHandlers(s.cfg.DB.Conn(), s.cfg.Ledger, s.cfg.Posted, s.log)
		ledgerHandlers.RegisterRoutes(r)

		ingestHandlers := NewIngestHandlers(s.cfg.Ingest, s.cfg.Providers, s.log)
		ingestHandlers.RegisterRoutes(r)

		monitorHandlers := NewMonitorHandlers(s.cfg.Monitor, s.log)
		monitorHandlers.RegisterRoutes(r)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		businessHandlers := NewBusinessHandlers(s.cfg.Businesses, s.cfg.Cfg.AllowBusinessDelete, s.log)
		businessHandlers.RegisterRoutes(r)

		signalHandlers := NewSignalHandlers(s.cfg.DB.Conn(), s.cfg.Audit, s.log)
		signalHandlers.RegisterRoutes(r)

		caseHandlers := NewCaseHandlers(s.cfg.DB.Conn(), s.cfg.Cases, s.cfg.Audit, s.log)
		caseHandlers.RegisterRoutes(r)

		actionHandlers := NewActionHandlers(s.cfg.DB.Conn(), s.cfg.Actions, s.cfg.Audit, s.log)
		actionHandlers.RegisterRoutes(r)

		planHandlers := NewPlanHandlers(s.cfg.DB.Conn(), s.cfg.Plans, s.cfg.Audit, s.log)
		planHandlers.RegisterRoutes(r)

		workHandlers := NewWorkHandlers(s.cfg.DB.Conn(), s.cfg.Work, s.cfg.Audit, s.log)
		workHandlers.RegisterRoutes(r)

		healthHandlers := NewHealthHandlers(s.cfg.DB.Conn(), s.cfg.Scheduler, s.cfg.Diagnostic, s.log)
		healthHandlers.RegisterRoutes(r)

		streamHandlers := NewStreamHandlers(s.cfg.Broadcast, s.log)
		streamHandlers.RegisterRoutes(r)

		if s.cfg.Cfg.DevProcessingOps {
			processingHandlers := NewProcessingHandlers(s.cfg.Processing, s.log)
			processingHandlers.RegisterRoutes(r)
		}
	})

	// Webhooks are not behind authMiddleware: providers authenticate via
	// VerifyWebhook's signature check, not the X-User-Email/Id contract.
	s.router.Route("/api/webhooks", func(r chi.Router) {
		webhookHandlers := NewWebhookHandlers(s.cfg.DB.Conn(), s.cfg.Providers, s.cfg.Ingest, s.log)
		webhookHandlers.RegisterRoutes(r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "finpulse"})
}

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
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) Start() error {
	s.cfg.Scheduler.Start(s.cfg.Cfg.TickCron)
	s.log.Info().Str("addr", s.cfg.Cfg.HTTPAddr).Msg("starting HTTP server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cfg.Scheduler.Stop()
	return s.server.Shutdown(ctx)
}
