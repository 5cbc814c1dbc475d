// Package main is the entry point for the finpulse financial-health
// monitoring service. It ingests provider events, projects posted
// transactions, detects financial-health signals, aggregates them into
// cases, generates remediation work and plans, scores overall business
// health, and serves all of it over HTTP.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/finpulse/internal/actions"
	"github.com/aristath/finpulse/internal/archive"
	"github.com/aristath/finpulse/internal/business"
	"github.com/aristath/finpulse/internal/cases"
	"github.com/aristath/finpulse/internal/config"
	"github.com/aristath/finpulse/internal/database"
	"github.com/aristath/finpulse/internal/diagnostics"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/healthscore"
	"github.com/aristath/finpulse/internal/ingest"
	"github.com/aristath/finpulse/internal/integrations"
	"github.com/aristath/finpulse/internal/ledger"
	"github.com/aristath/finpulse/internal/monitor"
	"github.com/aristath/finpulse/internal/plans"
	"github.com/aristath/finpulse/internal/posted"
	"github.com/aristath/finpulse/internal/processing"
	"github.com/aristath/finpulse/internal/server"
	"github.com/aristath/finpulse/internal/settings"
	"github.com/aristath/finpulse/internal/signals"
	"github.com/aristath/finpulse/internal/tick"
	"github.com/aristath/finpulse/internal/work"
	"github.com/aristath/finpulse/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting finpulse")

	db, err := database.New(database.Config{
		Path:    cfg.DatabaseURL,
		Profile: database.ProfileStandard,
		Name:    "finpulse",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	conn := db.Conn()

	settingsRepo := settings.NewRepository(conn, log)
	if err := cfg.UpdateFromSettings(settingsRepo.GlobalReader()); err != nil {
		log.Warn().Err(err).Msg("failed to update config from settings, using environment variables")
	}

	businesses := business.NewRepository(conn, log)
	ingestStore := ingest.NewStore(conn, log)
	postedProjector := posted.NewProjector(ingestStore, conn, log)
	audit := events.NewWriter(log)
	ledgerSvc := ledger.NewService(conn)

	transitionLookup := signals.NewDBTransitionLookup(conn)
	signalEngine := signals.NewEngine(transitionLookup, log)
	stateMachine := signals.NewStateMachine(conn, log)

	riskSnapshots := newRiskSnapshotProvider(conn)
	caseEngine := cases.NewEngine(conn, riskSnapshots, log)

	workEngine := work.NewEngine(newCaseLoader(), log)

	transitionCounter := func(businessID, signalID string, windowDays int) (int, error) {
		return events.CountSignalTransitions(conn, businessID, signalID, windowDays)
	}
	actionsEngine := actions.NewEngine(conn, postedProjector.Project, transitionCounter, audit, log)

	plansEngine := plans.NewEngine(conn, log)

	providers := integrations.NewRegistry(conn, cfg)

	processingPipeline := processing.NewPipeline(conn, ingestStore, postedProjector, processing.NewDBRuleProvider(conn), audit, log)

	runtime := monitor.NewRuntime(conn)
	coordinator := monitor.NewCoordinator(conn, processingPipeline.ProcessNewEvents, postedProjector.Project, signalEngine.Run, stateMachine.Reconcile, audit, runtime, log)

	var archiver *archive.ChangeLogArchiver
	if cfg.AuditArchiveBucket != "" {
		archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		archiveClient, err := archive.NewClient(archiveCtx, archive.ClientConfig{
			Bucket:          cfg.AuditArchiveBucket,
			Endpoint:        cfg.AuditArchiveEndpoint,
			Region:          cfg.AuditArchiveRegion,
			AccessKeyID:     cfg.AuditArchiveAccessKeyID,
			SecretAccessKey: cfg.AuditArchiveSecretAccessKey,
		})
		archiveCancel()
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize audit archive client, archival disabled")
		} else {
			archiver = archive.NewChangeLogArchiver(conn, archiveClient, log)
		}
	} else {
		log.Info().Msg("audit archive bucket not configured, archival disabled")
	}

	// A nil *archive.ChangeLogArchiver must not be assigned directly to the
	// ArchiveRunner interface: doing so produces a non-nil interface holding
	// a nil pointer, which would defeat Scheduler's nil check.
	var archiveRunner tick.ArchiveRunner
	if archiver != nil {
		archiveRunner = archiver
	}
	scheduler := tick.NewScheduler(conn, caseEngine, workEngine, coordinator, archiveRunner, cfg.AuditArchiveRetentionDays, audit, log)

	diagnosticReporter := diagnostics.NewReporter(db, cfg.DataDir, time.Now())

	broadcaster := server.NewBroadcaster()

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		DB:         db,
		Businesses: businesses,
		Ingest:     ingestStore,
		Posted:     postedProjector,
		Ledger:     ledgerSvc,
		Cases:      caseEngine,
		Actions:    actionsEngine,
		Work:       workEngine,
		Plans:      plansEngine,
		Processing: processingPipeline,
		Monitor:    coordinator,
		Scheduler:  scheduler,
		Archiver:   archiver,
		Diagnostic: diagnosticReporter,
		Audit:      audit,
		Broadcast:  broadcaster,
		Providers:  providers,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

// newRiskSnapshotProvider adapts healthscore.ComputeScore to
// cases.RiskSnapshotProvider's narrower shape.
func newRiskSnapshotProvider(db *sql.DB) cases.RiskSnapshotProvider {
	return func(businessID string) (cases.RiskSnapshot, error) {
		score, err := healthscore.ComputeScore(db, businessID, time.Now())
		if err != nil {
			return cases.RiskSnapshot{}, err
		}
		return cases.RiskSnapshot{Score: score.Score, ComputedAt: score.GeneratedAt}, nil
	}
}

// newCaseLoader returns a work.CaseLoader that reads a case row plus its
// derived SLA/plan/signal-count state, mirroring the query logic
// cases.Engine.RecomputeCase uses to compute the same fields.
func newCaseLoader() work.CaseLoader {
	return func(tx *sql.Tx, caseID string) (work.CaseView, error) {
		var v work.CaseView
		var openedAt string
		var nextReviewAt sql.NullString
		var assignedTo sql.NullString

		v.ID = caseID
		if err := tx.QueryRow(`
			SELECT business_id, status, severity, assigned_to, opened_at, next_review_at
			FROM cases WHERE id = ?`, caseID,
		).Scan(&v.BusinessID, &v.Status, &v.Severity, &assignedTo, &openedAt, &nextReviewAt); err != nil {
			return work.CaseView{}, err
		}
		if assignedTo.Valid {
			v.AssignedTo = assignedTo.String
		}
		if t, err := time.Parse(time.RFC3339Nano, openedAt); err == nil {
			v.OpenedAt = t
		}
		if nextReviewAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, nextReviewAt.String); err == nil {
				v.NextReviewAt = &t
				v.ComputedSLABreached = time.Now().After(t)
			}
		}

		now := time.Now()
		cutoff30 := now.AddDate(0, 0, -30).Format(time.RFC3339Nano)
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM case_signals cs
			JOIN health_signal_states h ON h.business_id = cs.business_id AND h.signal_id = cs.signal_id
			WHERE cs.case_id = ? AND h.status IN ('open','in_progress') AND cs.attached_at >= ?`,
			caseID, cutoff30,
		).Scan(&v.ComputedOpenSignalCount30d); err != nil {
			return work.CaseView{}, err
		}

		var activePlanCreatedAt sql.NullString
		err := tx.QueryRow(`
			SELECT created_at FROM plans WHERE business_id = ? AND status = 'active'
			ORDER BY created_at ASC LIMIT 1`, v.BusinessID,
		).Scan(&activePlanCreatedAt)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return work.CaseView{}, err
		case activePlanCreatedAt.Valid:
			if created, parseErr := time.Parse(time.RFC3339Nano, activePlanCreatedAt.String); parseErr == nil {
				v.HasActivePlan = true
				v.ActivePlanCreatedAt = &created
				v.ComputedPlanOverdue = now.Sub(created) > 14*24*time.Hour
			}
		}

		return v, nil
	}
}
