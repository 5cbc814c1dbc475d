package monitor

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/posted"
	"github.com/aristath/finpulse/internal/processing"
	"github.com/aristath/finpulse/internal/signals"
)

// pulseCooldown is the minimum interval between two non-forced pulses that
// observe the same event cursor.
const pulseCooldown = 10 * time.Minute

// PostedProjector resolves the current posted ledger for a business.
type PostedProjector func(businessID string) ([]posted.Txn, error)

// EventProcessor normalizes and categorizes newly ingested events ahead of
// projection, the ProcessingPipeline stage of the pulse sweep.
type EventProcessor func(businessID string, sourceEventIDs []string) (processing.Result, error)

// DetectorRunner runs the detector battery over a business's ledger.
type DetectorRunner func(businessID string, txns []posted.Txn, now time.Time) (signals.RunResult, error)

// Reconciler persists a detector run's output against HealthSignalState.
type Reconciler func(tx *sql.Tx, audit *events.Writer, businessID string, detected []signals.DetectedSignal, now time.Time) error

// Coordinator runs Pulse: a cursor-gated sweep that normalizes/categorizes
// new events, projects and detects over the resulting ledger, and
// reconciles the output into HealthSignalState.
type Coordinator struct {
	db        *sql.DB
	process   EventProcessor
	posted    PostedProjector
	detect    DetectorRunner
	reconcile Reconciler
	audit     *events.Writer
	runtime   *Runtime
	log       zerolog.Logger
}

func NewCoordinator(db *sql.DB, process EventProcessor, postedProjector PostedProjector, detect DetectorRunner, reconcile Reconciler, audit *events.Writer, runtime *Runtime, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		db: db, process: process, posted: postedProjector, detect: detect, reconcile: reconcile,
		audit: audit, runtime: runtime, log: log,
	}
}

// Result is Run's return shape; monitor/status handlers surface it, while
// Pulse (satisfying tick.PulseRunner) discards everything but the error.
type Result struct {
	Ran             bool   `json:"ran"`
	Reason          string `json:"reason,omitempty"`
	CursorID        string `json:"cursor_id,omitempty"`
	SignalsDetected int    `json:"signals_detected"`
}

// Pulse adapts Run to the tick.PulseRunner seam.
func (c *Coordinator) Pulse(businessID string, now time.Time, forceRun bool) error {
	_, err := c.Run(businessID, now, forceRun)
	return err
}

// Run gates a detector sweep on the newest raw-event cursor and a 10-minute
// cooldown, unless forceRun is set; otherwise it fetches the posted ledger,
// runs every detector, and reconciles the output into HealthSignalState.
func (c *Coordinator) Run(businessID string, now time.Time, forceRun bool) (Result, error) {
	cursorID, cursorAt, haveCursor, err := newestEventCursor(c.db, businessID)
	if err != nil {
		return Result{}, err
	}

	state, found, err := c.runtime.Load(businessID)
	if err != nil {
		return Result{}, err
	}

	if !forceRun && found && haveCursor && state.CursorID == cursorID && now.Sub(state.LastPulseAt) < pulseCooldown {
		return Result{Ran: false, Reason: "cooldown", CursorID: cursorID, SignalsDetected: state.SignalsDetected}, nil
	}

	procResult, err := c.process(businessID, nil)
	if err != nil {
		return Result{}, err
	}
	c.log.Debug().Str("business_id", businessID).
		Int("normalized", procResult.Normalized).
		Int("categorized", procResult.Categorized).
		Int("skipped", procResult.Skipped).
		Msg("processed new events ahead of pulse")

	txns, err := c.posted(businessID)
	if err != nil {
		return Result{}, err
	}

	runResult, err := c.detect(businessID, txns, now)
	if err != nil {
		return Result{}, err
	}

	tx, err := c.db.Begin()
	if err != nil {
		return Result{}, err
	}
	if err := c.reconcile(tx, c.audit, businessID, runResult.Signals, now); err != nil {
		tx.Rollback()
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	if err := c.runtime.Save(businessID, RuntimeState{
		CursorID:        cursorID,
		CursorCreatedAt: cursorAt,
		LastPulseAt:     now,
		SignalsDetected: len(runResult.Signals),
	}, now); err != nil {
		return Result{}, err
	}

	return Result{Ran: true, CursorID: cursorID, SignalsDetected: len(runResult.Signals)}, nil
}

func newestEventCursor(db *sql.DB, businessID string) (id string, createdAt time.Time, found bool, err error) {
	var createdAtStr string
	err = db.QueryRow(`
		SELECT id, created_at FROM raw_events
		WHERE business_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, businessID).Scan(&id, &createdAtStr)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	createdAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return id, createdAt, true, nil
}
