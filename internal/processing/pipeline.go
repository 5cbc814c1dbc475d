// Package processing implements ProcessingPipeline:
// idempotent per-event normalization and categorization state.
package processing

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/ingest"
	"github.com/aristath/finpulse/internal/posted"
)

type Status string

const (
	StatusNew         Status = "new"
	StatusNormalized  Status = "normalized"
	StatusCategorized Status = "categorized"
	StatusError       Status = "error"
)

// CategoryRule is a simple vendor/description matcher used to assign a
// category to a posted transaction.
type CategoryRule struct {
	CategoryID string
	MatchKind  string // vendor_contains|description_contains
	MatchValue string
	Priority   int
}

// RuleProvider resolves the business's category rules, ordered by priority
// descending; supplied by the categories module.
type RuleProvider func(businessID string) ([]CategoryRule, error)

type Pipeline struct {
	db        *sql.DB
	store     *ingest.Store
	projector *posted.Projector
	rules     RuleProvider
	audit     *events.Writer
	log       zerolog.Logger
}

func NewPipeline(db *sql.DB, store *ingest.Store, projector *posted.Projector, rules RuleProvider, audit *events.Writer, log zerolog.Logger) *Pipeline {
	return &Pipeline{db: db, store: store, projector: projector, rules: rules, audit: audit, log: log}
}

// Result reports per-run processing counters.
type Result struct {
	Normalized   int
	Categorized  int
	Errored      int
	Skipped      int
}

// ProcessNewEvents iterates candidate source_event_ids for businessID (all
// posted transactions if none are given), idempotently advancing each to
// normalized or categorized and skipping already-terminal states.
func (p *Pipeline) ProcessNewEvents(businessID string, sourceEventIDs []string) (Result, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	startedAt := time.Now().UTC()
	if err := p.audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.ProcessingStarted,
		EntityType: events.EntityProcessing,
		EntityID:   businessID,
		After:      map[string]any{"started_at": startedAt.Format(time.RFC3339Nano)},
	}); err != nil {
		return Result{}, err
	}

	txns, err := p.projector.Project(businessID)
	if err != nil {
		return Result{}, err
	}

	wanted := map[string]bool{}
	for _, id := range sourceEventIDs {
		wanted[id] = true
	}

	rules, err := p.rules(businessID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, t := range txns {
		if len(wanted) > 0 && !wanted[t.SourceEventID] {
			continue
		}

		state, err := p.currentState(tx, businessID, t.SourceEventID)
		if err != nil {
			return Result{}, err
		}
		if state == StatusCategorized || state == StatusError {
			res.Skipped++
			continue
		}

		if err := p.setState(tx, businessID, t.SourceEventID, StatusNormalized, "", "", startedAt); err != nil {
			return Result{}, err
		}
		res.Normalized++

		categoryID, matched := matchRule(t, rules)
		if matched {
			if err := p.categorize(tx, businessID, t.SourceEventID, categoryID, startedAt); err != nil {
				return Result{}, err
			}
			if err := p.setState(tx, businessID, t.SourceEventID, StatusCategorized, "", "", startedAt); err != nil {
				return Result{}, err
			}
			res.Categorized++
		}
	}

	finishedAt := time.Now().UTC()
	if err := p.audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.ProcessingCompleted,
		EntityType: events.EntityProcessing,
		EntityID:   businessID,
		After: map[string]any{
			"finished_at": finishedAt.Format(time.RFC3339Nano),
			"normalized":  res.Normalized,
			"categorized": res.Categorized,
			"skipped":     res.Skipped,
		},
	}); err != nil {
		return Result{}, err
	}

	return res, tx.Commit()
}

func (p *Pipeline) currentState(tx *sql.Tx, businessID, sourceEventID string) (Status, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM processing_event_states WHERE business_id = ? AND source_event_id = ?`,
		businessID, sourceEventID).Scan(&status)
	if err == sql.ErrNoRows {
		return StatusNew, nil
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (p *Pipeline) setState(tx *sql.Tx, businessID, sourceEventID string, status Status, errCode, errDetail string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := tx.Exec(`
		INSERT INTO processing_event_states (business_id, source_event_id, status, error_code, error_detail, processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_id, source_event_id) DO UPDATE SET
			status=excluded.status, error_code=excluded.error_code, error_detail=excluded.error_detail,
			processed_at=excluded.processed_at, updated_at=excluded.updated_at`,
		businessID, sourceEventID, string(status), nullable(errCode), nullable(errDetail), ts, ts)
	return err
}

func (p *Pipeline) categorize(tx *sql.Tx, businessID, sourceEventID, categoryID string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := tx.Exec(`
		INSERT INTO txn_categorizations (business_id, source_event_id, category_id, source, confidence, note, created_at, updated_at)
		VALUES (?, ?, ?, 'rule', 1.0, NULL, ?, ?)
		ON CONFLICT(business_id, source_event_id) DO UPDATE SET
			category_id=excluded.category_id, source=excluded.source, updated_at=excluded.updated_at`,
		businessID, sourceEventID, categoryID, ts, ts)
	return err
}

func matchRule(t posted.Txn, rules []CategoryRule) (string, bool) {
	for _, r := range rules {
		switch r.MatchKind {
		case "vendor_contains":
			if strings.Contains(strings.ToLower(t.Counterparty), strings.ToLower(r.MatchValue)) ||
				strings.Contains(strings.ToLower(t.MerchantKey), strings.ToLower(r.MatchValue)) {
				return r.CategoryID, true
			}
		case "description_contains":
			if strings.Contains(strings.ToLower(t.Description), strings.ToLower(r.MatchValue)) {
				return r.CategoryID, true
			}
		}
	}
	return "", false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
