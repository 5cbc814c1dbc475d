// Package events implements the append-only ChangeLog/AuditLog: every
// signal/case/action/plan/work transition is persisted through this single
// writer, the product's one source of change history.
package events

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChangeType enumerates the audit change types recorded across engines.
type ChangeType string

const (
	SignalDetected        ChangeType = "signal_detected"
	SignalUpdated         ChangeType = "signal_updated"
	SignalResolved        ChangeType = "signal_resolved"
	SignalStatusChanged   ChangeType = "signal_status_changed"
	CaseCreated           ChangeType = "case_created"
	SignalAttached        ChangeType = "signal_attached"
	CaseEscalated         ChangeType = "case_escalated"
	CaseStatusChanged     ChangeType = "case_status_changed"
	CaseRecomputeApplied  ChangeType = "case_recompute_applied"
	PlanCreated           ChangeType = "plan_created"
	LedgerAnchorAttached  ChangeType = "ledger_anchor_attached"
	LedgerAnchorDetached  ChangeType = "ledger_anchor_detached"
	WorkItemCreated       ChangeType = "work_item_created"
	WorkItemUpdated       ChangeType = "work_item_updated"
	WorkItemAutoResolved  ChangeType = "work_item_auto_resolved"
	WorkItemCompleted     ChangeType = "work_item_completed"
	ActionCreated         ChangeType = "action_created"
	ActionUpdated         ChangeType = "action_updated"
	ActionResolved        ChangeType = "action_resolved"
	ActionSnoozed         ChangeType = "action_snoozed"
	ActionAssigned        ChangeType = "action_assigned"
	ProcessingStarted     ChangeType = "processing_started"
	ProcessingCompleted   ChangeType = "processing_completed"
	ProcessingError       ChangeType = "processing_error"
	PlanActivated         ChangeType = "plan_activated"
	PlanRefreshed         ChangeType = "plan_refreshed"
	PlanClosed            ChangeType = "plan_closed"
)

// EntityType names the table/aggregate a change applies to.
type EntityType string

const (
	EntitySignal     EntityType = "signal"
	EntityCase       EntityType = "case"
	EntityWorkItem   EntityType = "work_item"
	EntityAction     EntityType = "action"
	EntityPlan       EntityType = "plan"
	EntityProcessing EntityType = "processing_event"
)

// Entry is one row written to audit_log. Before/After are arbitrary
// JSON-marshalable snapshots; callers pass map[string]any or
// map[string]string.
type Entry struct {
	BusinessID string
	ChangeType ChangeType
	EntityType EntityType
	EntityID   string
	SignalID   string
	Domain     string
	Severity   string
	Before     any
	After      any
}

// Writer persists Entry rows inside the caller's transaction. It never opens
// its own transaction: every engine writes audit rows inside the same
// transactional scope as the state mutation they describe, so a failed
// commit leaves no orphaned audit trail.
type Writer struct {
	log zerolog.Logger
}

func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{log: log}
}

// Record inserts one audit_log row using tx.
func (w *Writer) Record(tx *sql.Tx, e Entry) error {
	beforeJSON, err := marshalOrNull(e.Before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalOrNull(e.After)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(`
		INSERT INTO audit_log (id, business_id, change_type, entity_type, entity_id, signal_id, domain, severity, before_state, after_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.BusinessID, string(e.ChangeType), string(e.EntityType), e.EntityID,
		nullableString(e.SignalID), nullableString(e.Domain), nullableString(e.Severity),
		beforeJSON, afterJSON, now,
	)
	if err != nil {
		w.log.Error().Err(err).Str("business_id", e.BusinessID).Str("change_type", string(e.ChangeType)).Msg("failed to write audit entry")
		return err
	}
	return nil
}

func marshalOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Row is one read-back audit_log row, used by HealthScoreEngine.ExplainChange
// and by the signals HTTP handlers.
type Row struct {
	ID          string
	BusinessID  string
	ChangeType  string
	EntityType  string
	EntityID    string
	SignalID    string
	Domain      string
	Severity    string
	BeforeState string
	AfterState  string
	CreatedAt   time.Time
}

// ListWindow returns audit rows for business_id within the last since_hours,
// newest first, ordered by (created_at, id) (callers that need ascending
// order reverse the slice).
func ListWindow(db *sql.DB, businessID string, sinceHours, limit int) ([]Row, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour).Format(time.RFC3339Nano)
	rows, err := db.Query(`
		SELECT id, business_id, change_type, entity_type, entity_id,
		       COALESCE(signal_id, ''), COALESCE(domain, ''), COALESCE(severity, ''),
		       COALESCE(before_state, ''), COALESCE(after_state, ''), created_at
		FROM audit_log
		WHERE business_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, businessID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdAt string
		if err := rows.Scan(&r.ID, &r.BusinessID, &r.ChangeType, &r.EntityType, &r.EntityID,
			&r.SignalID, &r.Domain, &r.Severity, &r.BeforeState, &r.AfterState, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountSignalTransitions counts signal_status_changed-family rows for a
// signal within the last windowDays, used by the flapping detector and by
// ActionPolicy's flap-suppression rule.
func CountSignalTransitions(db *sql.DB, businessID, signalID string, windowDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format(time.RFC3339Nano)
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM audit_log
		WHERE business_id = ? AND signal_id = ? AND created_at >= ?
		AND change_type IN (?, ?, ?)`,
		businessID, signalID, cutoff,
		string(SignalDetected), string(SignalResolved), string(SignalStatusChanged),
	).Scan(&n)
	return n, err
}
