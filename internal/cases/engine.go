// Package cases implements CaseEngine: the case
// state machine that aggregates signals into a single triage unit per
// (business, domain), evaluates escalation rules, and recomputes derived
// state deterministically.
package cases

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/signals"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusMonitoring Status = "monitoring"
	StatusEscalated  Status = "escalated"
	StatusResolved   Status = "resolved"
	StatusDismissed  Status = "dismissed"
	StatusReopened   Status = "reopened"
)

// allowedTransitions encodes the case status state machine.
var allowedTransitions = map[Status]map[Status]bool{
	StatusOpen:       {StatusMonitoring: true, StatusEscalated: true, StatusResolved: true, StatusDismissed: true},
	StatusMonitoring: {StatusOpen: true, StatusEscalated: true, StatusResolved: true, StatusDismissed: true},
	StatusEscalated:  {StatusMonitoring: true, StatusResolved: true, StatusDismissed: true},
	StatusResolved:   {StatusReopened: true},
	StatusDismissed:  {StatusReopened: true},
	StatusReopened:   {StatusMonitoring: true, StatusEscalated: true, StatusResolved: true, StatusDismissed: true},
}

// CanTransition reports whether from->to is a legal case status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// RiskSnapshot is the minimal shape CaseEngine needs from HealthScoreEngine,
// kept as a narrow struct (not an import of internal/healthscore) so the
// cases package does not depend on the healthscore package.
type RiskSnapshot struct {
	Score     float64   `json:"score"`
	ComputedAt time.Time `json:"computed_at"`
}

// RiskSnapshotProvider resolves the current risk snapshot for a business.
type RiskSnapshotProvider func(businessID string) (RiskSnapshot, error)

// Case is one persisted cases row.
type Case struct {
	ID                     string
	BusinessID             string
	Domain                 string
	Status                 Status
	PrimarySignalType      string
	Severity               signals.Severity
	OpenedAt               time.Time
	LastActivityAt         time.Time
	ClosedAt               *time.Time
	RiskScoreSnapshot      RiskSnapshot
	AssignedTo             string
	NextReviewAt           *time.Time
	LastEscalationRule     string
	LastEscalationPayload  string
}

type Engine struct {
	db       *sql.DB
	risk     RiskSnapshotProvider
	log      zerolog.Logger
}

func NewEngine(db *sql.DB, risk RiskSnapshotProvider, log zerolog.Logger) *Engine {
	return &Engine{db: db, risk: risk, log: log}
}

// AggregateSignal runs the four-step attach procedure: find or create an
// open case, attach the signal, bump severity/activity (touching the case
// row when either changes), evaluate escalation.
func (e *Engine) AggregateSignal(tx *sql.Tx, audit *events.Writer, businessID, signalID, signalType, domain string, severity signals.Severity, occurredAt time.Time) (*Case, error) {
	c, err := e.findOrCreateOpenCase(tx, audit, businessID, domain, signalType, severity, occurredAt)
	if err != nil {
		return nil, err
	}

	if err := e.attachSignal(tx, audit, c, signalID, occurredAt); err != nil {
		return nil, err
	}

	newSeverity := signals.MaxSeverity(c.Severity, severity)
	if newSeverity != c.Severity || occurredAt.After(c.LastActivityAt) {
		c.Severity = newSeverity
		c.LastActivityAt = occurredAt
		if err := e.touch(tx, c); err != nil {
			return nil, err
		}
	}

	if err := e.EvaluateEscalation(tx, audit, c.ID, occurredAt); err != nil {
		return nil, err
	}

	return c, nil
}

func (e *Engine) findOrCreateOpenCase(tx *sql.Tx, audit *events.Writer, businessID, domain, signalType string, severity signals.Severity, now time.Time) (*Case, error) {
	row := tx.QueryRow(`
		SELECT id, status, primary_signal_type, severity, opened_at, last_activity_at, risk_score_snapshot_json,
		       COALESCE(assigned_to, ''), next_review_at, COALESCE(last_escalation_rule, ''), COALESCE(last_escalation_payload, '')
		FROM cases
		WHERE business_id = ? AND domain = ? AND status IN ('open','monitoring','escalated')
		ORDER BY opened_at ASC, id ASC
		LIMIT 1`, businessID, domain)

	c, err := scanCase(row, businessID, domain)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	snapshot, err := e.risk(businessID)
	if err != nil {
		return nil, err
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	nowStr := now.Format(time.RFC3339Nano)
	_, err = tx.Exec(`
		INSERT INTO cases (id, business_id, domain, status, primary_signal_type, severity, opened_at, last_activity_at, risk_score_snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, businessID, domain, string(StatusOpen), signalType, string(severity), nowStr, nowStr, string(snapshotJSON), nowStr, nowStr)
	if err != nil {
		return nil, err
	}

	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.CaseCreated,
		EntityType: events.EntityCase,
		EntityID:   id,
		Domain:     domain,
		Severity:   string(severity),
		After:      map[string]any{"status": StatusOpen, "domain": domain},
	}); err != nil {
		return nil, err
	}

	return &Case{
		ID: id, BusinessID: businessID, Domain: domain, Status: StatusOpen,
		PrimarySignalType: signalType, Severity: severity, OpenedAt: now, LastActivityAt: now,
		RiskScoreSnapshot: snapshot,
	}, nil
}

func scanCase(row *sql.Row, businessID, domain string) (*Case, error) {
	var (
		id, status, primaryType, severity, openedAt, lastActivityAt, riskJSON, assignedTo string
		nextReviewAt, escalationRule, escalationPayload sql.NullString
	)
	if err := row.Scan(&id, &status, &primaryType, &severity, &openedAt, &lastActivityAt, &riskJSON, &assignedTo, &nextReviewAt, &escalationRule, &escalationPayload); err != nil {
		return nil, err
	}
	var risk RiskSnapshot
	_ = json.Unmarshal([]byte(riskJSON), &risk)

	c := &Case{
		ID: id, BusinessID: businessID, Domain: domain, Status: Status(status),
		PrimarySignalType: primaryType, Severity: signals.Severity(severity),
		RiskScoreSnapshot: risk, AssignedTo: assignedTo,
		LastEscalationRule: escalationRule.String, LastEscalationPayload: escalationPayload.String,
	}
	c.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	c.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivityAt)
	if nextReviewAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextReviewAt.String)
		c.NextReviewAt = &t
	}
	return c, nil
}

// attachSignal enforces the uniqueness invariant: a signal belongs to at
// most one case. Re-attach to the same case is a no-op; attaching to a
// different case raises CaseSignalInvariantError.
func (e *Engine) attachSignal(tx *sql.Tx, audit *events.Writer, c *Case, signalID string, now time.Time) error {
	var existingCaseID string
	err := tx.QueryRow(`SELECT case_id FROM case_signals WHERE business_id = ? AND signal_id = ?`, c.BusinessID, signalID).Scan(&existingCaseID)
	if err == nil {
		if existingCaseID == c.ID {
			return nil
		}
		return apperr.CaseSignalInvariantError(signalID, existingCaseID)
	}
	if err != sql.ErrNoRows {
		return err
	}

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO case_signals (business_id, signal_id, case_id, attached_at) VALUES (?, ?, ?, ?)`,
		c.BusinessID, signalID, c.ID, nowStr); err != nil {
		return err
	}

	return audit.Record(tx, events.Entry{
		BusinessID: c.BusinessID,
		ChangeType: events.SignalAttached,
		EntityType: events.EntityCase,
		EntityID:   c.ID,
		SignalID:   signalID,
		Domain:     c.Domain,
		After:      map[string]any{"case_id": c.ID, "signal_id": signalID},
	})
}

func (e *Engine) touch(tx *sql.Tx, c *Case) error {
	_, err := tx.Exec(`UPDATE cases SET severity = ?, last_activity_at = ?, updated_at = ? WHERE id = ?`,
		string(c.Severity), c.LastActivityAt.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), c.ID)
	return err
}

// EvaluateEscalation fires CASE_ESCALATED exactly once per distinct
// (rule, payload), de-duplicated against the case's most recent escalation.
func (e *Engine) EvaluateEscalation(tx *sql.Tx, audit *events.Writer, caseID string, now time.Time) error {
	var businessID, domain, status, lastRule, lastPayload string
	var openedAt string
	err := tx.QueryRow(`SELECT business_id, domain, status, opened_at, COALESCE(last_escalation_rule,''), COALESCE(last_escalation_payload,'') FROM cases WHERE id = ?`, caseID).
		Scan(&businessID, &domain, &status, &openedAt, &lastRule, &lastPayload)
	if err != nil {
		return err
	}

	rule, payload, fires, err := e.checkEscalationRules(tx, caseID, businessID, openedAt, now)
	if err != nil {
		return err
	}
	if !fires {
		return nil
	}
	if rule == lastRule && payload == lastPayload {
		return nil
	}

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		UPDATE cases SET status = ?, last_escalation_rule = ?, last_escalation_payload = ?, updated_at = ?
		WHERE id = ?`, string(StatusEscalated), rule, payload, nowStr, caseID); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO case_events (id, business_id, case_id, event_type, payload_json, created_at) VALUES (?, ?, ?, 'escalated', ?, ?)`,
		uuid.NewString(), businessID, caseID, payload, nowStr); err != nil {
		return err
	}

	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.CaseEscalated,
		EntityType: events.EntityCase,
		EntityID:   caseID,
		Domain:     domain,
		Before:     map[string]any{"status": status},
		After:      map[string]any{"status": StatusEscalated, "rule": rule},
	})
}

func (e *Engine) checkEscalationRules(tx *sql.Tx, caseID, businessID, openedAtStr string, now time.Time) (rule, payload string, fires bool, err error) {
	cutoff30 := now.AddDate(0, 0, -30).Format(time.RFC3339Nano)
	var signalVolume int
	if err = tx.QueryRow(`SELECT COUNT(*) FROM case_signals WHERE case_id = ? AND attached_at >= ?`, caseID, cutoff30).Scan(&signalVolume); err != nil {
		return "", "", false, err
	}
	if signalVolume >= 3 {
		p, _ := json.Marshal(map[string]any{"signal_volume_30d": signalVolume})
		return "signal_volume_30d", string(p), true, nil
	}

	var activePlanCreatedAt sql.NullString
	err = tx.QueryRow(`
		SELECT created_at FROM plans
		WHERE business_id = ? AND status = 'active'
		ORDER BY created_at ASC LIMIT 1`, businessID).Scan(&activePlanCreatedAt)
	if err != nil && err != sql.ErrNoRows {
		return "", "", false, err
	}
	if activePlanCreatedAt.Valid {
		created, parseErr := time.Parse(time.RFC3339Nano, activePlanCreatedAt.String)
		if parseErr == nil && now.Sub(created) > 14*24*time.Hour {
			p, _ := json.Marshal(map[string]any{"plan_age_days": int(now.Sub(created).Hours() / 24)})
			return "plan_overdue", string(p), true, nil
		}
	}

	var riskSnapshotJSON string
	if err = tx.QueryRow(`SELECT risk_score_snapshot_json FROM cases WHERE id = ?`, caseID).Scan(&riskSnapshotJSON); err != nil {
		return "", "", false, err
	}
	var snapshot RiskSnapshot
	_ = json.Unmarshal([]byte(riskSnapshotJSON), &snapshot)

	current, riskErr := e.risk(businessID)
	if riskErr != nil {
		return "", "", false, riskErr
	}
	if current.Score-snapshot.Score >= 15 {
		p, _ := json.Marshal(map[string]any{"risk_delta": round2(current.Score - snapshot.Score)})
		return "risk_delta", string(p), true, nil
	}

	return "", "", false, nil
}

// DerivedState is RecomputeCase's computed shape, diffed against the
// persisted case row.
type DerivedState struct {
	Status                    Status
	Severity                  signals.Severity
	RiskDelta                 float64
	SLABreached               bool
	PlanOverdue               bool
	OpenSignalCount30d        int
}

// RecomputeCase computes DerivedState and, if apply is true and the diff is
// non-empty, mutates the case and emits a single CASE_RECOMPUTE_APPLIED
// event; if apply is false it only reports the diff.
func (e *Engine) RecomputeCase(tx *sql.Tx, audit *events.Writer, caseID string, apply bool, now time.Time) (DerivedState, map[string]any, error) {
	var businessID, domain, status, severity, openedAt string
	var riskSnapshotJSON string
	if err := tx.QueryRow(`SELECT business_id, domain, status, severity, opened_at, risk_score_snapshot_json FROM cases WHERE id = ?`, caseID).
		Scan(&businessID, &domain, &status, &severity, &openedAt, &riskSnapshotJSON); err != nil {
		return DerivedState{}, nil, err
	}

	cutoff30 := now.AddDate(0, 0, -30).Format(time.RFC3339Nano)
	var openSignalCount int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM case_signals cs
		JOIN health_signal_states h ON h.business_id = cs.business_id AND h.signal_id = cs.signal_id
		WHERE cs.case_id = ? AND h.status IN ('open','in_progress') AND cs.attached_at >= ?`,
		caseID, cutoff30).Scan(&openSignalCount); err != nil {
		return DerivedState{}, nil, err
	}

	var snapshot RiskSnapshot
	_ = json.Unmarshal([]byte(riskSnapshotJSON), &snapshot)
	current, err := e.risk(businessID)
	if err != nil {
		return DerivedState{}, nil, err
	}
	riskDelta := current.Score - snapshot.Score

	var activePlanCreatedAt sql.NullString
	err = tx.QueryRow(`SELECT created_at FROM plans WHERE business_id = ? AND status = 'active' ORDER BY created_at ASC LIMIT 1`, businessID).Scan(&activePlanCreatedAt)
	if err != nil && err != sql.ErrNoRows {
		return DerivedState{}, nil, err
	}
	planOverdue := false
	if activePlanCreatedAt.Valid {
		created, parseErr := time.Parse(time.RFC3339Nano, activePlanCreatedAt.String)
		if parseErr == nil {
			planOverdue = now.Sub(created) > 14*24*time.Hour
		}
	}

	var nextReviewAt sql.NullString
	if err := tx.QueryRow(`SELECT next_review_at FROM cases WHERE id = ?`, caseID).Scan(&nextReviewAt); err != nil {
		return DerivedState{}, nil, err
	}
	slaBreached := false
	if nextReviewAt.Valid {
		t, parseErr := time.Parse(time.RFC3339Nano, nextReviewAt.String)
		slaBreached = parseErr == nil && now.After(t)
	}

	derived := DerivedState{
		Status:             Status(status),
		Severity:           signals.Severity(severity),
		RiskDelta:          round2(riskDelta),
		SLABreached:        slaBreached,
		PlanOverdue:        planOverdue,
		OpenSignalCount30d: openSignalCount,
	}

	diff := map[string]any{}
	if slaBreached {
		diff["computed_sla_breached"] = true
	}
	if planOverdue {
		diff["computed_plan_overdue"] = true
	}
	diff["computed_open_signal_count_30d"] = openSignalCount

	if len(diff) == 0 || !apply {
		return derived, diff, nil
	}

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE cases SET updated_at = ? WHERE id = ?`, nowStr, caseID); err != nil {
		return derived, diff, err
	}
	diffJSON, _ := json.Marshal(diff)
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.CaseRecomputeApplied,
		EntityType: events.EntityCase,
		EntityID:   caseID,
		Domain:     domain,
		After:      map[string]any{"diff": string(diffJSON)},
	}); err != nil {
		return derived, diff, err
	}

	return derived, diff, nil
}

// AttachLedgerAnchor idempotently records a ledger-slice reference on a
// case and emits a timeline event.
func (e *Engine) AttachLedgerAnchor(tx *sql.Tx, audit *events.Writer, businessID, caseID, anchorKey, payloadJSON string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO case_events (id, business_id, case_id, event_type, payload_json, created_at) VALUES (?, ?, ?, 'ledger_anchor_attached', ?, ?)`,
		uuid.NewString(), businessID, caseID, payloadForAnchor(anchorKey, payloadJSON), nowStr); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.LedgerAnchorAttached,
		EntityType: events.EntityCase,
		EntityID:   caseID,
		After:      map[string]any{"anchor_key": anchorKey},
	})
}

// DetachLedgerAnchor removes a previously attached anchor reference and
// emits a timeline event; it's a timeline-only operation (no separate
// anchor table), matching AttachLedgerAnchor's storage.
func (e *Engine) DetachLedgerAnchor(tx *sql.Tx, audit *events.Writer, businessID, caseID, anchorKey string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO case_events (id, business_id, case_id, event_type, payload_json, created_at) VALUES (?, ?, ?, 'ledger_anchor_detached', ?, ?)`,
		uuid.NewString(), businessID, caseID, payloadForAnchor(anchorKey, ""), nowStr); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.LedgerAnchorDetached,
		EntityType: events.EntityCase,
		EntityID:   caseID,
		After:      map[string]any{"anchor_key": anchorKey},
	})
}

func payloadForAnchor(anchorKey, payloadJSON string) string {
	b, _ := json.Marshal(map[string]any{"anchor_key": anchorKey, "payload": payloadJSON})
	return string(b)
}

// ChangeStatus validates the transition against the state machine and, if
// legal, mutates status and emits case_status_changed.
func (e *Engine) ChangeStatus(tx *sql.Tx, audit *events.Writer, businessID, caseID string, to Status, now time.Time) error {
	var from string
	if err := tx.QueryRow(`SELECT status FROM cases WHERE id = ?`, caseID).Scan(&from); err != nil {
		return err
	}
	if !CanTransition(Status(from), to) {
		return apperr.Invariant(fmt.Sprintf("illegal case transition %s -> %s", from, to))
	}

	nowStr := now.Format(time.RFC3339Nano)
	var closedAt any = nil
	if to == StatusResolved || to == StatusDismissed {
		closedAt = nowStr
	}
	if _, err := tx.Exec(`UPDATE cases SET status = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		string(to), closedAt, nowStr, caseID); err != nil {
		return err
	}

	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.CaseStatusChanged,
		EntityType: events.EntityCase,
		EntityID:   caseID,
		Before:     map[string]any{"status": from},
		After:      map[string]any{"status": to},
	})
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
