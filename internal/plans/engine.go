// Package plans implements PlanEngine: draft/active/succeeded/failed/
// canceled plans with signal_resolved and metric_delta conditions, refreshed
// against posted-ledger daily rollups.
package plans

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
)

const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

const (
	ConditionSignalResolved = "signal_resolved"
	ConditionMetricDelta    = "metric_delta"
)

const (
	DirectionImprove = "improve"
	DirectionWorsen  = "worsen"
	DirectionResolve = "resolve"
)

const (
	VerdictNoChange  = "no_change"
	VerdictImproving = "improving"
	VerdictWorsening = "worsening"
	VerdictSuccess   = "success"
	VerdictFailure   = "failure"
)

// ConditionInput is the caller-supplied shape for CreatePlan's conditions.
type ConditionInput struct {
	Type                 string
	SourceSignalID       string
	MetricKey            string
	BaselineWindowDays   int
	EvaluationWindowDays int
	Threshold            *float64
	Direction            string
}

// Plan mirrors one plans row.
type Plan struct {
	ID              string
	BusinessID      string
	IdempotencyKey  string
	Status          string
	Title           string
	AssignedTo      string
	SourceSignalID  string
	SourceActionID  string
	ActivatedAt     *time.Time
	ClosedAt        *time.Time
	Outcome         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type condition struct {
	ID                   string
	PlanID               string
	Type                 string
	SourceSignalID       string
	MetricKey            string
	BaselineWindowDays   int
	EvaluationWindowDays int
	Threshold            *float64
	Direction            string
}

// ConditionResult is one condition's evaluation, carried in an observation's
// evidence_json.
type ConditionResult struct {
	ConditionID         string   `json:"condition_id"`
	Type                string   `json:"type"`
	SourceSignalID      string   `json:"source_signal_id,omitempty"`
	MetricKey           string   `json:"metric_key,omitempty"`
	EvaluationStart     string   `json:"evaluation_start"`
	EvaluationEnd       string   `json:"evaluation_end"`
	Verdict             string   `json:"verdict"`
	SignalState         string   `json:"signal_state,omitempty"`
	MetricBaseline      *float64 `json:"metric_baseline,omitempty"`
	MetricValue         *float64 `json:"metric_value,omitempty"`
	MetricDelta         *float64 `json:"metric_delta,omitempty"`
	BaselineWindowStart string   `json:"baseline_window_start,omitempty"`
	BaselineWindowEnd   string   `json:"baseline_window_end,omitempty"`
}

// RefreshResult is Refresh's return shape.
type RefreshResult struct {
	Verdict          string
	SuccessCandidate bool
	Conditions       []ConditionResult
}

// Engine owns PlanEngine's transitions and Refresh's condition evaluation.
type Engine struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewEngine(db *sql.DB, log zerolog.Logger) *Engine {
	return &Engine{db: db, log: log}
}

// CreatePlan inserts a draft plan with its conditions.
func (e *Engine) CreatePlan(tx *sql.Tx, audit *events.Writer, businessID, title, sourceSignalID, sourceActionID, idempotencyKey string, conditions []ConditionInput, now time.Time) (*Plan, error) {
	id := uuid.NewString()
	nowStr := now.Format(time.RFC3339Nano)

	var idempotencyVal any
	if idempotencyKey != "" {
		idempotencyVal = idempotencyKey
	}
	var sourceSignalVal, sourceActionVal any
	if sourceSignalID != "" {
		sourceSignalVal = sourceSignalID
	}
	if sourceActionID != "" {
		sourceActionVal = sourceActionID
	}

	if _, err := tx.Exec(`
		INSERT INTO plans (id, business_id, idempotency_key, status, title, source_signal_id, source_action_id, created_at, updated_at)
		VALUES (?, ?, ?, 'draft', ?, ?, ?, ?, ?)`,
		id, businessID, idempotencyVal, title, sourceSignalVal, sourceActionVal, nowStr, nowStr); err != nil {
		return nil, err
	}

	for _, c := range conditions {
		if err := insertCondition(tx, id, c, now); err != nil {
			return nil, err
		}
	}

	if err := e.recordStateEvent(tx, id, "created", "", StatusDraft, "", now); err != nil {
		return nil, err
	}
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.PlanCreated,
		EntityType: events.EntityPlan, EntityID: id, SignalID: sourceSignalID,
		After: map[string]any{"status": StatusDraft, "title": title},
	}); err != nil {
		return nil, err
	}

	return e.loadPlan(tx, businessID, id)
}

func insertCondition(tx *sql.Tx, planID string, c ConditionInput, now time.Time) error {
	var sourceSignalVal any
	if c.SourceSignalID != "" {
		sourceSignalVal = c.SourceSignalID
	}
	var metricKeyVal any
	if c.MetricKey != "" {
		metricKeyVal = c.MetricKey
	}
	var thresholdVal any
	if c.Threshold != nil {
		thresholdVal = *c.Threshold
	}
	_, err := tx.Exec(`
		INSERT INTO plan_conditions (id, plan_id, type, source_signal_id, metric_key, baseline_window_days, evaluation_window_days, threshold, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), planID, c.Type, sourceSignalVal, metricKeyVal, c.BaselineWindowDays, c.EvaluationWindowDays, thresholdVal, c.Direction, now.Format(time.RFC3339Nano))
	return err
}

// Activate moves a draft plan to active, stamping activated_at.
func (e *Engine) Activate(tx *sql.Tx, audit *events.Writer, businessID, planID string, now time.Time) (*Plan, error) {
	plan, err := e.loadPlan(tx, businessID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusDraft {
		return nil, errNotDraft
	}

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE plans SET status = 'active', activated_at = ?, updated_at = ? WHERE id = ?`,
		nowStr, nowStr, planID); err != nil {
		return nil, err
	}
	if err := e.recordStateEvent(tx, planID, "activated", StatusDraft, StatusActive, "", now); err != nil {
		return nil, err
	}
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.PlanActivated,
		EntityType: events.EntityPlan, EntityID: planID,
		Before: map[string]any{"status": StatusDraft},
		After:  map[string]any{"status": StatusActive},
	}); err != nil {
		return nil, err
	}
	return e.loadPlan(tx, businessID, planID)
}

// Assign sets or clears a plan's assignee.
func (e *Engine) Assign(tx *sql.Tx, businessID, planID, userID string, now time.Time) error {
	var userVal any
	if userID != "" {
		userVal = userID
	}
	if _, err := tx.Exec(`UPDATE plans SET assigned_to = ?, updated_at = ? WHERE id = ? AND business_id = ?`,
		userVal, now.Format(time.RFC3339Nano), planID, businessID); err != nil {
		return err
	}
	return e.recordStateEvent(tx, planID, "assigned", "", "", "assigned_to="+orUnassigned(userID), now)
}

// AddNote appends a plan_state_events row without changing status.
func (e *Engine) AddNote(tx *sql.Tx, businessID, planID, note string, now time.Time) error {
	if _, err := tx.Exec(`UPDATE plans SET updated_at = ? WHERE id = ? AND business_id = ?`,
		now.Format(time.RFC3339Nano), planID, businessID); err != nil {
		return err
	}
	return e.recordStateEvent(tx, planID, "note_added", "", "", note, now)
}

// Close terminates an active (or draft) plan with a final outcome.
func (e *Engine) Close(tx *sql.Tx, audit *events.Writer, businessID, planID, outcome, note string, now time.Time) (*Plan, error) {
	if outcome != StatusSucceeded && outcome != StatusFailed && outcome != StatusCanceled {
		return nil, errInvalidOutcome
	}
	plan, err := e.loadPlan(tx, businessID, planID)
	if err != nil {
		return nil, err
	}

	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE plans SET status = ?, outcome = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		outcome, outcome, nowStr, nowStr, planID); err != nil {
		return nil, err
	}
	if err := e.recordStateEvent(tx, planID, outcome, plan.Status, outcome, note, now); err != nil {
		return nil, err
	}
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.PlanClosed,
		EntityType: events.EntityPlan, EntityID: planID,
		Before: map[string]any{"status": plan.Status},
		After:  map[string]any{"status": outcome},
	}); err != nil {
		return nil, err
	}
	return e.loadPlan(tx, businessID, planID)
}

func orUnassigned(userID string) string {
	if userID == "" {
		return "unassigned"
	}
	return userID
}

func (e *Engine) recordStateEvent(tx *sql.Tx, planID, eventType, fromStatus, toStatus, note string, now time.Time) error {
	payload := map[string]any{}
	if fromStatus != "" {
		payload["from_status"] = fromStatus
	}
	if toStatus != "" {
		payload["to_status"] = toStatus
	}
	if note != "" {
		payload["note"] = note
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO plan_state_events (id, plan_id, event_type, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), planID, eventType, string(payloadJSON), now.Format(time.RFC3339Nano))
	return err
}

func (e *Engine) loadPlan(tx *sql.Tx, businessID, planID string) (*Plan, error) {
	var p Plan
	var idempotencyKey, assignedTo, sourceSignalID, sourceActionID, outcome sql.NullString
	var activatedAt, closedAt sql.NullString
	var createdAt, updatedAt string
	err := tx.QueryRow(`
		SELECT id, business_id, idempotency_key, status, title, assigned_to, source_signal_id, source_action_id,
		       activated_at, closed_at, outcome, created_at, updated_at
		FROM plans WHERE id = ? AND business_id = ?`, planID, businessID).
		Scan(&p.ID, &p.BusinessID, &idempotencyKey, &p.Status, &p.Title, &assignedTo, &sourceSignalID, &sourceActionID,
			&activatedAt, &closedAt, &outcome, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.IdempotencyKey = idempotencyKey.String
	p.AssignedTo = assignedTo.String
	p.SourceSignalID = sourceSignalID.String
	p.SourceActionID = sourceActionID.String
	p.Outcome = outcome.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if activatedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, activatedAt.String)
		p.ActivatedAt = &t
	}
	if closedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, closedAt.String)
		p.ClosedAt = &t
	}
	return &p, nil
}

func loadConditions(tx *sql.Tx, planID string) ([]condition, error) {
	rows, err := tx.Query(`
		SELECT id, plan_id, type, source_signal_id, metric_key, baseline_window_days, evaluation_window_days, threshold, direction
		FROM plan_conditions WHERE plan_id = ? ORDER BY created_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []condition
	for rows.Next() {
		var c condition
		var sourceSignalID, metricKey, direction sql.NullString
		var threshold sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.PlanID, &c.Type, &sourceSignalID, &metricKey, &c.BaselineWindowDays, &c.EvaluationWindowDays, &threshold, &direction); err != nil {
			return nil, err
		}
		c.SourceSignalID = sourceSignalID.String
		c.MetricKey = metricKey.String
		c.Direction = direction.String
		if threshold.Valid {
			v := threshold.Float64
			c.Threshold = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Refresh evaluates every condition's window, records a PlanObservation,
// and returns the aggregate verdict.
func (e *Engine) Refresh(tx *sql.Tx, audit *events.Writer, businessID, planID string, now time.Time) (RefreshResult, error) {
	plan, err := e.loadPlan(tx, businessID, planID)
	if err != nil {
		return RefreshResult{}, err
	}
	if plan.Status != StatusActive || plan.ActivatedAt == nil {
		return RefreshResult{}, errNotActive
	}

	conditions, err := loadConditions(tx, planID)
	if err != nil {
		return RefreshResult{}, err
	}

	var results []ConditionResult
	hasSuccess, hasImproving, hasWorsening := false, false, false
	successCandidate := false
	var evalStart, evalEnd time.Time

	for _, c := range conditions {
		evalStart, evalEnd = evaluationWindow(*plan.ActivatedAt, c.EvaluationWindowDays, now)
		result := ConditionResult{
			ConditionID:     c.ID,
			Type:            c.Type,
			SourceSignalID:  c.SourceSignalID,
			MetricKey:       c.MetricKey,
			EvaluationStart: evalStart.Format("2006-01-02"),
			EvaluationEnd:   evalEnd.Format("2006-01-02"),
		}

		var conditionSuccess bool
		switch c.Type {
		case ConditionSignalResolved:
			state, found, err := e.loadSignalState(tx, businessID, c.SourceSignalID)
			if err != nil {
				return RefreshResult{}, err
			}
			if found {
				result.SignalState = state.status
			}
			conditionSuccess = found && signalSuccess(state, c.EvaluationWindowDays, evalEnd)
			if conditionSuccess {
				result.Verdict = VerdictSuccess
			} else {
				result.Verdict = VerdictNoChange
			}

		case ConditionMetricDelta:
			baselineStart, baselineEnd := baselineWindow(c.BaselineWindowDays, evalStart)
			baselineValues, err := e.dailyBriefValues(tx, businessID, baselineStart, baselineEnd, c.MetricKey)
			if err != nil {
				return RefreshResult{}, err
			}
			evalValues, err := e.dailyBriefValues(tx, businessID, evalStart, evalEnd, c.MetricKey)
			if err != nil {
				return RefreshResult{}, err
			}
			baselineAvg := average(baselineValues)
			evalAvg := average(evalValues)
			var delta *float64
			if baselineAvg != nil && evalAvg != nil {
				d := *evalAvg - *baselineAvg
				delta = &d
			}
			verdict, success := metricVerdict(delta, c.Threshold, c.Direction)
			result.Verdict = verdict
			result.MetricBaseline = baselineAvg
			result.MetricValue = evalAvg
			result.MetricDelta = delta
			result.BaselineWindowStart = baselineStart.Format("2006-01-02")
			result.BaselineWindowEnd = baselineEnd.Format("2006-01-02")
			conditionSuccess = success

		default:
			result.Verdict = VerdictNoChange
		}

		if conditionSuccess {
			successCandidate = true
			hasSuccess = true
		}
		switch result.Verdict {
		case VerdictImproving:
			hasImproving = true
		case VerdictWorsening:
			hasWorsening = true
		}
		results = append(results, result)
	}

	verdict := VerdictNoChange
	switch {
	case hasSuccess:
		verdict = VerdictSuccess
	case hasWorsening:
		verdict = VerdictWorsening
	case hasImproving:
		verdict = VerdictImproving
	}

	evidenceJSON, err := json.Marshal(map[string]any{"conditions": results})
	if err != nil {
		return RefreshResult{}, err
	}
	if _, err := tx.Exec(`INSERT INTO plan_observations (id, plan_id, verdict, evidence_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), planID, verdict, string(evidenceJSON), now.Format(time.RFC3339Nano)); err != nil {
		return RefreshResult{}, err
	}
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.PlanRefreshed,
		EntityType: events.EntityPlan, EntityID: planID,
		After: map[string]any{"verdict": verdict},
	}); err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{Verdict: verdict, SuccessCandidate: successCandidate, Conditions: results}, nil
}

type signalStateRow struct {
	status     string
	resolvedAt *time.Time
	updatedAt  time.Time
}

func (e *Engine) loadSignalState(tx *sql.Tx, businessID, signalID string) (signalStateRow, bool, error) {
	if signalID == "" {
		return signalStateRow{}, false, nil
	}
	var s signalStateRow
	var resolvedAt sql.NullString
	var updatedAt string
	err := tx.QueryRow(`SELECT status, resolved_at, updated_at FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID).Scan(&s.status, &resolvedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return signalStateRow{}, false, nil
	}
	if err != nil {
		return signalStateRow{}, false, err
	}
	s.updatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		s.resolvedAt = &t
	}
	return s, true, nil
}

func signalSuccess(state signalStateRow, evaluationWindowDays int, evaluationEnd time.Time) bool {
	if state.status != "resolved" {
		return false
	}
	resolvedAt := state.resolvedAt
	if resolvedAt == nil {
		resolvedAt = &state.updatedAt
	}
	if resolvedAt == nil {
		return false
	}
	resolvedDate := resolvedAt.UTC().Truncate(24 * time.Hour)
	if resolvedDate.After(evaluationEnd) {
		return false
	}
	stableDays := int(evaluationEnd.Sub(resolvedDate).Hours()/24) + 1
	required := evaluationWindowDays
	if required < 1 {
		required = 1
	}
	return stableDays >= required || resolvedDate.Equal(evaluationEnd)
}

// evaluationWindow mirrors original_source's _evaluation_window: starts at
// the plan's activation date, runs evaluationDays long, clamped to today.
func evaluationWindow(activatedAt time.Time, evaluationDays int, now time.Time) (time.Time, time.Time) {
	if evaluationDays < 1 {
		evaluationDays = 1
	}
	start := activatedAt.UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, evaluationDays-1)
	today := now.UTC().Truncate(24 * time.Hour)
	if today.Before(end) {
		end = today
	}
	return start, end
}

func baselineWindow(baselineDays int, evaluationStart time.Time) (time.Time, time.Time) {
	if baselineDays < 1 {
		baselineDays = 1
	}
	end := evaluationStart.AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(baselineDays - 1))
	return start, end
}

func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	return &avg
}

// metricVerdict mirrors original_source's _metric_verdict exactly.
func metricVerdict(delta *float64, threshold *float64, direction string) (string, bool) {
	if delta == nil {
		return VerdictNoChange, false
	}
	t := 0.0
	if threshold != nil {
		t = *threshold
	}
	d := *delta
	switch direction {
	case DirectionImprove:
		switch {
		case d >= t:
			return VerdictSuccess, true
		case d > 0:
			return VerdictImproving, false
		case d < 0:
			return VerdictWorsening, false
		default:
			return VerdictNoChange, false
		}
	case DirectionWorsen:
		switch {
		case d <= -t:
			return VerdictSuccess, true
		case d < 0:
			return VerdictImproving, false
		case d > 0:
			return VerdictWorsening, false
		default:
			return VerdictNoChange, false
		}
	default:
		return VerdictNoChange, false
	}
}

func (e *Engine) dailyBriefValues(tx *sql.Tx, businessID string, start, end time.Time, metricKey string) ([]float64, error) {
	if metricKey == "" {
		return nil, nil
	}
	rows, err := tx.Query(`
		SELECT value FROM daily_brief_metrics
		WHERE business_id = ? AND metric_key = ? AND as_of_date >= ? AND as_of_date <= ?
		ORDER BY as_of_date ASC`,
		businessID, metricKey, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

var (
	errNotDraft       = planError("plan is not in draft status")
	errNotActive      = planError("plan is not active")
	errInvalidOutcome = planError("invalid outcome")
)

type planError string

func (e planError) Error() string { return string(e) }
