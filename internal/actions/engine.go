// Package actions implements ActionPolicy: candidate generation from four
// sources, merged against persisted action_items with idempotency,
// persistence-floor, flapping, and cooldown-after-resolve suppression.
package actions

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/posted"
	"github.com/aristath/finpulse/internal/signals"
)

const (
	ActionCooldownDays    = 14
	IntegrationStaleHours = 12
	VendorVarianceRatio   = 0.5
	VendorMinDelta        = 200.0
	VendorMinRecent       = 300.0

	// PersistenceMinAgeHours gates investigate_anomaly candidates: a
	// signal must stay detected for this long before it earns an action,
	// so a one-tick blip doesn't immediately spawn triage work.
	PersistenceMinAgeHours = 24
	// FlapWindowDays is the audit lookback window the flapping
	// suppression rule counts status transitions over.
	FlapWindowDays = 14
	// FlapThreshold status transitions within FlapWindowDays suppress a
	// signal-sourced candidate.
	FlapThreshold = 3
)

const (
	StatusOpen    = "open"
	StatusDone    = "done"
	StatusIgnored = "ignored"
	StatusSnoozed = "snoozed"
)

// Candidate is one action a generator proposes, before merge/suppression.
type Candidate struct {
	ActionType     string
	Title          string
	Summary        string
	Priority       int
	IdempotencyKey string
	DueAt          *time.Time
	SourceSignalID string
	Evidence       map[string]any
	Rationale      map[string]any
}

// idempotencyKey mirrors original_source's colon-joined scheme verbatim.
func idempotencyKey(businessID, actionType, sourceSignalID, windowStart, windowEnd, dimensionKey string) string {
	part := func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	}
	return businessID + ":" + actionType + ":" + part(sourceSignalID) + ":" + part(windowStart) + ":" + part(windowEnd) + ":" + part(dimensionKey)
}

// Result is Generate's return shape.
type Result struct {
	CreatedCount       int            `json:"created_count"`
	UpdatedCount       int            `json:"updated_count"`
	SuppressedCount    int            `json:"suppressed_count"`
	SuppressionReasons map[string]int `json:"suppression_reasons"`
}

// TransitionCounter counts a signal's status transitions over windowDays,
// backing the flapping suppression rule.
type TransitionCounter func(businessID, signalID string, windowDays int) (int, error)

// PostedFetcher returns the current posted transactions for a business,
// backed by posted.Projector.Project — ActionPolicy reads the same
// derived ledger view DetectorEngine does rather than a separate cache.
type PostedFetcher func(businessID string) ([]posted.Txn, error)

// Engine runs ActionPolicy.Generate and the user-driven transitions.
type Engine struct {
	db          *sql.DB
	posted      PostedFetcher
	transitions TransitionCounter
	audit       *events.Writer
	log         zerolog.Logger
}

func NewEngine(db *sql.DB, postedFetcher PostedFetcher, transitions TransitionCounter, audit *events.Writer, log zerolog.Logger) *Engine {
	return &Engine{db: db, posted: postedFetcher, transitions: transitions, audit: audit, log: log}
}

// Generate runs all four candidate sources, merges them against existing
// action_items, and persists the result inside its own transaction.
func (e *Engine) Generate(businessID string, now time.Time) (Result, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var candidates []Candidate
	uncategorized, err := e.uncategorizedCandidates(tx, businessID, now)
	if err != nil {
		return Result{}, err
	}
	candidates = append(candidates, uncategorized...)

	signalCands, err := e.signalCandidates(tx, businessID, now)
	if err != nil {
		return Result{}, err
	}
	candidates = append(candidates, signalCands...)

	integrationCands, err := e.integrationCandidates(tx, businessID, now)
	if err != nil {
		return Result{}, err
	}
	candidates = append(candidates, integrationCands...)

	vendorCands, err := e.vendorVarianceCandidates(tx, businessID, now)
	if err != nil {
		return Result{}, err
	}
	candidates = append(candidates, vendorCands...)

	result := Result{SuppressionReasons: map[string]int{}}
	for _, c := range candidates {
		if err := e.mergeCandidate(tx, e.audit, businessID, c, now, &result); err != nil {
			return Result{}, err
		}
	}

	return result, tx.Commit()
}

func (e *Engine) mergeCandidate(tx *sql.Tx, audit *events.Writer, businessID string, c Candidate, now time.Time, result *Result) error {
	existing, found, err := loadExisting(tx, businessID, c.IdempotencyKey)
	if err != nil {
		return err
	}

	if !found {
		if suppressed, reason := e.suppressNew(tx, businessID, c, now); suppressed {
			result.SuppressedCount++
			result.SuppressionReasons[reason]++
			return nil
		}
		return e.createAction(tx, audit, businessID, c, now, result)
	}

	if existing.Status == StatusOpen {
		return e.refreshAction(tx, audit, businessID, existing, c, now, false, result)
	}

	reopen, reason := e.shouldReopen(tx, businessID, existing, c, now)
	if !reopen {
		result.SuppressedCount++
		result.SuppressionReasons[reason]++
		return nil
	}
	return e.refreshAction(tx, audit, businessID, existing, c, now, true, result)
}

// suppressNew applies the persistence-floor and flapping rules to brand
// new signal-sourced candidates; non-signal candidates never suppress.
func (e *Engine) suppressNew(tx *sql.Tx, businessID string, c Candidate, now time.Time) (bool, string) {
	if c.SourceSignalID == "" {
		return false, ""
	}

	var detectedAtStr string
	err := tx.QueryRow(`SELECT detected_at FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, c.SourceSignalID).Scan(&detectedAtStr)
	if err == nil {
		detectedAt, perr := time.Parse(time.RFC3339Nano, detectedAtStr)
		if perr == nil && now.Sub(detectedAt) < PersistenceMinAgeHours*time.Hour {
			return true, "persistence_min_age"
		}
	}

	if e.transitions != nil {
		count, terr := e.transitions(businessID, c.SourceSignalID, FlapWindowDays)
		if terr == nil && count >= FlapThreshold {
			return true, "flapping"
		}
	}

	return false, ""
}

type existingAction struct {
	ID             string
	Status         string
	ResolvedAt     *time.Time
	SourceSignalID string
	Priority       int
	Summary        string
	EvidenceJSON   string
	RationaleJSON  string
}

func loadExisting(tx *sql.Tx, businessID, idempotencyKey string) (existingAction, bool, error) {
	var a existingAction
	var resolvedAt sql.NullString
	var sourceSignalID sql.NullString
	err := tx.QueryRow(`
		SELECT id, status, resolved_at, source_signal_id, priority, summary, evidence_json, rationale_json
		FROM action_items WHERE business_id = ? AND idempotency_key = ?`,
		businessID, idempotencyKey).
		Scan(&a.ID, &a.Status, &resolvedAt, &sourceSignalID, &a.Priority, &a.Summary, &a.EvidenceJSON, &a.RationaleJSON)
	if err == sql.ErrNoRows {
		return existingAction{}, false, nil
	}
	if err != nil {
		return existingAction{}, false, err
	}
	if resolvedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if perr == nil {
			a.ResolvedAt = &t
		}
	}
	if sourceSignalID.Valid {
		a.SourceSignalID = sourceSignalID.String
	}
	return a, true, nil
}

// shouldReopen implements the cooldown-after-resolve rule: a done/ignored
// action within its cooldown stays suppressed unless the candidate
// represents a material change (severity bump or new ledger anchors for
// signal-sourced candidates, or any evidence/summary/priority change
// otherwise).
func (e *Engine) shouldReopen(tx *sql.Tx, businessID string, existing existingAction, c Candidate, now time.Time) (bool, string) {
	if existing.Status == StatusSnoozed {
		return true, ""
	}

	if existing.Status == StatusDone || existing.Status == StatusIgnored {
		if existing.ResolvedAt != nil {
			cooldown := now.Sub(*existing.ResolvedAt)
			if cooldown < ActionCooldownDays*24*time.Hour && !materialChange(existing, c) {
				return false, "cooldown_after_resolve"
			}
		}
		return true, ""
	}

	return false, "not_reopenable"
}

func materialChange(existing existingAction, c Candidate) bool {
	var existingEvidence map[string]any
	_ = json.Unmarshal([]byte(existing.EvidenceJSON), &existingEvidence)

	if existing.SourceSignalID != "" && existing.SourceSignalID == c.SourceSignalID {
		if existingEvidence["signal_severity"] != c.Evidence["signal_severity"] {
			return true
		}
		candidateAnchors, _ := json.Marshal(c.Evidence["ledger_anchors"])
		existingAnchors, _ := json.Marshal(existingEvidence["ledger_anchors"])
		if string(candidateAnchors) != string(existingAnchors) {
			return true
		}
	}

	candidateEvidence, _ := json.Marshal(c.Evidence)
	existingEvidenceJSON, _ := json.Marshal(existingEvidence)
	return existing.Summary != c.Summary || existing.Priority != c.Priority || string(candidateEvidence) != string(existingEvidenceJSON)
}

func (e *Engine) createAction(tx *sql.Tx, audit *events.Writer, businessID string, c Candidate, now time.Time, result *Result) error {
	id := uuid.NewString()
	evidenceJSON, err := json.Marshal(c.Evidence)
	if err != nil {
		return err
	}
	rationaleJSON, err := json.Marshal(c.Rationale)
	if err != nil {
		return err
	}
	nowStr := now.Format(time.RFC3339Nano)
	var dueAtVal any
	if c.DueAt != nil {
		dueAtVal = c.DueAt.Format(time.RFC3339Nano)
	}
	var sourceSignalVal any
	if c.SourceSignalID != "" {
		sourceSignalVal = c.SourceSignalID
	}

	if _, err := tx.Exec(`
		INSERT INTO action_items
			(id, business_id, idempotency_key, action_type, title, summary, priority, status, source_signal_id, evidence_json, rationale_json, due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, ?)`,
		id, businessID, c.IdempotencyKey, c.ActionType, c.Title, c.Summary, c.Priority, sourceSignalVal, string(evidenceJSON), string(rationaleJSON), dueAtVal, nowStr, nowStr); err != nil {
		return err
	}
	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.ActionCreated,
		EntityType: events.EntityAction, EntityID: id, SignalID: c.SourceSignalID,
		After: map[string]any{"action_type": c.ActionType, "title": c.Title},
	}); err != nil {
		return err
	}
	result.CreatedCount++
	return nil
}

func (e *Engine) refreshAction(tx *sql.Tx, audit *events.Writer, businessID string, existing existingAction, c Candidate, now time.Time, reopen bool, result *Result) error {
	evidenceJSON, err := json.Marshal(c.Evidence)
	if err != nil {
		return err
	}
	rationaleJSON, err := json.Marshal(c.Rationale)
	if err != nil {
		return err
	}
	nowStr := now.Format(time.RFC3339Nano)
	var dueAtVal any
	if c.DueAt != nil {
		dueAtVal = c.DueAt.Format(time.RFC3339Nano)
	}
	var sourceSignalVal any
	if c.SourceSignalID != "" {
		sourceSignalVal = c.SourceSignalID
	}

	if reopen {
		if _, err := tx.Exec(`
			UPDATE action_items SET
				title = ?, summary = ?, priority = ?, source_signal_id = ?, evidence_json = ?, rationale_json = ?,
				due_at = ?, status = 'open', resolution_reason = NULL, resolved_at = NULL, snoozed_until = NULL,
				updated_count = updated_count + 1, updated_at = ?
			WHERE id = ?`,
			c.Title, c.Summary, c.Priority, sourceSignalVal, string(evidenceJSON), string(rationaleJSON), dueAtVal, nowStr, existing.ID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE action_items SET
				title = ?, summary = ?, priority = ?, source_signal_id = ?, evidence_json = ?, rationale_json = ?, due_at = ?,
				updated_count = updated_count + 1, updated_at = ?
			WHERE id = ?`,
			c.Title, c.Summary, c.Priority, sourceSignalVal, string(evidenceJSON), string(rationaleJSON), dueAtVal, nowStr, existing.ID); err != nil {
			return err
		}
	}

	if err := audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.ActionUpdated,
		EntityType: events.EntityAction, EntityID: existing.ID, SignalID: c.SourceSignalID,
		Before: map[string]any{"status": existing.Status},
		After:  map[string]any{"status": "open", "reopened": reopen},
	}); err != nil {
		return err
	}
	result.UpdatedCount++
	return nil
}

// uncategorizedCandidates emits at most one fix_mapping candidate when any
// posted transaction lacks a category hint.
func (e *Engine) uncategorizedCandidates(tx *sql.Tx, businessID string, now time.Time) ([]Candidate, error) {
	txns, err := e.posted(businessID)
	if err != nil {
		return nil, err
	}

	// txns is ascending by occurred_at (posted.Projector's contract);
	// walk backwards for "most recent uncategorized" sampling.
	var sample []string
	count := 0
	for i := len(txns) - 1; i >= 0; i-- {
		if txns[i].CategoryHint != "" {
			continue
		}
		count++
		if len(sample) < 5 {
			sample = append(sample, txns[i].SourceEventID)
		}
	}
	if count == 0 {
		return nil, nil
	}

	windowEnd := now.UTC().Format("2006-01-02")
	evidence := map[string]any{
		"uncategorized_count":     count,
		"sample_source_event_ids": sample,
		"window":                  map[string]any{"start": "all", "end": windowEnd},
	}
	rationale := map[string]any{
		"why_now":    "New transactions arrived without a category mapping.",
		"thresholds": map[string]any{"min_uncategorized": 1},
	}
	return []Candidate{{
		ActionType:     "fix_mapping",
		Title:          "Categorize new transactions",
		Summary:        "transactions need category mappings before the ledger is complete",
		Priority:       4,
		IdempotencyKey: idempotencyKey(businessID, "fix_mapping", "", "all", windowEnd, "uncategorized"),
		Evidence:       evidence,
		Rationale:      rationale,
	}}, nil
}

// signalCandidates emits investigate_anomaly for every open signal that
// carries ledger anchors.
func (e *Engine) signalCandidates(tx *sql.Tx, businessID string, now time.Time) ([]Candidate, error) {
	rows, err := tx.Query(`
		SELECT signal_id, signal_type, severity, summary, title, payload_json
		FROM health_signal_states WHERE business_id = ? AND status = 'open'
		ORDER BY updated_at DESC`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var signalID, signalType, severity, summary, title, payloadJSON string
		if err := rows.Scan(&signalID, &signalType, &severity, &summary, &title, &payloadJSON); err != nil {
			return nil, err
		}

		var payload signals.Payload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			continue
		}
		if len(payload.LedgerAnchors) == 0 {
			continue
		}

		domain := signals.CatalogLookup(signalType).Domain
		dimension := domain
		if dimension == "" {
			dimension = signalType
		}

		actionTitle := "Investigate signal"
		switch {
		case domain != "" && severity != "":
			actionTitle = "Investigate " + severity + " " + domain + " anomaly"
		case domain != "":
			actionTitle = "Investigate " + domain + " anomaly"
		case severity != "":
			actionTitle = "Investigate " + severity + " anomaly"
		}

		windowStart := payload.Window.Start.UTC().Format("2006-01-02")
		windowEnd := payload.Window.End.UTC().Format("2006-01-02")

		anchorsRaw, _ := json.Marshal(payload.LedgerAnchors)
		var anchorsAny any
		_ = json.Unmarshal(anchorsRaw, &anchorsAny)

		evidence := map[string]any{
			"signal_id":       signalID,
			"signal_type":     signalType,
			"signal_severity": severity,
			"signal_summary":  summary,
			"ledger_anchors":  anchorsAny,
			"explain_ref":     map[string]any{"path": "/api/signals/" + businessID + "/" + signalID + "/explain"},
		}
		rationale := map[string]any{
			"why_now": "Signal is open with ledger anchors requiring review.",
			"delta":   payload.Delta,
		}

		priority := 4
		if severity == "high" || severity == "critical" {
			priority = 5
		}

		finalSummary := summary
		if finalSummary == "" {
			finalSummary = title
		}

		out = append(out, Candidate{
			ActionType:     "investigate_anomaly",
			Title:          actionTitle,
			Summary:        finalSummary,
			Priority:       priority,
			IdempotencyKey: idempotencyKey(businessID, "investigate_anomaly", signalID, windowStart, windowEnd, dimension),
			SourceSignalID: signalID,
			Evidence:       evidence,
			Rationale:      rationale,
		})
	}
	return out, rows.Err()
}

// integrationCandidates emits sync_integration for every connection that
// isn't connected, or whose last sync is older than IntegrationStaleHours.
func (e *Engine) integrationCandidates(tx *sql.Tx, businessID string, now time.Time) ([]Candidate, error) {
	rows, err := tx.Query(`SELECT provider, status, last_sync_at FROM integration_connections WHERE business_id = ?`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staleThreshold := now.Add(-IntegrationStaleHours * time.Hour)

	var out []Candidate
	for rows.Next() {
		var provider, status string
		var lastSyncAt sql.NullString
		if err := rows.Scan(&provider, &status, &lastSyncAt); err != nil {
			return nil, err
		}

		var lastSync *time.Time
		if lastSyncAt.Valid {
			t, perr := time.Parse(time.RFC3339Nano, lastSyncAt.String)
			if perr == nil {
				lastSync = &t
			}
		}
		isStale := lastSync == nil || lastSync.Before(staleThreshold)
		if status == "connected" && !isStale {
			continue
		}

		reason := "Integration sync is stale."
		priority := 3
		if status != "connected" {
			reason = "Integration is disconnected."
			priority = 5
		}

		var lastSyncVal any
		if lastSync != nil {
			lastSyncVal = lastSync.Format(time.RFC3339Nano)
		}
		evidence := map[string]any{
			"provider":     provider,
			"status":       status,
			"last_sync_at": lastSyncVal,
			"stale_hours":  IntegrationStaleHours,
		}
		rationale := map[string]any{
			"why_now":    reason,
			"thresholds": map[string]any{"stale_hours": IntegrationStaleHours},
		}
		out = append(out, Candidate{
			ActionType:     "sync_integration",
			Title:          "Sync " + provider + " integration",
			Summary:        reason,
			Priority:       priority,
			IdempotencyKey: idempotencyKey(businessID, "sync_integration", "", "", "", provider),
			Evidence:       evidence,
			Rationale:      rationale,
		})
	}
	return out, rows.Err()
}

// vendorVarianceCandidates emits review_vendor for top-5 90-day outflow
// vendors whose recent 14-day spend deviates from the prior 60-day
// baseline by the configured ratio/absolute thresholds.
func (e *Engine) vendorVarianceCandidates(tx *sql.Tx, businessID string, now time.Time) ([]Candidate, error) {
	txns, err := e.posted(businessID)
	if err != nil {
		return nil, err
	}

	window90Start := now.AddDate(0, 0, -90)
	total90 := map[string]float64{}
	for _, t := range txns {
		if t.Direction != posted.Outflow || t.OccurredAt.Before(window90Start) {
			continue
		}
		vendor := vendorKey(t)
		total90[vendor] += t.Amount
	}

	type vendorTotal struct {
		vendor string
		total  float64
	}
	var top []vendorTotal
	for v, t := range total90 {
		top = append(top, vendorTotal{v, t})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].total != top[j].total {
			return top[i].total > top[j].total
		}
		return top[i].vendor < top[j].vendor
	})
	if len(top) > 5 {
		top = top[:5]
	}

	recentStart := now.AddDate(0, 0, -14)
	baselineStart := now.AddDate(0, 0, -74)
	baselineEnd := now.AddDate(0, 0, -14)

	vendorOutflow := func(vendor string, start, end time.Time) float64 {
		var total float64
		for _, t := range txns {
			if t.Direction != posted.Outflow {
				continue
			}
			if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
				continue
			}
			if vendorKey(t) != vendor {
				continue
			}
			total += t.Amount
		}
		return total
	}

	var out []Candidate
	for _, vt := range top {
		recentTotal := vendorOutflow(vt.vendor, recentStart, now)
		baselineTotal := vendorOutflow(vt.vendor, baselineStart, baselineEnd)
		delta := recentTotal - baselineTotal

		var ratio float64
		var highVariance bool
		if baselineTotal > 0 {
			ratio = delta / baselineTotal
			highVariance = abs(ratio) >= VendorVarianceRatio && abs(delta) >= VendorMinDelta
		} else {
			highVariance = recentTotal >= VendorMinRecent
		}
		if !highVariance {
			continue
		}

		priority := 3
		if baselineTotal > 0 && abs(ratio) >= 1 {
			priority = 4
		}

		evidence := map[string]any{
			"vendor":        vt.vendor,
			"recent_total":  round2(recentTotal),
			"baseline_total": round2(baselineTotal),
			"window": map[string]any{
				"recent_start":   recentStart.UTC().Format("2006-01-02"),
				"recent_end":     now.UTC().Format("2006-01-02"),
				"baseline_start": baselineStart.UTC().Format("2006-01-02"),
				"baseline_end":   baselineEnd.UTC().Format("2006-01-02"),
			},
		}
		rationale := map[string]any{
			"why_now": "Vendor spend deviated from baseline.",
			"delta":   round2(delta),
			"change_ratio": ratio,
			"thresholds": map[string]any{
				"variance_ratio": VendorVarianceRatio,
				"min_delta":      VendorMinDelta,
				"min_recent":     VendorMinRecent,
			},
		}
		out = append(out, Candidate{
			ActionType: "review_vendor",
			Title:      "Review spend at " + vt.vendor,
			Summary:    "recent 14-day vendor spend deviated from the prior 60-day baseline",
			Priority:   priority,
			IdempotencyKey: idempotencyKey(businessID, "review_vendor", "", baselineStart.UTC().Format("2006-01-02"), now.UTC().Format("2006-01-02"), vt.vendor),
			Evidence:  evidence,
			Rationale: rationale,
		})
	}
	return out, nil
}

func vendorKey(t posted.Txn) string {
	if t.Description != "" {
		return signals.NormalizeVendor(t.Description)
	}
	return signals.NormalizeVendor(t.Counterparty)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// Resolve transitions an action to done or ignored.
func (e *Engine) Resolve(tx *sql.Tx, audit *events.Writer, businessID, actionID, status, reason, note string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		UPDATE action_items SET status = ?, resolution_reason = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND business_id = ?`,
		status, reason, nowStr, nowStr, actionID, businessID); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.ActionResolved,
		EntityType: events.EntityAction, EntityID: actionID,
		After: map[string]any{"status": status, "resolution_reason": reason, "note": note},
	})
}

// Snooze pushes an action's visibility out without resolving it.
func (e *Engine) Snooze(tx *sql.Tx, audit *events.Writer, businessID, actionID string, until time.Time, reason string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		UPDATE action_items SET status = 'snoozed', snoozed_until = ?, resolution_reason = ?, updated_at = ?
		WHERE id = ? AND business_id = ?`,
		until.Format(time.RFC3339Nano), reason, nowStr, actionID, businessID); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.ActionSnoozed,
		EntityType: events.EntityAction, EntityID: actionID,
		After: map[string]any{"status": "snoozed", "snoozed_until": until},
	})
}

// Assign sets or clears an action's assignee.
func (e *Engine) Assign(tx *sql.Tx, audit *events.Writer, businessID, actionID, userID string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	var userVal any
	if userID != "" {
		userVal = userID
	}
	if _, err := tx.Exec(`UPDATE action_items SET assigned_to = ?, updated_at = ? WHERE id = ? AND business_id = ?`,
		userVal, nowStr, actionID, businessID); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.ActionAssigned,
		EntityType: events.EntityAction, EntityID: actionID,
		After: map[string]any{"assigned_to": userID},
	})
}
