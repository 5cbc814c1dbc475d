// Package healthscore computes the 0-100 business health score as a
// domain-weighted penalty aggregation over open health signals, and
// explains score movement against the audit log.
package healthscore

import (
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/signals"
)

var domainWeight = map[string]float64{
	"liquidity":     1.4,
	"revenue":       1.2,
	"expense":       1.2,
	"timing":        1.1,
	"concentration": 0.9,
	"hygiene":       0.8,
	"unknown":       0.7,
}

var severityWeight = map[signals.Severity]float64{
	signals.SeverityCritical: 18,
	signals.SeverityHigh:     16,
	signals.SeverityWarning:  12,
	signals.SeverityMedium:   10,
	signals.SeverityLow:      6,
	signals.SeverityInfo:     4,
}

var statusMultiplier = map[string]float64{
	"open":        1,
	"in_progress": 0.8,
	"ignored":     0.3,
	"resolved":    0,
}

// Contributor is one signal's penalty breakdown.
type Contributor struct {
	SignalID   string  `json:"signal_id"`
	SignalType string  `json:"signal_type"`
	Domain     string  `json:"domain"`
	Severity   string  `json:"severity"`
	Status     string  `json:"status"`
	AgeDays    float64 `json:"age_days"`
	Penalty    float64 `json:"penalty"`
}

// DomainScore aggregates the contributors for one domain.
type DomainScore struct {
	Domain  string  `json:"domain"`
	Penalty float64 `json:"penalty"`
	Count   int     `json:"count"`
}

// Score is ComputeScore's return shape.
type Score struct {
	Score        float64        `json:"score"`
	Domains      []DomainScore  `json:"domains"`
	Contributors []Contributor  `json:"contributors"`
	Meta         map[string]any `json:"meta"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

type signalRow struct {
	SignalID   string
	SignalType string
	Status     string
	Severity   signals.Severity
	DetectedAt time.Time
}

func fetchOpenSignals(q querier, businessID string) ([]signalRow, error) {
	rows, err := q.Query(`
		SELECT signal_id, signal_type, status, severity, detected_at
		FROM health_signal_states
		WHERE business_id = ? AND status != 'resolved'`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []signalRow
	for rows.Next() {
		var r signalRow
		var severity, detectedAt string
		if err := rows.Scan(&r.SignalID, &r.SignalType, &r.Status, &severity, &detectedAt); err != nil {
			return nil, err
		}
		r.Severity = signals.Severity(severity)
		r.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func penalty(domain string, severity signals.Severity, profileWeight float64, status string, ageDays float64) float64 {
	dw, ok := domainWeight[domain]
	if !ok {
		dw = domainWeight["unknown"]
	}
	sw, ok := severityWeight[severity]
	if !ok {
		sw = severityWeight[signals.SeverityWarning]
	}
	sm, ok := statusMultiplier[status]
	if !ok {
		sm = 1
	}
	pm := clamp(1+ageDays/14, 1, 2)
	return dw * sw * profileWeight * sm * pm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ComputeScore returns the current health score: a pure function of
// non-resolved signal state and the clock, aside from generated_at.
func ComputeScore(db *sql.DB, businessID string, now time.Time) (Score, error) {
	rows, err := fetchOpenSignals(db, businessID)
	if err != nil {
		return Score{}, err
	}

	var total float64
	contributors := make([]Contributor, 0, len(rows))
	domainTotals := map[string]*DomainScore{}

	for _, r := range rows {
		entry := signals.CatalogLookup(r.SignalType)
		ageDays := now.UTC().Sub(r.DetectedAt.UTC()).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		p := penalty(entry.Domain, r.Severity, entry.Profile.Weight, r.Status, ageDays)
		total += p

		contributors = append(contributors, Contributor{
			SignalID: r.SignalID, SignalType: r.SignalType, Domain: entry.Domain,
			Severity: string(r.Severity), Status: r.Status, AgeDays: round2(ageDays), Penalty: round2(p),
		})

		d, ok := domainTotals[entry.Domain]
		if !ok {
			d = &DomainScore{Domain: entry.Domain}
			domainTotals[entry.Domain] = d
		}
		d.Penalty += p
		d.Count++
	}

	sort.Slice(contributors, func(i, j int) bool {
		if contributors[i].Penalty != contributors[j].Penalty {
			return contributors[i].Penalty > contributors[j].Penalty
		}
		if contributors[i].Domain != contributors[j].Domain {
			return contributors[i].Domain < contributors[j].Domain
		}
		return contributors[i].SignalID < contributors[j].SignalID
	})

	domains := make([]DomainScore, 0, len(domainTotals))
	for _, d := range domainTotals {
		d.Penalty = round2(d.Penalty)
		domains = append(domains, *d)
	}
	sort.Slice(domains, func(i, j int) bool {
		if domains[i].Penalty != domains[j].Penalty {
			return domains[i].Penalty > domains[j].Penalty
		}
		return domains[i].Domain < domains[j].Domain
	})

	score := math.Max(0, 100-total)

	return Score{
		Score:        round2(score),
		Domains:      domains,
		Contributors: contributors,
		Meta: map[string]any{
			"signal_count": len(rows),
			"domain_count": len(domains),
		},
		GeneratedAt: now,
	}, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// ChangeImpact is one audit entry's contribution to score movement.
type ChangeImpact struct {
	ChangeType string    `json:"change_type"`
	SignalID   string    `json:"signal_id"`
	SignalType string    `json:"signal_type"`
	Domain     string    `json:"domain"`
	Before     float64   `json:"before"`
	After      float64   `json:"after"`
	Delta      float64   `json:"delta"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ExplainResult is ExplainChange's return shape.
type ExplainResult struct {
	Changes  []ChangeImpact `json:"changes"`
	NetDelta float64        `json:"net_delta"`
	Headline string         `json:"headline"`
}

var signalChangeTypes = map[string]bool{
	string(events.SignalDetected):      true,
	string(events.SignalUpdated):       true,
	string(events.SignalResolved):      true,
	string(events.SignalStatusChanged): true,
}

type stateSnapshot struct {
	Status   string
	Severity signals.Severity
}

// ExplainChange walks the audit log over the window, re-evaluating the
// penalty contribution of each signal state change with the current
// formula, and reports the before/after delta for each.
func ExplainChange(db *sql.DB, businessID string, sinceHours, limit int, now time.Time) (ExplainResult, error) {
	rows, err := events.ListWindow(db, businessID, sinceHours, 5000)
	if err != nil {
		return ExplainResult{}, err
	}

	signalTypeOf := map[string]string{}
	detectedAtOf := map[string]time.Time{}
	severityOf := map[string]signals.Severity{}

	var changes []ChangeImpact
	var net float64

	for _, r := range rows {
		if !signalChangeTypes[r.ChangeType] {
			continue
		}
		before, okBefore := decodeSnapshot(r.BeforeState)
		after, okAfter := decodeSnapshot(r.AfterState)
		if !okBefore && !okAfter {
			continue
		}

		signalType, ok := signalTypeOf[r.EntityID]
		if !ok {
			signalType, _ = lookupSignalType(db, businessID, r.EntityID)
			signalTypeOf[r.EntityID] = signalType
		}
		entry := signals.CatalogLookup(signalType)

		detectedAt, ok := detectedAtOf[r.EntityID]
		if !ok {
			detectedAt, _ = lookupDetectedAt(db, businessID, r.EntityID)
			detectedAtOf[r.EntityID] = detectedAt
		}
		ageDays := r.CreatedAt.UTC().Sub(detectedAt.UTC()).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}

		if (okBefore && before.Severity == "") || (okAfter && after.Severity == "") {
			sev, ok := severityOf[r.EntityID]
			if !ok {
				sev = signals.Severity(r.Severity)
				if sev == "" {
					sev, _ = lookupSeverity(db, businessID, r.EntityID)
				}
				severityOf[r.EntityID] = sev
			}
			if okBefore && before.Severity == "" {
				before.Severity = sev
			}
			if okAfter && after.Severity == "" {
				after.Severity = sev
			}
		}

		var beforePenalty, afterPenalty float64
		if okBefore {
			beforePenalty = penalty(entry.Domain, before.Severity, entry.Profile.Weight, before.Status, ageDays)
		}
		if okAfter {
			afterPenalty = penalty(entry.Domain, after.Severity, entry.Profile.Weight, after.Status, ageDays)
		}
		delta := afterPenalty - beforePenalty
		net -= delta

		changes = append(changes, ChangeImpact{
			ChangeType: r.ChangeType, SignalID: r.EntityID, SignalType: signalType, Domain: entry.Domain,
			Before: round2(beforePenalty), After: round2(afterPenalty), Delta: round2(delta), OccurredAt: r.CreatedAt,
		})
	}

	sort.Slice(changes, func(i, j int) bool {
		ai, aj := math.Abs(changes[i].Delta), math.Abs(changes[j].Delta)
		if ai != aj {
			return ai > aj
		}
		if changes[i].ChangeType != changes[j].ChangeType {
			return changes[i].ChangeType < changes[j].ChangeType
		}
		return changes[i].SignalID < changes[j].SignalID
	})
	if len(changes) > limit {
		changes = changes[:limit]
	}

	return ExplainResult{
		Changes:  changes,
		NetDelta: round2(net),
		Headline: headline(net),
	}, nil
}

func headline(net float64) string {
	switch {
	case net > 0.01:
		return "Health score improved"
	case net < -0.01:
		return "Health score declined"
	default:
		return "Health score unchanged"
	}
}

func decodeSnapshot(raw string) (stateSnapshot, bool) {
	if raw == "" {
		return stateSnapshot{}, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return stateSnapshot{}, false
	}
	status, _ := m["status"].(string)
	if status == "" {
		return stateSnapshot{}, false
	}
	if status == "open_or_in_progress" {
		status = "open"
	}
	severity, _ := m["severity"].(string)
	return stateSnapshot{Status: status, Severity: signals.Severity(severity)}, true
}

func lookupSeverity(db *sql.DB, businessID, signalID string) (signals.Severity, error) {
	var severity string
	err := db.QueryRow(`SELECT severity FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID).Scan(&severity)
	if err == sql.ErrNoRows {
		return signals.SeverityWarning, nil
	}
	return signals.Severity(severity), err
}

func lookupSignalType(db *sql.DB, businessID, signalID string) (string, error) {
	var signalType string
	err := db.QueryRow(`SELECT signal_type FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID).Scan(&signalType)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return signalType, err
}

func lookupDetectedAt(db *sql.DB, businessID, signalID string) (time.Time, error) {
	var detectedAt string
	err := db.QueryRow(`SELECT detected_at FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID).Scan(&detectedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, _ := time.Parse(time.RFC3339Nano, detectedAt)
	return t, nil
}
