// Package signals implements a battery of windowed detectors over
// the posted-transaction ledger, merged into a persistent signal table with
// an explicit state machine.
package signals

import "time"

// Severity is the detector/signal severity scale, ordered low to high.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for the "raise monotonically" rule used by
// CaseEngine.AggregateSignal. monitoring also maps
// info->low, warning->medium the same way.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// NormalizeForCase maps info/warning onto the 4-point case severity scale.
func NormalizeForCase(s Severity) Severity {
	switch s {
	case SeverityInfo:
		return SeverityLow
	case SeverityWarning:
		return SeverityMedium
	default:
		return s
	}
}

// MaxSeverity returns the higher of a and b on the case severity scale.
func MaxSeverity(a, b Severity) Severity {
	a, b = NormalizeForCase(a), NormalizeForCase(b)
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// LedgerAnchor is a reusable ledger filter attached to a signal; re-running
// Query must reproduce every EvidenceKeys value to 2 decimals.
type LedgerAnchor struct {
	AnchorKey    string         `json:"anchor_key"`
	Query        AnchorQuery    `json:"query"`
	EvidenceKeys map[string]float64 `json:"evidence_keys"`
}

// AnchorQuery is the filter expression accepted by LedgerService.LedgerQuery.
type AnchorQuery struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Vendors        []string  `json:"vendors,omitempty"`
	Categories     []string  `json:"categories,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	SourceEventIDs []string  `json:"source_event_ids,omitempty"`
}

// Window is a [start,end] date range carried on a signal's payload.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Payload is the generic numeric-stats bag every detector emits.
// Detector-specific fields are carried in Extra, which is flattened into
// payload_json at the persistence boundary.
type Payload struct {
	Window         Window         `json:"window"`
	BaselineWindow *Window        `json:"baseline_window,omitempty"`
	CurrentTotal   float64        `json:"current_total,omitempty"`
	PriorTotal     float64        `json:"prior_total,omitempty"`
	Delta          float64        `json:"delta,omitempty"`
	PctChange      float64        `json:"pct_change,omitempty"`
	Mean30d        float64        `json:"mean_30d,omitempty"`
	Std30d         float64        `json:"std_30d,omitempty"`
	LedgerAnchors  []LedgerAnchor `json:"ledger_anchors,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// DetectedSignal is one detector emission.
type DetectedSignal struct {
	SignalType  string
	Fingerprint string
	SignalID    string
	Severity    Severity
	Title       string
	Summary     string
	Payload     Payload
}

// DetectorDiagnostic records why a detector did or didn't fire, returned
// alongside the signal batch.
type DetectorDiagnostic struct {
	Detector      string   `json:"detector"`
	Ran           bool     `json:"ran"`
	SkippedReason string   `json:"skipped_reason,omitempty"`
	Fired         bool     `json:"fired"`
	EvidenceKeys  []string `json:"evidence_keys,omitempty"`
}
