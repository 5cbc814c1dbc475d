package signals

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/posted"
)

// Engine runs the full detector battery over a business's posted ledger.
// Every detector is a pure function of its inputs; Engine only owns the
// wiring to fetch transitions for hygiene.signal_flapping and to log.
type Engine struct {
	transitions TransitionLookup
	log         zerolog.Logger
}

// TransitionLookup returns signal_id -> status-transition count over the
// trailing 30 days, read from the audit log by the caller.
type TransitionLookup func(businessID string) (map[string]int, error)

func NewEngine(transitions TransitionLookup, log zerolog.Logger) *Engine {
	return &Engine{transitions: transitions, log: log}
}

// RunResult bundles every detector's output for one business, in detector-
// registration order for diagnostics, and a flattened+sorted signal list.
type RunResult struct {
	Signals     []DetectedSignal
	Diagnostics []DetectorDiagnostic
}

// Run executes every registered detector against txns for businessID at
// instant now. Detector panics are not recovered: a detector bug should
// surface, not silently drop signals.
func (e *Engine) Run(businessID string, txns []posted.Txn, now time.Time) (RunResult, error) {
	transitions, err := e.transitions(businessID)
	if err != nil {
		return RunResult{}, err
	}

	var result RunResult
	for _, detect := range AllDetectors {
		signals, diag := detect(businessID, txns, now, transitions)
		result.Signals = append(result.Signals, signals...)
		result.Diagnostics = append(result.Diagnostics, diag)
	}

	sort.Slice(result.Signals, func(i, j int) bool {
		return result.Signals[i].SignalID < result.Signals[j].SignalID
	})

	return result, nil
}
