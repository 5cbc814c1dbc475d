package signals_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finpulse/internal/posted"
	"github.com/aristath/finpulse/internal/signals"
)

func noTransitions(string) (map[string]int, error) {
	return map[string]int{}, nil
}

func TestEngine_Run_DetectsLowCashRunway(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var txns []posted.Txn
	// Thirty days of heavy daily outflow far exceeding inflow, with a
	// small ending cash balance, should trip liquidity.runway_low.
	for i := 0; i < 30; i++ {
		day := now.AddDate(0, 0, -i)
		txns = append(txns, posted.Txn{
			BusinessID:   "biz_1",
			OccurredAt:   day,
			Amount:       500,
			Direction:    posted.Outflow,
			SignedAmount: -500,
			Description:  "payroll",
		})
	}
	txns = append(txns, posted.Txn{
		BusinessID:   "biz_1",
		OccurredAt:   now.AddDate(0, 0, -29),
		Amount:       1000,
		Direction:    posted.Inflow,
		SignedAmount: 1000,
		Description:  "opening balance",
	})

	engine := signals.NewEngine(noTransitions, zerolog.Nop())
	result, err := engine.Run("biz_1", txns, now)
	require.NoError(t, err)

	var found *signals.DetectedSignal
	for i := range result.Signals {
		if result.Signals[i].SignalType == "liquidity.runway_low" {
			found = &result.Signals[i]
		}
	}
	require.NotNil(t, found, "expected liquidity.runway_low to fire")
	assert.Equal(t, signals.SeverityHigh, found.Severity)
	assert.NotEmpty(t, found.SignalID)
	assert.NotEmpty(t, found.Fingerprint)
}

func TestEngine_Run_NoSignalsOnHealthyBusiness(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var txns []posted.Txn
	// Sixty days of steady, categorized flows keep every baseline window
	// (up to 44 days back) populated and the uncategorized share at zero.
	for i := 0; i < 60; i++ {
		day := now.AddDate(0, 0, -i)
		txns = append(txns,
			posted.Txn{BusinessID: "biz_2", OccurredAt: day, Amount: 1000, Direction: posted.Inflow, SignedAmount: 1000, Description: "revenue", CategoryHint: "sales"},
			posted.Txn{BusinessID: "biz_2", OccurredAt: day, Amount: 400, Direction: posted.Outflow, SignedAmount: -400, Description: "expenses", CategoryHint: "supplies"},
		)
	}

	engine := signals.NewEngine(noTransitions, zerolog.Nop())
	result, err := engine.Run("biz_2", txns, now)
	require.NoError(t, err)
	assert.Empty(t, result.Signals)
	assert.NotEmpty(t, result.Diagnostics)
}

func TestEngine_Run_SignalsSortedBySignalID(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	engine := signals.NewEngine(noTransitions, zerolog.Nop())

	var txns []posted.Txn
	for i := 0; i < 30; i++ {
		day := now.AddDate(0, 0, -i)
		txns = append(txns, posted.Txn{BusinessID: "biz_3", OccurredAt: day, Amount: 500, Direction: posted.Outflow, SignedAmount: -500})
	}

	result, err := engine.Run("biz_3", txns, now)
	require.NoError(t, err)
	for i := 1; i < len(result.Signals); i++ {
		assert.LessOrEqual(t, result.Signals[i-1].SignalID, result.Signals[i].SignalID)
	}
}
