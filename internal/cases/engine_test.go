package cases_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finpulse/internal/business"
	"github.com/aristath/finpulse/internal/cases"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/signals"
	finpulsetesting "github.com/aristath/finpulse/internal/testing"
)

func fixedRiskSnapshot(score float64) cases.RiskSnapshotProvider {
	return func(string) (cases.RiskSnapshot, error) {
		return cases.RiskSnapshot{Score: score, ComputedAt: time.Now()}, nil
	}
}

func TestEngine_AggregateSignal_CreatesOneOpenCasePerDomain(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()
	conn := finpulsetesting.GetRawConnection(db)

	repo := business.NewRepository(conn, zerolog.Nop())
	biz := finpulsetesting.NewBusinessFixture(t, repo, "Acme Co")

	engine := cases.NewEngine(conn, fixedRiskSnapshot(80), zerolog.Nop())
	audit := events.NewWriter(zerolog.Nop())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tx, err := conn.Begin()
	require.NoError(t, err)

	c1, err := engine.AggregateSignal(tx, audit, biz.ID, "sig_1", "liquidity.runway_low", "liquidity", signals.SeverityHigh, now)
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := engine.AggregateSignal(tx, audit, biz.ID, "sig_2", "liquidity.another", "liquidity", signals.SeverityMedium, now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID, "same business+domain must aggregate into the same open case")
	assert.Equal(t, signals.SeverityHigh, c2.Severity, "severity must remain the max of attached signals")
	require.NoError(t, tx.Commit())
}

func TestEngine_AggregateSignal_RejectsReattachToDifferentCase(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()
	conn := finpulsetesting.GetRawConnection(db)

	repo := business.NewRepository(conn, zerolog.Nop())
	biz := finpulsetesting.NewBusinessFixture(t, repo, "Acme Co")

	engine := cases.NewEngine(conn, fixedRiskSnapshot(80), zerolog.Nop())
	audit := events.NewWriter(zerolog.Nop())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	c1, err := engine.AggregateSignal(tx, audit, biz.ID, "sig_1", "liquidity.runway_low", "liquidity", signals.SeverityHigh, now)
	require.NoError(t, err)

	_, err = tx.Exec(`UPDATE cases SET status = 'resolved' WHERE id = ?`, c1.ID)
	require.NoError(t, err)

	// A fresh open case gets created for the same domain since the first
	// one is now resolved; re-attaching sig_1 to it must fail the
	// one-case-per-signal invariant.
	_, err = engine.AggregateSignal(tx, audit, biz.ID, "sig_1", "liquidity.runway_low", "liquidity", signals.SeverityHigh, now.Add(time.Hour))
	require.Error(t, err)
}

func TestEngine_RecomputeCase_DetectsSLABreach(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()
	conn := finpulsetesting.GetRawConnection(db)

	repo := business.NewRepository(conn, zerolog.Nop())
	biz := finpulsetesting.NewBusinessFixture(t, repo, "Acme Co")

	engine := cases.NewEngine(conn, fixedRiskSnapshot(80), zerolog.Nop())
	audit := events.NewWriter(zerolog.Nop())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	c, err := engine.AggregateSignal(tx, audit, biz.ID, "sig_1", "liquidity.runway_low", "liquidity", signals.SeverityHigh, now)
	require.NoError(t, err)

	past := now.Add(-time.Hour).Format(time.RFC3339Nano)
	_, err = tx.Exec(`UPDATE cases SET next_review_at = ? WHERE id = ?`, past, c.ID)
	require.NoError(t, err)

	derived, diff, err := engine.RecomputeCase(tx, audit, c.ID, true, now)
	require.NoError(t, err)
	assert.True(t, derived.SLABreached)
	assert.Equal(t, true, diff["computed_sla_breached"])
}
