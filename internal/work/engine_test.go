package work_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finpulse/internal/events"
	finpulsetesting "github.com/aristath/finpulse/internal/testing"
	"github.com/aristath/finpulse/internal/work"
)

func TestGenerateWorkItems_SLABreachSortsFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := work.CaseView{
		ID:                  "case_1",
		Status:              "open",
		Severity:            "high",
		OpenedAt:            now.AddDate(0, 0, -5),
		ComputedSLABreached: true,
		AssignedTo:          "alice",
	}

	items := work.GenerateWorkItems(c, now)
	require.NotEmpty(t, items)
	assert.Equal(t, work.TypeSLABreach, items[0].Type, "SLA breach has the highest priority weight")
}

func TestGenerateWorkItems_UnassignedOpenCaseGetsUnassignedItem(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := work.CaseView{ID: "case_2", Status: "open", Severity: "low", OpenedAt: now}

	items := work.GenerateWorkItems(c, now)
	var found bool
	for _, item := range items {
		if item.Type == work.TypeUnassignedCase {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGenerateWorkItems_ResolvedCaseSkipsSLAAndUnassigned(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := work.CaseView{ID: "case_3", Status: "resolved", Severity: "high", OpenedAt: now, ComputedSLABreached: true}

	items := work.GenerateWorkItems(c, now)
	for _, item := range items {
		assert.NotEqual(t, work.TypeSLABreach, item.Type)
		assert.NotEqual(t, work.TypeUnassignedCase, item.Type)
	}
}

func TestEngine_Materialize_InsertsThenAutoResolvesStaleItems(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()
	conn := finpulsetesting.GetRawConnection(db)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	view := work.CaseView{
		ID:                  "case_4",
		BusinessID:          "biz_1",
		Status:              "open",
		Severity:            "high",
		OpenedAt:            now.AddDate(0, 0, -5),
		ComputedSLABreached: true,
	}

	loader := func(tx *sql.Tx, caseID string) (work.CaseView, error) {
		return view, nil
	}

	engine := work.NewEngine(loader, zerolog.Nop())
	audit := events.NewWriter(zerolog.Nop())

	tx, err := conn.Begin()
	require.NoError(t, err)

	created, updated, autoResolved, unchanged, err := engine.Materialize(tx, audit, view.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, created, "SLA_BREACH, UNASSIGNED_CASE and HIGH_SEVERITY_TRIAGE should all materialize")
	assert.Equal(t, 0, updated)
	assert.Equal(t, 0, autoResolved)
	assert.Equal(t, 0, unchanged)
	require.NoError(t, tx.Commit())

	// The case is no longer SLA-breached or unassigned on the next run;
	// those rows must auto-resolve rather than linger as open. The case is
	// still open and high-severity, so HIGH_SEVERITY_TRIAGE stays open.
	view.ComputedSLABreached = false
	view.AssignedTo = "alice"

	tx, err = conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	created, updated, autoResolved, unchanged, err = engine.Materialize(tx, audit, view.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 2, autoResolved)
	require.NoError(t, tx.Commit())

	var openCount int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM work_items WHERE case_id = ? AND status = 'open'`, view.ID).Scan(&openCount))
	assert.Equal(t, 1, openCount)
}
