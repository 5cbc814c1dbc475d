package ingest_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finpulse/internal/ingest"
	finpulsetesting "github.com/aristath/finpulse/internal/testing"
)

func TestStore_InsertDedupesOnConflict(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()

	store := ingest.NewStore(db.Conn(), zerolog.Nop())
	conn := finpulsetesting.GetRawConnection(db)

	tx, err := conn.Begin()
	require.NoError(t, err)

	params := ingest.InsertParams{
		BusinessID:    "biz_1",
		Source:        "plaid",
		SourceEventID: "evt_1",
		OccurredAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:       map[string]any{"transaction": map[string]any{"amount": 10.0}},
		EventVersion:  1,
		EventType:     ingest.EventAdded,
	}

	inserted, err := store.Insert(tx, params)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Insert(tx, params)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate (business_id, source, source_event_id) must not insert again")

	require.NoError(t, tx.Commit())

	events, err := store.LatestPerCanonical("biz_1", "plaid", false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_1", events[0].SourceEventID)
}

func TestStore_LatestPerCanonicalExcludesRemovedByDefault(t *testing.T) {
	db, cleanup := finpulsetesting.NewTestDB(t)
	defer cleanup()

	store := ingest.NewStore(db.Conn(), zerolog.Nop())
	conn := finpulsetesting.GetRawConnection(db)

	tx, err := conn.Begin()
	require.NoError(t, err)

	_, err = store.Insert(tx, ingest.InsertParams{
		BusinessID:    "biz_2",
		Source:        "plaid",
		SourceEventID: "evt_2",
		OccurredAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:       map[string]any{"transaction": map[string]any{"amount": 5.0}},
		EventVersion:  1,
		EventType:     ingest.EventAdded,
	})
	require.NoError(t, err)

	_, err = store.Insert(tx, ingest.InsertParams{
		BusinessID:             "biz_2",
		Source:                 "plaid",
		SourceEventID:          "evt_2_removed",
		CanonicalSourceEventID: "evt_2",
		OccurredAt:             time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Payload:                map[string]any{"transaction": map[string]any{"amount": 5.0}},
		EventVersion:           2,
		EventType:              ingest.EventRemoved,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	events, err := store.LatestPerCanonical("biz_2", "plaid", false)
	require.NoError(t, err)
	assert.Empty(t, events, "tombstoned canonical event should be excluded by default")

	events, err = store.LatestPerCanonical("biz_2", "plaid", true)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsRemoved)
}
