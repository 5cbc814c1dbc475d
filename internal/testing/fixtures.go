package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/finpulse/internal/business"
	"github.com/aristath/finpulse/internal/ingest"
)

// NewBusinessFixture creates a Business row via business.Repository and
// returns it, failing the test on error.
func NewBusinessFixture(t *testing.T, repo *business.Repository, name string) *business.Business {
	t.Helper()
	b, err := repo.Create("org_test", name)
	if err != nil {
		t.Fatalf("failed to create business fixture: %v", err)
	}
	return b
}

// PostedEventFixture describes one raw posted-transaction event to insert
// via ingest.Store.Insert.
type PostedEventFixture struct {
	SourceEventID string
	OccurredAt    time.Time
	Amount        float64
	Direction     string // inflow|outflow
	Description   string
	Counterparty  string
	MerchantKey   string
	CategoryHint  string
}

// InsertPostedEvents inserts a batch of transaction events for businessID
// through the real ingest.Store.Insert path, so downstream projection and
// detector tests exercise the same code a live sync would.
func InsertPostedEvents(t *testing.T, tx *sql.Tx, store *ingest.Store, businessID string, fixtures []PostedEventFixture) {
	t.Helper()
	for i, f := range fixtures {
		_, err := store.Insert(tx, ingest.InsertParams{
			BusinessID:    businessID,
			Source:        "plaid",
			SourceEventID: f.SourceEventID,
			OccurredAt:    f.OccurredAt,
			Payload:       NewRawEventPayload(f),
			EventVersion:  1,
			EventType:     ingest.EventAdded,
		})
		if err != nil {
			t.Fatalf("failed to insert posted event fixture %d (%s): %v", i, f.SourceEventID, err)
		}
	}
}

// NewRawEventPayload builds the transaction JSON payload shape
// PostedProjection's parser expects, for use with ingest.InsertParams.
func NewRawEventPayload(f PostedEventFixture) map[string]any {
	return map[string]any{
		"transaction": map[string]any{
			"amount":        f.Amount,
			"direction":     f.Direction,
			"description":   f.Description,
			"counterparty":  f.Counterparty,
			"merchant_key":  f.MerchantKey,
			"category_hint": f.CategoryHint,
		},
	}
}

// NewCategoryFixture inserts a category row plus one vendor-matching rule,
// returning the category id, for tests exercising ProcessingPipeline's
// rule matcher.
func NewCategoryFixture(t *testing.T, db *sql.DB, businessID, name, matchVendor string) string {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	categoryID := uuid.NewString()
	mustExec(t, db, `INSERT INTO categories (id, business_id, name, anchor_account_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		categoryID, businessID, name, "expenses:uncategorized", now)
	mustExec(t, db, `INSERT INTO category_rules (id, business_id, category_id, match_kind, match_value, priority, created_at) VALUES (?, ?, ?, 'vendor_contains', ?, 0, ?)`,
		uuid.NewString(), businessID, categoryID, matchVendor, now)
	return categoryID
}
