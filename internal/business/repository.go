// Package business manages the Business tenant row and its cascading
// delete, the isolation unit every other engine scopes by.
package business

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
)

// Business is the tenant row every other table references.
type Business struct {
	ID        string
	OrgID     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log}
}

func (r *Repository) Create(orgID, name string) (*Business, error) {
	now := time.Now().UTC()
	b := &Business{ID: uuid.NewString(), OrgID: orgID, Name: name, CreatedAt: now, UpdatedAt: now}
	_, err := r.db.Exec(`INSERT INTO businesses (id, org_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.OrgID, b.Name, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Repository) Get(id string) (*Business, error) {
	row := r.db.QueryRow(`SELECT id, org_id, name, created_at, updated_at FROM businesses WHERE id = ?`, id)
	var b Business
	var created, updated string
	if err := row.Scan(&b.ID, &b.OrgID, &b.Name, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("business not found")
		}
		return nil, err
	}
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

// scopedTables lists every table that carries a business_id column and must
// be hard-deleted when a Business is deleted.
// Child tables that carry their own business_id (case_signals/case_events
// under cases) are still listed explicitly: this is a flat, auditable delete
// list rather than relying on FK ON DELETE CASCADE. The plan child tables
// have no business_id column and are removed by Delete through plan_id.
var scopedTables = []string{
	"raw_events",
	"accounts",
	"categories",
	"category_rules",
	"business_category_map",
	"txn_categorizations",
	"processing_event_states",
	"health_signal_states",
	"case_signals",
	"case_events",
	"cases",
	"work_items",
	"action_items",
	"plans",
	"tick_runs",
	"audit_log",
	"daily_brief_metrics",
	"integration_connections",
	"monitor_runtime",
	"archive_checkpoints",
	"settings",
}

// plan_conditions/plan_observations/plan_state_events key on plan_id rather
// than business_id; Delete joins through the plan id set before removing
// them, then removes everything else by its own business_id column.
func (r *Repository) Delete(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM plan_conditions WHERE plan_id IN (SELECT id FROM plans WHERE business_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM plan_observations WHERE plan_id IN (SELECT id FROM plans WHERE business_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM plan_state_events WHERE plan_id IN (SELECT id FROM plans WHERE business_id = ?)`, id); err != nil {
		return err
	}
	for _, table := range scopedTables {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE business_id = ?`, id); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM businesses WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func fmtTime(t time.Time) string { return t.Format(time.RFC3339Nano) }
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}
