// Package settings implements the key/value override store behind
// config.SettingsReader, scoped per business so each business can flip its
// own feature gates without affecting others.
package settings

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// globalBusinessID is the settings scope for process-wide overrides (the
// ones config.Config.UpdateFromSettings reads), matching the settings
// table's business_id DEFAULT ''.
const globalBusinessID = ""

// Repository reads and writes rows in the settings table, keyed by
// (business_id, key).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "settings").Logger()}
}

// Get returns the raw string value for (businessID, key), or ok=false if no
// row exists.
func (r *Repository) Get(businessID, key string) (value string, ok bool, err error) {
	row := r.db.QueryRow(`SELECT value FROM settings WHERE business_id = ? AND key = ?`, businessID, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set upserts (businessID, key) to value.
func (r *Repository) Set(businessID, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.Exec(`
		INSERT INTO settings (business_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(business_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, businessID, key, value, now)
	return err
}

// Delete removes (businessID, key), if present.
func (r *Repository) Delete(businessID, key string) error {
	_, err := r.db.Exec(`DELETE FROM settings WHERE business_id = ? AND key = ?`, businessID, key)
	return err
}

// GetAll returns every setting scoped to businessID as a flat map.
func (r *Repository) GetAll(businessID string) (map[string]string, error) {
	rows, err := r.db.Query(`SELECT key, value FROM settings WHERE business_id = ?`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetBool parses a setting as a truthy string ("true", "1", "yes", "on"),
// falling back to def when absent or unparseable.
func (r *Repository) GetBool(businessID, key string, def bool) bool {
	v, ok, err := r.Get(businessID, key)
	if err != nil || !ok {
		return def
	}
	switch v {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// GetInt parses a setting as an integer (tolerating float-looking strings
// like "12.0"), falling back to def when absent or unparseable.
func (r *Repository) GetInt(businessID, key string, def int) int {
	v, ok, err := r.Get(businessID, key)
	if err != nil || !ok {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return def
}

// GlobalReader returns a config.SettingsReader bound to the global settings
// scope, for config.Config.UpdateFromSettings.
func (r *Repository) GlobalReader() *ScopedReader {
	return &ScopedReader{repo: r, businessID: globalBusinessID}
}

// ScopedReader adapts Repository to config.SettingsReader's single-key,
// no-business-id shape for one fixed business scope.
type ScopedReader struct {
	repo       *Repository
	businessID string
}

func (s *ScopedReader) GetSetting(key string) (string, bool) {
	v, ok, err := s.repo.Get(s.businessID, key)
	if err != nil {
		return "", false
	}
	return v, ok
}
