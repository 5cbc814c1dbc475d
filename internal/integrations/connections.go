// Package integrations implements the provider-facing half of ingest:
// link/exchange/sync lifecycle and webhook verification for external data
// providers (Plaid-shaped), following the Client/NewClient convention used
// across this codebase's other external-API packages but implemented as a
// stub registry since the provider contract only requires a uniform
// VerifyWebhook(headers, body) -> {ok, reason} surface, not a live vendor
// integration.
package integrations

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is one IntegrationConnection's connectivity state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection mirrors one integration_connections row.
type Connection struct {
	BusinessID  string
	Provider    string
	Status      Status
	LastSyncAt  *time.Time
	LastError   string
	LastErrorAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConnectionStore persists IntegrationConnection rows.
type ConnectionStore struct {
	db *sql.DB
}

func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

func (s *ConnectionStore) Get(businessID, provider string) (*Connection, error) {
	row := s.db.QueryRow(`
		SELECT business_id, provider, status, last_sync_at, last_error, last_error_at, created_at, updated_at
		FROM integration_connections WHERE business_id = ? AND provider = ?`, businessID, provider)
	return scanConnection(row)
}

func (s *ConnectionStore) Upsert(c Connection) error {
	_, err := s.db.Exec(`
		INSERT INTO integration_connections (business_id, provider, status, last_sync_at, last_error, last_error_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_id, provider) DO UPDATE SET
			status = excluded.status,
			last_sync_at = excluded.last_sync_at,
			last_error = excluded.last_error,
			last_error_at = excluded.last_error_at,
			updated_at = excluded.updated_at`,
		c.BusinessID, c.Provider, string(c.Status), formatPtr(c.LastSyncAt), nullableString(c.LastError),
		formatPtr(c.LastErrorAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

// StaleSyncBusinesses returns (business_id, provider) pairs whose connection
// isn't connected, or whose last sync is older than staleAfter. This is the
// integration-health condition the action engine watches for.
func (s *ConnectionStore) StaleSyncBusinesses(now time.Time, staleAfter time.Duration) ([]Connection, error) {
	cutoff := now.Add(-staleAfter)
	rows, err := s.db.Query(`
		SELECT business_id, provider, status, last_sync_at, last_error, last_error_at, created_at, updated_at
		FROM integration_connections
		WHERE status != 'connected' OR last_sync_at IS NULL OR last_sync_at < ?`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var lastSync, lastErrorAt sql.NullString
		var lastErr sql.NullString
		var created, updated string
		if err := rows.Scan(&c.BusinessID, &c.Provider, &c.Status, &lastSync, &lastErr, &lastErrorAt, &created, &updated); err != nil {
			return nil, err
		}
		c.LastError = lastErr.String
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		if lastSync.Valid {
			t := parseTime(lastSync.String)
			c.LastSyncAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row *sql.Row) (*Connection, error) {
	var c Connection
	var lastSync, lastErrorAt, lastErr sql.NullString
	var created, updated string
	if err := row.Scan(&c.BusinessID, &c.Provider, &c.Status, &lastSync, &lastErr, &lastErrorAt, &created, &updated); err != nil {
		return nil, err
	}
	c.LastError = lastErr.String
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	if lastSync.Valid {
		t := parseTime(lastSync.String)
		c.LastSyncAt = &t
	}
	if lastErrorAt.Valid {
		t := parseTime(lastErrorAt.String)
		c.LastErrorAt = &t
	}
	return &c, nil
}

func newSyncCursor() string { return uuid.NewString() }

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func formatPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}
