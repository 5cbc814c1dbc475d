// Package ingest implements the append-only log of provider events with
// canonical id, revision, and tombstone semantics that every downstream
// projection reads from.
package ingest

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType classifies a RawEvent revision.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// RawEvent is one immutable provider-event revision.
type RawEvent struct {
	ID                       string
	BusinessID               string
	Source                   string
	SourceEventID            string
	CanonicalSourceEventID   string
	OccurredAt               time.Time
	PayloadJSON              string
	EventVersion             int
	EventType                EventType
	IsRemoved                bool
	EventFingerprint         string
	CreatedAt                time.Time
}

// InsertParams is the input to Insert.
type InsertParams struct {
	BusinessID             string
	Source                 string
	SourceEventID          string
	CanonicalSourceEventID string // optional; derived from payload if empty
	OccurredAt             time.Time
	Payload                map[string]any
	EventVersion           int
	EventType              EventType
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Insert dedupes on (business_id, source, source_event_id); on conflict it
// returns inserted=false without raising. The
// insert runs inside a SAVEPOINT so a uniqueness violation never poisons an
// enclosing transaction.
func (s *Store) Insert(tx *sql.Tx, p InsertParams) (inserted bool, err error) {
	canonical := p.CanonicalSourceEventID
	if canonical == "" {
		canonical = deriveCanonicalID(p.Payload, p.SourceEventID)
	}

	payloadBytes, err := json.Marshal(p.Payload)
	if err != nil {
		return false, err
	}

	fingerprint := fingerprintEvent(p.BusinessID, p.Source, p.SourceEventID, payloadBytes)
	now := time.Now().UTC()

	ownTx := tx == nil
	if ownTx {
		tx, err = s.db.Begin()
		if err != nil {
			return false, err
		}
		defer func() {
			if err != nil || !inserted {
				_ = tx.Rollback()
			}
		}()
	}

	if _, spErr := tx.Exec(`SAVEPOINT raw_event_insert`); spErr != nil {
		return false, spErr
	}

	_, execErr := tx.Exec(`
		INSERT INTO raw_events (
			id, business_id, source, source_event_id, canonical_source_event_id,
			occurred_at, payload_json, event_version, event_type, is_removed,
			event_fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), p.BusinessID, p.Source, p.SourceEventID, canonical,
		p.OccurredAt.UTC().Format(time.RFC3339Nano), string(payloadBytes), p.EventVersion,
		string(p.EventType), boolToInt(p.EventType == EventRemoved),
		fingerprint, now.Format(time.RFC3339Nano),
	)

	if execErr != nil {
		if isUniqueViolation(execErr) {
			if _, rbErr := tx.Exec(`ROLLBACK TO SAVEPOINT raw_event_insert`); rbErr != nil {
				return false, rbErr
			}
			if _, relErr := tx.Exec(`RELEASE SAVEPOINT raw_event_insert`); relErr != nil {
				return false, relErr
			}
			if ownTx {
				if cErr := tx.Commit(); cErr != nil {
					return false, cErr
				}
			}
			return false, nil
		}
		_, _ = tx.Exec(`ROLLBACK TO SAVEPOINT raw_event_insert`)
		return false, execErr
	}

	if _, relErr := tx.Exec(`RELEASE SAVEPOINT raw_event_insert`); relErr != nil {
		return false, relErr
	}

	if ownTx {
		if cErr := tx.Commit(); cErr != nil {
			return false, cErr
		}
	}
	return true, nil
}

// LatestPerCanonical groups every row for business_id (optionally filtered
// by source) by canonical_source_event_id and returns, per group, the row
// maximizing (event_version, occurred_at, source_event_id) — the projection
// basis for the posted-transaction view.
func (s *Store) LatestPerCanonical(businessID string, source string, includeRemoved bool) ([]RawEvent, error) {
	query := `
		SELECT id, business_id, source, source_event_id, canonical_source_event_id,
		       occurred_at, payload_json, event_version, event_type, is_removed,
		       event_fingerprint, created_at
		FROM raw_events
		WHERE business_id = ?`
	args := []any{businessID}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := map[string]RawEvent{}
	for rows.Next() {
		var e RawEvent
		var occurred, created string
		var isRemoved int
		var eventType string
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Source, &e.SourceEventID, &e.CanonicalSourceEventID,
			&occurred, &e.PayloadJSON, &e.EventVersion, &eventType, &isRemoved, &e.EventFingerprint, &created); err != nil {
			return nil, err
		}
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurred)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.EventType = EventType(eventType)
		e.IsRemoved = isRemoved != 0

		cur, ok := latest[e.CanonicalSourceEventID]
		if !ok || isNewer(e, cur) {
			latest[e.CanonicalSourceEventID] = e
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]RawEvent, 0, len(latest))
	for _, e := range latest {
		if !includeRemoved && e.IsRemoved {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// isNewer reports whether candidate supersedes current under the total
// order (event_version, occurred_at, source_event_id).
func isNewer(candidate, current RawEvent) bool {
	if candidate.EventVersion != current.EventVersion {
		return candidate.EventVersion > current.EventVersion
	}
	if !candidate.OccurredAt.Equal(current.OccurredAt) {
		return candidate.OccurredAt.After(current.OccurredAt)
	}
	return candidate.SourceEventID > current.SourceEventID
}

// deriveCanonicalID implements the fallback chain:
// payload.meta.canonical_source_event_id, then
// payload.transaction.transaction_id, then source_event_id.
func deriveCanonicalID(payload map[string]any, sourceEventID string) string {
	if meta, ok := payload["meta"].(map[string]any); ok {
		if v, ok := meta["canonical_source_event_id"].(string); ok && v != "" {
			return v
		}
	}
	if txn, ok := payload["transaction"].(map[string]any); ok {
		if v, ok := txn["transaction_id"].(string); ok && v != "" {
			return v
		}
	}
	return sourceEventID
}

func fingerprintEvent(businessID, source, sourceEventID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(businessID))
	h.Write([]byte{'|'})
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(sourceEventID))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
