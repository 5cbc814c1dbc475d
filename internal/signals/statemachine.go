package signals

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
)

// NewDBTransitionLookup builds the TransitionLookup Engine needs for
// hygiene.signal_flapping: for every signal currently known to businessID,
// count its status transitions over the trailing 30 days.
func NewDBTransitionLookup(db *sql.DB) TransitionLookup {
	return func(businessID string) (map[string]int, error) {
		rows, err := db.Query(`SELECT signal_id FROM health_signal_states WHERE business_id = ?`, businessID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var signalIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			signalIDs = append(signalIDs, id)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		out := map[string]int{}
		for _, id := range signalIDs {
			count, err := events.CountSignalTransitions(db, businessID, id, 30)
			if err != nil {
				return nil, err
			}
			if count > 0 {
				out[id] = count
			}
		}
		return out, nil
	}
}

// PersistedState mirrors one health_signal_states row.
type PersistedState struct {
	BusinessID  string
	SignalID    string
	SignalType  string
	Fingerprint string
	Status      string // open|in_progress|resolved|ignored
	Severity    Severity
	Title       string
	Summary     string
	PayloadJSON string
	DetectedAt  time.Time
	LastSeenAt  time.Time
	ResolvedAt  *time.Time
}

const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusIgnored    = "ignored"
)

// StateMachine owns the open/in_progress/resolved/ignored lifecycle of
// persisted signals and the cooldown gate around re-running detectors.
type StateMachine struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStateMachine(db *sql.DB, log zerolog.Logger) *StateMachine {
	return &StateMachine{db: db, log: log}
}

// ShouldSkip implements the cooldown gate: Reconcile is skipped when the
// newest event cursor is unchanged from the last persisted cursor and fewer
// than 10 minutes have passed since the last pulse, unless forceRun is set.
func (s *StateMachine) ShouldSkip(lastCursor, newCursor string, lastPulseAt, now time.Time, forceRun bool) bool {
	if forceRun {
		return false
	}
	if lastCursor != newCursor {
		return false
	}
	return now.Sub(lastPulseAt) < 10*time.Minute
}

// Reconcile upserts detected signals and resolves previously-open signals
// that were not re-detected, inside a caller-supplied transaction so the
// audit trail commits atomically with the state rows.
func (s *StateMachine) Reconcile(tx *sql.Tx, audit *events.Writer, businessID string, detected []DetectedSignal, now time.Time) error {
	seen := map[string]bool{}
	for _, d := range detected {
		seen[d.SignalID] = true
		if err := s.upsert(tx, audit, businessID, d, now); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT signal_id, status FROM health_signal_states WHERE business_id = ?`, businessID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var toResolve []string
	for rows.Next() {
		var signalID, status string
		if err := rows.Scan(&signalID, &status); err != nil {
			return err
		}
		if seen[signalID] {
			continue
		}
		if status == StatusOpen || status == StatusInProgress {
			toResolve = append(toResolve, signalID)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, signalID := range toResolve {
		if err := s.resolve(tx, audit, businessID, signalID, now); err != nil {
			return err
		}
	}

	return nil
}

func (s *StateMachine) upsert(tx *sql.Tx, audit *events.Writer, businessID string, d DetectedSignal, now time.Time) error {
	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return err
	}

	var existingStatus string
	err = tx.QueryRow(`SELECT status FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, d.SignalID).Scan(&existingStatus)

	nowStr := now.Format(time.RFC3339Nano)

	if err == sql.ErrNoRows {
		_, err = tx.Exec(`
			INSERT INTO health_signal_states
				(business_id, signal_id, signal_type, fingerprint, status, severity, title, summary, payload_json, detected_at, last_seen_at, resolved_at, updated_at)
			VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, ?, NULL, ?)`,
			businessID, d.SignalID, d.SignalType, d.Fingerprint, string(d.Severity), d.Title, d.Summary, string(payloadJSON), nowStr, nowStr, nowStr)
		if err != nil {
			return err
		}
		return audit.Record(tx, events.Entry{
			BusinessID: businessID,
			ChangeType: events.SignalDetected,
			EntityType: events.EntitySignal,
			EntityID:   d.SignalID,
			SignalID:   d.SignalID,
			Severity:   string(d.Severity),
			After:      map[string]any{"status": StatusOpen, "severity": d.Severity, "title": d.Title},
		})
	}
	if err != nil {
		return err
	}

	newStatus := existingStatus
	var resolvedAt any = nil
	if existingStatus == StatusResolved {
		newStatus = StatusOpen
	}
	// ignored stays ignored.

	_, err = tx.Exec(`
		UPDATE health_signal_states SET
			severity = ?, title = ?, summary = ?, payload_json = ?, last_seen_at = ?, status = ?, resolved_at = ?, updated_at = ?
		WHERE business_id = ? AND signal_id = ?`,
		string(d.Severity), d.Title, d.Summary, string(payloadJSON), nowStr, newStatus, resolvedAt, nowStr, businessID, d.SignalID)
	if err != nil {
		return err
	}

	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.SignalUpdated,
		EntityType: events.EntitySignal,
		EntityID:   d.SignalID,
		SignalID:   d.SignalID,
		Severity:   string(d.Severity),
		Before:     map[string]any{"status": existingStatus},
		After:      map[string]any{"status": newStatus, "severity": d.Severity, "title": d.Title},
	})
}

func (s *StateMachine) resolve(tx *sql.Tx, audit *events.Writer, businessID, signalID string, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	_, err := tx.Exec(`
		UPDATE health_signal_states SET status = 'resolved', resolved_at = ?, updated_at = ?
		WHERE business_id = ? AND signal_id = ?`,
		nowStr, nowStr, businessID, signalID)
	if err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.SignalResolved,
		EntityType: events.EntitySignal,
		EntityID:   signalID,
		SignalID:   signalID,
		Before:     map[string]any{"status": "open_or_in_progress"},
		After:      map[string]any{"status": StatusResolved},
	})
}

// UpdateStatus is the user-driven transition; note is free text attached to
// the audit entry only, not persisted on the row.
func (s *StateMachine) UpdateStatus(tx *sql.Tx, audit *events.Writer, businessID, signalID, status, note string, now time.Time) error {
	var existingStatus string
	if err := tx.QueryRow(`SELECT status FROM health_signal_states WHERE business_id = ? AND signal_id = ?`,
		businessID, signalID).Scan(&existingStatus); err != nil {
		return err
	}

	nowStr := now.Format(time.RFC3339Nano)
	var resolvedAt any = nil
	if status == StatusResolved {
		resolvedAt = nowStr
	}

	_, err := tx.Exec(`
		UPDATE health_signal_states SET status = ?, resolved_at = ?, updated_at = ?
		WHERE business_id = ? AND signal_id = ?`,
		status, resolvedAt, nowStr, businessID, signalID)
	if err != nil {
		return err
	}

	return audit.Record(tx, events.Entry{
		BusinessID: businessID,
		ChangeType: events.SignalStatusChanged,
		EntityType: events.EntitySignal,
		EntityID:   signalID,
		SignalID:   signalID,
		Before:     map[string]any{"status": existingStatus},
		After:      map[string]any{"status": status, "note": note},
	})
}
