// Package monitor implements the Pulse coordinator: it gates detector runs
// on a cached event cursor, and persists that cursor plus the last-pulse
// timestamp per business as an opaque msgpack blob.
package monitor

import (
	"database/sql"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// RuntimeState is the cached cursor Pulse uses to decide whether a new
// detector run is warranted.
type RuntimeState struct {
	CursorID        string    `msgpack:"cursor_id"`
	CursorCreatedAt time.Time `msgpack:"cursor_created_at"`
	LastPulseAt     time.Time `msgpack:"last_pulse_at"`
	SignalsDetected int       `msgpack:"signals_detected"`
}

// Runtime persists RuntimeState to monitor_runtime, one row per business.
type Runtime struct {
	db *sql.DB
}

func NewRuntime(db *sql.DB) *Runtime {
	return &Runtime{db: db}
}

// Load returns the cached state for businessID, or found=false if none
// exists yet.
func (r *Runtime) Load(businessID string) (RuntimeState, bool, error) {
	var blob []byte
	err := r.db.QueryRow(`SELECT state_blob FROM monitor_runtime WHERE business_id = ?`, businessID).Scan(&blob)
	if err == sql.ErrNoRows {
		return RuntimeState{}, false, nil
	}
	if err != nil {
		return RuntimeState{}, false, err
	}
	var state RuntimeState
	if err := msgpack.Unmarshal(blob, &state); err != nil {
		return RuntimeState{}, false, err
	}
	return state, true, nil
}

// Save upserts the cached state for businessID.
func (r *Runtime) Save(businessID string, state RuntimeState, now time.Time) error {
	blob, err := msgpack.Marshal(state)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO monitor_runtime (business_id, state_blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(business_id) DO UPDATE SET state_blob = excluded.state_blob, updated_at = excluded.updated_at`,
		businessID, blob, now.Format(time.RFC3339Nano))
	return err
}
