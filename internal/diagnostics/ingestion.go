package diagnostics

import (
	"database/sql"
	"time"
)

// IngestionStatus is the GET /api/diagnostics/ingestion/{id} response shape:
// a summary of how far the raw-event pipeline has gotten for one business.
type IngestionStatus struct {
	BusinessID     string        `json:"business_id"`
	TotalRawEvents int           `json:"total_raw_events"`
	BySource       []SourceCount `json:"by_source"`
	ByStatus       []StatusCount `json:"by_status"`
	RecentErrors   []IngestError `json:"recent_errors"`
	LatestEventAt  *time.Time    `json:"latest_event_at,omitempty"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type IngestError struct {
	SourceEventID string `json:"source_event_id"`
	ErrorCode     string `json:"error_code"`
	ErrorDetail   string `json:"error_detail"`
	UpdatedAt     string `json:"updated_at"`
}

const maxRecentErrors = 20

// Ingestion reports per-source raw_events volume, per-status
// processing_event_states counts, and the most recent processing errors for
// businessID.
func (r *Reporter) Ingestion(businessID string, now time.Time) (IngestionStatus, error) {
	db := r.db.Conn()
	status := IngestionStatus{BusinessID: businessID, GeneratedAt: now}

	if err := db.QueryRow(`SELECT COUNT(*) FROM raw_events WHERE business_id = ?`, businessID).Scan(&status.TotalRawEvents); err != nil {
		return status, err
	}

	bySource, err := querySourceCounts(db, businessID)
	if err != nil {
		return status, err
	}
	status.BySource = bySource

	byStatus, err := queryStatusCounts(db, businessID)
	if err != nil {
		return status, err
	}
	status.ByStatus = byStatus

	errs, err := queryRecentErrors(db, businessID)
	if err != nil {
		return status, err
	}
	status.RecentErrors = errs

	var latest sql.NullString
	if err := db.QueryRow(`SELECT MAX(occurred_at) FROM raw_events WHERE business_id = ?`, businessID).Scan(&latest); err != nil {
		return status, err
	}
	if latest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, latest.String); err == nil {
			status.LatestEventAt = &t
		}
	}

	return status, nil
}

func querySourceCounts(db *sql.DB, businessID string) ([]SourceCount, error) {
	rows, err := db.Query(`
		SELECT source, COUNT(*) FROM raw_events
		WHERE business_id = ? GROUP BY source ORDER BY source`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceCount
	for rows.Next() {
		var c SourceCount
		if err := rows.Scan(&c.Source, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryStatusCounts(db *sql.DB, businessID string) ([]StatusCount, error) {
	rows, err := db.Query(`
		SELECT status, COUNT(*) FROM processing_event_states
		WHERE business_id = ? GROUP BY status ORDER BY status`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryRecentErrors(db *sql.DB, businessID string) ([]IngestError, error) {
	rows, err := db.Query(`
		SELECT source_event_id, COALESCE(error_code, ''), COALESCE(error_detail, ''), updated_at
		FROM processing_event_states
		WHERE business_id = ? AND status = 'error'
		ORDER BY updated_at DESC
		LIMIT ?`, businessID, maxRecentErrors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestError
	for rows.Next() {
		var e IngestError
		if err := rows.Scan(&e.SourceEventID, &e.ErrorCode, &e.ErrorDetail, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
