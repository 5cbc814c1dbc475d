package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const batchSize = 500

// ChangeLogArchiver uploads finished TickRun results and rolled-off
// AuditLog batches to an S3-compatible bucket, so the operational database
// can stay small while still satisfying long-term retention. Each kind
// tracks its own watermark in archive_checkpoints so re-running archives
// only what's new since the last run.
type ChangeLogArchiver struct {
	db     *sql.DB
	client *Client
	log    zerolog.Logger
}

func NewChangeLogArchiver(db *sql.DB, client *Client, log zerolog.Logger) *ChangeLogArchiver {
	return &ChangeLogArchiver{db: db, client: client, log: log}
}

type tickRunRow struct {
	Bucket     string `json:"bucket"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	ResultJSON string `json:"result_json"`
}

// ArchiveTickRuns uploads every finished tick_runs row newer than the last
// checkpoint as its own object, one per (business, bucket).
func (a *ChangeLogArchiver) ArchiveTickRuns(ctx context.Context, businessID string, now time.Time) (int, error) {
	cp, err := loadCheckpoint(a.db, businessID, kindTickRuns)
	if err != nil {
		return 0, err
	}

	rows, err := a.db.Query(`
		SELECT bucket, started_at, finished_at, result_json FROM tick_runs
		WHERE business_id = ? AND finished_at IS NOT NULL
		  AND (started_at > ? OR (started_at = ? AND bucket > ?))
		ORDER BY started_at ASC, bucket ASC
		LIMIT ?`,
		businessID, cp.watermark, cp.watermark, cp.watermarkExtra, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var last tickRunRow
	n := 0
	for rows.Next() {
		var r tickRunRow
		var resultJSON sql.NullString
		if err := rows.Scan(&r.Bucket, &r.StartedAt, &r.FinishedAt, &resultJSON); err != nil {
			return n, err
		}
		r.ResultJSON = resultJSON.String

		body, err := json.Marshal(r)
		if err != nil {
			return n, err
		}
		key := fmt.Sprintf("tick-runs/%s/%s-%s.json", businessID, r.StartedAt, r.Bucket)
		if err := a.client.Upload(ctx, key, body); err != nil {
			return n, err
		}
		last = r
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}

	if n > 0 {
		if err := saveCheckpoint(a.db, businessID, kindTickRuns, last.StartedAt, last.Bucket, now); err != nil {
			return n, err
		}
		a.log.Info().Str("business_id", businessID).Int("count", n).Msg("archived tick runs")
	}
	return n, nil
}

type auditLogRow struct {
	ID          string `json:"id"`
	ChangeType  string `json:"change_type"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	SignalID    string `json:"signal_id,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Severity    string `json:"severity,omitempty"`
	BeforeState string `json:"before_state,omitempty"`
	AfterState  string `json:"after_state,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ArchiveAuditLog uploads audit_log rows older than cutoff, in batches of
// up to batchSize, as gzip-compressed JSON arrays keyed by the batch's
// first and last created_at plus the last row's id. Rows are never deleted from the operational table here;
// retention trimming is a separate, not-yet-built concern.
func (a *ChangeLogArchiver) ArchiveAuditLog(ctx context.Context, businessID string, cutoff, now time.Time) (int, error) {
	cp, err := loadCheckpoint(a.db, businessID, kindAuditLog)
	if err != nil {
		return 0, err
	}

	rows, err := a.db.Query(`
		SELECT id, change_type, entity_type, entity_id,
		       COALESCE(signal_id, ''), COALESCE(domain, ''), COALESCE(severity, ''),
		       COALESCE(before_state, ''), COALESCE(after_state, ''), created_at
		FROM audit_log
		WHERE business_id = ? AND created_at < ?
		  AND (created_at > ? OR (created_at = ? AND id > ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		businessID, cutoff.Format(time.RFC3339Nano), cp.watermark, cp.watermark, cp.watermarkExtra, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var batch []auditLogRow
	for rows.Next() {
		var r auditLogRow
		if err := rows.Scan(&r.ID, &r.ChangeType, &r.EntityType, &r.EntityID,
			&r.SignalID, &r.Domain, &r.Severity, &r.BeforeState, &r.AfterState, &r.CreatedAt); err != nil {
			return 0, err
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	body, err := gzipJSON(batch)
	if err != nil {
		return 0, err
	}
	first, last := batch[0], batch[len(batch)-1]
	key := fmt.Sprintf("audit-log/%s/%s_%s-%s.json.gz", businessID, first.CreatedAt, last.CreatedAt, last.ID)
	if err := a.client.Upload(ctx, key, body); err != nil {
		return 0, err
	}

	if err := saveCheckpoint(a.db, businessID, kindAuditLog, last.CreatedAt, last.ID, now); err != nil {
		return len(batch), err
	}
	a.log.Info().Str("business_id", businessID).Int("count", len(batch)).Msg("archived audit log batch")
	return len(batch), nil
}

func gzipJSON(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
