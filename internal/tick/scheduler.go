package tick

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/cases"
	"github.com/aristath/finpulse/internal/events"
)

// CaseCandidate is the minimal shape TickScheduler needs per case.
type CaseCandidate struct {
	ID             string
	SeverityRank   int
	LastActivityAt time.Time
	OpenedAt       time.Time
}

// WorkMaterializer is the narrow seam onto WorkEngine.Materialize.
type WorkMaterializer interface {
	Materialize(tx *sql.Tx, audit *events.Writer, caseID string, now time.Time) (created, updated, autoResolved, unchanged int, err error)
}

// PulseRunner is the narrow seam onto the monitor package's Pulse.
type PulseRunner interface {
	Pulse(businessID string, now time.Time, forceRun bool) error
}

// ArchiveRunner is the narrow seam onto the archive package's
// ChangeLogArchiver. A nil ArchiveRunner disables the archive job entirely
// (no bucket configured).
type ArchiveRunner interface {
	ArchiveTickRuns(ctx context.Context, businessID string, now time.Time) (int, error)
	ArchiveAuditLog(ctx context.Context, businessID string, cutoff, now time.Time) (int, error)
}

// Result mirrors the result_json stored on a TickRun.
type Result struct {
	CasesProcessed         int            `json:"cases_processed"`
	CasesRecomputeChanged  int            `json:"cases_recompute_changed"`
	CasesRecomputeApplied  int            `json:"cases_recompute_applied"`
	WorkItemsCreated       int            `json:"work_items_created"`
	WorkItemsUpdated       int            `json:"work_items_updated"`
	WorkItemsAutoResolved  int            `json:"work_items_auto_resolved"`
	WorkItemsUnchanged     int            `json:"work_items_unchanged"`
	Errors                 []string       `json:"errors,omitempty"`
	StartedAt              time.Time      `json:"started_at"`
	FinishedAt             time.Time      `json:"finished_at"`
}

// Scheduler is TickScheduler: RunTick for one business/bucket, plus the
// cron-driven fan-out across every business via the adapted job engine.
type Scheduler struct {
	db            *sql.DB
	caseEng       *cases.Engine
	work          WorkMaterializer
	pulse         PulseRunner
	archiver      ArchiveRunner
	retentionDays int
	audit         *events.Writer
	log           zerolog.Logger

	registry  *Registry
	cache     *Cache
	processor *Processor
	cron      *cron.Cron
}

func NewScheduler(db *sql.DB, caseEng *cases.Engine, work WorkMaterializer, pulse PulseRunner, archiver ArchiveRunner, retentionDays int, audit *events.Writer, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		db: db, caseEng: caseEng, work: work, pulse: pulse,
		archiver: archiver, retentionDays: retentionDays,
		audit: audit, log: log,
		registry: NewRegistry(),
		cache:    NewCache(db),
	}
	s.processor = NewProcessor(s.registry, s.cache, log)
	s.registerJobs()
	return s
}

// registerJobs wires the two-stage per-business pipeline: pulse must run
// before tick for the same business, using DependsOn to scope the
// ordering per subject rather than globally.
func (s *Scheduler) registerJobs() {
	s.registry.Register(&JobType{
		ID:       "pulse:run",
		Priority: 10,
		FindSubjects: func() []string {
			ids, err := s.dueBusinesses()
			if err != nil {
				s.log.Error().Err(err).Msg("failed to list businesses for pulse")
				return nil
			}
			return ids
		},
		Execute: func(businessID string) error {
			return s.pulse.Pulse(businessID, time.Now().UTC(), false)
		},
	})

	s.registry.Register(&JobType{
		ID:        "tick:run",
		DependsOn: []string{"pulse:run"},
		Priority:  5,
		FindSubjects: func() []string {
			ids, err := s.dueBusinesses()
			if err != nil {
				s.log.Error().Err(err).Msg("failed to list businesses for tick")
				return nil
			}
			return ids
		},
		Execute: func(businessID string) error {
			bucket := time.Now().UTC().Format("2006-01-02")
			_, err := s.RunTick(businessID, bucket, true, true, 0)
			return err
		},
	})

	if s.archiver == nil {
		return
	}

	s.registry.Register(&JobType{
		ID:        "archive:run",
		DependsOn: []string{"tick:run"},
		Priority:  1,
		FindSubjects: func() []string {
			ids, err := s.dueBusinesses()
			if err != nil {
				s.log.Error().Err(err).Msg("failed to list businesses for archive")
				return nil
			}
			return ids
		},
		Execute: func(businessID string) error {
			return s.archiveBusiness(businessID)
		},
	})
}

// archiveBusiness uploads newly finished tick runs and rolls off audit log
// rows older than retentionDays for businessID.
func (s *Scheduler) archiveBusiness(businessID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if _, err := s.archiver.ArchiveTickRuns(ctx, businessID, now); err != nil {
		return err
	}

	cutoff := now.AddDate(0, 0, -s.retentionDays)
	_, err := s.archiver.ArchiveAuditLog(ctx, businessID, cutoff, now)
	return err
}

func (s *Scheduler) dueBusinesses() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM businesses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Start registers the cron schedule (a standard five-field expression from
// config) and begins firing RunOnce on each tick. The tick:run job always
// uses a daily (YYYY-MM-DD) bucket.
func (s *Scheduler) Start(cronExpr string) error {
	c := cron.New()
	if _, err := c.AddFunc(cronExpr, s.processor.RunOnce); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// RunTick runs exactly once per (business_id,
// bucket), idempotent, never aborts the whole run on a single case's error.
func (s *Scheduler) RunTick(businessID, bucket string, applyRecompute, materializeWork bool, limitCases int) (Result, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	existing, err := adoptOrStartRun(tx, businessID, bucket)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return Result{}, err
		}
		return *existing, nil
	}

	startedAt := time.Now().UTC()
	result := Result{StartedAt: startedAt}

	candidates, err := s.candidateCases(tx, businessID)
	if err != nil {
		return Result{}, err
	}
	if limitCases > 0 && len(candidates) > limitCases {
		candidates = candidates[:limitCases]
	}

	for _, c := range candidates {
		result.CasesProcessed++
		if err := s.processCase(tx, businessID, c.ID, applyRecompute, materializeWork, &result, startedAt); err != nil {
			result.Errors = append(result.Errors, c.ID+": "+err.Error())
		}
	}

	result.FinishedAt = time.Now().UTC()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Result{}, err
	}

	if _, err := tx.Exec(`UPDATE tick_runs SET finished_at = ?, result_json = ? WHERE business_id = ? AND bucket = ?`,
		result.FinishedAt.Format(time.RFC3339Nano), string(resultJSON), businessID, bucket); err != nil {
		return Result{}, err
	}

	return result, tx.Commit()
}

func (s *Scheduler) processCase(tx *sql.Tx, businessID, caseID string, applyRecompute, materializeWork bool, result *Result, now time.Time) error {
	_, diff, err := s.caseEng.RecomputeCase(tx, s.audit, caseID, applyRecompute, now)
	if err != nil {
		return err
	}
	if len(diff) > 0 {
		result.CasesRecomputeChanged++
		if applyRecompute {
			result.CasesRecomputeApplied++
		}
	}

	if materializeWork {
		created, updated, autoResolved, unchanged, err := s.work.Materialize(tx, s.audit, caseID, now)
		if err != nil {
			return err
		}
		result.WorkItemsCreated += created
		result.WorkItemsUpdated += updated
		result.WorkItemsAutoResolved += autoResolved
		result.WorkItemsUnchanged += unchanged
	}

	return nil
}

func (s *Scheduler) candidateCases(tx *sql.Tx, businessID string) ([]CaseCandidate, error) {
	rows, err := tx.Query(`
		SELECT id, severity, last_activity_at, opened_at FROM cases
		WHERE business_id = ? AND status IN ('open','monitoring','escalated')`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaseCandidate
	for rows.Next() {
		var id, severity, lastActivityAt, openedAt string
		if err := rows.Scan(&id, &severity, &lastActivityAt, &openedAt); err != nil {
			return nil, err
		}
		c := CaseCandidate{ID: id, SeverityRank: severityRank[severity]}
		c.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivityAt)
		c.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SeverityRank != out[j].SeverityRank {
			return out[i].SeverityRank > out[j].SeverityRank
		}
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// adoptOrStartRun implements the uniqueness/adoption contract: if a
// finished run exists, its result is returned; if an unfinished row
// exists, it is adopted (nil, nil is returned) and the caller runs the tick
// and finishes that row; on a race-inserted row, the unique constraint makes one writer win and
// the other re-fetches.
func adoptOrStartRun(tx *sql.Tx, businessID, bucket string) (*Result, error) {
	var finishedAt sql.NullString
	var resultJSON sql.NullString
	err := tx.QueryRow(`SELECT finished_at, result_json FROM tick_runs WHERE business_id = ? AND bucket = ?`, businessID, bucket).
		Scan(&finishedAt, &resultJSON)
	if err == nil {
		if finishedAt.Valid && resultJSON.Valid {
			var r Result
			if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
				return nil, err
			}
			return &r, nil
		}
		// unfinished row exists: adopt it, caller proceeds to finish it.
		return nil, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	nowStr := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(`INSERT INTO tick_runs (business_id, bucket, started_at) VALUES (?, ?, ?)`, businessID, bucket, nowStr)
	if err != nil {
		if isUniqueViolation(err) {
			// lost the race: re-fetch, adopt the winner's row.
			return adoptOrStartRun(tx, businessID, bucket)
		}
		return nil, err
	}
	return nil, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}
