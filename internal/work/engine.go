// Package work derives deterministic triage work items from a case's
// computed state and materializes them idempotently by idempotency key.
package work

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/events"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusSnoozed   Status = "snoozed"
	StatusCompleted Status = "completed"
)

// ItemType enumerates the kinds of triage work a case can generate.
type ItemType string

const (
	TypeSLABreach          ItemType = "SLA_BREACH"
	TypePlanOverdue        ItemType = "PLAN_OVERDUE"
	TypeNoPlan             ItemType = "NO_PLAN"
	TypeHighSeverityTriage ItemType = "HIGH_SEVERITY_TRIAGE"
	TypeReviewDue          ItemType = "REVIEW_DUE"
	TypeUnassignedCase     ItemType = "UNASSIGNED_CASE"
)

// priority is the fixed per-type ordering weight.
var priority = map[ItemType]int{
	TypeSLABreach:          100,
	TypePlanOverdue:        90,
	TypeHighSeverityTriage: 80,
	TypeNoPlan:             70,
	TypeReviewDue:          60,
	TypeUnassignedCase:     50,
}

// ComputedItem is one deterministic work item GenerateWorkItems derives
// before it's diffed against persisted rows.
type ComputedItem struct {
	Type           ItemType
	Priority       int
	DueAt          *time.Time
	IdempotencyKey string
}

// CaseView is the minimal case shape GenerateWorkItems needs, read once by
// the caller (CaseEngine/TickScheduler) and passed in rather than queried
// directly, keeping this package free of a cases import cycle.
type CaseView struct {
	ID                         string
	BusinessID                 string
	Status                     string
	Severity                   string
	AssignedTo                 string
	OpenedAt                   time.Time
	NextReviewAt               *time.Time
	ComputedSLABreached        bool
	ComputedPlanOverdue        bool
	ComputedOpenSignalCount30d int
	ActivePlanCreatedAt        *time.Time
	HasActivePlan              bool
}

// GenerateWorkItems returns the deterministic work item list for a case,
// sorted by (-priority, due_at or +inf, type, idempotency_key).
func GenerateWorkItems(c CaseView, now time.Time) []ComputedItem {
	var items []ComputedItem

	if c.ComputedSLABreached && c.Status != "resolved" {
		items = append(items, ComputedItem{
			Type: TypeSLABreach, Priority: priority[TypeSLABreach],
			DueAt:          &now,
			IdempotencyKey: fmt.Sprintf("%s:SLA_BREACH", c.ID),
		})
	}

	if c.ComputedPlanOverdue {
		due := now
		if c.ActivePlanCreatedAt != nil {
			due = c.ActivePlanCreatedAt.AddDate(0, 0, 14)
		}
		items = append(items, ComputedItem{
			Type: TypePlanOverdue, Priority: priority[TypePlanOverdue],
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%s:PLAN_OVERDUE", c.ID),
		})
	}

	if c.ComputedOpenSignalCount30d >= 1 && !c.HasActivePlan {
		due := c.OpenedAt.AddDate(0, 0, 3)
		items = append(items, ComputedItem{
			Type: TypeNoPlan, Priority: priority[TypeNoPlan],
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%s:NO_PLAN", c.ID),
		})
	}

	if (c.Severity == "high" || c.Severity == "critical") && c.Status == "open" {
		due := c.OpenedAt.AddDate(0, 0, 1)
		items = append(items, ComputedItem{
			Type: TypeHighSeverityTriage, Priority: priority[TypeHighSeverityTriage],
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%s:HIGH_SEVERITY_TRIAGE", c.ID),
		})
	}

	if c.NextReviewAt != nil && !c.NextReviewAt.After(now) {
		items = append(items, ComputedItem{
			Type: TypeReviewDue, Priority: priority[TypeReviewDue],
			DueAt:          c.NextReviewAt,
			IdempotencyKey: fmt.Sprintf("%s:REVIEW_DUE:%s", c.ID, c.NextReviewAt.Format("2006-01-02")),
		})
	}

	if c.AssignedTo == "" && c.Status != "resolved" {
		items = append(items, ComputedItem{
			Type: TypeUnassignedCase, Priority: priority[TypeUnassignedCase],
			DueAt:          nil,
			IdempotencyKey: fmt.Sprintf("%s:UNASSIGNED", c.ID),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		di, dj := dueOrInf(items[i].DueAt), dueOrInf(items[j].DueAt)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].IdempotencyKey < items[j].IdempotencyKey
	})

	return items
}

func dueOrInf(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(1<<62, 0)
	}
	return *t
}

// Engine persists GenerateWorkItems' output, reconciling against existing
// rows by idempotency key.
type Engine struct {
	loadCase func(tx *sql.Tx, caseID string) (CaseView, error)
	log      zerolog.Logger
}

// CaseLoader resolves a CaseView for caseID inside tx, typically backed by
// internal/cases plus a join against plans/health_signal_states.
type CaseLoader func(tx *sql.Tx, caseID string) (CaseView, error)

func NewEngine(loadCase CaseLoader, log zerolog.Logger) *Engine {
	return &Engine{loadCase: loadCase, log: log}
}

// Materialize reconciles GenerateWorkItems' output against the persisted
// work_items rows for a case: inserts new idempotency keys, refreshes
// priority/due_at on open or snoozed rows, leaves completed rows alone, and
// auto-resolves rows no longer in the computed set.
func (e *Engine) Materialize(tx *sql.Tx, audit *events.Writer, caseID string, now time.Time) (created, updated, autoResolved, unchanged int, err error) {
	view, err := e.loadCase(tx, caseID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	computed := GenerateWorkItems(view, now)

	computedKeys := map[string]ComputedItem{}
	for _, c := range computed {
		computedKeys[c.IdempotencyKey] = c
	}

	rows, err := tx.Query(`SELECT id, idempotency_key, status FROM work_items WHERE case_id = ?`, caseID)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	type existingRow struct{ id, key, status string }
	var existing []existingRow
	for rows.Next() {
		var r existingRow
		if err := rows.Scan(&r.id, &r.key, &r.status); err != nil {
			rows.Close()
			return 0, 0, 0, 0, err
		}
		existing = append(existing, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, 0, 0, err
	}

	existingByKey := map[string]existingRow{}
	for _, r := range existing {
		existingByKey[r.key] = r
	}

	nowStr := now.Format(time.RFC3339Nano)

	for _, c := range computed {
		r, ok := existingByKey[c.IdempotencyKey]
		var dueAtVal any
		if c.DueAt != nil {
			dueAtVal = c.DueAt.Format(time.RFC3339Nano)
		}

		if !ok {
			id := uuid.NewString()
			if _, err := tx.Exec(`
				INSERT INTO work_items (id, business_id, case_id, idempotency_key, type, priority, status, due_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?)`,
				id, view.BusinessID, caseID, c.IdempotencyKey, string(c.Type), c.Priority, dueAtVal, nowStr, nowStr); err != nil {
				return created, updated, autoResolved, unchanged, err
			}
			if err := audit.Record(tx, events.Entry{
				BusinessID: view.BusinessID, ChangeType: events.WorkItemCreated,
				EntityType: events.EntityWorkItem, EntityID: id,
				After: map[string]any{"type": c.Type, "case_id": caseID, "idempotency_key": c.IdempotencyKey},
			}); err != nil {
				return created, updated, autoResolved, unchanged, err
			}
			created++
			continue
		}

		if r.status == string(StatusCompleted) {
			unchanged++
			continue
		}

		if _, err := tx.Exec(`UPDATE work_items SET priority = ?, due_at = ?, updated_at = ? WHERE id = ?`,
			c.Priority, dueAtVal, nowStr, r.id); err != nil {
			return created, updated, autoResolved, unchanged, err
		}
		if err := audit.Record(tx, events.Entry{
			BusinessID: view.BusinessID, ChangeType: events.WorkItemUpdated,
			EntityType: events.EntityWorkItem, EntityID: r.id,
			After: map[string]any{"priority": c.Priority},
		}); err != nil {
			return created, updated, autoResolved, unchanged, err
		}
		updated++
	}

	for _, r := range existing {
		if _, stillComputed := computedKeys[r.key]; stillComputed {
			continue
		}
		if r.status != string(StatusOpen) && r.status != string(StatusSnoozed) {
			continue
		}
		if _, err := tx.Exec(`UPDATE work_items SET status = 'completed', resolved_at = ?, updated_at = ? WHERE id = ?`,
			nowStr, nowStr, r.id); err != nil {
			return created, updated, autoResolved, unchanged, err
		}
		if err := audit.Record(tx, events.Entry{
			BusinessID: view.BusinessID, ChangeType: events.WorkItemAutoResolved,
			EntityType: events.EntityWorkItem, EntityID: r.id,
			After: map[string]any{"case_id": caseID},
		}); err != nil {
			return created, updated, autoResolved, unchanged, err
		}
		autoResolved++
	}

	return created, updated, autoResolved, unchanged, nil
}

// Complete transitions a work item to completed, a no-op (no event) if
// already completed.
func (e *Engine) Complete(tx *sql.Tx, audit *events.Writer, businessID, workItemID string, now time.Time) error {
	var status string
	if err := tx.QueryRow(`SELECT status FROM work_items WHERE id = ?`, workItemID).Scan(&status); err != nil {
		return err
	}
	if status == string(StatusCompleted) {
		return nil
	}
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE work_items SET status = 'completed', resolved_at = ?, updated_at = ? WHERE id = ?`,
		nowStr, nowStr, workItemID); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.WorkItemCompleted,
		EntityType: events.EntityWorkItem, EntityID: workItemID,
	})
}

// Snooze pushes a work item's due date out without resolving it.
func (e *Engine) Snooze(tx *sql.Tx, audit *events.Writer, businessID, workItemID string, until, now time.Time) error {
	nowStr := now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE work_items SET status = 'snoozed', snoozed_until = ?, updated_at = ? WHERE id = ?`,
		until.Format(time.RFC3339Nano), nowStr, workItemID); err != nil {
		return err
	}
	return audit.Record(tx, events.Entry{
		BusinessID: businessID, ChangeType: events.WorkItemUpdated,
		EntityType: events.EntityWorkItem, EntityID: workItemID,
		After: map[string]any{"status": "snoozed", "snoozed_until": until},
	})
}
