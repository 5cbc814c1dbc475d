package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/work"
)

type WorkHandlers struct {
	db    *sql.DB
	eng   *work.Engine
	audit *events.Writer
	log   zerolog.Logger
}

func NewWorkHandlers(db *sql.DB, eng *work.Engine, audit *events.Writer, log zerolog.Logger) *WorkHandlers {
	return &WorkHandlers{db: db, eng: eng, audit: audit, log: log.With().Str("component", "work_handlers").Logger()}
}

func (h *WorkHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/work", h.list)
	r.Post("/work/materialize", h.materialize)
	r.Post("/work/{id}/complete", h.complete)
	r.Post("/work/{id}/snooze", h.snooze)
}

type workItemRow struct {
	ID             string  `json:"id"`
	BusinessID     string  `json:"business_id"`
	CaseID         string  `json:"case_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Type           string  `json:"type"`
	Priority       int     `json:"priority"`
	Status         string  `json:"status"`
	DueAt          *string `json:"due_at,omitempty"`
	SnoozedUntil   *string `json:"snoozed_until,omitempty"`
	ResolvedAt     *string `json:"resolved_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func (h *WorkHandlers) list(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	query := `SELECT id, business_id, case_id, idempotency_key, type, priority, status, due_at, snoozed_until, resolved_at, created_at, updated_at
		FROM work_items WHERE business_id = ?`
	args := []any{businessID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := h.db.Query(query, args...)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []workItemRow
	for rows.Next() {
		var i workItemRow
		var dueAt, snoozedUntil, resolvedAt sql.NullString
		if err := rows.Scan(&i.ID, &i.BusinessID, &i.CaseID, &i.IdempotencyKey, &i.Type, &i.Priority, &i.Status,
			&dueAt, &snoozedUntil, &resolvedAt, &i.CreatedAt, &i.UpdatedAt); err != nil {
			writeError(w, err)
			return
		}
		if dueAt.Valid {
			i.DueAt = &dueAt.String
		}
		if snoozedUntil.Valid {
			i.SnoozedUntil = &snoozedUntil.String
		}
		if resolvedAt.Valid {
			i.ResolvedAt = &resolvedAt.String
		}
		out = append(out, i)
	}
	writeJSON(w, http.StatusOK, out)
}

type materializeWorkRequest struct {
	CaseID string `json:"case_id"`
}

func (h *WorkHandlers) materialize(w http.ResponseWriter, r *http.Request) {
	var req materializeWorkRequest
	if err := decodeJSON(r, &req); err != nil || req.CaseID == "" {
		writeError(w, apperr.Validation("case_id is required"))
		return
	}
	var created, updated, autoResolved, unchanged int
	err := h.withTxErr(func(tx *sql.Tx) error {
		var err error
		created, updated, autoResolved, unchanged, err = h.eng.Materialize(tx, h.audit, req.CaseID, time.Now().UTC())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"created":       created,
		"updated":       updated,
		"auto_resolved": autoResolved,
		"unchanged":     unchanged,
	})
}

type completeWorkRequest struct {
	BusinessID string `json:"business_id"`
}

func (h *WorkHandlers) complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeWorkRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Complete(tx, h.audit, req.BusinessID, id, time.Now().UTC())
	})
}

type snoozeWorkRequest struct {
	BusinessID string    `json:"business_id"`
	Until      time.Time `json:"until"`
}

func (h *WorkHandlers) snooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req snoozeWorkRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Until.IsZero() {
		writeError(w, apperr.Validation("business_id and until are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Snooze(tx, h.audit, req.BusinessID, id, req.Until, time.Now().UTC())
	})
}

func (h *WorkHandlers) withTx(w http.ResponseWriter, fn func(tx *sql.Tx) error) {
	if err := h.withTxErr(fn); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WorkHandlers) withTxErr(fn func(tx *sql.Tx) error) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
