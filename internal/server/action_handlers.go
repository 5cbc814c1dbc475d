package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/actions"
	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/events"
)

type ActionHandlers struct {
	db    *sql.DB
	eng   *actions.Engine
	audit *events.Writer
	log   zerolog.Logger
}

func NewActionHandlers(db *sql.DB, eng *actions.Engine, audit *events.Writer, log zerolog.Logger) *ActionHandlers {
	return &ActionHandlers{db: db, eng: eng, audit: audit, log: log.With().Str("component", "action_handlers").Logger()}
}

func (h *ActionHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/actions/{business_id}", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/refresh", h.refresh)
		r.Post("/{id}/resolve", h.resolve)
		r.Post("/{id}/snooze", h.snooze)
		r.Post("/{id}/assign", h.assign)
	})
}

type actionRow struct {
	ID               string  `json:"id"`
	BusinessID       string  `json:"business_id"`
	ActionType       string  `json:"action_type"`
	Title            string  `json:"title"`
	Summary          string  `json:"summary"`
	Priority         int     `json:"priority"`
	Status           string  `json:"status"`
	SourceSignalID   *string `json:"source_signal_id,omitempty"`
	AssignedTo       *string `json:"assigned_to,omitempty"`
	ResolvedAt       *string `json:"resolved_at,omitempty"`
	ResolutionReason *string `json:"resolution_reason,omitempty"`
	SnoozedUntil     *string `json:"snoozed_until,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func (h *ActionHandlers) list(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	query := `SELECT id, business_id, action_type, title, summary, priority, status, source_signal_id,
		assigned_to, resolved_at, resolution_reason, snoozed_until, created_at, updated_at
		FROM action_items WHERE business_id = ?`
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

	var out []actionRow
	for rows.Next() {
		var a actionRow
		var sourceSignalID, assignedTo, resolvedAt, resolutionReason, snoozedUntil sql.NullString
		if err := rows.Scan(&a.ID, &a.BusinessID, &a.ActionType, &a.Title, &a.Summary, &a.Priority, &a.Status,
			&sourceSignalID, &assignedTo, &resolvedAt, &resolutionReason, &snoozedUntil, &a.CreatedAt, &a.UpdatedAt); err != nil {
			writeError(w, err)
			return
		}
		if sourceSignalID.Valid {
			a.SourceSignalID = &sourceSignalID.String
		}
		if assignedTo.Valid {
			a.AssignedTo = &assignedTo.String
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.String
		}
		if resolutionReason.Valid {
			a.ResolutionReason = &resolutionReason.String
		}
		if snoozedUntil.Valid {
			a.SnoozedUntil = &snoozedUntil.String
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ActionHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	result, err := h.eng.Generate(businessID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resolveActionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

func (h *ActionHandlers) resolve(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	actionID := chi.URLParam(r, "id")
	var req resolveActionRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeError(w, apperr.Validation("status is required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Resolve(tx, h.audit, businessID, actionID, req.Status, req.Reason, req.Note, time.Now().UTC())
	})
}

type snoozeActionRequest struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

func (h *ActionHandlers) snooze(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	actionID := chi.URLParam(r, "id")
	var req snoozeActionRequest
	if err := decodeJSON(r, &req); err != nil || req.Until.IsZero() {
		writeError(w, apperr.Validation("until is required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Snooze(tx, h.audit, businessID, actionID, req.Until, req.Reason, time.Now().UTC())
	})
}

type assignActionRequest struct {
	UserID string `json:"user_id"`
}

func (h *ActionHandlers) assign(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")
	actionID := chi.URLParam(r, "id")
	var req assignActionRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeError(w, apperr.Validation("user_id is required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Assign(tx, h.audit, businessID, actionID, req.UserID, time.Now().UTC())
	})
}

func (h *ActionHandlers) withTx(w http.ResponseWriter, fn func(tx *sql.Tx) error) {
	tx, err := h.db.Begin()
	if err != nil {
		writeError(w, err)
		return
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		writeError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
