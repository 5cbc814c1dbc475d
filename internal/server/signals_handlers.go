package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/signals"
)

type SignalHandlers struct {
	db    *sql.DB
	sm    *signals.StateMachine
	audit *events.Writer
	log   zerolog.Logger
}

func NewSignalHandlers(db *sql.DB, audit *events.Writer, log zerolog.Logger) *SignalHandlers {
	return &SignalHandlers{db: db, sm: signals.NewStateMachine(db, log), audit: audit, log: log.With().Str("component", "signal_handlers").Logger()}
}

func (h *SignalHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/signals", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}/explain", h.explain)
		r.Post("/{id}/status", h.updateStatus)
	})
}

type signalRow struct {
	BusinessID  string  `json:"business_id"`
	SignalID    string  `json:"signal_id"`
	SignalType  string  `json:"signal_type"`
	Status      string  `json:"status"`
	Severity    string  `json:"severity"`
	Title       string  `json:"title"`
	Summary     string  `json:"summary"`
	DetectedAt  string  `json:"detected_at"`
	LastSeenAt  string  `json:"last_seen_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

func (h *SignalHandlers) list(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	query := `SELECT business_id, signal_id, signal_type, status, severity, title, summary, detected_at, last_seen_at, resolved_at
		FROM health_signal_states WHERE business_id = ?`
	args := []any{businessID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := h.db.Query(query, args...)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []signalRow
	for rows.Next() {
		var s signalRow
		var resolvedAt sql.NullString
		if err := rows.Scan(&s.BusinessID, &s.SignalID, &s.SignalType, &s.Status, &s.Severity, &s.Title, &s.Summary, &s.DetectedAt, &s.LastSeenAt, &resolvedAt); err != nil {
			writeError(w, err)
			return
		}
		if resolvedAt.Valid {
			s.ResolvedAt = &resolvedAt.String
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// explain returns a signal's audit timeline: the audit_log rows recorded
// against it within the last year, taken from the business's newest 1000
// rows, newest first.
func (h *SignalHandlers) explain(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	rowsAll, err := events.ListWindow(h.db, businessID, 24*365, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	var filtered []events.Row
	for _, row := range rowsAll {
		if row.SignalID == signalID {
			filtered = append(filtered, row)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_id": signalID, "timeline": filtered})
}

type updateSignalStatusRequest struct {
	BusinessID string `json:"business_id"`
	Status     string `json:"status"`
	Note       string `json:"note"`
}

func (h *SignalHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")
	var req updateSignalStatusRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Status == "" {
		writeError(w, apperr.Validation("business_id and status are required"))
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		writeError(w, err)
		return
	}
	defer tx.Rollback()

	if err := h.sm.UpdateStatus(tx, h.audit, req.BusinessID, signalID, req.Status, req.Note, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
