package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/cases"
	"github.com/aristath/finpulse/internal/events"
)

type CaseHandlers struct {
	db    *sql.DB
	eng   *cases.Engine
	audit *events.Writer
	log   zerolog.Logger
}

func NewCaseHandlers(db *sql.DB, eng *cases.Engine, audit *events.Writer, log zerolog.Logger) *CaseHandlers {
	return &CaseHandlers{db: db, eng: eng, audit: audit, log: log.With().Str("component", "case_handlers").Logger()}
}

func (h *CaseHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/cases", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/timeline", h.timeline)
		r.Post("/{id}/status", h.changeStatus)
		r.Post("/{id}/note", h.addNote)
		r.Post("/{id}/attach-ledger-anchor", h.attachAnchor)
		r.Post("/{id}/detach-ledger-anchor", h.detachAnchor)
	})
}

func (h *CaseHandlers) list(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	query := `SELECT id, business_id, domain, status, COALESCE(primary_signal_type, ''), severity, opened_at,
		last_activity_at, closed_at, assigned_to, next_review_at
		FROM cases WHERE business_id = ?`
	args := []any{businessID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := h.db.Query(query, args...)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	var out []caseSummary
	for rows.Next() {
		c, err := scanCaseSummary(rows)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

type caseSummary struct {
	ID                string  `json:"id"`
	BusinessID        string  `json:"business_id"`
	Domain            string  `json:"domain"`
	Status            string  `json:"status"`
	PrimarySignalType string  `json:"primary_signal_type,omitempty"`
	Severity          string  `json:"severity"`
	OpenedAt          string  `json:"opened_at"`
	LastActivityAt    string  `json:"last_activity_at"`
	ClosedAt          *string `json:"closed_at,omitempty"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	NextReviewAt      *string `json:"next_review_at,omitempty"`
}

func scanCaseSummary(rows *sql.Rows) (caseSummary, error) {
	var c caseSummary
	var closedAt, assignedTo, nextReviewAt sql.NullString
	if err := rows.Scan(&c.ID, &c.BusinessID, &c.Domain, &c.Status, &c.PrimarySignalType, &c.Severity,
		&c.OpenedAt, &c.LastActivityAt, &closedAt, &assignedTo, &nextReviewAt); err != nil {
		return c, err
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.String
	}
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	if nextReviewAt.Valid {
		c.NextReviewAt = &nextReviewAt.String
	}
	return c, nil
}

func (h *CaseHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row := h.db.QueryRow(`SELECT id, business_id, domain, status, COALESCE(primary_signal_type, ''), severity, opened_at,
		last_activity_at, closed_at, assigned_to, next_review_at FROM cases WHERE id = ?`, id)
	var c caseSummary
	var closedAt, assignedTo, nextReviewAt sql.NullString
	if err := row.Scan(&c.ID, &c.BusinessID, &c.Domain, &c.Status, &c.PrimarySignalType, &c.Severity,
		&c.OpenedAt, &c.LastActivityAt, &closedAt, &assignedTo, &nextReviewAt); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, apperr.NotFound("case not found"))
			return
		}
		writeError(w, err)
		return
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.String
	}
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}
	if nextReviewAt.Valid {
		c.NextReviewAt = &nextReviewAt.String
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CaseHandlers) timeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := h.db.Query(`SELECT id, business_id, case_id, event_type, COALESCE(payload_json, ''), created_at
		FROM case_events WHERE case_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	type caseEvent struct {
		ID          string `json:"id"`
		BusinessID  string `json:"business_id"`
		CaseID      string `json:"case_id"`
		EventType   string `json:"event_type"`
		PayloadJSON string `json:"payload_json,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	var out []caseEvent
	for rows.Next() {
		var e caseEvent
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.CaseID, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			writeError(w, err)
			return
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

type changeCaseStatusRequest struct {
	BusinessID string `json:"business_id"`
	Status     string `json:"status"`
}

func (h *CaseHandlers) changeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req changeCaseStatusRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Status == "" {
		writeError(w, apperr.Validation("business_id and status are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.ChangeStatus(tx, h.audit, req.BusinessID, id, cases.Status(req.Status), time.Now().UTC())
	})
}

type caseNoteRequest struct {
	BusinessID string `json:"business_id"`
	Note       string `json:"note"`
}

// addNote records a free-text note on a case's timeline without changing
// its derived state.
func (h *CaseHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req caseNoteRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Note == "" {
		writeError(w, apperr.Validation("business_id and note are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		payload, _ := json.Marshal(map[string]string{"note": req.Note})
		if _, err := tx.Exec(`INSERT INTO case_events (id, business_id, case_id, event_type, payload_json, created_at) VALUES (?, ?, ?, 'note_added', ?, ?)`,
			uuid.NewString(), req.BusinessID, id, string(payload), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		return h.audit.Record(tx, events.Entry{
			BusinessID: req.BusinessID,
			ChangeType: events.ChangeType("case_note_added"),
			EntityType: events.EntityCase,
			EntityID:   id,
			After:      map[string]string{"note": req.Note},
		})
	})
}

type ledgerAnchorRequest struct {
	BusinessID  string `json:"business_id"`
	AnchorKey   string `json:"anchor_key"`
	PayloadJSON string `json:"payload_json"`
}

func (h *CaseHandlers) attachAnchor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ledgerAnchorRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.AnchorKey == "" {
		writeError(w, apperr.Validation("business_id and anchor_key are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.AttachLedgerAnchor(tx, h.audit, req.BusinessID, id, req.AnchorKey, req.PayloadJSON, time.Now().UTC())
	})
}

func (h *CaseHandlers) detachAnchor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ledgerAnchorRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.AnchorKey == "" {
		writeError(w, apperr.Validation("business_id and anchor_key are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.DetachLedgerAnchor(tx, h.audit, req.BusinessID, id, req.AnchorKey, time.Now().UTC())
	})
}

// withTx runs fn inside a transaction, committing on success and writing a
// 200 status, or rolling back and mapping the error otherwise.
func (h *CaseHandlers) withTx(w http.ResponseWriter, fn func(tx *sql.Tx) error) {
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
