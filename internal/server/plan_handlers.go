package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/events"
	"github.com/aristath/finpulse/internal/plans"
)

type PlanHandlers struct {
	db    *sql.DB
	eng   *plans.Engine
	audit *events.Writer
	log   zerolog.Logger
}

func NewPlanHandlers(db *sql.DB, eng *plans.Engine, audit *events.Writer, log zerolog.Logger) *PlanHandlers {
	return &PlanHandlers{db: db, eng: eng, audit: audit, log: log.With().Str("component", "plan_handlers").Logger()}
}

func (h *PlanHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/plans", h.create)
	r.Route("/plans/{id}", func(r chi.Router) {
		r.Post("/activate", h.activate)
		r.Post("/assign", h.assign)
		r.Post("/note", h.addNote)
		r.Post("/refresh", h.refresh)
		r.Post("/close", h.close)
	})
}

type conditionRequest struct {
	Type                 string   `json:"type"`
	SourceSignalID       string   `json:"source_signal_id"`
	MetricKey            string   `json:"metric_key"`
	BaselineWindowDays   int      `json:"baseline_window_days"`
	EvaluationWindowDays int      `json:"evaluation_window_days"`
	Threshold            *float64 `json:"threshold"`
	Direction            string   `json:"direction"`
}

type createPlanRequest struct {
	BusinessID     string             `json:"business_id"`
	Title          string             `json:"title"`
	SourceSignalID string             `json:"source_signal_id"`
	SourceActionID string             `json:"source_action_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Conditions     []conditionRequest `json:"conditions"`
}

func (h *PlanHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Title == "" {
		writeError(w, apperr.Validation("business_id and title are required"))
		return
	}
	if req.IdempotencyKey == "" {
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}
	}
	conditions := make([]plans.ConditionInput, 0, len(req.Conditions))
	for _, c := range req.Conditions {
		conditions = append(conditions, plans.ConditionInput{
			Type:                 c.Type,
			SourceSignalID:       c.SourceSignalID,
			MetricKey:            c.MetricKey,
			BaselineWindowDays:   c.BaselineWindowDays,
			EvaluationWindowDays: c.EvaluationWindowDays,
			Threshold:            c.Threshold,
			Direction:            c.Direction,
		})
	}

	var plan *plans.Plan
	err := h.withTxErr(func(tx *sql.Tx) error {
		var err error
		plan, err = h.eng.CreatePlan(tx, h.audit, req.BusinessID, req.Title, req.SourceSignalID, req.SourceActionID,
			req.IdempotencyKey, conditions, time.Now().UTC())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (h *PlanHandlers) activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	var plan *plans.Plan
	err := h.withTxErr(func(tx *sql.Tx) error {
		var err error
		plan, err = h.eng.Activate(tx, h.audit, businessID, id, time.Now().UTC())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type assignPlanRequest struct {
	BusinessID string `json:"business_id"`
	UserID     string `json:"user_id"`
}

func (h *PlanHandlers) assign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignPlanRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.UserID == "" {
		writeError(w, apperr.Validation("business_id and user_id are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.Assign(tx, req.BusinessID, id, req.UserID, time.Now().UTC())
	})
}

type planNoteRequest struct {
	BusinessID string `json:"business_id"`
	Note       string `json:"note"`
}

func (h *PlanHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req planNoteRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Note == "" {
		writeError(w, apperr.Validation("business_id and note are required"))
		return
	}
	h.withTx(w, func(tx *sql.Tx) error {
		return h.eng.AddNote(tx, req.BusinessID, id, req.Note, time.Now().UTC())
	})
}

func (h *PlanHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	var result plans.RefreshResult
	err := h.withTxErr(func(tx *sql.Tx) error {
		var err error
		result, err = h.eng.Refresh(tx, h.audit, businessID, id, time.Now().UTC())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type closePlanRequest struct {
	BusinessID string `json:"business_id"`
	Outcome    string `json:"outcome"`
	Note       string `json:"note"`
}

func (h *PlanHandlers) close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req closePlanRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Outcome == "" {
		writeError(w, apperr.Validation("business_id and outcome are required"))
		return
	}
	var plan *plans.Plan
	err := h.withTxErr(func(tx *sql.Tx) error {
		var err error
		plan, err = h.eng.Close(tx, h.audit, req.BusinessID, id, req.Outcome, req.Note, time.Now().UTC())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *PlanHandlers) withTx(w http.ResponseWriter, fn func(tx *sql.Tx) error) {
	if err := h.withTxErr(fn); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PlanHandlers) withTxErr(fn func(tx *sql.Tx) error) error {
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
