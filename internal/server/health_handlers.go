package server

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/diagnostics"
	"github.com/aristath/finpulse/internal/healthscore"
	"github.com/aristath/finpulse/internal/tick"
)

type HealthHandlers struct {
	db         *sql.DB
	scheduler  *tick.Scheduler
	diagnostic *diagnostics.Reporter
	log        zerolog.Logger
}

func NewHealthHandlers(db *sql.DB, scheduler *tick.Scheduler, diagnostic *diagnostics.Reporter, log zerolog.Logger) *HealthHandlers {
	return &HealthHandlers{db: db, scheduler: scheduler, diagnostic: diagnostic, log: log.With().Str("component", "health_handlers").Logger()}
}

func (h *HealthHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/health_score", h.score)
	r.Get("/health_score/explain_change", h.explainChange)
	r.Get("/diagnostics/status/{id}", h.diagnosticsStatus)
	r.Get("/diagnostics/ingestion/{id}", h.diagnosticsIngestion)
	r.Post("/system/tick", h.runTick)
	r.Get("/system/last-tick", h.lastTick)
}

func (h *HealthHandlers) score(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	s, err := healthscore.ComputeScore(h.db, businessID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *HealthHandlers) explainChange(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	sinceHours := 24
	if v := r.URL.Query().Get("since_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sinceHours = n
		}
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	result, err := healthscore.ExplainChange(h.db, businessID, sinceHours, limit, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HealthHandlers) diagnosticsStatus(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")
	status, err := h.diagnostic.Status(r.Context(), businessID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *HealthHandlers) diagnosticsIngestion(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")
	status, err := h.diagnostic.Ingestion(businessID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type runTickRequest struct {
	BusinessID      string `json:"business_id"`
	Bucket          string `json:"bucket"`
	ApplyRecompute  bool   `json:"apply_recompute"`
	MaterializeWork bool   `json:"materialize_work"`
	LimitCases      int    `json:"limit_cases"`
}

// runTick is an operator escape hatch for forcing an out-of-band tick run,
// outside the scheduler's own cron cadence.
func (h *HealthHandlers) runTick(w http.ResponseWriter, r *http.Request) {
	var req runTickRequest
	if err := decodeJSON(r, &req); err != nil || req.BusinessID == "" || req.Bucket == "" {
		writeError(w, apperr.Validation("business_id and bucket are required"))
		return
	}
	limit := req.LimitCases
	if limit <= 0 {
		limit = 100
	}
	result, err := h.scheduler.RunTick(req.BusinessID, req.Bucket, req.ApplyRecompute, req.MaterializeWork, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type lastTickRow struct {
	BusinessID string  `json:"business_id"`
	Bucket     string  `json:"bucket"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
}

func (h *HealthHandlers) lastTick(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, apperr.Validation("business_id is required"))
		return
	}
	row := h.db.QueryRow(`SELECT business_id, bucket, started_at, finished_at, result_json
		FROM tick_runs WHERE business_id = ? ORDER BY started_at DESC LIMIT 1`, businessID)
	var t lastTickRow
	var finishedAt, resultJSON sql.NullString
	if err := row.Scan(&t.BusinessID, &t.Bucket, &t.StartedAt, &finishedAt, &resultJSON); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, apperr.NotFound("no tick runs recorded for this business"))
			return
		}
		writeError(w, err)
		return
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.String
	}
	if resultJSON.Valid {
		t.ResultJSON = &resultJSON.String
	}
	writeJSON(w, http.StatusOK, t)
}
