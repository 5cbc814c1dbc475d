package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/processing"
)

// ProcessingHandlers exposes a manual ProcessNewEvents trigger for
// debugging the normalize/categorize pipeline out of band from the
// automatic per-pulse run. Only mounted when DEV_PROCESSING_OPS is set.
type ProcessingHandlers struct {
	pipeline *processing.Pipeline
	log      zerolog.Logger
}

func NewProcessingHandlers(pipeline *processing.Pipeline, log zerolog.Logger) *ProcessingHandlers {
	return &ProcessingHandlers{pipeline: pipeline, log: log.With().Str("component", "processing_handlers").Logger()}
}

func (h *ProcessingHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/dev/processing/business/{id}/run", h.run)
}

type runProcessingRequest struct {
	SourceEventIDs []string `json:"source_event_ids"`
}

func (h *ProcessingHandlers) run(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")

	var req runProcessingRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := h.pipeline.ProcessNewEvents(businessID, req.SourceEventIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
