package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/business"
)

type BusinessHandlers struct {
	repo               *business.Repository
	allowDelete        bool
	log                zerolog.Logger
}

func NewBusinessHandlers(repo *business.Repository, allowDelete bool, log zerolog.Logger) *BusinessHandlers {
	return &BusinessHandlers{repo: repo, allowDelete: allowDelete, log: log.With().Str("component", "business_handlers").Logger()}
}

func (h *BusinessHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/businesses", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Delete("/{id}", h.delete)
	})
}

type createBusinessRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

func (h *BusinessHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createBusinessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if req.OrgID == "" || req.Name == "" {
		writeError(w, apperr.Validation("org_id and name are required"))
		return
	}
	b, err := h.repo.Create(req.OrgID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *BusinessHandlers) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.repo.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *BusinessHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if !h.allowDelete {
		writeError(w, apperr.Forbidden("business delete is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.repo.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
