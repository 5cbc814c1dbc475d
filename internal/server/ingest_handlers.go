package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/ingest"
	"github.com/aristath/finpulse/internal/integrations"
)

type IngestHandlers struct {
	store     *ingest.Store
	providers *integrations.Registry
	log       zerolog.Logger
}

func NewIngestHandlers(store *ingest.Store, providers *integrations.Registry, log zerolog.Logger) *IngestHandlers {
	return &IngestHandlers{store: store, providers: providers, log: log.With().Str("component", "ingest_handlers").Logger()}
}

func (h *IngestHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/integrations/{provider}", func(r chi.Router) {
		r.Post("/link_token/{business_id}", h.linkToken)
		r.Post("/exchange/{business_id}", h.exchange)
		r.Post("/sync/{business_id}", h.sync)
	})
	r.Post("/integrations/{business_id}/{provider}/replay", h.replay)
}

func (h *IngestHandlers) linkToken(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	businessID := chi.URLParam(r, "business_id")
	token, err := provider.LinkToken(businessID)
	if err != nil {
		writeError(w, apperr.ProviderError(provider.Name(), "link token", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link_token": token})
}

type exchangeRequest struct {
	PublicToken string `json:"public_token"`
}

func (h *IngestHandlers) exchange(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	businessID := chi.URLParam(r, "business_id")
	if err := provider.Exchange(businessID, req.PublicToken); err != nil {
		writeError(w, apperr.ProviderError(provider.Name(), "exchange", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *IngestHandlers) sync(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	businessID := chi.URLParam(r, "business_id")
	result, err := provider.Sync(businessID, time.Now().UTC())
	if err != nil {
		writeError(w, apperr.ProviderError(provider.Name(), "sync", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// replay re-triggers Sync for a provider connection, the operator-facing
// recovery path for a stuck integration.
func (h *IngestHandlers) replay(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	businessID := chi.URLParam(r, "business_id")
	result, err := provider.Sync(businessID, time.Now().UTC())
	if err != nil {
		writeError(w, apperr.ProviderError(provider.Name(), "replay", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
