package server

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/ingest"
	"github.com/aristath/finpulse/internal/integrations"
)

// webhookPayload is the minimal envelope this stub expects a provider
// webhook to carry: enough to dedupe and attribute the event to a business
// via RawEventStore, without committing to any one vendor's full schema.
type webhookPayload struct {
	BusinessID    string         `json:"business_id"`
	SourceEventID string         `json:"event_id"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Data          map[string]any `json:"data"`
}

// WebhookHandlers receives provider push notifications. Unlike the rest of
// /api, this group is not behind authMiddleware: providers authenticate via
// VerifyWebhook's signature check instead of the X-User-Email/Id header
// contract.
type WebhookHandlers struct {
	db        *sql.DB
	providers *integrations.Registry
	ingest    *ingest.Store
	log       zerolog.Logger
}

func NewWebhookHandlers(db *sql.DB, providers *integrations.Registry, ingestStore *ingest.Store, log zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{db: db, providers: providers, ingest: ingestStore, log: log.With().Str("component", "webhook_handlers").Logger()}
}

func (h *WebhookHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/{provider}", h.receive)
}

// receive verifies the webhook before doing anything else: a failed
// verification never reaches the RawEventStore.
func (h *WebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Validation("could not read webhook body"))
		return
	}
	verdict := provider.VerifyWebhook(r.Header, body)
	if !verdict.OK {
		h.log.Warn().Str("provider", provider.Name()).Str("reason", verdict.Reason).Msg("webhook verification failed")
		writeError(w, apperr.Forbidden("webhook verification failed: "+verdict.Reason))
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.BusinessID == "" || payload.SourceEventID == "" {
		writeError(w, apperr.Validation("webhook payload missing business_id or event_id"))
		return
	}
	occurredAt := time.Now().UTC()
	if payload.OccurredAt != nil {
		occurredAt = payload.OccurredAt.UTC()
	}

	inserted, err := h.ingestWebhookEvent(provider.Name(), payload, occurredAt)
	if err != nil {
		writeError(w, apperr.ProcessingError("webhook ingest failed", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "inserted": inserted})
}

func (h *WebhookHandlers) ingestWebhookEvent(provider string, payload webhookPayload, occurredAt time.Time) (bool, error) {
	tx, err := h.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted, err := h.ingest.Insert(tx, ingest.InsertParams{
		BusinessID:    payload.BusinessID,
		Source:        provider,
		SourceEventID: payload.SourceEventID,
		OccurredAt:    occurredAt,
		Payload:       payload.Data,
		EventVersion:  1,
		EventType:     ingest.EventAdded,
	})
	if err != nil {
		return false, err
	}
	return inserted, tx.Commit()
}
