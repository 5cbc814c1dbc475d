package integrations

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SyncResult summarizes one Sync call, reported back to the ingest/replay
// handlers as the HTTP response body.
type SyncResult struct {
	EventsFetched int    `json:"events_fetched"`
	Cursor        string `json:"cursor"`
}

// WebhookVerdict is VerifyWebhook's result.
type WebhookVerdict struct {
	OK     bool
	Reason string
}

// Provider is the uniform surface every external data source implements:
// link-token issuance, public-token exchange, on-demand sync, and webhook
// signature verification.
type Provider interface {
	Name() string
	LinkToken(businessID string) (string, error)
	Exchange(businessID, publicToken string) error
	Sync(businessID string, now time.Time) (SyncResult, error)
	VerifyWebhook(headers http.Header, body []byte) WebhookVerdict
}

// StubProvider satisfies Provider without talking to a real vendor API: it
// accepts all tokens and webhooks. webhookVerifyDisabled mirrors
// PLAID_WEBHOOK_VERIFY_DISABLED; allowPlaintextTokens mirrors
// PLAID_ALLOW_PLAINTEXT_TOKENS and is stored but not read by any method.
type StubProvider struct {
	name                  string
	conns                 *ConnectionStore
	allowPlaintextTokens  bool
	webhookVerifyDisabled bool
}

func NewStubProvider(name string, conns *ConnectionStore, allowPlaintextTokens, webhookVerifyDisabled bool) *StubProvider {
	return &StubProvider{
		name:                  name,
		conns:                 conns,
		allowPlaintextTokens:  allowPlaintextTokens,
		webhookVerifyDisabled: webhookVerifyDisabled,
	}
}

func (p *StubProvider) Name() string { return p.name }

func (p *StubProvider) LinkToken(businessID string) (string, error) {
	return fmt.Sprintf("link-stub-%s-%s", p.name, uuid.NewString()), nil
}

// Exchange records a connected IntegrationConnection. A real provider would
// trade publicToken for an access token here; the stub accepts any
// non-empty token and does not check its format.
func (p *StubProvider) Exchange(businessID, publicToken string) error {
	if publicToken == "" {
		return fmt.Errorf("empty public token")
	}
	now := time.Now().UTC()
	return p.conns.Upsert(Connection{
		BusinessID: businessID,
		Provider:   p.name,
		Status:     StatusConnected,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// Sync marks the connection freshly synced. A real provider would fetch and
// ingest events here; the stub reports zero fetched events but still
// advances last_sync_at, which is what clears the integration-health action
// trigger.
func (p *StubProvider) Sync(businessID string, now time.Time) (SyncResult, error) {
	existing, err := p.conns.Get(businessID, p.name)
	if err != nil {
		return SyncResult{}, err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	if err := p.conns.Upsert(Connection{
		BusinessID: businessID,
		Provider:   p.name,
		Status:     StatusConnected,
		LastSyncAt: &now,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{EventsFetched: 0, Cursor: newSyncCursor()}, nil
}

func (p *StubProvider) VerifyWebhook(headers http.Header, body []byte) WebhookVerdict {
	if p.webhookVerifyDisabled {
		return WebhookVerdict{OK: true, Reason: "verification disabled"}
	}
	return WebhookVerdict{OK: true, Reason: "stub provider accepts all"}
}
