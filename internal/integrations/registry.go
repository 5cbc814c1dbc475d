package integrations

import (
	"database/sql"

	"github.com/aristath/finpulse/internal/apperr"
	"github.com/aristath/finpulse/internal/config"
)

// Registry resolves a Provider by name for the ingest/integration routes.
type Registry struct {
	providers map[string]Provider
	conns     *ConnectionStore
}

// NewRegistry builds a Registry backed by db, with one StubProvider per
// configured provider. Only "plaid" is currently configured; additional
// providers register the same way.
func NewRegistry(db *sql.DB, cfg *config.Config) *Registry {
	conns := NewConnectionStore(db)
	r := &Registry{providers: map[string]Provider{}, conns: conns}
	r.providers["plaid"] = NewStubProvider("plaid", conns, cfg.PlaidAllowPlaintextTokens, cfg.PlaidWebhookVerifyDisabled)
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.NotFound("unknown provider " + name)
	}
	return p, nil
}

func (r *Registry) Connections() *ConnectionStore { return r.conns }
