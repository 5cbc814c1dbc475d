// Package posted computes PostedProjection: the
// current posted-transaction view derived deterministically from
// RawEventStore's latest-per-canonical basis.
package posted

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/ingest"
)

// Direction is the cash direction of a posted transaction.
type Direction string

const (
	Inflow  Direction = "inflow"
	Outflow Direction = "outflow"
)

// Txn is a projected posted transaction derived from raw provider events.
type Txn struct {
	BusinessID             string
	SourceEventID          string
	CanonicalSourceEventID string
	OccurredAt             time.Time
	Amount                 float64 // absolute value
	Direction              Direction
	SignedAmount           float64
	Description            string
	Counterparty           string
	MerchantKey            string
	CategoryHint           string
}

type transactionPayload struct {
	Amount       float64 `json:"amount"`
	Direction    string  `json:"direction"`
	Description  string  `json:"description"`
	Counterparty string  `json:"counterparty"`
	MerchantKey  string  `json:"merchant_key"`
	CategoryHint string  `json:"category_hint"`
}

type rawPayload struct {
	Transaction transactionPayload `json:"transaction"`
}

// Projector computes Txn[] and records parse failures as
// ProcessingEventState errors rather than dropping the whole projection.
type Projector struct {
	store *ingest.Store
	db    *sql.DB
	log   zerolog.Logger
}

func NewProjector(store *ingest.Store, db *sql.DB, log zerolog.Logger) *Projector {
	return &Projector{store: store, db: db, log: log}
}

// Project returns the current posted transactions for businessID, stable-
// sorted by (occurred_at, source_event_id) ascending, the ordering contract
// every downstream consumer relies on.
func (p *Projector) Project(businessID string) ([]Txn, error) {
	latest, err := p.store.LatestPerCanonical(businessID, "", false)
	if err != nil {
		return nil, err
	}

	txns := make([]Txn, 0, len(latest))
	for _, e := range latest {
		txn, err := parseTxn(e)
		if err != nil {
			if markErr := p.markError(e, err); markErr != nil {
				p.log.Error().Err(markErr).Msg("failed to record processing error")
			}
			continue
		}
		txns = append(txns, txn)
	}

	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].OccurredAt.Equal(txns[j].OccurredAt) {
			return txns[i].OccurredAt.Before(txns[j].OccurredAt)
		}
		return txns[i].SourceEventID < txns[j].SourceEventID
	})

	return txns, nil
}

func parseTxn(e ingest.RawEvent) (Txn, error) {
	var payload rawPayload
	if err := json.Unmarshal([]byte(e.PayloadJSON), &payload); err != nil {
		return Txn{}, err
	}

	direction := Direction(payload.Transaction.Direction)
	if direction != Inflow && direction != Outflow {
		direction = Outflow
		if payload.Transaction.Amount < 0 {
			direction = Outflow
		}
	}

	amount := payload.Transaction.Amount
	if amount < 0 {
		amount = -amount
	}

	signed := amount
	if direction == Outflow {
		signed = -amount
	}

	return Txn{
		BusinessID:             e.BusinessID,
		SourceEventID:          e.SourceEventID,
		CanonicalSourceEventID: e.CanonicalSourceEventID,
		OccurredAt:             e.OccurredAt,
		Amount:                 amount,
		Direction:              direction,
		SignedAmount:           signed,
		Description:            payload.Transaction.Description,
		Counterparty:           payload.Transaction.Counterparty,
		MerchantKey:            payload.Transaction.MerchantKey,
		CategoryHint:           payload.Transaction.CategoryHint,
	}, nil
}

func (p *Projector) markError(e ingest.RawEvent, parseErr error) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := p.db.Exec(`
		INSERT INTO processing_event_states (business_id, source_event_id, status, error_code, error_detail, processed_at, updated_at)
		VALUES (?, ?, 'error', 'parse_error', ?, ?, ?)
		ON CONFLICT(business_id, source_event_id) DO UPDATE SET
			status='error', error_code='parse_error', error_detail=excluded.error_detail,
			processed_at=excluded.processed_at, updated_at=excluded.updated_at`,
		e.BusinessID, e.SourceEventID, parseErr.Error(), now, now)
	return err
}
