package server

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/ledger"
	"github.com/aristath/finpulse/internal/posted"
)

type LedgerHandlers struct {
	db     *sql.DB
	posted *posted.Projector
	log    zerolog.Logger
}

func NewLedgerHandlers(db *sql.DB, svc *ledger.Service, proj *posted.Projector, log zerolog.Logger) *LedgerHandlers {
	return &LedgerHandlers{db: db, posted: proj, log: log.With().Str("component", "ledger_handlers").Logger()}
}

func (h *LedgerHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/ledger/business/{id}", func(r chi.Router) {
		r.Get("/lines", h.lines)
		r.Get("/transactions", h.transactions)
		r.Get("/income_statement", h.incomeStatement)
		r.Get("/cash_flow", h.cashFlow)
		r.Get("/cash_series", h.cashSeries)
		r.Get("/balance_sheet_v1", h.balanceSheetV1)
	})
}

func (h *LedgerHandlers) loadTxns(w http.ResponseWriter, r *http.Request) (string, []posted.Txn, time.Time, time.Time, bool) {
	businessID := chi.URLParam(r, "id")
	txns, err := h.posted.Project(businessID)
	if err != nil {
		writeError(w, err)
		return "", nil, time.Time{}, time.Time{}, false
	}
	start, end := ledger.DefaultWindow(time.Now().UTC())
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}
	return businessID, txns, start, end, true
}

func parseFilters(r *http.Request) ledger.Filters {
	q := r.URL.Query()
	var f ledger.Filters
	if v := q.Get("vendors"); v != "" {
		f.Vendors = strings.Split(v, ",")
	}
	if v := q.Get("categories"); v != "" {
		f.Categories = strings.Split(v, ",")
	}
	if v := q.Get("direction"); v != "" {
		f.Direction = posted.Direction(v)
	}
	return f
}

// lines and transactions are the same projected-ledger view under different
// route names; both return the filtered, paginated QueryResult.
func (h *LedgerHandlers) lines(w http.ResponseWriter, r *http.Request) {
	h.queryResult(w, r)
}

func (h *LedgerHandlers) transactions(w http.ResponseWriter, r *http.Request) {
	h.queryResult(w, r)
}

func (h *LedgerHandlers) queryResult(w http.ResponseWriter, r *http.Request) {
	_, txns, start, end, ok := h.loadTxns(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	result := ledger.LedgerQuery(txns, start, end, parseFilters(r), limit, offset)
	writeJSON(w, http.StatusOK, result)
}

func (h *LedgerHandlers) incomeStatement(w http.ResponseWriter, r *http.Request) {
	businessID, txns, start, end, ok := h.loadTxns(w, r)
	if !ok {
		return
	}
	lookup, err := ledger.NewDBAccountLookup(h.db, businessID)
	if err != nil {
		writeError(w, err)
		return
	}
	result := ledger.IncomeStatement(txns, start, end, lookup)
	writeJSON(w, http.StatusOK, result)
}

func (h *LedgerHandlers) cashFlow(w http.ResponseWriter, r *http.Request) {
	_, txns, start, end, ok := h.loadTxns(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"cash_flow": ledger.CashFlow(txns, start, end)})
}

func (h *LedgerHandlers) cashSeries(w http.ResponseWriter, r *http.Request) {
	_, txns, start, end, ok := h.loadTxns(w, r)
	if !ok {
		return
	}
	startingCash := 0.0
	if v := r.URL.Query().Get("starting_cash"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			startingCash = f
		}
	}
	writeJSON(w, http.StatusOK, ledger.CashSeries(txns, start, end, startingCash))
}

func (h *LedgerHandlers) balanceSheetV1(w http.ResponseWriter, r *http.Request) {
	_, txns, _, end, ok := h.loadTxns(w, r)
	if !ok {
		return
	}
	startingCash := 0.0
	if v := r.URL.Query().Get("starting_cash"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			startingCash = f
		}
	}
	writeJSON(w, http.StatusOK, ledger.ComputeBalanceSheetV1(txns, end, startingCash))
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return
}
