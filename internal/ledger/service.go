// Package ledger implements LedgerService: queries, filters, running
// balances, P&L, cashflow and cash-series over the PostedProjection.
package ledger

import (
	"database/sql"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/finpulse/internal/posted"
)

// Filters narrows a LedgerQuery or ledger-anchor query.
type Filters struct {
	Vendors           []string
	Categories        []string
	Direction         posted.Direction // "" = either
	SourceEventIDs    []string
	HighlightSourceIDs []string
}

type Window struct {
	Start time.Time
	End   time.Time
}

type Summary struct {
	StartBalance float64
	EndBalance   float64
	TotalIn      float64
	TotalOut     float64
	RowCount     int
}

type QueryResult struct {
	Rows    []posted.Txn
	Summary Summary
	Window  Window
}

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func matches(t posted.Txn, f Filters) bool {
	if f.Direction != "" && t.Direction != f.Direction {
		return false
	}
	if len(f.Vendors) > 0 && !containsFold(f.Vendors, t.Counterparty) && !containsFold(f.Vendors, t.MerchantKey) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, t.CategoryHint) {
		return false
	}
	if len(f.SourceEventIDs) > 0 && !containsExact(f.SourceEventIDs, t.SourceEventID) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsExact(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// LedgerQuery filters and paginates a projected ledger view. txns must
// already be sorted by (occurred_at, source_event_id) ascending
// (PostedProjection's contract).
// start_balance is the sum of signed amounts strictly before start;
// end_balance = start_balance + sum(rows.amount); rows outside [start,end]
// never appear in Rows but precede-start rows still feed start_balance.
func LedgerQuery(txns []posted.Txn, start, end time.Time, f Filters, limit, offset int) QueryResult {
	var startBalance float64
	var rows []posted.Txn
	var totalIn, totalOut float64

	for _, t := range txns {
		if !matches(t, f) {
			continue
		}
		switch {
		case t.OccurredAt.Before(start):
			startBalance += t.SignedAmount
		case t.OccurredAt.After(end):
			// excluded entirely
		default:
			rows = append(rows, t)
			if t.Direction == posted.Inflow {
				totalIn += t.Amount
			} else {
				totalOut += t.Amount
			}
		}
	}

	endBalance := startBalance
	for _, r := range rows {
		endBalance += r.SignedAmount
	}

	paged := paginate(rows, limit, offset)

	return QueryResult{
		Rows: paged,
		Summary: Summary{
			StartBalance: round2(startBalance),
			EndBalance:   round2(endBalance),
			TotalIn:      round2(totalIn),
			TotalOut:     round2(totalOut),
			RowCount:     len(rows),
		},
		Window: Window{Start: start, End: end},
	}
}

func paginate(rows []posted.Txn, limit, offset int) []posted.Txn {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return rows[offset:end]
}

// AccountType classifies an account for IncomeStatement grouping.
type AccountType string

const (
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
)

// AccountLookup resolves a posted transaction to its anchor account's type
// and subtype; callers provide one derived from the
// accounts/categories/txn_categorizations tables.
type AccountLookup func(sourceEventID, categoryHint string) (accountType AccountType, subtype string)

type IncomeStatementResult struct {
	RevenueTotal float64
	ExpenseTotal float64
	NetIncome    float64
}

// IncomeStatement sums signed amounts into revenue_total where
// account.type=revenue, and into expense_total where account.type=expense
// OR subtype=cogs.
func IncomeStatement(txns []posted.Txn, start, end time.Time, lookup AccountLookup) IncomeStatementResult {
	var revenue, expense float64
	for _, t := range txns {
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		accType, subtype := lookup(t.SourceEventID, t.CategoryHint)
		switch {
		case accType == AccountRevenue:
			revenue += t.SignedAmount
		case accType == AccountExpense || subtype == "cogs":
			expense += -t.SignedAmount
		}
	}
	return IncomeStatementResult{
		RevenueTotal: round2(revenue),
		ExpenseTotal: round2(expense),
		NetIncome:    round2(revenue - expense),
	}
}

// CashFlow computes sum(|inflow|) - sum(|outflow|) over [start,end].
func CashFlow(txns []posted.Txn, start, end time.Time) float64 {
	var in, out float64
	for _, t := range txns {
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		if t.Direction == posted.Inflow {
			in += t.Amount
		} else {
			out += t.Amount
		}
	}
	return round2(in - out)
}

type CashPoint struct {
	OccurredAt     time.Time
	SourceEventID  string
	SignedAmount   float64
	RunningBalance float64
}

// CashSeries returns one point per posted row in [start,end] (unbounded if
// zero-valued), with a running balance seeded at startingCash.
func CashSeries(txns []posted.Txn, start, end time.Time, startingCash float64) []CashPoint {
	balance := startingCash
	var out []CashPoint
	for _, t := range txns {
		if !start.IsZero() && t.OccurredAt.Before(start) {
			continue
		}
		if !end.IsZero() && t.OccurredAt.After(end) {
			continue
		}
		balance += t.SignedAmount
		out = append(out, CashPoint{
			OccurredAt:     t.OccurredAt,
			SourceEventID:  t.SourceEventID,
			SignedAmount:   t.SignedAmount,
			RunningBalance: round2(balance),
		})
	}
	return out
}

type BalanceSheetV1 struct {
	Assets      float64
	Liabilities float64
	Equity      float64
}

// ComputeBalanceSheetV1 computes a cash-only balance sheet: assets =
// starting cash + cumulative signed amounts at or before asOf; liabilities
// are always zero; equity equals assets.
func ComputeBalanceSheetV1(txns []posted.Txn, asOf time.Time, startingCash float64) BalanceSheetV1 {
	assets := startingCash
	for _, t := range txns {
		if t.OccurredAt.After(asOf) {
			continue
		}
		assets += t.SignedAmount
	}
	assets = round2(assets)
	return BalanceSheetV1{Assets: assets, Liabilities: 0, Equity: assets}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DefaultWindow returns the 90-day default ledger window ending now, the
// same default original_source/ledger_service.py uses when the caller omits
// explicit dates.
func DefaultWindow(now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	start := end.AddDate(0, 0, -90)
	return start, end
}

// sortTxns restores the (occurred_at, source_event_id) ordering contract.
// Nothing in the package calls it: inputs already arrive in that order from
// posted.Projector.Project.
func sortTxns(txns []posted.Txn) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].OccurredAt.Equal(txns[j].OccurredAt) {
			return txns[i].OccurredAt.Before(txns[j].OccurredAt)
		}
		return txns[i].SourceEventID < txns[j].SourceEventID
	})
}

var _ = sortTxns
