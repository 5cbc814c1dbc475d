package signals

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/finpulse/internal/posted"
)

const epsilon = 0.01

// Detector is a pure function (business_id, txns, audit_entries) ->
// signals[]. auditEntries is used only by
// hygiene.signal_flapping; every other detector ignores it.
type Detector func(businessID string, txns []posted.Txn, now time.Time, auditTransitions map[string]int) ([]DetectedSignal, DetectorDiagnostic)

// AllDetectors is the exhaustive set DetectorEngine runs every pulse.
var AllDetectors = []Detector{
	DetectExpenseCreepByVendor,
	DetectLowCashRunway,
	DetectUnusualOutflowSpike,
	DetectRevenueDeclineVsBaseline,
	DetectRevenueVolatilitySpike,
	DetectExpenseSpikeVsBaseline,
	DetectExpenseNewRecurring,
	DetectTimingInflowOutflowMismatch,
	DetectTimingPayrollRentCliff,
	DetectConcentrationRevenueTopCustomer,
	DetectConcentrationExpenseTopVendor,
	DetectHygieneUncategorizedHigh,
	DetectHygieneSignalFlapping,
}

func window(end time.Time, days int) (time.Time, time.Time) {
	start := end.AddDate(0, 0, -days)
	return start, end
}

func sumOutflow(txns []posted.Txn, start, end time.Time) float64 {
	var total float64
	for _, t := range txns {
		if t.Direction != posted.Outflow {
			continue
		}
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		total += t.Amount
	}
	return total
}

func sumInflow(txns []posted.Txn, start, end time.Time) float64 {
	var total float64
	for _, t := range txns {
		if t.Direction != posted.Inflow {
			continue
		}
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		total += t.Amount
	}
	return total
}

func outflowByVendor(txns []posted.Txn, start, end time.Time) map[string]float64 {
	out := map[string]float64{}
	for _, t := range txns {
		if t.Direction != posted.Outflow || t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		key := NormalizeVendor(firstNonEmpty(t.Counterparty, t.MerchantKey))
		if key == "" {
			continue
		}
		out[key] += t.Amount
	}
	return out
}

func inflowByCustomer(txns []posted.Txn, start, end time.Time) map[string]float64 {
	out := map[string]float64{}
	for _, t := range txns {
		if t.Direction != posted.Inflow || t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		key := NormalizeVendor(firstNonEmpty(t.Counterparty, t.MerchantKey))
		if key == "" {
			continue
		}
		out[key] += t.Amount
	}
	return out
}

func dailyOutflow(txns []posted.Txn, start, end time.Time) []float64 {
	days := int(end.Sub(start).Hours()/24) + 1
	buckets := make([]float64, days)
	for _, t := range txns {
		if t.Direction != posted.Outflow || t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		idx := int(t.OccurredAt.Sub(start).Hours() / 24)
		if idx >= 0 && idx < days {
			buckets[idx] += t.Amount
		}
	}
	return buckets
}

func dailyNet(txns []posted.Txn, start, end time.Time) []float64 {
	days := int(end.Sub(start).Hours()/24) + 1
	buckets := make([]float64, days)
	for _, t := range txns {
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		idx := int(t.OccurredAt.Sub(start).Hours() / 24)
		if idx >= 0 && idx < days {
			buckets[idx] += t.SignedAmount
		}
	}
	return buckets
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func anchorFor(anchorKey string, start, end time.Time, vendor string, direction string, evidence map[string]float64) LedgerAnchor {
	q := AnchorQuery{Start: start, End: end, Direction: direction}
	if vendor != "" {
		q.Vendors = []string{vendor}
	}
	return LedgerAnchor{AnchorKey: anchorKey, Query: q, EvidenceKeys: evidence}
}

// DetectExpenseCreepByVendor: 14-day vs prior-14 outflow by normalized
// vendor; fires at >=40% increase and >=$200 absolute delta; severity high
// at >=100% or >=$600, else medium.
func DetectExpenseCreepByVendor(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "expense_creep_by_vendor"
	curStart, curEnd := window(now, 14)
	priorStart, priorEnd := window(curStart, 14)

	current := outflowByVendor(txns, curStart, curEnd)
	prior := outflowByVendor(txns, priorStart, priorEnd)

	var out []DetectedSignal
	var evidenceKeys []string
	for vendor, curTotal := range current {
		priorTotal := prior[vendor]
		delta := curTotal - priorTotal
		if delta < 200 {
			continue
		}
		pct := math.Inf(1)
		if priorTotal > epsilon {
			pct = delta / priorTotal
		}
		if pct < 0.40 {
			continue
		}

		severity := SeverityMedium
		if pct >= 1.0 || delta >= 600 {
			severity = SeverityHigh
		}

		fp := Fingerprint(businessID, signalType, vendor)
		anchor := anchorFor("current_window", curStart, curEnd, vendor, "outflow",
			map[string]float64{"current_total": round2(curTotal)})
		evidenceKeys = append(evidenceKeys, "current_total")

		out = append(out, DetectedSignal{
			SignalType:  signalType,
			Fingerprint: fp,
			SignalID:    SignalID(signalType, fp),
			Severity:    severity,
			Title:       fmt.Sprintf("Spending with %s increased %.0f%%", vendor, pct*100),
			Summary:     fmt.Sprintf("14-day outflow to %s rose from %.2f to %.2f", vendor, priorTotal, curTotal),
			Payload: Payload{
				Window:        Window{Start: curStart, End: curEnd},
				BaselineWindow: &Window{Start: priorStart, End: priorEnd},
				CurrentTotal:  round2(curTotal),
				PriorTotal:    round2(priorTotal),
				Delta:         round2(delta),
				PctChange:     round4(pct),
				LedgerAnchors: []LedgerAnchor{anchor},
				Extra:         map[string]any{"vendor": vendor},
			},
		})
	}

	sortSignals(out)
	diag := DetectorDiagnostic{Detector: signalType, Ran: true, Fired: len(out) > 0, EvidenceKeys: evidenceKeys}
	return out, diag
}

// DetectLowCashRunway: liquidity.runway_low. runway = cash / max(burn/day,
// epsilon); high < 30 days, medium < 60.
func DetectLowCashRunway(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "liquidity.runway_low"
	start, end := window(now, 30)

	outflow := sumOutflow(txns, start, end)
	inflow := sumInflow(txns, start, end)
	burn := outflow - inflow
	burnPerDay := burn / 30.0
	if burnPerDay < epsilon {
		burnPerDay = epsilon
	}

	var cash float64
	for _, t := range txns {
		if !t.OccurredAt.After(end) {
			cash += t.SignedAmount
		}
	}

	runwayDays := cash / burnPerDay
	if burn <= 0 || runwayDays >= 60 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "runway_healthy"}
	}

	severity := SeverityMedium
	if runwayDays < 30 {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, "")
	anchor := anchorFor("burn_window", start, end, "", "", map[string]float64{"current_total": round2(burn)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       fmt.Sprintf("Cash runway down to %.0f days", runwayDays),
		Summary:     fmt.Sprintf("At current burn of %.2f/day, cash of %.2f lasts ~%.0f days", burnPerDay, cash, runwayDays),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(burn),
			LedgerAnchors: []LedgerAnchor{anchor},
			Extra:         map[string]any{"runway_days": round2(runwayDays), "cash": round2(cash)},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectUnusualOutflowSpike: daily outflow > mean30 + 3*std30 OR > 2.5*mean14;
// severity high on the sigma trigger.
func DetectUnusualOutflowSpike(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "unusual_outflow_spike"
	start30, end := window(now, 30)
	start14, _ := window(now, 14)

	daily30 := dailyOutflow(txns, start30, end)
	daily14 := dailyOutflow(txns, start14, end)
	if len(daily30) == 0 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_data"}
	}

	mean30, std30 := stat.MeanStdDev(daily30, nil)
	mean14 := stat.Mean(daily14, nil)

	todayOutflow := daily30[len(daily30)-1]
	sigmaTrigger := todayOutflow > mean30+3*std30
	ratioTrigger := mean14 > 0 && todayOutflow > 2.5*mean14

	if !sigmaTrigger && !ratioTrigger {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_spike"}
	}

	severity := SeverityMedium
	if sigmaTrigger {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, now.Format("2006-01-02"))
	anchor := anchorFor("spike_day", now.Truncate(24*time.Hour), end, "", "outflow",
		map[string]float64{"current_total": round2(todayOutflow)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       "Unusual outflow spike detected",
		Summary:     fmt.Sprintf("Today's outflow %.2f vs 30d mean %.2f (std %.2f)", todayOutflow, mean30, std30),
		Payload: Payload{
			Window:        Window{Start: start30, End: end},
			CurrentTotal:  round2(todayOutflow),
			Mean30d:       round2(mean30),
			Std30d:        round2(std30),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectRevenueDeclineVsBaseline compares 14-day inflow against a talib SMA
// baseline over the prior 30 days' daily inflow; fires at >=25% decline.
func DetectRevenueDeclineVsBaseline(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "revenue.decline_vs_baseline"
	curStart, curEnd := window(now, 14)
	baseStart, baseEnd := window(curStart, 30)

	current := sumInflow(txns, curStart, curEnd)
	baseDaily := dailyInflowSeries(txns, baseStart, baseEnd)
	if len(baseDaily) == 0 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_baseline"}
	}

	smaPeriod := len(baseDaily)
	sma := talib.Sma(baseDaily, smaPeriod)
	baselineDaily := lastValid(sma)
	baselineTotal := baselineDaily * 14

	if baselineTotal <= epsilon {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_baseline"}
	}

	decline := (baselineTotal - current) / baselineTotal
	if decline < 0.25 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_decline"}
	}

	severity := SeverityMedium
	if decline >= 0.5 {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, "")
	anchor := anchorFor("current_window", curStart, curEnd, "", "inflow", map[string]float64{"current_total": round2(current)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       fmt.Sprintf("Revenue down %.0f%% vs baseline", decline*100),
		Summary:     fmt.Sprintf("14-day revenue %.2f vs SMA baseline %.2f", current, baselineTotal),
		Payload: Payload{
			Window:        Window{Start: curStart, End: curEnd},
			BaselineWindow: &Window{Start: baseStart, End: baseEnd},
			CurrentTotal:  round2(current),
			PriorTotal:    round2(baselineTotal),
			Delta:         round2(current - baselineTotal),
			PctChange:     round4(-decline),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectRevenueVolatilitySpike fires when 14d inflow stddev exceeds 60% of
// its mean (coefficient of variation trigger).
func DetectRevenueVolatilitySpike(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "revenue.volatility_spike"
	start, end := window(now, 14)
	daily := dailyInflowSeries(txns, start, end)
	if len(daily) < 3 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "insufficient_data"}
	}

	mean, std := stat.MeanStdDev(daily, nil)
	if mean <= epsilon {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_revenue"}
	}
	cv := std / mean
	if cv < 0.60 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "stable"}
	}

	severity := SeverityMedium
	if cv >= 1.0 {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, "")
	total := sumInflow(txns, start, end)
	anchor := anchorFor("volatility_window", start, end, "", "inflow", map[string]float64{"current_total": round2(total)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       "Revenue volatility spike",
		Summary:     fmt.Sprintf("14-day inflow coefficient of variation %.2f", cv),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(total),
			Mean30d:       round2(mean),
			Std30d:        round2(std),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectExpenseSpikeVsBaseline mirrors DetectRevenueDeclineVsBaseline for
// outflow: fires at >=30% increase over an SMA baseline.
func DetectExpenseSpikeVsBaseline(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "expense.spike_vs_baseline"
	curStart, curEnd := window(now, 14)
	baseStart, baseEnd := window(curStart, 30)

	current := sumOutflow(txns, curStart, curEnd)
	baseDaily := dailyOutflow(txns, baseStart, baseEnd)
	if len(baseDaily) == 0 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_baseline"}
	}

	sma := talib.Sma(baseDaily, len(baseDaily))
	baselineDaily := lastValid(sma)
	baselineTotal := baselineDaily * 14
	if baselineTotal <= epsilon {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_baseline"}
	}

	increase := (current - baselineTotal) / baselineTotal
	if increase < 0.30 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_spike"}
	}

	severity := SeverityMedium
	if increase >= 0.60 {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, "")
	anchor := anchorFor("current_window", curStart, curEnd, "", "outflow", map[string]float64{"current_total": round2(current)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       fmt.Sprintf("Expenses up %.0f%% vs baseline", increase*100),
		Summary:     fmt.Sprintf("14-day outflow %.2f vs SMA baseline %.2f", current, baselineTotal),
		Payload: Payload{
			Window:        Window{Start: curStart, End: curEnd},
			BaselineWindow: &Window{Start: baseStart, End: baseEnd},
			CurrentTotal:  round2(current),
			PriorTotal:    round2(baselineTotal),
			Delta:         round2(current - baselineTotal),
			PctChange:     round4(increase),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectExpenseNewRecurring flags a vendor with zero spend in the prior
// 60 days that now has >=2 outflow postings in the last 30 days totalling
// >=$100 — a plausible new recurring charge.
func DetectExpenseNewRecurring(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "expense.new_recurring"
	recentStart, recentEnd := window(now, 30)
	priorStart, _ := window(recentStart, 60)

	recentByVendor := map[string][]posted.Txn{}
	for _, t := range txns {
		if t.Direction != posted.Outflow || t.OccurredAt.Before(recentStart) || t.OccurredAt.After(recentEnd) {
			continue
		}
		key := NormalizeVendor(firstNonEmpty(t.Counterparty, t.MerchantKey))
		if key == "" {
			continue
		}
		recentByVendor[key] = append(recentByVendor[key], t)
	}
	priorByVendor := outflowByVendor(txns, priorStart, recentStart)

	var out []DetectedSignal
	var evidenceKeys []string
	for vendor, items := range recentByVendor {
		if priorByVendor[vendor] > epsilon || len(items) < 2 {
			continue
		}
		var total float64
		for _, t := range items {
			total += t.Amount
		}
		if total < 100 {
			continue
		}

		fp := Fingerprint(businessID, signalType, vendor)
		anchor := anchorFor("recent_window", recentStart, recentEnd, vendor, "outflow", map[string]float64{"current_total": round2(total)})
		evidenceKeys = append(evidenceKeys, "current_total")

		out = append(out, DetectedSignal{
			SignalType:  signalType,
			Fingerprint: fp,
			SignalID:    SignalID(signalType, fp),
			Severity:    SeverityLow,
			Title:       fmt.Sprintf("New recurring charge from %s", vendor),
			Summary:     fmt.Sprintf("%d postings from %s totalling %.2f with no prior history", len(items), vendor, total),
			Payload: Payload{
				Window:        Window{Start: recentStart, End: recentEnd},
				CurrentTotal:  round2(total),
				LedgerAnchors: []LedgerAnchor{anchor},
				Extra:         map[string]any{"vendor": vendor, "occurrences": len(items)},
			},
		})
	}

	sortSignals(out)
	return out, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: len(out) > 0, EvidenceKeys: evidenceKeys}
}

// DetectTimingInflowOutflowMismatch fires when outflow consistently leads
// inflow within a 14-day window: the smoothed net-flow trend (talib LinearReg)
// is negative while total inflow for the window still exceeds outflow,
// meaning the business is timing-squeezed despite being net-profitable.
func DetectTimingInflowOutflowMismatch(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "timing.inflow_outflow_mismatch"
	start, end := window(now, 14)
	net := dailyNet(txns, start, end)
	if len(net) < 5 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "insufficient_data"}
	}

	trend := talib.LinearReg(net, len(net))
	slope := lastValid(trend) - net[0]

	inflow := sumInflow(txns, start, end)
	outflow := sumOutflow(txns, start, end)

	if !(slope < 0 && inflow > outflow) {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_mismatch"}
	}

	fp := Fingerprint(businessID, signalType, "")
	anchor := anchorFor("mismatch_window", start, end, "", "", map[string]float64{"current_total": round2(inflow - outflow)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    SeverityMedium,
		Title:       "Inflow/outflow timing mismatch",
		Summary:     fmt.Sprintf("Net-profitable window (%.2f) but daily net-flow trend is declining", inflow-outflow),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(inflow - outflow),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectTimingPayrollRentCliff fires when a payroll-tagged and a rent-tagged
// outflow in the trailing 30 days (tagged from the merchant key, description
// or category hint) fall within 2 days of each other, flagging a liquidity
// cliff. It applies no amount threshold: the pair's combined amount is
// reported as evidence and is not compared against any cash balance.
func DetectTimingPayrollRentCliff(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "timing.payroll_rent_cliff"
	start, end := window(now, 30)

	type tagged struct {
		txn posted.Txn
		tag string
	}
	var payroll, rent []tagged
	for _, t := range txns {
		if t.Direction != posted.Outflow || t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		key := lowerContains(t.MerchantKey, t.Description, t.CategoryHint)
		if key == "payroll" {
			payroll = append(payroll, tagged{t, "payroll"})
		} else if key == "rent" {
			rent = append(rent, tagged{t, "rent"})
		}
	}
	if len(payroll) == 0 || len(rent) == 0 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_payroll_or_rent"}
	}

	var closestPair *struct {
		p, r tagged
		gap  float64
	}
	for _, p := range payroll {
		for _, r := range rent {
			gap := math.Abs(p.txn.OccurredAt.Sub(r.txn.OccurredAt).Hours() / 24)
			if gap <= 2 && (closestPair == nil || gap < closestPair.gap) {
				closestPair = &struct {
					p, r tagged
					gap  float64
				}{p, r, gap}
			}
		}
	}
	if closestPair == nil {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_cliff"}
	}

	combined := closestPair.p.txn.Amount + closestPair.r.txn.Amount
	fp := Fingerprint(businessID, signalType, closestPair.p.txn.OccurredAt.Format("2006-01-02"))
	anchor := anchorFor("cliff_window", start, end, "", "outflow", map[string]float64{"current_total": round2(combined)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    SeverityHigh,
		Title:       "Payroll and rent due within 2 days",
		Summary:     fmt.Sprintf("Combined payroll+rent outflow %.2f land within %.0f day(s)", combined, closestPair.gap),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(combined),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

func lowerContains(fields ...string) string {
	for _, f := range fields {
		lf := NormalizeVendor(f)
		if contains(lf, "payroll") || contains(lf, "salary") {
			return "payroll"
		}
		if contains(lf, "rent") || contains(lf, "lease") {
			return "rent"
		}
	}
	return ""
}

func contains(s, sub string) bool {
	return len(sub) > 0 && len(s) >= len(sub) && indexOfSub(s, sub) >= 0
}

func indexOfSub(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// DetectConcentrationRevenueTopCustomer fires when one customer contributes
// >=50% of 30-day inflow (revenue concentration risk).
func DetectConcentrationRevenueTopCustomer(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "concentration.revenue_top_customer"
	start, end := window(now, 30)
	byCustomer := inflowByCustomer(txns, start, end)
	total := sumInflow(txns, start, end)
	if total <= epsilon {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_revenue"}
	}

	topCustomer, topAmount := topEntry(byCustomer)
	share := topAmount / total
	if share < 0.50 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "not_concentrated"}
	}

	severity := SeverityMedium
	if share >= 0.75 {
		severity = SeverityHigh
	}

	fp := Fingerprint(businessID, signalType, topCustomer)
	anchor := anchorFor("revenue_window", start, end, topCustomer, "inflow", map[string]float64{"current_total": round2(topAmount)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    severity,
		Title:       fmt.Sprintf("%s is %.0f%% of revenue", topCustomer, share*100),
		Summary:     fmt.Sprintf("Top customer %s contributed %.2f of %.2f total 30-day revenue", topCustomer, topAmount, total),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(topAmount),
			PriorTotal:    round2(total),
			PctChange:     round4(share),
			LedgerAnchors: []LedgerAnchor{anchor},
			Extra:         map[string]any{"customer": topCustomer},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectConcentrationExpenseTopVendor mirrors the customer detector for
// outflow: fires at >=40% vendor share of 30-day expense.
func DetectConcentrationExpenseTopVendor(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "concentration.expense_top_vendor"
	start, end := window(now, 30)
	byVendor := outflowByVendor(txns, start, end)
	total := sumOutflow(txns, start, end)
	if total <= epsilon {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_expense"}
	}

	topVendor, topAmount := topEntry(byVendor)
	share := topAmount / total
	if share < 0.40 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "not_concentrated"}
	}

	fp := Fingerprint(businessID, signalType, topVendor)
	anchor := anchorFor("expense_window", start, end, topVendor, "outflow", map[string]float64{"current_total": round2(topAmount)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    SeverityLow,
		Title:       fmt.Sprintf("%s is %.0f%% of spend", topVendor, share*100),
		Summary:     fmt.Sprintf("Top vendor %s took %.2f of %.2f total 30-day expense", topVendor, topAmount, total),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  round2(topAmount),
			PriorTotal:    round2(total),
			PctChange:     round4(share),
			LedgerAnchors: []LedgerAnchor{anchor},
			Extra:         map[string]any{"vendor": topVendor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

func topEntry(m map[string]float64) (string, float64) {
	var bestKey string
	var bestVal float64
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] > bestVal {
			bestKey, bestVal = k, m[k]
		}
	}
	return bestKey, bestVal
}

// DetectHygieneUncategorizedHigh fires when more than 25% of the last 30
// days' posted transactions lack a category hint.
func DetectHygieneUncategorizedHigh(businessID string, txns []posted.Txn, now time.Time, _ map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "hygiene.uncategorized_high"
	start, end := window(now, 30)

	var total, uncategorized int
	for _, t := range txns {
		if t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		total++
		if t.CategoryHint == "" {
			uncategorized++
		}
	}
	if total == 0 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "no_data"}
	}

	share := float64(uncategorized) / float64(total)
	if share < 0.25 {
		return nil, DetectorDiagnostic{Detector: signalType, Ran: true, SkippedReason: "below_threshold"}
	}

	fp := Fingerprint(businessID, signalType, "")
	anchor := anchorFor("uncategorized_window", start, end, "", "", map[string]float64{"current_total": float64(uncategorized)})

	sig := DetectedSignal{
		SignalType:  signalType,
		Fingerprint: fp,
		SignalID:    SignalID(signalType, fp),
		Severity:    SeverityLow,
		Title:       fmt.Sprintf("%.0f%% of transactions uncategorized", share*100),
		Summary:     fmt.Sprintf("%d of %d postings in the last 30 days have no category", uncategorized, total),
		Payload: Payload{
			Window:        Window{Start: start, End: end},
			CurrentTotal:  float64(uncategorized),
			PctChange:     round4(share),
			LedgerAnchors: []LedgerAnchor{anchor},
		},
	}
	return []DetectedSignal{sig}, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: true, EvidenceKeys: []string{"current_total"}}
}

// DetectHygieneSignalFlapping fires for a signal that has flipped status
// >=3 times in a rolling 30-day window, per auditTransitions (signal_id ->
// transition count), supplied by the caller from the audit log.
func DetectHygieneSignalFlapping(businessID string, _ []posted.Txn, now time.Time, auditTransitions map[string]int) ([]DetectedSignal, DetectorDiagnostic) {
	const signalType = "hygiene.signal_flapping"
	var out []DetectedSignal
	var evidenceKeys []string

	keys := make([]string, 0, len(auditTransitions))
	for k := range auditTransitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, sourceSignalID := range keys {
		count := auditTransitions[sourceSignalID]
		if count < 3 {
			continue
		}
		fp := Fingerprint(businessID, signalType, sourceSignalID)
		out = append(out, DetectedSignal{
			SignalType:  signalType,
			Fingerprint: fp,
			SignalID:    SignalID(signalType, fp),
			Severity:    SeverityMedium,
			Title:       "Signal flapping detected",
			Summary:     fmt.Sprintf("%s changed status %d times in the last 30 days", sourceSignalID, count),
			Payload: Payload{
				Window: Window{Start: now.AddDate(0, 0, -30), End: now},
				Extra:  map[string]any{"source_signal_id": sourceSignalID, "transition_count": count},
			},
		})
		evidenceKeys = append(evidenceKeys, "transition_count")
	}

	sortSignals(out)
	return out, DetectorDiagnostic{Detector: signalType, Ran: true, Fired: len(out) > 0, EvidenceKeys: evidenceKeys}
}

func dailyInflowSeries(txns []posted.Txn, start, end time.Time) []float64 {
	days := int(end.Sub(start).Hours()/24) + 1
	buckets := make([]float64, days)
	for _, t := range txns {
		if t.Direction != posted.Inflow || t.OccurredAt.Before(start) || t.OccurredAt.After(end) {
			continue
		}
		idx := int(t.OccurredAt.Sub(start).Hours() / 24)
		if idx >= 0 && idx < days {
			buckets[idx] += t.Amount
		}
	}
	return buckets
}

// lastValid returns the last non-NaN value from a talib output series
// (talib pads leading entries with NaN until it has enough history).
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

func sortSignals(signals []DetectedSignal) {
	sort.Slice(signals, func(i, j int) bool {
		return signals[i].SignalID < signals[j].SignalID
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
