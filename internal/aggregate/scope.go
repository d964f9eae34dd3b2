// Package aggregate turns raw analyzer findings into ranked scope results
// and rolls sweep scopes up into a portfolio view. Output is deterministic:
// the same findings always produce the same ranking and the same brief bytes.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/rca-engine/internal/model"
)

// ScopeAggregator ranks one scope's findings and writes its brief.
type ScopeAggregator struct {
	topDrivers int
	p          *message.Printer
}

// NewScopeAggregator creates an aggregator that includes up to topDrivers
// drivers in the brief.
func NewScopeAggregator(topDrivers int) *ScopeAggregator {
	if topDrivers <= 0 {
		topDrivers = 3
	}
	return &ScopeAggregator{
		topDrivers: topDrivers,
		p:          message.NewPrinter(language.English),
	}
}

// Aggregate builds the scope result. A scope where every analyzer failed
// still produces a result, carrying the failure set and an error marker so
// sweeps can degrade instead of aborting.
func (a *ScopeAggregator) Aggregate(scope model.Scope, findings []model.Finding, failures []model.DomainFailure) *model.ScopeResult {
	res := &model.ScopeResult{
		Scope:         scope,
		Drivers:       RankDrivers(findings),
		FailedDomains: failures,
	}

	for _, f := range findings {
		if f.Domain == model.DomainFinance && f.Totals != nil {
			res.Totals = f.Totals
			break
		}
	}
	res.BaselineMissing = baselineMissing(res.Totals)

	if len(findings) == 0 {
		res.Error = "all analyzers failed"
		res.Brief = a.failedBrief(scope, failures)
		return res
	}

	res.Brief = a.brief(res)
	return res
}

// RankDrivers orders findings by absolute impact, largest first. Equal
// impacts fall back to the fixed domain priority so ranking is total.
func RankDrivers(findings []model.Finding) []model.RankedDriver {
	drivers := make([]model.RankedDriver, len(findings))
	for i, f := range findings {
		drivers[i] = model.RankedDriver{
			Domain:   f.Domain,
			Impact:   f.Impact,
			Summary:  f.Summary,
			Evidence: f.Evidence,
		}
	}
	sort.SliceStable(drivers, func(i, j int) bool {
		ai, aj := abs(drivers[i].Impact), abs(drivers[j].Impact)
		if ai != aj {
			return ai > aj
		}
		return drivers[i].Domain.Priority() < drivers[j].Domain.Priority()
	})
	return drivers
}

func (a *ScopeAggregator) brief(res *model.ScopeResult) string {
	var b strings.Builder
	b.WriteString(res.Scope.Label())
	if headline := a.headline(res.Totals); headline != "" {
		b.WriteString(": ")
		b.WriteString(headline)
	} else {
		b.WriteString(": no baseline to compare against")
	}
	b.WriteString(".")

	n := len(res.Drivers)
	if n > a.topDrivers {
		n = a.topDrivers
	}
	for i := 0; i < n; i++ {
		d := res.Drivers[i]
		if d.Impact == 0 && d.Domain == model.DomainEvents {
			b.WriteString(a.p.Sprintf(" Context: %s.", d.Summary))
			continue
		}
		b.WriteString(a.p.Sprintf(" %d) %s %s (impact %.0f).", i+1, d.Domain, d.Summary, d.Impact))
	}

	if len(res.FailedDomains) > 0 {
		b.WriteString(" Not assessed: ")
		b.WriteString(failureList(res.FailedDomains))
		b.WriteString(".")
	}
	return b.String()
}

// headline picks the revenue variance when present, otherwise the largest
// metric variance, and renders it with thousands separators.
func (a *ScopeAggregator) headline(totals map[string]model.MetricTotal) string {
	metric, variance, baseline, ok := headlineVariance(totals)
	if !ok {
		return ""
	}
	direction := "above"
	if variance < 0 {
		direction = "below"
	}
	return a.p.Sprintf("%s %.0f %s %s", metric, abs(variance), direction, baseline)
}

func headlineVariance(totals map[string]model.MetricTotal) (metric string, variance float64, baseline model.Comparison, ok bool) {
	pick := func(mt model.MetricTotal) (float64, model.Comparison, bool) {
		if mt.VarianceToPlan != nil {
			return *mt.VarianceToPlan, model.ComparisonPlan, true
		}
		if mt.VarianceToPrior != nil {
			return *mt.VarianceToPrior, model.ComparisonPrior, true
		}
		return 0, "", false
	}

	if mt, present := totals["revenue"]; present {
		if v, base, has := pick(mt); has {
			return "revenue", v, base, true
		}
	}

	metrics := make([]string, 0, len(totals))
	for m := range totals {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		v, base, has := pick(totals[m])
		if has && (!ok || abs(v) > abs(variance)) {
			metric, variance, baseline, ok = m, v, base, true
		}
	}
	return metric, variance, baseline, ok
}

func (a *ScopeAggregator) failedBrief(scope model.Scope, failures []model.DomainFailure) string {
	return fmt.Sprintf("%s: no analyzer reported (%s).", scope.Label(), failureList(failures))
}

func failureList(failures []model.DomainFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.Domain, f.Kind)
	}
	return strings.Join(parts, ", ")
}

// baselineMissing reports whether no metric carries a plan or prior baseline.
func baselineMissing(totals map[string]model.MetricTotal) bool {
	for _, mt := range totals {
		if mt.Plan != nil || mt.Prior != nil {
			return false
		}
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
