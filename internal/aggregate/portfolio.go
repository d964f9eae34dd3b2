package aggregate

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/rca-engine/internal/model"
)

// PortfolioAggregator rolls a sweep's scope results into hotspots, domain
// rollups, and portfolio-level metric totals.
type PortfolioAggregator struct {
	hotspots int
	p        *message.Printer
}

// NewPortfolioAggregator creates an aggregator that reports up to hotspots
// hotspots in the portfolio.
func NewPortfolioAggregator(hotspots int) *PortfolioAggregator {
	if hotspots <= 0 {
		hotspots = 5
	}
	return &PortfolioAggregator{
		hotspots: hotspots,
		p:        message.NewPrinter(language.English),
	}
}

// Aggregate builds the portfolio view over scope results in resolver order.
// Failed scopes are listed but excluded from rankings; baseline-missing
// scopes contribute actuals but never variances.
func (a *PortfolioAggregator) Aggregate(scopes []model.ScopeResult) model.Portfolio {
	pf := model.Portfolio{
		Hotspots: a.rankHotspots(scopes),
		Domains:  rollupDomains(scopes),
		Totals:   sumTotals(scopes),
	}
	for _, s := range scopes {
		if s.Error != "" {
			pf.FailedScopes = append(pf.FailedScopes, s.Scope.Label())
		}
	}
	pf.Brief = a.brief(scopes, pf)
	return pf
}

// rankHotspots scores each pinned dimension value by the total driver impact
// of the scopes carrying it, keeping the top N by absolute impact.
func (a *PortfolioAggregator) rankHotspots(scopes []model.ScopeResult) []model.Hotspot {
	type key struct {
		dim   model.Dimension
		value string
	}
	impacts := map[key]float64{}
	domainImpacts := map[key]map[model.Domain]float64{}

	for _, s := range scopes {
		if s.Error != "" || s.BaselineMissing {
			continue
		}
		var total float64
		byDomain := map[model.Domain]float64{}
		for _, d := range s.Drivers {
			total += d.Impact
			byDomain[d.Domain] += d.Impact
		}
		for _, dim := range model.Dimensions() {
			v := s.Scope.Filter(dim)
			if v == "" {
				continue
			}
			k := key{dim: dim, value: v}
			impacts[k] += total
			if domainImpacts[k] == nil {
				domainImpacts[k] = map[model.Domain]float64{}
			}
			for dom, imp := range byDomain {
				domainImpacts[k][dom] += imp
			}
		}
	}

	hotspots := make([]model.Hotspot, 0, len(impacts))
	for k, impact := range impacts {
		hotspots = append(hotspots, model.Hotspot{
			Dimension:   k.dim,
			Value:       k.value,
			TotalImpact: impact,
			TopDomain:   topDomain(domainImpacts[k]),
		})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		ai, aj := abs(hotspots[i].TotalImpact), abs(hotspots[j].TotalImpact)
		if ai != aj {
			return ai > aj
		}
		if hotspots[i].Dimension != hotspots[j].Dimension {
			return hotspots[i].Dimension < hotspots[j].Dimension
		}
		return hotspots[i].Value < hotspots[j].Value
	})
	if len(hotspots) > a.hotspots {
		hotspots = hotspots[:a.hotspots]
	}
	return hotspots
}

// topDomain picks the domain with the largest absolute impact, breaking ties
// by the fixed domain priority.
func topDomain(impacts map[model.Domain]float64) model.Domain {
	var best model.Domain
	var bestAbs float64
	found := false
	for dom, imp := range impacts {
		a := abs(imp)
		switch {
		case !found, a > bestAbs:
			best, bestAbs, found = dom, a, true
		case a == bestAbs && dom.Priority() < best.Priority():
			best = dom
		}
	}
	return best
}

func rollupDomains(scopes []model.ScopeResult) []model.DomainRollup {
	agg := map[model.Domain]*model.DomainRollup{}
	for _, s := range scopes {
		if s.Error != "" {
			continue
		}
		for _, d := range s.Drivers {
			r := agg[d.Domain]
			if r == nil {
				r = &model.DomainRollup{Domain: d.Domain}
				agg[d.Domain] = r
			}
			r.Occurrences++
			r.TotalImpact += d.Impact
		}
	}

	out := make([]model.DomainRollup, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := abs(out[i].TotalImpact), abs(out[j].TotalImpact)
		if ai != aj {
			return ai > aj
		}
		return out[i].Domain.Priority() < out[j].Domain.Priority()
	})
	return out
}

// sumTotals adds up per-metric totals across scopes. Actuals always count;
// plan and prior sums only include scopes that carry that baseline, so a
// missing baseline degrades coverage instead of skewing the variance.
func sumTotals(scopes []model.ScopeResult) map[string]model.MetricTotal {
	type acc struct {
		actual            float64
		plan, prior       float64
		hasPlan, hasPrior bool
	}
	byMetric := map[string]*acc{}
	for _, s := range scopes {
		if s.Error != "" {
			continue
		}
		for metric, mt := range s.Totals {
			a := byMetric[metric]
			if a == nil {
				a = &acc{}
				byMetric[metric] = a
			}
			a.actual += mt.Actual
			if mt.Plan != nil {
				a.plan += *mt.Plan
				a.hasPlan = true
			}
			if mt.Prior != nil {
				a.prior += *mt.Prior
				a.hasPrior = true
			}
		}
	}

	if len(byMetric) == 0 {
		return nil
	}
	out := make(map[string]model.MetricTotal, len(byMetric))
	for metric, a := range byMetric {
		mt := model.MetricTotal{Actual: a.actual}
		if a.hasPlan {
			plan, vp := a.plan, a.actual-a.plan
			mt.Plan, mt.VarianceToPlan = &plan, &vp
		}
		if a.hasPrior {
			prior, vp := a.prior, a.actual-a.prior
			mt.Prior, mt.VarianceToPrior = &prior, &vp
		}
		out[metric] = mt
	}
	return out
}

func (a *PortfolioAggregator) brief(scopes []model.ScopeResult, pf model.Portfolio) string {
	var b strings.Builder
	b.WriteString(a.p.Sprintf("Sweep covered %d scopes", len(scopes)))
	if len(pf.FailedScopes) > 0 {
		b.WriteString(a.p.Sprintf(" (%d failed)", len(pf.FailedScopes)))
	}
	b.WriteString(".")

	if metric, variance, baseline, ok := headlineVariance(pf.Totals); ok {
		direction := "above"
		if variance < 0 {
			direction = "below"
		}
		b.WriteString(a.p.Sprintf(" Portfolio %s %.0f %s %s.", metric, abs(variance), direction, baseline))
	}

	if len(pf.Hotspots) > 0 {
		parts := make([]string, len(pf.Hotspots))
		for i, h := range pf.Hotspots {
			parts[i] = a.p.Sprintf("%s=%s (%.0f, %s)", h.Dimension, h.Value, h.TotalImpact, h.TopDomain)
		}
		b.WriteString(" Hotspots: ")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(".")
	}

	if len(pf.Domains) > 0 {
		top := pf.Domains[0]
		b.WriteString(a.p.Sprintf(" Leading domain: %s across %d scopes (%.0f).", top.Domain, top.Occurrences, top.TotalImpact))
	}

	if len(pf.FailedScopes) > 0 {
		b.WriteString(" Failed: ")
		b.WriteString(strings.Join(pf.FailedScopes, ", "))
		b.WriteString(".")
	}
	return b.String()
}
