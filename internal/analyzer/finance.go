package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

const topContributors = 5

// Finance computes actual-vs-baseline variance totals per metric and ranks
// the slices contributing most of the gap.
type Finance struct {
	snap snapshot.Provider
}

// NewFinance creates the finance analyzer.
func NewFinance(snap snapshot.Provider) *Finance {
	return &Finance{snap: snap}
}

func (f *Finance) Domain() model.Domain { return model.DomainFinance }

func (f *Finance) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	rows, err := f.snap.Rows(ctx, snapshot.TableFinance, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "finance: load rows")
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrNoData, "finance")
	}

	type acc struct {
		actual            float64
		plan, prior       float64
		hasPlan, hasPrior bool
	}
	byMetric := make(map[string]*acc)
	for _, r := range rows {
		metric := r.Dims[model.DimMetric]
		if metric == "" {
			metric = "unspecified"
		}
		a := byMetric[metric]
		if a == nil {
			a = &acc{}
			byMetric[metric] = a
		}
		if v, ok := r.Value("actual"); ok {
			a.actual += v
		}
		if v, ok := r.Value("plan"); ok {
			a.plan += v
			a.hasPlan = true
		}
		if v, ok := r.Value("prior"); ok {
			a.prior += v
			a.hasPrior = true
		}
	}

	anyPlan, anyPrior := false, false
	totals := make(map[string]model.MetricTotal, len(byMetric))
	for metric, a := range byMetric {
		mt := model.MetricTotal{Actual: a.actual}
		if a.hasPlan {
			anyPlan = true
			plan, vp := a.plan, a.actual-a.plan
			mt.Plan, mt.VarianceToPlan = &plan, &vp
		}
		if a.hasPrior {
			anyPrior = true
			prior, vp := a.prior, a.actual-a.prior
			mt.Prior, mt.VarianceToPrior = &prior, &vp
		}
		totals[metric] = mt
	}

	baseline := chooseBaseline(in.Comparison, anyPlan, anyPrior)

	var impact float64
	metrics := map[string]float64{}
	for metric, mt := range totals {
		metrics["actual:"+metric] = mt.Actual
		switch {
		case baseline == model.ComparisonPlan && mt.VarianceToPlan != nil:
			impact += *mt.VarianceToPlan
			metrics["variance:"+metric] = *mt.VarianceToPlan
		case baseline == model.ComparisonPrior && mt.VarianceToPrior != nil:
			impact += *mt.VarianceToPrior
			metrics["variance:"+metric] = *mt.VarianceToPrior
		}
	}

	finding := &model.Finding{
		Domain:   model.DomainFinance,
		Impact:   impact,
		Metrics:  metrics,
		Totals:   totals,
		Summary:  financeSummary(totals, baseline),
		Evidence: topVarianceEvidence(rows, baseline),
	}
	return finding, nil
}

// chooseBaseline picks the comparison column: the requested one, or for
// "both" whichever baseline the scope actually has, plan preferred.
func chooseBaseline(c model.Comparison, anyPlan, anyPrior bool) model.Comparison {
	switch c {
	case model.ComparisonPlan, model.ComparisonPrior:
		return c
	}
	if anyPlan || !anyPrior {
		return model.ComparisonPlan
	}
	return model.ComparisonPrior
}

func financeSummary(totals map[string]model.MetricTotal, baseline model.Comparison) string {
	metrics := make([]string, 0, len(totals))
	for m := range totals {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var parts []string
	for _, m := range metrics {
		mt := totals[m]
		var variance *float64
		if baseline == model.ComparisonPlan {
			variance = mt.VarianceToPlan
		} else {
			variance = mt.VarianceToPrior
		}
		if variance == nil {
			parts = append(parts, fmt.Sprintf("%s: no %s baseline", m, baseline))
			continue
		}
		direction := "above"
		if *variance < 0 {
			direction = "below"
		}
		parts = append(parts, fmt.Sprintf("%s: %.0f %s %s", m, abs(*variance), direction, baseline))
	}
	if len(parts) == 0 {
		return "variance computed"
	}
	return strings.Join(parts, "; ")
}

// topVarianceEvidence ranks individual rows by absolute variance against the
// chosen baseline and formats the largest contributors.
func topVarianceEvidence(rows []snapshot.Row, baseline model.Comparison) []string {
	type contrib struct {
		label    string
		variance float64
	}
	var contribs []contrib
	for _, r := range rows {
		actual, ok := r.Value("actual")
		if !ok {
			continue
		}
		base, ok := r.Value(string(baseline))
		if !ok {
			continue
		}
		var bits []string
		for _, d := range model.Dimensions() {
			if v := r.Dims[d]; v != "" {
				bits = append(bits, string(d)+"="+v)
			}
		}
		contribs = append(contribs, contrib{
			label:    strings.Join(bits, " "),
			variance: actual - base,
		})
	}

	sort.Slice(contribs, func(i, j int) bool {
		ai, aj := abs(contribs[i].variance), abs(contribs[j].variance)
		if ai != aj {
			return ai > aj
		}
		return contribs[i].label < contribs[j].label
	})
	if len(contribs) > topContributors {
		contribs = contribs[:topContributors]
	}

	out := make([]string, len(contribs))
	for i, c := range contribs {
		out[i] = fmt.Sprintf("%s variance=%.0f", c.label, c.variance)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
