package analyzer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// FX reads the fx table and scores the mean relative rate movement per
// currency pair against the prior period, scaled by revenue exposure.
type FX struct {
	snap snapshot.Provider
}

// NewFX creates the fx analyzer.
func NewFX(snap snapshot.Provider) *FX {
	return &FX{snap: snap}
}

func (f *FX) Domain() model.Domain { return model.DomainFX }

func (f *FX) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	cur, err := f.snap.Rows(ctx, snapshot.TableFX, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "fx: load rows")
	}
	if len(cur) == 0 {
		return nil, eris.Wrap(ErrNoData, "fx")
	}
	prev, err := f.snap.Rows(ctx, snapshot.TableFX, in.Scope.Prev())
	if err != nil {
		return nil, eris.Wrap(err, "fx: load prior rows")
	}

	curRates := ratesByPair(cur)
	prevRates := ratesByPair(prev)

	pairs := make([]string, 0, len(curRates))
	for p := range curRates {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	var sumDelta float64
	var nDelta int
	var evidence []string
	metrics := map[string]float64{}
	for _, pair := range pairs {
		curRate := curRates[pair]
		prevRate, ok := prevRates[pair]
		if !ok || prevRate == 0 {
			evidence = append(evidence, fmt.Sprintf("%s %.4f, no prior period rate", pair, curRate))
			continue
		}
		delta := (curRate - prevRate) / prevRate
		sumDelta += delta
		nDelta++
		metrics["delta:"+pair] = delta
		evidence = append(evidence, fmt.Sprintf("%s %.4f vs %.4f prior period (%.2f%%)", pair, curRate, prevRate, delta*100))
	}
	if nDelta == 0 {
		return nil, eris.Wrap(ErrNoData, "fx: no prior period rates to compare")
	}

	avgDelta := mean(sumDelta, nDelta)
	exposure, err := revenueExposure(ctx, f.snap, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "fx: revenue exposure")
	}
	impact := avgDelta * exposure
	metrics["avg_rate_delta"] = avgDelta

	direction := "strengthened"
	if avgDelta < 0 {
		direction = "weakened"
	}
	summary := fmt.Sprintf("rates %s %.2f%% on average across %d pairs", direction, abs(avgDelta)*100, nDelta)

	return &model.Finding{
		Domain:   model.DomainFX,
		Impact:   impact,
		Metrics:  metrics,
		Summary:  summary,
		Evidence: evidence,
	}, nil
}

// ratesByPair averages avg_rate readings per currency pair. Rows missing the
// pair attribute are skipped.
func ratesByPair(rows []snapshot.Row) map[string]float64 {
	sum := map[string]float64{}
	n := map[string]int{}
	for _, r := range rows {
		pair := r.Attrs["pair"]
		if pair == "" {
			continue
		}
		v, ok := r.Value("avg_rate")
		if !ok {
			continue
		}
		sum[pair] += v
		n[pair]++
	}
	out := make(map[string]float64, len(sum))
	for pair, s := range sum {
		out[pair] = mean(s, n[pair])
	}
	return out
}
