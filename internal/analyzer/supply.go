package analyzer

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// Supply reads the supply table and scores on-time-in-full shortfall against
// the service target, scaled by the scope's revenue exposure.
type Supply struct {
	snap snapshot.Provider
}

// NewSupply creates the supply analyzer.
func NewSupply(snap snapshot.Provider) *Supply {
	return &Supply{snap: snap}
}

func (s *Supply) Domain() model.Domain { return model.DomainSupply }

func (s *Supply) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	rows, err := s.snap.Rows(ctx, snapshot.TableSupply, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "supply: load rows")
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrNoData, "supply")
	}

	var sumOTIF float64
	var nOTIF int
	var sumLead float64
	var nLead int
	for _, r := range rows {
		if v, ok := r.Value("otif"); ok {
			sumOTIF += v
			nOTIF++
		}
		if v, ok := r.Value("lead_time_days"); ok {
			sumLead += v
			nLead++
		}
	}
	if nOTIF == 0 {
		return nil, eris.Wrap(ErrNoData, "supply: no otif readings")
	}

	avgOTIF := mean(sumOTIF, nOTIF)
	shortfall := serviceTarget - avgOTIF
	if shortfall < 0 {
		shortfall = 0
	}

	exposure, err := revenueExposure(ctx, s.snap, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "supply: revenue exposure")
	}
	impact := -shortfall * exposure

	metrics := map[string]float64{
		"avg_otif":       avgOTIF,
		"otif_shortfall": shortfall,
	}
	evidence := []string{
		fmt.Sprintf("avg otif %.3f against %.2f target", avgOTIF, serviceTarget),
	}
	if nLead > 0 {
		avgLead := mean(sumLead, nLead)
		metrics["avg_lead_time_days"] = avgLead
		evidence = append(evidence, fmt.Sprintf("avg lead time %.1f days", avgLead))
	}

	summary := fmt.Sprintf("otif %.1f%% meets the %.0f%% target", avgOTIF*100, serviceTarget*100)
	if shortfall > 0 {
		summary = fmt.Sprintf("otif %.1f%% is %.1f pts under the %.0f%% target", avgOTIF*100, shortfall*100, serviceTarget*100)
	}

	return &model.Finding{
		Domain:   model.DomainSupply,
		Impact:   impact,
		Metrics:  metrics,
		Summary:  summary,
		Evidence: evidence,
	}, nil
}
