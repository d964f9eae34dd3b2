package analyzer

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// Fulfillment reads the shipments table and scores fulfillment-rate
// shortfall against the service target, scaled by revenue exposure.
type Fulfillment struct {
	snap snapshot.Provider
}

// NewFulfillment creates the fulfillment analyzer.
func NewFulfillment(snap snapshot.Provider) *Fulfillment {
	return &Fulfillment{snap: snap}
}

func (f *Fulfillment) Domain() model.Domain { return model.DomainFulfillment }

func (f *Fulfillment) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	rows, err := f.snap.Rows(ctx, snapshot.TableShipments, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "fulfillment: load rows")
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrNoData, "fulfillment")
	}

	var sumRate float64
	var nRate int
	var shipped float64
	for _, r := range rows {
		if v, ok := r.Value("fulfillment_rate"); ok {
			sumRate += v
			nRate++
		}
		if v, ok := r.Value("shipped_units"); ok {
			shipped += v
		}
	}
	if nRate == 0 {
		return nil, eris.Wrap(ErrNoData, "fulfillment: no rate readings")
	}

	avgRate := mean(sumRate, nRate)
	shortfall := serviceTarget - avgRate
	if shortfall < 0 {
		shortfall = 0
	}

	exposure, err := revenueExposure(ctx, f.snap, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "fulfillment: revenue exposure")
	}
	impact := -shortfall * exposure

	summary := fmt.Sprintf("fulfillment %.1f%% meets the %.0f%% target", avgRate*100, serviceTarget*100)
	if shortfall > 0 {
		summary = fmt.Sprintf("fulfillment %.1f%% is %.1f pts under the %.0f%% target", avgRate*100, shortfall*100, serviceTarget*100)
	}

	return &model.Finding{
		Domain: model.DomainFulfillment,
		Impact: impact,
		Metrics: map[string]float64{
			"avg_fulfillment_rate":  avgRate,
			"fulfillment_shortfall": shortfall,
			"shipped_units":         shipped,
		},
		Summary: summary,
		Evidence: []string{
			fmt.Sprintf("avg fulfillment rate %.3f over %d readings", avgRate, nRate),
			fmt.Sprintf("%.0f units shipped", shipped),
		},
	}, nil
}
