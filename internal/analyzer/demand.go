package analyzer

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// Demand reads the orders table and attributes impact to order volume
// shifts, priced at the current average selling price. Discount and ASP
// movements ride along as evidence.
type Demand struct {
	snap snapshot.Provider
}

// NewDemand creates the demand analyzer.
func NewDemand(snap snapshot.Provider) *Demand {
	return &Demand{snap: snap}
}

func (d *Demand) Domain() model.Domain { return model.DomainDemand }

func (d *Demand) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	cur, err := d.snap.Rows(ctx, snapshot.TableOrders, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "demand: load rows")
	}
	if len(cur) == 0 {
		return nil, eris.Wrap(ErrNoData, "demand")
	}
	prev, err := d.snap.Rows(ctx, snapshot.TableOrders, in.Scope.Prev())
	if err != nil {
		return nil, eris.Wrap(err, "demand: load prior rows")
	}

	curStats := orderStats(cur)
	prevStats := orderStats(prev)

	ordersDelta := curStats.orders - prevStats.orders
	impact := ordersDelta * curStats.avgASP()

	metrics := map[string]float64{
		"orders":        curStats.orders,
		"orders_delta":  ordersDelta,
		"cancellations": curStats.cancellations,
		"avg_asp":       curStats.avgASP(),
	}
	if curStats.nDiscount > 0 {
		metrics["avg_discount"] = curStats.avgDiscount()
	}

	var evidence []string
	if prevStats.orders != 0 || prevStats.nASP > 0 {
		evidence = append(evidence, fmt.Sprintf("orders %.0f vs %.0f prior period", curStats.orders, prevStats.orders))
		if curStats.nASP > 0 && prevStats.nASP > 0 {
			evidence = append(evidence, fmt.Sprintf("asp %.2f vs %.2f prior period", curStats.avgASP(), prevStats.avgASP()))
		}
		if curStats.nDiscount > 0 && prevStats.nDiscount > 0 {
			evidence = append(evidence, fmt.Sprintf("avg discount %.3f vs %.3f prior period", curStats.avgDiscount(), prevStats.avgDiscount()))
		}
	} else {
		evidence = append(evidence, fmt.Sprintf("orders %.0f, no prior period data", curStats.orders))
	}
	if curStats.cancellations > 0 {
		evidence = append(evidence, fmt.Sprintf("cancellations %.0f", curStats.cancellations))
	}

	direction := "up"
	if ordersDelta < 0 {
		direction = "down"
	}
	summary := fmt.Sprintf("orders %s %.0f vs prior period at avg ASP %.2f", direction, abs(ordersDelta), curStats.avgASP())

	return &model.Finding{
		Domain:   model.DomainDemand,
		Impact:   impact,
		Metrics:  metrics,
		Summary:  summary,
		Evidence: evidence,
	}, nil
}

type orderAgg struct {
	orders, cancellations float64
	sumASP                float64
	nASP                  int
	sumDiscount           float64
	nDiscount             int
}

func (a orderAgg) avgASP() float64      { return mean(a.sumASP, a.nASP) }
func (a orderAgg) avgDiscount() float64 { return mean(a.sumDiscount, a.nDiscount) }

func orderStats(rows []snapshot.Row) orderAgg {
	var a orderAgg
	for _, r := range rows {
		if v, ok := r.Value("orders"); ok {
			a.orders += v
		}
		if v, ok := r.Value("cancellations"); ok {
			a.cancellations += v
		}
		if v, ok := r.Value("asp"); ok {
			a.sumASP += v
			a.nASP++
		}
		if v, ok := r.Value("avg_discount"); ok {
			a.sumDiscount += v
			a.nDiscount++
		}
	}
	return a
}
