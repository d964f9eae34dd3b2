// Package analyzer holds the domain analyzers and the fan-out pool that runs
// them against a scope. Each analyzer is a pure function of (scope, snapshot):
// it reads tabular rows through the snapshot capability and produces a single
// Finding, or a typed failure the pool records without aborting the scope.
package analyzer

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// ErrNoData marks a scope with no rows in the analyzer's table(s).
var ErrNoData = eris.New("no data for scope")

// Input carries the per-run parameters an analyzer sees.
type Input struct {
	Scope      model.Scope
	Comparison model.Comparison
}

// Analyzer produces findings for one domain.
type Analyzer interface {
	Domain() model.Domain
	Analyze(ctx context.Context, in Input) (*model.Finding, error)
}

// Registry returns the fixed, ordered analyzer list for a snapshot provider.
// Order matches the domain priority order so pool output is deterministic.
func Registry(snap snapshot.Provider) []Analyzer {
	return []Analyzer{
		NewFinance(snap),
		NewDemand(snap),
		NewSupply(snap),
		NewFulfillment(snap),
		NewFX(snap),
		NewEvents(snap),
	}
}

// serviceTarget is the OTIF / fulfillment service level shortfalls are
// measured against.
const serviceTarget = 0.95

// classifyFailure maps an analyzer error to the failure taxonomy.
func classifyFailure(err error) model.FailureKind {
	switch {
	case eris.Is(err, ErrNoData):
		return model.FailureNoData
	case errors.Is(err, context.DeadlineExceeded):
		return model.FailureTimeout
	default:
		return model.FailureComputeError
	}
}

// revenueExposure estimates the dollar exposure of a scope from the finance
// table: the actual total of revenue rows, falling back to all metrics when
// the scope has no revenue metric. Operational analyzers scale their
// shortfall fractions by this anchor to express impact in comparable units.
func revenueExposure(ctx context.Context, snap snapshot.Provider, scope model.Scope) (float64, error) {
	rows, err := snap.Rows(ctx, snapshot.TableFinance, scope)
	if err != nil {
		return 0, err
	}

	var revenue, all float64
	var sawRevenue bool
	for _, r := range rows {
		actual, ok := r.Value("actual")
		if !ok {
			continue
		}
		all += actual
		if r.Dims[model.DimMetric] == "revenue" {
			revenue += actual
			sawRevenue = true
		}
	}
	if sawRevenue {
		return revenue, nil
	}
	return all, nil
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
