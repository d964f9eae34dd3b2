package model

// Domain tags the analyzer that produced a finding.
type Domain string

const (
	DomainFinance     Domain = "finance"
	DomainDemand      Domain = "demand"
	DomainSupply      Domain = "supply"
	DomainFulfillment Domain = "fulfillment"
	DomainFX          Domain = "fx"
	DomainEvents      Domain = "events"
)

// domainPriority fixes the tie-break order for ranked drivers. Lower wins.
var domainPriority = map[Domain]int{
	DomainFinance:     0,
	DomainDemand:      1,
	DomainSupply:      2,
	DomainFulfillment: 3,
	DomainFX:          4,
	DomainEvents:      5,
}

// Priority returns the domain's position in the fixed tie-break order.
// Unknown domains sort last.
func (d Domain) Priority() int {
	if p, ok := domainPriority[d]; ok {
		return p
	}
	return len(domainPriority)
}

// Finding is one analyzer's raw output for one scope. Findings are held only
// for the duration of aggregation and are not persisted individually.
type Finding struct {
	Domain   Domain             `json:"domain"`
	Impact   float64            `json:"impact"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Summary  string             `json:"summary"`
	Evidence []string           `json:"evidence,omitempty"`

	// Totals carries per-metric baseline comparisons. Only the finance
	// analyzer populates it; the aggregator lifts it onto the scope result.
	Totals map[string]MetricTotal `json:"totals,omitempty"`
}

// FailureKind classifies a single analyzer's failure.
type FailureKind string

const (
	FailureNoData       FailureKind = "no_data"
	FailureComputeError FailureKind = "compute_error"
	FailureTimeout      FailureKind = "timeout"
)

// DomainFailure marks an analyzer that did not report for a scope.
type DomainFailure struct {
	Domain  Domain      `json:"domain"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// RankedDriver is a scored explanatory factor derived from one finding.
type RankedDriver struct {
	Domain   Domain   `json:"domain"`
	Impact   float64  `json:"impact"`
	Summary  string   `json:"summary"`
	Evidence []string `json:"evidence,omitempty"`
}
