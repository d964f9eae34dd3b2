package model

import "time"

// RunStatus represents the current state of an investigation run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusRunning      RunStatus = "running"
	RunStatusSynthesizing RunStatus = "synthesizing"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next is a legal step in the
// run state machine.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSynthesizing || next == RunStatusFailed
	case RunStatusSynthesizing:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// ErrorCode is a short, stable machine-readable failure reason.
type ErrorCode string

const (
	ErrCodeQueueFull          ErrorCode = "queue_full"
	ErrCodeRateLimited        ErrorCode = "rate_limited"
	ErrCodeScopeExplosion     ErrorCode = "scope_explosion"
	ErrCodeAllAnalyzersFailed ErrorCode = "all_analyzers_failed"
	ErrCodeInterrupted        ErrorCode = "interrupted"
	ErrCodeInternal           ErrorCode = "internal_error"
)

// RunError is attached to a Run when it fails.
type RunError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Progress is a coarse execution snapshot for polling clients.
type Progress struct {
	ScopesDone  int `json:"scopes_done"`
	ScopesTotal int `json:"scopes_total"`
}

// Run is the durable unit of state for one investigation.
type Run struct {
	ID        string     `json:"id"`
	Request   Request    `json:"request"`
	Status    RunStatus  `json:"status"`
	Progress  Progress   `json:"progress"`
	Result    *RunResult `json:"result,omitempty"`
	Error     *RunError  `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the outcome of a completed run. Exactly one of Scope or
// Sweep is set, depending on the request mode.
type RunResult struct {
	Scope *ScopeResult `json:"scope,omitempty"`
	Sweep *SweepResult `json:"sweep,omitempty"`
}

// MetricTotal is the per-metric rollup of actuals against baselines. Nil
// baselines mean the scope carried no comparison data for the metric.
type MetricTotal struct {
	Actual          float64  `json:"actual"`
	Plan            *float64 `json:"plan,omitempty"`
	Prior           *float64 `json:"prior,omitempty"`
	VarianceToPlan  *float64 `json:"variance_to_plan,omitempty"`
	VarianceToPrior *float64 `json:"variance_to_prior,omitempty"`
}

// ScopeResult is the aggregated outcome for one scope.
type ScopeResult struct {
	Scope         Scope                  `json:"scope"`
	Drivers       []RankedDriver         `json:"drivers"`
	FailedDomains []DomainFailure        `json:"failed_domains,omitempty"`
	Totals        map[string]MetricTotal `json:"totals,omitempty"`
	// BaselineMissing marks scopes with no plan/prior data; the portfolio
	// aggregator excludes them from variance-based rankings.
	BaselineMissing bool   `json:"baseline_missing,omitempty"`
	Brief           string `json:"brief"`
	Narrative       string `json:"narrative,omitempty"`
	// Error is set when the scope produced no findings at all. Such scopes
	// degrade a sweep instead of failing it.
	Error string `json:"error,omitempty"`
}

// Partial reports whether the scope completed with some domains missing.
func (r ScopeResult) Partial() bool {
	return r.Error == "" && len(r.FailedDomains) > 0
}

// SweepResult is the outcome of a multi-scope run: per-scope results in
// resolver order plus the cross-scope portfolio view.
type SweepResult struct {
	Scopes    []ScopeResult `json:"scopes"`
	Portfolio Portfolio     `json:"portfolio"`
}

// Portfolio is the cross-scope rollup produced from a sweep.
type Portfolio struct {
	Hotspots     []Hotspot              `json:"hotspots,omitempty"`
	Domains      []DomainRollup         `json:"domains,omitempty"`
	Totals       map[string]MetricTotal `json:"totals,omitempty"`
	FailedScopes []string               `json:"failed_scopes,omitempty"`
	Brief        string                 `json:"brief"`
	Narrative    string                 `json:"narrative,omitempty"`
}

// Hotspot ranks one dimension value by the total driver impact of the scopes
// pinned to it.
type Hotspot struct {
	Dimension   Dimension `json:"dimension"`
	Value       string    `json:"value"`
	TotalImpact float64   `json:"total_impact"`
	TopDomain   Domain    `json:"top_domain"`
}

// DomainRollup counts and sums a domain's contribution across a sweep.
type DomainRollup struct {
	Domain      Domain  `json:"domain"`
	Occurrences int     `json:"occurrences"`
	TotalImpact float64 `json:"total_impact"`
}
