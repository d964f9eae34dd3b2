package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rca-engine/internal/model"
)

// Pool fans a scope out to every registered analyzer concurrently and
// barriers on the full set. Individual analyzer failures are recorded, not
// propagated; the pool itself only errors when the parent context dies.
type Pool struct {
	analyzers []Analyzer
	timeout   time.Duration
}

// NewPool creates a pool over the given analyzers. timeout bounds each
// analyzer call independently; zero means no per-analyzer deadline.
func NewPool(analyzers []Analyzer, timeout time.Duration) *Pool {
	return &Pool{analyzers: analyzers, timeout: timeout}
}

// Run executes every analyzer against the input and collects findings and
// failures in registry order. The two slices partition the analyzer set.
func (p *Pool) Run(ctx context.Context, in Input) ([]model.Finding, []model.DomainFailure, error) {
	type slot struct {
		finding *model.Finding
		failure *model.DomainFailure
	}
	slots := make([]slot, len(p.analyzers))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range p.analyzers {
		g.Go(func() error {
			finding, err := p.runOne(gctx, a, in)
			if err != nil {
				slots[i].failure = &model.DomainFailure{
					Domain:  a.Domain(),
					Kind:    classifyFailure(err),
					Message: err.Error(),
				}
				zap.L().Debug("analyzer failed",
					zap.String("domain", string(a.Domain())),
					zap.String("scope", in.Scope.Label()),
					zap.Error(err))
				return nil
			}
			slots[i].finding = finding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var findings []model.Finding
	var failures []model.DomainFailure
	for _, s := range slots {
		switch {
		case s.finding != nil:
			findings = append(findings, *s.finding)
		case s.failure != nil:
			failures = append(failures, *s.failure)
		}
	}
	return findings, failures, nil
}

// runOne applies the per-analyzer deadline and contains panics so one
// misbehaving domain cannot take down the scope.
func (p *Pool) runOne(ctx context.Context, a Analyzer, in Input) (finding *model.Finding, err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("analyzer panic: %v", r)
		}
	}()

	finding, err = a.Analyze(ctx, in)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return finding, nil
}
