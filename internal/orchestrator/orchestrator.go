// Package orchestrator owns the run lifecycle: admission, durable creation,
// queued execution on a worker pool, per-scope analyzer fan-out, aggregation,
// optional narration, and terminal persistence.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rca-engine/internal/admission"
	"github.com/sells-group/rca-engine/internal/aggregate"
	"github.com/sells-group/rca-engine/internal/analyzer"
	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/enrich"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/scope"
	"github.com/sells-group/rca-engine/internal/snapshot"
	"github.com/sells-group/rca-engine/internal/store"
)

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = eris.New("orchestrator: shutting down")

// ErrInvalidRequest marks request validation failures so transports can
// distinguish them from infrastructure errors.
var ErrInvalidRequest = eris.New("orchestrator: invalid request")

type job struct {
	runID  string
	req    model.Request
	ticket *admission.Ticket
}

// Orchestrator executes investigation runs.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	store     store.Store
	snap      snapshot.Provider
	resolver  *scope.Resolver
	pool      *analyzer.Pool
	scopes    *aggregate.ScopeAggregator
	portfolio *aggregate.PortfolioAggregator
	narrator  enrich.Narrator
	admit     *admission.Controller

	queue    chan job
	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
	cancel   context.CancelFunc
}

// New wires an orchestrator from its dependencies.
func New(cfg config.OrchestratorConfig, st store.Store, snap snapshot.Provider, catalog scope.Catalog, narrator enrich.Narrator, admit *admission.Controller, queueCeiling int) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ScopeParallelism <= 0 {
		cfg.ScopeParallelism = 1
	}
	if queueCeiling <= 0 {
		queueCeiling = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		snap:      snap,
		resolver:  scope.NewResolver(catalog, cfg.MaxScopes),
		pool:      analyzer.NewPool(analyzer.Registry(snap), cfg.AnalyzerTimeout()),
		scopes:    aggregate.NewScopeAggregator(cfg.TopDriversPerBrief),
		portfolio: aggregate.NewPortfolioAggregator(cfg.HotspotsPerPortfolio),
		narrator:  narrator,
		admit:     admit,
		queue:     make(chan job, queueCeiling),
	}
}

// Start recovers interrupted runs and launches the worker pool. Workers run
// until Shutdown.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.store.RecoverInterrupted(ctx)
	if err != nil {
		return eris.Wrap(err, "orchestrator: recover interrupted runs")
	}
	if n > 0 {
		zap.L().Warn("failed interrupted runs from previous process", zap.Int("count", n))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	for i := 0; i < o.cfg.Concurrency; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for j := range o.queue {
				o.execute(runCtx, j)
			}
		}()
	}
	zap.L().Info("orchestrator started",
		zap.Int("workers", o.cfg.Concurrency),
		zap.Int("queue_capacity", cap(o.queue)))
	return nil
}

// Shutdown stops intake, waits up to the configured grace period for
// in-flight runs, then cancels the rest. Cancelled runs are failed as
// interrupted by their workers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	close(o.queue)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.Duration(o.cfg.ShutdownGraceSecs) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		zap.L().Warn("shutdown grace elapsed, cancelling in-flight runs")
		o.cancel()
		<-done
	}
	o.cancel()
	zap.L().Info("orchestrator stopped")
}

// Submit validates, admits, durably creates, and enqueues a run. The caller
// string scopes rate limiting. Deduplicated submissions return the existing
// run without consuming a queue slot.
func (o *Orchestrator) Submit(ctx context.Context, req model.Request, caller string) (*model.Run, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.draining {
		return nil, false, ErrShuttingDown
	}
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return nil, false, eris.Wrapf(ErrInvalidRequest, "%v", err)
	}

	ticket, err := o.admit.Admit(caller)
	if err != nil {
		return nil, false, err
	}

	run, created, err := o.store.CreateRun(ctx, req)
	if err != nil {
		ticket.Release()
		return nil, false, eris.Wrap(err, "orchestrator: create run")
	}
	if !created {
		ticket.Release()
		zap.L().Info("run deduplicated",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)))
		return run, false, nil
	}

	o.queue <- job{runID: run.ID, req: req, ticket: ticket}
	zap.L().Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("caller", caller),
		zap.Bool("sweep", req.IsSweep()))
	return run, true, nil
}

func (o *Orchestrator) execute(ctx context.Context, j job) {
	defer j.ticket.Release()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("run panicked", zap.String("run_id", j.runID), zap.Any("panic", r))
			o.fail(j.runID, model.ErrCodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	start := time.Now()
	if err := o.setStatus(j.runID, store.StatusUpdate{Status: model.RunStatusRunning}); err != nil {
		zap.L().Error("mark run running", zap.String("run_id", j.runID), zap.Error(err))
		o.fail(j.runID, model.ErrCodeInternal, "persist running status: "+err.Error())
		return
	}

	scopes, err := o.resolver.Resolve(j.req)
	if err != nil {
		if eris.Is(err, scope.ErrScopeExplosion) {
			o.fail(j.runID, model.ErrCodeScopeExplosion, err.Error())
			return
		}
		o.fail(j.runID, model.ErrCodeInternal, err.Error())
		return
	}
	o.progress(j.runID, 0, len(scopes))

	results, err := o.analyzeScopes(ctx, j, scopes)
	if err != nil {
		o.fail(j.runID, model.ErrCodeInterrupted, "run interrupted by shutdown")
		return
	}

	if err := o.setStatus(j.runID, store.StatusUpdate{Status: model.RunStatusSynthesizing}); err != nil {
		zap.L().Error("mark run synthesizing", zap.String("run_id", j.runID), zap.Error(err))
		o.fail(j.runID, model.ErrCodeInternal, "persist synthesizing status: "+err.Error())
		return
	}

	result, failCode, failMsg := o.synthesize(ctx, j, scopes, results)
	if failCode != "" {
		o.fail(j.runID, failCode, failMsg)
		return
	}

	if err := o.setStatus(j.runID, store.StatusUpdate{
		Status: model.RunStatusCompleted,
		Result: result,
	}); err != nil {
		zap.L().Error("mark run completed", zap.String("run_id", j.runID), zap.Error(err))
		o.fail(j.runID, model.ErrCodeInternal, "persist result: "+err.Error())
		return
	}
	zap.L().Info("run completed",
		zap.String("run_id", j.runID),
		zap.Int("scopes", len(scopes)),
		zap.Duration("elapsed", time.Since(start)))
}

// analyzeScopes fans scopes out across the scope-parallelism limit, keeping
// results in resolver order. Only context cancellation is an error here.
func (o *Orchestrator) analyzeScopes(ctx context.Context, j job, scopes []model.Scope) ([]model.ScopeResult, error) {
	results := make([]model.ScopeResult, len(scopes))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ScopeParallelism)
	for i, sc := range scopes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings, failures, err := o.pool.Run(gctx, analyzer.Input{
				Scope:      sc,
				Comparison: j.req.Comparison,
			})
			if err != nil {
				return err
			}
			results[i] = *o.scopes.Aggregate(sc, findings, failures)
			o.progress(j.runID, int(done.Add(1)), len(scopes))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// synthesize turns scope results into the run result, or a failure code when
// nothing was analyzable.
func (o *Orchestrator) synthesize(ctx context.Context, j job, scopes []model.Scope, results []model.ScopeResult) (*model.RunResult, model.ErrorCode, string) {
	if len(scopes) == 1 && !j.req.IsSweep() {
		res := results[0]
		if res.Error != "" {
			return nil, model.ErrCodeAllAnalyzersFailed, res.Error
		}
		res.Narrative = o.narrate(ctx, res.Brief, res.Drivers)
		return &model.RunResult{Scope: &res}, "", ""
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed == len(results) {
		return nil, model.ErrCodeAllAnalyzersFailed, "every scope in the sweep failed"
	}

	pf := o.portfolio.Aggregate(results)
	pf.Narrative = o.narrate(ctx, pf.Brief, nil)
	return &model.RunResult{Sweep: &model.SweepResult{Scopes: results, Portfolio: pf}}, "", ""
}

// narrate is best effort: on any failure the deterministic brief stands.
func (o *Orchestrator) narrate(ctx context.Context, brief string, drivers []model.RankedDriver) string {
	nctx := ctx
	if t := o.cfg.EnrichTimeout(); t > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	out, err := o.narrator.Narrate(nctx, brief, drivers)
	if err != nil {
		zap.L().Warn("narration failed, keeping deterministic brief", zap.Error(err))
		return brief
	}
	return out
}

// setStatus persists a lifecycle transition on a fresh context so shutdown
// cancellation cannot strand a run in a non-terminal status. Only analyzer
// and narration work rides the cancellable worker context.
func (o *Orchestrator) setStatus(runID string, upd store.StatusUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := o.store.UpdateStatus(ctx, runID, upd)
	return err
}

func (o *Orchestrator) fail(runID string, code model.ErrorCode, msg string) {
	// Persist terminal state even when the run context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.store.UpdateStatus(ctx, runID, store.StatusUpdate{
		Status: model.RunStatusFailed,
		Error:  &model.RunError{Code: code, Message: msg},
	})
	if err != nil {
		zap.L().Error("mark run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	zap.L().Warn("run failed",
		zap.String("run_id", runID),
		zap.String("code", string(code)),
		zap.String("message", msg))
}

func (o *Orchestrator) progress(runID string, done, total int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateProgress(ctx, runID, model.Progress{ScopesDone: done, ScopesTotal: total}); err != nil {
		zap.L().Debug("update progress", zap.String("run_id", runID), zap.Error(err))
	}
}
