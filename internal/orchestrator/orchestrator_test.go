package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rca-engine/internal/admission"
	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/enrich"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/scope"
	"github.com/sells-group/rca-engine/internal/snapshot"
	"github.com/sells-group/rca-engine/internal/store"
)

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Concurrency:          2,
		ScopeParallelism:     2,
		MaxScopes:            50,
		AnalyzerTimeoutSecs:  5,
		EnrichTimeoutSecs:    5,
		ShutdownGraceSecs:    2,
		TopDriversPerBrief:   3,
		HotspotsPerPortfolio: 5,
	}
}

// testSnapshot seeds finance and supply data for APAC and EMEA in 2025-08.
func testSnapshot(t *testing.T) *snapshot.Static {
	t.Helper()
	snap := snapshot.NewStatic(nil)
	for _, region := range []string{"APAC", "EMEA"} {
		snap.Add(snapshot.TableFinance, snapshot.Row{
			Period: "2025-08",
			Dims:   map[model.Dimension]string{model.DimRegion: region, model.DimMetric: "revenue"},
			Values: map[string]float64{"actual": 160000, "plan": 200000},
		})
		snap.Add(snapshot.TableSupply, snapshot.Row{
			Period: "2025-08",
			Dims:   map[model.Dimension]string{model.DimRegion: region},
			Values: map[string]float64{"otif": 0.90},
		})
	}
	return snap
}

type orchOption func(*orchFixture)

type orchFixture struct {
	snap     snapshot.Provider
	catalog  scope.Catalog
	narrator enrich.Narrator
	cfg      config.OrchestratorConfig
	ceiling  int
}

func withSnapshot(s snapshot.Provider) orchOption {
	return func(f *orchFixture) { f.snap = s }
}

func withCatalog(c scope.Catalog) orchOption {
	return func(f *orchFixture) { f.catalog = c }
}

func withNarrator(n enrich.Narrator) orchOption {
	return func(f *orchFixture) { f.narrator = n }
}

func withConfig(cfg config.OrchestratorConfig) orchOption {
	return func(f *orchFixture) { f.cfg = cfg }
}

func withCeiling(n int) orchOption {
	return func(f *orchFixture) { f.ceiling = n }
}

func newTestOrchestrator(t *testing.T, opts ...orchOption) (*Orchestrator, store.Store) {
	t.Helper()

	f := &orchFixture{
		snap:     testSnapshot(t),
		catalog:  scope.Catalog{model.DimRegion: {"AMER", "APAC", "EMEA"}},
		narrator: enrich.FallbackNarrator{},
		cfg:      testConfig(),
		ceiling:  8,
	}
	for _, opt := range opts {
		opt(f)
	}

	st := store.NewMemory()
	admit := admission.NewController(f.ceiling, 0, 0)
	o := New(f.cfg, st, f.snap, f.catalog, f.narrator, admit, f.ceiling)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Shutdown)
	return o, st
}

func waitForTerminal(t *testing.T, st store.Store, runID string) *model.Run {
	t.Helper()
	var run *model.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = st.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestSingleScopeRunCompletes(t *testing.T) {
	o, st := newTestOrchestrator(t)

	run, created, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Scope)
	assert.Nil(t, final.Result.Sweep)

	res := final.Result.Scope
	require.NotEmpty(t, res.Drivers)
	assert.Equal(t, model.DomainFinance, res.Drivers[0].Domain)
	assert.Contains(t, res.Brief, "revenue 40,000 below plan")
	assert.Equal(t, res.Brief, res.Narrative)
	assert.Equal(t, 1, final.Progress.ScopesTotal)
}

func TestSweepRunBuildsPortfolio(t *testing.T) {
	o, st := newTestOrchestrator(t)

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", FullSweep: true}, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Sweep)

	sweep := final.Result.Sweep
	// Catalog has three regions; AMER has no data and degrades, not fails.
	assert.Len(t, sweep.Scopes, 3)
	assert.NotEmpty(t, sweep.Portfolio.Hotspots)
	assert.Contains(t, sweep.Portfolio.Brief, "Sweep covered 3 scopes")
	assert.Equal(t, 3, final.Progress.ScopesTotal)
	assert.Equal(t, 3, final.Progress.ScopesDone)
}

// regionBUSnapshot seeds every analyzer table for three regions and two
// business units in 2025-08, except finance for EMEA/Growth.
func regionBUSnapshot(t *testing.T) *snapshot.Static {
	t.Helper()
	snap := snapshot.NewStatic(nil)
	for _, region := range []string{"AMER", "APAC", "EMEA"} {
		snap.Add(snapshot.TableFX,
			snapshot.Row{
				Period: "2025-08",
				Dims:   map[model.Dimension]string{model.DimRegion: region},
				Values: map[string]float64{"avg_rate": 1.08},
				Attrs:  map[string]string{"pair": "EURUSD"},
			},
			snapshot.Row{
				Period: "2025-07",
				Dims:   map[model.Dimension]string{model.DimRegion: region},
				Values: map[string]float64{"avg_rate": 1.10},
				Attrs:  map[string]string{"pair": "EURUSD"},
			},
		)
		snap.Add(snapshot.TableEvents, snapshot.Row{
			Period: "2025-08",
			Dims:   map[model.Dimension]string{model.DimRegion: region},
			Attrs:  map[string]string{"date": "2025-08-12", "type": "promo", "summary": "mid-month promotion"},
		})

		for _, bu := range []string{"Core", "Growth"} {
			dims := map[model.Dimension]string{model.DimRegion: region, model.DimBU: bu}

			if region != "EMEA" || bu != "Growth" {
				snap.Add(snapshot.TableFinance, snapshot.Row{
					Period: "2025-08",
					Dims:   map[model.Dimension]string{model.DimRegion: region, model.DimBU: bu, model.DimMetric: "revenue"},
					Values: map[string]float64{"actual": 90000, "plan": 100000},
				})
			}
			snap.Add(snapshot.TableOrders,
				snapshot.Row{
					Period: "2025-08",
					Dims:   dims,
					Values: map[string]float64{"orders": 500, "cancellations": 10, "asp": 200},
				},
				snapshot.Row{
					Period: "2025-07",
					Dims:   dims,
					Values: map[string]float64{"orders": 550, "asp": 195},
				},
			)
			snap.Add(snapshot.TableSupply, snapshot.Row{
				Period: "2025-08",
				Dims:   dims,
				Values: map[string]float64{"otif": 0.93},
			})
			snap.Add(snapshot.TableShipments, snapshot.Row{
				Period: "2025-08",
				Dims:   dims,
				Values: map[string]float64{"fulfillment_rate": 0.97, "shipped_units": 480},
			})
		}
	}
	return snap
}

func TestSweepOverRegionAndBUToleratesMissingFinance(t *testing.T) {
	o, st := newTestOrchestrator(t,
		withSnapshot(regionBUSnapshot(t)),
		withCatalog(scope.Catalog{
			model.DimRegion: {"AMER", "APAC", "EMEA"},
			model.DimBU:     {"Core", "Growth"},
		}),
	)

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", FullSweep: true}, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Sweep)
	assert.Equal(t, 6, final.Progress.ScopesTotal)
	assert.Equal(t, 6, final.Progress.ScopesDone)

	sweep := final.Result.Sweep
	require.Len(t, sweep.Scopes, 6)

	// The one scope without finance data degrades to partial; the rest
	// complete cleanly.
	var partials []model.ScopeResult
	for _, s := range sweep.Scopes {
		if s.Partial() {
			partials = append(partials, s)
		}
	}
	require.Len(t, partials, 1)
	missing := partials[0]
	assert.Equal(t, "EMEA", missing.Scope.Region)
	assert.Equal(t, "Growth", missing.Scope.BU)
	require.Len(t, missing.FailedDomains, 1)
	assert.Equal(t, model.DomainFinance, missing.FailedDomains[0].Domain)
	assert.Equal(t, model.FailureNoData, missing.FailedDomains[0].Kind)
	assert.NotEmpty(t, missing.Drivers, "operational analyzers still report on the partial scope")

	// The portfolio rollup sums only the five scopes that carried revenue.
	require.Contains(t, sweep.Portfolio.Totals, "revenue")
	rev := sweep.Portfolio.Totals["revenue"]
	assert.InDelta(t, 5*90000, rev.Actual, 0.001)
	require.NotNil(t, rev.Plan)
	assert.InDelta(t, 5*100000, *rev.Plan, 0.001)

	// The partial scope's surviving findings still count toward the
	// domain rollup.
	occurrences := map[model.Domain]int{}
	for _, d := range sweep.Portfolio.Domains {
		occurrences[d.Domain] = d.Occurrences
	}
	assert.Equal(t, 6, occurrences[model.DomainSupply])
	assert.Equal(t, 5, occurrences[model.DomainFinance])
	assert.Empty(t, sweep.Portfolio.FailedScopes)
}

func TestSubmitDeduplicatesActiveRun(t *testing.T) {
	gate := make(chan struct{})
	o, st := newTestOrchestrator(t, withNarrator(blockingNarrator{gate: gate}))

	req := model.Request{Period: "2025-08", Region: "APAC"}
	run, created, err := o.Submit(context.Background(), req, "tester")
	require.NoError(t, err)
	require.True(t, created)

	dup, created, err := o.Submit(context.Background(), req, "tester")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, dup.ID)

	close(gate)
	waitForTerminal(t, st, run.ID)
}

func TestSubmitRejectsInvalidPeriod(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, _, err := o.Submit(context.Background(), model.Request{Period: "August 2025"}, "tester")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitQueueFull(t *testing.T) {
	gate := make(chan struct{})
	o, st := newTestOrchestrator(t, withCeiling(1), withNarrator(blockingNarrator{gate: gate}))

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.NoError(t, err)

	_, _, err = o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "EMEA"}, "tester")
	require.Error(t, err)
	assert.True(t, eris.Is(err, admission.ErrQueueFull))

	close(gate)
	waitForTerminal(t, st, run.ID)

	// The slot frees once the run finishes.
	require.Eventually(t, func() bool {
		_, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "EMEA"}, "tester")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScopeExplosionFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxScopes = 2
	o, st := newTestOrchestrator(t, withConfig(cfg))

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", FullSweep: true}, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrCodeScopeExplosion, final.Error.Code)
}

func TestAllAnalyzersFailedFailsSingleScopeRun(t *testing.T) {
	o, st := newTestOrchestrator(t, withSnapshot(snapshot.NewStatic(nil)))

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrCodeAllAnalyzersFailed, final.Error.Code)
}

func TestNarrationFailureKeepsBrief(t *testing.T) {
	o, st := newTestOrchestrator(t, withNarrator(failingNarrator{}))

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, st, run.ID)
	require.Equal(t, model.RunStatusCompleted, final.Status)
	res := final.Result.Scope
	assert.Equal(t, res.Brief, res.Narrative)
}

func TestStartRecoversInterruptedRuns(t *testing.T) {
	st := store.NewMemory()
	stale, _, err := st.CreateRun(context.Background(), model.Request{Period: "2025-08", Region: "APAC"})
	require.NoError(t, err)
	_, err = st.UpdateStatus(context.Background(), stale.ID, store.StatusUpdate{Status: model.RunStatusRunning})
	require.NoError(t, err)

	admit := admission.NewController(4, 0, 0)
	o := New(testConfig(), st, testSnapshot(t), nil, enrich.FallbackNarrator{}, admit, 4)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Shutdown)

	got, err := st.GetRun(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrCodeInterrupted, got.Error.Code)
}

func TestShutdownLeavesNoRunNonTerminal(t *testing.T) {
	// Narrator gate never opens, so the run is parked in the narration step.
	// After the grace window elapses, shutdown cancels the worker context;
	// the run must still reach a terminal status before Shutdown returns.
	cfg := testConfig()
	cfg.ShutdownGraceSecs = 1
	o, st := newTestOrchestrator(t, withConfig(cfg), withNarrator(blockingNarrator{gate: make(chan struct{})}))

	run, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.NoError(t, err)

	// Wait until the worker has parked the run in synthesizing.
	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.ID)
		return err == nil && got.Status == model.RunStatusSynthesizing
	}, 5*time.Second, 10*time.Millisecond)

	o.Shutdown()

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal(), "run left in %s after shutdown", got.Status)
	require.Equal(t, model.RunStatusCompleted, got.Status)
	// Narration was cut off, so the deterministic brief stands.
	assert.Equal(t, got.Result.Scope.Brief, got.Result.Scope.Narrative)
}

func TestSubmitAfterShutdown(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.Shutdown()

	_, _, err := o.Submit(context.Background(), model.Request{Period: "2025-08", Region: "APAC"}, "tester")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrShuttingDown))
}

// blockingNarrator parks runs in the narration step until the gate opens.
type blockingNarrator struct {
	gate chan struct{}
}

func (b blockingNarrator) Narrate(ctx context.Context, brief string, _ []model.RankedDriver) (string, error) {
	select {
	case <-b.gate:
		return brief, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type failingNarrator struct{}

func (failingNarrator) Narrate(context.Context, string, []model.RankedDriver) (string, error) {
	return "", eris.New("narrator unavailable")
}
