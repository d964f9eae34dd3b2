package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rca-engine/internal/admission"
	"github.com/sells-group/rca-engine/internal/enrich"
	"github.com/sells-group/rca-engine/internal/monitoring"
	"github.com/sells-group/rca-engine/internal/orchestrator"
	"github.com/sells-group/rca-engine/internal/scope"
	"github.com/sells-group/rca-engine/internal/snapshot"
	"github.com/sells-group/rca-engine/internal/store"
)

// engineEnv holds the initialized store, snapshot, and orchestrator needed by
// the serve and run commands.
type engineEnv struct {
	Store        store.Store
	Snapshot     snapshot.Provider
	Catalog      scope.Catalog
	Admission    *admission.Controller
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the run store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initSnapshot loads the tabular snapshot from the configured directory.
func initSnapshot() (*snapshot.Static, error) {
	switch cfg.Snapshot.Format {
	case "", "csv":
		return snapshot.NewCSV(cfg.Snapshot.Dir)
	case "xlsx":
		return snapshot.NewXLSX(cfg.Snapshot.Dir)
	default:
		return nil, eris.Errorf("unknown snapshot format %q", cfg.Snapshot.Format)
	}
}

// initCatalog loads the dimension catalog from file when configured, falling
// back to deriving it from the snapshot's finance table.
func initCatalog(snap *snapshot.Static) (scope.Catalog, error) {
	if cfg.Snapshot.CatalogPath != "" {
		cat, err := scope.LoadCatalog(cfg.Snapshot.CatalogPath)
		if err != nil {
			return nil, eris.Wrap(err, "load catalog")
		}
		return cat, nil
	}
	return scope.CatalogFromSnapshot(snap, ""), nil
}

// initEngine sets up the store, snapshot, admission controller, and
// orchestrator. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := initSnapshot()
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load snapshot")
	}

	catalog, err := initCatalog(snap)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	admit := admission.NewController(
		cfg.Admission.QueueCeiling,
		cfg.Admission.RateLimitRequests,
		cfg.Admission.RateWindow(),
	)

	narrator := enrich.New(cfg.Anthropic)
	if cfg.Anthropic.Key == "" {
		zap.L().Info("anthropic key not set, narratives fall back to briefs")
	}

	orch := orchestrator.New(cfg.Orchestrator, st, snap, catalog, narrator, admit, cfg.Admission.QueueCeiling)

	return &engineEnv{
		Store:        st,
		Snapshot:     snap,
		Catalog:      catalog,
		Admission:    admit,
		Orchestrator: orch,
		Collector:    monitoring.NewCollector(st, admit),
	}, nil
}
