package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// MemoryStore is an in-process Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*model.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*model.Run)}
}

// ctxDone mirrors the durable stores, which fail writes once the context is
// cancelled. Keeping the same behavior here lets tests exercise cancellation
// paths against the memory store.
func ctxDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "store: context done")
	}
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, req model.Request) (*model.Run, bool, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, false, err
	}
	req = req.Normalized()
	id := req.RunID()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[id]; ok && !existing.Status.Terminal() {
		cp := *existing
		return &cp, false, nil
	}

	run := &model.Run{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[id] = run
	cp := *run
	return &cp, true, nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "%s", runID)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Run
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Period != "" && run.Request.Period != filter.Period {
			continue
		}
		matched = append(matched, *run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, runID string, upd StatusUpdate) (*model.Run, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "%s", runID)
	}
	if !run.Status.CanTransition(upd.Status) {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s for run %s", run.Status, upd.Status, runID)
	}

	run.Status = upd.Status
	if upd.Result != nil {
		run.Result = upd.Result
	}
	run.Error = upd.Error
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, runID string, progress model.Progress) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "%s", runID)
	}
	run.Progress = progress
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecoverInterrupted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	now := time.Now().UTC()
	for _, run := range s.runs {
		if run.Status.Terminal() {
			continue
		}
		run.Status = model.RunStatusFailed
		run.Error = interruptedError()
		run.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
