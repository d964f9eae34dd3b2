// Package store persists investigation runs. All implementations enforce the
// run status state machine and idempotent creation keyed by the
// scope-derived run id.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = eris.New("store: run not found")

// ErrInvalidTransition is returned when a status update violates the run
// state machine.
var ErrInvalidTransition = eris.New("store: invalid status transition")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Period string          `json:"period,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// StatusUpdate is one atomic state-machine step. Result and Error ride along
// with the status they belong to.
type StatusUpdate struct {
	Status model.RunStatus
	Result *model.RunResult
	Error  *model.RunError
}

// Store defines the persistence interface for investigation runs.
//
// CreateRun is idempotent: submitting a request whose run id already exists
// in a non-terminal status returns the existing run with created=false.
// A terminal run with the same id is reset and re-queued.
//
// UpdateStatus validates the transition against the current status and
// applies status, result, and error in one step, returning the updated run.
type Store interface {
	CreateRun(ctx context.Context, req model.Request) (run *model.Run, created bool, err error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) (runs []model.Run, total int, err error)
	UpdateStatus(ctx context.Context, runID string, upd StatusUpdate) (*model.Run, error)
	UpdateProgress(ctx context.Context, runID string, progress model.Progress) error

	// RecoverInterrupted fails every non-terminal run, marking it
	// interrupted. Called once at startup before accepting work.
	RecoverInterrupted(ctx context.Context) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// interruptedError is the error recorded on runs failed during recovery.
func interruptedError() *model.RunError {
	return &model.RunError{
		Code:    model.ErrCodeInterrupted,
		Message: "run interrupted by shutdown",
	}
}

const defaultListLimit = 100
