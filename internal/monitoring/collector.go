// Package monitoring builds point-in-time health snapshots for the metrics
// endpoint and the stats command.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	RunsTotal        int `json:"runs_total"`
	RunsQueued       int `json:"runs_queued"`
	RunsRunning      int `json:"runs_running"`
	RunsSynthesizing int `json:"runs_synthesizing"`
	RunsCompleted    int `json:"runs_completed"`
	RunsFailed       int `json:"runs_failed"`

	// FailureCodes counts failed runs by their error code.
	FailureCodes map[string]int `json:"failure_codes,omitempty"`

	// SweepShare is the fraction of runs that were sweeps.
	SweepShare float64 `json:"sweep_share"`

	// QueueOccupied is the number of live admission tickets, when wired.
	QueueOccupied int `json:"queue_occupied"`

	CollectedAt time.Time `json:"collected_at"`
}

// FailRate is failed over finished. Zero when nothing has finished.
func (s *MetricsSnapshot) FailRate() float64 {
	finished := s.RunsCompleted + s.RunsFailed
	if finished == 0 {
		return 0
	}
	return float64(s.RunsFailed) / float64(finished)
}

// OccupancyReporter reports live admission tickets. The admission controller
// implements it.
type OccupancyReporter interface {
	Occupied() int
}

// Collector gathers run metrics from the store.
type Collector struct {
	store     store.Store
	occupancy OccupancyReporter
}

// NewCollector creates a metrics collector. occupancy may be nil.
func NewCollector(st store.Store, occupancy OccupancyReporter) *Collector {
	return &Collector{store: st, occupancy: occupancy}
}

const collectScanLimit = 10000

// Collect builds a snapshot over the most recent runs.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		FailureCodes: map[string]int{},
		CollectedAt:  time.Now().UTC(),
	}

	runs, total, err := c.store.ListRuns(ctx, store.RunFilter{Limit: collectScanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsTotal = total

	sweeps := 0
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusQueued:
			snap.RunsQueued++
		case model.RunStatusRunning:
			snap.RunsRunning++
		case model.RunStatusSynthesizing:
			snap.RunsSynthesizing++
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if r.Error != nil {
				snap.FailureCodes[string(r.Error.Code)]++
			}
		}
		if r.Request.IsSweep() {
			sweeps++
		}
	}
	if len(runs) > 0 {
		snap.SweepShare = float64(sweeps) / float64(len(runs))
	}

	if c.occupancy != nil {
		snap.QueueOccupied = c.occupancy.Occupied()
	}
	return snap, nil
}
