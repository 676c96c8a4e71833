package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/store"
)

// RegistryStats holds a point-in-time view of the run log and registry.
type RegistryStats struct {
	// Runs created within the lookback window.
	RunsTotal    int                    `json:"runs_total"`
	ByState      map[model.RunState]int `json:"by_state"`
	InFlight     int                    `json:"in_flight"`
	BlockedRate  float64                `json:"blocked_rate"`
	FailedRate   float64                `json:"failed_rate"`
	Snapshots    int                    `json:"snapshots"`
	LastSnapshot *time.Time             `json:"last_snapshot,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Lister abstracts the store methods the collector needs.
type Lister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListSnapshots(ctx context.Context, filter store.SnapshotFilter) ([]model.TrainingSnapshot, error)
}

// Collector gathers registry statistics from the store.
type Collector struct {
	store Lister
}

// NewCollector creates a new stats collector.
func NewCollector(st Lister) *Collector {
	return &Collector{store: st}
}

// maxScan bounds how many rows one collection reads.
const maxScan = 10000

// Collect summarizes runs created in the last lookbackHours and every
// registered snapshot.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*RegistryStats, error) {
	now := time.Now().UTC()
	stats := &RegistryStats{
		ByState:       make(map[model.RunState]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		stats.RunsTotal++
		stats.ByState[r.State]++
		if !r.State.Terminal() {
			stats.InFlight++
		}
	}

	finished := stats.ByState[model.RunMaterialized] + stats.ByState[model.RunBlocked] + stats.ByState[model.RunFailed]
	if finished > 0 {
		stats.BlockedRate = float64(stats.ByState[model.RunBlocked]) / float64(finished)
		stats.FailedRate = float64(stats.ByState[model.RunFailed]) / float64(finished)
	}

	snaps, err := c.store.ListSnapshots(ctx, store.SnapshotFilter{Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list snapshots")
	}
	stats.Snapshots = len(snaps)
	for i := range snaps {
		if t := snaps[i].CreatedAt; stats.LastSnapshot == nil || t.After(*stats.LastSnapshot) {
			stats.LastSnapshot = &t
		}
	}

	return stats, nil
}
