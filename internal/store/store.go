// Package store persists the append-only snapshot registry and the run log.
// SQLite is the default for local use; Postgres serves shared deployments.
package store

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	State  model.RunState `json:"state,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// SnapshotFilter specifies criteria for listing snapshots. Zero fields match
// everything.
type SnapshotFilter struct {
	Surface model.Surface `json:"surface,omitempty"`
	Horizon model.Horizon `json:"horizon,omitempty"`
	Version string        `json:"version,omitempty"`
	RunID   string        `json:"run_id,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// RunEvent is one recorded state transition.
type RunEvent struct {
	RunID string         `json:"run_id"`
	State model.RunState `json:"state"`
	Error string         `json:"error,omitempty"`
	At    time.Time      `json:"at"`
}

// Store defines the persistence interface for assembly runs and snapshots.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, asOf time.Time) (*model.Run, error)
	UpdateRunState(ctx context.Context, runID string, state model.RunState, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error)

	// Snapshots (append-only)
	RecordSnapshot(ctx context.Context, snap *model.TrainingSnapshot) error
	GetSnapshot(ctx context.Context, key model.SnapshotKey) (*model.TrainingSnapshot, error)
	GetSnapshotByID(ctx context.Context, id string) (*model.TrainingSnapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.TrainingSnapshot, error)

	// Lock serializes work on one snapshot key across processes.
	Lock(ctx context.Context, key model.SnapshotKey, timeout time.Duration) (unlock func(), err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// lockPoll is how often a blocked Lock retries.
const lockPoll = 25 * time.Millisecond

// lockID maps a snapshot key onto the int64 space of Postgres advisory locks.
func lockID(key model.SnapshotKey) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return int64(h.Sum64())
}

// waitPoll sleeps one poll interval or until ctx ends.
func waitPoll(ctx context.Context) error {
	t := time.NewTimer(lockPoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockTimeoutError(key model.SnapshotKey, waited time.Duration) error {
	return &model.SnapshotConflictError{Key: key, Reason: "timed out waiting for materialization lock", Waited: waited}
}

func duplicateError(key model.SnapshotKey) error {
	return &model.SnapshotConflictError{Key: key, Reason: "snapshot already registered"}
}

func checkTransition(run *model.Run, next model.RunState) error {
	if !model.CanTransition(run.State, next) {
		return eris.Errorf("run %s: illegal transition %s -> %s", run.ID, run.State, next)
	}
	return nil
}
