package retention

import (
	"context"

	"seclog.io/chain/internal/repository"
)

// RunStore persists cleanup run history.
type RunStore interface {
	InsertCleanupRun(ctx context.Context, run repository.CleanupRun) error
}

// DBRecorder writes each finished run to security_log_cleanup_runs.
type DBRecorder struct {
	store RunStore
}

// NewDBRecorder creates a DBRecorder.
func NewDBRecorder(store RunStore) *DBRecorder {
	return &DBRecorder{store: store}
}

// Record implements Recorder.
func (r *DBRecorder) Record(ctx context.Context, res *Result, policy Policy) error {
	return r.store.InsertCleanupRun(ctx, repository.CleanupRun{
		Trigger:          string(res.Trigger),
		Cutoff:           res.Cutoff,
		DeletedCount:     res.DeletedCount,
		Batches:          res.Batches,
		Duration:         res.Duration,
		RemainingCount:   res.RemainingCount,
		EarliestSequence: res.EarliestSequence,
		RetentionDays:    policy.RetentionDays,
		BatchSize:        policy.BatchSize,
		ArchiveLocation:  res.ArchiveLocation,
	})
}
