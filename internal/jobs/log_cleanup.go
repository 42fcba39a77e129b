package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"seclog.io/chain/internal/pkg/logger"
	"seclog.io/chain/internal/retention"
)

// LogCleanupArgs is the periodic retention job.
type LogCleanupArgs struct{}

// Kind returns the job kind identifier for periodic log cleanup.
func (LogCleanupArgs) Kind() string { return "security_log_cleanup" }

// InsertOpts runs cleanup once per tick. A failed run is not retried; the
// next tick starts fresh. Cron ticks are at most a minute apart.
func (LogCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueMaintenance,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// ScheduledCleaner is the scheduled retention entry point.
type ScheduledCleaner interface {
	RunScheduled(ctx context.Context) (*retention.Result, error)
}

// LogCleanupWorker runs the scheduled retention pass.
type LogCleanupWorker struct {
	river.WorkerDefaults[LogCleanupArgs]
	cleaner ScheduledCleaner
}

// NewLogCleanupWorker creates a cleanup worker.
func NewLogCleanupWorker(cleaner ScheduledCleaner) *LogCleanupWorker {
	return &LogCleanupWorker{cleaner: cleaner}
}

// Timeout disables the client job timeout: a large backlog may take many
// paced batches, and a run is meant to finish or fail on its own.
func (w *LogCleanupWorker) Timeout(*river.Job[LogCleanupArgs]) time.Duration { return -1 }

// Work runs one scheduled cleanup. Errors are logged by the coordinator and
// returned so River records the failed run.
func (w *LogCleanupWorker) Work(ctx context.Context, _ *river.Job[LogCleanupArgs]) error {
	if w == nil || w.cleaner == nil {
		return fmt.Errorf("log cleanup worker is not initialized")
	}
	res, err := w.cleaner.RunScheduled(ctx)
	if err != nil {
		return err
	}
	if !res.Skipped {
		logger.Debug("Scheduled log cleanup finished",
			zap.Int64("deleted_rows", res.DeletedCount),
			zap.Int64("earliest_sequence", res.EarliestSequence),
		)
	}
	return nil
}
