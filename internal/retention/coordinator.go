// Package retention prunes expired entries from the security log chain.
//
// Pruning is destructive to verifiability: once the head of the chain is
// deleted, verification restarts at the earliest surviving entry, whose
// previous hash can only be checked against the archive. Result.EarliestSequence
// reports that new anchor. The current tail is never deleted.
//
// Import Path: seclog.io/chain/internal/retention
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/metrics"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
	"seclog.io/chain/internal/repository"
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Default policy values.
const (
	DefaultRetentionDays = 90
	DefaultBatchSize     = 10000
	DefaultBatchPause    = 100 * time.Millisecond

	MaxRetentionDays = config.MaxRetentionDays
)

var (
	// ErrNoArchiver is returned when a policy asks for archival but none is wired.
	ErrNoArchiver = errors.New("archive before delete requested but no archiver is configured")
	// ErrInvalidPolicy is returned before any work when a policy is out of range.
	ErrInvalidPolicy = errors.New("invalid retention policy")
)

// Store is the part of the durable store a prune touches.
type Store interface {
	// FindIDsOlderThan returns up to limit ids created before cutoff, oldest first.
	FindIDsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// DeleteByIDs deletes exactly ids and returns the affected row count.
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Archiver copies every entry created before cutoff somewhere durable and
// returns where it went.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (string, error)
}

// StatsReader reports the shape of the surviving chain.
type StatsReader interface {
	Stats(ctx context.Context) (repository.ChainStats, error)
}

// Recorder persists the outcome of a finished run.
type Recorder interface {
	Record(ctx context.Context, res *Result, policy Policy) error
}

// Policy is the retention configuration for one run.
type Policy struct {
	RetentionDays       int
	Enabled             bool
	BatchSize           int
	ArchiveBeforeDelete bool
	BatchPause          time.Duration
}

// PolicyFromConfig maps the retention config section to a Policy.
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	return Policy{
		RetentionDays:       cfg.RetentionDays,
		Enabled:             cfg.CleanupEnabled,
		BatchSize:           cfg.BatchSize,
		ArchiveBeforeDelete: cfg.ArchiveBeforeDelete,
		BatchPause:          cfg.BatchPause,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.RetentionDays <= 0 {
		p.RetentionDays = DefaultRetentionDays
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.BatchPause < 0 {
		p.BatchPause = 0
	}
	return p
}

// Validate rejects policies whose cutoff would not lie in the past.
func (p Policy) Validate() error {
	if p.RetentionDays < 1 || p.RetentionDays > MaxRetentionDays {
		return fmt.Errorf("%w: retention days must be between 1 and %d, got %d",
			ErrInvalidPolicy, MaxRetentionDays, p.RetentionDays)
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidPolicy, p.BatchSize)
	}
	return nil
}

// Cutoff returns the retention boundary relative to now, in whole calendar days.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -p.RetentionDays)
}

// Result describes a finished run.
type Result struct {
	Trigger         Trigger       `json:"trigger"`
	Skipped         bool          `json:"skipped,omitempty"`
	DeletedCount    int64         `json:"deletedCount"`
	Batches         int           `json:"batches"`
	Cutoff          time.Time     `json:"cutoff"`
	Duration        time.Duration `json:"-"`
	ArchiveLocation string        `json:"archiveLocation,omitempty"`
	// EarliestSequence is the first sequence number still verifiable in
	// the live chain, zero when unknown or the chain is empty.
	EarliestSequence int64 `json:"earliestSequence"`
	RemainingCount   int64 `json:"remainingCount"`
}

// Coordinator runs the archive-then-delete loop.
type Coordinator struct {
	store    Store
	policy   Policy
	archiver Archiver
	stats    StatsReader
	recorder Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchiver sets the archive collaborator.
func WithArchiver(a Archiver) Option { return func(c *Coordinator) { c.archiver = a } }

// WithStats sets where post-run chain statistics are read from.
func WithStats(s StatsReader) Option { return func(c *Coordinator) { c.stats = s } }

// WithRecorder sets where run history is written.
func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithMetrics sets the collectors updated after each run.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithSleep overrides the pause between batches.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator creates a Coordinator enforcing policy against store.
func NewCoordinator(store Store, policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		policy: policy.withDefaults(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the configured policy.
func (c *Coordinator) Policy() Policy { return c.policy }

// RunScheduled is the timer entry point. It does nothing, touching no
// store, when cleanup is disabled.
func (c *Coordinator) RunScheduled(ctx context.Context) (*Result, error) {
	if !c.policy.Enabled {
		logger.Info("Log cleanup disabled, skipping scheduled run")
		c.metrics.ObserveCleanup(string(TriggerScheduled), metrics.ResultSkipped, 0, 0)
		return &Result{Trigger: TriggerScheduled, Skipped: true}, nil
	}
	return c.run(ctx, TriggerScheduled, c.policy)
}

// Prune is the administrator entry point. It runs regardless of the
// enabled flag. A failure is a *errors.CleanupError carrying the cutoff,
// elapsed time and rows already deleted.
func (c *Coordinator) Prune(ctx context.Context) (*Result, error) {
	return c.run(ctx, TriggerManual, c.policy)
}

// PruneWithPolicy is Prune with an explicit policy. Non-positive fields take
// their defaults; an out-of-range policy fails with ErrInvalidPolicy.
func (c *Coordinator) PruneWithPolicy(ctx context.Context, policy Policy) (*Result, error) {
	return c.run(ctx, TriggerManual, policy.withDefaults())
}

func (c *Coordinator) run(ctx context.Context, trigger Trigger, p Policy) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := c.now()
	res := &Result{Trigger: trigger, Cutoff: p.Cutoff(start)}

	log := logger.With(
		zap.String("trigger", string(trigger)),
		zap.Time("cutoff", res.Cutoff),
	)
	log.Info("Log cleanup started",
		zap.Int("retention_days", p.RetentionDays),
		zap.Int("batch_size", p.BatchSize),
		zap.Bool("archive_before_delete", p.ArchiveBeforeDelete),
	)

	fail := func(err error) error {
		res.Duration = c.now().Sub(start)
		c.metrics.ObserveCleanup(string(trigger), metrics.ResultFailure, res.DeletedCount, res.Duration)
		log.Error("Log cleanup failed",
			zap.Int64("deleted_rows", res.DeletedCount),
			zap.Int("batches", res.Batches),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
		return &apperrors.CleanupError{
			Cutoff:   res.Cutoff,
			Duration: res.Duration,
			Deleted:  res.DeletedCount,
			Err:      err,
		}
	}

	if p.ArchiveBeforeDelete {
		if c.archiver == nil {
			return nil, fail(ErrNoArchiver)
		}
		location, err := c.archiver.ArchiveBefore(ctx, res.Cutoff)
		if err != nil {
			return nil, fail(fmt.Errorf("archive: %w", err))
		}
		res.ArchiveLocation = location
		log.Info("Expired entries archived", zap.String("location", location))
	}

	for {
		ids, err := c.store.FindIDsOlderThan(ctx, res.Cutoff, p.BatchSize)
		if err != nil {
			return nil, fail(fmt.Errorf("find batch %d: %w", res.Batches+1, err))
		}
		if len(ids) == 0 {
			break
		}
		deleted, err := c.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return nil, fail(fmt.Errorf("delete batch %d: %w", res.Batches+1, err))
		}
		res.DeletedCount += deleted
		res.Batches++
		log.Debug("Cleanup batch deleted",
			zap.Int("batch", res.Batches),
			zap.Int64("deleted_rows", deleted),
		)
		if len(ids) < p.BatchSize {
			break
		}
		if err := c.sleep(ctx, p.BatchPause); err != nil {
			return nil, fail(err)
		}
	}
	res.Duration = c.now().Sub(start)

	c.recordStats(ctx, res, p)
	c.metrics.ObserveCleanup(string(trigger), metrics.ResultSuccess, res.DeletedCount, res.Duration)

	log.Info("Log cleanup completed",
		zap.Int64("deleted_rows", res.DeletedCount),
		zap.Int("batches", res.Batches),
		zap.Duration("duration", res.Duration),
		zap.Int64("remaining_rows", res.RemainingCount),
		zap.Int64("earliest_sequence", res.EarliestSequence),
	)
	return res, nil
}

// recordStats never fails the run: the rows are already gone.
func (c *Coordinator) recordStats(ctx context.Context, res *Result, p Policy) {
	if c.stats != nil {
		s, err := c.stats.Stats(ctx)
		if err != nil {
			logger.Warn("Failed to read chain stats after cleanup", zap.Error(err))
		} else {
			res.RemainingCount = s.Count
			res.EarliestSequence = s.EarliestSequence
			c.metrics.SetChainEntries(s.Count)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.Record(ctx, res, p); err != nil {
			logger.Warn("Failed to record cleanup run", zap.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
