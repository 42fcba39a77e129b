// Package jobs defines the River job types that feed and maintain the
// security log chain.
//
// Import Path: seclog.io/chain/internal/jobs
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"seclog.io/chain/internal/chain"
	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/metrics"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
)

// Queue names and priorities. River dequeues lower priority values first.
const (
	QueueSecurityEvents         = "security_events"
	QueueSecurityEventsCritical = "security_events_critical"
	QueueMaintenance            = river.QueueDefault

	PriorityCritical = 1
	PriorityNormal   = 2
)

// SecurityEventArgs carries one event to the appender. The payload is small
// and immutable, so it travels in the job itself.
type SecurityEventArgs struct {
	Event domain.SecurityEvent `json:"event"`
}

// Kind returns the job kind identifier for chain appends.
func (SecurityEventArgs) Kind() string { return "security_event_append" }

// InsertOpts places normal events on the standard queue. MaxAttempts is
// left to the client default.
func (SecurityEventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:    QueueSecurityEvents,
		Priority: PriorityNormal,
	}
}

// CriticalInsertOpts routes an event ahead of the normal backlog.
func CriticalInsertOpts() *river.InsertOpts {
	return &river.InsertOpts{
		Queue:    QueueSecurityEventsCritical,
		Priority: PriorityCritical,
	}
}

// Appender is the chain append operation.
type Appender interface {
	Append(ctx context.Context, ev domain.SecurityEvent) (*chain.AppendResult, error)
}

// SecurityEventWorker appends queued events to the chain. It holds no chain
// state; concurrent workers serialize on the store's tail lock.
type SecurityEventWorker struct {
	river.WorkerDefaults[SecurityEventArgs]
	appender Appender
	metrics  *metrics.Metrics
}

// NewSecurityEventWorker creates a SecurityEventWorker.
func NewSecurityEventWorker(appender Appender, m *metrics.Metrics) *SecurityEventWorker {
	return &SecurityEventWorker{appender: appender, metrics: m}
}

// Work appends one event. Fatal errors cancel the job; anything else is
// returned so River retries with backoff.
func (w *SecurityEventWorker) Work(ctx context.Context, job *river.Job[SecurityEventArgs]) error {
	if w == nil || w.appender == nil {
		return fmt.Errorf("security event worker is not initialized")
	}
	ev := job.Args.Event

	start := time.Now()
	res, err := w.appender.Append(ctx, ev)
	elapsed := time.Since(start)
	if err != nil {
		w.metrics.ObserveAppend(metrics.ResultFailure, elapsed, 0)
		if apperrors.IsFatal(err) {
			logger.Error("Security event rejected, cancelling job",
				zap.Int64("job_id", job.ID),
				zap.String("event_id", ev.EventID),
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err),
			)
			return river.JobCancel(err)
		}
		logger.Warn("Security event append failed",
			zap.Int64("job_id", job.ID),
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err),
		)
		return err
	}

	if res.Duplicate {
		w.metrics.ObserveAppend(metrics.ResultDuplicate, elapsed, 0)
		return nil
	}
	w.metrics.ObserveAppend(metrics.ResultSuccess, elapsed, res.Entry.SequenceNumber)
	if ev.Severity == domain.SeverityCritical {
		logger.Warn("Critical security event recorded",
			zap.String("event_type", string(ev.EventType)),
			zap.Int64("sequence_number", res.Entry.SequenceNumber),
			zap.Stringp("user_id", ev.UserID),
			zap.Stringp("ip_address", ev.IPAddress),
		)
	}
	return nil
}
