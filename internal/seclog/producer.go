// Package seclog is the producer side of the security log: application code
// calls it to raise security events, which are queued for the chain
// appender.
//
// Import Path: seclog.io/chain/internal/seclog
package seclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/jobs"
	"seclog.io/chain/internal/metrics"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
	"seclog.io/chain/internal/pkg/worker"
)

// asyncEnqueueTimeout bounds a best-effort enqueue running off the request path.
const asyncEnqueueTimeout = 10 * time.Second

// Inserter is satisfied by *river.Client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Submitter runs fire-and-forget tasks. Satisfied by *worker.Pools.
type Submitter interface {
	SubmitDetached(poolName string, task worker.Task) error
}

// Context is the optional context attached to an event.
type Context struct {
	UserID    string
	IPAddress string
	UserAgent string
	SessionID string
	Metadata  map[string]any
}

// Receipt identifies a queued event.
type Receipt struct {
	JobID   int64  `json:"jobId"`
	EventID string `json:"eventId"`
	Queue   string `json:"queue"`
}

// Producer enqueues security events.
type Producer struct {
	inserter  Inserter
	submitter Submitter
	metrics   *metrics.Metrics
}

// NewProducer creates a Producer. submitter may be nil, in which case
// EnqueueAsync enqueues inline.
func NewProducer(inserter Inserter, submitter Submitter, m *metrics.Metrics) *Producer {
	return &Producer{inserter: inserter, submitter: submitter, metrics: m}
}

// Enqueue queues a normal-priority event.
func (p *Producer) Enqueue(ctx context.Context, eventType domain.EventType, ec Context) (*Receipt, error) {
	ev, err := NewEvent(eventType, ec)
	if err != nil {
		return nil, err
	}
	return p.EnqueueEvent(ctx, ev, false)
}

// EnqueueCritical queues an event with CRITICAL severity on the critical queue.
func (p *Producer) EnqueueCritical(ctx context.Context, eventType domain.EventType, ec Context) (*Receipt, error) {
	ev, err := NewEvent(eventType, ec)
	if err != nil {
		return nil, err
	}
	return p.EnqueueEvent(ctx, ev, true)
}

// EnqueueEvent validates ev, stamps an event id when missing and inserts the
// append job. Critical events are forced to CRITICAL severity.
func (p *Producer) EnqueueEvent(ctx context.Context, ev domain.SecurityEvent, critical bool) (*Receipt, error) {
	if critical {
		ev.Severity = domain.SeverityCritical
	}
	if err := ev.Validate(); err != nil {
		return nil, rejectEvent(err)
	}
	if ev.EventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate event id: %w", err)
		}
		ev.EventID = id.String()
	}

	var opts *river.InsertOpts
	queue := jobs.QueueSecurityEvents
	if critical {
		opts = jobs.CriticalInsertOpts()
		queue = opts.Queue
	}

	res, err := p.inserter.Insert(ctx, jobs.SecurityEventArgs{Event: ev}, opts)
	if err != nil {
		return nil, apperrors.ErrEnqueueFailed(err)
	}
	p.metrics.EventEnqueued(queue)

	logger.Debug("Security event enqueued",
		zap.Int64("job_id", res.Job.ID),
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("queue", queue),
	)
	return &Receipt{JobID: res.Job.ID, EventID: ev.EventID, Queue: queue}, nil
}

// EnqueueAsync queues ev without blocking the caller. Failures are logged.
func (p *Producer) EnqueueAsync(ev domain.SecurityEvent, critical bool) {
	task := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, asyncEnqueueTimeout)
		defer cancel()
		if _, err := p.EnqueueEvent(ctx, ev, critical); err != nil {
			logger.Warn("Failed to enqueue security event",
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err),
			)
		}
	}
	if p.submitter == nil {
		task(context.Background())
		return
	}
	if err := p.submitter.SubmitDetached(worker.PoolIngest, task); err != nil {
		logger.Warn("Failed to submit security event enqueue",
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err),
		)
	}
}

// NewEvent builds a SecurityEvent from a producer context.
func NewEvent(eventType domain.EventType, ec Context) (domain.SecurityEvent, error) {
	ev := domain.SecurityEvent{
		EventType: eventType,
		UserID:    domain.StringPtr(ec.UserID),
		IPAddress: domain.StringPtr(ec.IPAddress),
		UserAgent: domain.StringPtr(ec.UserAgent),
		SessionID: domain.StringPtr(ec.SessionID),
	}
	if len(ec.Metadata) > 0 {
		raw, err := json.Marshal(ec.Metadata)
		if err != nil {
			return domain.SecurityEvent{}, rejectEvent(fmt.Errorf("%w: %v", domain.ErrInvalidMetadata, err))
		}
		ev.Metadata = raw
	}
	return ev, nil
}

// rejectEvent narrows the error code to the field that failed validation.
func rejectEvent(err error) *apperrors.AppError {
	appErr := apperrors.ErrInvalidEvent(err.Error())
	switch {
	case errors.Is(err, domain.ErrInvalidEventType):
		appErr.Code = apperrors.CodeInvalidEventType
	case errors.Is(err, domain.ErrInvalidMetadata):
		appErr.Code = apperrors.CodeInvalidMetadata
	}
	return appErr
}
