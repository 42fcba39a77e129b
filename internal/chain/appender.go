package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seclog.io/chain/internal/domain"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/pkg/logger"
)

// Tx is the transactional view of the store used by one append.
type Tx interface {
	// LockTail blocks until this transaction holds the chain lock, then
	// returns the current tail, or nil when the chain is empty.
	LockTail(ctx context.Context) (*domain.ChainTail, error)
	// EntryByEventID returns the entry already appended for eventID, or nil.
	EntryByEventID(ctx context.Context, eventID string) (*domain.SecurityLogEntry, error)
	// InsertEntry persists e and fills in its ID and CreatedAt.
	InsertEntry(ctx context.Context, e *domain.SecurityLogEntry) error
}

// Store runs fn in a single transaction, committing only when fn returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AppendResult describes the outcome of one append.
type AppendResult struct {
	Entry *domain.SecurityLogEntry
	// Duplicate is set when the event was already in the chain and nothing was written.
	Duplicate bool
}

// Appender extends the chain by exactly one entry per event.
// It keeps no chain state between calls and performs no retries itself.
type Appender struct {
	store Store
	now   func() time.Time
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) AppenderOption {
	return func(a *Appender) { a.now = now }
}

// NewAppender creates an Appender over store.
func NewAppender(store Store, opts ...AppenderOption) *Appender {
	a := &Appender{store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append validates ev, then inside one transaction locks the tail, links a
// new entry to it and inserts it. Invalid events fail with a fatal
// AppendError; every store failure is transient.
func (a *Appender) Append(ctx context.Context, ev domain.SecurityEvent) (*AppendResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, apperrors.NewFatal("validate", err)
	}
	meta, err := CanonicalMetadata(ev.Metadata)
	if err != nil {
		return nil, apperrors.NewFatal("canonicalize metadata", err)
	}

	var result *AppendResult
	err = a.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tail, err := tx.LockTail(ctx)
		if err != nil {
			return fmt.Errorf("lock tail: %w", err)
		}

		if ev.EventID != "" {
			existing, err := tx.EntryByEventID(ctx, ev.EventID)
			if err != nil {
				return fmt.Errorf("lookup event %s: %w", ev.EventID, err)
			}
			if existing != nil {
				result = &AppendResult{Entry: existing, Duplicate: true}
				return nil
			}
		}

		entry := &domain.SecurityLogEntry{
			EventID:        ev.EventID,
			SequenceNumber: 1,
			HashAlgorithm:  domain.HashAlgorithmSHA256,
			EventType:      ev.EventType,
			UserID:         ev.UserID,
			IPAddress:      ev.IPAddress,
			UserAgent:      ev.UserAgent,
			SessionID:      ev.SessionID,
			Metadata:       meta,
			Severity:       ev.Severity,
			HashedAt:       CaptureTime(a.now()),
		}
		if tail != nil {
			prev := tail.CurrentHash
			entry.PreviousHash = &prev
			entry.SequenceNumber = tail.SequenceNumber + 1
		}

		entry.CurrentHash, err = ComputeHash(InputFromEntry(entry))
		if err != nil {
			return fmt.Errorf("compute hash: %w", err)
		}

		if err := tx.InsertEntry(ctx, entry); err != nil {
			return fmt.Errorf("insert entry %d: %w", entry.SequenceNumber, err)
		}
		result = &AppendResult{Entry: entry}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewTransient("append", err)
	}

	if result.Duplicate {
		logger.Info("Security event already in chain, skipping",
			zap.String("event_id", ev.EventID),
			zap.Int64("sequence_number", result.Entry.SequenceNumber),
		)
	} else {
		logger.Debug("Security event appended",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int64("sequence_number", result.Entry.SequenceNumber),
		)
	}
	return result, nil
}
