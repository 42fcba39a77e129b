package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"seclog.io/chain/internal/domain"
)

// memStore serializes transactions with a mutex, standing in for the
// advisory lock, and only publishes a transaction's rows on commit.
type memStore struct {
	mu      sync.Mutex
	entries []domain.SecurityLogEntry
	nextID  int

	txCount   int
	lockErr   error
	insertErr error
	commitErr error

	// afterPage runs after each page served from a read snapshot.
	afterPage func()
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.entries = append(s.entries, tx.pending...)
	return nil
}

func (s *memStore) snapshot() []domain.SecurityLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.SecurityLogEntry(nil), s.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// InReadTx hands fn a frozen copy of the committed entries.
func (s *memStore) InReadTx(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	return fn(ctx, &memView{entries: s.snapshot(), afterPage: s.afterPage})
}

// deleteThrough drops every entry up to and including seq.
func (s *memStore) deleteThrough(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.SequenceNumber > seq {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

type memView struct {
	entries   []domain.SecurityLogEntry
	afterPage func()
}

func (v *memView) ListFromSequence(_ context.Context, after int64, limit int) ([]domain.SecurityLogEntry, error) {
	if v.afterPage != nil {
		defer v.afterPage()
	}
	var out []domain.SecurityLogEntry
	for _, e := range v.entries {
		if e.SequenceNumber > after {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memTx struct {
	s       *memStore
	pending []domain.SecurityLogEntry
}

func (t *memTx) LockTail(context.Context) (*domain.ChainTail, error) {
	if t.s.lockErr != nil {
		return nil, t.s.lockErr
	}
	var tail *domain.ChainTail
	for _, e := range t.s.entries {
		if tail == nil || e.SequenceNumber > tail.SequenceNumber {
			tail = &domain.ChainTail{SequenceNumber: e.SequenceNumber, CurrentHash: e.CurrentHash}
		}
	}
	return tail, nil
}

func (t *memTx) EntryByEventID(_ context.Context, eventID string) (*domain.SecurityLogEntry, error) {
	for i := range t.s.entries {
		if t.s.entries[i].EventID == eventID {
			e := t.s.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertEntry(_ context.Context, e *domain.SecurityLogEntry) error {
	if t.s.insertErr != nil {
		return t.s.insertErr
	}
	for _, existing := range t.s.entries {
		if existing.SequenceNumber == e.SequenceNumber {
			return fmt.Errorf("duplicate sequence_number %d", e.SequenceNumber)
		}
	}
	t.s.nextID++
	e.ID = fmt.Sprintf("entry-%d", t.s.nextID)
	e.CreatedAt = e.HashedAt
	t.pending = append(t.pending, *e)
	return nil
}
