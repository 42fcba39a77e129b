package chain

import (
	"context"
	"fmt"

	"seclog.io/chain/internal/domain"
)

// DefaultVerifyPageSize is used when the Verifier is built with a non-positive page size.
const DefaultVerifyPageSize = 1000

// Reader pages through the surviving chain in sequence order.
type Reader interface {
	// ListFromSequence returns up to limit entries with sequence_number > after, ascending.
	ListFromSequence(ctx context.Context, after int64, limit int) ([]domain.SecurityLogEntry, error)
}

// Snapshotter runs fn against one consistent view of the chain, so pages
// read by fn are unaffected by appends or retention committed meanwhile.
type Snapshotter interface {
	InReadTx(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}

// Failure locates the first entry that broke verification.
type Failure struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

// Report is the outcome of a verification pass.
//
// Pruned is set when retention removed the head of the chain. Verification
// then starts from the earliest surviving entry, whose PreviousHash is
// taken on trust.
type Report struct {
	Valid         bool     `json:"valid"`
	Checked       int64    `json:"checked"`
	FirstSequence int64    `json:"firstSequence"`
	LastSequence  int64    `json:"lastSequence"`
	Pruned        bool     `json:"pruned"`
	Failure       *Failure `json:"failure,omitempty"`
}

// Verifier recomputes every surviving entry's hash and checks its link.
type Verifier struct {
	source   Snapshotter
	pageSize int
}

// NewVerifier creates a Verifier reading pageSize entries per query.
func NewVerifier(source Snapshotter, pageSize int) *Verifier {
	if pageSize <= 0 {
		pageSize = DefaultVerifyPageSize
	}
	return &Verifier{source: source, pageSize: pageSize}
}

// Verify walks the chain and stops at the first broken entry.
// A returned error means the store could not be read, not that the chain is invalid.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	var report *Report
	err := v.source.InReadTx(ctx, func(ctx context.Context, r Reader) error {
		var err error
		report, err = v.walk(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (v *Verifier) walk(ctx context.Context, reader Reader) (*Report, error) {
	w := &walker{report: &Report{Valid: true}}
	var after int64
	for {
		page, err := reader.ListFromSequence(ctx, after, v.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list entries after %d: %w", after, err)
		}
		for i := range page {
			if !w.step(&page[i]) {
				return w.report, nil
			}
		}
		if len(page) < v.pageSize {
			return w.report, nil
		}
		after = page[len(page)-1].SequenceNumber
	}
}

// VerifyEntries checks an in-memory slice ordered by sequence number.
func VerifyEntries(entries []domain.SecurityLogEntry) *Report {
	w := &walker{report: &Report{Valid: true}}
	for i := range entries {
		if !w.step(&entries[i]) {
			break
		}
	}
	return w.report
}

type walker struct {
	report *Report
	prev   *domain.SecurityLogEntry
}

// step checks e against its predecessor and reports whether to continue.
func (w *walker) step(e *domain.SecurityLogEntry) bool {
	r := w.report

	if w.prev == nil {
		r.FirstSequence = e.SequenceNumber
		switch {
		case e.SequenceNumber < 1:
			return w.fail(e, fmt.Sprintf("invalid sequence number %d", e.SequenceNumber))
		case e.SequenceNumber == 1 && e.PreviousHash != nil:
			return w.fail(e, "genesis entry has a previous hash")
		case e.SequenceNumber > 1:
			r.Pruned = true
			if e.PreviousHash == nil {
				return w.fail(e, "entry after genesis has no previous hash")
			}
		}
	} else {
		if e.SequenceNumber != w.prev.SequenceNumber+1 {
			return w.fail(e, fmt.Sprintf("sequence gap: expected %d", w.prev.SequenceNumber+1))
		}
		if e.PreviousHash == nil || *e.PreviousHash != w.prev.CurrentHash {
			return w.fail(e, "previous hash does not match predecessor")
		}
	}

	ok, err := VerifyEntryHash(e)
	if err != nil {
		return w.fail(e, err.Error())
	}
	if !ok {
		return w.fail(e, "current hash does not match recomputed digest")
	}

	r.Checked++
	r.LastSequence = e.SequenceNumber
	w.prev = e
	return true
}

func (w *walker) fail(e *domain.SecurityLogEntry, reason string) bool {
	w.report.Valid = false
	w.report.Failure = &Failure{Sequence: e.SequenceNumber, Reason: reason}
	return false
}
