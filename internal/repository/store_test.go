package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seclog.io/chain/internal/chain"
	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/testutil"
)

func newTestEntry(seq int64, prev *string) *domain.SecurityLogEntry {
	e := &domain.SecurityLogEntry{
		SequenceNumber: seq,
		PreviousHash:   prev,
		HashAlgorithm:  domain.HashAlgorithmSHA256,
		EventType:      domain.EventLoginSuccess,
		HashedAt:       chain.CaptureTime(time.Now()),
	}
	e.CurrentHash, _ = chain.ComputeHash(chain.InputFromEntry(e))
	return e
}

func openStore(t *testing.T, prefix string) *Store {
	t.Helper()
	return NewStore(testutil.OpenMigratedPool(t, prefix))
}

// ageEntries rewrites created_at, bypassing the immutability trigger.
func ageEntries(t *testing.T, s *Store, seq int64, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `ALTER TABLE security_logs DISABLE TRIGGER security_logs_no_update`)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `UPDATE security_logs SET created_at = now() - $1::interval WHERE sequence_number = $2`,
		fmt.Sprintf("%d seconds", int64(age.Seconds())), seq)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `ALTER TABLE security_logs ENABLE TRIGGER security_logs_no_update`)
	require.NoError(t, err)
}

func TestStore_AppendOutcomes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "store_append")
	a := chain.NewAppender(s)

	first, err := a.Append(ctx, domain.SecurityEvent{
		EventID:   "evt-a",
		EventType: domain.EventLoginSuccess,
		UserID:    domain.StringPtr("u1"),
		IPAddress: domain.StringPtr("1.2.3.4"),
		Metadata:  json.RawMessage(`{"z":1,"a":{"n":2.50}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Entry.SequenceNumber)
	assert.Nil(t, first.Entry.PreviousHash)
	assert.Len(t, first.Entry.CurrentHash, chain.HashLength)

	second, err := a.Append(ctx, domain.SecurityEvent{EventID: "evt-b", EventType: domain.EventLogout, UserID: domain.StringPtr("u1")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Entry.SequenceNumber)
	require.NotNil(t, second.Entry.PreviousHash)
	assert.Equal(t, first.Entry.CurrentHash, *second.Entry.PreviousHash)

	// Stored rows round-trip through the hash.
	stored, err := s.ListFromSequence(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, `{"a":{"n":2.50},"z":1}`, string(stored[0].Metadata))
	for i := range stored {
		ok, err := chain.VerifyEntryHash(&stored[i])
		require.NoError(t, err)
		assert.True(t, ok, "entry %d", stored[i].SequenceNumber)
	}

	dup, err := a.Append(ctx, domain.SecurityEvent{EventID: "evt-a", EventType: domain.EventLoginSuccess})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	const n = 24
	ctx := context.Background()
	s := openStore(t, "store_concurrent")
	a := chain.NewAppender(s)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) { //nolint:naked-goroutine // test helper
			defer wg.Done()
			_, err := a.Append(ctx, domain.SecurityEvent{
				EventID:   fmt.Sprintf("evt-%d", i),
				EventType: domain.EventLoginFailure,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	report, err := chain.NewVerifier(s, 5).Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, "failure: %+v", report.Failure)
	assert.Equal(t, int64(n), report.Checked)
	assert.Equal(t, int64(n), report.LastSequence)
}

func TestStore_RetentionQueries(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "store_retention")
	a := chain.NewAppender(s)

	for i := 0; i < 4; i++ {
		_, err := a.Append(ctx, domain.SecurityEvent{EventType: domain.EventLoginSuccess})
		require.NoError(t, err)
	}
	day := 24 * time.Hour
	ageEntries(t, s, 1, 90*day)
	ageEntries(t, s, 2, 40*day)
	ageEntries(t, s, 3, 10*day)
	ageEntries(t, s, 4, 95*day) // tail: never eligible

	cutoff := time.Now().Add(-30 * day)
	ids, err := s.FindIDsOlderThan(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	old, err := s.ListOlderThan(ctx, cutoff, 0, 10)
	require.NoError(t, err)
	require.Len(t, old, 3, "archive listing includes the tail")
	assert.Equal(t, int64(1), old[0].SequenceNumber)
	assert.Equal(t, int64(2), old[1].SequenceNumber)
	assert.Equal(t, int64(4), old[2].SequenceNumber)

	deleted, err := s.DeleteByIDs(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChainStats{Count: 2, EarliestSequence: 3, LatestSequence: 4}, stats)

	report, err := chain.NewVerifier(s, 0).Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.True(t, report.Pruned)
	assert.Equal(t, int64(3), report.FirstSequence)

	next, err := a.Append(ctx, domain.SecurityEvent{EventType: domain.EventLogout})
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.Entry.SequenceNumber)

	require.NoError(t, s.InsertCleanupRun(ctx, CleanupRun{
		Trigger:          "manual",
		Cutoff:           cutoff,
		DeletedCount:     deleted,
		Batches:          1,
		Duration:         time.Second,
		RemainingCount:   stats.Count,
		EarliestSequence: stats.EarliestSequence,
		RetentionDays:    30,
		BatchSize:        10,
	}))
}

func TestStore_ReadSnapshotIgnoresConcurrentDeletes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "store_snapshot")
	a := chain.NewAppender(s)

	for i := 0; i < 6; i++ {
		_, err := a.Append(ctx, domain.SecurityEvent{EventType: domain.EventLoginSuccess})
		require.NoError(t, err)
	}

	err := s.InReadTx(ctx, func(ctx context.Context, r chain.Reader) error {
		first, err := r.ListFromSequence(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)

		ids, err := s.FindIDsOlderThan(ctx, time.Now().Add(time.Hour), 4)
		require.NoError(t, err)
		deleted, err := s.DeleteByIDs(ctx, ids)
		require.NoError(t, err)
		require.Equal(t, int64(4), deleted)

		rest, err := r.ListFromSequence(ctx, first[1].SequenceNumber, 10)
		require.NoError(t, err)
		require.Len(t, rest, 4, "snapshot still sees rows deleted after it was taken")
		assert.Equal(t, int64(3), rest[0].SequenceNumber)
		return nil
	})
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
