package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seclog.io/chain/internal/config"
	apperrors "seclog.io/chain/internal/pkg/errors"
	"seclog.io/chain/internal/repository"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRow struct {
	id      string
	seq     int64
	created time.Time
}

// fakeStore is an in-memory Store that records every call in order.
type fakeStore struct {
	mu        sync.Mutex
	rows      []fakeRow
	calls     []string
	findErr   error
	deleteErr error
	failOnDel int // 1-based delete call that fails; 0 = never
	statsErr  error
}

func (s *fakeStore) addAged(ages ...time.Duration) {
	for _, age := range ages {
		seq := int64(len(s.rows) + 1)
		s.rows = append(s.rows, fakeRow{id: fmt.Sprintf("id-%d", seq), seq: seq, created: testNow.Add(-age)})
	}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) FindIDsOlderThan(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("find")
	if s.findErr != nil {
		return nil, s.findErr
	}
	var tail int64
	for _, r := range s.rows {
		if r.seq > tail {
			tail = r.seq
		}
	}
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].seq < s.rows[j].seq })
	var ids []string
	for _, r := range s.rows {
		if len(ids) == limit {
			break
		}
		if r.created.Before(cutoff) && r.seq < tail {
			ids = append(ids, r.id)
		}
	}
	return ids, nil
}

func (s *fakeStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("delete:%d", len(ids)))
	deletes := 0
	for _, c := range s.calls {
		if len(c) > 6 && c[:6] == "delete" {
			deletes++
		}
	}
	if s.deleteErr != nil && deletes == s.failOnDel {
		return 0, s.deleteErr
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.rows[:0]
	var n int64
	for _, r := range s.rows {
		if drop[r.id] {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return n, nil
}

func (s *fakeStore) Stats(context.Context) (repository.ChainStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("stats")
	if s.statsErr != nil {
		return repository.ChainStats{}, s.statsErr
	}
	st := repository.ChainStats{Count: int64(len(s.rows))}
	for _, r := range s.rows {
		if st.EarliestSequence == 0 || r.seq < st.EarliestSequence {
			st.EarliestSequence = r.seq
		}
		if r.seq > st.LatestSequence {
			st.LatestSequence = r.seq
		}
	}
	return st, nil
}

func (s *fakeStore) deleteCalls() []string {
	var out []string
	for _, c := range s.calls {
		if len(c) > 6 && c[:6] == "delete" {
			out = append(out, c)
		}
	}
	return out
}

type fakeArchiver struct {
	store  *fakeStore
	cutoff time.Time
	err    error
}

func (a *fakeArchiver) ArchiveBefore(_ context.Context, cutoff time.Time) (string, error) {
	a.store.mu.Lock()
	a.store.record("archive")
	a.store.mu.Unlock()
	a.cutoff = cutoff
	if a.err != nil {
		return "", a.err
	}
	return "/archive/test.jsonl.gz", nil
}

type fakeRecorder struct {
	runs []*Result
	err  error
}

func (r *fakeRecorder) Record(_ context.Context, res *Result, _ Policy) error {
	r.runs = append(r.runs, res)
	return r.err
}

func newTestCoordinator(store *fakeStore, p Policy, opts ...Option) (*Coordinator, *[]time.Duration) {
	var pauses []time.Duration
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			pauses = append(pauses, d)
			return nil
		}),
		WithStats(store),
	}
	return NewCoordinator(store, p, append(base, opts...)...), &pauses
}

func TestPrune_DeletesOnlyExpired(t *testing.T) {
	store := &fakeStore{}
	day := 24 * time.Hour
	store.addAged(90*day, 40*day, 10*day, time.Hour)

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, BatchSize: 100})
	res, err := c.Prune(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.DeletedCount)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, TriggerManual, res.Trigger)
	assert.Equal(t, testNow.Add(-30*day), res.Cutoff)
	assert.Equal(t, int64(2), res.RemainingCount)
	assert.Equal(t, int64(3), res.EarliestSequence)

	require.Len(t, store.rows, 2)
	assert.Equal(t, int64(3), store.rows[0].seq)
}

func TestPrune_BatchesUntilShortBatch(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.addAged(100 * 24 * time.Hour)
	}
	store.addAged(time.Minute) // tail

	c, pauses := newTestCoordinator(store, Policy{RetentionDays: 30, BatchSize: 2, BatchPause: 100 * time.Millisecond})
	res, err := c.Prune(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.DeletedCount)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []string{"delete:2", "delete:2", "delete:1"}, store.deleteCalls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, *pauses)
}

func TestPrune_BatchCountIsCeilKOverB(t *testing.T) {
	tests := []struct {
		name        string
		eligible    int
		batchSize   int
		wantBatches int
		wantFinds   int
	}{
		{name: "none eligible", eligible: 0, batchSize: 3, wantBatches: 0, wantFinds: 1},
		{name: "exact multiple needs an empty fetch", eligible: 4, batchSize: 2, wantBatches: 2, wantFinds: 3},
		{name: "remainder stops on short batch", eligible: 7, batchSize: 3, wantBatches: 3, wantFinds: 3},
		{name: "single short batch", eligible: 2, batchSize: 10, wantBatches: 1, wantFinds: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			for i := 0; i < tt.eligible; i++ {
				store.addAged(365 * 24 * time.Hour)
			}
			store.addAged(0)

			c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, BatchSize: tt.batchSize})
			res, err := c.Prune(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantBatches, res.Batches)
			assert.Equal(t, int64(tt.eligible), res.DeletedCount)

			finds := 0
			for _, call := range store.calls {
				if call == "find" {
					finds++
				}
			}
			assert.Equal(t, tt.wantFinds, finds)
		})
	}
}

func TestPrune_NeverDeletesTail(t *testing.T) {
	store := &fakeStore{}
	store.addAged(400*24*time.Hour, 300*24*time.Hour)

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 1, BatchSize: 10})
	res, err := c.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	assert.Equal(t, int64(2), res.EarliestSequence)
}

func TestRunScheduled_DisabledTouchesNothing(t *testing.T) {
	store := &fakeStore{}
	store.addAged(400*24*time.Hour, 0)
	archiver := &fakeArchiver{store: store}
	recorder := &fakeRecorder{}

	c, _ := newTestCoordinator(store, Policy{Enabled: false, ArchiveBeforeDelete: true},
		WithArchiver(archiver), WithRecorder(recorder))
	res, err := c.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.calls)
	assert.Empty(t, recorder.runs)
}

func TestPrune_IgnoresDisabledFlag(t *testing.T) {
	store := &fakeStore{}
	store.addAged(400*24*time.Hour, 0)

	c, _ := newTestCoordinator(store, Policy{Enabled: false, RetentionDays: 30})
	res, err := c.Prune(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(1), res.DeletedCount)
}

func TestRunScheduled_Enabled(t *testing.T) {
	store := &fakeStore{}
	store.addAged(400*24*time.Hour, 0)

	c, _ := newTestCoordinator(store, Policy{Enabled: true, RetentionDays: 30})
	res, err := c.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerScheduled, res.Trigger)
	assert.Equal(t, int64(1), res.DeletedCount)
}

func TestPrune_ArchivesBeforeFirstDelete(t *testing.T) {
	store := &fakeStore{}
	store.addAged(100*24*time.Hour, 0)
	archiver := &fakeArchiver{store: store}

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, ArchiveBeforeDelete: true}, WithArchiver(archiver))
	res, err := c.Prune(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, store.calls)
	assert.Equal(t, "archive", store.calls[0])
	assert.Equal(t, res.Cutoff, archiver.cutoff)
	assert.Equal(t, "/archive/test.jsonl.gz", res.ArchiveLocation)
}

func TestPrune_ArchiveFailureDeletesNothing(t *testing.T) {
	store := &fakeStore{}
	store.addAged(100*24*time.Hour, 0)
	boom := errors.New("disk full")
	archiver := &fakeArchiver{store: store, err: boom}

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, ArchiveBeforeDelete: true}, WithArchiver(archiver))
	res, err := c.Prune(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"archive"}, store.calls)
	assert.Len(t, store.rows, 2)
}

func TestPrune_ArchiveRequestedWithoutArchiver(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, ArchiveBeforeDelete: true})
	_, err := c.Prune(context.Background())
	require.ErrorIs(t, err, ErrNoArchiver)
	assert.Empty(t, store.calls)
}

func TestPrune_DeleteFailureKeepsPartialProgress(t *testing.T) {
	store := &fakeStore{deleteErr: errors.New("connection reset"), failOnDel: 2}
	for i := 0; i < 5; i++ {
		store.addAged(100 * 24 * time.Hour)
	}
	store.addAged(0)
	recorder := &fakeRecorder{}

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30, BatchSize: 2}, WithRecorder(recorder))
	res, err := c.Prune(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)

	var ce *apperrors.CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Deleted)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), ce.Cutoff)
	assert.Len(t, store.rows, 4, "first batch stays deleted")
	assert.Empty(t, recorder.runs)
}

func TestPrune_FindFailureAborts(t *testing.T) {
	store := &fakeStore{findErr: errors.New("timeout")}
	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30})
	_, err := c.Prune(context.Background())
	var ce *apperrors.CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Zero(t, ce.Deleted)
}

func TestPrune_StatsFailuresAreSwallowed(t *testing.T) {
	store := &fakeStore{statsErr: errors.New("stats unavailable")}
	store.addAged(100*24*time.Hour, 0)
	recorder := &fakeRecorder{err: errors.New("insert failed")}

	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30}, WithRecorder(recorder))
	res, err := c.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	assert.Zero(t, res.RemainingCount)
	require.Len(t, recorder.runs, 1)
}

func TestPrune_CancelledDuringPause(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 4; i++ {
		store.addAged(100 * 24 * time.Hour)
	}
	store.addAged(0)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(store, Policy{RetentionDays: 30, BatchSize: 2, BatchPause: time.Hour},
		WithClock(func() time.Time { return testNow }))
	cancel()

	_, err := c.Prune(ctx)
	require.ErrorIs(t, err, context.Canceled)
	var ce *apperrors.CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Deleted)
}

func TestPruneWithPolicy_AppliesDefaults(t *testing.T) {
	store := &fakeStore{}
	store.addAged(100*24*time.Hour, 0)
	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30})

	res, err := c.PruneWithPolicy(context.Background(), Policy{})
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-DefaultRetentionDays*24*time.Hour), res.Cutoff)
	assert.Equal(t, int64(1), res.DeletedCount)
}

func TestPolicy_CutoffStaysInThePast(t *testing.T) {
	for _, days := range []int{1, 90, MaxRetentionDays, 106752, 200000} {
		t.Run(fmt.Sprintf("days_%d", days), func(t *testing.T) {
			cutoff := Policy{RetentionDays: days}.Cutoff(testNow)
			assert.True(t, cutoff.Before(testNow), "cutoff %s", cutoff)
		})
	}
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), Policy{RetentionDays: 90}.Cutoff(testNow))
}

func TestPruneWithPolicy_RejectsRetentionBeyondMax(t *testing.T) {
	store := &fakeStore{}
	store.addAged(time.Hour, 0)
	c, _ := newTestCoordinator(store, Policy{RetentionDays: 30})

	_, err := c.PruneWithPolicy(context.Background(), Policy{RetentionDays: 200000})
	require.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Empty(t, store.calls)
	assert.Len(t, store.rows, 2)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetentionConfig{
		RetentionDays:       30,
		CleanupEnabled:      true,
		BatchSize:           0,
		ArchiveBeforeDelete: true,
		BatchPause:          -time.Second,
	})
	assert.Equal(t, Policy{
		RetentionDays:       30,
		Enabled:             true,
		BatchSize:           DefaultBatchSize,
		ArchiveBeforeDelete: true,
	}, p)
}

func TestDBRecorder(t *testing.T) {
	var got repository.CleanupRun
	rec := NewDBRecorder(runStoreFunc(func(_ context.Context, run repository.CleanupRun) error {
		got = run
		return nil
	}))
	res := &Result{
		Trigger:          TriggerScheduled,
		Cutoff:           testNow,
		DeletedCount:     9,
		Batches:          2,
		Duration:         3 * time.Second,
		ArchiveLocation:  "/a",
		EarliestSequence: 10,
		RemainingCount:   4,
	}
	require.NoError(t, rec.Record(context.Background(), res, Policy{RetentionDays: 7, BatchSize: 5}))
	assert.Equal(t, repository.CleanupRun{
		Trigger:          "scheduled",
		Cutoff:           testNow,
		DeletedCount:     9,
		Batches:          2,
		Duration:         3 * time.Second,
		RemainingCount:   4,
		EarliestSequence: 10,
		RetentionDays:    7,
		BatchSize:        5,
		ArchiveLocation:  "/a",
	}, got)
}

type runStoreFunc func(ctx context.Context, run repository.CleanupRun) error

func (f runStoreFunc) InsertCleanupRun(ctx context.Context, run repository.CleanupRun) error {
	return f(ctx, run)
}
