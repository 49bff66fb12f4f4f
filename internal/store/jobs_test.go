// ABOUTME: Integration tests for store/jobs.go: enqueue, claim, complete, fail and counts.
// ABOUTME: Each test runs against SQLite and, when Docker is available, PostgreSQL.
package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queuectl/internal/store"
	"github.com/scarson/queuectl/internal/testutil"
)

func TestEnqueue_CreatesPendingJob(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, _ := openWithClock(open)
		ctx := context.Background()

		j, err := s.Enqueue(ctx, store.EnqueueParams{ID: "job1", Command: "echo hi"})
		require.NoError(t, err)
		assert.Equal(t, store.StatePending, j.State)
		assert.Equal(t, 0, j.Attempts)
		assert.Equal(t, store.DefaultMaxRetries, j.MaxRetries)

		got, err := s.GetJob(ctx, "job1")
		require.NoError(t, err)
		assert.Equal(t, "echo hi", got.Command)
		assert.Equal(t, store.StatePending, got.State)
		assert.Equal(t, 0, got.Attempts)
		assert.Empty(t, got.LockedBy)
		assert.Empty(t, got.LastError)
		requireSameTime(t, epoch, got.CreatedAt, "CreatedAt")
		requireSameTime(t, epoch, got.UpdatedAt, "UpdatedAt")
		requireSameTime(t, epoch, got.NextRunAt, "NextRunAt")
	})
}

func TestEnqueue_MaxRetriesOverrideAndConfigDefault(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		j, err := s.Enqueue(ctx, store.EnqueueParams{ID: "explicit", Command: "true", MaxRetries: intPtr(7)})
		require.NoError(t, err)
		assert.Equal(t, 7, j.MaxRetries)

		zero, err := s.Enqueue(ctx, store.EnqueueParams{ID: "zero", Command: "true", MaxRetries: intPtr(0)})
		require.NoError(t, err)
		assert.Equal(t, 0, zero.MaxRetries)

		require.NoError(t, s.SetConfig(ctx, store.KeyMaxRetries, "5"))
		d, err := s.Enqueue(ctx, store.EnqueueParams{ID: "default", Command: "true"})
		require.NoError(t, err)
		assert.Equal(t, 5, d.MaxRetries)
	})
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	s := openSQLite(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    store.EnqueueParams
	}{
		{"empty id", store.EnqueueParams{Command: "true"}},
		{"empty command", store.EnqueueParams{ID: "x"}},
		{"negative max_retries", store.EnqueueParams{ID: "x", Command: "true", MaxRetries: intPtr(-1)}},
	}
	for _, tt := range tests {
		_, err := s.Enqueue(ctx, tt.p)
		assert.ErrorIs(t, err, store.ErrInvalidJob, tt.name)
	}
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestEnqueue_DuplicateID(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		mustEnqueue(t, s, "dup", "echo one")
		_, err := s.Enqueue(ctx, store.EnqueueParams{ID: "dup", Command: "echo two"})
		require.ErrorIs(t, err, store.ErrDuplicateID)

		got, err := s.GetJob(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "echo one", got.Command, "original job must be untouched")
	})
}

func TestEnqueue_RejectsDeadLetteredID(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		_, err := s.Enqueue(ctx, store.EnqueueParams{ID: "gone", Command: "false", MaxRetries: intPtr(0)})
		require.NoError(t, err)
		j := mustClaim(t, s, "w1")
		res, err := s.Fail(ctx, j, "boom")
		require.NoError(t, err)
		require.True(t, res.DeadLettered)

		_, err = s.Enqueue(ctx, store.EnqueueParams{ID: "gone", Command: "true"})
		require.ErrorIs(t, err, store.ErrDuplicateID)
	})
}

func TestClaim_NoJobReturnsNil(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		j, err := s.Claim(context.Background(), "w1")
		require.NoError(t, err)
		assert.Nil(t, j)
	})
}

func TestClaim_OldestFirstAndLocks(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		mustEnqueue(t, s, "b-first", "true")
		clock.Advance(time.Second)
		mustEnqueue(t, s, "a-second", "true")
		clock.Advance(time.Second)

		j := mustClaim(t, s, "w1")
		assert.Equal(t, "b-first", j.ID, "claims follow created_at, not id order")
		assert.Equal(t, store.StateProcessing, j.State)
		assert.Equal(t, "w1", j.LockedBy)

		got, err := s.GetJob(ctx, "b-first")
		require.NoError(t, err)
		assert.Equal(t, store.StateProcessing, got.State)
		assert.Equal(t, "w1", got.LockedBy)
		requireSameTime(t, clock.Now(), got.UpdatedAt, "UpdatedAt")

		j2 := mustClaim(t, s, "w2")
		assert.Equal(t, "a-second", j2.ID)

		none, err := s.Claim(ctx, "w3")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestClaim_ConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		const jobs, workers = 30, 6
		for i := range jobs {
			mustEnqueue(t, s, fmt.Sprintf("job-%02d", i), "true")
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]string)
			total   atomic.Int64
			wg      sync.WaitGroup
			errs    = make(chan error, workers)
		)
		deadline := time.Now().Add(30 * time.Second)
		for w := range workers {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				for total.Load() < jobs && time.Now().Before(deadline) {
					j, err := s.Claim(ctx, workerID)
					if err != nil {
						if store.IsBusy(err) {
							continue
						}
						errs <- err
						return
					}
					if j == nil {
						continue
					}
					mu.Lock()
					if prev, ok := claimed[j.ID]; ok {
						mu.Unlock()
						errs <- fmt.Errorf("job %s claimed by both %s and %s", j.ID, prev, workerID)
						return
					}
					claimed[j.ID] = workerID
					mu.Unlock()
					total.Add(1)
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Len(t, claimed, jobs)
		processing := store.StateProcessing
		rows, err := s.ListJobs(ctx, &processing)
		require.NoError(t, err)
		require.Len(t, rows, jobs)
		for _, j := range rows {
			assert.Equal(t, claimed[j.ID], j.LockedBy, "locked_by of %s", j.ID)
		}
	})
}

func TestComplete(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		mustEnqueue(t, s, "c1", "true")
		j := mustClaim(t, s, "w1")
		require.NoError(t, s.Complete(ctx, j))

		got, err := s.GetJob(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateCompleted, got.State)
		assert.Empty(t, got.LockedBy)

		// Completing twice is a no-op.
		require.NoError(t, s.Complete(ctx, j))

		err = s.Complete(ctx, &store.Job{ID: "missing"})
		require.ErrorIs(t, err, store.ErrNotFound)

		mustEnqueue(t, s, "pending", "true")
		err = s.Complete(ctx, &store.Job{ID: "pending"})
		require.ErrorIs(t, err, store.ErrInvalidState)
	})
}

func TestComplete_RequiresOwnLock(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		mustEnqueue(t, s, "c1", "true")
		j := mustClaim(t, s, "w1")

		stale := *j
		stale.LockedBy = "w-other"
		require.ErrorIs(t, s.Complete(ctx, &stale), store.ErrNotClaimed)

		got, err := s.GetJob(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateProcessing, got.State)
	})
}

func TestFail_BackoffDelaysNextClaim(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		mustEnqueue(t, s, "f1", "false")
		j := mustClaim(t, s, "w1")

		res, err := s.Fail(ctx, j, "exit status 1")
		require.NoError(t, err)
		assert.False(t, res.DeadLettered)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, 2*time.Second, res.Delay)
		requireSameTime(t, epoch.Add(2*time.Second), res.NextRunAt, "NextRunAt")

		got, err := s.GetJob(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, store.StatePending, got.State)
		assert.Equal(t, 1, got.Attempts)
		assert.Empty(t, got.LockedBy)
		assert.Equal(t, "exit status 1", got.LastError)

		none, err := s.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, none, "job must not be claimable before next_run_at")

		clock.Advance(time.Second)
		none, err = s.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, none)

		clock.Advance(time.Second)
		again := mustClaim(t, s, "w2")
		assert.Equal(t, "f1", again.ID)
		assert.Equal(t, 1, again.Attempts)
	})
}

func TestFail_BackoffWithFractionalSeconds(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		start := epoch.Add(900 * time.Millisecond)
		clock := testutil.NewClock(start)
		s := open(store.WithClock(clock.Now))
		ctx := context.Background()
		require.NoError(t, s.SetConfig(ctx, store.KeyBackoffBase, "1.5"))

		mustEnqueue(t, s, "frac", "false")
		j := mustClaim(t, s, "w1")
		res, err := s.Fail(ctx, j, "exit status 1")
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, res.Delay)
		requireSameTime(t, start.Add(1500*time.Millisecond), res.NextRunAt, "NextRunAt")

		// next_run_at crosses a whole second; eligibility must still be exact.
		clock.Set(res.NextRunAt.Add(-time.Microsecond))
		none, err := s.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, none, "claimed %v before next_run_at", clock.Now())

		clock.Set(res.NextRunAt)
		j = mustClaim(t, s, "w1")

		res, err = s.Fail(ctx, j, "exit status 1")
		require.NoError(t, err)
		assert.Equal(t, 2250*time.Millisecond, res.Delay)
		requireSameTime(t, start.Add(3750*time.Millisecond), res.NextRunAt, "NextRunAt")

		clock.Set(res.NextRunAt.Add(-time.Millisecond))
		none, err = s.Claim(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, none)

		clock.Set(res.NextRunAt.Add(time.Microsecond))
		again := mustClaim(t, s, "w2")
		assert.Equal(t, 2, again.Attempts)
	})
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		require.NoError(t, s.SetConfig(ctx, store.KeyBackoffBase, "2"))
		_, err := s.Enqueue(ctx, store.EnqueueParams{ID: "x", Command: "false", MaxRetries: intPtr(2)})
		require.NoError(t, err)

		wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
		for i, want := range wantDelays {
			j := mustClaim(t, s, "w1")
			res, err := s.Fail(ctx, j, "nope")
			require.NoError(t, err)
			assert.False(t, res.DeadLettered, "failure %d", i+1)
			assert.Equal(t, i+1, res.Attempts)
			assert.Equal(t, want, res.Delay)
			clock.Advance(want)
		}

		j := mustClaim(t, s, "w1")
		res, err := s.Fail(ctx, j, "final")
		require.NoError(t, err)
		assert.True(t, res.DeadLettered)
		assert.Equal(t, 3, res.Attempts)

		_, err = s.GetJob(ctx, "x")
		require.ErrorIs(t, err, store.ErrNotFound)

		dls, err := s.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, "x", dls[0].ID)
		assert.Equal(t, "false", dls[0].Command)
		assert.Equal(t, 3, dls[0].Attempts)
		assert.Equal(t, 2, dls[0].MaxRetries)
		assert.Equal(t, "final", dls[0].LastError)
		requireSameTime(t, epoch, dls[0].CreatedAt, "CreatedAt")
		requireSameTime(t, clock.Now(), dls[0].FailedAt, "FailedAt")
	})
}

func TestFail_ZeroRetriesDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		_, err := s.Enqueue(ctx, store.EnqueueParams{ID: "once", Command: "false", MaxRetries: intPtr(0)})
		require.NoError(t, err)
		j := mustClaim(t, s, "w1")
		res, err := s.Fail(ctx, j, "bad")
		require.NoError(t, err)
		assert.True(t, res.DeadLettered)
		assert.Equal(t, 1, res.Attempts)

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counts.Pending+counts.Processing+counts.Completed)
		assert.Equal(t, int64(1), counts.DeadLetter)
	})
}

func TestFail_RequiresClaim(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		j := mustEnqueue(t, s, "p", "false")
		_, err := s.Fail(ctx, j, "x")
		require.ErrorIs(t, err, store.ErrNotClaimed, "pending job")

		_, err = s.Fail(ctx, &store.Job{ID: "missing", LockedBy: "w1"}, "x")
		require.ErrorIs(t, err, store.ErrNotClaimed, "missing job")

		claimed := mustClaim(t, s, "w1")
		other := *claimed
		other.LockedBy = "w2"
		_, err = s.Fail(ctx, &other, "x")
		require.ErrorIs(t, err, store.ErrNotClaimed, "foreign lock")

		got, err := s.GetJob(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempts)
	})
}

func TestFail_TruncatesLastError(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s := open()
		ctx := context.Background()

		mustEnqueue(t, s, "long", "false")
		j := mustClaim(t, s, "w1")
		_, err := s.Fail(ctx, j, strings.Repeat("é", store.MaxErrorLength+500)+"\x00")
		require.NoError(t, err)

		got, err := s.GetJob(ctx, "long")
		require.NoError(t, err)
		assert.Equal(t, store.MaxErrorLength, len([]rune(got.LastError)))
	})
}

func TestFail_NextRunAtNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		_, err := s.Enqueue(ctx, store.EnqueueParams{ID: "m", Command: "false", MaxRetries: intPtr(10)})
		require.NoError(t, err)

		var last time.Time
		for range 4 {
			j := mustClaim(t, s, "w1")
			// A smaller base between failures must not pull next_run_at back.
			require.NoError(t, s.SetConfig(ctx, store.KeyBackoffBase, "0.5"))
			res, err := s.Fail(ctx, j, "x")
			require.NoError(t, err)
			assert.False(t, res.NextRunAt.Before(last), "next_run_at went from %v to %v", last, res.NextRunAt)
			last = res.NextRunAt
			clock.Set(last)
		}
	})
}

func TestCounts(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			mustEnqueue(t, s, id, "true")
			clock.Advance(time.Millisecond)
		}
		j := mustClaim(t, s, "w1")
		require.NoError(t, s.Complete(ctx, j))
		require.NoError(t, s.HeartbeatWorker(ctx, store.Registration{WorkerID: "w1"}))

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Counts{Pending: 2, Completed: 1, Workers: 1}, *c)
	})
}

func TestListJobs_FiltersAndOrders(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		for _, id := range []string{"z", "y", "x"} {
			mustEnqueue(t, s, id, "true")
			clock.Advance(time.Millisecond)
		}
		mustClaim(t, s, "w1")

		all, err := s.ListJobs(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"z", "y", "x"}, []string{all[0].ID, all[1].ID, all[2].ID})

		pending := store.StatePending
		p, err := s.ListJobs(ctx, &pending)
		require.NoError(t, err)
		require.Len(t, p, 2)
		assert.Equal(t, "y", p[0].ID)

		completed := store.StateCompleted
		c, err := s.ListJobs(ctx, &completed)
		require.NoError(t, err)
		assert.Empty(t, c)
	})
}

func TestPurgeCompleted(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, open openFunc) {
		s, clock := openWithClock(open)
		ctx := context.Background()

		mustEnqueue(t, s, "old", "true")
		clock.Advance(time.Millisecond)
		mustEnqueue(t, s, "live", "true")
		require.NoError(t, s.Complete(ctx, mustClaim(t, s, "w1")))
		clock.Advance(time.Hour)

		n, err := s.PurgeCompleted(ctx, clock.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetJob(ctx, "old")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetJob(ctx, "live")
		require.NoError(t, err)
	})
}

func TestParseState(t *testing.T) {
	t.Parallel()
	for _, st := range store.States {
		got, err := store.ParseState(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := store.ParseState("dead")
	assert.ErrorIs(t, err, store.ErrInvalidState)
}
