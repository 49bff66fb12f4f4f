package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scarson/queuectl/internal/store"
	"github.com/scarson/queuectl/internal/testutil"
)

// epoch is the start time for tests driven by a fake clock.
var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type openFunc func(opts ...store.Option) *store.Store

// eachBackend runs fn as a parallel subtest against every store backend.
func eachBackend(t *testing.T, fn func(t *testing.T, open openFunc)) {
	t.Helper()
	for _, b := range testutil.Backends() {
		t.Run(b.Name, func(t *testing.T) {
			t.Parallel()
			fn(t, func(opts ...store.Option) *store.Store { return b.Open(t, opts...) })
		})
	}
}

// openWithClock opens a store whose timestamps come from a fake clock.
func openWithClock(open openFunc) (*store.Store, *testutil.Clock) {
	clock := testutil.NewClock(epoch)
	return open(store.WithClock(clock.Now)), clock
}

func mustEnqueue(t *testing.T, s *store.Store, id, command string) *store.Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), store.EnqueueParams{ID: id, Command: command})
	require.NoError(t, err, "Enqueue(%q)", id)
	return j
}

func mustClaim(t *testing.T, s *store.Store, workerID string) *store.Job {
	t.Helper()
	j, err := s.Claim(context.Background(), workerID)
	require.NoError(t, err, "Claim(%q)", workerID)
	require.NotNil(t, j, "Claim(%q) returned no job", workerID)
	return j
}

func intPtr(n int) *int { return &n }

func requireSameTime(t *testing.T, want, got time.Time, field string) {
	t.Helper()
	require.Truef(t, want.Equal(got), "%s = %v, want %v", field, got, want)
}

func openSQLite(t *testing.T) *store.Store {
	t.Helper()
	return testutil.NewSQLiteStore(t)
}
