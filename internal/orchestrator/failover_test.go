package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
	"github.com/reelgrab/reelgrab/internal/magnet"
	"github.com/reelgrab/reelgrab/internal/orchestrator"
	testutil "github.com/reelgrab/reelgrab/internal/testing"
)

var (
	hashA = strings.Repeat("a", 40)
	hashB = strings.Repeat("b", 40)
	hashC = strings.Repeat("c", 40)
	hashD = strings.Repeat("d", 40)
)

// noSleep skips probe waits in tests.
func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedTitle(t *testing.T, store catalog.Store, serial, hash string, status backend.DownloadStatus) *catalog.Title {
	t.Helper()

	title, err := store.CreateTitle(context.Background(), &catalog.Title{
		SerialCode: serial,
		Status:     backend.StatusDiscovered,
	})
	require.NoError(t, err)

	if status != backend.StatusDiscovered || hash != "" {
		require.NoError(t, store.UpdateStatus(context.Background(), serial, status, hash))
		title, err = store.GetBySerial(context.Background(), serial)
		require.NoError(t, err)
	}
	return title
}

func seedMagnet(t *testing.T, store catalog.Store, serial, hash string, size int64, seeds int) {
	t.Helper()
	require.NoError(t, store.SaveMagnet(context.Background(), &catalog.MagnetRecord{
		Hash:       hash,
		SerialCode: serial,
		Name:       serial,
		Size:       size,
		Seeds:      seeds,
	}))
}

// stalledSnapshot builds a transfer old and slow enough to trip failover.
func stalledSnapshot(hash string, now time.Time) backend.TransferSnapshot {
	return backend.TransferSnapshot{
		Hash:         hash,
		Status:       backend.StatusDownloading,
		DownloadRate: 0,
		AddedAt:      now.Add(-40 * time.Minute),
	}
}

func TestFailoverSnapshotCache(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()

	calls := 0
	mock := testutil.NewMockBackend("seedbox")
	mock.OnSnapshot = func(_ context.Context, hash string) (backend.TransferSnapshot, error) {
		calls++
		return backend.TransferSnapshot{
			Hash:         hash,
			Status:       backend.StatusDownloading,
			DownloadRate: 1 << 20,
			AddedAt:      clock.Now().Add(-time.Minute),
		}, nil
	}

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)

	t.Run("fresh snapshot is cached", func(t *testing.T) {
		for range 3 {
			ev, err := fc.Evaluate(context.Background(), mock, title)
			require.NoError(t, err)
			assert.Equal(t, orchestrator.OutcomeHealthy, ev.Outcome)
		}
		assert.Equal(t, 1, calls)
	})

	t.Run("expired snapshot is refetched", func(t *testing.T) {
		clock.Advance(6 * time.Minute)

		_, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("invalidate drops the entry", func(t *testing.T) {
		fc.Invalidate("seedbox", hashA)

		_, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestFailoverEvaluateHealthy(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)

	t.Run("young transfer", func(t *testing.T) {
		mock.SetTransfer(backend.TransferSnapshot{
			Hash:         hashA,
			Status:       backend.StatusDownloading,
			DownloadRate: 0,
			AddedAt:      clock.Now().Add(-time.Minute),
		})

		ev, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.OutcomeHealthy, ev.Outcome)
		assert.Equal(t, hashA, ev.Snapshot.Hash)
	})

	t.Run("old but fast transfer", func(t *testing.T) {
		fc.Invalidate("seedbox", hashA)
		mock.SetTransfer(backend.TransferSnapshot{
			Hash:         hashA,
			Status:       backend.StatusDownloading,
			DownloadRate: 5 << 20,
			AddedAt:      clock.Now().Add(-2 * time.Hour),
		})

		ev, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.OutcomeHealthy, ev.Outcome)
	})
}

func TestFailoverQualityProtection(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	// The current source is rated above the quality ceiling; even a dead
	// transfer is left alone.
	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
	seedMagnet(t, store, "ABC-123", hashA, 1<<30, 0)
	require.NoError(t, store.SetQuality(context.Background(), hashA, 8.5))

	mock.SetTransfer(stalledSnapshot(hashA, clock.Now()))

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeHealthy, ev.Outcome)
	assert.Empty(t, mock.Removed())
}

func TestFailoverEvaluateCompleted(t *testing.T) {
	store := testutil.NewTestStore(t)
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
	mock.SetTransfer(backend.TransferSnapshot{
		Hash:    hashA,
		Status:  backend.StatusCompleted,
		AddedAt: time.Now().Add(-3 * time.Hour),
	})

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeCompleted, ev.Outcome)
}

func TestFailoverEvaluateMissing(t *testing.T) {
	store := testutil.NewTestStore(t)
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeMissing, ev.Outcome)
}

// aliveOnAdd makes AddMagnet seed a transfer with peers for the given
// hashes; other added hashes stay invisible, like a dead swarm.
func aliveOnAdd(mock *testutil.MockBackend, alive ...string) {
	aliveSet := make(map[string]bool, len(alive))
	for _, h := range alive {
		aliveSet[h] = true
	}
	mock.OnAddMagnet = func(_ context.Context, uri, _ string) error {
		hash, err := magnet.ExtractHash(uri)
		if err != nil {
			return err
		}
		if aliveSet[hash] {
			mock.SetTransfer(backend.TransferSnapshot{
				Hash:    hash,
				Status:  backend.StatusDownloading,
				Seeds:   4,
				Peers:   2,
				AddedAt: time.Now(),
			})
		}
		return nil
	}
}

func TestFailoverReplacesStalledTransfer(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)

	// hashB outranks hashC (bigger payload, more seeds) but its swarm is
	// dead; the probe should fall through to hashC.
	seedMagnet(t, store, "ABC-123", hashB, 8<<30, 50)
	seedMagnet(t, store, "ABC-123", hashC, 1<<30, 3)

	mock.SetTransfer(stalledSnapshot(hashA, clock.Now()))
	aliveOnAdd(mock, hashC)

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.OutcomeReplaced, ev.Outcome)
	assert.Equal(t, hashC, ev.NewHash)
	assert.Equal(t, 2, ev.Probed)

	// The dead candidate goes first; the stalled transfer is only removed
	// once the live replacement is confirmed.
	assert.Equal(t, []string{hashB, hashA}, mock.Removed())

	failed, err := store.FailedHashes(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hashA, hashB}, failed)
}

func TestFailoverKeepsStalledTransferOnTransportError(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
	seedMagnet(t, store, "ABC-123", hashB, 1<<30, 5)

	mock.SetTransfer(stalledSnapshot(hashA, clock.Now()))
	mock.OnAddMagnet = func(context.Context, string, string) error {
		return backend.ErrTransport
	}

	_, err := fc.Evaluate(context.Background(), mock, title)
	require.Error(t, err)

	// The stalled transfer survives an interrupted failover; the next pass
	// retries with the data still on disk.
	assert.Empty(t, mock.Removed())
	assert.True(t, mock.HasTransfer(hashA))

	failed, err := store.FailedHashes(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestFailoverRateFloor(t *testing.T) {
	newController := func(store catalog.Store, clock *testClock, cfg orchestrator.FailoverConfig) *orchestrator.FailoverController {
		return orchestrator.NewFailoverController(store, nil, cfg,
			orchestrator.WithFailoverClock(clock.Now),
			orchestrator.WithFailoverSleep(noSleep),
		)
	}

	trickle := func(hash string, now time.Time) backend.TransferSnapshot {
		return backend.TransferSnapshot{
			Hash:         hash,
			Status:       backend.StatusDownloading,
			DownloadRate: 500,
			AddedAt:      now.Add(-40 * time.Minute),
		}
	}

	t.Run("default floor only stalls dead transfers", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		clock := newTestClock()
		mock := testutil.NewMockBackend("seedbox")
		fc := newController(store, clock, orchestrator.FailoverConfig{})

		title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
		mock.SetTransfer(trickle(hashA, clock.Now()))

		ev, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.OutcomeHealthy, ev.Outcome)
		assert.Empty(t, mock.Removed())
	})

	t.Run("explicit floor catches a trickle", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		clock := newTestClock()
		mock := testutil.NewMockBackend("seedbox")
		fc := newController(store, clock, orchestrator.FailoverConfig{MinRate: 1024})

		title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
		mock.SetTransfer(trickle(hashA, clock.Now()))

		ev, err := fc.Evaluate(context.Background(), mock, title)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.OutcomeExhausted, ev.Outcome)
		assert.Equal(t, []string{hashA}, mock.Removed())
	})
}

func TestFailoverExhaustsAllCandidates(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
	seedMagnet(t, store, "ABC-123", hashB, 1<<30, 0)
	seedMagnet(t, store, "ABC-123", hashC, 1<<30, 0)

	mock.SetTransfer(stalledSnapshot(hashA, clock.Now()))

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.OutcomeExhausted, ev.Outcome)
	assert.Equal(t, 2, ev.Probed)

	failed, err := store.FailedHashes(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hashA, hashB, hashC}, failed)

	failures, err := store.FailuresBySerial(context.Background(), "ABC-123")
	require.NoError(t, err)
	require.Len(t, failures, 3)
	for _, f := range failures {
		assert.Equal(t, "seedbox", f.Backend)
		assert.NotEmpty(t, f.Reason)
	}
}

func TestFailoverSkipsPreviouslyFailedHashes(t *testing.T) {
	store := testutil.NewTestStore(t)
	clock := newTestClock()
	mock := testutil.NewMockBackend("seedbox")

	fc := orchestrator.NewFailoverController(store, nil, orchestrator.FailoverConfig{},
		orchestrator.WithFailoverClock(clock.Now),
		orchestrator.WithFailoverSleep(noSleep),
	)

	title := seedTitle(t, store, "ABC-123", hashA, backend.StatusDownloading)
	seedMagnet(t, store, "ABC-123", hashB, 8<<30, 50)
	seedMagnet(t, store, "ABC-123", hashD, 1<<30, 1)

	// hashB already failed in an earlier pass; it must not be probed again.
	require.NoError(t, store.RecordFailure(context.Background(), &catalog.Failure{
		SerialCode: "ABC-123",
		Hash:       hashB,
		Backend:    "seedbox",
		Reason:     "probe found no peers",
		FailedAt:   clock.Now(),
	}))

	mock.SetTransfer(stalledSnapshot(hashA, clock.Now()))
	aliveOnAdd(mock, hashD)

	ev, err := fc.Evaluate(context.Background(), mock, title)
	require.NoError(t, err)

	assert.Equal(t, orchestrator.OutcomeReplaced, ev.Outcome)
	assert.Equal(t, hashD, ev.NewHash)
	assert.Equal(t, 1, ev.Probed)
}
