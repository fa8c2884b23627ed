package readiness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
)

type queued struct {
	id int64
	op fsm.DeferredOp
}

type fakeCoordinator struct {
	mu           sync.Mutex
	granularity  fsm.Granularity
	queued       []queued
	maybeOffline map[int64]struct{}
	restoring    map[int64]struct{}
	failures     map[int64]struct{}
}

func newFakeCoordinator(g fsm.Granularity) *fakeCoordinator {
	return &fakeCoordinator{
		granularity:  g,
		maybeOffline: make(map[int64]struct{}),
		restoring:    make(map[int64]struct{}),
		failures:     make(map[int64]struct{}),
	}
}

func (c *fakeCoordinator) Granularity() fsm.Granularity { return c.granularity }

func (c *fakeCoordinator) Queue(_ context.Context, e catalog.Entity, op fsm.DeferredOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, queued{id: e.ID, op: op})
	return nil
}

func (c *fakeCoordinator) GetMaybeOffline() map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySet(c.maybeOffline)
}

func (c *fakeCoordinator) GetRestoring() map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySet(c.restoring)
}

func (c *fakeCoordinator) CheckFailure(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failures[id]; ok {
		return fmt.Errorf("entity %d: %w", id, fsm.ErrRestoreFailed)
	}
	return nil
}

func (c *fakeCoordinator) ResetFailure(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, id)
}

func (c *fakeCoordinator) restoresQueued() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for _, q := range c.queued {
		if q.op == fsm.OpRestore {
			ids = append(ids, q.id)
		}
	}
	return ids
}

func copySet(in map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// countingBackend counts existence checks per location.
type countingBackend struct {
	tiered_storage.Backend
	mu     sync.Mutex
	checks map[string]int
}

func (b *countingBackend) Exists(ctx context.Context, location string) (bool, error) {
	b.mu.Lock()
	b.checks[location]++
	b.mu.Unlock()
	return b.Backend.Exists(ctx, location)
}

func (b *countingBackend) count(location string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks[location]
}

type trackerFixture struct {
	tracker *Tracker
	coord   *fakeCoordinator
	main    *countingBackend
}

func newTrackerFixture(t *testing.T, g fsm.Granularity) *trackerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir, err := tiered_storage.NewDirMainStorage(t.TempDir(), logger)
	require.NoError(t, err)
	fx := &trackerFixture{
		coord: newFakeCoordinator(g),
		main:  &countingBackend{Backend: dir, checks: make(map[string]int)},
	}
	fx.tracker = NewTracker(Config{}, fx.coord, fx.main, logger)
	t.Cleanup(fx.tracker.Close)
	return fx
}

func (fx *trackerFixture) store(t *testing.T, entities ...catalog.Entity) {
	t.Helper()
	for _, e := range entities {
		_, err := fx.main.Put(context.Background(), e.Location, strings.NewReader("data"))
		require.NoError(t, err)
	}
}

func datafiles(n int) []catalog.Entity {
	out := make([]catalog.Entity, n)
	for i := range out {
		id := int64(100 + i)
		out[i] = catalog.Entity{ID: id, Kind: catalog.KindDatafile, DatasetID: 1, Location: fmt.Sprintf("ds1/f%d", id)}
	}
	return out
}

func TestCheckOnline(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(4)
	fx.store(t, es[0], es[1], es[2])
	fx.coord.maybeOffline[es[1].ID] = struct{}{}

	err := fx.tracker.CheckOnline(ctx, es)
	require.ErrorIs(t, err, ErrNotOnline)
	require.Equal(t, []int64{es[1].ID, es[3].ID}, fx.coord.restoresQueued())

	require.NoError(t, fx.tracker.CheckOnline(ctx, es[:1]))
}

func TestCheckOnlineDoesNotRequeueRestoring(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(1)
	fx.coord.maybeOffline[es[0].ID] = struct{}{}
	fx.coord.restoring[es[0].ID] = struct{}{}

	require.ErrorIs(t, fx.tracker.CheckOnline(ctx, es), ErrNotOnline)
	require.Empty(t, fx.coord.restoresQueued())
}

func TestSingleTierIsAlwaysOnline(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityNone)
	es := datafiles(3)

	require.NoError(t, fx.tracker.CheckOnline(ctx, es))
	id := fx.tracker.Prepare(es)
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.True(t, ready)
	st, err := fx.tracker.Status(ctx, es)
	require.NoError(t, err)
	require.Equal(t, Online, st)
	require.Empty(t, fx.coord.restoresQueued())
}

func TestIsPreparedResumesAtCursor(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	const n, k = 6, 2
	es := datafiles(n)
	fx.store(t, es[:k]...)
	fx.store(t, es[k+1:]...)

	id := fx.tracker.Prepare(es)
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)
	fx.tracker.wg.Wait()
	require.Equal(t, []int64{es[k].ID}, fx.coord.restoresQueued())

	// The restore lands.
	fx.store(t, es[k])
	ready, err = fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.True(t, ready)

	for i, e := range es {
		require.Equal(t, 2, fx.main.count(e.Location), "entity %d", i)
	}
}

func TestIsPreparedBackgroundRequestsEveryRestore(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(5)
	fx.store(t, es[0], es[2])

	id := fx.tracker.Prepare(es)
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)

	fx.tracker.wg.Wait()
	require.ElementsMatch(t, []int64{es[1].ID, es[3].ID, es[4].ID}, fx.coord.restoresQueued())
}

func TestIsPreparedReverifiesBeforeCursor(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(3)
	fx.store(t, es[0], es[1])

	id := fx.tracker.Prepare(es)
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)

	// The last entity comes online but an earlier one is being archived.
	fx.store(t, es[2])
	fx.coord.mu.Lock()
	fx.coord.maybeOffline[es[0].ID] = struct{}{}
	fx.coord.mu.Unlock()

	ready, err = fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)

	fx.coord.mu.Lock()
	delete(fx.coord.maybeOffline, es[0].ID)
	fx.coord.mu.Unlock()
	ready, err = fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestIsPreparedIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(2)
	fx.store(t, es...)
	id := fx.tracker.Prepare(es)

	p, err := fx.tracker.lookup(id)
	require.NoError(t, err)
	p.guard.Lock()
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready, "a concurrent poll reports not ready")
	p.guard.Unlock()

	ready, err = fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestIsPreparedReportsRunningContinuation(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(2)
	fx.store(t, es...)
	id := fx.tracker.Prepare(es)

	p, err := fx.tracker.lookup(id)
	require.NoError(t, err)
	c := &continuation{done: make(chan struct{})}
	p.bg = c

	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)

	c.err = fmt.Errorf("entity %d: %w", es[1].ID, fsm.ErrRestoreFailed)
	close(c.done)
	_, err = fx.tracker.IsPrepared(ctx, id)
	require.ErrorIs(t, err, fsm.ErrRestoreFailed)

	ready, err = fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.True(t, ready, "a surfaced continuation error is cleared")
}

func TestRestoreFailureAndReset(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(2)
	fx.store(t, es[0])
	fx.coord.failures[es[1].ID] = struct{}{}

	id := fx.tracker.Prepare(es)
	_, err := fx.tracker.IsPrepared(ctx, id)
	require.ErrorIs(t, err, fsm.ErrRestoreFailed)
	_, err = fx.tracker.GetStatus(ctx, id)
	require.ErrorIs(t, err, fsm.ErrRestoreFailed)

	require.NoError(t, fx.tracker.Reset(id))
	ready, err := fx.tracker.IsPrepared(ctx, id)
	require.NoError(t, err)
	require.False(t, ready)
	require.Equal(t, []int64{es[1].ID}, fx.coord.restoresQueued())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(3)
	fx.store(t, es[0], es[1])

	st, err := fx.tracker.Status(ctx, es[:2])
	require.NoError(t, err)
	require.Equal(t, Online, st)

	fx.coord.restoring[es[2].ID] = struct{}{}
	st, err = fx.tracker.Status(ctx, es)
	require.NoError(t, err)
	require.Equal(t, Restoring, st)

	fx.coord.maybeOffline[es[0].ID] = struct{}{}
	st, err = fx.tracker.Status(ctx, es)
	require.NoError(t, err)
	require.Equal(t, Archived, st)
	require.Empty(t, fx.coord.restoresQueued(), "status never requests restores")
}

func TestPreparationRegistry(t *testing.T) {
	fx := newTrackerFixture(t, fsm.GranularityDatafile)
	es := datafiles(3)

	id := fx.tracker.Prepare([]catalog.Entity{es[2], es[0], es[2], es[1]})
	got, err := fx.tracker.Entities(id)
	require.NoError(t, err)
	require.Equal(t, es, got)

	require.NoError(t, fx.tracker.Forget(id))
	_, err = fx.tracker.Entities(id)
	require.ErrorIs(t, err, ErrUnknownPreparation)
	_, err = fx.tracker.IsPrepared(context.Background(), id)
	require.ErrorIs(t, err, ErrUnknownPreparation)
	require.ErrorIs(t, fx.tracker.Forget(id), ErrUnknownPreparation)
}

func TestExistenceChecksAreRateLimited(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	dir, err := tiered_storage.NewDirMainStorage(t.TempDir(), logger)
	require.NoError(t, err)
	tr := NewTracker(Config{ChecksPerSecond: 20}, newFakeCoordinator(fsm.GranularityDatafile), dir, logger)
	defer tr.Close()

	es := datafiles(5)
	for _, e := range es {
		_, err := dir.Put(ctx, e.Location, strings.NewReader("x"))
		require.NoError(t, err)
	}
	start := time.Now()
	require.NoError(t, tr.CheckOnline(ctx, es))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
