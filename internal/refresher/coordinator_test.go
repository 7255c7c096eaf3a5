// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/config"
)

// fakeRefreshStore mirrors the store's retention semantics: projection rows
// are keyed by generation, a rebuild cannot reuse a generation whose rows
// still exist, and rollback drops everything newer than the restored
// generation.
type fakeRefreshStore struct {
	mu sync.Mutex

	targets   map[string]atlasdb.TargetRow
	rows      map[string]map[int64]bool
	snapshots map[string]atlasdb.SnapshotRow
	metrics   []atlasdb.InsertRefreshMetricParams
	changes   int64

	rebuildErr     error
	snapshotErr    error
	rebuildStarted chan struct{}
	rebuildRelease chan struct{}

	rebuilds  int
	rollbacks int
	prunes    []int64
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{
		targets:   make(map[string]atlasdb.TargetRow),
		rows:      make(map[string]map[int64]bool),
		snapshots: make(map[string]atlasdb.SnapshotRow),
	}
}

func (f *fakeRefreshStore) GetTarget(_ context.Context, target string) (atlasdb.TargetRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.targets[target]
	if !ok {
		return atlasdb.TargetRow{}, pgx.ErrNoRows
	}
	return row, nil
}

func (f *fakeRefreshStore) RebuildProjection(_ context.Context, target string) (int64, error) {
	if f.rebuildStarted != nil {
		f.rebuildStarted <- struct{}{}
		<-f.rebuildRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebuildErr != nil {
		return 0, f.rebuildErr
	}
	row := f.targets[target]
	newGen := row.CurrentGeneration + 1
	if f.rows[target][newGen] {
		return 0, fmt.Errorf("insert %s generation %d: duplicate key value violates unique constraint", target, newGen)
	}
	if f.rows[target] == nil {
		f.rows[target] = make(map[int64]bool)
	}
	f.rows[target][newGen] = true
	f.rebuilds++
	row.Target = target
	row.CurrentGeneration = newGen
	row.ComputedAt = time.Now()
	f.targets[target] = row
	return newGen, nil
}

func (f *fakeRefreshStore) RollbackProjection(_ context.Context, target string, generation int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	for gen := range f.rows[target] {
		if gen > generation {
			delete(f.rows[target], gen)
		}
	}
	row := f.targets[target]
	row.Target = target
	row.CurrentGeneration = generation
	f.targets[target] = row
	return nil
}

func (f *fakeRefreshStore) PruneProjectionBefore(_ context.Context, target string, generation int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, generation)
	for gen := range f.rows[target] {
		if gen < generation {
			delete(f.rows[target], gen)
		}
	}
	return nil
}

func (f *fakeRefreshStore) CountEntityChangesSince(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes, nil
}

func (f *fakeRefreshStore) UpsertSnapshot(_ context.Context, params atlasdb.UpsertSnapshotParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	f.snapshots[params.Target] = atlasdb.SnapshotRow{
		Target:     params.Target,
		SnapshotID: params.SnapshotID,
		Generation: params.Generation,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (f *fakeRefreshStore) GetSnapshot(_ context.Context, target string) (atlasdb.SnapshotRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[target]
	if !ok {
		return atlasdb.SnapshotRow{}, pgx.ErrNoRows
	}
	return snap, nil
}

func (f *fakeRefreshStore) DeleteSnapshot(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, target)
	return nil
}

func (f *fakeRefreshStore) InsertRefreshMetric(_ context.Context, params atlasdb.InsertRefreshMetricParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, params)
	return nil
}

func (f *fakeRefreshStore) PruneRefreshMetrics(_ context.Context, _ int32) error {
	return nil
}

func (f *fakeRefreshStore) rebuildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuilds
}

type fakeCache struct {
	mu       sync.Mutex
	prefixes []string
	err      error
}

func (f *fakeCache) InvalidatePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return f.err
}

func (f *fakeCache) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prefixes...)
}

func testConfig() config.Refresher {
	return config.Refresher{
		CheckInterval:   30 * time.Second,
		ChangeThreshold: 500,
		TimeThreshold:   time.Hour,
		RollbackEnabled: true,
		RollbackWindow:  10 * time.Minute,
		MetricRetention: 1000,
	}
}

func TestCoordinator_ForceRefresh(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	cache := &fakeCache{}
	c := New(store, cache, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, StateFresh, ts.State())
	assert.Equal(t, int64(1), ts.Generation())
	assert.False(t, ts.LastRefresh().IsZero())
	assert.Nil(t, ts.Snapshot(), "first refresh has no prior generation to snapshot")

	assert.Equal(t, []string{"ancestors:"}, cache.invalidated())
	require.Len(t, store.metrics, 1)
	assert.True(t, store.metrics[0].Success)
}

func TestCoordinator_SecondRefreshTakesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	cache := &fakeCache{}
	c := New(store, cache, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, int64(2), ts.Generation())

	snap := ts.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Generation, "snapshot points at the superseded generation")
	assert.Contains(t, store.snapshots, atlasdb.TargetAncestors)

	// Pruning keeps the snapshot generation for the rollback window.
	require.Len(t, store.prunes, 2)
	assert.Equal(t, int64(1), store.prunes[0], "no snapshot on first refresh, keep the new generation")
	assert.Equal(t, int64(1), store.prunes[1], "snapshot generation retained")
}

func TestCoordinator_ForceRefreshAll(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, ""))
	assert.Equal(t, 2, store.rebuildCount())
}

func TestCoordinator_ForceRefreshUnknownTarget(t *testing.T) {
	c := New(newFakeRefreshStore(), &fakeCache{}, testConfig())
	err := c.ForceRefresh(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestCoordinator_ConcurrentRefreshesCoalesce(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	store.rebuildStarted = make(chan struct{}, 8)
	store.rebuildRelease = make(chan struct{})
	c := New(store, &fakeCache{}, testConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	}()

	// Wait until the first refresh holds the target lock inside the rebuild,
	// then pile more callers onto the same target.
	<-store.rebuildStarted
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
		}()
	}
	time.Sleep(20 * time.Millisecond) // let the pile observe the old generation
	close(store.rebuildRelease)
	wg.Wait()

	assert.Equal(t, 1, store.rebuildCount(),
		"callers that waited behind an in-flight refresh observe the new generation and coalesce")
	assert.Equal(t, int64(1), c.targets[atlasdb.TargetAncestors].Generation())
}

func TestCoordinator_RebuildFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	store.rebuildErr = errors.New("rebuild blew up")
	cache := &fakeCache{}
	c := New(store, cache, testConfig())

	err := c.ForceRefresh(ctx, atlasdb.TargetAncestors)
	require.Error(t, err)

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, StateStale, ts.State(), "failed target is eligible for retry")
	assert.Equal(t, int64(0), ts.Generation())
	assert.Empty(t, cache.invalidated(), "old cached answers stay servable")

	require.Len(t, store.metrics, 1)
	assert.False(t, store.metrics[0].Success)
	assert.Equal(t, "rebuild blew up", store.metrics[0].ErrorMessage)
}

func TestCoordinator_SnapshotFailureAbortsRefresh(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	cache := &fakeCache{}
	c := New(store, cache, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	store.snapshotErr = errors.New("snapshot failed")
	cache.prefixes = nil

	err := c.ForceRefresh(ctx, atlasdb.TargetAncestors)
	require.Error(t, err)
	assert.Equal(t, 1, store.rebuildCount(), "rebuild not attempted without a snapshot")
	assert.Empty(t, cache.invalidated())
}

func TestCoordinator_ChangeThresholdTrigger(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	// Make the target fresh and recent.
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	ts := c.targets[atlasdb.TargetAncestors]

	store.changes = 499
	require.NoError(t, c.refreshTarget(ctx, ts, false))
	assert.Equal(t, 1, store.rebuildCount(), "below the change threshold, no refresh")

	store.changes = 500
	require.NoError(t, c.refreshTarget(ctx, ts, false))
	assert.Equal(t, 2, store.rebuildCount(), "at the change threshold, refresh")
}

func TestCoordinator_TimeThresholdTrigger(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	ts := c.targets[atlasdb.TargetAncestors]

	// Age the last refresh past the time threshold.
	ts.setRefreshed(ts.Generation(), time.Now().Add(-2*time.Hour))

	require.NoError(t, c.refreshTarget(ctx, ts, false))
	assert.Equal(t, 2, store.rebuildCount())
}

func TestCoordinator_NeverRefreshedIsStale(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	ts := c.targets[atlasdb.TargetAncestors]
	require.Equal(t, StateStale, ts.State())

	require.NoError(t, c.refreshTarget(ctx, ts, false))
	assert.Equal(t, 1, store.rebuildCount())
	assert.Equal(t, StateFresh, ts.State())
}

func TestCoordinator_RollbackInsideWindow(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	cache := &fakeCache{}
	c := New(store, cache, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	cache.prefixes = nil

	require.NoError(t, c.AttemptRollback(ctx, atlasdb.TargetAncestors))

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, 1, store.rollbacks)
	assert.Equal(t, int64(1), ts.Generation(), "pointer flipped back to the snapshot generation")
	assert.Nil(t, ts.Snapshot(), "snapshot is consumed")
	assert.NotContains(t, store.snapshots, atlasdb.TargetAncestors)
	assert.Equal(t, StateStale, ts.State(), "rolled-back content is stale by definition")
	assert.Equal(t, []string{"ancestors:"}, cache.invalidated())
}

func TestCoordinator_RefreshAfterRollback(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	require.NoError(t, c.AttemptRollback(ctx, atlasdb.TargetAncestors))

	// Rollback must free the abandoned generation's rows, otherwise the next
	// rebuild writes current+1 into an occupied generation and hits the
	// projection primary key.
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, StateFresh, ts.State())
	assert.Equal(t, int64(2), ts.Generation())
	assert.Equal(t, 3, store.rebuilds)
}

func TestCoordinator_RollbackOutsideWindowIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))
	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))

	ts := c.targets[atlasdb.TargetAncestors]
	snap := ts.Snapshot()
	require.NotNil(t, snap)
	snap.TakenAt = time.Now().Add(-11 * time.Minute)

	require.NoError(t, c.AttemptRollback(ctx, atlasdb.TargetAncestors))
	assert.Equal(t, 0, store.rollbacks)
	assert.Equal(t, int64(2), ts.Generation())
}

func TestCoordinator_RollbackWithoutSnapshotIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.AttemptRollback(ctx, atlasdb.TargetAncestors))
	assert.Equal(t, 0, store.rollbacks)
}

func TestCoordinator_RollbackUnknownTarget(t *testing.T) {
	c := New(newFakeRefreshStore(), &fakeCache{}, testConfig())
	err := c.AttemptRollback(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestCoordinator_LoadInitialState(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	computed := time.Now().Add(-5 * time.Minute)
	store.targets[atlasdb.TargetAncestors] = atlasdb.TargetRow{
		Target:            atlasdb.TargetAncestors,
		CurrentGeneration: 7,
		ComputedAt:        computed,
	}

	c := New(store, &fakeCache{}, testConfig())
	c.loadInitialState(ctx)

	ts := c.targets[atlasdb.TargetAncestors]
	assert.Equal(t, StateFresh, ts.State())
	assert.Equal(t, int64(7), ts.Generation())
	assert.Equal(t, computed, ts.LastRefresh())

	// The other target was never refreshed and stays stale.
	assert.Equal(t, StateStale, c.targets[atlasdb.TargetDescendantCounts].State())
}

func TestCoordinator_Status(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors))

	report := c.Status()
	require.Len(t, report.Targets, 2)
	assert.Equal(t, atlasdb.TargetAncestors, report.Targets[0].Target)
	assert.Equal(t, "fresh", report.Targets[0].State)
	assert.Equal(t, int64(1), report.Targets[0].Generation)
	assert.Equal(t, "stale", report.Targets[1].State)

	require.Len(t, report.Recent, 1)
	assert.Equal(t, 1, report.Summary.Count)
	assert.Equal(t, 1.0, report.Summary.SuccessRate)
}

func TestCoordinator_StartStop(t *testing.T) {
	store := newFakeRefreshStore()
	c := New(store, &fakeCache{}, testConfig())

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "double start is rejected")

	c.Stop()
	require.NoError(t, c.Start(context.Background()), "restart after stop")
	c.Stop()
}

func TestCoordinator_RemoteInvalidationFailureDoesNotFailRefresh(t *testing.T) {
	ctx := context.Background()
	store := newFakeRefreshStore()
	cache := &fakeCache{err: errors.New("redis down")}
	c := New(store, cache, testConfig())

	require.NoError(t, c.ForceRefresh(ctx, atlasdb.TargetAncestors),
		"remote invalidation failure converges via TTL, refresh still succeeds")
	assert.Equal(t, StateFresh, c.targets[atlasdb.TargetAncestors].State())
}
