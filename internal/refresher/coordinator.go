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
	"log"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/logctx"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

var (
	refreshDuration metric.Float64Histogram
	refreshCount    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/atlas/internal/refresher")

	var err error

	refreshDuration, err = meter.Float64Histogram(
		"atlas.refresher.duration",
		metric.WithDescription("Projection refresh duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create refresher.duration histogram: %v", err)
	}

	refreshCount, err = meter.Int64Counter(
		"atlas.refresher.refreshes",
		metric.WithDescription("Number of projection refreshes by outcome"),
	)
	if err != nil {
		log.Fatalf("failed to create refresher.refreshes counter: %v", err)
	}
}

// ErrUnknownTarget marks a request naming a target the coordinator does not
// manage.
var ErrUnknownTarget = errors.New("unknown refresh target")

// Store is the subset of database operations the coordinator needs.
type Store interface {
	GetTarget(ctx context.Context, target string) (atlasdb.TargetRow, error)
	RebuildProjection(ctx context.Context, target string) (int64, error)
	RollbackProjection(ctx context.Context, target string, generation int64) error
	PruneProjectionBefore(ctx context.Context, target string, generation int64) error
	CountEntityChangesSince(ctx context.Context, since time.Time) (int64, error)
	UpsertSnapshot(ctx context.Context, params atlasdb.UpsertSnapshotParams) error
	GetSnapshot(ctx context.Context, target string) (atlasdb.SnapshotRow, error)
	DeleteSnapshot(ctx context.Context, target string) error
	InsertRefreshMetric(ctx context.Context, params atlasdb.InsertRefreshMetricParams) error
	PruneRefreshMetrics(ctx context.Context, keep int32) error
}

// Ensure atlasdb.Store satisfies the Store interface.
var _ Store = (*atlasdb.Store)(nil)

// Cache is the invalidation surface the coordinator drives after a swap.
type Cache interface {
	InvalidatePrefix(ctx context.Context, prefix string) error
}

var _ Cache = (*tiercache.Cache)(nil)

// Target names a projection and the cache key prefixes its refresh must
// clear.
type Target struct {
	Name          string
	CachePrefixes []string
}

// DefaultTargets returns the two projections this service maintains.
func DefaultTargets() []Target {
	return []Target{
		{Name: atlasdb.TargetAncestors, CachePrefixes: []string{"ancestors:"}},
		{Name: atlasdb.TargetDescendantCounts, CachePrefixes: []string{"children:", "entities:", "search:"}},
	}
}

// Snapshot is the in-memory view of the rollback snapshot for a target.
type Snapshot struct {
	ID         uuid.UUID `json:"id"`
	Target     string    `json:"target"`
	Generation int64     `json:"generation"`
	TakenAt    time.Time `json:"taken_at"`
}

// targetState serializes refreshes for one target. mu is held for the whole
// refresh procedure (snapshot, rebuild, invalidation); meta guards the small
// fields so Status never blocks behind a rebuild.
type targetState struct {
	target Target

	mu sync.Mutex

	state atomic.Int32

	meta        sync.Mutex
	lastRefresh time.Time
	generation  int64
	snapshot    *Snapshot
}

func (ts *targetState) State() State     { return State(ts.state.Load()) }
func (ts *targetState) setState(s State) { ts.state.Store(int32(s)) }

func (ts *targetState) Generation() int64 {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	return ts.generation
}

func (ts *targetState) LastRefresh() time.Time {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	return ts.lastRefresh
}

func (ts *targetState) Snapshot() *Snapshot {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	return ts.snapshot
}

func (ts *targetState) setRefreshed(generation int64, at time.Time) {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	ts.generation = generation
	ts.lastRefresh = at
}

func (ts *targetState) setGeneration(generation int64) {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	ts.generation = generation
}

func (ts *targetState) setSnapshot(s *Snapshot) {
	ts.meta.Lock()
	defer ts.meta.Unlock()
	ts.snapshot = s
}

// Coordinator owns the projection refresh lifecycle: trigger evaluation,
// serialized rebuilds, cache invalidation, rollback, and metrics. Reads
// against a target mid-refresh are served from the last-good generation
// because the store's swap is transactional.
type Coordinator struct {
	store Store
	cache Cache
	cfg   config.Refresher

	order   []string
	targets map[string]*targetState
	ring    *metricsRing

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Coordinator over the given targets; DefaultTargets when none
// are passed.
func New(store Store, cache Cache, cfg config.Refresher, targets ...Target) *Coordinator {
	if len(targets) == 0 {
		targets = DefaultTargets()
	}

	c := &Coordinator{
		store:   store,
		cache:   cache,
		cfg:     cfg,
		targets: make(map[string]*targetState, len(targets)),
		ring:    newMetricsRing(100),
	}
	for _, t := range targets {
		c.order = append(c.order, t.Name)
		ts := &targetState{target: t}
		ts.setState(StateStale) // unknown freshness until first evaluation
		c.targets[t.Name] = ts
	}
	return c
}

// Start launches the background trigger-evaluation worker. The worker
// outlives ctx's values but not the Coordinator; use Stop to end it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return errors.New("refresher already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logctx.FromContext(runCtx).Error("refresher worker exited", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop cancels the worker and waits for the current pass to finish.
// In-flight refreshes complete rather than aborting mid-swap.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// Run evaluates triggers on a fixed interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.loadInitialState(ctx)

	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logctx.FromContext(ctx).Info("refresher worker started",
		slog.Duration("check_interval", interval))

	for {
		select {
		case <-ctx.Done():
			logctx.FromContext(ctx).Info("refresher worker stopping")
			return ctx.Err()
		case <-ticker.C:
			c.runPass(ctx)
		}
	}
}

// loadInitialState primes generations, refresh times and snapshots from the
// database so a restarted process does not re-refresh or forget a rollback
// window. Errors leave zero state, which just means the first trigger pass
// treats the target as never refreshed.
func (c *Coordinator) loadInitialState(ctx context.Context) {
	log := logctx.FromContext(ctx)
	for _, name := range c.order {
		ts := c.targets[name]

		row, err := c.store.GetTarget(ctx, name)
		switch {
		case err == nil:
			ts.setRefreshed(row.CurrentGeneration, row.ComputedAt)
			ts.setState(StateFresh)
		case errors.Is(err, pgx.ErrNoRows):
			// never refreshed
		default:
			log.Warn("failed to load projection target state",
				slog.String("target", name), slog.Any("error", err))
		}

		snap, err := c.store.GetSnapshot(ctx, name)
		if err == nil {
			ts.setSnapshot(&Snapshot{
				ID:         snap.SnapshotID,
				Target:     snap.Target,
				Generation: snap.Generation,
				TakenAt:    snap.CreatedAt,
			})
		} else if !errors.Is(err, pgx.ErrNoRows) {
			log.Warn("failed to load projection snapshot",
				slog.String("target", name), slog.Any("error", err))
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context) {
	for _, name := range c.order {
		if ctx.Err() != nil {
			return
		}
		ts := c.targets[name]
		if err := c.refreshTarget(ctx, ts, false); err != nil {
			logctx.FromContext(ctx).Error("refresh failed",
				slog.String("target", name), slog.Any("error", err))
		}
	}
}

// ForceRefresh rebuilds the named target regardless of staleness, or every
// target when name is empty. It honors the per-target serialization and the
// full snapshot/swap/invalidate procedure.
func (c *Coordinator) ForceRefresh(ctx context.Context, name string) error {
	if name == "" {
		var errs []error
		for _, n := range c.order {
			if err := c.refreshTarget(ctx, c.targets[n], true); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	ts, ok := c.targets[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return c.refreshTarget(ctx, ts, true)
}

// refreshTarget is the single locked entry point for both the periodic pass
// and forced refreshes. Callers that waited on the lock while another
// refresh swapped a new generation coalesce into a no-op: they observe the
// advanced generation and return.
func (c *Coordinator) refreshTarget(ctx context.Context, ts *targetState, force bool) error {
	observed := ts.Generation()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.Generation() != observed {
		return nil
	}

	if !force {
		stale, err := c.evaluateStale(ctx, ts)
		if err != nil {
			return fmt.Errorf("evaluate triggers for %s: %w", ts.target.Name, err)
		}
		if !stale {
			return nil
		}
	}

	return c.refreshLocked(ctx, ts)
}

// evaluateStale applies the change-count and time triggers. Called with the
// target lock held.
func (c *Coordinator) evaluateStale(ctx context.Context, ts *targetState) (bool, error) {
	// Stale covers never-refreshed targets and failed refreshes awaiting
	// retry.
	if ts.State() == StateStale {
		return true, nil
	}

	last := ts.LastRefresh()
	if last.IsZero() {
		return true, nil
	}

	if c.cfg.TimeThreshold > 0 && time.Since(last) > c.cfg.TimeThreshold {
		ts.setState(StateStale)
		return true, nil
	}

	changes, err := c.store.CountEntityChangesSince(ctx, last)
	if err != nil {
		return false, err
	}
	if c.cfg.ChangeThreshold > 0 && changes >= c.cfg.ChangeThreshold {
		ts.setState(StateStale)
		return true, nil
	}

	return false, nil
}

// refreshLocked performs the refresh procedure with the target lock held:
// snapshot, rebuild into a new generation with a transactional pointer flip,
// prune, invalidate both cache tiers, record metrics. Shutdown does not
// interrupt it: an interrupted swap would be the worst failure mode, so the
// store calls run on a detached context.
func (c *Coordinator) refreshLocked(ctx context.Context, ts *targetState) error {
	name := ts.target.Name
	dctx := logctx.With(context.WithoutCancel(ctx), slog.String("target", name))
	log := logctx.FromContext(dctx)
	start := time.Now()

	ts.setState(StateRefreshing)

	var snap *Snapshot
	if c.cfg.RollbackEnabled && ts.Generation() > 0 {
		snap = &Snapshot{
			ID:         uuid.New(),
			Target:     name,
			Generation: ts.Generation(),
			TakenAt:    time.Now(),
		}
		if err := c.store.UpsertSnapshot(dctx, atlasdb.UpsertSnapshotParams{
			Target:     name,
			SnapshotID: snap.ID,
			Generation: snap.Generation,
		}); err != nil {
			c.recordOutcome(dctx, ts, Record{
				Target:    name,
				Duration:  time.Since(start),
				Success:   false,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			return fmt.Errorf("snapshot %s: %w", name, err)
		}
		ts.setSnapshot(snap)
	}

	newGen, err := c.store.RebuildProjection(dctx, name)
	if err != nil {
		// Old generation stays current and servable; cache is untouched.
		c.recordOutcome(dctx, ts, Record{
			Target:    name,
			Duration:  time.Since(start),
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return fmt.Errorf("rebuild %s: %w", name, err)
	}

	ts.setRefreshed(newGen, time.Now())

	keepFrom := newGen
	if snap != nil {
		keepFrom = snap.Generation
	}
	if err := c.store.PruneProjectionBefore(dctx, name, keepFrom); err != nil {
		log.Warn("failed to prune superseded projection generations", slog.Any("error", err))
	}

	// Both tiers must be cleared before the refresh is reported complete so
	// no reader gets a hit computed from the superseded generation. A remote
	// tier failure converges via TTL expiry instead.
	for _, prefix := range ts.target.CachePrefixes {
		if err := c.cache.InvalidatePrefix(dctx, prefix); err != nil {
			log.Warn("remote cache invalidation failed, convergence deferred to TTL",
				slog.String("prefix", prefix), slog.Any("error", err))
		}
	}

	c.recordOutcome(dctx, ts, Record{
		Target:    name,
		Duration:  time.Since(start),
		Success:   true,
		Timestamp: time.Now(),
	})

	log.Info("projection refreshed",
		slog.Int64("generation", newGen),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// recordOutcome appends to the in-memory ring, updates OTel instruments,
// persists the record, and settles the target state.
func (c *Coordinator) recordOutcome(ctx context.Context, ts *targetState, rec Record) {
	c.ring.Append(rec)

	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("target", rec.Target),
		attribute.String("outcome", outcome),
	)
	refreshDuration.Record(ctx, rec.Duration.Seconds(), attrs)
	refreshCount.Add(ctx, 1, attrs)

	if err := c.store.InsertRefreshMetric(ctx, atlasdb.InsertRefreshMetricParams{
		Target:       rec.Target,
		Duration:     rec.Duration,
		Success:      rec.Success,
		ErrorMessage: rec.Error,
	}); err != nil {
		logctx.FromContext(ctx).Warn("failed to persist refresh metric", slog.Any("error", err))
	} else if c.cfg.MetricRetention > 0 {
		if err := c.store.PruneRefreshMetrics(ctx, c.cfg.MetricRetention); err != nil {
			logctx.FromContext(ctx).Warn("failed to prune refresh metrics", slog.Any("error", err))
		}
	}

	if rec.Success {
		ts.setState(StateFresh)
	} else {
		ts.setState(StateFailed)
		ts.setState(StateStale) // eligible for retry on the next trigger
	}
}

// AttemptRollback flips the named target back to its snapshot generation if
// the rollback window has not elapsed. Outside the window (or with no
// snapshot) it is a no-op that logs a warning: the snapshot is assumed
// superseded by newer, correct state.
func (c *Coordinator) AttemptRollback(ctx context.Context, name string) error {
	ts, ok := c.targets[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	ctx = logctx.With(ctx, slog.String("target", name))
	log := logctx.FromContext(ctx)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	snap := ts.Snapshot()
	if snap == nil {
		log.Warn("rollback requested but no snapshot exists")
		return nil
	}

	if time.Since(snap.TakenAt) > c.cfg.RollbackWindow {
		log.Warn("rollback window expired, ignoring",
			slog.Time("snapshot_taken_at", snap.TakenAt),
			slog.Duration("window", c.cfg.RollbackWindow))
		return nil
	}

	if err := c.store.RollbackProjection(ctx, name, snap.Generation); err != nil {
		return fmt.Errorf("rollback %s to generation %d: %w", name, snap.Generation, err)
	}

	ts.setGeneration(snap.Generation)
	ts.setSnapshot(nil)
	if err := c.store.DeleteSnapshot(ctx, name); err != nil {
		log.Warn("failed to delete consumed snapshot", slog.Any("error", err))
	}

	for _, prefix := range ts.target.CachePrefixes {
		if err := c.cache.InvalidatePrefix(ctx, prefix); err != nil {
			log.Warn("remote cache invalidation failed after rollback",
				slog.String("prefix", prefix), slog.Any("error", err))
		}
	}

	// Rolled-back content is by definition old; let the triggers rebuild.
	ts.setState(StateStale)

	log.Info("projection rolled back", slog.Int64("generation", snap.Generation))
	return nil
}

// TargetStatus is the operator view of one target.
type TargetStatus struct {
	Target      string    `json:"target"`
	State       string    `json:"state"`
	Generation  int64     `json:"generation"`
	LastRefresh time.Time `json:"last_refresh"`
	Snapshot    *Snapshot `json:"snapshot,omitempty"`
}

// StatusReport is the refresh side of the operational metrics surface.
type StatusReport struct {
	Targets []TargetStatus `json:"targets"`
	Recent  []Record       `json:"recent"`
	Summary Summary        `json:"summary"`
}

// Status reports per-target state plus the recent metrics window. It never
// blocks behind an in-progress refresh.
func (c *Coordinator) Status() StatusReport {
	report := StatusReport{
		Recent:  c.ring.Records(),
		Summary: c.ring.Summary(),
	}
	for _, name := range c.order {
		ts := c.targets[name]
		report.Targets = append(report.Targets, TargetStatus{
			Target:      name,
			State:       ts.State().String(),
			Generation:  ts.Generation(),
			LastRefresh: ts.LastRefresh(),
			Snapshot:    ts.Snapshot(),
		})
	}
	return report
}
