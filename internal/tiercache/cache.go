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

package tiercache

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"github.com/cardinalhq/atlas/internal/logctx"
)

// Stats is the cache metrics snapshot exposed to operators.
type Stats struct {
	Hits            int64              `json:"hits"`
	Misses          int64              `json:"misses"`
	Evictions       int64              `json:"evictions"`
	HitRate         float64            `json:"hit_rate"`
	PerCategoryHits map[Category]int64 `json:"per_category_hits"`
	Entries         int                `json:"entries"`
}

// Cache composes the in-process LRU tier with an optional shared remote
// tier. The remote tier is consulted only on a local miss, and a remote hit
// populates the local tier before returning. Remote failures degrade to
// local-only behavior and are logged, never surfaced.
type Cache struct {
	local       *Local
	remote      Remote // nil disables the second tier
	populateTTL time.Duration
}

// New builds a tiered cache. remote may be nil. populateTTL bounds the local
// lifetime of entries promoted from the remote tier.
func New(local *Local, remote Remote, populateTTL time.Duration) *Cache {
	if populateTTL <= 0 {
		populateTTL = 5 * time.Minute
	}
	return &Cache{
		local:       local,
		remote:      remote,
		populateTTL: populateTTL,
	}
}

// Key builds a query fingerprint: operation, path, then any extra
// parameters, colon-joined. The operation segment doubles as the
// invalidation prefix for the target that owns it.
func Key(op, path string, params ...string) string {
	parts := append([]string{op, path}, params...)
	return strings.Join(parts, ":")
}

// Get consults the local tier, then the remote tier. Only local traffic
// feeds the hit/miss counters so the LRU metrics describe one tier.
func (c *Cache) Get(ctx context.Context, key string, category Category) ([]byte, bool) {
	if val, ok := c.local.Get(key); ok {
		return val, true
	}

	if c.remote == nil {
		return nil, false
	}

	val, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		logctx.FromContext(ctx).Warn("remote cache tier unavailable, degrading to local only",
			slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	c.local.Set(key, val, c.populateTTL, category)
	return val, true
}

// Set writes through both tiers. A remote write failure is logged and
// ignored; the local tier already holds the value.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, category Category) {
	c.local.Set(key, value, ttl, category)

	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		logctx.FromContext(ctx).Warn("remote cache set failed",
			slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate removes one key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.local.Invalidate(key)

	if c.remote == nil {
		return
	}
	if err := c.remote.Del(ctx, key); err != nil {
		logctx.FromContext(ctx).Warn("remote cache delete failed",
			slog.String("key", key), slog.Any("error", err))
	}
}

// InvalidatePrefix clears both tiers for the given prefix. The local tier is
// always cleared; a remote failure is returned so the refresh coordinator
// can record that convergence is deferred to TTL expiry, but callers on the
// read path may ignore it.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.local.InvalidatePrefix(prefix)

	if c.remote == nil {
		return nil
	}
	return c.remote.DelByPrefix(ctx, prefix)
}

// Stats returns the local-tier metrics snapshot.
func (c *Cache) Stats() Stats {
	return c.local.stats()
}
