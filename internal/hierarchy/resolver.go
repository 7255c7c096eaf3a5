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

package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/logctx"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

// ErrUnknownPath is returned when a query names a path with no entity.
var ErrUnknownPath = errors.New("unknown path")

// ErrEmptyQuery is returned for a blank search query.
var ErrEmptyQuery = errors.New("empty search query")

// Store is the subset of database operations the resolver needs.
type Store interface {
	FetchAncestorPaths(ctx context.Context, path string) ([]string, error)
	FetchDescendantCount(ctx context.Context, path string) (int64, error)
	GetEntityByPath(ctx context.Context, path string) (atlasdb.Entity, error)
	ListEntities(ctx context.Context) ([]atlasdb.Entity, error)
	ListChildren(ctx context.Context, params atlasdb.ListChildrenParams) ([]atlasdb.Entity, error)
	SearchEntities(ctx context.Context, params atlasdb.SearchEntitiesParams) ([]atlasdb.Entity, error)
	PathExists(ctx context.Context, path string) (bool, error)
}

// Ensure atlasdb.Store satisfies the Store interface.
var _ Store = (*atlasdb.Store)(nil)

// Node is one vertex of a tree fragment returned by Children.
type Node struct {
	Path            string  `json:"path"`
	Name            string  `json:"name"`
	Depth           int32   `json:"depth"`
	ConfidenceScore float64 `json:"confidence_score"`
	DescendantCount int64   `json:"descendant_count"`
	Children        []*Node `json:"children,omitempty"`
}

// Resolver answers hierarchy read queries. Resolution order per call:
// cache, then the materialized projection, then direct computation over the
// live entity set. Results from the slower tiers are written back to the
// cache with a bounded TTL. The resolver never mutates entities or
// projections.
type Resolver struct {
	store Store
	cache *tiercache.Cache
	cfg   config.Resolver
}

func NewResolver(store Store, cache *tiercache.Cache, cfg config.Resolver) *Resolver {
	return &Resolver{
		store: store,
		cache: cache,
		cfg:   cfg,
	}
}

// Ancestors returns the ancestor paths of path, root first. For an entity at
// "a.b.c.d" with all ancestors present, that is ["a", "a.b", "a.b.c"].
func (r *Resolver) Ancestors(ctx context.Context, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	key := tiercache.Key("ancestors", path)
	if raw, ok := r.cache.Get(ctx, key, tiercache.CategoryAncestors); ok {
		var cached []string
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		r.cache.Invalidate(ctx, key)
	}

	// Membership check is memoized in the store; skip it if the store is
	// unreachable and let the fallback tiers answer best-effort.
	if exists, err := r.store.PathExists(ctx, path); err == nil && !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}

	ancestors, err := r.store.FetchAncestorPaths(ctx, path)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			logctx.FromContext(ctx).Warn("ancestor projection unavailable, computing directly",
				slog.String("path", path), slog.Any("error", err))
		}
		ancestors, err = r.computeAncestors(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	r.writeBack(ctx, key, ancestors, tiercache.CategoryAncestors)
	return ancestors, nil
}

// computeAncestors is the last-resort tier: prefix comparison over the live
// entity set, ordered shallowest first.
func (r *Resolver) computeAncestors(ctx context.Context, path string) ([]string, error) {
	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute ancestors of %q: %w", path, err)
	}

	var out []string
	for _, e := range entities {
		if IsAncestorOf(e.Path, path) {
			out = append(out, e.Path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return Depth(out[i]) < Depth(out[j]) })
	return out, nil
}

// Children returns the tree fragment rooted at path, down to maxDepth levels
// below it. maxDepth outside [1, MaxChildDepth] is rejected.
func (r *Resolver) Children(ctx context.Context, path string, maxDepth int) (*Node, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if maxDepth < 1 || maxDepth > r.cfg.MaxChildDepth {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrDepthOutOfRange, maxDepth, r.cfg.MaxChildDepth)
	}

	key := tiercache.Key("children", path, strconv.Itoa(maxDepth))
	if raw, ok := r.cache.Get(ctx, key, tiercache.CategoryChildren); ok {
		var cached Node
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
		r.cache.Invalidate(ctx, key)
	}

	node, err := r.childrenFromStore(ctx, path, maxDepth)
	if err != nil {
		if errors.Is(err, ErrUnknownPath) {
			return nil, err
		}
		logctx.FromContext(ctx).Warn("children query degraded to direct computation",
			slog.String("path", path), slog.Any("error", err))
		node, err = r.computeChildren(ctx, path, maxDepth)
		if err != nil {
			return nil, err
		}
	}

	r.writeBack(ctx, key, node, tiercache.CategoryChildren)
	return node, nil
}

func (r *Resolver) childrenFromStore(ctx context.Context, path string, maxDepth int) (*Node, error) {
	parent, err := r.store.GetEntityByPath(ctx, path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPath, path)
		}
		return nil, err
	}

	kids, err := r.store.ListChildren(ctx, atlasdb.ListChildrenParams{
		Path:         path,
		MaxPathDepth: parent.PathDepth + int32(maxDepth),
	})
	if err != nil {
		return nil, err
	}

	return buildTree(parent, kids), nil
}

// computeChildren walks the live entity set instead of the store's indexed
// prefix query.
func (r *Resolver) computeChildren(ctx context.Context, path string, maxDepth int) (*Node, error) {
	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute children of %q: %w", path, err)
	}

	var parent *atlasdb.Entity
	var kids []atlasdb.Entity
	for i := range entities {
		e := entities[i]
		if e.Path == path {
			parent = &e
			continue
		}
		if IsAncestorOf(path, e.Path) {
			kids = append(kids, e)
		}
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}

	maxPathDepth := parent.PathDepth + int32(maxDepth)
	filtered := kids[:0]
	for _, e := range kids {
		if e.PathDepth <= maxPathDepth {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Path < filtered[j].Path })

	return buildTree(*parent, filtered), nil
}

// buildTree assembles a fragment from a parent and its path-sorted
// descendants. Each child hangs off the deepest present ancestor, so gaps in
// the entity set do not orphan subtrees.
func buildTree(parent atlasdb.Entity, kids []atlasdb.Entity) *Node {
	root := entityNode(parent)
	byPath := make(map[string]*Node, len(kids)+1)
	byPath[parent.Path] = root
	paths := make([]string, 0, len(kids)+1)
	paths = append(paths, parent.Path)

	for _, e := range kids {
		n := entityNode(e)
		attach := root
		if p, ok := byPath[parentPath(e.Path)]; ok {
			attach = p
		} else if anc, ok := ClosestAncestor(e.Path, paths); ok {
			attach = byPath[anc]
		}
		attach.Children = append(attach.Children, n)
		byPath[e.Path] = n
		paths = append(paths, e.Path)
	}
	return root
}

func entityNode(e atlasdb.Entity) *Node {
	return &Node{
		Path:            e.Path,
		Name:            e.Name,
		Depth:           e.PathDepth,
		ConfidenceScore: e.ConfidenceScore,
		DescendantCount: e.DescendantCount,
	}
}

func parentPath(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// DescendantCount returns the number of descendants of path, preferring the
// materialized projection over a live count.
func (r *Resolver) DescendantCount(ctx context.Context, path string) (int64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}

	key := tiercache.Key("children", path, "count")
	if raw, ok := r.cache.Get(ctx, key, tiercache.CategoryChildren); ok {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return n, nil
		}
		r.cache.Invalidate(ctx, key)
	}

	count, err := r.store.FetchDescendantCount(ctx, path)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			logctx.FromContext(ctx).Warn("descendant projection unavailable, counting directly",
				slog.String("path", path), slog.Any("error", err))
		}
		count, err = r.computeDescendantCount(ctx, path)
		if err != nil {
			return 0, err
		}
	}

	r.cache.Set(ctx, key, []byte(strconv.FormatInt(count, 10)), r.cfg.ResultTTL, tiercache.CategoryChildren)
	return count, nil
}

func (r *Resolver) computeDescendantCount(ctx context.Context, path string) (int64, error) {
	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute descendant count of %q: %w", path, err)
	}
	var n int64
	for _, e := range entities {
		if IsAncestorOf(path, e.Path) {
			n++
		}
	}
	return n, nil
}

// AllEntities returns every entity ordered by path.
func (r *Resolver) AllEntities(ctx context.Context) ([]atlasdb.Entity, error) {
	key := tiercache.Key("entities", "all")
	if raw, ok := r.cache.Get(ctx, key, tiercache.CategoryEntities); ok {
		var cached []atlasdb.Entity
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		r.cache.Invalidate(ctx, key)
	}

	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	r.writeBack(ctx, key, entities, tiercache.CategoryEntities)
	return entities, nil
}

// Search matches entities by name substring or path prefix. Deeper entities
// sort first.
func (r *Resolver) Search(ctx context.Context, query string) ([]atlasdb.Entity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	key := tiercache.Key("search", query)
	if raw, ok := r.cache.Get(ctx, key, tiercache.CategorySearch); ok {
		var cached []atlasdb.Entity
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		r.cache.Invalidate(ctx, key)
	}

	matches, err := r.store.SearchEntities(ctx, atlasdb.SearchEntitiesParams{
		Query: query,
		Limit: int32(r.cfg.SearchLimit),
	})
	if err != nil {
		logctx.FromContext(ctx).Warn("search degraded to direct computation",
			slog.String("query", query), slog.Any("error", err))
		matches, err = r.computeSearch(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	r.writeBack(ctx, key, matches, tiercache.CategorySearch)
	return matches, nil
}

func (r *Resolver) computeSearch(ctx context.Context, query string) ([]atlasdb.Entity, error) {
	entities, err := r.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute search %q: %w", query, err)
	}

	lowered := strings.ToLower(query)
	var out []atlasdb.Entity
	for _, e := range entities {
		if strings.Contains(strings.ToLower(e.Name), lowered) || strings.HasPrefix(e.Path, query) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PathDepth != out[j].PathDepth {
			return out[i].PathDepth > out[j].PathDepth
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > r.cfg.SearchLimit {
		out = out[:r.cfg.SearchLimit]
	}
	return out, nil
}

func (r *Resolver) writeBack(ctx context.Context, key string, value any, category tiercache.Category) {
	raw, err := json.Marshal(value)
	if err != nil {
		logctx.FromContext(ctx).Warn("cache write-back marshal failed",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	r.cache.Set(ctx, key, raw, r.cfg.ResultTTL, category)
}
