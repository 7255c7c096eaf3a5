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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

type fakeStore struct {
	entities  []atlasdb.Entity
	ancestors map[string][]string
	counts    map[string]int64

	projectionErr error
	searchErr     error

	ancestorCalls int
	listCalls     int
}

func (f *fakeStore) FetchAncestorPaths(_ context.Context, path string) ([]string, error) {
	f.ancestorCalls++
	if f.projectionErr != nil {
		return nil, f.projectionErr
	}
	paths, ok := f.ancestors[path]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return paths, nil
}

func (f *fakeStore) FetchDescendantCount(_ context.Context, path string) (int64, error) {
	if f.projectionErr != nil {
		return 0, f.projectionErr
	}
	n, ok := f.counts[path]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) GetEntityByPath(_ context.Context, path string) (atlasdb.Entity, error) {
	for _, e := range f.entities {
		if e.Path == path {
			return e, nil
		}
	}
	return atlasdb.Entity{}, pgx.ErrNoRows
}

func (f *fakeStore) ListEntities(_ context.Context) ([]atlasdb.Entity, error) {
	f.listCalls++
	return f.entities, nil
}

func (f *fakeStore) ListChildren(_ context.Context, params atlasdb.ListChildrenParams) ([]atlasdb.Entity, error) {
	var out []atlasdb.Entity
	for _, e := range f.entities {
		if IsAncestorOf(params.Path, e.Path) && e.PathDepth <= params.MaxPathDepth {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) SearchEntities(_ context.Context, params atlasdb.SearchEntitiesParams) ([]atlasdb.Entity, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []atlasdb.Entity
	for _, e := range f.entities {
		if strings.Contains(e.Name, params.Query) || strings.HasPrefix(e.Path, params.Query) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) PathExists(_ context.Context, path string) (bool, error) {
	for _, e := range f.entities {
		if e.Path == path {
			return true, nil
		}
	}
	return false, nil
}

func testEntities() []atlasdb.Entity {
	return []atlasdb.Entity{
		{ID: 1, Path: "world", PathDepth: 1, Name: "World"},
		{ID: 2, Path: "world.asia", PathDepth: 2, Name: "Asia"},
		{ID: 3, Path: "world.asia.japan", PathDepth: 3, Name: "Japan"},
		{ID: 4, Path: "world.asia.japan.tokyo", PathDepth: 4, Name: "Tokyo"},
		{ID: 5, Path: "world.europe", PathDepth: 2, Name: "Europe"},
	}
}

func newTestResolver(store Store) *Resolver {
	cache := tiercache.New(tiercache.NewLocal(100), nil, time.Minute)
	return NewResolver(store, cache, config.Resolver{
		MaxChildDepth: 5,
		ResultTTL:     time.Minute,
		SearchLimit:   100,
	})
}

func TestResolver_AncestorsFromProjection(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		entities: testEntities(),
		ancestors: map[string][]string{
			"world.asia.japan.tokyo": {"world", "world.asia", "world.asia.japan"},
		},
	}
	r := newTestResolver(store)

	got, err := r.Ancestors(ctx, "world.asia.japan.tokyo")
	require.NoError(t, err)
	assert.Equal(t, []string{"world", "world.asia", "world.asia.japan"}, got)

	// Second call is a cache hit; the projection is not consulted again.
	got, err = r.Ancestors(ctx, "world.asia.japan.tokyo")
	require.NoError(t, err)
	assert.Equal(t, []string{"world", "world.asia", "world.asia.japan"}, got)
	assert.Equal(t, 1, store.ancestorCalls)
}

func TestResolver_AncestorsDirectFallback(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{entities: testEntities()} // no projection rows
	r := newTestResolver(store)

	got, err := r.Ancestors(ctx, "world.asia.japan.tokyo")
	require.NoError(t, err)
	assert.Equal(t, []string{"world", "world.asia", "world.asia.japan"}, got)
	assert.Equal(t, 1, store.listCalls)
}

func TestResolver_AncestorsProjectionErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		entities:      testEntities(),
		projectionErr: errors.New("projection table gone"),
	}
	r := newTestResolver(store)

	got, err := r.Ancestors(ctx, "world.asia.japan")
	require.NoError(t, err)
	assert.Equal(t, []string{"world", "world.asia"}, got)
}

func TestResolver_AncestorsRootHasNone(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		entities:  testEntities(),
		ancestors: map[string][]string{"world": nil},
	}
	r := newTestResolver(store)

	got, err := r.Ancestors(ctx, "world")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolver_AncestorsUnknownPath(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	_, err := r.Ancestors(ctx, "world.mars")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestResolver_AncestorsInvalidPath(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{})

	_, err := r.Ancestors(ctx, "World..asia")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolver_ChildrenTree(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	root, err := r.Children(ctx, "world.asia", 2)
	require.NoError(t, err)
	assert.Equal(t, "world.asia", root.Path)
	require.Len(t, root.Children, 1)

	japan := root.Children[0]
	assert.Equal(t, "world.asia.japan", japan.Path)
	require.Len(t, japan.Children, 1)
	assert.Equal(t, "world.asia.japan.tokyo", japan.Children[0].Path)
}

func TestResolver_ChildrenGapAttachesToDeepestAncestor(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: []atlasdb.Entity{
		{ID: 1, Path: "world", PathDepth: 1, Name: "World"},
		{ID: 2, Path: "world.asia", PathDepth: 2, Name: "Asia"},
		{ID: 3, Path: "world.asia.japan.tokyo", PathDepth: 4, Name: "Tokyo"},
	}})

	// world.asia.japan does not exist; tokyo must hang off world.asia,
	// the deepest present ancestor, not off the root.
	root, err := r.Children(ctx, "world", 3)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)

	asia := root.Children[0]
	assert.Equal(t, "world.asia", asia.Path)
	require.Len(t, asia.Children, 1)
	assert.Equal(t, "world.asia.japan.tokyo", asia.Children[0].Path)
}

func TestResolver_ChildrenDepthLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	root, err := r.Children(ctx, "world.asia", 1)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "world.asia.japan", root.Children[0].Path)
	assert.Empty(t, root.Children[0].Children, "tokyo is below the depth limit")
}

func TestResolver_ChildrenDepthOutOfRange(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	_, err := r.Children(ctx, "world", 0)
	assert.ErrorIs(t, err, ErrDepthOutOfRange)

	_, err = r.Children(ctx, "world", 6)
	assert.ErrorIs(t, err, ErrDepthOutOfRange)
}

func TestResolver_ChildrenUnknownPath(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	_, err := r.Children(ctx, "world.mars", 1)
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestResolver_DescendantCount(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		entities: testEntities(),
		counts:   map[string]int64{"world.asia": 2},
	}
	r := newTestResolver(store)

	n, err := r.DescendantCount(ctx, "world.asia")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestResolver_DescendantCountDirectFallback(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{entities: testEntities()} // no projection rows
	r := newTestResolver(store)

	n, err := r.DescendantCount(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = r.DescendantCount(ctx, "world.europe")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestResolver_AllEntitiesCached(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{entities: testEntities()}
	r := newTestResolver(store)

	first, err := r.AllEntities(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 5)

	_, err = r.AllEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.listCalls)
}

func TestResolver_Search(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{entities: testEntities()})

	got, err := r.Search(ctx, "Japan")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "world.asia.japan", got[0].Path)
}

func TestResolver_SearchEmptyQuery(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(&fakeStore{})

	_, err := r.Search(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestResolver_SearchDirectFallback(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		entities:  testEntities(),
		searchErr: errors.New("index unavailable"),
	}
	r := newTestResolver(store)

	got, err := r.Search(ctx, "world.asia")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	// Deeper entities sort first in the direct tier.
	assert.Equal(t, "world.asia.japan.tokyo", got[0].Path)
}
