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

package atlasdb

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const knownPathTTL = 5 * time.Minute

var (
	knownPathCache = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](knownPathTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
		ttlcache.WithCapacity[string, struct{}](100_000),
	)
)

func init() {
	go knownPathCache.Start()
}

// rememberPath records that a path is known to exist. Entries expire so a
// moved or deleted entity stops short-circuiting within the TTL.
func rememberPath(path string) {
	knownPathCache.Set(path, struct{}{}, ttlcache.DefaultTTL)
}

func isPathRemembered(path string) bool {
	return knownPathCache.Get(path) != nil
}

// PathExists reports whether an entity exists at the given path, memoizing
// positive answers. Negative answers are never memoized: an entity created
// moments ago must become visible on the next call.
func (q *Queries) PathExists(ctx context.Context, path string) (bool, error) {
	if isPathRemembered(path) {
		return true, nil
	}
	exists, err := q.entityPathExists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		rememberPath(path)
	}
	return exists, nil
}
