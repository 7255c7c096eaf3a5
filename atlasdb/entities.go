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
)

const getEntityByPathSQL = `
SELECT id, path, path_depth, name, confidence_score, created_at, updated_at
FROM entities
WHERE path = $1`

// GetEntityByPath returns the entity at the given path, or pgx.ErrNoRows.
func (q *Queries) GetEntityByPath(ctx context.Context, path string) (Entity, error) {
	row := q.db.QueryRow(ctx, getEntityByPathSQL, path)
	var e Entity
	err := row.Scan(&e.ID, &e.Path, &e.PathDepth, &e.Name, &e.ConfidenceScore, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

const listEntitiesSQL = `
SELECT e.id, e.path, e.path_depth, e.name, e.confidence_score,
       COALESCE(dp.descendant_count, 0),
       e.created_at, e.updated_at
FROM entities e
LEFT JOIN descendant_projection dp
  ON dp.path = e.path
 AND dp.generation = (SELECT current_generation FROM projection_targets WHERE target = 'descendant_counts')
ORDER BY e.path`

// ListEntities returns every entity ordered by path, with descendant counts
// joined in from the current descendant projection generation where present.
func (q *Queries) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := q.db.Query(ctx, listEntitiesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Path, &e.PathDepth, &e.Name, &e.ConfidenceScore,
			&e.DescendantCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type ListChildrenParams struct {
	Path         string
	MaxPathDepth int32
}

const listChildrenSQL = `
SELECT e.id, e.path, e.path_depth, e.name, e.confidence_score,
       COALESCE(dp.descendant_count, 0),
       e.created_at, e.updated_at
FROM entities e
LEFT JOIN descendant_projection dp
  ON dp.path = e.path
 AND dp.generation = (SELECT current_generation FROM projection_targets WHERE target = 'descendant_counts')
WHERE e.path LIKE $1 || '.%'
  AND e.path_depth <= $2
ORDER BY e.path`

// ListChildren returns the descendants of Path whose absolute depth does not
// exceed MaxPathDepth, ordered by path. The LIKE predicate is a strict
// dot-delimited prefix match, so Path itself is not included.
func (q *Queries) ListChildren(ctx context.Context, params ListChildrenParams) ([]Entity, error) {
	rows, err := q.db.Query(ctx, listChildrenSQL, params.Path, params.MaxPathDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Path, &e.PathDepth, &e.Name, &e.ConfidenceScore,
			&e.DescendantCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type SearchEntitiesParams struct {
	Query string
	Limit int32
}

const searchEntitiesSQL = `
SELECT id, path, path_depth, name, confidence_score, created_at, updated_at
FROM entities
WHERE lower(name) LIKE '%' || lower($1) || '%'
   OR path LIKE $1 || '%'
ORDER BY path_depth DESC, path
LIMIT $2`

// SearchEntities matches by case-insensitive name substring or path prefix.
// Deeper (more specific) entities sort first.
func (q *Queries) SearchEntities(ctx context.Context, params SearchEntitiesParams) ([]Entity, error) {
	rows, err := q.db.Query(ctx, searchEntitiesSQL, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Path, &e.PathDepth, &e.Name, &e.ConfidenceScore,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const countEntityChangesSinceSQL = `
SELECT count(*) FROM entity_changes WHERE changed_at > $1`

// CountEntityChangesSince returns how many entity writes the change log has
// recorded after the given instant. The write path appends to entity_changes;
// this side only reads it to drive the change-count refresh trigger.
func (q *Queries) CountEntityChangesSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countEntityChangesSinceSQL, since).Scan(&n)
	return n, err
}

const entityPathExistsSQL = `
SELECT EXISTS(SELECT 1 FROM entities WHERE path = $1)`

func (q *Queries) entityPathExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, entityPathExistsSQL, path).Scan(&exists)
	return exists, err
}
