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
	"fmt"

	"github.com/google/uuid"
)

// Projection target names. Each target owns one projection table and one
// pointer row in projection_targets.
const (
	TargetAncestors        = "ancestors"
	TargetDescendantCounts = "descendant_counts"
)

const fetchAncestorPathsSQL = `
SELECT ap.ancestor_paths
FROM ancestor_projection ap
JOIN projection_targets t
  ON t.target = 'ancestors' AND ap.generation = t.current_generation
WHERE ap.path = $1`

// FetchAncestorPaths returns the precomputed ancestor chain for path,
// root first, from the current ancestor projection generation.
// Returns pgx.ErrNoRows when the path has no projection row.
func (q *Queries) FetchAncestorPaths(ctx context.Context, path string) ([]string, error) {
	var ancestors []string
	err := q.db.QueryRow(ctx, fetchAncestorPathsSQL, path).Scan(&ancestors)
	return ancestors, err
}

const fetchDescendantCountSQL = `
SELECT dp.descendant_count
FROM descendant_projection dp
JOIN projection_targets t
  ON t.target = 'descendant_counts' AND dp.generation = t.current_generation
WHERE dp.path = $1`

// FetchDescendantCount returns the precomputed descendant count for path
// from the current descendant projection generation.
func (q *Queries) FetchDescendantCount(ctx context.Context, path string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, fetchDescendantCountSQL, path).Scan(&count)
	return count, err
}

const getTargetSQL = `
SELECT target, current_generation, computed_at
FROM projection_targets
WHERE target = $1`

// GetTarget returns the pointer row for a projection target.
func (q *Queries) GetTarget(ctx context.Context, target string) (TargetRow, error) {
	var t TargetRow
	err := q.db.QueryRow(ctx, getTargetSQL, target).Scan(&t.Target, &t.CurrentGeneration, &t.ComputedAt)
	return t, err
}

const lockTargetSQL = `
SELECT current_generation
FROM projection_targets
WHERE target = $1
FOR UPDATE`

const setCurrentGenerationSQL = `
INSERT INTO projection_targets (target, current_generation, computed_at)
VALUES ($1, $2, now())
ON CONFLICT (target) DO UPDATE
SET current_generation = EXCLUDED.current_generation,
    computed_at = EXCLUDED.computed_at`

func (q *Queries) setCurrentGeneration(ctx context.Context, target string, generation int64) error {
	_, err := q.db.Exec(ctx, setCurrentGenerationSQL, target, generation)
	return err
}

// Rebuild statements write a complete new generation from the authoritative
// entities table. An ancestor is any entity whose path is a strict
// dot-delimited prefix of the target path, so `e.path LIKE a.path || '.%'`
// is exactly the ancestry predicate.
const rebuildAncestorProjectionSQL = `
INSERT INTO ancestor_projection (generation, path, ancestor_paths, computed_at)
SELECT $1, e.path,
       COALESCE(
         (SELECT array_agg(a.path ORDER BY a.path_depth)
          FROM entities a
          WHERE e.path LIKE a.path || '.%'),
         '{}'),
       now()
FROM entities e`

const rebuildDescendantProjectionSQL = `
INSERT INTO descendant_projection (generation, path, descendant_count, computed_at)
SELECT $1, e.path,
       (SELECT count(*) FROM entities d WHERE d.path LIKE e.path || '.%'),
       now()
FROM entities e`

const deleteAncestorGenerationsBeforeSQL = `
DELETE FROM ancestor_projection WHERE generation < $1`

const deleteDescendantGenerationsBeforeSQL = `
DELETE FROM descendant_projection WHERE generation < $1`

const deleteAncestorGenerationsAfterSQL = `
DELETE FROM ancestor_projection WHERE generation > $1`

const deleteDescendantGenerationsAfterSQL = `
DELETE FROM descendant_projection WHERE generation > $1`

// RebuildProjection recomputes the named target into a fresh generation and
// flips the pointer to it, all inside one transaction. A failure anywhere
// leaves the previous generation current and fully intact; readers join
// through the pointer row and never observe a partially built generation.
// Returns the new generation number.
func (s *Store) RebuildProjection(ctx context.Context, target string) (int64, error) {
	var newGen int64
	err := s.execTx(ctx, func(tx *Store) error {
		var current int64
		if err := tx.db.QueryRow(ctx, lockTargetSQL, target).Scan(&current); err != nil {
			// First refresh for this target: no pointer row yet.
			current = 0
		}
		newGen = current + 1

		var rebuildSQL string
		switch target {
		case TargetAncestors:
			rebuildSQL = rebuildAncestorProjectionSQL
		case TargetDescendantCounts:
			rebuildSQL = rebuildDescendantProjectionSQL
		default:
			return fmt.Errorf("unknown projection target %q", target)
		}

		if _, err := tx.db.Exec(ctx, rebuildSQL, newGen); err != nil {
			return fmt.Errorf("rebuild %s generation %d: %w", target, newGen, err)
		}
		if err := tx.setCurrentGeneration(ctx, target, newGen); err != nil {
			return fmt.Errorf("flip %s pointer to generation %d: %w", target, newGen, err)
		}
		return nil
	})
	return newGen, err
}

// RollbackProjection flips the target pointer back to an earlier generation
// and deletes the rows of every newer generation in the same transaction.
// Dropping the abandoned rows frees their generation numbers, so the next
// rebuild (which writes current+1) cannot collide with the projection
// primary key. The caller is responsible for checking that the generation's
// rows still exist (i.e. the rollback window has not pruned them).
func (s *Store) RollbackProjection(ctx context.Context, target string, generation int64) error {
	var dropNewerSQL string
	switch target {
	case TargetAncestors:
		dropNewerSQL = deleteAncestorGenerationsAfterSQL
	case TargetDescendantCounts:
		dropNewerSQL = deleteDescendantGenerationsAfterSQL
	default:
		return fmt.Errorf("unknown projection target %q", target)
	}

	return s.execTx(ctx, func(tx *Store) error {
		if _, err := tx.db.Exec(ctx, dropNewerSQL, generation); err != nil {
			return fmt.Errorf("drop %s generations after %d: %w", target, generation, err)
		}
		return tx.setCurrentGeneration(ctx, target, generation)
	})
}

// PruneProjectionBefore deletes projection rows for generations older than
// the given one. The refresher calls this with the snapshot generation so
// the rollback target survives while everything older is dropped.
func (s *Store) PruneProjectionBefore(ctx context.Context, target string, generation int64) error {
	var pruneSQL string
	switch target {
	case TargetAncestors:
		pruneSQL = deleteAncestorGenerationsBeforeSQL
	case TargetDescendantCounts:
		pruneSQL = deleteDescendantGenerationsBeforeSQL
	default:
		return fmt.Errorf("unknown projection target %q", target)
	}
	_, err := s.db.Exec(ctx, pruneSQL, generation)
	return err
}

const upsertSnapshotSQL = `
INSERT INTO projection_snapshots (target, snapshot_id, generation, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (target) DO UPDATE
SET snapshot_id = EXCLUDED.snapshot_id,
    generation = EXCLUDED.generation,
    created_at = EXCLUDED.created_at`

type UpsertSnapshotParams struct {
	Target     string
	SnapshotID uuid.UUID
	Generation int64
}

// UpsertSnapshot records the rollback snapshot for a target, replacing any
// prior one.
func (q *Queries) UpsertSnapshot(ctx context.Context, params UpsertSnapshotParams) error {
	_, err := q.db.Exec(ctx, upsertSnapshotSQL, params.Target, params.SnapshotID, params.Generation)
	return err
}

const getSnapshotSQL = `
SELECT target, snapshot_id, generation, created_at
FROM projection_snapshots
WHERE target = $1`

// GetSnapshot returns the live snapshot for a target, or pgx.ErrNoRows.
func (q *Queries) GetSnapshot(ctx context.Context, target string) (SnapshotRow, error) {
	var s SnapshotRow
	err := q.db.QueryRow(ctx, getSnapshotSQL, target).Scan(&s.Target, &s.SnapshotID, &s.Generation, &s.CreatedAt)
	return s, err
}

const deleteSnapshotSQL = `
DELETE FROM projection_snapshots WHERE target = $1`

// DeleteSnapshot discards the live snapshot for a target.
func (q *Queries) DeleteSnapshot(ctx context.Context, target string) error {
	_, err := q.db.Exec(ctx, deleteSnapshotSQL, target)
	return err
}
