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
	"time"

	"github.com/google/uuid"
)

// Entity is one node in the hierarchy. Path is a dot-joined label sequence
// (e.g. "world.asia.japan.tokyo") and is unique across the table. PathDepth
// is the number of labels in Path. DescendantCount is derived from the
// descendant projection and is zero when read from the entities table alone.
type Entity struct {
	ID              int64
	Path            string
	PathDepth       int32
	Name            string
	ConfidenceScore float64
	DescendantCount int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AncestorRow is one row of the ancestor projection for a given generation.
// AncestorPaths is ordered root-first.
type AncestorRow struct {
	Path          string
	AncestorPaths []string
	Generation    int64
	ComputedAt    time.Time
}

// DescendantCountRow is one row of the descendant-count projection.
type DescendantCountRow struct {
	Path            string
	DescendantCount int64
	Generation      int64
	ComputedAt      time.Time
}

// TargetRow is the pointer row for a projection target. Readers resolve
// projection queries through CurrentGeneration, which is only ever advanced
// (or rolled back) as a single-row update.
type TargetRow struct {
	Target            string
	CurrentGeneration int64
	ComputedAt        time.Time
}

// SnapshotRow records the rollback snapshot for a target. At most one row
// exists per target; taking a new snapshot replaces the old one.
type SnapshotRow struct {
	Target     string
	SnapshotID uuid.UUID
	Generation int64
	CreatedAt  time.Time
}

// RefreshMetricRow is one persisted refresh outcome.
type RefreshMetricRow struct {
	ID           int64
	Target       string
	DurationMs   int64
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}
