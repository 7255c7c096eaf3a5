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

type InsertRefreshMetricParams struct {
	Target       string
	Duration     time.Duration
	Success      bool
	ErrorMessage string
}

const insertRefreshMetricSQL = `
INSERT INTO refresh_metrics (target, duration_ms, success, error_message, created_at)
VALUES ($1, $2, $3, $4, now())`

// InsertRefreshMetric appends one refresh outcome to the persisted history.
func (q *Queries) InsertRefreshMetric(ctx context.Context, params InsertRefreshMetricParams) error {
	_, err := q.db.Exec(ctx, insertRefreshMetricSQL,
		params.Target, params.Duration.Milliseconds(), params.Success, params.ErrorMessage)
	return err
}

type ListRecentRefreshMetricsParams struct {
	Target string
	Limit  int32
}

const listRecentRefreshMetricsSQL = `
SELECT id, target, duration_ms, success, error_message, created_at
FROM refresh_metrics
WHERE ($1 = '' OR target = $1)
ORDER BY id DESC
LIMIT $2`

// ListRecentRefreshMetrics returns the newest metrics first, optionally
// filtered to one target.
func (q *Queries) ListRecentRefreshMetrics(ctx context.Context, params ListRecentRefreshMetricsParams) ([]RefreshMetricRow, error) {
	rows, err := q.db.Query(ctx, listRecentRefreshMetricsSQL, params.Target, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshMetricRow
	for rows.Next() {
		var m RefreshMetricRow
		if err := rows.Scan(&m.ID, &m.Target, &m.DurationMs, &m.Success, &m.ErrorMessage, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const pruneRefreshMetricsSQL = `
DELETE FROM refresh_metrics
WHERE id NOT IN (SELECT id FROM refresh_metrics ORDER BY id DESC LIMIT $1)`

// PruneRefreshMetrics drops everything but the newest keep rows.
func (q *Queries) PruneRefreshMetrics(ctx context.Context, keep int32) error {
	_, err := q.db.Exec(ctx, pruneRefreshMetricsSQL, keep)
	return err
}
