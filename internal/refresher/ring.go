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
	"sync"
	"time"
)

// Record is one refresh outcome. Immutable once appended.
type Record struct {
	Target    string        `json:"target"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Summary is the derived performance view over the ring.
type Summary struct {
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// metricsRing keeps the last capacity records, dropping the oldest on
// overflow. Append-only.
type metricsRing struct {
	mu       sync.Mutex
	capacity int
	buf      []Record
	next     int
	full     bool
}

func newMetricsRing(capacity int) *metricsRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &metricsRing{
		capacity: capacity,
		buf:      make([]Record, capacity),
	}
}

func (r *metricsRing) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = rec
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Records returns the retained records, oldest first.
func (r *metricsRing) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]Record, 0, r.capacity)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *metricsRing) Summary() Summary {
	records := r.Records()
	if len(records) == 0 {
		return Summary{}
	}

	var successes int
	var total time.Duration
	for _, rec := range records {
		if rec.Success {
			successes++
		}
		total += rec.Duration
	}

	return Summary{
		Count:       len(records),
		SuccessRate: float64(successes) / float64(len(records)),
		AvgDuration: total / time.Duration(len(records)),
	}
}
