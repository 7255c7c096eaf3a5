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
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath marks malformed path input. Surfaced to the caller,
// never silently corrected.
var ErrInvalidPath = errors.New("invalid path")

// ErrDepthOutOfRange marks a children query whose depth parameter is
// outside the configured range. Rejected, not clamped, so callers can
// detect misuse.
var ErrDepthOutOfRange = errors.New("depth out of range")

// ValidatePath checks that a path is a non-empty dot-joined sequence of
// labels, each of lowercase letters, digits, underscore or hyphen.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, label := range strings.Split(path, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidPath, path)
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return fmt.Errorf("%w: character %q in %q", ErrInvalidPath, r, path)
			}
		}
	}
	return nil
}

// Depth returns the number of labels in a path.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, ".") + 1
}

// Ancestors returns the strict dot-delimited prefixes of path, root first.
// Ancestors("a.b.c.d") == ["a", "a.b", "a.b.c"].
func Ancestors(path string) []string {
	labels := strings.Split(path, ".")
	if len(labels) < 2 {
		return nil
	}
	out := make([]string, 0, len(labels)-1)
	for i := 1; i < len(labels); i++ {
		out = append(out, strings.Join(labels[:i], "."))
	}
	return out
}

// IsAncestorOf reports whether candidate is a strict dot-delimited prefix of
// path. "a.b" is an ancestor of "a.b.c" but not of "a.bc" or of itself.
func IsAncestorOf(candidate, path string) bool {
	if len(candidate) >= len(path) {
		return false
	}
	return strings.HasPrefix(path, candidate) && path[len(candidate)] == '.'
}

// ClosestAncestor picks the deepest candidate that is a strict ancestor of
// path. Greater path depth wins ties, so the most specific ancestor is
// returned.
func ClosestAncestor(path string, candidates []string) (string, bool) {
	best := ""
	bestDepth := -1
	for _, c := range candidates {
		if !IsAncestorOf(c, path) {
			continue
		}
		if d := Depth(c); d > bestDepth {
			best = c
			bestDepth = d
		}
	}
	return best, bestDepth >= 0
}
