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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"world", false},
		{"world.asia", false},
		{"world.asia.japan.tokyo", false},
		{"north_america.us-east", false},
		{"zone42.rack7", false},
		{"", true},
		{".", true},
		{"world.", true},
		{".world", true},
		{"world..asia", true},
		{"World.Asia", true},
		{"world.as ia", true},
		{"world.as/ia", true},
	}
	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, "path %q", tt.path)
		} else {
			assert.NoError(t, err, "path %q", tt.path)
		}
	}
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 1, Depth("world"))
	assert.Equal(t, 4, Depth("world.asia.japan.tokyo"))
}

func TestAncestors(t *testing.T) {
	assert.Nil(t, Ancestors("a"))
	assert.Equal(t, []string{"a"}, Ancestors("a.b"))
	assert.Equal(t, []string{"a", "a.b", "a.b.c"}, Ancestors("a.b.c.d"))
}

func TestIsAncestorOf(t *testing.T) {
	assert.True(t, IsAncestorOf("a", "a.b"))
	assert.True(t, IsAncestorOf("a.b", "a.b.c"))
	assert.False(t, IsAncestorOf("a.b", "a.b"), "a path is not its own ancestor")
	assert.False(t, IsAncestorOf("a.b", "a.bc"), "label boundary must be a dot")
	assert.False(t, IsAncestorOf("a.b.c", "a.b"))
	assert.False(t, IsAncestorOf("b", "a.b"))
}

func TestClosestAncestor(t *testing.T) {
	candidates := []string{"a", "a.b", "a.b.c", "x.y"}

	best, ok := ClosestAncestor("a.b.c.d", candidates)
	assert.True(t, ok)
	assert.Equal(t, "a.b.c", best, "deepest ancestor wins")

	best, ok = ClosestAncestor("a.b.x", candidates)
	assert.True(t, ok)
	assert.Equal(t, "a.b", best)

	_, ok = ClosestAncestor("z", candidates)
	assert.False(t, ok)
}
