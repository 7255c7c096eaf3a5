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

package migrations

import (
	"testing"
	"time"
)

func TestExtractLatestMigrationVersion(t *testing.T) {
	got, err := extractLatestMigrationVersion(migrationFiles)
	if err != nil {
		t.Errorf("extractLatestMigrationVersion() error = %v", err)
		return
	}
	// The exact version depends on the current migrations, but it should be > 0
	if got == 0 {
		t.Error("extractLatestMigrationVersion() returned 0, expected a valid version")
	}
	t.Logf("Latest atlasdb migration version: %d", got)
}

func TestMigrationCheckEnabledFromEnv(t *testing.T) {
	t.Setenv("ATLASDB_MIGRATION_CHECK_ENABLED", "")
	if !migrationCheckEnabledFromEnv() {
		t.Error("Expected check to be enabled by default")
	}

	t.Setenv("ATLASDB_MIGRATION_CHECK_ENABLED", "false")
	if migrationCheckEnabledFromEnv() {
		t.Error("Expected check to be disabled")
	}

	t.Setenv("ATLASDB_MIGRATION_CHECK_ENABLED", "TRUE")
	if !migrationCheckEnabledFromEnv() {
		t.Error("Expected check to be enabled")
	}
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIGRATION_CHECK_TIMEOUT", "")
	t.Setenv("MIGRATION_CHECK_RETRY_INTERVAL", "")
	t.Setenv("MIGRATION_CHECK_ALLOW_DIRTY", "")

	opts := DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	if opts.Timeout != 120*time.Second {
		t.Errorf("Expected Timeout to default to 120s, got %v", opts.Timeout)
	}
	if opts.RetryInterval != 5*time.Second {
		t.Errorf("Expected RetryInterval to default to 5s, got %v", opts.RetryInterval)
	}
	if opts.AllowDirty {
		t.Error("Expected AllowDirty to default to false")
	}

	t.Setenv("MIGRATION_CHECK_TIMEOUT", "30s")
	t.Setenv("MIGRATION_CHECK_RETRY_INTERVAL", "2s")
	t.Setenv("MIGRATION_CHECK_ALLOW_DIRTY", "true")

	opts = DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	if opts.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout to be 30s, got %v", opts.Timeout)
	}
	if opts.RetryInterval != 2*time.Second {
		t.Errorf("Expected RetryInterval to be 2s, got %v", opts.RetryInterval)
	}
	if !opts.AllowDirty {
		t.Error("Expected AllowDirty to be true")
	}
}
