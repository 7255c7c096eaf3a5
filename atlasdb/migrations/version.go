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
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckMode defines how migration version checking should behave.
type CheckMode int

const (
	// CheckModeWait waits for migrations to complete, failing if they don't complete within timeout
	CheckModeWait CheckMode = iota
	// CheckModeWarn logs warnings about version mismatches but continues
	CheckModeWarn
	// CheckModeSkip skips migration checking entirely
	CheckModeSkip
)

// CheckOptions contains options for migration version checking.
type CheckOptions struct {
	Mode          CheckMode
	Timeout       time.Duration
	RetryInterval time.Duration
	AllowDirty    bool
}

// CheckOption is a function that modifies CheckOptions.
type CheckOption func(*CheckOptions)

// WithCheckMode sets the check mode.
func WithCheckMode(mode CheckMode) CheckOption {
	return func(opts *CheckOptions) {
		opts.Mode = mode
	}
}

// WithTimeout sets the timeout for waiting for migrations.
func WithTimeout(timeout time.Duration) CheckOption {
	return func(opts *CheckOptions) {
		opts.Timeout = timeout
	}
}

// DefaultCheckOptions returns default options for migration checking.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:          CheckModeWait,
		Timeout:       120 * time.Second,
		RetryInterval: 5 * time.Second,
		AllowDirty:    false,
	}
}

// CheckExpectedVersion verifies that the atlasdb database is at the expected
// migration version using default options (wait mode).
func CheckExpectedVersion(ctx context.Context, pool *pgxpool.Pool) error {
	return CheckVersion(ctx, pool)
}

// CheckVersion verifies that the atlasdb database is at the expected
// migration version with configurable options.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...CheckOption) error {
	if !migrationCheckEnabledFromEnv() {
		slog.Debug("Migration version checking disabled for atlasdb")
		return nil
	}

	opts := DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == CheckModeSkip {
		slog.Debug("Migration version checking skipped for atlasdb")
		return nil
	}
	applyEnvironmentOverrides(&opts)

	expectedVersion, err := extractLatestMigrationVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		currentVersion, dirty, err := getCurrentMigrationVersion(ctx, pool)
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}

		if dirty && !opts.AllowDirty {
			if opts.Mode == CheckModeWarn {
				slog.Warn("Database migration is in dirty state, but continuing anyway")
			} else {
				return fmt.Errorf("database migration is in dirty state at version %d", currentVersion)
			}
		}

		if currentVersion >= expectedVersion {
			return nil
		}

		if opts.Mode == CheckModeWarn {
			slog.Warn("Database migration version is behind expected version",
				slog.Uint64("current", uint64(currentVersion)),
				slog.Uint64("expected", uint64(expectedVersion)))
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for migrations: current version %d, expected %d",
				currentVersion, expectedVersion)
		}

		slog.Info("Waiting for database migrations to complete",
			slog.Uint64("current", uint64(currentVersion)),
			slog.Uint64("expected", uint64(expectedVersion)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

func migrationCheckEnabledFromEnv() bool {
	if val := os.Getenv("ATLASDB_MIGRATION_CHECK_ENABLED"); val != "" {
		return strings.ToLower(val) == "true"
	}
	return true // enabled by default
}

func applyEnvironmentOverrides(opts *CheckOptions) {
	if val := os.Getenv("MIGRATION_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.Timeout = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.RetryInterval = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_ALLOW_DIRTY"); val != "" {
		opts.AllowDirty = strings.ToLower(val) == "true"
	}
}

// extractLatestMigrationVersion extracts the highest migration version from
// embedded migration files named like "1756200000_initial.up.sql".
func extractLatestMigrationVersion(migrationFiles embed.FS) (uint, error) {
	entries, err := migrationFiles.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 1 {
			continue
		}

		version, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}

		if uint(version) > maxVersion {
			maxVersion = uint(version)
		}
	}

	if maxVersion == 0 {
		return 0, fmt.Errorf("no valid migration files found")
	}

	return maxVersion, nil
}

// getCurrentMigrationVersion reads the migration table directly. A missing
// table means no migrations have run yet (version 0).
func getCurrentMigrationVersion(ctx context.Context, pool *pgxpool.Pool) (uint, bool, error) {
	var version int64
	var dirty bool
	err := pool.QueryRow(ctx,
		fmt.Sprintf("SELECT version, dirty FROM %s ORDER BY version DESC LIMIT 1", migrationTable),
	).Scan(&version, &dirty)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		if strings.Contains(err.Error(), "does not exist") {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint(version), dirty, nil
}
