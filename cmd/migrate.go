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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/atlas/atlasdb/migrations"
	"github.com/cardinalhq/atlas/internal/dbopen"
)

var migrateDownSteps int

func init() {
	MigrateCmd.Flags().IntVar(&migrateDownSteps, "down", 0, "Roll back this many migration steps instead of migrating up")
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Apply embedded schema migrations to the atlas database",
	RunE:  migrate,
}

func migrate(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	pool, err := dbopen.ConnectToAtlasDB(ctx, dbopen.Options{SkipMigrationCheck: true})
	if err != nil {
		return fmt.Errorf("failed to connect to atlasdb: %w", err)
	}
	defer pool.Close()

	if migrateDownSteps > 0 {
		slog.Info("Rolling back migrations", slog.Int("steps", migrateDownSteps))
		if err := migrations.RunMigrationsDown(ctx, pool, migrateDownSteps); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		slog.Info("Migration rollback completed successfully")
		return nil
	}

	slog.Info("Running atlasdb migrations")
	if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate atlasdb: %w", err)
	}
	slog.Info("atlasdb migrations completed successfully")
	return nil
}
