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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/dbopen"
	"github.com/cardinalhq/atlas/internal/refresher"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

var statusLimit int32

func init() {
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Operate on projection refreshes",
	}

	forceCmd := &cobra.Command{
		Use:   "force [target]",
		Short: "Force a projection refresh, all targets when none is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return withCoordinator(func(ctx context.Context, c *refresher.Coordinator) error {
				return c.ForceRefresh(ctx, target)
			})
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback <target>",
		Short: "Roll a projection back to its snapshot, if still in the window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withCoordinator(func(ctx context.Context, c *refresher.Coordinator) error {
				return c.AttemptRollback(ctx, args[0])
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show projection generations and recent refresh metrics",
		Args:  cobra.NoArgs,
		RunE:  refreshStatus,
	}
	statusCmd.Flags().Int32Var(&statusLimit, "limit", 20, "How many recent refresh records to show")

	refreshCmd.AddCommand(forceCmd, rollbackCmd, statusCmd)
	rootCmd.AddCommand(refreshCmd)
}

// withCoordinator builds the refresh stack without starting the background
// worker, runs one operation, and reports the resulting status.
func withCoordinator(fn func(context.Context, *refresher.Coordinator) error) error {
	doneCtx, doneFx, err := setupProcess("atlas-refresh")
	if err != nil {
		return err
	}
	defer doneFx()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := dbopen.AtlasStore(doneCtx)
	if err != nil {
		return fmt.Errorf("failed to open atlasdb: %w", err)
	}
	defer store.Close()

	var remote tiercache.Remote
	if cfg.Cache.RedisAddr != "" {
		remote = tiercache.NewRedisRemote(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	}
	cache := tiercache.New(tiercache.NewLocal(cfg.Cache.Capacity), remote, cfg.Cache.DefaultTTL)

	coordinator := refresher.New(store, cache, cfg.Refresher)

	if err := fn(doneCtx, coordinator); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(coordinator.Status())
}

// refreshStatus reads persisted state so it reflects the long-running
// worker, not this one-shot process.
func refreshStatus(_ *cobra.Command, _ []string) error {
	doneCtx, doneFx, err := setupProcess("atlas-refresh")
	if err != nil {
		return err
	}
	defer doneFx()

	store, err := dbopen.AtlasStore(doneCtx)
	if err != nil {
		return fmt.Errorf("failed to open atlasdb: %w", err)
	}
	defer store.Close()

	type targetStatus struct {
		Target     string `json:"target"`
		Generation int64  `json:"generation"`
		ComputedAt string `json:"computed_at"`
	}
	type statusOut struct {
		Targets []targetStatus             `json:"targets"`
		Recent  []atlasdb.RefreshMetricRow `json:"recent"`
	}

	var out statusOut
	for _, target := range []string{atlasdb.TargetAncestors, atlasdb.TargetDescendantCounts} {
		row, err := store.GetTarget(doneCtx, target)
		if err != nil {
			continue // not yet refreshed
		}
		out.Targets = append(out.Targets, targetStatus{
			Target:     row.Target,
			Generation: row.CurrentGeneration,
			ComputedAt: row.ComputedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	recent, err := store.ListRecentRefreshMetrics(doneCtx, atlasdb.ListRecentRefreshMetricsParams{
		Limit: statusLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list refresh metrics: %w", err)
	}
	out.Recent = recent

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
