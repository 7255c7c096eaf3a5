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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/dbopen"
	"github.com/cardinalhq/atlas/internal/healthcheck"
	"github.com/cardinalhq/atlas/internal/refresher"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the projection refresh worker",
		Long:  "Evaluate refresh triggers on an interval and keep the hierarchy projections fresh.",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "atlas-serve"
			doneCtx, doneFx, err := setupProcess(servicename)
			if err != nil {
				return err
			}
			defer doneFx()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			healthConfig := healthcheck.GetConfigFromEnv()
			healthServer := healthcheck.NewServer(healthConfig)
			go func() {
				if err := healthServer.Start(doneCtx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()

			store, err := dbopen.AtlasStore(doneCtx)
			if err != nil {
				healthServer.SetStatus(healthcheck.StatusUnhealthy)
				return fmt.Errorf("failed to open atlasdb: %w", err)
			}
			defer store.Close()
			healthServer.SetReadyCondition("database", true)

			var remote tiercache.Remote
			if cfg.Cache.RedisAddr != "" {
				remote = tiercache.NewRedisRemote(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
			}
			cache := tiercache.New(tiercache.NewLocal(cfg.Cache.Capacity), remote, cfg.Cache.DefaultTTL)

			coordinator := refresher.New(store, cache, cfg.Refresher)

			healthServer.SetStatus(healthcheck.StatusHealthy)
			healthServer.SetReadyCondition("refresher", true)

			err = coordinator.Run(doneCtx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	rootCmd.AddCommand(cmd)
}
