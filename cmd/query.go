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

	"github.com/cardinalhq/atlas/config"
	"github.com/cardinalhq/atlas/internal/dbopen"
	"github.com/cardinalhq/atlas/internal/hierarchy"
	"github.com/cardinalhq/atlas/internal/tiercache"
)

var queryDepth int

func init() {
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Run one-shot hierarchy queries",
	}

	ancestorsCmd := &cobra.Command{
		Use:   "ancestors <path>",
		Short: "List ancestor paths, root first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withResolver(func(ctx context.Context, r *hierarchy.Resolver) (any, error) {
				return r.Ancestors(ctx, args[0])
			})
		},
	}

	childrenCmd := &cobra.Command{
		Use:   "children <path>",
		Short: "Show the subtree below a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withResolver(func(ctx context.Context, r *hierarchy.Resolver) (any, error) {
				return r.Children(ctx, args[0], queryDepth)
			})
		},
	}
	childrenCmd.Flags().IntVar(&queryDepth, "depth", 1, "How many levels below the path to include")

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "List every entity",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withResolver(func(ctx context.Context, r *hierarchy.Resolver) (any, error) {
				return r.AllEntities(ctx)
			})
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search entities by name or path prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withResolver(func(ctx context.Context, r *hierarchy.Resolver) (any, error) {
				return r.Search(ctx, args[0])
			})
		},
	}

	queryCmd.AddCommand(ancestorsCmd, childrenCmd, allCmd, searchCmd)
	rootCmd.AddCommand(queryCmd)
}

// withResolver builds the read stack, runs one query, and prints the result
// as JSON.
func withResolver(fn func(context.Context, *hierarchy.Resolver) (any, error)) error {
	doneCtx, doneFx, err := setupProcess("atlas-query")
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

	resolver := hierarchy.NewResolver(store, cache, cfg.Resolver)

	result, err := fn(doneCtx, resolver)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
