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

package dbopen

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/atlas/atlasdb"
	"github.com/cardinalhq/atlas/atlasdb/migrations"
)

// Options controls pool opening behavior.
type Options struct {
	SkipMigrationCheck bool
}

// ConnectToAtlasDB opens a connection pool to the atlas database using
// environment configuration (ATLAS_DB_URL or ATLAS_DB_HOST et al.), and by
// default verifies the schema is at the expected migration version.
func ConnectToAtlasDB(ctx context.Context, opts ...Options) (*pgxpool.Pool, error) {
	connectionString, err := GetDatabaseURLFromEnv("ATLAS_DB")
	if err != nil {
		return nil, errors.Join(ErrDatabaseNotConfigured, fmt.Errorf("failed to get atlasdb connection string: %w", err))
	}

	pool, err := atlasdb.NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	skipMigrationCheck := false
	if len(opts) > 0 {
		skipMigrationCheck = opts[0].SkipMigrationCheck
	}

	if !skipMigrationCheck {
		if err := migrations.CheckExpectedVersion(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("atlasdb migration version check failed: %w", err)
		}
	}

	return pool, nil
}

// AtlasStore opens the database and wraps it in a Store.
func AtlasStore(ctx context.Context, opts ...Options) (*atlasdb.Store, error) {
	pool, err := ConnectToAtlasDB(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return atlasdb.NewStore(pool), nil
}
