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

package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Cache     Cache     `mapstructure:"cache"`
	Resolver  Resolver  `mapstructure:"resolver"`
	Refresher Refresher `mapstructure:"refresher"`
}

// Cache configures the tiered cache.
type Cache struct {
	// Capacity is the entry limit of the in-process LRU tier.
	Capacity int `mapstructure:"capacity"`
	// DefaultTTL is used when populating the local tier from a remote hit.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// RedisAddr enables the shared second tier when non-empty.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Resolver configures the hierarchy resolver.
type Resolver struct {
	// MaxChildDepth bounds the depth parameter of children queries.
	// Out-of-range requests are rejected, not clamped.
	MaxChildDepth int `mapstructure:"max_child_depth"`
	// ResultTTL is the cache TTL for resolver write-backs.
	ResultTTL time.Duration `mapstructure:"result_ttl"`
	// SearchLimit caps the number of search matches returned.
	SearchLimit int `mapstructure:"search_limit"`
}

// Refresher configures the projection refresh coordinator.
type Refresher struct {
	// CheckInterval is how often the background worker evaluates triggers.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// ChangeThreshold marks a target stale once this many entity changes
	// have accumulated since its last successful refresh.
	ChangeThreshold int64 `mapstructure:"change_threshold"`
	// TimeThreshold marks a target stale once this much time has passed
	// since its last successful refresh.
	TimeThreshold time.Duration `mapstructure:"time_threshold"`
	// RollbackEnabled controls whether a snapshot is taken before refresh.
	RollbackEnabled bool `mapstructure:"rollback_enabled"`
	// RollbackWindow is how long after a snapshot a rollback is honored.
	RollbackWindow time.Duration `mapstructure:"rollback_window"`
	// MetricRetention is how many refresh metric rows are kept persisted.
	MetricRetention int32 `mapstructure:"metric_retention"`
}

func DefaultConfig() *Config {
	return &Config{
		Cache: Cache{
			Capacity:   10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Resolver: Resolver{
			MaxChildDepth: 5,
			ResultTTL:     5 * time.Minute,
			SearchLimit:   100,
		},
		Refresher: Refresher{
			CheckInterval:   30 * time.Second,
			ChangeThreshold: 500,
			TimeThreshold:   time.Hour,
			RollbackEnabled: true,
			RollbackWindow:  10 * time.Minute,
			MetricRetention: 1000,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "ATLAS" and the dot character
// in keys is replaced by an underscore. For example, "cache.capacity"
// becomes "ATLAS_CACHE_CAPACITY".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
