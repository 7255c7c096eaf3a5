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
	"os"
	"strings"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/cardinalhq/atlas/internal/logctx"
)

var myInstanceID = uuid.New()

// setupProcess wires signal handling, the process logger, and the
// OpenTelemetry SDK, and returns a context carrying the logger. When
// OTEL_SERVICE_NAME is set and ENABLE_OTLP_TELEMETRY=true, metric, trace,
// and log providers are installed globally so the instruments created in
// package init() blocks export for real; otherwise they stay no-ops. The
// returned done function flushes the SDK and cancels the context.
func setupProcess(servicename string) (context.Context, func(), error) {
	doneCtx, doneCancel := handleSignals(context.Background())

	attrs := []any{
		slog.String("service", servicename),
		slog.String("instance_id", myInstanceID.String()),
	}
	opts := &slog.HandlerOptions{Level: logLevelFromEnv()}

	done := func() { doneCancel() }

	var logger *slog.Logger
	if os.Getenv("OTEL_SERVICE_NAME") != "" && os.Getenv("ENABLE_OTLP_TELEMETRY") == "true" {
		logger = slog.New(slogmulti.Fanout(
			slog.NewJSONHandler(os.Stdout, opts),
			otelslog.NewHandler(servicename),
		)).With(attrs...)
		slog.SetDefault(logger)
		logger.Info("OpenTelemetry exporting enabled")

		otelShutdown, err := telemetry.SetupOTelSDK(doneCtx)
		if err != nil {
			doneCancel()
			return doneCtx, nil, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
		}

		if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
			logger.Warn("failed to start runtime metrics", slog.Any("error", err))
		}
		if err := host.Start(); err != nil {
			logger.Warn("failed to start host metrics", slog.Any("error", err))
		}

		done = func() {
			defer doneCancel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := otelShutdown(ctx); err != nil {
				logger.Warn("OpenTelemetry SDK shutdown failed", slog.Any("error", err))
			}
		}
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(attrs...)
		slog.SetDefault(logger)
	}

	return logctx.WithLogger(doneCtx, logger), done, nil
}

func logLevelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
