// Copyright 2026 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commands implements the cascade CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cascadehq/cascade/internal/broadcast"
	"github.com/cascadehq/cascade/internal/cache"
	"github.com/cascadehq/cascade/internal/config"
	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/parallel"
	"github.com/cascadehq/cascade/internal/quota"
	"github.com/cascadehq/cascade/internal/recovery"
	"github.com/cascadehq/cascade/internal/state"
	"github.com/cascadehq/cascade/internal/state/store"
	"github.com/cascadehq/cascade/internal/steps"
	"github.com/cascadehq/cascade/internal/tracing"
)

// app holds the wired engine stack for one CLI invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.SQLite
	manager *state.Manager
	engine  *engine.Engine
	tracer  *tracing.Provider
}

// plugins is the CLI's plugin dispatch. Real deployments register
// connectors here; the standalone binary resolves nothing.
type plugins struct{}

func (plugins) Execute(_ context.Context, _, plugin, action string, _ map[string]any) (any, error) {
	return nil, fmt.Errorf("plugin %s is not available: no connector registered for %s.%s", plugin, plugin, action)
}

func newApp(cfgPath, version string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(log.FromEnv())

	st, err := store.OpenSQLite(cfg.Database.Path, cfg.Database.WAL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "cascade",
		ServiceVersion: version,
		Writer:         os.Stderr,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	b := broadcast.New()
	manager := state.NewManager(st, cache.NewMemory(),
		quota.NewLimiter(cfg.Quota.DailyLimit, cfg.Quota.BurstLimit),
		b, logger, state.Options{ProgressTracking: cfg.Execution.ProgressTracking})

	executor := steps.NewExecutor(plugins{}, nil, logger)
	par := parallel.NewExecutor(executor, steps.DefaultRegistry(), parallel.Config{
		MaxConcurrency: cfg.Execution.MaxConcurrency,
		BatchDelay:     time.Duration(cfg.Execution.BatchDelayMs) * time.Millisecond,
	}, logger)
	rec := recovery.NewRecoverer(executor, plugins{}, logger)

	eng := engine.New(manager, executor, par, rec, b, tracer.Tracer(), logger, engine.Options{
		CheckpointKeepLast: cfg.Execution.CheckpointKeepLast,
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		manager: manager,
		engine:  eng,
		tracer:  tracer,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
