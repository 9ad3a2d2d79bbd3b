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

// Package config loads engine configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration.
type Config struct {
	// Database configures the durable store.
	Database DatabaseConfig `yaml:"database"`

	// Execution configures the run-time behavior of the engine.
	Execution ExecutionConfig `yaml:"execution"`

	// Quota configures per-user execution limits.
	Quota QuotaConfig `yaml:"quota"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// ExecutionConfig configures execution behavior.
type ExecutionConfig struct {
	// MaxConcurrency bounds parallel fan-out (default 3).
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxLoopIterations caps loop iteration counts (default 100).
	MaxLoopIterations int `yaml:"max_loop_iterations"`

	// CheckpointKeepLast bounds the in-memory checkpoint history
	// (default 5).
	CheckpointKeepLast int `yaml:"checkpoint_keep_last"`

	// ProgressTracking enables durable per-step checkpointing.
	ProgressTracking bool `yaml:"progress_tracking"`

	// BatchDelayMs is the delay between batches in batched execution
	// (default 100).
	BatchDelayMs int `yaml:"batch_delay_ms"`

	// RetentionDays is how long completed/cancelled executions are kept
	// (default 90).
	RetentionDays int `yaml:"retention_days"`
}

// QuotaConfig configures per-user execution quotas.
type QuotaConfig struct {
	// DailyLimit is the number of executions a user may start per day.
	// Zero disables quota enforcement.
	DailyLimit int `yaml:"daily_limit"`

	// BurstLimit smooths start bursts (default 10).
	BurstLimit int `yaml:"burst_limit"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns on span export.
	Enabled bool `yaml:"enabled"`

	// Pretty enables human-readable stdout export.
	Pretty bool `yaml:"pretty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "cascade.db",
			WAL:  true,
		},
		Execution: ExecutionConfig{
			MaxConcurrency:     3,
			MaxLoopIterations:  100,
			CheckpointKeepLast: 5,
			ProgressTracking:   true,
			BatchDelayMs:       100,
			RetentionDays:      90,
		},
		Quota: QuotaConfig{
			DailyLimit: 0,
			BurstLimit: 10,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the path is empty or the file does not exist, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CASCADE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Execution.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CASCADE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Execution.RetentionDays = n
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config error at database.path: path is required")
	}
	if c.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("config error at execution.max_concurrency: must be positive, got %d", c.Execution.MaxConcurrency)
	}
	if c.Execution.MaxLoopIterations <= 0 {
		return fmt.Errorf("config error at execution.max_loop_iterations: must be positive, got %d", c.Execution.MaxLoopIterations)
	}
	if c.Execution.CheckpointKeepLast <= 0 {
		return fmt.Errorf("config error at execution.checkpoint_keep_last: must be positive, got %d", c.Execution.CheckpointKeepLast)
	}
	if c.Execution.BatchDelayMs < 0 {
		return fmt.Errorf("config error at execution.batch_delay_ms: must be non-negative, got %d", c.Execution.BatchDelayMs)
	}
	if c.Quota.DailyLimit < 0 {
		return fmt.Errorf("config error at quota.daily_limit: must be non-negative, got %d", c.Quota.DailyLimit)
	}
	return nil
}
