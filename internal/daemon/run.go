// Copyright 2025 Tom Barlow
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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/tombee/foreman/internal/daemon/config"
	"github.com/tombee/foreman/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version string

	// ConfigPath is the config file to load. Empty loads defaults
	// plus environment.
	ConfigPath string

	// Config overrides
	ListenAddr   string
	WorkflowsDir string
	DataDir      string
}

// Run loads configuration, starts the daemon and blocks until a
// shutdown signal arrives or the daemon fails.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if opts.ListenAddr != "" {
		cfg.Listen.Network = "tcp"
		cfg.Listen.Address = opts.ListenAddr
	}
	if opts.WorkflowsDir != "" {
		cfg.WorkflowsDir = opts.WorkflowsDir
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	d, err := New(cfg, Options{
		Logger:  logger,
		Version: opts.Version,
	})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon exited with error", slog.Any("error", err))
		return err
	}
	return nil
}
