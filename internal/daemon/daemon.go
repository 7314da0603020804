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

// Package daemon wires the server components together: the agent
// roster, the dispatch layer, the workflow compiler, the event broker
// and the HTTP API, all driven by one configuration.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/foreman/internal/daemon/agents"
	"github.com/tombee/foreman/internal/daemon/api"
	"github.com/tombee/foreman/internal/daemon/auth"
	"github.com/tombee/foreman/internal/daemon/config"
	"github.com/tombee/foreman/internal/daemon/forge"
	"github.com/tombee/foreman/internal/daemon/listener"
	"github.com/tombee/foreman/internal/daemon/scheduler"
	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/internal/events"
	"github.com/tombee/foreman/internal/workflow"
)

// Options carries construction-time collaborators for the daemon.
type Options struct {
	// Logger receives daemon logs. Defaults to slog's default logger.
	Logger *slog.Logger
	// Version is reported by the root endpoint.
	Version string
}

// Daemon is the assembled server.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *agents.Store
	registry    *dispatch.Registry
	coordinator *dispatch.Coordinator
	compiler    *workflow.Compiler
	broker      *events.Broker
	timelines   *events.TimelineStore
	scheduler   *scheduler.Scheduler
	notifier    *workflow.CommitStatusNotifier

	version string
	server  *http.Server
}

// New builds a daemon from configuration. The daemon owns every
// component it creates and releases them in Shutdown.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := agents.New(agents.Config{Path: filepath.Join(cfg.DataDir, "agents.db")})
	if err != nil {
		return nil, fmt.Errorf("opening agent roster: %w", err)
	}

	registry := dispatch.NewRegistry(logger)
	queues := dispatch.NewQueueMap()
	hub := dispatch.NewHub()
	coordinator := dispatch.NewCoordinator(logger, registry, queues, hub)
	if cfg.Dispatch.PollTimeout > 0 {
		coordinator.SetPollBound(cfg.Dispatch.PollTimeout)
	}
	if cfg.Dispatch.SettleDelay > 0 {
		coordinator.SetSettleDelay(cfg.Dispatch.SettleDelay)
	}
	coordinator.OnEphemeralDone(func(agentID uuid.UUID) {
		if err := store.Delete(context.Background(), agentID); err != nil {
			logger.Warn("failed to retire ephemeral agent",
				slog.String("agent_id", agentID.String()),
				slog.String("error", err.Error()),
			)
		}
	})

	broker := events.NewBroker(logger)
	timelines := events.NewTimelineStore(broker)

	var (
		files    workflow.FileResolver
		source   api.WorkflowSource
		checks   workflow.StatusNotifier
		notifier *workflow.CommitStatusNotifier
	)
	if cfg.Forge.APIURL != "" {
		fc, err := forge.New(logger, cfg.Forge.APIURL, cfg.Forge.Token)
		if err != nil {
			store.Close()
			return nil, err
		}
		files = fc
		source = fc
		notifier = workflow.NewCommitStatusNotifier(logger, fc.HTTPClient(), cfg.Forge.APIURL, cfg.Forge.Token)
		checks = notifier
	}

	compiler := workflow.NewCompiler(logger, coordinator, hub, []byte(cfg.TokenSecret), workflow.Options{
		Events:      broker,
		Checks:      checks,
		Capacity:    store,
		Files:       files,
		PlatformMap: cfg.Platform,
	})

	var sched *scheduler.Scheduler
	if cfg.WorkflowsDir != "" {
		sched = scheduler.New(cfg.WorkflowsDir, func(path string, document []byte, cron string) {
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			resp := compiler.Compile(&workflow.CompileInput{
				Repo:     "local/" + name,
				Path:     path,
				Document: document,
				Event:    &workflow.TriggerEvent{Name: "schedule"},
				Payload:  map[string]interface{}{"schedule": cron},
				Secrets:  cfg.Secrets,
			})
			if resp.Failed {
				logger.Error("scheduled workflow failed to compile",
					slog.String("path", path),
					slog.String("errors", strings.Join(resp.Errors, "; ")),
				)
				return
			}
			if !resp.Skipped {
				logger.Info("scheduled workflow started",
					slog.String("path", path),
					slog.Int64("run_id", resp.RunID),
				)
			}
		}, logger)
	}

	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		registry:    registry,
		coordinator: coordinator,
		compiler:    compiler,
		broker:      broker,
		timelines:   timelines,
		scheduler:   sched,
		notifier:    notifier,
		version:     opts.Version,
	}
	// Long polls and event streams hold responses open, so the server
	// carries no write timeout.
	d.server = &http.Server{
		Handler:           d.buildRouter(source),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return d, nil
}

func (d *Daemon) buildRouter(source api.WorkflowSource) http.Handler {
	router := api.NewRouter(d.version, d.logger)
	mux := router.Mux()

	secret := []byte(d.cfg.TokenSecret)

	var limiter *auth.RateLimiter
	if d.cfg.Webhook.RatePerSecond > 0 {
		limiter = auth.NewRateLimiter(d.cfg.Webhook.RatePerSecond, d.cfg.Webhook.Burst)
	}

	api.NewMessageHandler(d.logger, d.coordinator, d.compiler, d.broker, secret).RegisterRoutes(mux)
	api.NewHookHandler(d.logger, d.compiler, source, d.cfg.Webhook.Secret, d.cfg.Secrets, limiter).RegisterRoutes(mux)
	api.NewStreamHandler(d.logger, d.broker, d.timelines, d.registry, secret).RegisterRoutes(mux)
	api.NewSessionHandler(d.logger, d.registry, d.store).RegisterRoutes(mux)
	api.NewAgentHandler(d.logger, d.store, d.cfg.RegistrationToken).RegisterRoutes(mux)

	return router
}

// Start runs the daemon until ctx is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := listener.New(d.cfg.Listen)
	if err != nil {
		return err
	}

	d.logger.Info("daemon listening",
		slog.String("network", ln.Addr().Network()),
		slog.String("address", ln.Addr().String()),
		slog.String("version", d.version),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.registry.RunExpiry(gctx)
		return nil
	})
	if d.scheduler != nil {
		d.scheduler.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown drains the server and releases component resources. It is
// safe to call once, after Start has begun.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down")

	d.server.SetKeepAlivesEnabled(false)
	err := d.server.Shutdown(ctx)

	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.notifier != nil {
		d.notifier.Close()
	}
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
