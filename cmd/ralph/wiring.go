package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/reelforge/ralph/internal/config"
	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/dispatch"
	"github.com/reelforge/ralph/internal/lineage"
	"github.com/reelforge/ralph/internal/reconciler"
	"github.com/reelforge/ralph/internal/store"
	"github.com/reelforge/ralph/internal/watcher"
)

func openStore(cfg config.Config) (*store.Store, error) {
	return store.Open(cfg.Dirs.State)
}

func newDispatcher(cfg config.Config, logger *slog.Logger) *dispatch.Dispatcher {
	profiles := map[contract.Lane]dispatch.Profile{}
	for lane, lc := range cfg.LaneConfigs() {
		profiles[lane] = dispatch.Profile{Args: lc.Args, Env: lc.Env, Timeout: lc.Timeout}
	}
	return &dispatch.Dispatcher{
		Command:    cfg.Worker.Command,
		Args:       cfg.Worker.Args,
		Env:        cfg.Worker.Env,
		InheritEnv: cfg.Worker.InheritEnv,
		Profiles:   profiles,
		Timeout:    cfg.Worker.Timeout,
		StopGrace:  cfg.Worker.StopGrace,
		OutputRoot: cfg.Dirs.Output,
		Logger:     logger.With("component", "dispatch"),
	}
}

// newReconciler wires the store, dispatcher, lineage writer and watcher the
// way every command that drives jobs needs them.
func newReconciler(cfg config.Config, s *store.Store, logger *slog.Logger) (*reconciler.Reconciler, error) {
	if err := cfg.RequireWorker(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Dirs.Jobs, cfg.Dirs.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	writer := lineage.NewWriter(s, cfg.ToolVersionsWith(version))
	r := reconciler.New(s, newDispatcher(cfg, logger), writer)
	r.Classifier = cfg.Classifier()
	r.Policy = reconciler.Policy{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		Base:               cfg.Retry.Base,
		Ceiling:            cfg.Retry.Ceiling,
		Jitter:             cfg.Retry.Jitter,
		ResourceMultiplier: cfg.Retry.ResourceMultiplier,
	}
	r.SchemaVersions = cfg.SchemaVersions
	r.SharedInputs = cfg.SharedInputs
	r.LeaseTTL = cfg.Lease.TTL
	r.Logger = logger.With("component", "reconciler")
	r.JobsDir = cfg.Dirs.Jobs
	r.Concurrency = cfg.Concurrency
	r.PollInterval = cfg.Watch.PollInterval

	poller := watcher.New(cfg.Dirs.Jobs, cfg.Watch.PollInterval, logger.With("component", "watcher"))
	poller.Settle = cfg.Watch.Settle
	r.Watcher = poller
	return r, nil
}
