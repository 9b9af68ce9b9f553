package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/reelforge/ralph/internal/contract"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the settings every command relies on. The worker command is
// only needed to run jobs and is checked by RequireWorker.
func (c Config) Validate() error {
	dirs := map[string]string{
		"dirs.jobs":   c.Dirs.Jobs,
		"dirs.state":  c.Dirs.State,
		"dirs.output": c.Dirs.Output,
	}
	abs := map[string]string{}
	for field, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
		}
		resolved, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
		}
		abs[field] = resolved
	}
	for a, pa := range abs {
		for b, pb := range abs {
			if a != b && within(pa, pb) {
				return fmt.Errorf("%w: %s (%s) must not be inside %s (%s)", ErrInvalidConfig, a, pa, b, pb)
			}
		}
	}
	if len(c.SchemaVersions) == 0 {
		return fmt.Errorf("%w: schema_versions must list at least one version", ErrInvalidConfig)
	}
	if c.Worker.Timeout < 0 || c.Worker.StopGrace < 0 {
		return fmt.Errorf("%w: worker durations must be >= 0", ErrInvalidConfig)
	}
	for key, lane := range c.Lanes {
		if contract.ParseLane(key) == contract.LaneUnset {
			return fmt.Errorf("%w: lanes.%s is not a known lane", ErrInvalidConfig, key)
		}
		if lane.Timeout < 0 {
			return fmt.Errorf("%w: lanes.%s.timeout must be >= 0", ErrInvalidConfig, key)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 1", ErrInvalidConfig)
	}
	if c.Retry.Base <= 0 || c.Retry.Ceiling < c.Retry.Base {
		return fmt.Errorf("%w: retry.base must be > 0 and retry.ceiling >= retry.base", ErrInvalidConfig)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("%w: retry.jitter must be within [0,1]", ErrInvalidConfig)
	}
	if c.Retry.ResourceMultiplier < 1 {
		return fmt.Errorf("%w: retry.resource_multiplier must be >= 1", ErrInvalidConfig)
	}
	if err := c.Classifier().Validate(); err != nil {
		return fmt.Errorf("%w: exit_codes: %v", ErrInvalidConfig, err)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("%w: lease.ttl must be > 0", ErrInvalidConfig)
	}
	if c.Watch.PollInterval <= 0 || c.Watch.Settle < 0 {
		return fmt.Errorf("%w: watch.poll_interval must be > 0", ErrInvalidConfig)
	}
	if c.Status.Resync < 0 {
		return fmt.Errorf("%w: status.resync must be >= 0", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q is not one of debug, info, warn, error", ErrInvalidConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q is not text or json", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func (c Config) RequireWorker() error {
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("%w: worker.command is required", ErrInvalidConfig)
	}
	return nil
}

func within(path, dir string) bool {
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
