package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/failure"
)

type Config struct {
	Dirs struct {
		Jobs   string `yaml:"jobs"`
		State  string `yaml:"state"`
		Output string `yaml:"output"`
	} `yaml:"dirs"`
	SchemaVersions []string              `yaml:"schema_versions"`
	Worker         WorkerConfig          `yaml:"worker"`
	Lanes          map[string]LaneConfig `yaml:"lanes,omitempty"`
	Retry          RetryConfig           `yaml:"retry"`
	ExitCodes      ExitCodeConfig        `yaml:"exit_codes"`
	Lease          struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"lease"`
	Watch struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Settle       time.Duration `yaml:"settle"`
	} `yaml:"watch"`
	Concurrency  int               `yaml:"concurrency"`
	SharedInputs []string          `yaml:"shared_inputs,omitempty"`
	ToolVersions map[string]string `yaml:"tool_versions,omitempty"`
	Index        struct {
		Path string `yaml:"path"`
	} `yaml:"index"`
	Status struct {
		Addr   string        `yaml:"addr"`
		Resync time.Duration `yaml:"resync"`
	} `yaml:"status"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type WorkerConfig struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	InheritEnv bool              `yaml:"inherit_env"`
	Timeout    time.Duration     `yaml:"timeout"`
	StopGrace  time.Duration     `yaml:"stop_grace"`
	Version    string            `yaml:"version,omitempty"`
}

type LaneConfig struct {
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	Base               time.Duration `yaml:"base"`
	Ceiling            time.Duration `yaml:"ceiling"`
	Jitter             float64       `yaml:"jitter"`
	ResourceMultiplier float64       `yaml:"resource_multiplier"`
}

type ExitCodeConfig struct {
	Transient []int  `yaml:"transient"`
	Fatal     []int  `yaml:"fatal"`
	Resource  []int  `yaml:"resource"`
	Default   string `yaml:"default"`
}

// Default returns the built-in configuration every file is merged over.
func Default() Config {
	var cfg Config
	cfg.Dirs.Jobs = "jobs"
	cfg.Dirs.State = "state"
	cfg.Dirs.Output = "output"
	cfg.SchemaVersions = []string{"1"}
	cfg.Worker.Timeout = 15 * time.Minute
	cfg.Worker.StopGrace = 5 * time.Second
	cfg.Retry = RetryConfig{
		MaxAttempts:        3,
		Base:               2 * time.Second,
		Ceiling:            5 * time.Minute,
		Jitter:             0.2,
		ResourceMultiplier: 4,
	}
	cfg.ExitCodes = ExitCodeConfig{
		Transient: []int{1, 75},
		Fatal:     []int{2, 64, 65, 66, 78},
		Resource:  []int{69},
		Default:   string(failure.KindTransientExecution),
	}
	cfg.Lease.TTL = 30 * time.Second
	cfg.Watch.PollInterval = time.Second
	cfg.Watch.Settle = 500 * time.Millisecond
	cfg.Concurrency = 2
	cfg.Status.Resync = 5 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

func DefaultPath() string {
	return "ralph.yaml"
}

// Load layers each file in order over Default and returns the result with
// the list of files that were read. A missing file is an error.
func Load(paths ...string) (Config, []string, error) {
	cfg := Default()
	loaded := []string{}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := overlay(&cfg, path); err != nil {
			return Config{}, loaded, err
		}
		loaded = append(loaded, path)
	}
	return cfg, loaded, nil
}

// overlay decodes path onto cfg. Keys the file sets replace the current
// value: lists are replaced whole, and a lane, env or tool_versions entry is
// replaced per key while other keys survive. Keys ralph does not know are
// rejected so a typo cannot silently fall back to a default.
func overlay(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("open config: %s: %w", path, err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return fmt.Errorf("config path is a directory: %s", path)
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}
	return nil
}

func Save(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// IndexPath is the SQLite index location; it defaults to a file in the state
// directory that the store never lists as a job.
func (c Config) IndexPath() string {
	if strings.TrimSpace(c.Index.Path) != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Dirs.State, "_index.db")
}

// Classifier builds the exit-code table.
func (c Config) Classifier() failure.Classifier {
	return failure.Classifier{
		Transient: c.ExitCodes.Transient,
		Fatal:     c.ExitCodes.Fatal,
		Resource:  c.ExitCodes.Resource,
		Default:   failure.Kind(c.ExitCodes.Default),
	}
}

// LaneConfigs keys the lane table by parsed lane. Unknown keys are dropped;
// Validate reports them.
func (c Config) LaneConfigs() map[contract.Lane]LaneConfig {
	out := map[contract.Lane]LaneConfig{}
	for key, lane := range c.Lanes {
		if parsed := contract.ParseLane(key); parsed != contract.LaneUnset {
			out[parsed] = lane
		}
	}
	return out
}

// ToolVersionsWith returns the configured tool versions plus the running
// control plane and Worker versions.
func (c Config) ToolVersionsWith(controlPlane string) map[string]string {
	out := map[string]string{}
	for k, v := range c.ToolVersions {
		out[k] = v
	}
	if controlPlane != "" {
		out["ralph"] = controlPlane
	}
	if c.Worker.Version != "" {
		out["worker"] = c.Worker.Version
	}
	return out
}
