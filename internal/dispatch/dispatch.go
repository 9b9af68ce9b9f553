// Package dispatch launches one Worker attempt as an isolated child process.
//
// The dispatcher never retries and never interprets the Worker's output; it
// reports how the process ended and leaves classification to the reconciler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/failure"
)

const (
	PlaceholderContract = "{contract}"
	PlaceholderOutput   = "{output}"
	PlaceholderJobID    = "{job_id}"
	PlaceholderAttempt  = "{attempt}"
)

var (
	ErrOutputScope = errors.New("output dir outside job scope")
	ErrInterrupted = errors.New("dispatch interrupted")
)

// Profile is a lane's execution hint. Lanes are a lookup table, not a type
// hierarchy: an unknown or unset lane runs with the base settings.
type Profile struct {
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

type Dispatcher struct {
	Command    string
	Args       []string
	Env        map[string]string
	InheritEnv bool
	Profiles   map[contract.Lane]Profile
	Timeout    time.Duration
	StopGrace  time.Duration
	OutputRoot string
	Logger     *slog.Logger
	Now        func() time.Time
}

type Request struct {
	JobID        string
	Attempt      int
	ContractPath string
	Lane         contract.Lane
	OutputDir    string
	LogPath      string
}

type Result struct {
	ExitCode   int
	TimedOut   bool
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
	LogPath    string
}

// Dispatch runs the Worker for req and blocks until it exits, times out or
// ctx is cancelled. onStart, if set, is called with the pid once the process
// is running. A cancelled ctx terminates the process group and returns
// ErrInterrupted; the attempt's outcome is then unknown to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, onStart func(pid int)) (Result, error) {
	if strings.TrimSpace(d.Command) == "" {
		return Result{}, fmt.Errorf("worker command is required")
	}
	if err := d.checkScope(req); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.LogPath) == "" {
		return Result{}, fmt.Errorf("worker log path is required")
	}
	req, err := absolute(req)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	profile := d.Profiles[req.Lane]
	timeout := d.Timeout
	if profile.Timeout > 0 {
		timeout = profile.Timeout
	}
	args := d.BuildArgs(req)
	cmd := exec.Command(d.Command, args...)
	cmd.Env = d.BuildEnv(req)
	cmd.Dir = req.OutputDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)

	logger := d.logger().With("job_id", req.JobID, "attempt", req.Attempt)
	result := Result{LogPath: req.LogPath, StartedAt: d.now()}
	if err := cmd.Start(); err != nil {
		return result, failure.Wrap(failure.KindTransientExecution, fmt.Errorf("start worker: %w", err))
	}
	result.PID = cmd.Process.Pid
	logger.Info("worker started", "pid", result.PID, "command", d.Command, "lane", req.Lane.String(), "timeout", timeout)
	if onStart != nil {
		onStart(result.PID)
	}

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	interrupted := false
	select {
	case <-done:
	case <-timer:
		result.TimedOut = true
		logger.Warn("worker timed out", "pid", result.PID, "timeout", timeout)
		terminateProcess(cmd, d.StopGrace, done)
		<-done
	case <-ctx.Done():
		interrupted = true
		logger.Warn("worker interrupted", "pid", result.PID, "err", context.Cause(ctx))
		terminateProcess(cmd, d.StopGrace, done)
		<-done
	}
	result.FinishedAt = d.now()
	result.ExitCode = exitStatus(cmd.ProcessState)

	if interrupted {
		return result, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, failure.Wrap(failure.KindTransientExecution, fmt.Errorf("wait worker: %w", waitErr))
	}
	logger.Info("worker exited", "pid", result.PID, "exit_code", result.ExitCode, "timed_out", result.TimedOut,
		"duration", result.FinishedAt.Sub(result.StartedAt))
	return result, nil
}

// OutputDir is the only directory a job's Worker may write to.
func (d *Dispatcher) OutputDir(jobID string) string {
	return filepath.Join(d.OutputRoot, jobID)
}

func (d *Dispatcher) checkScope(req Request) error {
	if !contract.ValidJobID(req.JobID) {
		return fmt.Errorf("%w %q", contract.ErrInvalidJobID, req.JobID)
	}
	if strings.TrimSpace(d.OutputRoot) == "" {
		return fmt.Errorf("output root is required")
	}
	want, err := filepath.Abs(d.OutputDir(req.JobID))
	if err != nil {
		return fmt.Errorf("resolve output root: %w", err)
	}
	got, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: %s is not %s", ErrOutputScope, got, want)
	}
	return nil
}

// absolute resolves req's paths against the reconciler's working directory.
// The Worker runs inside its output directory, so a relative path would point
// somewhere else from there.
func absolute(req Request) (Request, error) {
	for _, p := range []*string{&req.ContractPath, &req.OutputDir, &req.LogPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return req, fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return req, nil
}

// BuildArgs renders the lane profile args followed by the base args. When no
// argument references {contract} or {output}, both paths are appended.
func (d *Dispatcher) BuildArgs(req Request) []string {
	profile := d.Profiles[req.Lane]
	raw := make([]string, 0, len(profile.Args)+len(d.Args)+2)
	raw = append(raw, profile.Args...)
	raw = append(raw, d.Args...)
	replacer := strings.NewReplacer(
		PlaceholderContract, req.ContractPath,
		PlaceholderOutput, req.OutputDir,
		PlaceholderJobID, req.JobID,
		PlaceholderAttempt, strconv.Itoa(req.Attempt),
	)
	referenced := false
	out := make([]string, 0, len(raw)+2)
	for _, arg := range raw {
		if strings.Contains(arg, PlaceholderContract) || strings.Contains(arg, PlaceholderOutput) {
			referenced = true
		}
		out = append(out, replacer.Replace(arg))
	}
	if !referenced {
		out = append(out, req.ContractPath, req.OutputDir)
	}
	return out
}

// BuildEnv returns PATH plus configured variables, or the parent environment
// when InheritEnv is set. Lane variables override base ones, and the RALPH_*
// variables always describe the current attempt.
func (d *Dispatcher) BuildEnv(req Request) []string {
	vars := map[string]string{}
	if d.InheritEnv {
		for _, entry := range os.Environ() {
			if k, v, ok := strings.Cut(entry, "="); ok {
				vars[k] = v
			}
		}
	} else if path, ok := os.LookupEnv("PATH"); ok {
		vars["PATH"] = path
	}
	for k, v := range d.Env {
		vars[k] = v
	}
	for k, v := range d.Profiles[req.Lane].Env {
		vars[k] = v
	}
	vars["RALPH_JOB_ID"] = req.JobID
	vars["RALPH_ATTEMPT"] = strconv.Itoa(req.Attempt)
	vars["RALPH_CONTRACT"] = req.ContractPath
	vars["RALPH_OUTPUT_DIR"] = req.OutputDir
	vars["RALPH_LANE"] = string(req.Lane)

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}
