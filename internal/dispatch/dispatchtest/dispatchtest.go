// Package dispatchtest turns a test binary into a fake Worker.
//
// A test package declares
//
//	func TestWorkerHelperProcess(t *testing.T) { dispatchtest.Main() }
//
// and points a Dispatcher at Command(t) with Env(mode, ...) so the re-executed
// binary plays the Worker for that test.
package dispatchtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

const (
	EnvWant     = "GO_WANT_WORKER_HELPER"
	EnvMode     = "WORKER_HELPER_MODE"
	EnvExitCode = "WORKER_HELPER_EXIT"
	EnvFailures = "WORKER_HELPER_FAILURES"
	EnvCounter  = "WORKER_HELPER_COUNTER"
	EnvSleep    = "WORKER_HELPER_SLEEP"
)

const (
	// ModeSucceed writes every declared output and exits 0.
	ModeSucceed = "succeed"
	// ModeExit exits with WORKER_HELPER_EXIT without writing anything.
	ModeExit = "exit"
	// ModeFlaky exits with WORKER_HELPER_EXIT for the first
	// WORKER_HELPER_FAILURES invocations, then succeeds.
	ModeFlaky = "flaky"
	// ModeNoOutput exits 0 without writing outputs.
	ModeNoOutput = "no-output"
	// ModeSleep sleeps for WORKER_HELPER_SLEEP (default 30s) then succeeds.
	ModeSleep = "sleep"
	// ModeEcho prints its arguments and environment, then exits 0.
	ModeEcho = "echo"
)

// Main runs the fake Worker and exits when the binary was started as one.
// Otherwise it returns immediately.
func Main() {
	if os.Getenv(EnvWant) != "1" {
		return
	}
	args := argsAfterDash(os.Args)
	var contractPath, outputDir string
	if len(args) >= 2 {
		contractPath, outputDir = args[0], args[1]
	}
	invocation := bumpCounter(os.Getenv(EnvCounter))
	exitCode := envInt(EnvExitCode, 1)

	switch os.Getenv(EnvMode) {
	case ModeExit:
		os.Exit(exitCode)
	case ModeFlaky:
		if invocation <= envInt(EnvFailures, 1) {
			fmt.Fprintf(os.Stderr, "flaky failure %d\n", invocation)
			os.Exit(exitCode)
		}
	case ModeNoOutput:
		os.Exit(0)
	case ModeSleep:
		d, err := time.ParseDuration(os.Getenv(EnvSleep))
		if err != nil || d <= 0 {
			d = 30 * time.Second
		}
		time.Sleep(d)
	case ModeEcho:
		fmt.Printf("args=%s\n", strings.Join(args, " "))
		env := os.Environ()
		sort.Strings(env)
		for _, entry := range env {
			fmt.Printf("env=%s\n", entry)
		}
		os.Exit(0)
	}
	if err := writeOutputs(contractPath, outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "write outputs: %v\n", err)
		os.Exit(70)
	}
	os.Exit(0)
}

// Command returns the test binary and the arguments that re-run it as the
// fake Worker. The contract and output placeholders follow "--".
func Command(t testing.TB) (string, []string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe, []string{"-test.run=^TestWorkerHelperProcess$", "--", "{contract}", "{output}"}
}

// Env returns the variables selecting the fake Worker's behaviour.
func Env(mode string, extra map[string]string) map[string]string {
	env := map[string]string{EnvWant: "1", EnvMode: mode}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// Invocations reads how many times the fake Worker ran with counter path.
func Invocations(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return len(data)
}

func argsAfterDash(args []string) []string {
	for i, arg := range args {
		if arg == "--" {
			return args[i+1:]
		}
	}
	return nil
}

func bumpCounter(path string) int {
	if path == "" {
		return 1
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		_, _ = f.Write([]byte{'x'})
		_ = f.Close()
	}
	return Invocations(path)
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func writeOutputs(contractPath, outputDir string) error {
	if contractPath == "" || outputDir == "" {
		return fmt.Errorf("contract and output dir are required")
	}
	data, err := os.ReadFile(contractPath)
	if err != nil {
		return err
	}
	var body struct {
		JobID   string   `json:"job_id"`
		Outputs []string `json:"outputs"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	for _, rel := range body.Outputs {
		path := filepath.Join(outputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte("rendered "+rel+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
