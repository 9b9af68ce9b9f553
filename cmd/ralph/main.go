package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reelforge/ralph/internal/config"
)

const version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return 1
	}
	return 0
}

type app struct {
	stdout      io.Writer
	stderr      io.Writer
	configPaths []string
	logLevel    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "ralph",
		Short:         "Reconcile render job contracts into finished outputs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringArrayVarP(&a.configPaths, "config", "c", nil, "config file (repeatable; later files override earlier ones)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		a.runCmd(),
		a.statusCmd(),
		a.eventsCmd(),
		a.cancelCmd(),
		a.validateCmd(),
		a.reindexCmd(),
		a.configCmd(),
		a.versionCmd(),
	)
	return root
}

// loadConfig reads the --config files, or ralph.yaml when none are given and
// it exists, over the defaults.
func (a *app) loadConfig() (config.Config, error) {
	paths := a.configPaths
	if len(paths) == 0 {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			paths = []string{config.DefaultPath()}
		}
	}
	cfg, _, err := config.Load(paths...)
	if err != nil {
		return config.Config{}, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// logger builds the process logger. It carries no component; each subsystem
// adds its own.
func (a *app) logger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(a.stderr, opts)
	} else {
		handler = slog.NewTextHandler(a.stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
