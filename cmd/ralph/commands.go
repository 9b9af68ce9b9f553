package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/reelforge/ralph/internal/config"
	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/index"
	"github.com/reelforge/ralph/internal/reconciler"
	"github.com/reelforge/ralph/internal/statusapi"
	"github.com/reelforge/ralph/internal/store"
)

// exitJobsFailed is returned by "run --once" when any job ended FAILED.
const exitJobsFailed = 3

func (a *app) runCmd() *cobra.Command {
	var (
		once       bool
		noIndex    bool
		statusAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the jobs directory and reconcile jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.logger(cfg)
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var ix *index.Index
			if !noIndex {
				indexLog := logger.With("component", "index")
				ix, err = index.Open(cfg.IndexPath())
				if err != nil {
					indexLog.Warn("index disabled", "path", cfg.IndexPath(), "err", err)
				} else {
					defer ix.Close()
					if _, err := ix.Rebuild(ctx, s); err != nil {
						indexLog.Warn("index rebuild failed", "err", err)
					}
					ix.Follow(s, indexLog)
				}
			}

			r, err := newReconciler(cfg, s, logger)
			if err != nil {
				return err
			}
			if once {
				outcomes, err := r.RunOnce(ctx)
				printOutcomes(a.stdout, outcomes)
				if err != nil {
					return err
				}
				if n := countFailed(outcomes); n > 0 {
					return &exitError{code: exitJobsFailed, err: fmt.Errorf("%d job(s) failed", n)}
				}
				return nil
			}

			if cmd.Flags().Changed("status-addr") {
				cfg.Status.Addr = statusAddr
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.Run(gctx) })
			if cfg.Status.Addr != "" {
				srv := statusapi.New(s, ix, logger.With("component", "statusapi"))
				srv.ResyncInterval = cfg.Status.Resync
				g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Status.Addr) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "reconcile every known job until terminal or waiting on another holder, then exit")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "do not maintain the SQLite index")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve the status API on this address (overrides status.addr)")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var (
		asJSON bool
		state  string
	)
	cmd := &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show one job, or a summary of every job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				job, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(a.stdout, job)
				}
				printJob(a.stdout, job)
				return nil
			}

			jobs, err := s.List()
			if err != nil {
				return err
			}
			if state != "" {
				want, err := store.ParseState(state)
				if err != nil {
					return err
				}
				filtered := jobs[:0]
				for _, job := range jobs {
					if job.State == want {
						filtered = append(filtered, job)
					}
				}
				jobs = filtered
			}
			if asJSON {
				if jobs == nil {
					jobs = []store.JobState{}
				}
				return writeJSON(a.stdout, jobs)
			}
			printJobTable(a.stdout, jobs, terminalWidth(a.stdout))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&state, "state", "", "only list jobs in this state")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	var (
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events <job_id>",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			jobID := args[0]
			events, err := s.Events(jobID, limit)
			if err != nil {
				return err
			}
			var last int64
			for _, event := range events {
				printEvent(a.stdout, event)
				last = event.Seq
			}
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return followEvents(ctx, s, jobID, last, cfg.Watch.PollInterval, a.stdout)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only print the last n events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until the job is terminal")
	return cmd
}

func followEvents(ctx context.Context, s *store.Store, jobID string, after int64, interval time.Duration, w io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := s.Events(jobID, 0)
		if err != nil {
			return err
		}
		for _, event := range events {
			if event.Seq > after {
				printEvent(w, event)
				after = event.Seq
			}
		}
		job, err := s.Get(jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
	}
}

func (a *app) cancelCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			if actor == "" {
				actor = "cli"
				if user := os.Getenv("USER"); user != "" {
					actor = "cli:" + user
				}
			}
			job, err := s.RequestCancel(args[0], actor)
			if err != nil {
				return err
			}
			if job.State.Cancellable() {
				fmt.Fprintf(a.stdout, "%s: cancel requested\n", job.JobID)
			} else {
				fmt.Fprintf(a.stdout, "%s: cancel queued; the %s attempt will finish first\n", job.JobID, job.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who asked for the cancel (recorded in the event log)")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <contract>...",
		Short: "Validate contract files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			invalid := 0
			for _, path := range args {
				c, err := contract.Load(path, cfg.SchemaVersions)
				if err != nil {
					invalid++
					fmt.Fprintf(a.stdout, "invalid %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(a.stdout, "ok %s job_id=%s lane=%s outputs=%d hash=%s\n", path, c.JobID, c.Lane, len(c.Outputs), c.Hash)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d contract(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func (a *app) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the SQLite index from the state directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			ix, err := index.Open(cfg.IndexPath())
			if err != nil {
				return err
			}
			defer ix.Close()
			n, err := ix.Rebuild(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "indexed %d job(s) into %s\n", n, cfg.IndexPath())
			return nil
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(a.stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "ralph %s\n", version)
		},
	}
}

func printOutcomes(w io.Writer, outcomes []reconciler.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tATTEMPTS\tNOTE")
	for _, o := range outcomes {
		note := ""
		switch {
		case o.LeaseHeld:
			note = "leased by another reconciler"
		case o.Skipped:
			note = "already terminal"
		case !o.RetryAt.IsZero():
			note = "retry at " + o.RetryAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", o.JobID, o.State, o.Attempts, note)
	}
	_ = tw.Flush()
}

func countFailed(outcomes []reconciler.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.State == store.StateFailed {
			n++
		}
	}
	return n
}

func printJob(w io.Writer, job store.JobState) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "job_id:\t%s\n", job.JobID)
	fmt.Fprintf(tw, "state:\t%s\n", job.State)
	fmt.Fprintf(tw, "attempts:\t%d/%d\n", job.AttemptCount, job.MaxAttempts)
	if job.Lane != contract.LaneUnset {
		fmt.Fprintf(tw, "lane:\t%s\n", job.Lane)
	}
	if job.LastErrorKind != "" {
		fmt.Fprintf(tw, "last_error:\t%s: %s\n", job.LastErrorKind, job.LastError)
	}
	if job.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", job.Reason)
	}
	if job.CancelRequested {
		fmt.Fprintf(tw, "cancel:\trequested\n")
	}
	if !job.NextAttemptAt.IsZero() {
		fmt.Fprintf(tw, "next_attempt_at:\t%s\n", job.NextAttemptAt.Format(time.RFC3339))
	}
	if job.Lease != nil {
		fmt.Fprintf(tw, "lease:\t%s until %s\n", job.Lease.Holder, job.Lease.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "updated_at:\t%s\n", job.UpdatedAt.Format(time.RFC3339))
	_ = tw.Flush()
}

// printJobTable writes a summary line and one row per job. Rows wider than
// width are clipped; width 0 leaves them whole.
func printJobTable(w io.Writer, jobs []store.JobState, width int) {
	counts := map[store.State]int{}
	for _, job := range jobs {
		counts[job.State]++
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "%d job(s)", len(jobs))
	for _, state := range states {
		fmt.Fprintf(w, " %s=%d", state, counts[store.State(state)])
	}
	fmt.Fprintln(w)
	if len(jobs) == 0 {
		return
	}
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tATTEMPTS\tLANE\tLAST ERROR\tUPDATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			job.JobID, job.State, job.AttemptCount, job.MaxAttempts, job.Lane.String(), job.LastErrorKind, job.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	clipLines(w, buf.String(), width)
}

func printEvent(w io.Writer, event store.LogEvent) {
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	fmt.Fprintf(w, "%4d %s %-18s %s %s\n", event.Seq, event.TS.Format(time.RFC3339Nano), event.Type, event.Holder, payload)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
