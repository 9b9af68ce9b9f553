// Package reconciler drives each job from PENDING to a terminal state.
//
// Every pass takes the job's lease, re-reads the persisted state and moves it
// one edge at a time through the store's compare-and-swap transitions, so a
// reconciler that crashes at any point leaves a state that the next holder
// can resume from. Worker side effects are bracketed by ledger entries; a
// replay consults the ledger before dispatching again.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/digest"
	"github.com/reelforge/ralph/internal/dispatch"
	"github.com/reelforge/ralph/internal/failure"
	"github.com/reelforge/ralph/internal/lineage"
	"github.com/reelforge/ralph/internal/store"
	"github.com/reelforge/ralph/internal/watcher"
)

const (
	maxSteps        = 32
	maxStaleRetries = 8
)

// Runner starts Worker attempts. *dispatch.Dispatcher implements it.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request, onStart func(pid int)) (dispatch.Result, error)
	OutputDir(jobID string) string
}

// Outcome is where a Reconcile pass left a job.
type Outcome struct {
	JobID    string
	State    store.State
	Attempts int
	// RetryAt is set when the job is waiting out a backoff.
	RetryAt time.Time
	// LeaseHeld means another reconciler owns the job right now.
	LeaseHeld bool
	// Skipped means a terminal job was observed again and left alone.
	Skipped bool
}

func (o Outcome) Terminal() bool {
	return o.State.Terminal()
}

type Reconciler struct {
	Store          *store.Store
	Runner         Runner
	Lineage        *lineage.Writer
	Classifier     failure.Classifier
	Policy         Policy
	SchemaVersions []string
	SharedInputs   []string
	LeaseTTL       time.Duration
	Holder         string
	Logger         *slog.Logger
	Now            func() time.Time
	Rand           func() float64

	JobsDir      string
	Watcher      *watcher.Poller
	Concurrency  int
	PollInterval time.Duration
}

// New returns a reconciler with default policy and a fresh holder id.
func New(s *store.Store, runner Runner, writer *lineage.Writer) *Reconciler {
	return &Reconciler{
		Store:          s,
		Runner:         runner,
		Lineage:        writer,
		Classifier:     failure.Classifier{Default: failure.KindTransientExecution},
		Policy:         DefaultPolicy(),
		SchemaVersions: []string{"1"},
		LeaseTTL:       30 * time.Second,
		Holder:         "ralph-" + s.NewID(),
		Now:            func() time.Time { return time.Now().UTC() },
		Rand:           rand.Float64,
		Concurrency:    1,
		PollInterval:   time.Second,
	}
}

// Reconcile advances jobID as far as it can go in one pass: to a terminal
// state, to a scheduled retry, or not at all when another holder owns it.
// contractPath is the Planner's contract file; when it has been removed the
// snapshot taken at validation is used.
func (r *Reconciler) Reconcile(ctx context.Context, jobID, contractPath string) (Outcome, error) {
	logger := r.logger().With("job_id", jobID, "holder", r.Holder)
	raw, err := os.ReadFile(contractPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Outcome{JobID: jobID}, fmt.Errorf("read contract: %w", err)
		}
		if _, getErr := r.Store.Get(jobID); getErr != nil {
			return Outcome{JobID: jobID}, fmt.Errorf("contract %s: %w", contractPath, err)
		}
		raw = nil
	}
	hash := ""
	if raw != nil {
		hash = digest.Bytes(raw)
	}

	state, created, err := r.Store.CreateIfAbsent(jobID, store.JobState{
		MaxAttempts:  r.Policy.MaxAttempts,
		ContractPath: contractPath,
	})
	if err != nil {
		return Outcome{JobID: jobID}, err
	}
	if created {
		logger.Info("job discovered", "contract", contractPath, "contract_hash", hash)
	}
	if state.State.Terminal() {
		return r.skipTerminal(state, hash)
	}

	_, previous, err := r.Store.AcquireLease(jobID, r.Holder, r.LeaseTTL)
	if err != nil {
		if store.IsLeaseHeld(err) {
			logger.Debug("lease held elsewhere", "err", err)
			return Outcome{JobID: jobID, State: state.State, Attempts: state.AttemptCount, LeaseHeld: true}, nil
		}
		return Outcome{JobID: jobID, State: state.State}, err
	}
	if previous != nil {
		logger.Warn("took over expired lease", "previous_holder", previous.Holder, "state", state.State, "attempt", state.AttemptCount)
	}

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := r.startHeartbeat(workCtx, jobID, cancel, logger)

	run := &jobRun{r: r, jobID: jobID, raw: raw, hash: hash, ctx: workCtx, cancel: cancel, logger: logger}
	outcome, err := run.drive()
	stopHeartbeat()

	if !errors.Is(err, store.ErrLeaseLost) && !errors.Is(context.Cause(workCtx), store.ErrLeaseLost) {
		if relErr := r.Store.ReleaseLease(jobID, r.Holder); relErr != nil && !errors.Is(relErr, store.ErrLeaseLost) {
			logger.Warn("release lease", "err", relErr)
		}
	}
	if err != nil {
		return outcome, err
	}
	logger.Info("reconciled", "state", outcome.State, "attempts", outcome.Attempts, "retry_at", outcome.RetryAt)
	return outcome, nil
}

// skipTerminal leaves a finished job alone. The first re-observation of each
// contract hash is recorded once; a missing failure record is rewritten.
func (r *Reconciler) skipTerminal(state store.JobState, hash string) (Outcome, error) {
	outcome := Outcome{JobID: state.JobID, State: state.State, Attempts: state.AttemptCount, Skipped: true}
	if state.State == store.StateFailed && r.Lineage != nil {
		var existing lineage.FailureRecord
		found, err := r.Store.ReadFailure(state.JobID, &existing)
		if err == nil && !found {
			if _, err := r.Lineage.Failed(state); err != nil {
				return outcome, err
			}
		}
	}
	if hash == "" {
		return outcome, nil
	}
	_, _, err := r.Store.AppendEventUnless(state.JobID, r.Holder, store.EventSkippedTerminal, map[string]any{
		"contract_hash": hash,
		"state":         string(state.State),
	}, func(event store.LogEvent) bool {
		if event.Type != store.EventSkippedTerminal {
			return false
		}
		var payload struct {
			ContractHash string `json:"contract_hash"`
		}
		return store.DecodePayload(event, &payload) == nil && payload.ContractHash == hash
	})
	return outcome, err
}

func (r *Reconciler) startHeartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc, logger *slog.Logger) func() {
	interval := r.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Store.RenewLease(jobID, r.Holder, r.LeaseTTL); err != nil {
					if errors.Is(err, store.ErrLeaseLost) {
						logger.Error("lease lost", "err", err)
						cancel(store.ErrLeaseLost)
						return
					}
					logger.Warn("renew lease", "err", err)
				}
			}
		}
	}()
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

func (r *Reconciler) rand() float64 {
	if r.Rand == nil {
		return rand.Float64()
	}
	return r.Rand()
}

// jobRun is one leased pass over a job.
type jobRun struct {
	r      *Reconciler
	jobID  string
	raw    []byte
	hash   string
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger
}

func (j *jobRun) drive() (Outcome, error) {
	if err := j.noteContractChange(); err != nil && !store.IsStale(err) {
		return Outcome{JobID: j.jobID}, err
	}
	stale := 0
	var last store.JobState
	for step := 0; step < maxSteps; step++ {
		if j.ctx.Err() != nil {
			return j.outcomeOf(last), interruption(j.ctx)
		}
		state, err := j.r.Store.Get(j.jobID)
		if err != nil {
			return j.outcomeOf(last), err
		}
		last = state
		done, err := j.step(state)
		switch {
		case store.IsStale(err):
			stale++
			if stale > maxStaleRetries {
				return j.outcomeOf(state), err
			}
			j.logger.Debug("state moved underneath us, re-reading", "err", err)
			continue
		case err != nil:
			return j.outcomeOf(state), err
		case done != nil:
			return *done, nil
		}
	}
	return j.outcomeOf(last), fmt.Errorf("job %s did not settle after %d steps", j.jobID, maxSteps)
}

func (j *jobRun) step(state store.JobState) (*Outcome, error) {
	if state.CancelRequested && state.State.Cancellable() {
		_, err := j.transition(state.State, store.StateCancelRequested, nil, map[string]any{"attempt": state.AttemptCount})
		return nil, err
	}
	switch state.State {
	case store.StatePending:
		_, err := j.transition(store.StatePending, store.StateValidating, nil, nil)
		return nil, err
	case store.StateValidating:
		return j.validate(state)
	case store.StateCancelRequested:
		return j.fail(store.StateCancelRequested, failure.KindCancelled, "cancel requested before dispatch", "cancelled")
	case store.StateDispatched:
		return nil, j.dispatch(state)
	case store.StateRendering:
		return nil, j.recoverRendering(state)
	case store.StateVerifying:
		return j.verify(state)
	case store.StateRetryScheduled:
		return j.retry(state)
	case store.StateSucceeded, store.StateFailed:
		out := j.outcomeOf(state)
		return &out, nil
	default:
		return nil, fmt.Errorf("job %s has unknown state %q", j.jobID, state.State)
	}
}

// noteContractChange records a Planner edit to a job that already validated
// a contract. The new content is validated before the next dispatch.
func (j *jobRun) noteContractChange() error {
	if j.hash == "" {
		return nil
	}
	state, err := j.r.Store.Get(j.jobID)
	if err != nil {
		return err
	}
	if state.State.Terminal() || state.ContractHash == "" || state.ContractHash == j.hash || state.PendingHash == j.hash {
		return nil
	}
	_, err = j.r.Store.Update(j.jobID, j.r.Holder, state.State, store.EventContractChanged, func(s *store.JobState) {
		s.PendingHash = j.hash
	}, map[string]any{"previous_hash": state.ContractHash, "contract_hash": j.hash})
	if err == nil {
		j.logger.Info("contract changed", "state", state.State, "contract_hash", j.hash)
	}
	return err
}

func (j *jobRun) validate(state store.JobState) (*Outcome, error) {
	raw := j.raw
	if raw == nil {
		data, err := os.ReadFile(j.r.Store.Paths(j.jobID).Contract)
		if err != nil {
			return j.fail(store.StateValidating, failure.KindSchemaValidation, "contract file is missing", "schema: $")
		}
		raw = data
	}
	c, err := contract.Validate(raw, j.jobID, j.r.SchemaVersions)
	if err != nil {
		return j.fail(store.StateValidating, failure.KindSchemaValidation, err.Error(), schemaReason(err))
	}
	if _, err := j.r.Store.SnapshotContract(j.jobID, raw); err != nil {
		return nil, err
	}
	_, err = j.transition(store.StateValidating, store.StateDispatched, func(s *store.JobState) {
		s.AttemptCount++
		s.ContractHash = c.Hash
		s.PendingHash = ""
		s.Lane = c.Lane
		s.NextAttemptAt = time.Time{}
	}, map[string]any{"attempt": state.AttemptCount + 1, "contract_hash": c.Hash, "lane": c.Lane.String()})
	return nil, err
}

func (j *jobRun) dispatch(state store.JobState) error {
	attempt := state.AttemptCount
	if exited, ok, err := j.exitedEntry(attempt); err != nil {
		return err
	} else if ok {
		_, err := j.transition(store.StateDispatched, store.StateRendering, nil, map[string]any{
			"attempt":   attempt,
			"recovered": "ledger",
			"exit_code": exited.ExitCode,
		})
		return err
	}

	paths := j.r.Store.Paths(j.jobID)
	started := j.r.now()
	inputs, inputErr := lineage.SnapshotInputs(j.r.SharedInputs)
	if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
		Attempt:   attempt,
		Outcome:   store.OutcomeStarted,
		Inputs:    inputs,
		LogPath:   paths.WorkerLogPath(attempt),
		StartedAt: started,
		Holder:    j.r.Holder,
	}); err != nil {
		return err
	}

	var (
		result      dispatch.Result
		dispatchErr error
		startErr    error
	)
	if inputErr != nil {
		dispatchErr = failure.Wrap(failure.KindTransientExecution, inputErr)
	} else {
		req := dispatch.Request{
			JobID:        j.jobID,
			Attempt:      attempt,
			ContractPath: paths.Contract,
			Lane:         state.Lane,
			OutputDir:    j.r.Runner.OutputDir(j.jobID),
			LogPath:      paths.WorkerLogPath(attempt),
		}
		result, dispatchErr = j.r.Runner.Dispatch(j.ctx, req, func(pid int) {
			if _, err := j.transition(store.StateDispatched, store.StateRendering, nil, map[string]any{
				"attempt":  attempt,
				"pid":      pid,
				"log_path": req.LogPath,
			}); err != nil {
				startErr = err
				j.cancel(err)
			}
		})
	}

	if errors.Is(dispatchErr, dispatch.ErrInterrupted) {
		cause := context.Cause(j.ctx)
		if startErr != nil || errors.Is(cause, store.ErrLeaseLost) {
			if startErr != nil {
				return startErr
			}
			return failure.Wrap(failure.KindLeaseLost, cause)
		}
		// Shutting down while still holding the lease: leave the attempt for
		// the next holder to recover.
		if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
			Attempt:    attempt,
			Outcome:    store.OutcomeAbandoned,
			Error:      dispatchErr.Error(),
			StartedAt:  result.StartedAt,
			FinishedAt: result.FinishedAt,
			Holder:     j.r.Holder,
		}); err != nil {
			j.logger.Warn("record abandoned attempt", "err", err)
		}
		return dispatchErr
	}
	if startErr != nil {
		return startErr
	}

	entry := store.LedgerEntry{
		Attempt:    attempt,
		Outcome:    store.OutcomeExited,
		TimedOut:   result.TimedOut,
		LogPath:    paths.WorkerLogPath(attempt),
		StartedAt:  started,
		FinishedAt: j.r.now(),
		Holder:     j.r.Holder,
	}
	if result.PID != 0 {
		code := result.ExitCode
		entry.ExitCode = &code
		entry.StartedAt = result.StartedAt
		entry.FinishedAt = result.FinishedAt
	}
	if dispatchErr != nil {
		entry.ErrorKind = failure.KindOf(dispatchErr, failure.KindTransientExecution)
		entry.Error = dispatchErr.Error()
	}
	if _, err := j.r.Store.RecordAttempt(j.jobID, entry); err != nil {
		return err
	}
	if _, err := j.r.Store.AppendEvent(j.jobID, j.r.Holder, store.EventWorkerExited, map[string]any{
		"attempt":     attempt,
		"pid":         result.PID,
		"exit_code":   entry.ExitCode,
		"timed_out":   result.TimedOut,
		"error":       entry.Error,
		"duration_ms": entry.FinishedAt.Sub(entry.StartedAt).Milliseconds(),
	}); err != nil {
		return err
	}
	if result.PID == 0 {
		// The Worker never started, so onStart did not move the job.
		_, err := j.transition(store.StateDispatched, store.StateRendering, nil, map[string]any{
			"attempt":      attempt,
			"start_failed": entry.Error,
		})
		return err
	}
	return nil
}

// recoverRendering handles a job found in RENDERING, either right after our
// own Worker exited or after taking over from a holder that died mid-attempt.
func (j *jobRun) recoverRendering(state store.JobState) error {
	attempt := state.AttemptCount
	exited, ok, err := j.exitedEntry(attempt)
	if err != nil {
		return err
	}
	if ok {
		_, err := j.transition(store.StateRendering, store.StateVerifying, nil, map[string]any{
			"attempt":   attempt,
			"exit_code": exited.ExitCode,
			"timed_out": exited.TimedOut,
		})
		return err
	}
	last, _, err := j.r.Store.LastOutcome(j.jobID, attempt)
	if err != nil {
		return err
	}
	if last.Outcome == store.OutcomeAbandoned {
		_, err := j.transition(store.StateRendering, store.StateVerifying, nil, map[string]any{
			"attempt":   attempt,
			"abandoned": true,
		})
		return err
	}

	// The previous holder died without recording an exit. Complete outputs
	// mean the Worker finished; anything less is abandoned.
	c, loadErr := j.loadSnapshot()
	if loadErr == nil && lineage.OutputsPresent(c, j.r.Runner.OutputDir(j.jobID)) {
		code := 0
		now := j.r.now()
		if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
			Attempt:    attempt,
			Outcome:    store.OutcomeExited,
			ExitCode:   &code,
			FinishedAt: now,
			Holder:     j.r.Holder,
		}); err != nil {
			return err
		}
		j.logger.Info("recovered attempt from outputs", "attempt", attempt)
		_, err := j.transition(store.StateRendering, store.StateVerifying, nil, map[string]any{
			"attempt":   attempt,
			"recovered": "outputs_present",
		})
		return err
	}

	if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
		Attempt:    attempt,
		Outcome:    store.OutcomeAbandoned,
		Error:      "worker lost before exit was recorded",
		FinishedAt: j.r.now(),
		Holder:     j.r.Holder,
	}); err != nil {
		return err
	}
	if _, err := j.r.Store.AppendEvent(j.jobID, j.r.Holder, store.EventAttemptAbandoned, map[string]any{"attempt": attempt}); err != nil {
		return err
	}
	j.logger.Warn("abandoned attempt with no recorded exit", "attempt", attempt)
	_, err = j.transition(store.StateRendering, store.StateVerifying, nil, map[string]any{
		"attempt":   attempt,
		"abandoned": true,
	})
	return err
}

func (j *jobRun) verify(state store.JobState) (*Outcome, error) {
	attempt := state.AttemptCount
	last, ok, err := j.r.Store.LastOutcome(j.jobID, attempt)
	if err != nil {
		return nil, err
	}
	exited, hasExit, err := j.exitedEntry(attempt)
	if err != nil {
		return nil, err
	}
	if !ok || !hasExit || last.Outcome == store.OutcomeAbandoned {
		if state.CancelRequested {
			return j.fail(store.StateVerifying, failure.KindCancelled, "cancel requested during attempt", "cancelled")
		}
		_, err := j.transition(store.StateVerifying, store.StateRetryScheduled, func(s *store.JobState) {
			if s.AttemptCount > 0 {
				s.AttemptCount--
			}
			s.NextAttemptAt = j.r.now()
			s.LastBackoffMS = 0
			s.Reason = "attempt abandoned"
		}, map[string]any{"attempt": attempt, "abandoned": true, "delay_ms": 0})
		return nil, err
	}

	kind, cause := j.classify(exited)
	if state.CancelRequested {
		return j.fail(store.StateVerifying, failure.KindCancelled, "cancel requested during attempt", "cancelled")
	}
	if kind == failure.KindNone {
		out, err := j.succeed(state, attempt)
		if err == nil {
			return out, nil
		}
		if store.IsStale(err) || errors.Is(err, store.ErrLeaseLost) {
			return nil, err
		}
		kind = failure.KindOf(err, failure.KindTransientExecution)
		cause = err.Error()
	}

	maxAttempts := state.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = j.r.Policy.MaxAttempts
	}
	if !failure.Retryable(kind) {
		return j.fail(store.StateVerifying, kind, cause, "non-retryable failure")
	}
	if state.AttemptCount >= maxAttempts {
		return j.fail(store.StateVerifying, kind, cause, "max attempts exhausted")
	}
	delay := Backoff(j.r.Policy, state.AttemptCount, kind, j.r.rand())
	retryAt := j.r.now().Add(delay)
	_, err = j.transition(store.StateVerifying, store.StateRetryScheduled, func(s *store.JobState) {
		s.LastErrorKind = kind
		s.LastError = cause
		s.Reason = ""
		s.NextAttemptAt = retryAt
		s.LastBackoffMS = delay.Milliseconds()
	}, map[string]any{"attempt": attempt, "error_kind": string(kind), "delay_ms": delay.Milliseconds()})
	if err == nil {
		j.logger.Info("retry scheduled", "attempt", attempt, "error_kind", kind, "delay", delay)
	}
	return nil, err
}

func (j *jobRun) succeed(state store.JobState, attempt int) (*Outcome, error) {
	c, err := j.loadSnapshot()
	if err != nil {
		return nil, err
	}
	outputs, err := lineage.Verify(c, j.r.Runner.OutputDir(j.jobID))
	if err != nil {
		return nil, err
	}
	var inputs []digest.FileDigest
	if started, ok, err := j.ledgerEntry(attempt, store.OutcomeStarted); err != nil {
		return nil, err
	} else if ok {
		inputs = started.Inputs
	}
	manifest, err := j.r.Lineage.Succeeded(state, c, outputs, inputs)
	if err != nil {
		return nil, err
	}
	if _, err := j.r.Store.AppendEvent(j.jobID, j.r.Holder, store.EventManifestWritten, map[string]any{
		"outputs": len(manifest.Outputs),
		"inputs":  len(manifest.Inputs),
	}); err != nil {
		return nil, err
	}
	if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
		Attempt:    attempt,
		Outcome:    store.OutcomeSucceeded,
		FinishedAt: j.r.now(),
		Holder:     j.r.Holder,
	}); err != nil {
		return nil, err
	}
	next, err := j.transition(store.StateVerifying, store.StateSucceeded, func(s *store.JobState) {
		s.LastErrorKind = failure.KindNone
		s.LastError = ""
		s.Reason = ""
		s.NextAttemptAt = time.Time{}
	}, map[string]any{"attempt": attempt, "outputs": len(manifest.Outputs)})
	if err != nil {
		return nil, err
	}
	out := j.outcomeOf(next)
	return &out, nil
}

func (j *jobRun) retry(state store.JobState) (*Outcome, error) {
	if state.CancelRequested {
		return j.fail(store.StateRetryScheduled, failure.KindCancelled, "cancel requested while waiting to retry", "cancelled")
	}
	if now := j.r.now(); now.Before(state.NextAttemptAt) {
		out := j.outcomeOf(state)
		out.RetryAt = state.NextAttemptAt
		return &out, nil
	}
	maxAttempts := state.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = j.r.Policy.MaxAttempts
	}
	if state.AttemptCount >= maxAttempts {
		kind := state.LastErrorKind
		if kind == failure.KindNone {
			kind = failure.KindTransientExecution
		}
		return j.fail(store.StateRetryScheduled, kind, state.LastError, "max attempts exhausted")
	}

	hash, lane := state.ContractHash, state.Lane
	if j.raw != nil && j.hash != state.ContractHash {
		c, err := contract.Validate(j.raw, j.jobID, j.r.SchemaVersions)
		if err != nil {
			return j.fail(store.StateRetryScheduled, failure.KindSchemaValidation, err.Error(), schemaReason(err))
		}
		if _, err := j.r.Store.SnapshotContract(j.jobID, j.raw); err != nil {
			return nil, err
		}
		hash, lane = c.Hash, c.Lane
		j.logger.Info("revalidated changed contract", "contract_hash", hash)
	}
	_, err := j.transition(store.StateRetryScheduled, store.StateDispatched, func(s *store.JobState) {
		s.AttemptCount++
		s.ContractHash = hash
		s.PendingHash = ""
		s.Lane = lane
		s.NextAttemptAt = time.Time{}
	}, map[string]any{"attempt": state.AttemptCount + 1, "contract_hash": hash})
	return nil, err
}

// fail moves the job to FAILED and writes its failure record.
func (j *jobRun) fail(from store.State, kind failure.Kind, cause, reason string) (*Outcome, error) {
	next, err := j.transition(from, store.StateFailed, func(s *store.JobState) {
		s.LastErrorKind = kind
		s.LastError = cause
		s.Reason = reason
		s.NextAttemptAt = time.Time{}
	}, map[string]any{"error_kind": string(kind), "reason": reason})
	if err != nil {
		return nil, err
	}
	j.logger.Warn("job failed", "error_kind", kind, "reason", reason, "error", cause, "attempts", next.AttemptCount)
	if next.AttemptCount > 0 {
		if _, err := j.r.Store.RecordAttempt(j.jobID, store.LedgerEntry{
			Attempt:    next.AttemptCount,
			Outcome:    store.OutcomeFailed,
			ErrorKind:  kind,
			Error:      cause,
			FinishedAt: j.r.now(),
			Holder:     j.r.Holder,
		}); err != nil {
			j.logger.Warn("record failed attempt", "err", err)
		}
	}
	out := j.outcomeOf(next)
	if j.r.Lineage != nil {
		if _, err := j.r.Lineage.Failed(next); err != nil {
			return &out, fmt.Errorf("write failure record: %w", err)
		}
		if _, err := j.r.Store.AppendEvent(j.jobID, j.r.Holder, store.EventFailureWritten, map[string]any{"error_kind": string(kind)}); err != nil {
			return &out, err
		}
	}
	return &out, nil
}

func (j *jobRun) transition(from, to store.State, patch func(*store.JobState), details map[string]any) (store.JobState, error) {
	next, err := j.r.Store.Transition(j.jobID, j.r.Holder, from, to, patch, details)
	if err != nil {
		return store.JobState{}, err
	}
	j.logger.Debug("transition", "from", from, "to", to, "attempt", next.AttemptCount)
	return next, nil
}

// classify maps an exited ledger entry to a failure kind. KindNone means the
// Worker exited 0 and its outputs still need verifying.
func (j *jobRun) classify(entry store.LedgerEntry) (failure.Kind, string) {
	switch {
	case entry.TimedOut:
		return failure.KindTimeout, "worker timed out"
	case entry.ErrorKind != failure.KindNone:
		return entry.ErrorKind, entry.Error
	case entry.ExitCode == nil:
		return failure.KindTransientExecution, "worker exit code unknown"
	case *entry.ExitCode == 0:
		return failure.KindNone, ""
	default:
		code := *entry.ExitCode
		return j.r.Classifier.ClassifyExit(code), fmt.Sprintf("worker exited with code %d", code)
	}
}

func (j *jobRun) exitedEntry(attempt int) (store.LedgerEntry, bool, error) {
	return j.ledgerEntry(attempt, store.OutcomeExited)
}

// ledgerEntry returns the newest entry for attempt with the given outcome,
// ignoring entries written before the attempt was last abandoned.
func (j *jobRun) ledgerEntry(attempt int, outcome string) (store.LedgerEntry, bool, error) {
	entries, err := j.r.Store.Ledger(j.jobID)
	if err != nil {
		return store.LedgerEntry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Attempt != attempt {
			continue
		}
		if entry.Outcome == outcome {
			return entry, true, nil
		}
		if entry.Outcome == store.OutcomeAbandoned && outcome != store.OutcomeAbandoned {
			return store.LedgerEntry{}, false, nil
		}
	}
	return store.LedgerEntry{}, false, nil
}

func (j *jobRun) loadSnapshot() (contract.JobContract, error) {
	data, err := os.ReadFile(j.r.Store.Paths(j.jobID).Contract)
	if err != nil {
		return contract.JobContract{}, failure.Wrap(failure.KindSchemaValidation, fmt.Errorf("read contract snapshot: %w", err))
	}
	return contract.Validate(data, j.jobID, j.r.SchemaVersions)
}

func (j *jobRun) outcomeOf(state store.JobState) Outcome {
	return Outcome{JobID: j.jobID, State: state.State, Attempts: state.AttemptCount}
}

func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, store.ErrLeaseLost) {
		return failure.Wrap(failure.KindLeaseLost, cause)
	}
	return cause
}

func schemaReason(err error) string {
	var verr *contract.SchemaValidationError
	if errors.As(err, &verr) {
		return "schema: " + verr.Field
	}
	return "schema"
}
