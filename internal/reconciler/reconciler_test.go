package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reelforge/ralph/internal/dispatch"
	"github.com/reelforge/ralph/internal/dispatch/dispatchtest"
	"github.com/reelforge/ralph/internal/failure"
	"github.com/reelforge/ralph/internal/lineage"
	"github.com/reelforge/ralph/internal/store"
)

func TestWorkerHelperProcess(t *testing.T) {
	dispatchtest.Main()
}

const validContract = `{"job_id":"%s","schema_version":"1","lane":"B","outputs":["video.mp4","captions/en.srt"],"brief":{"topic":"otters"}}`

type harness struct {
	t         *testing.T
	jobsDir   string
	stateDir  string
	outputDir string
	counter   string
	store     *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		t:         t,
		jobsDir:   filepath.Join(root, "jobs"),
		stateDir:  filepath.Join(root, "state"),
		outputDir: filepath.Join(root, "output"),
		counter:   filepath.Join(root, "invocations"),
	}
	if err := os.MkdirAll(h.jobsDir, 0o755); err != nil {
		t.Fatalf("mkdir jobs: %v", err)
	}
	h.store = h.openStore()
	return h
}

func (h *harness) openStore() *store.Store {
	h.t.Helper()
	s, err := store.Open(h.stateDir)
	if err != nil {
		h.t.Fatalf("store.Open: %v", err)
	}
	return s
}

func (h *harness) writeContract(jobID, body string) string {
	h.t.Helper()
	path := filepath.Join(h.jobsDir, jobID+".json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		h.t.Fatalf("write contract: %v", err)
	}
	return path
}

func (h *harness) reconciler(s *store.Store, mode string, extra map[string]string) *Reconciler {
	h.t.Helper()
	exe, args := dispatchtest.Command(h.t)
	env := dispatchtest.Env(mode, extra)
	env[dispatchtest.EnvCounter] = h.counter
	d := &dispatch.Dispatcher{
		Command:    exe,
		Args:       args,
		Env:        env,
		Timeout:    10 * time.Second,
		StopGrace:  100 * time.Millisecond,
		OutputRoot: h.outputDir,
	}
	r := New(s, d, lineage.NewWriter(s, map[string]string{"ralph": "test"}))
	r.Policy = Policy{MaxAttempts: 3, Base: 20 * time.Millisecond, Ceiling: time.Second, Jitter: 0, ResourceMultiplier: 2}
	r.Classifier = failure.Classifier{
		Transient: []int{75},
		Fatal:     []int{2},
		Resource:  []int{69},
		Default:   failure.KindTransientExecution,
	}
	r.LeaseTTL = 2 * time.Second
	r.JobsDir = h.jobsDir
	r.PollInterval = 10 * time.Millisecond
	r.Rand = func() float64 { return 0 }
	return r
}

func (h *harness) invocations() int {
	return dispatchtest.Invocations(h.counter)
}

func (h *harness) state(jobID string) store.JobState {
	h.t.Helper()
	state, err := h.store.Get(jobID)
	if err != nil {
		h.t.Fatalf("Get %s: %v", jobID, err)
	}
	return state
}

func (h *harness) events(jobID, eventType string) []store.LogEvent {
	h.t.Helper()
	events, err := h.store.Events(jobID, 0)
	if err != nil {
		h.t.Fatalf("Events %s: %v", jobID, err)
	}
	var out []store.LogEvent
	for _, event := range events {
		if eventType == "" || event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func contractFor(jobID string) string {
	return fmt.Sprintf(validContract, jobID)
}

func runOnce(t *testing.T, r *Reconciler) []Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcomes, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return outcomes
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScenario_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-ok", contractFor("job-ok"))
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)

	outcomes := runOnce(t, r)
	if len(outcomes) != 1 || outcomes[0].State != store.StateSucceeded {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	state := h.state("job-ok")
	if state.AttemptCount != 1 || state.Lane != "B" || state.Lease != nil {
		t.Fatalf("unexpected final state: %+v", state)
	}
	if n := len(h.events("job-ok", string(store.StateDispatched))); n != 1 {
		t.Fatalf("expected exactly one DISPATCHED event, got %d", n)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected one worker invocation, got %d", h.invocations())
	}

	var manifest lineage.Manifest
	found, err := h.store.ReadManifest("job-ok", &manifest)
	if err != nil || !found {
		t.Fatalf("ReadManifest: found=%v err=%v", found, err)
	}
	if len(manifest.Outputs) != 2 || manifest.Outputs[0].Path != "video.mp4" || manifest.Outputs[0].SHA256 == "" || manifest.Outputs[0].Bytes == 0 {
		t.Fatalf("unexpected manifest outputs: %+v", manifest.Outputs)
	}
	if manifest.ContractHash != state.ContractHash || manifest.Lane != "B" || manifest.ToolVersions["ralph"] != "test" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if len(manifest.Timings.Attempts) != 1 || manifest.Timings.Attempts[0].ExitCode == nil {
		t.Fatalf("unexpected attempt history: %+v", manifest.Timings.Attempts)
	}
	if _, err := os.Stat(filepath.Join(h.stateDir, "job-ok", "worker-1.log")); err != nil {
		t.Fatalf("expected worker log: %v", err)
	}
}

func TestScenario_BogusSchemaFailsWithoutDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-bogus", `{"schema_version":"bogus","outputs":["video.mp4"]}`)
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)

	runOnce(t, r)
	state := h.state("job-bogus")
	if state.State != store.StateFailed || state.LastErrorKind != failure.KindSchemaValidation {
		t.Fatalf("expected FAILED SchemaValidationError, got %+v", state)
	}
	if state.Reason != "schema: schema_version" {
		t.Fatalf("unexpected reason %q", state.Reason)
	}
	if n := len(h.events("job-bogus", string(store.StateDispatched))); n != 0 {
		t.Fatalf("expected no DISPATCHED events, got %d", n)
	}
	if h.invocations() != 0 {
		t.Fatalf("worker must not run for an invalid contract")
	}
	var record lineage.FailureRecord
	if found, err := h.store.ReadFailure("job-bogus", &record); err != nil || !found {
		t.Fatalf("expected failure record: found=%v err=%v", found, err)
	}
}

func TestScenario_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-flaky", contractFor("job-flaky"))
	r := h.reconciler(h.store, dispatchtest.ModeFlaky, map[string]string{
		dispatchtest.EnvExitCode: "75",
		dispatchtest.EnvFailures: "2",
	})

	runOnce(t, r)
	state := h.state("job-flaky")
	if state.State != store.StateSucceeded || state.AttemptCount != 3 {
		t.Fatalf("expected SUCCEEDED after 3 attempts, got %+v", state)
	}
	retries := h.events("job-flaky", string(store.StateRetryScheduled))
	if len(retries) != 2 {
		t.Fatalf("expected two RETRY_SCHEDULED events, got %d", len(retries))
	}
	var delays []int64
	for _, event := range retries {
		var payload struct {
			DelayMS   int64  `json:"delay_ms"`
			ErrorKind string `json:"error_kind"`
		}
		if err := store.DecodePayload(event, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.ErrorKind != string(failure.KindTransientExecution) {
			t.Fatalf("unexpected error kind %q", payload.ErrorKind)
		}
		delays = append(delays, payload.DelayMS)
	}
	if !(delays[0] > 0 && delays[1] > delays[0]) {
		t.Fatalf("expected increasing backoff delays, got %v", delays)
	}
	if h.invocations() != 3 {
		t.Fatalf("expected 3 invocations, got %d", h.invocations())
	}
}

func TestScenario_FatalShortCircuits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-fatal", contractFor("job-fatal"))
	r := h.reconciler(h.store, dispatchtest.ModeExit, map[string]string{dispatchtest.EnvExitCode: "2"})

	runOnce(t, r)
	state := h.state("job-fatal")
	if state.State != store.StateFailed || state.LastErrorKind != failure.KindFatalRender || state.AttemptCount != 1 {
		t.Fatalf("expected FAILED FatalRenderError after 1 attempt, got %+v", state)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected one invocation, got %d", h.invocations())
	}
	var record lineage.FailureRecord
	if _, err := h.store.ReadFailure("job-fatal", &record); err != nil {
		t.Fatalf("ReadFailure: %v", err)
	}
	if record.LastErrorKind != failure.KindFatalRender || len(record.Attempts) != 1 {
		t.Fatalf("unexpected failure record: %+v", record)
	}
}

func TestScenario_TransientExhaustsAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-exhaust", contractFor("job-exhaust"))
	r := h.reconciler(h.store, dispatchtest.ModeExit, map[string]string{dispatchtest.EnvExitCode: "75"})

	runOnce(t, r)
	state := h.state("job-exhaust")
	if state.State != store.StateFailed || state.AttemptCount != 3 || state.Reason != "max attempts exhausted" {
		t.Fatalf("expected FAILED after 3 attempts, got %+v", state)
	}
	if state.LastErrorKind != failure.KindTransientExecution {
		t.Fatalf("unexpected error kind %s", state.LastErrorKind)
	}
	if h.invocations() != 3 {
		t.Fatalf("expected 3 invocations, got %d", h.invocations())
	}
}

func TestScenario_MissingOutputsRetryThenFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-empty", contractFor("job-empty"))
	r := h.reconciler(h.store, dispatchtest.ModeNoOutput, nil)
	r.Policy.MaxAttempts = 2

	runOnce(t, r)
	state := h.state("job-empty")
	if state.State != store.StateFailed || state.LastErrorKind != failure.KindTransientExecution || state.AttemptCount != 2 {
		t.Fatalf("expected verification failures to exhaust attempts, got %+v", state)
	}
}

func TestScenario_TwoReconcilersOneDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-race", contractFor("job-race"))
	extra := map[string]string{dispatchtest.EnvSleep: "500ms"}
	first := h.reconciler(h.openStore(), dispatchtest.ModeSleep, extra)
	second := h.reconciler(h.openStore(), dispatchtest.ModeSleep, extra)
	if first.Holder == second.Holder {
		t.Fatalf("reconcilers must have distinct holders")
	}

	var (
		wg       sync.WaitGroup
		outcomes [2]Outcome
		errs     [2]error
	)
	for i, r := range []*Reconciler{first, second} {
		wg.Add(1)
		go func(i int, r *Reconciler) {
			defer wg.Done()
			outcomes[i], errs[i] = r.Reconcile(context.Background(), "job-race", path)
		}(i, r)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("reconciler %d: %v", i, err)
		}
	}
	for _, outcome := range outcomes {
		if !outcome.LeaseHeld && outcome.State != store.StateSucceeded {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	}
	if state := h.state("job-race"); state.State != store.StateSucceeded || state.AttemptCount != 1 {
		t.Fatalf("expected SUCCEEDED after one attempt, got %+v", state)
	}
	if n := len(h.events("job-race", string(store.StateDispatched))); n != 1 {
		t.Fatalf("expected one DISPATCHED event, got %d", n)
	}
	if n := len(h.events("job-race", string(store.StateRendering))); n != 1 {
		t.Fatalf("expected one RENDERING event, got %d", n)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected one worker invocation, got %d", h.invocations())
	}
}

func TestScenario_CancelWhilePending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-cancel", contractFor("job-cancel"))
	if _, _, err := h.store.CreateIfAbsent("job-cancel", store.JobState{MaxAttempts: 3, ContractPath: path}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	queued, err := h.store.RequestCancel("job-cancel", "operator")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if queued.State != store.StatePending || !queued.CancelRequested {
		t.Fatalf("cancel must only flag the job, got %+v", queued)
	}
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)

	runOnce(t, r)
	state := h.state("job-cancel")
	if state.State != store.StateFailed || state.LastErrorKind != failure.KindCancelled || state.AttemptCount != 0 {
		t.Fatalf("expected FAILED Cancelled with no attempts, got %+v", state)
	}
	applied := h.events("job-cancel", string(store.StateCancelRequested))
	if len(applied) != 1 || applied[0].Holder != r.Holder {
		t.Fatalf("expected the lease holder to apply the cancel once, got %+v", applied)
	}
	if h.invocations() != 0 {
		t.Fatalf("worker must not run for a cancelled job")
	}
}

func TestScenario_CancelWhileRendering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.writeContract("job-late-cancel", contractFor("job-late-cancel"))
	r := h.reconciler(h.store, dispatchtest.ModeSleep, map[string]string{dispatchtest.EnvSleep: "400ms"})

	done := make(chan []Outcome, 1)
	go func() { done <- runOnce(t, r) }()

	waitUntil(t, 10*time.Second, func() bool {
		state, err := h.store.Get("job-late-cancel")
		return err == nil && state.State == store.StateRendering
	})
	state, err := h.store.RequestCancel("job-late-cancel", "operator")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if state.State != store.StateRendering || !state.CancelRequested {
		t.Fatalf("cancel must not interrupt rendering: %+v", state)
	}

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatalf("RunOnce did not finish")
	}
	final := h.state("job-late-cancel")
	if final.State != store.StateFailed || final.LastErrorKind != failure.KindCancelled || final.Reason != "cancelled" {
		t.Fatalf("expected FAILED Cancelled after the attempt, got %+v", final)
	}
	if _, err := os.Stat(filepath.Join(h.outputDir, "job-late-cancel", "video.mp4")); err != nil {
		t.Fatalf("expected the attempt to run to completion: %v", err)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected one invocation, got %d", h.invocations())
	}
}

func TestReobservingTerminalJobIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-idem", contractFor("job-idem"))
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)
	runOnce(t, r)
	before := len(h.events("job-idem", ""))

	for i := 0; i < 3; i++ {
		outcome, err := r.Reconcile(context.Background(), "job-idem", path)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if !outcome.Skipped || outcome.State != store.StateSucceeded {
			t.Fatalf("expected skipped terminal outcome, got %+v", outcome)
		}
	}
	runOnce(t, h.reconciler(h.openStore(), dispatchtest.ModeSucceed, nil))

	after := h.events("job-idem", "")
	if len(after) != before+1 || after[len(after)-1].Type != store.EventSkippedTerminal {
		t.Fatalf("expected a single skip marker, got %d new events", len(after)-before)
	}
	if h.invocations() != 1 {
		t.Fatalf("terminal job was dispatched again: %d invocations", h.invocations())
	}
	if err := store.ValidateSequence(after); err != nil {
		t.Fatalf("log sequence invalid: %v", err)
	}
}

func TestContractChangeRevalidatesBeforeRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-edit", contractFor("job-edit"))
	r := h.reconciler(h.store, dispatchtest.ModeExit, map[string]string{dispatchtest.EnvExitCode: "75"})
	r.Policy.Base = time.Hour
	r.Policy.Ceiling = time.Hour

	outcome, err := r.Reconcile(context.Background(), "job-edit", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.State != store.StateRetryScheduled || outcome.RetryAt.IsZero() {
		t.Fatalf("expected a scheduled retry, got %+v", outcome)
	}

	h.writeContract("job-edit", `{"job_id":"job-edit","schema_version":"9","outputs":["video.mp4"]}`)
	r.Now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := r.Reconcile(context.Background(), "job-edit", path); err != nil {
		t.Fatalf("Reconcile after edit: %v", err)
	}
	state := h.state("job-edit")
	if state.State != store.StateFailed || state.LastErrorKind != failure.KindSchemaValidation {
		t.Fatalf("expected changed contract to fail validation, got %+v", state)
	}
	if n := len(h.events("job-edit", store.EventContractChanged)); n != 1 {
		t.Fatalf("expected one contract_changed event, got %d", n)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected no dispatch after the invalid edit, got %d", h.invocations())
	}
}

// crashMidRender leaves job-crash in RENDERING under an expired lease, as if
// the reconciler that dispatched it had been killed.
func crashMidRender(t *testing.T, h *harness) string {
	t.Helper()
	path := h.writeContract("job-crash", contractFor("job-crash"))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read contract: %v", err)
	}
	s := h.store
	if _, _, err := s.CreateIfAbsent("job-crash", store.JobState{MaxAttempts: 3, ContractPath: path}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if _, _, err := s.AcquireLease("job-crash", "dead-holder", 500*time.Millisecond); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if _, err := s.SnapshotContract("job-crash", raw); err != nil {
		t.Fatalf("SnapshotContract: %v", err)
	}
	steps := []struct {
		from, to store.State
		patch func(*store.JobState)
	}{
		{store.StatePending, store.StateValidating, nil},
		{store.StateValidating, store.StateDispatched, func(st *store.JobState) { st.AttemptCount = 1 }},
		{store.StateDispatched, store.StateRendering, nil},
	}
	for _, step := range steps {
		if _, err := s.Transition("job-crash", "dead-holder", step.from, step.to, step.patch, nil); err != nil {
			t.Fatalf("Transition %s->%s: %v", step.from, step.to, err)
		}
	}
	if _, err := s.RecordAttempt("job-crash", store.LedgerEntry{Attempt: 1, Outcome: store.OutcomeStarted, Holder: "dead-holder"}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	return path
}

func TestCrashRecovery_CompleteOutputsAreNotRedone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := crashMidRender(t, h)
	for _, rel := range []string{"video.mp4", "captions/en.srt"} {
		out := filepath.Join(h.outputDir, "job-crash", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(out, []byte("done"), 0o644); err != nil {
			t.Fatalf("write output: %v", err)
		}
	}

	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)
	outcome, err := r.Reconcile(context.Background(), "job-crash", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.State != store.StateSucceeded || outcome.Attempts != 1 {
		t.Fatalf("expected recovery to SUCCEEDED in 1 attempt, got %+v", outcome)
	}
	if h.invocations() != 0 {
		t.Fatalf("completed attempt was dispatched again")
	}
	if n := len(h.events("job-crash", store.EventLeaseStolen)); n != 1 {
		t.Fatalf("expected lease_stolen event, got %d", n)
	}
}

func TestCrashRecovery_IncompleteAttemptIsNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := crashMidRender(t, h)

	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)
	outcome, err := r.Reconcile(context.Background(), "job-crash", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.State != store.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %+v", outcome)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("abandoned attempt must not count, got attempt_count %d", outcome.Attempts)
	}
	if h.invocations() != 1 {
		t.Fatalf("expected one re-dispatch, got %d", h.invocations())
	}
	if n := len(h.events("job-crash", store.EventAttemptAbandoned)); n != 1 {
		t.Fatalf("expected attempt_abandoned event, got %d", n)
	}
}

func TestShutdownMidRenderIsRecoveredOnRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-stop", contractFor("job-stop"))
	sleeper := h.reconciler(h.store, dispatchtest.ModeSleep, map[string]string{dispatchtest.EnvSleep: "20s"})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := sleeper.Reconcile(ctx, "job-stop", path)
		errc <- err
	}()
	waitUntil(t, 10*time.Second, func() bool {
		state, err := h.store.Get("job-stop")
		return err == nil && state.State == store.StateRendering
	})
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, dispatch.ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Reconcile did not return after cancel")
	}
	if _, ok, err := h.store.ReadLease("job-stop"); err != nil || ok {
		t.Fatalf("expected lease to be released on shutdown, ok=%v err=%v", ok, err)
	}

	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)
	outcome, err := r.Reconcile(context.Background(), "job-stop", path)
	if err != nil {
		t.Fatalf("Reconcile after restart: %v", err)
	}
	if outcome.State != store.StateSucceeded || outcome.Attempts != 1 {
		t.Fatalf("expected SUCCEEDED with the interrupted attempt uncounted, got %+v", outcome)
	}
}

func TestRun_ProcessesNewContracts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)
	r.Concurrency = 2

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	h.writeContract("job-run-a", contractFor("job-run-a"))
	h.writeContract("job-run-b", contractFor("job-run-b"))
	waitUntil(t, 20*time.Second, func() bool {
		a, errA := h.store.Get("job-run-a")
		b, errB := h.store.Get("job-run-b")
		return errA == nil && errB == nil && a.State == store.StateSucceeded && b.State == store.StateSucceeded
	})
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if h.invocations() != 2 {
		t.Fatalf("expected two invocations, got %d", h.invocations())
	}
}

func TestWorkerTimeoutSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-slow", contractFor("job-slow"))
	r := h.reconciler(h.store, dispatchtest.ModeSleep, map[string]string{dispatchtest.EnvSleep: "20s"})
	r.Runner.(*dispatch.Dispatcher).Timeout = 200 * time.Millisecond
	now := time.Now().UTC()
	r.Now = func() time.Time { return now }

	outcome, err := r.Reconcile(context.Background(), "job-slow", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.State != store.StateRetryScheduled || outcome.RetryAt.IsZero() {
		t.Fatalf("expected a scheduled retry, got %+v", outcome)
	}
	state := h.state("job-slow")
	if state.LastErrorKind != failure.KindTimeout || state.AttemptCount != 1 {
		t.Fatalf("expected TimeoutError after one attempt, got %+v", state)
	}
	entries, err := h.store.Ledger("job-slow")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	timedOut := false
	for _, entry := range entries {
		if entry.Outcome == store.OutcomeExited && entry.TimedOut {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("expected a timed-out exit in the ledger: %+v", entries)
	}
	if _, err := os.Stat(filepath.Join(h.outputDir, "job-slow", "video.mp4")); !os.IsNotExist(err) {
		t.Fatalf("timed-out worker must not have finished its outputs: %v", err)
	}
}

func TestResourceExhaustionBacksOffLonger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-quota", contractFor("job-quota"))
	r := h.reconciler(h.store, dispatchtest.ModeExit, map[string]string{dispatchtest.EnvExitCode: "69"})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }

	outcome, err := r.Reconcile(context.Background(), "job-quota", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := Backoff(r.Policy, 1, failure.KindResourceExhaustion, 0)
	if transient := Backoff(r.Policy, 1, failure.KindTransientExecution, 0); want != 2*transient {
		t.Fatalf("resource backoff %s should be twice the transient %s", want, transient)
	}
	if outcome.State != store.StateRetryScheduled || !outcome.RetryAt.Equal(now.Add(want)) {
		t.Fatalf("expected retry at %s, got %+v", now.Add(want), outcome)
	}
	state := h.state("job-quota")
	if state.LastErrorKind != failure.KindResourceExhaustion || state.LastBackoffMS != want.Milliseconds() {
		t.Fatalf("unexpected state after exit 69: %+v", state)
	}
}

func TestLeaseLostMidAttemptIsAbandonedAndNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.writeContract("job-steal", contractFor("job-steal"))
	slow := h.reconciler(h.openStore(), dispatchtest.ModeSleep, map[string]string{dispatchtest.EnvSleep: "20s"})
	slow.LeaseTTL = 600 * time.Millisecond

	errc := make(chan error, 1)
	go func() {
		_, err := slow.Reconcile(context.Background(), "job-steal", path)
		errc <- err
	}()
	waitUntil(t, 10*time.Second, func() bool {
		state, err := h.store.Get("job-steal")
		return err == nil && state.State == store.StateRendering
	})

	// A store whose clock runs an hour ahead sees the lease as expired.
	ahead := h.openStore()
	ahead.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	next := h.reconciler(ahead, dispatchtest.ModeSucceed, nil)
	_, previous, err := ahead.AcquireLease("job-steal", next.Holder, next.LeaseTTL)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if previous == nil || previous.Holder != slow.Holder {
		t.Fatalf("expected to take the lease from %s, got %+v", slow.Holder, previous)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, store.ErrLeaseLost) {
			t.Fatalf("expected the first holder to lose its lease, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("first holder kept running after losing its lease")
	}

	outcome, err := next.Reconcile(context.Background(), "job-steal", path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.State != store.StateSucceeded || outcome.Attempts != 1 {
		t.Fatalf("expected SUCCEEDED with the lost attempt uncounted, got %+v", outcome)
	}
	if n := len(h.events("job-steal", store.EventAttemptAbandoned)); n != 1 {
		t.Fatalf("expected one attempt_abandoned event, got %d", n)
	}
	if n := len(h.events("job-steal", store.EventLeaseStolen)); n != 1 {
		t.Fatalf("expected one lease_stolen event, got %d", n)
	}
	for _, entry := range mustLedger(t, h, "job-steal") {
		if entry.Holder == slow.Holder && entry.Outcome != store.OutcomeStarted {
			t.Fatalf("a holder without the lease wrote %+v", entry)
		}
	}
}

func mustLedger(t *testing.T, h *harness, jobID string) []store.LedgerEntry {
	t.Helper()
	entries, err := h.store.Ledger(jobID)
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	return entries
}

// chdir moves the test process into dir until the test ends. Callers must not
// be parallel.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore working dir: %v", err)
		}
	})
}

func TestRunOnce_RelativeDirectories(t *testing.T) {
	root := t.TempDir()
	chdir(t, root)
	h := &harness{
		t:         t,
		jobsDir:   "jobs",
		stateDir:  "state",
		outputDir: "output",
		counter:   filepath.Join(root, "invocations"),
	}
	if err := os.MkdirAll(h.jobsDir, 0o755); err != nil {
		t.Fatalf("mkdir jobs: %v", err)
	}
	h.store = h.openStore()
	h.writeContract("job-rel", contractFor("job-rel"))
	h.writeContract("my job", contractFor("my job"))
	r := h.reconciler(h.store, dispatchtest.ModeSucceed, nil)

	outcomes := runOnce(t, r)
	if len(outcomes) != 1 || outcomes[0].JobID != "job-rel" || outcomes[0].State != store.StateSucceeded {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if _, err := os.Stat(filepath.Join(root, "output", "job-rel", "video.mp4")); err != nil {
		t.Fatalf("expected outputs under the output root: %v", err)
	}
	jobs, err := h.store.List()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected only the valid job to be stored, got %d err=%v", len(jobs), err)
	}
}
