package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reelforge/ralph/internal/failure"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.Now = clock.Now
	var n int
	var mu sync.Mutex
	s.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("evt-%d", n)
	}
	return s, clock
}

func mustCreate(t *testing.T, s *Store, jobID string) JobState {
	t.Helper()
	state, created, err := s.CreateIfAbsent(jobID, JobState{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if !created {
		t.Fatalf("expected %s to be created", jobID)
	}
	return state
}

func mustLease(t *testing.T, s *Store, jobID, holder string) {
	t.Helper()
	if _, _, err := s.AcquireLease(jobID, holder, time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
}

func TestCreateIfAbsent_IsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	first := mustCreate(t, s, "job-1")
	if first.State != StatePending || first.LogSeq != 1 || first.IdempotencyKey != "job-1" {
		t.Fatalf("unexpected initial state: %+v", first)
	}

	again, created, err := s.CreateIfAbsent("job-1", JobState{MaxAttempts: 9})
	if err != nil {
		t.Fatalf("CreateIfAbsent again: %v", err)
	}
	if created {
		t.Fatalf("expected existing job to be returned")
	}
	if again.MaxAttempts != 3 || again.LogSeq != 1 {
		t.Fatalf("existing job was modified: %+v", again)
	}
	events, err := s.Events("job-1", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDiscovered {
		t.Fatalf("expected one discovered event, got %+v", events)
	}
}

func TestCreateIfAbsent_RejectsUnsafeJobID(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	for _, id := range []string{"", "../escape", ".hidden", "a/b"} {
		if _, _, err := s.CreateIfAbsent(id, JobState{}); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestGet_UnknownJobIsNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(s.Paths("missing").Root); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Get must not create a job dir, stat err=%v", err)
	}
}

func TestTransition_CompareAndSwap(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-cas")
	mustLease(t, s, "job-cas", "r1")

	next, err := s.Transition("job-cas", "r1", StatePending, StateValidating, nil, map[string]any{"note": "x"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if next.State != StateValidating || next.LogSeq < 2 {
		t.Fatalf("unexpected state: %+v", next)
	}

	_, err = s.Transition("job-cas", "r1", StatePending, StateValidating, nil, nil)
	var stale *StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStateError, got %v", err)
	}
	if stale.Actual != StateValidating {
		t.Fatalf("expected actual VALIDATING, got %s", stale.Actual)
	}
	if failure.KindOf(err, failure.KindNone) != failure.KindStaleState {
		t.Fatalf("expected stale kind")
	}
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-edge")
	mustLease(t, s, "job-edge", "r1")

	_, err := s.Transition("job-edge", "r1", StatePending, StateSucceeded, nil, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	state, err := s.Get("job-edge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.State != StatePending {
		t.Fatalf("state changed after rejected transition: %s", state.State)
	}
}

func TestTransition_RequiresLiveLease(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	mustCreate(t, s, "job-lease")

	if _, err := s.Transition("job-lease", "r1", StatePending, StateValidating, nil, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost without lease, got %v", err)
	}

	mustLease(t, s, "job-lease", "r1")
	if _, err := s.Transition("job-lease", "r2", StatePending, StateValidating, nil, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for other holder, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := s.Transition("job-lease", "r1", StatePending, StateValidating, nil, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after expiry, got %v", err)
	}
}

func TestTransition_EnforcesMaxAttempts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-max")
	mustLease(t, s, "job-max", "r1")
	if _, err := s.Transition("job-max", "r1", StatePending, StateValidating, nil, nil); err != nil {
		t.Fatalf("to VALIDATING: %v", err)
	}
	_, err := s.Transition("job-max", "r1", StateValidating, StateDispatched, func(st *JobState) {
		st.AttemptCount = 4
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "exceeds max_attempts") {
		t.Fatalf("expected max_attempts error, got %v", err)
	}
}

func TestAcquireLease_HeldStolenAndRenewed(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	mustCreate(t, s, "job-l")

	lease, prev, err := s.AcquireLease("job-l", "r1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if prev != nil || lease.Holder != "r1" {
		t.Fatalf("unexpected lease: %+v prev=%+v", lease, prev)
	}

	if _, _, err := s.AcquireLease("job-l", "r2", time.Minute); !IsLeaseHeld(err) {
		t.Fatalf("expected LeaseHeldError, got %v", err)
	}

	clock.Advance(30 * time.Second)
	renewed, err := s.RenewLease("job-l", "r1", time.Minute)
	if err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if !renewed.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("renew did not extend expiry: %s", renewed.ExpiresAt)
	}

	clock.Advance(2 * time.Minute)
	stolen, prev, err := s.AcquireLease("job-l", "r2", time.Minute)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if stolen.Holder != "r2" || prev == nil || prev.Holder != "r1" {
		t.Fatalf("expected r2 to steal from r1, got %+v prev=%+v", stolen, prev)
	}
	if _, err := s.RenewLease("job-l", "r1", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected r1 renew to fail with ErrLeaseLost, got %v", err)
	}

	events, err := s.Events("job-l", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{EventDiscovered, EventLeaseAcquired, EventLeaseStolen}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event types %v", types)
	}

	if err := s.ReleaseLease("job-l", "r1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected release by non-holder to fail, got %v", err)
	}
	if err := s.ReleaseLease("job-l", "r2"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if _, ok, err := s.ReadLease("job-l"); err != nil || ok {
		t.Fatalf("expected no lease after release, ok=%v err=%v", ok, err)
	}
}

func TestAcquireLease_ConcurrentHoldersExclusive(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-race")

	const holders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			if _, _, err := s.AcquireLease("job-race", holder, time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(fmt.Sprintf("r%d", i))
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one lease holder, got %v", winners)
	}
}

func TestLoad_RepairsSnapshotFromLog(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-repair")
	mustLease(t, s, "job-repair", "r1")
	paths := s.Paths("job-repair")

	stale, err := os.ReadFile(paths.State)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if _, err := s.Transition("job-repair", "r1", StatePending, StateValidating, nil, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Simulate a crash between the event append and the snapshot rename.
	if err := os.WriteFile(paths.State, stale, 0o644); err != nil {
		t.Fatalf("restore stale snapshot: %v", err)
	}

	state, err := s.Get("job-repair")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.State != StateValidating {
		t.Fatalf("expected snapshot repaired to VALIDATING, got %s", state.State)
	}
	if state.Lease == nil || state.Lease.Holder != "r1" {
		t.Fatalf("expected lease attached to state, got %+v", state.Lease)
	}
}

func TestLoad_RebuildsMissingSnapshot(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-nosnap")
	if err := os.Remove(s.Paths("job-nosnap").State); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}
	state, err := s.Get("job-nosnap")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.State != StatePending || state.JobID != "job-nosnap" {
		t.Fatalf("unexpected rebuilt state: %+v", state)
	}
}

func TestAppend_TruncatesTornTail(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-torn")
	paths := s.Paths("job-torn")

	f, err := os.OpenFile(paths.Events, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	if _, err := f.WriteString(`{"event_id":"half","job_id":"job-to`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	events, err := s.Events("job-torn", 0)
	if err != nil {
		t.Fatalf("Events with torn tail: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected torn line to be ignored, got %d events", len(events))
	}

	if _, err := s.AppendEvent("job-torn", "r1", "note", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	events, err = s.Events("job-torn", 0)
	if err != nil {
		t.Fatalf("Events after append: %v", err)
	}
	if len(events) != 2 || events[1].Seq != 2 {
		t.Fatalf("expected gapless seq after torn tail, got %+v", events)
	}
	data, err := os.ReadFile(paths.Events)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if strings.Contains(string(data), `"half"`) {
		t.Fatalf("torn line was not truncated")
	}
}

func TestEvents_LimitAndGapDetection(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-ev")
	for i := 0; i < 4; i++ {
		if _, err := s.AppendEvent("job-ev", "", "note", nil); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	tail, err := s.Events("job-ev", 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	err = ValidateSequence([]LogEvent{
		{EventID: "a", JobID: "j", Seq: 1, TS: time.Now(), Type: "x"},
		{EventID: "b", JobID: "j", Seq: 3, TS: time.Now(), Type: "x"},
	})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected gap to be rejected, got %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-c1")
	state, err := s.RequestCancel("job-c1", "operator")
	if err != nil {
		t.Fatalf("RequestCancel pending: %v", err)
	}
	if state.State != StatePending || !state.CancelRequested {
		t.Fatalf("expected PENDING with cancel flag, got %+v", state)
	}
	if events, _ := s.Events("job-c1", 0); events[len(events)-1].Type != EventCancelQueued {
		t.Fatalf("expected a cancel_queued event, got %+v", events[len(events)-1])
	}

	mustCreate(t, s, "job-c2")
	mustLease(t, s, "job-c2", "r1")
	for _, step := range [][2]State{
		{StatePending, StateValidating},
		{StateValidating, StateDispatched},
		{StateDispatched, StateRendering},
	} {
		if _, err := s.Transition("job-c2", "r1", step[0], step[1], nil, nil); err != nil {
			t.Fatalf("Transition %s->%s: %v", step[0], step[1], err)
		}
	}
	state, err = s.RequestCancel("job-c2", "operator")
	if err != nil {
		t.Fatalf("RequestCancel rendering: %v", err)
	}
	if state.State != StateRendering || !state.CancelRequested {
		t.Fatalf("expected RENDERING with cancel flag, got %+v", state)
	}
	before := state.LogSeq
	again, err := s.RequestCancel("job-c2", "operator")
	if err != nil {
		t.Fatalf("RequestCancel again: %v", err)
	}
	if again.LogSeq != before {
		t.Fatalf("repeated cancel appended an event")
	}

	mustCreate(t, s, "job-c3")
	mustLease(t, s, "job-c3", "r1")
	if _, err := s.Transition("job-c3", "r1", StatePending, StateValidating, nil, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Transition("job-c3", "r1", StateValidating, StateFailed, nil, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.RequestCancel("job-c3", "operator"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestLedger_LastOutcome(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-ledger")
	code := 75
	for _, entry := range []LedgerEntry{
		{Attempt: 1, Outcome: OutcomeStarted},
		{Attempt: 1, Outcome: OutcomeExited, ExitCode: &code},
		{Attempt: 2, Outcome: OutcomeStarted},
	} {
		if _, err := s.RecordAttempt("job-ledger", entry); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	last, ok, err := s.LastOutcome("job-ledger", 1)
	if err != nil || !ok {
		t.Fatalf("LastOutcome: ok=%v err=%v", ok, err)
	}
	if last.Outcome != OutcomeExited || last.ExitCode == nil || *last.ExitCode != 75 || last.Key != "job-ledger" {
		t.Fatalf("unexpected last outcome: %+v", last)
	}
	if _, ok, _ := s.LastOutcome("job-ledger", 3); ok {
		t.Fatalf("expected no entry for attempt 3")
	}
	if _, err := s.RecordAttempt("job-ledger", LedgerEntry{Attempt: 0, Outcome: OutcomeStarted}); err == nil {
		t.Fatalf("expected attempt 0 to be rejected")
	}
}

func TestWriteManifest_IsWriteOnce(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-m")
	manifest := map[string]any{"job_id": "job-m", "outputs": []string{"a.mp4"}}
	if err := s.WriteManifest("job-m", manifest); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if err := s.WriteManifest("job-m", manifest); err != nil {
		t.Fatalf("identical rewrite should succeed: %v", err)
	}
	err := s.WriteManifest("job-m", map[string]any{"job_id": "job-m", "outputs": []string{"b.mp4"}})
	if !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("expected ErrArtifactExists, got %v", err)
	}

	var out map[string]any
	found, err := s.ReadManifest("job-m", &out)
	if err != nil || !found {
		t.Fatalf("ReadManifest: found=%v err=%v", found, err)
	}
	found, err = s.ReadFailure("job-m", &out)
	if err != nil || found {
		t.Fatalf("expected no failure record, found=%v err=%v", found, err)
	}
}

func TestSubscribe_ReceivesCommittedChanges(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	var (
		mu      sync.Mutex
		changes []Change
	)
	s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	mustCreate(t, s, "job-sub")
	mustLease(t, s, "job-sub", "r1")
	if _, err := s.Transition("job-sub", "r1", StatePending, StateValidating, nil, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	if changes[0].State == nil || changes[0].State.State != StatePending {
		t.Fatalf("expected discovered change to carry state")
	}
	if changes[1].State != nil || changes[1].Event.Type != EventLeaseAcquired {
		t.Fatalf("lease change should not carry state: %+v", changes[1])
	}
	if changes[2].State == nil || changes[2].State.State != StateValidating {
		t.Fatalf("expected transition change to carry new state")
	}
}

func TestList_SortedAndSkipsHidden(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-b")
	mustCreate(t, s, "job-a")
	if err := os.MkdirAll(s.Paths("_tmp").Root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	jobs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "job-a" || jobs[1].JobID != "job-b" {
		t.Fatalf("unexpected list: %+v", jobs)
	}
}

func TestAppendEventUnless_OneWriterWins(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustCreate(t, s, "job-once")
	marked := func(event LogEvent) bool { return event.Type == EventSkippedTerminal }

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		appended int
	)
	for i := 0; i < 8; i++ {
		// Separate handles on the same root contend on the lock file, the way
		// separate processes would.
		other, err := Open(s.Root)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			_, ok, err := other.AppendEventUnless("job-once", holder, EventSkippedTerminal, map[string]any{"contract_hash": "h1"}, marked)
			if err != nil {
				t.Errorf("AppendEventUnless: %v", err)
				return
			}
			if ok {
				mu.Lock()
				appended++
				mu.Unlock()
			}
		}(fmt.Sprintf("r%d", i))
	}
	wg.Wait()

	if appended != 1 {
		t.Fatalf("expected exactly one append, got %d", appended)
	}
	events, err := s.Events("job-once", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	count := 0
	for _, event := range events {
		if event.Type == EventSkippedTerminal {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one marker in the log, got %d", count)
	}
	if err := ValidateSequence(events); err != nil {
		t.Fatalf("ValidateSequence: %v", err)
	}
}
