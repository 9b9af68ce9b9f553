package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/ralph/internal/contract"
)

type Store struct {
	Root  string
	Now   func() time.Time
	NewID func() string

	mu        sync.Mutex
	observers []func(Change)
	seqCache  map[string]seqMark
}

type seqMark struct {
	size int64
	seq  int64
}

func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("state root is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve state root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}
	return &Store{
		Root:     root,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    func() string { return uuid.NewString() },
		seqCache: map[string]seqMark{},
	}, nil
}

func (s *Store) Paths(jobID string) JobPaths {
	return BuildJobPaths(s.Root, jobID)
}

// Subscribe registers fn to receive every committed event. Observers run
// after the job lock is released and must not block for long.
func (s *Store) Subscribe(fn func(Change)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Store) notify(changes ...Change) {
	s.mu.Lock()
	observers := append([]func(Change){}, s.observers...)
	s.mu.Unlock()
	for _, change := range changes {
		for _, fn := range observers {
			fn(change)
		}
	}
}

// withJobLock runs fn under the job's exclusive lock. The job directory must
// already exist; createJobLocked is the only path that creates it.
func (s *Store) withJobLock(jobID string, fn func(JobPaths) error) error {
	if !contract.ValidJobID(jobID) {
		return fmt.Errorf("%w %q", contract.ErrInvalidJobID, jobID)
	}
	paths := s.Paths(jobID)
	if _, err := os.Stat(paths.Root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("stat job dir: %w", err)
	}
	return s.lockPaths(paths, fn)
}

func (s *Store) createJobLocked(jobID string, fn func(JobPaths) error) error {
	if !contract.ValidJobID(jobID) {
		return fmt.Errorf("%w %q", contract.ErrInvalidJobID, jobID)
	}
	paths, err := EnsureJobLayout(s.Root, jobID)
	if err != nil {
		return err
	}
	return s.lockPaths(paths, fn)
}

func (s *Store) lockPaths(paths JobPaths, fn func(JobPaths) error) error {
	unlock, err := lockFile(paths.Lock)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(paths)
}

// CreateIfAbsent records a new job in PENDING. When a record already exists it
// is returned unchanged and created is false.
func (s *Store) CreateIfAbsent(jobID string, init JobState) (state JobState, created bool, err error) {
	var change Change
	err = s.createJobLocked(jobID, func(paths JobPaths) error {
		existing, loadErr := s.loadLocked(paths, jobID)
		if loadErr == nil {
			state = existing
			return nil
		}
		if !errors.Is(loadErr, ErrNotFound) {
			return loadErr
		}
		now := s.Now()
		init.JobID = jobID
		if init.State == "" {
			init.State = StatePending
		}
		if err := ValidateState(init.State); err != nil {
			return err
		}
		init.IdempotencyKey = jobID
		init.CreatedAt = now
		init.Lease = nil
		committed, event, commitErr := s.commitLocked(paths, init, "", EventDiscovered, nil)
		if commitErr != nil {
			return commitErr
		}
		state, created = committed, true
		change = Change{Event: event, State: &committed}
		return nil
	})
	if err == nil && created {
		s.notify(change)
	}
	return state, created, err
}

func (s *Store) Get(jobID string) (JobState, error) {
	var state JobState
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		loaded, err := s.loadLocked(paths, jobID)
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	return state, err
}

// List returns every job under the state root sorted by job id.
func (s *Store) List() ([]JobState, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state root: %w", err)
	}
	out := make([]JobState, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		state, err := s.Get(name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// Transition moves jobID from expected to next. holder must own a live lease.
// patch may adjust the new snapshot; details are recorded on the event.
func (s *Store) Transition(jobID, holder string, expected, next State, patch func(*JobState), details map[string]any) (JobState, error) {
	if err := ValidateTransition(expected, next); err != nil {
		return JobState{}, err
	}
	var (
		out    JobState
		change Change
	)
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		current, err := s.loadLocked(paths, jobID)
		if err != nil {
			return err
		}
		if current.State != expected {
			return &StaleStateError{JobID: jobID, Expected: expected, Actual: current.State}
		}
		if err := s.checkHolderLocked(paths, jobID, holder); err != nil {
			return err
		}
		nextState := current
		nextState.Lease = nil
		if patch != nil {
			patch(&nextState)
		}
		nextState.State = next
		if nextState.AttemptCount > nextState.MaxAttempts && nextState.MaxAttempts > 0 {
			return fmt.Errorf("attempt_count %d exceeds max_attempts %d for %s", nextState.AttemptCount, nextState.MaxAttempts, jobID)
		}
		payload := map[string]any{"from": string(expected), "to": string(next)}
		for k, v := range details {
			payload[k] = v
		}
		committed, event, err := s.commitLocked(paths, nextState, holder, string(next), payload)
		if err != nil {
			return err
		}
		committed.Lease = current.Lease
		out = committed
		change = Change{Event: event, State: &committed}
		return nil
	})
	if err != nil {
		return JobState{}, err
	}
	s.notify(change)
	return out, nil
}

// Update patches a job without changing its state, under the same CAS and
// lease discipline as Transition.
func (s *Store) Update(jobID, holder string, expected State, eventType string, patch func(*JobState), details map[string]any) (JobState, error) {
	if strings.TrimSpace(eventType) == "" {
		return JobState{}, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	var (
		out    JobState
		change Change
	)
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		current, err := s.loadLocked(paths, jobID)
		if err != nil {
			return err
		}
		if current.State != expected {
			return &StaleStateError{JobID: jobID, Expected: expected, Actual: current.State}
		}
		if err := s.checkHolderLocked(paths, jobID, holder); err != nil {
			return err
		}
		nextState := current
		nextState.Lease = nil
		if patch != nil {
			patch(&nextState)
		}
		nextState.State = expected
		committed, event, err := s.commitLocked(paths, nextState, holder, eventType, details)
		if err != nil {
			return err
		}
		committed.Lease = current.Lease
		out = committed
		change = Change{Event: event, State: &committed}
		return nil
	})
	if err != nil {
		return JobState{}, err
	}
	s.notify(change)
	return out, nil
}

// RequestCancel records that someone asked for jobID to stop. It only sets
// cancel_requested; the lease holder applies it. Jobs that have not been
// dispatched move through CANCEL_REQUESTED to FAILED on their next pass, and
// in-flight jobs fail with reason Cancelled once the current attempt resolves.
func (s *Store) RequestCancel(jobID, actor string) (JobState, error) {
	var (
		out    JobState
		change Change
	)
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		current, err := s.loadLocked(paths, jobID)
		if err != nil {
			return err
		}
		if current.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, current.State)
		}
		if current.CancelRequested {
			out = current
			return nil
		}
		nextState := current
		nextState.Lease = nil
		nextState.CancelRequested = true
		payload := map[string]any{"actor": actor, "state_at_request": string(current.State)}
		committed, event, err := s.commitLocked(paths, nextState, actor, EventCancelQueued, payload)
		if err != nil {
			return err
		}
		committed.Lease = current.Lease
		out = committed
		change = Change{Event: event, State: &committed}
		return nil
	})
	if err != nil {
		return JobState{}, err
	}
	if change.State != nil {
		s.notify(change)
	}
	return out, nil
}

func (s *Store) checkHolderLocked(paths JobPaths, jobID, holder string) error {
	if strings.TrimSpace(holder) == "" {
		return fmt.Errorf("%w: holder is required to change %s", ErrLeaseLost, jobID)
	}
	lease, ok, err := readLeaseLocked(paths)
	if err != nil {
		return err
	}
	if !ok || lease.Holder != holder || !lease.Live(s.Now()) {
		return fmt.Errorf("%w: %s is not leased by %s", ErrLeaseLost, jobID, holder)
	}
	return nil
}

// commitLocked appends the state-carrying event first and then rewrites the
// snapshot. The log is authoritative if the snapshot write is lost.
func (s *Store) commitLocked(paths JobPaths, next JobState, holder, eventType string, details map[string]any) (JobState, LogEvent, error) {
	next.UpdatedAt = s.Now()
	seq, err := s.nextSeqLocked(paths, next.JobID)
	if err != nil {
		return JobState{}, LogEvent{}, err
	}
	next.LogSeq = seq
	next.Lease = nil
	payload := map[string]any{}
	for k, v := range details {
		payload[k] = v
	}
	payload["state"] = next
	event, err := s.appendEventLocked(paths, next.JobID, seq, holder, eventType, payload)
	if err != nil {
		return JobState{}, LogEvent{}, err
	}
	if err := WriteJSONAtomic(paths.State, next); err != nil {
		return JobState{}, LogEvent{}, fmt.Errorf("write state snapshot: %w", err)
	}
	return next, event, nil
}

type statePayload struct {
	State *JobState `json:"state"`
}

// loadLocked reads the snapshot and replays the newest state-carrying event
// if the log is ahead of it.
func (s *Store) loadLocked(paths JobPaths, jobID string) (JobState, error) {
	var snapshot JobState
	haveSnapshot := true
	if err := readJSON(paths.State, &snapshot); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return JobState{}, err
		}
		haveSnapshot = false
	}
	events, err := readJSONL[LogEvent](paths.Events)
	if err != nil {
		return JobState{}, err
	}
	var latest *JobState
	for i := len(events) - 1; i >= 0; i-- {
		if len(events[i].Payload) == 0 {
			continue
		}
		var p statePayload
		if json.Unmarshal(events[i].Payload, &p) != nil || p.State == nil {
			continue
		}
		p.State.LogSeq = events[i].Seq
		latest = p.State
		break
	}
	switch {
	case latest == nil && !haveSnapshot:
		return JobState{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	case latest != nil && (!haveSnapshot || latest.LogSeq > snapshot.LogSeq):
		snapshot = *latest
		snapshot.Lease = nil
		if err := WriteJSONAtomic(paths.State, snapshot); err != nil {
			return JobState{}, fmt.Errorf("repair state snapshot: %w", err)
		}
	}
	if lease, ok, err := readLeaseLocked(paths); err != nil {
		return JobState{}, err
	} else if ok {
		snapshot.Lease = &lease
	}
	return snapshot, nil
}
