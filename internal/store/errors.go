package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/reelforge/ralph/internal/failure"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLeaseLost         = errors.New("lease lost")
	ErrTerminal          = errors.New("job is terminal")
	ErrArtifactExists    = errors.New("artifact already written with different content")
	ErrInvalidEvent      = errors.New("invalid event")
)

// StaleStateError reports a compare-and-swap miss: another writer moved the
// job first. Callers re-read and re-run their own logic.
type StaleStateError struct {
	JobID    string
	Expected State
	Actual   State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for %s: expected %s, found %s", e.JobID, e.Expected, e.Actual)
}

func (e *StaleStateError) FailureKind() failure.Kind {
	return failure.KindStaleState
}

// LeaseHeldError means another holder has a live lease on the job.
type LeaseHeldError struct {
	JobID     string
	Holder    string
	ExpiresAt time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease on %s held by %s until %s", e.JobID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func IsStale(err error) bool {
	var stale *StaleStateError
	return errors.As(err, &stale)
}

func IsLeaseHeld(err error) bool {
	var held *LeaseHeldError
	return errors.As(err, &held)
}
