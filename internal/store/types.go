package store

import (
	"encoding/json"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/digest"
	"github.com/reelforge/ralph/internal/failure"
)

const (
	EventDiscovered       = "discovered"
	EventContractChanged  = "contract_changed"
	EventCancelQueued     = "cancel_queued"
	EventSkippedTerminal  = "skipped_terminal"
	EventLeaseAcquired    = "lease_acquired"
	EventLeaseStolen      = "lease_stolen"
	EventLeaseReleased    = "lease_released"
	EventWorkerExited     = "worker_exited"
	EventAttemptAbandoned = "attempt_abandoned"
	EventManifestWritten  = "manifest_written"
	EventFailureWritten   = "failure_written"
)

const (
	OutcomeStarted   = "started"
	OutcomeExited    = "exited"
	OutcomeAbandoned = "abandoned"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// JobState is the materialized snapshot of a job's event log.
type JobState struct {
	JobID           string        `json:"job_id"`
	State           State         `json:"state"`
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	LastErrorKind   failure.Kind  `json:"last_error_kind,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	IdempotencyKey  string        `json:"idempotency_key"`
	ContractPath    string        `json:"contract_path,omitempty"`
	ContractHash    string        `json:"contract_hash,omitempty"`
	PendingHash     string        `json:"pending_contract_hash,omitempty"`
	Lane            contract.Lane `json:"lane,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	NextAttemptAt   time.Time     `json:"next_attempt_at,omitempty"`
	LastBackoffMS   int64         `json:"last_backoff_ms,omitempty"`
	LogSeq          int64         `json:"log_seq"`

	// Lease is read from lease.json and is never part of the snapshot file.
	Lease *Lease `json:"lease,omitempty"`
}

type Lease struct {
	JobID      string    `json:"job_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lease) Live(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

// LogEvent is one line of a job's append-only event log.
type LogEvent struct {
	EventID string          `json:"event_id"`
	JobID   string          `json:"job_id"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Holder  string          `json:"holder,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LedgerEntry records what happened to one attempt so a replay never repeats
// a side effect that is already confirmed.
type LedgerEntry struct {
	Key        string              `json:"key"`
	JobID      string              `json:"job_id"`
	Attempt    int                 `json:"attempt"`
	Outcome    string              `json:"outcome"`
	ExitCode   *int                `json:"exit_code,omitempty"`
	TimedOut   bool                `json:"timed_out,omitempty"`
	ErrorKind  failure.Kind        `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`
	Inputs     []digest.FileDigest `json:"inputs,omitempty"`
	LogPath    string              `json:"log_path,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	Holder     string              `json:"holder,omitempty"`
	TS         time.Time           `json:"ts"`
}

// Change is delivered to subscribers after every committed event. State is
// set when the event changed the job's snapshot.
type Change struct {
	Event LogEvent
	State *JobState
}
