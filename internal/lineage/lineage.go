// Package lineage verifies Worker outputs and writes the per-job artifact
// manifest or failure record that closes out a job.
package lineage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/digest"
	"github.com/reelforge/ralph/internal/failure"
	"github.com/reelforge/ralph/internal/store"
)

type FileDigest = digest.FileDigest

type AttemptTiming struct {
	Attempt    int          `json:"attempt"`
	Outcome    string       `json:"outcome"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	TimedOut   bool         `json:"timed_out,omitempty"`
	ErrorKind  failure.Kind `json:"error_kind,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

type Timings struct {
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at"`
	TotalMS    int64           `json:"total_ms"`
	Attempts   []AttemptTiming `json:"attempts"`
}

// Manifest is the lineage record of a successful job.
type Manifest struct {
	JobID         string            `json:"job_id"`
	ContractHash  string            `json:"contract_hash"`
	SchemaVersion string            `json:"schema_version"`
	Lane          string            `json:"lane"`
	Outputs       []FileDigest      `json:"outputs"`
	Inputs        []FileDigest      `json:"inputs"`
	ToolVersions  map[string]string `json:"tool_versions"`
	Timings       Timings           `json:"timings"`
	AttemptCount  int               `json:"attempt_count"`
}

// FailureRecord is the closing record of a failed job.
type FailureRecord struct {
	JobID         string          `json:"job_id"`
	ContractHash  string          `json:"contract_hash,omitempty"`
	LastErrorKind failure.Kind    `json:"last_error_kind"`
	Reason        string          `json:"reason,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	Attempts      []AttemptTiming `json:"attempts"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// VerifyError lists declared outputs that are missing or empty. Verification
// failures are transient: the next attempt may produce them.
type VerifyError struct {
	JobID   string
	Missing []string
	Empty   []string
}

func (e *VerifyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, "empty "+strings.Join(e.Empty, ", "))
	}
	return fmt.Sprintf("verify outputs for %s: %s", e.JobID, strings.Join(parts, "; "))
}

func (e *VerifyError) FailureKind() failure.Kind {
	return failure.KindTransientExecution
}

// Verify checks that every output declared by c exists under outputDir and is
// non-empty, and returns their digests in declaration order.
func Verify(c contract.JobContract, outputDir string) ([]FileDigest, error) {
	verr := &VerifyError{JobID: c.JobID}
	out := make([]FileDigest, 0, len(c.Outputs))
	for _, rel := range c.Outputs {
		path := filepath.Join(outputDir, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				verr.Missing = append(verr.Missing, rel)
				continue
			}
			return nil, failure.Wrap(failure.KindTransientExecution, fmt.Errorf("stat output %s: %w", rel, err))
		}
		if info.IsDir() || info.Size() == 0 {
			verr.Empty = append(verr.Empty, rel)
			continue
		}
		sum, size, err := digest.File(path)
		if err != nil {
			return nil, failure.Wrap(failure.KindTransientExecution, fmt.Errorf("hash output %s: %w", rel, err))
		}
		out = append(out, FileDigest{Path: rel, SHA256: sum, Bytes: size})
	}
	if len(verr.Missing) > 0 || len(verr.Empty) > 0 {
		return nil, verr
	}
	return out, nil
}

// OutputsPresent reports whether Verify would succeed, without hashing.
func OutputsPresent(c contract.JobContract, outputDir string) bool {
	for _, rel := range c.Outputs {
		info, err := os.Stat(filepath.Join(outputDir, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() || info.Size() == 0 {
			return false
		}
	}
	return len(c.Outputs) > 0
}

// SnapshotInputs hashes shared read-only inputs once so an attempt records
// exactly what it was given. Paths are sorted for a stable manifest.
func SnapshotInputs(paths []string) ([]FileDigest, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := make([]FileDigest, 0, len(sorted))
	for _, path := range sorted {
		if strings.TrimSpace(path) == "" {
			continue
		}
		sum, size, err := digest.File(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot input %s: %w", path, err)
		}
		out = append(out, FileDigest{Path: path, SHA256: sum, Bytes: size})
	}
	return out, nil
}

// History folds ledger entries into one timing record per attempt, keeping
// the start time from the started entry and the result from the newest one.
func History(entries []store.LedgerEntry) []AttemptTiming {
	byAttempt := map[int]*AttemptTiming{}
	var order []int
	for _, entry := range entries {
		t, ok := byAttempt[entry.Attempt]
		if !ok {
			t = &AttemptTiming{Attempt: entry.Attempt}
			byAttempt[entry.Attempt] = t
			order = append(order, entry.Attempt)
		}
		if entry.Outcome == store.OutcomeStarted {
			if t.Outcome == "" {
				t.Outcome = entry.Outcome
			}
		} else {
			t.Outcome = entry.Outcome
		}
		if !entry.StartedAt.IsZero() && t.StartedAt.IsZero() {
			t.StartedAt = entry.StartedAt
		}
		if !entry.FinishedAt.IsZero() {
			t.FinishedAt = entry.FinishedAt
		}
		if entry.ExitCode != nil {
			code := *entry.ExitCode
			t.ExitCode = &code
		}
		if entry.TimedOut {
			t.TimedOut = true
		}
		if entry.ErrorKind != failure.KindNone {
			t.ErrorKind = entry.ErrorKind
		}
	}
	sort.Ints(order)
	out := make([]AttemptTiming, 0, len(order))
	for _, attempt := range order {
		t := byAttempt[attempt]
		if !t.StartedAt.IsZero() && t.FinishedAt.After(t.StartedAt) {
			t.DurationMS = t.FinishedAt.Sub(t.StartedAt).Milliseconds()
		}
		out = append(out, *t)
	}
	return out
}
