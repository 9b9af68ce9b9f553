package lineage

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/failure"
	"github.com/reelforge/ralph/internal/store"
)

// Writer persists closing records through the store's write-once artifacts.
type Writer struct {
	Store        *store.Store
	ToolVersions map[string]string
	Now          func() time.Time
}

func NewWriter(s *store.Store, toolVersions map[string]string) *Writer {
	return &Writer{
		Store:        s,
		ToolVersions: toolVersions,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Succeeded builds the manifest for state and writes it once. If a manifest
// already exists with the same outputs, for example after a crash between the
// write and the SUCCEEDED transition, the existing manifest is returned.
func (w *Writer) Succeeded(state store.JobState, c contract.JobContract, outputs, inputs []FileDigest) (Manifest, error) {
	ledger, err := w.Store.Ledger(state.JobID)
	if err != nil {
		return Manifest{}, fmt.Errorf("read ledger: %w", err)
	}
	finished := w.Now()
	manifest := Manifest{
		JobID:         state.JobID,
		ContractHash:  c.Hash,
		SchemaVersion: c.SchemaVersion,
		Lane:          c.Lane.String(),
		Outputs:       outputs,
		Inputs:        inputs,
		ToolVersions:  w.ToolVersions,
		Timings: Timings{
			CreatedAt:  state.CreatedAt,
			FinishedAt: finished,
			TotalMS:    finished.Sub(state.CreatedAt).Milliseconds(),
			Attempts:   History(ledger),
		},
		AttemptCount: state.AttemptCount,
	}
	if manifest.Inputs == nil {
		manifest.Inputs = []FileDigest{}
	}
	if manifest.ToolVersions == nil {
		manifest.ToolVersions = map[string]string{}
	}
	err = w.Store.WriteManifest(state.JobID, manifest)
	if err == nil {
		return manifest, nil
	}
	if !errors.Is(err, store.ErrArtifactExists) {
		return Manifest{}, failure.Wrap(failure.KindTransientExecution, fmt.Errorf("write manifest: %w", err))
	}
	var existing Manifest
	if _, readErr := w.Store.ReadManifest(state.JobID, &existing); readErr != nil {
		return Manifest{}, fmt.Errorf("read existing manifest: %w", readErr)
	}
	if existing.ContractHash == manifest.ContractHash && reflect.DeepEqual(existing.Outputs, manifest.Outputs) {
		return existing, nil
	}
	return Manifest{}, fmt.Errorf("manifest for %s already written with different outputs: %w", state.JobID, err)
}

// Failed writes the failure record for a job that reached FAILED. A record
// that already exists is left untouched.
func (w *Writer) Failed(state store.JobState) (FailureRecord, error) {
	ledger, err := w.Store.Ledger(state.JobID)
	if err != nil {
		return FailureRecord{}, fmt.Errorf("read ledger: %w", err)
	}
	record := FailureRecord{
		JobID:         state.JobID,
		ContractHash:  state.ContractHash,
		LastErrorKind: state.LastErrorKind,
		Reason:        state.Reason,
		LastError:     state.LastError,
		AttemptCount:  state.AttemptCount,
		Attempts:      History(ledger),
		FinishedAt:    w.Now(),
	}
	err = w.Store.WriteFailure(state.JobID, record)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrArtifactExists) {
		return FailureRecord{}, fmt.Errorf("write failure record: %w", err)
	}
	var existing FailureRecord
	if _, readErr := w.Store.ReadFailure(state.JobID, &existing); readErr != nil {
		return FailureRecord{}, fmt.Errorf("read existing failure record: %w", readErr)
	}
	return existing, nil
}
