package store

import (
	"fmt"
	"strings"
)

// RecordAttempt appends an idempotency ledger entry for jobID.
func (s *Store) RecordAttempt(jobID string, entry LedgerEntry) (LedgerEntry, error) {
	if entry.Attempt <= 0 {
		return LedgerEntry{}, fmt.Errorf("ledger attempt must be > 0")
	}
	if strings.TrimSpace(entry.Outcome) == "" {
		return LedgerEntry{}, fmt.Errorf("ledger outcome is required")
	}
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		entry.Key = jobID
		entry.JobID = jobID
		entry.TS = s.Now()
		return appendJSONL(paths.Ledger, entry)
	})
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("record attempt: %w", err)
	}
	return entry, nil
}

func (s *Store) Ledger(jobID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		var err error
		entries, err = readJSONL[LedgerEntry](paths.Ledger)
		return err
	})
	return entries, err
}

// LastOutcome returns the newest ledger entry for attempt.
func (s *Store) LastOutcome(jobID string, attempt int) (LedgerEntry, bool, error) {
	entries, err := s.Ledger(jobID)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Attempt == attempt {
			return entries[i], true, nil
		}
	}
	return LedgerEntry{}, false, nil
}
