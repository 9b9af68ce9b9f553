package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// AcquireLease grants holder exclusive ownership of jobID for ttl. Re-acquiring
// a lease the caller already holds renews it. An expired lease of another
// holder is stolen and returned as previous so the caller can check what that
// holder last recorded before deciding to resume or restart.
func (s *Store) AcquireLease(jobID, holder string, ttl time.Duration) (lease Lease, previous *Lease, err error) {
	if strings.TrimSpace(holder) == "" {
		return Lease{}, nil, fmt.Errorf("lease holder is required")
	}
	if ttl <= 0 {
		return Lease{}, nil, fmt.Errorf("lease ttl must be > 0")
	}
	var change Change
	err = s.withJobLock(jobID, func(paths JobPaths) error {
		now := s.Now()
		current, ok, err := readLeaseLocked(paths)
		if err != nil {
			return err
		}
		eventType := EventLeaseAcquired
		payload := map[string]any{"ttl_ms": ttl.Milliseconds()}
		lease = Lease{JobID: jobID, Holder: holder, AcquiredAt: now, RenewedAt: now, ExpiresAt: now.Add(ttl)}
		if ok && current.Holder != "" {
			switch {
			case current.Holder == holder && current.Live(now):
				lease.AcquiredAt = current.AcquiredAt
				return WriteJSONAtomic(paths.Lease, lease)
			case current.Live(now):
				return &LeaseHeldError{JobID: jobID, Holder: current.Holder, ExpiresAt: current.ExpiresAt}
			case current.Holder != holder:
				prev := current
				previous = &prev
				eventType = EventLeaseStolen
				payload["previous_holder"] = current.Holder
				payload["previous_expires_at"] = current.ExpiresAt
			}
		}
		if err := WriteJSONAtomic(paths.Lease, lease); err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		seq, err := s.nextSeqLocked(paths, jobID)
		if err != nil {
			return err
		}
		event, err := s.appendEventLocked(paths, jobID, seq, holder, eventType, payload)
		if err != nil {
			return err
		}
		change = Change{Event: event}
		return nil
	})
	if err != nil {
		return Lease{}, nil, err
	}
	if change.Event.EventID != "" {
		s.notify(change)
	}
	return lease, previous, nil
}

// RenewLease extends a live lease. A lease that expired or changed hands is
// lost and cannot be renewed.
func (s *Store) RenewLease(jobID, holder string, ttl time.Duration) (Lease, error) {
	var lease Lease
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		now := s.Now()
		current, ok, err := readLeaseLocked(paths)
		if err != nil {
			return err
		}
		if !ok || current.Holder != holder || !current.Live(now) {
			return fmt.Errorf("%w: %s is not leased by %s", ErrLeaseLost, jobID, holder)
		}
		current.RenewedAt = now
		current.ExpiresAt = now.Add(ttl)
		lease = current
		return WriteJSONAtomic(paths.Lease, current)
	})
	return lease, err
}

func (s *Store) ReleaseLease(jobID, holder string) error {
	var change Change
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		current, ok, err := readLeaseLocked(paths)
		if err != nil {
			return err
		}
		if !ok || current.Holder != holder {
			return fmt.Errorf("%w: %s is not leased by %s", ErrLeaseLost, jobID, holder)
		}
		if err := os.Remove(paths.Lease); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove lease: %w", err)
		}
		seq, err := s.nextSeqLocked(paths, jobID)
		if err != nil {
			return err
		}
		event, err := s.appendEventLocked(paths, jobID, seq, holder, EventLeaseReleased, nil)
		if err != nil {
			return err
		}
		change = Change{Event: event}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(change)
	return nil
}

func (s *Store) ReadLease(jobID string) (Lease, bool, error) {
	var (
		lease Lease
		ok    bool
	)
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		var err error
		lease, ok, err = readLeaseLocked(paths)
		return err
	})
	return lease, ok, err
}

func readLeaseLocked(paths JobPaths) (Lease, bool, error) {
	var lease Lease
	if err := readJSON(paths.Lease, &lease); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Lease{}, false, nil
		}
		return Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	return lease, true, nil
}
