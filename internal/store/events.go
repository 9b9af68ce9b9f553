package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// AppendEvent records an event that does not change the job's snapshot.
func (s *Store) AppendEvent(jobID, holder, eventType string, payload map[string]any) (LogEvent, error) {
	var event LogEvent
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		seq, err := s.nextSeqLocked(paths, jobID)
		if err != nil {
			return err
		}
		event, err = s.appendEventLocked(paths, jobID, seq, holder, eventType, payload)
		return err
	})
	if err != nil {
		return LogEvent{}, err
	}
	s.notify(Change{Event: event})
	return event, nil
}

// AppendEventUnless appends an event unless the log already holds one for
// which seen returns true. The check and the append happen under the job
// lock, so concurrent callers write at most one event between them.
func (s *Store) AppendEventUnless(jobID, holder, eventType string, payload map[string]any, seen func(LogEvent) bool) (LogEvent, bool, error) {
	var (
		event    LogEvent
		appended bool
	)
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		events, err := readJSONL[LogEvent](paths.Events)
		if err != nil {
			return err
		}
		for _, existing := range events {
			if seen(existing) {
				return nil
			}
		}
		seq, err := s.nextSeqLocked(paths, jobID)
		if err != nil {
			return err
		}
		event, err = s.appendEventLocked(paths, jobID, seq, holder, eventType, payload)
		appended = err == nil
		return err
	})
	if err != nil {
		return LogEvent{}, false, err
	}
	if appended {
		s.notify(Change{Event: event})
	}
	return event, appended, nil
}

// Events returns the job's log after checking that sequence numbers run
// 1..n without gaps. limit > 0 keeps only the newest events.
func (s *Store) Events(jobID string, limit int) ([]LogEvent, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job id is required")
	}
	paths := s.Paths(jobID)
	if _, err := os.Stat(paths.Root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("stat job dir: %w", err)
	}
	events, err := readJSONL[LogEvent](paths.Events)
	if err != nil {
		return nil, err
	}
	if err := ValidateSequence(events); err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:], nil
	}
	return events, nil
}

func ValidateSequence(events []LogEvent) error {
	for i, event := range events {
		if err := ValidateLogEvent(event); err != nil {
			return fmt.Errorf("event %d: %w", i+1, err)
		}
		if want := int64(i + 1); event.Seq != want {
			return fmt.Errorf("%w: job %s seq %d at position %d", ErrInvalidEvent, event.JobID, event.Seq, want)
		}
		if i > 0 && event.JobID != events[0].JobID {
			return fmt.Errorf("%w: mixed job ids %s and %s", ErrInvalidEvent, events[0].JobID, event.JobID)
		}
	}
	return nil
}

func ValidateLogEvent(event LogEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.JobID) == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidEvent)
	}
	if event.Seq <= 0 {
		return fmt.Errorf("%w: seq must be > 0", ErrInvalidEvent)
	}
	if event.TS.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	return nil
}

// nextSeqLocked returns last seq + 1. The last seq is cached against the log
// size; any change by another process forces a rescan.
func (s *Store) nextSeqLocked(paths JobPaths, jobID string) (int64, error) {
	var size int64
	if info, err := os.Stat(paths.Events); err == nil {
		size = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat event log: %w", err)
	}
	s.mu.Lock()
	mark, ok := s.seqCache[jobID]
	s.mu.Unlock()
	if ok && mark.size == size {
		return mark.seq + 1, nil
	}
	events, err := readJSONL[LogEvent](paths.Events)
	if err != nil {
		return 0, err
	}
	var last int64
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	return last + 1, nil
}

func (s *Store) appendEventLocked(paths JobPaths, jobID string, seq int64, holder, eventType string, payload map[string]any) (LogEvent, error) {
	event := LogEvent{
		EventID: s.NewID(),
		JobID:   jobID,
		Seq:     seq,
		TS:      s.Now(),
		Type:    eventType,
		Holder:  holder,
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return LogEvent{}, fmt.Errorf("marshal event payload: %w", err)
		}
		event.Payload = data
	}
	if err := ValidateLogEvent(event); err != nil {
		return LogEvent{}, err
	}
	if err := appendJSONL(paths.Events, event); err != nil {
		return LogEvent{}, err
	}
	if info, err := os.Stat(paths.Events); err == nil {
		s.mu.Lock()
		s.seqCache[jobID] = seqMark{size: info.Size(), seq: seq}
		s.mu.Unlock()
	}
	return event, nil
}

// DecodePayload unmarshals an event payload into v.
func DecodePayload(event LogEvent, v any) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", event.EventID)
	}
	return json.Unmarshal(event.Payload, v)
}
