package store

import (
	"errors"
	"fmt"
	"os"
)

// SnapshotContract copies the validated contract bytes into the job's state
// directory. The Worker is pointed at this copy so a later edit by the
// Planner cannot change an attempt that is already running.
func (s *Store) SnapshotContract(jobID string, raw []byte) (string, error) {
	var path string
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		path = paths.Contract
		return writeFileAtomic(paths.Contract, raw)
	})
	if err != nil {
		return "", fmt.Errorf("snapshot contract: %w", err)
	}
	return path, nil
}

// WriteManifest persists the artifact manifest once. Rewriting identical
// content succeeds; different content returns ErrArtifactExists.
func (s *Store) WriteManifest(jobID string, manifest any) error {
	return s.withJobLock(jobID, func(paths JobPaths) error {
		return writeOnce(paths.Manifest, manifest)
	})
}

func (s *Store) ReadManifest(jobID string, out any) (bool, error) {
	return s.readArtifact(jobID, func(p JobPaths) string { return p.Manifest }, out)
}

func (s *Store) WriteFailure(jobID string, record any) error {
	return s.withJobLock(jobID, func(paths JobPaths) error {
		return writeOnce(paths.Failure, record)
	})
}

func (s *Store) ReadFailure(jobID string, out any) (bool, error) {
	return s.readArtifact(jobID, func(p JobPaths) string { return p.Failure }, out)
}

func (s *Store) readArtifact(jobID string, pick func(JobPaths) string, out any) (bool, error) {
	found := false
	err := s.withJobLock(jobID, func(paths JobPaths) error {
		if err := readJSON(pick(paths), out); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return found, err
}
