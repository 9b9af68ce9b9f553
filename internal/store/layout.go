package store

import (
	"fmt"
	"os"
	"path/filepath"
)

type JobPaths struct {
	Root     string
	State    string
	Events   string
	Ledger   string
	Lease    string
	Contract string
	Manifest string
	Failure  string
	Lock     string
}

func BuildJobPaths(stateRoot, jobID string) JobPaths {
	root := filepath.Join(stateRoot, jobID)
	return JobPaths{
		Root:     root,
		State:    filepath.Join(root, "state.json"),
		Events:   filepath.Join(root, "events.jsonl"),
		Ledger:   filepath.Join(root, "ledger.jsonl"),
		Lease:    filepath.Join(root, "lease.json"),
		Contract: filepath.Join(root, "contract.json"),
		Manifest: filepath.Join(root, "manifest.json"),
		Failure:  filepath.Join(root, "failure.json"),
		Lock:     filepath.Join(root, ".lock"),
	}
}

// WorkerLogPath is where the Worker's stdout and stderr for one attempt go.
func (p JobPaths) WorkerLogPath(attempt int) string {
	return filepath.Join(p.Root, fmt.Sprintf("worker-%d.log", attempt))
}

func EnsureJobLayout(stateRoot, jobID string) (JobPaths, error) {
	if jobID == "" {
		return JobPaths{}, fmt.Errorf("job_id is empty")
	}
	paths := BuildJobPaths(stateRoot, jobID)
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return JobPaths{}, fmt.Errorf("create job dir %s: %w", paths.Root, err)
	}
	return paths, nil
}
