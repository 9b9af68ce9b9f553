// Package contract parses and validates Planner job contracts.
//
// A contract is one JSON file per job, named by its job_id. Validation is
// intentionally permissive: keys the control plane does not know about are
// carried through untouched in Extra so policy fields can be added without
// breaking older contracts.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/reelforge/ralph/internal/digest"
	"github.com/reelforge/ralph/internal/failure"
)

// Lane is a non-binding production strategy tag.
type Lane string

const (
	LaneUnset Lane = ""
	LaneA     Lane = "A"
	LaneB     Lane = "B"
	LaneC     Lane = "C"
)

// ParseLane never fails: anything that is not A, B or C is unset.
func ParseLane(raw string) Lane {
	switch Lane(strings.ToUpper(strings.TrimSpace(raw))) {
	case LaneA:
		return LaneA
	case LaneB:
		return LaneB
	case LaneC:
		return LaneC
	default:
		return LaneUnset
	}
}

func (l Lane) String() string {
	if l == LaneUnset {
		return "unset"
	}
	return string(l)
}

type AssetRef struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

type JobContract struct {
	JobID         string            `json:"job_id"`
	SchemaVersion string            `json:"schema_version"`
	Lane          Lane              `json:"lane,omitempty"`
	Languages     map[string]string `json:"languages,omitempty"`
	Assets        []AssetRef        `json:"assets,omitempty"`
	Outputs       []string          `json:"outputs"`
	CreatedAt     time.Time         `json:"created_at,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
	Hash  string                     `json:"-"`
	Raw   []byte                     `json:"-"`
}

// SchemaValidationError names the first contract field that failed.
type SchemaValidationError struct {
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s: %s", e.Field, e.Reason)
}

func (e *SchemaValidationError) FailureKind() failure.Kind {
	return failure.KindSchemaValidation
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var knownFields = map[string]struct{}{
	"job_id":         {},
	"schema_version": {},
	"lane":           {},
	"languages":      {},
	"assets":         {},
	"outputs":        {},
	"created_at":     {},
}

// JobIDFromPath derives the job id from a contract filename.
func JobIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ErrInvalidJobID marks a job id no store or Worker will accept. Retrying
// does not help.
var ErrInvalidJobID = errors.New("invalid job id")

func ValidJobID(jobID string) bool {
	return jobIDPattern.MatchString(jobID)
}

// Load reads and validates a contract file.
func Load(path string, versions []string) (JobContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobContract{}, fmt.Errorf("read contract: %w", err)
	}
	return Validate(data, JobIDFromPath(path), versions)
}

// Validate turns raw contract bytes into a JobContract. jobID is the id
// derived from the filename; when empty the body's job_id is used.
func Validate(data []byte, jobID string, versions []string) (JobContract, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return JobContract{}, invalid("$", "contract must be a JSON object")
	}

	out := JobContract{
		Hash: digest.Bytes(data),
		Raw:  append([]byte(nil), data...),
	}

	var bodyID string
	if raw, ok := fields["job_id"]; ok {
		if err := json.Unmarshal(raw, &bodyID); err != nil {
			return JobContract{}, invalid("job_id", "must be a string")
		}
		bodyID = strings.TrimSpace(bodyID)
	}
	switch {
	case jobID == "" && bodyID == "":
		return JobContract{}, invalid("job_id", "is required")
	case jobID == "":
		jobID = bodyID
	case bodyID != "" && bodyID != jobID:
		return JobContract{}, invalid("job_id", fmt.Sprintf("%q does not match filename id %q", bodyID, jobID))
	}
	if !ValidJobID(jobID) {
		return JobContract{}, invalid("job_id", fmt.Sprintf("%q is not a valid id", jobID))
	}
	out.JobID = jobID

	raw, ok := fields["schema_version"]
	if !ok {
		return JobContract{}, invalid("schema_version", "is required")
	}
	if err := json.Unmarshal(raw, &out.SchemaVersion); err != nil {
		return JobContract{}, invalid("schema_version", "must be a string")
	}
	if !acceptedVersion(out.SchemaVersion, versions) {
		return JobContract{}, invalid("schema_version", fmt.Sprintf("unsupported version %q", out.SchemaVersion))
	}

	if raw, ok := fields["lane"]; ok {
		var lane string
		if json.Unmarshal(raw, &lane) == nil {
			out.Lane = ParseLane(lane)
		}
	}

	if raw, ok := fields["languages"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.Languages); err != nil {
			return JobContract{}, invalid("languages", "must map language codes to strings")
		}
		for code := range out.Languages {
			if strings.TrimSpace(code) == "" {
				return JobContract{}, invalid("languages", "language code is empty")
			}
		}
	}

	raw, ok = fields["outputs"]
	if !ok {
		return JobContract{}, invalid("outputs", "is required")
	}
	if err := json.Unmarshal(raw, &out.Outputs); err != nil {
		return JobContract{}, invalid("outputs", "must be a list of relative paths")
	}
	if len(out.Outputs) == 0 {
		return JobContract{}, invalid("outputs", "must declare at least one output")
	}
	seen := map[string]struct{}{}
	for i, output := range out.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		clean, reason := cleanOutputPath(output)
		if reason != "" {
			return JobContract{}, invalid(field, reason)
		}
		if _, dup := seen[clean]; dup {
			return JobContract{}, invalid(field, fmt.Sprintf("duplicate output %q", clean))
		}
		seen[clean] = struct{}{}
		out.Outputs[i] = clean
	}

	if raw, ok := fields["assets"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.Assets); err != nil {
			return JobContract{}, invalid("assets", "must be a list of asset references")
		}
		for i, asset := range out.Assets {
			if strings.TrimSpace(asset.Path) == "" {
				return JobContract{}, invalid(fmt.Sprintf("assets[%d].path", i), "is required")
			}
		}
	}

	if raw, ok := fields["created_at"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.CreatedAt); err != nil {
			return JobContract{}, invalid("created_at", "must be an RFC3339 timestamp")
		}
	}

	for key, value := range fields {
		if _, known := knownFields[key]; known {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]json.RawMessage{}
		}
		out.Extra[key] = value
	}
	return out, nil
}

func cleanOutputPath(raw string) (string, string) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", "is empty"
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", "must be relative to the job output directory"
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "escapes the job output directory"
	}
	return clean, ""
}

func acceptedVersion(version string, versions []string) bool {
	version = strings.TrimSpace(version)
	if version == "" {
		return false
	}
	for _, v := range versions {
		if v == version {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func invalid(field, reason string) error {
	return &SchemaValidationError{Field: field, Reason: reason}
}
