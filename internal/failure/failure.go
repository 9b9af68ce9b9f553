// Package failure names the error kinds the reconciler records on a job and
// maps Worker exit codes onto them.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindNone               Kind = ""
	KindSchemaValidation   Kind = "SchemaValidationError"
	KindTimeout            Kind = "TimeoutError"
	KindTransientExecution Kind = "TransientExecutionError"
	KindFatalRender        Kind = "FatalRenderError"
	KindResourceExhaustion Kind = "ResourceExhaustionError"
	KindStaleState         Kind = "StaleStateError"
	KindLeaseLost          Kind = "LeaseLostError"
	KindCancelled          Kind = "Cancelled"
)

var retryable = map[Kind]bool{
	KindTimeout:            true,
	KindTransientExecution: true,
	KindResourceExhaustion: true,
	KindStaleState:         true,
}

var known = map[Kind]struct{}{
	KindSchemaValidation:   {},
	KindTimeout:            {},
	KindTransientExecution: {},
	KindFatalRender:        {},
	KindResourceExhaustion: {},
	KindStaleState:         {},
	KindLeaseLost:          {},
	KindCancelled:          {},
}

// Retryable reports whether a failure of this kind may be followed by another
// attempt. LeaseLostError is handled by abandoning the attempt, not retrying it.
func Retryable(kind Kind) bool {
	return retryable[kind]
}

// Internal kinds are resolved by re-reading state and never recorded on a job.
func Internal(kind Kind) bool {
	return kind == KindStaleState || kind == KindLeaseLost
}

func ParseKind(raw string) (Kind, error) {
	for kind := range known {
		if strings.EqualFold(string(kind), strings.TrimSpace(raw)) {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("unknown error kind %q", raw)
}

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err, or fallback when none is attached.
func KindOf(err error, fallback Kind) Kind {
	var kerr *Error
	if errors.As(err, &kerr) && kerr.Kind != KindNone {
		return kerr.Kind
	}
	var typed interface{ FailureKind() Kind }
	if errors.As(err, &typed) {
		return typed.FailureKind()
	}
	return fallback
}
