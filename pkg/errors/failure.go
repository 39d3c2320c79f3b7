package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a deployment stage failed.
type Kind string

const (
	KindBuildFailure        Kind = "build_failure"
	KindAuthFailure         Kind = "auth_failure"
	KindRegistryUnavailable Kind = "registry_unavailable"
	KindConnectFailure      Kind = "connect_failure"
	KindCommandFailure      Kind = "command_failure"
	KindTimeout             Kind = "timeout"
	KindRollbackFailure     Kind = "rollback_failure"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Transient reports whether failures of this kind are retried automatically.
func (k Kind) Transient() bool {
	switch k {
	case KindRegistryUnavailable, KindConnectFailure, KindTimeout:
		return true
	}
	return false
}

// Failure is the error returned by builder, registry and remote collaborators.
// The orchestrator fills in RunID and Stage before recording it.
type Failure struct {
	Kind     Kind
	Stage    string
	RunID    string
	ExitCode int
	Output   string
	Err      error
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.Stage != "" {
		msg = f.Stage + ": " + msg
	}
	if f.Kind == KindCommandFailure {
		msg = fmt.Sprintf("%s (exit %d)", msg, f.ExitCode)
	}
	if f.Err != nil {
		msg = msg + ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a Failure of the given kind wrapping err.
func Fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Failf builds a Failure of the given kind from a format string.
func Failf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// CommandFailed builds a CommandFailure carrying the exit code and captured output.
func CommandFailed(exitCode int, output string, err error) *Failure {
	return &Failure{Kind: KindCommandFailure, ExitCode: exitCode, Output: output, Err: err}
}

// AsFailure extracts a Failure from err. Context deadline and cancellation
// errors that were not already classified become Timeout and Cancelled.
func AsFailure(err error) (*Failure, bool) {
	if err == nil {
		return nil, false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Err: err}, true
	}
	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: KindCancelled, Err: err}, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if f, ok := AsFailure(err); ok {
		return f.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried by the orchestrator.
func IsTransient(err error) bool {
	if f, ok := AsFailure(err); ok {
		return f.Kind.Transient()
	}
	return false
}
