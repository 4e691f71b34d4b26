package manager

import (
	"errors"
	"fmt"
)

var (
	errMissingResult = errors.New("envelope carries no result")
	errUnknownStatus = errors.New("unrecognized calc_status")
	errDumpRecoveryFailed = errors.New("worker did not produce a usable pickle dump")
)

// ConfigError is a fatal, pre-run error: malformed specs, an
// incompatible H0 schema, no exit criterion, an unknown termination
// field. No history is produced when this is returned.
type ConfigError struct {
	Field string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("manager: config error: %s: %s", e.Field, e.Message)
}

// DispatchError is a fatal error raised when an allocator violates its
// postconditions: work for a non-idle worker, unknown H_fields, or
// out-of-range rows. The history is dumped before this propagates.
type DispatchError struct {
	Worker int
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("manager: dispatch error: worker %d: %s", e.Worker, e.Reason)
}

// TransportError reports a worker message the manager could not use: a
// decode failure whose MAN_SIGNAL_REQ_PICKLE_DUMP recovery also failed,
// or a result carrying an unrecognized calc_status. It is fatal; a
// decode failure that the recovery path repairs never produces one.
type TransportError struct {
	Worker int
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("manager: transport error: worker %d: %v", e.Worker, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
