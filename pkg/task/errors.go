package task

import (
	"errors"
	"fmt"
)

// ConfigurationError wraps a registration-time validation failure
// (spec.md §7 "Configuration" kind). It is raised synchronously and never
// reaches runtime.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

// NewConfigurationError constructs a ConfigurationError.
func NewConfigurationError(field, msg string) error {
	return &ConfigurationError{Field: field, Msg: msg}
}

// ErrTaskConditionFailed is returned by Context.GetDocument when the
// optimistic-lock guard fails: the source document no longer exists, no
// longer matches the predicate, or its watched values changed since
// planning. The worker treats this as a silent success (skip), per
// spec.md §7.
var ErrTaskConditionFailed = errors.New("task condition failed")

// IsTaskConditionFailed reports whether err is (or wraps) ErrTaskConditionFailed.
func IsTaskConditionFailed(err error) bool {
	return errors.Is(err, ErrTaskConditionFailed)
}

// HandlerError wraps any error a user handler returned, preserving it for
// lastError/executionHistory bookkeeping (spec.md §7 "Handler" kind).
type HandlerError struct {
	Task        string
	SourceDocID string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error for task %q doc %q: %v", e.Task, e.SourceDocID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// StoreTransientError wraps a store round-trip failure that should be
// logged via onError and retried on the next poll/tick, never crash the
// process (spec.md §7 "Store transient" kind).
type StoreTransientError struct {
	Op  string
	Err error
}

func (e *StoreTransientError) Error() string {
	return fmt.Sprintf("store transient error during %s: %v", e.Op, e.Err)
}

func (e *StoreTransientError) Unwrap() error { return e.Err }

// StreamLostError corresponds to change-stream error code 280 ("history
// lost"): triggers reconciliation and surrenders leadership (spec.md §7).
type StreamLostError struct {
	Collection string
	Err        error
}

func (e *StreamLostError) Error() string {
	return fmt.Sprintf("change stream history lost on %s: %v", e.Collection, e.Err)
}

func (e *StreamLostError) Unwrap() error { return e.Err }

// StreamFatalError is any other change-stream error: emits _STREAM_ERROR
// and surrenders leadership so the next leader reopens the stream.
type StreamFatalError struct {
	Collection string
	Err        error
}

func (e *StreamFatalError) Error() string {
	return fmt.Sprintf("change stream error on %s: %v", e.Collection, e.Err)
}

func (e *StreamFatalError) Unwrap() error { return e.Err }

// ErrLeadershipLost is reported through the error sink by the Planner after
// a change-stream error; the Scheduler reacts by releasing this instance's
// leader lease. Workers do not require leadership and continue.
var ErrLeadershipLost = errors.New("leadership lost")
