/*
errors.go - Centralized error types for the cycle engine

ERROR CATEGORIES:
  1. Configuration errors - Recurrence is incomplete or inconsistent (fatal
     to the call, not retryable with the same input)
  2. Transition errors - Lifecycle operation invoked from the wrong state.
     These are normally returned as a Rejection value inside a Result,
     InvalidTransitionError exists for callers that want an error value.
  3. Lookup and store errors - Missing cycle/program, sequence conflicts

Collaborator errors (entitlement, payment, eligibility) are never wrapped
into these categories; they propagate to the caller as returned.

USAGE:
  if errors.Is(err, cycle.ErrConfiguration) {
      // fix the program recurrence and retry
  }
*/
package cycle

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when a recurrence configuration is invalid.
	ErrConfiguration = errors.New("invalid recurrence configuration")

	// ErrInvalidTransition marks a lifecycle operation attempted from a state
	// that does not allow it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrCycleNotFound is returned when a referenced cycle doesn't exist.
	ErrCycleNotFound = errors.New("cycle not found")

	// ErrProgramNotFound is returned when a referenced program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrSequenceConflict is returned when a new cycle's sequence does not
	// increase over the program's last cycle.
	ErrSequenceConflict = errors.New("cycle sequence must increase")

	// ErrCycleLocked is returned by callers that refuse work on a locked cycle.
	ErrCycleLocked = errors.New("cycle is locked")

	// ErrInvalidQuery is returned for unsupported filters or orderings.
	ErrInvalidQuery = errors.New("invalid query")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError names the recurrence field that is wrong.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid recurrence configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is the error form of a Rejection.
type InvalidTransitionError struct {
	Operation Operation
	State     State
	Required  []State
	Message   string
}

func (e *InvalidTransitionError) Error() string {
	required := make([]string, len(e.Required))
	for i, s := range e.Required {
		required[i] = string(s)
	}
	return fmt.Sprintf("%s: cycle is %s, requires %s", e.Operation, e.State, strings.Join(required, "|"))
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// LockedError reports a cycle held by a background job.
type LockedError struct {
	CycleID CycleID
	Reason  string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("cycle %s is locked: %s", e.CycleID, e.Reason)
}

func (e *LockedError) Unwrap() error {
	return ErrCycleLocked
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrSequenceConflict) ||
		errors.Is(err, ErrInvalidQuery)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCycleNotFound) ||
		errors.Is(err, ErrProgramNotFound)
}
