/*
errors.go - Error taxonomy for the leave ledger

ERROR CATEGORIES:
  1. Client errors   - InvalidRequest, UnknownLeaveType, NoMatchingUsage
  2. Transient       - ConcurrentWrite (retried inside the Recorder)
  3. Warnings        - DuplicatePolicyConflict (never fatal)

Duplicate used/restored attempts are NOT errors: the Recorder returns the
existing entry.
*/
package leave

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRequest covers malformed identifiers, non-positive day counts
	// and missing leave types.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoMatchingUsage is returned when a restoration has no prior usage
	// entry for the same leave request.
	ErrNoMatchingUsage = errors.New("no matching usage entry")

	// ErrDuplicatePolicyConflict marks more than one active custom policy
	// matching the same employee and leave type.
	ErrDuplicatePolicyConflict = errors.New("duplicate custom policy conflict")

	// ErrUnknownLeaveType is returned when a leave type is missing from the
	// tenant's catalog or inactive.
	ErrUnknownLeaveType = errors.New("unknown leave type")

	// ErrConcurrentWrite is returned by stores when another writer appended
	// to the same account first.
	ErrConcurrentWrite = errors.New("concurrent write conflict")

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// NoMatchingUsageError reports a restoration attempted without usage.
type NoMatchingUsageError struct {
	Account   Account
	RequestID RequestID
}

func (e *NoMatchingUsageError) Error() string {
	return fmt.Sprintf("no usage recorded for leave request %s on %s", e.RequestID, e.Account)
}

func (e *NoMatchingUsageError) Unwrap() error {
	return ErrNoMatchingUsage
}

// UnknownLeaveTypeError names the missing catalog entry.
type UnknownLeaveTypeError struct {
	Tenant TenantID
	Type   LeaveType
}

func (e *UnknownLeaveTypeError) Error() string {
	return fmt.Sprintf("leave type %q is not an active catalog type for tenant %s", e.Type, e.Tenant)
}

func (e *UnknownLeaveTypeError) Unwrap() error {
	return ErrUnknownLeaveType
}

// PolicyConflictError lists every active policy that matched. The policy
// that won the tie-break is Chosen.
type PolicyConflictError struct {
	Employee EmployeeID
	Type     LeaveType
	Chosen   CustomPolicy
	Matches  []CustomPolicy
}

func (e *PolicyConflictError) Error() string {
	names := make([]string, len(e.Matches))
	for i, p := range e.Matches {
		names[i] = fmt.Sprintf("%s(%s)", p.Name, p.ID)
	}
	return fmt.Sprintf("%d active custom policies match %s/%s: %s; using %s",
		len(e.Matches), e.Employee, e.Type, strings.Join(names, ", "), e.Chosen.Name)
}

func (e *PolicyConflictError) Unwrap() error {
	return ErrDuplicatePolicyConflict
}

func invalidf(field string, value decimal.Decimal, reason string) error {
	return &ValidationError{Field: field, Value: value.String(), Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentWrite)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownLeaveType) ||
		errors.Is(err, ErrNoMatchingUsage)
}
