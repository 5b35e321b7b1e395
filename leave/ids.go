package leave

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// IDENTIFIERS - Validated once at the system edge
// =============================================================================

// TenantID scopes every ledger operation to one company.
type TenantID string

// EmployeeID is the tenant-scoped, stable employee identifier. It is not a
// database row reference.
type EmployeeID string

// LeaveType is the lowercase code of a leave category (e.g. "earned", "sick").
type LeaveType string

// RequestID references a leave request owned by the external workflow.
type RequestID string

// ActorID identifies who performed a manual ledger action.
type ActorID string

// ActorSystem is used for entries written by the engine itself.
const ActorSystem ActorID = "system"

const maxIDLength = 128

// Placeholder strings that leak into identifier fields from loosely typed
// clients. They are never valid identifiers.
var poisonedIDs = map[string]bool{
	"null":            true,
	"undefined":       true,
	"nil":             true,
	"none":            true,
	"nan":             true,
	"[object object]": true,
}

var leaveTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

func parseID(field, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &ValidationError{Field: field, Value: raw, Reason: "must not be empty"}
	}
	if poisonedIDs[strings.ToLower(s)] {
		return "", &ValidationError{Field: field, Value: raw, Reason: "placeholder value is not an identifier"}
	}
	if len(s) > maxIDLength {
		return "", &ValidationError{Field: field, Value: raw, Reason: fmt.Sprintf("longer than %d characters", maxIDLength)}
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", &ValidationError{Field: field, Value: raw, Reason: "contains whitespace or control characters"}
		}
	}
	return s, nil
}

// ParseTenantID validates a raw tenant identifier.
func ParseTenantID(raw string) (TenantID, error) {
	s, err := parseID("tenant_id", raw)
	return TenantID(s), err
}

// ParseEmployeeID validates a raw employee identifier.
func ParseEmployeeID(raw string) (EmployeeID, error) {
	s, err := parseID("employee_id", raw)
	return EmployeeID(s), err
}

// ParseRequestID validates a raw leave request identifier.
func ParseRequestID(raw string) (RequestID, error) {
	s, err := parseID("leave_request_id", raw)
	return RequestID(s), err
}

// ParseActorID validates a raw actor identifier.
func ParseActorID(raw string) (ActorID, error) {
	s, err := parseID("actor_id", raw)
	return ActorID(s), err
}

// ParseLeaveType normalizes a leave type code to lowercase and validates it.
func ParseLeaveType(raw string) (LeaveType, error) {
	s, err := parseID("leave_type", raw)
	if err != nil {
		return "", err
	}
	s = strings.ToLower(s)
	if !leaveTypePattern.MatchString(s) {
		return "", &ValidationError{Field: "leave_type", Value: raw, Reason: "must match " + leaveTypePattern.String()}
	}
	return LeaveType(s), nil
}

// =============================================================================
// ACCOUNT - The (tenant, employee, leave type) serialization key
// =============================================================================

// Account identifies one running balance. All balance-affecting writes for
// the same Account are serialized.
type Account struct {
	Tenant   TenantID
	Employee EmployeeID
	Type     LeaveType
}

// NewAccount parses raw identifiers into an Account.
func NewAccount(tenant, employee, leaveType string) (Account, error) {
	t, err := ParseTenantID(tenant)
	if err != nil {
		return Account{}, err
	}
	e, err := ParseEmployeeID(employee)
	if err != nil {
		return Account{}, err
	}
	lt, err := ParseLeaveType(leaveType)
	if err != nil {
		return Account{}, err
	}
	return Account{Tenant: t, Employee: e, Type: lt}, nil
}

// Validate re-checks an Account built from a struct literal.
func (a Account) Validate() error {
	parsed, err := NewAccount(string(a.Tenant), string(a.Employee), string(a.Type))
	if err != nil {
		return err
	}
	if parsed != a {
		return &ValidationError{Field: "account", Value: a.String(), Reason: "not in canonical form"}
	}
	return nil
}

func (a Account) String() string {
	return fmt.Sprintf("%s/%s/%s", a.Tenant, a.Employee, a.Type)
}
