/*
Package leave implements the leave ledger balance engine.

PURPOSE:
  An append-only, per-employee, per-leave-type transaction log that is the
  source of truth for how many leave days an employee has, has used, and has
  remaining. Everything else (the cached balance on the employee record, the
  dashboard summary) is derived from it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: One immutable ledger transaction (opening, used, restored, adjustment)
  - CachedBalance: Denormalized snapshot on the employee record
  - CustomPolicy / LeaveTypeDef: Read-only quota configuration
  - LeaveRequest: Externally owned request, observed by reconciliation

INVARIANTS:
  1. Chain:       BalanceAfter == BalanceBefore + Amount, for every entry
  2. Latest wins: current balance == BalanceAfter of the latest non-deleted
                  entry, ordered by (TransactionDate, Seq)
  3. Idempotent:  at most one non-deleted used and one non-deleted restored
                  entry per (account, leave request)
  4. Derived cache: CachedBalance is only written after a successful append

SEE ALSO:
  - recorder.go: The single write path
  - balance.go:  Balance derivation and read queries
  - policy.go:   Quota resolution
  - store.go:    Persistence interfaces
*/
package leave

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY - Immutable once written, soft-deletable for corrections
// =============================================================================

type TransactionType string

const (
	TxOpening    TransactionType = "opening"    // Baseline for the running balance
	TxUsed       TransactionType = "used"       // Approved leave request (negative)
	TxRestored   TransactionType = "restored"   // Cancelled approved request (positive)
	TxAdjustment TransactionType = "adjustment" // Manual correction, either sign
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxOpening, TxUsed, TxRestored, TxAdjustment:
		return true
	}
	return false
}

// Entry is one ledger transaction.
type Entry struct {
	ID      string
	Seq     int64 // store-assigned insertion order, tie-breaker
	Version int64 // chain position within the account, includes deleted entries

	TenantID   TenantID
	EmployeeID EmployeeID
	LeaveType  LeaveType
	Type       TransactionType

	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	TransactionDate time.Time // posting time, never earlier than the previous entry
	OccurredAt      time.Time // when the leave happened
	FinancialYear   string
	Year            int
	Month           int

	LeaveRequestID RequestID
	Description    string
	ActorID        ActorID
	Migrated       bool

	IsDeleted     bool
	DeletedReason string
	CreatedAt     time.Time
}

// Account returns the running balance this entry belongs to.
func (e Entry) Account() Account {
	return Account{Tenant: e.TenantID, Employee: e.EmployeeID, Type: e.LeaveType}
}

// Chained reports whether the entry satisfies BalanceAfter == BalanceBefore + Amount.
func (e Entry) Chained() bool {
	return e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter)
}

// Before orders entries chronologically: TransactionDate, then insertion order.
func (e Entry) Before(other Entry) bool {
	if !e.TransactionDate.Equal(other.TransactionDate) {
		return e.TransactionDate.Before(other.TransactionDate)
	}
	return e.Seq < other.Seq
}

// =============================================================================
// EMPLOYEE BALANCE CACHE - Materialized view of the ledger
// =============================================================================

// CachedBalance is the denormalized balance stored on the employee record.
// It is never authoritative: on any mismatch the ledger wins.
type CachedBalance struct {
	Account   Account
	Total     decimal.Decimal
	Used      decimal.Decimal
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Matches reports whether the cache agrees with a derived balance.
func (c CachedBalance) Matches(b Balance) bool {
	return c.Total.Equal(b.Total) && c.Used.Equal(b.Used) && c.Balance.Equal(b.Balance)
}

// =============================================================================
// QUOTA CONFIGURATION - Owned by external admin tooling
// =============================================================================

// LeaveTypeDef is one entry of a tenant's leave type catalog.
type LeaveTypeDef struct {
	Code        LeaveType
	Name        string
	AnnualQuota decimal.Decimal
	IsActive    bool
}

// CustomPolicy overrides the default annual quota for a set of employees.
type CustomPolicy struct {
	ID          string
	TenantID    TenantID
	Name        string
	LeaveType   LeaveType
	AnnualQuota decimal.Decimal
	EmployeeIDs []EmployeeID
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AppliesTo reports whether the policy is active and covers the employee.
func (p CustomPolicy) AppliesTo(employee EmployeeID, leaveType LeaveType) bool {
	if !p.IsActive || p.LeaveType != leaveType {
		return false
	}
	for _, id := range p.EmployeeIDs {
		if id == employee {
			return true
		}
	}
	return false
}

// =============================================================================
// LEAVE REQUEST - Observed, not owned
// =============================================================================

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// LedgerEffect returns the transaction a request in this status implies.
// Only approved (usage) and cancelled (restoration of a prior usage) touch
// the ledger; a cancelled request without usage has no effect.
func (s RequestStatus) LedgerEffect() (TransactionType, bool) {
	switch s {
	case StatusApproved:
		return TxUsed, true
	case StatusCancelled:
		return TxRestored, true
	}
	return "", false
}

// LeaveRequest is a historical request read by reconciliation. Identifier
// fields stay raw strings because historical data may be malformed.
type LeaveRequest struct {
	ID         string
	TenantID   string
	EmployeeID string
	LeaveType  string
	Days       decimal.Decimal
	StartDate  time.Time
	Status     RequestStatus
	UpdatedAt  time.Time
}
