/*
store.go - Persistence interfaces for the leave ledger

KEY INTERFACES:
  Store:         Ledger entries + the derived balance cache
  TxStore:       Store with an atomic unit of work
  CatalogStore:  Leave type catalog (read-only)
  PolicyStore:   Custom quota policies (read-only)
  RequestSource: Historical leave requests (read-only, reconciliation)
  RunStore:      Reconciliation run reports

APPEND-ONLY CONTRACT:
  Entries are created by Append and soft-deleted by MarkDeleted. Amount,
  BalanceBefore and BalanceAfter are never updated once written.

OPTIMISTIC CONCURRENCY:
  Every entry carries a per-account Version. Stores must reject a second
  entry with the same (tenant, employee, leave type, version) by returning
  ErrConcurrentWrite. The Recorder retries on that error.

IMPLEMENTATIONS:
  - leave/store/memory.go:    In-memory, for tests and local runs
  - store/sqlite/sqlite.go:   SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package leave

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Ledger entries and balance cache
// =============================================================================

type Store interface {
	// Append persists e and assigns e.Seq. Returns ErrConcurrentWrite if the
	// account already has an entry at e.Version.
	Append(ctx context.Context, e *Entry) error

	// Latest returns the latest non-deleted entry, or nil.
	Latest(ctx context.Context, acct Account) (*Entry, error)

	// LastVersion returns the highest Version for the account, deleted
	// entries included. Zero when the account has no entries.
	LastVersion(ctx context.Context, acct Account) (int64, error)

	// Entries returns non-deleted entries in chronological order.
	Entries(ctx context.Context, acct Account) ([]Entry, error)

	// FindByRequest returns the non-deleted entry of the given type for a
	// leave request, or nil.
	FindByRequest(ctx context.Context, acct Account, txType TransactionType, requestID RequestID) (*Entry, error)

	// Get returns an entry by ID. Returns ErrEntryNotFound if missing.
	Get(ctx context.Context, tenant TenantID, id string) (*Entry, error)

	// MarkDeleted soft-deletes an entry.
	MarkDeleted(ctx context.Context, tenant TenantID, id string, reason string) error

	// History returns one page of entries, newest first, and the total count.
	History(ctx context.Context, q HistoryQuery) ([]Entry, int, error)

	// Accounts lists every account of the tenant that has ledger entries.
	Accounts(ctx context.Context, tenant TenantID) ([]Account, error)

	// EmployeeAccounts is Accounts restricted to one employee.
	EmployeeAccounts(ctx context.Context, tenant TenantID, employee EmployeeID) ([]Account, error)

	// SaveCachedBalance overwrites the cache row for the account.
	SaveCachedBalance(ctx context.Context, c CachedBalance) error

	// CachedBalance returns the cache row, or nil.
	CachedBalance(ctx context.Context, acct Account) (*CachedBalance, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// READ-ONLY COLLABORATORS
// =============================================================================

// CatalogStore exposes a tenant's leave types.
type CatalogStore interface {
	LeaveTypes(ctx context.Context, tenant TenantID) ([]LeaveTypeDef, error)
}

// PolicyStore exposes custom quota policies for one leave type. Inactive
// policies may be returned; callers filter.
type PolicyStore interface {
	CustomPolicies(ctx context.Context, tenant TenantID, leaveType LeaveType) ([]CustomPolicy, error)
}

// RequestSource exposes historical leave requests by status.
type RequestSource interface {
	LeaveRequests(ctx context.Context, tenant TenantID, status RequestStatus) ([]LeaveRequest, error)
}

// TenantLister enumerates tenants with ledger-relevant data.
type TenantLister interface {
	Tenants(ctx context.Context) ([]TenantID, error)
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

// RunRecord is a persisted reconciliation report.
type RunRecord struct {
	ID                  string
	TenantID            TenantID
	Status              string // "running", "completed", "failed"
	MigratedUsage       int
	MigratedRestoration int
	Skipped             int
	AlreadyRecorded     int
	CacheRepaired       int
	Errors              int
	Error               string
	StartedAt           time.Time
	CompletedAt         *time.Time
}

// RunStore persists reconciliation runs.
type RunStore interface {
	SaveRun(ctx context.Context, r RunRecord) error
	Runs(ctx context.Context, tenant TenantID, limit int) ([]RunRecord, error)
}

// =============================================================================
// HISTORY QUERY
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// HistoryQuery selects ledger entries for audit display.
type HistoryQuery struct {
	Tenant         TenantID
	Employee       EmployeeID
	Type           LeaveType // empty means all leave types
	FinancialYear  string    // empty means all years
	IncludeDeleted bool
	Page           int // 1-based
	PageSize       int
}

// Normalize clamps paging to sane bounds.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Offset returns the number of rows to skip.
func (q HistoryQuery) Offset() int {
	q = q.Normalize()
	return (q.Page - 1) * q.PageSize
}

// Matches reports whether e is selected by the query filters (not paging).
func (q HistoryQuery) Matches(e Entry) bool {
	if e.TenantID != q.Tenant || e.EmployeeID != q.Employee {
		return false
	}
	if q.Type != "" && e.LeaveType != q.Type {
		return false
	}
	if q.FinancialYear != "" && e.FinancialYear != q.FinancialYear {
		return false
	}
	return q.IncludeDeleted || !e.IsDeleted
}
