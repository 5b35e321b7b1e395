/*
Package sqlite provides a SQLite-backed implementation of the leave store
interfaces.

PURPOSE:
  Implements every persistence interface of the leave package using SQLite.
  The PostgreSQL store (store/postgres) uses the same schema with dialect
  differences only.

INTERFACES IMPLEMENTED:
  leave.TxStore:       Ledger entries + balance cache, transactional
  leave.CatalogStore:  Leave type catalog
  leave.PolicyStore:   Custom quota policies
  leave.RequestSource: Leave requests (reconciliation input)
  leave.RunStore:      Reconciliation run reports
  leave.TenantLister:  Tenants with data

APPEND-ONLY ENFORCEMENT:
  - No UPDATE of amounts or balances on ledger_entries
  - No DELETE on ledger_entries; is_deleted is the only mutable column
  - Corrections via compensating entries

KEY TABLES:
  ledger_entries:      Immutable ledger of all balance changes
  balance_cache:       Derived balance per account (materialized view)
  leave_types:         Tenant leave type catalog
  custom_policies:     Per-employee quota overrides
  leave_requests:      Externally owned request records
  reconciliation_runs: Run reports

INDEXES:
  - idx_ledger_version:       One entry per (account, version). Optimistic
                              concurrency; violations map to ErrConcurrentWrite
  - idx_ledger_request_once:  One live used/restored entry per leave request
  - idx_ledger_account_order: Balance derivation (hot path)

CONCURRENCY:
  The pool is limited to one connection, so SQLite serializes writers. All
  queries inside WithTx run on the transaction, never on the pool.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text with nanoseconds so that
  lexical order equals chronological order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - leave/store.go: Interface definitions
  - leave/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/leave"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*ledger
	db *sql.DB
}

// ledger implements leave.Store on top of a querier.
type ledger struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{ledger: &ledger{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('opening', 'used', 'restored', 'adjustment')),
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		financial_year TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		leave_request_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL,
		migrated BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Optimistic concurrency: one entry per chain position
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_version
		ON ledger_entries(tenant_id, employee_id, leave_type, version);

	-- Structural idempotency: one live used/restored entry per leave request
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_request_once
		ON ledger_entries(tenant_id, employee_id, leave_type, leave_request_id, tx_type)
		WHERE is_deleted = 0 AND leave_request_id IS NOT NULL AND tx_type IN ('used', 'restored');

	-- Balance derivation (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_account_order
		ON ledger_entries(tenant_id, employee_id, leave_type, transaction_date, seq);

	-- History by financial year
	CREATE INDEX IF NOT EXISTS idx_ledger_employee_year
		ON ledger_entries(tenant_id, employee_id, financial_year);

	-- Balance cache (derived, never authoritative)
	CREATE TABLE IF NOT EXISTS balance_cache (
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		total TEXT NOT NULL,
		used TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, employee_id, leave_type)
	);

	-- Leave type catalog
	CREATE TABLE IF NOT EXISTS leave_types (
		tenant_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		annual_quota TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (tenant_id, code)
	);

	-- Custom quota policies
	CREATE TABLE IF NOT EXISTS custom_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		annual_quota TEXT NOT NULL,
		employee_ids_json TEXT NOT NULL DEFAULT '[]',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_custom_policies_type
		ON custom_policies(tenant_id, leave_type);

	-- Leave requests (owned by the approval workflow)
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		days TEXT NOT NULL,
		start_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(tenant_id, status);

	-- Reconciliation runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		migrated_usage INTEGER NOT NULL DEFAULT 0,
		migrated_restoration INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		already_recorded INTEGER NOT NULL DEFAULT 0,
		cache_repaired INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_tenant
		ON reconciliation_runs(tenant_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (leave.Store interface)
// =============================================================================

const entryColumns = `
	seq, id, version, tenant_id, employee_id, leave_type, tx_type,
	amount, balance_before, balance_after, transaction_date, occurred_at,
	financial_year, year, month, leave_request_id, description, actor_id,
	migrated, is_deleted, deleted_reason, created_at`

// Append adds an entry to the ledger and assigns its Seq.
func (l *ledger) Append(ctx context.Context, e *leave.Entry) error {
	query := `
		INSERT INTO ledger_entries
		(id, version, tenant_id, employee_id, leave_type, tx_type,
		 amount, balance_before, balance_after, transaction_date, occurred_at,
		 financial_year, year, month, leave_request_id, description, actor_id,
		 migrated, is_deleted, deleted_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := l.q.ExecContext(ctx, query,
		e.ID,
		e.Version,
		e.TenantID,
		e.EmployeeID,
		e.LeaveType,
		e.Type,
		e.Amount.String(),
		e.BalanceBefore.String(),
		e.BalanceAfter.String(),
		formatTime(e.TransactionDate),
		formatTime(e.OccurredAt),
		e.FinancialYear,
		e.Year,
		e.Month,
		nullString(string(e.LeaveRequestID)),
		e.Description,
		e.ActorID,
		e.Migrated,
		e.IsDeleted,
		e.DeletedReason,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return leave.ErrConcurrentWrite
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read entry seq: %w", err)
	}
	e.Seq = seq
	return nil
}

func (l *ledger) Latest(ctx context.Context, acct leave.Account) (*leave.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = ? AND employee_id = ? AND leave_type = ? AND is_deleted = 0
		ORDER BY transaction_date DESC, seq DESC
		LIMIT 1
	`
	return l.queryOne(ctx, query, acct.Tenant, acct.Employee, acct.Type)
}

func (l *ledger) LastVersion(ctx context.Context, acct leave.Account) (int64, error) {
	var version int64
	err := l.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger_entries
		WHERE tenant_id = ? AND employee_id = ? AND leave_type = ?
	`, acct.Tenant, acct.Employee, acct.Type).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read last version: %w", err)
	}
	return version, nil
}

func (l *ledger) Entries(ctx context.Context, acct leave.Account) ([]leave.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = ? AND employee_id = ? AND leave_type = ? AND is_deleted = 0
		ORDER BY transaction_date ASC, seq ASC
	`
	return l.queryEntries(ctx, query, acct.Tenant, acct.Employee, acct.Type)
}

func (l *ledger) FindByRequest(ctx context.Context, acct leave.Account, txType leave.TransactionType, requestID leave.RequestID) (*leave.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = ? AND employee_id = ? AND leave_type = ?
		  AND tx_type = ? AND leave_request_id = ? AND is_deleted = 0
		LIMIT 1
	`
	return l.queryOne(ctx, query, acct.Tenant, acct.Employee, acct.Type, txType, requestID)
}

func (l *ledger) Get(ctx context.Context, tenant leave.TenantID, id string) (*leave.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE tenant_id = ? AND id = ?
	`
	e, err := l.queryOne(ctx, query, tenant, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, leave.ErrEntryNotFound
	}
	return e, nil
}

// MarkDeleted flags an entry as deleted. The only UPDATE on ledger_entries.
func (l *ledger) MarkDeleted(ctx context.Context, tenant leave.TenantID, id string, reason string) error {
	res, err := l.q.ExecContext(ctx, `
		UPDATE ledger_entries SET is_deleted = 1, deleted_reason = ?
		WHERE tenant_id = ? AND id = ?
	`, reason, tenant, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return leave.ErrEntryNotFound
	}
	return nil
}

func (l *ledger) History(ctx context.Context, q leave.HistoryQuery) ([]leave.Entry, int, error) {
	q = q.Normalize()
	where := `WHERE tenant_id = ? AND employee_id = ?`
	args := []any{q.Tenant, q.Employee}
	if q.Type != "" {
		where += ` AND leave_type = ?`
		args = append(args, q.Type)
	}
	if q.FinancialYear != "" {
		where += ` AND financial_year = ?`
		args = append(args, q.FinancialYear)
	}
	if !q.IncludeDeleted {
		where += ` AND is_deleted = 0`
	}

	var total int
	if err := l.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries ` + where + `
		ORDER BY transaction_date DESC, seq DESC
		LIMIT ? OFFSET ?`
	entries, err := l.queryEntries(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (l *ledger) Accounts(ctx context.Context, tenant leave.TenantID) ([]leave.Account, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT DISTINCT employee_id, leave_type FROM ledger_entries
		WHERE tenant_id = ?
		ORDER BY employee_id, leave_type
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []leave.Account
	for rows.Next() {
		a := leave.Account{Tenant: tenant}
		if err := rows.Scan(&a.Employee, &a.Type); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// EmployeeAccounts walks the idx_ledger_account_order prefix.
func (l *ledger) EmployeeAccounts(ctx context.Context, tenant leave.TenantID, employee leave.EmployeeID) ([]leave.Account, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT DISTINCT leave_type FROM ledger_entries
		WHERE tenant_id = ? AND employee_id = ?
		ORDER BY leave_type
	`, tenant, employee)
	if err != nil {
		return nil, fmt.Errorf("failed to list employee accounts: %w", err)
	}
	defer rows.Close()

	var accounts []leave.Account
	for rows.Next() {
		a := leave.Account{Tenant: tenant, Employee: employee}
		if err := rows.Scan(&a.Type); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (l *ledger) SaveCachedBalance(ctx context.Context, c leave.CachedBalance) error {
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO balance_cache (tenant_id, employee_id, leave_type, total, used, balance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, employee_id, leave_type) DO UPDATE SET
			total = excluded.total,
			used = excluded.used,
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`,
		c.Account.Tenant, c.Account.Employee, c.Account.Type,
		c.Total.String(), c.Used.String(), c.Balance.String(),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save cached balance: %w", err)
	}
	return nil
}

func (l *ledger) CachedBalance(ctx context.Context, acct leave.Account) (*leave.CachedBalance, error) {
	var total, used, balance, updatedAt string
	err := l.q.QueryRowContext(ctx, `
		SELECT total, used, balance, updated_at FROM balance_cache
		WHERE tenant_id = ? AND employee_id = ? AND leave_type = ?
	`, acct.Tenant, acct.Employee, acct.Type).Scan(&total, &used, &balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached balance: %w", err)
	}

	c := &leave.CachedBalance{Account: acct, UpdatedAt: parseTime(updatedAt)}
	if c.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if c.Used, err = decimal.NewFromString(used); err != nil {
		return nil, err
	}
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *ledger) queryOne(ctx context.Context, query string, args ...any) (*leave.Entry, error) {
	entries, err := l.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (l *ledger) queryEntries(ctx context.Context, query string, args ...any) ([]leave.Entry, error) {
	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []leave.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (leave.Entry, error) {
	var (
		e               leave.Entry
		amount          string
		balanceBefore   string
		balanceAfter    string
		transactionDate string
		occurredAt      string
		requestID       sql.NullString
		createdAt       string
	)

	err := rows.Scan(
		&e.Seq, &e.ID, &e.Version, &e.TenantID, &e.EmployeeID, &e.LeaveType, &e.Type,
		&amount, &balanceBefore, &balanceAfter, &transactionDate, &occurredAt,
		&e.FinancialYear, &e.Year, &e.Month, &requestID, &e.Description, &e.ActorID,
		&e.Migrated, &e.IsDeleted, &e.DeletedReason, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s amount: %w", e.ID, err)
	}
	if e.BalanceBefore, err = decimal.NewFromString(balanceBefore); err != nil {
		return e, fmt.Errorf("entry %s balance_before: %w", e.ID, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return e, fmt.Errorf("entry %s balance_after: %w", e.ID, err)
	}
	e.TransactionDate = parseTime(transactionDate)
	e.OccurredAt = parseTime(occurredAt)
	e.CreatedAt = parseTime(createdAt)
	e.LeaveRequestID = leave.RequestID(requestID.String)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (leave.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store leave.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&ledger{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// CATALOG (leave.CatalogStore interface)
// =============================================================================

// SaveLeaveType inserts or replaces a catalog entry.
func (s *Store) SaveLeaveType(ctx context.Context, tenant leave.TenantID, def leave.LeaveTypeDef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO leave_types (tenant_id, code, name, annual_quota, is_active)
		VALUES (?, ?, ?, ?, ?)
	`, tenant, def.Code, def.Name, def.AnnualQuota.String(), def.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save leave type: %w", err)
	}
	return nil
}

func (s *Store) LeaveTypes(ctx context.Context, tenant leave.TenantID) ([]leave.LeaveTypeDef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, annual_quota, is_active FROM leave_types
		WHERE tenant_id = ?
		ORDER BY code
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var defs []leave.LeaveTypeDef
	for rows.Next() {
		var (
			def   leave.LeaveTypeDef
			quota string
		)
		if err := rows.Scan(&def.Code, &def.Name, &quota, &def.IsActive); err != nil {
			return nil, err
		}
		if def.AnnualQuota, err = decimal.NewFromString(quota); err != nil {
			return nil, fmt.Errorf("leave type %s quota: %w", def.Code, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// =============================================================================
// CUSTOM POLICIES (leave.PolicyStore interface)
// =============================================================================

// SavePolicy inserts or replaces a custom policy.
func (s *Store) SavePolicy(ctx context.Context, p leave.CustomPolicy) error {
	employeesJSON, err := json.Marshal(p.EmployeeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO custom_policies
		(id, tenant_id, name, leave_type, annual_quota, employee_ids_json, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.TenantID, p.Name, p.LeaveType, p.AnnualQuota.String(),
		string(employeesJSON), p.IsActive,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *Store) CustomPolicies(ctx context.Context, tenant leave.TenantID, leaveType leave.LeaveType) ([]leave.CustomPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, leave_type, annual_quota, employee_ids_json, is_active, created_at, updated_at
		FROM custom_policies
		WHERE tenant_id = ? AND leave_type = ?
	`, tenant, leaveType)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []leave.CustomPolicy
	for rows.Next() {
		var (
			p                    leave.CustomPolicy
			quota, employeesJSON string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.LeaveType, &quota,
			&employeesJSON, &p.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if p.AnnualQuota, err = decimal.NewFromString(quota); err != nil {
			return nil, fmt.Errorf("policy %s quota: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(employeesJSON), &p.EmployeeIDs); err != nil {
			return nil, fmt.Errorf("policy %s employees: %w", p.ID, err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// =============================================================================
// LEAVE REQUESTS (leave.RequestSource interface)
// =============================================================================

// SaveLeaveRequest inserts or replaces a leave request. Used by the approval
// workflow and tests; the ledger only reads requests.
func (s *Store) SaveLeaveRequest(ctx context.Context, r leave.LeaveRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO leave_requests
		(id, tenant_id, employee_id, leave_type, days, start_date, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.TenantID, r.EmployeeID, r.LeaveType, r.Days.String(),
		formatTime(r.StartDate), r.Status, formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save leave request: %w", err)
	}
	return nil
}

func (s *Store) LeaveRequests(ctx context.Context, tenant leave.TenantID, status leave.RequestStatus) ([]leave.LeaveRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, employee_id, leave_type, days, start_date, status, updated_at
		FROM leave_requests
		WHERE tenant_id = ? AND status = ?
		ORDER BY updated_at, id
	`, tenant, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave requests: %w", err)
	}
	defer rows.Close()

	var requests []leave.LeaveRequest
	for rows.Next() {
		var (
			r                    leave.LeaveRequest
			days                 string
			startDate, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EmployeeID, &r.LeaveType, &days,
			&startDate, &r.Status, &updatedAt); err != nil {
			return nil, err
		}
		// Malformed day counts are left zero; reconciliation reports them.
		r.Days, _ = decimal.NewFromString(days)
		r.StartDate = parseTime(startDate)
		r.UpdatedAt = parseTime(updatedAt)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (leave.RunStore interface)
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r leave.RunRecord) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = nullString(formatTime(*r.CompletedAt))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reconciliation_runs
		(id, tenant_id, status, migrated_usage, migrated_restoration, skipped,
		 already_recorded, cache_repaired, errors, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.TenantID, r.Status, r.MigratedUsage, r.MigratedRestoration, r.Skipped,
		r.AlreadyRecorded, r.CacheRepaired, r.Errors, nullString(r.Error),
		formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs first.
func (s *Store) Runs(ctx context.Context, tenant leave.TenantID, limit int) ([]leave.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, status, migrated_usage, migrated_restoration, skipped,
		       already_recorded, cache_repaired, errors, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE tenant_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []leave.RunRecord
	for rows.Next() {
		var (
			r           leave.RunRecord
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Status, &r.MigratedUsage, &r.MigratedRestoration,
			&r.Skipped, &r.AlreadyRecorded, &r.CacheRepaired, &r.Errors, &errText,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Tenants lists every tenant with catalog, request or ledger data.
func (s *Store) Tenants(ctx context.Context) ([]leave.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM leave_types
		UNION SELECT tenant_id FROM leave_requests
		UNION SELECT tenant_id FROM ledger_entries
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []leave.TenantID
	for rows.Next() {
		var t leave.TenantID
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
