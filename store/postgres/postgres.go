/*
Package postgres provides a PostgreSQL-backed implementation of the leave
store interfaces using pgx.

Schema and semantics mirror store/sqlite; see that package for the table
and index overview. Differences:
  - seq is a BIGINT identity column returned by INSERT ... RETURNING
  - amounts are NUMERIC(12,4), read back through ::text into decimal
  - timestamps are TIMESTAMPTZ
  - unique violations (SQLSTATE 23505) and serialization failures (40001)
    map to leave.ErrConcurrentWrite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-ledger/leave"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	*ledger
	pool *pgxpool.Pool
}

type ledger struct {
	q querier
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store, err := NewFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewFromPool wraps an existing pool and migrates the schema.
func NewFromPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	store := &Store{ledger: &ledger{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		version BIGINT NOT NULL,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('opening', 'used', 'restored', 'adjustment')),
		amount NUMERIC(12,4) NOT NULL,
		balance_before NUMERIC(12,4) NOT NULL,
		balance_after NUMERIC(12,4) NOT NULL CHECK (balance_after = balance_before + amount),
		transaction_date TIMESTAMPTZ NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		financial_year TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		leave_request_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL,
		migrated BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_version
		ON ledger_entries(tenant_id, employee_id, leave_type, version)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_request_once
		ON ledger_entries(tenant_id, employee_id, leave_type, leave_request_id, tx_type)
		WHERE NOT is_deleted AND leave_request_id IS NOT NULL AND tx_type IN ('used', 'restored')`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_account_order
		ON ledger_entries(tenant_id, employee_id, leave_type, transaction_date, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_employee_year
		ON ledger_entries(tenant_id, employee_id, financial_year)`,
	`CREATE TABLE IF NOT EXISTS balance_cache (
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		total NUMERIC(12,4) NOT NULL,
		used NUMERIC(12,4) NOT NULL,
		balance NUMERIC(12,4) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, employee_id, leave_type)
	)`,
	`CREATE TABLE IF NOT EXISTS leave_types (
		tenant_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		annual_quota NUMERIC(12,4) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (tenant_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS custom_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		annual_quota NUMERIC(12,4) NOT NULL,
		employee_ids JSONB NOT NULL DEFAULT '[]',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_custom_policies_type
		ON custom_policies(tenant_id, leave_type)`,
	`CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		days TEXT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		migrated_usage INTEGER NOT NULL DEFAULT 0,
		migrated_restoration INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		already_recorded INTEGER NOT NULL DEFAULT 0,
		cache_repaired INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_tenant
		ON reconciliation_runs(tenant_id, started_at DESC)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LEDGER STORE (leave.Store interface)
// =============================================================================

const entryColumns = `
	seq, id::text, version, tenant_id, employee_id, leave_type, tx_type,
	amount::text, balance_before::text, balance_after::text,
	transaction_date, occurred_at, financial_year, year, month,
	COALESCE(leave_request_id, ''), description, actor_id,
	migrated, is_deleted, deleted_reason, created_at`

func (l *ledger) Append(ctx context.Context, e *leave.Entry) error {
	var requestID *string
	if e.LeaveRequestID != "" {
		s := string(e.LeaveRequestID)
		requestID = &s
	}

	err := l.q.QueryRow(ctx, `
		INSERT INTO ledger_entries
		(id, version, tenant_id, employee_id, leave_type, tx_type,
		 amount, balance_before, balance_after, transaction_date, occurred_at,
		 financial_year, year, month, leave_request_id, description, actor_id,
		 migrated, is_deleted, deleted_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING seq
	`,
		e.ID, e.Version, string(e.TenantID), string(e.EmployeeID), string(e.LeaveType), string(e.Type),
		e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.TransactionDate.UTC(), e.OccurredAt.UTC(),
		e.FinancialYear, e.Year, e.Month, requestID, e.Description, string(e.ActorID),
		e.Migrated, e.IsDeleted, e.DeletedReason, e.CreatedAt.UTC(),
	).Scan(&e.Seq)
	if err != nil {
		if isConflict(err) {
			return leave.ErrConcurrentWrite
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (l *ledger) Latest(ctx context.Context, acct leave.Account) (*leave.Entry, error) {
	return l.queryOne(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND employee_id = $2 AND leave_type = $3 AND NOT is_deleted
		ORDER BY transaction_date DESC, seq DESC
		LIMIT 1`,
		string(acct.Tenant), string(acct.Employee), string(acct.Type))
}

func (l *ledger) LastVersion(ctx context.Context, acct leave.Account) (int64, error) {
	var version int64
	err := l.q.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger_entries
		WHERE tenant_id = $1 AND employee_id = $2 AND leave_type = $3
	`, string(acct.Tenant), string(acct.Employee), string(acct.Type)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read last version: %w", err)
	}
	return version, nil
}

func (l *ledger) Entries(ctx context.Context, acct leave.Account) ([]leave.Entry, error) {
	return l.queryEntries(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND employee_id = $2 AND leave_type = $3 AND NOT is_deleted
		ORDER BY transaction_date ASC, seq ASC`,
		string(acct.Tenant), string(acct.Employee), string(acct.Type))
}

func (l *ledger) FindByRequest(ctx context.Context, acct leave.Account, txType leave.TransactionType, requestID leave.RequestID) (*leave.Entry, error) {
	return l.queryOne(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND employee_id = $2 AND leave_type = $3
		  AND tx_type = $4 AND leave_request_id = $5 AND NOT is_deleted
		LIMIT 1`,
		string(acct.Tenant), string(acct.Employee), string(acct.Type), string(txType), string(requestID))
}

func (l *ledger) Get(ctx context.Context, tenant leave.TenantID, id string) (*leave.Entry, error) {
	e, err := l.queryOne(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND id::text = $2`,
		string(tenant), id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, leave.ErrEntryNotFound
	}
	return e, nil
}

func (l *ledger) MarkDeleted(ctx context.Context, tenant leave.TenantID, id string, reason string) error {
	tag, err := l.q.Exec(ctx, `
		UPDATE ledger_entries SET is_deleted = TRUE, deleted_reason = $1
		WHERE tenant_id = $2 AND id::text = $3
	`, reason, string(tenant), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leave.ErrEntryNotFound
	}
	return nil
}

func (l *ledger) History(ctx context.Context, q leave.HistoryQuery) ([]leave.Entry, int, error) {
	q = q.Normalize()
	where := `WHERE tenant_id = $1 AND employee_id = $2`
	args := []any{string(q.Tenant), string(q.Employee)}
	if q.Type != "" {
		args = append(args, string(q.Type))
		where += ` AND leave_type = $` + strconv.Itoa(len(args))
	}
	if q.FinancialYear != "" {
		args = append(args, q.FinancialYear)
		where += ` AND financial_year = $` + strconv.Itoa(len(args))
	}
	if !q.IncludeDeleted {
		where += ` AND NOT is_deleted`
	}

	var total int
	if err := l.q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	limitArg := len(args) + 1
	query := fmt.Sprintf(`SELECT %s FROM ledger_entries %s
		ORDER BY transaction_date DESC, seq DESC
		LIMIT $%d OFFSET $%d`, entryColumns, where, limitArg, limitArg+1)
	entries, err := l.queryEntries(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (l *ledger) Accounts(ctx context.Context, tenant leave.TenantID) ([]leave.Account, error) {
	rows, err := l.q.Query(ctx, `
		SELECT DISTINCT employee_id, leave_type FROM ledger_entries
		WHERE tenant_id = $1
		ORDER BY employee_id, leave_type
	`, string(tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []leave.Account
	for rows.Next() {
		var employee, leaveType string
		if err := rows.Scan(&employee, &leaveType); err != nil {
			return nil, err
		}
		accounts = append(accounts, leave.Account{
			Tenant:   tenant,
			Employee: leave.EmployeeID(employee),
			Type:     leave.LeaveType(leaveType),
		})
	}
	return accounts, rows.Err()
}

func (l *ledger) EmployeeAccounts(ctx context.Context, tenant leave.TenantID, employee leave.EmployeeID) ([]leave.Account, error) {
	rows, err := l.q.Query(ctx, `
		SELECT DISTINCT leave_type FROM ledger_entries
		WHERE tenant_id = $1 AND employee_id = $2
		ORDER BY leave_type
	`, string(tenant), string(employee))
	if err != nil {
		return nil, fmt.Errorf("failed to list employee accounts: %w", err)
	}
	defer rows.Close()

	var accounts []leave.Account
	for rows.Next() {
		var leaveType string
		if err := rows.Scan(&leaveType); err != nil {
			return nil, err
		}
		accounts = append(accounts, leave.Account{Tenant: tenant, Employee: employee, Type: leave.LeaveType(leaveType)})
	}
	return accounts, rows.Err()
}

func (l *ledger) SaveCachedBalance(ctx context.Context, c leave.CachedBalance) error {
	_, err := l.q.Exec(ctx, `
		INSERT INTO balance_cache (tenant_id, employee_id, leave_type, total, used, balance, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (tenant_id, employee_id, leave_type) DO UPDATE SET
			total = EXCLUDED.total,
			used = EXCLUDED.used,
			balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`,
		string(c.Account.Tenant), string(c.Account.Employee), string(c.Account.Type),
		c.Total.String(), c.Used.String(), c.Balance.String(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cached balance: %w", err)
	}
	return nil
}

func (l *ledger) CachedBalance(ctx context.Context, acct leave.Account) (*leave.CachedBalance, error) {
	var total, used, balance string
	c := &leave.CachedBalance{Account: acct}
	err := l.q.QueryRow(ctx, `
		SELECT total::text, used::text, balance::text, updated_at FROM balance_cache
		WHERE tenant_id = $1 AND employee_id = $2 AND leave_type = $3
	`, string(acct.Tenant), string(acct.Employee), string(acct.Type)).Scan(&total, &used, &balance, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached balance: %w", err)
	}
	if c.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if c.Used, err = decimal.NewFromString(used); err != nil {
		return nil, err
	}
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
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
	rows, err := l.q.Query(ctx, query, args...)
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

func scanEntry(rows pgx.Rows) (leave.Entry, error) {
	var (
		e                                   leave.Entry
		tenant, employee, leaveType, txType string
		amount, balanceBefore, balanceAfter string
		requestID, actor                    string
	)
	err := rows.Scan(
		&e.Seq, &e.ID, &e.Version, &tenant, &employee, &leaveType, &txType,
		&amount, &balanceBefore, &balanceAfter,
		&e.TransactionDate, &e.OccurredAt, &e.FinancialYear, &e.Year, &e.Month,
		&requestID, &e.Description, &actor,
		&e.Migrated, &e.IsDeleted, &e.DeletedReason, &e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.TenantID = leave.TenantID(tenant)
	e.EmployeeID = leave.EmployeeID(employee)
	e.LeaveType = leave.LeaveType(leaveType)
	e.Type = leave.TransactionType(txType)
	e.LeaveRequestID = leave.RequestID(requestID)
	e.ActorID = leave.ActorID(actor)
	e.TransactionDate = e.TransactionDate.UTC()
	e.OccurredAt = e.OccurredAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s amount: %w", e.ID, err)
	}
	if e.BalanceBefore, err = decimal.NewFromString(balanceBefore); err != nil {
		return e, fmt.Errorf("entry %s balance_before: %w", e.ID, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return e, fmt.Errorf("entry %s balance_after: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (leave.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store leave.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledger{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return leave.ErrConcurrentWrite
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// CATALOG, POLICIES, REQUESTS
// =============================================================================

func (s *Store) SaveLeaveType(ctx context.Context, tenant leave.TenantID, def leave.LeaveTypeDef) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leave_types (tenant_id, code, name, annual_quota, is_active)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (tenant_id, code) DO UPDATE SET
			name = EXCLUDED.name,
			annual_quota = EXCLUDED.annual_quota,
			is_active = EXCLUDED.is_active
	`, string(tenant), string(def.Code), def.Name, def.AnnualQuota.String(), def.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save leave type: %w", err)
	}
	return nil
}

func (s *Store) LeaveTypes(ctx context.Context, tenant leave.TenantID) ([]leave.LeaveTypeDef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, name, annual_quota::text, is_active FROM leave_types
		WHERE tenant_id = $1
		ORDER BY code
	`, string(tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var defs []leave.LeaveTypeDef
	for rows.Next() {
		var code, name, quota string
		var active bool
		if err := rows.Scan(&code, &name, &quota, &active); err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(quota)
		if err != nil {
			return nil, fmt.Errorf("leave type %s quota: %w", code, err)
		}
		defs = append(defs, leave.LeaveTypeDef{Code: leave.LeaveType(code), Name: name, AnnualQuota: q, IsActive: active})
	}
	return defs, rows.Err()
}

func (s *Store) SavePolicy(ctx context.Context, p leave.CustomPolicy) error {
	employees, err := json.Marshal(p.EmployeeIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO custom_policies
		(id, tenant_id, name, leave_type, annual_quota, employee_ids, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::jsonb, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			leave_type = EXCLUDED.leave_type,
			annual_quota = EXCLUDED.annual_quota,
			employee_ids = EXCLUDED.employee_ids,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`,
		p.ID, string(p.TenantID), p.Name, string(p.LeaveType), p.AnnualQuota.String(),
		string(employees), p.IsActive, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *Store) CustomPolicies(ctx context.Context, tenant leave.TenantID, leaveType leave.LeaveType) ([]leave.CustomPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, annual_quota::text, employee_ids::text, is_active, created_at, updated_at
		FROM custom_policies
		WHERE tenant_id = $1 AND leave_type = $2
	`, string(tenant), string(leaveType))
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []leave.CustomPolicy
	for rows.Next() {
		p := leave.CustomPolicy{TenantID: tenant, LeaveType: leaveType}
		var quota, employees string
		if err := rows.Scan(&p.ID, &p.Name, &quota, &employees, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if p.AnnualQuota, err = decimal.NewFromString(quota); err != nil {
			return nil, fmt.Errorf("policy %s quota: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(employees), &p.EmployeeIDs); err != nil {
			return nil, fmt.Errorf("policy %s employees: %w", p.ID, err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *Store) SaveLeaveRequest(ctx context.Context, r leave.LeaveRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leave_requests (id, tenant_id, employee_id, leave_type, days, start_date, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			days = EXCLUDED.days,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`,
		r.ID, r.TenantID, r.EmployeeID, r.LeaveType, r.Days.String(),
		r.StartDate.UTC(), string(r.Status), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save leave request: %w", err)
	}
	return nil
}

func (s *Store) LeaveRequests(ctx context.Context, tenant leave.TenantID, status leave.RequestStatus) ([]leave.LeaveRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, employee_id, leave_type, days, start_date, updated_at
		FROM leave_requests
		WHERE tenant_id = $1 AND status = $2
		ORDER BY updated_at, id
	`, string(tenant), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query leave requests: %w", err)
	}
	defer rows.Close()

	var requests []leave.LeaveRequest
	for rows.Next() {
		r := leave.LeaveRequest{Status: status}
		var days string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EmployeeID, &r.LeaveType, &days, &r.StartDate, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Days, _ = decimal.NewFromString(days)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r leave.RunRecord) error {
	var errText *string
	if r.Error != "" {
		errText = &r.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs
		(id, tenant_id, status, migrated_usage, migrated_restoration, skipped,
		 already_recorded, cache_repaired, errors, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			migrated_usage = EXCLUDED.migrated_usage,
			migrated_restoration = EXCLUDED.migrated_restoration,
			skipped = EXCLUDED.skipped,
			already_recorded = EXCLUDED.already_recorded,
			cache_repaired = EXCLUDED.cache_repaired,
			errors = EXCLUDED.errors,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`,
		r.ID, string(r.TenantID), r.Status, r.MigratedUsage, r.MigratedRestoration, r.Skipped,
		r.AlreadyRecorded, r.CacheRepaired, r.Errors, errText, r.StartedAt.UTC(), r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) Runs(ctx context.Context, tenant leave.TenantID, limit int) ([]leave.RunRecord, error) {
	query := `
		SELECT id::text, status, migrated_usage, migrated_restoration, skipped,
		       already_recorded, cache_repaired, errors, COALESCE(error, ''), started_at, completed_at
		FROM reconciliation_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC, id DESC`
	args := []any{string(tenant)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []leave.RunRecord
	for rows.Next() {
		r := leave.RunRecord{TenantID: tenant}
		var completedAt *time.Time
		if err := rows.Scan(&r.ID, &r.Status, &r.MigratedUsage, &r.MigratedRestoration, &r.Skipped,
			&r.AlreadyRecorded, &r.CacheRepaired, &r.Errors, &r.Error, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		r.CompletedAt = completedAt
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) Tenants(ctx context.Context) ([]leave.TenantID, error) {
	rows, err := s.pool.Query(ctx, `
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
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, leave.TenantID(t))
	}
	return tenants, rows.Err()
}

// isConflict reports unique violations and serialization failures.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" || pgErr.Code == "40001"
}
