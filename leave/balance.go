/*
balance.go - Balance derivation and read queries

PURPOSE:
  Computes the current balance of an (employee, leave type) pair. The ledger
  is preferred; an employee with no entries yet (cold start, pre-migration)
  gets the resolved annual quota without anything being written.

BALANCE COMPONENTS:
  Balance: BalanceAfter of the latest non-deleted entry, ordered by
           (TransactionDate, Seq). True signed value, never clamped.
  Used:    sum of |used| minus sum of restored, from the ledger only
  Total:   resolved annual quota (PolicyResolver). For leave types missing
           from the catalog it falls back to Balance + Used.

READ QUERIES:
  Summary: one row per leave type for the dashboard. Never fails on
           missing data.
  History: paginated entries, newest first, for audit display.
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the derived state of one account.
type Balance struct {
	Account   Account
	Balance   decimal.Decimal
	Total     decimal.Decimal
	Used      decimal.Decimal
	HasLedger bool

	// Resolution is nil when the quota could not be resolved.
	Resolution *Resolution
}

// Calculator derives balances. It never writes.
type Calculator struct {
	store    Store
	resolver *Resolver
	log      zerolog.Logger
}

func NewCalculator(store Store, resolver *Resolver, log zerolog.Logger) *Calculator {
	return &Calculator{store: store, resolver: resolver, log: log}
}

// CurrentBalance returns the balance of acct.
func (c *Calculator) CurrentBalance(ctx context.Context, acct Account) (Balance, error) {
	if err := acct.Validate(); err != nil {
		return Balance{}, err
	}
	res, err := c.resolve(ctx, acct)
	if err != nil {
		return Balance{}, err
	}
	entries, err := c.store.Entries(ctx, acct)
	if err != nil {
		return Balance{}, fmt.Errorf("load entries for %s: %w", acct, err)
	}
	if len(entries) == 0 && res == nil {
		return Balance{}, &UnknownLeaveTypeError{Tenant: acct.Tenant, Type: acct.Type}
	}
	return Derive(acct, entries, res), nil
}

// resolve returns nil without error when the leave type is not in the catalog.
func (c *Calculator) resolve(ctx context.Context, acct Account) (*Resolution, error) {
	res, err := c.resolver.ResolveQuota(ctx, acct.Tenant, acct.Employee, acct.Type)
	if errors.Is(err, ErrUnknownLeaveType) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Derive computes a balance from already loaded entries. res may be nil for
// leave types missing from the catalog.
func Derive(acct Account, entries []Entry, res *Resolution) Balance {
	if len(entries) == 0 {
		b := Balance{Account: acct, Balance: decimal.Zero, Total: decimal.Zero, Used: decimal.Zero, Resolution: res}
		if res != nil {
			b.Balance = res.Quota
			b.Total = res.Quota
		}
		return b
	}

	latest := LatestOf(entries)
	used := UsedOf(entries)
	b := Balance{
		Account:    acct,
		Balance:    latest.BalanceAfter,
		Used:       used,
		HasLedger:  true,
		Resolution: res,
	}
	if res == nil {
		b.Total = b.Balance.Add(used)
	} else {
		b.Total = res.Quota
	}
	return b
}

// LatestOf returns the chronologically latest entry. entries must be non-empty.
func LatestOf(entries []Entry) Entry {
	latest := entries[0]
	for _, e := range entries[1:] {
		if latest.Before(e) {
			latest = e
		}
	}
	return latest
}

// UsedOf sums used days net of restorations. Deleted entries are ignored.
func UsedOf(entries []Entry) decimal.Decimal {
	used := decimal.Zero
	for _, e := range entries {
		if e.IsDeleted {
			continue
		}
		switch e.Type {
		case TxUsed:
			used = used.Sub(e.Amount)
		case TxRestored:
			used = used.Sub(e.Amount)
		}
	}
	return used
}

// =============================================================================
// SUMMARY - Dashboard read path
// =============================================================================

// Summary is one leave type row of an employee's balance summary.
type Summary struct {
	Type             LeaveType
	Name             string
	Total            decimal.Decimal
	Used             decimal.Decimal
	Balance          decimal.Decimal
	HasLedger        bool
	HasCustomPolicy  bool
	CustomPolicyName string
	Warnings         []string
}

// Summary returns balance rows for every active leave type plus any type the
// employee has ledger history for. When leaveType is set only that row is
// returned. Missing data yields defaults, never an error.
func (c *Calculator) Summary(ctx context.Context, tenant TenantID, employee EmployeeID, leaveType *LeaveType) ([]Summary, error) {
	if _, err := ParseTenantID(string(tenant)); err != nil {
		return nil, err
	}
	if _, err := ParseEmployeeID(string(employee)); err != nil {
		return nil, err
	}

	defs, err := c.resolver.Catalog().Active(ctx, tenant)
	if err != nil {
		return nil, err
	}
	names := make(map[LeaveType]string, len(defs))
	var types []LeaveType
	for _, d := range defs {
		names[d.Code] = d.Name
		types = append(types, d.Code)
	}

	if leaveType != nil {
		types = []LeaveType{*leaveType}
	} else {
		accounts, err := c.store.EmployeeAccounts(ctx, tenant, employee)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range accounts {
			if _, known := names[a.Type]; !known {
				types = append(types, a.Type)
				names[a.Type] = ""
			}
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	}

	out := make([]Summary, 0, len(types))
	for _, lt := range types {
		row, err := c.summaryRow(ctx, Account{Tenant: tenant, Employee: employee, Type: lt})
		if err != nil {
			return nil, err
		}
		row.Name = names[lt]
		out = append(out, row)
	}
	return out, nil
}

func (c *Calculator) summaryRow(ctx context.Context, acct Account) (Summary, error) {
	row := Summary{
		Type:    acct.Type,
		Total:   decimal.Zero,
		Used:    decimal.Zero,
		Balance: decimal.Zero,
	}
	b, err := c.CurrentBalance(ctx, acct)
	if errors.Is(err, ErrUnknownLeaveType) {
		row.Warnings = append(row.Warnings, err.Error())
		return row, nil
	}
	if err != nil {
		return Summary{}, err
	}

	row.Total = b.Total
	row.Used = b.Used
	row.Balance = b.Balance
	row.HasLedger = b.HasLedger
	if b.Resolution == nil {
		row.Warnings = append(row.Warnings, (&UnknownLeaveTypeError{Tenant: acct.Tenant, Type: acct.Type}).Error())
		return row, nil
	}
	if b.Resolution.Source == SourceCustom {
		row.HasCustomPolicy = true
		row.CustomPolicyName = b.Resolution.PolicyName
	}
	if b.Resolution.Conflict != nil {
		row.Warnings = append(row.Warnings, b.Resolution.Conflict.Error())
	}
	return row, nil
}

// =============================================================================
// HISTORY - Audit read path
// =============================================================================

// HistoryPage is one page of ledger history.
type HistoryPage struct {
	Entries  []Entry
	Total    int
	Page     int
	PageSize int
}

// History returns ledger entries newest first.
func (c *Calculator) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if _, err := ParseTenantID(string(q.Tenant)); err != nil {
		return HistoryPage{}, err
	}
	if _, err := ParseEmployeeID(string(q.Employee)); err != nil {
		return HistoryPage{}, err
	}
	q = q.Normalize()
	entries, total, err := c.store.History(ctx, q)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("load history: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return HistoryPage{Entries: entries, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}
