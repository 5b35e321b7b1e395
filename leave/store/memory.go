// Package store provides in-memory implementations of the leave store
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-ledger/leave"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements leave.Store plus the read-only collaborators
// (catalog, policies, leave requests) and the run store.
type Memory struct {
	mu      sync.RWMutex
	entries map[leave.Account][]leave.Entry // chronological, deleted included
	cache   map[leave.Account]leave.CachedBalance
	seq     int64

	// Configuration data has its own lock so it stays readable while a
	// ledger transaction is open.
	cfgMu      sync.RWMutex
	leaveTypes map[leave.TenantID][]leave.LeaveTypeDef
	policies   map[leave.TenantID][]leave.CustomPolicy
	requests   map[leave.TenantID][]leave.LeaveRequest
	runs       map[leave.TenantID][]leave.RunRecord
}

func NewMemory() *Memory {
	return &Memory{
		entries:    make(map[leave.Account][]leave.Entry),
		cache:      make(map[leave.Account]leave.CachedBalance),
		leaveTypes: make(map[leave.TenantID][]leave.LeaveTypeDef),
		policies:   make(map[leave.TenantID][]leave.CustomPolicy),
		requests:   make(map[leave.TenantID][]leave.LeaveRequest),
		runs:       make(map[leave.TenantID][]leave.RunRecord),
	}
}

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e *leave.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e *leave.Entry) error {
	acct := e.Account()
	list := m.entries[acct]
	for _, existing := range list {
		if existing.Version == e.Version {
			return leave.ErrConcurrentWrite
		}
		if e.LeaveRequestID != "" && !existing.IsDeleted && existing.Type == e.Type &&
			existing.LeaveRequestID == e.LeaveRequestID {
			return leave.ErrConcurrentWrite
		}
	}

	m.seq++
	e.Seq = m.seq

	// Binary search for insertion point
	i := sort.Search(len(list), func(i int) bool {
		return e.Before(list[i])
	})
	list = append(list, leave.Entry{})
	copy(list[i+1:], list[i:])
	list[i] = *e
	m.entries[acct] = list
	return nil
}

func (m *Memory) Latest(_ context.Context, acct leave.Account) (*leave.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(acct), nil
}

func (m *Memory) latestLocked(acct leave.Account) *leave.Entry {
	list := m.entries[acct]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].IsDeleted {
			e := list[i]
			return &e
		}
	}
	return nil
}

func (m *Memory) LastVersion(_ context.Context, acct leave.Account) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastVersionLocked(acct), nil
}

func (m *Memory) lastVersionLocked(acct leave.Account) int64 {
	var v int64
	for _, e := range m.entries[acct] {
		if e.Version > v {
			v = e.Version
		}
	}
	return v
}

func (m *Memory) Entries(_ context.Context, acct leave.Account) ([]leave.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(acct), nil
}

func (m *Memory) entriesLocked(acct leave.Account) []leave.Entry {
	var result []leave.Entry
	for _, e := range m.entries[acct] {
		if !e.IsDeleted {
			result = append(result, e)
		}
	}
	return result
}

func (m *Memory) FindByRequest(_ context.Context, acct leave.Account, txType leave.TransactionType, requestID leave.RequestID) (*leave.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByRequestLocked(acct, txType, requestID), nil
}

func (m *Memory) findByRequestLocked(acct leave.Account, txType leave.TransactionType, requestID leave.RequestID) *leave.Entry {
	for _, e := range m.entries[acct] {
		if !e.IsDeleted && e.Type == txType && e.LeaveRequestID == requestID {
			found := e
			return &found
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, tenant leave.TenantID, id string) (*leave.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(tenant, id)
}

func (m *Memory) getLocked(tenant leave.TenantID, id string) (*leave.Entry, error) {
	for acct, list := range m.entries {
		if acct.Tenant != tenant {
			continue
		}
		for _, e := range list {
			if e.ID == id {
				found := e
				return &found, nil
			}
		}
	}
	return nil, leave.ErrEntryNotFound
}

func (m *Memory) MarkDeleted(_ context.Context, tenant leave.TenantID, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markDeletedLocked(tenant, id, reason)
}

func (m *Memory) markDeletedLocked(tenant leave.TenantID, id string, reason string) error {
	for acct, list := range m.entries {
		if acct.Tenant != tenant {
			continue
		}
		for i := range list {
			if list[i].ID == id {
				list[i].IsDeleted = true
				list[i].DeletedReason = reason
				return nil
			}
		}
	}
	return leave.ErrEntryNotFound
}

func (m *Memory) History(_ context.Context, q leave.HistoryQuery) ([]leave.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, total := m.historyLocked(q)
	return entries, total, nil
}

func (m *Memory) historyLocked(q leave.HistoryQuery) ([]leave.Entry, int) {
	q = q.Normalize()
	var matched []leave.Entry
	for acct, list := range m.entries {
		if acct.Tenant != q.Tenant || acct.Employee != q.Employee {
			continue
		}
		for _, e := range list {
			if q.Matches(e) {
				matched = append(matched, e)
			}
		}
	}
	// Newest first
	sort.Slice(matched, func(i, j int) bool { return matched[j].Before(matched[i]) })

	total := len(matched)
	start := q.Offset()
	if start >= total {
		return []leave.Entry{}, total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

func (m *Memory) Accounts(_ context.Context, tenant leave.TenantID) ([]leave.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsLocked(tenant), nil
}

func (m *Memory) EmployeeAccounts(_ context.Context, tenant leave.TenantID, employee leave.EmployeeID) ([]leave.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.employeeAccountsLocked(tenant, employee), nil
}

func (m *Memory) accountsLocked(tenant leave.TenantID) []leave.Account {
	return m.employeeAccountsLocked(tenant, "")
}

// employeeAccountsLocked matches every employee when employee is empty.
func (m *Memory) employeeAccountsLocked(tenant leave.TenantID, employee leave.EmployeeID) []leave.Account {
	var result []leave.Account
	for acct, list := range m.entries {
		if acct.Tenant != tenant || len(list) == 0 {
			continue
		}
		if employee == "" || acct.Employee == employee {
			result = append(result, acct)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result
}

func (m *Memory) SaveCachedBalance(_ context.Context, c leave.CachedBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[c.Account] = c
	return nil
}

func (m *Memory) CachedBalance(_ context.Context, acct leave.Account) (*leave.CachedBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cachedLocked(acct), nil
}

func (m *Memory) cachedLocked(acct leave.Account) *leave.CachedBalance {
	c, ok := m.cache[acct]
	if !ok {
		return nil
	}
	return &c
}

// =============================================================================
// CONFIGURATION DATA - Catalog, policies, leave requests
// =============================================================================

// SaveLeaveType inserts or replaces a catalog entry.
func (m *Memory) SaveLeaveType(tenant leave.TenantID, def leave.LeaveTypeDef) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	list := m.leaveTypes[tenant]
	for i := range list {
		if list[i].Code == def.Code {
			list[i] = def
			return
		}
	}
	m.leaveTypes[tenant] = append(list, def)
}

func (m *Memory) LeaveTypes(_ context.Context, tenant leave.TenantID) ([]leave.LeaveTypeDef, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return append([]leave.LeaveTypeDef(nil), m.leaveTypes[tenant]...), nil
}

// SavePolicy inserts or replaces a custom policy by ID.
func (m *Memory) SavePolicy(p leave.CustomPolicy) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	list := m.policies[p.TenantID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return
		}
	}
	m.policies[p.TenantID] = append(list, p)
}

func (m *Memory) CustomPolicies(_ context.Context, tenant leave.TenantID, leaveType leave.LeaveType) ([]leave.CustomPolicy, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	var result []leave.CustomPolicy
	for _, p := range m.policies[tenant] {
		if p.LeaveType == leaveType {
			result = append(result, p)
		}
	}
	return result, nil
}

// SaveLeaveRequest inserts or replaces a leave request by ID.
func (m *Memory) SaveLeaveRequest(r leave.LeaveRequest) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	tenant := leave.TenantID(r.TenantID)
	list := m.requests[tenant]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return
		}
	}
	m.requests[tenant] = append(list, r)
}

func (m *Memory) LeaveRequests(_ context.Context, tenant leave.TenantID, status leave.RequestStatus) ([]leave.LeaveRequest, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	var result []leave.LeaveRequest
	for _, r := range m.requests[tenant] {
		if r.Status == status {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) SaveRun(_ context.Context, r leave.RunRecord) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	list := m.runs[r.TenantID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return nil
		}
	}
	m.runs[r.TenantID] = append(list, r)
	return nil
}

// Runs returns the most recent runs first.
func (m *Memory) Runs(_ context.Context, tenant leave.TenantID, limit int) ([]leave.RunRecord, error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	list := m.runs[tenant]
	result := make([]leave.RunRecord, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, list[i])
	}
	return result, nil
}

// Tenants lists every tenant with catalog, request or ledger data.
func (m *Memory) Tenants(_ context.Context) ([]leave.TenantID, error) {
	seen := make(map[leave.TenantID]bool)
	m.cfgMu.RLock()
	for t := range m.leaveTypes {
		seen[t] = true
	}
	for t := range m.requests {
		seen[t] = true
	}
	m.cfgMu.RUnlock()

	m.mu.RLock()
	for acct := range m.entries {
		seen[acct.Tenant] = true
	}
	m.mu.RUnlock()

	result := make([]leave.TenantID, 0, len(seen))
	for t := range seen {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	entriesCopy := make(map[leave.Account][]leave.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entriesCopy[k] = append([]leave.Entry{}, v...)
	}
	cacheCopy := make(map[leave.Account]leave.CachedBalance, len(tm.cache))
	for k, v := range tm.cache {
		cacheCopy[k] = v
	}
	return memorySnapshot{entries: entriesCopy, cache: cacheCopy, seq: tm.seq}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.cache = s.cache
	tm.seq = s.seq
}

type memorySnapshot struct {
	entries map[leave.Account][]leave.Entry
	cache   map[leave.Account]leave.CachedBalance
	seq     int64
}

// txMemoryView runs against the parent while its lock is held by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, e *leave.Entry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) Latest(_ context.Context, acct leave.Account) (*leave.Entry, error) {
	return tv.parent.latestLocked(acct), nil
}

func (tv *txMemoryView) LastVersion(_ context.Context, acct leave.Account) (int64, error) {
	return tv.parent.lastVersionLocked(acct), nil
}

func (tv *txMemoryView) Entries(_ context.Context, acct leave.Account) ([]leave.Entry, error) {
	return tv.parent.entriesLocked(acct), nil
}

func (tv *txMemoryView) FindByRequest(_ context.Context, acct leave.Account, txType leave.TransactionType, requestID leave.RequestID) (*leave.Entry, error) {
	return tv.parent.findByRequestLocked(acct, txType, requestID), nil
}

func (tv *txMemoryView) Get(_ context.Context, tenant leave.TenantID, id string) (*leave.Entry, error) {
	return tv.parent.getLocked(tenant, id)
}

func (tv *txMemoryView) MarkDeleted(_ context.Context, tenant leave.TenantID, id string, reason string) error {
	return tv.parent.markDeletedLocked(tenant, id, reason)
}

func (tv *txMemoryView) History(_ context.Context, q leave.HistoryQuery) ([]leave.Entry, int, error) {
	entries, total := tv.parent.historyLocked(q)
	return entries, total, nil
}

func (tv *txMemoryView) Accounts(_ context.Context, tenant leave.TenantID) ([]leave.Account, error) {
	return tv.parent.accountsLocked(tenant), nil
}

func (tv *txMemoryView) EmployeeAccounts(_ context.Context, tenant leave.TenantID, employee leave.EmployeeID) ([]leave.Account, error) {
	return tv.parent.employeeAccountsLocked(tenant, employee), nil
}

func (tv *txMemoryView) SaveCachedBalance(_ context.Context, c leave.CachedBalance) error {
	tv.parent.cache[c.Account] = c
	return nil
}

func (tv *txMemoryView) CachedBalance(_ context.Context, acct leave.Account) (*leave.CachedBalance, error) {
	return tv.parent.cachedLocked(acct), nil
}
