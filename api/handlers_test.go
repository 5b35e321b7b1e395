/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Balance summary with true and display balances
- Ledger writes (usage idempotency, restoration guard, adjustments, void)
- History paging
- Reconciliation endpoints
- Error mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/leave/store"
	"github.com/warp/leave-ledger/reconcile"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	store  *store.TxMemory
	router http.Handler
}

func newTestServer(t *testing.T, opts ...leave.RecorderOption) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	mem.SaveLeaveType("acme", leave.LeaveTypeDef{Code: "earned", Name: "Earned Leave", AnnualQuota: decimal.NewFromInt(15), IsActive: true})
	mem.SaveLeaveType("acme", leave.LeaveTypeDef{Code: "sick", Name: "Sick Leave", AnnualQuota: decimal.NewFromInt(10), IsActive: true})

	resolver := leave.NewResolver(mem, mem, zerolog.Nop())
	calc := leave.NewCalculator(mem, resolver, zerolog.Nop())
	rec := leave.NewRecorder(mem, calc, opts...)
	job := reconcile.NewJob(mem, mem, rec, reconcile.WithRunStore(mem))

	h := NewHandler(calc, rec, job, mem, zerolog.Nop())
	return &testServer{store: mem, router: NewRouter(h, nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func assertDays(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

const base = "/api/tenants/acme/employees/emp-1"

// =============================================================================
// BALANCES
// =============================================================================

func TestGetBalances_ColdStart(t *testing.T) {
	// GIVEN: An employee without ledger entries
	// WHEN: Requesting balances
	// THEN: Every active leave type shows its quota

	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, base+"/balances", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[BalanceSummaryDTO](t, rr)
	require.Len(t, resp.Balances, 2)
	assert.Equal(t, "earned", resp.Balances[0].LeaveType)
	assert.Equal(t, "Earned Leave", resp.Balances[0].Name)
	assertDays(t, "15", resp.Balances[0].Total)
	assertDays(t, "15", resp.Balances[0].Balance)
	assert.False(t, resp.Balances[0].HasLedger)
	assert.Equal(t, "sick", resp.Balances[1].LeaveType)
}

func TestGetBalances_DecimalsAreStrings(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, base+"/balances?leave_type=earned", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	row := raw["balances"].([]any)[0].(map[string]any)
	assert.Equal(t, "15", row["total"])
	assert.Equal(t, "15", row["display_balance"])
}

func TestGetBalances_NegativeBalanceIsFlooredForDisplayOnly(t *testing.T) {
	// GIVEN: An adjustment that takes the balance below zero
	// WHEN: Requesting balances
	// THEN: balance is negative, display_balance is zero

	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, base+"/ledger/adjustments", AdjustmentRequest{
		LeaveType: "earned", Delta: decimal.NewFromInt(-18), Note: "overdrawn in old system", ActorID: "admin-1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodGet, base+"/balances?leave_type=earned", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[BalanceSummaryDTO](t, rr)
	require.Len(t, resp.Balances, 1)
	assertDays(t, "-3", resp.Balances[0].Balance)
	assertDays(t, "0", resp.Balances[0].DisplayBalance)
}

func TestGetBalances_InvalidIdentifiers(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/tenants/acme/employees/null/balances", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, base+"/balances?leave_type=Not%20A%20Type", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// LEDGER WRITES
// =============================================================================

func TestRecordUsage_CreatesThenReturnsExisting(t *testing.T) {
	// GIVEN: A usage request
	// WHEN: Posting it twice
	// THEN: 201 then 200 with the same entry, balance deducted once

	s := newTestServer(t)
	body := UsageRequest{LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.NewFromInt(5)}

	rr := s.do(t, http.MethodPost, base+"/ledger/usage", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decodeBody[EntryDTO](t, rr)
	assert.Equal(t, "used", first.Type)
	assertDays(t, "15", first.BalanceBefore)
	assertDays(t, "10", first.BalanceAfter)

	rr = s.do(t, http.MethodPost, base+"/ledger/usage", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	second := decodeBody[EntryDTO](t, rr)
	assert.Equal(t, first.ID, second.ID)

	rr = s.do(t, http.MethodGet, base+"/balances?leave_type=earned", nil)
	resp := decodeBody[BalanceSummaryDTO](t, rr)
	assertDays(t, "10", resp.Balances[0].Balance)
	assertDays(t, "5", resp.Balances[0].Used)
}

func TestRecordUsage_StatusIndependentOfRecorderClock(t *testing.T) {
	// GIVEN: A recorder whose clock is far from the server's wall clock
	// WHEN: Posting the same usage twice
	// THEN: 201 for the write and 200 for the replay either way

	clocks := map[string]time.Time{
		"clock behind": time.Date(2020, time.January, 6, 9, 0, 0, 0, time.UTC),
		"clock ahead":  time.Date(2040, time.January, 6, 9, 0, 0, 0, time.UTC),
	}
	for name, at := range clocks {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, leave.WithClock(func() time.Time { return at }))
			body := UsageRequest{LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.NewFromInt(2)}

			rr := s.do(t, http.MethodPost, base+"/ledger/usage", body)
			require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

			rr = s.do(t, http.MethodPost, base+"/ledger/restoration", body)
			require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

			rr = s.do(t, http.MethodPost, base+"/ledger/usage", body)
			assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			rr = s.do(t, http.MethodPost, base+"/ledger/restoration", body)
			assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		})
	}
}

func TestRecordUsage_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body UsageRequest
		want int
	}{
		{"zero days", UsageRequest{LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.Zero}, http.StatusBadRequest},
		{"missing request", UsageRequest{LeaveType: "earned", Days: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"unknown type", UsageRequest{LeaveType: "sabbatical", LeaveRequestID: "req-1", Days: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"too many decimals", UsageRequest{LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.RequireFromString("0.33335")}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, base+"/ledger/usage", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			resp := decodeBody[ErrorResponse](t, rr)
			assert.NotEmpty(t, resp.Details)
		})
	}
}

func TestRecordUsage_MalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, base+"/ledger/usage", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecordRestoration_RequiresUsage(t *testing.T) {
	// GIVEN: No usage for req-9
	// WHEN: Restoring it
	// THEN: 409 Conflict

	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, base+"/ledger/restoration", UsageRequest{
		LeaveType: "earned", LeaveRequestID: "req-9", Days: decimal.NewFromInt(2),
	})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
}

func TestRecordRestoration_AfterUsage(t *testing.T) {
	s := newTestServer(t)
	occurred := time.Date(2025, time.August, 4, 0, 0, 0, 0, time.UTC)
	rr := s.do(t, http.MethodPost, base+"/ledger/usage", UsageRequest{
		LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.NewFromInt(3), OccurredAt: &occurred,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "2025-26", decodeBody[EntryDTO](t, rr).FinancialYear)

	rr = s.do(t, http.MethodPost, base+"/ledger/restoration", UsageRequest{
		LeaveType: "earned", LeaveRequestID: "req-1", Days: decimal.NewFromInt(3), OccurredAt: &occurred,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	restored := decodeBody[EntryDTO](t, rr)
	assertDays(t, "3", restored.Amount)
	assertDays(t, "15", restored.BalanceAfter)
}

func TestRecordOpening(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, base+"/ledger/opening", OpeningRequest{
		LeaveType: "earned", Opening: decimal.RequireFromString("12.5"), ActorID: "hr-1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	entry := decodeBody[EntryDTO](t, rr)
	assert.Equal(t, "opening", entry.Type)
	assertDays(t, "12.5", entry.BalanceAfter)
	assert.Equal(t, "hr-1", entry.ActorID)
}

func TestCreateAdjustment_RequiresActor(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, base+"/ledger/adjustments", AdjustmentRequest{
		LeaveType: "earned", Delta: decimal.NewFromInt(1), Note: "bonus day",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVoidEntry(t *testing.T) {
	// GIVEN: A recorded adjustment
	// WHEN: Voiding it, then voiding it again, then voiding an unknown ID
	// THEN: 200 with a compensating entry, 400, 404

	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, base+"/ledger/adjustments", AdjustmentRequest{
		LeaveType: "earned", Delta: decimal.NewFromInt(2), Note: "typo", ActorID: "admin-1",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	adj := decodeBody[EntryDTO](t, rr)

	void := VoidRequest{Reason: "entered twice", ActorID: "admin-1"}
	rr = s.do(t, http.MethodDelete, "/api/tenants/acme/ledger/"+adj.ID, void)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Status       string   `json:"status"`
		Compensation EntryDTO `json:"compensation"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "voided", resp.Status)
	assertDays(t, "-2", resp.Compensation.Amount)
	assertDays(t, "15", resp.Compensation.BalanceAfter)

	rr = s.do(t, http.MethodDelete, "/api/tenants/acme/ledger/"+adj.ID, void)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodDelete, "/api/tenants/acme/ledger/does-not-exist", void)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestGetLedger_PagesNewestFirst(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		rr := s.do(t, http.MethodPost, base+"/ledger/usage", UsageRequest{
			LeaveType: "earned", LeaveRequestID: id, Days: decimal.NewFromInt(1),
		})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := s.do(t, http.MethodGet, base+"/ledger?leave_type=earned&page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	page := decodeBody[HistoryDTO](t, rr)
	assert.Equal(t, 4, page.Total, "opening plus three usages")
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "req-3", page.Entries[0].LeaveRequestID)
	assert.Equal(t, "req-2", page.Entries[1].LeaveRequestID)

	rr = s.do(t, http.MethodGet, base+"/ledger?page=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconciliationEndpoints(t *testing.T) {
	// GIVEN: An approved historical request
	// WHEN: Running reconciliation over HTTP, then listing runs
	// THEN: The usage is migrated and the run is listed

	s := newTestServer(t)
	s.store.SaveLeaveRequest(leave.LeaveRequest{
		ID: "req-1", TenantID: "acme", EmployeeID: "emp-1", LeaveType: "earned",
		Days: decimal.NewFromInt(4), StartDate: time.Now(), Status: leave.StatusApproved,
	})

	rr := s.do(t, http.MethodPost, "/api/tenants/acme/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	report := decodeBody[ReportDTO](t, rr)
	assert.Equal(t, 1, report.MigratedUsage)
	assert.Equal(t, reconcile.StatusCompleted, report.Status)

	rr = s.do(t, http.MethodGet, "/api/tenants/acme/reconciliation/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var runs struct {
		Runs []RunDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, report.RunID, runs.Runs[0].ID)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	mem := store.NewTxMemory()
	resolver := leave.NewResolver(mem, mem, zerolog.Nop())
	calc := leave.NewCalculator(mem, resolver, zerolog.Nop())
	h := NewHandler(calc, leave.NewRecorder(mem, calc), nil, mem, zerolog.Nop())
	h.Ping = func(context.Context) error { return assert.AnError }

	rr = httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
