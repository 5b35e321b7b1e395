package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/store/postgres"
)

const tenant = leave.TenantID("acme")

var earned = leave.Account{Tenant: tenant, Employee: "emp-1", Type: "earned"}

// newTestStore starts a throwaway PostgreSQL container. Skipped with -short
// or when Docker is unavailable.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ledger_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveLeaveType(ctx, tenant, leave.LeaveTypeDef{
		Code: "earned", Name: "Earned Leave", AnnualQuota: decimal.NewFromInt(15), IsActive: true,
	}))
	return store
}

func TestPostgres_RecorderScenarios(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	resolver := leave.NewResolver(store, store, zerolog.Nop())
	calc := leave.NewCalculator(store, resolver, zerolog.Nop())
	rec := leave.NewRecorder(store, calc)
	at := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)

	used, err := rec.RecordUsage(ctx, earned, "req-1", decimal.NewFromInt(5), at, "")
	require.NoError(t, err)
	assert.True(t, used.BalanceBefore.Equal(decimal.NewFromInt(15)))
	assert.True(t, used.BalanceAfter.Equal(decimal.NewFromInt(10)))
	assert.Positive(t, used.Seq)

	again, err := rec.RecordUsage(ctx, earned, "req-1", decimal.NewFromInt(5), at, "")
	require.NoError(t, err)
	assert.Equal(t, used.ID, again.ID)

	restored, err := rec.RecordRestoration(ctx, earned, "req-1", decimal.RequireFromString("2.5"), at, "")
	require.NoError(t, err)

	_, err = rec.RecordRestoration(ctx, earned, "req-9", decimal.NewFromInt(1), at, "")
	assert.ErrorIs(t, err, leave.ErrNoMatchingUsage)

	b, err := calc.CurrentBalance(ctx, earned)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(decimal.RequireFromString("12.5")), "got %s", b.Balance)
	assert.True(t, b.Used.Equal(decimal.RequireFromString("2.5")), "got %s", b.Used)

	cached, err := store.CachedBalance(ctx, earned)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.Matches(b))

	// The usage cannot be voided while its restoration is live.
	_, err = rec.VoidEntry(ctx, tenant, used.ID, "approved by mistake", "hr-1")
	assert.ErrorIs(t, err, leave.ErrInvalidRequest)

	_, err = rec.VoidEntry(ctx, tenant, restored.ID, "approved by mistake", "hr-1")
	require.NoError(t, err)
	comp, err := rec.VoidEntry(ctx, tenant, used.ID, "approved by mistake", "hr-1")
	require.NoError(t, err)
	assert.True(t, comp.Amount.Equal(decimal.NewFromInt(5)))

	b, err = calc.CurrentBalance(ctx, earned)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(decimal.NewFromInt(15)), "got %s", b.Balance)

	accounts, err := store.EmployeeAccounts(ctx, tenant, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, []leave.Account{earned}, accounts)

	page, err := calc.History(ctx, leave.HistoryQuery{Tenant: tenant, Employee: "emp-1", IncludeDeleted: true, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, comp.ID, page.Entries[0].ID)
}

func TestPostgres_DuplicateVersion_ConcurrentWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func() *leave.Entry {
		return &leave.Entry{
			ID: uuid.NewString(), Version: 1,
			TenantID: tenant, EmployeeID: "emp-1", LeaveType: "earned", Type: leave.TxOpening,
			Amount: decimal.NewFromInt(15), BalanceBefore: decimal.Zero, BalanceAfter: decimal.NewFromInt(15),
			TransactionDate: now, OccurredAt: now, FinancialYear: "2025-26", Year: 2025, Month: 6,
			ActorID: leave.ActorSystem, CreatedAt: now,
		}
	}
	require.NoError(t, store.Append(ctx, mk()))
	assert.ErrorIs(t, store.Append(ctx, mk()), leave.ErrConcurrentWrite)
}

func TestPostgres_RunsAndTenants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.SaveRun(ctx, leave.RunRecord{ID: uuid.NewString(), TenantID: tenant, Status: "running", StartedAt: start}))
	runs, err := store.Runs(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].CompletedAt)

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Contains(t, tenants, tenant)
}
