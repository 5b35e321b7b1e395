package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/reconcile"
)

func TestScheduler_RunNow_ReconcilesEveryTenant(t *testing.T) {
	// GIVEN: Two tenants with approved requests
	// WHEN: Triggering the scheduler manually
	// THEN: A report exists per tenant

	f := newFixture(t)
	f.store.SaveLeaveType("globex", leave.LeaveTypeDef{Code: "earned", Name: "Earned Leave", AnnualQuota: d(20), IsActive: true})
	f.request("req-1", "emp-1", "earned", 2, leave.StatusApproved)
	f.store.SaveLeaveRequest(leave.LeaveRequest{
		ID: "req-9", TenantID: "globex", EmployeeID: "emp-9", LeaveType: "earned",
		Days: d(1), StartDate: time.Now(), Status: leave.StatusApproved,
	})

	s := reconcile.NewScheduler(f.job, f.store)
	reports := s.RunNow(context.Background())

	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[tenant].MigratedUsage)
	assert.Equal(t, 1, reports["globex"].MigratedUsage)

	b, err := f.calc.CurrentBalance(context.Background(), leave.Account{Tenant: "globex", Employee: "emp-9", Type: "earned"})
	require.NoError(t, err)
	assertDecimal(t, 19, b.Balance)
}

func TestScheduler_FixedTenants(t *testing.T) {
	f := newFixture(t)
	f.store.SaveLeaveType("globex", leave.LeaveTypeDef{Code: "earned", Name: "Earned Leave", AnnualQuota: d(20), IsActive: true})

	s := reconcile.NewScheduler(f.job, f.store, reconcile.WithTenants("globex"))
	reports := s.RunNow(context.Background())

	require.Len(t, reports, 1)
	assert.Contains(t, reports, leave.TenantID("globex"))
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	// GIVEN: A scheduler with a long interval
	// WHEN: Starting it
	// THEN: The first run happens right away and Stop returns cleanly

	f := newFixture(t)
	f.request("req-1", "emp-1", "earned", 2, leave.StatusApproved)

	s := reconcile.NewScheduler(f.job, f.store, reconcile.WithInterval(time.Hour))
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool {
		runs, err := f.store.Runs(context.Background(), tenant, 1)
		return err == nil && len(runs) == 1 && runs[0].Status == reconcile.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	b, err := f.calc.CurrentBalance(context.Background(), acct("emp-1", "earned"))
	require.NoError(t, err)
	assertDecimal(t, 13, b.Balance)
}
