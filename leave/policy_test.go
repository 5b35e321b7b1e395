package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-ledger/leave"
)

func policy(id, name string, quota float64, created time.Time, employees ...leave.EmployeeID) leave.CustomPolicy {
	return leave.CustomPolicy{
		ID:          id,
		TenantID:    tenant,
		Name:        name,
		LeaveType:   "earned",
		AnnualQuota: d(quota),
		EmployeeIDs: employees,
		IsActive:    true,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

var jan1 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// PRECEDENCE
// =============================================================================

func TestResolveQuota_NoPolicy_UsesCatalogDefault(t *testing.T) {
	e := newEngine(t)
	res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
	require.NoError(t, err)
	assertDecimal(t, 15, res.Quota)
	assert.Equal(t, leave.SourceDefault, res.Source)
	assert.Nil(t, res.Conflict)
}

func TestResolveQuota_MatchingPolicy_OverridesDefault(t *testing.T) {
	e := newEngine(t)
	e.store.SavePolicy(policy("pol-1", "Senior staff", 25, jan1, "emp-1", "emp-2"))

	res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
	require.NoError(t, err)
	assertDecimal(t, 25, res.Quota)
	assert.Equal(t, leave.SourceCustom, res.Source)
	assert.Equal(t, "Senior staff", res.PolicyName)

	other, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-3", "earned")
	require.NoError(t, err)
	assertDecimal(t, 15, other.Quota, "employees outside the policy keep the default")
}

func TestResolveQuota_DeactivatedPolicy_RevertsToDefault(t *testing.T) {
	// GIVEN: A custom policy that is later deactivated
	// THEN: Resolution falls back to the catalog default

	e := newEngine(t)
	p := policy("pol-1", "Senior staff", 25, jan1, "emp-1")
	e.store.SavePolicy(p)

	res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
	require.NoError(t, err)
	assertDecimal(t, 25, res.Quota)

	p.IsActive = false
	e.store.SavePolicy(p)

	res, err = e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
	require.NoError(t, err)
	assertDecimal(t, 15, res.Quota)
	assert.Equal(t, leave.SourceDefault, res.Source)
}

func TestResolveQuota_MultiplePolicies_LatestCreatedWinsWithConflict(t *testing.T) {
	e := newEngine(t)
	e.store.SavePolicy(policy("pol-a", "Old override", 20, jan1, "emp-1"))
	e.store.SavePolicy(policy("pol-b", "New override", 22, jan1.AddDate(0, 3, 0), "emp-1"))

	res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
	require.NoError(t, err, "a conflict is a warning, not a failure")
	assertDecimal(t, 22, res.Quota)
	assert.Equal(t, "pol-b", res.PolicyID)

	require.NotNil(t, res.Conflict)
	assert.ErrorIs(t, res.Conflict, leave.ErrDuplicatePolicyConflict)
	assert.Len(t, res.Conflict.Matches, 2)
	assert.Equal(t, "pol-b", res.Conflict.Chosen.ID)
}

func TestResolveQuota_SameCreatedAt_GreatestIDWins(t *testing.T) {
	e := newEngine(t)
	e.store.SavePolicy(policy("pol-2", "Two", 18, jan1, "emp-1"))
	e.store.SavePolicy(policy("pol-9", "Nine", 19, jan1, "emp-1"))
	e.store.SavePolicy(policy("pol-5", "Five", 21, jan1, "emp-1"))

	for i := 0; i < 5; i++ {
		res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "earned")
		require.NoError(t, err)
		assert.Equal(t, "pol-9", res.PolicyID, "tie-break is deterministic")
	}
}

func TestResolveQuota_CustomPolicyForUncataloguedType(t *testing.T) {
	e := newEngine(t)
	p := policy("pol-1", "Study leave", 5, jan1, "emp-1")
	p.LeaveType = "study"
	e.store.SavePolicy(p)

	res, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "study")
	require.NoError(t, err)
	assertDecimal(t, 5, res.Quota)

	_, err = e.resolver.ResolveQuota(context.Background(), tenant, "emp-2", "study")
	assert.ErrorIs(t, err, leave.ErrUnknownLeaveType)
}

func TestResolveQuota_InactiveCatalogType_Unknown(t *testing.T) {
	e := newEngine(t)
	e.store.SaveLeaveType(tenant, leave.LeaveTypeDef{Code: "sick", AnnualQuota: d(10), IsActive: false})

	_, err := e.resolver.ResolveQuota(context.Background(), tenant, "emp-1", "sick")
	assert.ErrorIs(t, err, leave.ErrUnknownLeaveType)
	var ute *leave.UnknownLeaveTypeError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, leave.LeaveType("sick"), ute.Type)
}

func TestCatalog_Active_SortedByCode(t *testing.T) {
	e := newEngine(t)
	e.store.SaveLeaveType(tenant, leave.LeaveTypeDef{Code: "casual", AnnualQuota: d(7), IsActive: true})
	e.store.SaveLeaveType(tenant, leave.LeaveTypeDef{Code: "unpaid", AnnualQuota: d(0), IsActive: false})

	defs, err := leave.NewCatalog(e.store).Active(context.Background(), tenant)
	require.NoError(t, err)
	var codes []leave.LeaveType
	for _, def := range defs {
		codes = append(codes, def.Code)
	}
	assert.Equal(t, []leave.LeaveType{"casual", "earned", "sick"}, codes)
}

// ctxPolicies fails lookups made with a cancelled context.
type ctxPolicies struct {
	leave.PolicyStore
}

func (p ctxPolicies) CustomPolicies(ctx context.Context, tenant leave.TenantID, leaveType leave.LeaveType) ([]leave.CustomPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.PolicyStore.CustomPolicies(ctx, tenant, leaveType)
}

func TestResolveQuota_SharedLookupSurvivesCallerCancellation(t *testing.T) {
	// GIVEN: A policy store that honours cancellation
	// WHEN: The caller driving the shared lookup has already cancelled
	// THEN: The lookup still completes for everyone waiting on it

	e := newEngine(t)
	e.store.SavePolicy(policy("pol-1", "Senior staff", 25, jan1, "emp-1"))
	resolver := leave.NewResolver(e.store, ctxPolicies{e.store}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := resolver.ResolveQuota(ctx, tenant, "emp-1", "earned")
	require.NoError(t, err)
	assertDecimal(t, 25, res.Quota)
	assert.Equal(t, leave.SourceCustom, res.Source)
}

func TestPolicyChange_AffectsTotalNotLedger(t *testing.T) {
	// GIVEN: Usage recorded under the default quota
	// WHEN: A custom policy is added afterwards
	// THEN: Total follows the policy, balance stays ledger-derived

	e := newEngine(t)
	ctx := context.Background()
	a := acct("emp-1", "earned")

	_, err := e.rec.RecordUsage(ctx, a, "req-1", d(5), e.now, "")
	require.NoError(t, err)
	e.store.SavePolicy(policy("pol-1", "Senior staff", 25, jan1, "emp-1"))

	calc := leave.NewCalculator(e.store, leave.NewResolver(e.store, e.store, zerolog.Nop()), zerolog.Nop())
	b, err := calc.CurrentBalance(ctx, a)
	require.NoError(t, err)
	assertDecimal(t, 25, b.Total)
	assertDecimal(t, 10, b.Balance)
}
