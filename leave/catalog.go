package leave

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// CATALOG - Tenant leave types
// =============================================================================

// Catalog looks up active leave types for a tenant.
type Catalog struct {
	store CatalogStore
}

func NewCatalog(store CatalogStore) *Catalog {
	return &Catalog{store: store}
}

// Active returns the tenant's active leave types ordered by code.
func (c *Catalog) Active(ctx context.Context, tenant TenantID) ([]LeaveTypeDef, error) {
	all, err := c.store.LeaveTypes(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("load leave types: %w", err)
	}
	active := make([]LeaveTypeDef, 0, len(all))
	for _, t := range all {
		if t.IsActive {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Code < active[j].Code })
	return active, nil
}

// Lookup returns the active definition of a leave type.
func (c *Catalog) Lookup(ctx context.Context, tenant TenantID, leaveType LeaveType) (LeaveTypeDef, error) {
	active, err := c.Active(ctx, tenant)
	if err != nil {
		return LeaveTypeDef{}, err
	}
	for _, t := range active {
		if t.Code == leaveType {
			return t, nil
		}
	}
	return LeaveTypeDef{}, &UnknownLeaveTypeError{Tenant: tenant, Type: leaveType}
}
