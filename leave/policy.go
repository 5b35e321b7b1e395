/*
policy.go - Effective annual quota resolution

PURPOSE:
  Answers "how many days a year does this employee get for this leave type?"
  A custom policy covering the employee overrides the catalog default.

PRECEDENCE:
  1. Exactly one active custom policy matches   -> its quota, source "custom"
  2. Several active custom policies match        -> most recently created wins
                                                    (then greatest ID), source
                                                    "custom", Conflict is set
  3. No match                                    -> catalog default, "default"
  4. No match and type missing from the catalog  -> ErrUnknownLeaveType

The conflict in (2) is a warning for operators, not a failure.
*/
package leave

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// RESOLVER
// =============================================================================

type QuotaSource string

const (
	SourceCustom  QuotaSource = "custom"
	SourceDefault QuotaSource = "default"
)

// Resolution is the effective quota for one employee and leave type.
type Resolution struct {
	Quota      decimal.Decimal
	Source     QuotaSource
	PolicyID   string
	PolicyName string

	// Conflict is set when several active policies matched.
	Conflict *PolicyConflictError
}

// Resolver resolves effective annual quotas.
type Resolver struct {
	catalog  *Catalog
	policies PolicyStore
	log      zerolog.Logger

	// Collapses concurrent resolutions for the same employee and leave type,
	// e.g. a dashboard fanning out balance reads.
	group singleflight.Group
}

func NewResolver(catalog CatalogStore, policies PolicyStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		catalog:  NewCatalog(catalog),
		policies: policies,
		log:      log,
	}
}

// Catalog exposes the underlying leave type catalog.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// ResolveQuota returns the effective annual quota.
func (r *Resolver) ResolveQuota(ctx context.Context, tenant TenantID, employee EmployeeID, leaveType LeaveType) (Resolution, error) {
	key := string(tenant) + "\x00" + string(employee) + "\x00" + string(leaveType)
	// Callers share one lookup, so it must not die with the first caller.
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), tenant, employee, leaveType)
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

func (r *Resolver) resolve(ctx context.Context, tenant TenantID, employee EmployeeID, leaveType LeaveType) (Resolution, error) {
	policies, err := r.policies.CustomPolicies(ctx, tenant, leaveType)
	if err != nil {
		return Resolution{}, fmt.Errorf("load custom policies: %w", err)
	}

	var matches []CustomPolicy
	for _, p := range policies {
		if p.AppliesTo(employee, leaveType) {
			matches = append(matches, p)
		}
	}

	if len(matches) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
				return matches[i].CreatedAt.After(matches[j].CreatedAt)
			}
			return matches[i].ID > matches[j].ID
		})
		chosen := matches[0]
		res := Resolution{
			Quota:      chosen.AnnualQuota,
			Source:     SourceCustom,
			PolicyID:   chosen.ID,
			PolicyName: chosen.Name,
		}
		if len(matches) > 1 {
			res.Conflict = &PolicyConflictError{
				Employee: employee,
				Type:     leaveType,
				Chosen:   chosen,
				Matches:  matches,
			}
			r.log.Warn().
				Str("tenant", string(tenant)).
				Str("employee", string(employee)).
				Str("leave_type", string(leaveType)).
				Str("chosen_policy", chosen.ID).
				Int("matches", len(matches)).
				Msg("multiple active custom policies match; using most recently created")
		}
		return res, nil
	}

	def, err := r.catalog.Lookup(ctx, tenant, leaveType)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Quota: def.AnnualQuota, Source: SourceDefault}, nil
}
