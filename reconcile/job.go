/*
job.go - Ledger backfill and cache repair

PURPOSE:
  Brings the ledger in line with historical leave requests that were approved
  or cancelled before the ledger existed, and repairs drifted balance caches.

PASSES:
  1. Approved request, no used entry        -> RecordUsage (migrated)
  2. Cancelled request, used but no restore -> RecordRestoration (migrated)
  3. Cancelled request, never used          -> skipped
  4. Every account with ledger entries      -> cache recomputed, rewritten if off

Re-running is safe: requests already reflected in the ledger are counted as
AlreadyRecorded and nothing is written. A malformed request is reported as a
Failure and the run carries on.
*/
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-ledger/leave"
)

const (
	DefaultConcurrency = 4

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Failure describes one request or account the run could not process.
type Failure struct {
	RequestID  string
	EmployeeID string
	LeaveType  string
	Reason     string
}

// Report summarizes one reconciliation run.
type Report struct {
	RunID               string
	TenantID            leave.TenantID
	Status              string
	MigratedUsage       int
	MigratedRestoration int
	Skipped             int
	AlreadyRecorded     int
	CacheRepaired       int
	Errors              int
	Failures            []Failure
	StartedAt           time.Time
	CompletedAt         time.Time
}

// Record converts the report to its persisted form.
func (r Report) Record() leave.RunRecord {
	rec := leave.RunRecord{
		ID:                  r.RunID,
		TenantID:            r.TenantID,
		Status:              r.Status,
		MigratedUsage:       r.MigratedUsage,
		MigratedRestoration: r.MigratedRestoration,
		Skipped:             r.Skipped,
		AlreadyRecorded:     r.AlreadyRecorded,
		CacheRepaired:       r.CacheRepaired,
		Errors:              r.Errors,
		StartedAt:           r.StartedAt,
	}
	if !r.CompletedAt.IsZero() {
		completed := r.CompletedAt
		rec.CompletedAt = &completed
	}
	if len(r.Failures) > 0 {
		f := r.Failures[0]
		rec.Error = fmt.Sprintf("%s (request %s)", f.Reason, f.RequestID)
		if len(r.Failures) > 1 {
			rec.Error += fmt.Sprintf(" and %d more", len(r.Failures)-1)
		}
	}
	return rec
}

// =============================================================================
// JOB
// =============================================================================

// Job reconciles one tenant at a time.
type Job struct {
	store       leave.Store
	requests    leave.RequestSource
	recorder    *leave.Recorder
	runs        leave.RunStore
	concurrency int
	clock       leave.Clock
	log         zerolog.Logger
}

type Option func(*Job)

// WithRunStore persists every run. Without it reports are only returned.
func WithRunStore(runs leave.RunStore) Option {
	return func(j *Job) { j.runs = runs }
}

// WithConcurrency bounds how many accounts are processed at once.
func WithConcurrency(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

func WithClock(c leave.Clock) Option {
	return func(j *Job) { j.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(j *Job) { j.log = l }
}

func NewJob(store leave.Store, requests leave.RequestSource, recorder *leave.Recorder, opts ...Option) *Job {
	j := &Job{
		store:       store,
		requests:    requests,
		recorder:    recorder,
		concurrency: DefaultConcurrency,
		clock:       time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// work is one request bound to its validated account.
type work struct {
	req       leave.LeaveRequest
	requestID leave.RequestID
}

// Run reconciles tenant. The returned error is set only when the run could not
// proceed at all (e.g. the request source is unavailable); per-request problems
// are in Report.Failures.
func (j *Job) Run(ctx context.Context, tenant leave.TenantID) (Report, error) {
	rep := Report{
		RunID:     uuid.NewString(),
		TenantID:  tenant,
		Status:    StatusRunning,
		StartedAt: j.clock().UTC(),
	}
	if _, err := leave.ParseTenantID(string(tenant)); err != nil {
		return rep, err
	}
	log := j.log.With().Str("tenant", string(tenant)).Str("run_id", rep.RunID).Logger()
	log.Info().Msg("reconciliation started")
	j.save(ctx, rep)

	err := j.run(ctx, tenant, &rep)

	rep.CompletedAt = j.clock().UTC()
	rep.Status = StatusCompleted
	if err != nil {
		rep.Status = StatusFailed
		rep.Failures = append(rep.Failures, Failure{Reason: err.Error()})
		rep.Errors++
	}
	j.save(context.WithoutCancel(ctx), rep)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Int("migrated_usage", rep.MigratedUsage).
		Int("migrated_restoration", rep.MigratedRestoration).
		Int("skipped", rep.Skipped).
		Int("already_recorded", rep.AlreadyRecorded).
		Int("cache_repaired", rep.CacheRepaired).
		Int("errors", rep.Errors).
		Dur("took", rep.CompletedAt.Sub(rep.StartedAt)).
		Msg("reconciliation finished")
	return rep, err
}

func (j *Job) run(ctx context.Context, tenant leave.TenantID, rep *Report) error {
	approved, err := j.requests.LeaveRequests(ctx, tenant, leave.StatusApproved)
	if err != nil {
		return fmt.Errorf("load approved requests: %w", err)
	}
	cancelled, err := j.requests.LeaveRequests(ctx, tenant, leave.StatusCancelled)
	if err != nil {
		return fmt.Errorf("load cancelled requests: %w", err)
	}

	var mu sync.Mutex
	tally := func(fn func(r *Report)) {
		mu.Lock()
		fn(rep)
		mu.Unlock()
	}
	fail := func(req leave.LeaveRequest, err error) {
		tally(func(r *Report) {
			r.Errors++
			r.Failures = append(r.Failures, Failure{
				RequestID:  req.ID,
				EmployeeID: req.EmployeeID,
				LeaveType:  req.LeaveType,
				Reason:     err.Error(),
			})
		})
	}

	// Group by account so one account's requests run in order.
	groups := make(map[leave.Account][]work)
	var order []leave.Account
	for _, req := range append(approved, cancelled...) {
		acct, requestID, err := j.bind(tenant, req)
		if err != nil {
			fail(req, err)
			continue
		}
		if _, seen := groups[acct]; !seen {
			order = append(order, acct)
		}
		groups[acct] = append(groups[acct], work{req: req, requestID: requestID})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, acct := range order {
		acct := acct
		items := groups[acct]
		g.Go(func() error {
			for _, w := range items {
				if err := gctx.Err(); err != nil {
					return err
				}
				outcome, err := j.reconcile(gctx, acct, w)
				if err != nil {
					j.log.Warn().Err(err).
						Str("account", acct.String()).
						Str("request_id", w.req.ID).
						Msg("request not reconciled")
					fail(w.req, err)
					continue
				}
				tally(outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return j.repairCaches(ctx, tenant, rep, tally)
}

// bind validates the identifiers of a historical request.
func (j *Job) bind(tenant leave.TenantID, req leave.LeaveRequest) (leave.Account, leave.RequestID, error) {
	if req.TenantID != "" && req.TenantID != string(tenant) {
		return leave.Account{}, "", fmt.Errorf("request belongs to tenant %q", req.TenantID)
	}
	acct, err := leave.NewAccount(string(tenant), req.EmployeeID, req.LeaveType)
	if err != nil {
		return leave.Account{}, "", err
	}
	requestID, err := leave.ParseRequestID(req.ID)
	if err != nil {
		return leave.Account{}, "", err
	}
	return acct, requestID, nil
}

// reconcile brings one request's ledger effect up to date and returns the
// counter it contributes to.
func (j *Job) reconcile(ctx context.Context, acct leave.Account, w work) (func(*Report), error) {
	used, err := j.store.FindByRequest(ctx, acct, leave.TxUsed, w.requestID)
	if err != nil {
		return nil, fmt.Errorf("find usage: %w", err)
	}
	occurredAt := w.req.StartDate
	if occurredAt.IsZero() {
		occurredAt = j.clock()
	}

	switch w.req.Status {
	case leave.StatusApproved:
		if used != nil {
			return alreadyRecorded, nil
		}
		var created bool
		_, err := j.recorder.RecordUsage(ctx, acct, w.requestID, w.req.Days, occurredAt,
			"Migrated approved leave request", leave.Migrated(), leave.ReportCreated(&created))
		if err != nil {
			return nil, err
		}
		// Another writer may have landed between the lookup and the append.
		if !created {
			return alreadyRecorded, nil
		}
		return func(r *Report) { r.MigratedUsage++ }, nil

	case leave.StatusCancelled:
		if used == nil {
			return func(r *Report) { r.Skipped++ }, nil
		}
		restored, err := j.store.FindByRequest(ctx, acct, leave.TxRestored, w.requestID)
		if err != nil {
			return nil, fmt.Errorf("find restoration: %w", err)
		}
		if restored != nil {
			return alreadyRecorded, nil
		}
		var created bool
		_, err = j.recorder.RecordRestoration(ctx, acct, w.requestID, used.Amount.Abs(), occurredAt,
			"Migrated cancelled leave request", leave.Migrated(), leave.ReportCreated(&created))
		if err != nil {
			return nil, err
		}
		if !created {
			return alreadyRecorded, nil
		}
		return func(r *Report) { r.MigratedRestoration++ }, nil
	}
	return nil, fmt.Errorf("status %q has no ledger effect", w.req.Status)
}

func alreadyRecorded(r *Report) { r.AlreadyRecorded++ }

// repairCaches rewrites every cached balance that disagrees with the ledger.
func (j *Job) repairCaches(ctx context.Context, tenant leave.TenantID, rep *Report, tally func(func(*Report))) error {
	accounts, err := j.store.Accounts(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	sort.Slice(accounts, func(a, b int) bool { return accounts[a].String() < accounts[b].String() })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			repaired, err := j.recorder.RepairCache(gctx, acct)
			if err != nil {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				tally(func(r *Report) {
					r.Errors++
					r.Failures = append(r.Failures, Failure{
						EmployeeID: string(acct.Employee),
						LeaveType:  string(acct.Type),
						Reason:     fmt.Sprintf("cache repair: %v", err),
					})
				})
				return nil
			}
			if repaired {
				tally(func(r *Report) { r.CacheRepaired++ })
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *Job) save(ctx context.Context, rep Report) {
	if j.runs == nil {
		return
	}
	if err := j.runs.SaveRun(ctx, rep.Record()); err != nil {
		j.log.Error().Err(err).Str("run_id", rep.RunID).Msg("failed to save reconciliation run")
	}
}
