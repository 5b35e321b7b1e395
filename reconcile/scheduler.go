/*
scheduler.go - Periodic reconciliation

PURPOSE:
  Runs the reconciliation Job for every tenant on a fixed interval so
  backfills and cache drift are fixed without operator action.

DESIGN:
  - One background goroutine driven by a ticker, runs once immediately
  - Tenants come from a fixed list when configured, otherwise a TenantLister
  - Tenants are processed one after another; a failing tenant is logged and
    the next one still runs

USAGE:
  s := reconcile.NewScheduler(job, store, reconcile.WithInterval(time.Hour))
  s.Start()
  defer s.Stop()
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/leave-ledger/leave"
)

const DefaultInterval = time.Hour

// Scheduler runs a Job periodically.
type Scheduler struct {
	job      *Job
	tenants  leave.TenantLister
	fixed    []leave.TenantID
	interval time.Duration
	log      zerolog.Logger

	cancel  context.CancelFunc
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

type SchedulerOption func(*Scheduler)

func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTenants restricts the scheduler to the given tenants.
func WithTenants(tenants ...leave.TenantID) SchedulerOption {
	return func(s *Scheduler) { s.fixed = tenants }
}

func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

func NewScheduler(job *Job, tenants leave.TenantLister, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		job:      job,
		tenants:  tenants,
		interval: DefaultInterval,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info().Dur("interval", s.interval).Msg("reconciliation scheduler started")
}

// Stop halts the loop, cancels an in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.log.Info().Msg("reconciliation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow reconciles every tenant once and returns the reports by tenant.
func (s *Scheduler) RunNow(ctx context.Context) map[leave.TenantID]Report {
	tenants := s.fixed
	if len(tenants) == 0 && s.tenants != nil {
		var err error
		tenants, err = s.tenants.Tenants(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("list tenants for reconciliation")
			return nil
		}
	}

	reports := make(map[leave.TenantID]Report, len(tenants))
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			break
		}
		rep, err := s.job.Run(ctx, tenant)
		if err != nil {
			s.log.Error().Err(err).Str("tenant", string(tenant)).Msg("scheduled reconciliation failed")
		}
		reports[tenant] = rep
	}
	return reports
}
