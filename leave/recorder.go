/*
recorder.go - The single write path of the ledger

PURPOSE:
  Every balance-affecting change goes through the Recorder. Each public method
  validates its input and funnels into append(), which runs under the
  per-account lock and inside one store transaction.

APPEND ALGORITHM:
  1. Lock the account (KeyedMutex)
  2. Resolve the quota (outside the transaction, read-only)
  3. In WithTx:
     a. used/restored: return the existing entry for the same request, if any
     b. operation-specific checks (restoration needs a prior usage, a usage
        with a live restoration cannot be voided)
     c. cold start: append an opening seeded from the quota
     d. balanceBefore = BalanceAfter of the latest entry (0 if none)
     e. append the entry, balanceAfter = balanceBefore + amount
     f. overwrite the cached balance from the ledger
  4. On ErrConcurrentWrite retry from step 3

POSTING DATE:
  TransactionDate is max(now, latest.TransactionDate) so a new entry is
  always the latest of its account. The caller's date goes to OccurredAt and
  drives the financial year partitioning.

EXAMPLE:
  // Approve a 3-day request against a 15-day quota (cold start)
  e, err := rec.RecordUsage(ctx, acct, "req-1", decimal.NewFromInt(3), start, "")
  // e.BalanceBefore == 15, e.Amount == -3, e.BalanceAfter == 12
*/
package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultWriteRetries bounds retries after an optimistic concurrency conflict.
const DefaultWriteRetries = 3

// MaxDayScale is the number of decimal places a day amount may carry.
const MaxDayScale = 4

// Recorder appends ledger entries and keeps the balance cache in sync.
type Recorder struct {
	store    TxStore
	calc     *Calculator
	locks    *KeyedMutex
	clock    Clock
	calendar FinancialCalendar
	retries  int
	log      zerolog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source.
func WithClock(c Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

// WithCalendar sets the financial year used for partitioning.
func WithCalendar(c FinancialCalendar) RecorderOption {
	return func(r *Recorder) { r.calendar = c }
}

// WithWriteRetries sets how many times a conflicting append is retried.
func WithWriteRetries(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

func NewRecorder(store TxStore, calc *Calculator, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		calc:     calc,
		locks:    NewKeyedMutex(),
		clock:    systemClock,
		calendar: DefaultCalendar(),
		retries:  DefaultWriteRetries,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// ENTRY OPTIONS
// =============================================================================

type entryOptions struct {
	migrated bool
	actor    ActorID
	created  *bool
}

// EntryOption adjusts a single recorded entry.
type EntryOption func(*entryOptions)

// Migrated marks the entry as written by reconciliation.
func Migrated() EntryOption {
	return func(o *entryOptions) { o.migrated = true }
}

// WithActor records who performed the action.
func WithActor(id ActorID) EntryOption {
	return func(o *entryOptions) { o.actor = id }
}

// ReportCreated sets *dst to true when the call appended a new entry and to
// false when it returned one already recorded for the same leave request.
func ReportCreated(dst *bool) EntryOption {
	return func(o *entryOptions) { o.created = dst }
}

func applyEntryOptions(opts []EntryOption) entryOptions {
	o := entryOptions{actor: ActorSystem}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// RecordOpening sets the account's running balance to opening. On an empty
// ledger the entry carries the full amount; otherwise it carries the
// difference to the current balance, which may be zero.
func (r *Recorder) RecordOpening(ctx context.Context, acct Account, opening decimal.Decimal, opts ...EntryOption) (*Entry, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if err := checkScale("opening", opening); err != nil {
		return nil, err
	}
	o := applyEntryOptions(opts)
	if err := validActor(o.actor); err != nil {
		return nil, err
	}
	return r.append(ctx, draft{
		acct:        acct,
		txType:      TxOpening,
		description: fmt.Sprintf("Opening balance %s", opening),
		opts:        o,
		amount: func(before decimal.Decimal) decimal.Decimal {
			return opening.Sub(before)
		},
	})
}

// RecordUsage debits days for an approved leave request. Recording the same
// request twice returns the first entry.
func (r *Recorder) RecordUsage(ctx context.Context, acct Account, requestID RequestID, days decimal.Decimal, occurredAt time.Time, note string, opts ...EntryOption) (*Entry, error) {
	if err := r.validateRequest(acct, requestID, days); err != nil {
		return nil, err
	}
	o := applyEntryOptions(opts)
	if err := validActor(o.actor); err != nil {
		return nil, err
	}
	return r.append(ctx, draft{
		acct:        acct,
		txType:      TxUsed,
		requestID:   requestID,
		occurredAt:  occurredAt,
		description: describe(note, fmt.Sprintf("Leave request %s approved", requestID)),
		opts:        o,
		amount: func(decimal.Decimal) decimal.Decimal {
			return days.Neg()
		},
	})
}

// RecordRestoration credits days back for a cancelled request that was
// previously recorded as used. days may not exceed the recorded usage.
func (r *Recorder) RecordRestoration(ctx context.Context, acct Account, requestID RequestID, days decimal.Decimal, occurredAt time.Time, note string, opts ...EntryOption) (*Entry, error) {
	if err := r.validateRequest(acct, requestID, days); err != nil {
		return nil, err
	}
	o := applyEntryOptions(opts)
	if err := validActor(o.actor); err != nil {
		return nil, err
	}
	return r.append(ctx, draft{
		acct:        acct,
		txType:      TxRestored,
		requestID:   requestID,
		occurredAt:  occurredAt,
		description: describe(note, fmt.Sprintf("Leave request %s cancelled", requestID)),
		opts:        o,
		check: func(ctx context.Context, tx Store) error {
			used, err := tx.FindByRequest(ctx, acct, TxUsed, requestID)
			if err != nil {
				return err
			}
			if used == nil {
				return &NoMatchingUsageError{Account: acct, RequestID: requestID}
			}
			if days.GreaterThan(used.Amount.Abs()) {
				return &ValidationError{
					Field:  "days",
					Value:  days.String(),
					Reason: fmt.Sprintf("exceeds recorded usage of %s", used.Amount.Abs()),
				}
			}
			return nil
		},
		amount: func(decimal.Decimal) decimal.Decimal {
			return days
		},
	})
}

// RecordAdjustment applies a manual signed correction.
func (r *Recorder) RecordAdjustment(ctx context.Context, acct Account, delta decimal.Decimal, note string, actor ActorID, opts ...EntryOption) (*Entry, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if delta.IsZero() {
		return nil, invalidf("delta", delta, "must not be zero")
	}
	if err := checkScale("delta", delta); err != nil {
		return nil, err
	}
	if err := validActor(actor); err != nil {
		return nil, err
	}
	o := applyEntryOptions(append(opts, WithActor(actor)))
	return r.append(ctx, draft{
		acct:        acct,
		txType:      TxAdjustment,
		description: describe(note, "Manual adjustment"),
		opts:        o,
		amount: func(decimal.Decimal) decimal.Decimal {
			return delta
		},
	})
}

// VoidEntry soft-deletes an entry and appends a compensating adjustment, so
// the running balance stays chained. The compensating entry is returned.
func (r *Recorder) VoidEntry(ctx context.Context, tenant TenantID, entryID string, reason string, actor ActorID) (*Entry, error) {
	if _, err := ParseTenantID(string(tenant)); err != nil {
		return nil, err
	}
	if entryID == "" {
		return nil, &ValidationError{Field: "entry_id", Reason: "must not be empty"}
	}
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	if err := validActor(actor); err != nil {
		return nil, err
	}

	target, err := r.store.Get(ctx, tenant, entryID)
	if err != nil {
		return nil, err
	}
	acct := target.Account()

	return r.append(ctx, draft{
		acct:        acct,
		txType:      TxAdjustment,
		description: fmt.Sprintf("Void %s entry %s: %s", target.Type, entryID, reason),
		opts:        entryOptions{actor: actor},
		voidID:      entryID,
		voidReason:  reason,
		check: func(ctx context.Context, tx Store) error {
			current, err := tx.Get(ctx, tenant, entryID)
			if err != nil {
				return err
			}
			if current.IsDeleted {
				return &ValidationError{Field: "entry_id", Value: entryID, Reason: "already voided"}
			}
			// A live restoration must keep its usage.
			if current.Type == TxUsed && current.LeaveRequestID != "" {
				restored, err := tx.FindByRequest(ctx, acct, TxRestored, current.LeaveRequestID)
				if err != nil {
					return err
				}
				if restored != nil {
					return &ValidationError{
						Field:  "entry_id",
						Value:  entryID,
						Reason: fmt.Sprintf("leave request %s has a restoration %s; void it first", current.LeaveRequestID, restored.ID),
					}
				}
			}
			target = current
			return nil
		},
		amount: func(decimal.Decimal) decimal.Decimal {
			return target.Amount.Neg()
		},
	})
}

// RepairCache recomputes the cached balance of acct from the ledger and
// overwrites it if it differs. Reports whether the cache was written.
// Accounts without ledger entries are left alone.
func (r *Recorder) RepairCache(ctx context.Context, acct Account) (bool, error) {
	if err := acct.Validate(); err != nil {
		return false, err
	}
	release := r.locks.Lock(acct)
	defer release()

	res, err := r.calc.resolve(ctx, acct)
	if err != nil {
		return false, err
	}

	var repaired bool
	err = r.store.WithTx(ctx, func(tx Store) error {
		entries, err := tx.Entries(ctx, acct)
		if err != nil || len(entries) == 0 {
			return err
		}
		cached, err := tx.CachedBalance(ctx, acct)
		if err != nil {
			return err
		}
		if cached != nil && cached.Matches(Derive(acct, entries, res)) {
			return nil
		}
		repaired = true
		return r.refreshCache(ctx, tx, acct, res, r.clock().UTC())
	})
	if err != nil {
		return false, err
	}
	if repaired {
		r.log.Info().Str("account", acct.String()).Msg("cached balance repaired")
	}
	return repaired, nil
}

// =============================================================================
// APPEND - Shared by every operation
// =============================================================================

type draft struct {
	acct        Account
	txType      TransactionType
	requestID   RequestID
	occurredAt  time.Time
	description string
	opts        entryOptions

	// voidID is soft-deleted before the entry is appended.
	voidID     string
	voidReason string

	check  func(ctx context.Context, tx Store) error
	amount func(before decimal.Decimal) decimal.Decimal
}

func (r *Recorder) append(ctx context.Context, d draft) (*Entry, error) {
	release := r.locks.Lock(d.acct)
	defer release()

	// Resolved outside the transaction: single-connection stores would
	// otherwise block on their own catalog reads.
	res, err := r.calc.resolve(ctx, d.acct)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		var (
			out     *Entry
			created bool
		)
		err := r.store.WithTx(ctx, func(tx Store) error {
			e, fresh, err := r.appendIn(ctx, tx, d, res)
			out, created = e, fresh
			return err
		})
		if err == nil {
			if d.opts.created != nil {
				*d.opts.created = created
			}
			return out, nil
		}
		if !IsRetryable(err) || attempt >= r.retries {
			return nil, err
		}
		r.log.Debug().
			Str("account", d.acct.String()).
			Str("type", string(d.txType)).
			Int("attempt", attempt+1).
			Msg("concurrent ledger write, retrying")
	}
}

// appendIn reports false when it returns an entry recorded earlier.
func (r *Recorder) appendIn(ctx context.Context, tx Store, d draft, res *Resolution) (*Entry, bool, error) {
	if d.requestID != "" {
		existing, err := tx.FindByRequest(ctx, d.acct, d.txType, d.requestID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			r.log.Debug().
				Str("account", d.acct.String()).
				Str("leave_request_id", string(d.requestID)).
				Str("type", string(d.txType)).
				Msg("entry already recorded")
			return existing, false, nil
		}
	}
	if d.check != nil {
		if err := d.check(ctx, tx); err != nil {
			return nil, false, err
		}
	}

	latest, err := tx.Latest(ctx, d.acct)
	if err != nil {
		return nil, false, err
	}
	version, err := tx.LastVersion(ctx, d.acct)
	if err != nil {
		return nil, false, err
	}

	now := r.clock().UTC()
	occurredAt := d.occurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	if latest == nil && d.txType != TxOpening && d.voidID == "" {
		if res == nil {
			return nil, false, &UnknownLeaveTypeError{Tenant: d.acct.Tenant, Type: d.acct.Type}
		}
		version++
		seed := r.newEntry(d.acct, TxOpening, version, nil, now, occurredAt)
		seed.Amount = res.Quota
		seed.BalanceBefore = decimal.Zero
		seed.BalanceAfter = res.Quota
		seed.Description = fmt.Sprintf("Opening balance from %s quota", res.Source)
		seed.ActorID = ActorSystem
		seed.Migrated = d.opts.migrated
		if err := tx.Append(ctx, seed); err != nil {
			return nil, false, fmt.Errorf("append seed opening: %w", err)
		}
		latest = seed
	}

	before := decimal.Zero
	if latest != nil {
		before = latest.BalanceAfter
	}

	if d.voidID != "" {
		if err := tx.MarkDeleted(ctx, d.acct.Tenant, d.voidID, d.voidReason); err != nil {
			return nil, false, fmt.Errorf("void entry %s: %w", d.voidID, err)
		}
	}

	amount := d.amount(before)
	version++
	e := r.newEntry(d.acct, d.txType, version, latest, now, occurredAt)
	e.Amount = amount
	e.BalanceBefore = before
	e.BalanceAfter = before.Add(amount)
	e.LeaveRequestID = d.requestID
	e.Description = d.description
	e.ActorID = d.opts.actor
	e.Migrated = d.opts.migrated
	if err := tx.Append(ctx, e); err != nil {
		return nil, false, fmt.Errorf("append %s entry: %w", d.txType, err)
	}

	if err := r.refreshCache(ctx, tx, d.acct, res, now); err != nil {
		return nil, false, err
	}

	r.log.Info().
		Str("account", d.acct.String()).
		Str("type", string(e.Type)).
		Str("entry_id", e.ID).
		Str("amount", e.Amount.String()).
		Str("balance_after", e.BalanceAfter.String()).
		Bool("migrated", e.Migrated).
		Msg("ledger entry recorded")
	return e, true, nil
}

func (r *Recorder) newEntry(acct Account, txType TransactionType, version int64, prev *Entry, now, occurredAt time.Time) *Entry {
	posted := now
	if prev != nil && prev.TransactionDate.After(posted) {
		posted = prev.TransactionDate
	}
	e := &Entry{
		ID:              uuid.NewString(),
		Version:         version,
		TenantID:        acct.Tenant,
		EmployeeID:      acct.Employee,
		LeaveType:       acct.Type,
		Type:            txType,
		TransactionDate: posted,
		OccurredAt:      occurredAt.UTC(),
		CreatedAt:       now,
	}
	r.calendar.partition(e)
	return e
}

// refreshCache overwrites the cached balance with the ledger-derived one.
func (r *Recorder) refreshCache(ctx context.Context, tx Store, acct Account, res *Resolution, now time.Time) error {
	entries, err := tx.Entries(ctx, acct)
	if err != nil {
		return err
	}
	b := Derive(acct, entries, res)
	err = tx.SaveCachedBalance(ctx, CachedBalance{
		Account:   acct,
		Total:     b.Total,
		Used:      b.Used,
		Balance:   b.Balance,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("save cached balance: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func (r *Recorder) validateRequest(acct Account, requestID RequestID, days decimal.Decimal) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	parsed, err := ParseRequestID(string(requestID))
	if err != nil {
		return err
	}
	if parsed != requestID {
		return &ValidationError{Field: "leave_request_id", Value: string(requestID), Reason: "not in canonical form"}
	}
	if !days.IsPositive() {
		return invalidf("days", days, "must be greater than zero")
	}
	return checkScale("days", days)
}

// checkScale rejects amounts the NUMERIC(12,4) columns would round.
func checkScale(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(MaxDayScale)) {
		return invalidf(field, v, fmt.Sprintf("must have at most %d decimal places", MaxDayScale))
	}
	return nil
}

func validActor(actor ActorID) error {
	parsed, err := ParseActorID(string(actor))
	if err != nil {
		return err
	}
	if parsed != actor {
		return &ValidationError{Field: "actor_id", Value: string(actor), Reason: "not in canonical form"}
	}
	return nil
}

func describe(note, fallback string) string {
	if note != "" {
		return note
	}
	return fallback
}
