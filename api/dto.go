/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  All day amounts are decimal.Decimal, which marshals as a JSON string
  ("12.5") and accepts either a string or a number on input.

DISPLAY BALANCE:
  balance is the true signed ledger balance. display_balance is floored at
  zero for presentation and must never be fed back into calculations.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/reconcile"
)

// =============================================================================
// BALANCES
// =============================================================================

// BalanceDTO is one leave type row of an employee's summary.
type BalanceDTO struct {
	LeaveType        string          `json:"leave_type"`
	Name             string          `json:"name,omitempty"`
	Total            decimal.Decimal `json:"total"`
	Used             decimal.Decimal `json:"used"`
	Balance          decimal.Decimal `json:"balance"`
	DisplayBalance   decimal.Decimal `json:"display_balance"`
	HasLedger        bool            `json:"has_ledger"`
	HasCustomPolicy  bool            `json:"has_custom_policy"`
	CustomPolicyName string          `json:"custom_policy_name,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
}

// BalanceSummaryDTO is the response of the balances endpoint.
type BalanceSummaryDTO struct {
	TenantID   string       `json:"tenant_id"`
	EmployeeID string       `json:"employee_id"`
	Balances   []BalanceDTO `json:"balances"`
}

func toBalanceDTO(s leave.Summary) BalanceDTO {
	return BalanceDTO{
		LeaveType:        string(s.Type),
		Name:             s.Name,
		Total:            s.Total,
		Used:             s.Used,
		Balance:          s.Balance,
		DisplayBalance:   decimal.Max(s.Balance, decimal.Zero),
		HasLedger:        s.HasLedger,
		HasCustomPolicy:  s.HasCustomPolicy,
		CustomPolicyName: s.CustomPolicyName,
		Warnings:         s.Warnings,
	}
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID              string          `json:"id"`
	Version         int64           `json:"version"`
	EmployeeID      string          `json:"employee_id"`
	LeaveType       string          `json:"leave_type"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	TransactionDate string          `json:"transaction_date"`
	OccurredAt      string          `json:"occurred_at"`
	FinancialYear   string          `json:"financial_year"`
	LeaveRequestID  string          `json:"leave_request_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	ActorID         string          `json:"actor_id"`
	Migrated        bool            `json:"migrated"`
	IsDeleted       bool            `json:"is_deleted"`
	DeletedReason   string          `json:"deleted_reason,omitempty"`
}

// HistoryDTO is one page of ledger history.
type HistoryDTO struct {
	Entries  []EntryDTO `json:"entries"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

func toEntryDTO(e leave.Entry) EntryDTO {
	return EntryDTO{
		ID:              e.ID,
		Version:         e.Version,
		EmployeeID:      string(e.EmployeeID),
		LeaveType:       string(e.LeaveType),
		Type:            string(e.Type),
		Amount:          e.Amount,
		BalanceBefore:   e.BalanceBefore,
		BalanceAfter:    e.BalanceAfter,
		TransactionDate: e.TransactionDate.Format(time.RFC3339Nano),
		OccurredAt:      e.OccurredAt.Format(time.RFC3339),
		FinancialYear:   e.FinancialYear,
		LeaveRequestID:  string(e.LeaveRequestID),
		Description:     e.Description,
		ActorID:         string(e.ActorID),
		Migrated:        e.Migrated,
		IsDeleted:       e.IsDeleted,
		DeletedReason:   e.DeletedReason,
	}
}

func toEntryDTOs(entries []leave.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

// =============================================================================
// WRITE REQUESTS
// =============================================================================

// OpeningRequest sets the opening balance of a leave type.
type OpeningRequest struct {
	LeaveType string          `json:"leave_type"`
	Opening   decimal.Decimal `json:"opening"`
	ActorID   string          `json:"actor_id,omitempty"`
}

// UsageRequest records an approved leave request (or restores a cancelled one).
type UsageRequest struct {
	LeaveType      string          `json:"leave_type"`
	LeaveRequestID string          `json:"leave_request_id"`
	Days           decimal.Decimal `json:"days"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	Note           string          `json:"note,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
}

// AdjustmentRequest is a manual correction by an administrator.
type AdjustmentRequest struct {
	LeaveType string          `json:"leave_type"`
	Delta     decimal.Decimal `json:"delta"`
	Note      string          `json:"note"`
	ActorID   string          `json:"actor_id"`
}

// VoidRequest soft-deletes an entry.
type VoidRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// FailureDTO is one request the reconciliation could not process.
type FailureDTO struct {
	RequestID  string `json:"request_id,omitempty"`
	EmployeeID string `json:"employee_id,omitempty"`
	LeaveType  string `json:"leave_type,omitempty"`
	Reason     string `json:"reason"`
}

// ReportDTO is the result of a reconciliation run.
type ReportDTO struct {
	RunID               string       `json:"run_id"`
	Status              string       `json:"status"`
	MigratedUsage       int          `json:"migrated_usage"`
	MigratedRestoration int          `json:"migrated_restoration"`
	Skipped             int          `json:"skipped"`
	AlreadyRecorded     int          `json:"already_recorded"`
	CacheRepaired       int          `json:"cache_repaired"`
	Errors              int          `json:"errors"`
	Failures            []FailureDTO `json:"failures"`
	StartedAt           string       `json:"started_at"`
	CompletedAt         string       `json:"completed_at,omitempty"`
}

func toReportDTO(r reconcile.Report) ReportDTO {
	dto := ReportDTO{
		RunID:               r.RunID,
		Status:              r.Status,
		MigratedUsage:       r.MigratedUsage,
		MigratedRestoration: r.MigratedRestoration,
		Skipped:             r.Skipped,
		AlreadyRecorded:     r.AlreadyRecorded,
		CacheRepaired:       r.CacheRepaired,
		Errors:              r.Errors,
		Failures:            make([]FailureDTO, 0, len(r.Failures)),
		StartedAt:           r.StartedAt.Format(time.RFC3339),
	}
	if !r.CompletedAt.IsZero() {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{
			RequestID:  f.RequestID,
			EmployeeID: f.EmployeeID,
			LeaveType:  f.LeaveType,
			Reason:     f.Reason,
		})
	}
	return dto
}

// RunDTO is a persisted reconciliation run.
type RunDTO struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	MigratedUsage       int    `json:"migrated_usage"`
	MigratedRestoration int    `json:"migrated_restoration"`
	Skipped             int    `json:"skipped"`
	AlreadyRecorded     int    `json:"already_recorded"`
	CacheRepaired       int    `json:"cache_repaired"`
	Errors              int    `json:"errors"`
	Error               string `json:"error,omitempty"`
	StartedAt           string `json:"started_at"`
	CompletedAt         string `json:"completed_at,omitempty"`
}

func toRunDTO(r leave.RunRecord) RunDTO {
	dto := RunDTO{
		ID:                  r.ID,
		Status:              r.Status,
		MigratedUsage:       r.MigratedUsage,
		MigratedRestoration: r.MigratedRestoration,
		Skipped:             r.Skipped,
		AlreadyRecorded:     r.AlreadyRecorded,
		CacheRepaired:       r.CacheRepaired,
		Errors:              r.Errors,
		Error:               r.Error,
		StartedAt:           r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
