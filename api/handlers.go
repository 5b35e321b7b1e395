/*
handlers.go - HTTP API handlers for the leave ledger

PURPOSE:
  Exposes balance queries, ledger writes and reconciliation over REST. Handles
  HTTP request/response and JSON serialization, and delegates everything
  else to the leave and reconcile packages. No workflow rules live here.

ENDPOINTS (all under /api/tenants/{tenant}):
  Balances:
    GET    /employees/{employee}/balances            Summary per leave type
    GET    /employees/{employee}/ledger              Paginated history

  Ledger writes:
    POST   /employees/{employee}/ledger/opening      Set opening balance
    POST   /employees/{employee}/ledger/usage        Approved leave request
    POST   /employees/{employee}/ledger/restoration  Cancelled leave request
    POST   /employees/{employee}/ledger/adjustments  Manual correction
    DELETE /ledger/{entryID}                         Void an entry

  Reconciliation:
    POST   /reconciliation/run                       Run now
    GET    /reconciliation/runs                      Run history

ERROR HANDLING:
  - 400: invalid identifiers, amounts, unknown leave type
  - 404: ledger entry not found
  - 409: restoration without usage, write conflict after retries
  - 500: internal errors
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Calculator *leave.Calculator
	Recorder   *leave.Recorder
	Job        *reconcile.Job
	Runs       leave.RunStore

	// Ping reports store health for /healthz. Optional.
	Ping func(ctx context.Context) error

	log zerolog.Logger
}

// NewHandler creates a handler over the given engine components.
func NewHandler(calc *leave.Calculator, rec *leave.Recorder, job *reconcile.Job, runs leave.RunStore, log zerolog.Logger) *Handler {
	return &Handler{
		Calculator: calc,
		Recorder:   rec,
		Job:        job,
		Runs:       runs,
		log:        log,
	}
}

// Health reports liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalances returns the employee's balance summary.
// GET /api/tenants/{tenant}/employees/{employee}/balances[?leave_type=]
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	tenant, employee, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	var filter *leave.LeaveType
	if raw := r.URL.Query().Get("leave_type"); raw != "" {
		lt, err := leave.ParseLeaveType(raw)
		if err != nil {
			h.writeLeaveError(w, "Invalid leave type", err)
			return
		}
		filter = &lt
	}

	rows, err := h.Calculator.Summary(r.Context(), tenant, employee, filter)
	if err != nil {
		h.writeLeaveError(w, "Failed to load balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toBalanceDTO(row)
	}
	writeJSON(w, http.StatusOK, BalanceSummaryDTO{
		TenantID:   string(tenant),
		EmployeeID: string(employee),
		Balances:   dtos,
	})
}

// GetLedger returns paginated ledger history, newest first.
// GET /api/tenants/{tenant}/employees/{employee}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	tenant, employee, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	q := leave.HistoryQuery{
		Tenant:        tenant,
		Employee:      employee,
		FinancialYear: params.Get("financial_year"),
	}
	if raw := params.Get("leave_type"); raw != "" {
		lt, err := leave.ParseLeaveType(raw)
		if err != nil {
			h.writeLeaveError(w, "Invalid leave type", err)
			return
		}
		q.Type = lt
	}
	var err error
	if q.Page, err = intParam(params.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	if q.PageSize, err = intParam(params.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page_size", err)
		return
	}
	if raw := params.Get("include_deleted"); raw != "" {
		if q.IncludeDeleted, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid include_deleted", err)
			return
		}
	}

	page, err := h.Calculator.History(r.Context(), q)
	if err != nil {
		h.writeLeaveError(w, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Entries:  toEntryDTOs(page.Entries),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

// =============================================================================
// LEDGER WRITE HANDLERS
// =============================================================================

// RecordOpening sets the opening balance.
// POST /api/tenants/{tenant}/employees/{employee}/ledger/opening
func (h *Handler) RecordOpening(w http.ResponseWriter, r *http.Request) {
	var req OpeningRequest
	if !decode(w, r, &req) {
		return
	}
	acct, ok := h.account(w, r, req.LeaveType)
	if !ok {
		return
	}
	opts, ok := h.actorOption(w, req.ActorID)
	if !ok {
		return
	}

	entry, err := h.Recorder.RecordOpening(r.Context(), acct, req.Opening, opts...)
	if err != nil {
		h.writeLeaveError(w, "Failed to record opening", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// RecordUsage records an approved leave request. Repeating a request ID
// returns the existing entry with 200.
// POST /api/tenants/{tenant}/employees/{employee}/ledger/usage
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	h.recordRequest(w, r, h.Recorder.RecordUsage, "Failed to record usage")
}

// RecordRestoration returns the days of a cancelled leave request.
// POST /api/tenants/{tenant}/employees/{employee}/ledger/restoration
func (h *Handler) RecordRestoration(w http.ResponseWriter, r *http.Request) {
	h.recordRequest(w, r, h.Recorder.RecordRestoration, "Failed to record restoration")
}

type requestRecorder func(ctx context.Context, acct leave.Account, requestID leave.RequestID, days decimal.Decimal, occurredAt time.Time, note string, opts ...leave.EntryOption) (*leave.Entry, error)

func (h *Handler) recordRequest(w http.ResponseWriter, r *http.Request, record requestRecorder, failure string) {
	var req UsageRequest
	if !decode(w, r, &req) {
		return
	}
	acct, ok := h.account(w, r, req.LeaveType)
	if !ok {
		return
	}
	requestID, err := leave.ParseRequestID(req.LeaveRequestID)
	if err != nil {
		h.writeLeaveError(w, "Invalid leave request ID", err)
		return
	}
	opts, ok := h.actorOption(w, req.ActorID)
	if !ok {
		return
	}
	occurredAt := time.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	var created bool
	opts = append(opts, leave.ReportCreated(&created))
	entry, err := record(r.Context(), acct, requestID, req.Days, occurredAt, req.Note, opts...)
	if err != nil {
		h.writeLeaveError(w, failure, err)
		return
	}

	// Replays of the same request answer 200 with the original entry.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, toEntryDTO(*entry))
}

// CreateAdjustment records a manual correction.
// POST /api/tenants/{tenant}/employees/{employee}/ledger/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	acct, ok := h.account(w, r, req.LeaveType)
	if !ok {
		return
	}
	actor, err := leave.ParseActorID(req.ActorID)
	if err != nil {
		h.writeLeaveError(w, "Invalid actor", err)
		return
	}

	entry, err := h.Recorder.RecordAdjustment(r.Context(), acct, req.Delta, req.Note, actor)
	if err != nil {
		h.writeLeaveError(w, "Failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// VoidEntry soft-deletes an entry and returns the compensating adjustment.
// DELETE /api/tenants/{tenant}/ledger/{entryID}
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	tenant, err := leave.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		h.writeLeaveError(w, "Invalid tenant", err)
		return
	}
	var req VoidRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := leave.ParseActorID(req.ActorID)
	if err != nil {
		h.writeLeaveError(w, "Invalid actor", err)
		return
	}

	entryID := chi.URLParam(r, "entryID")
	compensation, err := h.Recorder.VoidEntry(r.Context(), tenant, entryID, req.Reason, actor)
	if err != nil {
		h.writeLeaveError(w, "Failed to void entry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "voided",
		"entry_id":     entryID,
		"compensation": toEntryDTO(*compensation),
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation runs the reconciliation job for the tenant synchronously.
// POST /api/tenants/{tenant}/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	tenant, err := leave.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		h.writeLeaveError(w, "Invalid tenant", err)
		return
	}

	report, err := h.Job.Run(r.Context(), tenant)
	if err != nil {
		h.writeLeaveError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// ListReconciliationRuns returns reconciliation run history, newest first.
// GET /api/tenants/{tenant}/reconciliation/runs[?limit=]
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	tenant, err := leave.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		h.writeLeaveError(w, "Invalid tenant", err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit <= 0 {
		limit = 20
	}

	runs, err := h.Runs.Runs(r.Context(), tenant, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) pathIDs(w http.ResponseWriter, r *http.Request) (leave.TenantID, leave.EmployeeID, bool) {
	tenant, err := leave.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		h.writeLeaveError(w, "Invalid tenant", err)
		return "", "", false
	}
	employee, err := leave.ParseEmployeeID(chi.URLParam(r, "employee"))
	if err != nil {
		h.writeLeaveError(w, "Invalid employee", err)
		return "", "", false
	}
	return tenant, employee, true
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request, leaveType string) (leave.Account, bool) {
	acct, err := leave.NewAccount(chi.URLParam(r, "tenant"), chi.URLParam(r, "employee"), leaveType)
	if err != nil {
		h.writeLeaveError(w, "Invalid account", err)
		return leave.Account{}, false
	}
	return acct, true
}

func (h *Handler) actorOption(w http.ResponseWriter, raw string) ([]leave.EntryOption, bool) {
	if raw == "" {
		return nil, true
	}
	actor, err := leave.ParseActorID(raw)
	if err != nil {
		h.writeLeaveError(w, "Invalid actor", err)
		return nil, false
	}
	return []leave.EntryOption{leave.WithActor(actor)}, true
}

// writeLeaveError maps engine errors to HTTP status codes.
func (h *Handler) writeLeaveError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, leave.ErrInvalidRequest), errors.Is(err, leave.ErrUnknownLeaveType):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, leave.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, leave.ErrNoMatchingUsage), errors.Is(err, leave.ErrConcurrentWrite):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
