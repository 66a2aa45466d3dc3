/*
handlers.go - HTTP API handlers for the cycle engine

PURPOSE:
  Exposes programs and cycles via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to cycle.Manager.

ENDPOINTS:
  Programs:
    GET    /api/programs                       List programs
    POST   /api/programs                       Register program from JSON
    GET    /api/programs/{id}                  Program details
    GET    /api/programs/{id}/cycles           List cycles
    POST   /api/programs/{id}/cycles           New cycle (empty body: next cycle)
    POST   /api/programs/{id}/beneficiaries    Enroll partners in the program

  Cycles:
    GET    /api/cycles/{id}                    Cycle details
    POST   /api/cycles/{id}/{operation}        to_approve, reset_draft, approve,
                                               prepare_entitlement, validate_entitlement,
                                               prepare_payment, mark_distributed,
                                               mark_ended, mark_cancelled
    POST   /api/cycles/{id}/beneficiaries      Add beneficiaries
    POST   /api/cycles/{id}/copy_beneficiaries Copy program beneficiaries
    POST   /api/cycles/{id}/check_eligibility  Run eligibility managers
    GET    /api/cycles/{id}/beneficiaries      ?state=&offset=&limit=&order=&count=
    GET    /api/cycles/{id}/entitlements       ?state=&kind=&offset=&limit=&order=&count=
    GET    /api/cycles/{id}/entitlements/form  Entitlement form action
    GET    /api/cycles/{id}/events             Audit trail

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, bad recurrence configuration
  - 404: Program or cycle not found
  - 409: Transition refused (body is the result with its rejection)
  - 423: Cycle locked by a background job
  - 500: Internal errors

CALLER IDENTITY:
  X-User-ID and X-Company-ID headers feed cycle.RequestContext. There is no
  authentication; the headers are trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager  *cycle.Manager
	Registry *factory.Registry
	Log      logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(manager *cycle.Manager, registry *factory.Registry, log logrus.FieldLogger) *Handler {
	return &Handler{Manager: manager, Registry: registry, Log: log}
}

type operationFunc func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error)

// operations are the lifecycle and delegation endpoints without a body.
var operations = map[cycle.Operation]operationFunc{
	cycle.OpToApprove: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.ToApprove(r.Context(), rc, id)
	},
	cycle.OpResetDraft: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.ResetDraft(r.Context(), rc, id)
	},
	cycle.OpApprove: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.Approve(r.Context(), rc, id)
	},
	cycle.OpPrepareEntitlement: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.PrepareEntitlement(r.Context(), rc, id)
	},
	cycle.OpValidateEntitlement: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.ValidateEntitlement(r.Context(), rc, id)
	},
	cycle.OpPreparePayment: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.PreparePayment(r.Context(), rc, id)
	},
	cycle.OpMarkDistributed: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.MarkDistributed(r.Context(), rc, id)
	},
	cycle.OpMarkEnded: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.MarkEnded(r.Context(), rc, id)
	},
	cycle.OpMarkCancelled: func(h *Handler, r *http.Request, rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.MarkCancelled(r.Context(), rc, id)
	},
}

func requestContext(r *http.Request) cycle.RequestContext {
	return cycle.RequestContext{
		UserID:    r.Header.Get("X-User-ID"),
		CompanyID: r.Header.Get("X-Company-ID"),
		RequestID: middleware.GetReqID(r.Context()),
	}
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// ListPrograms returns all programs.
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs := h.Registry.List()
	dtos := make([]ProgramDTO, len(programs))
	for i, pj := range programs {
		dtos[i] = ProgramDTO{ProgramJSON: pj}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProgram registers a program from its JSON definition.
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var pj factory.ProgramJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	if _, err := h.Registry.Register(r.Context(), pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return
	}
	h.Log.WithField("program_id", pj.ID).Info("program registered")
	writeJSON(w, http.StatusCreated, ProgramDTO{ProgramJSON: pj})
}

// GetProgram returns one program with its last cycle.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id := cycle.ProgramID(chi.URLParam(r, "id"))
	pj, ok := h.Registry.Config(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Program not found", nil)
		return
	}

	dto := ProgramDTO{ProgramJSON: pj}
	last, err := h.Manager.LastCycle(r.Context(), id)
	if err != nil {
		writeFailure(w, "Failed to load last cycle", err)
		return
	}
	if last != nil {
		c := toCycleDTO(*last)
		dto.LastCycle = &c
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListCycles returns the cycles of a program by sequence.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	id := cycle.ProgramID(chi.URLParam(r, "id"))
	if _, err := h.Registry.Program(r.Context(), id); err != nil {
		writeFailure(w, "Program not found", err)
		return
	}
	cycles, err := h.Manager.Cycles(r.Context(), id)
	if err != nil {
		writeFailure(w, "Failed to list cycles", err)
		return
	}
	dtos := make([]CycleDTO, len(cycles))
	for i, c := range cycles {
		dtos[i] = toCycleDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCycle creates a cycle. An empty body continues the program with
// its next cycle.
func (h *Handler) CreateCycle(w http.ResponseWriter, r *http.Request) {
	id := cycle.ProgramID(chi.URLParam(r, "id"))
	rc := requestContext(r)

	var req NewCycleRequest
	empty, err := decodeOptional(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	var c cycle.Cycle
	if empty || (req.StartDate == "" && req.Sequence == 0) {
		c, err = h.Manager.NewNextCycle(r.Context(), rc, id)
	} else {
		start, perr := cycle.ParseDate(req.StartDate)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date", perr)
			return
		}
		name := req.Name
		if name == "" {
			name = fmt.Sprintf("Cycle %d", req.Sequence)
		}
		c, err = h.Manager.NewCycle(r.Context(), rc, id, name, start, req.Sequence)
	}
	if err != nil {
		writeFailure(w, "Failed to create cycle", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycleDTO(c))
}

// EnrollProgramMembers enrolls partners in the program registry.
func (h *Handler) EnrollProgramMembers(w http.ResponseWriter, r *http.Request) {
	id := cycle.ProgramID(chi.URLParam(r, "id"))
	if _, err := h.Registry.Program(r.Context(), id); err != nil {
		writeFailure(w, "Program not found", err)
		return
	}

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	state := cycle.MembershipState(req.State)
	if state == "" {
		state = cycle.MemberEnrolled
	}

	today := cycle.Today(h.Manager.Now)
	members := make([]cycle.ProgramMembership, 0, len(req.PartnerIDs))
	for _, p := range req.PartnerIDs {
		if p == "" {
			continue
		}
		members = append(members, cycle.ProgramMembership{
			ProgramID:      id,
			PartnerID:      cycle.PartnerID(p),
			State:          state,
			EnrollmentDate: today,
		})
	}
	err := h.Manager.Store.WithTx(r.Context(), func(tx cycle.Store) error {
		return tx.EnrollProgramMembers(r.Context(), members)
	})
	if err != nil {
		writeFailure(w, "Failed to enroll members", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"enrolled": len(members)})
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// GetCycle returns one cycle.
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	c, err := h.Manager.Cycle(r.Context(), cycle.CycleID(chi.URLParam(r, "id")))
	if err != nil {
		writeFailure(w, "Cycle not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(c))
}

// ApplyOperation runs a body-less lifecycle or delegation operation.
// POST /api/cycles/{id}/{operation}
func (h *Handler) ApplyOperation(w http.ResponseWriter, r *http.Request) {
	op := cycle.Operation(chi.URLParam(r, "operation"))
	fn, ok := operations[op]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown operation", fmt.Errorf("%q", op))
		return
	}
	h.mutate(w, r, func(rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return fn(h, r, rc, id)
	})
}

// AddBeneficiaries adds partners to a draft cycle.
func (h *Handler) AddBeneficiaries(w http.ResponseWriter, r *http.Request) {
	var req AddBeneficiariesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	partners := make([]cycle.PartnerID, len(req.PartnerIDs))
	for i, p := range req.PartnerIDs {
		partners[i] = cycle.PartnerID(p)
	}
	h.mutate(w, r, func(rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.AddBeneficiaries(r.Context(), rc, id, partners, cycle.MembershipState(req.State))
	})
}

// CopyBeneficiaries copies the program's enrolled beneficiaries.
func (h *Handler) CopyBeneficiaries(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		return h.Manager.CopyBeneficiariesFromProgram(r.Context(), rc, id)
	})
}

// CheckEligibility runs the eligibility chain, optionally on some
// memberships only.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req CheckEligibilityRequest
	if _, err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	h.mutate(w, r, func(rc cycle.RequestContext, id cycle.CycleID) (*cycle.Result, error) {
		var members []cycle.Membership
		if len(req.MembershipIDs) > 0 {
			page, err := h.Manager.GetBeneficiaries(r.Context(), id, cycle.MembershipQuery{})
			if err != nil {
				return nil, err
			}
			wanted := make(map[string]bool, len(req.MembershipIDs))
			for _, mid := range req.MembershipIDs {
				wanted[mid] = true
			}
			members = []cycle.Membership{}
			for _, m := range page.Items {
				if wanted[string(m.ID)] {
					members = append(members, m)
				}
			}
		}
		return h.Manager.CheckEligibility(r.Context(), rc, id, members)
	})
}

// mutate refuses locked cycles, runs fn and writes the result.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn func(cycle.RequestContext, cycle.CycleID) (*cycle.Result, error)) {
	id := cycle.CycleID(chi.URLParam(r, "id"))
	c, err := h.Manager.Cycle(r.Context(), id)
	if err != nil {
		writeFailure(w, "Cycle not found", err)
		return
	}
	if c.Locked() {
		writeFailure(w, "Cycle is locked", &cycle.LockedError{CycleID: id, Reason: c.LockedReason()})
		return
	}

	res, err := fn(requestContext(r), id)
	if err != nil {
		writeFailure(w, "Operation failed", err)
		return
	}
	status := http.StatusOK
	if res.Rejected() {
		status = http.StatusConflict
	}
	writeJSON(w, status, toResultDTO(res))
}

// ListBeneficiaries pages through the memberships of a cycle.
func (h *Handler) ListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	id := cycle.CycleID(chi.URLParam(r, "id"))
	offset, limit, count, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	q := cycle.MembershipQuery{Offset: offset, Limit: limit, Order: r.URL.Query().Get("order"), Count: count}
	for _, s := range listParam(r, "state") {
		q.States = append(q.States, cycle.MembershipState(s))
	}

	page, err := h.Manager.GetBeneficiaries(r.Context(), id, q)
	if err != nil {
		writeFailure(w, "Failed to list beneficiaries", err)
		return
	}
	dto := PageDTO[MembershipDTO]{Count: page.Count}
	for _, m := range page.Items {
		dto.Items = append(dto.Items, toMembershipDTO(m))
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListEntitlements pages through the entitlements of a cycle.
func (h *Handler) ListEntitlements(w http.ResponseWriter, r *http.Request) {
	id := cycle.CycleID(chi.URLParam(r, "id"))
	offset, limit, count, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	q := cycle.EntitlementQuery{
		Kind:   cycle.EntitlementKind(r.URL.Query().Get("kind")),
		Offset: offset,
		Limit:  limit,
		Order:  r.URL.Query().Get("order"),
		Count:  count,
	}
	for _, s := range listParam(r, "state") {
		q.States = append(q.States, cycle.EntitlementState(s))
	}

	page, err := h.Manager.GetEntitlements(r.Context(), id, q)
	if err != nil {
		writeFailure(w, "Failed to list entitlements", err)
		return
	}
	dto := PageDTO[EntitlementDTO]{Count: page.Count}
	for _, e := range page.Items {
		dto.Items = append(dto.Items, toEntitlementDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// EntitlementsForm returns the entitlement manager's form action.
func (h *Handler) EntitlementsForm(w http.ResponseWriter, r *http.Request) {
	action, err := h.Manager.OpenEntitlementsForm(r.Context(), cycle.CycleID(chi.URLParam(r, "id")))
	if err != nil {
		writeFailure(w, "Failed to open entitlements form", err)
		return
	}
	writeJSON(w, http.StatusOK, ActionDTO{
		Name:    action.Name,
		Model:   action.Model,
		CycleID: string(action.CycleID),
		Context: action.Context,
	})
}

// ListEvents returns the audit trail of a cycle.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Manager.Events(r.Context(), cycle.CycleID(chi.URLParam(r, "id")))
	if err != nil {
		writeFailure(w, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeOptional decodes the body into v. empty is true for an empty body.
func decodeOptional(r *http.Request, v any) (empty bool, err error) {
	if r.Body == nil {
		return true, nil
	}
	err = json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// listParam accepts repeated (?state=a&state=b) and comma separated values.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func paging(r *http.Request) (offset, limit int, count bool, err error) {
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, false, fmt.Errorf("invalid offset %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, false, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("count"); v != "" {
		if count, err = strconv.ParseBool(v); err != nil {
			return 0, 0, false, fmt.Errorf("invalid count %q", v)
		}
	}
	return offset, limit, count, nil
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

// writeFailure maps domain errors to HTTP status codes.
func writeFailure(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case cycle.IsNotFound(err):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, cycle.ErrCycleLocked):
		status, resp.Code = http.StatusLocked, "locked"
	case errors.Is(err, cycle.ErrInvalidTransition):
		status, resp.Code = http.StatusConflict, "invalid_transition"
	case cycle.IsClientError(err):
		status, resp.Code = http.StatusBadRequest, "invalid_request"
	}
	writeJSON(w, status, resp)
}
