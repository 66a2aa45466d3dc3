/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the cycle domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Programs:     ProgramDTO (wraps factory.ProgramJSON), EnrollRequest
  Cycles:       CycleDTO, NewCycleRequest, ResultDTO
  Membership:   MembershipDTO, AddBeneficiariesRequest, CheckEligibilityRequest
  Entitlements: EntitlementDTO, ActionDTO
  Audit:        EventDTO

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: ProgramJSON type
*/
package api

import (
	"time"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/factory"
)

// =============================================================================
// PROGRAMS
// =============================================================================

// ProgramDTO represents a program in API responses.
type ProgramDTO struct {
	factory.ProgramJSON
	LastCycle *CycleDTO `json:"last_cycle,omitempty"`
}

// EnrollRequest enrolls partners in a program registry.
type EnrollRequest struct {
	PartnerIDs []string `json:"partner_ids"`
	State      string   `json:"state,omitempty"` // default enrolled
}

// =============================================================================
// CYCLES
// =============================================================================

// CycleDTO represents a cycle in API responses.
type CycleDTO struct {
	ID                string    `json:"id"`
	ProgramID         string    `json:"program_id"`
	Name              string    `json:"name"`
	Sequence          int       `json:"sequence"`
	StartDate         string    `json:"start_date"`
	EndDate           string    `json:"end_date"`
	State             string    `json:"state"`
	Locked            bool      `json:"locked"`
	LockedReason      string    `json:"locked_reason,omitempty"`
	MembersCount      int       `json:"members_count"`
	EntitlementsCount int       `json:"entitlements_count"`
	PaymentsCount     int       `json:"payments_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewCycleRequest creates a cycle with an explicit start and sequence.
type NewCycleRequest struct {
	Name      string `json:"name"`
	StartDate string `json:"start_date"` // YYYY-MM-DD
	Sequence  int    `json:"sequence"`
}

// RejectionDTO explains a refused transition.
type RejectionDTO struct {
	Operation string   `json:"operation"`
	State     string   `json:"state"`
	Required  []string `json:"required"`
	Message   string   `json:"message"`
}

// NoticeDTO is an informational message.
type NoticeDTO struct {
	Kind    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ResultDTO is the answer to every cycle operation.
type ResultDTO struct {
	Cycle          CycleDTO      `json:"cycle"`
	Rejection      *RejectionDTO `json:"rejection,omitempty"`
	Notice         *NoticeDTO    `json:"notice,omitempty"`
	PaymentBatches []string      `json:"payment_batches,omitempty"`
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

// MembershipDTO represents a cycle membership.
type MembershipDTO struct {
	ID             string `json:"id"`
	CycleID        string `json:"cycle_id"`
	PartnerID      string `json:"partner_id"`
	State          string `json:"state"`
	EnrollmentDate string `json:"enrollment_date"`
}

// AddBeneficiariesRequest adds partners to a cycle.
type AddBeneficiariesRequest struct {
	PartnerIDs []string `json:"partner_ids"`
	State      string   `json:"state,omitempty"` // default draft
}

// CheckEligibilityRequest restricts the check to some memberships.
type CheckEligibilityRequest struct {
	MembershipIDs []string `json:"membership_ids,omitempty"`
}

// PageDTO is a query answer.
type PageDTO[T any] struct {
	Items []T `json:"items,omitempty"`
	Count int `json:"count"`
}

// =============================================================================
// ENTITLEMENTS
// =============================================================================

// EntitlementDTO represents an entitlement.
type EntitlementDTO struct {
	ID            string  `json:"id"`
	Code          string  `json:"code"`
	CycleID       string  `json:"cycle_id"`
	PartnerID     string  `json:"partner_id"`
	Kind          string  `json:"kind"`
	State         string  `json:"state"`
	InitialAmount string  `json:"initial_amount"`
	TransferFee   string  `json:"transfer_fee"`
	Balance       string  `json:"balance"`
	Currency      string  `json:"currency,omitempty"`
	Item          string  `json:"item,omitempty"`
	Quantity      int     `json:"quantity,omitempty"`
	ValidFrom     string  `json:"valid_from"`
	ValidUntil    string  `json:"valid_until"`
	DateApproved  *string `json:"date_approved,omitempty"`
}

// ActionDTO is the presentation hook returned by the entitlement form.
type ActionDTO struct {
	Name    string         `json:"name"`
	Model   string         `json:"model"`
	CycleID string         `json:"cycle_id"`
	Context map[string]any `json:"context,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

// EventDTO is one audit trail entry.
type EventDTO struct {
	Operation string    `json:"operation"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCycleDTO(c cycle.Cycle) CycleDTO {
	return CycleDTO{
		ID:                string(c.ID()),
		ProgramID:         string(c.ProgramID()),
		Name:              c.Name(),
		Sequence:          c.Sequence(),
		StartDate:         c.StartDate().String(),
		EndDate:           c.EndDate().String(),
		State:             string(c.State()),
		Locked:            c.Locked(),
		LockedReason:      c.LockedReason(),
		MembersCount:      c.MembersCount(),
		EntitlementsCount: c.EntitlementsCount(),
		PaymentsCount:     c.PaymentsCount(),
		CreatedAt:         c.CreatedAt(),
		UpdatedAt:         c.UpdatedAt(),
	}
}

func toResultDTO(res *cycle.Result) ResultDTO {
	dto := ResultDTO{Cycle: toCycleDTO(res.Cycle)}
	if rj := res.Rejection; rj != nil {
		required := make([]string, len(rj.Required))
		for i, s := range rj.Required {
			required[i] = string(s)
		}
		dto.Rejection = &RejectionDTO{
			Operation: string(rj.Operation),
			State:     string(rj.State),
			Required:  required,
			Message:   rj.Message,
		}
	}
	if n := res.Notice; n != nil {
		dto.Notice = &NoticeDTO{Kind: string(n.Kind), Title: n.Title, Message: n.Message}
	}
	for _, id := range res.PaymentBatches {
		dto.PaymentBatches = append(dto.PaymentBatches, string(id))
	}
	return dto
}

func toMembershipDTO(m cycle.Membership) MembershipDTO {
	return MembershipDTO{
		ID:             string(m.ID),
		CycleID:        string(m.CycleID),
		PartnerID:      string(m.PartnerID),
		State:          string(m.State),
		EnrollmentDate: m.EnrollmentDate.String(),
	}
}

func toEntitlementDTO(e cycle.Entitlement) EntitlementDTO {
	dto := EntitlementDTO{
		ID:            string(e.ID),
		Code:          e.Code,
		CycleID:       string(e.CycleID),
		PartnerID:     string(e.PartnerID),
		Kind:          string(e.Kind),
		State:         string(e.State),
		InitialAmount: e.InitialAmount.StringFixed(2),
		TransferFee:   e.TransferFee.StringFixed(2),
		Balance:       e.Balance().StringFixed(2),
		Currency:      e.Currency,
		Item:          e.Item,
		Quantity:      e.Quantity,
		ValidFrom:     e.ValidFrom.String(),
		ValidUntil:    e.ValidUntil.String(),
	}
	if e.DateApproved != nil {
		s := e.DateApproved.String()
		dto.DateApproved = &s
	}
	return dto
}

func toEventDTO(e cycle.Event) EventDTO {
	return EventDTO{
		Operation: string(e.Operation),
		From:      string(e.From),
		To:        string(e.To),
		Actor:     e.Actor,
		Message:   e.Message,
		At:        e.At,
	}
}
