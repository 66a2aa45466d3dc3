/*
Package cycle provides the benefit disbursement cycle engine.

PURPOSE:
  A program pays its beneficiaries in periodic windows called cycles. Each
  cycle is generated from the program's recurrence rule, moves through a
  fixed lifecycle (draft, to approve, approved, distributed, ended, with
  cancelled as the escape hatch) and at given lifecycle points hands work
  to the program's entitlement, payment and eligibility managers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cycle: The lifecycle entity. Fields are unexported; only the Manager
    mutates state, lock flag and derived counts.
  - Membership: A beneficiary enrolled in one cycle
  - Entitlement / Payment / PaymentBatch: Records produced by collaborators
  - RequestContext: Who is calling, passed explicitly to every operation

DESIGN PRINCIPLES:
  1. Typed collaborators: a Program holds its managers as interfaces
  2. One unit of work per operation: transition + side effects commit together
  3. Rejections are values: invalid transitions never mutate and never panic

SEE ALSO:
  - recurrence.go: End date calculation
  - state.go: Transition rules and results
  - manager.go: Operations
  - store.go: Persistence interfaces
*/
package cycle

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CycleID string
type ProgramID string
type PartnerID string
type MembershipID string
type EntitlementID string
type PaymentBatchID string
type PaymentID string

// =============================================================================
// REQUEST CONTEXT
// =============================================================================

// RequestContext identifies the caller of an operation. It replaces any
// ambient session: every Manager operation takes one.
type RequestContext struct {
	UserID    string
	CompanyID string
	RequestID string
}

// SystemContext is used by schedulers and background jobs.
var SystemContext = RequestContext{UserID: "system"}

func (rc RequestContext) actor() string {
	if rc.UserID == "" {
		return "anonymous"
	}
	return rc.UserID
}

// =============================================================================
// CYCLE - One disbursement period of a program
// =============================================================================

// Cycle is a value snapshot of one cycle. Copies are independent.
type Cycle struct {
	id           CycleID
	programID    ProgramID
	name         string
	sequence     int
	period       Period
	state        State
	locked       bool
	lockedReason string

	membersCount      int
	entitlementsCount int
	paymentsCount     int

	createdAt time.Time
	updatedAt time.Time
}

func (c Cycle) ID() CycleID            { return c.id }
func (c Cycle) ProgramID() ProgramID   { return c.programID }
func (c Cycle) Name() string           { return c.name }
func (c Cycle) Sequence() int          { return c.sequence }
func (c Cycle) StartDate() Date        { return c.period.Start }
func (c Cycle) EndDate() Date          { return c.period.End }
func (c Cycle) Period() Period         { return c.period }
func (c Cycle) State() State           { return c.state }
func (c Cycle) Locked() bool           { return c.locked }
func (c Cycle) LockedReason() string   { return c.lockedReason }
func (c Cycle) MembersCount() int      { return c.membersCount }
func (c Cycle) EntitlementsCount() int { return c.entitlementsCount }
func (c Cycle) PaymentsCount() int     { return c.paymentsCount }
func (c Cycle) CreatedAt() time.Time   { return c.createdAt }
func (c Cycle) UpdatedAt() time.Time   { return c.updatedAt }

// transition is the only way state changes.
func (c *Cycle) transition(to State, at time.Time) {
	c.state = to
	c.updatedAt = at
}

func (c *Cycle) lock(reason string, at time.Time) {
	c.locked = true
	c.lockedReason = reason
	c.updatedAt = at
}

func (c *Cycle) unlock(at time.Time) {
	c.locked = false
	c.lockedReason = ""
	c.updatedAt = at
}

// CycleRecord is the flat persisted form of a Cycle. Stores convert with
// Record and RestoreCycle; application code should not build records.
type CycleRecord struct {
	ID                CycleID
	ProgramID         ProgramID
	Name              string
	Sequence          int
	StartDate         Date
	EndDate           Date
	State             State
	Locked            bool
	LockedReason      string
	MembersCount      int
	EntitlementsCount int
	PaymentsCount     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Record flattens the cycle for persistence.
func (c Cycle) Record() CycleRecord {
	return CycleRecord{
		ID:                c.id,
		ProgramID:         c.programID,
		Name:              c.name,
		Sequence:          c.sequence,
		StartDate:         c.period.Start,
		EndDate:           c.period.End,
		State:             c.state,
		Locked:            c.locked,
		LockedReason:      c.lockedReason,
		MembersCount:      c.membersCount,
		EntitlementsCount: c.entitlementsCount,
		PaymentsCount:     c.paymentsCount,
		CreatedAt:         c.createdAt,
		UpdatedAt:         c.updatedAt,
	}
}

// RestoreCycle rebuilds a cycle loaded from storage.
func RestoreCycle(r CycleRecord) Cycle {
	return Cycle{
		id:                r.ID,
		programID:         r.ProgramID,
		name:              r.Name,
		sequence:          r.Sequence,
		period:            Period{Start: r.StartDate, End: r.EndDate},
		state:             r.State,
		locked:            r.Locked,
		lockedReason:      r.LockedReason,
		membersCount:      r.MembersCount,
		entitlementsCount: r.EntitlementsCount,
		paymentsCount:     r.PaymentsCount,
		createdAt:         r.CreatedAt,
		updatedAt:         r.UpdatedAt,
	}
}

// =============================================================================
// MEMBERSHIP - Beneficiary enrollment, per cycle and per program
// =============================================================================

type MembershipState string

const (
	MemberDraft       MembershipState = "draft"
	MemberEnrolled    MembershipState = "enrolled"
	MemberPaused      MembershipState = "paused"
	MemberExited      MembershipState = "exited"
	MemberNotEligible MembershipState = "not_eligible"
)

// Membership links a beneficiary to a cycle.
type Membership struct {
	ID             MembershipID
	CycleID        CycleID
	PartnerID      PartnerID
	State          MembershipState
	EnrollmentDate Date
}

// ProgramMembership links a beneficiary to a program (the registry side).
type ProgramMembership struct {
	ProgramID      ProgramID
	PartnerID      PartnerID
	State          MembershipState
	EnrollmentDate Date
}

// =============================================================================
// ENTITLEMENT
// =============================================================================

type EntitlementState string

const (
	EntitlementDraft             EntitlementState = "draft"
	EntitlementPendingValidation EntitlementState = "pending_validation"
	EntitlementApproved          EntitlementState = "approved"
	EntitlementTransferred       EntitlementState = "trans2FSP"
	EntitlementPaid              EntitlementState = "rdpd2ben"
	EntitlementRejectedDeclined  EntitlementState = "rejected1"
	EntitlementRejectedNoAccount EntitlementState = "rejected2"
	EntitlementRejectedOther     EntitlementState = "rejected3"
	EntitlementCancelled         EntitlementState = "cancelled"
	EntitlementExpired           EntitlementState = "expired"
)

// EntitlementKind distinguishes cash from in-kind entitlements; it plays
// the role of the entitlement model in queries.
type EntitlementKind string

const (
	KindCash   EntitlementKind = "cash"
	KindInKind EntitlementKind = "in_kind"
)

// Entitlement is a benefit owed to a beneficiary for a cycle.
type Entitlement struct {
	ID            EntitlementID
	Code          string
	CycleID       CycleID
	PartnerID     PartnerID
	Kind          EntitlementKind
	State         EntitlementState
	InitialAmount decimal.Decimal
	TransferFee   decimal.Decimal
	Currency      string

	// In-kind only
	Item     string
	Quantity int

	ValidFrom    Date
	ValidUntil   Date
	DateApproved *Date
}

// Balance is the amount still owed. No transactions are recorded against
// entitlements, so it is the initial amount.
func (e Entitlement) Balance() decimal.Decimal {
	return e.InitialAmount
}

// CanBeUsed reports whether the entitlement is approved and still valid on day.
func (e Entitlement) CanBeUsed(day Date) bool {
	return e.State == EntitlementApproved && !e.ValidUntil.Before(day)
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentState string

const (
	PaymentIssued PaymentState = "issued"
	PaymentPaid   PaymentState = "paid"
	PaymentFailed PaymentState = "failed"
)

// PaymentBatch groups payments produced in one prepare call.
type PaymentBatch struct {
	ID        PaymentBatchID
	CycleID   CycleID
	Name      string
	CreatedAt time.Time
}

// Payment is one transfer for an approved entitlement.
type Payment struct {
	ID            PaymentID
	BatchID       PaymentBatchID
	CycleID       CycleID
	EntitlementID EntitlementID
	PartnerID     PartnerID
	Amount        decimal.Decimal
	Currency      string
	State         PaymentState
}

// =============================================================================
// EVENTS - Per-cycle audit trail
// =============================================================================

// Event records one operation applied to a cycle.
type Event struct {
	CycleID   CycleID
	Operation Operation
	From      State
	To        State
	Actor     string
	Message   string
	At        time.Time
}
