package cycle

import "context"

// =============================================================================
// PROGRAM - Input configuration owning cycles and collaborators
// =============================================================================

// Program is the configuration a cycle is generated and operated under.
// Collaborators are resolved once, when the program is built, and every
// cycle operation reaches them through the cycle's program.
type Program struct {
	ID         ProgramID
	Name       string
	Recurrence Recurrence

	// AutoApproveEntitlements validates entitlements as part of Approve.
	AutoApproveEntitlements bool

	// AutoCreateCycles lets the scheduler open the next cycle once the
	// last one has ended.
	AutoCreateCycles bool

	Entitlements EntitlementManager
	Payments     PaymentManager
	Eligibility  []EligibilityManager
}

// ProgramProvider resolves programs by id. Implementations return an error
// wrapping ErrProgramNotFound for unknown ids.
type ProgramProvider interface {
	Program(ctx context.Context, id ProgramID) (*Program, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================
// Every collaborator call receives the Store of the running unit of work,
// so its writes commit or roll back together with the cycle transition.

// EntitlementManager prepares and validates the entitlements of a cycle.
type EntitlementManager interface {
	// SetPendingValidation moves draft entitlements to pending validation.
	SetPendingValidation(ctx context.Context, store Store, c Cycle) error

	// Prepare computes entitlements for the given enrolled beneficiaries.
	Prepare(ctx context.Context, store Store, c Cycle, beneficiaries []Membership) error

	// Validate approves entitlements awaiting validation, making them payable.
	Validate(ctx context.Context, store Store, c Cycle) (*Notice, error)

	// OpenEntitlementsForm is a presentation pass-through.
	OpenEntitlementsForm(c Cycle) Action

	// IsCashEntitlement selects the entitlement kind this manager produces.
	IsCashEntitlement() bool
}

// PaymentManager turns approved entitlements into payment batches.
type PaymentManager interface {
	PreparePayments(ctx context.Context, store Store, c Cycle) ([]PaymentBatchID, error)
}

// EligibilityManager filters cycle memberships down to the eligible ones.
// Managers run as a chain; each sees the survivors of the previous one.
type EligibilityManager interface {
	VerifyCycleEligibility(ctx context.Context, store Store, c Cycle, members []Membership) ([]Membership, error)
}

// EntitlementKindOf maps a manager's cash capability to a query kind.
func EntitlementKindOf(m EntitlementManager) EntitlementKind {
	if m != nil && m.IsCashEntitlement() {
		return KindCash
	}
	return KindInKind
}
