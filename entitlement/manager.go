/*
Package entitlement provides the reference entitlement managers.

PURPOSE:
  Implements cycle.EntitlementManager for the two kinds of benefit a
  program can grant:
  - Cash: a fixed decimal amount per beneficiary per cycle
  - InKind: a quantity of a named item per beneficiary per cycle

  Real programs compute amounts from household data; these managers grant a
  flat amount so the engine runs end-to-end.

ENTITLEMENT LIFECYCLE (as driven by the cycle):
  draft ──to_approve──▶ pending_validation ──validate──▶ approved ──expire──▶ expired
                                                         (cancelled when the beneficiary
                                                          fails an eligibility check)

EXAMPLE:
  cash := entitlement.NewCash(decimal.NewFromInt(50), "USD")
  program.Entitlements = cash

SEE ALSO:
  - cycle/program.go: EntitlementManager interface
  - payment/manager.go: Pays approved cash entitlements
*/
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/cycle-engine/cycle"
)

// =============================================================================
// SHARED BEHAVIOUR
// =============================================================================

// base implements every operation that does not depend on the amount.
type base struct {
	// ValidityDays bounds ValidUntil after the cycle start; 0 means the
	// entitlement is valid until the cycle ends.
	ValidityDays int

	Now   func() time.Time
	NewID func() string

	kind cycle.EntitlementKind
}

func newBase(kind cycle.EntitlementKind) base {
	return base{kind: kind, Now: time.Now, NewID: uuid.NewString}
}

func (b base) IsCashEntitlement() bool { return b.kind == cycle.KindCash }

func (b base) SetPendingValidation(ctx context.Context, store cycle.Store, c cycle.Cycle) error {
	drafts, err := store.ListEntitlements(ctx, c.ID(), cycle.EntitlementQuery{
		States: []cycle.EntitlementState{cycle.EntitlementDraft},
		Kind:   b.kind,
	})
	if err != nil {
		return fmt.Errorf("list draft entitlements: %w", err)
	}
	for i := range drafts {
		drafts[i].State = cycle.EntitlementPendingValidation
	}
	if len(drafts) == 0 {
		return nil
	}
	return store.SaveEntitlements(ctx, drafts)
}

func (b base) Validate(ctx context.Context, store cycle.Store, c cycle.Cycle) (*cycle.Notice, error) {
	pending, err := store.ListEntitlements(ctx, c.ID(), cycle.EntitlementQuery{
		States: []cycle.EntitlementState{cycle.EntitlementDraft, cycle.EntitlementPendingValidation},
		Kind:   b.kind,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending entitlements: %w", err)
	}
	if len(pending) == 0 {
		return &cycle.Notice{
			Kind:    cycle.NoticeWarning,
			Title:   "Entitlement",
			Message: "There are no entitlements to validate.",
		}, nil
	}

	today := cycle.Today(b.Now)
	for i := range pending {
		pending[i].State = cycle.EntitlementApproved
		pending[i].DateApproved = &today
	}
	if err := store.SaveEntitlements(ctx, pending); err != nil {
		return nil, fmt.Errorf("approve entitlements: %w", err)
	}
	return &cycle.Notice{
		Kind:    cycle.NoticeSuccess,
		Title:   "Entitlement",
		Message: fmt.Sprintf("%d entitlements are successfully validated.", len(pending)),
	}, nil
}

func (b base) OpenEntitlementsForm(c cycle.Cycle) cycle.Action {
	return cycle.Action{
		Name:    "Entitlements",
		Model:   "entitlement." + string(b.kind),
		CycleID: c.ID(),
		Context: map[string]any{
			"cycle_id": string(c.ID()),
			"kind":     string(b.kind),
		},
	}
}

// prepare creates one draft entitlement per member that has none of this
// kind yet, filled in by fill.
func (b base) prepare(ctx context.Context, store cycle.Store, c cycle.Cycle, members []cycle.Membership, fill func(*cycle.Entitlement)) error {
	if len(members) == 0 {
		return nil
	}
	partners := make([]cycle.PartnerID, len(members))
	for i, mb := range members {
		partners[i] = mb.PartnerID
	}
	existing, err := store.ListEntitlements(ctx, c.ID(), cycle.EntitlementQuery{Kind: b.kind, Partner: partners})
	if err != nil {
		return fmt.Errorf("list existing entitlements: %w", err)
	}
	has := make(map[cycle.PartnerID]bool, len(existing))
	for _, e := range existing {
		has[e.PartnerID] = true
	}

	validUntil := c.EndDate()
	if b.ValidityDays > 0 {
		validUntil = c.StartDate().AddDays(b.ValidityDays - 1)
	}

	var created []cycle.Entitlement
	for _, mb := range members {
		if has[mb.PartnerID] {
			continue
		}
		has[mb.PartnerID] = true
		e := cycle.Entitlement{
			ID:         cycle.EntitlementID(b.NewID()),
			Code:       code(b.NewID()),
			CycleID:    c.ID(),
			PartnerID:  mb.PartnerID,
			Kind:       b.kind,
			State:      cycle.EntitlementDraft,
			ValidFrom:  c.StartDate(),
			ValidUntil: validUntil,
		}
		fill(&e)
		created = append(created, e)
	}
	if len(created) == 0 {
		return nil
	}
	return store.SaveEntitlements(ctx, created)
}

// code shortens an id into a voucher-style code.
func code(id string) string {
	if len(id) < 28 {
		return id
	}
	return id[7:28]
}

// =============================================================================
// CASH
// =============================================================================

// Cash grants AmountPerCycle in Currency to every enrolled beneficiary.
type Cash struct {
	base
	AmountPerCycle decimal.Decimal
	TransferFee    decimal.Decimal
	Currency       string
}

// NewCash creates a cash manager with no transfer fee.
func NewCash(amount decimal.Decimal, currency string) *Cash {
	return &Cash{base: newBase(cycle.KindCash), AmountPerCycle: amount, Currency: currency}
}

func (m *Cash) Prepare(ctx context.Context, store cycle.Store, c cycle.Cycle, members []cycle.Membership) error {
	return m.prepare(ctx, store, c, members, func(e *cycle.Entitlement) {
		e.InitialAmount = m.AmountPerCycle
		e.TransferFee = m.TransferFee
		e.Currency = m.Currency
	})
}

// =============================================================================
// IN-KIND
// =============================================================================

// InKind grants Quantity units of Item to every enrolled beneficiary.
type InKind struct {
	base
	Item     string
	Quantity int
}

// NewInKind creates an in-kind manager.
func NewInKind(item string, quantity int) *InKind {
	return &InKind{base: newBase(cycle.KindInKind), Item: item, Quantity: quantity}
}

func (m *InKind) Prepare(ctx context.Context, store cycle.Store, c cycle.Cycle, members []cycle.Membership) error {
	return m.prepare(ctx, store, c, members, func(e *cycle.Entitlement) {
		e.Item = m.Item
		e.Quantity = m.Quantity
		e.InitialAmount = decimal.Zero
		e.TransferFee = decimal.Zero
	})
}

var (
	_ cycle.EntitlementManager = (*Cash)(nil)
	_ cycle.EntitlementManager = (*InKind)(nil)
)
