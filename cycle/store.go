/*
store.go - Persistence interfaces for cycles and the records around them

PURPOSE:
  Defines the boundary between the cycle engine and its storage. The same
  Store carries the cycle table and the membership, entitlement and payment
  records the reference collaborators own, so one transaction covers a
  transition and all of its side effects.

KEY INTERFACES:
  Store:   Reads and writes used inside one unit of work
  TxStore: Store plus WithTx, the unit-of-work boundary

IMPLEMENTATIONS:
  - cycle/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite

QUERIES:
  MembershipQuery and EntitlementQuery filter by a list of state tokens
  (OR semantics, empty = any state), page with Offset/Limit (Limit 0 =
  unlimited) and sort by a whitelisted Order.
*/
package cycle

import (
	"context"
	"fmt"
	"strings"
)

// Store handles persistence for the engine.
type Store interface {
	// Cycles
	GetCycle(ctx context.Context, id CycleID) (Cycle, error) // ErrCycleNotFound
	SaveCycle(ctx context.Context, c Cycle) error
	LastCycle(ctx context.Context, programID ProgramID) (*Cycle, error) // nil when none
	ListCycles(ctx context.Context, programID ProgramID) ([]Cycle, error)

	// Cycle memberships
	AddMemberships(ctx context.Context, members []Membership) error
	ListMemberships(ctx context.Context, cycleID CycleID, q MembershipQuery) ([]Membership, error)
	CountMemberships(ctx context.Context, cycleID CycleID, states []MembershipState) (int, error)
	MemberPartnerIDs(ctx context.Context, cycleID CycleID) ([]PartnerID, error)
	SetMembershipState(ctx context.Context, ids []MembershipID, state MembershipState) error

	// Program registry
	EnrollProgramMembers(ctx context.Context, members []ProgramMembership) error
	ListProgramMembers(ctx context.Context, programID ProgramID, states []MembershipState) ([]ProgramMembership, error)

	// Entitlements
	SaveEntitlements(ctx context.Context, ents []Entitlement) error
	ListEntitlements(ctx context.Context, cycleID CycleID, q EntitlementQuery) ([]Entitlement, error)
	CountEntitlements(ctx context.Context, cycleID CycleID, q EntitlementQuery) (int, error)

	// Payments
	SavePaymentBatch(ctx context.Context, batch PaymentBatch, payments []Payment) error
	ListPaymentBatches(ctx context.Context, cycleID CycleID) ([]PaymentBatch, error)
	ListPayments(ctx context.Context, cycleID CycleID) ([]Payment, error)
	CountPayments(ctx context.Context, cycleID CycleID) (int, error)

	// Audit
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, cycleID CycleID) ([]Event, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERIES
// =============================================================================

// MembershipQuery filters the beneficiaries of a cycle.
type MembershipQuery struct {
	States []MembershipState
	Offset int
	Limit  int
	Order  string
	Count  bool
}

// EntitlementQuery filters the entitlements of a cycle. Kind empty = any.
type EntitlementQuery struct {
	States  []EntitlementState
	Kind    EntitlementKind
	Partner []PartnerID
	Offset  int
	Limit   int
	Order   string
	Count   bool
}

// Page is a query answer: Items, or only Count when the query asked for it.
type Page[T any] struct {
	Items []T
	Count int
}

// OrderField is a validated sort key.
type OrderField struct {
	Column string
	Desc   bool
}

var membershipOrders = map[string]bool{"id": true, "partner_id": true, "enrollment_date": true, "state": true}
var entitlementOrders = map[string]bool{"id": true, "partner_id": true, "code": true, "state": true, "initial_amount": true}

// ParseMembershipOrder validates an order like "enrollment_date desc".
func ParseMembershipOrder(order string) (OrderField, error) {
	return parseOrder(order, membershipOrders)
}

// ParseEntitlementOrder validates an order like "partner_id".
func ParseEntitlementOrder(order string) (OrderField, error) {
	return parseOrder(order, entitlementOrders)
}

func parseOrder(order string, allowed map[string]bool) (OrderField, error) {
	fields := strings.Fields(strings.ToLower(order))
	switch len(fields) {
	case 0:
		return OrderField{Column: "id"}, nil
	case 1, 2:
		if !allowed[fields[0]] {
			return OrderField{}, fmt.Errorf("%w: unsupported order %q", ErrInvalidQuery, order)
		}
		of := OrderField{Column: fields[0]}
		if len(fields) == 2 {
			switch fields[1] {
			case "asc":
			case "desc":
				of.Desc = true
			default:
				return OrderField{}, fmt.Errorf("%w: unsupported direction %q", ErrInvalidQuery, fields[1])
			}
		}
		return of, nil
	default:
		return OrderField{}, fmt.Errorf("%w: unsupported order %q", ErrInvalidQuery, order)
	}
}

// HasMembershipState reports whether s passes the filter.
func HasMembershipState(states []MembershipState, s MembershipState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if want == s {
			return true
		}
	}
	return false
}

// Matches reports whether e passes the query filters (paging aside).
func (q EntitlementQuery) Matches(e Entitlement) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if s == e.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Partner) > 0 {
		for _, p := range q.Partner {
			if p == e.PartnerID {
				return true
			}
		}
		return false
	}
	return true
}
