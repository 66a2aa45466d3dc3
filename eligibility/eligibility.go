/*
Package eligibility provides the reference eligibility managers.

AVAILABLE MANAGERS:
  ProgramEnrollment: Keeps members still enrolled in the program registry
  Exclusion:         Drops an explicit list of partners

Managers compose as a chain on the program; each receives the survivors of
the previous one.
*/
package eligibility

import (
	"context"
	"fmt"

	"github.com/warp/cycle-engine/cycle"
)

// ProgramEnrollment keeps the members whose program membership is enrolled.
type ProgramEnrollment struct{}

func (ProgramEnrollment) VerifyCycleEligibility(ctx context.Context, store cycle.Store, c cycle.Cycle, members []cycle.Membership) ([]cycle.Membership, error) {
	enrolled, err := store.ListProgramMembers(ctx, c.ProgramID(), []cycle.MembershipState{cycle.MemberEnrolled})
	if err != nil {
		return nil, fmt.Errorf("list program members: %w", err)
	}
	ok := make(map[cycle.PartnerID]bool, len(enrolled))
	for _, pm := range enrolled {
		ok[pm.PartnerID] = true
	}
	return keep(members, func(mb cycle.Membership) bool { return ok[mb.PartnerID] }), nil
}

// Exclusion drops the listed partners.
type Exclusion struct {
	Partners []cycle.PartnerID
}

func (e Exclusion) VerifyCycleEligibility(_ context.Context, _ cycle.Store, _ cycle.Cycle, members []cycle.Membership) ([]cycle.Membership, error) {
	excluded := make(map[cycle.PartnerID]bool, len(e.Partners))
	for _, p := range e.Partners {
		excluded[p] = true
	}
	return keep(members, func(mb cycle.Membership) bool { return !excluded[mb.PartnerID] }), nil
}

func keep(members []cycle.Membership, pred func(cycle.Membership) bool) []cycle.Membership {
	out := make([]cycle.Membership, 0, len(members))
	for _, mb := range members {
		if pred(mb) {
			out = append(out, mb)
		}
	}
	return out
}

var (
	_ cycle.EligibilityManager = ProgramEnrollment{}
	_ cycle.EligibilityManager = Exclusion{}
)
