package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/cycle/store"
)

func testCycle(id cycle.CycleID, seq int) cycle.Cycle {
	start := cycle.NewDate(2023, time.January, 1).AddDays(30 * (seq - 1))
	return cycle.RestoreCycle(cycle.CycleRecord{
		ID:        id,
		ProgramID: "prog",
		Name:      string(id),
		Sequence:  seq,
		StartDate: start,
		EndDate:   start.AddDays(29),
		State:     cycle.StateDraft,
	})
}

func TestMemory_Cycles(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	last, err := st.LastCycle(ctx, "prog")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, st.SaveCycle(ctx, testCycle("c2", 2)))
	require.NoError(t, st.SaveCycle(ctx, testCycle("c1", 1)))

	err = st.SaveCycle(ctx, testCycle("dup", 2))
	assert.ErrorIs(t, err, cycle.ErrSequenceConflict)

	all, err := st.ListCycles(ctx, "prog")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, cycle.CycleID("c1"), all[0].ID())

	last, err = st.LastCycle(ctx, "prog")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, cycle.CycleID("c2"), last.ID())

	_, err = st.GetCycle(ctx, "nope")
	assert.ErrorIs(t, err, cycle.ErrCycleNotFound)
}

func TestMemory_Memberships(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	today := cycle.NewDate(2023, time.January, 1)

	require.NoError(t, st.AddMemberships(ctx, []cycle.Membership{
		{ID: "m1", CycleID: "c1", PartnerID: "a", State: cycle.MemberDraft, EnrollmentDate: today},
		{ID: "m2", CycleID: "c1", PartnerID: "b", State: cycle.MemberEnrolled, EnrollmentDate: today},
		{ID: "m3", CycleID: "c1", PartnerID: "c", State: cycle.MemberEnrolled, EnrollmentDate: today},
	}))
	assert.Error(t, st.AddMemberships(ctx, []cycle.Membership{{ID: "m4", CycleID: "c1", PartnerID: "a"}}),
		"a partner is a member of a cycle at most once")

	n, err := st.CountMemberships(ctx, "c1", []cycle.MembershipState{cycle.MemberEnrolled})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.SetMembershipState(ctx, []cycle.MembershipID{"m1"}, cycle.MemberNotEligible))
	got, err := st.ListMemberships(ctx, "c1", cycle.MembershipQuery{States: []cycle.MembershipState{cycle.MemberNotEligible}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cycle.PartnerID("a"), got[0].PartnerID)

	paged, err := st.ListMemberships(ctx, "c1", cycle.MembershipQuery{Order: "partner_id desc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, cycle.PartnerID("c"), paged[0].PartnerID)

	beyond, err := st.ListMemberships(ctx, "c1", cycle.MembershipQuery{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)

	partners, err := st.MemberPartnerIDs(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []cycle.PartnerID{"a", "b", "c"}, partners)
}

func TestMemory_ProgramMembersUpsert(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	require.NoError(t, st.EnrollProgramMembers(ctx, []cycle.ProgramMembership{
		{ProgramID: "prog", PartnerID: "a", State: cycle.MemberEnrolled},
		{ProgramID: "prog", PartnerID: "b", State: cycle.MemberEnrolled},
	}))
	require.NoError(t, st.EnrollProgramMembers(ctx, []cycle.ProgramMembership{
		{ProgramID: "prog", PartnerID: "b", State: cycle.MemberExited},
	}))

	enrolled, err := st.ListProgramMembers(ctx, "prog", []cycle.MembershipState{cycle.MemberEnrolled})
	require.NoError(t, err)
	require.Len(t, enrolled, 1)
	assert.Equal(t, cycle.PartnerID("a"), enrolled[0].PartnerID)
}

func TestMemory_EntitlementsAndPayments(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	ents := []cycle.Entitlement{
		{ID: "e1", CycleID: "c1", PartnerID: "a", Kind: cycle.KindCash, State: cycle.EntitlementDraft, InitialAmount: decimal.NewFromInt(30)},
		{ID: "e2", CycleID: "c1", PartnerID: "b", Kind: cycle.KindCash, State: cycle.EntitlementApproved, InitialAmount: decimal.NewFromInt(10)},
		{ID: "e3", CycleID: "c1", PartnerID: "c", Kind: cycle.KindInKind, State: cycle.EntitlementDraft},
	}
	require.NoError(t, st.SaveEntitlements(ctx, ents))

	ents[0].State = cycle.EntitlementApproved
	require.NoError(t, st.SaveEntitlements(ctx, ents[:1]))

	approved, err := st.CountEntitlements(ctx, "c1", cycle.EntitlementQuery{States: []cycle.EntitlementState{cycle.EntitlementApproved}})
	require.NoError(t, err)
	assert.Equal(t, 2, approved)

	byAmount, err := st.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{Kind: cycle.KindCash, Order: "initial_amount"})
	require.NoError(t, err)
	require.Len(t, byAmount, 2)
	assert.Equal(t, cycle.EntitlementID("e2"), byAmount[0].ID)

	forPartner, err := st.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{Partner: []cycle.PartnerID{"c"}})
	require.NoError(t, err)
	require.Len(t, forPartner, 1)
	assert.Equal(t, cycle.KindInKind, forPartner[0].Kind)

	_, err = st.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{Order: "secret"})
	assert.ErrorIs(t, err, cycle.ErrInvalidQuery)

	batch := cycle.PaymentBatch{ID: "b1", CycleID: "c1", Name: "Batch 1"}
	require.NoError(t, st.SavePaymentBatch(ctx, batch, []cycle.Payment{
		{ID: "p1", BatchID: "b1", CycleID: "c1", EntitlementID: "e1", Amount: decimal.NewFromInt(30)},
	}))
	n, err := st.CountPayments(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	batches, err := st.ListPaymentBatches(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	require.NoError(t, st.SaveCycle(ctx, testCycle("c1", 1)))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx cycle.Store) error {
		require.NoError(t, tx.AddMemberships(ctx, []cycle.Membership{{ID: "m1", CycleID: "c1", PartnerID: "a"}}))
		require.NoError(t, tx.AppendEvent(ctx, cycle.Event{CycleID: "c1", Operation: cycle.OpAddBeneficiaries}))
		require.NoError(t, tx.SaveCycle(ctx, testCycle("c2", 2)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := st.CountMemberships(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	events, err := st.ListEvents(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = st.GetCycle(ctx, "c2")
	assert.ErrorIs(t, err, cycle.ErrCycleNotFound)
}

func TestTxMemory_WithTx_Commits(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()

	err := st.WithTx(ctx, func(tx cycle.Store) error {
		if err := tx.SaveCycle(ctx, testCycle("c1", 1)); err != nil {
			return err
		}
		return tx.AddMemberships(ctx, []cycle.Membership{{ID: "m1", CycleID: "c1", PartnerID: "a", State: cycle.MemberEnrolled}})
	})
	require.NoError(t, err)

	n, err := st.CountMemberships(ctx, "c1", []cycle.MembershipState{cycle.MemberEnrolled})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
