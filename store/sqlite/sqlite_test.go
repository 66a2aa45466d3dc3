package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-engine/cycle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCycle(t *testing.T, store *Store, id cycle.CycleID, seq int) cycle.Cycle {
	t.Helper()
	start := cycle.NewDate(2023, time.January, 1).AddDays(30 * (seq - 1))
	now := time.Date(2023, time.January, 1, 8, 0, 0, 0, time.UTC)
	c := cycle.RestoreCycle(cycle.CycleRecord{
		ID:        id,
		ProgramID: "prog",
		Name:      "Cycle",
		Sequence:  seq,
		StartDate: start,
		EndDate:   start.AddDays(29),
		State:     cycle.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, store.SaveCycle(context.Background(), c))
	return c
}

// =============================================================================
// CYCLES
// =============================================================================

func TestStore_CycleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedCycle(t, store, "c1", 1)

	got, err := store.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Record(), got.Record())

	_, err = store.GetCycle(ctx, "missing")
	assert.ErrorIs(t, err, cycle.ErrCycleNotFound)
}

func TestStore_CycleUpdateKeepsIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedCycle(t, store, "c1", 1)

	r := c.Record()
	r.State = cycle.StateToApprove
	r.Locked = true
	r.LockedReason = cycle.ReasonImporting
	r.MembersCount = 12
	require.NoError(t, store.SaveCycle(ctx, cycle.RestoreCycle(r)))

	got, err := store.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, cycle.StateToApprove, got.State())
	assert.True(t, got.Locked())
	assert.Equal(t, cycle.ReasonImporting, got.LockedReason())
	assert.Equal(t, 12, got.MembersCount())
}

func TestStore_CycleSequenceUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)
	seedCycle(t, store, "c2", 2)

	dup := cycle.RestoreCycle(cycle.CycleRecord{
		ID: "c3", ProgramID: "prog", Name: "Dup", Sequence: 2,
		StartDate: cycle.NewDate(2023, time.June, 1), EndDate: cycle.NewDate(2023, time.June, 30),
		State: cycle.StateDraft,
	})
	err := store.SaveCycle(ctx, dup)
	assert.ErrorIs(t, err, cycle.ErrSequenceConflict)

	last, err := store.LastCycle(ctx, "prog")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, cycle.CycleID("c2"), last.ID())

	none, err := store.LastCycle(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := store.ListCycles(ctx, "prog")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func TestStore_Memberships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)
	day := cycle.NewDate(2023, time.January, 2)

	require.NoError(t, store.AddMemberships(ctx, []cycle.Membership{
		{ID: "m1", CycleID: "c1", PartnerID: "a", State: cycle.MemberDraft, EnrollmentDate: day},
		{ID: "m2", CycleID: "c1", PartnerID: "b", State: cycle.MemberEnrolled, EnrollmentDate: day},
		{ID: "m3", CycleID: "c1", PartnerID: "c", State: cycle.MemberEnrolled, EnrollmentDate: day.AddDays(1)},
	}))

	err := store.AddMemberships(ctx, []cycle.Membership{{ID: "m4", CycleID: "c1", PartnerID: "a", State: cycle.MemberDraft, EnrollmentDate: day}})
	assert.Error(t, err, "duplicate partner must be refused")

	n, err := store.CountMemberships(ctx, "c1", []cycle.MembershipState{cycle.MemberEnrolled})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := store.ListMemberships(ctx, "c1", cycle.MembershipQuery{Order: "enrollment_date desc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, cycle.PartnerID("c"), page[0].PartnerID)
	assert.Equal(t, "2023-01-03", page[0].EnrollmentDate.String())

	offset, err := store.ListMemberships(ctx, "c1", cycle.MembershipQuery{Offset: 2})
	require.NoError(t, err)
	require.Len(t, offset, 1)
	assert.Equal(t, cycle.MembershipID("m3"), offset[0].ID)

	_, err = store.ListMemberships(ctx, "c1", cycle.MembershipQuery{Order: "partner_id; DROP TABLE cycles"})
	assert.ErrorIs(t, err, cycle.ErrInvalidQuery)

	require.NoError(t, store.SetMembershipState(ctx, []cycle.MembershipID{"m1", "m2"}, cycle.MemberNotEligible))
	n, err = store.CountMemberships(ctx, "c1", []cycle.MembershipState{cycle.MemberNotEligible})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	partners, err := store.MemberPartnerIDs(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []cycle.PartnerID{"a", "b", "c"}, partners)
}

func TestStore_ProgramMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := cycle.NewDate(2023, time.January, 2)

	require.NoError(t, store.EnrollProgramMembers(ctx, []cycle.ProgramMembership{
		{ProgramID: "prog", PartnerID: "a", State: cycle.MemberEnrolled, EnrollmentDate: day},
		{ProgramID: "prog", PartnerID: "b", State: cycle.MemberEnrolled, EnrollmentDate: day},
	}))
	require.NoError(t, store.EnrollProgramMembers(ctx, []cycle.ProgramMembership{
		{ProgramID: "prog", PartnerID: "b", State: cycle.MemberPaused, EnrollmentDate: day},
	}))

	enrolled, err := store.ListProgramMembers(ctx, "prog", []cycle.MembershipState{cycle.MemberEnrolled})
	require.NoError(t, err)
	require.Len(t, enrolled, 1)
	assert.Equal(t, cycle.PartnerID("a"), enrolled[0].PartnerID)

	all, err := store.ListProgramMembers(ctx, "prog", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// ENTITLEMENTS & PAYMENTS
// =============================================================================

func testEntitlement(id cycle.EntitlementID, partner cycle.PartnerID, amount int64) cycle.Entitlement {
	return cycle.Entitlement{
		ID:            id,
		Code:          "code-" + string(id),
		CycleID:       "c1",
		PartnerID:     partner,
		Kind:          cycle.KindCash,
		State:         cycle.EntitlementDraft,
		InitialAmount: decimal.NewFromInt(amount),
		TransferFee:   decimal.Zero,
		Currency:      "USD",
		ValidFrom:     cycle.NewDate(2023, time.January, 1),
		ValidUntil:    cycle.NewDate(2023, time.January, 30),
	}
}

func TestStore_Entitlements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)

	ents := []cycle.Entitlement{
		testEntitlement("e1", "a", 100),
		testEntitlement("e2", "b", 20),
		testEntitlement("e3", "c", 3),
	}
	require.NoError(t, store.SaveEntitlements(ctx, ents))

	approvedOn := cycle.NewDate(2023, time.January, 5)
	ents[1].State = cycle.EntitlementApproved
	ents[1].DateApproved = &approvedOn
	require.NoError(t, store.SaveEntitlements(ctx, ents[1:2]))

	got, err := store.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{States: []cycle.EntitlementState{cycle.EntitlementApproved}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cycle.EntitlementID("e2"), got[0].ID)
	require.NotNil(t, got[0].DateApproved)
	assert.Equal(t, "2023-01-05", got[0].DateApproved.String())
	assert.True(t, got[0].InitialAmount.Equal(decimal.NewFromInt(20)))

	// Amounts sort numerically, not as text.
	byAmount, err := store.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{Order: "initial_amount desc"})
	require.NoError(t, err)
	require.Len(t, byAmount, 3)
	assert.Equal(t, []cycle.EntitlementID{"e1", "e2", "e3"}, []cycle.EntitlementID{byAmount[0].ID, byAmount[1].ID, byAmount[2].ID})

	forPartners, err := store.ListEntitlements(ctx, "c1", cycle.EntitlementQuery{Partner: []cycle.PartnerID{"a", "c"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, forPartners, 1)
	assert.Equal(t, cycle.EntitlementID("e1"), forPartners[0].ID)

	n, err := store.CountEntitlements(ctx, "c1", cycle.EntitlementQuery{Partner: []cycle.PartnerID{"a", "c"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "count ignores paging")

	n, err = store.CountEntitlements(ctx, "c1", cycle.EntitlementQuery{Kind: cycle.KindInKind})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Payments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)
	require.NoError(t, store.SaveEntitlements(ctx, []cycle.Entitlement{testEntitlement("e1", "a", 40)}))

	batch := cycle.PaymentBatch{ID: "b1", CycleID: "c1", Name: "Cycle - Batch 1", CreatedAt: time.Now().UTC()}
	payment := cycle.Payment{
		ID: "p1", BatchID: "b1", CycleID: "c1", EntitlementID: "e1", PartnerID: "a",
		Amount: decimal.RequireFromString("40.50"), Currency: "USD", State: cycle.PaymentIssued,
	}
	require.NoError(t, store.SavePaymentBatch(ctx, batch, []cycle.Payment{payment}))

	payments, err := store.ListPayments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "40.5", payments[0].Amount.String())

	batches, err := store.ListPaymentBatches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "Cycle - Batch 1", batches[0].Name)

	// An entitlement is paid at most once.
	dup := cycle.PaymentBatch{ID: "b2", CycleID: "c1", Name: "Cycle - Batch 2"}
	payment.ID, payment.BatchID = "p2", "b2"
	assert.Error(t, store.SavePaymentBatch(ctx, dup, []cycle.Payment{payment}))
}

// =============================================================================
// EVENTS & TRANSACTIONS
// =============================================================================

func TestStore_EventsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2023, time.January, 1, 10, 0, 0, 0, time.UTC)

	for _, op := range []cycle.Operation{cycle.OpNewCycle, cycle.OpToApprove, cycle.OpApprove} {
		require.NoError(t, store.AppendEvent(ctx, cycle.Event{CycleID: "c1", Operation: op, Actor: "system", At: at}))
	}

	events, err := store.ListEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, cycle.OpApprove, events[2].Operation)
	assert.True(t, events[0].At.Equal(at))
}

func TestStore_WithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx cycle.Store) error {
		if err := tx.AddMemberships(ctx, []cycle.Membership{{ID: "m1", CycleID: "c1", PartnerID: "a", State: cycle.MemberEnrolled}}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, cycle.Event{CycleID: "c1", Operation: cycle.OpAddBeneficiaries, At: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := store.CountMemberships(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	events, err := store.ListEvents(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_WithTx_Commits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, "c1", 1)

	err := store.WithTx(ctx, func(tx cycle.Store) error {
		return tx.AddMemberships(ctx, []cycle.Membership{{ID: "m1", CycleID: "c1", PartnerID: "a", State: cycle.MemberEnrolled}})
	})
	require.NoError(t, err)

	n, err := store.CountMemberships(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// PROGRAMS
// =============================================================================

func TestStore_Programs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveProgram(ctx, ProgramRecord{ID: "p1", Name: "Zeta", ConfigJSON: `{"id":"p1"}`}))
	require.NoError(t, store.SaveProgram(ctx, ProgramRecord{ID: "p2", Name: "Alpha", ConfigJSON: `{"id":"p2"}`}))
	require.NoError(t, store.SaveProgram(ctx, ProgramRecord{ID: "p1", Name: "Zeta", ConfigJSON: `{"id":"p1","v":2}`}))

	p, err := store.GetProgram(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, `{"id":"p1","v":2}`, p.ConfigJSON)

	missing, err := store.GetProgram(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)
}
