package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/cycle/store"
	"github.com/warp/cycle-engine/entitlement"
)

func clock() time.Time {
	return time.Date(2023, time.January, 12, 15, 0, 0, 0, time.UTC)
}

func testCycle() cycle.Cycle {
	return cycle.RestoreCycle(cycle.CycleRecord{
		ID:        "c1",
		ProgramID: "prog",
		Name:      "Cycle 1",
		Sequence:  1,
		StartDate: cycle.NewDate(2023, time.January, 1),
		EndDate:   cycle.NewDate(2023, time.January, 30),
		State:     cycle.StateDraft,
	})
}

func members(partners ...cycle.PartnerID) []cycle.Membership {
	out := make([]cycle.Membership, len(partners))
	for i, p := range partners {
		out[i] = cycle.Membership{ID: cycle.MembershipID("m-" + string(p)), CycleID: "c1", PartnerID: p, State: cycle.MemberEnrolled}
	}
	return out
}

func list(t *testing.T, st cycle.Store, q cycle.EntitlementQuery) []cycle.Entitlement {
	t.Helper()
	ents, err := st.ListEntitlements(context.Background(), "c1", q)
	require.NoError(t, err)
	return ents
}

// =============================================================================
// CASH
// =============================================================================

func TestCash_Prepare_OnePerBeneficiary(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cash := entitlement.NewCash(decimal.RequireFromString("25.50"), "USD")
	cash.TransferFee = decimal.RequireFromString("0.50")

	require.NoError(t, cash.Prepare(ctx, st, testCycle(), members("a", "b")))
	// Preparing again does not duplicate.
	require.NoError(t, cash.Prepare(ctx, st, testCycle(), members("a", "b", "c")))

	ents := list(t, st, cycle.EntitlementQuery{})
	require.Len(t, ents, 3)
	codes := map[string]bool{}
	for _, e := range ents {
		assert.Equal(t, cycle.KindCash, e.Kind)
		assert.Equal(t, cycle.EntitlementDraft, e.State)
		assert.Equal(t, "25.50", e.InitialAmount.StringFixed(2))
		assert.Equal(t, "0.50", e.TransferFee.StringFixed(2))
		assert.True(t, e.Balance().Equal(e.InitialAmount))
		assert.Equal(t, "USD", e.Currency)
		assert.Equal(t, "2023-01-01", e.ValidFrom.String())
		assert.Equal(t, "2023-01-30", e.ValidUntil.String())
		assert.Len(t, e.Code, 21)
		codes[e.Code] = true
	}
	assert.Len(t, codes, 3, "codes are unique")
}

func TestCash_ValidityDays(t *testing.T) {
	st := store.NewMemory()
	cash := entitlement.NewCash(decimal.NewFromInt(10), "USD")
	cash.ValidityDays = 7

	require.NoError(t, cash.Prepare(context.Background(), st, testCycle(), members("a")))

	ents := list(t, st, cycle.EntitlementQuery{})
	require.Len(t, ents, 1)
	assert.Equal(t, "2023-01-07", ents[0].ValidUntil.String())
}

func TestCash_ApprovalFlow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cash := entitlement.NewCash(decimal.NewFromInt(10), "USD")
	cash.Now = clock
	c := testCycle()

	notice, err := cash.Validate(ctx, st, c)
	require.NoError(t, err)
	assert.Equal(t, cycle.NoticeWarning, notice.Kind)
	assert.Equal(t, "There are no entitlements to validate.", notice.Message)

	require.NoError(t, cash.Prepare(ctx, st, c, members("a", "b")))
	require.NoError(t, cash.SetPendingValidation(ctx, st, c))
	assert.Len(t, list(t, st, cycle.EntitlementQuery{States: []cycle.EntitlementState{cycle.EntitlementPendingValidation}}), 2)

	notice, err = cash.Validate(ctx, st, c)
	require.NoError(t, err)
	assert.Equal(t, cycle.NoticeSuccess, notice.Kind)
	assert.Equal(t, "2 entitlements are successfully validated.", notice.Message)

	approved := list(t, st, cycle.EntitlementQuery{States: []cycle.EntitlementState{cycle.EntitlementApproved}})
	require.Len(t, approved, 2)
	require.NotNil(t, approved[0].DateApproved)
	assert.Equal(t, "2023-01-12", approved[0].DateApproved.String())
	assert.True(t, approved[0].CanBeUsed(cycle.NewDate(2023, time.January, 30)))
	assert.False(t, approved[0].CanBeUsed(cycle.NewDate(2023, time.January, 31)))
}

func TestCash_OnlyTouchesItsKind(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := testCycle()

	cash := entitlement.NewCash(decimal.NewFromInt(10), "USD")
	voucher := entitlement.NewInKind("rice-25kg", 2)
	require.NoError(t, cash.Prepare(ctx, st, c, members("a")))
	require.NoError(t, voucher.Prepare(ctx, st, c, members("a")))

	require.NoError(t, cash.SetPendingValidation(ctx, st, c))

	inKind := list(t, st, cycle.EntitlementQuery{Kind: cycle.KindInKind})
	require.Len(t, inKind, 1)
	assert.Equal(t, cycle.EntitlementDraft, inKind[0].State)
	assert.Equal(t, "rice-25kg", inKind[0].Item)
	assert.Equal(t, 2, inKind[0].Quantity)
	assert.True(t, inKind[0].InitialAmount.IsZero())
}

func TestManagers_KindAndForm(t *testing.T) {
	cash := entitlement.NewCash(decimal.NewFromInt(1), "USD")
	voucher := entitlement.NewInKind("soap", 1)

	assert.True(t, cash.IsCashEntitlement())
	assert.False(t, voucher.IsCashEntitlement())
	assert.Equal(t, cycle.KindCash, cycle.EntitlementKindOf(cash))
	assert.Equal(t, cycle.KindInKind, cycle.EntitlementKindOf(voucher))

	action := voucher.OpenEntitlementsForm(testCycle())
	assert.Equal(t, "entitlement.in_kind", action.Model)
	assert.Equal(t, cycle.CycleID("c1"), action.CycleID)
	assert.Equal(t, "c1", action.Context["cycle_id"])
}
