/*
handlers_test.go - HTTP tests for API handlers and the scheduler

Tests for:
- Program registration and cycle creation
- Operation dispatch, rejections (409), locks (423), unknown ids (404)
- Beneficiary and entitlement queries
- Scheduler passes (next cycle, entitlement expiry)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/factory"
	"github.com/warp/cycle-engine/store/sqlite"
)

const foodProgram = `{
	"id": "food",
	"name": "Food Support",
	"auto_create_cycles": true,
	"recurrence": {"rrule_type": "daily", "cycle_duration": 30},
	"entitlement": {"type": "cash", "amount": "50", "currency": "USD"},
	"eligibility": [{"type": "program_enrollment"}]
}`

type testServer struct {
	t       *testing.T
	router  http.Handler
	handler *Handler
	store   *sqlite.Store
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	ts := &testServer{t: t, store: db, now: time.Date(2023, time.January, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return ts.now }

	f := factory.NewProgramFactory()
	f.Now = clock
	registry := factory.NewRegistry(f, db)

	manager := cycle.NewManager(db, registry)
	manager.Now = clock
	manager.Log = log

	ts.handler = NewHandler(manager, registry, log)
	ts.router = NewRouter(ts.handler)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "officer-1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedCycle registers the food program, enrolls partners and opens cycle 1.
func (ts *testServer) seedCycle(partners string) CycleDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/programs", foodProgram)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/programs/food/beneficiaries", `{"partner_ids": `+partners+`}`)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/programs/food/cycles", "")
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CycleDTO](ts.t, rec)
}

// =============================================================================
// PROGRAMS
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateProgram_InvalidIsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/programs", `{"id": "x", "name": "X", "recurrence": {"rrule_type": "weekly", "cycle_duration": 1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/programs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProgram_WithLastCycle(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seedCycle(`["a", "b"]`)

	rec := ts.do(http.MethodGet, "/api/programs/food", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[ProgramDTO](t, rec)
	assert.Equal(t, "Food Support", p.Name)
	require.NotNil(t, p.LastCycle)
	assert.Equal(t, c.ID, p.LastCycle.ID)

	list := decode[[]ProgramDTO](t, ts.do(http.MethodGet, "/api/programs", ""))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/programs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/programs/nope/cycles", "").Code)
}

// =============================================================================
// CYCLES
// =============================================================================

func TestCreateCycle_NextAndExplicit(t *testing.T) {
	// GIVEN: A program with two enrolled partners
	ts := newTestServer(t)

	// WHEN: The first cycle is created with an empty body
	c := ts.seedCycle(`["a", "b"]`)

	// THEN: Cycle 1 starts today with both partners
	assert.Equal(t, "Cycle 1", c.Name)
	assert.Equal(t, 1, c.Sequence)
	assert.Equal(t, "2023-01-10", c.StartDate)
	assert.Equal(t, "2023-02-08", c.EndDate)
	assert.Equal(t, "draft", c.State)
	assert.Equal(t, 2, c.MembersCount)

	// An explicit sequence and start date are honored.
	rec := ts.do(http.MethodPost, "/api/programs/food/cycles", `{"start_date": "2023-03-01", "sequence": 5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	explicit := decode[CycleDTO](t, rec)
	assert.Equal(t, "Cycle 5", explicit.Name)
	assert.Equal(t, "2023-03-30", explicit.EndDate)
	assert.Zero(t, explicit.MembersCount)

	rec = ts.do(http.MethodPost, "/api/programs/food/cycles", `{"start_date": "March", "sequence": 6}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cycles := decode[[]CycleDTO](t, ts.do(http.MethodGet, "/api/programs/food/cycles", ""))
	require.Len(t, cycles, 2)
	assert.Equal(t, 1, cycles[0].Sequence)
	assert.Equal(t, 5, cycles[1].Sequence)
}

func TestApplyOperation_LifecycleAndRejection(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seedCycle(`["a", "b"]`)
	base := "/api/cycles/" + c.ID

	// Approving a draft is refused with the rejection in the body.
	rec := ts.do(http.MethodPost, base+"/approve", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	res := decode[ResultDTO](t, rec)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "approve", res.Rejection.Operation)
	assert.Equal(t, "draft", res.Rejection.State)
	assert.Equal(t, []string{"to_approve"}, res.Rejection.Required)
	assert.Equal(t, "draft", res.Cycle.State)

	rec = ts.do(http.MethodPost, base+"/prepare_entitlement", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[ResultDTO](t, rec).Cycle.EntitlementsCount)

	for _, op := range []string{"to_approve", "validate_entitlement", "approve", "prepare_payment"} {
		rec = ts.do(http.MethodPost, base+"/"+op, "")
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", op, rec.Body.String())
	}
	res = decode[ResultDTO](t, rec)
	assert.Equal(t, "approved", res.Cycle.State)
	assert.Equal(t, 2, res.Cycle.PaymentsCount)
	assert.Len(t, res.PaymentBatches, 1)

	events := decode[[]EventDTO](t, ts.do(http.MethodGet, base+"/events", ""))
	require.NotEmpty(t, events)
	assert.Equal(t, "new_cycle", events[0].Operation)
	assert.Equal(t, "officer-1", events[len(events)-1].Actor)
}

func TestApplyOperation_UnknownOperationAndCycle(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seedCycle(`["a"]`)

	rec := ts.do(http.MethodPost, "/api/cycles/"+c.ID+"/teleport", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/cycles/missing/to_approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/cycles/missing", "").Code)
}

func TestApplyOperation_LockedCycle(t *testing.T) {
	// GIVEN: A cycle locked by a running import
	ts := newTestServer(t)
	c := ts.seedCycle(`["a"]`)

	stored, err := ts.store.GetCycle(context.Background(), cycle.CycleID(c.ID))
	require.NoError(t, err)
	rec := stored.Record()
	rec.Locked = true
	rec.LockedReason = "Importing beneficiaries."
	require.NoError(t, ts.store.SaveCycle(context.Background(), cycle.RestoreCycle(rec)))

	// WHEN: An operation is attempted
	resp := ts.do(http.MethodPost, "/api/cycles/"+c.ID+"/to_approve", "")

	// THEN: It is refused with 423 and the cycle is unchanged
	assert.Equal(t, http.StatusLocked, resp.Code)
	assert.Equal(t, "locked", decode[ErrorResponse](t, resp).Code)

	got := decode[CycleDTO](t, ts.do(http.MethodGet, "/api/cycles/"+c.ID, ""))
	assert.Equal(t, "draft", got.State)
	assert.True(t, got.Locked)
	assert.Equal(t, "Importing beneficiaries.", got.LockedReason)
}

// =============================================================================
// BENEFICIARIES AND ENTITLEMENTS
// =============================================================================

func TestBeneficiaries_AddListAndEligibility(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seedCycle(`["a", "b"]`)
	base := "/api/cycles/" + c.ID

	// "x" is not enrolled in the program and joins as a draft member.
	rec := ts.do(http.MethodPost, base+"/beneficiaries", `{"partner_ids": ["x"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[ResultDTO](t, rec).Cycle.MembersCount)

	count := decode[PageDTO[MembershipDTO]](t, ts.do(http.MethodGet, base+"/beneficiaries?count=true", ""))
	assert.Equal(t, 3, count.Count)
	assert.Empty(t, count.Items)

	page := decode[PageDTO[MembershipDTO]](t, ts.do(http.MethodGet, base+"/beneficiaries?order=partner_id%20desc&limit=1", ""))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "x", page.Items[0].PartnerID)
	assert.Equal(t, "draft", page.Items[0].State)

	rec = ts.do(http.MethodPost, base+"/check_eligibility", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[ResultDTO](t, rec).Cycle.MembersCount)

	rejected := decode[PageDTO[MembershipDTO]](t, ts.do(http.MethodGet, base+"/beneficiaries?state=not_eligible", ""))
	require.Len(t, rejected.Items, 1)
	assert.Equal(t, "x", rejected.Items[0].PartnerID)

	both := decode[PageDTO[MembershipDTO]](t, ts.do(http.MethodGet, base+"/beneficiaries?state=enrolled,not_eligible&count=1", ""))
	assert.Equal(t, 3, both.Count)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, base+"/beneficiaries?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, base+"/beneficiaries?order=secret", "").Code)
}

func TestEntitlements_ListAndForm(t *testing.T) {
	ts := newTestServer(t)
	c := ts.seedCycle(`["a", "b", "c"]`)
	base := "/api/cycles/" + c.ID

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, base+"/prepare_entitlement", "").Code)

	page := decode[PageDTO[EntitlementDTO]](t, ts.do(http.MethodGet, base+"/entitlements?state=draft&kind=cash&limit=2", ""))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "50.00", page.Items[0].InitialAmount)
	assert.Equal(t, "50.00", page.Items[0].Balance)
	assert.Equal(t, "USD", page.Items[0].Currency)
	assert.Nil(t, page.Items[0].DateApproved)

	none := decode[PageDTO[EntitlementDTO]](t, ts.do(http.MethodGet, base+"/entitlements?kind=in_kind&count=true", ""))
	assert.Zero(t, none.Count)

	form := decode[ActionDTO](t, ts.do(http.MethodGet, base+"/entitlements/form", ""))
	assert.Equal(t, "entitlement.cash", form.Model)
	assert.Equal(t, c.ID, form.CycleID)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunOnce_CreatesAndExpires(t *testing.T) {
	// GIVEN: An auto-created program whose first cycle has approved entitlements
	ts := newTestServer(t)
	c := ts.seedCycle(`["a"]`)
	base := "/api/cycles/" + c.ID
	for _, op := range []string{"prepare_entitlement", "to_approve", "validate_entitlement"} {
		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, base+"/"+op, "").Code, op)
	}
	scheduler := NewCycleScheduler(ts.handler.Manager, ts.handler.Registry, ts.handler.Log)
	ctx := context.Background()

	// WHEN: The scheduler runs while cycle 1 is current
	run, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: Nothing is due
	assert.Equal(t, SchedulerRun{}, run)

	// WHEN: It runs the day after cycle 1 ended
	ts.now = time.Date(2023, time.February, 9, 1, 0, 0, 0, time.UTC)
	run, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)

	// THEN: Cycle 2 follows on and cycle 1's entitlement expires
	assert.Equal(t, SchedulerRun{CyclesCreated: 1, EntitlementsExpired: 1}, run)
	cycles := decode[[]CycleDTO](t, ts.do(http.MethodGet, "/api/programs/food/cycles", ""))
	require.Len(t, cycles, 2)
	assert.Equal(t, "2023-02-09", cycles[1].StartDate)
	assert.Equal(t, 1, cycles[1].MembersCount)

	expired := decode[PageDTO[EntitlementDTO]](t, ts.do(http.MethodGet, base+"/entitlements?state=expired", ""))
	assert.Len(t, expired.Items, 1)
}

func TestScheduler_StartDisabledAndInvalidSpec(t *testing.T) {
	ts := newTestServer(t)

	disabled := NewCycleScheduler(ts.handler.Manager, ts.handler.Registry, ts.handler.Log)
	disabled.Enabled = false
	require.NoError(t, disabled.Start())
	disabled.Stop()

	invalid := NewCycleScheduler(ts.handler.Manager, ts.handler.Registry, ts.handler.Log)
	invalid.Spec = "every tuesday"
	assert.Error(t, invalid.Start())

	valid := NewCycleScheduler(ts.handler.Manager, ts.handler.Registry, ts.handler.Log)
	require.NoError(t, valid.Start())
	valid.Stop()
}
