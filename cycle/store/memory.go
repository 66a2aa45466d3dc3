// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/warp/cycle-engine/cycle"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

// data holds the tables. Its methods assume the caller holds the lock.
type data struct {
	cycles         map[cycle.CycleID]cycle.Cycle
	members        map[cycle.CycleID][]cycle.Membership
	programMembers map[cycle.ProgramID][]cycle.ProgramMembership
	entitlements   map[cycle.CycleID][]cycle.Entitlement
	batches        map[cycle.CycleID][]cycle.PaymentBatch
	payments       map[cycle.CycleID][]cycle.Payment
	events         map[cycle.CycleID][]cycle.Event
}

func newData() data {
	return data{
		cycles:         make(map[cycle.CycleID]cycle.Cycle),
		members:        make(map[cycle.CycleID][]cycle.Membership),
		programMembers: make(map[cycle.ProgramID][]cycle.ProgramMembership),
		entitlements:   make(map[cycle.CycleID][]cycle.Entitlement),
		batches:        make(map[cycle.CycleID][]cycle.PaymentBatch),
		payments:       make(map[cycle.CycleID][]cycle.Payment),
		events:         make(map[cycle.CycleID][]cycle.Event),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

func (m *Memory) GetCycle(ctx context.Context, id cycle.CycleID) (cycle.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCycle(ctx, id)
}

func (m *Memory) SaveCycle(ctx context.Context, c cycle.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCycle(ctx, c)
}

func (m *Memory) LastCycle(ctx context.Context, programID cycle.ProgramID) (*cycle.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCycle(ctx, programID)
}

func (m *Memory) ListCycles(ctx context.Context, programID cycle.ProgramID) ([]cycle.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCycles(ctx, programID)
}

func (m *Memory) AddMemberships(ctx context.Context, members []cycle.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addMemberships(ctx, members)
}

func (m *Memory) ListMemberships(ctx context.Context, id cycle.CycleID, q cycle.MembershipQuery) ([]cycle.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMemberships(ctx, id, q)
}

func (m *Memory) CountMemberships(ctx context.Context, id cycle.CycleID, states []cycle.MembershipState) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countMemberships(ctx, id, states)
}

func (m *Memory) MemberPartnerIDs(ctx context.Context, id cycle.CycleID) ([]cycle.PartnerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memberPartnerIDs(ctx, id)
}

func (m *Memory) SetMembershipState(ctx context.Context, ids []cycle.MembershipID, state cycle.MembershipState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMembershipState(ctx, ids, state)
}

func (m *Memory) EnrollProgramMembers(ctx context.Context, members []cycle.ProgramMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollProgramMembers(ctx, members)
}

func (m *Memory) ListProgramMembers(ctx context.Context, programID cycle.ProgramID, states []cycle.MembershipState) ([]cycle.ProgramMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProgramMembers(ctx, programID, states)
}

func (m *Memory) SaveEntitlements(ctx context.Context, ents []cycle.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveEntitlements(ctx, ents)
}

func (m *Memory) ListEntitlements(ctx context.Context, id cycle.CycleID, q cycle.EntitlementQuery) ([]cycle.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntitlements(ctx, id, q)
}

func (m *Memory) CountEntitlements(ctx context.Context, id cycle.CycleID, q cycle.EntitlementQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countEntitlements(ctx, id, q)
}

func (m *Memory) SavePaymentBatch(ctx context.Context, batch cycle.PaymentBatch, payments []cycle.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePaymentBatch(ctx, batch, payments)
}

func (m *Memory) ListPaymentBatches(ctx context.Context, id cycle.CycleID) ([]cycle.PaymentBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentBatches(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, id cycle.CycleID) ([]cycle.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPayments(ctx, id)
}

func (m *Memory) CountPayments(ctx context.Context, id cycle.CycleID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countPayments(ctx, id)
}

func (m *Memory) AppendEvent(ctx context.Context, e cycle.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEvent(ctx, e)
}

func (m *Memory) ListEvents(ctx context.Context, id cycle.CycleID) ([]cycle.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEvents(ctx, id)
}

// =============================================================================
// TABLE OPERATIONS (caller holds the lock)
// =============================================================================

func (d *data) getCycle(_ context.Context, id cycle.CycleID) (cycle.Cycle, error) {
	c, ok := d.cycles[id]
	if !ok {
		return cycle.Cycle{}, fmt.Errorf("%w: %s", cycle.ErrCycleNotFound, id)
	}
	return c, nil
}

func (d *data) saveCycle(_ context.Context, c cycle.Cycle) error {
	for id, other := range d.cycles {
		if id != c.ID() && other.ProgramID() == c.ProgramID() && other.Sequence() == c.Sequence() {
			return fmt.Errorf("%w: sequence %d already used", cycle.ErrSequenceConflict, c.Sequence())
		}
	}
	d.cycles[c.ID()] = c
	return nil
}

func (d *data) lastCycle(ctx context.Context, programID cycle.ProgramID) (*cycle.Cycle, error) {
	cycles, _ := d.listCycles(ctx, programID)
	if len(cycles) == 0 {
		return nil, nil
	}
	last := cycles[len(cycles)-1]
	return &last, nil
}

func (d *data) listCycles(_ context.Context, programID cycle.ProgramID) ([]cycle.Cycle, error) {
	var out []cycle.Cycle
	for _, c := range d.cycles {
		if c.ProgramID() == programID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence() < out[j].Sequence() })
	return out, nil
}

func (d *data) addMemberships(_ context.Context, members []cycle.Membership) error {
	for _, mb := range members {
		for _, existing := range d.members[mb.CycleID] {
			if existing.PartnerID == mb.PartnerID {
				return fmt.Errorf("partner %s is already a member of cycle %s", mb.PartnerID, mb.CycleID)
			}
		}
		d.members[mb.CycleID] = append(d.members[mb.CycleID], mb)
	}
	return nil
}

func (d *data) listMemberships(_ context.Context, id cycle.CycleID, q cycle.MembershipQuery) ([]cycle.Membership, error) {
	order, err := cycle.ParseMembershipOrder(q.Order)
	if err != nil {
		return nil, err
	}
	var out []cycle.Membership
	for _, mb := range d.members[id] {
		if cycle.HasMembershipState(q.States, mb.State) {
			out = append(out, mb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareMembership(out[i], out[j], order.Column)
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
	return page(out, q.Offset, q.Limit), nil
}

func compareMembership(a, b cycle.Membership, column string) int {
	switch column {
	case "partner_id":
		return strings.Compare(string(a.PartnerID), string(b.PartnerID))
	case "enrollment_date":
		return a.EnrollmentDate.Time.Compare(b.EnrollmentDate.Time)
	case "state":
		return strings.Compare(string(a.State), string(b.State))
	default:
		return strings.Compare(string(a.ID), string(b.ID))
	}
}

func (d *data) countMemberships(_ context.Context, id cycle.CycleID, states []cycle.MembershipState) (int, error) {
	n := 0
	for _, mb := range d.members[id] {
		if cycle.HasMembershipState(states, mb.State) {
			n++
		}
	}
	return n, nil
}

func (d *data) memberPartnerIDs(_ context.Context, id cycle.CycleID) ([]cycle.PartnerID, error) {
	out := make([]cycle.PartnerID, 0, len(d.members[id]))
	for _, mb := range d.members[id] {
		out = append(out, mb.PartnerID)
	}
	return out, nil
}

func (d *data) setMembershipState(_ context.Context, ids []cycle.MembershipID, state cycle.MembershipState) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[cycle.MembershipID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for cid, members := range d.members {
		for i := range members {
			if want[members[i].ID] {
				members[i].State = state
			}
		}
		d.members[cid] = members
	}
	return nil
}

func (d *data) enrollProgramMembers(_ context.Context, members []cycle.ProgramMembership) error {
	for _, pm := range members {
		list := d.programMembers[pm.ProgramID]
		i := slices.IndexFunc(list, func(x cycle.ProgramMembership) bool { return x.PartnerID == pm.PartnerID })
		if i >= 0 {
			list[i] = pm
		} else {
			list = append(list, pm)
		}
		d.programMembers[pm.ProgramID] = list
	}
	return nil
}

func (d *data) listProgramMembers(_ context.Context, programID cycle.ProgramID, states []cycle.MembershipState) ([]cycle.ProgramMembership, error) {
	var out []cycle.ProgramMembership
	for _, pm := range d.programMembers[programID] {
		if cycle.HasMembershipState(states, pm.State) {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (d *data) saveEntitlements(_ context.Context, ents []cycle.Entitlement) error {
	for _, e := range ents {
		list := d.entitlements[e.CycleID]
		i := slices.IndexFunc(list, func(x cycle.Entitlement) bool { return x.ID == e.ID })
		if i >= 0 {
			list[i] = e
		} else {
			list = append(list, e)
		}
		d.entitlements[e.CycleID] = list
	}
	return nil
}

func (d *data) listEntitlements(_ context.Context, id cycle.CycleID, q cycle.EntitlementQuery) ([]cycle.Entitlement, error) {
	order, err := cycle.ParseEntitlementOrder(q.Order)
	if err != nil {
		return nil, err
	}
	var out []cycle.Entitlement
	for _, e := range d.entitlements[id] {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareEntitlement(out[i], out[j], order.Column)
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
	return page(out, q.Offset, q.Limit), nil
}

func compareEntitlement(a, b cycle.Entitlement, column string) int {
	switch column {
	case "partner_id":
		return strings.Compare(string(a.PartnerID), string(b.PartnerID))
	case "code":
		return strings.Compare(a.Code, b.Code)
	case "state":
		return strings.Compare(string(a.State), string(b.State))
	case "initial_amount":
		return a.InitialAmount.Cmp(b.InitialAmount)
	default:
		return strings.Compare(string(a.ID), string(b.ID))
	}
}

func (d *data) countEntitlements(_ context.Context, id cycle.CycleID, q cycle.EntitlementQuery) (int, error) {
	n := 0
	for _, e := range d.entitlements[id] {
		if q.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (d *data) savePaymentBatch(_ context.Context, batch cycle.PaymentBatch, payments []cycle.Payment) error {
	d.batches[batch.CycleID] = append(d.batches[batch.CycleID], batch)
	d.payments[batch.CycleID] = append(d.payments[batch.CycleID], payments...)
	return nil
}

func (d *data) listPaymentBatches(_ context.Context, id cycle.CycleID) ([]cycle.PaymentBatch, error) {
	return slices.Clone(d.batches[id]), nil
}

func (d *data) listPayments(_ context.Context, id cycle.CycleID) ([]cycle.Payment, error) {
	return slices.Clone(d.payments[id]), nil
}

func (d *data) countPayments(_ context.Context, id cycle.CycleID) (int, error) {
	return len(d.payments[id]), nil
}

func (d *data) appendEvent(_ context.Context, e cycle.Event) error {
	d.events[e.CycleID] = append(d.events[e.CycleID], e)
	return nil
}

func (d *data) listEvents(_ context.Context, id cycle.CycleID) ([]cycle.Event, error) {
	return slices.Clone(d.events[id]), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(cycle.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()

	if err := fn(&txMemoryView{d: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (d *data) clone() data {
	return data{
		cycles:         maps.Clone(d.cycles),
		members:        cloneLists(d.members),
		programMembers: cloneLists(d.programMembers),
		entitlements:   cloneLists(d.entitlements),
		batches:        cloneLists(d.batches),
		payments:       cloneLists(d.payments),
		events:         cloneLists(d.events),
	}
}

func cloneLists[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// txMemoryView is the Store handed to fn; the lock is already held.
type txMemoryView struct {
	d *data
}

func (tv *txMemoryView) GetCycle(ctx context.Context, id cycle.CycleID) (cycle.Cycle, error) {
	return tv.d.getCycle(ctx, id)
}

func (tv *txMemoryView) SaveCycle(ctx context.Context, c cycle.Cycle) error {
	return tv.d.saveCycle(ctx, c)
}

func (tv *txMemoryView) LastCycle(ctx context.Context, programID cycle.ProgramID) (*cycle.Cycle, error) {
	return tv.d.lastCycle(ctx, programID)
}

func (tv *txMemoryView) ListCycles(ctx context.Context, programID cycle.ProgramID) ([]cycle.Cycle, error) {
	return tv.d.listCycles(ctx, programID)
}

func (tv *txMemoryView) AddMemberships(ctx context.Context, members []cycle.Membership) error {
	return tv.d.addMemberships(ctx, members)
}

func (tv *txMemoryView) ListMemberships(ctx context.Context, id cycle.CycleID, q cycle.MembershipQuery) ([]cycle.Membership, error) {
	return tv.d.listMemberships(ctx, id, q)
}

func (tv *txMemoryView) CountMemberships(ctx context.Context, id cycle.CycleID, states []cycle.MembershipState) (int, error) {
	return tv.d.countMemberships(ctx, id, states)
}

func (tv *txMemoryView) MemberPartnerIDs(ctx context.Context, id cycle.CycleID) ([]cycle.PartnerID, error) {
	return tv.d.memberPartnerIDs(ctx, id)
}

func (tv *txMemoryView) SetMembershipState(ctx context.Context, ids []cycle.MembershipID, state cycle.MembershipState) error {
	return tv.d.setMembershipState(ctx, ids, state)
}

func (tv *txMemoryView) EnrollProgramMembers(ctx context.Context, members []cycle.ProgramMembership) error {
	return tv.d.enrollProgramMembers(ctx, members)
}

func (tv *txMemoryView) ListProgramMembers(ctx context.Context, programID cycle.ProgramID, states []cycle.MembershipState) ([]cycle.ProgramMembership, error) {
	return tv.d.listProgramMembers(ctx, programID, states)
}

func (tv *txMemoryView) SaveEntitlements(ctx context.Context, ents []cycle.Entitlement) error {
	return tv.d.saveEntitlements(ctx, ents)
}

func (tv *txMemoryView) ListEntitlements(ctx context.Context, id cycle.CycleID, q cycle.EntitlementQuery) ([]cycle.Entitlement, error) {
	return tv.d.listEntitlements(ctx, id, q)
}

func (tv *txMemoryView) CountEntitlements(ctx context.Context, id cycle.CycleID, q cycle.EntitlementQuery) (int, error) {
	return tv.d.countEntitlements(ctx, id, q)
}

func (tv *txMemoryView) SavePaymentBatch(ctx context.Context, batch cycle.PaymentBatch, payments []cycle.Payment) error {
	return tv.d.savePaymentBatch(ctx, batch, payments)
}

func (tv *txMemoryView) ListPaymentBatches(ctx context.Context, id cycle.CycleID) ([]cycle.PaymentBatch, error) {
	return tv.d.listPaymentBatches(ctx, id)
}

func (tv *txMemoryView) ListPayments(ctx context.Context, id cycle.CycleID) ([]cycle.Payment, error) {
	return tv.d.listPayments(ctx, id)
}

func (tv *txMemoryView) CountPayments(ctx context.Context, id cycle.CycleID) (int, error) {
	return tv.d.countPayments(ctx, id)
}

func (tv *txMemoryView) AppendEvent(ctx context.Context, e cycle.Event) error {
	return tv.d.appendEvent(ctx, e)
}

func (tv *txMemoryView) ListEvents(ctx context.Context, id cycle.CycleID) ([]cycle.Event, error) {
	return tv.d.listEvents(ctx, id)
}
