/*
manager.go - Cycle operations

PURPOSE:
  Manager is the single entry point for everything that happens to a cycle:
  creation from a program's recurrence, lifecycle transitions, delegation to
  the program's collaborators and the read-side queries.

UNIT OF WORK:
  Every mutating operation follows the same steps inside one TxStore.WithTx:

    1. Re-read the cycle (a racer that lost the per-cycle mutex sees the
       state the winner committed)
    2. Resolve the owning program and its collaborators
    3. Check the transition rule; a refusal returns a Rejection, no writes
    4. Transition, then run the collaborator side effects on the tx store
    5. Refresh derived counts, save the cycle, append an audit event

  A collaborator error aborts the transaction: the state change and every
  write made so far are rolled back together.

BACKGROUND JOBS:
  Bulk beneficiary import and bulk entitlement preparation lock the cycle,
  commit, then continue in a goroutine (see jobs.go). Wait blocks until all
  jobs have finished.

USAGE:
  m := cycle.NewManager(store, registry)
  res, err := m.ToApprove(ctx, rc, id)
  if err != nil {
      return err
  }
  if res.Rejected() {
      // show res.Rejection.Message
  }
*/
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Default thresholds and sizes for background work.
const (
	DefaultImportAsyncThreshold      = 1000
	DefaultEntitlementAsyncThreshold = 200
	DefaultChunkSize                 = 2000
	DefaultWorkers                   = 4
)

// Lock reasons and completion messages shown while a job runs.
const (
	ReasonImporting          = "Importing beneficiaries."
	ReasonPreparing          = "Prepare entitlement for beneficiaries."
	MessageImportFinished    = "Beneficiary import finished."
	MessageEntitlementsReady = "Entitlement Ready."
)

// Manager runs cycle operations against a transactional store.
type Manager struct {
	Store    TxStore
	Programs ProgramProvider
	Log      logrus.FieldLogger
	Now      func() time.Time

	ImportAsyncThreshold      int
	EntitlementAsyncThreshold int
	ChunkSize                 int
	Workers                   int

	newID func() string

	locks cycleLocks
	jobs  sync.WaitGroup
}

// NewManager creates a manager with default thresholds.
func NewManager(store TxStore, programs ProgramProvider) *Manager {
	return &Manager{
		Store:                     store,
		Programs:                  programs,
		Log:                       logrus.StandardLogger(),
		Now:                       time.Now,
		ImportAsyncThreshold:      DefaultImportAsyncThreshold,
		EntitlementAsyncThreshold: DefaultEntitlementAsyncThreshold,
		ChunkSize:                 DefaultChunkSize,
		Workers:                   DefaultWorkers,
		newID:                     uuid.NewString,
	}
}

// Wait blocks until every background job started so far has finished.
func (m *Manager) Wait() {
	m.jobs.Wait()
}

func (m *Manager) now() time.Time {
	return m.Now().UTC()
}

func (m *Manager) today() Date {
	return Today(m.Now)
}

func (m *Manager) logger(rc RequestContext, id CycleID, op Operation) logrus.FieldLogger {
	fields := logrus.Fields{
		"cycle_id":  id,
		"operation": op,
		"actor":     rc.actor(),
	}
	if rc.RequestID != "" {
		fields["request_id"] = rc.RequestID
	}
	return m.Log.WithFields(fields)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// unit is the state shared by the steps of one operation.
type unit struct {
	ctx     context.Context
	rc      RequestContext
	tx      Store
	program *Program
	cycle   *Cycle

	notice  *Notice
	batches []PaymentBatchID
	message string

	// after runs once the transaction has committed.
	after func()
}

func (u *unit) warn(msg string) {
	u.notice = &Notice{Kind: NoticeWarning, Title: "Warning", Message: msg}
}

func (u *unit) success(msg string) {
	u.notice = &Notice{Kind: NoticeSuccess, Title: "Success", Message: msg}
}

// run executes op on the cycle as one unit of work. fn may be nil for pure
// transitions.
func (m *Manager) run(ctx context.Context, rc RequestContext, id CycleID, op Operation, fn func(*unit) error) (*Result, error) {
	defer m.locks.lock(id)()

	log := m.logger(rc, id, op)
	rule, ok := Rules[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	res := &Result{}
	var after func()
	err := m.Store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		program, err := m.Programs.Program(ctx, c.ProgramID())
		if err != nil {
			return fmt.Errorf("resolve program of cycle %s: %w", id, err)
		}

		from := c.State()
		if !rule.Allows(from) {
			res.Cycle = c
			res.Rejection = reject(op, rule, from)
			return nil
		}

		now := m.now()
		if rule.To != "" {
			c.transition(rule.To, now)
		} else {
			c.updatedAt = now
		}

		u := &unit{ctx: ctx, rc: rc, tx: tx, program: program, cycle: &c}
		if fn != nil {
			if err := fn(u); err != nil {
				return err
			}
		}

		if err := m.refreshCounts(ctx, tx, &c); err != nil {
			return err
		}
		if err := tx.SaveCycle(ctx, c); err != nil {
			return fmt.Errorf("save cycle: %w", err)
		}
		msg := u.message
		if msg == "" && u.notice != nil {
			msg = u.notice.Message
		}
		if err := tx.AppendEvent(ctx, Event{
			CycleID:   id,
			Operation: op,
			From:      from,
			To:        c.State(),
			Actor:     rc.actor(),
			Message:   msg,
			At:        now,
		}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		res.Cycle = c
		res.Notice = u.notice
		res.PaymentBatches = u.batches
		after = u.after
		return nil
	})
	if err != nil {
		log.WithError(err).Error("cycle operation failed")
		return nil, err
	}

	if res.Rejected() {
		log.WithField("state", res.Rejection.State).Info(res.Rejection.Message)
		return res, nil
	}
	log.WithField("state", res.Cycle.State()).Info("cycle operation applied")

	if after != nil {
		after()
	}
	return res, nil
}

func (m *Manager) refreshCounts(ctx context.Context, tx Store, c *Cycle) error {
	members, err := tx.CountMemberships(ctx, c.id, []MembershipState{MemberEnrolled})
	if err != nil {
		return fmt.Errorf("count memberships: %w", err)
	}
	ents, err := tx.CountEntitlements(ctx, c.id, EntitlementQuery{})
	if err != nil {
		return fmt.Errorf("count entitlements: %w", err)
	}
	payments, err := tx.CountPayments(ctx, c.id)
	if err != nil {
		return fmt.Errorf("count payments: %w", err)
	}
	c.membersCount = members
	c.entitlementsCount = ents
	c.paymentsCount = payments
	return nil
}

// =============================================================================
// CREATION
// =============================================================================

// NewCycle creates a draft cycle for the program. The end date derives from
// the program's recurrence; the sequence must exceed the program's last one.
func (m *Manager) NewCycle(ctx context.Context, rc RequestContext, programID ProgramID, name string, start Date, sequence int) (Cycle, error) {
	program, err := m.Programs.Program(ctx, programID)
	if err != nil {
		return Cycle{}, err
	}

	var created Cycle
	err = m.Store.WithTx(ctx, func(tx Store) error {
		last, err := tx.LastCycle(ctx, programID)
		if err != nil {
			return err
		}
		if sequence < 1 || (last != nil && sequence <= last.Sequence()) {
			return fmt.Errorf("%w: sequence %d for program %s", ErrSequenceConflict, sequence, programID)
		}
		created, err = m.createCycle(ctx, tx, rc, program, name, start, sequence)
		return err
	})
	if err != nil {
		return Cycle{}, err
	}

	m.logger(rc, created.ID(), OpNewCycle).WithField("program_id", programID).Info("cycle created")
	return created, nil
}

// NewNextCycle continues the program: the first cycle starts today, later
// ones start the day after the last cycle ended. The program's enrolled
// beneficiaries are copied into the new cycle.
func (m *Manager) NewNextCycle(ctx context.Context, rc RequestContext, programID ProgramID) (Cycle, error) {
	program, err := m.Programs.Program(ctx, programID)
	if err != nil {
		return Cycle{}, err
	}

	var created Cycle
	err = m.Store.WithTx(ctx, func(tx Store) error {
		last, err := tx.LastCycle(ctx, programID)
		if err != nil {
			return err
		}

		sequence, start := 1, m.today()
		if last != nil {
			sequence = last.Sequence() + 1
			start = last.EndDate().AddDays(1)
		}

		c, err := m.createCycle(ctx, tx, rc, program, fmt.Sprintf("Cycle %d", sequence), start, sequence)
		if err != nil {
			return err
		}

		enrolled, err := tx.ListProgramMembers(ctx, programID, []MembershipState{MemberEnrolled})
		if err != nil {
			return fmt.Errorf("list program members: %w", err)
		}
		partners := make([]PartnerID, len(enrolled))
		for i, pm := range enrolled {
			partners[i] = pm.PartnerID
		}
		if err := tx.AddMemberships(ctx, m.memberships(c.id, partners, MemberEnrolled)); err != nil {
			return fmt.Errorf("copy beneficiaries: %w", err)
		}
		if err := m.refreshCounts(ctx, tx, &c); err != nil {
			return err
		}
		if err := tx.SaveCycle(ctx, c); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return Cycle{}, err
	}

	m.logger(rc, created.ID(), OpNewCycle).
		WithFields(logrus.Fields{"program_id": programID, "sequence": created.Sequence()}).
		Info("next cycle created")
	return created, nil
}

func (m *Manager) createCycle(ctx context.Context, tx Store, rc RequestContext, program *Program, name string, start Date, sequence int) (Cycle, error) {
	period, err := program.Recurrence.Period(start)
	if err != nil {
		return Cycle{}, err
	}

	now := m.now()
	c := Cycle{
		id:        CycleID(m.newID()),
		programID: program.ID,
		name:      name,
		sequence:  sequence,
		period:    period,
		state:     StateDraft,
		createdAt: now,
		updatedAt: now,
	}
	if err := tx.SaveCycle(ctx, c); err != nil {
		return Cycle{}, fmt.Errorf("save cycle: %w", err)
	}
	if err := tx.AppendEvent(ctx, Event{
		CycleID:   c.id,
		Operation: OpNewCycle,
		To:        StateDraft,
		Actor:     rc.actor(),
		Message:   fmt.Sprintf("%s created for %s.", name, period),
		At:        now,
	}); err != nil {
		return Cycle{}, fmt.Errorf("append event: %w", err)
	}
	return c, nil
}

func (m *Manager) memberships(id CycleID, partners []PartnerID, state MembershipState) []Membership {
	today := m.today()
	out := make([]Membership, len(partners))
	for i, p := range partners {
		out[i] = Membership{
			ID:             MembershipID(m.newID()),
			CycleID:        id,
			PartnerID:      p,
			State:          state,
			EnrollmentDate: today,
		}
	}
	return out
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

// ToApprove submits a draft cycle for approval and moves its draft
// entitlements to pending validation.
func (m *Manager) ToApprove(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpToApprove, func(u *unit) error {
		if u.program.Entitlements == nil {
			return nil
		}
		return u.program.Entitlements.SetPendingValidation(u.ctx, u.tx, *u.cycle)
	})
}

// ResetDraft returns a cycle awaiting approval to draft.
func (m *Manager) ResetDraft(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpResetDraft, nil)
}

// Approve approves the cycle. Programs with auto-approval also validate the
// entitlements still in draft or pending validation.
func (m *Manager) Approve(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpApprove, func(u *unit) error {
		if !u.program.AutoApproveEntitlements || u.program.Entitlements == nil {
			return nil
		}

		pending, err := u.tx.CountEntitlements(u.ctx, u.cycle.id, EntitlementQuery{
			States: []EntitlementState{EntitlementDraft, EntitlementPendingValidation},
			Kind:   EntitlementKindOf(u.program.Entitlements),
		})
		if err != nil {
			return err
		}
		if pending == 0 {
			u.warn("Auto-approve entitlements is set but there are no entitlements to process.")
			return nil
		}

		notice, err := u.program.Entitlements.Validate(u.ctx, u.tx, *u.cycle)
		if err != nil {
			return err
		}
		u.notice = notice
		return nil
	})
}

// MarkDistributed records that an approved cycle has been paid out.
func (m *Manager) MarkDistributed(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpMarkDistributed, nil)
}

// MarkEnded closes a distributed cycle.
func (m *Manager) MarkEnded(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpMarkEnded, nil)
}

// MarkCancelled cancels a cycle that has not ended.
func (m *Manager) MarkCancelled(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpMarkCancelled, nil)
}

// =============================================================================
// DELEGATIONS
// =============================================================================

// PrepareEntitlement computes entitlements for the enrolled beneficiaries.
// Large cycles are prepared in the background while the cycle is locked.
func (m *Manager) PrepareEntitlement(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpPrepareEntitlement, func(u *unit) error {
		em := u.program.Entitlements
		if em == nil {
			u.warn("The program has no entitlement manager.")
			return nil
		}

		enrolled := []MembershipState{MemberEnrolled}
		total, err := u.tx.CountMemberships(u.ctx, u.cycle.id, enrolled)
		if err != nil {
			return err
		}

		if total < m.EntitlementAsyncThreshold {
			members, err := u.tx.ListMemberships(u.ctx, u.cycle.id, MembershipQuery{States: enrolled})
			if err != nil {
				return err
			}
			if err := em.Prepare(u.ctx, u.tx, *u.cycle, members); err != nil {
				return err
			}
			u.success(fmt.Sprintf("Entitlements prepared for %d beneficiaries.", total))
			return nil
		}

		u.cycle.lock(ReasonPreparing, m.now())
		u.success(fmt.Sprintf("Preparing entitlements for %d beneficiaries.", total))
		snapshot := *u.cycle
		u.after = func() {
			m.launch(ctx, u.rc, id, OpPrepareEntitlement, MessageEntitlementsReady,
				m.prepareChunks(snapshot, em, total))
		}
		return nil
	})
}

// ValidateEntitlement approves the entitlements awaiting validation.
func (m *Manager) ValidateEntitlement(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpValidateEntitlement, func(u *unit) error {
		if u.program.Entitlements == nil {
			u.warn("The program has no entitlement manager.")
			return nil
		}
		notice, err := u.program.Entitlements.Validate(u.ctx, u.tx, *u.cycle)
		if err != nil {
			return err
		}
		u.notice = notice
		return nil
	})
}

// PreparePayment creates payment batches for approved entitlements.
func (m *Manager) PreparePayment(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpPreparePayment, func(u *unit) error {
		if u.program.Payments == nil {
			u.warn("The program has no payment manager.")
			return nil
		}
		batches, err := u.program.Payments.PreparePayments(u.ctx, u.tx, *u.cycle)
		if err != nil {
			return err
		}
		u.batches = batches
		if len(batches) == 0 {
			u.warn("There are no approved entitlements to pay.")
		} else {
			u.success(fmt.Sprintf("%d payment batches prepared.", len(batches)))
		}
		return nil
	})
}

// CheckEligibility runs the program's eligibility managers as a chain over
// the cycle's draft and enrolled memberships, restricted to members when
// members is not nil. Memberships of other cycles are ignored.
// Survivors become enrolled; the rest become not eligible and lose their
// entitlements.
func (m *Manager) CheckEligibility(ctx context.Context, rc RequestContext, id CycleID, members []Membership) (*Result, error) {
	return m.run(ctx, rc, id, OpCheckEligibility, func(u *unit) error {
		candidates, err := u.tx.ListMemberships(u.ctx, u.cycle.id, MembershipQuery{
			States: []MembershipState{MemberDraft, MemberEnrolled},
		})
		if err != nil {
			return err
		}
		if members != nil {
			candidates = ownMemberships(candidates, members)
		}

		eligible := candidates
		for _, em := range u.program.Eligibility {
			eligible, err = em.VerifyCycleEligibility(u.ctx, u.tx, *u.cycle, eligible)
			if err != nil {
				return err
			}
		}

		kept := make(map[MembershipID]bool, len(eligible))
		keptIDs := make([]MembershipID, 0, len(eligible))
		for _, mb := range eligible {
			kept[mb.ID] = true
			keptIDs = append(keptIDs, mb.ID)
		}
		var droppedIDs []MembershipID
		var droppedPartners []PartnerID
		for _, mb := range candidates {
			if !kept[mb.ID] {
				droppedIDs = append(droppedIDs, mb.ID)
				droppedPartners = append(droppedPartners, mb.PartnerID)
			}
		}

		if err := u.tx.SetMembershipState(u.ctx, keptIDs, MemberEnrolled); err != nil {
			return err
		}
		if len(droppedIDs) > 0 {
			if err := u.tx.SetMembershipState(u.ctx, droppedIDs, MemberNotEligible); err != nil {
				return err
			}
			if err := m.cancelEntitlements(u, droppedPartners); err != nil {
				return err
			}
		}

		u.success(fmt.Sprintf("%d beneficiaries are eligible, %d are not.", len(keptIDs), len(droppedIDs)))
		return nil
	})
}

// ownMemberships keeps the stored memberships named in requested. Members of
// other cycles and unknown ids are dropped.
func ownMemberships(stored, requested []Membership) []Membership {
	wanted := make(map[MembershipID]bool, len(requested))
	for _, mb := range requested {
		wanted[mb.ID] = true
	}
	out := make([]Membership, 0, len(requested))
	for _, mb := range stored {
		if wanted[mb.ID] {
			out = append(out, mb)
		}
	}
	return out
}

func (m *Manager) cancelEntitlements(u *unit, partners []PartnerID) error {
	ents, err := u.tx.ListEntitlements(u.ctx, u.cycle.id, EntitlementQuery{Partner: partners})
	if err != nil {
		return err
	}
	changed := ents[:0]
	for _, e := range ents {
		if e.State == EntitlementCancelled {
			continue
		}
		e.State = EntitlementCancelled
		changed = append(changed, e)
	}
	if len(changed) == 0 {
		return nil
	}
	return u.tx.SaveEntitlements(u.ctx, changed)
}

// AddBeneficiaries adds partners that are not yet members of the cycle.
// An empty state defaults to draft. Large imports run in the background.
func (m *Manager) AddBeneficiaries(ctx context.Context, rc RequestContext, id CycleID, partners []PartnerID, state MembershipState) (*Result, error) {
	if state == "" {
		state = MemberDraft
	}
	return m.run(ctx, rc, id, OpAddBeneficiaries, func(u *unit) error {
		return m.addBeneficiaries(u, partners, state)
	})
}

// CopyBeneficiariesFromProgram adds the program's enrolled beneficiaries to
// the cycle as enrolled members.
func (m *Manager) CopyBeneficiariesFromProgram(ctx context.Context, rc RequestContext, id CycleID) (*Result, error) {
	return m.run(ctx, rc, id, OpCopyBeneficiaries, func(u *unit) error {
		enrolled, err := u.tx.ListProgramMembers(u.ctx, u.program.ID, []MembershipState{MemberEnrolled})
		if err != nil {
			return err
		}
		partners := make([]PartnerID, len(enrolled))
		for i, pm := range enrolled {
			partners[i] = pm.PartnerID
		}
		return m.addBeneficiaries(u, partners, MemberEnrolled)
	})
}

func (m *Manager) addBeneficiaries(u *unit, partners []PartnerID, state MembershipState) error {
	existing, err := u.tx.MemberPartnerIDs(u.ctx, u.cycle.id)
	if err != nil {
		return err
	}
	seen := make(map[PartnerID]bool, len(existing)+len(partners))
	for _, p := range existing {
		seen[p] = true
	}
	var fresh []PartnerID
	for _, p := range partners {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		fresh = append(fresh, p)
	}

	switch {
	case len(fresh) == 0:
		u.warn("No beneficiaries to import.")
		return nil

	case len(fresh) < m.ImportAsyncThreshold:
		if err := u.tx.AddMemberships(u.ctx, m.memberships(u.cycle.id, fresh, state)); err != nil {
			return err
		}
		u.success(fmt.Sprintf("%d beneficiaries imported.", len(fresh)))
		return nil

	default:
		u.cycle.lock(ReasonImporting, m.now())
		u.success(fmt.Sprintf("Import of %d beneficiaries started.", len(fresh)))
		id, rc, ctx := u.cycle.id, u.rc, u.ctx
		u.after = func() {
			m.launch(ctx, rc, id, OpAddBeneficiaries, MessageImportFinished,
				m.importChunks(id, fresh, state))
		}
		return nil
	}
}

// OpenEntitlementsForm hands back the entitlement manager's form action.
func (m *Manager) OpenEntitlementsForm(ctx context.Context, id CycleID) (Action, error) {
	c, err := m.Store.GetCycle(ctx, id)
	if err != nil {
		return Action{}, err
	}
	program, err := m.Programs.Program(ctx, c.ProgramID())
	if err != nil {
		return Action{}, err
	}
	if program.Entitlements == nil {
		return Action{}, fmt.Errorf("program %s has no entitlement manager", program.ID)
	}
	return program.Entitlements.OpenEntitlementsForm(c), nil
}

// MarkImportDone unlocks the cycle once a background job has finished and
// records message in the audit trail.
func (m *Manager) MarkImportDone(ctx context.Context, rc RequestContext, id CycleID, message string) (Cycle, error) {
	defer m.locks.lock(id)()

	if message == "" {
		message = MessageImportFinished
	}

	var done Cycle
	err := m.Store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		now := m.now()
		c.unlock(now)
		if err := m.refreshCounts(ctx, tx, &c); err != nil {
			return err
		}
		if err := tx.SaveCycle(ctx, c); err != nil {
			return err
		}
		done = c
		return tx.AppendEvent(ctx, Event{
			CycleID:   id,
			Operation: OpImportDone,
			From:      c.State(),
			To:        c.State(),
			Actor:     rc.actor(),
			Message:   message,
			At:        now,
		})
	})
	if err != nil {
		return Cycle{}, err
	}
	m.logger(rc, id, OpImportDone).Info(message)
	return done, nil
}

// ExpireEntitlements marks the approved entitlements of a non-terminal cycle
// whose validity ended before today as expired. Any change is recorded in the
// audit trail.
func (m *Manager) ExpireEntitlements(ctx context.Context, rc RequestContext, id CycleID) (int, error) {
	defer m.locks.lock(id)()

	today := m.today()
	var expired []Entitlement
	err := m.Store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		if c.State().IsTerminal() {
			return nil
		}
		approved, err := tx.ListEntitlements(ctx, id, EntitlementQuery{
			States: []EntitlementState{EntitlementApproved},
		})
		if err != nil {
			return err
		}
		for _, e := range approved {
			if e.ValidUntil.Before(today) {
				e.State = EntitlementExpired
				expired = append(expired, e)
			}
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.SaveEntitlements(ctx, expired); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, Event{
			CycleID:   id,
			Operation: OpExpireEntitlements,
			From:      c.State(),
			To:        c.State(),
			Actor:     rc.actor(),
			Message:   fmt.Sprintf("%d entitlements expired.", len(expired)),
			At:        m.now(),
		})
	})
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		m.logger(rc, id, OpExpireEntitlements).WithField("expired", len(expired)).Info("entitlements expired")
	}
	return len(expired), nil
}

// Extension points with no behaviour yet.
func (m *Manager) Duplicate(ctx context.Context, rc RequestContext, id CycleID) error { return nil }

func (m *Manager) NotifyCycleStarted(ctx context.Context, rc RequestContext, id CycleID) error {
	return nil
}

func (m *Manager) ExportDistributionList(ctx context.Context, rc RequestContext, id CycleID) error {
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Cycle returns one cycle.
func (m *Manager) Cycle(ctx context.Context, id CycleID) (Cycle, error) {
	return m.Store.GetCycle(ctx, id)
}

// Cycles lists the cycles of a program by sequence.
func (m *Manager) Cycles(ctx context.Context, programID ProgramID) ([]Cycle, error) {
	return m.Store.ListCycles(ctx, programID)
}

// LastCycle returns the program's highest-sequence cycle, or nil.
func (m *Manager) LastCycle(ctx context.Context, programID ProgramID) (*Cycle, error) {
	return m.Store.LastCycle(ctx, programID)
}

// GetBeneficiaries pages through the cycle's memberships.
func (m *Manager) GetBeneficiaries(ctx context.Context, id CycleID, q MembershipQuery) (Page[Membership], error) {
	if _, err := ParseMembershipOrder(q.Order); err != nil {
		return Page[Membership]{}, err
	}
	if _, err := m.Store.GetCycle(ctx, id); err != nil {
		return Page[Membership]{}, err
	}
	if q.Count {
		n, err := m.Store.CountMemberships(ctx, id, q.States)
		return Page[Membership]{Count: n}, err
	}
	items, err := m.Store.ListMemberships(ctx, id, q)
	return Page[Membership]{Items: items, Count: len(items)}, err
}

// GetEntitlements pages through the cycle's entitlements.
func (m *Manager) GetEntitlements(ctx context.Context, id CycleID, q EntitlementQuery) (Page[Entitlement], error) {
	if _, err := ParseEntitlementOrder(q.Order); err != nil {
		return Page[Entitlement]{}, err
	}
	if _, err := m.Store.GetCycle(ctx, id); err != nil {
		return Page[Entitlement]{}, err
	}
	if q.Count {
		n, err := m.Store.CountEntitlements(ctx, id, q)
		return Page[Entitlement]{Count: n}, err
	}
	items, err := m.Store.ListEntitlements(ctx, id, q)
	return Page[Entitlement]{Items: items, Count: len(items)}, err
}

// Events returns the audit trail of a cycle, oldest first.
func (m *Manager) Events(ctx context.Context, id CycleID) ([]Event, error) {
	if _, err := m.Store.GetCycle(ctx, id); err != nil {
		return nil, err
	}
	return m.Store.ListEvents(ctx, id)
}
