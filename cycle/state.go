/*
state.go - Cycle lifecycle rules

LIFECYCLE:

  draft ──to_approve──▶ to_approve ──approve──▶ approved ──mark_distributed──▶ distributed ──mark_ended──▶ ended
    ▲                      │
    └─────reset_draft──────┘

  mark_cancelled: draft | to_approve | approved | distributed ──▶ cancelled

  ended and cancelled are terminal.

DELEGATIONS (no state change, but gated):
  prepare_entitlement   draft
  check_eligibility     draft
  add_beneficiaries     draft
  validate_entitlement  to_approve | approved
  prepare_payment       approved

An operation invoked from the wrong state produces a Rejection and leaves
the cycle untouched.
*/
package cycle

// State is the lifecycle state of a cycle.
type State string

const (
	StateDraft       State = "draft"
	StateToApprove   State = "to_approve"
	StateApproved    State = "approved"
	StateDistributed State = "distributed"
	StateCancelled   State = "cancelled"
	StateEnded       State = "ended"
)

// States lists every state in lifecycle order.
var States = []State{StateDraft, StateToApprove, StateApproved, StateDistributed, StateEnded, StateCancelled}

// IsTerminal returns true for ended and cancelled.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateCancelled
}

// Operation names a public cycle operation.
type Operation string

const (
	OpNewCycle            Operation = "new_cycle"
	OpToApprove           Operation = "to_approve"
	OpResetDraft          Operation = "reset_draft"
	OpApprove             Operation = "approve"
	OpPrepareEntitlement  Operation = "prepare_entitlement"
	OpValidateEntitlement Operation = "validate_entitlement"
	OpPreparePayment      Operation = "prepare_payment"
	OpMarkDistributed     Operation = "mark_distributed"
	OpMarkEnded           Operation = "mark_ended"
	OpMarkCancelled       Operation = "mark_cancelled"
	OpCheckEligibility    Operation = "check_eligibility"
	OpAddBeneficiaries    Operation = "add_beneficiaries"
	OpCopyBeneficiaries   Operation = "copy_beneficiaries"
	OpImportDone          Operation = "import_done"
	OpExpireEntitlements  Operation = "expire_entitlements"
)

// Rule gates one operation. To is empty for operations that do not move state.
type Rule struct {
	From    []State
	To      State
	Message string
}

// Allows returns true if the rule accepts the current state.
func (r Rule) Allows(s State) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

var nonTerminal = []State{StateDraft, StateToApprove, StateApproved, StateDistributed}

// Rules is the complete transition table.
var Rules = map[Operation]Rule{
	OpToApprove: {
		From:    []State{StateDraft},
		To:      StateToApprove,
		Message: "Only 'draft' cycles can be set for approval.",
	},
	OpResetDraft: {
		From:    []State{StateToApprove},
		To:      StateDraft,
		Message: "Only 'to approve' cycles can be reset to draft.",
	},
	OpApprove: {
		From:    []State{StateToApprove},
		To:      StateApproved,
		Message: "Only 'to approve' cycles can be approved.",
	},
	OpPrepareEntitlement: {
		From:    []State{StateDraft},
		Message: "Entitlements can only be prepared for 'draft' cycles.",
	},
	OpValidateEntitlement: {
		From:    []State{StateToApprove, StateApproved},
		Message: "Entitlements can only be validated for 'to approve' or 'approved' cycles.",
	},
	OpPreparePayment: {
		From:    []State{StateApproved},
		Message: "Payments can only be prepared for 'approved' cycles.",
	},
	OpMarkDistributed: {
		From:    []State{StateApproved},
		To:      StateDistributed,
		Message: "Only 'approved' cycles can be marked as distributed.",
	},
	OpMarkEnded: {
		From:    []State{StateDistributed},
		To:      StateEnded,
		Message: "Only 'distributed' cycles can be marked as ended.",
	},
	OpMarkCancelled: {
		From:    nonTerminal,
		To:      StateCancelled,
		Message: "Only cycles that are not 'ended' or 'cancelled' can be cancelled.",
	},
	OpCheckEligibility: {
		From:    []State{StateDraft},
		Message: "Eligibility can only be checked for 'draft' cycles.",
	},
	OpAddBeneficiaries: {
		From:    []State{StateDraft},
		Message: "Beneficiaries can only be added to 'draft' cycles.",
	},
	OpCopyBeneficiaries: {
		From:    []State{StateDraft},
		Message: "Beneficiaries can only be added to 'draft' cycles.",
	},
}

// CanApply reports whether op is valid from s.
func CanApply(op Operation, s State) bool {
	rule, ok := Rules[op]
	return ok && rule.Allows(s)
}

// =============================================================================
// RESULTS - What every operation hands back to its caller
// =============================================================================

// Rejection is the user-facing answer to an invalid transition.
type Rejection struct {
	Operation Operation
	State     State
	Required  []State
	Message   string
}

// Err converts the rejection into an error wrapping ErrInvalidTransition.
func (r *Rejection) Err() error {
	if r == nil {
		return nil
	}
	return &InvalidTransitionError{
		Operation: r.Operation,
		State:     r.State,
		Required:  r.Required,
		Message:   r.Message,
	}
}

func reject(op Operation, rule Rule, current State) *Rejection {
	return &Rejection{
		Operation: op,
		State:     current,
		Required:  append([]State(nil), rule.From...),
		Message:   rule.Message,
	}
}

// NoticeKind mirrors the severity of a user notification.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeWarning NoticeKind = "warning"
	NoticeDanger  NoticeKind = "danger"
)

// Notice is an informational message produced by an operation.
type Notice struct {
	Kind    NoticeKind
	Title   string
	Message string
}

// Result is returned by every cycle operation that did not hard-fail.
type Result struct {
	Cycle          Cycle
	Rejection      *Rejection
	Notice         *Notice
	PaymentBatches []PaymentBatchID
}

// Rejected returns true if the operation was refused.
func (r *Result) Rejected() bool { return r != nil && r.Rejection != nil }

// Action is a presentation hook: what a UI should open.
type Action struct {
	Name    string
	Model   string
	CycleID CycleID
	Context map[string]any
}
