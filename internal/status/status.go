package status

import (
	"fmt"
	"sort"
)

// Status is the case's position in the workflow. The set is closed; every
// value a case can ever hold is listed here.
type Status string

const (
	Intake                    Status = "INTAKE"
	PRDDrafting               Status = "PRD_DRAFTING"
	PRDReview                 Status = "PRD_REVIEW"
	PRDApproved               Status = "PRD_APPROVED"
	PRDRejected               Status = "PRD_REJECTED"
	SystemDesignDrafted       Status = "SYSTEM_DESIGN_DRAFTED"
	SystemDesignPendingReview Status = "SYSTEM_DESIGN_PENDING_REVIEW"
	SystemDesignApproved      Status = "SYSTEM_DESIGN_APPROVED"
	SystemDesignRejected      Status = "SYSTEM_DESIGN_REJECTED"
	PlanningInProgress        Status = "PLANNING_IN_PROGRESS"
	PlanningComplete          Status = "PLANNING_COMPLETE"
	EffortPendingReview       Status = "EFFORT_PENDING_REVIEW"
	EffortApproved            Status = "EFFORT_APPROVED"
	EffortRejected            Status = "EFFORT_REJECTED"
	CostingInProgress         Status = "COSTING_IN_PROGRESS"
	CostingComplete           Status = "COSTING_COMPLETE"
	CostingPendingReview      Status = "COSTING_PENDING_REVIEW"
	CostingApproved           Status = "COSTING_APPROVED"
	CostingRejected           Status = "COSTING_REJECTED"
	ValueAnalysisInProgress   Status = "VALUE_ANALYSIS_IN_PROGRESS"
	ValueAnalysisComplete     Status = "VALUE_ANALYSIS_COMPLETE"
	ValuePendingReview        Status = "VALUE_PENDING_REVIEW"
	ValueApproved             Status = "VALUE_APPROVED"
	ValueRejected             Status = "VALUE_REJECTED"
	FinancialModelInProgress  Status = "FINANCIAL_MODEL_IN_PROGRESS"
	FinancialModelComplete    Status = "FINANCIAL_MODEL_COMPLETE"
	PendingFinalApproval      Status = "PENDING_FINAL_APPROVAL"
	Approved                  Status = "APPROVED"
	Rejected                  Status = "REJECTED"
)

// Action is a workflow verb. User actions are triggered through the API;
// system actions are triggered by the orchestrator on behalf of agents.
type Action string

const (
	ActionRequestPRDDraft    Action = "request_prd_draft"
	ActionEditPRD            Action = "edit_prd"
	ActionSubmitPRD          Action = "submit_prd"
	ActionApprovePRD         Action = "approve_prd"
	ActionRejectPRD          Action = "reject_prd"
	ActionEditSystemDesign   Action = "edit_system_design"
	ActionSubmitSystemDesign Action = "submit_system_design"
	ActionApproveDesign      Action = "approve_system_design"
	ActionRejectDesign       Action = "reject_system_design"
	ActionEditEffort         Action = "edit_effort"
	ActionSubmitEffort       Action = "submit_effort"
	ActionApproveEffort      Action = "approve_effort"
	ActionRejectEffort       Action = "reject_effort"
	ActionEditCost           Action = "edit_cost"
	ActionSubmitCost         Action = "submit_cost"
	ActionApproveCost        Action = "approve_cost"
	ActionRejectCost         Action = "reject_cost"
	ActionEditValue          Action = "edit_value"
	ActionSubmitValue        Action = "submit_value"
	ActionApproveValue       Action = "approve_value"
	ActionRejectValue        Action = "reject_value"
	ActionSubmitFinal        Action = "submit_final_approval"
	ActionApproveFinal       Action = "approve_final"
	ActionRejectFinal        Action = "reject_final"

	// system actions
	ActionRecordPRDDraft       Action = "record_prd_draft"
	ActionRecordSystemDesign   Action = "record_system_design"
	ActionStartPlanning        Action = "start_planning"
	ActionRecordEffort         Action = "record_effort"
	ActionStartCosting         Action = "start_costing"
	ActionRecordCost           Action = "record_cost"
	ActionStartValueAnalysis   Action = "start_value_analysis"
	ActionRecordValue          Action = "record_value"
	ActionStartFinancialModel  Action = "start_financial_model"
	ActionRecordFinancialModel Action = "record_financial_model"
)

// Effect is an orchestration request emitted by a transition. Rejections
// never emit effects.
type Effect string

const (
	EffectGeneratePRD             Effect = "generate_prd"
	EffectGenerateSystemDesign    Effect = "generate_system_design"
	EffectGeneratePlan            Effect = "generate_plan"
	EffectGenerateCost            Effect = "generate_cost"
	EffectGenerateValue           Effect = "generate_value"
	EffectMaybeStartFinancialModel Effect = "maybe_start_financial_model"
)

// Role names with workflow meaning. The final approver role name is
// configurable and carried in Policy.
const (
	RoleDeveloper = "DEVELOPER"
	RoleAdmin     = "ADMIN"
	RoleSystem    = "SYSTEM"
)

// Policy carries the configurable review rules.
type Policy struct {
	AllowSelfApproval bool
	FinalApproverRole string
}

// Request describes one attempted transition.
type Request struct {
	Current     Status
	Action      Action
	ActorID     string
	ActorRoles  []string
	OwnerID     string
	SubmittedBy string // last submitter of the section under review
	Policy      Policy
}

// Result is a successful transition.
type Result struct {
	Next    Status
	Effects []Effect
}

// InvalidTransitionError reports an action that is illegal for the current
// status, regardless of who asked.
type InvalidTransitionError struct {
	Current Status
	Action  Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s is not valid while status is %s", e.Action, e.Current)
}

// UnauthorizedError reports an actor that may not perform an otherwise
// legal action.
type UnauthorizedError struct {
	Action Action
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized to %s: %s", e.Action, e.Reason)
}

type permission int

const (
	permOwner permission = iota
	permOwnerOrDeveloper
	permDeveloper
	permFinalApprover
	permSystem
)

type rule struct {
	from     []Status
	to       Status // empty means status unchanged
	perm     permission
	reviewed bool // subject to the self-approval policy
	effects  []Effect
}

// prdOpen, designOpen etc. are the "open for edit" sets; rejection returns
// control to them, never to INTAKE.
var (
	prdOpen    = []Status{Intake, PRDDrafting, PRDRejected}
	designOpen = []Status{SystemDesignDrafted, SystemDesignRejected}
	effortOpen = []Status{PlanningComplete, EffortRejected}
	costOpen   = []Status{CostingComplete, CostingRejected}
	valueOpen  = []Status{ValueAnalysisComplete, ValueRejected}
)

var rules = map[Action]rule{
	ActionRequestPRDDraft: {from: []Status{Intake}, to: PRDDrafting, perm: permOwner, effects: []Effect{EffectGeneratePRD}},
	ActionEditPRD:         {from: prdOpen, perm: permOwner},
	ActionSubmitPRD:       {from: prdOpen, to: PRDReview, perm: permOwner},
	ActionApprovePRD:      {from: []Status{PRDReview}, to: PRDApproved, perm: permOwner, reviewed: true, effects: []Effect{EffectGenerateSystemDesign}},
	ActionRejectPRD:       {from: []Status{PRDReview}, to: PRDRejected, perm: permOwner, reviewed: true},

	ActionEditSystemDesign:   {from: designOpen, perm: permOwnerOrDeveloper},
	ActionSubmitSystemDesign: {from: designOpen, to: SystemDesignPendingReview, perm: permOwnerOrDeveloper},
	ActionApproveDesign:      {from: []Status{SystemDesignPendingReview}, to: SystemDesignApproved, perm: permDeveloper, effects: []Effect{EffectGeneratePlan}},
	ActionRejectDesign:       {from: []Status{SystemDesignPendingReview}, to: SystemDesignRejected, perm: permDeveloper},

	ActionEditEffort:    {from: effortOpen, perm: permOwner},
	ActionSubmitEffort:  {from: effortOpen, to: EffortPendingReview, perm: permOwner},
	ActionApproveEffort: {from: []Status{EffortPendingReview}, to: EffortApproved, perm: permOwner, reviewed: true, effects: []Effect{EffectGenerateCost}},
	ActionRejectEffort:  {from: []Status{EffortPendingReview}, to: EffortRejected, perm: permOwner, reviewed: true},

	ActionEditCost:    {from: costOpen, perm: permOwner},
	ActionSubmitCost:  {from: costOpen, to: CostingPendingReview, perm: permOwner},
	ActionApproveCost: {from: []Status{CostingPendingReview}, to: CostingApproved, perm: permOwner, reviewed: true, effects: []Effect{EffectGenerateValue, EffectMaybeStartFinancialModel}},
	ActionRejectCost:  {from: []Status{CostingPendingReview}, to: CostingRejected, perm: permOwner, reviewed: true},

	ActionEditValue:    {from: valueOpen, perm: permOwner},
	ActionSubmitValue:  {from: valueOpen, to: ValuePendingReview, perm: permOwner},
	ActionApproveValue: {from: []Status{ValuePendingReview}, to: ValueApproved, perm: permOwner, reviewed: true, effects: []Effect{EffectMaybeStartFinancialModel}},
	ActionRejectValue:  {from: []Status{ValuePendingReview}, to: ValueRejected, perm: permOwner, reviewed: true},

	ActionSubmitFinal:  {from: []Status{FinancialModelComplete}, to: PendingFinalApproval, perm: permOwner},
	ActionApproveFinal: {from: []Status{PendingFinalApproval}, to: Approved, perm: permFinalApprover},
	ActionRejectFinal:  {from: []Status{PendingFinalApproval}, to: Rejected, perm: permFinalApprover},

	ActionRecordPRDDraft:       {from: []Status{PRDDrafting}, perm: permSystem},
	ActionRecordSystemDesign:   {from: []Status{PRDApproved}, to: SystemDesignDrafted, perm: permSystem},
	ActionStartPlanning:        {from: []Status{SystemDesignApproved}, to: PlanningInProgress, perm: permSystem},
	ActionRecordEffort:         {from: []Status{PlanningInProgress}, to: PlanningComplete, perm: permSystem},
	ActionStartCosting:         {from: []Status{EffortApproved}, to: CostingInProgress, perm: permSystem},
	ActionRecordCost:           {from: []Status{CostingInProgress}, to: CostingComplete, perm: permSystem},
	ActionStartValueAnalysis:   {from: []Status{CostingApproved}, to: ValueAnalysisInProgress, perm: permSystem},
	ActionRecordValue:          {from: []Status{ValueAnalysisInProgress}, to: ValueAnalysisComplete, perm: permSystem},
	ActionStartFinancialModel:  {from: []Status{ValueApproved}, to: FinancialModelInProgress, perm: permSystem},
	ActionRecordFinancialModel: {from: []Status{FinancialModelInProgress}, to: FinancialModelComplete, perm: permSystem},
}

// Transition validates the request against the rule table and returns the
// next status plus orchestration effects. It is pure: callers persist the
// result. Status legality is checked before authorization so an
// out-of-order request reports InvalidTransition even for the wrong actor.
func Transition(req Request) (Result, error) {
	r, ok := rules[req.Action]
	if !ok {
		return Result{}, &InvalidTransitionError{Current: req.Current, Action: req.Action}
	}
	if !contains(r.from, req.Current) {
		return Result{}, &InvalidTransitionError{Current: req.Current, Action: req.Action}
	}
	if err := authorize(r, req); err != nil {
		return Result{}, err
	}
	next := r.to
	if next == "" {
		next = req.Current
	}
	return Result{Next: next, Effects: r.effects}, nil
}

func authorize(r rule, req Request) error {
	isOwner := req.ActorID != "" && req.ActorID == req.OwnerID
	switch r.perm {
	case permOwner:
		if !isOwner {
			return &UnauthorizedError{Action: req.Action, Reason: "case owner required"}
		}
	case permOwnerOrDeveloper:
		if !isOwner && !hasRole(req.ActorRoles, RoleDeveloper) {
			return &UnauthorizedError{Action: req.Action, Reason: "case owner or DEVELOPER role required"}
		}
	case permDeveloper:
		if !hasRole(req.ActorRoles, RoleDeveloper) {
			return &UnauthorizedError{Action: req.Action, Reason: "DEVELOPER role required"}
		}
	case permFinalApprover:
		role := req.Policy.FinalApproverRole
		if role == "" {
			role = "FINAL_APPROVER"
		}
		if !hasRole(req.ActorRoles, role) {
			return &UnauthorizedError{Action: req.Action, Reason: role + " role required"}
		}
	case permSystem:
		if !hasRole(req.ActorRoles, RoleSystem) {
			return &UnauthorizedError{Action: req.Action, Reason: "system action"}
		}
	}
	if r.reviewed && !req.Policy.AllowSelfApproval {
		if req.SubmittedBy != "" && req.SubmittedBy == req.ActorID {
			return &UnauthorizedError{Action: req.Action, Reason: "submitter may not review their own section"}
		}
	}
	return nil
}

// CanPerform mirrors Transition's checks without producing a result. The
// API layer uses it for 403 decisions and UIs use AllowedActions so both
// read the same table.
func CanPerform(req Request) bool {
	_, err := Transition(req)
	return err == nil
}

// AllowedActions lists every action the actor could legally perform right
// now, sorted for stable output.
func AllowedActions(req Request) []Action {
	var out []Action
	for action := range rules {
		probe := req
		probe.Action = action
		if CanPerform(probe) {
			out = append(out, action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var all = []Status{
	Intake, PRDDrafting, PRDReview, PRDApproved, PRDRejected,
	SystemDesignDrafted, SystemDesignPendingReview, SystemDesignApproved, SystemDesignRejected,
	PlanningInProgress, PlanningComplete, EffortPendingReview, EffortApproved, EffortRejected,
	CostingInProgress, CostingComplete, CostingPendingReview, CostingApproved, CostingRejected,
	ValueAnalysisInProgress, ValueAnalysisComplete, ValuePendingReview, ValueApproved, ValueRejected,
	FinancialModelInProgress, FinancialModelComplete, PendingFinalApproval, Approved, Rejected,
}

// All returns the closed status set in pipeline order.
func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

// Valid reports whether s is a member of the closed set.
func Valid(s Status) bool {
	return contains(all, s)
}

// Terminal reports whether the case can no longer move.
func Terminal(s Status) bool {
	return s == Approved || s == Rejected
}

func contains(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
