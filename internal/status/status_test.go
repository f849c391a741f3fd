package status_test

import (
	"errors"
	"testing"

	"casetrail/internal/status"
)

func ownerReq(current status.Status, action status.Action) status.Request {
	return status.Request{
		Current:    current,
		Action:     action,
		ActorID:    "alice",
		OwnerID:    "alice",
		ActorRoles: nil,
		Policy:     status.Policy{AllowSelfApproval: true, FinalApproverRole: "FINAL_APPROVER"},
	}
}

func TestHappyPathTransitions(t *testing.T) {
	steps := []struct {
		current status.Status
		action  status.Action
		roles   []string
		next    status.Status
	}{
		{status.Intake, status.ActionRequestPRDDraft, nil, status.PRDDrafting},
		{status.PRDDrafting, status.ActionSubmitPRD, nil, status.PRDReview},
		{status.PRDReview, status.ActionApprovePRD, nil, status.PRDApproved},
		{status.PRDApproved, status.ActionRecordSystemDesign, []string{status.RoleSystem}, status.SystemDesignDrafted},
		{status.SystemDesignDrafted, status.ActionSubmitSystemDesign, nil, status.SystemDesignPendingReview},
		{status.SystemDesignPendingReview, status.ActionApproveDesign, []string{status.RoleDeveloper}, status.SystemDesignApproved},
		{status.SystemDesignApproved, status.ActionStartPlanning, []string{status.RoleSystem}, status.PlanningInProgress},
		{status.PlanningInProgress, status.ActionRecordEffort, []string{status.RoleSystem}, status.PlanningComplete},
		{status.PlanningComplete, status.ActionSubmitEffort, nil, status.EffortPendingReview},
		{status.EffortPendingReview, status.ActionApproveEffort, nil, status.EffortApproved},
		{status.EffortApproved, status.ActionStartCosting, []string{status.RoleSystem}, status.CostingInProgress},
		{status.CostingInProgress, status.ActionRecordCost, []string{status.RoleSystem}, status.CostingComplete},
		{status.CostingComplete, status.ActionSubmitCost, nil, status.CostingPendingReview},
		{status.CostingPendingReview, status.ActionApproveCost, nil, status.CostingApproved},
		{status.CostingApproved, status.ActionStartValueAnalysis, []string{status.RoleSystem}, status.ValueAnalysisInProgress},
		{status.ValueAnalysisInProgress, status.ActionRecordValue, []string{status.RoleSystem}, status.ValueAnalysisComplete},
		{status.ValueAnalysisComplete, status.ActionSubmitValue, nil, status.ValuePendingReview},
		{status.ValuePendingReview, status.ActionApproveValue, nil, status.ValueApproved},
		{status.ValueApproved, status.ActionStartFinancialModel, []string{status.RoleSystem}, status.FinancialModelInProgress},
		{status.FinancialModelInProgress, status.ActionRecordFinancialModel, []string{status.RoleSystem}, status.FinancialModelComplete},
		{status.FinancialModelComplete, status.ActionSubmitFinal, nil, status.PendingFinalApproval},
		{status.PendingFinalApproval, status.ActionApproveFinal, []string{"FINAL_APPROVER"}, status.Approved},
	}
	for _, step := range steps {
		req := ownerReq(step.current, step.action)
		req.ActorRoles = step.roles
		res, err := status.Transition(req)
		if err != nil {
			t.Fatalf("%s from %s: %v", step.action, step.current, err)
		}
		if res.Next != step.next {
			t.Fatalf("%s from %s: next %s, want %s", step.action, step.current, res.Next, step.next)
		}
	}
}

func TestOutOfOrderActionIsInvalidTransition(t *testing.T) {
	_, err := status.Transition(ownerReq(status.Intake, status.ActionApprovePRD))
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestInvalidTransitionWinsOverAuthorization(t *testing.T) {
	// Wrong status AND wrong actor: the status check must win.
	req := ownerReq(status.Intake, status.ActionApproveFinal)
	req.ActorID = "stranger"
	_, err := status.Transition(req)
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestNonOwnerUnauthorized(t *testing.T) {
	req := ownerReq(status.Intake, status.ActionRequestPRDDraft)
	req.ActorID = "bob"
	_, err := status.Transition(req)
	var ue *status.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
}

func TestDesignApprovalRequiresDeveloper(t *testing.T) {
	req := ownerReq(status.SystemDesignPendingReview, status.ActionApproveDesign)
	_, err := status.Transition(req)
	var ue *status.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("owner without DEVELOPER role should be unauthorized, got %v", err)
	}
	req.ActorRoles = []string{status.RoleDeveloper}
	if _, err := status.Transition(req); err != nil {
		t.Fatalf("developer approval: %v", err)
	}
}

func TestFinalApproverRoleConfigurable(t *testing.T) {
	req := ownerReq(status.PendingFinalApproval, status.ActionApproveFinal)
	req.Policy.FinalApproverRole = "VP_ENGINEERING"
	req.ActorRoles = []string{"FINAL_APPROVER"}
	if _, err := status.Transition(req); err == nil {
		t.Fatalf("default role name should not satisfy a custom final approver role")
	}
	req.ActorRoles = []string{"VP_ENGINEERING"}
	if _, err := status.Transition(req); err != nil {
		t.Fatalf("custom final approver role: %v", err)
	}
}

func TestSelfApprovalPolicy(t *testing.T) {
	req := ownerReq(status.PRDReview, status.ActionApprovePRD)
	req.SubmittedBy = "alice"
	req.Policy.AllowSelfApproval = false
	_, err := status.Transition(req)
	var ue *status.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected self-approval block, got %v", err)
	}
	req.Policy.AllowSelfApproval = true
	if _, err := status.Transition(req); err != nil {
		t.Fatalf("self approval allowed by policy: %v", err)
	}
}

func TestRejectionReturnsToOpenStateWithoutEffects(t *testing.T) {
	cases := []struct {
		current status.Status
		action  status.Action
		next    status.Status
		roles   []string
	}{
		{status.PRDReview, status.ActionRejectPRD, status.PRDRejected, nil},
		{status.SystemDesignPendingReview, status.ActionRejectDesign, status.SystemDesignRejected, []string{status.RoleDeveloper}},
		{status.EffortPendingReview, status.ActionRejectEffort, status.EffortRejected, nil},
		{status.CostingPendingReview, status.ActionRejectCost, status.CostingRejected, nil},
		{status.ValuePendingReview, status.ActionRejectValue, status.ValueRejected, nil},
	}
	for _, c := range cases {
		req := ownerReq(c.current, c.action)
		req.ActorRoles = c.roles
		res, err := status.Transition(req)
		if err != nil {
			t.Fatalf("%s: %v", c.action, err)
		}
		if res.Next != c.next {
			t.Fatalf("%s: next %s, want %s", c.action, res.Next, c.next)
		}
		if len(res.Effects) != 0 {
			t.Fatalf("%s: rejections must not emit effects, got %v", c.action, res.Effects)
		}
	}
	// Rejected sections can be resubmitted from the rejected state.
	if _, err := status.Transition(ownerReq(status.PRDRejected, status.ActionSubmitPRD)); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
}

func TestApproveCostEmitsValueAndJoinEffects(t *testing.T) {
	res, err := status.Transition(ownerReq(status.CostingPendingReview, status.ActionApproveCost))
	if err != nil {
		t.Fatal(err)
	}
	want := []status.Effect{status.EffectGenerateValue, status.EffectMaybeStartFinancialModel}
	if len(res.Effects) != len(want) {
		t.Fatalf("effects %v, want %v", res.Effects, want)
	}
	for i := range want {
		if res.Effects[i] != want[i] {
			t.Fatalf("effects %v, want %v", res.Effects, want)
		}
	}
}

func TestTerminalStatesAllowNothing(t *testing.T) {
	for _, terminal := range []status.Status{status.Approved, status.Rejected} {
		if !status.Terminal(terminal) {
			t.Fatalf("%s should be terminal", terminal)
		}
		req := ownerReq(terminal, "")
		req.ActorRoles = []string{status.RoleDeveloper, status.RoleSystem, "FINAL_APPROVER"}
		if actions := status.AllowedActions(req); len(actions) != 0 {
			t.Fatalf("%s: expected no allowed actions, got %v", terminal, actions)
		}
	}
}

func TestAllowedActionsForOwnerAtIntake(t *testing.T) {
	actions := status.AllowedActions(ownerReq(status.Intake, ""))
	want := map[status.Action]bool{
		status.ActionRequestPRDDraft: true,
		status.ActionEditPRD:         true,
		status.ActionSubmitPRD:       true,
	}
	if len(actions) != len(want) {
		t.Fatalf("actions %v", actions)
	}
	for _, a := range actions {
		if !want[a] {
			t.Fatalf("unexpected action %s", a)
		}
	}
}

func TestValidClosedSet(t *testing.T) {
	if len(status.All()) != 29 {
		t.Fatalf("closed set size %d, want 29", len(status.All()))
	}
	for _, s := range status.All() {
		if !status.Valid(s) {
			t.Fatalf("%s should be valid", s)
		}
	}
	if status.Valid("DRAFT") {
		t.Fatalf("unknown status accepted")
	}
}
