package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"casetrail/internal/agents"
	"casetrail/internal/config"
	"casetrail/internal/db"
	"casetrail/internal/domain"
	"casetrail/internal/engine"
	"casetrail/internal/migrate"
	"casetrail/internal/orchestrate"
	"casetrail/internal/repo"
	"casetrail/internal/status"
)

var (
	owner    = engine.Principal{ActorID: "alice"}
	stranger = engine.Principal{ActorID: "bob"}
	dev      = engine.Principal{ActorID: "devon", Roles: []string{status.RoleDeveloper}}
	approver = engine.Principal{ActorID: "vera", Roles: []string{"FINAL_APPROVER"}}
)

type testEnv struct {
	Engine engine.Engine
	Orch   *orchestrate.Orchestrator
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("casetrail")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{
		Engine: eng,
		Orch:   orchestrate.New(eng, agents.NewLocal(), time.Minute),
		Ctx:    ctx,
	}
}

func (env testEnv) createCase(t *testing.T) domain.BusinessCase {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, owner, "Billing revamp", "Invoices take two weeks to reconcile.", []string{"https://wiki/billing"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

// step runs one user action and dispatches the effects it emits, the way
// the API layer does.
func (env testEnv) step(t *testing.T, caseID string, fn func() (domain.BusinessCase, []status.Effect, error)) domain.BusinessCase {
	t.Helper()
	c, effects, err := fn()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(effects) > 0 {
		if err := env.Orch.OnTransition(env.Ctx, caseID, effects); err != nil {
			t.Fatalf("dispatch effects %v: %v", effects, err)
		}
		c, err = env.Engine.Repo.GetCase(env.Ctx, caseID)
		if err != nil {
			t.Fatalf("reload case: %v", err)
		}
	}
	return c
}

func (env testEnv) requireStatus(t *testing.T, caseID string, want status.Status) domain.BusinessCase {
	t.Helper()
	c, err := env.Engine.Repo.GetCase(env.Ctx, caseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != string(want) {
		t.Fatalf("status %s, want %s", c.Status, want)
	}
	return c
}

func TestFullWorkflowToApproval(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	if c.Status != string(status.Intake) {
		t.Fatalf("new case status %s", c.Status)
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.RequestPRDDraft(env.Ctx, owner, c.ID, 0)
	})
	env.requireStatus(t, c.ID, status.PRDDrafting)
	prd, err := e.Repo.GetDraft(env.Ctx, c.ID, engine.DraftKindPRD)
	if err != nil {
		t.Fatalf("prd draft: %v", err)
	}
	if prd.GeneratedBy != "local" {
		t.Fatalf("prd generated_by %q", prd.GeneratedBy)
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
	})
	env.requireStatus(t, c.ID, status.PRDReview)

	// Approving the PRD chains into system design drafting.
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecidePRD(env.Ctx, owner, c.ID, true, 0)
	})
	env.requireStatus(t, c.ID, status.SystemDesignDrafted)

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindSystemDesign, 0)
	})
	env.requireStatus(t, c.ID, status.SystemDesignPendingReview)

	// Design approval needs DEVELOPER and runs planning through to the
	// completed effort estimate.
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecideSystemDesign(env.Ctx, dev, c.ID, true, 0)
	})
	env.requireStatus(t, c.ID, status.PlanningComplete)
	effort, err := e.Repo.GetEffortEstimate(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("effort: %v", err)
	}
	if effort.TotalHours <= 0 || len(effort.Roles) == 0 {
		t.Fatalf("empty effort estimate: %+v", effort)
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitEffort(env.Ctx, owner, c.ID, 0)
	})
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecideEffort(env.Ctx, owner, c.ID, true, 0)
	})
	env.requireStatus(t, c.ID, status.CostingComplete)
	cost, err := e.Repo.GetCostEstimate(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost.Total <= 0 {
		t.Fatalf("cost total %.2f", cost.Total)
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitCost(env.Ctx, owner, c.ID, 0)
	})
	// Cost approval stamps the cost slot and runs value analysis; the
	// financial model must not start yet.
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecideCost(env.Ctx, owner, c.ID, true, 0)
	})
	cur := env.requireStatus(t, c.ID, status.ValueAnalysisComplete)
	if cur.CostApprovedAt == nil {
		t.Fatalf("cost slot not stamped")
	}
	if cur.ValueApprovedAt != nil {
		t.Fatalf("value slot stamped early")
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitValue(env.Ctx, owner, c.ID, 0)
	})
	// Value approval completes the join: the financial model runs and the
	// narrative plus derived summary land.
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecideValue(env.Ctx, owner, c.ID, true, 0)
	})
	env.requireStatus(t, c.ID, status.FinancialModelComplete)
	summary, err := e.Repo.GetFinancialSummary(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalCost != cost.Total {
		t.Fatalf("summary cost %.2f, want %.2f", summary.TotalCost, cost.Total)
	}
	if summary.NarrativeMarkdown == "" || len(summary.Scenarios) != 3 {
		t.Fatalf("summary incomplete: %+v", summary)
	}

	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitFinalApproval(env.Ctx, owner, c.ID, 0)
	})
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecideFinal(env.Ctx, approver, c.ID, true, 0)
	})
	env.requireStatus(t, c.ID, status.Approved)
}

func TestOutOfOrderActionRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t)
	_, _, err := env.Engine.DecidePRD(env.Ctx, owner, c.ID, true, 0)
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	env.requireStatus(t, c.ID, status.Intake)
}

func TestUnauthorizedAttemptAudited(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t)
	_, _, err := env.Engine.RequestPRDDraft(env.Ctx, stranger, c.ID, 0)
	var ue *status.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	after := env.requireStatus(t, c.ID, status.Intake)
	if after.Version != c.Version {
		t.Fatalf("version moved on denied attempt")
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries[0].MessageType != "ACCESS_DENIED" || entries[0].ActorID != stranger.ActorID {
		t.Fatalf("expected ACCESS_DENIED by %s, got %+v", stranger.ActorID, entries[0])
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t)
	if _, _, err := env.Engine.RequestPRDDraft(env.Ctx, owner, c.ID, c.Version); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	// Second writer still holds the stale version.
	_, _, err := env.Engine.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, c.Version)
	if !errors.Is(err, repo.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestRejectionPreservesContentForRevision(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.RequestPRDDraft(env.Ctx, owner, c.ID, 0)
	})
	if _, err := e.UpdateDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, "# PRD v2\n\nEdited by hand.", 0); err != nil {
		t.Fatalf("edit: %v", err)
	}
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
	})
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.DecidePRD(env.Ctx, owner, c.ID, false, 0)
	})
	env.requireStatus(t, c.ID, status.PRDRejected)
	d, err := e.Repo.GetDraft(env.Ctx, c.ID, engine.DraftKindPRD)
	if err != nil {
		t.Fatalf("draft after reject: %v", err)
	}
	if d.ContentMarkdown != "# PRD v2\n\nEdited by hand." {
		t.Fatalf("content lost on rejection: %q", d.ContentMarkdown)
	}
	// Revise and resubmit from the rejected state.
	if _, err := e.UpdateDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, "# PRD v3", 0); err != nil {
		t.Fatalf("revise: %v", err)
	}
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
	})
	env.requireStatus(t, c.ID, status.PRDReview)
}

func TestFinancialModelStartsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	// Drive the case to VALUE_APPROVED with both slots stamped.
	steps := []func() (domain.BusinessCase, []status.Effect, error){
		func() (domain.BusinessCase, []status.Effect, error) { return e.RequestPRDDraft(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecidePRD(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindSystemDesign, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.DecideSystemDesign(env.Ctx, dev, c.ID, true, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) { return e.SubmitEffort(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecideEffort(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.SubmitCost(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecideCost(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.SubmitValue(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecideValue(env.Ctx, owner, c.ID, true, 0) },
	}
	for _, fn := range steps {
		env.step(t, c.ID, fn)
	}
	env.requireStatus(t, c.ID, status.FinancialModelComplete)
	// The join already fired; asking again is a no-op.
	started, err := e.StartFinancialModelIfReady(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Fatalf("financial model started twice")
	}
}

func TestOneHistoryEntryPerTransition(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t)
	if _, _, err := env.Engine.RequestPRDDraft(env.Ctx, owner, c.ID, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	count, err := env.Engine.Repo.CountHistory(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// CASE_CREATED plus one STATUS_CHANGE.
	if count != 2 {
		t.Fatalf("history rows %d, want 2", count)
	}
}

func TestRetryAfterAgentFailure(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	// Simulate a failed PRD agent run: the transition committed but no
	// draft was recorded.
	if _, _, err := e.RequestPRDDraft(env.Ctx, owner, c.ID, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.RecordAgentFailure(env.Ctx, c.ID, status.EffectGeneratePRD, errors.New("upstream timeout")); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	env.requireStatus(t, c.ID, status.PRDDrafting)
	entries, err := e.Repo.ListHistory(env.Ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries[0].MessageType != "AGENT_ERROR" {
		t.Fatalf("expected AGENT_ERROR entry, got %s", entries[0].MessageType)
	}
	if err := env.Orch.Retry(env.Ctx, c.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := e.Repo.GetDraft(env.Ctx, c.ID, engine.DraftKindPRD); err != nil {
		t.Fatalf("draft after retry: %v", err)
	}
	// Nothing to retry once the case sits in a review state.
	env.step(t, c.ID, func() (domain.BusinessCase, []status.Effect, error) {
		return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
	})
	err = env.Orch.Retry(env.Ctx, c.ID)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestManualEffortEditRecomputesTotals(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	for _, fn := range []func() (domain.BusinessCase, []status.Effect, error){
		func() (domain.BusinessCase, []status.Effect, error) { return e.RequestPRDDraft(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecidePRD(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindSystemDesign, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.DecideSystemDesign(env.Ctx, dev, c.ID, true, 0)
		},
	} {
		env.step(t, c.ID, fn)
	}
	env.requireStatus(t, c.ID, status.PlanningComplete)

	_, err := e.UpdateEffort(env.Ctx, owner, c.ID, domain.EffortEstimate{
		Roles: []domain.RoleEffort{
			{RoleName: "backend_engineer", Hours: 100},
			{RoleName: "qa_engineer", Hours: 40},
		},
		EstimatedDurationWeeks: 3,
	}, 0)
	if err != nil {
		t.Fatalf("update effort: %v", err)
	}
	est, err := e.Repo.GetEffortEstimate(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get effort: %v", err)
	}
	if est.TotalHours != 140 {
		t.Fatalf("total hours %.1f, want 140", est.TotalHours)
	}
	if est.GeneratedBy != "local" {
		t.Fatalf("generated_by lost on edit: %q", est.GeneratedBy)
	}
	if est.Version != 2 {
		t.Fatalf("version %d, want 2", est.Version)
	}
}

func TestAgentValueScenariosValidated(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	c := env.createCase(t)
	for _, fn := range []func() (domain.BusinessCase, []status.Effect, error){
		func() (domain.BusinessCase, []status.Effect, error) { return e.RequestPRDDraft(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindPRD, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecidePRD(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitDraft(env.Ctx, owner, c.ID, engine.DraftKindSystemDesign, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) {
			return e.DecideSystemDesign(env.Ctx, dev, c.ID, true, 0)
		},
		func() (domain.BusinessCase, []status.Effect, error) { return e.SubmitEffort(env.Ctx, owner, c.ID, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.DecideEffort(env.Ctx, owner, c.ID, true, 0) },
		func() (domain.BusinessCase, []status.Effect, error) { return e.SubmitCost(env.Ctx, owner, c.ID, 0) },
	} {
		env.step(t, c.ID, fn)
	}
	// Approve cost without dispatching its effects, then start the value
	// stage by hand so RecordValue can be exercised directly.
	if _, _, err := e.DecideCost(env.Ctx, owner, c.ID, true, 0); err != nil {
		t.Fatalf("approve cost: %v", err)
	}
	if _, err := e.BeginStage(env.Ctx, c.ID, status.ActionStartValueAnalysis); err != nil {
		t.Fatalf("start value analysis: %v", err)
	}
	env.requireStatus(t, c.ID, status.ValueAnalysisInProgress)

	bad := domain.ValueProjection{
		Currency: "USD",
		Scenarios: []domain.Scenario{
			{Name: "pessimistic", Value: 1000},
		},
	}
	_, err := e.RecordValue(env.Ctx, c.ID, bad, "local")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown scenario name, got %v", err)
	}
	if _, err := e.Repo.GetValueProjection(env.Ctx, c.ID); err != repo.ErrNotFound {
		t.Fatalf("rejected projection must not persist, got %v", err)
	}
	env.requireStatus(t, c.ID, status.ValueAnalysisInProgress)

	good := domain.ValueProjection{
		Currency: "USD",
		Scenarios: []domain.Scenario{
			{Name: "low", Value: 1000},
			{Name: "base", Value: 5000},
			{Name: "high", Value: 9000},
		},
	}
	if _, err := e.RecordValue(env.Ctx, c.ID, good, "local"); err != nil {
		t.Fatalf("record value: %v", err)
	}
	env.requireStatus(t, c.ID, status.ValueAnalysisComplete)
}
