package orchestrate

import (
	"context"
	"fmt"
	"time"

	"casetrail/internal/agents"
	"casetrail/internal/engine"
	"casetrail/internal/repo"
	"casetrail/internal/status"
)

// AgentFailureError wraps a section-agent error. The case status is left at
// its pre-invocation value; the failure is already in the audit log.
type AgentFailureError struct {
	Effect status.Effect
	Err    error
}

func (e *AgentFailureError) Error() string {
	return fmt.Sprintf("agent failed handling %s: %v", e.Effect, e.Err)
}

func (e *AgentFailureError) Unwrap() error { return e.Err }

// Orchestrator runs section agents in response to transition effects. It
// is synchronous: the triggering request observes the agent result.
type Orchestrator struct {
	Engine  engine.Engine
	Agents  agents.Generator
	Timeout time.Duration
}

func New(eng engine.Engine, gen agents.Generator, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Orchestrator{Engine: eng, Agents: gen, Timeout: timeout}
}

// OnTransition dispatches at most one agent per effect, in order. The
// first failure stops the chain and is recorded as AGENT_ERROR.
func (o *Orchestrator) OnTransition(ctx context.Context, caseID string, effects []status.Effect) error {
	for _, eff := range effects {
		if err := o.dispatch(ctx, caseID, eff); err != nil {
			if recErr := o.Engine.RecordAgentFailure(ctx, caseID, eff, err); recErr != nil {
				return fmt.Errorf("record agent failure: %w (agent error: %v)", recErr, err)
			}
			return &AgentFailureError{Effect: eff, Err: err}
		}
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, caseID string, eff status.Effect) error {
	switch eff {
	case status.EffectGeneratePRD:
		return o.runPRD(ctx, caseID)
	case status.EffectGenerateSystemDesign:
		return o.runSystemDesign(ctx, caseID)
	case status.EffectGeneratePlan:
		if _, err := o.Engine.BeginStage(ctx, caseID, status.ActionStartPlanning); err != nil {
			return err
		}
		return o.runEffort(ctx, caseID)
	case status.EffectGenerateCost:
		if _, err := o.Engine.BeginStage(ctx, caseID, status.ActionStartCosting); err != nil {
			return err
		}
		return o.runCost(ctx, caseID)
	case status.EffectGenerateValue:
		if _, err := o.Engine.BeginStage(ctx, caseID, status.ActionStartValueAnalysis); err != nil {
			return err
		}
		return o.runValue(ctx, caseID)
	case status.EffectMaybeStartFinancialModel:
		started, err := o.Engine.StartFinancialModelIfReady(ctx, caseID)
		if err != nil {
			return err
		}
		if !started {
			return nil
		}
		return o.runFinancialModel(ctx, caseID)
	default:
		return fmt.Errorf("unknown effect %q", eff)
	}
}

// Retry re-fires the agent work for the case's current status. It serves
// the manual recovery path after an AGENT_ERROR.
func (o *Orchestrator) Retry(ctx context.Context, caseID string) error {
	c, err := o.Engine.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	var run func(context.Context, string) error
	switch status.Status(c.Status) {
	case status.PRDDrafting:
		run = o.runPRD
	case status.PRDApproved:
		run = o.runSystemDesign
	case status.PlanningInProgress:
		run = o.runEffort
	case status.CostingInProgress:
		run = o.runCost
	case status.ValueAnalysisInProgress:
		run = o.runValue
	case status.FinancialModelInProgress:
		run = o.runFinancialModel
	case status.SystemDesignApproved:
		return o.dispatch(ctx, caseID, status.EffectGeneratePlan)
	case status.EffortApproved:
		return o.dispatch(ctx, caseID, status.EffectGenerateCost)
	case status.CostingApproved:
		return o.dispatch(ctx, caseID, status.EffectGenerateValue)
	case status.ValueApproved:
		return o.dispatch(ctx, caseID, status.EffectMaybeStartFinancialModel)
	default:
		return &engine.ValidationError{Msg: fmt.Sprintf("nothing to retry while status is %s", c.Status)}
	}
	if err := run(ctx, caseID); err != nil {
		eff := effectForRetry(status.Status(c.Status))
		if recErr := o.Engine.RecordAgentFailure(ctx, caseID, eff, err); recErr != nil {
			return fmt.Errorf("record agent failure: %w (agent error: %v)", recErr, err)
		}
		return &AgentFailureError{Effect: eff, Err: err}
	}
	return nil
}

func effectForRetry(s status.Status) status.Effect {
	switch s {
	case status.PRDDrafting:
		return status.EffectGeneratePRD
	case status.PRDApproved:
		return status.EffectGenerateSystemDesign
	case status.PlanningInProgress:
		return status.EffectGeneratePlan
	case status.CostingInProgress:
		return status.EffectGenerateCost
	case status.ValueAnalysisInProgress:
		return status.EffectGenerateValue
	default:
		return status.EffectMaybeStartFinancialModel
	}
}

func (o *Orchestrator) loadContext(ctx context.Context, caseID string) (agents.CaseContext, error) {
	var cc agents.CaseContext
	c, err := o.Engine.Repo.GetCase(ctx, caseID)
	if err != nil {
		return cc, err
	}
	cc.Case = c
	if prd, err := o.Engine.Repo.GetDraft(ctx, caseID, engine.DraftKindPRD); err == nil {
		cc.PRD = prd.ContentMarkdown
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	if design, err := o.Engine.Repo.GetDraft(ctx, caseID, engine.DraftKindSystemDesign); err == nil {
		cc.SystemDesign = design.ContentMarkdown
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	if effort, err := o.Engine.Repo.GetEffortEstimate(ctx, caseID); err == nil {
		cc.Effort = &effort
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	if cost, err := o.Engine.Repo.GetCostEstimate(ctx, caseID); err == nil {
		cc.Cost = &cost
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	if value, err := o.Engine.Repo.GetValueProjection(ctx, caseID); err == nil {
		cc.Value = &value
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	if card, err := o.Engine.Repo.DefaultRateCard(ctx); err == nil {
		cc.RateCard = &card
	} else if err != repo.ErrNotFound {
		return cc, err
	}
	return cc, nil
}

func (o *Orchestrator) agentCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.Timeout)
}

func (o *Orchestrator) runPRD(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	content, err := o.Agents.GeneratePRD(actx, cc)
	if err != nil {
		return err
	}
	_, err = o.Engine.RecordDraft(ctx, caseID, engine.DraftKindPRD, content, o.Agents.Name())
	return err
}

func (o *Orchestrator) runSystemDesign(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	content, err := o.Agents.GenerateSystemDesign(actx, cc)
	if err != nil {
		return err
	}
	_, err = o.Engine.RecordDraft(ctx, caseID, engine.DraftKindSystemDesign, content, o.Agents.Name())
	return err
}

func (o *Orchestrator) runEffort(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	est, err := o.Agents.GenerateEffort(actx, cc)
	if err != nil {
		return err
	}
	_, err = o.Engine.RecordEffort(ctx, caseID, est, o.Agents.Name())
	return err
}

func (o *Orchestrator) runCost(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	est, err := o.Agents.GenerateCost(actx, cc)
	if err != nil {
		return err
	}
	_, err = o.Engine.RecordCost(ctx, caseID, est, o.Agents.Name())
	return err
}

func (o *Orchestrator) runValue(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	proj, err := o.Agents.GenerateValue(actx, cc)
	if err != nil {
		return err
	}
	_, err = o.Engine.RecordValue(ctx, caseID, proj, o.Agents.Name())
	return err
}

func (o *Orchestrator) runFinancialModel(ctx context.Context, caseID string) error {
	cc, err := o.loadContext(ctx, caseID)
	if err != nil {
		return err
	}
	if cc.Cost == nil || cc.Value == nil {
		return fmt.Errorf("financial model requires approved cost and value artifacts")
	}
	summary := engine.BuildFinancialSummary(*cc.Cost, *cc.Value)
	actx, cancel := o.agentCtx(ctx)
	defer cancel()
	narrative, err := o.Agents.GenerateFinancialNarrative(actx, cc, summary)
	if err != nil {
		return err
	}
	_, err = o.Engine.CompleteFinancialModel(ctx, caseID, narrative, o.Agents.Name())
	return err
}
