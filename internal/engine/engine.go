package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"casetrail/internal/config"
	"casetrail/internal/domain"
	"casetrail/internal/engine/auth"
	"casetrail/internal/history"
	"casetrail/internal/repo"
	"casetrail/internal/status"
)

const (
	DraftKindPRD          = "prd"
	DraftKindSystemDesign = "system_design"
)

// systemActorID is recorded on history entries written by the orchestrator.
const systemActorID = "system"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Auth    auth.Service
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Auth:    auth.Service{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

// Principal identifies the caller for workflow authorization. Roles are the
// merged set from the bearer token and the store.
type Principal struct {
	ActorID string
	Roles   []string
}

// System is the orchestrator's principal for agent-driven transitions.
func System() Principal {
	return Principal{ActorID: systemActorID, Roles: []string{status.RoleSystem}}
}

// ValidationError marks a malformed request, mapped to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) policy() status.Policy {
	p := status.Policy{AllowSelfApproval: true, FinalApproverRole: "FINAL_APPROVER"}
	if e.Config != nil {
		p.AllowSelfApproval = e.Config.Review.AllowSelfApproval
		if e.Config.Review.FinalApproverRole != "" {
			p.FinalApproverRole = e.Config.Review.FinalApproverRole
		}
	}
	return p
}

// Seed provisions the built-in roles, admin permissions and the configured
// rate card. It is idempotent and runs at startup after migrations.
func (e Engine) Seed(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	roles := map[string]string{
		status.RoleDeveloper:         "Reviews and approves system designs",
		status.RoleAdmin:             "Manages rate cards, roles and API keys",
		status.RoleSystem:            "Internal orchestrator principal",
		e.policy().FinalApproverRole: "Signs off on completed business cases",
	}
	for id, desc := range roles {
		if err := e.Repo.InsertRole(ctx, tx, id, desc); err != nil {
			return err
		}
	}
	for _, perm := range []string{auth.PermManageRateCards, auth.PermManageRoles, auth.PermMintKeys} {
		if err := e.Repo.AddRolePermission(ctx, tx, status.RoleAdmin, perm); err != nil {
			return err
		}
	}
	if e.Config != nil && e.Config.RateCard.Name != "" {
		now := e.nowRFC3339()
		_, err := e.Repo.GetRateCardByName(ctx, e.Config.RateCard.Name)
		if err != nil && err != repo.ErrNotFound {
			return err
		}
		if err == repo.ErrNotFound {
			card := domain.RateCard{
				ID:        uuid.NewString(),
				Name:      e.Config.RateCard.Name,
				Currency:  e.Config.RateCard.Currency,
				Rates:     e.Config.RateCard.Rates,
				IsDefault: true,
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := e.Repo.UpsertRateCard(ctx, tx, card); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// CreateCase opens a new case in INTAKE owned by the caller.
func (e Engine) CreateCase(ctx context.Context, p Principal, title, problemStatement string, links []string) (domain.BusinessCase, error) {
	if strings.TrimSpace(title) == "" {
		return domain.BusinessCase{}, validationf("title is required")
	}
	if strings.TrimSpace(problemStatement) == "" {
		return domain.BusinessCase{}, validationf("problem_statement is required")
	}
	if p.ActorID == "" {
		return domain.BusinessCase{}, validationf("actor required")
	}
	now := e.nowRFC3339()
	c := domain.BusinessCase{
		ID:               uuid.NewString(),
		Status:           string(status.Intake),
		OwnerID:          p.ActorID,
		Title:            strings.TrimSpace(title),
		ProblemStatement: problemStatement,
		RelevantLinks:    links,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BusinessCase{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, p.ActorID); err != nil {
		return domain.BusinessCase{}, err
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.BusinessCase{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.History.Append(ctx, tx, c.ID, history.SourceUser, history.TypeCaseCreated, p.ActorID, history.Payload{
		"title":  c.Title,
		"status": c.Status,
	}); err != nil {
		return domain.BusinessCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BusinessCase{}, err
	}
	return c, nil
}

// mutateFn adjusts artifacts inside the transition transaction. It may
// extend the history payload before the single audit entry is written.
type mutateFn func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error

// apply runs one workflow action end to end: load, guard, transition,
// mutate, versioned write, one history entry, commit. Unauthorized
// attempts are recorded in their own transaction so the denial survives
// the rollback.
func (e Engine) apply(ctx context.Context, p Principal, caseID string, action status.Action, expectedVersion int64, messageType string, mutate mutateFn) (domain.BusinessCase, []status.Effect, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BusinessCase{}, nil, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.BusinessCase{}, nil, err
	}
	if expectedVersion > 0 && expectedVersion != c.Version {
		return domain.BusinessCase{}, nil, repo.ErrConcurrentModification
	}
	submittedBy, err := e.submitterFor(ctx, tx, c.ID, action)
	if err != nil {
		return domain.BusinessCase{}, nil, err
	}
	res, err := status.Transition(status.Request{
		Current:     status.Status(c.Status),
		Action:      action,
		ActorID:     p.ActorID,
		ActorRoles:  p.Roles,
		OwnerID:     c.OwnerID,
		SubmittedBy: submittedBy,
		Policy:      e.policy(),
	})
	if err != nil {
		var unauth *status.UnauthorizedError
		if errors.As(err, &unauth) {
			tx.Rollback()
			e.recordDenied(ctx, caseID, action, p.ActorID, unauth.Reason)
		}
		return domain.BusinessCase{}, nil, err
	}

	loadedVersion := c.Version
	from := c.Status
	c.Status = string(res.Next)
	c.UpdatedAt = e.nowRFC3339()
	payload := history.Payload{"action": string(action), "from": from, "to": c.Status}
	if mutate != nil {
		if err := mutate(ctx, tx, &c, payload); err != nil {
			return domain.BusinessCase{}, nil, err
		}
	}
	if err := e.Repo.UpdateCaseTx(ctx, tx, c, loadedVersion); err != nil {
		return domain.BusinessCase{}, nil, err
	}
	source := history.SourceUser
	if p.ActorID == systemActorID {
		source = history.SourceOrchestrator
	}
	if err := e.History.Append(ctx, tx, c.ID, source, messageType, p.ActorID, payload); err != nil {
		return domain.BusinessCase{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BusinessCase{}, nil, err
	}
	c.Version = loadedVersion + 1
	return c, res.Effects, nil
}

// submitterFor resolves who last submitted the section a review action
// targets, for the self-approval policy.
func (e Engine) submitterFor(ctx context.Context, tx *sql.Tx, caseID string, action status.Action) (string, error) {
	var kind string
	switch action {
	case status.ActionApprovePRD, status.ActionRejectPRD:
		kind = DraftKindPRD
	case status.ActionApproveDesign, status.ActionRejectDesign:
		kind = DraftKindSystemDesign
	case status.ActionApproveEffort, status.ActionRejectEffort:
		return e.artifactSubmitter(ctx, tx, `SELECT submitted_by FROM effort_estimates WHERE case_id=?`, caseID)
	case status.ActionApproveCost, status.ActionRejectCost:
		return e.artifactSubmitter(ctx, tx, `SELECT submitted_by FROM cost_estimates WHERE case_id=?`, caseID)
	case status.ActionApproveValue, status.ActionRejectValue:
		return e.artifactSubmitter(ctx, tx, `SELECT submitted_by FROM value_projections WHERE case_id=?`, caseID)
	default:
		return "", nil
	}
	d, err := e.Repo.GetDraftTx(ctx, tx, caseID, kind)
	if err == repo.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if d.SubmittedBy == nil {
		return "", nil
	}
	return *d.SubmittedBy, nil
}

func (e Engine) artifactSubmitter(ctx context.Context, tx *sql.Tx, query, caseID string) (string, error) {
	var submittedBy sql.NullString
	err := tx.QueryRowContext(ctx, query, caseID).Scan(&submittedBy)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if submittedBy.Valid {
		return submittedBy.String, nil
	}
	return "", nil
}

// recordDenied appends an ACCESS_DENIED entry outside the failed
// transaction. Best effort; the caller's error is what surfaces.
func (e Engine) recordDenied(ctx context.Context, caseID string, action status.Action, actorID, reason string) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.History.Append(ctx, tx, caseID, history.SourceUser, history.TypeAccessDenied, actorID, history.Payload{
		"action": string(action),
		"reason": reason,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

// RequestPRDDraft moves the case from intake into drafting and asks the
// orchestrator to run the PRD agent.
func (e Engine) RequestPRDDraft(ctx context.Context, p Principal, caseID string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	return e.apply(ctx, p, caseID, status.ActionRequestPRDDraft, expectedVersion, history.TypeStatusChange, nil)
}

func editAction(kind string) status.Action {
	if kind == DraftKindSystemDesign {
		return status.ActionEditSystemDesign
	}
	return status.ActionEditPRD
}

func submitAction(kind string) status.Action {
	if kind == DraftKindSystemDesign {
		return status.ActionSubmitSystemDesign
	}
	return status.ActionSubmitPRD
}

// UpdateDraft replaces the markdown content of the PRD or system design.
func (e Engine) UpdateDraft(ctx context.Context, p Principal, caseID, kind, content string, expectedVersion int64) (domain.BusinessCase, error) {
	if kind != DraftKindPRD && kind != DraftKindSystemDesign {
		return domain.BusinessCase{}, validationf("unknown draft kind %q", kind)
	}
	if strings.TrimSpace(content) == "" {
		return domain.BusinessCase{}, validationf("content_markdown is required")
	}
	c, _, err := e.apply(ctx, p, caseID, editAction(kind), expectedVersion, history.TypeContentEdit,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			d, err := e.Repo.GetDraftTx(ctx, tx, c.ID, kind)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			if err == repo.ErrNotFound {
				d = domain.Draft{Version: 0}
			}
			d.ContentMarkdown = content
			d.Version++
			d.LastEditedBy = &p.ActorID
			d.UpdatedAt = e.nowRFC3339()
			payload["kind"] = kind
			payload["draft_version"] = d.Version
			return e.Repo.UpsertDraft(ctx, tx, c.ID, kind, d)
		})
	return c, err
}

// SubmitDraft sends the PRD or system design to review. The content is not
// copied; the draft row is the single source of truth through review.
func (e Engine) SubmitDraft(ctx context.Context, p Principal, caseID, kind string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	if kind != DraftKindPRD && kind != DraftKindSystemDesign {
		return domain.BusinessCase{}, nil, validationf("unknown draft kind %q", kind)
	}
	return e.apply(ctx, p, caseID, submitAction(kind), expectedVersion, history.TypeStatusChange,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			d, err := e.Repo.GetDraftTx(ctx, tx, c.ID, kind)
			if err == repo.ErrNotFound {
				return validationf("no %s draft to submit", kind)
			}
			if err != nil {
				return err
			}
			d.SubmittedBy = &p.ActorID
			d.UpdatedAt = e.nowRFC3339()
			payload["kind"] = kind
			return e.Repo.UpsertDraft(ctx, tx, c.ID, kind, d)
		})
}

// DecidePRD approves or rejects the PRD under review.
func (e Engine) DecidePRD(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApprovePRD
	if !approve {
		action = status.ActionRejectPRD
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeStatusChange, nil)
}

// DecideSystemDesign approves or rejects the system design under review.
// Approval requires the DEVELOPER role.
func (e Engine) DecideSystemDesign(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApproveDesign
	if !approve {
		action = status.ActionRejectDesign
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeStatusChange, nil)
}

// UpdateEffort replaces the editable effort estimate fields.
func (e Engine) UpdateEffort(ctx context.Context, p Principal, caseID string, est domain.EffortEstimate, expectedVersion int64) (domain.BusinessCase, error) {
	if len(est.Roles) == 0 {
		return domain.BusinessCase{}, validationf("roles are required")
	}
	c, _, err := e.apply(ctx, p, caseID, status.ActionEditEffort, expectedVersion, history.TypeContentEdit,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			current, err := e.Repo.GetEffortEstimate(ctx, c.ID)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			var total float64
			for _, r := range est.Roles {
				if r.RoleName == "" {
					return validationf("role_name is required on every effort line")
				}
				if r.Hours < 0 {
					return validationf("hours must not be negative")
				}
				total += r.Hours
			}
			est.TotalHours = total
			est.GeneratedBy = current.GeneratedBy
			est.Version = current.Version + 1
			est.SubmittedBy = current.SubmittedBy
			payload["section"] = "effort_estimate"
			return e.Repo.UpsertEffortEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
	return c, err
}

// SubmitEffort sends the effort estimate to review.
func (e Engine) SubmitEffort(ctx context.Context, p Principal, caseID string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	return e.apply(ctx, p, caseID, status.ActionSubmitEffort, expectedVersion, history.TypeStatusChange,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			est, err := e.Repo.GetEffortEstimate(ctx, c.ID)
			if err == repo.ErrNotFound {
				return validationf("no effort estimate to submit")
			}
			if err != nil {
				return err
			}
			est.SubmittedBy = &p.ActorID
			payload["section"] = "effort_estimate"
			return e.Repo.UpsertEffortEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
}

// DecideEffort approves or rejects the effort estimate.
func (e Engine) DecideEffort(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApproveEffort
	if !approve {
		action = status.ActionRejectEffort
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeStatusChange, nil)
}

// UpdateCost replaces the editable cost estimate fields, recomputing line
// amounts and the total so hand edits cannot desync them.
func (e Engine) UpdateCost(ctx context.Context, p Principal, caseID string, est domain.CostEstimate, expectedVersion int64) (domain.BusinessCase, error) {
	if len(est.Lines) == 0 {
		return domain.BusinessCase{}, validationf("lines are required")
	}
	c, _, err := e.apply(ctx, p, caseID, status.ActionEditCost, expectedVersion, history.TypeContentEdit,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			current, err := e.Repo.GetCostEstimate(ctx, c.ID)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			var total float64
			for i := range est.Lines {
				line := &est.Lines[i]
				if line.RoleName == "" {
					return validationf("role_name is required on every cost line")
				}
				if line.Hours < 0 || line.HourlyRate < 0 {
					return validationf("hours and hourly_rate must not be negative")
				}
				line.Amount = line.Hours * line.HourlyRate
				total += line.Amount
			}
			est.Total = total
			if est.Currency == "" {
				est.Currency = current.Currency
			}
			if est.RateCardID == "" {
				est.RateCardID = current.RateCardID
			}
			est.GeneratedBy = current.GeneratedBy
			est.Version = current.Version + 1
			est.SubmittedBy = current.SubmittedBy
			payload["section"] = "cost_estimate"
			return e.Repo.UpsertCostEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
	return c, err
}

// SubmitCost sends the cost estimate to review.
func (e Engine) SubmitCost(ctx context.Context, p Principal, caseID string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	return e.apply(ctx, p, caseID, status.ActionSubmitCost, expectedVersion, history.TypeStatusChange,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			est, err := e.Repo.GetCostEstimate(ctx, c.ID)
			if err == repo.ErrNotFound {
				return validationf("no cost estimate to submit")
			}
			if err != nil {
				return err
			}
			est.SubmittedBy = &p.ActorID
			payload["section"] = "cost_estimate"
			return e.Repo.UpsertCostEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
}

// DecideCost approves or rejects the cost estimate. Approval stamps the
// cost slot of the financial-model join.
func (e Engine) DecideCost(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApproveCost
	if !approve {
		action = status.ActionRejectCost
	}
	var mutate mutateFn
	if approve {
		mutate = func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			now := e.nowRFC3339()
			c.CostApprovedAt = &now
			return nil
		}
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeStatusChange, mutate)
}

func validateScenarios(proj domain.ValueProjection) error {
	if len(proj.Scenarios) == 0 {
		return validationf("scenarios are required")
	}
	for _, sc := range proj.Scenarios {
		switch sc.Name {
		case "low", "base", "high":
		default:
			return validationf("scenario name must be low, base or high")
		}
	}
	return nil
}

// UpdateValue replaces the editable value projection fields.
func (e Engine) UpdateValue(ctx context.Context, p Principal, caseID string, proj domain.ValueProjection, expectedVersion int64) (domain.BusinessCase, error) {
	if err := validateScenarios(proj); err != nil {
		return domain.BusinessCase{}, err
	}
	c, _, err := e.apply(ctx, p, caseID, status.ActionEditValue, expectedVersion, history.TypeContentEdit,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			current, err := e.Repo.GetValueProjection(ctx, c.ID)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			if proj.Currency == "" {
				proj.Currency = current.Currency
			}
			proj.GeneratedBy = current.GeneratedBy
			proj.Version = current.Version + 1
			proj.SubmittedBy = current.SubmittedBy
			payload["section"] = "value_projection"
			return e.Repo.UpsertValueProjection(ctx, tx, c.ID, proj, e.nowRFC3339())
		})
	return c, err
}

// SubmitValue sends the value projection to review.
func (e Engine) SubmitValue(ctx context.Context, p Principal, caseID string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	return e.apply(ctx, p, caseID, status.ActionSubmitValue, expectedVersion, history.TypeStatusChange,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			proj, err := e.Repo.GetValueProjection(ctx, c.ID)
			if err == repo.ErrNotFound {
				return validationf("no value projection to submit")
			}
			if err != nil {
				return err
			}
			proj.SubmittedBy = &p.ActorID
			payload["section"] = "value_projection"
			return e.Repo.UpsertValueProjection(ctx, tx, c.ID, proj, e.nowRFC3339())
		})
}

// DecideValue approves or rejects the value projection. Approval stamps the
// value slot of the financial-model join.
func (e Engine) DecideValue(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApproveValue
	if !approve {
		action = status.ActionRejectValue
	}
	var mutate mutateFn
	if approve {
		mutate = func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			now := e.nowRFC3339()
			c.ValueApprovedAt = &now
			return nil
		}
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeStatusChange, mutate)
}

// SubmitFinalApproval sends the completed case to the final approver.
func (e Engine) SubmitFinalApproval(ctx context.Context, p Principal, caseID string, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	return e.apply(ctx, p, caseID, status.ActionSubmitFinal, expectedVersion, history.TypeStatusChange, nil)
}

// DecideFinal records the terminal approve/reject decision.
func (e Engine) DecideFinal(ctx context.Context, p Principal, caseID string, approve bool, expectedVersion int64) (domain.BusinessCase, []status.Effect, error) {
	action := status.ActionApproveFinal
	if !approve {
		action = status.ActionRejectFinal
	}
	return e.apply(ctx, p, caseID, action, expectedVersion, history.TypeFinalDecision, nil)
}

// RecordDraft stores agent-generated markdown for a section. The PRD lands
// while the case sits in drafting; the system design flips the case to
// SYSTEM_DESIGN_DRAFTED.
func (e Engine) RecordDraft(ctx context.Context, caseID, kind, content, generatedBy string) (domain.BusinessCase, error) {
	action := status.ActionRecordPRDDraft
	if kind == DraftKindSystemDesign {
		action = status.ActionRecordSystemDesign
	}
	c, _, err := e.apply(ctx, System(), caseID, action, 0, history.TypeAgentOutput,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			d, err := e.Repo.GetDraftTx(ctx, tx, c.ID, kind)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			if err == repo.ErrNotFound {
				d = domain.Draft{Version: 0}
			}
			d.ContentMarkdown = content
			d.GeneratedBy = generatedBy
			d.Version++
			d.UpdatedAt = e.nowRFC3339()
			payload["kind"] = kind
			payload["generated_by"] = generatedBy
			return e.Repo.UpsertDraft(ctx, tx, c.ID, kind, d)
		})
	return c, err
}

// BeginStage records the orchestrator starting an agent stage.
func (e Engine) BeginStage(ctx context.Context, caseID string, action status.Action) (domain.BusinessCase, error) {
	c, _, err := e.apply(ctx, System(), caseID, action, 0, history.TypeStatusChange, nil)
	return c, err
}

// RecordEffort stores the agent's effort estimate and completes planning.
func (e Engine) RecordEffort(ctx context.Context, caseID string, est domain.EffortEstimate, generatedBy string) (domain.BusinessCase, error) {
	c, _, err := e.apply(ctx, System(), caseID, status.ActionRecordEffort, 0, history.TypeAgentOutput,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			est.GeneratedBy = generatedBy
			est.Version = 1
			est.SubmittedBy = nil
			payload["section"] = "effort_estimate"
			payload["generated_by"] = generatedBy
			return e.Repo.UpsertEffortEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
	return c, err
}

// RecordCost stores the agent's cost estimate and completes costing.
func (e Engine) RecordCost(ctx context.Context, caseID string, est domain.CostEstimate, generatedBy string) (domain.BusinessCase, error) {
	c, _, err := e.apply(ctx, System(), caseID, status.ActionRecordCost, 0, history.TypeAgentOutput,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			est.GeneratedBy = generatedBy
			est.Version = 1
			est.SubmittedBy = nil
			payload["section"] = "cost_estimate"
			payload["generated_by"] = generatedBy
			return e.Repo.UpsertCostEstimate(ctx, tx, c.ID, est, e.nowRFC3339())
		})
	return c, err
}

// RecordValue stores the agent's value projection and completes analysis.
func (e Engine) RecordValue(ctx context.Context, caseID string, proj domain.ValueProjection, generatedBy string) (domain.BusinessCase, error) {
	if err := validateScenarios(proj); err != nil {
		return domain.BusinessCase{}, err
	}
	c, _, err := e.apply(ctx, System(), caseID, status.ActionRecordValue, 0, history.TypeAgentOutput,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			proj.GeneratedBy = generatedBy
			proj.Version = 1
			proj.SubmittedBy = nil
			payload["section"] = "value_projection"
			payload["generated_by"] = generatedBy
			return e.Repo.UpsertValueProjection(ctx, tx, c.ID, proj, e.nowRFC3339())
		})
	return c, err
}

// StartFinancialModelIfReady flips the case into the financial-model stage
// when both the cost and value slots carry approval timestamps. It is a
// no-op otherwise and safe to call from both approval paths, in either
// order, any number of times: the compare-and-swap fires at most once.
func (e Engine) StartFinancialModelIfReady(ctx context.Context, caseID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	flipped, err := e.Repo.StartFinancialModelTx(ctx, tx, caseID,
		string(status.ValueApproved), string(status.FinancialModelInProgress), now)
	if err != nil {
		return false, err
	}
	if !flipped {
		return false, nil
	}
	if err := e.History.Append(ctx, tx, caseID, history.SourceOrchestrator, history.TypeStatusChange, systemActorID, history.Payload{
		"action": string(status.ActionStartFinancialModel),
		"from":   string(status.ValueApproved),
		"to":     string(status.FinancialModelInProgress),
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteFinancialModel derives the summary from the approved cost and
// value artifacts and closes the financial-model stage. The numbers are
// computed here; the agent contributes only the narrative.
func (e Engine) CompleteFinancialModel(ctx context.Context, caseID, narrative, generatedBy string) (domain.BusinessCase, error) {
	cost, err := e.Repo.GetCostEstimate(ctx, caseID)
	if err != nil {
		return domain.BusinessCase{}, fmt.Errorf("load cost estimate: %w", err)
	}
	value, err := e.Repo.GetValueProjection(ctx, caseID)
	if err != nil {
		return domain.BusinessCase{}, fmt.Errorf("load value projection: %w", err)
	}
	summary := BuildFinancialSummary(cost, value)
	summary.NarrativeMarkdown = narrative
	summary.GeneratedBy = generatedBy
	summary.GeneratedAt = e.nowRFC3339()

	c, _, err := e.apply(ctx, System(), caseID, status.ActionRecordFinancialModel, 0, history.TypeAgentOutput,
		func(ctx context.Context, tx *sql.Tx, c *domain.BusinessCase, payload history.Payload) error {
			payload["section"] = "financial_summary"
			payload["generated_by"] = generatedBy
			payload["total_cost"] = summary.TotalCost
			return e.Repo.InsertFinancialSummary(ctx, tx, c.ID, summary)
		})
	return c, err
}

// BuildFinancialSummary computes net value and ROI per scenario from the
// approved artifacts.
func BuildFinancialSummary(cost domain.CostEstimate, value domain.ValueProjection) domain.FinancialSummary {
	s := domain.FinancialSummary{
		TotalCost: cost.Total,
		Currency:  cost.Currency,
	}
	for _, sc := range value.Scenarios {
		line := domain.SummaryLine{
			Name:     sc.Name,
			Value:    sc.Value,
			NetValue: sc.Value - cost.Total,
		}
		if cost.Total > 0 {
			line.ROIPercent = line.NetValue / cost.Total * 100
		}
		s.Scenarios = append(s.Scenarios, line)
		if sc.Name == "base" && sc.Value > 0 {
			s.PaybackNote = fmt.Sprintf("Base scenario recovers the %.2f %s investment at %.2f %s of annual value.",
				cost.Total, cost.Currency, sc.Value, value.Currency)
		}
	}
	return s
}

// RecordAgentFailure notes an agent error in the audit log. The case
// status is untouched; retry re-fires the effect for the current status.
func (e Engine) RecordAgentFailure(ctx context.Context, caseID string, effect status.Effect, agentErr error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.History.Append(ctx, tx, caseID, history.SourceAgent, history.TypeAgentError, systemActorID, history.Payload{
		"effect": string(effect),
		"error":  agentErr.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AllowedActions mirrors the workflow rule table for the caller.
func (e Engine) AllowedActions(ctx context.Context, p Principal, caseID string) ([]status.Action, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return status.AllowedActions(status.Request{
		Current:    status.Status(c.Status),
		ActorID:    p.ActorID,
		ActorRoles: p.Roles,
		OwnerID:    c.OwnerID,
		Policy:     e.policy(),
	}), nil
}

// ExportMarkdown assembles the consolidated case document.
func (e Engine) ExportMarkdown(ctx context.Context, caseID string) (string, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Business Case: %s\n\n", c.Title)
	fmt.Fprintf(&b, "- Status: %s\n- Owner: %s\n- Created: %s\n\n", c.Status, c.OwnerID, c.CreatedAt)
	b.WriteString("## Problem Statement\n\n")
	b.WriteString(c.ProblemStatement)
	b.WriteString("\n")
	if len(c.RelevantLinks) > 0 {
		b.WriteString("\n## Links\n\n")
		for _, link := range c.RelevantLinks {
			fmt.Fprintf(&b, "- %s\n", link)
		}
	}
	if prd, err := e.Repo.GetDraft(ctx, caseID, DraftKindPRD); err == nil {
		b.WriteString("\n---\n\n")
		b.WriteString(prd.ContentMarkdown)
		b.WriteString("\n")
	}
	if design, err := e.Repo.GetDraft(ctx, caseID, DraftKindSystemDesign); err == nil {
		b.WriteString("\n---\n\n")
		b.WriteString(design.ContentMarkdown)
		b.WriteString("\n")
	}
	if effort, err := e.Repo.GetEffortEstimate(ctx, caseID); err == nil {
		b.WriteString("\n---\n\n## Effort Estimate\n\n")
		fmt.Fprintf(&b, "| Role | Hours |\n|---|---|\n")
		for _, r := range effort.Roles {
			fmt.Fprintf(&b, "| %s | %.0f |\n", r.RoleName, r.Hours)
		}
		fmt.Fprintf(&b, "\nTotal: %.0f hours over ~%d weeks.\n", effort.TotalHours, effort.EstimatedDurationWeeks)
	}
	if cost, err := e.Repo.GetCostEstimate(ctx, caseID); err == nil {
		b.WriteString("\n---\n\n## Cost Estimate\n\n")
		fmt.Fprintf(&b, "| Role | Hours | Rate | Amount |\n|---|---|---|---|\n")
		for _, l := range cost.Lines {
			fmt.Fprintf(&b, "| %s | %.0f | %.2f | %.2f |\n", l.RoleName, l.Hours, l.HourlyRate, l.Amount)
		}
		fmt.Fprintf(&b, "\nTotal: %.2f %s\n", cost.Total, cost.Currency)
	}
	if value, err := e.Repo.GetValueProjection(ctx, caseID); err == nil {
		b.WriteString("\n---\n\n## Value Projection\n\n")
		for _, sc := range value.Scenarios {
			fmt.Fprintf(&b, "- %s: %.2f %s (%s)\n", sc.Name, sc.Value, value.Currency, sc.Description)
		}
	}
	if summary, err := e.Repo.GetFinancialSummary(ctx, caseID); err == nil {
		b.WriteString("\n---\n\n")
		if summary.NarrativeMarkdown != "" {
			b.WriteString(summary.NarrativeMarkdown)
			b.WriteString("\n")
		} else {
			b.WriteString("## Financial Summary\n\n")
			for _, sc := range summary.Scenarios {
				fmt.Fprintf(&b, "- %s: net %.2f (ROI %.1f%%)\n", sc.Name, sc.NetValue, sc.ROIPercent)
			}
		}
	}
	return b.String(), nil
}
