package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"casetrail/internal/domain"
)

type OpenAIOptions struct {
	Model    string
	Endpoint string
	APIKey   string
}

// OpenAI generates sections with a chat model. Structured sections are
// requested as JSON and parsed; on a malformed reply the deterministic
// local generator fills in so a chatty model never corrupts an artifact.
type OpenAI struct {
	client openai.Client
	model  string
	local  *Local
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	key := opts.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	if opts.Model == "" {
		return nil, errors.New("agent model required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if opts.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.Endpoint))
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
		local:  NewLocal(),
	}, nil
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) GeneratePRD(ctx context.Context, cc CaseContext) (string, error) {
	user := fmt.Sprintf("Title: %s\n\nProblem statement:\n%s\n\nLinks: %s",
		cc.Case.Title, cc.Case.ProblemStatement, strings.Join(cc.Case.RelevantLinks, ", "))
	return o.complete(ctx,
		"You are a product manager. Write a concise PRD in markdown with Problem, Goals, Requirements and Out-of-scope sections.",
		user)
}

func (o *OpenAI) GenerateSystemDesign(ctx context.Context, cc CaseContext) (string, error) {
	user := fmt.Sprintf("Title: %s\n\nApproved PRD:\n%s", cc.Case.Title, cc.PRD)
	return o.complete(ctx,
		"You are a software architect. Write a system design in markdown with Architecture, Components, Data Model and Risks sections, traceable to the PRD.",
		user)
}

func (o *OpenAI) GenerateEffort(ctx context.Context, cc CaseContext) (domain.EffortEstimate, error) {
	roles := "backend_engineer, frontend_engineer, qa_engineer, product_manager, designer"
	if cc.RateCard != nil && len(cc.RateCard.Rates) > 0 {
		var names []string
		for name := range cc.RateCard.Rates {
			names = append(names, name)
		}
		roles = strings.Join(names, ", ")
	}
	user := fmt.Sprintf("System design:\n%s\n\nAvailable roles: %s\n\nReply with JSON only: {\"roles\":[{\"role_name\":string,\"hours\":number}],\"estimated_duration_weeks\":number,\"notes\":string}",
		cc.SystemDesign, roles)
	reply, err := o.complete(ctx,
		"You are a delivery lead estimating engineering effort. Use only the listed roles.",
		user)
	if err != nil {
		return domain.EffortEstimate{}, err
	}
	var parsed struct {
		Roles                  []domain.RoleEffort `json:"roles"`
		EstimatedDurationWeeks int                 `json:"estimated_duration_weeks"`
		Notes                  string              `json:"notes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil || len(parsed.Roles) == 0 {
		return o.local.GenerateEffort(ctx, cc)
	}
	var total float64
	for _, r := range parsed.Roles {
		total += r.Hours
	}
	return domain.EffortEstimate{
		Roles:                  parsed.Roles,
		TotalHours:             total,
		EstimatedDurationWeeks: parsed.EstimatedDurationWeeks,
		Notes:                  parsed.Notes,
	}, nil
}

func (o *OpenAI) GenerateCost(ctx context.Context, cc CaseContext) (domain.CostEstimate, error) {
	if cc.Effort == nil {
		return domain.CostEstimate{}, fmt.Errorf("cost generation requires an effort estimate")
	}
	card := domain.RateCard{Currency: "USD"}
	if cc.RateCard != nil {
		card = *cc.RateCard
	}
	// Pricing is arithmetic over the rate card; the model only annotates.
	lines, total := priceEffort(*cc.Effort, card)
	user := fmt.Sprintf("Total cost %.2f %s for %.0f hours across %d roles. Write one short paragraph of costing notes for a reviewer.",
		total, card.Currency, cc.Effort.TotalHours, len(lines))
	notes, err := o.complete(ctx, "You are a finance analyst reviewing a project cost estimate.", user)
	if err != nil {
		return domain.CostEstimate{}, err
	}
	return domain.CostEstimate{
		Lines:      lines,
		Total:      total,
		Currency:   card.Currency,
		RateCardID: card.ID,
		Notes:      strings.TrimSpace(notes),
	}, nil
}

func (o *OpenAI) GenerateValue(ctx context.Context, cc CaseContext) (domain.ValueProjection, error) {
	costInfo := "unknown"
	currency := "USD"
	if cc.Cost != nil {
		costInfo = fmt.Sprintf("%.2f %s", cc.Cost.Total, cc.Cost.Currency)
		currency = cc.Cost.Currency
	}
	user := fmt.Sprintf("PRD:\n%s\n\nEstimated cost: %s\n\nReply with JSON only: {\"scenarios\":[{\"name\":\"low|base|high\",\"value\":number,\"description\":string}],\"notes\":string}",
		cc.PRD, costInfo)
	reply, err := o.complete(ctx,
		"You are a business analyst projecting annual value in low, base and high scenarios.",
		user)
	if err != nil {
		return domain.ValueProjection{}, err
	}
	var parsed struct {
		Scenarios []domain.Scenario `json:"scenarios"`
		Notes     string            `json:"notes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil || len(parsed.Scenarios) == 0 {
		return o.local.GenerateValue(ctx, cc)
	}
	return domain.ValueProjection{
		Scenarios:    parsed.Scenarios,
		Currency:     currency,
		TemplateUsed: "three-scenario",
		Notes:        parsed.Notes,
	}, nil
}

func (o *OpenAI) GenerateFinancialNarrative(ctx context.Context, cc CaseContext, summary domain.FinancialSummary) (string, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	user := fmt.Sprintf("Case: %s\n\nComputed financial summary:\n%s\n\nWrite a short executive narrative in markdown. Do not change any numbers.",
		cc.Case.Title, string(data))
	return o.complete(ctx, "You are preparing an executive summary for a final investment decision.", user)
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the first top-level JSON object in the reply.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
