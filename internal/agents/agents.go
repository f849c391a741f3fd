package agents

import (
	"context"
	"fmt"
	"math"

	"casetrail/internal/config"
	"casetrail/internal/domain"
)

// CaseContext is the material a section agent works from: the case itself
// plus whatever upstream artifacts exist at this stage.
type CaseContext struct {
	Case         domain.BusinessCase
	PRD          string
	SystemDesign string
	Effort       *domain.EffortEstimate
	Cost         *domain.CostEstimate
	Value        *domain.ValueProjection
	RateCard     *domain.RateCard
}

// Generator produces first drafts for each workflow section. Humans review
// and edit everything it returns.
type Generator interface {
	Name() string
	GeneratePRD(ctx context.Context, cc CaseContext) (string, error)
	GenerateSystemDesign(ctx context.Context, cc CaseContext) (string, error)
	GenerateEffort(ctx context.Context, cc CaseContext) (domain.EffortEstimate, error)
	GenerateCost(ctx context.Context, cc CaseContext) (domain.CostEstimate, error)
	GenerateValue(ctx context.Context, cc CaseContext) (domain.ValueProjection, error)
	GenerateFinancialNarrative(ctx context.Context, cc CaseContext, summary domain.FinancialSummary) (string, error)
}

// New builds the configured provider. The local provider needs no
// credentials and is the default for development and tests.
func New(cfg *config.Config) (Generator, error) {
	switch cfg.Agents.Provider {
	case "local", "":
		return NewLocal(), nil
	case "openai":
		return NewOpenAI(OpenAIOptions{
			Model:    cfg.Agents.Model,
			Endpoint: cfg.Agents.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Agents.Provider)
	}
}

// priceEffort prices an effort estimate against a rate card. Roles missing
// from the card are priced at zero so the gap is visible in the line items
// instead of silently dropped.
func priceEffort(effort domain.EffortEstimate, card domain.RateCard) ([]domain.CostLine, float64) {
	var lines []domain.CostLine
	var total float64
	for _, re := range effort.Roles {
		rate := card.Rates[re.RoleName]
		amount := round2(re.Hours * rate)
		lines = append(lines, domain.CostLine{
			RoleName:   re.RoleName,
			Hours:      re.Hours,
			HourlyRate: rate,
			Amount:     amount,
		})
		total += amount
	}
	return lines, round2(total)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
