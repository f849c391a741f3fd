package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"casetrail/internal/domain"
)

// Local is a deterministic offline generator. Output depends only on the
// case context, which makes it usable in tests and air-gapped development.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return "local" }

func (l *Local) GeneratePRD(ctx context.Context, cc CaseContext) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# PRD: %s\n\n", cc.Case.Title)
	b.WriteString("## Problem\n\n")
	b.WriteString(cc.Case.ProblemStatement)
	b.WriteString("\n\n## Goals\n\n")
	b.WriteString("- Address the stated problem for its primary users\n")
	b.WriteString("- Define measurable success criteria before build starts\n")
	b.WriteString("\n## Requirements\n\n")
	b.WriteString("1. Capture the current workflow and its failure points\n")
	b.WriteString("2. Specify the target workflow end to end\n")
	b.WriteString("3. List integrations and data sources touched\n")
	if len(cc.Case.RelevantLinks) > 0 {
		b.WriteString("\n## References\n\n")
		for _, link := range cc.Case.RelevantLinks {
			fmt.Fprintf(&b, "- %s\n", link)
		}
	}
	return b.String(), nil
}

func (l *Local) GenerateSystemDesign(ctx context.Context, cc CaseContext) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# System Design: %s\n\n", cc.Case.Title)
	b.WriteString("## Architecture\n\n")
	b.WriteString("A service layer in front of a relational store, with an async worker for long-running steps.\n")
	b.WriteString("\n## Components\n\n")
	b.WriteString("- API service\n- Persistence layer\n- Background workers\n- Notification fan-out\n")
	b.WriteString("\n## Data Model\n\n")
	b.WriteString("Derived from the PRD requirements; one aggregate per user-facing entity.\n")
	if cc.PRD != "" {
		b.WriteString("\n## Traceability\n\nEach component maps to a numbered PRD requirement.\n")
	}
	return b.String(), nil
}

// defaultEffortHours drive the offline estimate when the rate card names
// the team roles; unknown cards fall back to a fixed crew.
var defaultEffortHours = map[string]float64{
	"backend_engineer":  160,
	"frontend_engineer": 120,
	"qa_engineer":       80,
	"product_manager":   40,
	"designer":          60,
}

func (l *Local) GenerateEffort(ctx context.Context, cc CaseContext) (domain.EffortEstimate, error) {
	roleNames := make([]string, 0, len(defaultEffortHours))
	if cc.RateCard != nil && len(cc.RateCard.Rates) > 0 {
		for name := range cc.RateCard.Rates {
			roleNames = append(roleNames, name)
		}
	} else {
		for name := range defaultEffortHours {
			roleNames = append(roleNames, name)
		}
	}
	sort.Strings(roleNames)
	var roles []domain.RoleEffort
	var total float64
	for _, name := range roleNames {
		hours, ok := defaultEffortHours[name]
		if !ok {
			hours = 80
		}
		roles = append(roles, domain.RoleEffort{RoleName: name, Hours: hours})
		total += hours
	}
	weeks := int(total/160) + 1
	return domain.EffortEstimate{
		Roles:                  roles,
		TotalHours:             total,
		EstimatedDurationWeeks: weeks,
		Notes:                  "Baseline estimate; adjust per team availability.",
	}, nil
}

func (l *Local) GenerateCost(ctx context.Context, cc CaseContext) (domain.CostEstimate, error) {
	if cc.Effort == nil {
		return domain.CostEstimate{}, fmt.Errorf("cost generation requires an effort estimate")
	}
	card := domain.RateCard{Currency: "USD"}
	if cc.RateCard != nil {
		card = *cc.RateCard
	}
	lines, total := priceEffort(*cc.Effort, card)
	return domain.CostEstimate{
		Lines:      lines,
		Total:      total,
		Currency:   card.Currency,
		RateCardID: card.ID,
		Notes:      "Priced from the approved effort estimate.",
	}, nil
}

func (l *Local) GenerateValue(ctx context.Context, cc CaseContext) (domain.ValueProjection, error) {
	base := 100000.0
	currency := "USD"
	if cc.Cost != nil && cc.Cost.Total > 0 {
		base = round2(cc.Cost.Total * 2)
		currency = cc.Cost.Currency
	}
	return domain.ValueProjection{
		Scenarios: []domain.Scenario{
			{Name: "low", Value: round2(base * 0.5), Description: "Adoption limited to the pilot team"},
			{Name: "base", Value: base, Description: "Planned rollout completes on schedule"},
			{Name: "high", Value: round2(base * 1.5), Description: "Rollout expands to adjacent teams"},
		},
		Currency:     currency,
		TemplateUsed: "three-scenario",
	}, nil
}

func (l *Local) GenerateFinancialNarrative(ctx context.Context, cc CaseContext, summary domain.FinancialSummary) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Financial Summary: %s\n\n", cc.Case.Title)
	fmt.Fprintf(&b, "Total estimated cost: %.2f %s.\n\n", summary.TotalCost, summary.Currency)
	for _, sc := range summary.Scenarios {
		fmt.Fprintf(&b, "- %s scenario: value %.2f, net %.2f (ROI %.1f%%)\n", sc.Name, sc.Value, sc.NetValue, sc.ROIPercent)
	}
	if summary.PaybackNote != "" {
		fmt.Fprintf(&b, "\n%s\n", summary.PaybackNote)
	}
	return b.String(), nil
}
