package server

import (
	"encoding/json"

	"casetrail/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	Title            string   `json:"title"`
	ProblemStatement string   `json:"problem_statement"`
	RelevantLinks    []string `json:"relevant_links,omitempty"`
}

// CaseActionRequest carries the optimistic concurrency token. A zero
// version skips the check.
type CaseActionRequest struct {
	Version int64 `json:"version,omitempty"`
}

type UpdateDraftRequest struct {
	ContentMarkdown string `json:"content_markdown"`
	Version         int64  `json:"version,omitempty"`
}

type RoleEffortRequest struct {
	RoleName string  `json:"role_name"`
	Hours    float64 `json:"hours"`
}

type UpdateEffortRequest struct {
	Roles                  []RoleEffortRequest `json:"roles"`
	EstimatedDurationWeeks int                 `json:"estimated_duration_weeks,omitempty"`
	Notes                  string              `json:"notes,omitempty"`
	Version                int64               `json:"version,omitempty"`
}

type CostLineRequest struct {
	RoleName   string  `json:"role_name"`
	Hours      float64 `json:"hours"`
	HourlyRate float64 `json:"hourly_rate"`
}

type UpdateCostRequest struct {
	Lines      []CostLineRequest `json:"lines"`
	Currency   string            `json:"currency,omitempty"`
	RateCardID string            `json:"rate_card_id,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Version    int64             `json:"version,omitempty"`
}

type ScenarioRequest struct {
	Name        string  `json:"name" enum:"low,base,high"`
	Value       float64 `json:"value"`
	Description string  `json:"description,omitempty"`
}

type UpdateValueRequest struct {
	Scenarios []ScenarioRequest `json:"scenarios"`
	Currency  string            `json:"currency,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Version   int64             `json:"version,omitempty"`
}

type UpsertRateCardRequest struct {
	Currency  string             `json:"currency"`
	Rates     map[string]float64 `json:"rates"`
	IsDefault bool               `json:"is_default,omitempty"`
}

type RoleAssignmentRequest struct {
	ActorID string `json:"actor_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type HistoryEntryResponse struct {
	ID          int64          `json:"id"`
	CaseID      string         `json:"case_id"`
	TS          string         `json:"ts" format:"date-time"`
	Source      string         `json:"source"`
	MessageType string         `json:"message_type"`
	Content     map[string]any `json:"content"`
	ActorID     string         `json:"actor_id,omitempty"`
}

type paginatedCases struct {
	Items      []domain.BusinessCase `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext secret, returned exactly once.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Conversion helpers

func historyEntryResponse(e domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:          e.ID,
		CaseID:      e.CaseID,
		TS:          e.TS,
		Source:      e.Source,
		MessageType: e.MessageType,
		Content:     decodeJSONMap(e.Content),
		ActorID:     e.ActorID,
	}
}

func effortFromRequest(req UpdateEffortRequest) domain.EffortEstimate {
	var roles []domain.RoleEffort
	for _, r := range req.Roles {
		roles = append(roles, domain.RoleEffort{RoleName: r.RoleName, Hours: r.Hours})
	}
	return domain.EffortEstimate{
		Roles:                  roles,
		EstimatedDurationWeeks: req.EstimatedDurationWeeks,
		Notes:                  req.Notes,
	}
}

func costFromRequest(req UpdateCostRequest) domain.CostEstimate {
	var lines []domain.CostLine
	for _, l := range req.Lines {
		lines = append(lines, domain.CostLine{RoleName: l.RoleName, Hours: l.Hours, HourlyRate: l.HourlyRate})
	}
	return domain.CostEstimate{
		Lines:      lines,
		Currency:   req.Currency,
		RateCardID: req.RateCardID,
		Notes:      req.Notes,
	}
}

func valueFromRequest(req UpdateValueRequest) domain.ValueProjection {
	var scenarios []domain.Scenario
	for _, s := range req.Scenarios {
		scenarios = append(scenarios, domain.Scenario{Name: s.Name, Value: s.Value, Description: s.Description})
	}
	return domain.ValueProjection{
		Scenarios: scenarios,
		Currency:  req.Currency,
		Notes:     req.Notes,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
