package domain

// BusinessCase is the root aggregate. Status is the single source of truth
// for workflow position; Version is the optimistic concurrency token and is
// bumped on every write.
type BusinessCase struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	OwnerID          string   `json:"owner_id"`
	Title            string   `json:"title"`
	ProblemStatement string   `json:"problem_statement"`
	RelevantLinks    []string `json:"relevant_links,omitempty"`
	Version          int64    `json:"version"`
	CostApprovedAt   *string  `json:"cost_approved_at,omitempty" format:"date-time"`
	ValueApprovedAt  *string  `json:"value_approved_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// Draft is a markdown artifact (PRD or system design) with its own version
// counter, independent of the case version. Rejection never rolls content
// back; the last submitted text stays editable.
type Draft struct {
	ContentMarkdown string  `json:"content_markdown"`
	GeneratedBy     string  `json:"generated_by"`
	Version         int     `json:"version"`
	LastEditedBy    *string `json:"last_edited_by,omitempty"`
	SubmittedBy     *string `json:"submitted_by,omitempty"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type RoleEffort struct {
	RoleName string  `json:"role_name"`
	Hours    float64 `json:"hours"`
}

type EffortEstimate struct {
	Roles                  []RoleEffort `json:"roles"`
	TotalHours             float64      `json:"total_hours"`
	EstimatedDurationWeeks int          `json:"estimated_duration_weeks"`
	Notes                  string       `json:"notes,omitempty"`
	GeneratedBy            string       `json:"generated_by"`
	Version                int          `json:"version"`
	SubmittedBy            *string      `json:"submitted_by,omitempty"`
}

type CostLine struct {
	RoleName   string  `json:"role_name"`
	Hours      float64 `json:"hours"`
	HourlyRate float64 `json:"hourly_rate"`
	Amount     float64 `json:"amount"`
}

type CostEstimate struct {
	Lines       []CostLine `json:"lines"`
	Total       float64    `json:"total"`
	Currency    string     `json:"currency"`
	RateCardID  string     `json:"rate_card_id,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	GeneratedBy string     `json:"generated_by"`
	Version     int        `json:"version"`
	SubmittedBy *string    `json:"submitted_by,omitempty"`
}

type Scenario struct {
	Name        string  `json:"name" enum:"low,base,high"`
	Value       float64 `json:"value"`
	Description string  `json:"description,omitempty"`
}

type ValueProjection struct {
	Scenarios    []Scenario `json:"scenarios"`
	Currency     string     `json:"currency"`
	TemplateUsed string     `json:"template_used,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	GeneratedBy  string     `json:"generated_by"`
	Version      int        `json:"version"`
	SubmittedBy  *string    `json:"submitted_by,omitempty"`
}

type SummaryLine struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	NetValue   float64 `json:"net_value"`
	ROIPercent float64 `json:"roi_percent"`
}

// FinancialSummary is derived from the approved cost estimate and value
// projection. It is computed exactly once and never hand-edited.
type FinancialSummary struct {
	TotalCost         float64       `json:"total_cost"`
	Currency          string        `json:"currency"`
	Scenarios         []SummaryLine `json:"scenarios"`
	PaybackNote       string        `json:"payback_note,omitempty"`
	NarrativeMarkdown string        `json:"narrative_markdown,omitempty"`
	GeneratedBy       string        `json:"generated_by"`
	GeneratedAt       string        `json:"generated_at" format:"date-time"`
}

// HistoryEntry is one record of the append-only case audit log.
type HistoryEntry struct {
	ID          int64  `json:"id"`
	CaseID      string `json:"case_id"`
	TS          string `json:"ts" format:"date-time"`
	Source      string `json:"source"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	ActorID     string `json:"actor_id,omitempty"`
}

// RateCard maps role names to hourly rates; the cost agent prices effort
// estimates against the default active card.
type RateCard struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Currency  string             `json:"currency"`
	Rates     map[string]float64 `json:"rates"`
	IsDefault bool               `json:"is_default"`
	IsActive  bool               `json:"is_active"`
	CreatedAt string             `json:"created_at" format:"date-time"`
	UpdatedAt string             `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
