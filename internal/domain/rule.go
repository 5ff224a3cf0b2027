package domain

type RuleType string

const (
	RuleTypeAdjudication RuleType = "adjudication"
	RuleTypeCompliance   RuleType = "compliance"
	RuleTypeBusiness     RuleType = "business"
)

// Rule is a configurable adjudication rule. Condition and Action hold JSON
// payloads interpreted by the decision engine.
type Rule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        RuleType `json:"type"`
	Description string   `json:"description"`
	Condition   string   `json:"condition"`
	Action      string   `json:"action"`
	Priority    int      `json:"priority"`
	IsActive    bool     `json:"is_active"`
	Version     int      `json:"version"`
}
