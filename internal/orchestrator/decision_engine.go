package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

// DecisionEngine evaluates configurable adjudication rules against an
// analyzed claim. The first matching rule (highest priority) decides whether
// the claim is auto-approved, auto-rejected, or escalated to a human.
type DecisionEngine struct {
	ruleRepo repository.RuleRepository
	logger   *slog.Logger
}

type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

type RuleAction struct {
	Type    string                 `json:"type"`
	Params  map[string]interface{} `json:"params"`
	Message string                 `json:"message"`
}

const (
	ActionAutoApprove = "auto_approve"
	ActionAutoReject  = "auto_reject"
	ActionEscalate    = "escalate"
)

type DecisionResult struct {
	RuleID   string
	RuleName string
	Action   RuleAction
	Matched  bool
}

func NewDecisionEngine(ruleRepo repository.RuleRepository, logger *slog.Logger) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionEngine{
		ruleRepo: ruleRepo,
		logger:   logger,
	}
}

// Decide returns the action of the highest-priority matching rule, or a
// non-matched result when no rule applies (the claim then waits for a human).
func (e *DecisionEngine) Decide(ctx context.Context, claim *domain.Claim) (DecisionResult, error) {
	rules, err := e.ruleRepo.GetActiveRules(ctx)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("failed to get active rules: %w", err)
	}

	for _, rule := range rules {
		matched, err := e.evaluateRule(rule, claim)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to evaluate rule",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !matched {
			continue
		}

		action, err := e.parseAction(rule.Action)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to parse rule action",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}

		e.logger.InfoContext(ctx, "Adjudication rule matched",
			slog.String("rule_id", rule.ID),
			slog.String("rule_name", rule.Name),
			slog.String("claim_id", claim.ID),
			slog.String("action", action.Type))

		return DecisionResult{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Action:   action,
			Matched:  true,
		}, nil
	}

	return DecisionResult{}, nil
}

func (e *DecisionEngine) evaluateRule(rule *domain.Rule, claim *domain.Claim) (bool, error) {
	var condition Condition
	if err := json.Unmarshal([]byte(rule.Condition), &condition); err != nil {
		return false, fmt.Errorf("invalid condition JSON: %w", err)
	}
	return e.checkCondition(condition, claim)
}

func (e *DecisionEngine) checkCondition(condition Condition, claim *domain.Claim) (bool, error) {
	switch condition.Field {
	case "fraud_score", "authenticity_score", "confidence", "estimated_amount", "issues_count":
		if claim.Analysis == nil {
			return false, nil
		}
	}

	switch condition.Field {
	case "fraud_score":
		return compareNumeric(claim.Analysis.FraudScore, condition)
	case "authenticity_score":
		return compareNumeric(claim.Analysis.AuthenticityScore, condition)
	case "confidence":
		return compareNumeric(claim.Analysis.Confidence, condition)
	case "estimated_amount":
		return compareNumeric(claim.Analysis.EstimatedAmount, condition)
	case "issues_count":
		return compareNumeric(float64(len(claim.Analysis.Issues)), condition)
	case "requested_amount":
		return compareNumeric(claim.RequestedAmount, condition)
	case "approved_amount":
		return compareNumeric(claim.ApprovedAmount, condition)
	case "claim_type":
		return compareString(string(claim.Type), condition)
	case "is_urgent":
		want, ok := condition.Value.(bool)
		if !ok {
			return false, fmt.Errorf("is_urgent expects a boolean value")
		}
		return claim.IsUrgent == want, nil
	case "tags":
		return containsString(claim.Tags, condition)
	default:
		return false, fmt.Errorf("unknown condition field: %s", condition.Field)
	}
}

func (e *DecisionEngine) parseAction(actionStr string) (RuleAction, error) {
	var action RuleAction
	if err := json.Unmarshal([]byte(actionStr), &action); err != nil {
		return RuleAction{}, fmt.Errorf("invalid action JSON: %w", err)
	}
	switch action.Type {
	case ActionAutoApprove, ActionAutoReject, ActionEscalate:
		return action, nil
	default:
		return RuleAction{}, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func compareNumeric(actual float64, condition Condition) (bool, error) {
	expected, ok := toFloat(condition.Value)
	if !ok {
		return false, fmt.Errorf("field %s expects a numeric value", condition.Field)
	}

	switch condition.Operator {
	case ">":
		return actual > expected, nil
	case ">=":
		return actual >= expected, nil
	case "<":
		return actual < expected, nil
	case "<=":
		return actual <= expected, nil
	case "==":
		return actual == expected, nil
	case "!=":
		return actual != expected, nil
	default:
		return false, fmt.Errorf("unknown numeric operator: %s", condition.Operator)
	}
}

func compareString(actual string, condition Condition) (bool, error) {
	expected, ok := condition.Value.(string)
	if !ok {
		return false, fmt.Errorf("field %s expects a string value", condition.Field)
	}

	switch condition.Operator {
	case "==":
		return actual == expected, nil
	case "!=":
		return actual != expected, nil
	case "contains":
		return strings.Contains(actual, expected), nil
	default:
		return false, fmt.Errorf("unknown string operator: %s", condition.Operator)
	}
}

func containsString(haystack []string, condition Condition) (bool, error) {
	expected, ok := condition.Value.(string)
	if !ok {
		return false, fmt.Errorf("tags expects a string value")
	}
	for _, s := range haystack {
		if s == expected {
			return condition.Operator != "!=", nil
		}
	}
	return condition.Operator == "!=", nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
