package domain

import (
	"time"
)

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyExpired   PolicyStatus = "expired"
	PolicySuspended PolicyStatus = "suspended"
	PolicyClaimed   PolicyStatus = "claimed"
)

type Policy struct {
	ID                 string       `json:"id" dynamodbav:"id"`
	OwnerID            string       `json:"owner_id" dynamodbav:"owner_id"`
	TokenRef           string       `json:"token_ref" dynamodbav:"token_ref"`
	CoverageAmount     float64      `json:"coverage_amount" dynamodbav:"coverage_amount"`
	PremiumAmount      float64      `json:"premium_amount" dynamodbav:"premium_amount"`
	StartDate          time.Time    `json:"start_date" dynamodbav:"start_date"`
	EndDate            time.Time    `json:"end_date" dynamodbav:"end_date"`
	Status             PolicyStatus `json:"status" dynamodbav:"policy_status"`
	ClaimsCount        int          `json:"claims_count" dynamodbav:"claims_count"`
	TotalClaimedAmount float64      `json:"total_claimed_amount" dynamodbav:"total_claimed_amount"`
	Transferable       bool         `json:"transferable" dynamodbav:"transferable"`

	Version   int64     `json:"-" dynamodbav:"version"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// CoversAt reports whether the policy is active and t falls inside the
// validity window [StartDate, EndDate).
func (p *Policy) CoversAt(t time.Time) bool {
	if p.Status != PolicyActive {
		return false
	}
	return !t.Before(p.StartDate) && t.Before(p.EndDate)
}

// RemainingCoverage is the headroom left before the coverage cap.
func (p *Policy) RemainingCoverage() float64 {
	return p.CoverageAmount - p.TotalClaimedAmount
}
