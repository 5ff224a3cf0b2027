package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type ClaimStatus string
type ClaimType string
type Step string

const (
	StatusSubmitted   ClaimStatus = "submitted"
	StatusUnderReview ClaimStatus = "under_review"
	StatusAIValidated ClaimStatus = "ai_validated"
	StatusAIRejected  ClaimStatus = "ai_rejected"
	StatusApproved    ClaimStatus = "approved"
	StatusRejected    ClaimStatus = "rejected"
	StatusPaid        ClaimStatus = "paid"
	StatusDisputed    ClaimStatus = "disputed"

	TypeHealth          ClaimType = "health"
	TypeVehicle         ClaimType = "vehicle"
	TypeTravel          ClaimType = "travel"
	TypeProductWarranty ClaimType = "product_warranty"
	TypePet             ClaimType = "pet"
	TypeAgricultural    ClaimType = "agricultural"

	StepAnalysis   Step = "analysis"
	StepSettlement Step = "settlement"
)

// transitions holds the only legal status edges. DISPUTED is entered through
// the dispute flow, which reuses the same table.
var transitions = map[ClaimStatus][]ClaimStatus{
	StatusSubmitted:   {StatusUnderReview, StatusAIValidated, StatusAIRejected, StatusApproved, StatusRejected},
	StatusUnderReview: {StatusAIValidated, StatusAIRejected, StatusApproved, StatusRejected},
	StatusAIValidated: {StatusUnderReview, StatusApproved, StatusRejected},
	StatusAIRejected:  {StatusUnderReview, StatusApproved, StatusRejected},
	StatusApproved:    {StatusPaid, StatusRejected, StatusDisputed},
	StatusRejected:    {StatusDisputed},
	StatusPaid:        {},
	StatusDisputed:    {},
}

// Terminal reports whether a claim in this status can no longer be mutated
// through the normal lifecycle.
func (s ClaimStatus) Terminal() bool {
	return s == StatusPaid || s == StatusRejected
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidClaimType reports whether t names a known claim type.
func ValidClaimType(t ClaimType) bool {
	switch t {
	case TypeHealth, TypeVehicle, TypeTravel, TypeProductWarranty, TypePet, TypeAgricultural:
		return true
	}
	return false
}

// AnalysisResult is the validated output of the risk scoring service.
type AnalysisResult struct {
	FraudScore        float64   `json:"fraud_score" dynamodbav:"fraud_score"`
	AuthenticityScore float64   `json:"authenticity_score" dynamodbav:"authenticity_score"`
	EstimatedAmount   float64   `json:"estimated_amount" dynamodbav:"estimated_amount"`
	Confidence        float64   `json:"confidence" dynamodbav:"confidence"`
	Issues            []string  `json:"issues,omitempty" dynamodbav:"issues"`
	AnalyzedAt        time.Time `json:"analyzed_at" dynamodbav:"analyzed_at"`
}

type ReviewDecision string

const (
	DecisionApprove         ReviewDecision = "approve"
	DecisionReject          ReviewDecision = "reject"
	DecisionRequestMoreInfo ReviewDecision = "request_more_info"
)

// ReviewRecord captures an adjudication, human or automated.
type ReviewRecord struct {
	ReviewerID     string         `json:"reviewer_id" dynamodbav:"reviewer_id"`
	Notes          string         `json:"notes,omitempty" dynamodbav:"notes"`
	Decision       ReviewDecision `json:"decision" dynamodbav:"decision"`
	AdjustedAmount *float64       `json:"adjusted_amount,omitempty" dynamodbav:"adjusted_amount"`
	ReviewedAt     time.Time      `json:"reviewed_at" dynamodbav:"reviewed_at"`
}

type Claim struct {
	ID              string      `json:"id" dynamodbav:"id"`
	ClaimNumber     string      `json:"claim_number" dynamodbav:"claim_number"`
	PolicyID        string      `json:"policy_id" dynamodbav:"policy_id"`
	ClaimantID      string      `json:"claimant_id" dynamodbav:"claimant_id"`
	Type            ClaimType   `json:"type" dynamodbav:"type"`
	RequestedAmount float64     `json:"requested_amount" dynamodbav:"requested_amount"`
	ApprovedAmount  float64     `json:"approved_amount" dynamodbav:"approved_amount"`
	Description     string      `json:"description" dynamodbav:"description"`
	EvidenceRefs    []string    `json:"evidence_refs,omitempty" dynamodbav:"evidence_refs"`
	IncidentDate    time.Time   `json:"incident_date" dynamodbav:"incident_date"`
	ReportedDate    time.Time   `json:"reported_date" dynamodbav:"reported_date"`
	Status          ClaimStatus `json:"status" dynamodbav:"claim_status"`

	Analysis      *AnalysisResult `json:"analysis,omitempty" dynamodbav:"analysis"`
	Review        *ReviewRecord   `json:"review,omitempty" dynamodbav:"review"`
	SettlementRef string          `json:"settlement_ref,omitempty" dynamodbav:"settlement_ref"`
	FailureReason string          `json:"failure_reason,omitempty" dynamodbav:"failure_reason"`

	IsUrgent bool     `json:"is_urgent" dynamodbav:"is_urgent"`
	Tags     []string `json:"tags,omitempty" dynamodbav:"tags"`

	// InFlightStep is the per-claim execution token: non-empty while an
	// external step (analysis, settlement) is running for this claim.
	InFlightStep Step `json:"-" dynamodbav:"in_flight_step"`

	// NeedsReconciliation marks a claim whose ledger and store state may
	// have diverged; such claims are handled by the reconciler, never by
	// blind retry.
	NeedsReconciliation bool `json:"needs_reconciliation,omitempty" dynamodbav:"needs_reconciliation"`

	Version   int64     `json:"-" dynamodbav:"version"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func NewClaim(policyID, claimantID string, t ClaimType, requestedAmount float64) *Claim {
	now := time.Now().UTC()
	return &Claim{
		ID:              NewID(),
		PolicyID:        policyID,
		ClaimantID:      claimantID,
		Type:            t,
		RequestedAmount: requestedAmount,
		Status:          StatusSubmitted,
		ReportedDate:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (c *Claim) WithDescription(desc string) *Claim {
	c.Description = desc
	return c
}

func (c *Claim) WithEvidence(refs []string) *Claim {
	c.EvidenceRefs = refs
	return c
}

func (c *Claim) WithIncidentDate(d time.Time) *Claim {
	c.IncidentDate = d
	return c
}

// NewID returns a lexicographically sortable unique identifier.
func NewID() string {
	return ulid.Make().String()
}
