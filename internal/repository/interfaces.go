package repository

import (
	"context"
	"errors"
	"time"

	"claims_manager/internal/domain"
)

// ClaimFilter narrows List results. Zero values mean "any".
type ClaimFilter struct {
	ClaimantID string
	PolicyID   string
	Status     domain.ClaimStatus
	Limit      int
}

// ClaimPatch is a partial claim update. Nil fields are left untouched.
type ClaimPatch struct {
	Status              *domain.ClaimStatus
	ApprovedAmount      *float64
	Analysis            *domain.AnalysisResult
	Review              *domain.ReviewRecord
	SettlementRef       *string
	FailureReason       *string
	NeedsReconciliation *bool
	IsUrgent            *bool
	Tags                []string
}

// Protected reports whether the patch touches fields that are frozen once a
// claim reaches a terminal status.
func (p ClaimPatch) Protected() bool {
	return p.Status != nil || p.ApprovedAmount != nil || p.SettlementRef != nil
}

type ClaimRepository interface {
	// Create assigns a collision-free claim number and persists the claim.
	Create(ctx context.Context, claim *domain.Claim) error
	GetByID(ctx context.Context, id string) (*domain.Claim, error)
	GetByClaimNumber(ctx context.Context, number string) (*domain.Claim, error)
	// Update applies patch. It fails with ErrConflict if the claim is
	// terminal and the patch touches protected fields.
	Update(ctx context.Context, id string, patch ClaimPatch) (*domain.Claim, error)
	List(ctx context.Context, filter ClaimFilter) ([]*domain.Claim, error)

	// AcquireStep atomically sets the per-claim execution token to step,
	// provided no step is in flight and the current status is in allowed.
	// It fails with ErrStepInFlight when another step holds the token and
	// with ErrConflict when the status is not in allowed.
	AcquireStep(ctx context.Context, id string, step domain.Step, allowed []domain.ClaimStatus) (*domain.Claim, error)
	// ReleaseStep clears the execution token if it is held by step.
	ReleaseStep(ctx context.Context, id string, step domain.Step) error
}

type PolicyRepository interface {
	Save(ctx context.Context, policy *domain.Policy) error
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	GetByTokenRef(ctx context.Context, tokenRef string) (*domain.Policy, error)
	VerifyOwnership(ctx context.Context, policyID, claimantID string) (bool, error)
	// RecordClaimOutcome atomically increments ClaimsCount and
	// TotalClaimedAmount. It is serialized per policy and fails with
	// ErrCoverageExceeded when amount would push the total past the
	// coverage cap.
	RecordClaimOutcome(ctx context.Context, policyID string, amount float64) (*domain.Policy, error)
	// ExpireOverdue flips ACTIVE policies past their end date to EXPIRED
	// and returns how many were flipped.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

type RuleRepository interface {
	Save(ctx context.Context, rule *domain.Rule) error
	GetByID(ctx context.Context, id string) (*domain.Rule, error)
	GetActiveRules(ctx context.Context) ([]*domain.Rule, error)
	Deactivate(ctx context.Context, id string) error
}

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate entry")
	ErrConflict         = errors.New("conflict")
	ErrStepInFlight     = errors.New("step already in flight")
	ErrCoverageExceeded = errors.New("coverage amount exceeded")
)
