package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

type PolicyRepository struct {
	mu         sync.RWMutex
	policies   map[string]*domain.Policy
	tokenIndex map[string]string
}

func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{
		policies:   make(map[string]*domain.Policy),
		tokenIndex: make(map[string]string),
	}
}

func (r *PolicyRepository) Save(ctx context.Context, policy *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[policy.ID]; exists {
		return fmt.Errorf("%w: policy %s", repository.ErrDuplicate, policy.ID)
	}
	if policy.TokenRef != "" {
		if _, taken := r.tokenIndex[policy.TokenRef]; taken {
			return fmt.Errorf("%w: token ref %s", repository.ErrDuplicate, policy.TokenRef)
		}
	}

	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	policy.UpdatedAt = time.Now().UTC()

	stored := *policy
	r.policies[policy.ID] = &stored
	if policy.TokenRef != "" {
		r.tokenIndex[policy.TokenRef] = policy.ID
	}

	return nil
}

func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, exists := r.policies[id]
	if !exists {
		return nil, fmt.Errorf("%w: policy %s", repository.ErrNotFound, id)
	}
	dup := *policy
	return &dup, nil
}

func (r *PolicyRepository) GetByTokenRef(ctx context.Context, tokenRef string) (*domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.tokenIndex[tokenRef]
	if !exists {
		return nil, fmt.Errorf("%w: token ref %s", repository.ErrNotFound, tokenRef)
	}
	dup := *r.policies[id]
	return &dup, nil
}

func (r *PolicyRepository) VerifyOwnership(ctx context.Context, policyID, claimantID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, exists := r.policies[policyID]
	if !exists {
		return false, fmt.Errorf("%w: policy %s", repository.ErrNotFound, policyID)
	}
	return policy.OwnerID == claimantID, nil
}

func (r *PolicyRepository) RecordClaimOutcome(ctx context.Context, policyID string, amount float64) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy, exists := r.policies[policyID]
	if !exists {
		return nil, fmt.Errorf("%w: policy %s", repository.ErrNotFound, policyID)
	}
	if policy.TotalClaimedAmount+amount > policy.CoverageAmount {
		return nil, fmt.Errorf("%w: policy %s claimed %.2f + %.2f over cap %.2f",
			repository.ErrCoverageExceeded, policyID, policy.TotalClaimedAmount, amount, policy.CoverageAmount)
	}

	policy.ClaimsCount++
	policy.TotalClaimedAmount += amount
	policy.Version++
	policy.UpdatedAt = time.Now().UTC()

	dup := *policy
	return &dup, nil
}

func (r *PolicyRepository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for _, policy := range r.policies {
		if policy.Status == domain.PolicyActive && !policy.EndDate.After(now) {
			policy.Status = domain.PolicyExpired
			policy.Version++
			policy.UpdatedAt = time.Now().UTC()
			expired++
		}
	}
	return expired, nil
}
