package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

type ClaimRepository struct {
	mu          sync.RWMutex
	claims      map[string]*domain.Claim
	numberIndex map[string]string
	sequences   map[string]int
}

func NewClaimRepository() *ClaimRepository {
	return &ClaimRepository{
		claims:      make(map[string]*domain.Claim),
		numberIndex: make(map[string]string),
		sequences:   make(map[string]int),
	}
}

func (r *ClaimRepository) Create(ctx context.Context, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.claims[claim.ID]; exists {
		return fmt.Errorf("%w: claim %s", repository.ErrDuplicate, claim.ID)
	}

	// Regenerate on collision rather than fail: the sequence counter is
	// period scoped, so a fresh number is always one increment away.
	for {
		number := r.nextClaimNumber(time.Now().UTC())
		if _, taken := r.numberIndex[number]; !taken {
			claim.ClaimNumber = number
			break
		}
	}

	claim.UpdatedAt = time.Now().UTC()
	stored := cloneClaim(claim)
	r.claims[claim.ID] = stored
	r.numberIndex[claim.ClaimNumber] = claim.ID

	return nil
}

func (r *ClaimRepository) GetByID(ctx context.Context, id string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, exists := r.claims[id]
	if !exists {
		return nil, fmt.Errorf("%w: claim %s", repository.ErrNotFound, id)
	}
	return cloneClaim(claim), nil
}

func (r *ClaimRepository) GetByClaimNumber(ctx context.Context, number string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.numberIndex[number]
	if !exists {
		return nil, fmt.Errorf("%w: claim number %s", repository.ErrNotFound, number)
	}
	return cloneClaim(r.claims[id]), nil
}

func (r *ClaimRepository) Update(ctx context.Context, id string, patch repository.ClaimPatch) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, exists := r.claims[id]
	if !exists {
		return nil, fmt.Errorf("%w: claim %s", repository.ErrNotFound, id)
	}

	if err := repository.ApplyPatch(claim, patch); err != nil {
		return nil, err
	}

	return cloneClaim(claim), nil
}

func (r *ClaimRepository) List(ctx context.Context, filter repository.ClaimFilter) ([]*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Claim
	for _, claim := range r.claims {
		if filter.ClaimantID != "" && claim.ClaimantID != filter.ClaimantID {
			continue
		}
		if filter.PolicyID != "" && claim.PolicyID != filter.PolicyID {
			continue
		}
		if filter.Status != "" && claim.Status != filter.Status {
			continue
		}
		result = append(result, cloneClaim(claim))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (r *ClaimRepository) AcquireStep(ctx context.Context, id string, step domain.Step, allowed []domain.ClaimStatus) (*domain.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, exists := r.claims[id]
	if !exists {
		return nil, fmt.Errorf("%w: claim %s", repository.ErrNotFound, id)
	}
	if claim.InFlightStep != "" {
		return nil, fmt.Errorf("%w: claim %s running %s", repository.ErrStepInFlight, id, claim.InFlightStep)
	}

	statusOK := false
	for _, s := range allowed {
		if claim.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return nil, fmt.Errorf("%w: claim %s is %s", repository.ErrConflict, id, claim.Status)
	}

	claim.InFlightStep = step
	claim.UpdatedAt = time.Now().UTC()

	return cloneClaim(claim), nil
}

func (r *ClaimRepository) ReleaseStep(ctx context.Context, id string, step domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, exists := r.claims[id]
	if !exists {
		return fmt.Errorf("%w: claim %s", repository.ErrNotFound, id)
	}
	if claim.InFlightStep == step {
		claim.InFlightStep = ""
		claim.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// nextClaimNumber produces CL<year><month><seq>, with the sequence scoped to
// the year-month period. Callers must hold r.mu.
func (r *ClaimRepository) nextClaimNumber(now time.Time) string {
	period := fmt.Sprintf("%04d%02d", now.Year(), int(now.Month()))
	r.sequences[period]++
	return fmt.Sprintf("CL%s%06d", period, r.sequences[period])
}

func cloneClaim(c *domain.Claim) *domain.Claim {
	dup := *c
	if c.Analysis != nil {
		a := *c.Analysis
		a.Issues = append([]string(nil), c.Analysis.Issues...)
		dup.Analysis = &a
	}
	if c.Review != nil {
		rv := *c.Review
		dup.Review = &rv
	}
	dup.EvidenceRefs = append([]string(nil), c.EvidenceRefs...)
	dup.Tags = append([]string(nil), c.Tags...)
	return &dup
}
