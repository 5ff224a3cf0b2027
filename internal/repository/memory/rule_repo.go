package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"claims_manager/internal/domain"
	"claims_manager/internal/repository"
)

type RuleRepository struct {
	mu    sync.RWMutex
	rules map[string]*domain.Rule
}

func NewRuleRepository() *RuleRepository {
	return &RuleRepository{
		rules: make(map[string]*domain.Rule),
	}
}

func (r *RuleRepository) Save(ctx context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.rules[rule.ID]; exists {
		rule.Version = existing.Version + 1
	}
	stored := *rule
	r.rules[rule.ID] = &stored

	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	}
	dup := *rule
	return &dup, nil
}

func (r *RuleRepository) GetActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Rule
	for _, rule := range r.rules {
		if rule.IsActive {
			dup := *rule
			result = append(result, &dup)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})

	return result, nil
}

func (r *RuleRepository) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists {
		return fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	}
	rule.IsActive = false
	rule.Version++

	return nil
}
