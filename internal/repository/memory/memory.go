package memory

import (
	"claims_manager/internal/repository"
)

var (
	_ repository.ClaimRepository  = (*ClaimRepository)(nil)
	_ repository.PolicyRepository = (*PolicyRepository)(nil)
	_ repository.RuleRepository   = (*RuleRepository)(nil)
)
