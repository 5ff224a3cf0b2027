package repository

import (
	"fmt"
	"time"

	"claims_manager/internal/domain"
)

// ApplyPatch mutates claim in place, enforcing terminal-state protection and
// the status transition table. Store backends share this so both fail the
// same way.
func ApplyPatch(claim *domain.Claim, patch ClaimPatch) error {
	if claim.Status.Terminal() && patch.Protected() {
		return fmt.Errorf("%w: claim %s is %s", ErrConflict, claim.ID, claim.Status)
	}

	if patch.Status != nil && *patch.Status != claim.Status {
		if !domain.CanTransition(claim.Status, *patch.Status) {
			return fmt.Errorf("%w: illegal transition %s -> %s", ErrConflict, claim.Status, *patch.Status)
		}
		claim.Status = *patch.Status
	}
	if patch.ApprovedAmount != nil {
		claim.ApprovedAmount = *patch.ApprovedAmount
	}
	if patch.Analysis != nil {
		claim.Analysis = patch.Analysis
	}
	if patch.Review != nil {
		claim.Review = patch.Review
	}
	if patch.SettlementRef != nil {
		claim.SettlementRef = *patch.SettlementRef
	}
	if patch.FailureReason != nil {
		claim.FailureReason = *patch.FailureReason
	}
	if patch.NeedsReconciliation != nil {
		claim.NeedsReconciliation = *patch.NeedsReconciliation
	}
	if patch.IsUrgent != nil {
		claim.IsUrgent = *patch.IsUrgent
	}
	if patch.Tags != nil {
		claim.Tags = patch.Tags
	}

	claim.Version++
	claim.UpdatedAt = time.Now().UTC()

	return nil
}
