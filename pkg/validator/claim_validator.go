package validator

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"claims_manager/internal/domain"
)

var (
	ErrInvalidAmount      = errors.New("invalid requested amount")
	ErrInvalidClaimType   = errors.New("invalid claim type")
	ErrMissingDescription = errors.New("description is required")
	ErrInvalidIncident    = errors.New("invalid incident date")
	ErrInvalidEvidence    = errors.New("invalid evidence reference")
)

type ClaimValidator struct {
	evidenceRegex *regexp.Regexp
}

func NewClaimValidator() *ClaimValidator {
	return &ClaimValidator{
		// Content addresses are opaque here; only the shape is checked.
		evidenceRegex: regexp.MustCompile(`^[a-zA-Z0-9]{16,128}$`),
	}
}

type Submission struct {
	PolicyID        string
	ClaimantID      string
	Type            domain.ClaimType
	RequestedAmount float64
	Description     string
	IncidentDate    time.Time
	EvidenceRefs    []string
}

func (v *ClaimValidator) ValidateSubmission(sub Submission) error {
	var errs []error

	if sub.PolicyID == "" {
		errs = append(errs, errors.New("policy id is required"))
	}
	if sub.ClaimantID == "" {
		errs = append(errs, errors.New("claimant id is required"))
	}
	if sub.RequestedAmount <= 0 {
		errs = append(errs, ErrInvalidAmount)
	}
	if !domain.ValidClaimType(sub.Type) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidClaimType, sub.Type))
	}
	if sub.Description == "" {
		errs = append(errs, ErrMissingDescription)
	}
	if !sub.IncidentDate.IsZero() && sub.IncidentDate.After(time.Now().Add(5*time.Minute)) {
		errs = append(errs, fmt.Errorf("%w: in the future", ErrInvalidIncident))
	}
	for _, ref := range sub.EvidenceRefs {
		if !v.evidenceRegex.MatchString(ref) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidEvidence, ref))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func (v *ClaimValidator) ValidateAmount(amount, coverage float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if coverage > 0 && amount > coverage {
		return fmt.Errorf("%w: %.2f exceeds coverage %.2f", ErrInvalidAmount, amount, coverage)
	}
	return nil
}
