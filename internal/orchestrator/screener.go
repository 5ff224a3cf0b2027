package orchestrator

import (
	"strings"
	"time"

	"claims_manager/internal/domain"
)

// Screener runs cheap local checks at submission time. It only tags claims;
// the actual risk scoring happens in the external analysis step.
type Screener struct {
	patterns []ScreenPattern
}

type ScreenPattern struct {
	Name   string
	Detect func(*domain.Claim) (bool, string)
	Urgent bool
}

func NewScreener() *Screener {
	s := &Screener{}
	s.patterns = []ScreenPattern{
		{
			Name: "large_amount",
			Detect: func(c *domain.Claim) (bool, string) {
				return c.RequestedAmount > 100000, "large_amount"
			},
		},
		{
			Name:   "late_reporting",
			Detect: s.detectLateReporting,
		},
		{
			Name: "no_evidence",
			Detect: func(c *domain.Claim) (bool, string) {
				return len(c.EvidenceRefs) == 0, "no_evidence"
			},
		},
		{
			Name:   "urgency_keywords",
			Detect: s.detectUrgencyKeywords,
			Urgent: true,
		},
	}
	return s
}

// Screen returns the triggered flags and whether the claim should be
// marked urgent.
func (s *Screener) Screen(claim *domain.Claim) ([]string, bool) {
	var flags []string
	urgent := false

	for _, pattern := range s.patterns {
		if detected, flag := pattern.Detect(claim); detected {
			flags = append(flags, flag)
			if pattern.Urgent {
				urgent = true
			}
		}
	}

	return flags, urgent
}

func (s *Screener) detectLateReporting(c *domain.Claim) (bool, string) {
	if c.IncidentDate.IsZero() {
		return false, ""
	}
	if c.ReportedDate.Sub(c.IncidentDate) > 30*24*time.Hour {
		return true, "late_reporting"
	}
	return false, ""
}

func (s *Screener) detectUrgencyKeywords(c *domain.Claim) (bool, string) {
	desc := strings.ToLower(c.Description)
	for _, kw := range []string{"emergency", "hospitalized", "urgent", "total loss"} {
		if strings.Contains(desc, kw) {
			return true, "urgency_keywords"
		}
	}
	return false, ""
}
