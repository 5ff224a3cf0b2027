// Package gateway holds the adapters for the two external collaborators: the
// risk scoring service and the settlement ledger. Both are pure clients; the
// orchestrator owns every state change they lead to.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"claims_manager/internal/domain"
)

var (
	ErrAnalysisTimeout     = errors.New("analysis timed out")
	ErrAnalysisUnavailable = errors.New("analysis service unavailable")
	ErrInvalidAnalysis     = errors.New("invalid analysis request or response")
)

// AnalysisRequest is the wire request for the scoring service.
type AnalysisRequest struct {
	ClaimID         string   `json:"claimId"`
	ClaimType       string   `json:"claimType"`
	EvidenceRefs    []string `json:"evidenceRefs"`
	RequestedAmount float64  `json:"requestedAmount"`
	Description     string   `json:"description"`
}

type analysisResponse struct {
	FraudScore        float64  `json:"fraudScore"`
	AuthenticityScore float64  `json:"authenticityScore"`
	EstimatedAmount   float64  `json:"estimatedAmount"`
	Confidence        float64  `json:"confidence"`
	Issues            []string `json:"issues"`
}

type AnalysisClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	deadline    time.Duration
	logger      *slog.Logger
}

func NewAnalysisClient(baseURL, apiKey string, logger *slog.Logger) *AnalysisClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		backoffBase: time.Second,
		deadline:    30 * time.Second,
		logger:      logger,
	}
}

// Analyze scores a claim snapshot. Transient failures are retried with
// exponential backoff inside an overall deadline; request-level rejections
// surface immediately.
func (c *AnalysisClient) Analyze(ctx context.Context, req AnalysisRequest) (*domain.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrAnalysisTimeout, lastErr)
			}
		}

		result, retryable, err := c.analyzeOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		c.logger.WarnContext(ctx, "Analysis attempt failed",
			slog.String("claim_id", req.ClaimID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrAnalysisUnavailable, lastErr)
}

func (c *AnalysisClient) analyzeOnce(ctx context.Context, req AnalysisRequest) (*domain.AnalysisResult, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze-claim", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrAnalysisTimeout, err)
		}
		return nil, true, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", ErrAnalysisUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("%w: status %d", ErrInvalidAnalysis, resp.StatusCode)
	}

	var payload analysisResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	if err := validateScores(payload); err != nil {
		return nil, false, err
	}

	return &domain.AnalysisResult{
		FraudScore:        payload.FraudScore,
		AuthenticityScore: payload.AuthenticityScore,
		EstimatedAmount:   payload.EstimatedAmount,
		Confidence:        payload.Confidence,
		Issues:            payload.Issues,
		AnalyzedAt:        time.Now().UTC(),
	}, false, nil
}

// validateScores rejects out-of-range payloads at the boundary so nothing
// downstream has to re-check them.
func validateScores(p analysisResponse) error {
	for name, v := range map[string]float64{
		"fraudScore":        p.FraudScore,
		"authenticityScore": p.AuthenticityScore,
		"confidence":        p.Confidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.3f out of range", ErrInvalidAnalysis, name, v)
		}
	}
	if p.EstimatedAmount < 0 {
		return fmt.Errorf("%w: negative estimatedAmount", ErrInvalidAnalysis)
	}
	return nil
}
