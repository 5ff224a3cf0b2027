package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"claims_manager/internal/domain"
	"claims_manager/internal/orchestrator"
	"claims_manager/internal/repository"
)

type APIHandler struct {
	orchestrator   *orchestrator.Orchestrator
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewAPIHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandler{
		orchestrator:   orch,
		logger:         logger,
		requestTimeout: 30 * time.Second,
	}
}

type SubmitClaimRequest struct {
	PolicyID        string           `json:"policy_id"`
	ClaimantID      string           `json:"claimant_id"`
	Type            domain.ClaimType `json:"type"`
	RequestedAmount float64          `json:"requested_amount"`
	Description     string           `json:"description,omitempty"`
	IncidentDate    time.Time        `json:"incident_date"`
	EvidenceRefs    []string         `json:"evidence_refs,omitempty"`
}

type DecisionRequest struct {
	ReviewerID     string                `json:"reviewer_id"`
	Decision       domain.ReviewDecision `json:"decision"`
	Notes          string                `json:"notes,omitempty"`
	AdjustedAmount *float64              `json:"adjusted_amount,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *APIHandler) SubmitClaimHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req SubmitClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	claim, err := h.orchestrator.SubmitClaim(ctx, orchestrator.SubmitClaimInput{
		PolicyID:        req.PolicyID,
		ClaimantID:      req.ClaimantID,
		Type:            req.Type,
		RequestedAmount: req.RequestedAmount,
		Description:     req.Description,
		IncidentDate:    req.IncidentDate,
		EvidenceRefs:    req.EvidenceRefs,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, claim, http.StatusCreated)
}

func (h *APIHandler) GetClaimHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	claim, err := h.orchestrator.GetClaim(ctx, r.PathValue("id"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, claim, http.StatusOK)
}

func (h *APIHandler) GetClaimByNumberHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	claim, err := h.orchestrator.GetClaimByNumber(ctx, r.PathValue("number"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, claim, http.StatusOK)
}

func (h *APIHandler) ListClaimsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	filter := repository.ClaimFilter{
		ClaimantID: r.URL.Query().Get("claimant_id"),
		PolicyID:   r.URL.Query().Get("policy_id"),
		Status:     domain.ClaimStatus(r.URL.Query().Get("status")),
	}

	claims, err := h.orchestrator.ListClaims(ctx, filter)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, map[string]interface{}{
		"claims": claims,
		"count":  len(claims),
	}, http.StatusOK)
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	stats, err := h.orchestrator.GetStatistics(ctx, r.URL.Query().Get("claimant_id"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, stats, http.StatusOK)
}

func (h *APIHandler) TriggerAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.orchestrator.TriggerAnalysis(ctx, r.PathValue("id")); err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, map[string]string{"status": "analysis scheduled"}, http.StatusAccepted)
}

func (h *APIHandler) DecisionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	if req.ReviewerID == "" {
		h.sendError(w, "reviewer_id is required", http.StatusBadRequest, "VALIDATION_ERROR")
		return
	}

	claim, err := h.orchestrator.Adjudicate(ctx, r.PathValue("id"), orchestrator.AdjudicateInput{
		ReviewerID:     req.ReviewerID,
		Decision:       req.Decision,
		Notes:          req.Notes,
		AdjustedAmount: req.AdjustedAmount,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, claim, http.StatusOK)
}

func (h *APIHandler) TriggerSettlementHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.orchestrator.TriggerSettlement(ctx, r.PathValue("id")); err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendJSON(w, map[string]string{"status": "settlement scheduled"}, http.StatusAccepted)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	}
	h.sendJSON(w, response, http.StatusOK)
}

// sendDomainError maps lifecycle errors onto HTTP statuses. Conflicts from
// the state machine and the execution token both surface as 409 so callers
// can retry after re-reading the claim.
func (h *APIHandler) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		h.sendError(w, err.Error(), http.StatusBadRequest, "VALIDATION_ERROR")
	case errors.Is(err, orchestrator.ErrNotApproved):
		h.sendError(w, err.Error(), http.StatusBadRequest, "NOT_APPROVED")
	case errors.Is(err, orchestrator.ErrOwnership):
		h.sendError(w, err.Error(), http.StatusForbidden, "FORBIDDEN")
	case errors.Is(err, repository.ErrNotFound):
		h.sendError(w, err.Error(), http.StatusNotFound, "NOT_FOUND")
	case errors.Is(err, repository.ErrCoverageExceeded):
		h.sendError(w, err.Error(), http.StatusUnprocessableEntity, "COVERAGE_EXCEEDED")
	case errors.Is(err, orchestrator.ErrPolicyInactive):
		h.sendError(w, err.Error(), http.StatusUnprocessableEntity, "POLICY_INACTIVE")
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrStepInFlight),
		errors.Is(err, repository.ErrDuplicate):
		h.sendError(w, err.Error(), http.StatusConflict, "CONFLICT")
	default:
		h.logger.Error("Unhandled API error", slog.String("error", err.Error()))
		h.sendError(w, "Internal server error", http.StatusInternalServerError, "SERVER_ERROR")
	}
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	errorResponse := ErrorResponse{
		Error: message,
		Code:  code,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/claims", h.SubmitClaimHandler)
	mux.HandleFunc("GET /api/v1/claims", h.ListClaimsHandler)
	mux.HandleFunc("GET /api/v1/claims/stats", h.StatsHandler)
	mux.HandleFunc("GET /api/v1/claims/{id}", h.GetClaimHandler)
	mux.HandleFunc("GET /api/v1/claims/number/{number}", h.GetClaimByNumberHandler)
	mux.HandleFunc("POST /api/v1/claims/{id}/analyze", h.TriggerAnalysisHandler)
	mux.HandleFunc("POST /api/v1/claims/{id}/decision", h.DecisionHandler)
	mux.HandleFunc("POST /api/v1/claims/{id}/settle", h.TriggerSettlementHandler)
	mux.HandleFunc("GET /api/health", h.HealthCheckHandler)
}
