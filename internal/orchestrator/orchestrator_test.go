package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"claims_manager/internal/domain"
	"claims_manager/internal/gateway"
	"claims_manager/internal/repository"
	"claims_manager/internal/repository/memory"
	"claims_manager/pkg/crypto"
)

type fakeAnalysis struct {
	mu     sync.Mutex
	result *domain.AnalysisResult
	err    error
	calls  int
}

func (f *fakeAnalysis) Analyze(ctx context.Context, req gateway.AnalysisRequest) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	result.AnalyzedAt = time.Now().UTC()
	return &result, nil
}

type fakeLedger struct {
	mu            sync.Mutex
	settlements   map[string]string
	payErr        error
	confirmStatus gateway.ConfirmationStatus
	transfers     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		settlements:   make(map[string]string),
		confirmStatus: gateway.ConfirmationConfirmed,
	}
}

func (f *fakeLedger) Pay(ctx context.Context, idempotencyKey, recipient string, amount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return "", f.payErr
	}
	if ref, ok := f.settlements[idempotencyKey]; ok {
		return ref, nil
	}
	f.transfers++
	ref := fmt.Sprintf("TX-%06d", f.transfers)
	f.settlements[idempotencyKey] = ref
	return ref, nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, ref string, required int) (gateway.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmStatus, nil
}

func (f *fakeLedger) Lookup(ctx context.Context, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.settlements[idempotencyKey]; ok {
		return ref, nil
	}
	return "", gateway.ErrNotSettled
}

func (f *fakeLedger) CheckReceipt(ctx context.Context, ref string, required int) (gateway.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmStatus, nil
}

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

type testEnv struct {
	orch     *Orchestrator
	claims   *memory.ClaimRepository
	policies *memory.PolicyRepository
	rules    *memory.RuleRepository
	analysis *fakeAnalysis
	ledger   *fakeLedger
}

func setup(t *testing.T, withRules bool) *testEnv {
	t.Helper()

	claims := memory.NewClaimRepository()
	policies := memory.NewPolicyRepository()
	rules := memory.NewRuleRepository()
	analysis := &fakeAnalysis{
		result: &domain.AnalysisResult{
			FraudScore:        0.2,
			AuthenticityScore: 0.9,
			EstimatedAmount:   450,
			Confidence:        0.8,
		},
	}
	ledger := newFakeLedger()

	deps := Deps{
		Claims:     claims,
		Policies:   policies,
		Analysis:   analysis,
		Settlement: ledger,
		Signer:     crypto.NewSigner("test-secret", nil),
	}
	if withRules {
		deps.Rules = rules
	}

	orch := New(deps, Options{Workers: 1, SettlementRetries: 3})

	return &testEnv{
		orch:     orch,
		claims:   claims,
		policies: policies,
		rules:    rules,
		analysis: analysis,
		ledger:   ledger,
	}
}

func mustCreatePolicy(t *testing.T, env *testEnv, id, ownerID string, coverage float64) {
	t.Helper()
	policy := &domain.Policy{
		ID:             id,
		OwnerID:        ownerID,
		CoverageAmount: coverage,
		Status:         domain.PolicyActive,
		StartDate:      time.Now().UTC().Add(-30 * 24 * time.Hour),
		EndDate:        time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	if err := env.policies.Save(context.Background(), policy); err != nil {
		t.Fatalf("save policy failed: %v", err)
	}
}

func mustSubmit(t *testing.T, env *testEnv, policyID, claimantID string, amount float64) *domain.Claim {
	t.Helper()
	claim, err := env.orch.SubmitClaim(context.Background(), SubmitClaimInput{
		PolicyID:        policyID,
		ClaimantID:      claimantID,
		Type:            domain.TypeVehicle,
		RequestedAmount: amount,
		Description:     "rear-end collision on highway",
		IncidentDate:    time.Now().UTC().Add(-48 * time.Hour),
		EvidenceRefs:    []string{strings.Repeat("a", 32)},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return claim
}

func TestOrchestrator_SubmitClaim_Success(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	claim := mustSubmit(t, env, "p1", "u1", 1000)

	if claim.Status != domain.StatusSubmitted {
		t.Errorf("expected submitted, got %s", claim.Status)
	}
	if !strings.HasPrefix(claim.ClaimNumber, "CL") {
		t.Errorf("expected CL-prefixed claim number, got %s", claim.ClaimNumber)
	}
	if len(env.orch.tasks) != 1 {
		t.Errorf("expected analysis task queued, queue length %d", len(env.orch.tasks))
	}
}

func TestOrchestrator_SubmitClaim_OwnershipDenied(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	_, err := env.orch.SubmitClaim(context.Background(), SubmitClaimInput{
		PolicyID:        "p1",
		ClaimantID:      "intruder",
		Type:            domain.TypeVehicle,
		RequestedAmount: 1000,
		Description:     "not my policy",
	})
	if !errors.Is(err, ErrOwnership) {
		t.Errorf("expected ErrOwnership, got %v", err)
	}
}

func TestOrchestrator_SubmitClaim_ExpiredPolicy(t *testing.T) {
	env := setup(t, false)
	policy := &domain.Policy{
		ID:             "p1",
		OwnerID:        "u1",
		CoverageAmount: 10000,
		Status:         domain.PolicyActive,
		StartDate:      time.Now().UTC().Add(-60 * 24 * time.Hour),
		EndDate:        time.Now().UTC().Add(-30 * 24 * time.Hour),
	}
	_ = env.policies.Save(context.Background(), policy)

	_, err := env.orch.SubmitClaim(context.Background(), SubmitClaimInput{
		PolicyID:        "p1",
		ClaimantID:      "u1",
		Type:            domain.TypeVehicle,
		RequestedAmount: 1000,
		Description:     "claim against lapsed cover",
	})
	if !errors.Is(err, ErrPolicyInactive) {
		t.Errorf("expected ErrPolicyInactive, got %v", err)
	}
}

func TestOrchestrator_SubmitClaim_ValidationErrors(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	_, err := env.orch.SubmitClaim(context.Background(), SubmitClaimInput{
		PolicyID:        "p1",
		ClaimantID:      "u1",
		Type:            "spaceship",
		RequestedAmount: -5,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestOrchestrator_RunAnalysis_Validated(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	got, err := env.claims.GetByID(context.Background(), claim.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.StatusAIValidated {
		t.Errorf("expected ai_validated, got %s", got.Status)
	}
	if got.ApprovedAmount != 450 {
		t.Errorf("expected approved amount capped at estimate 450, got %f", got.ApprovedAmount)
	}
	if got.Analysis == nil || got.Analysis.FraudScore != 0.2 {
		t.Errorf("expected analysis result recorded, got %+v", got.Analysis)
	}
	if got.InFlightStep != "" {
		t.Errorf("expected token released, got %s", got.InFlightStep)
	}
}

func TestOrchestrator_RunAnalysis_EstimateAboveRequest(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	env.analysis.result.EstimatedAmount = 5000
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.ApprovedAmount != 1000 {
		t.Errorf("approved amount must never exceed the request, got %f", got.ApprovedAmount)
	}
}

func TestOrchestrator_RunAnalysis_HighFraudScore(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	env.analysis.result.FraudScore = 0.85
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusAIRejected {
		t.Errorf("expected ai_rejected, got %s", got.Status)
	}
	if got.ApprovedAmount != 0 {
		t.Errorf("expected zero approved amount, got %f", got.ApprovedAmount)
	}
}

func TestOrchestrator_RunAnalysis_ServiceDown(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	env.analysis.err = gateway.ErrAnalysisUnavailable
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusUnderReview {
		t.Errorf("expected manual review fallback, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Error("expected failure reason recorded")
	}
	if got.InFlightStep != "" {
		t.Errorf("expected token released after failure, got %s", got.InFlightStep)
	}
}

func TestOrchestrator_Adjudicate_ApproveAndSettle(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	updated, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	if updated.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}

	env.orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusPaid {
		t.Fatalf("expected paid, got %s", got.Status)
	}
	if got.SettlementRef == "" {
		t.Error("expected non-empty settlement ref")
	}
	if env.ledger.transferCount() != 1 {
		t.Errorf("expected exactly one transfer, got %d", env.ledger.transferCount())
	}

	policy, _ := env.policies.GetByID(context.Background(), "p1")
	if policy.TotalClaimedAmount != 450 {
		t.Errorf("expected policy total 450, got %f", policy.TotalClaimedAmount)
	}
	if policy.ClaimsCount != 1 {
		t.Errorf("expected 1 claim counted, got %d", policy.ClaimsCount)
	}
}

func TestOrchestrator_Adjudicate_AdjustedAmountClamped(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	adjusted := 2500.0
	updated, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID:     "adjuster-7",
		Decision:       domain.DecisionApprove,
		AdjustedAmount: &adjusted,
	})
	if err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	if updated.ApprovedAmount != 1000 {
		t.Errorf("adjusted amount must clamp to the request, got %f", updated.ApprovedAmount)
	}
}

func TestOrchestrator_Adjudicate_CoverageExceeded(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 500)
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	adjusted := 800.0
	_, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID:     "adjuster-7",
		Decision:       domain.DecisionApprove,
		AdjustedAmount: &adjusted,
	})
	if !errors.Is(err, repository.ErrCoverageExceeded) {
		t.Errorf("expected ErrCoverageExceeded, got %v", err)
	}
}

func TestOrchestrator_Adjudicate_RequestMoreInfo(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	updated, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionRequestMoreInfo,
		Notes:      "need the repair invoice",
	})
	if err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	if updated.Status != domain.StatusUnderReview {
		t.Errorf("expected UNDER_REVIEW, got %s", updated.Status)
	}
	if updated.ApprovedAmount == 0 {
		t.Error("requesting more info must not wipe the analysis estimate")
	}
	if updated.Review == nil || updated.Review.Notes != "need the repair invoice" {
		t.Error("review record not persisted")
	}
	drainTasks(env.orch)
	if len(env.ledger.settlements) != 0 {
		t.Error("requesting more info must not trigger settlement")
	}
}

func TestOrchestrator_Adjudicate_TerminalClaim(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)

	rejected := domain.StatusRejected
	if _, err := env.claims.Update(context.Background(), claim.ID, repository.ClaimPatch{Status: &rejected}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	_, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Errorf("expected ErrConflict on terminal claim, got %v", err)
	}
}

func TestOrchestrator_RunSettlement_ConcurrentSingleTransfer(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement})
		}()
	}
	wg.Wait()

	if env.ledger.transferCount() != 1 {
		t.Fatalf("expected exactly one transfer, got %d", env.ledger.transferCount())
	}
	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusPaid {
		t.Errorf("expected paid, got %s", got.Status)
	}

	policy, _ := env.policies.GetByID(context.Background(), "p1")
	if policy.ClaimsCount != 1 {
		t.Errorf("expected accounting recorded once, got %d", policy.ClaimsCount)
	}
}

func TestOrchestrator_RunSettlement_UnknownConfirmation(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	drainTasks(env.orch)

	env.ledger.confirmStatus = gateway.ConfirmationUnknown
	env.orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusApproved {
		t.Errorf("expected claim to stay approved, got %s", got.Status)
	}
	if !got.NeedsReconciliation {
		t.Error("expected claim flagged for reconciliation")
	}
	if len(env.orch.tasks) != 0 {
		t.Error("unknown outcome must not be requeued")
	}
}

func TestOrchestrator_RunSettlement_RetryThenExhaust(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	drainTasks(env.orch)

	env.ledger.payErr = gateway.ErrLedgerUnavailable

	env.orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement})
	if len(env.orch.tasks) != 1 {
		t.Fatalf("expected one requeued task after first failure, got %d", len(env.orch.tasks))
	}
	requeued := <-env.orch.tasks
	if requeued.attempt != 1 {
		t.Errorf("expected attempt 1, got %d", requeued.attempt)
	}

	// Last allowed attempt fails: no further requeue, claim stays approved.
	env.orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement, attempt: 2})
	if len(env.orch.tasks) != 0 {
		t.Errorf("expected no requeue after retries exhausted, got %d", len(env.orch.tasks))
	}
	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusApproved {
		t.Errorf("expected approved after exhaustion, got %s", got.Status)
	}
}

// releaseOrderRepo records the task-queue length at the moment the
// settlement token is released.
type releaseOrderRepo struct {
	*memory.ClaimRepository
	queueLen       func() int
	lenAtRelease   int
	releasedSettle bool
}

func (r *releaseOrderRepo) ReleaseStep(ctx context.Context, id string, step domain.Step) error {
	if step == domain.StepSettlement && !r.releasedSettle {
		r.releasedSettle = true
		r.lenAtRelease = r.queueLen()
	}
	return r.ClaimRepository.ReleaseStep(ctx, id, step)
}

func TestOrchestrator_RunSettlement_TokenReleasedBeforeRetryQueued(t *testing.T) {
	claims := memory.NewClaimRepository()
	policies := memory.NewPolicyRepository()
	spy := &releaseOrderRepo{ClaimRepository: claims}
	ledger := newFakeLedger()
	analysis := &fakeAnalysis{
		result: &domain.AnalysisResult{
			FraudScore:        0.2,
			AuthenticityScore: 0.9,
			EstimatedAmount:   450,
			Confidence:        0.8,
		},
	}
	orch := New(Deps{
		Claims:     spy,
		Policies:   policies,
		Analysis:   analysis,
		Settlement: ledger,
		Signer:     crypto.NewSigner("test-secret", nil),
	}, Options{Workers: 1, SettlementRetries: 3})
	spy.queueLen = func() int { return len(orch.tasks) }
	env := &testEnv{orch: orch, claims: claims, policies: policies, analysis: analysis, ledger: ledger}

	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})
	if _, err := orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	drainTasks(orch)

	ledger.payErr = gateway.ErrLedgerUnavailable
	orch.runSettlement(context.Background(), task{claimID: claim.ID, step: domain.StepSettlement})

	// The retry must become visible only after the token is back. A worker
	// that dequeues it while the failing worker still holds the token
	// no-ops and the attempt is lost.
	if !spy.releasedSettle {
		t.Fatal("settlement token was never released")
	}
	if spy.lenAtRelease != 0 {
		t.Errorf("retry visible before token release, queue length %d at release", spy.lenAtRelease)
	}
	if len(orch.tasks) != 1 {
		t.Fatalf("expected one requeued task after release, got %d", len(orch.tasks))
	}

	// And the requeued attempt is immediately runnable.
	ledger.payErr = nil
	requeued := <-orch.tasks
	orch.runSettlement(context.Background(), requeued)
	got, _ := claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusPaid {
		t.Errorf("expected retry to settle the claim, got %s", got.Status)
	}
	if ledger.transferCount() != 1 {
		t.Errorf("expected exactly one transfer, got %d", ledger.transferCount())
	}
}

func TestOrchestrator_Reconcile_FinalizesConfirmedSettlement(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)
	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), claim.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}

	// Simulate a crash after the payment landed: the ledger knows the
	// settlement but the store never recorded it.
	key := env.orch.signer.SettlementKey(claim.ID)
	if _, err := env.ledger.Pay(context.Background(), key, "u1", 450); err != nil {
		t.Fatalf("seed ledger failed: %v", err)
	}

	if err := env.orch.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusPaid {
		t.Fatalf("expected reconciler to finalize, got %s", got.Status)
	}
	if env.ledger.transferCount() != 1 {
		t.Errorf("reconciliation must not move funds, transfers %d", env.ledger.transferCount())
	}
	policy, _ := env.policies.GetByID(context.Background(), "p1")
	if policy.TotalClaimedAmount != 450 {
		t.Errorf("expected policy accounting caught up, got %f", policy.TotalClaimedAmount)
	}
}

func TestOrchestrator_RecoverPending(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	submitted := mustSubmit(t, env, "p1", "u1", 1000)
	approved := mustSubmit(t, env, "p1", "u1", 2000)
	env.orch.runAnalysis(context.Background(), task{claimID: approved.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), approved.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	drainTasks(env.orch)

	// Simulate a token orphaned by a crash mid-step.
	if _, err := env.claims.AcquireStep(context.Background(), submitted.ID, domain.StepAnalysis,
		[]domain.ClaimStatus{domain.StatusSubmitted}); err != nil {
		t.Fatalf("seed stale token failed: %v", err)
	}

	if err := env.orch.RecoverPending(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if len(env.orch.tasks) != 2 {
		t.Errorf("expected analysis and settlement re-derived, queue length %d", len(env.orch.tasks))
	}
	got, _ := env.claims.GetByID(context.Background(), submitted.ID)
	if got.InFlightStep != "" {
		t.Errorf("expected stale token cleared, got %s", got.InFlightStep)
	}
}

func TestOrchestrator_AutoAdjudication(t *testing.T) {
	env := setup(t, true)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	rule := &domain.Rule{
		ID:        "r1",
		Name:      "auto_approve_low_risk",
		Type:      domain.RuleTypeAdjudication,
		IsActive:  true,
		Priority:  10,
		Condition: `{"field":"fraud_score","operator":"<","value":0.3}`,
		Action:    `{"type":"auto_approve","message":"Low risk, auto-approved"}`,
	}
	if err := env.rules.Save(context.Background(), rule); err != nil {
		t.Fatalf("save rule failed: %v", err)
	}

	claim := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: claim.ID, step: domain.StepAnalysis})

	got, _ := env.claims.GetByID(context.Background(), claim.ID)
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected auto-approval, got %s", got.Status)
	}
	if got.Review == nil || !strings.HasPrefix(got.Review.ReviewerID, "decision-engine/") {
		t.Errorf("expected decision engine recorded as reviewer, got %+v", got.Review)
	}
}

func TestOrchestrator_GetStatistics(t *testing.T) {
	env := setup(t, false)
	mustCreatePolicy(t, env, "p1", "u1", 10000)

	paid := mustSubmit(t, env, "p1", "u1", 1000)
	env.orch.runAnalysis(context.Background(), task{claimID: paid.ID, step: domain.StepAnalysis})
	if _, err := env.orch.Adjudicate(context.Background(), paid.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionApprove,
	}); err != nil {
		t.Fatalf("adjudicate failed: %v", err)
	}
	env.orch.runSettlement(context.Background(), task{claimID: paid.ID, step: domain.StepSettlement})

	rejected := mustSubmit(t, env, "p1", "u1", 500)
	if _, err := env.orch.Adjudicate(context.Background(), rejected.ID, AdjudicateInput{
		ReviewerID: "adjuster-7",
		Decision:   domain.DecisionReject,
	}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	mustSubmit(t, env, "p1", "u1", 300)

	stats, err := env.orch.GetStatistics(context.Background(), "u1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}

	want := &Statistics{
		TotalClaims:     3,
		PendingClaims:   1,
		PaidClaims:      1,
		RejectedClaims:  1,
		TotalPaidAmount: 450,
		ApprovalRate:    1.0 / 3.0,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestScreener_FlagsAndUrgency(t *testing.T) {
	s := NewScreener()

	claim := domain.NewClaim("p1", "u1", domain.TypeHealth, 250000).
		WithDescription("patient hospitalized after accident")
	claim.IncidentDate = time.Now().UTC().Add(-60 * 24 * time.Hour)

	flags, urgent := s.Screen(claim)

	if !urgent {
		t.Error("expected urgency from hospitalization keyword")
	}
	for _, want := range []string{"large_amount", "late_reporting", "no_evidence", "urgency_keywords"} {
		found := false
		for _, f := range flags {
			if f == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected flag %s, got %v", want, flags)
		}
	}
}

func TestDecisionEngine_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	rules := memory.NewRuleRepository()
	engine := NewDecisionEngine(rules, nil)

	low := &domain.Rule{
		ID: "r-low", Name: "approve_everything", IsActive: true, Priority: 1,
		Condition: `{"field":"requested_amount","operator":">","value":0}`,
		Action:    `{"type":"auto_approve","message":"default"}`,
	}
	high := &domain.Rule{
		ID: "r-high", Name: "reject_fraud", IsActive: true, Priority: 100,
		Condition: `{"field":"fraud_score","operator":">=","value":0.5}`,
		Action:    `{"type":"auto_reject","message":"fraud"}`,
	}
	_ = rules.Save(ctx, low)
	_ = rules.Save(ctx, high)

	claim := domain.NewClaim("p1", "u1", domain.TypeVehicle, 1000)
	claim.Analysis = &domain.AnalysisResult{FraudScore: 0.6}

	result, err := engine.Decide(ctx, claim)
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if !result.Matched || result.RuleID != "r-high" {
		t.Errorf("expected highest priority rule to win, got %+v", result)
	}

	// Without analysis the fraud rule cannot match; the fallback applies.
	fresh := domain.NewClaim("p1", "u1", domain.TypeVehicle, 1000)
	result, err = engine.Decide(ctx, fresh)
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if !result.Matched || result.RuleID != "r-low" {
		t.Errorf("expected fallback rule, got %+v", result)
	}
}

func drainTasks(o *Orchestrator) {
	for {
		select {
		case <-o.tasks:
		default:
			return
		}
	}
}
