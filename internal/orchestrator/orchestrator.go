// Package orchestrator owns the claim lifecycle: submission, risk analysis,
// adjudication and settlement. It is the only component allowed to move a
// claim between statuses.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"claims_manager/internal/domain"
	"claims_manager/internal/gateway"
	"claims_manager/internal/repository"
	"claims_manager/pkg/crypto"
	"claims_manager/pkg/metrics"
	"claims_manager/pkg/validator"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrOwnership      = errors.New("claimant does not own policy")
	ErrPolicyInactive = errors.New("policy not active for incident")
	ErrNotApproved    = errors.New("claim is not approved")
)

// AnalysisGateway scores a claim snapshot. Implementations never mutate
// state; the orchestrator decides the resulting transition.
type AnalysisGateway interface {
	Analyze(ctx context.Context, req gateway.AnalysisRequest) (*domain.AnalysisResult, error)
}

// SettlementGateway submits idempotent transfers on the ledger network.
type SettlementGateway interface {
	Pay(ctx context.Context, idempotencyKey, recipient string, amount float64) (string, error)
	AwaitConfirmation(ctx context.Context, ref string, requiredConfirmations int) (gateway.ConfirmationStatus, error)
	Lookup(ctx context.Context, idempotencyKey string) (string, error)
	CheckReceipt(ctx context.Context, ref string, requiredConfirmations int) (gateway.ConfirmationStatus, error)
}

// Notifier receives lifecycle events. May be nil.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, claim *domain.Claim)
	NotifyAlert(ctx context.Context, claim *domain.Claim, subject, message string)
}

type Options struct {
	Workers               int
	QueueSize             int
	FraudThreshold        float64
	SettlementRetries     int
	RequiredConfirmations int
	ReconcileInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.FraudThreshold <= 0 {
		o.FraudThreshold = 0.7
	}
	if o.SettlementRetries <= 0 {
		o.SettlementRetries = 3
	}
	if o.RequiredConfirmations <= 0 {
		o.RequiredConfirmations = 3
	}
	return o
}

type Deps struct {
	Claims     repository.ClaimRepository
	Policies   repository.PolicyRepository
	Rules      repository.RuleRepository
	Analysis   AnalysisGateway
	Settlement SettlementGateway
	Notifier   Notifier
	Metrics    *metrics.MetricsCollector
	Signer     *crypto.Signer
	Logger     *slog.Logger
}

type task struct {
	claimID string
	step    domain.Step
	attempt int
}

const taskTimeout = 5 * time.Minute

type Orchestrator struct {
	claims     repository.ClaimRepository
	policies   repository.PolicyRepository
	analysis   AnalysisGateway
	settlement SettlementGateway
	decisions  *DecisionEngine
	screener   *Screener
	validator  *validator.ClaimValidator
	signer     *crypto.Signer
	notifier   Notifier
	metrics    *metrics.MetricsCollector
	logger     *slog.Logger

	opts         Options
	tasks        chan task
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetricsCollector(logger)
	}

	o := &Orchestrator{
		claims:       deps.Claims,
		policies:     deps.Policies,
		analysis:     deps.Analysis,
		settlement:   deps.Settlement,
		screener:     NewScreener(),
		validator:    validator.NewClaimValidator(),
		signer:       deps.Signer,
		notifier:     deps.Notifier,
		metrics:      m,
		logger:       logger,
		opts:         opts,
		tasks:        make(chan task, opts.QueueSize),
		shutdownChan: make(chan struct{}),
	}
	if deps.Rules != nil {
		o.decisions = NewDecisionEngine(deps.Rules, logger)
	}
	return o
}

// Start launches the background workers, re-derives pending work from
// persisted claim state and, when configured, the periodic reconciler.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	if err := o.RecoverPending(ctx); err != nil {
		o.logger.ErrorContext(ctx, "Recovery scan failed", slog.String("error", err.Error()))
	}

	if o.opts.ReconcileInterval > 0 {
		o.wg.Add(1)
		go o.reconcileLoop()
	}
}

func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.shutdownChan)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Orchestrator shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type SubmitClaimInput struct {
	PolicyID        string
	ClaimantID      string
	Type            domain.ClaimType
	RequestedAmount float64
	Description     string
	IncidentDate    time.Time
	EvidenceRefs    []string
}

// SubmitClaim creates a claim after verifying ownership and coverage window.
// When evidence is attached, the analysis step is scheduled automatically.
func (o *Orchestrator) SubmitClaim(ctx context.Context, in SubmitClaimInput) (*domain.Claim, error) {
	err := o.validator.ValidateSubmission(validator.Submission{
		PolicyID:        in.PolicyID,
		ClaimantID:      in.ClaimantID,
		Type:            in.Type,
		RequestedAmount: in.RequestedAmount,
		Description:     in.Description,
		IncidentDate:    in.IncidentDate,
		EvidenceRefs:    in.EvidenceRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	policy, err := o.policies.GetByID(ctx, in.PolicyID)
	if err != nil {
		return nil, err
	}
	if policy.OwnerID != in.ClaimantID {
		return nil, fmt.Errorf("%w: policy %s", ErrOwnership, in.PolicyID)
	}
	if !policy.CoversAt(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: policy %s is %s", ErrPolicyInactive, policy.ID, policy.Status)
	}

	claim := domain.NewClaim(in.PolicyID, in.ClaimantID, in.Type, in.RequestedAmount).
		WithDescription(in.Description).
		WithEvidence(in.EvidenceRefs).
		WithIncidentDate(in.IncidentDate)

	flags, urgent := o.screener.Screen(claim)
	claim.Tags = flags
	claim.IsUrgent = urgent

	if err := o.claims.Create(ctx, claim); err != nil {
		return nil, err
	}
	o.metrics.RecordSubmission()

	o.logger.InfoContext(ctx, "Claim submitted",
		slog.String("claim_id", claim.ID),
		slog.String("claim_number", claim.ClaimNumber),
		slog.String("policy_id", claim.PolicyID),
		slog.Float64("requested_amount", claim.RequestedAmount))

	if len(claim.EvidenceRefs) > 0 {
		o.enqueue(task{claimID: claim.ID, step: domain.StepAnalysis})
	}
	o.notifyStatus(ctx, claim)

	return claim, nil
}

func (o *Orchestrator) GetClaim(ctx context.Context, id string) (*domain.Claim, error) {
	return o.claims.GetByID(ctx, id)
}

func (o *Orchestrator) GetClaimByNumber(ctx context.Context, number string) (*domain.Claim, error) {
	return o.claims.GetByClaimNumber(ctx, number)
}

func (o *Orchestrator) ListClaims(ctx context.Context, filter repository.ClaimFilter) ([]*domain.Claim, error) {
	return o.claims.List(ctx, filter)
}

// TriggerAnalysis schedules the analysis step. It is idempotent: a claim
// already being analyzed is left alone.
func (o *Orchestrator) TriggerAnalysis(ctx context.Context, id string) error {
	claim, err := o.claims.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if claim.InFlightStep == domain.StepAnalysis {
		return nil
	}
	if claim.Status != domain.StatusSubmitted && claim.Status != domain.StatusUnderReview {
		return fmt.Errorf("%w: claim %s is %s", repository.ErrConflict, id, claim.Status)
	}

	o.enqueue(task{claimID: id, step: domain.StepAnalysis})
	return nil
}

type AdjudicateInput struct {
	ReviewerID     string
	Decision       domain.ReviewDecision
	Notes          string
	AdjustedAmount *float64
}

// Adjudicate applies a privileged decision to a non-terminal claim. An
// approval with a positive amount schedules settlement.
func (o *Orchestrator) Adjudicate(ctx context.Context, id string, in AdjudicateInput) (*domain.Claim, error) {
	claim, err := o.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.Status.Terminal() {
		return nil, fmt.Errorf("%w: claim %s is %s", repository.ErrConflict, id, claim.Status)
	}

	review := &domain.ReviewRecord{
		ReviewerID:     in.ReviewerID,
		Notes:          in.Notes,
		Decision:       in.Decision,
		AdjustedAmount: in.AdjustedAmount,
		ReviewedAt:     time.Now().UTC(),
	}

	var status domain.ClaimStatus
	patch := repository.ClaimPatch{Review: review}

	switch in.Decision {
	case domain.DecisionApprove:
		amount := claim.ApprovedAmount
		if in.AdjustedAmount != nil {
			if *in.AdjustedAmount < 0 {
				return nil, fmt.Errorf("%w: negative adjusted amount", ErrValidation)
			}
			amount = min(*in.AdjustedAmount, claim.RequestedAmount)
		}
		if amount > 0 {
			policy, err := o.policies.GetByID(ctx, claim.PolicyID)
			if err != nil {
				return nil, err
			}
			if policy.RemainingCoverage() < amount {
				return nil, fmt.Errorf("%w: policy %s has %.2f remaining, claim needs %.2f",
					repository.ErrCoverageExceeded, policy.ID, policy.RemainingCoverage(), amount)
			}
		}
		status = domain.StatusApproved
		patch.Status = &status
		patch.ApprovedAmount = &amount
	case domain.DecisionReject:
		status = domain.StatusRejected
		patch.Status = &status
	case domain.DecisionRequestMoreInfo:
		status = domain.StatusUnderReview
		patch.Status = &status
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrValidation, in.Decision)
	}

	updated, err := o.claims.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Claim adjudicated",
		slog.String("claim_id", id),
		slog.String("decision", string(in.Decision)),
		slog.String("reviewer_id", in.ReviewerID),
		slog.String("status", string(updated.Status)))

	if updated.Status == domain.StatusApproved && updated.ApprovedAmount > 0 {
		o.enqueue(task{claimID: id, step: domain.StepSettlement})
	}
	o.notifyStatus(ctx, updated)

	return updated, nil
}

// TriggerSettlement schedules settlement for an APPROVED claim.
func (o *Orchestrator) TriggerSettlement(ctx context.Context, id string) error {
	claim, err := o.claims.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if claim.Status != domain.StatusApproved {
		return fmt.Errorf("%w: claim %s is %s", ErrNotApproved, id, claim.Status)
	}
	if claim.ApprovedAmount <= 0 {
		return fmt.Errorf("%w: claim %s has no approved amount", ErrNotApproved, id)
	}

	o.enqueue(task{claimID: id, step: domain.StepSettlement})
	return nil
}

type Statistics struct {
	TotalClaims     int     `json:"total_claims"`
	PendingClaims   int     `json:"pending_claims"`
	ApprovedClaims  int     `json:"approved_claims"`
	PaidClaims      int     `json:"paid_claims"`
	RejectedClaims  int     `json:"rejected_claims"`
	TotalPaidAmount float64 `json:"total_paid_amount"`
	ApprovalRate    float64 `json:"approval_rate"`
}

func (o *Orchestrator) GetStatistics(ctx context.Context, claimantID string) (*Statistics, error) {
	claims, err := o.claims.List(ctx, repository.ClaimFilter{ClaimantID: claimantID})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalClaims: len(claims)}
	for _, c := range claims {
		switch c.Status {
		case domain.StatusSubmitted, domain.StatusUnderReview, domain.StatusAIValidated, domain.StatusAIRejected:
			stats.PendingClaims++
		case domain.StatusApproved:
			stats.ApprovedClaims++
		case domain.StatusPaid:
			stats.PaidClaims++
			stats.TotalPaidAmount += c.ApprovedAmount
		case domain.StatusRejected:
			stats.RejectedClaims++
		}
	}
	if stats.TotalClaims > 0 {
		stats.ApprovalRate = float64(stats.ApprovedClaims+stats.PaidClaims) / float64(stats.TotalClaims)
	}

	return stats, nil
}

// RecoverPending re-derives queued work from persisted claim state, so a
// trigger lost to a crash is replayed. Stale execution tokens from a previous
// run are cleared first.
func (o *Orchestrator) RecoverPending(ctx context.Context) error {
	claims, err := o.claims.List(ctx, repository.ClaimFilter{})
	if err != nil {
		return err
	}

	for _, c := range claims {
		if c.InFlightStep != "" {
			if err := o.claims.ReleaseStep(ctx, c.ID, c.InFlightStep); err != nil {
				o.logger.WarnContext(ctx, "Failed to clear stale step token",
					slog.String("claim_id", c.ID),
					slog.String("error", err.Error()))
				continue
			}
		}

		switch {
		case c.Status == domain.StatusSubmitted && len(c.EvidenceRefs) > 0:
			o.enqueue(task{claimID: c.ID, step: domain.StepAnalysis})
		case c.Status == domain.StatusApproved && c.ApprovedAmount > 0 && !c.NeedsReconciliation:
			o.enqueue(task{claimID: c.ID, step: domain.StepSettlement})
		}
	}

	return nil
}

// Reconcile compares store state against ledger state for APPROVED claims.
// Settlements the ledger has confirmed but the store never finalized are
// finalized here, through the same path regular settlement uses.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	claims, err := o.claims.List(ctx, repository.ClaimFilter{Status: domain.StatusApproved})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, c := range claims {
		if c.ApprovedAmount <= 0 || c.InFlightStep != "" {
			continue
		}
		claim := c
		g.Go(func() error {
			key := o.signer.SettlementKey(claim.ID)
			ref, err := o.settlement.Lookup(ctx, key)
			if errors.Is(err, gateway.ErrNotSettled) {
				// No ledger entry at all: the settlement trigger was
				// lost somewhere. Reissuing is safe, Pay is keyed.
				o.enqueue(task{claimID: claim.ID, step: domain.StepSettlement})
				return nil
			}
			if err != nil {
				return nil // ledger unreachable, next cycle will retry
			}

			status, err := o.settlement.CheckReceipt(ctx, ref, o.opts.RequiredConfirmations)
			if err != nil || status != gateway.ConfirmationConfirmed {
				return nil
			}

			locked, err := o.claims.AcquireStep(ctx, claim.ID, domain.StepSettlement, []domain.ClaimStatus{domain.StatusApproved})
			if err != nil {
				return nil
			}
			defer o.claims.ReleaseStep(ctx, claim.ID, domain.StepSettlement)

			o.logger.WarnContext(ctx, "Reconciling confirmed settlement the store never finalized",
				slog.String("claim_id", claim.ID),
				slog.String("transaction_ref", ref))
			o.metrics.RecordReconciliation()
			o.finalizeSettlement(ctx, locked, ref)
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) enqueue(t task) {
	select {
	case o.tasks <- t:
	default:
		// The queue is full. Recovery re-derives this work from claim
		// state, so dropping here loses nothing permanently.
		o.logger.Warn("Task queue full, dropping trigger",
			slog.String("claim_id", t.claimID),
			slog.String("step", string(t.step)))
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	for {
		select {
		case t := <-o.tasks:
			o.processTask(t)
		case <-o.shutdownChan:
			return
		}
	}
}

func (o *Orchestrator) processTask(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	switch t.step {
	case domain.StepAnalysis:
		o.runAnalysis(ctx, t)
	case domain.StepSettlement:
		o.runSettlement(ctx, t)
	default:
		o.logger.Error("Unknown task step", slog.String("step", string(t.step)))
	}
}

func (o *Orchestrator) runAnalysis(ctx context.Context, t task) {
	claim, err := o.claims.AcquireStep(ctx, t.claimID, domain.StepAnalysis,
		[]domain.ClaimStatus{domain.StatusSubmitted, domain.StatusUnderReview})
	if err != nil {
		if errors.Is(err, repository.ErrStepInFlight) || errors.Is(err, repository.ErrConflict) {
			return // concurrent trigger or status moved on; nothing to do
		}
		o.logger.ErrorContext(ctx, "Failed to acquire analysis token",
			slog.String("claim_id", t.claimID),
			slog.String("error", err.Error()))
		return
	}

	var updated *domain.Claim
	func() {
		defer o.claims.ReleaseStep(ctx, t.claimID, domain.StepAnalysis)

		start := time.Now()
		result, err := o.analysis.Analyze(ctx, gateway.AnalysisRequest{
			ClaimID:         claim.ID,
			ClaimType:       string(claim.Type),
			EvidenceRefs:    claim.EvidenceRefs,
			RequestedAmount: claim.RequestedAmount,
			Description:     claim.Description,
		})
		duration := time.Since(start)

		if err != nil {
			o.metrics.RecordAnalysis(duration, 0, false)

			// Analysis must never leave a claim stuck in SUBMITTED:
			// degrade to manual review with the reason on record.
			status := domain.StatusUnderReview
			reason := fmt.Sprintf("analysis failed: %v", err)
			updated, err = o.claims.Update(ctx, claim.ID, repository.ClaimPatch{
				Status:        &status,
				FailureReason: &reason,
			})
			if err != nil {
				o.logger.ErrorContext(ctx, "Failed to route claim to manual review",
					slog.String("claim_id", claim.ID),
					slog.String("error", err.Error()))
				return
			}
			o.logger.WarnContext(ctx, "Analysis unavailable, claim routed to manual review",
				slog.String("claim_id", claim.ID),
				slog.String("reason", reason))
			return
		}

		o.metrics.RecordAnalysis(duration, result.FraudScore, true)

		status := domain.StatusAIValidated
		approved := min(result.EstimatedAmount, claim.RequestedAmount)
		if result.FraudScore > o.opts.FraudThreshold {
			status = domain.StatusAIRejected
			approved = 0
		}

		updated, err = o.claims.Update(ctx, claim.ID, repository.ClaimPatch{
			Status:         &status,
			ApprovedAmount: &approved,
			Analysis:       result,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "Failed to record analysis result",
				slog.String("claim_id", claim.ID),
				slog.String("error", err.Error()))
			return
		}

		o.logger.InfoContext(ctx, "Analysis completed",
			slog.String("claim_id", claim.ID),
			slog.String("status", string(status)),
			slog.Float64("fraud_score", result.FraudScore),
			slog.Float64("approved_amount", approved))
	}()

	if updated == nil {
		return
	}
	o.notifyStatus(ctx, updated)

	if updated.Status == domain.StatusAIRejected && o.notifier != nil {
		o.notifier.NotifyAlert(ctx, updated, "High fraud score",
			fmt.Sprintf("Claim %s scored %.2f and was auto-rejected by analysis", updated.ClaimNumber, updated.Analysis.FraudScore))
	}
	if updated.Status == domain.StatusAIValidated || updated.Status == domain.StatusAIRejected {
		o.autoAdjudicate(ctx, updated)
	}
}

// autoAdjudicate lets the rule engine act as the privileged decision maker
// for analyzed claims. No matching rule means the claim waits for a human.
func (o *Orchestrator) autoAdjudicate(ctx context.Context, claim *domain.Claim) {
	if o.decisions == nil {
		return
	}

	result, err := o.decisions.Decide(ctx, claim)
	if err != nil || !result.Matched {
		return
	}

	reviewer := "decision-engine/" + result.RuleID
	switch result.Action.Type {
	case ActionAutoApprove:
		_, err = o.Adjudicate(ctx, claim.ID, AdjudicateInput{
			ReviewerID: reviewer,
			Decision:   domain.DecisionApprove,
			Notes:      result.Action.Message,
		})
	case ActionAutoReject:
		_, err = o.Adjudicate(ctx, claim.ID, AdjudicateInput{
			ReviewerID: reviewer,
			Decision:   domain.DecisionReject,
			Notes:      result.Action.Message,
		})
	case ActionEscalate:
		_, err = o.Adjudicate(ctx, claim.ID, AdjudicateInput{
			ReviewerID: reviewer,
			Decision:   domain.DecisionRequestMoreInfo,
			Notes:      result.Action.Message,
		})
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "Automated adjudication failed",
			slog.String("claim_id", claim.ID),
			slog.String("rule_id", result.RuleID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) runSettlement(ctx context.Context, t task) {
	claim, err := o.claims.AcquireStep(ctx, t.claimID, domain.StepSettlement,
		[]domain.ClaimStatus{domain.StatusApproved})
	if err != nil {
		if errors.Is(err, repository.ErrStepInFlight) || errors.Is(err, repository.ErrConflict) {
			return // concurrent trigger, or already paid
		}
		o.logger.ErrorContext(ctx, "Failed to acquire settlement token",
			slog.String("claim_id", t.claimID),
			slog.String("error", err.Error()))
		return
	}
	// The retry task must not be enqueued while this worker still holds the
	// step token, or the worker that picks it up no-ops on ErrStepInFlight
	// and the attempt is lost. Release first, requeue after.
	var retry bool
	func() {
		defer o.claims.ReleaseStep(ctx, t.claimID, domain.StepSettlement)
		retry = o.settleOnce(ctx, claim, t)
	}()
	if retry {
		o.enqueue(task{claimID: t.claimID, step: domain.StepSettlement, attempt: t.attempt + 1})
	}
}

// settleOnce runs a single settlement attempt under an already held step
// token. It reports whether the attempt should be requeued.
func (o *Orchestrator) settleOnce(ctx context.Context, claim *domain.Claim, t task) bool {
	if claim.ApprovedAmount <= 0 {
		return false
	}

	key := o.signer.SettlementKey(claim.ID)
	ref, err := o.settlement.Pay(ctx, key, claim.ClaimantID, claim.ApprovedAmount)
	if err != nil {
		return o.settlementFailed(ctx, claim, t, err)
	}

	status, err := o.settlement.AwaitConfirmation(ctx, ref, o.opts.RequiredConfirmations)
	if err != nil {
		return o.settlementFailed(ctx, claim, t, err)
	}

	switch status {
	case gateway.ConfirmationConfirmed:
		o.finalizeSettlement(ctx, claim, ref)
	case gateway.ConfirmationFailed:
		return o.settlementFailed(ctx, claim, t, fmt.Errorf("ledger reported transfer failure for %s", ref))
	default:
		// Outcome unknown: the transfer may or may not have landed.
		// Flag for reconciliation instead of retrying blind.
		o.metrics.RecordSettlement("unknown")
		o.markForReconciliation(ctx, claim, fmt.Sprintf("confirmation timeout for %s", ref))
	}
	return false
}

// finalizeSettlement records a confirmed payment: claim goes PAID with its
// settlement ref, then the policy accounting is updated. A store failure
// after this point is a divergence, handled by the reconciler, never by a
// silent retry of the payment.
func (o *Orchestrator) finalizeSettlement(ctx context.Context, claim *domain.Claim, ref string) {
	paid := domain.StatusPaid
	updated, err := o.claims.Update(ctx, claim.ID, repository.ClaimPatch{
		Status:        &paid,
		SettlementRef: &ref,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "Payment confirmed but claim finalize failed",
			slog.String("claim_id", claim.ID),
			slog.String("transaction_ref", ref),
			slog.String("error", err.Error()))
		o.metrics.RecordSettlement("divergence")
		o.markForReconciliation(ctx, claim, fmt.Sprintf("paid on ledger as %s but store update failed", ref))
		return
	}

	policy, err := o.policies.RecordClaimOutcome(ctx, claim.PolicyID, claim.ApprovedAmount)
	if err != nil {
		o.logger.ErrorContext(ctx, "Claim paid but policy accounting failed",
			slog.String("claim_id", claim.ID),
			slog.String("policy_id", claim.PolicyID),
			slog.String("error", err.Error()))
		o.metrics.RecordSettlement("divergence")
		if o.notifier != nil {
			o.notifier.NotifyAlert(ctx, updated, "Policy accounting divergence",
				fmt.Sprintf("Claim %s is paid (%s) but policy %s accounting was not updated", updated.ClaimNumber, ref, claim.PolicyID))
		}
		return
	}
	o.metrics.UpdatePolicyClaimed(policy.ID, policy.TotalClaimedAmount)
	o.metrics.RecordSettlement("paid")

	o.logger.InfoContext(ctx, "Claim settled",
		slog.String("claim_id", claim.ID),
		slog.String("claim_number", claim.ClaimNumber),
		slog.String("transaction_ref", ref),
		slog.Float64("amount", claim.ApprovedAmount))
	o.notifyStatus(ctx, updated)
}

// settlementFailed leaves the claim APPROVED and reports whether the attempt
// should be requeued. Idempotent payment submission makes the retry safe; the
// caller enqueues it only after releasing the step token.
func (o *Orchestrator) settlementFailed(ctx context.Context, claim *domain.Claim, t task, cause error) bool {
	reason := cause.Error()
	if _, err := o.claims.Update(ctx, claim.ID, repository.ClaimPatch{FailureReason: &reason}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to record settlement failure",
			slog.String("claim_id", claim.ID),
			slog.String("error", err.Error()))
	}

	retryable := !errors.Is(cause, gateway.ErrInsufficientFunds)
	if retryable && t.attempt+1 < o.opts.SettlementRetries {
		o.metrics.RecordSettlementRetry()
		o.logger.WarnContext(ctx, "Settlement failed, requeueing",
			slog.String("claim_id", claim.ID),
			slog.Int("attempt", t.attempt+1),
			slog.String("error", reason))
		return true
	}

	o.metrics.RecordSettlement("failed")
	o.logger.ErrorContext(ctx, "Settlement retries exhausted, claim left approved for manual retry",
		slog.String("claim_id", claim.ID),
		slog.String("error", reason))
	if o.notifier != nil {
		o.notifier.NotifyAlert(ctx, claim, "Settlement failed",
			fmt.Sprintf("Claim %s could not be settled: %s", claim.ClaimNumber, reason))
	}
	return false
}

func (o *Orchestrator) markForReconciliation(ctx context.Context, claim *domain.Claim, reason string) {
	needs := true
	if _, err := o.claims.Update(ctx, claim.ID, repository.ClaimPatch{
		NeedsReconciliation: &needs,
		FailureReason:       &reason,
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to flag claim for reconciliation",
			slog.String("claim_id", claim.ID),
			slog.String("error", err.Error()))
	}
	if o.notifier != nil {
		o.notifier.NotifyAlert(ctx, claim, "Settlement needs investigation",
			fmt.Sprintf("Claim %s: %s", claim.ClaimNumber, reason))
	}
}

func (o *Orchestrator) reconcileLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
			if _, err := o.policies.ExpireOverdue(ctx, time.Now().UTC()); err != nil {
				o.logger.Error("Policy expiry sweep failed", slog.String("error", err.Error()))
			}
			if err := o.Reconcile(ctx); err != nil {
				o.logger.Error("Reconciliation run failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-o.shutdownChan:
			return
		}
	}
}

func (o *Orchestrator) notifyStatus(ctx context.Context, claim *domain.Claim) {
	if o.notifier != nil {
		o.notifier.NotifyStatusChange(ctx, claim)
	}
}
