package workflows

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/engine"
	"github.com/lexure-intelligence/cash-application/internal/models"
	"github.com/lexure-intelligence/cash-application/internal/retry"
)

// CreditReviewName is the registered workflow name.
const CreditReviewName = "credit_review"

// Credit review step ids.
const (
	StepAssessRisk         = "assess_credit_risk"
	StepUpdateCreditLimits = "update_credit_limits"
)

var (
	assessPolicy      = retry.Policy{InitialInterval: time.Second, MaximumInterval: time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 2}
	limitUpdatePolicy = retry.Policy{InitialInterval: 2 * time.Second, MaximumInterval: 2 * time.Minute, BackoffCoefficient: 2.0, MaximumAttempts: 3}
)

// CreditReview assesses a customer's risk and, when the assessment asks
// for it, pushes an updated credit limit into the ERP.
type CreditReview struct {
	assessor collaborators.CreditAssessor
	erp      collaborators.ERPClient
	reviews  collaborators.ManualReviewQueue
	logger   *zap.Logger
}

// NewCreditReview wires the credit review workflow.
func NewCreditReview(assessor collaborators.CreditAssessor, erp collaborators.ERPClient, reviews collaborators.ManualReviewQueue, logger *zap.Logger) *CreditReview {
	return &CreditReview{assessor: assessor, erp: erp, reviews: reviews, logger: logger}
}

func (w *CreditReview) Name() string { return CreditReviewName }

// CreditReviewResult is the terminal document of a credit review run.
type CreditReviewResult struct {
	Status     string                       `json:"status"`
	Assessment collaborators.RiskAssessment `json:"risk_assessment"`
}

func (w *CreditReview) Run(rc *engine.RunContext) (json.RawMessage, error) {
	var customer models.Customer
	if err := json.Unmarshal(rc.Payload(), &customer); err != nil {
		return nil, activity.NewError(activity.KindInvalidInput, "run payload is not a customer", err)
	}

	assessment, err := w.assess(rc, customer)
	if err != nil {
		return nil, w.failWithReview(rc, customer, "credit_assessment_failed", err)
	}

	if !assessment.UpdateRequired {
		raw, _ := json.Marshal(CreditReviewResult{Status: "no_action_required", Assessment: assessment})
		return raw, nil
	}

	if err := w.updateLimits(rc, customer, assessment); err != nil {
		return nil, w.failWithReview(rc, customer, "credit_limit_update_failed", err)
	}

	w.logger.Info("credit limit updated",
		zap.String("customer_id", customer.ID),
		zap.Float64("new_limit", assessment.SuggestedLimit))

	raw, _ := json.Marshal(CreditReviewResult{Status: "completed", Assessment: assessment})
	return raw, nil
}

func (w *CreditReview) assess(rc *engine.RunContext, customer models.Customer) (collaborators.RiskAssessment, error) {
	input, _ := json.Marshal(customer)

	out, err := rc.ExecuteStep(StepAssessRisk, activity.Options{
		StartToClose: 5 * time.Minute,
	}, assessPolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var c models.Customer
		if err := json.Unmarshal(in, &c); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad customer document", err)
		}
		assessment, err := w.assessor.AssessRisk(ctx, c)
		if err != nil {
			return nil, err
		}
		return json.Marshal(assessment)
	}, input)
	if err != nil {
		return collaborators.RiskAssessment{}, err
	}

	var assessment collaborators.RiskAssessment
	if err := json.Unmarshal(out, &assessment); err != nil {
		return collaborators.RiskAssessment{}, activity.NewError(activity.KindEngineInternal, "bad assessment in history", err)
	}
	return assessment, nil
}

func (w *CreditReview) updateLimits(rc *engine.RunContext, customer models.Customer, assessment collaborators.RiskAssessment) error {
	update := collaborators.CreditLimitUpdate{
		CustomerID: customer.ID,
		NewLimit:   assessment.SuggestedLimit,
		Reason:     "risk_band_" + assessment.RiskBand,
	}
	input, _ := json.Marshal(update)

	_, err := rc.ExecuteStep(StepUpdateCreditLimits, activity.Options{
		StartToClose: 10 * time.Minute,
	}, limitUpdatePolicy, func(ctx context.Context, _ *activity.Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		var u collaborators.CreditLimitUpdate
		if err := json.Unmarshal(in, &u); err != nil {
			return nil, activity.NewError(activity.KindInvalidInput, "bad credit limit update", err)
		}
		if err := w.erp.UpdateCreditLimit(ctx, keyFromContextStep(rc), u); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"updated":true}`), nil
	}, input)
	return err
}

// failWithReview enqueues a best-effort review ticket for an unhandled
// step failure, then surfaces the original error. Cancellations pass
// straight through.
func (w *CreditReview) failWithReview(rc *engine.RunContext, customer models.Customer, reason string, cause error) error {
	if activity.KindOf(cause) == activity.KindCancelled {
		return cause
	}
	if err := w.reviews.Enqueue(rc.Context(), collaborators.ReviewItem{
		RunID:    rc.Run().ID,
		ClientID: rc.Run().ClientID,
		Reason:   reason,
		Details: []byte(`{"customer_id":` + jsonString(customer.ID) +
			`,"error":` + jsonString(cause.Error()) + `}`),
	}); err != nil {
		w.logger.Warn("failed to enqueue review ticket for failed run",
			zap.String("run_id", rc.Run().ID), zap.Error(err))
	}
	return cause
}
