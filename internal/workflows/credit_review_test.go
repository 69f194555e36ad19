package workflows

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

type fakeAssessor struct {
	assessment collaborators.RiskAssessment
	err        error
}

func (f *fakeAssessor) AssessRisk(context.Context, models.Customer) (collaborators.RiskAssessment, error) {
	if f.err != nil {
		return collaborators.RiskAssessment{}, f.err
	}
	return f.assessment, nil
}

func newCreditRun(t *testing.T, h *workflowHarness, id string, customer models.Customer) *models.WorkflowRun {
	t.Helper()
	payload, err := json.Marshal(customer)
	require.NoError(t, err)
	run := &models.WorkflowRun{ID: id, Name: CreditReviewName, State: models.RunStateRunning, Payload: payload}
	_, created, err := h.store.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func TestCreditReviewUpdatesLimitsWhenRequired(t *testing.T) {
	h := newHarness(t)
	assessor := &fakeAssessor{assessment: collaborators.RiskAssessment{
		CustomerID:     "C1",
		RiskScore:      0.55,
		RiskBand:       collaborators.RiskBandHigh,
		UpdateRequired: true,
		SuggestedLimit: 4500,
	}}
	wf := NewCreditReview(assessor, h.erp, h.reviews, zap.NewNop())

	run := newCreditRun(t, h, "run-credit-high", models.Customer{ID: "C1", CanonicalName: "OMEGA TRADERS"})

	out, err := wf.Run(h.runContext(t, run))
	require.NoError(t, err)

	var result CreditReviewResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "completed", result.Status)

	require.Len(t, h.erp.limits, 1)
	assert.Equal(t, "C1", h.erp.limits[0].CustomerID)
	assert.InDelta(t, 4500, h.erp.limits[0].NewLimit, 1e-9)
	assert.Equal(t, "risk_band_high", h.erp.limits[0].Reason)
}

func TestCreditReviewNoActionForLowRisk(t *testing.T) {
	h := newHarness(t)
	assessor := &fakeAssessor{assessment: collaborators.RiskAssessment{
		CustomerID: "C2",
		RiskBand:   collaborators.RiskBandLow,
	}}
	wf := NewCreditReview(assessor, h.erp, h.reviews, zap.NewNop())

	run := newCreditRun(t, h, "run-credit-low", models.Customer{ID: "C2", CanonicalName: "ACME SUPPLIES"})

	out, err := wf.Run(h.runContext(t, run))
	require.NoError(t, err)

	var result CreditReviewResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "no_action_required", result.Status)
	assert.Empty(t, h.erp.limits)
}

func TestCreditReviewRoutesAssessmentFailureToManualReview(t *testing.T) {
	h := newHarness(t)
	assessor := &fakeAssessor{err: activity.Permanent("bureau rejected the lookup", nil)}
	wf := NewCreditReview(assessor, h.erp, h.reviews, zap.NewNop())

	run := newCreditRun(t, h, "run-credit-fail", models.Customer{ID: "C3", CanonicalName: "DELTA HOLDINGS"})

	_, err := wf.Run(h.runContext(t, run))
	require.Error(t, err)
	assert.Equal(t, activity.KindPermanent, activity.KindOf(err))

	require.Len(t, h.reviews.items, 1)
	item := h.reviews.items[0]
	assert.Equal(t, run.ID, item.RunID)
	assert.Equal(t, "credit_assessment_failed", item.Reason)
	assert.Contains(t, string(item.Details), "C3")
	assert.Empty(t, h.erp.limits)
}
