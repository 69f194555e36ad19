package collaborators

import (
	"context"

	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// Risk bands, thresholds inclusive at the low end.
const (
	RiskBandLow    = "low"
	RiskBandMedium = "medium"
	RiskBandHigh   = "high"
)

// ExposureSource supplies the current receivables position for a
// customer; in production this is backed by the ERP.
type ExposureSource interface {
	OpenExposure(ctx context.Context, customerID string) (open float64, overdue float64, err error)
}

// HeuristicAssessor scores credit risk from the customer's overdue share
// of open receivables. It carries no external model dependency; heavy
// scoring stays a manual-review concern.
type HeuristicAssessor struct {
	exposure ExposureSource
	logger   *zap.Logger
}

// NewHeuristicAssessor creates the assessor.
func NewHeuristicAssessor(exposure ExposureSource, logger *zap.Logger) *HeuristicAssessor {
	return &HeuristicAssessor{exposure: exposure, logger: logger}
}

func (a *HeuristicAssessor) AssessRisk(ctx context.Context, customer models.Customer) (RiskAssessment, error) {
	open, overdue, err := a.exposure.OpenExposure(ctx, customer.ID)
	if err != nil {
		return RiskAssessment{}, err
	}

	assessment := RiskAssessment{CustomerID: customer.ID}
	if open <= 0 {
		assessment.RiskBand = RiskBandLow
		return assessment, nil
	}

	overdueShare := overdue / open
	assessment.RiskScore = overdueShare
	switch {
	case overdueShare < 0.1:
		assessment.RiskBand = RiskBandLow
	case overdueShare < 0.4:
		assessment.RiskBand = RiskBandMedium
	default:
		assessment.RiskBand = RiskBandHigh
		assessment.UpdateRequired = true
		// Cap further exposure at what is currently performing.
		assessment.SuggestedLimit = open - overdue
	}

	a.logger.Info("credit risk assessed",
		zap.String("customer_id", customer.ID),
		zap.Float64("overdue_share", overdueShare),
		zap.String("band", assessment.RiskBand))
	return assessment, nil
}
