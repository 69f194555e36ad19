package collaborators

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// Manual review ticket states.
const (
	ReviewStatusOpen     = "open"
	ReviewStatusResolved = "resolved"
)

// ErrReviewItemNotFound is returned when resolving an unknown ticket.
var ErrReviewItemNotFound = errors.New("manual review item not found")

// GormReviewQueue stores manual-review tickets in the workflow database.
type GormReviewQueue struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormReviewQueue creates the queue over an open gorm handle.
func NewGormReviewQueue(db *gorm.DB, logger *zap.Logger) *GormReviewQueue {
	return &GormReviewQueue{db: db, logger: logger}
}

func (q *GormReviewQueue) Enqueue(ctx context.Context, item ReviewItem) error {
	// One open ticket per (run, reason); workflow retries of the routing
	// step must not stack duplicates.
	var count int64
	if err := q.db.WithContext(ctx).Model(&models.ManualReviewItem{}).
		Where("run_id = ? AND reason = ? AND status = ?", item.RunID, item.Reason, ReviewStatusOpen).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check existing review items: %w", err)
	}
	if count > 0 {
		return nil
	}

	record := &models.ManualReviewItem{
		ID:        uuid.New(),
		RunID:     item.RunID,
		PaymentID: item.PaymentID,
		ClientID:  item.ClientID,
		Reason:    item.Reason,
		Details:   datatypes.JSON(item.Details),
		Status:    ReviewStatusOpen,
	}
	if err := q.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to enqueue manual review item: %w", err)
	}

	q.logger.Info("payment routed for manual review",
		zap.String("run_id", item.RunID),
		zap.String("payment_id", item.PaymentID),
		zap.String("reason", item.Reason))
	return nil
}

func (q *GormReviewQueue) Open(ctx context.Context, clientID string, limit int) ([]models.ManualReviewItem, error) {
	query := q.db.WithContext(ctx).
		Where("status = ?", ReviewStatusOpen).
		Order("created_at ASC")
	if clientID != "" {
		query = query.Where("client_id = ?", clientID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []models.ManualReviewItem
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list manual review items: %w", err)
	}
	return items, nil
}

func (q *GormReviewQueue) Resolve(ctx context.Context, id string, assignee string) error {
	res := q.db.WithContext(ctx).Model(&models.ManualReviewItem{}).
		Where("id = ? AND status = ?", id, ReviewStatusOpen).
		Updates(map[string]interface{}{
			"status":      ReviewStatusResolved,
			"assigned_to": assignee,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve review item %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrReviewItemNotFound
	}
	return nil
}
