package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

// ErrNotFound is returned when a run id has no record.
var ErrNotFound = errors.New("run not found")

// ErrTerminal is returned for operations that require a live run.
var ErrTerminal = errors.New("run is in a terminal state")

// Store persists workflow runs and their append-only event history.
type Store interface {
	// CreateRun inserts a new run. When a run with the same id already
	// exists the existing record is returned and created is false; the
	// insert is a no-op. This is how duplicate submissions collapse.
	CreateRun(ctx context.Context, run *models.WorkflowRun) (existing *models.WorkflowRun, created bool, err error)

	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error

	// AppendEvent assigns the next sequence number for the run and
	// persists the event. Events are never updated or deleted.
	AppendEvent(ctx context.Context, runID string, event *models.RunEvent) error
	Events(ctx context.Context, runID string) ([]models.RunEvent, error)

	// DueRuns returns runs that a worker should try to claim: pending
	// runs, and running runs whose retry timer or heartbeat deadline has
	// passed (the latter is how orphaned runs from crashed workers get
	// picked up again).
	DueRuns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]models.WorkflowRun, error)

	// RequestCancel flags a live run for cooperative cancellation.
	RequestCancel(ctx context.Context, id string) error

	// CountActive counts runs still in flight, for admission control.
	CountActive(ctx context.Context) (int64, error)

	// CountActiveByName breaks the in-flight count down per workflow.
	CountActiveByName(ctx context.Context) (map[string]int64, error)
}

// GormStore is the production Store on gorm. It works against both
// postgres and the sqlite driver used in tests.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store over an open gorm handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// AutoMigrate creates or updates the run, event and manual-review tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.WorkflowRun{},
		&models.RunEvent{},
		&models.ManualReviewItem{},
	); err != nil {
		return fmt.Errorf("failed to migrate workflow tables: %w", err)
	}
	return nil
}

func (s *GormStore) CreateRun(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(run)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := s.GetRun(ctx, run.ID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info("duplicate run submission collapsed",
			zap.String("run_id", run.ID),
			zap.String("workflow", existing.Name))
		return existing, false, nil
	}
	return run, true, nil
}

func (s *GormStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}
	return &run, nil
}

func (s *GormStore) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return nil
}

func (s *GormStore) AppendEvent(ctx context.Context, runID string, event *models.RunEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		row := tx.Model(&models.RunEvent{}).
			Where("run_id = ?", runID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to read event sequence for run %s: %w", runID, err)
		}

		event.ID = uuid.New()
		event.RunID = runID
		event.Seq = maxSeq + 1
		event.SchemaVersion = models.EventSchemaVersion
		if event.At.IsZero() {
			event.At = time.Now().UTC()
		}

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to append %s event to run %s: %w", event.Kind, runID, err)
		}
		return nil
	})
}

func (s *GormStore) Events(ctx context.Context, runID string) ([]models.RunEvent, error) {
	var events []models.RunEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch events for run %s: %w", runID, err)
	}
	return events, nil
}

func (s *GormStore) DueRuns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]models.WorkflowRun, error) {
	staleBefore := now.Add(-staleAfter)

	var runs []models.WorkflowRun
	err := s.db.WithContext(ctx).
		Where("state = ?", models.RunStatePending).
		Or(s.db.
			Where("state = ?", models.RunStateRunning).
			Where(s.db.
				Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
				Or("last_heartbeat_at IS NOT NULL AND last_heartbeat_at <= ?", staleBefore).
				// Running runs that never heartbeated go stale on updated_at.
				Or("last_heartbeat_at IS NULL AND updated_at <= ?", staleBefore))).
		Order("created_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due runs: %w", err)
	}
	return runs, nil
}

func (s *GormStore) RequestCancel(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.WorkflowRun
		if err := tx.First(&run, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to fetch run %s for cancel: %w", id, err)
		}
		if models.IsTerminalRunState(run.State) {
			return ErrTerminal
		}
		if run.CancelRequested {
			// Cancelling twice while the run is live is a no-op.
			return nil
		}
		if err := tx.Model(&run).Update("cancel_requested", true).Error; err != nil {
			return fmt.Errorf("failed to flag run %s for cancel: %w", id, err)
		}
		return nil
	})
}

func (s *GormStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Where("state IN ?", []string{models.RunStatePending, models.RunStateRunning}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

func (s *GormStore) CountActiveByName(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Name  string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Select("name, COUNT(*) AS count").
		Where("state IN ?", []string{models.RunStatePending, models.RunStateRunning}).
		Group("name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count active runs by workflow: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Name] = row.Count
	}
	return out, nil
}
