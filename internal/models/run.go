package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Workflow run states.
const (
	RunStatePending        = "pending"
	RunStateRunning        = "running"
	RunStateCompleted      = "completed"
	RunStateFailed         = "failed"
	RunStateCancelled      = "cancelled"
	RunStateAwaitingManual = "awaiting_manual"
)

// IsTerminalRunState reports whether a run can no longer change state.
func IsTerminalRunState(state string) bool {
	switch state {
	case RunStateCompleted, RunStateFailed, RunStateCancelled, RunStateAwaitingManual:
		return true
	}
	return false
}

// History event kinds. The event log is append-only and versioned; newer
// engines must keep reading older events, so kinds are never renamed.
const (
	EventStepStarted     = "step_started"
	EventStepCompleted   = "step_completed"
	EventHeartbeat       = "heartbeat"
	EventCancelRequested = "cancel_requested"
	EventRunCompleted    = "run_completed"
)

// EventSchemaVersion is stamped on every persisted event.
const EventSchemaVersion = 1

// Activity attempt outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeTransientError = "transient_error"
	OutcomePermanentError = "permanent_error"
	OutcomeTimeout        = "timeout"
	OutcomeCancelled      = "cancelled"
)

// WorkflowRun is the durable record of one workflow execution. The run id is
// derived deterministically from the workflow name and payload identity, so
// duplicate submissions collapse onto the same row. History is the source of
// truth; the scalar columns here are a queryable projection of it.
type WorkflowRun struct {
	ID   string `json:"id" gorm:"size:80;primaryKey"`
	Name string `json:"name" gorm:"size:100;not null;index"`

	State           string         `json:"state" gorm:"size:30;not null;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	PayloadHash     string         `json:"payload_hash" gorm:"size:64;not null"`
	ClientID        string         `json:"client_id" gorm:"size:100;index"`
	ResolverVersion int            `json:"resolver_version" gorm:"default:0"`

	CurrentStep     string     `json:"current_step,omitempty" gorm:"size:100"`
	CurrentAttempt  int        `json:"current_attempt" gorm:"default:0"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty" gorm:"index"`
	CancelRequested bool       `json:"cancel_requested" gorm:"default:false"`
	Deadline        time.Time  `json:"deadline"`

	Result          datatypes.JSON `json:"result,omitempty" gorm:"type:jsonb"`
	LastError       string         `json:"last_error,omitempty" gorm:"type:text"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Events []RunEvent `json:"events,omitempty" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// RunEvent is one entry in a run's append-only history. Seq is strictly
// ordered per run; the (RunID, Seq) pair is unique.
type RunEvent struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	RunID string    `json:"run_id" gorm:"size:80;not null;index:idx_run_events_run_seq,unique,priority:1"`
	Seq   int       `json:"seq" gorm:"not null;index:idx_run_events_run_seq,unique,priority:2"`

	Kind          string `json:"kind" gorm:"size:40;not null"`
	SchemaVersion int    `json:"schema_version" gorm:"default:1"`

	StepID         string `json:"step_id,omitempty" gorm:"size:100"`
	Attempt        int    `json:"attempt,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty" gorm:"size:200"`
	Outcome        string `json:"outcome,omitempty" gorm:"size:30"`
	ResultHash     string `json:"result_hash,omitempty" gorm:"size:64"`
	Error          string `json:"error,omitempty" gorm:"type:text"`

	Payload datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	At      time.Time      `json:"at" gorm:"not null"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// ManualReviewItem is a ticket on the manual-review queue. Terminal
// manual_review runs always leave one behind.
type ManualReviewItem struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	RunID      string         `json:"run_id" gorm:"size:80;index"`
	PaymentID  string         `json:"payment_id" gorm:"size:100;not null;index"`
	ClientID   string         `json:"client_id" gorm:"size:100;index"`
	Reason     string         `json:"reason" gorm:"size:100;not null;index"`
	Details    datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`
	AssignedTo string         `json:"assigned_to,omitempty" gorm:"size:100"`
	Status     string         `json:"status" gorm:"size:30;not null;default:'open';index"`
	CreatedAt  time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

func (WorkflowRun) TableName() string      { return "workflow_runs" }
func (RunEvent) TableName() string         { return "workflow_run_events" }
func (ManualReviewItem) TableName() string { return "manual_review_items" }
