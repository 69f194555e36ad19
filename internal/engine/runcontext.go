package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/models"
	"github.com/lexure-intelligence/cash-application/internal/retry"
)

// Workflow is a deterministic step sequence driven by a RunContext. Run
// is re-entered from the top after a crash; all side effects must go
// through ExecuteStep so the recorded history can replay them.
type Workflow interface {
	Name() string
	Run(rc *RunContext) (json.RawMessage, error)
}

// ManualDecision is returned by a workflow to park the run on the
// manual-review queue instead of failing it.
type ManualDecision struct {
	Reason  string
	Details json.RawMessage
}

func (m *ManualDecision) Error() string { return "routed to manual review: " + m.Reason }

// RunContext drives one workflow execution against its recorded history.
// Completed steps replay from the event log without re-invoking the
// collaborator; live steps append to it.
type RunContext struct {
	ctx     context.Context
	run     *models.WorkflowRun
	store   history.Store
	invoker *activity.Invoker
	logger  *zap.Logger

	completed map[string]*models.RunEvent // step id -> final step_completed
	dangling  map[string]int              // step id -> attempt with no completion
	next      map[string]int              // step id -> attempt after recorded retryable failures
}

// NewRunContext builds a context for one claimed run from its history.
func NewRunContext(ctx context.Context, run *models.WorkflowRun, events []models.RunEvent, store history.Store, invoker *activity.Invoker, logger *zap.Logger) *RunContext {
	rc := &RunContext{
		ctx:       ctx,
		run:       run,
		store:     store,
		invoker:   invoker,
		logger:    logger.With(zap.String("run_id", run.ID)),
		completed: make(map[string]*models.RunEvent),
		dangling:  make(map[string]int),
		next:      make(map[string]int),
	}
	for i := range events {
		ev := events[i]
		switch ev.Kind {
		case models.EventStepStarted:
			rc.dangling[ev.StepID] = ev.Attempt
		case models.EventStepCompleted:
			if ev.Outcome == models.OutcomeOK || ev.Outcome == models.OutcomePermanentError {
				rc.completed[ev.StepID] = &events[i]
			} else {
				// A recorded retryable failure: the next live attempt
				// continues the sequence, it does not restart it.
				rc.next[ev.StepID] = ev.Attempt + 1
			}
			delete(rc.dangling, ev.StepID)
		}
	}
	return rc
}

// Context exposes the run-scoped context for workflow-local work that
// does not go through a step.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Run returns the durable run record being driven.
func (rc *RunContext) Run() *models.WorkflowRun { return rc.run }

// Payload returns the run input document.
func (rc *RunContext) Payload() json.RawMessage { return json.RawMessage(rc.run.Payload) }

// ExecuteStep runs one named step with retries. A step that already has
// a recorded completion replays it: an ok outcome returns the stored
// result, a permanent failure returns the stored error, and the
// collaborator is not called again. A dangling started attempt from a
// crashed worker is re-run under the same attempt number, so the
// idempotency key seen by the collaborator does not change.
func (rc *RunContext) ExecuteStep(stepID string, opts activity.Options, policy retry.Policy, fn activity.Fn, input json.RawMessage) (json.RawMessage, error) {
	if ev, ok := rc.completed[stepID]; ok {
		if ev.Outcome == models.OutcomeOK {
			rc.logger.Debug("step replayed from history", zap.String("step_id", stepID), zap.Int("attempt", ev.Attempt))
			return json.RawMessage(ev.Payload), nil
		}
		return nil, activity.NewError(activity.KindPermanent,
			fmt.Sprintf("step %s failed permanently on attempt %d", stepID, ev.Attempt),
			fmt.Errorf("%s", ev.Error))
	}

	attemptNo := 1
	if n, ok := rc.next[stepID]; ok {
		attemptNo = n
	}
	if dangling, ok := rc.dangling[stepID]; ok {
		attemptNo = dangling
		rc.logger.Info("resuming dangling step attempt",
			zap.String("step_id", stepID), zap.Int("attempt", attemptNo))
	}

	for {
		if err := rc.checkCancelled(); err != nil {
			return nil, err
		}

		key := activity.IdempotencyKey(rc.run.ID, stepID, attemptNo)
		opts.IdempotencyKey = key

		// Recovered attempts already have their step_started on record.
		if _, recovered := rc.dangling[stepID]; !recovered {
			if err := rc.store.AppendEvent(rc.ctx, rc.run.ID, &models.RunEvent{
				Kind:           models.EventStepStarted,
				StepID:         stepID,
				Attempt:        attemptNo,
				IdempotencyKey: key,
			}); err != nil {
				return nil, activity.NewError(activity.KindEngineInternal, "failed to record step start", err)
			}
		}
		delete(rc.dangling, stepID)

		rc.run.CurrentStep = stepID
		rc.run.CurrentAttempt = attemptNo
		if err := rc.store.UpdateRun(rc.ctx, rc.run); err != nil {
			return nil, activity.NewError(activity.KindEngineInternal, "failed to update run position", err)
		}

		attempt := rc.invoker.Invoke(rc.ctx, stepID, attemptNo, opts, fn, input, rc.heartbeatSink(stepID, attemptNo))

		completion := &models.RunEvent{
			Kind:           models.EventStepCompleted,
			StepID:         stepID,
			Attempt:        attemptNo,
			IdempotencyKey: key,
			Outcome:        outcomeFor(attempt.Outcome),
		}
		if attempt.OK() {
			completion.Payload = datatypes.JSON(attempt.Result)
			completion.ResultHash = hashResult(attempt.Result)
		} else {
			completion.Error = attempt.Err.Error()
		}
		if err := rc.store.AppendEvent(rc.ctx, rc.run.ID, completion); err != nil {
			return nil, activity.NewError(activity.KindEngineInternal, "failed to record step completion", err)
		}

		if attempt.OK() {
			return attempt.Result, nil
		}

		rc.logger.Warn("step attempt failed",
			zap.String("step_id", stepID),
			zap.Int("attempt", attemptNo),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(attempt.Err))

		retryDelay, wantRetry := policy.RetryAfter(attemptNo, attempt.Outcome)
		if !wantRetry {
			return nil, attempt.Err
		}

		next := time.Now().UTC().Add(retryDelay)
		rc.run.NextRetryAt = &next
		rc.run.LastError = attempt.Err.Error()
		if err := rc.store.UpdateRun(rc.ctx, rc.run); err != nil {
			return nil, activity.NewError(activity.KindEngineInternal, "failed to record retry schedule", err)
		}
		if err := rc.Sleep(retryDelay); err != nil {
			return nil, err
		}
		rc.run.NextRetryAt = nil
		attemptNo++
	}
}

// Sleep pauses the run, waking early on cancellation.
func (rc *RunContext) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return rc.checkCancelled()
	case <-rc.ctx.Done():
		if rc.ctx.Err() == context.DeadlineExceeded {
			return activity.NewError(activity.KindTimeout, "run deadline exceeded during backoff", rc.ctx.Err())
		}
		return activity.NewError(activity.KindCancelled, "run cancelled during backoff", nil)
	}
}

// checkCancelled refreshes the cancel flag at a suspension point.
func (rc *RunContext) checkCancelled() error {
	select {
	case <-rc.ctx.Done():
		if rc.ctx.Err() == context.DeadlineExceeded {
			return activity.NewError(activity.KindTimeout, "run deadline exceeded", rc.ctx.Err())
		}
		return activity.NewError(activity.KindCancelled, "run cancelled", nil)
	default:
	}

	fresh, err := rc.store.GetRun(rc.ctx, rc.run.ID)
	if err != nil {
		return activity.NewError(activity.KindEngineInternal, "failed to refresh run", err)
	}
	if fresh.CancelRequested {
		rc.run.CancelRequested = true
		return activity.NewError(activity.KindCancelled, "cancel requested", nil)
	}
	return nil
}

func (rc *RunContext) heartbeatSink(stepID string, attemptNo int) func(note string, at time.Time) {
	return func(note string, at time.Time) {
		rc.run.LastHeartbeatAt = &at
		if err := rc.store.UpdateRun(rc.ctx, rc.run); err != nil {
			rc.logger.Warn("failed to persist heartbeat", zap.Error(err))
			return
		}
		ev := &models.RunEvent{
			Kind:    models.EventHeartbeat,
			StepID:  stepID,
			Attempt: attemptNo,
			At:      at,
		}
		if note != "" {
			if body, err := json.Marshal(map[string]string{"note": note}); err == nil {
				ev.Payload = datatypes.JSON(body)
			}
		}
		if err := rc.store.AppendEvent(rc.ctx, rc.run.ID, ev); err != nil {
			rc.logger.Warn("failed to record heartbeat event", zap.Error(err))
		}
	}
}

func outcomeFor(kind activity.Kind) string {
	switch kind {
	case activity.KindOK:
		return models.OutcomeOK
	case activity.KindCancelled:
		return models.OutcomeCancelled
	case activity.KindTimeout:
		return models.OutcomeTimeout
	case activity.KindPermanent, activity.KindInvalidInput, activity.KindDataQuality:
		return models.OutcomePermanentError
	default:
		return models.OutcomeTransientError
	}
}

func hashResult(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
