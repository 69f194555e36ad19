package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/lexure-intelligence/cash-application/internal/activity"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

// Options tune the worker loop.
type Options struct {
	// PollInterval is how often the store is scanned for due runs.
	PollInterval time.Duration
	// LeaseTTL bounds how long a crashed worker blocks a run.
	LeaseTTL time.Duration
	// HeartbeatStaleAfter is how long a running run may go without a
	// heartbeat before another worker may reclaim it.
	HeartbeatStaleAfter time.Duration
	// MaxConcurrentRuns caps in-flight runs per worker.
	MaxConcurrentRuns int
	// ClaimBatch is the number of due runs fetched per poll.
	ClaimBatch int
	// OnRunFinished, when set, is called after a run reaches a terminal
	// state with the wall-clock time since the run was first claimed.
	OnRunFinished func(workflow, state string, d time.Duration)
}

// DefaultOptions are sensible production settings.
func DefaultOptions() Options {
	return Options{
		PollInterval:        2 * time.Second,
		LeaseTTL:            30 * time.Second,
		HeartbeatStaleAfter: 5 * time.Minute,
		MaxConcurrentRuns:   16,
		ClaimBatch:          32,
	}
}

// Engine claims due runs, drives their workflows and records outcomes.
// Several engines can share one store; run leases keep them from
// stepping on each other.
type Engine struct {
	store     history.Store
	leaser    Leaser
	invoker   *activity.Invoker
	logger    *zap.Logger
	tracer    trace.Tracer
	opts      Options
	workflows map[string]Workflow

	wg  sync.WaitGroup
	sem chan struct{}
}

// New creates an engine with the given workflow registry.
func New(store history.Store, leaser Leaser, invoker *activity.Invoker, logger *zap.Logger, opts Options, workflows ...Workflow) *Engine {
	reg := make(map[string]Workflow, len(workflows))
	for _, wf := range workflows {
		reg[wf.Name()] = wf
	}
	return &Engine{
		store:     store,
		leaser:    leaser,
		invoker:   invoker,
		logger:    logger,
		tracer:    otel.Tracer("workflow-engine"),
		opts:      opts,
		workflows: reg,
		sem:       make(chan struct{}, opts.MaxConcurrentRuns),
	}
}

// Start runs the poll loop until ctx is cancelled, then waits for
// in-flight runs to finish their current suspension point.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.logger.Info("workflow engine started",
		zap.Duration("poll_interval", e.opts.PollInterval),
		zap.Int("max_concurrent", e.opts.MaxConcurrentRuns))

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("workflow engine stopped")
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

func (e *Engine) poll(ctx context.Context) {
	due, err := e.store.DueRuns(ctx, time.Now().UTC(), e.opts.HeartbeatStaleAfter, e.opts.ClaimBatch)
	if err != nil {
		e.logger.Error("failed to poll due runs", zap.Error(err))
		return
	}

	for i := range due {
		run := due[i]
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		claimed, err := e.leaser.Acquire(ctx, run.ID, e.opts.LeaseTTL)
		if err != nil || !claimed {
			<-e.sem
			if err != nil {
				e.logger.Warn("lease acquisition failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.Drive(ctx, run.ID)
		}()
	}
}

// Drive executes one claimed run to its next terminal state or
// suspension. It is exported so tests and the poll loop share one path.
func (e *Engine) Drive(ctx context.Context, runID string) {
	defer func() {
		if err := e.leaser.Release(context.Background(), runID); err != nil {
			e.logger.Warn("lease release failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	ctx, span := e.tracer.Start(ctx, "drive_run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("failed to load claimed run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if models.IsTerminalRunState(run.State) {
		return
	}

	wf, ok := e.workflows[run.Name]
	if !ok {
		e.finish(ctx, run, models.RunStateFailed, nil,
			activity.NewError(activity.KindEngineInternal, fmt.Sprintf("no workflow registered as %q", run.Name), nil))
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if !run.Deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, run.Deadline)
		defer cancel()
	}

	stopRenewal := e.keepLeaseAlive(runCtx, runID)
	defer stopRenewal()

	events, err := e.store.Events(runCtx, runID)
	if err != nil {
		e.logger.Error("failed to load run history", zap.String("run_id", runID), zap.Error(err))
		return
	}

	// Claiming stamps the heartbeat column, so a worker that crashes
	// before the first activity heartbeat still leaves a run that goes
	// stale and becomes reclaimable.
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	if run.State == models.RunStatePending {
		run.State = models.RunStateRunning
		run.StartedAt = &now
	}
	if err := e.store.UpdateRun(runCtx, run); err != nil {
		e.logger.Error("failed to mark run claimed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	rc := NewRunContext(runCtx, run, events, e.store, e.invoker, e.logger)
	result, wfErr := wf.Run(rc)

	switch {
	case wfErr == nil:
		e.finish(runCtx, run, models.RunStateCompleted, result, nil)
	default:
		var manual *ManualDecision
		if errors.As(wfErr, &manual) {
			run.LastError = manual.Reason
			e.finish(runCtx, run, models.RunStateAwaitingManual, manual.Details, wfErr)
			return
		}
		if activity.KindOf(wfErr) == activity.KindCancelled {
			e.finish(runCtx, run, models.RunStateCancelled, nil, wfErr)
			return
		}
		// Retries are already exhausted by the time a step error
		// surfaces here, so anything that is not a cancel fails the run.
		e.finish(runCtx, run, models.RunStateFailed, nil, wfErr)
	}
}

func (e *Engine) finish(ctx context.Context, run *models.WorkflowRun, state string, result []byte, wfErr error) {
	now := time.Now().UTC()
	run.State = state
	run.CompletedAt = &now
	run.NextRetryAt = nil
	run.CurrentStep = ""
	if result != nil {
		run.Result = datatypes.JSON(result)
	}
	if wfErr != nil {
		run.LastError = wfErr.Error()
	}

	outcome := models.OutcomeOK
	if state == models.RunStateFailed {
		outcome = models.OutcomePermanentError
	} else if state == models.RunStateCancelled {
		outcome = models.OutcomeCancelled
	}

	ev := &models.RunEvent{
		Kind:    models.EventRunCompleted,
		Outcome: outcome,
		Payload: datatypes.JSON(result),
	}
	if wfErr != nil {
		ev.Error = wfErr.Error()
	}
	if err := e.store.AppendEvent(ctx, run.ID, ev); err != nil {
		e.logger.Error("failed to record run completion", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("failed to persist terminal run state", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if e.opts.OnRunFinished != nil && run.StartedAt != nil {
		e.opts.OnRunFinished(run.Name, state, now.Sub(*run.StartedAt))
	}

	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Name),
		zap.String("state", state))
}

// keepLeaseAlive renews the run lease at a third of its TTL until the
// returned stop function is called.
func (e *Engine) keepLeaseAlive(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	interval := e.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.leaser.Renew(ctx, runID, e.opts.LeaseTTL); err != nil {
					e.logger.Warn("lease renewal failed", zap.String("run_id", runID), zap.Error(err))
				}
			}
		}
	}()
	return stop
}
