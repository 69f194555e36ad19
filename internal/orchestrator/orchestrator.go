package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/models"
)

// ErrOverloaded is returned when admission control rejects a submission.
var ErrOverloaded = errors.New("orchestrator is at capacity")

// ErrUnknownWorkflow is returned for submissions naming an unregistered workflow.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Options tune submission handling.
type Options struct {
	// MaxActiveRuns caps pending+running runs across all workers.
	MaxActiveRuns int64
	// MaxRunDuration becomes each run's deadline.
	MaxRunDuration time.Duration
	// AdmissionRate and AdmissionBurst bound the submission rate ahead of
	// the capacity check, so a flood never reaches the database.
	AdmissionRate  rate.Limit
	AdmissionBurst int
}

// DefaultOptions are sensible production settings.
func DefaultOptions() Options {
	return Options{
		MaxActiveRuns:  1000,
		MaxRunDuration: time.Hour,
		AdmissionRate:  rate.Limit(100),
		AdmissionBurst: 200,
	}
}

// Orchestrator is the submission front door: it derives deterministic run
// ids, applies admission control, and records new runs for the engine
// workers to claim. It never executes workflow code itself.
type Orchestrator struct {
	store     history.Store
	workflows map[string]struct{}
	resolver  ResolverVersionSource
	metrics   *Metrics
	limiter   *rate.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer
	opts      Options
}

// ResolverVersionSource pins the customer-table version a run matches
// against for its whole life.
type ResolverVersionSource interface {
	CurrentVersion() int
}

// New creates an orchestrator accepting the named workflows.
func New(store history.Store, resolver ResolverVersionSource, metrics *Metrics, logger *zap.Logger, opts Options, workflowNames ...string) *Orchestrator {
	names := make(map[string]struct{}, len(workflowNames))
	for _, n := range workflowNames {
		names[n] = struct{}{}
	}
	return &Orchestrator{
		store:     store,
		workflows: names,
		resolver:  resolver,
		metrics:   metrics,
		limiter:   rate.NewLimiter(opts.AdmissionRate, opts.AdmissionBurst),
		logger:    logger,
		tracer:    otel.Tracer("orchestrator"),
		opts:      opts,
	}
}

// StartRequest is one workflow submission.
type StartRequest struct {
	Workflow string          `json:"workflow"`
	ClientID string          `json:"client_id"`
	Payload  json.RawMessage `json:"payload"`
}

// StartResponse reports the run a submission landed on. Created is false
// when the submission collapsed onto an existing run.
type StartResponse struct {
	Run     *models.WorkflowRun `json:"run"`
	Created bool                `json:"created"`
}

// DeriveRunID computes the deterministic run id for a submission. Payloads
// carrying an id (and optionally a value date) key on those fields, so a
// re-sent bank file lands on the same run; anything else keys on the full
// payload bytes.
func DeriveRunID(workflow string, payload json.RawMessage) string {
	var ident struct {
		ID        string `json:"id"`
		ValueDate string `json:"value_date"`
	}
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	if err := json.Unmarshal(payload, &ident); err == nil && ident.ID != "" {
		h.Write([]byte(ident.ID))
		h.Write([]byte{0})
		h.Write([]byte(ident.ValueDate))
	} else {
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func payloadHash(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Start admits a submission and records the run. Duplicate submissions
// return the existing run with Created false and create nothing.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	ctx, span := o.tracer.Start(ctx, "start_run")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow", req.Workflow),
		attribute.String("client_id", req.ClientID),
	)

	if _, ok := o.workflows[req.Workflow]; !ok {
		o.metrics.runsRejected.WithLabelValues("unknown_workflow").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.Workflow)
	}
	if len(req.Payload) == 0 {
		o.metrics.runsRejected.WithLabelValues("invalid_payload").Inc()
		return nil, fmt.Errorf("submission for %q carries no payload", req.Workflow)
	}

	if !o.limiter.Allow() {
		o.metrics.runsRejected.WithLabelValues("overloaded").Inc()
		return nil, ErrOverloaded
	}
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= o.opts.MaxActiveRuns {
		o.metrics.runsRejected.WithLabelValues("overloaded").Inc()
		o.logger.Warn("submission rejected at capacity",
			zap.String("workflow", req.Workflow),
			zap.Int64("active_runs", active))
		return nil, ErrOverloaded
	}

	run := &models.WorkflowRun{
		ID:              DeriveRunID(req.Workflow, req.Payload),
		Name:            req.Workflow,
		State:           models.RunStatePending,
		Payload:         datatypes.JSON(req.Payload),
		PayloadHash:     payloadHash(req.Payload),
		ClientID:        req.ClientID,
		ResolverVersion: o.resolver.CurrentVersion(),
		Deadline:        time.Now().UTC().Add(o.opts.MaxRunDuration),
	}
	span.SetAttributes(attribute.String("run_id", run.ID))

	stored, created, err := o.store.CreateRun(ctx, run)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		o.metrics.runsDuplicate.Inc()
		return &StartResponse{Run: stored, Created: false}, nil
	}

	o.metrics.RunStarted(req.Workflow, req.ClientID)
	o.logger.Info("run accepted",
		zap.String("run_id", run.ID),
		zap.String("workflow", req.Workflow),
		zap.String("client_id", req.ClientID))
	return &StartResponse{Run: stored, Created: true}, nil
}

// Status returns the current run record.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return o.store.GetRun(ctx, runID)
}

// History returns a run's append-only event log, oldest first.
func (o *Orchestrator) History(ctx context.Context, runID string) ([]models.RunEvent, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.Events(ctx, runID)
}

// Cancel flags a live run for cooperative cancellation. The run stops at
// its next suspension point; cancelling a terminal run is a conflict
// (history.ErrTerminal) and cancelling twice is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	ctx, span := o.tracer.Start(ctx, "cancel_run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.CancelRequested && !models.IsTerminalRunState(run.State) {
		return nil
	}

	if err := o.store.RequestCancel(ctx, runID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.store.AppendEvent(ctx, runID, &models.RunEvent{
		Kind: models.EventCancelRequested,
	}); err != nil {
		o.logger.Warn("cancel flagged but event append failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	o.metrics.cancels.Inc()
	o.logger.Info("cancellation requested", zap.String("run_id", runID))
	return nil
}

// Stats is the orchestrator's aggregate view.
type Stats struct {
	ActiveRuns       int64                      `json:"active_runs"`
	ActiveRunsByName map[string]int64           `json:"active_runs_by_name"`
	StartedTotal     int64                      `json:"started_total"`
	RunDurations     map[string]DurationSummary `json:"run_durations"`
	RuleUsage        map[string]int64           `json:"rule_usage"`
}

// Stats reports in-flight load, acceptance and duration aggregates, and
// matcher rule usage. It also refreshes the per-workflow active-run gauges.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	byName, err := o.store.CountActiveByName(ctx)
	if err != nil {
		return Stats{}, err
	}
	o.metrics.SetActive(byName)

	var total int64
	for _, n := range byName {
		total += n
	}
	return Stats{
		ActiveRuns:       total,
		ActiveRunsByName: byName,
		StartedTotal:     o.metrics.StartedTotal(),
		RunDurations:     o.metrics.RunDurations(),
		RuleUsage:        o.metrics.RuleUsage(),
	}, nil
}
