package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Fn is a single collaborator call. Implementations must honor ctx
// cancellation and may report progress through hb.
type Fn func(ctx context.Context, hb *Heartbeat, input json.RawMessage) (json.RawMessage, error)

// Options bound one attempt of an activity invocation.
type Options struct {
	// StartToClose is the wall-clock cap for one attempt.
	StartToClose time.Duration
	// HeartbeatTimeout marks the attempt as timed out when no heartbeat
	// arrives within the window. Zero disables heartbeat monitoring.
	HeartbeatTimeout time.Duration
	// IdempotencyKey labels the call so collaborators can deduplicate
	// write effects across retries and crash recovery.
	IdempotencyKey string
}

// Heartbeat carries progress tokens from a running activity to observers.
// Only the latest token is retained (high-water mark).
type Heartbeat struct {
	mu     sync.Mutex
	note   string
	at     time.Time
	pulses chan struct{}
	sink   func(note string, at time.Time)
}

func newHeartbeat(sink func(note string, at time.Time)) *Heartbeat {
	return &Heartbeat{pulses: make(chan struct{}, 1), sink: sink}
}

// Record registers a liveness pulse with an optional progress note.
func (h *Heartbeat) Record(note string) {
	now := time.Now()
	h.mu.Lock()
	h.note = note
	h.at = now
	h.mu.Unlock()
	if h.sink != nil {
		h.sink(note, now)
	}
	select {
	case h.pulses <- struct{}{}:
	default:
	}
}

// Latest returns the most recent progress note and its timestamp.
func (h *Heartbeat) Latest() (string, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.note, h.at
}

// Attempt is the record of one activity invocation.
type Attempt struct {
	StepID         string
	Number         int
	IdempotencyKey string
	StartedAt      time.Time
	EndedAt        time.Time
	Outcome        Kind
	Err            error
	Result         json.RawMessage
	LastHeartbeat  string
}

// OK reports whether the attempt produced a usable result.
func (a *Attempt) OK() bool { return a.Err == nil }

// IdempotencyKey derives the stable deduplication tag for an attempt.
func IdempotencyKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, stepID, attempt)
}

// Invoker calls collaborators with per-attempt timeout, heartbeat
// monitoring and cooperative cancellation. It owns no retry policy;
// the engine decides whether to invoke again.
type Invoker struct {
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInvoker creates an activity invoker.
func NewInvoker(logger *zap.Logger) *Invoker {
	return &Invoker{
		logger: logger,
		tracer: otel.Tracer("activity-invoker"),
	}
}

// Invoke runs fn once under opts and classifies the outcome. A nil Attempt
// is never returned. Heartbeat notes are forwarded to hbSink, which may be
// nil.
func (inv *Invoker) Invoke(ctx context.Context, stepID string, attemptNo int, opts Options, fn Fn, input json.RawMessage, hbSink func(note string, at time.Time)) *Attempt {
	ctx, span := inv.tracer.Start(ctx, "invoke_activity")
	defer span.End()

	attempt := &Attempt{
		StepID:         stepID,
		Number:         attemptNo,
		IdempotencyKey: opts.IdempotencyKey,
		StartedAt:      time.Now(),
	}
	span.SetAttributes(
		attribute.String("step_id", stepID),
		attribute.Int("attempt", attemptNo),
		attribute.String("idempotency_key", opts.IdempotencyKey),
	)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if opts.StartToClose > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, opts.StartToClose)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	hb := newHeartbeat(hbSink)

	type callResult struct {
		out json.RawMessage
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := fn(attemptCtx, hb, input)
		done <- callResult{out: out, err: err}
	}()

	var hbTimer *time.Timer
	var hbExpired <-chan time.Time
	if opts.HeartbeatTimeout > 0 {
		hbTimer = time.NewTimer(opts.HeartbeatTimeout)
		defer hbTimer.Stop()
		hbExpired = hbTimer.C
	}

	for {
		select {
		case res := <-done:
			attempt.EndedAt = time.Now()
			attempt.LastHeartbeat, _ = hb.Latest()
			if res.err == nil {
				attempt.Outcome = KindOK
				attempt.Result = res.out
				return attempt
			}
			kind := KindOf(res.err)
			// The enclosing workflow being cancelled overrides whatever
			// the collaborator reported on its way out.
			if ctx.Err() == context.Canceled {
				kind = KindCancelled
			} else if attemptCtx.Err() == context.DeadlineExceeded && kind == KindTransient {
				kind = KindTimeout
			}
			attempt.Outcome = kind
			attempt.Err = NewError(kind, fmt.Sprintf("step %s attempt %d", stepID, attemptNo), res.err)
			span.RecordError(attempt.Err)
			return attempt

		case <-hb.pulses:
			if hbTimer != nil {
				if !hbTimer.Stop() {
					select {
					case <-hbTimer.C:
					default:
					}
				}
				hbTimer.Reset(opts.HeartbeatTimeout)
			}

		case <-hbExpired:
			cancel()
			res := <-done // collaborator is signalled; wait for it to unwind
			_ = res
			attempt.EndedAt = time.Now()
			attempt.LastHeartbeat, _ = hb.Latest()
			attempt.Outcome = KindTimeout
			attempt.Err = NewError(KindTimeout, fmt.Sprintf("step %s attempt %d: heartbeat timeout after %s", stepID, attemptNo, opts.HeartbeatTimeout), nil)
			span.RecordError(attempt.Err)
			return attempt

		case <-ctx.Done():
			cancel()
			res := <-done
			attempt.EndedAt = time.Now()
			attempt.LastHeartbeat, _ = hb.Latest()
			if ctx.Err() == context.DeadlineExceeded {
				attempt.Outcome = KindTimeout
				attempt.Err = NewError(KindTimeout, fmt.Sprintf("step %s attempt %d: run deadline exceeded", stepID, attemptNo), ctx.Err())
			} else {
				// Result from a collaborator that ignored the abort signal
				// is discarded and the attempt recorded as cancelled.
				attempt.Outcome = KindCancelled
				attempt.Err = NewError(KindCancelled, fmt.Sprintf("step %s attempt %d cancelled", stepID, attemptNo), nil)
			}
			_ = res
			span.RecordError(attempt.Err)
			return attempt
		}
	}
}
