package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInvokeSuccess(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	attempt := inv.Invoke(context.Background(), "fetch", 1, Options{
		StartToClose:   time.Second,
		IdempotencyKey: IdempotencyKey("r1", "fetch", 1),
	}, func(_ context.Context, _ *Heartbeat, in json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(in) + `}`), nil
	}, json.RawMessage(`42`), nil)

	require.True(t, attempt.OK())
	assert.Equal(t, KindOK, attempt.Outcome)
	assert.JSONEq(t, `{"echo":42}`, string(attempt.Result))
	assert.Equal(t, "r1/fetch/1", attempt.IdempotencyKey)
}

func TestInvokeClassifiesCollaboratorError(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	attempt := inv.Invoke(context.Background(), "post", 2, Options{StartToClose: time.Second},
		func(context.Context, *Heartbeat, json.RawMessage) (json.RawMessage, error) {
			return nil, Permanent("erp rejected the application", nil)
		}, nil, nil)

	require.False(t, attempt.OK())
	assert.Equal(t, KindPermanent, attempt.Outcome)
	assert.Contains(t, attempt.Err.Error(), "attempt 2")
}

func TestInvokeStartToCloseTimeout(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	attempt := inv.Invoke(context.Background(), "slow", 1, Options{StartToClose: 20 * time.Millisecond},
		func(ctx context.Context, _ *Heartbeat, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil, nil)

	require.False(t, attempt.OK())
	assert.Equal(t, KindTimeout, attempt.Outcome)
}

func TestInvokeHeartbeatTimeout(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	attempt := inv.Invoke(context.Background(), "stalled", 1, Options{
		StartToClose:     time.Second,
		HeartbeatTimeout: 30 * time.Millisecond,
	}, func(ctx context.Context, hb *Heartbeat, _ json.RawMessage) (json.RawMessage, error) {
		hb.Record("working")
		// Stops heartbeating and hangs until aborted.
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)

	require.False(t, attempt.OK())
	assert.Equal(t, KindTimeout, attempt.Outcome)
	assert.Equal(t, "working", attempt.LastHeartbeat)
	assert.Contains(t, attempt.Err.Error(), "heartbeat timeout")
}

func TestInvokeHeartbeatsKeepSlowActivityAlive(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	attempt := inv.Invoke(context.Background(), "steady", 1, Options{
		StartToClose:     time.Second,
		HeartbeatTimeout: 40 * time.Millisecond,
	}, func(_ context.Context, hb *Heartbeat, _ json.RawMessage) (json.RawMessage, error) {
		for i := 0; i < 5; i++ {
			time.Sleep(20 * time.Millisecond)
			hb.Record("tick")
		}
		return json.RawMessage(`{"done":true}`), nil
	}, nil, nil)

	require.True(t, attempt.OK(), "regular heartbeats must outlive the heartbeat window")
}

func TestInvokeCancellation(t *testing.T) {
	inv := NewInvoker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempt := inv.Invoke(ctx, "cancelled", 1, Options{StartToClose: time.Second},
		func(ctx context.Context, _ *Heartbeat, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil, nil)

	require.False(t, attempt.OK())
	assert.Equal(t, KindCancelled, attempt.Outcome)
}

func TestInvokeForwardsHeartbeatNotes(t *testing.T) {
	inv := NewInvoker(zap.NewNop())

	var notes []string
	attempt := inv.Invoke(context.Background(), "chatty", 1, Options{StartToClose: time.Second},
		func(_ context.Context, hb *Heartbeat, _ json.RawMessage) (json.RawMessage, error) {
			hb.Record("step one")
			hb.Record("step two")
			return json.RawMessage(`{}`), nil
		}, nil, func(note string, _ time.Time) {
			notes = append(notes, note)
		})

	require.True(t, attempt.OK())
	assert.Equal(t, []string{"step one", "step two"}, notes)
	assert.Equal(t, "step two", attempt.LastHeartbeat)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", Permanent("nope", nil), KindPermanent},
		{"wrapped", NewError(KindTimeout, "outer", errors.New("inner")), KindTimeout},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"unclassified", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, KindTransient, ClassifyHTTPStatus(http.StatusInternalServerError))
	assert.Equal(t, KindTransient, ClassifyHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, KindTransient, ClassifyHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindTransient, ClassifyHTTPStatus(http.StatusRequestTimeout))
	assert.Equal(t, KindPermanent, ClassifyHTTPStatus(http.StatusNotFound))
	assert.Equal(t, KindPermanent, ClassifyHTTPStatus(http.StatusUnprocessableEntity))
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindEngineInternal.Retryable())
	assert.False(t, KindPermanent.Retryable())
	assert.False(t, KindCancelled.Retryable())
	assert.False(t, KindInvalidInput.Retryable())
}
