package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/models"
	"github.com/lexure-intelligence/cash-application/internal/orchestrator"
)

type fixedVersion struct{}

func (fixedVersion) CurrentVersion() int { return 1 }

type apiHarness struct {
	router   *gin.Engine
	store    history.Store
	reviews  *collaborators.GormReviewQueue
	handlers *Handlers
}

func newAPIHarness(t *testing.T, opts orchestrator.Options) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, history.AutoMigrate(db))

	store := history.NewGormStore(db, zap.NewNop())
	reviews := collaborators.NewGormReviewQueue(db, zap.NewNop())
	registry := prometheus.NewRegistry()
	orch := orchestrator.New(store, fixedVersion{}, orchestrator.NewMetrics(registry),
		zap.NewNop(), opts, "cash_application", "collections")

	router := gin.New()
	handlers := NewHandlers(orch, reviews, zap.NewNop())
	handlers.Register(router, registry)
	return &apiHarness{router: router, store: store, reviews: reviews, handlers: handlers}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func submission(id string) gin.H {
	return gin.H{
		"workflow":  "cash_application",
		"client_id": "acme",
		"payload":   gin.H{"id": id, "amount": 100.0, "currency": "EUR"},
	}
}

func TestStartRunAccepted(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	rec := h.do(t, http.MethodPost, "/api/v1/runs", submission("p1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		RunID   string `json:"run_id"`
		State   string `json:"state"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RunID)
	assert.Equal(t, models.RunStatePending, body.State)
	assert.True(t, body.Created)
}

func TestStartRunDuplicateReturnsExisting(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	first := h.do(t, http.MethodPost, "/api/v1/runs", submission("p1"))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(t, http.MethodPost, "/api/v1/runs", submission("p1"))
	require.Equal(t, http.StatusOK, second.Code)

	var body struct {
		Created bool `json:"created"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.False(t, body.Created)
}

func TestStartRunRejectsBadRequests(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	rec := h.do(t, http.MethodPost, "/api/v1/runs", gin.H{"payload": gin.H{"id": "p1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing workflow name")

	rec = h.do(t, http.MethodPost, "/api/v1/runs", gin.H{"workflow": "mystery", "payload": gin.H{"id": "p1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown workflow")
}

func TestStartRunOverloaded(t *testing.T) {
	opts := orchestrator.DefaultOptions()
	opts.MaxActiveRuns = 1
	h := newAPIHarness(t, opts)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v1/runs", submission("p1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/api/v1/runs", submission("p2")).Code)
}

func TestGetRun(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	rec := h.do(t, http.MethodPost, "/api/v1/runs", submission("p1"))
	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+started.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, started.RunID, run.ID)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/runs/no-such-run", nil).Code)
}

func TestCancelRunLifecycle(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	rec := h.do(t, http.MethodPost, "/api/v1/runs", submission("p1"))
	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v1/runs/"+started.RunID+"/cancel", nil).Code)

	// The cancel request shows up in the run's history.
	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+started.RunID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Events []models.RunEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Events, 1)
	assert.Equal(t, models.EventCancelRequested, hist.Events[0].Kind)

	// Once the run is terminal, cancelling conflicts.
	run, err := h.store.GetRun(context.Background(), started.RunID)
	require.NoError(t, err)
	run.State = models.RunStateCancelled
	require.NoError(t, h.store.UpdateRun(context.Background(), run))

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/runs/"+started.RunID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v1/runs/no-such-run/cancel", nil).Code)
}

func TestReviewQueueEndpoints(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	require.NoError(t, h.reviews.Enqueue(context.Background(), collaborators.ReviewItem{
		RunID: "r1", PaymentID: "p1", ClientID: "acme", Reason: "no_invoice_ids",
	}))
	require.NoError(t, h.reviews.Enqueue(context.Background(), collaborators.ReviewItem{
		RunID: "r2", PaymentID: "p2", ClientID: "globex", Reason: "matching_failed",
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/reviews?client_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Items []models.ManualReviewItem `json:"items"`
		Count int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "p1", listing.Items[0].PaymentID)

	rec = h.do(t, http.MethodPost, "/api/v1/reviews/"+listing.Items[0].ID.String()+"/resolve",
		gin.H{"assigned_to": "ops@acme"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Resolving again hits a closed ticket.
	rec = h.do(t, http.MethodPost, "/api/v1/reviews/"+listing.Items[0].ID.String()+"/resolve",
		gin.H{"assigned_to": "ops@acme"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())

	rec := h.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.ActiveRuns)

	rec = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsComponentStatus(t *testing.T) {
	h := newAPIHarness(t, orchestrator.DefaultOptions())
	h.handlers.AddCheck("database", func(context.Context) error { return nil })
	h.handlers.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Components["database"])
	assert.Equal(t, "unhealthy", body.Components["redis"])
}
