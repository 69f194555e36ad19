package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/collaborators"
	"github.com/lexure-intelligence/cash-application/internal/history"
	"github.com/lexure-intelligence/cash-application/internal/orchestrator"
)

// Handlers is the control-plane HTTP surface: run submission and
// inspection, cancellation, the manual-review queue and stats.
type Handlers struct {
	orch    *orchestrator.Orchestrator
	reviews collaborators.ManualReviewQueue
	logger  *zap.Logger
	checks  []componentCheck
}

type componentCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// NewHandlers creates the handler set.
func NewHandlers(orch *orchestrator.Orchestrator, reviews collaborators.ManualReviewQueue, logger *zap.Logger) *Handlers {
	return &Handlers{orch: orch, reviews: reviews, logger: logger}
}

// AddCheck registers a dependency probe reported under /health.
func (h *Handlers) AddCheck(name string, fn func(ctx context.Context) error) {
	h.checks = append(h.checks, componentCheck{name: name, fn: fn})
}

// Register mounts all routes on the router.
func (h *Handlers) Register(router *gin.Engine, gatherer prometheus.Gatherer) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiV1 := router.Group("/api/v1")
	{
		runsGroup := apiV1.Group("/runs")
		{
			runsGroup.POST("", h.StartRun)
			runsGroup.GET("/:id", h.GetRun)
			runsGroup.GET("/:id/history", h.GetRunHistory)
			runsGroup.POST("/:id/cancel", h.CancelRun)
		}

		reviewsGroup := apiV1.Group("/reviews")
		{
			reviewsGroup.GET("", h.GetOpenReviews)
			reviewsGroup.POST("/:id/resolve", h.ResolveReview)
		}

		apiV1.GET("/stats", h.GetStats)
	}
}

// Health reports service liveness and the status of each registered
// dependency. Any failing component degrades the overall status to 503.
func (h *Handlers) Health(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"
	components := gin.H{}
	for _, chk := range h.checks {
		if err := chk.fn(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("component", chk.name), zap.Error(err))
			components[chk.name] = "unhealthy"
			overall = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		components[chk.name] = "healthy"
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "cash-application",
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// StartRun accepts a workflow submission. Duplicates return the existing
// run; the caller can tell from the "created" field.
func (h *Handlers) StartRun(c *gin.Context) {
	var req orchestrator.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission body", "detail": err.Error()})
		return
	}
	if req.Workflow == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow is required"})
		return
	}

	resp, err := h.orch.Start(c.Request.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrOverloaded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "system is at capacity, retry later"})
		return
	case errors.Is(err, orchestrator.ErrUnknownWorkflow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("run submission failed", zap.String("workflow", req.Workflow), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record run"})
		return
	}

	status := http.StatusAccepted
	if !resp.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"run_id":  resp.Run.ID,
		"state":   resp.Run.State,
		"created": resp.Created,
	})
}

// GetRun returns the current run record.
func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("failed to fetch run", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunHistory returns a run's event log, oldest first.
func (h *Handlers) GetRunHistory(c *gin.Context) {
	events, err := h.orch.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("failed to fetch run history", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch run history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "events": events})
}

// CancelRun requests cooperative cancellation. Terminal runs conflict.
func (h *Handlers) CancelRun(c *gin.Context) {
	err := h.orch.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, history.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
	case err != nil:
		h.logger.Error("cancel request failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id"), "cancel_requested": true})
	}
}

// GetOpenReviews lists open manual-review tickets, optionally per client.
func (h *Handlers) GetOpenReviews(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	items, err := h.reviews.Open(c.Request.Context(), c.Query("client_id"), limit)
	if err != nil {
		h.logger.Error("failed to list review items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list review items"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// ResolveReview closes an open manual-review ticket.
func (h *Handlers) ResolveReview(c *gin.Context) {
	var body struct {
		AssignedTo string `json:"assigned_to"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolve body"})
		return
	}

	err := h.reviews.Resolve(c.Request.Context(), c.Param("id"), body.AssignedTo)
	switch {
	case errors.Is(err, collaborators.ErrReviewItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "review item not found or already resolved"})
	case err != nil:
		h.logger.Error("failed to resolve review item", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve review item"})
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": collaborators.ReviewStatusResolved})
	}
}

// GetStats reports orchestrator load and matcher rule usage.
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.orch.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
