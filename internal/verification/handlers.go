package verification

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentdir/internal/auth"
	"github.com/mbd888/agentdir/internal/logging"
	"github.com/mbd888/agentdir/internal/registry"
	"github.com/mbd888/agentdir/internal/trust"
	"github.com/mbd888/agentdir/internal/validation"
)

// DefaultBatchTimeout bounds an admin-triggered batch.
const DefaultBatchTimeout = 5 * time.Minute

// Handler provides HTTP endpoints for verification.
type Handler struct {
	service      *Service
	batchTimeout time.Duration
}

// NewHandler creates a verification handler. A non-positive batchTimeout uses
// DefaultBatchTimeout.
func NewHandler(service *Service, batchTimeout time.Duration) *Handler {
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	return &Handler{service: service, batchTimeout: batchTimeout}
}

// RegisterRoutes mounts the per-agent verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:handle/verify", validation.HandleParamMiddleware(), h.Verify)
	r.GET("/agents/:handle/verification", validation.HandleParamMiddleware(), h.Status)
}

// RegisterAdminRoutes mounts batch verification on an admin-gated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/verify/batch", h.RunBatch)
}

func callerFrom(c *gin.Context) Caller {
	return Caller{
		Handle: auth.GetAuthenticatedAgent(c),
		Admin:  auth.IsAdmin(c),
	}
}

// Verify handles POST /agents/:handle/verify
func (h *Handler) Verify(c *gin.Context) {
	out, err := h.service.Verify(c.Request.Context(), c.Param("handle"), callerFrom(c))
	if err != nil {
		h.writeError(c, err, "Failed to verify agent")
		return
	}

	resp := gin.H{
		"handle":        out.Handle,
		"previousLevel": out.PreviousLevel,
		"persisted":     out.Persisted,
		"result":        out.Result,
	}
	if out.RecordID != "" {
		resp["recordId"] = out.RecordID
	}
	if !out.Persisted {
		resp["message"] = "Result computed but not saved. Authenticate as the agent owner to persist it."
	}
	c.JSON(http.StatusOK, resp)
}

// Status handles GET /agents/:handle/verification
func (h *Handler) Status(c *gin.Context) {
	view, err := h.service.Status(c.Request.Context(), c.Param("handle"), callerFrom(c))
	if err != nil {
		h.writeError(c, err, "Failed to load verification status")
		return
	}
	c.JSON(http.StatusOK, view)
}

// RunBatch handles POST /admin/verify/batch
func (h *Handler) RunBatch(c *gin.Context) {
	var req trust.BatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	filter, err := trust.ParseFilter(string(req.Filter))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filter",
			"message": "filter must be one of stale, unverified, all",
		})
		return
	}
	req.Filter = filter

	if req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "limit must not be negative",
		})
		return
	}
	for _, handle := range req.Handles {
		if !validation.IsValidHandle(validation.NormalizeHandle(handle)) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_handle",
				"message": "Invalid handle in batch: " + handle,
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.batchTimeout)
	defer cancel()

	report, err := h.service.RunBatch(ctx, req)
	if err != nil && report == nil {
		logging.L(ctx).Error("batch verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to run batch verification",
		})
		return
	}

	resp := gin.H{
		"verified":   report.Verified,
		"failed":     report.Failed,
		"total":      report.Total,
		"results":    report.Results,
		"startedAt":  report.StartedAt,
		"finishedAt": report.FinishedAt,
		"complete":   err == nil,
	}
	if err != nil {
		resp["message"] = "Batch stopped early: " + err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "timeout",
			"message": "Verification did not finish in time",
		})
	default:
		logging.L(c.Request.Context()).Error(message, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": message,
		})
	}
}
