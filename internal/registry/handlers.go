package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentdir/internal/logging"
	"github.com/mbd888/agentdir/internal/pagination"
	"github.com/mbd888/agentdir/internal/realtime"
	"github.com/mbd888/agentdir/internal/trust"
	"github.com/mbd888/agentdir/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// KeyIssuer mints the owner API key returned once at registration.
type KeyIssuer interface {
	IssueKey(ctx context.Context, handle string) (rawKey, keyID string, err error)
}

// EventPublisher receives directory events. *realtime.Hub satisfies it.
type EventPublisher interface {
	Publish(eventType realtime.EventType, handle string, data any)
}

// Handler provides HTTP handlers for the registry API
type Handler struct {
	store         Store
	keys          KeyIssuer
	checkEndpoint func(string) error
	events        EventPublisher
}

// NewHandler creates a registry handler. checkEndpoint vets registered
// endpoints (nil accepts any URL).
func NewHandler(store Store, keys KeyIssuer, checkEndpoint func(string) error) *Handler {
	return &Handler{store: store, keys: keys, checkEndpoint: checkEndpoint}
}

// WithEvents sets where registrations are announced.
func (h *Handler) WithEvents(p EventPublisher) *Handler {
	h.events = p
	return h
}

// RegisterRoutes mounts the public directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:handle", validation.HandleParamMiddleware(), h.GetAgent)
}

// RegisterAdminRoutes mounts the attestation routes on an admin-gated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:handle/owner-verified", validation.HandleParamMiddleware(), h.SetOwnerVerified)
	r.PUT("/agents/:handle/stats", validation.HandleParamMiddleware(), h.UpdateStats)
}

// RegisterAgent handles POST /agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Handle = validation.NormalizeHandle(req.Handle)
	req.Name = validation.SanitizeString(req.Name, 200)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("handle", req.Handle),
		validation.ValidHandle("handle", req.Handle),
		validation.Required("name", req.Name),
		validation.Required("endpoint", req.Endpoint),
		validation.MaxLength("endpoint", req.Endpoint, 2048),
		validation.ValidEndpoint("endpoint", req.Endpoint, h.checkEndpoint),
		validation.ValidProtocols("protocols", req.Protocols),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	protocols := make([]string, 0, len(req.Protocols))
	for _, p := range req.Protocols {
		if p = validation.SanitizeString(p, 64); p != "" {
			protocols = append(protocols, p)
		}
	}

	agent := &Agent{
		Handle:      req.Handle,
		Name:        req.Name,
		Description: req.Description,
		Endpoint:    req.Endpoint,
		Protocols:   protocols,
	}

	if err := h.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, ErrAgentExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "agent_exists",
				"message": "An agent with this handle is already registered",
			})
			return
		}
		logger.Error("failed to create agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register agent",
		})
		return
	}

	if h.events != nil {
		h.events.Publish(realtime.EventAgentRegistered, agent.Handle, gin.H{
			"name":      agent.Name,
			"protocols": agent.Protocols,
		})
	}

	if h.keys == nil {
		c.JSON(http.StatusCreated, gin.H{"agent": agent})
		return
	}

	rawKey, keyID, err := h.keys.IssueKey(ctx, agent.Handle)
	if err != nil {
		logger.Error("failed to generate API key", "handle", agent.Handle, "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"agent":   agent,
			"warning": "Agent registered but API key generation failed. Contact an operator.",
		})
		return
	}

	logger.Info("agent registered",
		"handle", agent.Handle,
		"name", agent.Name,
		"keyId", keyID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"agent":   agent,
		"apiKey":  rawKey,
		"keyId":   keyID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// GetAgent handles GET /agents/:handle
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("handle"))
	if err != nil {
		h.writeLookupError(c, err, "Failed to get agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListAgents handles GET /agents?limit=&cursor=&level=&verified=
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	limit := parseIntQuery(c, "limit", defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	query := AgentQuery{Limit: limit + 1, Cursor: cursor}
	if raw := c.Query("level"); raw != "" {
		level := trust.Level(raw)
		if !level.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_level",
				"message": "level must be one of none, basic, verified, trusted",
			})
			return
		}
		query.Level = level
	}
	if raw := c.Query("verified"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_verified",
				"message": "verified must be true or false",
			})
			return
		}
		query.Verified = &v
	}

	agents, err := h.store.ListAgents(ctx, query)
	if err != nil {
		logging.L(ctx).Error("failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}

	page, next := pagination.ComputePage(agents, limit, func(a *Agent) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	if page == nil {
		page = []*Agent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"agents":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// OwnerVerifiedRequest records an externally established owner identity fact.
type OwnerVerifiedRequest struct {
	Verified *bool `json:"verified" binding:"required"`
}

// SetOwnerVerified handles POST /admin/agents/:handle/owner-verified
func (h *Handler) SetOwnerVerified(c *gin.Context) {
	ctx := c.Request.Context()
	handle := c.Param("handle")

	var req OwnerVerifiedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"verified\": true|false}",
		})
		return
	}

	if err := h.store.SetOwnerVerified(ctx, handle, *req.Verified); err != nil {
		h.writeLookupError(c, err, "Failed to update agent")
		return
	}

	logging.L(ctx).Info("owner verification recorded", "handle", handle, "verified", *req.Verified)
	h.GetAgent(c)
}

// StatsRequest is a statistics snapshot supplied by the transaction and
// rating subsystems.
type StatsRequest struct {
	TransactionCount int64   `json:"transactionCount"`
	AverageRating    float64 `json:"averageRating"`
	UptimePercent    float64 `json:"uptimePercent"`
}

// UpdateStats handles PUT /admin/agents/:handle/stats
func (h *Handler) UpdateStats(c *gin.Context) {
	ctx := c.Request.Context()
	handle := c.Param("handle")

	var req StatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.InRange("transactionCount", float64(req.TransactionCount), 0, 1e15),
		validation.InRange("averageRating", req.AverageRating, 0, 5),
		validation.InRange("uptimePercent", req.UptimePercent, 0, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	stats := trust.Stats{
		TransactionCount: req.TransactionCount,
		AverageRating:    req.AverageRating,
		UptimePercent:    req.UptimePercent,
	}
	if err := h.store.UpdateStats(ctx, handle, stats); err != nil {
		h.writeLookupError(c, err, "Failed to update agent")
		return
	}

	logging.L(ctx).Info("agent stats recorded", "handle", handle,
		"transactions", stats.TransactionCount,
		"rating", stats.AverageRating,
		"uptime", stats.UptimePercent,
	)
	h.GetAgent(c)
}

func (h *Handler) writeLookupError(c *gin.Context, err error, message string) {
	if errors.Is(err, ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}
	logging.L(c.Request.Context()).Error(message, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": message,
	})
}

func parseIntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		var i int
		if _, err := fmt.Sscanf(val, "%d", &i); err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}
