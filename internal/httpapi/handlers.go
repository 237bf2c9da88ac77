package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"sms-receive/internal/audit"
	"sms-receive/internal/auth"
	"sms-receive/internal/engine"
	"sms-receive/internal/lease"
	"sms-receive/internal/provider"
	"sms-receive/internal/reporting"
	"sms-receive/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerWebhookSecret = "X-Webhook-Secret"

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the engine, return JSON.
type Handlers struct {
	Engine  *engine.Engine
	Audit   *audit.Service
	Reports *reporting.Service

	// WebhookSecret guards provider callbacks. Empty disables the check.
	WebhookSecret string
}

// writeError maps engine errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNoProviderAvailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, lease.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "lease not found"})
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
	case errors.Is(err, lease.ErrLeaseClosed), errors.Is(err, lease.ErrInvalidNumberState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrBlacklistDisabled):
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "timed out"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Numbers ---

// AcquireNumber leases a number for the caller.
func (h Handlers) AcquireNumber(c *gin.Context) {
	var req engine.AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		req.UserID, _ = auth.Subject(c.Request.Context())
	}
	l, err := h.Engine.AcquireNumber(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

type batchRequest struct {
	engine.AcquireRequest
	DeviceIDs []string `json:"device_ids"`
}

// BatchAcquire leases one number per device. Per-device failures are
// reported inline; the request only fails as a whole on bad input.
func (h Handlers) BatchAcquire(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		req.UserID, _ = auth.Subject(c.Request.Context())
	}
	items, err := h.Engine.BatchAcquire(c.Request.Context(), req.AcquireRequest, req.DeviceIDs)
	if err != nil {
		writeError(c, err)
		return
	}

	ok := 0
	for _, it := range items {
		if it.Error == "" {
			ok++
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "succeeded": ok, "failed": len(items) - ok})
}

func (h Handlers) GetNumber(c *gin.Context) {
	v, err := h.Engine.GetLeaseStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) ReleaseNumber(c *gin.Context) {
	l, err := h.Engine.ReleaseLease(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// --- Verification codes ---

// LatestCode returns the newest code cached for a phone number.
func (h Handlers) LatestCode(c *gin.Context) {
	entry, ok, err := h.Engine.LatestCode(c.Request.Context(), c.Param("phone"), c.Query("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no verification code"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type extractRequest struct {
	Text    string `json:"text"`
	Service string `json:"service"`
}

func (h Handlers) ExtractCode(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	service := req.Service
	if service != "" {
		service = provider.ServiceCode(service)
	}
	res, found := h.Engine.ExtractCode(req.Text, service)
	c.JSON(http.StatusOK, gin.H{"found": found, "result": res})
}

func (h Handlers) CodePatterns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"patterns": h.Engine.CodePatterns()})
}

// --- Provider webhooks ---

type inboundSmsRequest struct {
	ActivationID string    `json:"activation_id"`
	MessageID    string    `json:"message_id"`
	Sender       string    `json:"sender"`
	Text         string    `json:"text"`
	ReceivedAt   time.Time `json:"received_at"`
}

// InboundSms is the push path for providers that deliver messages to us.
// Redelivered messages answer 200 with created=false.
func (h Handlers) InboundSms(c *gin.Context) {
	if h.WebhookSecret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}
	var req inboundSmsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ActivationID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "activation_id required"})
		return
	}

	msg, created, err := h.Engine.HandleInboundSms(c.Request.Context(), provider.InboundSms{
		ProviderCode: c.Param("provider"),
		ActivationID: req.ActivationID,
		MessageID:    req.MessageID,
		Sender:       req.Sender,
		Text:         req.Text,
		ReceivedAt:   req.ReceivedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created, "message": msg})
}
