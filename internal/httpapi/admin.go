package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"sms-receive/internal/audit"
	"sms-receive/internal/auth"
	"sms-receive/internal/engine"
	"sms-receive/internal/provider"
	"sms-receive/internal/reporting"
	"sms-receive/internal/scoring"
	"sms-receive/pkg/logger"

	"github.com/gin-gonic/gin"
)

// auditAdmin records an admin mutation. Audit failures are logged and
// never fail the request.
func (h Handlers) auditAdmin(c *gin.Context, message, providerCode string, metadata any) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	subject, _ := auth.Subject(ctx)
	role, _ := auth.Role(ctx)
	if err := h.Audit.LogAdminAction(ctx, subject, role, c.ClientIP(), message, providerCode, metadata); err != nil {
		logger.FromGin(c).Warn("audit admin action failed", "action", message, "err", err)
	}
}

// ListProviders returns every provider with live health. Passing service and
// country also returns the ranking the selector would use for that bucket.
func (h Handlers) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": h.Engine.ProviderSnapshots(c.Query("service"), c.Query("country")),
		"weights":   h.Engine.Weights(),
	})
}

type upsertProviderRequest struct {
	provider.Config
	Credentials string `json:"credentials"`
}

func (h Handlers) UpsertProvider(c *gin.Context) {
	var req upsertProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cfg := req.Config
	cfg.Code = c.Param("code")
	cfg.Credentials = req.Credentials
	if err := h.Engine.UpsertProvider(c.Request.Context(), cfg); err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "provider upserted", cfg.Code, gin.H{
		"enabled":  cfg.Enabled,
		"priority": cfg.Priority,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "code": cfg.Code})
}

func (h Handlers) ReloadProviders(c *gin.Context) {
	if err := h.Engine.ReloadProviders(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "providers reloaded", "", nil)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) ResetProviderHealth(c *gin.Context) {
	code := c.Param("code")
	stats, err := h.Engine.ResetProviderHealth(c.Request.Context(), code)
	if err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "provider health reset", code, nil)
	c.JSON(http.StatusOK, stats)
}

func (h Handlers) ProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.Engine.HealthSnapshots()})
}

func (h Handlers) CheckBalances(c *gin.Context) {
	balances, err := h.Engine.CheckBalances(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (h Handlers) SetWeights(c *gin.Context) {
	var w scoring.Weights
	if err := c.ShouldBindJSON(&w); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.Engine.SetWeights(w)
	applied := h.Engine.Weights()
	h.auditAdmin(c, "scoring weights updated", "", applied)
	c.JSON(http.StatusOK, applied)
}

// --- Blacklist ---

// ListBlacklist returns active entries; ?all=true includes removed ones.
func (h Handlers) ListBlacklist(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))
	entries, err := h.Engine.ListBlacklist(c.Request.Context(), all)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) BlacklistStats(c *gin.Context) {
	stats, err := h.Engine.BlacklistStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h Handlers) BlacklistHistory(c *gin.Context) {
	entries, err := h.Engine.BlacklistHistory(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) BlacklistProvider(c *gin.Context) {
	var req engine.BlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.TriggeredBy, _ = auth.Subject(c.Request.Context())
	code := c.Param("code")
	entry, err := h.Engine.BlacklistProvider(c.Request.Context(), code, req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "provider blacklisted", code, gin.H{
		"type":   entry.Type,
		"reason": entry.Reason,
	})
	c.JSON(http.StatusCreated, entry)
}

type unblacklistRequest struct {
	Reason string `json:"reason"`
}

// UnblacklistProvider lifts every active entry. The body is optional.
func (h Handlers) UnblacklistProvider(c *gin.Context) {
	var req unblacklistRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	code := c.Param("code")
	removed, err := h.Engine.UnblacklistProvider(c.Request.Context(), code, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "provider removed from blacklist", code, gin.H{
		"reason":  req.Reason,
		"entries": len(removed),
	})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// --- Pool ---

func (h Handlers) PoolStats(c *gin.Context) {
	total, buckets, err := h.Engine.PoolStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "buckets": buckets})
}

func (h Handlers) RefillPool(c *gin.Context) {
	if err := h.Engine.RefillPool(c.Request.Context()); err != nil {
		// A partial refill still counts; report what the pool holds now.
		logger.FromGin(c).Warn("manual refill incomplete", "err", err)
	}
	h.auditAdmin(c, "pool refill triggered", "", nil)
	h.PoolStats(c)
}

// --- Audit ---

func (h Handlers) ListAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.Audit.List(c.Request.Context(), audit.EventType(c.Query("type")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Reports ---

// UsageReport summarizes leases per provider. from/to are RFC 3339 and
// default to the last 24 hours.
func (h Handlers) UsageReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}

	out, err := h.Reports.Usage(c.Request.Context(), reporting.UsageRequest{
		Range:    reporting.TimeRange{From: from, To: to},
		Provider: c.Query("provider"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
