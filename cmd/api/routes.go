package main

import (
	"context"
	"net/http"

	"sms-receive/internal/httpapi"
	"sms-receive/internal/rbac"

	"github.com/gin-gonic/gin"
)

// readiness reports whether a backing store answers. Nil checks are skipped.
type readiness func(ctx context.Context) error

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to the engine.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, metricsHandler http.Handler, checks map[string]readiness) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		status := gin.H{}
		code := http.StatusOK
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(c.Request.Context()); err != nil {
				status[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		if code == http.StatusOK {
			status["status"] = "ok"
		} else {
			status["status"] = "degraded"
		}
		c.JSON(code, status)
	})
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// Provider callbacks authenticate with the shared webhook secret, not a JWT.
	r.POST("/webhooks/sms/:provider", h.InboundSms)

	v1 := r.Group("/v1")
	v1.Use(authMW)

	numbers := v1.Group("/numbers")
	numbers.Use(rbac.RequireAnyRole(rbac.RoleProvisioner))
	{
		numbers.POST("", h.AcquireNumber)
		numbers.POST("/batch", h.BatchAcquire)
		numbers.GET("/:id", h.GetNumber)
		numbers.POST("/:id/release", h.ReleaseNumber)
	}

	codes := v1.Group("/verification-codes")
	codes.Use(rbac.RequireAnyRole(rbac.RoleProvisioner, rbac.RoleOperator))
	{
		codes.GET("/phone/:phone", h.LatestCode)
		codes.POST("/extract", h.ExtractCode)
		codes.GET("/patterns", h.CodePatterns)
	}

	// Operators read; only admins change anything.
	admin := v1.Group("/admin")
	{
		read := admin.Group("")
		read.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		read.GET("/providers", h.ListProviders)
		read.GET("/providers/health", h.ProviderHealth)
		read.GET("/pool", h.PoolStats)
		read.GET("/audit", h.ListAudit)
		read.GET("/reports/usage", h.UsageReport)
		read.GET("/blacklist", h.ListBlacklist)
		read.GET("/blacklist/stats", h.BlacklistStats)
		read.GET("/providers/:code/blacklist", h.BlacklistHistory)

		write := admin.Group("")
		write.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		write.PUT("/providers/:code", h.UpsertProvider)
		write.POST("/providers/reload", h.ReloadProviders)
		write.POST("/providers/:code/health/reset", h.ResetProviderHealth)
		write.POST("/providers/balances/check", h.CheckBalances)
		write.PUT("/scoring/weights", h.SetWeights)
		write.POST("/pool/refill", h.RefillPool)
		write.POST("/providers/:code/blacklist", h.BlacklistProvider)
		write.DELETE("/providers/:code/blacklist", h.UnblacklistProvider)
	}
}
