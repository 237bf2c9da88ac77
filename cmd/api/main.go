package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sms-receive/internal/alert"
	"sms-receive/internal/audit"
	"sms-receive/internal/auth"
	"sms-receive/internal/blacklist"
	"sms-receive/internal/config"
	"sms-receive/internal/engine"
	"sms-receive/internal/events"
	"sms-receive/internal/health"
	"sms-receive/internal/httpapi"
	"sms-receive/internal/lease"
	"sms-receive/internal/metrics"
	"sms-receive/internal/pool"
	"sms-receive/internal/provider"
	"sms-receive/internal/ratelimit"
	"sms-receive/internal/reporting"
	"sms-receive/internal/scoring"
	"sms-receive/internal/verification"
	"sms-receive/pkg/logger"
	"sms-receive/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	publisher := connectEvents(cfg, log)
	defer publisher.Close()

	m := metrics.New()
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	eng, err := buildEngine(cfg, db, rdb, publisher, auditSvc, m, log)
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if err := eng.ReloadProviders(rootCtx); err != nil {
		log.Error("provider load failed", "err", err)
		os.Exit(1)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(rootCtx) }()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Engine:        eng,
		Audit:         auditSvc,
		Reports:       reporting.NewService(lease.NewPostgresStore(db)),
		WebhookSecret: cfg.Webhook.Secret,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), m.Handler(), map[string]readiness{
		"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Acquisition can walk several providers before answering.
		WriteTimeout: cfg.Engine.ProviderCallTimeout*time.Duration(max(cfg.Engine.MaxFallbackAttempts, 1)) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	engineStopped := false
	select {
	case <-rootCtx.Done():
	case err := <-engineDone:
		log.Error("engine stopped", "err", err)
		engineStopped = true
		stop()
	}
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Background tasks must be out of the stores before the deferred closes run.
	if !engineStopped {
		select {
		case err := <-engineDone:
			if err != nil {
				log.Error("engine stopped", "err", err)
			}
		case <-shutdownCtx.Done():
			log.Error("engine did not stop in time")
		}
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown failed", "err", err)
	}
}

// buildEngine assembles the engine from config. Postgres holds providers,
// pooled numbers, leases and audit; Redis holds the shared concurrency cap
// and the verification-code cache.
func buildEngine(cfg config.Config, db *sql.DB, rdb *redis.Client, pub events.Publisher, auditSvc *audit.Service, m *metrics.Metrics, log *slog.Logger) (*engine.Engine, error) {
	registry := provider.NewRegistry()
	for _, code := range cfg.Sandbox.Providers {
		registry.Register(provider.NewSandboxAdapter(code))
		log.Warn("sandbox provider registered", "provider", code)
	}

	limiter := ratelimit.NewManager(cfg.Engine.RateLimitMaxWait)
	limiter.Cap = ratelimit.NewRedisCap(rdb, 2*cfg.Engine.ProviderCallTimeout)
	limiter.Log = log.With("component", "ratelimit")

	buckets := make([]pool.Bucket, 0, len(cfg.Pool.Buckets))
	for _, b := range cfg.Pool.Buckets {
		buckets = append(buckets, pool.Bucket{ServiceCode: b.ServiceCode, CountryCode: b.CountryCode})
	}

	return engine.New(engine.Config{
		MaxFallbackAttempts: cfg.Engine.MaxFallbackAttempts,
		ProviderCallTimeout: cfg.Engine.ProviderCallTimeout,
		LeaseTTL:            cfg.Engine.LeaseTTL,
		RentalDuration:      cfg.Engine.RentalDuration,
		ExpirySweepInterval: cfg.Engine.ExpirySweepInterval,
		InboundPollInterval: cfg.Engine.InboundPollInterval,
		BalanceInterval:     cfg.Engine.BalanceInterval,
		StatsFlushInterval:  cfg.Engine.StatsFlushInterval,
		BlacklistInterval:   cfg.Blacklist.CleanupInterval,
		MaxBatchSize:        cfg.Engine.MaxBatchSize,
		Weights: scoring.Weights{
			Cost:        cfg.Scoring.CostWeight,
			Speed:       cfg.Scoring.SpeedWeight,
			SuccessRate: cfg.Scoring.SuccessRateWeight,
		},
	}, engine.Deps{
		Registry:  registry,
		Providers: provider.NewPostgresRepo(db),
		PoolStore: pool.NewPostgresStore(db),
		Pool: pool.Config{
			LowWater:           cfg.Pool.LowWater,
			Target:             cfg.Pool.Target,
			Max:                cfg.Pool.Max,
			NumberLifetime:     cfg.Pool.NumberLifetime,
			ReservationTimeout: cfg.Pool.ReservationTimeout,
			Cooldown:           cfg.Pool.Cooldown,
			MaxUses:            cfg.Pool.MaxUses,
			RefillInterval:     cfg.Pool.RefillInterval,
			SweepInterval:      cfg.Pool.SweepInterval,
			Buckets:            buckets,
		},
		Leases: lease.NewPostgresStore(db),
		Health: health.NewMonitor(health.Config{
			Alpha:                  cfg.Health.Alpha,
			DegradedSuccessRate:    cfg.Health.DegradedSuccessRate,
			DownSuccessRate:        cfg.Health.DownSuccessRate,
			DegradedP95:            cfg.Health.DegradedP95,
			MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
			RecoverySuccesses:      cfg.Health.RecoverySuccesses,
			ProbeRatio:             cfg.Health.ProbeRatio,
			ProbeInterval:          cfg.Health.ProbeInterval,
		}),
		Limiter: limiter,
		Blacklist: blacklist.NewService(blacklist.NewPostgresStore(db), blacklist.Config{
			FailureThreshold: cfg.Blacklist.FailureThreshold,
			Duration:         cfg.Blacklist.Duration,
		}, log),
		Audit:   auditSvc,
		Alerts:  buildAlerts(cfg, log),
		Events:  pub,
		Metrics: m,
		Codes:   verification.NewRedisCache(rdb, verification.DefaultTTL),
		Log:     log,
	})
}

func buildAlerts(cfg config.Config, log *slog.Logger) alert.Dispatcher {
	var d alert.Dispatcher = alert.Log{Logger: log.With("component", "alerts")}
	if cfg.Alerts.WebhookURL != "" {
		d = alert.Multi{d, alert.Webhook{
			URL:        cfg.Alerts.WebhookURL,
			Client:     &http.Client{Timeout: 10 * time.Second},
			MaxElapsed: time.Minute,
		}}
	}
	if cfg.Alerts.Throttle > 0 {
		d = alert.NewThrottle(d, cfg.Alerts.Throttle)
	}
	return d
}

// connectEvents falls back to dropping events when NATS is not configured
// or unreachable at startup.
func connectEvents(cfg config.Config, log *slog.Logger) events.Publisher {
	if cfg.NATS.URL == "" {
		return events.Nop{}
	}
	p, err := events.ConnectNATS(cfg.NATS.URL, "sms-receive-api", log)
	if err != nil {
		log.Error("nats connect failed; events disabled", "err", err)
		return events.Nop{}
	}
	return p
}
