package provider

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Repository is the persistence contract for provider configs.
type Repository interface {
	List(ctx context.Context) ([]Config, error)
	Get(ctx context.Context, code string) (Config, error)
	Upsert(ctx context.Context, c Config) error
	// ApplyStats adds counter deltas and overwrites derived metrics.
	ApplyStats(ctx context.Context, code string, d StatsDelta, now time.Time) error
}

// NOTE: PostgresRepo assumes the table below exists.
//
//	CREATE TABLE sms_provider_configs (
//	  code TEXT PRIMARY KEY, display_name TEXT, endpoint TEXT, credentials TEXT,
//	  enabled BOOLEAN, priority INT,
//	  rate_limit_per_second INT, rate_limit_per_minute INT, concurrent_limit INT,
//	  health_status TEXT, total_requests BIGINT, total_success BIGINT, total_failures BIGINT,
//	  cost_weight DOUBLE PRECISION, speed_weight DOUBLE PRECISION, success_rate_weight DOUBLE PRECISION,
//	  avg_receive_time_ms DOUBLE PRECISION, p95_receive_time_ms DOUBLE PRECISION,
//	  last_success_rate DOUBLE PRECISION, avg_cost DOUBLE PRECISION, currency TEXT,
//	  balance_threshold DOUBLE PRECISION, supports_multi_use BOOLEAN,
//	  services TEXT, countries TEXT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const providerColumns = `code, display_name, endpoint, credentials, enabled, priority,
  rate_limit_per_second, rate_limit_per_minute, concurrent_limit,
  health_status, total_requests, total_success, total_failures,
  cost_weight, speed_weight, success_rate_weight,
  avg_receive_time_ms, p95_receive_time_ms, last_success_rate, avg_cost, currency,
  balance_threshold, supports_multi_use, services, countries, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (Config, error) {
	var c Config
	var services, countries string
	err := row.Scan(
		&c.Code, &c.DisplayName, &c.Endpoint, &c.Credentials, &c.Enabled, &c.Priority,
		&c.RateLimitPerSecond, &c.RateLimitPerMinute, &c.ConcurrentLimit,
		&c.HealthStatus, &c.TotalRequests, &c.TotalSuccess, &c.TotalFailures,
		&c.CostWeight, &c.SpeedWeight, &c.SuccessRateWeight,
		&c.AvgReceiveTimeMs, &c.P95ReceiveTimeMs, &c.LastSuccessRate, &c.AvgCost, &c.Currency,
		&c.BalanceThreshold, &c.SupportsMultiUse, &services, &countries, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Config{}, err
	}
	c.Services = splitCSV(services)
	c.Countries = splitCSV(countries)
	return c, nil
}

func (r *PostgresRepo) List(ctx context.Context) ([]Config, error) {
	q := `SELECT ` + providerColumns + ` FROM sms_provider_configs ORDER BY priority ASC, code ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, code string) (Config, error) {
	q := `SELECT ` + providerColumns + ` FROM sms_provider_configs WHERE code = $1`
	c, err := scanConfig(r.db.QueryRowContext(ctx, q, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	return c, nil
}

func (r *PostgresRepo) Upsert(ctx context.Context, c Config) error {
	const q = `
INSERT INTO sms_provider_configs (
  code, display_name, endpoint, credentials, enabled, priority,
  rate_limit_per_second, rate_limit_per_minute, concurrent_limit, health_status,
  total_requests, total_success, total_failures,
  cost_weight, speed_weight, success_rate_weight,
  avg_receive_time_ms, p95_receive_time_ms, last_success_rate, avg_cost, currency,
  balance_threshold, supports_multi_use, services, countries, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,0,0,$11,$12,$13,0,0,0,$14,$15,$16,$17,$18,$19,$20,$20
)
ON CONFLICT (code) DO UPDATE SET
  display_name = EXCLUDED.display_name,
  endpoint = EXCLUDED.endpoint,
  credentials = EXCLUDED.credentials,
  enabled = EXCLUDED.enabled,
  priority = EXCLUDED.priority,
  rate_limit_per_second = EXCLUDED.rate_limit_per_second,
  rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
  concurrent_limit = EXCLUDED.concurrent_limit,
  cost_weight = EXCLUDED.cost_weight,
  speed_weight = EXCLUDED.speed_weight,
  success_rate_weight = EXCLUDED.success_rate_weight,
  currency = EXCLUDED.currency,
  balance_threshold = EXCLUDED.balance_threshold,
  supports_multi_use = EXCLUDED.supports_multi_use,
  services = EXCLUDED.services,
  countries = EXCLUDED.countries,
  updated_at = EXCLUDED.updated_at
`
	status := c.HealthStatus
	if !status.Valid() {
		status = HealthHealthy
	}
	now := c.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, q,
		c.Code, c.DisplayName, c.Endpoint, c.Credentials, c.Enabled, c.Priority,
		c.RateLimitPerSecond, c.RateLimitPerMinute, c.ConcurrentLimit, string(status),
		c.CostWeight, c.SpeedWeight, c.SuccessRateWeight,
		c.AvgCost, c.Currency, c.BalanceThreshold, c.SupportsMultiUse,
		strings.Join(c.Services, ","), strings.Join(c.Countries, ","), now,
	)
	return err
}

func (r *PostgresRepo) ApplyStats(ctx context.Context, code string, d StatsDelta, now time.Time) error {
	const q = `
UPDATE sms_provider_configs SET
  total_requests = total_requests + $2,
  total_success = total_success + $3,
  total_failures = total_failures + $4,
  avg_receive_time_ms = $5,
  p95_receive_time_ms = $6,
  last_success_rate = $7,
  health_status = $8,
  updated_at = $9,
  avg_cost = CASE WHEN $10::double precision > 0 THEN $10::double precision ELSE avg_cost END
WHERE code = $1
`
	res, err := r.db.ExecContext(ctx, q, code, d.Requests, d.Success, d.Failures,
		d.AvgReceiveTimeMs, d.P95ReceiveTimeMs, d.SuccessRate, string(d.Status), now, d.AvgCost)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
