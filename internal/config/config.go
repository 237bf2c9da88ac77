package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Engine    EngineConfig
	Pool      PoolConfig
	Health    HealthConfig
	Blacklist BlacklistConfig
	Scoring   ScoringConfig
	NATS      NATSConfig
	Alerts    AlertsConfig
	Webhook   WebhookConfig
	Sandbox   SandboxConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// EngineConfig tunes the acquisition path.
type EngineConfig struct {
	MaxFallbackAttempts int
	ProviderCallTimeout time.Duration
	RateLimitMaxWait    time.Duration
	LeaseTTL            time.Duration
	RentalDuration      time.Duration
	ExpirySweepInterval time.Duration
	InboundPollInterval time.Duration
	BalanceInterval     time.Duration
	StatsFlushInterval  time.Duration
	MaxBatchSize        int
}

type PoolConfig struct {
	LowWater           int
	Target             int
	Max                int
	NumberLifetime     time.Duration
	ReservationTimeout time.Duration
	Cooldown           time.Duration
	MaxUses            int
	RefillInterval     time.Duration
	SweepInterval      time.Duration
	// Buckets lists the (service, country) pairs kept warm, e.g. "wa:US,tg:RU".
	Buckets []Bucket
}

type Bucket struct {
	ServiceCode string
	CountryCode string
}

type HealthConfig struct {
	Alpha                  float64
	DegradedSuccessRate    float64
	DownSuccessRate        float64
	DegradedP95            time.Duration
	MaxConsecutiveFailures int
	RecoverySuccesses      int
	ProbeRatio             float64
	ProbeInterval          time.Duration
}

// BlacklistConfig drives automatic blacklisting of failing providers.
type BlacklistConfig struct {
	FailureThreshold int
	Duration         time.Duration
	CleanupInterval  time.Duration
}

type ScoringConfig struct {
	CostWeight        float64
	SpeedWeight       float64
	SuccessRateWeight float64
}

type NATSConfig struct {
	// URL is optional; events are dropped when empty.
	URL string
}

type AlertsConfig struct {
	// WebhookURL is optional; alerts are only logged when empty.
	WebhookURL string
	Throttle   time.Duration
}

type WebhookConfig struct {
	// Secret is compared against X-Webhook-Secret on inbound SMS callbacks.
	Secret string
}

// SandboxConfig registers in-memory adapters, for local and dev only.
type SandboxConfig struct {
	Providers []string
}

func readAuth() (AuthConfig, []error) {
	a := AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	// Duration env vars are optional; defaults applied in Validate().
	var errs []error
	a.AccessTokenTTL, errs = appendParseDurationErr(errs)(optDuration("JWT_ACCESS_TTL"))
	a.RefreshTokenTTL, errs = appendParseDurationErr(errs)(optDuration("JWT_REFRESH_TTL"))
	return a, errs
}

// LoadAuth reads only the JWT settings, for tools that mint tokens without
// a database or Redis.
func LoadAuth() (AuthConfig, error) {
	a, errs := readAuth()
	if err := joinErrors(errs); err != nil {
		return a, err
	}
	if a.JWTSecret == "" {
		return a, errors.New("JWT_SECRET is required")
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = 15 * time.Minute
	}
	if a.RefreshTokenTTL <= 0 {
		a.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return a, nil
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = appendParseErr(parseErrs)(mustInt("APP_PORT"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = appendParseErr(parseErrs)(mustInt("DB_PORT"))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = appendParseErr(parseErrs)(mustInt("REDIS_PORT"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = appendParseErr(parseErrs)(optInt("REDIS_DB"))

	{
		a, errs := readAuth()
		c.Auth = a
		parseErrs = append(parseErrs, errs...)
	}

	c.Engine.MaxFallbackAttempts, parseErrs = appendParseErr(parseErrs)(optInt("ENGINE_MAX_FALLBACK_ATTEMPTS"))
	c.Engine.ProviderCallTimeout, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_PROVIDER_CALL_TIMEOUT"))
	c.Engine.RateLimitMaxWait, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_RATE_LIMIT_MAX_WAIT"))
	c.Engine.LeaseTTL, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_LEASE_TTL"))
	c.Engine.RentalDuration, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_RENTAL_DURATION"))
	c.Engine.ExpirySweepInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_EXPIRY_SWEEP_INTERVAL"))
	c.Engine.InboundPollInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_INBOUND_POLL_INTERVAL"))
	c.Engine.BalanceInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_BALANCE_INTERVAL"))
	c.Engine.StatsFlushInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ENGINE_STATS_FLUSH_INTERVAL"))
	c.Engine.MaxBatchSize, parseErrs = appendParseErr(parseErrs)(optInt("ENGINE_MAX_BATCH_SIZE"))

	c.Pool.LowWater, parseErrs = appendParseErr(parseErrs)(optInt("POOL_LOW_WATER"))
	c.Pool.Target, parseErrs = appendParseErr(parseErrs)(optInt("POOL_TARGET"))
	c.Pool.Max, parseErrs = appendParseErr(parseErrs)(optInt("POOL_MAX"))
	c.Pool.NumberLifetime, parseErrs = appendParseDurationErr(parseErrs)(optDuration("POOL_NUMBER_LIFETIME"))
	c.Pool.ReservationTimeout, parseErrs = appendParseDurationErr(parseErrs)(optDuration("POOL_RESERVATION_TIMEOUT"))
	c.Pool.Cooldown, parseErrs = appendParseDurationErr(parseErrs)(optDuration("POOL_COOLDOWN"))
	c.Pool.MaxUses, parseErrs = appendParseErr(parseErrs)(optInt("POOL_MAX_USES"))
	c.Pool.RefillInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("POOL_REFILL_INTERVAL"))
	c.Pool.SweepInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("POOL_SWEEP_INTERVAL"))
	{
		b, err := parseBuckets(os.Getenv("POOL_BUCKETS"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Pool.Buckets = b
	}

	c.Health.Alpha, parseErrs = appendParseFloatErr(parseErrs)(optFloat("HEALTH_EWMA_ALPHA"))
	c.Health.DegradedSuccessRate, parseErrs = appendParseFloatErr(parseErrs)(optFloat("HEALTH_DEGRADED_SUCCESS_RATE"))
	c.Health.DownSuccessRate, parseErrs = appendParseFloatErr(parseErrs)(optFloat("HEALTH_DOWN_SUCCESS_RATE"))
	c.Health.DegradedP95, parseErrs = appendParseDurationErr(parseErrs)(optDuration("HEALTH_DEGRADED_P95"))
	c.Health.MaxConsecutiveFailures, parseErrs = appendParseErr(parseErrs)(optInt("HEALTH_MAX_CONSECUTIVE_FAILURES"))
	c.Health.RecoverySuccesses, parseErrs = appendParseErr(parseErrs)(optInt("HEALTH_RECOVERY_SUCCESSES"))
	c.Health.ProbeRatio, parseErrs = appendParseFloatErr(parseErrs)(optFloat("HEALTH_PROBE_RATIO"))
	c.Health.ProbeInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("HEALTH_PROBE_INTERVAL"))

	c.Blacklist.FailureThreshold, parseErrs = appendParseErr(parseErrs)(optInt("BLACKLIST_FAILURE_THRESHOLD"))
	c.Blacklist.Duration, parseErrs = appendParseDurationErr(parseErrs)(optDuration("BLACKLIST_DURATION"))
	c.Blacklist.CleanupInterval, parseErrs = appendParseDurationErr(parseErrs)(optDuration("BLACKLIST_CLEANUP_INTERVAL"))

	c.Scoring.CostWeight, parseErrs = appendParseFloatErr(parseErrs)(optFloat("SCORING_COST_WEIGHT"))
	c.Scoring.SpeedWeight, parseErrs = appendParseFloatErr(parseErrs)(optFloat("SCORING_SPEED_WEIGHT"))
	c.Scoring.SuccessRateWeight, parseErrs = appendParseFloatErr(parseErrs)(optFloat("SCORING_SUCCESS_RATE_WEIGHT"))

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.Alerts.WebhookURL = strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL"))
	c.Alerts.Throttle, parseErrs = appendParseDurationErr(parseErrs)(optDuration("ALERT_THROTTLE"))
	c.Webhook.Secret = os.Getenv("SMS_WEBHOOK_SECRET")
	c.Sandbox.Providers = splitList(os.Getenv("SANDBOX_PROVIDERS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("SMS_WEBHOOK_SECRET is required in production"))
		}
		if len(c.Sandbox.Providers) > 0 {
			errs = append(errs, errors.New("SANDBOX_PROVIDERS must be empty in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	c.applyEngineDefaults()
	c.applyPoolDefaults()
	c.applyHealthDefaults()
	c.applyBlacklistDefaults()

	if c.Engine.MaxFallbackAttempts < 1 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_FALLBACK_ATTEMPTS must be >= 1, got %d", c.Engine.MaxFallbackAttempts))
	}
	if c.Pool.LowWater > c.Pool.Target || c.Pool.Target > c.Pool.Max {
		errs = append(errs, fmt.Errorf("pool sizes must satisfy POOL_LOW_WATER <= POOL_TARGET <= POOL_MAX, got %d/%d/%d", c.Pool.LowWater, c.Pool.Target, c.Pool.Max))
	}
	if c.Health.DownSuccessRate >= c.Health.DegradedSuccessRate {
		errs = append(errs, errors.New("HEALTH_DOWN_SUCCESS_RATE must be below HEALTH_DEGRADED_SUCCESS_RATE"))
	}
	if c.Health.Alpha <= 0 || c.Health.Alpha > 1 {
		errs = append(errs, fmt.Errorf("HEALTH_EWMA_ALPHA must be in (0,1], got %v", c.Health.Alpha))
	}
	if c.Blacklist.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("BLACKLIST_FAILURE_THRESHOLD must be >= 1, got %d", c.Blacklist.FailureThreshold))
	}
	if c.Scoring.CostWeight < 0 || c.Scoring.SpeedWeight < 0 || c.Scoring.SuccessRateWeight < 0 {
		errs = append(errs, errors.New("scoring weights must not be negative"))
	}
	if c.Scoring.CostWeight+c.Scoring.SpeedWeight+c.Scoring.SuccessRateWeight == 0 {
		c.Scoring = ScoringConfig{CostWeight: 0.4, SpeedWeight: 0.3, SuccessRateWeight: 0.3}
	}
	if c.Alerts.Throttle <= 0 {
		c.Alerts.Throttle = 10 * time.Minute
	}

	return joinErrors(errs)
}

func (c *Config) applyEngineDefaults() {
	e := &c.Engine
	if e.MaxFallbackAttempts == 0 {
		e.MaxFallbackAttempts = 3
	}
	if e.ProviderCallTimeout <= 0 {
		e.ProviderCallTimeout = 15 * time.Second
	}
	if e.RateLimitMaxWait <= 0 {
		e.RateLimitMaxWait = 250 * time.Millisecond
	}
	if e.LeaseTTL <= 0 {
		e.LeaseTTL = 20 * time.Minute
	}
	if e.RentalDuration <= 0 {
		e.RentalDuration = 24 * time.Hour
	}
	if e.ExpirySweepInterval <= 0 {
		e.ExpirySweepInterval = 30 * time.Second
	}
	if e.InboundPollInterval <= 0 {
		e.InboundPollInterval = 10 * time.Second
	}
	if e.BalanceInterval <= 0 {
		e.BalanceInterval = 5 * time.Minute
	}
	if e.StatsFlushInterval <= 0 {
		e.StatsFlushInterval = 30 * time.Second
	}
	if e.MaxBatchSize <= 0 {
		e.MaxBatchSize = 100
	}
}

func (c *Config) applyPoolDefaults() {
	p := &c.Pool
	if p.LowWater <= 0 {
		p.LowWater = 5
	}
	if p.Target <= 0 {
		p.Target = 10
	}
	if p.Max <= 0 {
		p.Max = 20
	}
	if p.NumberLifetime <= 0 {
		p.NumberLifetime = 20 * time.Minute
	}
	if p.ReservationTimeout <= 0 {
		p.ReservationTimeout = 5 * time.Minute
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 24 * time.Hour
	}
	if p.MaxUses <= 0 {
		p.MaxUses = 3
	}
	if p.RefillInterval <= 0 {
		p.RefillInterval = time.Minute
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = 30 * time.Second
	}
}

func (c *Config) applyHealthDefaults() {
	h := &c.Health
	if h.Alpha == 0 {
		h.Alpha = 0.2
	}
	if h.DegradedSuccessRate == 0 {
		h.DegradedSuccessRate = 0.8
	}
	if h.DownSuccessRate == 0 {
		h.DownSuccessRate = 0.3
	}
	if h.DegradedP95 <= 0 {
		h.DegradedP95 = 10 * time.Second
	}
	if h.MaxConsecutiveFailures <= 0 {
		h.MaxConsecutiveFailures = 10
	}
	if h.RecoverySuccesses <= 0 {
		h.RecoverySuccesses = 3
	}
	if h.ProbeRatio == 0 {
		h.ProbeRatio = 0.05
	}
	if h.ProbeInterval <= 0 {
		h.ProbeInterval = 30 * time.Second
	}
}

func (c *Config) applyBlacklistDefaults() {
	b := &c.Blacklist
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.Duration <= 0 {
		b.Duration = time.Hour
	}
	if b.CleanupInterval <= 0 {
		b.CleanupInterval = time.Minute
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

// optDuration returns 0 for empty values so Validate can default them.
func optDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func appendParseFloatErr(errs []error) func(float64, error) (float64, []error) {
	return func(f float64, err error) (float64, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return f, errs
	}
}

func appendParseDurationErr(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return d, errs
	}
}

func parseBuckets(raw string) ([]Bucket, error) {
	var out []Bucket
	for _, item := range splitList(raw) {
		svc, country, ok := strings.Cut(item, ":")
		svc, country = strings.TrimSpace(svc), strings.ToUpper(strings.TrimSpace(country))
		if !ok || svc == "" || country == "" {
			return nil, fmt.Errorf("POOL_BUCKETS entry must be service:country, got %q", item)
		}
		out = append(out, Bucket{ServiceCode: svc, CountryCode: country})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
