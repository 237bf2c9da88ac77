package provider

import "time"

// Config is the stored configuration and rolling statistics of one upstream SMS provider.
//
// Counters are only ever incremented (see Repository.ApplyStats) so concurrent
// writers never lose updates. Derived fields are overwritten by the latest flush.
type Config struct {
	Code        string `json:"code" db:"code"`
	DisplayName string `json:"display_name" db:"display_name"`
	Endpoint    string `json:"endpoint" db:"endpoint"`

	// Credentials is opaque to the engine and never serialized.
	Credentials string `json:"-" db:"credentials"`

	Enabled  bool `json:"enabled" db:"enabled"`
	Priority int  `json:"priority" db:"priority"`

	RateLimitPerSecond int `json:"rate_limit_per_second" db:"rate_limit_per_second"`
	RateLimitPerMinute int `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`
	ConcurrentLimit    int `json:"concurrent_limit" db:"concurrent_limit"`

	HealthStatus HealthStatus `json:"health_status" db:"health_status"`

	TotalRequests int64 `json:"total_requests" db:"total_requests"`
	TotalSuccess  int64 `json:"total_success" db:"total_success"`
	TotalFailures int64 `json:"total_failures" db:"total_failures"`

	// Per-provider weights; all zero means the engine defaults apply.
	CostWeight        float64 `json:"cost_weight" db:"cost_weight"`
	SpeedWeight       float64 `json:"speed_weight" db:"speed_weight"`
	SuccessRateWeight float64 `json:"success_rate_weight" db:"success_rate_weight"`

	AvgReceiveTimeMs float64 `json:"avg_receive_time_ms" db:"avg_receive_time_ms"`
	P95ReceiveTimeMs float64 `json:"p95_receive_time_ms" db:"p95_receive_time_ms"`
	LastSuccessRate  float64 `json:"last_success_rate" db:"last_success_rate"`

	// AvgCost starts from admin config and then tracks observed purchase
	// prices through stats flushes. Zero means unknown.
	AvgCost  float64 `json:"avg_cost" db:"avg_cost"`
	Currency string  `json:"currency" db:"currency"`

	// BalanceThreshold raises a low-balance alert when the account drops below it.
	BalanceThreshold float64 `json:"balance_threshold" db:"balance_threshold"`

	// SupportsMultiUse allows a number to be recycled after a successful lease.
	SupportsMultiUse bool `json:"supports_multi_use" db:"supports_multi_use"`

	// Services and Countries restrict what the provider is asked for; empty means any.
	Services  []string `json:"services,omitempty" db:"services"`
	Countries []string `json:"countries,omitempty" db:"countries"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Supports reports whether the provider can serve the given service and country.
func (c Config) Supports(serviceCode, countryCode string) bool {
	return allows(c.Services, serviceCode) && allows(c.Countries, countryCode)
}

func allows(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

func (s HealthStatus) Valid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthDown:
		return true
	default:
		return false
	}
}

// Purchase is the result of buying one activation number from a provider.
type Purchase struct {
	ProviderCode string    `json:"provider_code"`
	ActivationID string    `json:"activation_id"`
	PhoneNumber  string    `json:"phone_number"`
	CountryCode  string    `json:"country_code"`
	ServiceCode  string    `json:"service_code"`
	Cost         float64   `json:"cost"`
	Currency     string    `json:"currency"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Balance struct {
	ProviderCode string    `json:"provider_code"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	CheckedAt    time.Time `json:"checked_at"`
}

// InboundSms is a message observed at the provider for an activation.
type InboundSms struct {
	ProviderCode string `json:"provider_code"`
	ActivationID string `json:"activation_id"`

	// MessageID is the provider's id when it has one; used for deduplication.
	MessageID  string    `json:"message_id,omitempty"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// StatsDelta is one flush of counters and derived metrics from the health monitor.
type StatsDelta struct {
	Requests int64
	Success  int64
	Failures int64

	AvgReceiveTimeMs float64
	P95ReceiveTimeMs float64
	SuccessRate      float64
	// AvgCost is the observed purchase price; zero keeps the stored value.
	AvgCost float64
	Status  HealthStatus
}
