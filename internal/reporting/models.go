package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageRequest asks for lease activity created inside Range.
// Provider narrows the report to one provider when set.
type UsageRequest struct {
	Range    TimeRange `json:"range"`
	Provider string    `json:"provider,omitempty"`
}

// ProviderUsage aggregates the leases one provider served. The totals row
// uses the same shape with Provider empty.
type ProviderUsage struct {
	Provider string `json:"provider,omitempty"`

	TotalLeases int `json:"total_leases"`
	Active      int `json:"active"`
	Fulfilled   int `json:"fulfilled"`
	Expired     int `json:"expired"`
	Released    int `json:"released"`
	Failed      int `json:"failed"`

	FromPool        int `json:"from_pool"`
	DirectPurchases int `json:"direct_purchases"`
	Rentals         int `json:"rentals"`
	// Fallbacks counts candidates skipped before the serving provider answered.
	Fallbacks int `json:"fallbacks"`

	WithSms int `json:"with_sms"`

	// Spend is keyed by currency; pooled numbers are charged once, at purchase.
	Spend map[string]float64 `json:"spend"`

	// SuccessRate is the share of closed leases that received a message.
	SuccessRate     float64 `json:"success_rate"`
	PoolHitRate     float64 `json:"pool_hit_rate"`
	AvgTimeToSmsSec float64 `json:"avg_time_to_sms_seconds"`

	smsDelay  time.Duration
	smsTimed  int
	closed    int
	closedSms int
}

type UsageSummary struct {
	Range     TimeRange       `json:"range"`
	Totals    ProviderUsage   `json:"totals"`
	Providers []ProviderUsage `json:"providers"`
	// Truncated is set when the window held more leases than one report reads.
	Truncated bool `json:"truncated"`
}
