package metrics

import (
	"net/http"
	"time"

	"sms-receive/internal/pool"
	"sms-receive/internal/provider"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sms_receive"

// Metrics holds every collector the engine reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	acquisitions     *prometheus.CounterVec
	acquireDuration  *prometheus.HistogramVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	fallbacks        prometheus.Histogram
	healthStatus     *prometheus.GaugeVec
	poolNumbers      *prometheus.GaugeVec
	poolSweeps       *prometheus.CounterVec
	smsReceived      *prometheus.CounterVec
	codesExtracted   *prometheus.CounterVec
	providerBalance  *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Number acquisitions by source and result.",
		}, []string{"source", "result"}), // source: pool|provider|none
		acquireDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_duration_seconds",
			Help:      "End-to-end latency of acquireNumber.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider adapter calls by operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider adapter calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Provider calls rejected by the rate limiter.",
		}, []string{"provider"}),
		fallbacks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_count",
			Help:      "Providers tried before a successful purchase.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		healthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health_status",
			Help:      "1 for the provider's current health status, 0 otherwise.",
		}, []string{"provider", "status"}),
		poolNumbers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_numbers",
			Help:      "Pooled numbers by bucket and status.",
		}, []string{"service", "country", "status"}),
		poolSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_sweep_numbers_total",
			Help:      "Numbers moved by the pool sweep.",
		}, []string{"action"}),
		smsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_received_total",
			Help:      "Inbound messages by provider and whether they were new.",
		}, []string{"provider", "result"}),
		codesExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_codes_extracted_total",
			Help:      "Verification code extraction by matched pattern.",
		}, []string{"pattern"}),
		providerBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_balance",
			Help:      "Last reported provider account balance.",
		}, []string{"provider", "currency"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveAcquire(source, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(source, result).Inc()
	m.acquireDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ObserveFallbacks(n int) {
	if m == nil {
		return
	}
	m.fallbacks.Observe(float64(n))
}

func (m *Metrics) ObserveProviderCall(code, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(code, op, outcome).Inc()
	m.providerDuration.WithLabelValues(code, op).Observe(d.Seconds())
}

func (m *Metrics) ObserveRateLimited(code string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(code).Inc()
}

func (m *Metrics) SetHealth(code string, status provider.HealthStatus) {
	if m == nil {
		return
	}
	for _, s := range []provider.HealthStatus{provider.HealthHealthy, provider.HealthDegraded, provider.HealthDown} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.healthStatus.WithLabelValues(code, string(s)).Set(v)
	}
}

// ObservePool implements pool.Observer.
func (m *Metrics) ObservePool(b pool.Bucket, c pool.Counts) {
	if m == nil {
		return
	}
	m.poolNumbers.WithLabelValues(b.ServiceCode, b.CountryCode, string(pool.StatusAvailable)).Set(float64(c.Available))
	m.poolNumbers.WithLabelValues(b.ServiceCode, b.CountryCode, string(pool.StatusReserved)).Set(float64(c.Reserved))
	m.poolNumbers.WithLabelValues(b.ServiceCode, b.CountryCode, string(pool.StatusUsed)).Set(float64(c.Used))
	m.poolNumbers.WithLabelValues(b.ServiceCode, b.CountryCode, string(pool.StatusExpired)).Set(float64(c.Expired))
}

func (m *Metrics) ObserveSweep(r pool.SweepResult) {
	if m == nil {
		return
	}
	m.poolSweeps.WithLabelValues("reclaimed").Add(float64(r.Reclaimed))
	m.poolSweeps.WithLabelValues("expired").Add(float64(r.Expired))
	m.poolSweeps.WithLabelValues("reactivated").Add(float64(r.Reactivated))
}

func (m *Metrics) ObserveSms(code string, created bool) {
	if m == nil {
		return
	}
	result := "new"
	if !created {
		result = "duplicate"
	}
	m.smsReceived.WithLabelValues(code, result).Inc()
}

// ObserveCode is wired as the verification extractor's observer.
func (m *Metrics) ObserveCode(pattern string) {
	if m == nil {
		return
	}
	if pattern == "" {
		pattern = "none"
	}
	m.codesExtracted.WithLabelValues(pattern).Inc()
}

func (m *Metrics) SetBalance(b provider.Balance) {
	if m == nil {
		return
	}
	m.providerBalance.WithLabelValues(b.ProviderCode, b.Currency).Set(b.Amount)
}
