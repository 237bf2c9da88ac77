package health

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"sms-receive/internal/provider"
)

// Config tunes status transitions.
type Config struct {
	Alpha                  float64
	DegradedSuccessRate    float64
	DownSuccessRate        float64
	DegradedP95            time.Duration
	MaxConsecutiveFailures int
	RecoverySuccesses      int
	ProbeRatio             float64
	ProbeInterval          time.Duration

	// MinSamples guards rate-based transitions against a cold start.
	MinSamples int
	// Window is the number of latency samples kept for p95.
	Window int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Alpha <= 0 || out.Alpha > 1 {
		out.Alpha = 0.2
	}
	if out.DegradedSuccessRate <= 0 {
		out.DegradedSuccessRate = 0.8
	}
	if out.DownSuccessRate <= 0 {
		out.DownSuccessRate = 0.3
	}
	if out.DegradedP95 <= 0 {
		out.DegradedP95 = 10 * time.Second
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = 10
	}
	if out.RecoverySuccesses <= 0 {
		out.RecoverySuccesses = 3
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = 30 * time.Second
	}
	if out.MinSamples <= 0 {
		out.MinSamples = 3
	}
	if out.Window <= 0 {
		out.Window = 100
	}
	return out
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	// OutcomeRateLimited is counted but never moves the success rate.
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

type Transition struct {
	Provider string
	From     provider.HealthStatus
	To       provider.HealthStatus
	Reason   string
	At       time.Time
}

// Stats is a read-only view of one provider's health.
type Stats struct {
	Provider            string                `json:"provider"`
	Status              provider.HealthStatus `json:"status"`
	SuccessRate         float64               `json:"success_rate"`
	AvgLatencyMs        float64               `json:"avg_latency_ms"`
	AvgCost             float64               `json:"avg_cost"`
	P95LatencyMs        float64               `json:"p95_latency_ms"`
	TotalRequests       int64                 `json:"total_requests"`
	TotalSuccess        int64                 `json:"total_success"`
	TotalFailures       int64                 `json:"total_failures"`
	RateLimited         int64                 `json:"rate_limited"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastTransitionAt    time.Time             `json:"last_transition_at"`
}

// Monitor tracks rolling health per provider. State is kept per provider so
// recording an outcome for one provider never blocks another.
type Monitor struct {
	cfg  Config
	Now  func() time.Time
	Rand func() float64

	mu        sync.RWMutex
	trackers  map[string]*tracker
	listeners []func(Transition)
}

type tracker struct {
	mu sync.Mutex

	status      provider.HealthStatus
	ewmaSuccess float64
	ewmaLatency float64
	hasLatency  bool
	ewmaCost    float64
	window      []float64
	next        int

	samples              int
	consecutiveFailures  int
	consecutiveSuccesses int
	lastProbe            time.Time
	lastTransition       time.Time

	total, success, failures, rateLimited int64

	pendingRequests, pendingSuccess, pendingFailures int64
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		Now:      time.Now,
		Rand:     rand.Float64,
		trackers: map[string]*tracker{},
	}
}

// OnTransition registers fn to run after every status change.
// Listeners run synchronously on the recording goroutine, outside monitor locks.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Seed restores persisted state for a provider. Existing trackers are left alone.
func (m *Monitor) Seed(c provider.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[c.Code]; ok {
		return
	}
	t := m.newTracker()
	if c.HealthStatus.Valid() {
		t.status = c.HealthStatus
	}
	if c.TotalRequests > 0 {
		t.ewmaSuccess = c.LastSuccessRate
		t.samples = m.cfg.MinSamples
	}
	if c.AvgReceiveTimeMs > 0 {
		t.ewmaLatency = c.AvgReceiveTimeMs
		t.hasLatency = true
	}
	t.ewmaCost = c.AvgCost
	t.total, t.success, t.failures = c.TotalRequests, c.TotalSuccess, c.TotalFailures
	m.trackers[c.Code] = t
}

func (m *Monitor) newTracker() *tracker {
	return &tracker{status: provider.HealthHealthy, ewmaSuccess: 1, window: make([]float64, 0, m.cfg.Window)}
}

func (m *Monitor) lookup(code string) *tracker {
	m.mu.RLock()
	t, ok := m.trackers[code]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[code]; ok {
		return t
	}
	t = m.newTracker()
	m.trackers[code] = t
	return t
}

// Record folds one call outcome into the provider's health.
func (m *Monitor) Record(code string, outcome Outcome, latency time.Duration) {
	t := m.lookup(code)
	now := m.Now()

	t.mu.Lock()
	if outcome == OutcomeRateLimited {
		t.rateLimited++
		t.mu.Unlock()
		return
	}

	t.total++
	t.pendingRequests++
	t.samples++
	a := m.cfg.Alpha
	if outcome == OutcomeSuccess {
		t.success++
		t.pendingSuccess++
		t.consecutiveFailures = 0
		t.consecutiveSuccesses++
		t.ewmaSuccess = a*1 + (1-a)*t.ewmaSuccess
		ms := float64(latency.Milliseconds())
		if !t.hasLatency {
			t.ewmaLatency, t.hasLatency = ms, true
		} else {
			t.ewmaLatency = a*ms + (1-a)*t.ewmaLatency
		}
		t.pushLatency(ms, m.cfg.Window)
	} else {
		t.failures++
		t.pendingFailures++
		t.consecutiveSuccesses = 0
		t.consecutiveFailures++
		t.ewmaSuccess = (1 - a) * t.ewmaSuccess
	}

	from := t.status
	to, reason := m.evaluate(t)
	if to != from {
		t.status = to
		t.lastTransition = now
		t.consecutiveSuccesses = 0
	}
	t.mu.Unlock()

	if to != from {
		m.emit(Transition{Provider: code, From: from, To: to, Reason: reason, At: now})
	}
}

func (m *Monitor) evaluate(t *tracker) (provider.HealthStatus, string) {
	c := m.cfg
	warm := t.samples >= c.MinSamples
	downByFailures := t.consecutiveFailures >= c.MaxConsecutiveFailures
	downByRate := warm && t.ewmaSuccess < c.DownSuccessRate
	p95Slow := warm && t.p95() > float64(c.DegradedP95.Milliseconds())
	degradedByRate := warm && t.ewmaSuccess < c.DegradedSuccessRate

	switch t.status {
	case provider.HealthDown:
		// Half-open: only a run of probe successes reopens the provider, and only to degraded.
		if t.consecutiveSuccesses >= c.RecoverySuccesses {
			return provider.HealthDegraded, "probe_recovered"
		}
		return provider.HealthDown, ""
	case provider.HealthDegraded:
		if downByFailures {
			return provider.HealthDown, "consecutive_failures"
		}
		if downByRate {
			return provider.HealthDown, "success_rate"
		}
		if t.consecutiveSuccesses >= c.RecoverySuccesses && !degradedByRate && !p95Slow {
			return provider.HealthHealthy, "recovered"
		}
		return provider.HealthDegraded, ""
	default:
		if downByFailures {
			return provider.HealthDown, "consecutive_failures"
		}
		if downByRate {
			return provider.HealthDown, "success_rate"
		}
		if degradedByRate {
			return provider.HealthDegraded, "success_rate"
		}
		if p95Slow {
			return provider.HealthDegraded, "latency_p95"
		}
		return provider.HealthHealthy, ""
	}
}

func (t *tracker) pushLatency(ms float64, size int) {
	if len(t.window) < size {
		t.window = append(t.window, ms)
		return
	}
	t.window[t.next] = ms
	t.next = (t.next + 1) % size
}

func (t *tracker) p95() float64 {
	if len(t.window) == 0 {
		return 0
	}
	s := make([]float64, len(t.window))
	copy(s, t.window)
	sort.Float64s(s)
	idx := int(float64(len(s))*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func (m *Monitor) emit(tr Transition) {
	m.mu.RLock()
	ls := make([]func(Transition), len(m.listeners))
	copy(ls, m.listeners)
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(tr)
	}
}

// Status returns the current status; unknown providers are healthy.
func (m *Monitor) Status(code string) provider.HealthStatus {
	t := m.lookup(code)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ShouldProbe decides whether a down provider gets a trial request now.
// At least one probe is allowed per ProbeInterval, plus a ProbeRatio fraction of traffic.
// A true answer consumes the interval slot.
func (m *Monitor) ShouldProbe(code string) bool {
	t := m.lookup(code)
	now := m.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != provider.HealthDown {
		return false
	}
	if now.Sub(t.lastProbe) >= m.cfg.ProbeInterval || (m.cfg.ProbeRatio > 0 && m.Rand() < m.cfg.ProbeRatio) {
		t.lastProbe = now
		return true
	}
	return false
}

// PeekProbe reports whether the interval probe slot is open without taking it.
func (m *Monitor) PeekProbe(code string) bool {
	t := m.lookup(code)
	now := m.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == provider.HealthDown && now.Sub(t.lastProbe) >= m.cfg.ProbeInterval
}

// RecordCost folds one observed purchase price into the provider's average.
func (m *Monitor) RecordCost(code string, cost float64) {
	if cost <= 0 {
		return
	}
	t := m.lookup(code)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ewmaCost <= 0 {
		t.ewmaCost = cost
		return
	}
	t.ewmaCost = m.cfg.Alpha*cost + (1-m.cfg.Alpha)*t.ewmaCost
}

// Reset forces a provider back to healthy with a clean success rate.
func (m *Monitor) Reset(code string) {
	t := m.lookup(code)
	now := m.Now()
	t.mu.Lock()
	from := t.status
	t.status = provider.HealthHealthy
	t.ewmaSuccess = 1
	t.consecutiveFailures, t.consecutiveSuccesses = 0, 0
	t.samples = 0
	t.window = t.window[:0]
	t.next = 0
	t.lastTransition = now
	t.mu.Unlock()
	if from != provider.HealthHealthy {
		m.emit(Transition{Provider: code, From: from, To: provider.HealthHealthy, Reason: "manual_reset", At: now})
	}
}

func (m *Monitor) Snapshot(code string) Stats {
	return m.lookup(code).stats(code)
}

func (m *Monitor) Snapshots() []Stats {
	m.mu.RLock()
	codes := make([]string, 0, len(m.trackers))
	for code := range m.trackers {
		codes = append(codes, code)
	}
	m.mu.RUnlock()
	sort.Strings(codes)
	out := make([]Stats, 0, len(codes))
	for _, code := range codes {
		out = append(out, m.Snapshot(code))
	}
	return out
}

func (t *tracker) stats(code string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Provider:            code,
		Status:              t.status,
		SuccessRate:         t.ewmaSuccess,
		AvgLatencyMs:        t.ewmaLatency,
		AvgCost:             t.ewmaCost,
		P95LatencyMs:        t.p95(),
		TotalRequests:       t.total,
		TotalSuccess:        t.success,
		TotalFailures:       t.failures,
		RateLimited:         t.rateLimited,
		ConsecutiveFailures: t.consecutiveFailures,
		LastTransitionAt:    t.lastTransition,
	}
}

// Drain returns counter deltas accumulated since the previous drain together
// with the current derived metrics. Providers with no new traffic are skipped.
func (m *Monitor) Drain() map[string]provider.StatsDelta {
	m.mu.RLock()
	trackers := make(map[string]*tracker, len(m.trackers))
	for code, t := range m.trackers {
		trackers[code] = t
	}
	m.mu.RUnlock()

	out := map[string]provider.StatsDelta{}
	for code, t := range trackers {
		t.mu.Lock()
		if t.pendingRequests > 0 {
			out[code] = provider.StatsDelta{
				Requests:         t.pendingRequests,
				Success:          t.pendingSuccess,
				Failures:         t.pendingFailures,
				AvgReceiveTimeMs: t.ewmaLatency,
				P95ReceiveTimeMs: t.p95(),
				SuccessRate:      t.ewmaSuccess,
				AvgCost:          t.ewmaCost,
				Status:           t.status,
			}
			t.pendingRequests, t.pendingSuccess, t.pendingFailures = 0, 0, 0
		}
		t.mu.Unlock()
	}
	return out
}

// Requeue adds back counters that failed to persist.
func (m *Monitor) Requeue(code string, d provider.StatsDelta) {
	t := m.lookup(code)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingRequests += d.Requests
	t.pendingSuccess += d.Success
	t.pendingFailures += d.Failures
}
