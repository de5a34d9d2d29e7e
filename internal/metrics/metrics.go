// Package metrics exposes Prometheus instruments for sync, token and transport
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailsync"

// Result label values
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultRevoked     = "revoked"
	ResultUnavailable = "unavailable"
	ResultThrottled   = "throttled"
	ResultSkipped     = "skipped"
)

// Metrics holds the registered collectors
type Metrics struct {
	syncs          *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	tokenRefreshes *prometheus.CounterVec
	transports     *prometheus.CounterVec
	probes         *prometheus.CounterVec
	deviceAuth     *prometheus.CounterVec
	round          prometheus.Gauge
	cooldown       prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_syncs_total",
			Help:      "Account sync attempts by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "account_sync_duration_seconds",
			Help:      "Duration of a single account sync.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token endpoint exchanges by result.",
		}, []string{"result"}),
		transports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_requests_total",
			Help:      "Transport list/detail calls by method and result.",
		}, []string{"method", "result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_probes_total",
			Help:      "Capability probes by protocol and result.",
		}, []string{"protocol", "result"}),
		deviceAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_auth_polls_total",
			Help:      "Device authorization polls by outcome.",
		}, []string{"outcome"}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_round",
			Help:      "Completed scheduler passes.",
		}),
		cooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_in_cooldown",
			Help:      "1 while the scheduler waits for the next tick after a full pass.",
		}),
	}
	reg.MustRegister(m.syncs, m.syncDuration, m.tokenRefreshes, m.transports, m.probes, m.deviceAuth, m.round, m.cooldown)
	return m
}

// ObserveSync records one account sync
func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// TokenRefresh records one token endpoint exchange
func (m *Metrics) TokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// Transport records one transport call
func (m *Metrics) Transport(method, result string) {
	if m == nil {
		return
	}
	m.transports.WithLabelValues(method, result).Inc()
}

// Probe records one capability probe
func (m *Metrics) Probe(protocol string, ok bool) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !ok {
		result = ResultError
	}
	m.probes.WithLabelValues(protocol, result).Inc()
}

// DevicePoll records one device authorization poll
func (m *Metrics) DevicePoll(outcome string) {
	if m == nil {
		return
	}
	m.deviceAuth.WithLabelValues(outcome).Inc()
}

// SetSchedule publishes the scheduler round and cooldown flag
func (m *Metrics) SetSchedule(round int64, inCooldown bool) {
	if m == nil {
		return
	}
	m.round.Set(float64(round))
	if inCooldown {
		m.cooldown.Set(1)
	} else {
		m.cooldown.Set(0)
	}
}
