package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors of the mailbox core. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatewayRequests  prometheus.Counter
	gatewayRetries   prometheus.Counter
	gatewayExhausted prometheus.Counter
	gatewayWait      prometheus.Histogram

	tokenRenewals *prometheus.CounterVec

	messages *prometheus.CounterVec

	ticks         *prometheus.CounterVec
	pollInterval  *prometheus.GaugeVec
	tickDurations prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatewayRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_gateway_requests_total",
			Help: "Total number of remote API attempts dispatched by the gateway",
		}),
		gatewayRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_gateway_retries_total",
			Help: "Total number of retried remote API calls",
		}),
		gatewayExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_gateway_exhausted_total",
			Help: "Total number of calls that failed after the last retry",
		}),
		gatewayWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_gateway_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot",
			Buckets: []float64{0, .1, .5, 1, 5, 15, 30, 60},
		}),
		tokenRenewals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_token_renewals_total",
			Help: "Token renewals by method and result",
		}, []string{"method", "result"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_messages_total",
			Help: "Messages handled by the processor by outcome",
		}, []string{"outcome"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_scheduler_ticks_total",
			Help: "Scheduler ticks by result",
		}, []string{"result"}),
		pollInterval: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailsync_poll_interval_seconds",
			Help: "Current polling interval per account",
		}, []string{"account"}),
		tickDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_tick_duration_seconds",
			Help:    "Duration of processing ticks",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) GatewayRequest() {
	if m != nil {
		m.gatewayRequests.Inc()
	}
}

func (m *Metrics) GatewayRetry() {
	if m != nil {
		m.gatewayRetries.Inc()
	}
}

func (m *Metrics) GatewayExhausted() {
	if m != nil {
		m.gatewayExhausted.Inc()
	}
}

func (m *Metrics) GatewayWait(d time.Duration) {
	if m != nil {
		m.gatewayWait.Observe(d.Seconds())
	}
}

// TokenRenewal records a renewal attempt. method is "silent" or "refresh".
func (m *Metrics) TokenRenewal(method, result string) {
	if m != nil {
		m.tokenRenewals.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) Message(outcome string) {
	if m != nil {
		m.messages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Tick(result string, d time.Duration) {
	if m != nil {
		m.ticks.WithLabelValues(result).Inc()
		m.tickDurations.Observe(d.Seconds())
	}
}

func (m *Metrics) PollInterval(account string, d time.Duration) {
	if m != nil {
		m.pollInterval.WithLabelValues(account).Set(d.Seconds())
	}
}
