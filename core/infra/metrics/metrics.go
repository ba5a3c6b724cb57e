package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the message pipeline and the agent runner.
type Metrics interface {
	IncMessagesCreated(role string)
	IncQuotaConsumed(plan string)
	IncQuotaDenied(plan string)
	IncQuotaDegraded(fallback string)
	IncEventsEmitted(event string)
	IncDispatchFailures(event string)
	IncAgentRuns(status string)
	ObserveAgentRunDuration(status string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncMessagesCreated(string)               {}
func (Noop) IncQuotaConsumed(string)                 {}
func (Noop) IncQuotaDenied(string)                   {}
func (Noop) IncQuotaDegraded(string)                 {}
func (Noop) IncEventsEmitted(string)                 {}
func (Noop) IncDispatchFailures(string)              {}
func (Noop) IncAgentRuns(string)                     {}
func (Noop) ObserveAgentRunDuration(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	messagesCreated  *prometheus.CounterVec
	quotaConsumed    *prometheus.CounterVec
	quotaDenied      *prometheus.CounterVec
	quotaDegraded    *prometheus.CounterVec
	eventsEmitted    *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	agentRuns        *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		messagesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages persisted by role",
		}, []string{"role"}),
		quotaConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_consumed_total",
			Help:      "Quota points consumed by plan",
		}, []string{"plan"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denied_total",
			Help:      "Requests denied for exhausted quota by plan",
		}, []string{"plan"}),
		quotaDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_degraded_total",
			Help:      "Requests allowed under the degrade-open policy by fallback",
		}, []string{"fallback"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Job events emitted by event name",
		}, []string{"event"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Job event dispatch failures by event name",
		}, []string{"event"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent runs by terminal status",
		}, []string{"status"}),
		agentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run duration by terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.messagesCreated, p.quotaConsumed, p.quotaDenied, p.quotaDegraded,
			p.eventsEmitted, p.dispatchFailures, p.agentRuns, p.agentRunDuration,
		)
	})
}

func (p *Prom) IncMessagesCreated(role string) {
	p.messagesCreated.WithLabelValues(role).Inc()
}

func (p *Prom) IncQuotaConsumed(plan string) {
	p.quotaConsumed.WithLabelValues(plan).Inc()
}

func (p *Prom) IncQuotaDenied(plan string) {
	p.quotaDenied.WithLabelValues(plan).Inc()
}

func (p *Prom) IncQuotaDegraded(fallback string) {
	p.quotaDegraded.WithLabelValues(fallback).Inc()
}

func (p *Prom) IncEventsEmitted(event string) {
	p.eventsEmitted.WithLabelValues(event).Inc()
}

func (p *Prom) IncDispatchFailures(event string) {
	p.dispatchFailures.WithLabelValues(event).Inc()
}

func (p *Prom) IncAgentRuns(status string) {
	p.agentRuns.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveAgentRunDuration(status string, durationSeconds float64) {
	p.agentRunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
