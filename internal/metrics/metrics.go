// Package metrics defines the Prometheus collectors of the chat service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ashureev/toolchat/internal/chat"
)

const namespace = "toolchat"

// Metrics holds the collectors. It implements chat.Observer.
type Metrics struct {
	RequestCount     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TurnCount        *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	StepDuration     *prometheus.HistogramVec
	StepFailures     *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	Tokens           *prometheus.CounterVec
	RateLimited      prometheus.Counter
	ActiveSessions   prometheus.Gauge
	CleanupRemoved   *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

var _ chat.Observer = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestCount: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TurnCount: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_turns_total",
				Help:      "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chat_turn_duration_seconds",
				Help:      "Duration of successful chat turns in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chat_step_duration_seconds",
				Help:      "Duration of chat pipeline steps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		StepFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_step_failures_total",
				Help:      "Failed chat pipeline steps",
			},
			[]string{"step"},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool executions by result",
			},
			[]string{"tool", "success"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Counted model tokens",
			},
			[]string{"provider", "direction"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Requests rejected by the per-session rate limit",
			},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of active sessions at the last cleanup sweep",
			},
		),
		CleanupRemoved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_removed_total",
				Help:      "Records removed by the cleanup worker",
			},
			[]string{"kind"},
		),
		WebSocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Connected WebSocket chat clients",
			},
		),
	}
}

// StepCompleted implements chat.Observer.
func (m *Metrics) StepCompleted(step string, elapsed time.Duration, err error) {
	m.StepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	if err != nil {
		m.StepFailures.WithLabelValues(step).Inc()
	}
}

// ToolExecuted implements chat.Observer.
func (m *Metrics) ToolExecuted(tool string, success bool, elapsed time.Duration) {
	m.ToolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// TurnCompleted implements chat.Observer.
func (m *Metrics) TurnCompleted(provider string, resp *chat.Response, elapsed time.Duration) {
	m.TurnCount.WithLabelValues("ok").Inc()
	m.TurnDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	m.Tokens.WithLabelValues(provider, "input").Add(float64(resp.InputTokens))
	m.Tokens.WithLabelValues(provider, "output").Add(float64(resp.OutputTokens))
}

// TurnFailed implements chat.Observer.
func (m *Metrics) TurnFailed(kind chat.Kind) {
	m.TurnCount.WithLabelValues(string(kind)).Inc()
}
