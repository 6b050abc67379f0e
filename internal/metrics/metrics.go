// Package metrics exposes Prometheus metrics for conversation turns, transports
// and the HTTP server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"convcore/internal/transport"
	"convcore/pkg/convtypes"
)

const namespace = "convcore"

// Metrics holds every collector. It implements convtypes.TurnObserver.
type Metrics struct {
	// Turn metrics
	TurnsTotal         *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	CostTotal          prometheus.Counter
	NavigationCommands prometheus.Counter
	ContextCacheHits   prometheus.Counter

	// Transport metrics
	TransportConnected *prometheus.GaugeVec
	TransportLatency   *prometheus.HistogramVec
	TransportErrors    *prometheus.CounterVec

	// HTTP server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of processed conversation turns",
		}, []string{"mode", "status"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of conversation turns in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10, 30, 60},
		}, []string{"mode"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of model tokens consumed",
		}, []string{"provider", "kind"}),
		CostTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_dollars_total",
			Help:      "Total estimated model cost in dollars",
		}),
		NavigationCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_commands_total",
			Help:      "Total number of navigation commands extracted from replies",
		}),
		ContextCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_hits_total",
			Help:      "Total number of turns served with cached context",
		}),

		TransportConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connected",
			Help:      "Whether a transport is connected (1) or not (0)",
		}, []string{"transport"}),
		TransportLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_latency_seconds",
			Help:      "Round-trip latency observed by transports in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
		}, []string{"transport"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of transport errors",
		}, []string{"transport", "code"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		HTTPInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		}),
	}
}

// ObserveTurn records one processed turn.
func (m *Metrics) ObserveTurn(stats convtypes.TurnStats) {
	status := "success"
	if stats.Failed {
		status = "error"
	}
	mode := string(stats.Mode)

	m.TurnsTotal.WithLabelValues(mode, status).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(stats.Duration.Seconds())
	if stats.Failed {
		return
	}

	provider := stats.Provider
	if provider == "" {
		provider = "unknown"
	}
	m.TokensTotal.WithLabelValues(provider, "prompt").Add(float64(stats.Tokens.PromptTokens))
	m.TokensTotal.WithLabelValues(provider, "completion").Add(float64(stats.Tokens.CompletionTokens))
	if stats.Cost > 0 {
		m.CostTotal.Add(stats.Cost)
	}
	m.NavigationCommands.Add(float64(stats.Commands))
	if stats.FromCache {
		m.ContextCacheHits.Inc()
	}
}

// WatchTransport subscribes to t's state and error events.
func (m *Metrics) WatchTransport(t transport.Transport) {
	name := t.Name()
	m.TransportConnected.WithLabelValues(name).Set(boolGauge(t.IsConnected()))

	t.OnStateChange(func(state convtypes.TransportState) {
		m.TransportConnected.WithLabelValues(state.Transport).Set(boolGauge(state.Connected))
	})
	t.OnMessage(func(*convtypes.ConversationResponse) {
		state := t.State()
		if state.Latency != nil {
			latency := time.Duration(*state.Latency) * time.Millisecond
			m.TransportLatency.WithLabelValues(state.Transport).Observe(latency.Seconds())
		}
	})
	t.OnError(func(err *transport.TransportError) {
		m.TransportErrors.WithLabelValues(err.Transport, err.Code).Inc()
	})
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
