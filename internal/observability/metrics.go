// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the relay.
package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/azpipe/internal/relay"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 300s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests served by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpipe_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azpipe_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method"},
	)

	// RelayCallsTotal counts relay calls by model and outcome
	// (json, text, stream, error).
	RelayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpipe_relay_calls_total",
			Help: "Relay calls to Azure AI",
		},
		[]string{"model", "outcome"},
	)

	// RelayLatency records time until the upstream answered, in seconds.
	RelayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azpipe_relay_latency_seconds",
			Help:    "Relay latency until upstream response headers",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// StreamingConnections tracks streams currently being relayed.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "azpipe_streaming_connections_active",
			Help: "Active streaming relays",
		},
	)

	// StatusEventsTotal counts status notifications by terminal flag.
	StatusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azpipe_status_events_total",
			Help: "Status events emitted",
		},
		[]string{"done"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RelayCallsTotal,
		RelayLatency,
		StreamingConnections,
		StatusEventsTotal,
	)
}

// ObserveCall records the outcome and latency of one relay call.
func ObserveCall(model string, res *relay.Result, start time.Time) {
	if model == "" {
		model = "default"
	}
	outcome := "invalid"
	if res != nil {
		outcome = res.Kind.String()
	}
	RelayCallsTotal.WithLabelValues(model, outcome).Inc()
	RelayLatency.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

// StatusCounter returns an observer that counts status events.
func StatusCounter() relay.Observer {
	return relay.ObserverFunc(func(_ context.Context, s relay.Status) error {
		StatusEventsTotal.WithLabelValues(strconv.FormatBool(s.Done)).Inc()
		return nil
	})
}

// statusClass builds a label like "2xx" from an HTTP status code.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
