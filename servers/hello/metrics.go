package hello

import (
	"errors"
	"fmt"
	"time"

	mcp "github.com/MegaGrindStone/hello-mcp"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hello_mcp"

// unknownToolLabel replaces the tool label of calls to unregistered tools, whose names come from
// clients.
const unknownToolLabel = "unknown"

// Values of the result label of the tool call counter.
const (
	resultOK           = "ok"
	resultUnknownTool  = "unknown_tool"
	resultInvalidInput = "invalid_input"
	resultError        = "error"
)

type metrics struct {
	activeSessions prometheus.Gauge
	sessionsOpened prometheus.Counter
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of open event streams",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions that received their endpoint event",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and result",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls, including schema validation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}

	for _, c := range []prometheus.Collector{m.activeSessions, m.sessionsOpened, m.toolCalls, m.toolDuration} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) sessionOpened(string) {
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *metrics) sessionClosed(string) {
	m.activeSessions.Dec()
}

func (m *metrics) observeToolCall(name string, d time.Duration, err error) {
	if errors.Is(err, mcp.ErrUnknownTool) {
		name = unknownToolLabel
	}
	m.toolCalls.WithLabelValues(name, callResult(err)).Inc()
	m.toolDuration.WithLabelValues(name).Observe(d.Seconds())
}

func callResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, mcp.ErrUnknownTool):
		return resultUnknownTool
	case errors.Is(err, mcp.ErrInvalidInput):
		return resultInvalidInput
	default:
		return resultError
	}
}
