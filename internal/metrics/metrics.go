package metrics

import (
	"errors"
	"net/http"
	"time"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meter2mqtt"

// Metrics holds the modbus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "modbus_request_duration_seconds",
			Help:      "Duration of modbus transactions.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"meter", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modbus_retries_total",
			Help:      "Failed modbus attempts that were retried.",
		}, []string{"meter", "op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modbus_failures_total",
			Help:      "Modbus transactions that ran out of attempts.",
		}, []string{"meter", "op", "reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.duration,
		m.retries,
		m.failures,
	)
	return m
}

// Instrument records the transactions of the meter or bus called name.
func (m *Metrics) Instrument(name string) *mm.ModbusInstrument {
	return &mm.ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			m.duration.WithLabelValues(name, fnName).Observe(readTime.Seconds())
		},
		RecordRetry: func(fnName string, attempt uint, err error) {
			m.retries.WithLabelValues(name, fnName).Inc()
		},
		RecordFailure: func(fnName string, err error) {
			m.failures.WithLabelValues(name, fnName, reason(err)).Inc()
		},
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func reason(err error) string {
	switch {
	case errors.Is(err, mm.ErrShortResponse):
		return "short_response"
	case errors.Is(err, mm.ErrIOFailure):
		return "io"
	default:
		return "other"
	}
}
