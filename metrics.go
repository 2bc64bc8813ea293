package relay

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rowsFetched     prometheus.Counter
	publishTotal    *prometheus.CounterVec
	markFailures    *prometheus.CounterVec
	malformedRows   prometheus.Counter
	connectFailures prometheus.Counter
	cycleDuration   prometheus.Histogram
	pendingMarks    prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "speedcam",
		Subsystem: "relay",
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedcam",
		Subsystem: "relay",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the relay collectors and registers them with registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		rowsFetched:     newCounter("rows_fetched_total", "Total number of pending rows read from the store"),
		publishTotal:    newCounterVec("publish_total", "Total number of publish attempts by outcome", []string{"outcome"}),
		markFailures:    newCounterVec("mark_failures_total", "Total number of status writes that failed", []string{"busy"}),
		malformedRows:   newCounter("malformed_rows_total", "Total number of rows skipped because of a malformed key"),
		connectFailures: newCounter("connect_failures_total", "Total number of failed connection attempts"),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "speedcam",
			Subsystem: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent fetching, publishing and marking in one cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		pendingMarks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speedcam",
			Subsystem: "relay",
			Name:      "pending_marks",
			Help:      "Number of publish outcomes waiting to be written back to the store",
		}),
	}

	collectors := []prometheus.Collector{
		m.rowsFetched,
		m.publishTotal,
		m.markFailures,
		m.malformedRows,
		m.connectFailures,
		m.cycleDuration,
		m.pendingMarks,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) fetched(n int) {
	if m == nil {
		return
	}
	m.rowsFetched.Add(float64(n))
}

func (m *Metrics) published(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.publishTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) markFailed(busy bool) {
	if m == nil {
		return
	}
	m.markFailures.WithLabelValues(strconv.FormatBool(busy)).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.malformedRows.Inc()
}

func (m *Metrics) connectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) cycleCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
}

func (m *Metrics) setPendingMarks(n int) {
	if m == nil {
		return
	}
	m.pendingMarks.Set(float64(n))
}
