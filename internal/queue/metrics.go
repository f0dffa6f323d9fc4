package queue

import "github.com/prometheus/client_golang/prometheus"

var jobDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

// Metrics exposes queue throughput counters on the default registry. A nil
// *Metrics disables recording.
type Metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the queue collectors, reusing any already registered
// by another queue in the same process.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.started = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderlite",
		Subsystem: "queue",
		Name:      "jobs_started_total",
		Help:      "Count of jobs handed to a worker",
	}, []string{"queue"}))
	m.completed = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderlite",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Count of jobs finished without error",
	}, []string{"queue"}))
	m.failed = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderlite",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Count of jobs that exhausted their retry budget",
	}, []string{"queue"}))
	m.duration = registerHistogram(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "renderlite",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock processing time per job including retries",
		Buckets:   jobDurationBuckets,
	}, []string{"queue"}))
	return m
}

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (m *Metrics) jobStarted(queue string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(queue).Inc()
}

func (m *Metrics) jobCompleted(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(queue).Inc()
	m.duration.WithLabelValues(queue).Observe(seconds)
}

func (m *Metrics) jobFailed(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(queue).Inc()
	m.duration.WithLabelValues(queue).Observe(seconds)
}
