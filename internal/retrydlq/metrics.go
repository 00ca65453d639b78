package retrydlq

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the retry ladder and dead-letter flow. Counters are kept
// both in-process for the admin snapshot and in prometheus collectors.
type Metrics struct {
	mu sync.RWMutex

	retriesScheduled uint64
	retriesImmediate uint64
	retriesDelayed   uint64
	permanentFails   uint64
	exhausted        uint64
	dlqReceived      uint64
	dlqMalformed     uint64
	recovered        uint64
	lastDLQAt        time.Time

	retriesTotal   *prometheus.CounterVec
	dlqTotal       prometheus.Counter
	recoveredTotal prometheus.Counter
	retryDelay     prometheus.Histogram

	registered bool
}

func NewMetrics() *Metrics {
	return &Metrics{
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiopipe",
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Retry envelopes published, by kind (immediate, delayed, permanent, exhausted).",
		}, []string{"kind"}),
		dlqTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "audiopipe",
			Subsystem: "retry",
			Name:      "dlq_messages_total",
			Help:      "Messages routed to the dead-letter queue.",
		}),
		recoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "audiopipe",
			Subsystem: "retry",
			Name:      "recovered_total",
			Help:      "Uploads manually recovered from the dead-letter queue.",
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "audiopipe",
			Subsystem: "retry",
			Name:      "retry_delay_seconds",
			Help:      "Scheduled delay before a retry becomes eligible.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

// Register attaches the collectors to reg. Safe to call more than once.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.retriesTotal, m.dlqTotal, m.recoveredTotal, m.retryDelay} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) RetryScheduled(delay time.Duration) {
	m.mu.Lock()
	m.retriesScheduled++
	if delay > 0 {
		m.retriesDelayed++
		m.retriesTotal.WithLabelValues("delayed").Inc()
		m.retryDelay.Observe(delay.Seconds())
	} else {
		m.retriesImmediate++
		m.retriesTotal.WithLabelValues("immediate").Inc()
	}
	m.mu.Unlock()
}

func (m *Metrics) PermanentFailure() {
	m.mu.Lock()
	m.permanentFails++
	m.retriesTotal.WithLabelValues("permanent").Inc()
	m.mu.Unlock()
}

func (m *Metrics) RetriesExhausted() {
	m.mu.Lock()
	m.exhausted++
	m.retriesTotal.WithLabelValues("exhausted").Inc()
	m.dlqTotal.Inc()
	m.mu.Unlock()
}

func (m *Metrics) DLQReceived(malformed bool) {
	m.mu.Lock()
	m.dlqReceived++
	if malformed {
		m.dlqMalformed++
	}
	m.lastDLQAt = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) Recovered() {
	m.mu.Lock()
	m.recovered++
	m.recoveredTotal.Inc()
	m.mu.Unlock()
}

// Snapshot is the admin-surface view of the retry flow.
type Snapshot struct {
	RetriesScheduled uint64    `json:"retriesScheduled"`
	RetriesImmediate uint64    `json:"retriesImmediate"`
	RetriesDelayed   uint64    `json:"retriesDelayed"`
	PermanentFails   uint64    `json:"permanentFailures"`
	Exhausted        uint64    `json:"retriesExhausted"`
	DLQReceived      uint64    `json:"dlqReceived"`
	DLQMalformed     uint64    `json:"dlqMalformed"`
	Recovered        uint64    `json:"recovered"`
	LastDLQAt        time.Time `json:"lastDlqAt,omitempty"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		RetriesScheduled: m.retriesScheduled,
		RetriesImmediate: m.retriesImmediate,
		RetriesDelayed:   m.retriesDelayed,
		PermanentFails:   m.permanentFails,
		Exhausted:        m.exhausted,
		DLQReceived:      m.dlqReceived,
		DLQMalformed:     m.dlqMalformed,
		Recovered:        m.recovered,
		LastDLQAt:        m.lastDLQAt,
	}
}

// Reset clears the in-process counters. Prometheus series are left alone.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.retriesScheduled = 0
	m.retriesImmediate = 0
	m.retriesDelayed = 0
	m.permanentFails = 0
	m.exhausted = 0
	m.dlqReceived = 0
	m.dlqMalformed = 0
	m.recovered = 0
	m.lastDLQAt = time.Time{}
	m.mu.Unlock()
}
