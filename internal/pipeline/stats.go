package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats tracks dispatcher activity: per-job counts plus the concurrency
// watermarks the monitoring surface exposes.
type Stats struct {
	mu sync.RWMutex

	jobCounts map[string]*JobStats

	active          int
	peakActive      int
	totalDispatched uint64
	totalSucceeded  uint64
	totalFailed     uint64

	// Prometheus collectors
	dispatchedTotal *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	activeGauge     prometheus.Gauge
	durationHist    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// JobStats holds counts for one registered job variant.
type JobStats struct {
	Dispatched  uint64        `json:"dispatched"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	LastRunAt   time.Time     `json:"last_run_at,omitempty"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// StatsSnapshot is a point-in-time view for the monitoring endpoints.
type StatsSnapshot struct {
	Active          int                  `json:"active"`
	PeakActive      int                  `json:"peak_active"`
	TotalDispatched uint64               `json:"total_dispatched"`
	TotalSucceeded  uint64               `json:"total_succeeded"`
	TotalFailed     uint64               `json:"total_failed"`
	JobStats        map[string]*JobStats `json:"job_stats"`
	CollectedAt     time.Time            `json:"collected_at"`
}

// NewStats creates the dispatcher stats collector. A nil registerer falls
// back to the Prometheus default.
func NewStats(registerer prometheus.Registerer) *Stats {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Stats{
		jobCounts:  make(map[string]*JobStats),
		registerer: registerer,
		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiopipe",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Total number of jobs dispatched",
		}, []string{"job"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiopipe",
			Subsystem: "dispatch",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed",
		}, []string{"job"}),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "audiopipe",
			Subsystem: "dispatch",
			Name:      "jobs_active",
			Help:      "Number of jobs currently executing",
		}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audiopipe",
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Job execution time",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"job"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (s *Stats) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		s.dispatchedTotal, s.failedTotal, s.activeGauge, s.durationHist,
	}
	for _, c := range collectors {
		if err := s.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	s.registered = true
	return nil
}

// JobStarted records admission and returns the instant used to measure the
// run.
func (s *Stats) JobStarted(job string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active++
	if s.active > s.peakActive {
		s.peakActive = s.active
	}
	s.totalDispatched++
	js := s.getOrCreateJobStats(job)
	js.Dispatched++
	js.LastRunAt = time.Now()

	s.dispatchedTotal.WithLabelValues(job).Inc()
	s.activeGauge.Set(float64(s.active))
	return js.LastRunAt
}

// JobFinished records the outcome and releases the active slot.
func (s *Stats) JobFinished(job string, startedAt time.Time, succeeded bool) {
	duration := time.Since(startedAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	js := s.getOrCreateJobStats(job)
	if succeeded {
		s.totalSucceeded++
		js.Succeeded++
	} else {
		s.totalFailed++
		js.Failed++
		s.failedTotal.WithLabelValues(job).Inc()
	}
	// Rolling average over completed runs.
	completed := js.Succeeded + js.Failed
	js.AvgDuration = time.Duration((int64(js.AvgDuration)*int64(completed-1) + int64(duration)) / int64(completed))

	s.activeGauge.Set(float64(s.active))
	s.durationHist.WithLabelValues(job).Observe(duration.Seconds())
}

// Snapshot returns a point-in-time copy of all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatsSnapshot{
		Active:          s.active,
		PeakActive:      s.peakActive,
		TotalDispatched: s.totalDispatched,
		TotalSucceeded:  s.totalSucceeded,
		TotalFailed:     s.totalFailed,
		JobStats:        make(map[string]*JobStats, len(s.jobCounts)),
		CollectedAt:     time.Now(),
	}
	for name, js := range s.jobCounts {
		copy := *js
		snap.JobStats[name] = &copy
	}
	return snap
}

func (s *Stats) getOrCreateJobStats(job string) *JobStats {
	if js, ok := s.jobCounts[job]; ok {
		return js
	}
	js := &JobStats{}
	s.jobCounts[job] = js
	return js
}

// Reset clears all counters, useful in tests.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobCounts = make(map[string]*JobStats)
	s.active = 0
	s.peakActive = 0
	s.totalDispatched = 0
	s.totalSucceeded = 0
	s.totalFailed = 0
	s.dispatchedTotal.Reset()
	s.failedTotal.Reset()
	s.activeGauge.Set(0)
	s.durationHist.Reset()
}
