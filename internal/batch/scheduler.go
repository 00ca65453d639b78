// Package batch re-injects uploads stuck in intermediate states into the
// dispatch path on a fixed interval. It is the safety net under the
// event-driven flow: a lost event only delays an upload until the next scan.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/upload"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultBatchSize     = 5
	DefaultMaxConcurrent = 3

	MinBatchSize = 1
	MaxBatchSize = 20
)

// scanStatuses are the "ready to advance" states the scan looks for. An
// upload sitting in one of these past the stuck threshold lost its follow-up
// event somewhere.
var scanStatuses = []upload.Status{
	upload.StatusUploaded,
	upload.StatusAudioConverted,
	upload.StatusVoiceAnalysisPending,
}

// Scheduler drives the periodic stuck-upload scan. Batch size and the
// enabled flag are runtime-mutable through the admin surface.
type Scheduler struct {
	store      upload.Store
	dispatcher *pipeline.Dispatcher
	log        logging.ServiceLogger

	interval   time.Duration
	stuckAfter time.Duration

	enabled   atomic.Bool
	batchSize atomic.Int64

	// permits is the scheduler's own concurrency ceiling, separate from the
	// dispatcher's so event-driven and batch-driven load are tuned apart.
	permits chan struct{}

	trigger chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	ticks         uint64
	scanned       uint64
	dispatched    uint64
	lastRunAt     time.Time
	lastBatchSize int
}

type Config struct {
	Interval      time.Duration
	BatchSize     int
	MaxConcurrent int
	Enabled       bool

	// StuckAfter is how long an upload must sit untouched before the scan
	// picks it up. Defaults to the interval.
	StuckAfter time.Duration
}

func NewScheduler(store upload.Store, dispatcher *pipeline.Dispatcher, log logging.ServiceLogger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = cfg.Interval
	}
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		interval:   cfg.Interval,
		stuckAfter: cfg.StuckAfter,
		permits:    make(chan struct{}, cfg.MaxConcurrent),
		trigger:    make(chan struct{}, 1),
	}
	s.enabled.Store(cfg.Enabled)
	s.SetBatchSize(cfg.BatchSize)
	return s
}

// Start runs the scan loop until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runBatch(ctx, false)
			case <-s.trigger:
				s.runBatch(ctx, true)
			}
		}
	}()
}

// Wait blocks until the scan loop and all batch dispatches finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// TriggerNow schedules an out-of-band scan. It bypasses the timer but not
// the concurrency limiter. Returns false when a manual scan is already
// queued.
func (s *Scheduler) TriggerNow() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Pause stops admitting new batches. In-flight dispatches finish.
func (s *Scheduler) Pause() { s.enabled.Store(false) }

// Resume re-enables the scan on the next tick.
func (s *Scheduler) Resume() { s.enabled.Store(true) }

// Enabled reports the admission flag.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// SetBatchSize clamps n into [MinBatchSize, MaxBatchSize] and applies it to
// the next scan.
func (s *Scheduler) SetBatchSize(n int) {
	if n < MinBatchSize {
		n = MinBatchSize
	}
	if n > MaxBatchSize {
		n = MaxBatchSize
	}
	s.batchSize.Store(int64(n))
}

// BatchSize returns the current clamped batch size.
func (s *Scheduler) BatchSize() int { return int(s.batchSize.Load()) }

// MaxConcurrent is the scheduler's own permit-pool size.
func (s *Scheduler) MaxConcurrent() int { return cap(s.permits) }

func (s *Scheduler) runBatch(ctx context.Context, manual bool) {
	if !s.enabled.Load() {
		if manual {
			s.log.Info("batch trigger ignored, scheduler paused", nil)
		}
		return
	}

	cutoff := time.Now().Add(-s.stuckAfter)
	size := s.BatchSize()
	stuck, err := s.store.FindStuck(ctx, scanStatuses, cutoff, size)
	if err != nil {
		s.log.Error("stuck-upload scan failed", err, nil)
		return
	}

	s.mu.Lock()
	s.ticks++
	s.scanned += uint64(len(stuck))
	s.lastRunAt = time.Now()
	s.lastBatchSize = len(stuck)
	s.mu.Unlock()

	if len(stuck) == 0 {
		return
	}
	s.log.Info("batch scan found stuck uploads", logging.LogFields{
		"count":  len(stuck),
		"manual": manual,
	})

	for _, u := range stuck {
		select {
		case s.permits <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		s.dispatched++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(id int64) {
			defer s.wg.Done()
			defer func() { <-s.permits }()
			if err := s.dispatcher.Dispatch(ctx, id); err != nil {
				s.log.Error("batch dispatch failed", err, logging.LogFields{"upload_id": id})
			}
		}(u.ID)
	}
}

// Statistics is the snapshot served by the admin surface.
type Statistics struct {
	Enabled       bool      `json:"enabled"`
	Interval      string    `json:"interval"`
	BatchSize     int       `json:"batchSize"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Ticks         uint64    `json:"ticks"`
	Scanned       uint64    `json:"scanned"`
	Dispatched    uint64    `json:"dispatched"`
	LastRunAt     time.Time `json:"lastRunAt,omitempty"`
	LastBatchSize int       `json:"lastBatchSize"`
}

func (s *Scheduler) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Statistics{
		Enabled:       s.enabled.Load(),
		Interval:      s.interval.String(),
		BatchSize:     s.BatchSize(),
		MaxConcurrent: cap(s.permits),
		Ticks:         s.ticks,
		Scanned:       s.scanned,
		Dispatched:    s.dispatched,
		LastRunAt:     s.lastRunAt,
		LastBatchSize: s.lastBatchSize,
	}
}
