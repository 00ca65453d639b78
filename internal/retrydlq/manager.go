// Package retrydlq owns the failure side of the pipeline: the retry ladder,
// the dead-letter flow and operator-initiated recovery.
package retrydlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/jsoncodec"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/upload"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultPollInterval = time.Second

	// DLQReasonMaxRetries marks envelopes dead-lettered after the ladder
	// ran out.
	DLQReasonMaxRetries = "max_retries_exceeded"
)

// Dispatcher is the slice of the dispatch surface the retry consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, uploadID int64) error
}

// Manager applies the retry ladder to failed processing results and drains
// the dead-letter topics. Handlers never return errors for domain failures:
// the message is acked and the failure is routed explicitly.
type Manager struct {
	store      upload.Store
	producer   *event.Producer
	dispatcher Dispatcher
	metrics    *Metrics
	log        logging.ServiceLogger

	maxRetries   int
	retryDelay   time.Duration
	pollInterval time.Duration
}

type ManagerConfig struct {
	MaxRetries   int
	RetryDelay   time.Duration
	PollInterval time.Duration
}

func NewManager(store upload.Store, producer *event.Producer, dispatcher Dispatcher, metrics *Metrics, log logging.ServiceLogger, cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Manager{
		store:        store,
		producer:     producer,
		dispatcher:   dispatcher,
		metrics:      metrics,
		log:          log,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		pollInterval: cfg.PollInterval,
	}
}

func (m *Manager) Metrics() *Metrics { return m.metrics }

// HandleResult consumes a processing result. Successful voice analysis
// closes out the upload; failures enter the retry ladder.
func (m *Manager) HandleResult(ctx context.Context, e event.Envelope) error {
	switch e.EventType {
	case event.TypeProcessingCompleted:
		return m.handleCompleted(ctx, e)
	case event.TypeProcessingFailed:
		return m.handleFailed(ctx, e)
	default:
		m.log.Debug("ignoring result event", logging.LogFields{"event_type": e.EventType})
		return nil
	}
}

func (m *Manager) handleCompleted(ctx context.Context, e event.Envelope) error {
	// Voice analysis ends the audio track, image optimization the image
	// track. Intermediate completions wait for their follow-up stage.
	if e.CurrentStatus != upload.StatusVoiceAnalyzed && e.CurrentStatus != upload.StatusImageOptimized {
		return nil
	}
	u, err := upload.Transition(ctx, m.store, e.UploadID, upload.StatusCompleted, "")
	if err != nil {
		if errors.Is(err, upload.ErrInvalidTransition) || errors.Is(err, upload.ErrNotFound) {
			return nil
		}
		m.log.Error("completing upload failed", err, logging.LogFields{"upload_id": e.UploadID})
		return nil
	}
	m.publish(ctx, event.NewStatusChanged(u, e.CurrentStatus, "processing complete", m.producer.Source()))
	return nil
}

func (m *Manager) handleFailed(ctx context.Context, e event.Envelope) error {
	if e.ErrorCode == pipeline.ErrorCodePermanent {
		m.metrics.PermanentFailure()
		m.failTerminally(ctx, e.UploadID, e.ErrorMessage)
		return nil
	}

	// Every retryable failure counts, including the one that exhausts the
	// ladder.
	u, err := upload.RecordRetry(ctx, m.store, e.UploadID, e.ErrorMessage)
	if err != nil {
		// A duplicate delivery after the upload went terminal lands here.
		if !errors.Is(err, upload.ErrInvalidTransition) && !errors.Is(err, upload.ErrNotFound) {
			m.log.Error("recording retry failed", err, logging.LogFields{"upload_id": e.UploadID})
		}
		return nil
	}
	if u.RetryCount >= m.maxRetries {
		m.exhaust(ctx, e, u)
		return nil
	}

	// First retry goes out immediately, later ones back off linearly.
	delay := time.Duration(u.RetryCount-1) * m.retryDelay
	scheduleAt := time.Now().Add(delay)
	retry := e.WithRetry(e.ErrorMessage, u.RetryCount, scheduleAt)
	m.publish(ctx, retry)
	m.metrics.RetryScheduled(delay)
	m.log.Info("retry scheduled", logging.LogFields{
		"upload_id":   u.ID,
		"retry_count": u.RetryCount,
		"delay":       delay.String(),
	})
	return nil
}

func (m *Manager) exhaust(ctx context.Context, e event.Envelope, u *upload.Upload) {
	m.metrics.RetriesExhausted()
	m.failTerminally(ctx, u.ID, fmt.Sprintf("max retries exceeded after %d attempts: %s", u.RetryCount, e.ErrorMessage))
	dead := e
	dead.RetryCount = u.RetryCount
	m.publish(ctx, dead.WithDLQ(DLQReasonMaxRetries))
	m.log.Info("retries exhausted, dead-lettering", logging.LogFields{
		"upload_id":   u.ID,
		"retry_count": u.RetryCount,
	})
}

func (m *Manager) failTerminally(ctx context.Context, uploadID int64, message string) {
	u, err := upload.Transition(ctx, m.store, uploadID, upload.StatusFailed, message)
	if err != nil {
		if !errors.Is(err, upload.ErrInvalidTransition) && !errors.Is(err, upload.ErrNotFound) {
			m.log.Error("marking upload failed", err, logging.LogFields{"upload_id": uploadID})
		}
		return
	}
	m.publish(ctx, event.NewStatusChanged(u, "", message, m.producer.Source()))
}

// HandleRetry consumes the retry topic. Envelopes whose schedule time has not
// elapsed are requeued after a short wait instead of blocking the consumer
// for the whole delay.
func (m *Manager) HandleRetry(ctx context.Context, e event.Envelope) error {
	if !e.ScheduleElapsed(time.Now()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
		if e.ScheduleElapsed(time.Now()) {
			return m.redispatch(ctx, e)
		}
		m.publish(ctx, e)
		return nil
	}
	return m.redispatch(ctx, e)
}

func (m *Manager) redispatch(ctx context.Context, e event.Envelope) error {
	if err := m.dispatcher.Dispatch(ctx, e.UploadID); err != nil {
		m.log.Error("retry dispatch failed", err, logging.LogFields{
			"upload_id":   e.UploadID,
			"retry_count": e.RetryCount,
		})
	}
	return nil
}

// HandleDLQ drains a dead-letter topic. It must never fail the message:
// a DLQ that itself dead-letters loops forever.
func (m *Manager) HandleDLQ(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in dead-letter handler", fmt.Errorf("%v", r), nil)
			err = nil
		}
	}()

	var e event.Envelope
	if uerr := jsoncodec.Unmarshal(payload, &e); uerr != nil {
		m.metrics.DLQReceived(true)
		m.log.Error("malformed dead-letter message", uerr, nil)
		return nil
	}
	m.metrics.DLQReceived(false)

	if e.UploadID != 0 {
		// Idempotent: the upload is usually already FAILED by the time its
		// envelope lands here.
		_, terr := upload.Transition(ctx, m.store, e.UploadID, upload.StatusFailed, e.ErrorMessage)
		if terr != nil && !errors.Is(terr, upload.ErrInvalidTransition) && !errors.Is(terr, upload.ErrNotFound) {
			m.log.Error("persisting dead-letter failure", terr, logging.LogFields{"upload_id": e.UploadID})
		}
	}

	m.log.Info("upload dead-lettered", logging.LogFields{
		"upload_id":   e.UploadID,
		"event_id":    e.EventID,
		"reason":      e.RetryReason,
		"retry_count": e.RetryCount,
	})
	return nil
}

// Recover restarts processing for a dead-lettered upload. The upload moves
// back to UPLOADED with a fresh retry ladder.
func (m *Manager) Recover(ctx context.Context, uploadID int64) (*upload.Upload, error) {
	u, err := upload.RecoverFailed(ctx, m.store, uploadID)
	if err != nil {
		return nil, err
	}
	recovery := event.NewProcessingRequested(u, m.producer.Source()).WithRecovery(m.producer.Source())
	if err := m.producer.Publish(ctx, recovery); err != nil {
		return nil, fmt.Errorf("publishing recovery event: %w", err)
	}
	m.metrics.Recovered()
	m.log.Info("upload recovered from dead-letter queue", logging.LogFields{"upload_id": u.ID})
	return u, nil
}

func (m *Manager) publish(ctx context.Context, e event.Envelope) {
	if err := m.producer.Publish(ctx, e); err != nil {
		m.log.Error("publishing event failed", err, logging.LogFields{
			"event_type": e.EventType,
			"upload_id":  e.UploadID,
		})
	}
}
