package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/upload"
)

// DefaultMaxConcurrent is the dispatcher permit-pool ceiling when config
// does not override it.
const DefaultMaxConcurrent = 5

// Dispatcher runs processing jobs against uploads under a fixed concurrency
// ceiling. One dispatch walks admit, select, announce, execute, report, and
// always releases its permit on the way out.
type Dispatcher struct {
	registry *Registry
	store    upload.Store
	producer *event.Producer
	stats    *Stats
	log      logging.ServiceLogger

	permits chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(registry *Registry, store upload.Store, producer *event.Producer, stats *Stats, log logging.ServiceLogger, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if stats == nil {
		stats = NewStats(nil)
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		producer: producer,
		stats:    stats,
		log:      log,
		permits:  make(chan struct{}, maxConcurrent),
	}
}

// Stats exposes the dispatcher counters to the monitoring surface.
func (d *Dispatcher) Stats() *Stats { return d.stats }

// MaxConcurrent is the permit-pool size.
func (d *Dispatcher) MaxConcurrent() int { return cap(d.permits) }

// Available reports the free permits right now.
func (d *Dispatcher) Available() int { return cap(d.permits) - len(d.permits) }

// DispatchAsync runs Dispatch on its own goroutine so the calling consumer
// keeps draining its topic while the job waits for a permit.
func (d *Dispatcher) DispatchAsync(ctx context.Context, uploadID int64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx, uploadID); err != nil {
			d.log.Error("dispatch failed", err, logging.LogFields{"upload_id": uploadID})
		}
	}()
}

// Wait blocks until all in-flight dispatches finish. Used on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Dispatch processes one upload end to end. The returned error covers
// infrastructure problems only; a job failure is reported through a
// PROCESSING_FAILED event and a recoverable status write, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, uploadID int64) error {
	// Admit. Blocks the processing goroutine, never the consumer.
	select {
	case d.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.permits }()

	u, err := d.store.Get(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload %d: %w", uploadID, err)
	}
	if u.ProcessingStatus.IsTerminal() {
		// Redelivered event for finished work.
		d.log.Debug("upload already terminal, skipping", logging.LogFields{
			"upload_id": u.ID,
			"status":    string(u.ProcessingStatus),
		})
		return nil
	}

	job := d.registry.Select(u)
	if job == nil {
		return d.failNoJob(ctx, u)
	}

	// Announce the stage before doing the work so observers see the upload
	// move even when the job runs long.
	previous := u.ProcessingStatus
	announced, err := upload.Transition(ctx, d.store, u.ID, job.ProcessingStatus(), "")
	if err != nil {
		if errors.Is(err, upload.ErrInvalidTransition) {
			// Another dispatch path advanced this upload first. Redelivery
			// and batch/event races both land here; nothing to do.
			d.log.Debug("upload already past stage, skipping", logging.LogFields{
				"upload_id": u.ID,
				"status":    string(u.ProcessingStatus),
				"job":       job.Name(),
			})
			return nil
		}
		return fmt.Errorf("announce %s for upload %d: %w", job.ProcessingStatus(), u.ID, err)
	}
	statusEvt := event.NewStatusChanged(announced, previous, "processing started", d.producer.Source())
	if err := d.producer.Publish(ctx, statusEvt); err != nil {
		d.log.Error("status announce publish failed", err, logging.LogFields{"upload_id": u.ID})
	}

	startedAt := d.stats.JobStarted(job.Name())
	jobErr := d.runJob(ctx, job, announced)
	d.stats.JobFinished(job.Name(), startedAt, jobErr == nil)

	if jobErr != nil {
		return d.reportFailure(ctx, job, announced, jobErr)
	}
	return d.reportSuccess(ctx, job, announced)
}

// runJob converts a panicking job into an error so a bad job cannot take the
// worker down and the permit is still released.
func (d *Dispatcher) runJob(ctx context.Context, job Job, u *upload.Upload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Process(ctx, u)
}

func (d *Dispatcher) reportSuccess(ctx context.Context, job Job, u *upload.Upload) error {
	done, err := upload.Transition(ctx, d.store, u.ID, job.CompletedStatus(), "")
	if err != nil {
		return fmt.Errorf("complete upload %d: %w", u.ID, err)
	}
	result := event.NewProcessingResult(done, true, job.ProcessingStatus(), "", d.producer.Source())
	if err := d.producer.Publish(ctx, result); err != nil {
		d.log.Error("completion publish failed", err, logging.LogFields{"upload_id": u.ID})
	}
	d.log.Info("job completed", logging.LogFields{
		"upload_id": u.ID,
		"job":       job.Name(),
		"status":    string(done.ProcessingStatus),
	})
	return nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, job Job, u *upload.Upload, jobErr error) error {
	failedStatus := job.FailedStatus()
	errorCode := ErrorCodeRetryable
	if !IsRetryable(jobErr) {
		errorCode = ErrorCodePermanent
	}

	failed, err := upload.Transition(ctx, d.store, u.ID, failedStatus, jobErr.Error())
	if err != nil {
		d.log.Error("failure status write failed", err, logging.LogFields{"upload_id": u.ID})
		failed = u
	}

	result := event.NewProcessingResult(failed, false, job.ProcessingStatus(), jobErr.Error(), d.producer.Source())
	result.ErrorCode = errorCode
	if err := d.producer.Publish(ctx, result); err != nil {
		d.log.Error("failure publish failed", err, logging.LogFields{"upload_id": u.ID})
	}
	d.log.Error("job failed", jobErr, logging.LogFields{
		"upload_id":  u.ID,
		"job":        job.Name(),
		"error_code": errorCode,
	})
	return nil
}

func (d *Dispatcher) failNoJob(ctx context.Context, u *upload.Upload) error {
	msg := fmt.Sprintf("%v for status %s", ErrNoApplicableJob, u.ProcessingStatus)
	failed, err := upload.Transition(ctx, d.store, u.ID, upload.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("mark upload %d failed: %w", u.ID, err)
	}
	evt := event.NewStatusChanged(failed, u.ProcessingStatus, msg, d.producer.Source())
	if err := d.producer.Publish(ctx, evt); err != nil {
		d.log.Error("no-job status publish failed", err, logging.LogFields{"upload_id": u.ID})
	}
	d.log.Error("no applicable job", ErrNoApplicableJob, logging.LogFields{
		"upload_id": u.ID,
		"status":    string(u.ProcessingStatus),
	})
	return nil
}

// Error codes carried on PROCESSING_FAILED envelopes so the retry subsystem
// can classify without re-deriving the failure.
const (
	ErrorCodeRetryable = "RETRYABLE"
	ErrorCodePermanent = "PERMANENT"
)
