package upload

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no upload matches the lookup.
	ErrNotFound = errors.New("audiopipe: upload not found")

	// ErrVersionConflict is returned by Store.Update when another writer got
	// there first. Callers re-read and re-apply.
	ErrVersionConflict = errors.New("audiopipe: upload version conflict")

	// ErrInvalidTransition is returned when a requested status change is not
	// on the forward graph.
	ErrInvalidTransition = errors.New("audiopipe: invalid status transition")
)

// Store is the persistence contract for uploads. Update performs a
// compare-and-swap on Version and must return ErrVersionConflict on a stale
// write, never silently overwrite.
type Store interface {
	Create(ctx context.Context, u *Upload) error
	Get(ctx context.Context, id int64) (*Upload, error)
	GetByUUID(ctx context.Context, uuid string) (*Upload, error)
	Update(ctx context.Context, u *Upload) error

	// FindByStatus returns up to limit uploads in the given status, oldest
	// first.
	FindByStatus(ctx context.Context, status Status, limit int) ([]*Upload, error)

	// FindStuck returns up to limit uploads sitting in one of the given
	// statuses since before cutoff, oldest first. The batch scheduler uses
	// this to re-inject stalled work.
	FindStuck(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Upload, error)
}

// statusWriteAttempts bounds the CAS retry loop in mutate. Conflicts are
// rare (two dispatch paths racing on one upload), so a handful is plenty.
const statusWriteAttempts = 5

// mutate runs a read-modify-write with optimistic retry. fn sees a fresh
// record on every attempt and may veto the write by returning an error.
func mutate(ctx context.Context, store Store, id int64, fn func(*Upload) error) (*Upload, error) {
	var lastErr error
	for attempt := 0; attempt < statusWriteAttempts; attempt++ {
		u, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(u); err != nil {
			return nil, err
		}
		if err := store.Update(ctx, u); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return u, nil
	}
	return nil, fmt.Errorf("write for upload %d kept conflicting: %w", id, lastErr)
}

// Transition moves an upload to next. Invalid transitions return
// ErrInvalidTransition without writing. A self-transition is a no-op write
// kept for idempotent redelivery.
func Transition(ctx context.Context, store Store, id int64, next Status, errorMessage string) (*Upload, error) {
	return mutate(ctx, store, id, func(u *Upload) error {
		if !u.ProcessingStatus.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s (upload %d)", ErrInvalidTransition, u.ProcessingStatus, next, id)
		}
		u.ApplyStatus(next, errorMessage, time.Now())
		return nil
	})
}

// RecordRetry bumps the per-stage retry counter and stamps the failure.
// Terminal uploads veto the bump so a redelivered failure cannot restart
// the ladder after exhaustion.
func RecordRetry(ctx context.Context, store Store, id int64, reason string) (*Upload, error) {
	return mutate(ctx, store, id, func(u *Upload) error {
		if u.ProcessingStatus.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal (upload %d)", ErrInvalidTransition, u.ProcessingStatus, id)
		}
		now := time.Now()
		u.RetryCount++
		u.ProcessingErrorMessage = reason
		u.LastFailedAt = &now
		u.UpdatedAt = now
		return nil
	})
}

// RecoverFailed moves a failed upload back to UPLOADED with a fresh retry
// ladder. This is the operator override behind dead-letter recovery and the
// only edge out of FAILED.
func RecoverFailed(ctx context.Context, store Store, id int64) (*Upload, error) {
	return mutate(ctx, store, id, func(u *Upload) error {
		if u.ProcessingStatus != StatusFailed && !u.ProcessingStatus.IsRecoverableFailure() {
			return fmt.Errorf("%w: cannot recover upload %d from %s", ErrInvalidTransition, id, u.ProcessingStatus)
		}
		u.ProcessingStatus = StatusUploaded
		u.ProcessingErrorMessage = ""
		u.RetryCount = 0
		u.LastFailedAt = nil
		u.UpdatedAt = time.Now()
		return nil
	})
}

// UpdateMedia rewrites the media attributes after conversion changed the
// stored payload.
func UpdateMedia(ctx context.Context, store Store, id int64, extension, contentType string, fileSize int64) (*Upload, error) {
	return mutate(ctx, store, id, func(u *Upload) error {
		u.Extension = extension
		u.ContentType = contentType
		u.FileSize = fileSize
		u.UpdatedAt = time.Now()
		return nil
	})
}
