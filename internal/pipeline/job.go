// Package pipeline contains the processing-job abstraction and the
// bounded-concurrency dispatcher that runs jobs against uploads.
package pipeline

import (
	"context"
	"time"

	"github.com/echolabs/audiopipe/internal/upload"
)

// Job is one pluggable unit of processing work. Implementations claim
// applicability over an upload and carry a priority; the dispatcher picks the
// lowest-priority applicable job.
type Job interface {
	// Name identifies the job in logs and stats.
	Name() string

	// CanProcess reports whether this job applies to the upload in its
	// current state.
	CanProcess(u *upload.Upload) bool

	// Process runs the work. A nil return advances the upload to
	// CompletedStatus. Errors wrapped with Permanent skip the retry ladder.
	Process(ctx context.Context, u *upload.Upload) error

	// Priority orders job selection, lower is more urgent.
	Priority() int

	// ProcessingStatus is announced when the job starts.
	ProcessingStatus() upload.Status

	// CompletedStatus is written when Process returns nil.
	CompletedStatus() upload.Status

	// FailedStatus is the stage-local recoverable failure state written when
	// Process fails retryably.
	FailedStatus() upload.Status

	// EstimatedDuration sizes the work for monitoring. It carries no
	// scheduling weight.
	EstimatedDuration(u *upload.Upload) time.Duration
}

// Registry holds the closed set of job variants, built once at startup.
type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) *Registry {
	return &Registry{jobs: jobs}
}

// Register appends a job variant. Not safe for concurrent use; build the
// registry before starting the service.
func (r *Registry) Register(j Job) {
	r.jobs = append(r.jobs, j)
}

// Select returns the lowest-priority job whose CanProcess accepts the
// upload, or nil when none applies.
func (r *Registry) Select(u *upload.Upload) Job {
	var best Job
	for _, j := range r.jobs {
		if !j.CanProcess(u) {
			continue
		}
		if best == nil || j.Priority() < best.Priority() {
			best = j
		}
	}
	return best
}

// Jobs returns the registered variants for the monitoring surface.
func (r *Registry) Jobs() []Job {
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}
