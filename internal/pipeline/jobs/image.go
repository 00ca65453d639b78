package jobs

import (
	"bytes"
	"context"
	"time"

	"github.com/echolabs/audiopipe/internal/filestore"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/upload"
)

// ImageOptimizer rewrites an image payload into its delivery form. The
// default passthrough keeps the bytes as-is; a real imaging backend slots in
// behind the same interface.
type ImageOptimizer interface {
	Optimize(ctx context.Context, src []byte, contentType string) ([]byte, string, error)
}

// PassthroughOptimizer returns the payload unchanged.
type PassthroughOptimizer struct{}

func (PassthroughOptimizer) Optimize(ctx context.Context, src []byte, contentType string) ([]byte, string, error) {
	return src, contentType, nil
}

// ImageProcessingJob optimizes uploaded images (album covers and such).
type ImageProcessingJob struct {
	optimizer ImageOptimizer
	files     filestore.FileStore
	log       logging.ServiceLogger
}

func NewImageProcessingJob(optimizer ImageOptimizer, files filestore.FileStore, log logging.ServiceLogger) *ImageProcessingJob {
	if optimizer == nil {
		optimizer = PassthroughOptimizer{}
	}
	return &ImageProcessingJob{optimizer: optimizer, files: files, log: log}
}

func (j *ImageProcessingJob) Name() string { return "image-processing" }

func (j *ImageProcessingJob) CanProcess(u *upload.Upload) bool {
	return u.IsImage() && u.ProcessingStatus == upload.StatusUploaded
}

func (j *ImageProcessingJob) ProcessingStatus() upload.Status { return upload.StatusImageOptimizing }
func (j *ImageProcessingJob) CompletedStatus() upload.Status  { return upload.StatusImageOptimized }
func (j *ImageProcessingJob) FailedStatus() upload.Status     { return upload.StatusFailed }

// Priority 30: images never block audio work.
func (j *ImageProcessingJob) Priority() int { return 30 }

func (j *ImageProcessingJob) EstimatedDuration(u *upload.Upload) time.Duration {
	return 5 * time.Second
}

// Process classifies every failure as permanent: the image stage has no
// recoverable failure status, so its errors go straight to FAILED.
func (j *ImageProcessingJob) Process(ctx context.Context, u *upload.Upload) error {
	key := u.StorageKey()
	src, err := j.files.Download(ctx, key)
	if err != nil {
		return pipeline.Permanentf("download %s: %v", key, err)
	}

	optimized, contentType, err := j.optimizer.Optimize(ctx, src, u.ContentType)
	if err != nil {
		return pipeline.Permanentf("optimize %s: %v", key, err)
	}

	if _, err := j.files.Upload(ctx, key, bytes.NewReader(optimized), int64(len(optimized)), contentType); err != nil {
		return pipeline.Permanentf("upload optimized %s: %v", key, err)
	}
	j.log.Info("image optimized", logging.LogFields{"upload_id": u.ID, "key": key})
	return nil
}
