package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echolabs/audiopipe/internal/ai"
	"github.com/echolabs/audiopipe/internal/filestore"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/upload"
)

// VoiceAnalysisJob sends the converted recording to the inference service
// and records the resulting voice vector. It runs in the background after
// conversion has already made the file playable.
type VoiceAnalysisJob struct {
	analyzer ai.VoiceAnalyzer
	files    filestore.FileStore
	log      logging.ServiceLogger

	presignTTL time.Duration
}

func NewVoiceAnalysisJob(analyzer ai.VoiceAnalyzer, files filestore.FileStore, log logging.ServiceLogger) *VoiceAnalysisJob {
	return &VoiceAnalysisJob{
		analyzer:   analyzer,
		files:      files,
		log:        log,
		presignTTL: 30 * time.Minute,
	}
}

func (j *VoiceAnalysisJob) Name() string { return "voice-analysis" }

func (j *VoiceAnalysisJob) CanProcess(u *upload.Upload) bool {
	if !u.IsAudio() {
		return false
	}
	switch u.ProcessingStatus {
	case upload.StatusAudioConverted, upload.StatusVoiceAnalysisPending, upload.StatusVoiceAnalysisFailed:
		return true
	}
	return false
}

func (j *VoiceAnalysisJob) ProcessingStatus() upload.Status { return upload.StatusVoiceAnalyzing }
func (j *VoiceAnalysisJob) CompletedStatus() upload.Status  { return upload.StatusVoiceAnalyzed }
func (j *VoiceAnalysisJob) FailedStatus() upload.Status     { return upload.StatusVoiceAnalysisFailed }

// Priority 20: strictly after conversion, which holds 10.
func (j *VoiceAnalysisJob) Priority() int { return 20 }

// EstimatedDuration assumes roughly 30s per megabyte, 60s minimum.
func (j *VoiceAnalysisJob) EstimatedDuration(u *upload.Upload) time.Duration {
	mb := u.FileSize / (1 << 20)
	d := time.Duration(mb) * 30 * time.Second
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (j *VoiceAnalysisJob) Process(ctx context.Context, u *upload.Upload) error {
	fileURL, err := j.files.Presign(ctx, u.StorageKey(), j.presignTTL)
	if err != nil {
		return fmt.Errorf("presign %s: %w", u.StorageKey(), err)
	}

	vectorID, err := j.analyzer.AnalyzeVoice(ctx, fileURL)
	if err != nil {
		var statusErr *ai.StatusError
		if errors.As(err, &statusErr) && !statusErr.IsTransient() {
			return pipeline.Permanent(err)
		}
		return fmt.Errorf("analyze upload %d: %w", u.ID, err)
	}

	j.log.Info("voice analysis finished", logging.LogFields{
		"upload_id": u.ID,
		"vector_id": vectorID,
	})
	return nil
}
