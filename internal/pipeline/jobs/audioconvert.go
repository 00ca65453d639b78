package jobs

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/filestore"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/upload"
)

// AudioConversionJob transcodes uploaded audio to WAV so the player can
// stream it, then kicks off background voice analysis.
type AudioConversionJob struct {
	converter Converter
	files     filestore.FileStore
	store     upload.Store
	producer  *event.Producer
	log       logging.ServiceLogger
}

func NewAudioConversionJob(converter Converter, files filestore.FileStore, store upload.Store, producer *event.Producer, log logging.ServiceLogger) *AudioConversionJob {
	return &AudioConversionJob{
		converter: converter,
		files:     files,
		store:     store,
		producer:  producer,
		log:       log,
	}
}

func (j *AudioConversionJob) Name() string { return "audio-conversion" }

func (j *AudioConversionJob) CanProcess(u *upload.Upload) bool {
	return u.IsAudio() &&
		(u.ProcessingStatus == upload.StatusUploaded ||
			u.ProcessingStatus == upload.StatusAudioConversionFailed)
}

func (j *AudioConversionJob) ProcessingStatus() upload.Status { return upload.StatusAudioConverting }
func (j *AudioConversionJob) CompletedStatus() upload.Status  { return upload.StatusAudioConverted }
func (j *AudioConversionJob) FailedStatus() upload.Status     { return upload.StatusAudioConversionFailed }

// Priority 10: conversion unblocks playback, so it runs before analysis.
func (j *AudioConversionJob) Priority() int { return 10 }

// EstimatedDuration assumes roughly 5s per megabyte, 5s minimum.
func (j *AudioConversionJob) EstimatedDuration(u *upload.Upload) time.Duration {
	mb := u.FileSize / (1 << 20)
	if mb < 1 {
		mb = 1
	}
	return time.Duration(mb) * 5 * time.Second
}

func (j *AudioConversionJob) Process(ctx context.Context, u *upload.Upload) error {
	srcFormat := strings.ToLower(u.Extension)
	if srcFormat != "wav" {
		if err := j.convertAndReplace(ctx, u, srcFormat); err != nil {
			return err
		}
	} else {
		j.log.Debug("payload already WAV, skipping conversion", logging.LogFields{"upload_id": u.ID})
	}

	j.triggerVoiceAnalysis(ctx, u)
	return nil
}

func (j *AudioConversionJob) convertAndReplace(ctx context.Context, u *upload.Upload, srcFormat string) error {
	originalKey := u.StorageKey()

	src, err := j.files.Download(ctx, originalKey)
	if err != nil {
		return fmt.Errorf("download %s: %w", originalKey, err)
	}

	converted, err := j.converter.ConvertToWav(ctx, src, srcFormat)
	if err != nil {
		// ffmpeg rejecting the input will reject it again on retry.
		return pipeline.Permanentf("convert %s to wav: %v", srcFormat, err)
	}

	// Write the converted object before touching the record. If the write
	// fails the store still describes the original payload and a retry
	// converts again from it.
	next := *u
	next.Extension = "wav"
	newKey := next.StorageKey()

	if _, err := j.files.Upload(ctx, newKey, bytes.NewReader(converted), int64(len(converted)), "audio/wav"); err != nil {
		return fmt.Errorf("upload converted %s: %w", newKey, err)
	}
	if err := j.files.Delete(ctx, originalKey); err != nil {
		// The replacement already landed; a stale original is an ops
		// cleanup, not a processing failure.
		j.log.Error("delete original after conversion failed", err, logging.LogFields{
			"upload_id": u.ID,
			"key":       originalKey,
		})
	}

	updated, err := upload.UpdateMedia(ctx, j.store, u.ID, "wav", "audio/wav", int64(len(converted)))
	if err != nil {
		return fmt.Errorf("record converted media for upload %d: %w", u.ID, err)
	}

	*u = *updated
	j.log.Info("audio converted", logging.LogFields{
		"upload_id": u.ID,
		"from":      srcFormat,
		"key":       newKey,
	})
	return nil
}

// triggerVoiceAnalysis publishes the follow-up request. A publish failure
// does not fail the conversion; the batch scheduler will pick the upload up
// from AUDIO_CONVERTED later.
func (j *AudioConversionJob) triggerVoiceAnalysis(ctx context.Context, u *upload.Upload) {
	fileURL, err := j.files.Presign(ctx, u.StorageKey(), 30*time.Minute)
	if err != nil {
		j.log.Error("presign for voice analysis failed", err, logging.LogFields{"upload_id": u.ID})
		return
	}
	evt := event.NewVoiceAnalysisRequest(u, fileURL, j.producer.Source())
	if err := j.producer.Publish(ctx, evt); err != nil {
		j.log.Error("voice analysis request publish failed", err, logging.LogFields{"upload_id": u.ID})
	}
}
