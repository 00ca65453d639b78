// Package event defines the envelope carried on every pipeline topic, the
// constructors that derive follow-up envelopes, and the producer that routes
// them to topics and partitions.
package event

import (
	"fmt"
	"time"

	"github.com/echolabs/audiopipe/internal/ids"
	"github.com/echolabs/audiopipe/internal/upload"
)

// Type tags the variant of an envelope. Consumers match on it and ignore
// values they do not know, so additions stay forward compatible.
type Type string

const (
	TypeUploadCompleted      Type = "UPLOAD_COMPLETED"
	TypeProcessingRequested  Type = "PROCESSING_REQUESTED"
	TypeStatusChanged        Type = "STATUS_CHANGED"
	TypeProcessingCompleted  Type = "PROCESSING_COMPLETED"
	TypeProcessingFailed     Type = "PROCESSING_FAILED"
	TypeRetryProcessing      Type = "RETRY_PROCESSING"
	TypeVoiceAnalysisRequest Type = "VOICE_ANALYSIS_REQUEST"
)

// Envelope is the message carried on every topic. It is value-like and
// immutable after construction; follow-up events are derived through the
// With* methods, never by mutating a published envelope in place.
type Envelope struct {
	EventID   string    `json:"eventId"`
	EventType Type      `json:"eventType"`
	Source    string    `json:"source,omitempty"`
	EventTime time.Time `json:"eventTime"`

	// Correlation.
	UploadID   int64  `json:"uploadId,omitempty"`
	UUID       string `json:"uuid,omitempty"`
	UploaderID int64  `json:"uploaderId,omitempty"`

	// Payload.
	S3Key          string        `json:"s3Key,omitempty"`
	S3Bucket       string        `json:"s3Bucket,omitempty"`
	FileSize       int64         `json:"fileSize,omitempty"`
	ContentType    string        `json:"contentType,omitempty"`
	CurrentStatus  upload.Status `json:"currentStatus,omitempty"`
	PreviousStatus upload.Status `json:"previousStatus,omitempty"`
	StatusMessage  string        `json:"statusMessage,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	ErrorCode      string        `json:"errorCode,omitempty"`

	// Retry metadata.
	RetryCount       int        `json:"retryCount,omitempty"`
	RetryReason      string     `json:"retryReason,omitempty"`
	FirstFailureTime *time.Time `json:"firstFailureTime,omitempty"`
	LastRetryTime    *time.Time `json:"lastRetryTime,omitempty"`
	DLQTimestamp     *time.Time `json:"dlqTimestamp,omitempty"`
	// ScheduleTime defers consumption: the retry consumer must not act
	// before this instant.
	ScheduleTime *time.Time `json:"scheduleTime,omitempty"`

	// Routing hints.
	RequiresAudioProcessing bool `json:"requiresAudioProcessing,omitempty"`
	RequiresImageProcessing bool `json:"requiresImageProcessing,omitempty"`
	// Priority ranges 1-10, lower is more urgent.
	Priority int `json:"priority,omitempty"`
}

// New builds an envelope with identity and timing filled in.
func New(eventType Type, source string) Envelope {
	return Envelope{
		EventID:   ids.NewEventID(),
		EventType: eventType,
		Source:    source,
		EventTime: time.Now().UTC(),
		Priority:  DefaultPriority,
	}
}

// DefaultPriority sits mid-range so explicit urgency can go either way.
const DefaultPriority = 5

// NewUploadCompleted announces that the raw payload landed in object storage
// and the pipeline may begin.
func NewUploadCompleted(u *upload.Upload, bucket, source string) Envelope {
	e := New(TypeUploadCompleted, source)
	e = e.withUpload(u)
	e.S3Bucket = bucket
	e.CurrentStatus = u.ProcessingStatus
	return e
}

// NewProcessingRequested asks the dispatcher to pick up an upload.
func NewProcessingRequested(u *upload.Upload, source string) Envelope {
	e := New(TypeProcessingRequested, source)
	e = e.withUpload(u)
	e.CurrentStatus = u.ProcessingStatus
	return e
}

// NewStatusChanged records a status transition for downstream observers.
func NewStatusChanged(u *upload.Upload, previous upload.Status, message, source string) Envelope {
	e := New(TypeStatusChanged, source)
	e = e.withUpload(u)
	e.CurrentStatus = u.ProcessingStatus
	e.PreviousStatus = previous
	e.StatusMessage = message
	return e
}

// NewVoiceAnalysisRequest asks for background voice analysis of a converted
// recording.
func NewVoiceAnalysisRequest(u *upload.Upload, fileURL, source string) Envelope {
	e := New(TypeVoiceAnalysisRequest, source)
	e = e.withUpload(u)
	e.CurrentStatus = u.ProcessingStatus
	e.StatusMessage = fileURL
	return e
}

// NewProcessingResult reports the outcome of a dispatched job.
func NewProcessingResult(u *upload.Upload, succeeded bool, previous upload.Status, errorMessage, source string) Envelope {
	kind := TypeProcessingCompleted
	if !succeeded {
		kind = TypeProcessingFailed
	}
	e := New(kind, source)
	e = e.withUpload(u)
	e.CurrentStatus = u.ProcessingStatus
	e.PreviousStatus = previous
	e.ErrorMessage = errorMessage
	return e
}

func (e Envelope) withUpload(u *upload.Upload) Envelope {
	e.UploadID = u.ID
	e.UUID = u.UUID
	e.UploaderID = u.UploaderID
	e.S3Key = u.StorageKey()
	e.FileSize = u.FileSize
	e.ContentType = u.ContentType
	e.RetryCount = u.RetryCount
	e.RequiresAudioProcessing = u.IsAudio()
	e.RequiresImageProcessing = u.IsImage()
	return e
}

// WithResult derives the completion or failure report for a dispatched job.
func (e Envelope) WithResult(succeeded bool, status upload.Status, errorMessage string) Envelope {
	out := e
	out.EventID = ids.NewEventID()
	out.EventTime = time.Now().UTC()
	out.PreviousStatus = e.CurrentStatus
	out.CurrentStatus = status
	if succeeded {
		out.EventType = TypeProcessingCompleted
		out.ErrorMessage = ""
		out.ErrorCode = ""
	} else {
		out.EventType = TypeProcessingFailed
		out.ErrorMessage = errorMessage
	}
	return out
}

// WithRetry derives the envelope republished on the retry topic. The first
// failure retries immediately; later ones carry a schedule time the retry
// consumer waits out.
func (e Envelope) WithRetry(reason string, retryCount int, scheduleAt time.Time) Envelope {
	out := e
	out.EventID = ids.NewEventID()
	out.EventType = TypeRetryProcessing
	now := time.Now().UTC()
	out.EventTime = now
	out.RetryCount = retryCount
	out.RetryReason = reason
	out.LastRetryTime = &now
	if out.FirstFailureTime == nil {
		out.FirstFailureTime = &now
	}
	schedule := scheduleAt.UTC()
	out.ScheduleTime = &schedule
	return out
}

// WithDLQ derives the envelope published to the dead-letter topic once
// retries are exhausted.
func (e Envelope) WithDLQ(reason string) Envelope {
	out := e
	out.EventID = ids.NewEventID()
	now := time.Now().UTC()
	out.EventTime = now
	out.DLQTimestamp = &now
	out.RetryReason = reason
	return out
}

// WithRecovery derives the operator-initiated retry envelope. The retry
// counter restarts from zero.
func (e Envelope) WithRecovery(source string) Envelope {
	out := e
	out.EventID = ids.NewEventID()
	out.EventType = TypeRetryProcessing
	out.Source = source
	out.EventTime = time.Now().UTC()
	out.RetryCount = 0
	out.RetryReason = ""
	out.FirstFailureTime = nil
	out.LastRetryTime = nil
	out.DLQTimestamp = nil
	out.ScheduleTime = nil
	return out
}

// PartitionKey is the value all events of one upload share so the broker
// keeps them ordered relative to each other.
func (e Envelope) PartitionKey() string {
	if e.UploadID != 0 {
		return fmt.Sprintf("%d", e.UploadID)
	}
	if e.UUID != "" {
		return e.UUID
	}
	return e.EventID
}

// ScheduleElapsed reports whether the envelope may be acted on at now.
func (e Envelope) ScheduleElapsed(now time.Time) bool {
	return e.ScheduleTime == nil || !now.Before(*e.ScheduleTime)
}

// Validate checks the minimum an envelope needs to be routable.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("eventId is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("eventType is required")
	}
	return nil
}
