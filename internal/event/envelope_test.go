package event

import (
	"testing"
	"time"

	"github.com/echolabs/audiopipe/internal/upload"
)

func sampleUpload() *upload.Upload {
	return &upload.Upload{
		ID:               7,
		UUID:             "0d5f6f0e",
		Extension:        "mp3",
		ContentType:      "audio/mpeg",
		FileSize:         4096,
		Directory:        "uploads/3",
		UploaderID:       3,
		ProcessingStatus: upload.StatusUploaded,
	}
}

func TestNewUploadCompleted(t *testing.T) {
	e := NewUploadCompleted(sampleUpload(), "media", "audiopipe-test")
	if e.EventType != TypeUploadCompleted {
		t.Fatalf("type = %s", e.EventType)
	}
	if e.EventID == "" {
		t.Fatal("event id must be generated")
	}
	if e.UploadID != 7 || e.S3Bucket != "media" {
		t.Fatalf("upload fields not carried: %+v", e)
	}
	if e.S3Key != "uploads/3/0d5f6f0e.mp3" {
		t.Fatalf("s3 key = %q", e.S3Key)
	}
	if !e.RequiresAudioProcessing || e.RequiresImageProcessing {
		t.Fatal("mp3 must flag audio processing only")
	}
	if e.Priority != DefaultPriority {
		t.Fatalf("priority = %d", e.Priority)
	}
}

func TestWithRetryDerivation(t *testing.T) {
	base := NewProcessingResult(sampleUpload(), false, upload.StatusAudioConverting, "ffmpeg timed out", "audiopipe-test")
	scheduleAt := time.Now().Add(10 * time.Second)

	retry := base.WithRetry("ffmpeg timed out", 2, scheduleAt)

	if retry.EventType != TypeRetryProcessing {
		t.Fatalf("type = %s", retry.EventType)
	}
	if retry.EventID == base.EventID {
		t.Fatal("derivation must mint a new event id")
	}
	if retry.RetryCount != 2 || retry.RetryReason != "ffmpeg timed out" {
		t.Fatalf("retry metadata: %+v", retry)
	}
	if retry.ScheduleTime == nil || retry.FirstFailureTime == nil || retry.LastRetryTime == nil {
		t.Fatal("retry timestamps must be stamped")
	}
	if retry.ScheduleElapsed(time.Now()) {
		t.Fatal("schedule 10s out must not be elapsed now")
	}
	if !retry.ScheduleElapsed(scheduleAt.Add(time.Second)) {
		t.Fatal("schedule must elapse after its instant")
	}

	// FirstFailureTime is sticky across derivations.
	second := retry.WithRetry("still failing", 3, scheduleAt)
	if !second.FirstFailureTime.Equal(*retry.FirstFailureTime) {
		t.Fatal("first failure time must survive re-derivation")
	}
}

func TestWithDLQAndRecovery(t *testing.T) {
	base := NewProcessingResult(sampleUpload(), false, upload.StatusAudioConverting, "boom", "audiopipe-test")
	dlq := base.WithDLQ("max_retries_exceeded")
	if dlq.DLQTimestamp == nil {
		t.Fatal("dlq derivation must stamp the timestamp")
	}
	if dlq.RetryReason != "max_retries_exceeded" {
		t.Fatalf("reason = %q", dlq.RetryReason)
	}

	rec := dlq.WithRecovery("admin")
	if rec.EventType != TypeRetryProcessing {
		t.Fatalf("type = %s", rec.EventType)
	}
	if rec.RetryCount != 0 || rec.DLQTimestamp != nil || rec.ScheduleTime != nil || rec.FirstFailureTime != nil {
		t.Fatalf("recovery must clear retry metadata: %+v", rec)
	}
	if rec.Source != "admin" {
		t.Fatalf("source = %q", rec.Source)
	}
}

func TestPartitionKeyStableAcrossDerivations(t *testing.T) {
	base := NewProcessingRequested(sampleUpload(), "audiopipe-test")
	retry := base.WithRetry("x", 1, time.Now())
	dlq := retry.WithDLQ("y")

	if base.PartitionKey() != "7" {
		t.Fatalf("partition key = %q", base.PartitionKey())
	}
	if retry.PartitionKey() != base.PartitionKey() || dlq.PartitionKey() != base.PartitionKey() {
		t.Fatal("all derivations of one upload must share a partition key")
	}

	anon := New(TypeStatusChanged, "audiopipe-test")
	if anon.PartitionKey() != anon.EventID {
		t.Fatal("envelope without upload falls back to event id")
	}
}

func TestTopicRouting(t *testing.T) {
	cases := []struct {
		e    Envelope
		want string
	}{
		{New(TypeUploadCompleted, "t"), TopicUploadEvents},
		{New(TypeProcessingRequested, "t"), TopicUploadEvents},
		{New(TypeStatusChanged, "t"), TopicProcessingStatus},
		{New(TypeProcessingCompleted, "t"), TopicProcessingResults},
		{New(TypeProcessingFailed, "t"), TopicProcessingResults},
		{New(TypeVoiceAnalysisRequest, "t"), TopicVoiceAnalysis},
		{New(TypeRetryProcessing, "t"), TopicRetry},
	}
	for _, tc := range cases {
		if got := TopicFor(tc.e); got != tc.want {
			t.Errorf("%s routed to %q, want %q", tc.e.EventType, got, tc.want)
		}
	}

	dlq := New(TypeProcessingFailed, "t").WithDLQ("max_retries_exceeded")
	if got := TopicFor(dlq); got != TopicProcessingResultsDLQ {
		t.Fatalf("dlq-stamped envelope routed to %q", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := NewProcessingRequested(sampleUpload(), "audiopipe-test")
	msg, err := Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if msg.Metadata.Get(MetadataPartitionKey) != "7" {
		t.Fatalf("partition key metadata = %q", msg.Metadata.Get(MetadataPartitionKey))
	}
	if msg.Metadata.Get(MetadataEventType) != string(TypeProcessingRequested) {
		t.Fatalf("event type metadata = %q", msg.Metadata.Get(MetadataEventType))
	}

	got, err := Unmarshal(msg)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != e.EventID || got.UploadID != e.UploadID || got.CurrentStatus != e.CurrentStatus {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := (Envelope{EventType: TypeStatusChanged}).Validate(); err == nil {
		t.Fatal("missing event id must fail validation")
	}
	if err := (Envelope{EventID: "x"}).Validate(); err == nil {
		t.Fatal("missing event type must fail validation")
	}
	if err := New(TypeStatusChanged, "t").Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}
