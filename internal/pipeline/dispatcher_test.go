package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/store/memory"
	"github.com/echolabs/audiopipe/internal/upload"
)

// fakeJob is a configurable job used across dispatcher tests.
type fakeJob struct {
	name       string
	priority   int
	applies    func(*upload.Upload) bool
	process    func(context.Context, *upload.Upload) error
	processing upload.Status
	completed  upload.Status
	failed     upload.Status
}

func (j *fakeJob) Name() string                     { return j.name }
func (j *fakeJob) Priority() int                    { return j.priority }
func (j *fakeJob) CanProcess(u *upload.Upload) bool { return j.applies(u) }
func (j *fakeJob) Process(ctx context.Context, u *upload.Upload) error {
	if j.process == nil {
		return nil
	}
	return j.process(ctx, u)
}
func (j *fakeJob) ProcessingStatus() upload.Status { return j.processing }
func (j *fakeJob) CompletedStatus() upload.Status  { return j.completed }
func (j *fakeJob) FailedStatus() upload.Status     { return j.failed }
func (j *fakeJob) EstimatedDuration(u *upload.Upload) time.Duration {
	return time.Second
}

func audioJob(process func(context.Context, *upload.Upload) error) *fakeJob {
	return &fakeJob{
		name:     "audio-conversion",
		priority: 10,
		applies: func(u *upload.Upload) bool {
			return u.ProcessingStatus == upload.StatusUploaded ||
				u.ProcessingStatus == upload.StatusAudioConversionFailed
		},
		process:    process,
		processing: upload.StatusAudioConverting,
		completed:  upload.StatusAudioConverted,
		failed:     upload.StatusAudioConversionFailed,
	}
}

type capturePublisher struct {
	mu      sync.Mutex
	byTopic map[string][]*message.Message
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{byTopic: make(map[string][]*message.Message)}
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTopic[topic] = append(p.byTopic[topic], messages...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) envelopes(t *testing.T, topic string) []event.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Envelope
	for _, msg := range p.byTopic[topic] {
		e, err := event.Unmarshal(msg)
		if err != nil {
			t.Fatalf("unmarshal on %s: %v", topic, err)
		}
		out = append(out, e)
	}
	return out
}

func testLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.Default())
}

func seedUpload(t *testing.T, store upload.Store, status upload.Status) *upload.Upload {
	t.Helper()
	u := &upload.Upload{
		UUID:             fmt.Sprintf("u-%d", time.Now().UnixNano()),
		Extension:        "mp3",
		ContentType:      "audio/mpeg",
		FileSize:         1 << 20,
		ProcessingStatus: status,
	}
	if err := store.Create(context.Background(), u); err != nil {
		t.Fatalf("create: %v", err)
	}
	return u
}

func newTestDispatcher(jobs []Job, store upload.Store, pub *capturePublisher, maxConcurrent int) *Dispatcher {
	producer := event.NewProducer(pub, "audiopipe-test", testLogger())
	return NewDispatcher(NewRegistry(jobs...), store, producer, NewStats(nil), testLogger(), maxConcurrent)
}

func TestDispatchSuccessAdvancesAndReports(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher([]Job{audioJob(nil)}, store, pub, 2)
	u := seedUpload(t, store, upload.StatusUploaded)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusAudioConverted {
		t.Fatalf("status = %s, want AUDIO_CONVERTED", got.ProcessingStatus)
	}

	results := pub.envelopes(t, event.TopicProcessingResults)
	if len(results) != 1 || results[0].EventType != event.TypeProcessingCompleted {
		t.Fatalf("results = %+v", results)
	}
	statuses := pub.envelopes(t, event.TopicProcessingStatus)
	if len(statuses) != 1 || statuses[0].CurrentStatus != upload.StatusAudioConverting {
		t.Fatalf("stage announcement missing: %+v", statuses)
	}
}

func TestDispatchFailureWritesRecoverableStatus(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher([]Job{audioJob(func(context.Context, *upload.Upload) error {
		return errors.New("ffmpeg timed out")
	})}, store, pub, 2)
	u := seedUpload(t, store, upload.StatusUploaded)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusAudioConversionFailed {
		t.Fatalf("status = %s, want AUDIO_CONVERSION_FAILED", got.ProcessingStatus)
	}
	if got.ProcessingErrorMessage != "ffmpeg timed out" {
		t.Fatalf("error message = %q", got.ProcessingErrorMessage)
	}

	results := pub.envelopes(t, event.TopicProcessingResults)
	if len(results) != 1 || results[0].EventType != event.TypeProcessingFailed {
		t.Fatalf("results = %+v", results)
	}
	if results[0].ErrorCode != ErrorCodeRetryable {
		t.Fatalf("error code = %q, want retryable by default", results[0].ErrorCode)
	}
}

func TestDispatchPermanentFailureStampsErrorCode(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher([]Job{audioJob(func(context.Context, *upload.Upload) error {
		return Permanentf("unsupported codec")
	})}, store, pub, 2)
	u := seedUpload(t, store, upload.StatusUploaded)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	results := pub.envelopes(t, event.TopicProcessingResults)
	if len(results) != 1 || results[0].ErrorCode != ErrorCodePermanent {
		t.Fatalf("results = %+v, want PERMANENT error code", results)
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher([]Job{audioJob(func(context.Context, *upload.Upload) error {
		panic("job bug")
	})}, store, pub, 2)
	u := seedUpload(t, store, upload.StatusUploaded)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch must absorb the panic, got %v", err)
	}

	got, _ := store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusAudioConversionFailed {
		t.Fatalf("status = %s", got.ProcessingStatus)
	}
	if d.Available() != d.MaxConcurrent() {
		t.Fatal("permit leaked after panic")
	}
}

func TestDispatchNoApplicableJobFailsUpload(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher(nil, store, pub, 2)
	u := seedUpload(t, store, upload.StatusUploaded)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.ProcessingStatus)
	}
}

func TestDispatchTerminalUploadIsSkipped(t *testing.T) {
	store := memory.New()
	pub := newCapturePublisher()
	d := newTestDispatcher([]Job{audioJob(nil)}, store, pub, 2)
	u := seedUpload(t, store, upload.StatusCompleted)

	if err := d.Dispatch(context.Background(), u.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(pub.envelopes(t, event.TopicProcessingResults)) != 0 {
		t.Fatal("terminal upload must produce no result events")
	}
}

func TestDispatchConcurrencyCeiling(t *testing.T) {
	const ceiling = 3
	const jobs = 8

	store := memory.New()
	pub := newCapturePublisher()

	var active, peak atomic.Int64
	job := audioJob(func(context.Context, *upload.Upload) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	d := newTestDispatcher([]Job{job}, store, pub, ceiling)

	ctx := context.Background()
	for i := 0; i < jobs; i++ {
		u := seedUpload(t, store, upload.StatusUploaded)
		d.DispatchAsync(ctx, u.ID)
	}
	d.Wait()

	if got := peak.Load(); got > ceiling {
		t.Fatalf("peak concurrency = %d, ceiling is %d", got, ceiling)
	}
	if snap := d.Stats().Snapshot(); snap.PeakActive > ceiling {
		t.Fatalf("stats peak = %d, ceiling is %d", snap.PeakActive, ceiling)
	}
	results := pub.envelopes(t, event.TopicProcessingResults)
	if len(results) != jobs {
		t.Fatalf("results = %d, want %d", len(results), jobs)
	}
}

func TestRegistrySelectsLowestPriority(t *testing.T) {
	always := func(*upload.Upload) bool { return true }
	never := func(*upload.Upload) bool { return false }

	urgent := &fakeJob{name: "conversion", priority: 10, applies: always}
	later := &fakeJob{name: "analysis", priority: 20, applies: always}
	off := &fakeJob{name: "image", priority: 1, applies: never}

	r := NewRegistry(later, urgent, off)
	got := r.Select(&upload.Upload{})
	if got == nil || got.Name() != "conversion" {
		t.Fatalf("selected %v, want the lowest applicable priority", got)
	}

	none := NewRegistry(off)
	if none.Select(&upload.Upload{}) != nil {
		t.Fatal("no applicable job must select nil")
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error is not retryable")
	}
	if !IsRetryable(errors.New("transient")) {
		t.Fatal("unclassified errors default to retryable")
	}
	if IsRetryable(Permanent(errors.New("bad input"))) {
		t.Fatal("permanent errors must not be retryable")
	}
	wrapped := fmt.Errorf("stage: %w", Permanentf("codec %s unsupported", "amr"))
	if IsRetryable(wrapped) {
		t.Fatal("permanence must survive wrapping")
	}
}
