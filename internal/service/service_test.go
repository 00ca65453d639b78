package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/echolabs/audiopipe/internal/config"
	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/retrydlq"
	"github.com/echolabs/audiopipe/internal/store/memory"
	"github.com/echolabs/audiopipe/internal/transport"
	"github.com/echolabs/audiopipe/internal/upload"
)

// e2eJob converts uploads in-process so a full publish-consume-dispatch cycle
// can run over the channel transport.
type e2eJob struct {
	attempts atomic.Int64
	// failures is the number of leading attempts that return a retryable
	// error before the job starts succeeding.
	failures int64
}

func (j *e2eJob) Name() string  { return "audio-conversion" }
func (j *e2eJob) Priority() int { return 10 }
func (j *e2eJob) CanProcess(u *upload.Upload) bool {
	return u.ProcessingStatus == upload.StatusUploaded ||
		u.ProcessingStatus == upload.StatusAudioConversionFailed
}
func (j *e2eJob) Process(ctx context.Context, u *upload.Upload) error {
	if n := j.attempts.Add(1); n <= j.failures {
		return fmt.Errorf("converter busy, attempt %d", n)
	}
	return nil
}
func (j *e2eJob) ProcessingStatus() upload.Status { return upload.StatusAudioConverting }
func (j *e2eJob) CompletedStatus() upload.Status  { return upload.StatusAudioConverted }
func (j *e2eJob) FailedStatus() upload.Status     { return upload.StatusAudioConversionFailed }
func (j *e2eJob) EstimatedDuration(u *upload.Upload) time.Duration {
	return time.Second
}

type serviceFixture struct {
	svc        *Service
	store      *memory.Store
	dispatcher *pipeline.Dispatcher
	pubsub     *gochannel.GoChannel
	cancel     context.CancelFunc
}

func newServiceFixture(t *testing.T, job *e2eJob) *serviceFixture {
	t.Helper()

	log := logging.NewSlogServiceLogger(slog.Default())
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	conf := &config.Config{PubSubSystem: "channel"}
	svc, err := New(conf, log, Dependencies{
		Transport: &transport.Transport{Publisher: pubsub, Subscriber: pubsub},
	})
	if err != nil {
		t.Fatalf("building service: %v", err)
	}

	store := memory.New()
	dispatcher := pipeline.NewDispatcher(pipeline.NewRegistry(job), store, svc.Producer(), pipeline.NewStats(nil), log, 2)
	manager := retrydlq.NewManager(store, svc.Producer(), dispatcher, retrydlq.NewMetrics(), log, retrydlq.ManagerConfig{
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
	})
	svc.RegisterConsumers(dispatcher, manager, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := svc.Start(ctx); err != nil {
			log.Error("router stopped", err, nil)
		}
	}()
	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("router did not start")
	}

	f := &serviceFixture{svc: svc, store: store, dispatcher: dispatcher, pubsub: pubsub, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})
	return f
}

func (f *serviceFixture) seedUploaded(t *testing.T) *upload.Upload {
	t.Helper()
	u := &upload.Upload{
		UUID:             "e2e-upload",
		Extension:        "mp3",
		ContentType:      "audio/mpeg",
		ProcessingStatus: upload.StatusUploaded,
	}
	if err := f.store.Create(context.Background(), u); err != nil {
		t.Fatalf("create: %v", err)
	}
	return u
}

func (f *serviceFixture) waitForStatus(t *testing.T, id int64, want upload.Status) *upload.Upload {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		u, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if u.ProcessingStatus == want {
			return u
		}
		time.Sleep(5 * time.Millisecond)
	}
	u, _ := f.store.Get(context.Background(), id)
	t.Fatalf("upload %d stuck in %s, want %s", id, u.ProcessingStatus, want)
	return nil
}

func TestUploadCompletedDrivesPipeline(t *testing.T) {
	job := &e2eJob{}
	f := newServiceFixture(t, job)
	u := f.seedUploaded(t)

	err := f.svc.Producer().Publish(context.Background(), event.NewUploadCompleted(u, "audio-uploads", Source))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := f.waitForStatus(t, u.ID, upload.StatusAudioConverted)
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d after clean run", got.RetryCount)
	}
	if job.attempts.Load() != 1 {
		t.Fatalf("attempts = %d", job.attempts.Load())
	}
}

func TestRetryLadderRecoversTransientFailure(t *testing.T) {
	job := &e2eJob{failures: 1}
	f := newServiceFixture(t, job)
	u := f.seedUploaded(t)

	err := f.svc.Producer().Publish(context.Background(), event.NewUploadCompleted(u, "audio-uploads", Source))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// First attempt fails, the result consumer schedules a retry and the
	// retry consumer redispatches until the job succeeds.
	f.waitForStatus(t, u.ID, upload.StatusAudioConverted)
	if got := job.attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestMalformedPayloadGoesToPoisonTopic(t *testing.T) {
	f := newServiceFixture(t, &e2eJob{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	poisoned, err := f.pubsub.Subscribe(ctx, PoisonTopic)
	if err != nil {
		t.Fatalf("subscribing to poison topic: %v", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), []byte("this is not an envelope"))
	if err := f.pubsub.Publish(event.TopicProcessingResults, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-poisoned:
		got.Ack()
		if string(got.Payload) != "this is not an envelope" {
			t.Fatalf("poison payload = %q", got.Payload)
		}
	case <-ctx.Done():
		t.Fatal("malformed message never reached the poison topic")
	}
}
