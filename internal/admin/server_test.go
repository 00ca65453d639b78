package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/batch"
	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/jsoncodec"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/retrydlq"
	"github.com/echolabs/audiopipe/internal/store/memory"
	"github.com/echolabs/audiopipe/internal/upload"
)

type nullPublisher struct{}

func (nullPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (nullPublisher) Close() error                                             { return nil }

type adminFixture struct {
	store  *memory.Store
	server *httptest.Server
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	store := memory.New()
	log := logging.NewSlogServiceLogger(slog.Default())
	producer := event.NewProducer(nullPublisher{}, "audiopipe-test", log)
	dispatcher := pipeline.NewDispatcher(pipeline.NewRegistry(), store, producer, pipeline.NewStats(nil), log, 2)
	scheduler := batch.NewScheduler(store, dispatcher, log, batch.Config{Interval: time.Hour, Enabled: true})
	manager := retrydlq.NewManager(store, producer, dispatcher, retrydlq.NewMetrics(), log, retrydlq.ManagerConfig{})

	srv := NewServer(":0", store, dispatcher, scheduler, manager, producer, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &adminFixture{store: store, server: ts}
}

func (f *adminFixture) seed(t *testing.T, status upload.Status) *upload.Upload {
	t.Helper()
	u := &upload.Upload{
		UUID:             fmt.Sprintf("u-%d", time.Now().UnixNano()),
		Extension:        "mp3",
		ContentType:      "audio/mpeg",
		ProcessingStatus: status,
	}
	if err := f.store.Create(context.Background(), u); err != nil {
		t.Fatalf("create: %v", err)
	}
	return u
}

func (f *adminFixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := jsoncodec.Decode(resp.Body, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestBatchStatisticsEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	resp := f.do(t, http.MethodGet, "/processing/batch/statistics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	stats := decode[batch.Statistics](t, resp)
	if !stats.Enabled {
		t.Fatal("fixture scheduler starts enabled")
	}
	if stats.BatchSize != batch.DefaultBatchSize {
		t.Fatalf("batch size = %d", stats.BatchSize)
	}
}

func TestBatchPauseAndResume(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPost, "/processing/batch/pause")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	stats := decode[batch.Statistics](t, f.do(t, http.MethodGet, "/processing/batch/statistics"))
	if stats.Enabled {
		t.Fatal("pause must disable the scheduler")
	}

	f.do(t, http.MethodPost, "/processing/batch/resume")
	stats = decode[batch.Statistics](t, f.do(t, http.MethodGet, "/processing/batch/statistics"))
	if !stats.Enabled {
		t.Fatal("resume must enable the scheduler")
	}
}

func TestBatchSizeEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	resp := f.do(t, http.MethodPut, "/processing/batch/size?size=12")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]int](t, resp)
	if body["batchSize"] != 12 {
		t.Fatalf("batch size = %d", body["batchSize"])
	}

	if resp := f.do(t, http.MethodPut, "/processing/batch/size?size=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-numeric size: status = %d", resp.StatusCode)
	}
}

func TestStatusOverride(t *testing.T) {
	f := newAdminFixture(t)
	u := f.seed(t, upload.StatusPending)

	resp := f.do(t, http.MethodPut, fmt.Sprintf("/processing/status/%d?status=UPLOADED", u.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got, _ := f.store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusUploaded {
		t.Fatalf("stored status = %s", got.ProcessingStatus)
	}

	// Off-graph override is refused.
	resp = f.do(t, http.MethodPut, fmt.Sprintf("/processing/status/%d?status=VOICE_ANALYZED", u.ID))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("invalid transition: status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/processing/status/99999?status=UPLOADED")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown upload: status = %d", resp.StatusCode)
	}
}

func TestDLQRetryEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	u := f.seed(t, upload.StatusFailed)

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/processing/dlq/retry/%d", u.ID))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got, _ := f.store.Get(context.Background(), u.ID)
	if got.ProcessingStatus != upload.StatusUploaded || got.RetryCount != 0 {
		t.Fatalf("recovered record = %+v", got)
	}

	// A healthy upload cannot be recovered.
	healthy := f.seed(t, upload.StatusUploaded)
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/processing/dlq/retry/%d", healthy.ID))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("healthy recover: status = %d", resp.StatusCode)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	f := newAdminFixture(t)
	u := f.seed(t, upload.StatusUploaded)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/processing/monitoring/uploads/%d", u.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[upload.Upload](t, resp)
	if got.ID != u.ID {
		t.Fatalf("id = %d", got.ID)
	}

	if resp := f.do(t, http.MethodGet, "/processing/monitoring/uploads/99999"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing upload: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/processing/monitoring/dispatch"); resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch stats: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/processing/monitoring/retries"); resp.StatusCode != http.StatusOK {
		t.Fatalf("retry stats: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status = %d", resp.StatusCode)
	}
}
