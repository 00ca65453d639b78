// Package admin exposes the operational HTTP surface: batch control, manual
// status overrides, dead-letter recovery and monitoring snapshots.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echolabs/audiopipe/internal/batch"
	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/jsoncodec"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/retrydlq"
	"github.com/echolabs/audiopipe/internal/upload"
)

// Server serves the admin API. All endpoints respond with JSON.
type Server struct {
	store      upload.Store
	dispatcher *pipeline.Dispatcher
	scheduler  *batch.Scheduler
	manager    *retrydlq.Manager
	producer   *event.Producer
	log        logging.ServiceLogger

	addr string
	http *http.Server
}

func NewServer(addr string, store upload.Store, dispatcher *pipeline.Dispatcher, scheduler *batch.Scheduler, manager *retrydlq.Manager, producer *event.Producer, log logging.ServiceLogger) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		manager:    manager,
		producer:   producer,
		log:        log,
		addr:       addr,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the chi router. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/processing", func(r chi.Router) {
		r.Route("/batch", func(r chi.Router) {
			r.Get("/statistics", s.handleBatchStatistics)
			r.Post("/pause", s.handleBatchPause)
			r.Post("/resume", s.handleBatchResume)
			r.Post("/trigger", s.handleBatchTrigger)
			r.Put("/size", s.handleBatchSize)
		})
		r.Put("/status/{uploadID}", s.handleStatusOverride)
		r.Post("/dlq/retry/{uploadID}", s.handleDLQRetry)
		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/dispatch", s.handleDispatchStats)
			r.Get("/retries", s.handleRetryStats)
			r.Get("/uploads/{uploadID}", s.handleGetUpload)
		})
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until ListenAndServe returns.
func (s *Server) Start() error {
	s.log.Info("starting admin server", logging.LogFields{"address": s.addr})
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleBatchStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Statistics())
}

func (s *Server) handleBatchPause(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Pause()
	s.log.Info("batch processing paused", nil)
	s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	s.log.Info("batch processing resumed", nil)
	s.writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (s *Server) handleBatchTrigger(w http.ResponseWriter, r *http.Request) {
	queued := s.scheduler.TriggerNow()
	status := http.StatusAccepted
	if !queued {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"triggered": queued})
}

func (s *Server) handleBatchSize(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "size must be an integer")
		return
	}
	s.scheduler.SetBatchSize(size)
	s.writeJSON(w, http.StatusOK, map[string]any{"batchSize": s.scheduler.BatchSize()})
}

// handleStatusOverride force-sets an upload's status. The transition graph
// still applies; use the DLQ retry endpoint to resurrect FAILED uploads.
func (s *Server) handleStatusOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uploadID(w, r)
	if !ok {
		return
	}
	status := upload.Status(r.URL.Query().Get("status"))
	if status == "" {
		s.writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}
	errorMessage := r.URL.Query().Get("errorMessage")

	u, err := upload.Transition(r.Context(), s.store, id, status, errorMessage)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "upload not found")
		case errors.Is(err, upload.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("status override failed", err, logging.LogFields{"upload_id": id})
			s.writeError(w, http.StatusInternalServerError, "status update failed")
		}
		return
	}

	if err := s.producer.Publish(r.Context(), event.NewStatusChanged(u, "", "manual status override", s.producer.Source())); err != nil {
		s.log.Error("publishing status override event", err, logging.LogFields{"upload_id": id})
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uploadID(w, r)
	if !ok {
		return
	}
	u, err := s.manager.Recover(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "upload not found")
		case errors.Is(err, upload.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("dead-letter recovery failed", err, logging.LogFields{"upload_id": id})
			s.writeError(w, http.StatusInternalServerError, "recovery failed")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, u)
}

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"maxConcurrent": s.dispatcher.MaxConcurrent(),
		"available":     s.dispatcher.Available(),
		"jobs":          s.dispatcher.Stats().Snapshot(),
	})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Metrics().Snapshot())
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uploadID(w, r)
	if !ok {
		return
	}
	u, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		s.log.Error("loading upload failed", err, logging.LogFields{"upload_id": id})
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) uploadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "uploadID"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "uploadID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := jsoncodec.WriteResponse(w, status, v); err != nil {
		s.log.Error("writing admin response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
