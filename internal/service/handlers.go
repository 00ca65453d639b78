package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/pipeline"
	"github.com/echolabs/audiopipe/internal/retrydlq"
	"github.com/echolabs/audiopipe/internal/upload"
)

// RegisterConsumers attaches all pipeline consumers to the router. Handlers
// ack on every domain outcome; failures are routed explicitly through the
// retry ladder, never by nacking.
func (s *Service) RegisterConsumers(dispatcher *pipeline.Dispatcher, manager *retrydlq.Manager, store upload.Store) {
	s.addConsumer("upload-events", event.TopicUploadEvents, s.handleUploadEvent(dispatcher))
	s.addConsumer("voice-analysis", event.TopicVoiceAnalysis, s.handleVoiceAnalysis(dispatcher, store))
	s.addConsumer("retry", event.TopicRetry, s.envelopeConsumer(event.TopicRetry, manager.HandleRetry))
	s.addConsumer("processing-results", event.TopicProcessingResults, s.envelopeConsumer(event.TopicProcessingResults, manager.HandleResult))
	s.addConsumer("processing-status", event.TopicProcessingStatus, s.handleStatusChanged())

	for _, topic := range []string{
		event.TopicUploadEventsDLQ,
		event.TopicProcessingStatusDLQ,
		event.TopicProcessingResultsDLQ,
	} {
		topic := topic
		s.addConsumer("dlq-"+topic, topic, func(msg *message.Message) error {
			return manager.HandleDLQ(msg.Context(), msg.Payload)
		})
	}
}

func (s *Service) addConsumer(name, topic string, handler message.NoPublishHandlerFunc) {
	s.router.AddNoPublisherHandler(
		fmt.Sprintf("audiopipe-%s", name),
		topic,
		s.subscriber,
		handler,
	)
}

// envelopeConsumer parses the payload and hands the envelope to fn. Parse
// failures surface as MalformedEventError for the poison-queue middleware.
func (s *Service) envelopeConsumer(topic string, fn func(context.Context, event.Envelope) error) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		e, err := event.Unmarshal(msg)
		if err != nil {
			return &MalformedEventError{Topic: topic, Err: err}
		}
		return fn(msg.Context(), e)
	}
}

func (s *Service) handleUploadEvent(dispatcher *pipeline.Dispatcher) message.NoPublishHandlerFunc {
	return s.envelopeConsumer(event.TopicUploadEvents, func(ctx context.Context, e event.Envelope) error {
		switch e.EventType {
		case event.TypeUploadCompleted, event.TypeProcessingRequested, event.TypeRetryProcessing:
			dispatcher.DispatchAsync(ctx, e.UploadID)
		default:
			// Unknown types are acked and dropped so one rogue producer
			// cannot stall the topic.
			s.Logger.Info("ignoring unknown event type", logging.LogFields{
				"event_type": e.EventType,
				"event_id":   e.EventID,
			})
		}
		return nil
	})
}

// handleVoiceAnalysis parks the upload in VOICE_ANALYSIS_PENDING before
// dispatch so a crash between the two steps is visible to the batch scan.
func (s *Service) handleVoiceAnalysis(dispatcher *pipeline.Dispatcher, store upload.Store) message.NoPublishHandlerFunc {
	return s.envelopeConsumer(event.TopicVoiceAnalysis, func(ctx context.Context, e event.Envelope) error {
		if _, err := upload.Transition(ctx, store, e.UploadID, upload.StatusVoiceAnalysisPending, ""); err != nil {
			if !errors.Is(err, upload.ErrInvalidTransition) && !errors.Is(err, upload.ErrNotFound) {
				s.Logger.Error("parking upload for voice analysis", err, logging.LogFields{"upload_id": e.UploadID})
				return nil
			}
		}
		dispatcher.DispatchAsync(ctx, e.UploadID)
		return nil
	})
}

func (s *Service) handleStatusChanged() message.NoPublishHandlerFunc {
	return s.envelopeConsumer(event.TopicProcessingStatus, func(ctx context.Context, e event.Envelope) error {
		s.Logger.Info("upload status changed", logging.LogFields{
			"upload_id": e.UploadID,
			"from":      e.PreviousStatus,
			"to":        e.CurrentStatus,
			"message":   e.StatusMessage,
		})
		return nil
	})
}
