package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/jsoncodec"
	"github.com/echolabs/audiopipe/internal/logging"
)

// Message metadata keys. The Kafka marshaler reads MetadataPartitionKey to
// pin all events of one upload onto one partition.
const (
	MetadataPartitionKey = "partition_key"
	MetadataEventType    = "event_type"
	MetadataEventID      = "event_id"
)

// ErrSendFailure wraps a broker publish failure after all attempts were
// spent. Callers decide whether to escalate or shed the event.
var ErrSendFailure = errors.New("audiopipe: event publish failed")

// Producer publishes envelopes to their topics. It is safe for concurrent
// use as long as the underlying publisher is.
type Producer struct {
	publisher message.Publisher
	source    string
	log       logging.ServiceLogger

	// retryBaseDelay is the unit for the linear publish backoff. Tests
	// shrink it.
	retryBaseDelay time.Duration
}

func NewProducer(publisher message.Publisher, source string, log logging.ServiceLogger) *Producer {
	if publisher == nil {
		panic("audiopipe: publisher cannot be nil")
	}
	if log == nil {
		panic("audiopipe: logger cannot be nil")
	}
	return &Producer{
		publisher:      publisher,
		source:         source,
		log:            log,
		retryBaseDelay: time.Second,
	}
}

// Source is the producer identity stamped on derived envelopes.
func (p *Producer) Source() string { return p.source }

// Publish routes the envelope to its topic with the upload-scoped partition
// key. The failure is logged and returned wrapped in ErrSendFailure.
func (p *Producer) Publish(ctx context.Context, e Envelope) error {
	if e.Source == "" {
		e.Source = p.source
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	msg, err := Marshal(e)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	topic := TopicFor(e)
	if err := p.publisher.Publish(topic, msg); err != nil {
		p.log.Error("event publish failed", err, logging.LogFields{
			"topic":      topic,
			"event_id":   e.EventID,
			"event_type": string(e.EventType),
			"upload_id":  e.UploadID,
		})
		return fmt.Errorf("%w: topic %s: %v", ErrSendFailure, topic, err)
	}
	p.log.Debug("event published", logging.LogFields{
		"topic":      topic,
		"event_id":   e.EventID,
		"event_type": string(e.EventType),
		"upload_id":  e.UploadID,
	})
	return nil
}

// PublishWithRetry retries a failed publish with a linear backoff of
// attempt x base delay. It returns the last ErrSendFailure once maxAttempts
// are spent or the context ends.
func (p *Producer) PublishWithRetry(ctx context.Context, e Envelope, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.Publish(ctx, e)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.retryBaseDelay):
		}
	}
	return fmt.Errorf("publish gave up after %d attempts: %w", maxAttempts, lastErr)
}

// Marshal turns an envelope into a transport message carrying the routing
// metadata.
func Marshal(e Envelope) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.EventID, err)
	}
	msg := message.NewMessage(e.EventID, payload)
	msg.Metadata.Set(MetadataPartitionKey, e.PartitionKey())
	msg.Metadata.Set(MetadataEventType, string(e.EventType))
	msg.Metadata.Set(MetadataEventID, e.EventID)
	return msg, nil
}

// Unmarshal decodes a transport message back into an envelope. Unknown JSON
// fields are ignored for forward compatibility.
func Unmarshal(msg *message.Message) (Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope %s: %w", msg.UUID, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope %s: %w", msg.UUID, err)
	}
	return e, nil
}
