package transport

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/config"
	"github.com/echolabs/audiopipe/internal/event"
)

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// kafkaPartitionKey keys every record by the upload-scoped partition key so
// one upload's events stay totally ordered on one partition.
func kafkaPartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(event.MetadataPartitionKey); key != "" {
		return key, nil
	}
	// Fall back to the message UUID so a keyless message still lands
	// somewhere deterministic.
	if msg.UUID == "" {
		return "", fmt.Errorf("message has neither partition key nor UUID")
	}
	return msg.UUID, nil
}

var partitioningMarshaler = kafka.NewWithPartitioningMarshaler(kafkaPartitionKey)

func kafkaTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := KafkaPublisherFactory(
		kafka.PublisherConfig{
			Brokers:   conf.KafkaBrokers,
			Marshaler: partitioningMarshaler,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := KafkaSubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       conf.KafkaBrokers,
			Unmarshaler:   partitioningMarshaler,
			ConsumerGroup: conf.KafkaConsumerGroup,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
