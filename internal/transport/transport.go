// Package transport builds the publisher/subscriber pair for the configured
// message infrastructure. Factories are package variables so tests can swap
// them without touching real brokers.
package transport

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/echolabs/audiopipe/internal/config"
)

// Transport combines the publisher and subscriber pair built for one broker
// connection.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build selects the transport from config. Supported: kafka, rabbitmq,
// channel (in-process). An empty system defaults to channel so local runs
// work with zero infrastructure.
func Build(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	switch strings.ToLower(conf.PubSubSystem) {
	case "kafka":
		return kafkaTransport(conf, logger)
	case "rabbitmq":
		return rabbitTransport(conf, logger)
	case "channel", "gochannel", "":
		return channelTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("unsupported pubsub system: %q", conf.PubSubSystem)
	}
}
