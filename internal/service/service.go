// Package service wires the Watermill router: transport, middleware chain and
// the per-topic consumers that drive the pipeline.
package service

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/echolabs/audiopipe/internal/config"
	"github.com/echolabs/audiopipe/internal/event"
	"github.com/echolabs/audiopipe/internal/logging"
	"github.com/echolabs/audiopipe/internal/transport"
)

// Source is the producer identity stamped on every envelope this service
// publishes.
const Source = "audiopipe"

// PoisonTopic receives messages the consumers could not even parse.
const PoisonTopic = "audiopipe-poison"

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Dependencies holds optional collaborators. Leave fields nil or zero to take
// the defaults.
type Dependencies struct {
	// Transport overrides the one built from config, used by tests to plug
	// in an in-process channel.
	Transport *transport.Transport

	// Middlewares are appended after the default chain.
	Middlewares []MiddlewareRegistration

	DisableDefaultMiddlewares bool
}

// Service owns the router lifecycle. Register consumers before Start.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	producer   *event.Producer
}

func New(conf *config.Config, log logging.ServiceLogger, deps Dependencies) (*Service, error) {
	wmLogger := logging.NewWatermillAdapter(log)
	log.Info("creating event service", logging.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:   conf,
		Logger: log,
	}

	tp := deps.Transport
	if tp == nil {
		built, err := transport.Build(conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("building transport: %w", err)
		}
		tp = &built
	}
	s.publisher = tp.Publisher
	s.subscriber = tp.Subscriber
	s.producer = event.NewProducer(s.publisher, Source, log)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

// Producer is the envelope publisher bound to this service's transport.
func (s *Service) Producer() *event.Producer { return s.producer }

// Start runs the router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	return routerRun(s.router, ctx)
}

// Running closes once the router started consuming. Tests use it to avoid
// publishing before subscriptions exist.
func (s *Service) Running() <-chan struct{} { return s.router.Running() }

// Close tears the router and transport down.
func (s *Service) Close() error {
	if err := s.router.Close(); err != nil {
		return err
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("registering middleware %s: %w", name, err)
		}
	}
	return nil
}
