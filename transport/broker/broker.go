// Package broker publishes detection records through a watermill publisher,
// such as NATS core or the in-process gochannel.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/speedcam/relay"
)

// Metadata keys set on every published message.
const (
	MetadataEvent  = "event"
	MetadataKey    = "key"
	MetadataSource = "source"
)

// NATSPublisherFactory allows overriding the NATS publisher creation for testing.
var NATSPublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// NATSConfig holds NATS core configuration.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string
	// Subject is the subject records are published to.
	Subject string
	// ClientName identifies the connection on the server.
	ClientName string
}

// Validate reports missing settings.
func (c NATSConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("nats: url is required"))
	}
	if c.Subject == "" {
		errs = append(errs, errors.New("nats: subject is required"))
	}
	return errors.Join(errs...)
}

// Publisher implements relay.MessagePublisher on top of a watermill publisher.
// The record is JSON encoded into the message payload.
type Publisher struct {
	pub   message.Publisher
	topic string
}

// New wraps pub, publishing every record to topic.
func New(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

// NewNATS connects to a NATS server and publishes to cfg.Subject.
func NewNATS(cfg NATSConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := cfg.ClientName
	if name == "" {
		name = "speedcam-relay"
	}

	pub, err := NATSPublisherFactory(
		wmnats.PublisherConfig{
			URL: cfg.URL,
			NatsOptions: []nats.Option{
				nats.Name(name),
				nats.MaxReconnects(-1),
			},
			Marshaler: &wmnats.NATSMarshaler{},
			JetStream: wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats publisher: %w", err)
	}

	return New(pub, cfg.Subject), nil
}

// NewGoChannel publishes to an in-process gochannel pub/sub, mainly useful
// for local runs and tests. The returned GoChannel can be used to subscribe.
func NewGoChannel(topic string, logger watermill.LoggerAdapter) (*Publisher, *gochannel.GoChannel) {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
	return New(ch, topic), ch
}

// Publish sends rec to the configured topic.
func (p *Publisher) Publish(ctx context.Context, event string, rec *relay.PublishRecord) error {
	payload, err := sonic.ConfigStd.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.OriginalKey, err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataEvent, event)
	msg.Metadata.Set(MetadataKey, rec.OriginalKey)
	msg.Metadata.Set(MetadataSource, rec.Source)
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	return p.pub.Close()
}
