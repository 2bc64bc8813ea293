// Package ablyrest publishes detection records to an Ably channel over the
// Ably REST API.
package ablyrest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ably/ably-go/ably"

	"github.com/speedcam/relay"
)

// Config holds Ably specific configuration.
type Config struct {
	// APIKey is the Ably API key ("appID.keyID:secret").
	APIKey string
	// Channel is the name of the channel records are published to.
	Channel string
	// ClientID optionally identifies this publisher to Ably.
	ClientID string
}

// Validate reports missing settings.
func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("ably: api key is required"))
	}
	if c.Channel == "" {
		errs = append(errs, errors.New("ably: channel is required"))
	}
	return errors.Join(errs...)
}

// Channel is the subset of an Ably REST channel used by the Publisher.
type Channel interface {
	Publish(ctx context.Context, name string, data any) error
}

type restChannel struct {
	ch *ably.RESTChannel
}

func (c restChannel) Publish(ctx context.Context, name string, data any) error {
	return c.ch.Publish(ctx, name, data)
}

// Publisher implements relay.MessagePublisher on top of an Ably channel.
type Publisher struct {
	channel Channel
	name    string
}

// New creates a Publisher bound to cfg.Channel.
func New(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []ably.ClientOption{ably.WithKey(cfg.APIKey)}
	if cfg.ClientID != "" {
		opts = append(opts, ably.WithClientID(cfg.ClientID))
	}

	client, err := ably.NewREST(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ably client: %w", err)
	}

	return NewWithChannel(cfg.Channel, restChannel{ch: client.Channels.Get(cfg.Channel)}), nil
}

// NewWithChannel creates a Publisher around an existing channel. name is only
// used in error messages.
func NewWithChannel(name string, channel Channel) *Publisher {
	return &Publisher{channel: channel, name: name}
}

// Publish sends rec to the channel under event. The record is JSON encoded by
// the Ably client.
func (p *Publisher) Publish(ctx context.Context, event string, rec *relay.PublishRecord) error {
	if err := p.channel.Publish(ctx, event, *rec); err != nil {
		return fmt.Errorf("ably channel %s: %w", p.name, err)
	}
	return nil
}
