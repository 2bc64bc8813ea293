package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedcam/relay"
)

func testRecord() *relay.PublishRecord {
	return &relay.PublishRecord{
		Timestamp:   "2023-06-15T14:30:00+00:00",
		OriginalKey: "20230615-143000",
		Speed:       28.4,
		SpeedUnit:   "mph",
		Direction:   relay.DirectionSouthbound,
		Source:      "MyCam",
	}
}

func TestPublishToGoChannel(t *testing.T) {
	pub, ch := NewGoChannel("speed", watermill.NopLogger{})
	defer func() {
		_ = pub.Close()
	}()

	require.NoError(t, pub.Publish(context.Background(), "event", testRecord()))

	messages, err := ch.Subscribe(context.Background(), "speed")
	require.NoError(t, err)

	select {
	case msg := <-messages:
		msg.Ack()

		assert.Equal(t, "event", msg.Metadata.Get(MetadataEvent))
		assert.Equal(t, "20230615-143000", msg.Metadata.Get(MetadataKey))
		assert.Equal(t, "MyCam", msg.Metadata.Get(MetadataSource))
		assert.NotEmpty(t, msg.UUID)

		var payload map[string]any
		require.NoError(t, sonic.ConfigStd.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, map[string]any{
			"@timestamp":  "2023-06-15T14:30:00+00:00",
			"actual_time": "20230615-143000",
			"speed":       28.4,
			"speed_unit":  "mph",
			"direction":   "Southbound",
			"source":      "MyCam",
		}, payload)

	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

type failingPublisher struct {
	err error
}

func (f failingPublisher) Publish(string, ...*message.Message) error { return f.err }

func (f failingPublisher) Close() error { return nil }

func TestPublishWrapsErrors(t *testing.T) {
	publishErr := errors.New("nats: connection closed")
	pub := New(failingPublisher{err: publishErr}, "speed")

	err := pub.Publish(context.Background(), "event", testRecord())

	require.ErrorIs(t, err, publishErr)
	assert.Contains(t, err.Error(), "publishing to speed")
}

func TestNewNATS(t *testing.T) {
	original := NATSPublisherFactory
	t.Cleanup(func() {
		NATSPublisherFactory = original
	})

	var captured wmnats.PublisherConfig
	NATSPublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		captured = cfg
		return failingPublisher{}, nil
	}

	pub, err := NewNATS(NATSConfig{URL: "nats://localhost:4222", Subject: "speedcam.detections"}, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", captured.URL)
	assert.True(t, captured.JetStream.Disabled)
	assert.Len(t, captured.NatsOptions, 2)
	assert.Equal(t, "speedcam.detections", pub.topic)
	require.NoError(t, pub.Publish(context.Background(), "event", testRecord()))
}

func TestNewNATSFactoryError(t *testing.T) {
	original := NATSPublisherFactory
	t.Cleanup(func() {
		NATSPublisherFactory = original
	})

	factoryErr := errors.New("nats: no servers available for connection")
	NATSPublisherFactory = func(wmnats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, factoryErr
	}

	_, err := NewNATS(NATSConfig{URL: "nats://localhost:4222", Subject: "speed"}, watermill.NopLogger{})
	require.ErrorIs(t, err, factoryErr)
}

func TestNATSConfigValidate(t *testing.T) {
	err := NATSConfig{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
	assert.Contains(t, err.Error(), "subject is required")

	_, err = NewNATS(NATSConfig{URL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.Error(t, err)

	assert.NoError(t, NATSConfig{URL: "nats://localhost:4222", Subject: "speed"}.Validate())
}
