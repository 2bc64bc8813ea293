package relay

import (
	"context"
	"fmt"
	"time"
)

// MessagePublisher defines an interface for publishing records to an external
// pub/sub channel.
type MessagePublisher interface {
	// Publish sends rec to the channel the publisher is bound to under the
	// given event name. It may be called more than once for the same record;
	// subscribers must tolerate duplicates.
	// Return nil on success.
	Publish(ctx context.Context, event string, rec *PublishRecord) error
}

// PublishResult is the outcome of a single publish attempt.
type PublishResult struct {
	Success bool
	// Err describes the failure when Success is false.
	Err error
}

// PublishError indicates an error during record publication.
type PublishError struct {
	RowID string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing row %s: %v", e.RowID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PublishClient wraps a MessagePublisher so that no error or panic escapes a
// publish attempt. It never retries.
type PublishClient struct {
	publisher MessagePublisher
	event     string
	timeout   time.Duration
}

// NewPublishClient creates a PublishClient that publishes under event and
// bounds every attempt by timeout. A non-positive timeout disables the bound.
func NewPublishClient(publisher MessagePublisher, event string, timeout time.Duration) *PublishClient {
	return &PublishClient{
		publisher: publisher,
		event:     event,
		timeout:   timeout,
	}
}

// Publish sends rec and reports the outcome.
func (c *PublishClient) Publish(ctx context.Context, rec *PublishRecord) (result PublishResult) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = PublishResult{Err: &PublishError{RowID: rec.OriginalKey, Err: fmt.Errorf("publisher panicked: %v", r)}}
		}
	}()

	if err := c.publisher.Publish(ctx, c.event, rec); err != nil {
		return PublishResult{Err: &PublishError{RowID: rec.OriginalKey, Err: err}}
	}
	return PublishResult{Success: true}
}
