package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/scraper-fleet/internal/events"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// PublishSink forwards each event to a message topic.
type PublishSink struct {
	publisher fleet.Publisher
	topic     string
}

// NewPublishSink binds a publisher to topic.
func NewPublishSink(publisher fleet.Publisher, topic string) (*PublishSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PublishSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes every event and joins the failures.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
