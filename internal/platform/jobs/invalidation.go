package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/webvault/listings/internal/services"
)

// InvalidationEvent is the payload published on the listings.invalidated
// topic when cached pages for a subject must be dropped across replicas.
type InvalidationEvent struct {
	Kind   string    `json:"kind"`
	Slug   string    `json:"slug"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// PubSubInvalidationPublisher publishes invalidation events to a Pub/Sub topic.
type PubSubInvalidationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubInvalidationPublisher constructs a Pub/Sub backed invalidation publisher.
func NewPubSubInvalidationPublisher(topic *pubsub.Topic) (*PubSubInvalidationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub invalidation publisher: topic is required")
	}
	return &PubSubInvalidationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishInvalidation enqueues an invalidation event on the configured topic.
func (p *PubSubInvalidationPublisher) PublishInvalidation(ctx context.Context, event InvalidationEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub invalidation publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal invalidation event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", event.Kind)
	setAttr(attrs, "slug", event.Slug)
	setAttr(attrs, "reason", event.Reason)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish invalidation event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// SubscriberOption customises an invalidation subscriber.
type SubscriberOption func(*InvalidationSubscriber)

// WithSubscriberLogger routes subscriber logs to the given logger.
func WithSubscriberLogger(logger *zap.Logger) SubscriberOption {
	return func(s *InvalidationSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// InvalidationSubscriber drains the invalidation subscription and drops the
// matching cache entries on this replica. Every message is acked after one
// handling attempt: deletes are idempotent and malformed events are logged
// and discarded.
type InvalidationSubscriber struct {
	subscription *pubsub.Subscription
	listings     services.ListingService
	logger       *zap.Logger
	unmarshal    func([]byte, any) error
}

// NewInvalidationSubscriber constructs a subscriber that applies invalidation
// events through the listing service.
func NewInvalidationSubscriber(subscription *pubsub.Subscription, listings services.ListingService, opts ...SubscriberOption) (*InvalidationSubscriber, error) {
	if subscription == nil {
		return nil, errors.New("pubsub invalidation subscriber: subscription is required")
	}
	if listings == nil {
		return nil, errors.New("pubsub invalidation subscriber: listing service is required")
	}
	sub := &InvalidationSubscriber{
		subscription: subscription,
		listings:     listings,
		logger:       zap.NewNop(),
		unmarshal:    json.Unmarshal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub, nil
}

// Run blocks draining the subscription until ctx is cancelled. Cancellation
// is a clean shutdown, not an error.
func (s *InvalidationSubscriber) Run(ctx context.Context) error {
	if s == nil || s.subscription == nil {
		return errors.New("pubsub invalidation subscriber: not initialised")
	}
	if err := s.subscription.Receive(ctx, s.handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive invalidation events: %w", err)
	}
	return nil
}

func (s *InvalidationSubscriber) handle(ctx context.Context, msg *pubsub.Message) {
	defer msg.Ack()

	var event InvalidationEvent
	if err := s.unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("invalidation: dropping malformed event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}

	removed, err := s.listings.Invalidate(ctx, services.PageKind(event.Kind), event.Slug)
	if err != nil {
		s.logger.Warn("invalidation: event rejected",
			zap.String("kind", event.Kind),
			zap.String("slug", event.Slug),
			zap.Error(err),
		)
		return
	}
	if removed > 0 {
		s.logger.Info("invalidation: cache entries dropped",
			zap.String("kind", event.Kind),
			zap.String("slug", event.Slug),
			zap.String("reason", event.Reason),
			zap.Int("removed", removed),
		)
	}
}
