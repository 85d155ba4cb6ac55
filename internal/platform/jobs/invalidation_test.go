package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/webvault/listings/internal/services"
)

func newTestPubSubClient(t *testing.T, ctx context.Context, srv *pstest.Server) *pubsub.Client {
	t.Helper()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestPubSubInvalidationPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client := newTestPubSubClient(t, ctx, srv)

	topic, err := client.CreateTopic(ctx, "listings.invalidated")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubInvalidationPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubInvalidationPublisher: %v", err)
	}

	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	event := InvalidationEvent{
		Kind:   "collection",
		Slug:   "design-tools",
		Reason: "content-updated",
		At:     at,
	}

	if _, err := publisher.PublishInvalidation(ctx, event); err != nil {
		t.Fatalf("PublishInvalidation: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload InvalidationEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != event.Kind || payload.Slug != event.Slug || !payload.At.Equal(at) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["kind"]; attr != "collection" {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["slug"]; attr != "design-tools" {
		t.Fatalf("expected slug attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["reason"]; attr != "content-updated" {
		t.Fatalf("expected reason attribute, got %q", attr)
	}
}

func TestPubSubInvalidationPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubInvalidationPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}

type recordingListingService struct {
	mu      sync.Mutex
	calls   []string
	applied chan struct{}
}

func (s *recordingListingService) Browse(ctx context.Context, cmd services.BrowseCommand) (services.BrowseResult, error) {
	return services.BrowseResult{}, errors.New("not implemented")
}

func (s *recordingListingService) Invalidate(ctx context.Context, kind services.PageKind, slug string) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, string(kind)+"/"+slug)
	s.mu.Unlock()
	select {
	case s.applied <- struct{}{}:
	default:
	}
	return 2, nil
}

func (s *recordingListingService) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestInvalidationSubscriberAppliesEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	client := newTestPubSubClient(t, ctx, srv)

	topic, err := client.CreateTopic(ctx, "listings.invalidated")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	subscription, err := client.CreateSubscription(ctx, "listings-cache", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	stub := &recordingListingService{applied: make(chan struct{}, 1)}
	subscriber, err := NewInvalidationSubscriber(subscription, stub)
	if err != nil {
		t.Fatalf("NewInvalidationSubscriber: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Run(runCtx)
	}()

	// A malformed payload must be dropped without reaching the service.
	topic.Publish(ctx, &pubsub.Message{Data: []byte("{not json")})

	publisher, err := NewPubSubInvalidationPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubInvalidationPublisher: %v", err)
	}
	event := InvalidationEvent{
		Kind:   "collection",
		Slug:   "design-tools",
		Reason: "content-updated",
		At:     time.Now().UTC(),
	}
	if _, err := publisher.PublishInvalidation(ctx, event); err != nil {
		t.Fatalf("PublishInvalidation: %v", err)
	}

	select {
	case <-stub.applied:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the invalidation to be applied")
	}
	stop()

	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	calls := stub.snapshot()
	if len(calls) == 0 {
		t.Fatal("expected at least one invalidate call")
	}
	for _, call := range calls {
		if call != "collection/design-tools" {
			t.Fatalf("unexpected invalidate call %q", call)
		}
	}
}

func TestInvalidationSubscriberValidation(t *testing.T) {
	if _, err := NewInvalidationSubscriber(nil, &recordingListingService{}); err == nil {
		t.Fatal("expected error for nil subscription")
	}
}
