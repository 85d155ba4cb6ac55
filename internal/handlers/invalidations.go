package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webvault/listings/internal/platform/httpx"
	"github.com/webvault/listings/internal/platform/jobs"
	"github.com/webvault/listings/internal/services"
)

const maxInternalBodySize = 8 * 1024

// InvalidationPublisher fans an invalidation event out to the other replicas.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, event jobs.InvalidationEvent) (string, error)
}

// InternalHandlers hosts operator endpoints mounted behind the internal
// route group, outside the public surface.
type InternalHandlers struct {
	listings  services.ListingService
	publisher InvalidationPublisher
	clock     func() time.Time
}

// InternalOption customises internal handlers.
type InternalOption func(*InternalHandlers)

// WithInternalPublisher sets the cross-replica invalidation publisher. When
// unset, invalidations only touch this replica's cache.
func WithInternalPublisher(publisher InvalidationPublisher) InternalOption {
	return func(h *InternalHandlers) {
		h.publisher = publisher
	}
}

// WithInternalClock overrides the time source used to stamp events.
func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewInternalHandlers constructs handlers for the internal route group.
func NewInternalHandlers(listings services.ListingService, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		listings: listings,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the internal endpoints onto the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/invalidations", h.createInvalidation)
}

type invalidationRequest struct {
	Kind   string `json:"kind"`
	Slug   string `json:"slug"`
	Reason string `json:"reason"`
}

type invalidationResponse struct {
	Invalidated int    `json:"invalidated"`
	Kind        string `json:"kind"`
	Slug        string `json:"slug"`
	MessageID   string `json:"message_id,omitempty"`
}

func (h *InternalHandlers) createInvalidation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.listings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("listing_service_unavailable", "listing service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req invalidationRequest
	if !decodeJSONBody(w, r, maxInternalBodySize, &req) {
		return
	}

	kind := strings.TrimSpace(req.Kind)
	slug := strings.TrimSpace(req.Slug)

	removed, err := h.listings.Invalidate(ctx, services.PageKind(kind), slug)
	if err != nil {
		writeListingError(ctx, w, err)
		return
	}

	resp := invalidationResponse{
		Invalidated: removed,
		Kind:        kind,
		Slug:        slug,
	}

	if h.publisher != nil {
		event := jobs.InvalidationEvent{
			Kind:   kind,
			Slug:   slug,
			Reason: strings.TrimSpace(req.Reason),
			At:     h.clock().UTC(),
		}
		id, err := h.publisher.PublishInvalidation(ctx, event)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalidation_publish_failed", "local cache invalidated but fan-out failed; retry", http.StatusServiceUnavailable))
			return
		}
		resp.MessageID = id
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

var _ InvalidationPublisher = (*jobs.PubSubInvalidationPublisher)(nil)
