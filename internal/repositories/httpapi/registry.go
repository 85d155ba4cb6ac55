package httpapi

import (
	"context"
	"errors"

	"github.com/webvault/listings/internal/repositories"
)

// Registry bundles the HTTP-backed repositories for one upstream API.
type Registry struct {
	listings *ListingRepository
}

// NewRegistry constructs the HTTP registry.
func NewRegistry(cfg ClientConfig) (*Registry, error) {
	listings, err := NewListingRepository(cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{listings: listings}, nil
}

// Listings returns the listing repository.
func (r *Registry) Listings() repositories.ListingRepository {
	return r.listings
}

// Ping probes the upstream health endpoint.
func (r *Registry) Ping(ctx context.Context) error {
	if r == nil || r.listings == nil {
		return errors.New("http registry not initialised")
	}
	var payload struct {
		Status string `json:"status"`
	}
	return r.listings.getJSON(ctx, "listings.ping", "healthz", nil, &payload)
}

// Close releases idle upstream connections.
func (r *Registry) Close(context.Context) error {
	if r == nil || r.listings == nil || r.listings.client == nil {
		return nil
	}
	r.listings.client.CloseIdleConnections()
	return nil
}

var _ repositories.Registry = (*Registry)(nil)
