package firestore

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	pfirestore "github.com/webvault/listings/internal/platform/firestore"
	"github.com/webvault/listings/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the shared provider.
type Registry struct {
	provider *pfirestore.Provider
	listings *ListingRepository
}

// NewRegistry constructs the Firestore registry.
func NewRegistry(provider *pfirestore.Provider, opts ...ListingRepositoryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	listings, err := NewListingRepository(provider, opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, listings: listings}, nil
}

// Listings returns the listing repository.
func (r *Registry) Listings() repositories.ListingRepository {
	return r.listings
}

// Ping verifies Firestore is reachable with a single collection probe.
func (r *Registry) Ping(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return errors.New("firestore registry not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collections(ctx)
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("listings.ping", err)
	}
	return nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
