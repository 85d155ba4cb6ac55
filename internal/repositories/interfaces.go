package repositories

import (
	"context"

	domain "github.com/webvault/listings/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Listings() ListingRepository

	// Ping verifies the backing content source is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryError wraps low-level content source failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsUnavailable() bool
}

// ListingRepository fetches browsable listing pages from the content source.
type ListingRepository interface {
	// FetchListing returns one page of items for the query's subject with
	// exact totals. Unknown subjects yield a RepositoryError reporting
	// IsNotFound.
	FetchListing(ctx context.Context, query ListingQuery) (ListingPage, error)
	// ResolveSubject loads the subject document (collection, category, or
	// tag) without touching its items.
	ResolveSubject(ctx context.Context, kind domain.PageKind, slug string) (domain.Subject, error)
}

// HealthRepository exposes the status of downstream dependencies for health endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// ListingQuery carries the full filter state for one page fetch.
type ListingQuery struct {
	Kind domain.PageKind
	Slug string

	Page     int
	PageSize int

	Search           string
	Category         string
	Tags             []string
	Sort             domain.SortField
	Order            domain.SortOrder
	FeaturedOnly     bool
	IncludeSponsored bool
	MinRating        int
}

// ListingPage is one fetched page plus the totals and facets computed over
// the whole filtered set, not just the returned slice.
type ListingPage struct {
	Items      []domain.ListingItem
	Total      int
	TotalPages int
	HasMore    bool
	Facets     domain.FilterOptions
}
