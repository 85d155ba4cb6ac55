package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/params"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/platform/textutil"
	"github.com/webvault/listings/internal/repositories"
)

// ListingServiceDeps bundles collaborators for the stateless read path.
type ListingServiceDeps struct {
	Listings repositories.ListingRepository
	Cache    *resultcache.Memory
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type listingService struct {
	listings repositories.ListingRepository
	cache    *resultcache.Memory
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewListingService constructs the one-shot browse service. It shares the
// result cache with session stores so both paths serve and warm the same
// entries.
func NewListingService(deps ListingServiceDeps) (ListingService, error) {
	if deps.Listings == nil {
		return nil, errors.New("listing service: listing repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("listing service: result cache is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &listingService{
		listings: deps.Listings,
		cache:    deps.Cache,
		logger:   logger,
	}, nil
}

// Browse serves one listing page for a subject without creating any session
// state. Query parameters are recovered the same way a session recovers a
// navigated URL.
func (s *listingService) Browse(ctx context.Context, cmd BrowseCommand) (BrowseResult, error) {
	kind, err := domain.ParsePageKind(string(cmd.Kind))
	if err != nil {
		return BrowseResult{}, fmt.Errorf("%w: %v", ErrInvalidBrowseQuery, err)
	}
	slug := textutil.NormalizeToken(cmd.Slug)
	if slug == "" {
		slug = params.SubjectSlug(cmd.Query, kind)
	}
	if slug == "" {
		return BrowseResult{}, fmt.Errorf("%w: subject slug is required", ErrInvalidBrowseQuery)
	}

	config := domain.NewPageConfig(kind, slug)
	filters, issues := params.Recover(cmd.Query, config)

	if cached, ok := s.cache.Get(kind, slug, filters); ok {
		return BrowseResult{
			Filters: filters,
			Issues:  issues,
			Result:  cached,
			Source:  domain.DataSourceCache,
		}, nil
	}

	subject, err := s.listings.ResolveSubject(ctx, kind, slug)
	if err != nil {
		return BrowseResult{}, translateListingError(err)
	}
	query := repositories.QueryForSubject(kind, slug, filters)
	page, err := s.listings.FetchListing(ctx, query)
	if err != nil {
		return BrowseResult{}, translateListingError(err)
	}

	result := composeResult(subject, page, query)
	s.cache.Set(kind, slug, filters, result)
	s.logger(ctx, "browse.fetched", map[string]any{
		"kind":  string(kind),
		"slug":  slug,
		"page":  filters.Page,
		"total": result.TotalCount,
	})

	return BrowseResult{
		Filters: filters,
		Issues:  issues,
		Result:  result,
		Source:  domain.DataSourceAPI,
	}, nil
}

// Invalidate drops every cached page for a subject, typically after the
// content source reports a change. It returns how many entries were removed.
func (s *listingService) Invalidate(ctx context.Context, kind PageKind, slug string) (int, error) {
	parsed, err := domain.ParsePageKind(string(kind))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBrowseQuery, err)
	}
	token := textutil.NormalizeToken(slug)
	if token == "" {
		return 0, fmt.Errorf("%w: slug is required", ErrInvalidBrowseQuery)
	}

	removed := s.cache.Delete(parsed, token)
	if removed > 0 {
		s.logger(ctx, "browse.cache_invalidated", map[string]any{
			"kind":    string(parsed),
			"slug":    token,
			"removed": removed,
		})
	}
	return removed, nil
}

var _ ListingService = (*listingService)(nil)
