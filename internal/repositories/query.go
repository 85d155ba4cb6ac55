package repositories

import (
	domain "github.com/webvault/listings/internal/domain"
)

// QueryForSubject converts a normalized filter state into the repository
// query for one subject page.
func QueryForSubject(kind domain.PageKind, slug string, filters domain.FilterState) ListingQuery {
	tags := make([]string, len(filters.Tags))
	copy(tags, filters.Tags)

	return ListingQuery{
		Kind:             kind,
		Slug:             slug,
		Page:             filters.Page,
		PageSize:         filters.PageSize,
		Search:           filters.Search,
		Category:         filters.Category,
		Tags:             tags,
		Sort:             filters.SortBy,
		Order:            filters.SortOrder,
		FeaturedOnly:     filters.FeaturedOnly,
		IncludeSponsored: filters.IncludeSponsored,
		MinRating:        filters.MinRating,
	}
}

// PageInfoFor derives pagination metadata from a fetched page and the query
// that produced it.
func PageInfoFor(query ListingQuery, page ListingPage) domain.PageInfo {
	return domain.PageInfo{
		Page:       query.Page,
		PageSize:   query.PageSize,
		TotalItems: page.Total,
		TotalPages: page.TotalPages,
		HasMore:    page.HasMore,
	}
}
