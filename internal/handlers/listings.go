package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/httpx"
	"github.com/webvault/listings/internal/repositories"
	"github.com/webvault/listings/internal/services"
)

// ListingHandlers serves stateless one-shot listing reads. Crawlers and
// server-side renderers use these instead of holding a session open.
type ListingHandlers struct {
	listings services.ListingService
}

// NewListingHandlers constructs a new ListingHandlers instance.
func NewListingHandlers(listings services.ListingService) *ListingHandlers {
	return &ListingHandlers{listings: listings}
}

// Routes registers the /listings endpoints.
func (h *ListingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{kind}/{slug}", h.browse)
}

type browseResponse struct {
	Items []itemPayload     `json:"items"`
	Meta  browseMetaPayload `json:"meta"`
}

type browseMetaPayload struct {
	Subject       subjectPayload       `json:"subject"`
	TotalCount    int                  `json:"total_count"`
	Pagination    paginationPayload    `json:"pagination"`
	FilterOptions filterOptionsPayload `json:"filter_options"`
	Breadcrumbs   []breadcrumbPayload  `json:"breadcrumbs"`
	Filters       filtersPayload       `json:"filters"`
	Source        string               `json:"source"`
	Issues        []string             `json:"issues,omitempty"`
}

func (h *ListingHandlers) browse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.listings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("listing_service_unavailable", "listing service unavailable", http.StatusServiceUnavailable))
		return
	}

	result, err := h.listings.Browse(ctx, services.BrowseCommand{
		Kind:  domain.PageKind(strings.TrimSpace(chi.URLParam(r, "kind"))),
		Slug:  chi.URLParam(r, "slug"),
		Query: r.URL.Query(),
	})
	if err != nil {
		writeListingError(ctx, w, err)
		return
	}

	page := buildResultPayload(result.Result)
	meta := browseMetaPayload{
		Subject:       page.Subject,
		TotalCount:    page.TotalCount,
		Pagination:    page.Pagination,
		FilterOptions: page.FilterOptions,
		Breadcrumbs:   page.Breadcrumbs,
		Filters:       buildFiltersPayload(result.Filters),
		Source:        string(result.Source),
	}
	for _, issue := range result.Issues {
		meta.Issues = append(meta.Issues, issue.String())
	}

	writeJSONResponse(w, http.StatusOK, browseResponse{Items: page.Items, Meta: meta})
}

func writeListingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInvalidBrowseQuery):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_browse_query", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSubjectNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("subject_not_found", "subject not found", http.StatusNotFound))
	case errors.Is(err, services.ErrContentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("content_source_unavailable", "content source unavailable", http.StatusServiceUnavailable))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				httpx.WriteError(ctx, w, httpx.NewError("subject_not_found", "subject not found", http.StatusNotFound))
				return
			case repoErr.IsUnavailable():
				httpx.WriteError(ctx, w, httpx.NewError("content_source_unavailable", "content source unavailable", http.StatusServiceUnavailable))
				return
			}
		}
		httpx.WriteError(ctx, w, httpx.NewError("listing_error", "failed to load listing", http.StatusInternalServerError))
	}
}
