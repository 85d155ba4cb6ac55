package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/httpx"
	"github.com/webvault/listings/internal/services"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// descriptionPolicy strips unsafe markup from item descriptions before they
// leave the API. Descriptions originate from crowd-submitted catalog entries.
var descriptionPolicy = bluemonday.UGCPolicy()

type sessionResponse struct {
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Slug         string         `json:"slug"`
	Phase        string         `json:"phase"`
	Filters      filtersPayload `json:"filters"`
	Data         *resultPayload `json:"data,omitempty"`
	Loading      loadingPayload `json:"loading"`
	Errors       errorsPayload  `json:"errors"`
	Meta         metaPayload    `json:"meta"`
	URL          string         `json:"url"`
	CreatedAt    string         `json:"created_at"`
	LastActiveAt string         `json:"last_active_at"`
}

type filtersPayload struct {
	Search           string   `json:"search"`
	Category         string   `json:"category,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Sort             string   `json:"sort"`
	Order            string   `json:"order"`
	FeaturedOnly     bool     `json:"featured_only"`
	IncludeSponsored bool     `json:"include_sponsored"`
	MinRating        int      `json:"min_rating"`
	View             string   `json:"view"`
	PageSize         int      `json:"page_size"`
	Page             int      `json:"page"`
}

type resultPayload struct {
	Subject       subjectPayload       `json:"subject"`
	Items         []itemPayload        `json:"items"`
	TotalCount    int                  `json:"total_count"`
	Pagination    paginationPayload    `json:"pagination"`
	FilterOptions filterOptionsPayload `json:"filter_options"`
	Breadcrumbs   []breadcrumbPayload  `json:"breadcrumbs"`
}

type subjectPayload struct {
	Kind        string `json:"kind"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ItemCount   int    `json:"item_count"`
}

type itemPayload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Rating      float64  `json:"rating"`
	VisitCount  int      `json:"visit_count"`
	Featured    bool     `json:"featured"`
	Sponsored   bool     `json:"sponsored"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

type paginationPayload struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

type facetPayload struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type filterOptionsPayload struct {
	Categories []facetPayload `json:"categories,omitempty"`
	Tags       []facetPayload `json:"tags,omitempty"`
}

type breadcrumbPayload struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

type loadingPayload struct {
	Page    bool `json:"page"`
	Content bool `json:"content"`
}

type errorsPayload struct {
	Page    string `json:"page,omitempty"`
	Content string `json:"content,omitempty"`
	Sync    string `json:"sync,omitempty"`
}

type metaPayload struct {
	DataSource     string `json:"data_source"`
	LastUpdated    string `json:"last_updated,omitempty"`
	RetryCount     int    `json:"retry_count"`
	CanRetry       bool   `json:"can_retry"`
	IsInitialized  bool   `json:"is_initialized"`
	URLSyncEnabled bool   `json:"url_sync_enabled"`
	LastURLSync    string `json:"last_url_sync,omitempty"`
}

func buildSessionPayload(snap services.SessionSnapshot) sessionPayload {
	payload := sessionPayload{
		ID:           snap.ID,
		Kind:         string(snap.Config.Kind),
		Slug:         snap.Config.Slug,
		Phase:        string(snap.Phase),
		Filters:      buildFiltersPayload(snap.Filters),
		Loading:      loadingPayload{Page: snap.Loading.Page, Content: snap.Loading.Content},
		Errors:       errorsPayload{Page: snap.Errors.Page, Content: snap.Errors.Content, Sync: snap.Errors.Sync},
		Meta:         buildMetaPayload(snap.Meta, snap.CanRetry),
		URL:          snap.URL,
		CreatedAt:    formatTime(snap.CreatedAt),
		LastActiveAt: formatTime(snap.LastActiveAt),
	}
	if snap.Data != nil {
		result := buildResultPayload(*snap.Data)
		payload.Data = &result
	}
	return payload
}

func buildFiltersPayload(filters domain.FilterState) filtersPayload {
	return filtersPayload{
		Search:           filters.Search,
		Category:         filters.Category,
		Tags:             filters.Tags,
		Sort:             filters.SortBy.WireName(),
		Order:            string(filters.SortOrder),
		FeaturedOnly:     filters.FeaturedOnly,
		IncludeSponsored: filters.IncludeSponsored,
		MinRating:        filters.MinRating,
		View:             string(filters.View),
		PageSize:         filters.PageSize,
		Page:             filters.Page,
	}
}

func buildMetaPayload(meta domain.SyncMeta, canRetry bool) metaPayload {
	return metaPayload{
		DataSource:     string(meta.DataSource),
		LastUpdated:    formatTime(meta.LastUpdated),
		RetryCount:     meta.RetryCount,
		CanRetry:       canRetry,
		IsInitialized:  meta.IsInitialized,
		URLSyncEnabled: meta.URLSyncEnabled,
		LastURLSync:    formatTime(meta.LastURLSync),
	}
}

func buildResultPayload(result domain.FetchResult) resultPayload {
	payload := resultPayload{
		Subject: subjectPayload{
			Kind:        string(result.Subject.Kind),
			Slug:        result.Subject.Slug,
			Title:       result.Subject.Title,
			Description: descriptionPolicy.Sanitize(result.Subject.Description),
			ItemCount:   result.Subject.ItemCount,
		},
		Items:      make([]itemPayload, 0, len(result.Items)),
		TotalCount: result.TotalCount,
		Pagination: paginationPayload{
			Page:       result.Pagination.Page,
			PageSize:   result.Pagination.PageSize,
			TotalItems: result.Pagination.TotalItems,
			TotalPages: result.Pagination.TotalPages,
			HasMore:    result.Pagination.HasMore,
		},
		FilterOptions: buildFilterOptionsPayload(result.FilterOptions),
	}
	for _, item := range result.Items {
		payload.Items = append(payload.Items, buildItemPayload(item))
	}
	for _, crumb := range result.Breadcrumbs {
		payload.Breadcrumbs = append(payload.Breadcrumbs, breadcrumbPayload{Label: crumb.Label, Path: crumb.Path})
	}
	return payload
}

func buildItemPayload(item domain.ListingItem) itemPayload {
	return itemPayload{
		ID:          item.ID,
		Title:       item.Title,
		URL:         item.URL,
		Description: descriptionPolicy.Sanitize(item.Description),
		Category:    item.Category,
		Tags:        item.Tags,
		Rating:      item.Rating,
		VisitCount:  item.VisitCount,
		Featured:    item.Featured,
		Sponsored:   item.Sponsored,
		CreatedAt:   formatTime(item.CreatedAt),
		UpdatedAt:   formatTime(item.UpdatedAt),
	}
}

func buildFilterOptionsPayload(options domain.FilterOptions) filterOptionsPayload {
	payload := filterOptionsPayload{}
	for _, facet := range options.Categories {
		payload.Categories = append(payload.Categories, facetPayload{Value: facet.Value, Count: facet.Count})
	}
	for _, facet := range options.Tags {
		payload.Tags = append(payload.Tags, facetPayload{Value: facet.Value, Count: facet.Count})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded request body and unmarshals it, writing the
// error response itself when the payload is missing, oversized, or malformed.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}
