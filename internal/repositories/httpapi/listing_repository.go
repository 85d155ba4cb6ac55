package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/repositories"
)

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBodyBytes caps how much of an error response is read for context.
	maxErrorBodyBytes = 2048
)

// ClientConfig describes the upstream content API connection.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// ListingRepository serves listing pages from an upstream content API.
type ListingRepository struct {
	baseURL   *url.URL
	apiKey    string
	userAgent string
	client    *http.Client
}

// NewListingRepository constructs an HTTP-backed listing repository.
func NewListingRepository(cfg ClientConfig) (*ListingRepository, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("listing repository: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("listing repository: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("listing repository: unsupported base url scheme %q", parsed.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &ListingRepository{
		baseURL:   parsed,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: strings.TrimSpace(cfg.UserAgent),
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// ResolveSubject fetches the subject document from the upstream API.
func (r *ListingRepository) ResolveSubject(ctx context.Context, kind domain.PageKind, slug string) (domain.Subject, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Subject{}, errors.New("listing repository: subject slug is required")
	}
	path, err := subjectPath(kind, slug)
	if err != nil {
		return domain.Subject{}, err
	}

	var payload subjectPayload
	if err := r.getJSON(ctx, "listings.resolveSubject", path, nil, &payload); err != nil {
		return domain.Subject{}, err
	}
	return domain.Subject{
		Kind:        kind,
		Slug:        slug,
		Title:       payload.Title,
		Description: payload.Description,
		ItemCount:   payload.ItemCount,
	}, nil
}

// FetchListing requests one page of items for the query's subject.
func (r *ListingRepository) FetchListing(ctx context.Context, query repositories.ListingQuery) (repositories.ListingPage, error) {
	slug := strings.TrimSpace(query.Slug)
	if slug == "" {
		return repositories.ListingPage{}, errors.New("listing repository: subject slug is required")
	}
	path, err := subjectPath(query.Kind, slug)
	if err != nil {
		return repositories.ListingPage{}, err
	}
	path += "/items"

	var payload listingPayload
	if err := r.getJSON(ctx, "listings.fetch", path, listingParams(query), &payload); err != nil {
		return repositories.ListingPage{}, err
	}

	items := make([]domain.ListingItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, item.toDomain())
	}

	return repositories.ListingPage{
		Items:      items,
		Total:      payload.Meta.Total,
		TotalPages: payload.Meta.TotalPages,
		HasMore:    payload.Meta.HasMore,
		Facets:     payload.Facets.toDomain(),
	}, nil
}

// listingParams renders the query the upstream fetch boundary expects:
// page, pageSize, q, category, sort, order, plus the URL filter vocabulary
// for tags, featured, rating, and ads.
func listingParams(query repositories.ListingQuery) url.Values {
	params := url.Values{}
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = domain.DefaultPageSize
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("pageSize", strconv.Itoa(pageSize))

	if q := strings.TrimSpace(query.Search); q != "" {
		params.Set("q", q)
	}
	if category := strings.TrimSpace(query.Category); category != "" {
		params.Set("category", category)
	}
	if query.Sort != "" {
		params.Set("sort", query.Sort.WireName())
	}
	if query.Order != "" {
		params.Set("order", string(query.Order))
	}
	if len(query.Tags) > 0 {
		params.Set("tags", strings.Join(query.Tags, ","))
	}
	if query.FeaturedOnly {
		params.Set("featured", "1")
	}
	if query.MinRating > 0 {
		params.Set("rating", strconv.Itoa(query.MinRating))
	}
	if query.IncludeSponsored {
		params.Set("ads", "1")
	}
	return params
}

func (r *ListingRepository) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	if r == nil || r.client == nil {
		return errors.New("listing repository not initialised")
	}

	target := r.baseURL.JoinPath(path)
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &Error{op: op, err: err, unavailable: true}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wrapStatus(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{op: op, err: fmt.Errorf("decode response: %w", err), unavailable: true}
	}
	return nil
}

func subjectPath(kind domain.PageKind, slug string) (string, error) {
	switch kind {
	case domain.PageKindCollection:
		return "collections/" + url.PathEscape(slug), nil
	case domain.PageKindCategory:
		return "categories/" + url.PathEscape(slug), nil
	case domain.PageKindTag:
		return "tags/" + url.PathEscape(slug), nil
	default:
		return "", fmt.Errorf("listing repository: %w", domain.ErrUnknownPageKind)
	}
}

type subjectPayload struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ItemCount   int    `json:"item_count"`
}

type listingPayload struct {
	Items []itemPayload `json:"items"`
	Meta  metaPayload   `json:"meta"`
	// Facets are optional; older upstreams omit them.
	Facets facetsPayload `json:"facets"`
}

type metaPayload struct {
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

type itemPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	Rating      float64   `json:"rating"`
	VisitCount  int       `json:"visit_count"`
	Featured    bool      `json:"featured"`
	Sponsored   bool      `json:"sponsored"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p itemPayload) toDomain() domain.ListingItem {
	return domain.ListingItem{
		ID:          p.ID,
		Title:       p.Title,
		URL:         p.URL,
		Description: p.Description,
		Category:    p.Category,
		Tags:        p.Tags,
		Rating:      p.Rating,
		VisitCount:  p.VisitCount,
		Featured:    p.Featured,
		Sponsored:   p.Sponsored,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type facetsPayload struct {
	Categories []facetPayload `json:"categories"`
	Tags       []facetPayload `json:"tags"`
}

type facetPayload struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

func (p facetsPayload) toDomain() domain.FilterOptions {
	out := domain.FilterOptions{}
	for _, facet := range p.Categories {
		out.Categories = append(out.Categories, domain.FacetCount{Value: facet.Value, Count: facet.Count})
	}
	for _, facet := range p.Tags {
		out.Tags = append(out.Tags, domain.FacetCount{Value: facet.Value, Count: facet.Count})
	}
	return out
}

// Ensure interface compliance.
var _ repositories.ListingRepository = (*ListingRepository)(nil)
