package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PageKind identifies the entity kind a browsable listing page is built around.
type PageKind string

const (
	// PageKindCollection renders a curated collection of items.
	PageKindCollection PageKind = "collection"
	// PageKindCategory renders all items belonging to one category.
	PageKindCategory PageKind = "category"
	// PageKindTag renders all items carrying one tag.
	PageKindTag PageKind = "tag"
)

// ErrUnknownPageKind indicates a page kind outside the supported set.
var ErrUnknownPageKind = errors.New("domain: unknown page kind")

// ParsePageKind validates a raw page kind value.
func ParsePageKind(value string) (PageKind, error) {
	switch PageKind(strings.ToLower(strings.TrimSpace(value))) {
	case PageKindCollection:
		return PageKindCollection, nil
	case PageKindCategory:
		return PageKindCategory, nil
	case PageKindTag:
		return PageKindTag, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPageKind, value)
	}
}

// String returns the wire form of the page kind.
func (k PageKind) String() string { return string(k) }

// SortField enumerates the item attributes listings can be ordered by.
type SortField string

const (
	// SortFieldCreated orders by item creation time.
	SortFieldCreated SortField = "created_at"
	// SortFieldUpdated orders by last update time.
	SortFieldUpdated SortField = "updated_at"
	// SortFieldTitle orders lexicographically by title.
	SortFieldTitle SortField = "title"
	// SortFieldRating orders by aggregate rating.
	SortFieldRating SortField = "rating"
	// SortFieldVisits orders by visit count.
	SortFieldVisits SortField = "visit_count"
	// SortFieldFeatured orders featured items ahead of the rest.
	SortFieldFeatured SortField = "featured"
)

// ErrUnknownSortField indicates a sort field outside the supported set.
var ErrUnknownSortField = errors.New("domain: unknown sort field")

// sortFieldWireNames maps short URL tokens onto sort fields.
var sortFieldWireNames = map[string]SortField{
	"created":  SortFieldCreated,
	"updated":  SortFieldUpdated,
	"title":    SortFieldTitle,
	"rating":   SortFieldRating,
	"visits":   SortFieldVisits,
	"featured": SortFieldFeatured,
}

// ParseSortField accepts either the wire token or the canonical field name.
func ParseSortField(value string) (SortField, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if field, ok := sortFieldWireNames[normalized]; ok {
		return field, nil
	}
	switch SortField(normalized) {
	case SortFieldCreated, SortFieldUpdated, SortFieldTitle, SortFieldRating, SortFieldVisits, SortFieldFeatured:
		return SortField(normalized), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSortField, value)
	}
}

// WireName returns the short URL token for the sort field.
func (f SortField) WireName() string {
	switch f {
	case SortFieldCreated:
		return "created"
	case SortFieldUpdated:
		return "updated"
	case SortFieldTitle:
		return "title"
	case SortFieldRating:
		return "rating"
	case SortFieldVisits:
		return "visits"
	case SortFieldFeatured:
		return "featured"
	default:
		return string(f)
	}
}

// String returns the canonical name of the sort field.
func (f SortField) String() string { return string(f) }

// SortOrder indicates ascending or descending ordering for listings.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// ErrUnknownSortOrder indicates an order value outside asc/desc.
var ErrUnknownSortOrder = errors.New("domain: unknown sort order")

// ParseSortOrder validates a raw order value.
func ParseSortOrder(value string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(value))) {
	case SortAsc:
		return SortAsc, nil
	case SortDesc:
		return SortDesc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSortOrder, value)
	}
}

// String returns the wire form of the sort order.
func (o SortOrder) String() string { return string(o) }

// ViewMode selects the presentation density requested by the client.
type ViewMode string

const (
	// ViewModeGrid lays items out as cards.
	ViewModeGrid ViewMode = "grid"
	// ViewModeList lays items out as rows.
	ViewModeList ViewMode = "list"
)

// ErrUnknownViewMode indicates a view mode outside grid/list.
var ErrUnknownViewMode = errors.New("domain: unknown view mode")

// ParseViewMode validates a raw view mode value.
func ParseViewMode(value string) (ViewMode, error) {
	switch ViewMode(strings.ToLower(strings.TrimSpace(value))) {
	case ViewModeGrid:
		return ViewModeGrid, nil
	case ViewModeList:
		return ViewModeList, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownViewMode, value)
	}
}

// String returns the wire form of the view mode.
func (m ViewMode) String() string { return string(m) }

// DataSource records where the most recent listing payload came from.
type DataSource string

const (
	// DataSourceInitial marks a session that has not completed a fetch yet.
	DataSourceInitial DataSource = "initial"
	// DataSourceCache marks data served from the result cache.
	DataSourceCache DataSource = "cache"
	// DataSourceAPI marks data served from the content source.
	DataSourceAPI DataSource = "api"
)

// Phase describes the lifecycle state of a browse session store.
type Phase string

const (
	// PhaseUninitialized means no page configuration has been applied.
	PhaseUninitialized Phase = "uninitialized"
	// PhaseInitializing means the first fetch is pending.
	PhaseInitializing Phase = "initializing"
	// PhaseReady means data is present and nothing is in flight.
	PhaseReady Phase = "ready"
	// PhaseRefetching means data is present and a newer fetch is in flight.
	PhaseRefetching Phase = "refetching"
	// PhaseErrored means the last fetch chain failed terminally.
	PhaseErrored Phase = "errored"
)

// ListingItem is one browsable entry returned by the content source.
type ListingItem struct {
	ID          string
	Title       string
	URL         string
	Description string
	Category    string
	Tags        []string
	Rating      float64
	VisitCount  int
	Featured    bool
	Sponsored   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Subject identifies and describes the entity a listing page is built around.
type Subject struct {
	Kind        PageKind
	Slug        string
	Title       string
	Description string
	ItemCount   int
}

// PageInfo carries pagination metadata alongside a page of items.
type PageInfo struct {
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
	HasMore    bool
}

// FacetCount pairs a filterable value with the number of matching items.
type FacetCount struct {
	Value string
	Count int
}

// FilterOptions lists the categories and tags available for narrowing a listing.
type FilterOptions struct {
	Categories []FacetCount
	Tags       []FacetCount
}

// Breadcrumb is one segment of the navigation trail for a listing page.
type Breadcrumb struct {
	Label string
	Path  string
}

// FetchResult is the atomic unit of listing data owned by the view store.
// It is always replaced wholesale so items never disagree with their own
// pagination metadata.
type FetchResult struct {
	Subject       Subject
	Items         []ListingItem
	TotalCount    int
	Pagination    PageInfo
	FilterOptions FilterOptions
	Breadcrumbs   []Breadcrumb
}

// Clone returns a copy whose slices are safe to hand to other goroutines.
func (r FetchResult) Clone() FetchResult {
	out := r
	if len(r.Items) > 0 {
		out.Items = make([]ListingItem, len(r.Items))
		copy(out.Items, r.Items)
		for i, item := range out.Items {
			if len(item.Tags) > 0 {
				tags := make([]string, len(item.Tags))
				copy(tags, item.Tags)
				out.Items[i].Tags = tags
			}
		}
	}
	if len(r.Breadcrumbs) > 0 {
		out.Breadcrumbs = make([]Breadcrumb, len(r.Breadcrumbs))
		copy(out.Breadcrumbs, r.Breadcrumbs)
	}
	if len(r.FilterOptions.Categories) > 0 {
		out.FilterOptions.Categories = make([]FacetCount, len(r.FilterOptions.Categories))
		copy(out.FilterOptions.Categories, r.FilterOptions.Categories)
	}
	if len(r.FilterOptions.Tags) > 0 {
		out.FilterOptions.Tags = make([]FacetCount, len(r.FilterOptions.Tags))
		copy(out.FilterOptions.Tags, r.FilterOptions.Tags)
	}
	return out
}

// BreadcrumbsFor derives the navigation trail for a subject.
func BreadcrumbsFor(subject Subject) []Breadcrumb {
	trail := []Breadcrumb{{Label: "Home", Path: "/"}}
	switch subject.Kind {
	case PageKindCollection:
		trail = append(trail, Breadcrumb{Label: "Collections", Path: "/collections"})
	case PageKindCategory:
		trail = append(trail, Breadcrumb{Label: "Categories", Path: "/categories"})
	case PageKindTag:
		trail = append(trail, Breadcrumb{Label: "Tags", Path: "/tags"})
	}
	label := subject.Title
	if label == "" {
		label = subject.Slug
	}
	trail = append(trail, Breadcrumb{
		Label: label,
		Path:  fmt.Sprintf("/%s/%s", subject.Kind, subject.Slug),
	})
	return trail
}

// SyncMeta tracks synchronization bookkeeping for a browse session.
type SyncMeta struct {
	LastUpdated    time.Time
	DataSource     DataSource
	RetryCount     int
	IsInitialized  bool
	URLSyncEnabled bool
	IsSyncingURL   bool
	LastURLSync    time.Time
}

// LoadingFlags distinguishes first-page loads from in-place content refreshes.
type LoadingFlags struct {
	Page    bool
	Content bool
}

// ErrorFlags carries presentation-facing error messages per surface.
type ErrorFlags struct {
	Page    string
	Content string
	Sync    string
}
