package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/webvault/listings/internal/domain"
	pfirestore "github.com/webvault/listings/internal/platform/firestore"
	"github.com/webvault/listings/internal/platform/textutil"
	"github.com/webvault/listings/internal/repositories"
)

const (
	itemsCollection       = "items"
	collectionsCollection = "collections"
	categoriesCollection  = "categories"
	tagsCollection        = "tags"

	// defaultMaxSubjectItems bounds the item window loaded per subject. The
	// window is filtered and paginated in memory so totals stay exact.
	defaultMaxSubjectItems = 1000
)

// ListingRepository serves listing pages from Firestore documents.
type ListingRepository struct {
	items    *pfirestore.BaseRepository[listingDocument]
	subjects map[domain.PageKind]*pfirestore.BaseRepository[subjectDocument]
	maxItems int
}

// ListingRepositoryOption customises repository behaviour.
type ListingRepositoryOption func(*ListingRepository)

// WithMaxSubjectItems overrides the per-subject item window size.
func WithMaxSubjectItems(limit int) ListingRepositoryOption {
	return func(r *ListingRepository) {
		if limit > 0 {
			r.maxItems = limit
		}
	}
}

// NewListingRepository constructs a Firestore-backed listing repository.
func NewListingRepository(provider *pfirestore.Provider, opts ...ListingRepositoryOption) (*ListingRepository, error) {
	if provider == nil {
		return nil, errors.New("listing repository: firestore provider is required")
	}
	repo := &ListingRepository{
		items: pfirestore.NewBaseRepository[listingDocument](provider, itemsCollection, nil),
		subjects: map[domain.PageKind]*pfirestore.BaseRepository[subjectDocument]{
			domain.PageKindCollection: pfirestore.NewBaseRepository[subjectDocument](provider, collectionsCollection, nil),
			domain.PageKindCategory:   pfirestore.NewBaseRepository[subjectDocument](provider, categoriesCollection, nil),
			domain.PageKindTag:        pfirestore.NewBaseRepository[subjectDocument](provider, tagsCollection, nil),
		},
		maxItems: defaultMaxSubjectItems,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// ResolveSubject loads the subject document for a collection, category, or tag.
func (r *ListingRepository) ResolveSubject(ctx context.Context, kind domain.PageKind, slug string) (domain.Subject, error) {
	if r == nil || r.items == nil {
		return domain.Subject{}, errors.New("listing repository not initialised")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Subject{}, errors.New("listing repository: subject slug is required")
	}

	base, ok := r.subjects[kind]
	if !ok {
		return domain.Subject{}, fmt.Errorf("listing repository: %w", domain.ErrUnknownPageKind)
	}

	doc, err := base.Get(ctx, slug)
	if err != nil {
		return domain.Subject{}, err
	}
	return decodeSubjectDocument(kind, slug, doc.Data), nil
}

// FetchListing returns one filtered, sorted page of the subject's items.
func (r *ListingRepository) FetchListing(ctx context.Context, query repositories.ListingQuery) (repositories.ListingPage, error) {
	if r == nil || r.items == nil {
		return repositories.ListingPage{}, errors.New("listing repository not initialised")
	}
	slug := strings.TrimSpace(query.Slug)
	if slug == "" {
		return repositories.ListingPage{}, errors.New("listing repository: subject slug is required")
	}
	query.Slug = slug
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = domain.DefaultPageSize
	}

	// Resolve first so unknown subjects surface as not-found instead of an
	// indistinguishable empty page.
	if _, err := r.ResolveSubject(ctx, query.Kind, slug); err != nil {
		return repositories.ListingPage{}, err
	}

	items, err := r.loadSubjectWindow(ctx, query.Kind, slug)
	if err != nil {
		return repositories.ListingPage{}, err
	}

	matcher := newListingMatcher(query)
	filtered := make([]domain.ListingItem, 0, len(items))
	for _, item := range items {
		if matcher.matches(item) {
			filtered = append(filtered, item)
		}
	}

	facets := listingFacets(filtered)
	sortListingItems(filtered, query.Sort, query.Order)

	total := len(filtered)
	totalPages := pageCount(total, query.PageSize)
	window := pageWindow(filtered, query.Page, query.PageSize)

	return repositories.ListingPage{
		Items:      window,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    query.Page < totalPages,
		Facets:     facets,
	}, nil
}

func (r *ListingRepository) loadSubjectWindow(ctx context.Context, kind domain.PageKind, slug string) ([]domain.ListingItem, error) {
	var clause func(firestore.Query) firestore.Query
	switch kind {
	case domain.PageKindCategory:
		clause = func(q firestore.Query) firestore.Query { return q.Where("category", "==", slug) }
	case domain.PageKindTag:
		clause = func(q firestore.Query) firestore.Query { return q.Where("tags", "array-contains", slug) }
	case domain.PageKindCollection:
		clause = func(q firestore.Query) firestore.Query { return q.Where("collections", "array-contains", slug) }
	default:
		return nil, fmt.Errorf("listing repository: %w", domain.ErrUnknownPageKind)
	}

	docs, err := r.items.Query(ctx, func(q firestore.Query) firestore.Query {
		return clause(q).OrderBy("createdAt", firestore.Desc).Limit(r.maxItems)
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.ListingItem, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeListingDocument(doc.ID, doc.Data))
	}
	return out, nil
}

// listingMatcher evaluates one query's filter clauses against decoded items.
type listingMatcher struct {
	search           string
	category         string
	tags             []string
	minRating        int
	featuredOnly     bool
	includeSponsored bool
}

func newListingMatcher(query repositories.ListingQuery) listingMatcher {
	m := listingMatcher{
		search:           textutil.FoldSearch(query.Search),
		category:         textutil.NormalizeToken(query.Category),
		minRating:        query.MinRating,
		featuredOnly:     query.FeaturedOnly,
		includeSponsored: query.IncludeSponsored,
	}
	for _, tag := range query.Tags {
		if folded := textutil.NormalizeToken(tag); folded != "" {
			m.tags = append(m.tags, folded)
		}
	}
	return m
}

func (m listingMatcher) matches(item domain.ListingItem) bool {
	if m.featuredOnly && !item.Featured {
		return false
	}
	if !m.includeSponsored && item.Sponsored {
		return false
	}
	if m.minRating > 0 && int(item.Rating) < m.minRating {
		return false
	}
	if m.category != "" && textutil.NormalizeToken(item.Category) != m.category {
		return false
	}
	if len(m.tags) > 0 {
		itemTags := make(map[string]struct{}, len(item.Tags))
		for _, tag := range item.Tags {
			itemTags[textutil.NormalizeToken(tag)] = struct{}{}
		}
		for _, tag := range m.tags {
			if _, ok := itemTags[tag]; !ok {
				return false
			}
		}
	}
	if m.search != "" {
		haystack := textutil.FoldSearch(item.Title + " " + item.Description)
		if !strings.Contains(haystack, m.search) {
			return false
		}
	}
	return true
}

func sortListingItems(items []domain.ListingItem, field domain.SortField, order domain.SortOrder) {
	sort.SliceStable(items, func(i, j int) bool {
		cmp := compareListings(items[i], items[j], field)
		if order == domain.SortDesc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareListings(a, b domain.ListingItem, field domain.SortField) int {
	switch field {
	case domain.SortFieldTitle:
		return strings.Compare(textutil.FoldSearch(a.Title), textutil.FoldSearch(b.Title))
	case domain.SortFieldRating:
		return compareFloats(a.Rating, b.Rating)
	case domain.SortFieldVisits:
		return compareInts(a.VisitCount, b.VisitCount)
	case domain.SortFieldUpdated:
		return compareTimes(a.UpdatedAt, b.UpdatedAt)
	case domain.SortFieldFeatured:
		if cmp := compareBools(a.Featured, b.Featured); cmp != 0 {
			return cmp
		}
		return compareTimes(a.CreatedAt, b.CreatedAt)
	default:
		return compareTimes(a.CreatedAt, b.CreatedAt)
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func pageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

func pageWindow(items []domain.ListingItem, page, pageSize int) []domain.ListingItem {
	start := (page - 1) * pageSize
	if start >= len(items) || start < 0 {
		return []domain.ListingItem{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	window := make([]domain.ListingItem, end-start)
	copy(window, items[start:end])
	return window
}

// listingFacets counts categories and tags across the filtered set so the
// client can offer narrowing options that reflect the current results.
func listingFacets(items []domain.ListingItem) domain.FilterOptions {
	categories := make(map[string]int)
	tags := make(map[string]int)
	for _, item := range items {
		if item.Category != "" {
			categories[item.Category]++
		}
		for _, tag := range item.Tags {
			if tag != "" {
				tags[tag]++
			}
		}
	}
	return domain.FilterOptions{
		Categories: facetCounts(categories),
		Tags:       facetCounts(tags),
	}
}

func facetCounts(counts map[string]int) []domain.FacetCount {
	if len(counts) == 0 {
		return nil
	}
	out := make([]domain.FacetCount, 0, len(counts))
	for value, count := range counts {
		out = append(out, domain.FacetCount{Value: value, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func decodeListingDocument(id string, doc listingDocument) domain.ListingItem {
	return domain.ListingItem{
		ID:          id,
		Title:       doc.Title,
		URL:         doc.URL,
		Description: doc.Description,
		Category:    doc.Category,
		Tags:        doc.Tags,
		Rating:      doc.Rating,
		VisitCount:  doc.VisitCount,
		Featured:    doc.Featured,
		Sponsored:   doc.Sponsored,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func decodeSubjectDocument(kind domain.PageKind, slug string, doc subjectDocument) domain.Subject {
	return domain.Subject{
		Kind:        kind,
		Slug:        slug,
		Title:       doc.Title,
		Description: doc.Description,
		ItemCount:   doc.ItemCount,
	}
}

type listingDocument struct {
	Title       string    `firestore:"title"`
	URL         string    `firestore:"url"`
	Description string    `firestore:"description"`
	Category    string    `firestore:"category"`
	Tags        []string  `firestore:"tags"`
	Rating      float64   `firestore:"rating"`
	VisitCount  int       `firestore:"visitCount"`
	Featured    bool      `firestore:"featured"`
	Sponsored   bool      `firestore:"sponsored"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
	Collections []string  `firestore:"collections"`
}

type subjectDocument struct {
	Title       string `firestore:"title"`
	Description string `firestore:"description"`
	ItemCount   int    `firestore:"itemCount"`
}

// Ensure interface compliance.
var _ repositories.ListingRepository = (*ListingRepository)(nil)
