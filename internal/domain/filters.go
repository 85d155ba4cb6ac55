package domain

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxTags caps the number of tag filters applied at once.
	MaxTags = 10
	// MaxSearchLength caps the free-text search string in runes.
	MaxSearchLength = 200
	// MaxTagLength caps a single tag token in runes.
	MaxTagLength = 64
	// MinPageSize is the smallest permitted page size.
	MinPageSize = 1
	// MaxPageSize is the largest permitted page size.
	MaxPageSize = 100
	// MinPage is the first page number.
	MinPage = 1
	// MaxPage bounds page numbers before totals are known.
	MaxPage = 1000
	// MinRating is the lowest minimum-rating filter value.
	MinRating = 0
	// MaxRating is the highest minimum-rating filter value.
	MaxRating = 5
	// DefaultPageSize applies when a page config does not override it.
	DefaultPageSize = 24
)

// FilterState captures every user-adjustable view parameter for a listing.
// Tags preserve insertion order with duplicates collapsed; numeric fields are
// kept inside their documented bounds by Normalize.
type FilterState struct {
	Search           string
	Category         string
	Tags             []string
	SortBy           SortField
	SortOrder        SortOrder
	FeaturedOnly     bool
	IncludeSponsored bool
	MinRating        int
	View             ViewMode
	PageSize         int
	Page             int
}

// PageConfig is the immutable per-session descriptor controlling which
// filters are enabled and what their defaults are. It is supplied once at
// session creation and replaced wholesale when the subject changes.
type PageConfig struct {
	Kind                 PageKind
	Slug                 string
	EnableSearch         bool
	EnableCategoryFilter bool
	EnableTagFilter      bool
	EnableSorting        bool
	EnablePagination     bool
	ShowSponsored        bool
	DefaultSort          SortField
	DefaultOrder         SortOrder
	DefaultPageSize      int
	DefaultView          ViewMode
}

// NewPageConfig builds the per-kind preset configuration for a subject.
func NewPageConfig(kind PageKind, slug string) PageConfig {
	cfg := PageConfig{
		Kind:                 kind,
		Slug:                 strings.TrimSpace(slug),
		EnableSearch:         true,
		EnableCategoryFilter: true,
		EnableTagFilter:      true,
		EnableSorting:        true,
		EnablePagination:     true,
		ShowSponsored:        true,
		DefaultSort:          SortFieldCreated,
		DefaultOrder:         SortDesc,
		DefaultPageSize:      DefaultPageSize,
		DefaultView:          ViewModeGrid,
	}
	switch kind {
	case PageKindCollection:
		cfg.DefaultSort = SortFieldFeatured
	case PageKindCategory:
		// The category page's subject is already a category constraint.
		cfg.EnableCategoryFilter = false
	}
	return cfg
}

// DefaultFilters produces the FilterState a fresh session starts from.
func DefaultFilters(cfg PageConfig) FilterState {
	state := FilterState{
		SortBy:           cfg.DefaultSort,
		SortOrder:        cfg.DefaultOrder,
		IncludeSponsored: cfg.ShowSponsored,
		MinRating:        MinRating,
		View:             cfg.DefaultView,
		PageSize:         cfg.DefaultPageSize,
		Page:             MinPage,
	}
	if state.SortBy == "" {
		state.SortBy = SortFieldCreated
	}
	if state.SortOrder == "" {
		state.SortOrder = SortDesc
	}
	if state.View == "" {
		state.View = ViewModeGrid
	}
	if state.PageSize < MinPageSize || state.PageSize > MaxPageSize {
		state.PageSize = DefaultPageSize
	}
	if cfg.Kind == PageKindCategory {
		state.Category = cfg.Slug
	}
	if cfg.Kind == PageKindTag && cfg.Slug != "" {
		state.Tags = []string{cfg.Slug}
	}
	return state
}

// Normalize trims strings, collapses duplicate tags, and clamps numeric
// fields into their documented bounds. It returns the normalized copy and
// never mutates the receiver.
func (f FilterState) Normalize() FilterState {
	out := f
	out.Search = capRunes(strings.TrimSpace(f.Search), MaxSearchLength)
	out.Category = strings.TrimSpace(f.Category)
	out.Tags = NormalizeTags(f.Tags)
	if out.SortBy == "" {
		out.SortBy = SortFieldCreated
	}
	if out.SortOrder != SortAsc && out.SortOrder != SortDesc {
		out.SortOrder = SortDesc
	}
	if out.View != ViewModeGrid && out.View != ViewModeList {
		out.View = ViewModeGrid
	}
	out.MinRating = clampInt(f.MinRating, MinRating, MaxRating)
	out.PageSize = clampInt(f.PageSize, MinPageSize, MaxPageSize)
	out.Page = clampInt(f.Page, MinPage, MaxPage)
	return out
}

// ClampPage bounds the current page once totals are known. A zero totalPages
// (no data yet) leaves the upper bound at MaxPage.
func (f FilterState) ClampPage(totalPages int) FilterState {
	out := f
	upper := MaxPage
	if totalPages > 0 && totalPages < upper {
		upper = totalPages
	}
	out.Page = clampInt(f.Page, MinPage, upper)
	return out
}

// Equal reports structural equality including tag order.
func (f FilterState) Equal(other FilterState) bool {
	if f.Search != other.Search ||
		f.Category != other.Category ||
		f.SortBy != other.SortBy ||
		f.SortOrder != other.SortOrder ||
		f.FeaturedOnly != other.FeaturedOnly ||
		f.IncludeSponsored != other.IncludeSponsored ||
		f.MinRating != other.MinRating ||
		f.View != other.View ||
		f.PageSize != other.PageSize ||
		f.Page != other.Page {
		return false
	}
	if len(f.Tags) != len(other.Tags) {
		return false
	}
	for i := range f.Tags {
		if f.Tags[i] != other.Tags[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy with an independent tags slice.
func (f FilterState) Clone() FilterState {
	out := f
	if len(f.Tags) > 0 {
		out.Tags = make([]string, len(f.Tags))
		copy(out.Tags, f.Tags)
	}
	return out
}

// Fingerprint renders a stable serialization of the filter state for cache
// keys. Tags are sorted so insertion order does not fragment the cache; all
// other fields appear in a fixed order. Structurally equal states always
// produce identical fingerprints.
func (f FilterState) Fingerprint() string {
	tags := make([]string, len(f.Tags))
	copy(tags, f.Tags)
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString("q-")
	b.WriteString(f.Search)
	b.WriteString("|cat-")
	b.WriteString(f.Category)
	b.WriteString("|tags-")
	b.WriteString(strings.Join(tags, ","))
	fmt.Fprintf(&b, "|sort-%s|order-%s|featured-%s|ads-%s|rating-%d|view-%s|limit-%d|page-%d",
		f.SortBy, f.SortOrder, boolToken(f.FeaturedOnly), boolToken(f.IncludeSponsored),
		f.MinRating, f.View, f.PageSize, f.Page)
	return b.String()
}

// NormalizeTags trims, drops empties, collapses case-insensitive duplicates
// preserving first occurrence, caps token length, and bounds the list at
// MaxTags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := capRunes(strings.TrimSpace(tag), MaxTagLength)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
		if len(out) == MaxTags {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func boolToken(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func capRunes(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
