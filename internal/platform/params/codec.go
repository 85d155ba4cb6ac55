package params

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/textutil"
)

// Query parameter names accepted on listing URLs.
const (
	ParamSlug     = "slug"
	ParamCategory = "category"
	ParamTags     = "tags"
	ParamSearch   = "q"
	ParamSort     = "sort"
	ParamOrder    = "order"
	ParamPage     = "page"
	ParamLimit    = "limit"
	ParamView     = "view"
	ParamFeatured = "featured"
	ParamRating   = "rating"
	ParamAds      = "ads"
)

var (
	ErrInvalidPage     = errors.New("params: invalid page")
	ErrInvalidPageSize = errors.New("params: invalid limit")
	ErrInvalidRating   = errors.New("params: invalid rating")
	ErrInvalidSort     = errors.New("params: invalid sort")
	ErrInvalidOrder    = errors.New("params: invalid order")
	ErrInvalidView     = errors.New("params: invalid view")
	ErrInvalidBool     = errors.New("params: invalid boolean")
	ErrInvalidToken    = errors.New("params: invalid identifier")
	ErrTooManyTags     = errors.New("params: too many tags")
	ErrParamDisabled   = errors.New("params: parameter disabled for this page")
)

// searchPolicy strips any markup from free-text input before it reaches
// fingerprints, logs, or the content source.
var searchPolicy = bluemonday.StrictPolicy()

// Issue records one query parameter that failed validation and was dropped.
type Issue struct {
	Param string
	Value string
	Err   error
}

// String renders the issue for logs and diagnostics payloads.
func (i Issue) String() string {
	return fmt.Sprintf("%s=%q: %v", i.Param, i.Value, i.Err)
}

// DecodeError aggregates the field-level issues found by the strict decode.
type DecodeError struct {
	Issues []Issue
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "params: decode failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "params: " + strings.Join(parts, "; ")
}

// Is lets callers match the aggregate against any contained sentinel.
func (e *DecodeError) Is(target error) bool {
	for _, issue := range e.Issues {
		if errors.Is(issue.Err, target) {
			return true
		}
	}
	return false
}

// Decode validates every supported query parameter independently and returns
// the resulting filter state. Any invalid field fails the whole decode with a
// *DecodeError carrying one issue per offending parameter; callers that must
// not fail use Recover instead.
func Decode(values url.Values, cfg domain.PageConfig) (domain.FilterState, error) {
	state, issues := decodeFields(values, cfg)
	if len(issues) > 0 {
		return domain.DefaultFilters(cfg), &DecodeError{Issues: issues}
	}
	return state, nil
}

// Recover is the partial-recovery decode: every individually valid field is
// salvaged, invalid ones fall back to the page defaults, and the issues are
// reported for diagnostics. It never fails; a fully corrupted query yields
// the page defaults.
func Recover(values url.Values, cfg domain.PageConfig) (domain.FilterState, []Issue) {
	return decodeFields(values, cfg)
}

func decodeFields(values url.Values, cfg domain.PageConfig) (domain.FilterState, []Issue) {
	if values == nil {
		values = url.Values{}
	}

	state := domain.DefaultFilters(cfg)
	var issues []Issue

	reject := func(param, raw string, err error) {
		issues = append(issues, Issue{Param: param, Value: raw, Err: err})
	}

	if raw, ok := first(values, ParamSearch); ok {
		if !cfg.EnableSearch {
			reject(ParamSearch, raw, ErrParamDisabled)
		} else {
			state.Search = CleanSearch(raw)
		}
	}

	if raw, ok := first(values, ParamCategory); ok && cfg.Kind != domain.PageKindCategory {
		switch {
		case !cfg.EnableCategoryFilter:
			reject(ParamCategory, raw, ErrParamDisabled)
		default:
			token := textutil.NormalizeToken(raw)
			if token == "" {
				reject(ParamCategory, raw, fmt.Errorf("%w: %q", ErrInvalidToken, raw))
			} else {
				state.Category = token
			}
		}
	}

	if raw, ok := first(values, ParamTags); ok {
		if !cfg.EnableTagFilter && cfg.Kind != domain.PageKindTag {
			reject(ParamTags, raw, ErrParamDisabled)
		} else {
			tags, overflow := splitTags(raw)
			if overflow {
				reject(ParamTags, raw, fmt.Errorf("%w: at most %d", ErrTooManyTags, domain.MaxTags))
			}
			state.Tags = withSubjectTag(tags, cfg)
		}
	}

	if raw, ok := first(values, ParamSort); ok {
		if !cfg.EnableSorting {
			reject(ParamSort, raw, ErrParamDisabled)
		} else if field, err := domain.ParseSortField(raw); err != nil {
			reject(ParamSort, raw, fmt.Errorf("%w: %q", ErrInvalidSort, raw))
		} else {
			state.SortBy = field
		}
	}

	if raw, ok := first(values, ParamOrder); ok {
		if !cfg.EnableSorting {
			reject(ParamOrder, raw, ErrParamDisabled)
		} else if order, err := domain.ParseSortOrder(raw); err != nil {
			reject(ParamOrder, raw, fmt.Errorf("%w: %q", ErrInvalidOrder, raw))
		} else {
			state.SortOrder = order
		}
	}

	if raw, ok := first(values, ParamPage); ok {
		if !cfg.EnablePagination {
			reject(ParamPage, raw, ErrParamDisabled)
		} else if page, err := parseBoundedInt(raw, domain.MinPage, domain.MaxPage, ErrInvalidPage); err != nil {
			reject(ParamPage, raw, err)
		} else {
			state.Page = page
		}
	}

	if raw, ok := first(values, ParamLimit); ok {
		if !cfg.EnablePagination {
			reject(ParamLimit, raw, ErrParamDisabled)
		} else if size, err := parseBoundedInt(raw, domain.MinPageSize, domain.MaxPageSize, ErrInvalidPageSize); err != nil {
			reject(ParamLimit, raw, err)
		} else {
			state.PageSize = size
		}
	}

	if raw, ok := first(values, ParamRating); ok {
		if rating, err := parseBoundedInt(raw, domain.MinRating, domain.MaxRating, ErrInvalidRating); err != nil {
			reject(ParamRating, raw, err)
		} else {
			state.MinRating = rating
		}
	}

	if raw, ok := first(values, ParamView); ok {
		if view, err := domain.ParseViewMode(raw); err != nil {
			reject(ParamView, raw, fmt.Errorf("%w: %q", ErrInvalidView, raw))
		} else {
			state.View = view
		}
	}

	if raw, ok := first(values, ParamFeatured); ok {
		if featured, err := parseBool(raw); err != nil {
			reject(ParamFeatured, raw, err)
		} else {
			state.FeaturedOnly = featured
		}
	}

	if raw, ok := first(values, ParamAds); ok {
		if !cfg.ShowSponsored {
			reject(ParamAds, raw, ErrParamDisabled)
		} else if ads, err := parseBool(raw); err != nil {
			reject(ParamAds, raw, err)
		} else {
			state.IncludeSponsored = ads
		}
	}

	return state.Normalize(), issues
}

// Encode renders the sparse query string for a filter state: the entity
// identifier for the page kind plus only the filters that differ from the
// page defaults. Shared URLs stay short and survive default changes.
func Encode(state domain.FilterState, cfg domain.PageConfig) url.Values {
	defaults := domain.DefaultFilters(cfg)
	values := url.Values{}

	switch cfg.Kind {
	case domain.PageKindCollection:
		if cfg.Slug != "" {
			values.Set(ParamSlug, cfg.Slug)
		}
	case domain.PageKindCategory:
		if cfg.Slug != "" {
			values.Set(ParamCategory, cfg.Slug)
		}
	case domain.PageKindTag:
		if len(state.Tags) > 0 {
			values.Set(ParamTags, strings.Join(state.Tags, ","))
		} else if cfg.Slug != "" {
			values.Set(ParamTags, cfg.Slug)
		}
	}

	if state.Search != defaults.Search {
		values.Set(ParamSearch, state.Search)
	}
	if cfg.Kind != domain.PageKindCategory && state.Category != defaults.Category {
		values.Set(ParamCategory, state.Category)
	}
	if cfg.Kind != domain.PageKindTag && !equalTags(state.Tags, defaults.Tags) {
		values.Set(ParamTags, strings.Join(state.Tags, ","))
	}
	if state.SortBy != defaults.SortBy {
		values.Set(ParamSort, state.SortBy.WireName())
	}
	if state.SortOrder != defaults.SortOrder {
		values.Set(ParamOrder, state.SortOrder.String())
	}
	if state.Page != defaults.Page {
		values.Set(ParamPage, strconv.Itoa(state.Page))
	}
	if state.PageSize != defaults.PageSize {
		values.Set(ParamLimit, strconv.Itoa(state.PageSize))
	}
	if state.View != defaults.View {
		values.Set(ParamView, state.View.String())
	}
	if state.FeaturedOnly != defaults.FeaturedOnly {
		values.Set(ParamFeatured, boolWire(state.FeaturedOnly))
	}
	if state.MinRating != defaults.MinRating {
		values.Set(ParamRating, strconv.Itoa(state.MinRating))
	}
	if state.IncludeSponsored != defaults.IncludeSponsored {
		values.Set(ParamAds, boolWire(state.IncludeSponsored))
	}

	return values
}

// SubjectSlug extracts the entity identifier a URL addresses for the given
// page kind: slug for collections, category for categories, and the leading
// tag for tag pages.
func SubjectSlug(values url.Values, kind domain.PageKind) string {
	if values == nil {
		return ""
	}
	switch kind {
	case domain.PageKindCollection:
		return textutil.NormalizeToken(values.Get(ParamSlug))
	case domain.PageKindCategory:
		return textutil.NormalizeToken(values.Get(ParamCategory))
	case domain.PageKindTag:
		tags, _ := splitTags(values.Get(ParamTags))
		if len(tags) > 0 {
			return tags[0]
		}
	}
	return ""
}

// CleanSearch strips markup and normalizes whitespace in free-text input.
func CleanSearch(raw string) string {
	stripped := html.UnescapeString(searchPolicy.Sanitize(raw))
	return textutil.NormalizeSearch(stripped)
}

func first(values url.Values, key string) (string, bool) {
	raw, ok := values[key]
	if !ok || len(raw) == 0 {
		return "", false
	}
	value := strings.TrimSpace(raw[0])
	if value == "" {
		return "", false
	}
	return value, true
}

func splitTags(raw string) ([]string, bool) {
	parts := strings.Split(raw, ",")
	overflow := false
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		token := textutil.NormalizeToken(part)
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	if len(tokens) > domain.MaxTags {
		tokens = tokens[:domain.MaxTags]
		overflow = true
	}
	return domain.NormalizeTags(tokens), overflow
}

// withSubjectTag keeps the tag page's subject pinned at the front of the
// list no matter what the URL carried.
func withSubjectTag(tags []string, cfg domain.PageConfig) []string {
	if cfg.Kind != domain.PageKindTag || cfg.Slug == "" {
		return tags
	}
	subject := textutil.NormalizeToken(cfg.Slug)
	for i, tag := range tags {
		if tag == subject {
			if i == 0 {
				return tags
			}
			reordered := make([]string, 0, len(tags))
			reordered = append(reordered, subject)
			reordered = append(reordered, tags[:i]...)
			reordered = append(reordered, tags[i+1:]...)
			return reordered
		}
	}
	pinned := append([]string{subject}, tags...)
	if len(pinned) > domain.MaxTags {
		pinned = pinned[:domain.MaxTags]
	}
	return pinned
}

func parseBoundedInt(raw string, min, max int, sentinel error) (int, error) {
	trimmed := strings.TrimSpace(raw)
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", sentinel)
	}
	if value < min || value > max {
		return 0, fmt.Errorf("%w: must be between %d and %d", sentinel, min, max)
	}
	return value, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidBool, raw)
	}
}

func boolWire(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
