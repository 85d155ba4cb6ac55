package services

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/params"
	"github.com/webvault/listings/internal/platform/textutil"
)

// ViewStoreDeps bundles what a view store needs at construction. The fetch
// orchestrator and URL synchronizer observe the store, so they are built
// afterwards and bound with bind.
type ViewStoreDeps struct {
	Config     PageConfig
	MaxRetries int
	Clock      func() time.Time
}

// ViewStore is the single source of truth for one browse session. Filters,
// data, loading flags, errors, and sync bookkeeping change only under its
// lock; reads leave through deep-copied snapshots. Intents mutate state,
// hand fetching to the orchestrator, and mirror the result into the URL.
type ViewStore struct {
	config     PageConfig
	maxRetries int
	clock      func() time.Time

	mu      sync.Mutex
	filters FilterState
	data    *FetchResult
	loading LoadingFlags
	errs    ErrorFlags
	meta    SyncMeta
	phase   Phase
	url     string

	orch    *FetchOrchestrator
	urlSync *URLSynchronizer
}

// NewViewStore constructs a store in the uninitialized phase with the page
// config's default filters applied.
func NewViewStore(deps ViewStoreDeps) (*ViewStore, error) {
	if deps.Config.Kind == "" || deps.Config.Slug == "" {
		return nil, errors.New("view store: page config is required")
	}
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &ViewStore{
		config:     deps.Config,
		maxRetries: maxRetries,
		clock: func() time.Time {
			return clock().UTC()
		},
		filters: domain.DefaultFilters(deps.Config),
		meta: SyncMeta{
			DataSource:     domain.DataSourceInitial,
			URLSyncEnabled: true,
		},
		phase: domain.PhaseUninitialized,
	}, nil
}

// bind attaches the collaborators that could not exist before the store did.
func (s *ViewStore) bind(orch *FetchOrchestrator, urlSync *URLSynchronizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orch = orch
	s.urlSync = urlSync
}

// Snapshot returns a deep copy of the full session state.
func (s *ViewStore) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		Config:   s.config,
		Filters:  s.filters.Clone(),
		Loading:  s.loading,
		Errors:   s.errs,
		Meta:     s.meta,
		CanRetry: s.meta.RetryCount < s.maxRetries,
		Phase:    s.phase,
		URL:      s.url,
	}
	if s.data != nil {
		clone := s.data.Clone()
		snap.Data = &clone
	}
	return snap
}

// currentFilters feeds the orchestrator the state to fetch at dispatch time.
func (s *ViewStore) currentFilters() FilterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters.Clone()
}

// CanRetry reports whether the retry budget still allows an explicit retry.
func (s *ViewStore) CanRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.RetryCount < s.maxRetries
}

// Intents ----------------------------------------------------------------

// SetSearch replaces the free-text query. The text is sanitized the same way
// the URL codec sanitizes it, and any change resets pagination.
func (s *ViewStore) SetSearch(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := params.CleanSearch(text)
	if cleaned != "" && !s.config.EnableSearch {
		return ErrFilterDisabled
	}
	if cleaned == s.filters.Search {
		return nil
	}
	s.filters.Search = cleaned
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// SetCategory replaces the category constraint. An empty value clears it.
func (s *ViewStore) SetCategory(category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableCategoryFilter {
		return ErrFilterDisabled
	}
	token := textutil.NormalizeToken(category)
	if token == s.filters.Category {
		return nil
	}
	s.filters.Category = token
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// SetTags replaces the tag list wholesale. On tag pages the subject's own tag
// is pinned back in first position.
func (s *ViewStore) SetTags(tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableTagFilter {
		return ErrFilterDisabled
	}
	next := s.pinSubjectTag(domain.NormalizeTags(tags))
	if tagsEqual(next, s.filters.Tags) {
		return nil
	}
	s.filters.Tags = next
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// AddTag appends one tag if it is not already applied.
func (s *ViewStore) AddTag(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableTagFilter {
		return ErrFilterDisabled
	}
	token := textutil.NormalizeToken(tag)
	if token == "" {
		return nil
	}
	for _, existing := range s.filters.Tags {
		if existing == token {
			return nil
		}
	}
	next := domain.NormalizeTags(append(append([]string(nil), s.filters.Tags...), token))
	if tagsEqual(next, s.filters.Tags) {
		return nil
	}
	s.filters.Tags = next
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// RemoveTag drops one tag. The tag a tag page is built around cannot be
// removed because it identifies the subject.
func (s *ViewStore) RemoveTag(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableTagFilter {
		return ErrFilterDisabled
	}
	token := textutil.NormalizeToken(tag)
	if s.config.Kind == domain.PageKindTag && token != "" && token == s.config.Slug {
		return ErrSubjectTagImmutable
	}
	next := make([]string, 0, len(s.filters.Tags))
	for _, existing := range s.filters.Tags {
		if existing != token {
			next = append(next, existing)
		}
	}
	if len(next) == len(s.filters.Tags) {
		return nil
	}
	s.filters.Tags = next
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// SetSorting replaces the sort field and direction. The page is preserved:
// sorting reorders the same result set.
func (s *ViewStore) SetSorting(field SortField, order SortOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableSorting {
		return ErrFilterDisabled
	}
	parsedField, err := domain.ParseSortField(string(field))
	if err != nil {
		return err
	}
	parsedOrder, err := domain.ParseSortOrder(string(order))
	if err != nil {
		return err
	}
	if parsedField == s.filters.SortBy && parsedOrder == s.filters.SortOrder {
		return nil
	}
	s.filters.SortBy = parsedField
	s.filters.SortOrder = parsedOrder
	s.afterFilterChangeLocked()
	return nil
}

// SetPage navigates to a page, clamped into the known range.
func (s *ViewStore) SetPage(page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnablePagination {
		return ErrFilterDisabled
	}
	if page < domain.MinPage {
		page = domain.MinPage
	}
	switch {
	case s.data != nil && s.data.Pagination.TotalPages > 0:
		if page > s.data.Pagination.TotalPages {
			page = s.data.Pagination.TotalPages
		}
	case s.data != nil:
		page = domain.MinPage
	default:
		if page > domain.MaxPage {
			page = domain.MaxPage
		}
	}
	if page == s.filters.Page {
		return nil
	}
	s.filters.Page = page
	s.afterFilterChangeLocked()
	return nil
}

// SetItemsPerPage changes the page size and returns to the first page.
func (s *ViewStore) SetItemsPerPage(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnablePagination {
		return ErrFilterDisabled
	}
	if size < domain.MinPageSize {
		size = domain.MinPageSize
	}
	if size > domain.MaxPageSize {
		size = domain.MaxPageSize
	}
	if size == s.filters.PageSize {
		return nil
	}
	s.filters.PageSize = size
	s.filters.Page = domain.MinPage
	s.afterFilterChangeLocked()
	return nil
}

// SetViewMode switches the presentation layout. No fetch is needed; the
// choice only travels through the URL.
func (s *ViewStore) SetViewMode(mode ViewMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, err := domain.ParseViewMode(string(mode))
	if err != nil {
		return err
	}
	if parsed == s.filters.View {
		return nil
	}
	s.filters.View = parsed
	s.syncToURLLocked()
	return nil
}

// ClearFilters returns every filter to the page config's defaults, keeping
// the current view mode.
func (s *ViewStore) ClearFilters() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defaults := domain.DefaultFilters(s.config)
	defaults.View = s.filters.View
	if s.filters.Equal(defaults) {
		return nil
	}
	s.filters = defaults
	s.afterFilterChangeLocked()
	return nil
}

// RetryLoad re-runs the last failed load. Once the retry budget is spent it
// refuses until errors are cleared or the data is refreshed.
func (s *ViewStore) RetryLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.RetryCount >= s.maxRetries {
		return ErrRetryExhausted
	}
	s.errs.Page = ""
	s.errs.Content = ""
	s.meta.RetryCount = 0
	if s.orch != nil {
		s.orch.LoadNow()
	}
	return nil
}

// RefreshData forces the next load past the cache: cached pages and the
// memoized subject are dropped, the retry budget is restored, and an
// immediate fetch starts.
func (s *ViewStore) RefreshData() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs.Page = ""
	s.errs.Content = ""
	s.meta.RetryCount = 0
	if s.orch != nil {
		s.orch.InvalidateSubject()
		s.orch.LoadNow()
	}
	return nil
}

// ClearErrors resets error state and the retry budget without fetching.
func (s *ViewStore) ClearErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = ErrorFlags{}
	s.meta.RetryCount = 0
	if s.phase == domain.PhaseErrored {
		if s.data != nil {
			s.phase = domain.PhaseReady
		} else {
			s.phase = domain.PhaseInitializing
		}
	}
	return nil
}

// ApplyURL applies a navigated URL's query parameters wholesale, recovering
// invalid values instead of rejecting them. A load is dispatched immediately
// when the filters changed, recovery rewrote anything, or no data has been
// loaded yet; the canonical form is then written back so recovered
// parameters do not linger in the address bar.
func (s *ViewStore) ApplyURL(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("view store: parse url: %w", err)
	}
	values := parsed.Query()

	s.mu.Lock()
	defer s.mu.Unlock()

	recovered, issues := params.Recover(values, s.config)
	if recovered.Equal(s.filters) && len(issues) == 0 && s.data != nil {
		return nil
	}

	s.meta.IsSyncingURL = true
	s.filters = recovered
	s.meta.IsSyncingURL = false

	if s.orch != nil {
		s.orch.LoadNow()
	}
	s.syncToURLLocked()
	return nil
}

// Observer callbacks -------------------------------------------------------

// LoadStarted flips the loading flag matching what the session already has:
// a full-page spinner before any data, an in-place refresh afterwards.
func (s *ViewStore) LoadStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		s.loading.Page = true
		s.phase = domain.PhaseInitializing
	} else {
		s.loading.Content = true
		s.phase = domain.PhaseRefetching
	}
	s.errs.Page = ""
	s.errs.Content = ""
}

// LoadSucceeded replaces the session's data wholesale. Results for a subject
// other than the configured one are discarded.
func (s *ViewStore) LoadSucceeded(result FetchResult, source DataSource, filters FilterState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Subject.Kind != s.config.Kind || result.Subject.Slug != s.config.Slug {
		return
	}

	clone := result.Clone()
	s.data = &clone
	s.loading = LoadingFlags{}
	s.errs.Page = ""
	s.errs.Content = ""
	s.meta.LastUpdated = s.clock()
	s.meta.DataSource = source
	s.meta.RetryCount = 0
	s.meta.IsInitialized = true
	s.phase = domain.PhaseReady

	// The page can point past the end when the result set shrank between
	// fetches. Clamp it and fetch the real last window.
	if total := result.Pagination.TotalPages; total > 0 && s.filters.Page > total {
		s.filters.Page = total
		if s.orch != nil {
			s.orch.Schedule()
		}
	}
	s.syncToURLLocked()
}

// LoadFailed records the attempt. Transient failures stay silent while a
// retry is pending; only terminal ones surface an error message, on the page
// surface before any data exists and on the content surface afterwards.
func (s *ViewStore) LoadFailed(err error, attempt int, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta.RetryCount = attempt
	s.loading = LoadingFlags{}
	s.phase = domain.PhaseErrored
	if !terminal {
		return
	}

	msg := presentableError(err)
	if s.data == nil {
		s.errs.Page = msg
	} else {
		s.errs.Content = msg
	}
}

// Internals -----------------------------------------------------------------

func (s *ViewStore) afterFilterChangeLocked() {
	if s.orch != nil {
		s.orch.Schedule()
	}
	s.syncToURLLocked()
}

// syncToURLLocked mirrors the current filters into the canonical URL. It is
// a no-op while a URL is being applied, after sync has been disabled, or
// before a synchronizer is bound.
func (s *ViewStore) syncToURLLocked() {
	if s.urlSync == nil || !s.meta.URLSyncEnabled || s.meta.IsSyncingURL {
		return
	}

	rawURL, err := s.urlSync.Publish(s.config, s.filters)
	if err != nil {
		if s.urlSync.Disabled() {
			s.meta.URLSyncEnabled = false
			s.errs.Sync = "Address bar updates are paused for this session."
		}
		return
	}
	s.url = rawURL
	s.meta.LastURLSync = s.clock()
}

// pinSubjectTag keeps a tag page's own tag in first position.
func (s *ViewStore) pinSubjectTag(tags []string) []string {
	if s.config.Kind != domain.PageKindTag || s.config.Slug == "" {
		return tags
	}
	pinned := make([]string, 0, len(tags)+1)
	pinned = append(pinned, s.config.Slug)
	for _, tag := range tags {
		if tag != s.config.Slug {
			pinned = append(pinned, tag)
		}
	}
	if len(pinned) > domain.MaxTags {
		pinned = pinned[:domain.MaxTags]
	}
	return pinned
}

func tagsEqual(a, b []string) bool {
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

func presentableError(err error) string {
	switch {
	case errors.Is(err, ErrSubjectNotFound):
		return "This page is not available."
	case errors.Is(err, ErrContentUnavailable):
		return "The catalog is temporarily unavailable. Please try again."
	default:
		return "Something went wrong while loading. Please try again."
	}
}
