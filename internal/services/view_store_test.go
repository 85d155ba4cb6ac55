package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/resultcache"
)

type failingHistory struct {
	mu    sync.Mutex
	calls int
}

func (h *failingHistory) Replace(context.Context, string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return errors.New("history: rejected")
}

func (h *failingHistory) Current() string { return "" }

func (h *failingHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type storeFixture struct {
	store   *ViewStore
	orch    *FetchOrchestrator
	repo    *stubListingRepository
	cache   *resultcache.Memory
	history HistoryPort
}

type fixtureOptions struct {
	history    HistoryPort
	debounce   time.Duration
	retryDelay time.Duration
	maxRetries int
	budget     int
}

func newStoreFixture(t *testing.T, cfg domain.PageConfig, repo *stubListingRepository, opts fixtureOptions) *storeFixture {
	t.Helper()

	if opts.debounce == 0 {
		opts.debounce = 10 * time.Millisecond
	}
	if opts.retryDelay == 0 {
		opts.retryDelay = 5 * time.Millisecond
	}
	history := opts.history
	if history == nil {
		history = NewMemoryHistory()
	}

	store, err := NewViewStore(ViewStoreDeps{Config: cfg, MaxRetries: opts.maxRetries})
	if err != nil {
		t.Fatalf("NewViewStore returned error: %v", err)
	}
	urlSync, err := NewURLSynchronizer(URLSynchronizerDeps{History: history, RetryBudget: opts.budget})
	if err != nil {
		t.Fatalf("NewURLSynchronizer returned error: %v", err)
	}
	cache := resultcache.New(time.Minute)
	orch, err := NewFetchOrchestrator(FetchOrchestratorDeps{
		Listings:       repo,
		Cache:          cache,
		Observer:       store,
		Filters:        store.currentFilters,
		Config:         cfg,
		DebounceWindow: opts.debounce,
		RetryDelay:     opts.retryDelay,
		MaxRetries:     opts.maxRetries,
	})
	if err != nil {
		t.Fatalf("NewFetchOrchestrator returned error: %v", err)
	}
	store.bind(orch, urlSync)
	t.Cleanup(orch.Close)

	return &storeFixture{store: store, orch: orch, repo: repo, cache: cache, history: history}
}

func (f *storeFixture) waitPhase(t *testing.T, phase domain.Phase) SessionSnapshot {
	t.Helper()
	var snap SessionSnapshot
	waitFor(t, time.Second, "phase "+string(phase), func() bool {
		snap = f.store.Snapshot()
		return snap.Phase == phase
	})
	return snap
}

func TestViewStoreInitialLoadLifecycle(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if phase := f.store.Snapshot().Phase; phase != domain.PhaseUninitialized {
		t.Fatalf("expected uninitialized phase before the first apply, got %s", phase)
	}

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}

	snap := f.waitPhase(t, domain.PhaseReady)
	if snap.Data == nil {
		t.Fatalf("expected data after the initial load")
	}
	if snap.Data.TotalCount != 2 || len(snap.Data.Items) != 2 {
		t.Fatalf("unexpected result: %+v", snap.Data)
	}
	if len(snap.Data.Breadcrumbs) != 3 {
		t.Fatalf("expected a 3 segment trail, got %+v", snap.Data.Breadcrumbs)
	}
	if !snap.Meta.IsInitialized {
		t.Fatalf("expected the session to be marked initialized")
	}
	if snap.Meta.DataSource != domain.DataSourceAPI {
		t.Fatalf("expected api data source, got %s", snap.Meta.DataSource)
	}
	if snap.Loading.Page || snap.Loading.Content {
		t.Fatalf("expected loading flags to clear, got %+v", snap.Loading)
	}
	if !strings.Contains(snap.URL, "slug=design-tools") {
		t.Fatalf("expected the canonical URL to carry the subject, got %q", snap.URL)
	}
	if got := f.history.Current(); got != snap.URL {
		t.Fatalf("history holds %q, snapshot says %q", got, snap.URL)
	}
}

func TestViewStoreSearchResetsPageAndRefetches(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.page.Total = 120
	repo.page.TotalPages = 5
	repo.page.HasMore = true
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?page=3"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	snap := f.waitPhase(t, domain.PhaseReady)
	if snap.Filters.Page != 3 {
		t.Fatalf("expected page 3, got %d", snap.Filters.Page)
	}

	if err := f.store.SetSearch(" icons "); err != nil {
		t.Fatalf("SetSearch returned error: %v", err)
	}
	snap = f.store.Snapshot()
	if snap.Filters.Search != "icons" {
		t.Fatalf("expected sanitized search, got %q", snap.Filters.Search)
	}
	if snap.Filters.Page != 1 {
		t.Fatalf("changing search must reset the page, got %d", snap.Filters.Page)
	}
	if !strings.Contains(snap.URL, "q=icons") {
		t.Fatalf("expected the URL to carry the search, got %q", snap.URL)
	}

	waitFor(t, time.Second, "debounced search fetch", func() bool {
		query, ok := repo.lastQuery()
		return ok && query.Search == "icons" && query.Page == 1
	})
}

func TestViewStoreRejectsDisabledFilters(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCategory, "design")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.SetCategory("other"); !errors.Is(err, ErrFilterDisabled) {
		t.Fatalf("expected ErrFilterDisabled, got %v", err)
	}
	if got := f.store.Snapshot().Filters.Category; got != "design" {
		t.Fatalf("category pages keep their subject pinned, got %q", got)
	}
}

func TestViewStoreTagPagePinsSubjectTag(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindTag, "figma")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.SetTags([]string{"free", "figma", "design"}); err != nil {
		t.Fatalf("SetTags returned error: %v", err)
	}
	snap := f.store.Snapshot()
	if len(snap.Filters.Tags) != 3 || snap.Filters.Tags[0] != "figma" {
		t.Fatalf("expected the subject tag pinned first, got %v", snap.Filters.Tags)
	}

	if err := f.store.RemoveTag("figma"); !errors.Is(err, ErrSubjectTagImmutable) {
		t.Fatalf("expected ErrSubjectTagImmutable, got %v", err)
	}
	if err := f.store.RemoveTag("free"); err != nil {
		t.Fatalf("RemoveTag returned error: %v", err)
	}
	snap = f.store.Snapshot()
	if len(snap.Filters.Tags) != 2 || snap.Filters.Tags[0] != "figma" || snap.Filters.Tags[1] != "design" {
		t.Fatalf("unexpected tags after removal: %v", snap.Filters.Tags)
	}

	before := snap.Filters.Tags
	if err := f.store.AddTag("figma"); err != nil {
		t.Fatalf("AddTag returned error: %v", err)
	}
	if got := f.store.Snapshot().Filters.Tags; len(got) != len(before) {
		t.Fatalf("adding an applied tag must be a no-op, got %v", got)
	}
}

func TestViewStoreRetryBudget(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.failures = 99
	f := newStoreFixture(t, cfg, repo, fixtureOptions{maxRetries: 2, retryDelay: 2 * time.Millisecond})

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}

	var snap SessionSnapshot
	waitFor(t, time.Second, "terminal failure", func() bool {
		snap = f.store.Snapshot()
		return snap.Phase == domain.PhaseErrored && snap.Meta.RetryCount == 2 && snap.Errors.Page != ""
	})
	if snap.Data != nil {
		t.Fatalf("no data should exist after a failed initial load")
	}
	if snap.Errors.Content != "" {
		t.Fatalf("initial load failures belong on the page surface, got %q", snap.Errors.Content)
	}
	if snap.CanRetry || f.store.CanRetry() {
		t.Fatalf("retry must read as exhausted after the budget is spent")
	}

	if err := f.store.RetryLoad(); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}

	if err := f.store.ClearErrors(); err != nil {
		t.Fatalf("ClearErrors returned error: %v", err)
	}
	snap = f.store.Snapshot()
	if snap.Errors.Page != "" || snap.Meta.RetryCount != 0 {
		t.Fatalf("expected a clean slate, got %+v", snap.Errors)
	}
	if !snap.CanRetry {
		t.Fatalf("clearing errors must restore the retry budget")
	}
	if snap.Phase != domain.PhaseInitializing {
		t.Fatalf("expected initializing after clearing with no data, got %s", snap.Phase)
	}

	if err := f.store.RetryLoad(); err != nil {
		t.Fatalf("RetryLoad after clearing returned error: %v", err)
	}
	waitFor(t, time.Second, "second chain to exhaust", func() bool {
		return f.store.Snapshot().Meta.RetryCount == 2
	})
}

func TestViewStoreContentErrorKeepsStaleData(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{maxRetries: 2, retryDelay: 2 * time.Millisecond})

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	f.waitPhase(t, domain.PhaseReady)

	repo.mu.Lock()
	repo.failures = 99
	repo.mu.Unlock()

	if err := f.store.RefreshData(); err != nil {
		t.Fatalf("RefreshData returned error: %v", err)
	}

	var snap SessionSnapshot
	waitFor(t, time.Second, "content error", func() bool {
		snap = f.store.Snapshot()
		return snap.Errors.Content != ""
	})
	if snap.Data == nil {
		t.Fatalf("stale data must be kept when a refresh fails")
	}
	if snap.Errors.Page != "" {
		t.Fatalf("refresh failures belong on the content surface, got %q", snap.Errors.Page)
	}
	if snap.Phase != domain.PhaseErrored {
		t.Fatalf("expected errored phase, got %s", snap.Phase)
	}
}

func TestViewStoreViewModeSkipsFetch(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	f.waitPhase(t, domain.PhaseReady)
	_, before := repo.counts()

	if err := f.store.SetViewMode(domain.ViewModeList); err != nil {
		t.Fatalf("SetViewMode returned error: %v", err)
	}
	snap := f.store.Snapshot()
	if snap.Filters.View != domain.ViewModeList {
		t.Fatalf("expected list view, got %s", snap.Filters.View)
	}
	if !strings.Contains(snap.URL, "view=list") {
		t.Fatalf("expected the URL to carry the view mode, got %q", snap.URL)
	}

	if err := f.store.SetViewMode("mosaic"); !errors.Is(err, domain.ErrUnknownViewMode) {
		t.Fatalf("expected ErrUnknownViewMode, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, after := repo.counts(); after != before {
		t.Fatalf("view mode changes must not fetch, got %d extra", after-before)
	}
}

func TestViewStoreApplyURLRecovers(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?page=0&limit=999&sort=bogus&q=%3Cb%3Eicons%3C%2Fb%3E"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}

	snap := f.waitPhase(t, domain.PhaseReady)
	if snap.Filters.Page != 1 {
		t.Fatalf("expected page recovered to 1, got %d", snap.Filters.Page)
	}
	if snap.Filters.PageSize != cfg.DefaultPageSize {
		t.Fatalf("expected the page size to fall back to the default, got %d", snap.Filters.PageSize)
	}
	if snap.Filters.SortBy != cfg.DefaultSort {
		t.Fatalf("expected the sort to fall back to the default, got %s", snap.Filters.SortBy)
	}
	if snap.Filters.Search != "icons" {
		t.Fatalf("expected markup stripped from the search, got %q", snap.Filters.Search)
	}
	if strings.Contains(snap.URL, "sort=") {
		t.Fatalf("recovered defaults must not linger in the URL, got %q", snap.URL)
	}
	if !strings.Contains(snap.URL, "q=icons") {
		t.Fatalf("expected the canonical URL to keep the search, got %q", snap.URL)
	}
}

func TestViewStoreApplyURLIdenticalIsNoop(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	snap := f.waitPhase(t, domain.PhaseReady)
	_, before := repo.counts()

	if err := f.store.ApplyURL(snap.URL); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, after := repo.counts(); after != before {
		t.Fatalf("re-applying the canonical URL must not fetch, got %d extra", after-before)
	}
}

func TestViewStoreURLSyncDisablesAfterBudget(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	history := &failingHistory{}
	f := newStoreFixture(t, cfg, repo, fixtureOptions{history: history, debounce: time.Hour, budget: 3})

	for _, term := range []string{"a", "ab", "abc"} {
		if err := f.store.SetSearch(term); err != nil {
			t.Fatalf("SetSearch(%q) returned error: %v", term, err)
		}
	}

	snap := f.store.Snapshot()
	if snap.Meta.URLSyncEnabled {
		t.Fatalf("expected URL sync to be disabled after %d failures", history.count())
	}
	if snap.Errors.Sync == "" {
		t.Fatalf("expected a sync notice")
	}

	if err := f.store.SetSearch("abcd"); err != nil {
		t.Fatalf("SetSearch returned error: %v", err)
	}
	if got := history.count(); got != 3 {
		t.Fatalf("expected no publishes after disabling, got %d", got)
	}
	if f.store.Snapshot().URL != "" {
		t.Fatalf("no canonical URL should have been recorded")
	}
}

func TestViewStorePageClampSchedulesRefetch(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.page.Total = 30
	repo.page.TotalPages = 2
	f := newStoreFixture(t, cfg, repo, fixtureOptions{debounce: 5 * time.Millisecond})

	if err := f.store.ApplyURL("?page=9"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}

	waitFor(t, time.Second, "clamped refetch", func() bool {
		query, ok := repo.lastQuery()
		return ok && query.Page == 2
	})

	snap := f.waitPhase(t, domain.PhaseReady)
	if snap.Filters.Page != 2 {
		t.Fatalf("expected the page clamped to 2, got %d", snap.Filters.Page)
	}
	if !strings.Contains(snap.URL, "page=2") {
		t.Fatalf("expected the clamped page in the URL, got %q", snap.URL)
	}
}

func TestViewStorePageSizeChangeIssuesOneLoad(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.page.Total = 120
	repo.page.TotalPages = 5
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?page=3"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	f.waitPhase(t, domain.PhaseReady)
	_, before := repo.counts()

	if err := f.store.SetItemsPerPage(48); err != nil {
		t.Fatalf("SetItemsPerPage returned error: %v", err)
	}
	snap := f.store.Snapshot()
	if snap.Filters.PageSize != 48 || snap.Filters.Page != 1 {
		t.Fatalf("expected page size 48 on page 1, got size=%d page=%d", snap.Filters.PageSize, snap.Filters.Page)
	}

	waitFor(t, time.Second, "debounced page-size fetch", func() bool {
		query, ok := repo.lastQuery()
		return ok && query.PageSize == 48 && query.Page == 1
	})
	// The coalesced window must collapse the change into a single fetch.
	time.Sleep(30 * time.Millisecond)
	if _, after := repo.counts(); after != before+1 {
		t.Fatalf("expected exactly one fetch, got %d", after-before)
	}
}

func TestViewStoreDiscardsMismatchedSubjectResult(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	f := newStoreFixture(t, cfg, repo, fixtureOptions{})

	if err := f.store.ApplyURL("?"); err != nil {
		t.Fatalf("ApplyURL returned error: %v", err)
	}
	before := f.waitPhase(t, domain.PhaseReady)

	stray := domain.FetchResult{
		Subject: domain.Subject{Kind: cfg.Kind, Slug: "other-tools", Title: "Other"},
		Items:   []domain.ListingItem{{ID: "stray"}},
	}
	f.store.LoadSucceeded(stray, domain.DataSourceAPI, before.Filters)

	after := f.store.Snapshot()
	if after.Data == nil || after.Data.Subject.Slug != cfg.Slug {
		t.Fatalf("expected the session subject kept, got %+v", after.Data)
	}
	if !after.Meta.LastUpdated.Equal(before.Meta.LastUpdated) {
		t.Fatal("a mismatched result must not touch sync metadata")
	}
	if after.Phase != domain.PhaseReady {
		t.Fatalf("expected phase unchanged, got %s", after.Phase)
	}
}
