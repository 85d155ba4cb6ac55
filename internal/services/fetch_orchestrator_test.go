package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/repositories"
)

type stubRepoError struct {
	msg         string
	notFound    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.msg }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubListingRepository struct {
	mu           sync.Mutex
	subject      domain.Subject
	subjectErr   error
	page         repositories.ListingPage
	fetchErr     error
	failures     int
	block        chan struct{}
	resolveCalls int
	fetchCalls   int
	queries      []repositories.ListingQuery
}

func newStubRepository(kind domain.PageKind, slug string) *stubListingRepository {
	return &stubListingRepository{
		subject: domain.Subject{
			Kind:      kind,
			Slug:      slug,
			Title:     "Design Tools",
			ItemCount: 2,
		},
		page: repositories.ListingPage{
			Items: []domain.ListingItem{
				{ID: "figma", Title: "Figma"},
				{ID: "penpot", Title: "Penpot"},
			},
			Total:      2,
			TotalPages: 1,
		},
	}
}

func (s *stubListingRepository) ResolveSubject(_ context.Context, kind domain.PageKind, slug string) (domain.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	if s.subjectErr != nil {
		return domain.Subject{}, s.subjectErr
	}
	return s.subject, nil
}

func (s *stubListingRepository) FetchListing(_ context.Context, query repositories.ListingQuery) (repositories.ListingPage, error) {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	s.queries = append(s.queries, query)
	if s.failures > 0 {
		s.failures--
		err := s.fetchErr
		if err == nil {
			err = &stubRepoError{msg: "stub: fetch failed", unavailable: true}
		}
		return repositories.ListingPage{}, err
	}
	return s.page, nil
}

func (s *stubListingRepository) counts() (resolved, fetched int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveCalls, s.fetchCalls
}

func (s *stubListingRepository) lastQuery() (repositories.ListingQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return repositories.ListingQuery{}, false
	}
	return s.queries[len(s.queries)-1], true
}

type observedFailure struct {
	err      error
	attempt  int
	terminal bool
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	succeeded []domain.DataSource
	filters   []domain.FilterState
	failures  []observedFailure
}

func (o *recordingObserver) LoadStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) LoadSucceeded(_ domain.FetchResult, source domain.DataSource, filters domain.FilterState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, source)
	o.filters = append(o.filters, filters)
}

func (o *recordingObserver) LoadFailed(err error, attempt int, terminal bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, observedFailure{err: err, attempt: attempt, terminal: terminal})
}

func (o *recordingObserver) successCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.succeeded)
}

func (o *recordingObserver) failureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failures)
}

func (o *recordingObserver) startedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

func (o *recordingObserver) lastFailure() (observedFailure, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.failures) == 0 {
		return observedFailure{}, false
	}
	return o.failures[len(o.failures)-1], true
}

func (o *recordingObserver) allFailures() []observedFailure {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]observedFailure, len(o.failures))
	copy(out, o.failures)
	return out
}

func (o *recordingObserver) sources() []domain.DataSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.DataSource, len(o.succeeded))
	copy(out, o.succeeded)
	return out
}

func (o *recordingObserver) filtersAt(i int) domain.FilterState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filters[i].Clone()
}

type filterBox struct {
	mu    sync.Mutex
	state domain.FilterState
}

func newFilterBox(cfg domain.PageConfig) *filterBox {
	return &filterBox{state: domain.DefaultFilters(cfg)}
}

func (b *filterBox) set(state domain.FilterState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *filterBox) get() domain.FilterState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

// waitFor polls until cond holds, failing the test at the deadline. Timer
// driven components cannot be observed synchronously.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, repo *stubListingRepository, obs *recordingObserver, box *filterBox, deps FetchOrchestratorDeps) (*FetchOrchestrator, *resultcache.Memory) {
	t.Helper()

	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	cache := deps.Cache
	if cache == nil {
		cache = resultcache.New(time.Minute)
	}
	deps.Listings = repo
	deps.Cache = cache
	deps.Observer = obs
	deps.Filters = box.get
	deps.Config = cfg
	if deps.DebounceWindow == 0 {
		deps.DebounceWindow = 10 * time.Millisecond
	}
	if deps.RetryDelay == 0 {
		deps.RetryDelay = 5 * time.Millisecond
	}

	orch, err := NewFetchOrchestrator(deps)
	if err != nil {
		t.Fatalf("NewFetchOrchestrator returned error: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, cache
}

func TestFetchOrchestratorRequiresDeps(t *testing.T) {
	_, err := NewFetchOrchestrator(FetchOrchestratorDeps{})
	if err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestFetchOrchestratorDebounceCoalesces(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	obs := &recordingObserver{}
	box := newFilterBox(cfg)
	orch, _ := newTestOrchestrator(t, repo, obs, box, FetchOrchestratorDeps{DebounceWindow: 20 * time.Millisecond})

	for _, term := range []string{"i", "ic", "icons"} {
		state := box.get()
		state.Search = term
		box.set(state)
		orch.Schedule()
	}

	waitFor(t, time.Second, "coalesced fetch", func() bool {
		return obs.successCount() == 1
	})

	_, fetched := repo.counts()
	if fetched != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetched)
	}
	query, ok := repo.lastQuery()
	if !ok || query.Search != "icons" {
		t.Fatalf("expected final search %q to be fetched, got %+v", "icons", query)
	}
}

func TestFetchOrchestratorLoadNowBypassesDebounce(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{DebounceWindow: time.Hour})

	orch.LoadNow()

	waitFor(t, time.Second, "immediate fetch", func() bool {
		return obs.successCount() == 1
	})
	if obs.sources()[0] != domain.DataSourceAPI {
		t.Fatalf("expected api source, got %s", obs.sources()[0])
	}
}

func TestFetchOrchestratorServesCacheHits(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	obs := &recordingObserver{}
	box := newFilterBox(cfg)
	cache := resultcache.New(time.Minute)
	cache.Set(cfg.Kind, cfg.Slug, box.get(), domain.FetchResult{
		Subject:    domain.Subject{Kind: cfg.Kind, Slug: cfg.Slug},
		TotalCount: 7,
	})
	orch, _ := newTestOrchestrator(t, repo, obs, box, FetchOrchestratorDeps{Cache: cache})

	orch.LoadNow()

	waitFor(t, time.Second, "cache hit", func() bool {
		return obs.successCount() == 1
	})
	if obs.sources()[0] != domain.DataSourceCache {
		t.Fatalf("expected cache source, got %s", obs.sources()[0])
	}
	resolved, fetched := repo.counts()
	if resolved != 0 || fetched != 0 {
		t.Fatalf("expected no repository calls on a cache hit, got resolve=%d fetch=%d", resolved, fetched)
	}
}

func TestFetchOrchestratorRetriesThenSucceeds(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.failures = 2
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{})

	orch.LoadNow()

	waitFor(t, time.Second, "success after retries", func() bool {
		return obs.successCount() == 1
	})

	if got := obs.failureCount(); got != 2 {
		t.Fatalf("expected 2 transient failures, got %d", got)
	}
	for i, failure := range obs.allFailures() {
		if failure.terminal {
			t.Fatalf("failure %d should not be terminal", i)
		}
		if failure.attempt != i+1 {
			t.Fatalf("expected attempt %d, got %d", i+1, failure.attempt)
		}
	}
	resolved, fetched := repo.counts()
	if fetched != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", fetched)
	}
	if resolved != 1 {
		t.Fatalf("expected the subject to be resolved once and memoized, got %d", resolved)
	}
}

func TestFetchOrchestratorStopsAtRetryBudget(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.failures = 99
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{MaxRetries: 2})

	orch.LoadNow()

	waitFor(t, time.Second, "terminal failure", func() bool {
		failure, ok := obs.lastFailure()
		return ok && failure.terminal
	})

	failure, _ := obs.lastFailure()
	if failure.attempt != 2 {
		t.Fatalf("expected terminal failure on attempt 2, got %d", failure.attempt)
	}
	if !errors.Is(failure.err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", failure.err)
	}

	time.Sleep(30 * time.Millisecond)
	_, fetched := repo.counts()
	if fetched != 2 {
		t.Fatalf("expected no fetches after exhaustion, got %d", fetched)
	}
}

func TestFetchOrchestratorNotFoundIsTerminal(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.subjectErr = &stubRepoError{msg: "stub: no such subject", notFound: true}
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{})

	orch.LoadNow()

	waitFor(t, time.Second, "terminal failure", func() bool {
		return obs.failureCount() == 1
	})

	failure, _ := obs.lastFailure()
	if !failure.terminal {
		t.Fatalf("missing subjects must not be retried")
	}
	if !errors.Is(failure.err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", failure.err)
	}
}

func TestFetchOrchestratorScheduleSupersedesRetry(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	repo.failures = 1
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{
		DebounceWindow: 5 * time.Millisecond,
		RetryDelay:     100 * time.Millisecond,
	})

	orch.LoadNow()
	waitFor(t, time.Second, "first failure", func() bool {
		return obs.failureCount() == 1
	})

	orch.Schedule()
	waitFor(t, time.Second, "superseding fetch", func() bool {
		return obs.successCount() == 1
	})

	// The pending retry was invalidated, so nothing fires after the backoff.
	time.Sleep(120 * time.Millisecond)
	_, fetched := repo.counts()
	if fetched != 2 {
		t.Fatalf("expected 2 fetches, got %d", fetched)
	}
}

func TestFetchOrchestratorRearmsWhileBusy(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	block := make(chan struct{})
	repo.block = block
	obs := &recordingObserver{}
	box := newFilterBox(cfg)
	orch, _ := newTestOrchestrator(t, repo, obs, box, FetchOrchestratorDeps{DebounceWindow: 5 * time.Millisecond})

	orch.LoadNow()
	waitFor(t, time.Second, "first fetch to start", func() bool {
		return obs.startedCount() == 1
	})

	state := box.get()
	state.Search = "icons"
	box.set(state)
	orch.Schedule()

	// Let the debounce timer fire against the busy orchestrator.
	time.Sleep(20 * time.Millisecond)
	repo.mu.Lock()
	repo.block = nil
	repo.mu.Unlock()
	close(block)

	waitFor(t, time.Second, "re-armed fetch", func() bool {
		return obs.successCount() == 1
	})

	query, _ := repo.lastQuery()
	if query.Search != "icons" {
		t.Fatalf("expected the re-armed fetch to use the newest filters, got %+v", query)
	}
	if obs.sources()[0] != domain.DataSourceAPI {
		t.Fatalf("expected api source, got %s", obs.sources()[0])
	}
	if filters := obs.filtersAt(0); filters.Search != "icons" {
		t.Fatalf("superseded result leaked through: %+v", filters)
	}
}

func TestFetchOrchestratorCloseCancelsPendingWork(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{DebounceWindow: 5 * time.Millisecond})

	orch.Schedule()
	orch.Close()

	time.Sleep(30 * time.Millisecond)
	if obs.startedCount() != 0 {
		t.Fatalf("expected no dispatch after close")
	}
	_, fetched := repo.counts()
	if fetched != 0 {
		t.Fatalf("expected no fetches after close, got %d", fetched)
	}
}

func TestFetchOrchestratorInvalidateSubject(t *testing.T) {
	cfg := domain.NewPageConfig(domain.PageKindCollection, "design-tools")
	repo := newStubRepository(cfg.Kind, cfg.Slug)
	obs := &recordingObserver{}
	orch, _ := newTestOrchestrator(t, repo, obs, newFilterBox(cfg), FetchOrchestratorDeps{})

	orch.LoadNow()
	waitFor(t, time.Second, "first fetch", func() bool {
		return obs.successCount() == 1
	})

	if removed := orch.InvalidateSubject(); removed != 1 {
		t.Fatalf("expected 1 cache entry removed, got %d", removed)
	}

	orch.LoadNow()
	waitFor(t, time.Second, "second fetch", func() bool {
		return obs.successCount() == 2
	})

	resolved, fetched := repo.counts()
	if fetched != 2 {
		t.Fatalf("expected the cache to be bypassed, got %d fetches", fetched)
	}
	if resolved != 2 {
		t.Fatalf("expected the memoized subject to be dropped, got %d resolves", resolved)
	}
	if obs.sources()[1] != domain.DataSourceAPI {
		t.Fatalf("expected api source after invalidation, got %s", obs.sources()[1])
	}
}
