package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/repositories"
)

const (
	// DefaultDebounceWindow delays filter-driven fetches so rapid changes
	// coalesce into a single request.
	DefaultDebounceWindow = 300 * time.Millisecond
	// DefaultRetryDelay is the base unit of the linear backoff between
	// failed attempts: attempt n waits n times this long.
	DefaultRetryDelay = time.Second
	// DefaultMaxRetries bounds consecutive attempts within one load chain.
	DefaultMaxRetries = 3
)

// FetchOrchestratorDeps bundles collaborators required to construct a fetch
// orchestrator for one session.
type FetchOrchestratorDeps struct {
	Listings repositories.ListingRepository
	Cache    *resultcache.Memory
	Observer LoadObserver
	// Filters returns the owning store's current filter state. It is called
	// once per dispatch so only the last state within a debounce window is
	// fetched.
	Filters        func() FilterState
	Config         PageConfig
	DebounceWindow time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// FetchOrchestrator serializes listing fetches for a single session. At most
// one fetch is in flight at a time; a dispatch that arrives while busy re-arms
// the debounce window after completion, so requests are delayed, never lost.
// Every schedule, immediate load, and close bumps a generation counter; timer
// and completion callbacks compare generations so superseded work is
// discarded without side effects.
type FetchOrchestrator struct {
	listings repositories.ListingRepository
	cache    *resultcache.Memory
	observer LoadObserver
	filters  func() FilterState
	config   PageConfig

	debounce   time.Duration
	retryDelay time.Duration
	maxRetries int
	clock      func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	generation uint64
	inFlight   bool
	rearm      bool
	timer      *time.Timer
	attempt    int
	subject    *domain.Subject
	closed     bool
}

// NewFetchOrchestrator constructs the load pipeline for one session.
func NewFetchOrchestrator(deps FetchOrchestratorDeps) (*FetchOrchestrator, error) {
	if deps.Listings == nil {
		return nil, errors.New("fetch orchestrator: listing repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("fetch orchestrator: result cache is required")
	}
	if deps.Observer == nil {
		return nil, errors.New("fetch orchestrator: observer is required")
	}
	if deps.Filters == nil {
		return nil, errors.New("fetch orchestrator: filters provider is required")
	}
	if deps.Config.Kind == "" || deps.Config.Slug == "" {
		return nil, errors.New("fetch orchestrator: page config is required")
	}

	debounce := deps.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	retryDelay := deps.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FetchOrchestrator{
		listings:   deps.Listings,
		cache:      deps.Cache,
		observer:   deps.Observer,
		filters:    deps.Filters,
		config:     deps.Config,
		debounce:   debounce,
		retryDelay: retryDelay,
		maxRetries: maxRetries,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Schedule queues a debounced load of the store's current filters. Calling
// it again within the window restarts the timer, so only the final state is
// fetched. Scheduling starts a fresh attempt chain.
func (o *FetchOrchestrator) Schedule() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.attempt = 0
	gen := o.supersedeLocked()
	o.armLocked(gen, o.debounce)
}

// LoadNow bypasses the debounce window and dispatches immediately. Pending
// debounced or retry work is superseded.
func (o *FetchOrchestrator) LoadNow() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.attempt = 0
	gen := o.supersedeLocked()
	o.mu.Unlock()
	o.dispatch(gen)
}

// InvalidateSubject drops the memoized subject and every cached page for it,
// so the next load goes back to the content source. It returns the number of
// cache entries removed.
func (o *FetchOrchestrator) InvalidateSubject() int {
	o.mu.Lock()
	o.subject = nil
	o.mu.Unlock()
	return o.cache.Delete(o.config.Kind, o.config.Slug)
}

// Close cancels pending timers and invalidates in-flight work. The
// orchestrator must not be used afterwards.
func (o *FetchOrchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	o.stopTimerLocked()
	o.mu.Unlock()
	o.cancel()
}

// supersedeLocked invalidates pending timers and outstanding completions and
// returns the new current generation.
func (o *FetchOrchestrator) supersedeLocked() uint64 {
	o.generation++
	o.stopTimerLocked()
	return o.generation
}

func (o *FetchOrchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *FetchOrchestrator) armLocked(gen uint64, delay time.Duration) {
	o.timer = time.AfterFunc(delay, func() {
		o.dispatch(gen)
	})
}

// dispatch starts a fetch for gen unless it has been superseded. When a fetch
// is already in flight the request is not dropped: the orchestrator re-arms a
// full debounce window as soon as the flight completes.
func (o *FetchOrchestrator) dispatch(gen uint64) {
	o.mu.Lock()
	if o.closed || gen != o.generation {
		o.mu.Unlock()
		return
	}
	if o.inFlight {
		o.rearm = true
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.attempt++
	attempt := o.attempt
	o.mu.Unlock()

	go o.run(gen, attempt)
}

func (o *FetchOrchestrator) run(gen uint64, attempt int) {
	filters := o.filters()
	kind, slug := o.config.Kind, o.config.Slug

	o.observer.LoadStarted()

	if cached, ok := o.cache.Get(kind, slug, filters); ok {
		o.logger(o.ctx, "fetch.cache_hit", map[string]any{
			"kind": string(kind),
			"slug": slug,
			"page": filters.Page,
		})
		o.succeed(gen, cached, domain.DataSourceCache, filters)
		return
	}

	result, err := o.load(o.ctx, filters)
	if err != nil {
		o.fail(gen, attempt, err)
		return
	}

	o.cache.Set(kind, slug, filters, result)
	o.logger(o.ctx, "fetch.succeeded", map[string]any{
		"kind":    string(kind),
		"slug":    slug,
		"page":    filters.Page,
		"total":   result.TotalCount,
		"attempt": attempt,
	})
	o.succeed(gen, result, domain.DataSourceAPI, filters)
}

// load resolves the subject (memoized for the life of the session) and
// fetches one listing page against the captured filters.
func (o *FetchOrchestrator) load(ctx context.Context, filters FilterState) (FetchResult, error) {
	subject, err := o.resolveSubject(ctx)
	if err != nil {
		return FetchResult{}, translateListingError(err)
	}
	query := repositories.QueryForSubject(o.config.Kind, o.config.Slug, filters)
	page, err := o.listings.FetchListing(ctx, query)
	if err != nil {
		return FetchResult{}, translateListingError(err)
	}
	return composeResult(subject, page, query), nil
}

func (o *FetchOrchestrator) resolveSubject(ctx context.Context) (domain.Subject, error) {
	o.mu.Lock()
	memo := o.subject
	o.mu.Unlock()
	if memo != nil {
		return *memo, nil
	}

	subject, err := o.listings.ResolveSubject(ctx, o.config.Kind, o.config.Slug)
	if err != nil {
		return domain.Subject{}, err
	}

	o.mu.Lock()
	o.subject = &subject
	o.mu.Unlock()
	return subject, nil
}

func (o *FetchOrchestrator) succeed(gen uint64, result FetchResult, source DataSource, filters FilterState) {
	o.mu.Lock()
	stale := o.closed || gen != o.generation
	o.inFlight = false
	if !stale {
		o.attempt = 0
	}
	o.rearmLocked()
	o.mu.Unlock()

	if stale {
		return
	}
	o.observer.LoadSucceeded(result, source, filters)
}

func (o *FetchOrchestrator) fail(gen uint64, attempt int, err error) {
	terminal := attempt >= o.maxRetries || errors.Is(err, ErrSubjectNotFound)

	o.mu.Lock()
	stale := o.closed || gen != o.generation
	o.inFlight = false
	if !stale && !terminal {
		// Linear backoff: attempt n waits n backoff units. The retry keeps
		// the current generation so any newer schedule supersedes it.
		o.armLocked(gen, o.retryDelay*time.Duration(attempt))
	}
	o.rearmLocked()
	o.mu.Unlock()

	if stale {
		return
	}

	event := "fetch.retry_scheduled"
	if terminal {
		event = "fetch.failed"
	}
	o.logger(o.ctx, event, map[string]any{
		"kind":    string(o.config.Kind),
		"slug":    o.config.Slug,
		"attempt": attempt,
		"error":   err.Error(),
	})
	o.observer.LoadFailed(err, attempt, terminal)
}

// rearmLocked re-arms the debounce window when dispatches arrived during the
// flight that just ended. The fresh generation supersedes any retry timer.
func (o *FetchOrchestrator) rearmLocked() {
	if !o.rearm || o.closed {
		return
	}
	o.rearm = false
	o.attempt = 0
	gen := o.supersedeLocked()
	o.armLocked(gen, o.debounce)
}

// composeResult assembles the store-facing payload from repository outputs.
func composeResult(subject domain.Subject, page repositories.ListingPage, query repositories.ListingQuery) domain.FetchResult {
	return domain.FetchResult{
		Subject:       subject,
		Items:         page.Items,
		TotalCount:    page.Total,
		Pagination:    repositories.PageInfoFor(query, page),
		FilterOptions: page.Facets,
		Breadcrumbs:   domain.BreadcrumbsFor(subject),
	}
}
