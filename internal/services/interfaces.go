package services

import (
	"context"
	"net/url"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/params"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	PageKind      = domain.PageKind
	SortField     = domain.SortField
	SortOrder     = domain.SortOrder
	ViewMode      = domain.ViewMode
	DataSource    = domain.DataSource
	Phase         = domain.Phase
	FilterState   = domain.FilterState
	PageConfig    = domain.PageConfig
	FetchResult   = domain.FetchResult
	ListingItem   = domain.ListingItem
	Subject       = domain.Subject
	PageInfo      = domain.PageInfo
	FacetCount    = domain.FacetCount
	FilterOptions = domain.FilterOptions
	Breadcrumb    = domain.Breadcrumb
	SyncMeta      = domain.SyncMeta
	LoadingFlags  = domain.LoadingFlags
	ErrorFlags    = domain.ErrorFlags
)

// SessionService owns the registry of live browse sessions. Every filter
// intent is routed through it to the session's store, which debounces and
// dispatches the resulting fetches.
type SessionService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (SessionSnapshot, error)
	GetSession(ctx context.Context, sessionID string) (SessionSnapshot, error)
	SetSearch(ctx context.Context, sessionID string, text string) (SessionSnapshot, error)
	SetCategory(ctx context.Context, sessionID string, category string) (SessionSnapshot, error)
	SetTags(ctx context.Context, sessionID string, tags []string) (SessionSnapshot, error)
	AddTag(ctx context.Context, sessionID string, tag string) (SessionSnapshot, error)
	RemoveTag(ctx context.Context, sessionID string, tag string) (SessionSnapshot, error)
	SetSorting(ctx context.Context, sessionID string, field SortField, order SortOrder) (SessionSnapshot, error)
	SetPage(ctx context.Context, sessionID string, page int) (SessionSnapshot, error)
	SetItemsPerPage(ctx context.Context, sessionID string, size int) (SessionSnapshot, error)
	SetViewMode(ctx context.Context, sessionID string, mode ViewMode) (SessionSnapshot, error)
	ClearFilters(ctx context.Context, sessionID string) (SessionSnapshot, error)
	RetryLoad(ctx context.Context, sessionID string) (SessionSnapshot, error)
	RefreshData(ctx context.Context, sessionID string) (SessionSnapshot, error)
	ClearErrors(ctx context.Context, sessionID string) (SessionSnapshot, error)
	ApplyURL(ctx context.Context, sessionID string, rawURL string) (SessionSnapshot, error)
	DestroySession(ctx context.Context, sessionID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
	ActiveSessions(ctx context.Context) int
}

// ListingService serves one-shot listing reads that bypass session state,
// and owns cache invalidation for content changes.
type ListingService interface {
	Browse(ctx context.Context, cmd BrowseCommand) (BrowseResult, error)
	Invalidate(ctx context.Context, kind PageKind, slug string) (int, error)
}

// SystemService aggregates utility endpoints (health checks, runtime counters).
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// HistoryPort receives canonical URLs produced by store-to-URL synchronization.
// The default implementation records them in memory; embedders can plug in a
// port that forwards them to a client channel.
type HistoryPort interface {
	Replace(ctx context.Context, rawURL string) error
	Current() string
}

// LoadObserver receives fetch lifecycle callbacks from the orchestrator.
// The view store implements it to fold loading, data, and error transitions
// into its state.
type LoadObserver interface {
	LoadStarted()
	LoadSucceeded(result FetchResult, source DataSource, filters FilterState)
	LoadFailed(err error, attempt int, terminal bool)
}

// Command and DTO definitions ------------------------------------------------

type CreateSessionCommand struct {
	Kind PageKind
	Slug string
	// RawQuery optionally seeds the session's filters from a query string,
	// e.g. "q=icons&page=2". Invalid parameters are recovered, not rejected.
	RawQuery string
}

// SessionSnapshot is a point-in-time copy of one session's full view state.
type SessionSnapshot struct {
	ID           string
	Config       PageConfig
	Filters      FilterState
	Data         *FetchResult
	Loading      LoadingFlags
	Errors       ErrorFlags
	Meta         SyncMeta
	CanRetry     bool
	Phase        Phase
	URL          string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type BrowseCommand struct {
	Kind  PageKind
	Slug  string
	Query url.Values
}

// BrowseResult carries the fetched page plus the filters actually applied
// after recovery, so callers can see how their query was interpreted.
type BrowseResult struct {
	Filters FilterState
	Issues  []params.Issue
	Result  FetchResult
	Source  DataSource
}
