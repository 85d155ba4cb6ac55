package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/webvault/listings/internal/domain"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/platform/textutil"
	"github.com/webvault/listings/internal/repositories"
)

const (
	// DefaultSessionTTL expires sessions that have received no intents.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultMaxSessions caps the registry so an abusive client cannot pin
	// unbounded state in memory.
	DefaultMaxSessions = 10000
)

// SessionServiceDeps bundles collaborators required to construct the session service.
type SessionServiceDeps struct {
	Listings repositories.ListingRepository
	Cache    *resultcache.Memory
	// BasePath anchors canonical URLs, e.g. "/browse". Defaults to "/".
	BasePath string
	// HistoryFactory builds the history port for a new session. Defaults to
	// an in-memory port per session.
	HistoryFactory     func(sessionID string) HistoryPort
	DebounceWindow     time.Duration
	RetryDelay         time.Duration
	MaxRetries         int
	URLSyncRetryBudget int
	SessionTTL         time.Duration
	MaxSessions        int
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type sessionService struct {
	listings       repositories.ListingRepository
	cache          *resultcache.Memory
	basePath       string
	historyFactory func(string) HistoryPort
	debounce       time.Duration
	retryDelay     time.Duration
	maxRetries     int
	urlBudget      int
	ttl            time.Duration
	maxSessions    int
	clock          func() time.Time
	idGen          func() string
	logger         func(ctx context.Context, event string, fields map[string]any)

	mu       sync.Mutex
	sessions map[string]*browseSession
}

type browseSession struct {
	id         string
	store      *ViewStore
	orch       *FetchOrchestrator
	createdAt  time.Time
	lastActive time.Time
}

// NewSessionService constructs the registry of live browse sessions.
func NewSessionService(deps SessionServiceDeps) (SessionService, error) {
	if deps.Listings == nil {
		return nil, errors.New("session service: listing repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("session service: result cache is required")
	}

	historyFactory := deps.HistoryFactory
	if historyFactory == nil {
		historyFactory = func(string) HistoryPort {
			return NewMemoryHistory()
		}
	}
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	maxSessions := deps.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &sessionService{
		listings:       deps.Listings,
		cache:          deps.Cache,
		basePath:       deps.BasePath,
		historyFactory: historyFactory,
		debounce:       deps.DebounceWindow,
		retryDelay:     deps.RetryDelay,
		maxRetries:     maxRetries,
		urlBudget:      deps.URLSyncRetryBudget,
		ttl:            ttl,
		maxSessions:    maxSessions,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGen:    idGen,
		logger:   logger,
		sessions: make(map[string]*browseSession),
	}, nil
}

func (s *sessionService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (SessionSnapshot, error) {
	kind, err := domain.ParsePageKind(string(cmd.Kind))
	if err != nil {
		return SessionSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	slug := textutil.NormalizeToken(cmd.Slug)
	if slug == "" {
		return SessionSnapshot{}, fmt.Errorf("%w: slug is required", ErrInvalidSubject)
	}

	config := domain.NewPageConfig(kind, slug)
	store, err := NewViewStore(ViewStoreDeps{
		Config:     config,
		MaxRetries: s.maxRetries,
		Clock:      s.clock,
	})
	if err != nil {
		return SessionSnapshot{}, err
	}

	id := s.idGen()
	urlSync, err := NewURLSynchronizer(URLSynchronizerDeps{
		BasePath:    s.basePath,
		History:     s.historyFactory(id),
		RetryBudget: s.urlBudget,
	})
	if err != nil {
		return SessionSnapshot{}, err
	}
	orch, err := NewFetchOrchestrator(FetchOrchestratorDeps{
		Listings:       s.listings,
		Cache:          s.cache,
		Observer:       store,
		Filters:        store.currentFilters,
		Config:         config,
		DebounceWindow: s.debounce,
		RetryDelay:     s.retryDelay,
		MaxRetries:     s.maxRetries,
		Clock:          s.clock,
		Logger:         s.logger,
	})
	if err != nil {
		return SessionSnapshot{}, err
	}
	store.bind(orch, urlSync)

	now := s.clock()
	sess := &browseSession{
		id:         id,
		store:      store,
		orch:       orch,
		createdAt:  now,
		lastActive: now,
	}

	s.mu.Lock()
	if len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		orch.Close()
		return SessionSnapshot{}, ErrSessionRegistryFull
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	// Seeding goes through the same recovery path as browser navigation, so
	// a malformed initial query degrades to defaults instead of failing the
	// session. The first load dispatches immediately.
	rawQuery := strings.TrimPrefix(strings.TrimSpace(cmd.RawQuery), "?")
	if err := store.ApplyURL("?" + rawQuery); err != nil {
		s.logger(ctx, "session.seed_query_rejected", map[string]any{
			"session_id": id,
			"error":      err.Error(),
		})
		orch.LoadNow()
	}

	s.logger(ctx, "session.created", map[string]any{
		"session_id": id,
		"kind":       string(kind),
		"slug":       slug,
	})
	return s.snapshotOf(sess), nil
}

func (s *sessionService) GetSession(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return nil
	})
}

func (s *sessionService) SetSearch(ctx context.Context, sessionID string, text string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetSearch(text)
	})
}

func (s *sessionService) SetCategory(ctx context.Context, sessionID string, category string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetCategory(category)
	})
}

func (s *sessionService) SetTags(ctx context.Context, sessionID string, tags []string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetTags(tags)
	})
}

func (s *sessionService) AddTag(ctx context.Context, sessionID string, tag string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.AddTag(tag)
	})
}

func (s *sessionService) RemoveTag(ctx context.Context, sessionID string, tag string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.RemoveTag(tag)
	})
}

func (s *sessionService) SetSorting(ctx context.Context, sessionID string, field SortField, order SortOrder) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetSorting(field, order)
	})
}

func (s *sessionService) SetPage(ctx context.Context, sessionID string, page int) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetPage(page)
	})
}

func (s *sessionService) SetItemsPerPage(ctx context.Context, sessionID string, size int) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetItemsPerPage(size)
	})
}

func (s *sessionService) SetViewMode(ctx context.Context, sessionID string, mode ViewMode) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.SetViewMode(mode)
	})
}

func (s *sessionService) ClearFilters(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.ClearFilters()
	})
}

func (s *sessionService) RetryLoad(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.RetryLoad()
	})
}

func (s *sessionService) RefreshData(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.RefreshData()
	})
}

func (s *sessionService) ClearErrors(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.ClearErrors()
	})
}

func (s *sessionService) ApplyURL(ctx context.Context, sessionID string, rawURL string) (SessionSnapshot, error) {
	return s.withSession(sessionID, func(sess *browseSession) error {
		return sess.store.ApplyURL(rawURL)
	})
}

func (s *sessionService) DestroySession(ctx context.Context, sessionID string) error {
	id := strings.TrimSpace(sessionID)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	sess.orch.Close()
	s.logger(ctx, "session.destroyed", map[string]any{"session_id": id})
	return nil
}

// CleanupExpired destroys sessions idle past the TTL, oldest first, up to
// limit per sweep. It returns how many were removed.
func (s *sessionService) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if now.IsZero() {
		now = s.clock()
	}

	s.mu.Lock()
	expired := make([]*browseSession, 0)
	for _, sess := range s.sessions {
		if now.Sub(sess.lastActive) >= s.ttl {
			expired = append(expired, sess)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].lastActive.Before(expired[j].lastActive)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, sess := range expired {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.orch.Close()
	}
	if len(expired) > 0 {
		s.logger(ctx, "session.cleanup", map[string]any{"removed": len(expired)})
	}
	return len(expired), nil
}

func (s *sessionService) ActiveSessions(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// withSession runs fn against a live session, marking it active. The returned
// snapshot reflects the state immediately after the intent applied.
func (s *sessionService) withSession(sessionID string, fn func(*browseSession) error) (SessionSnapshot, error) {
	id := strings.TrimSpace(sessionID)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.lastActive = s.clock()
	}
	s.mu.Unlock()

	if !ok {
		return SessionSnapshot{}, ErrSessionNotFound
	}
	if err := fn(sess); err != nil {
		return SessionSnapshot{}, err
	}
	return s.snapshotOf(sess), nil
}

func (s *sessionService) snapshotOf(sess *browseSession) SessionSnapshot {
	snap := sess.store.Snapshot()
	snap.ID = sess.id

	s.mu.Lock()
	snap.CreatedAt = sess.createdAt
	snap.LastActiveAt = sess.lastActive
	s.mu.Unlock()
	return snap
}

var _ SessionService = (*sessionService)(nil)
