package resultcache

import (
	"strings"
	"sync"
	"time"

	domain "github.com/webvault/listings/internal/domain"
)

// DefaultTTL bounds entry lifetime when the caller does not configure one.
const DefaultTTL = 5 * time.Minute

// Memory is the process-wide listing result cache shared by every browse
// session. Entries are keyed by kind, slug, and the filter fingerprint;
// expiry is checked lazily on lookup, so no background sweep is required for
// correctness. Writes are last-write-wins.
type Memory struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	result     domain.FetchResult
	insertedAt time.Time
}

// Option customises cache construction.
type Option func(*Memory)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs an empty cache with the provided TTL.
func New(ttl time.Duration, opts ...Option) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the cached result for the exact kind, slug, and filter state.
// Entries older than the TTL are evicted and reported as absent.
func (m *Memory) Get(kind domain.PageKind, slug string, filters domain.FilterState) (domain.FetchResult, bool) {
	if m == nil {
		return domain.FetchResult{}, false
	}
	key := Key(kind, slug, filters)
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[key]
	if !ok {
		return domain.FetchResult{}, false
	}
	if now.Sub(stored.insertedAt) >= m.ttl {
		delete(m.entries, key)
		return domain.FetchResult{}, false
	}
	return stored.result.Clone(), true
}

// Set stores the result for the given subject and filter state, replacing
// any previous entry for the same key.
func (m *Memory) Set(kind domain.PageKind, slug string, filters domain.FilterState, result domain.FetchResult) {
	if m == nil {
		return
	}
	key := Key(kind, slug, filters)
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{result: result.Clone(), insertedAt: now}
}

// Delete drops every filter variant cached for the subject and returns the
// number of removed entries. Manual refresh and invalidation events use it;
// nothing relies on it for correctness.
func (m *Memory) Delete(kind domain.PageKind, slug string) int {
	if m == nil {
		return 0
	}
	prefix := subjectPrefix(kind, slug)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (m *Memory) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}

// Len reports the number of live entries, counting expired ones that have
// not been touched since they lapsed.
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CleanupExpired removes up to limit expired entries and reports how many
// were dropped. The main loop runs it on a ticker to bound memory between
// lookups.
func (m *Memory) CleanupExpired(now time.Time, limit int) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}

	removed := 0
	for key, stored := range m.entries {
		if now.Sub(stored.insertedAt) < m.ttl {
			continue
		}
		delete(m.entries, key)
		removed++
		if removed >= limit {
			break
		}
	}
	return removed
}

// Key renders the cache key for a subject and filter state. Structurally
// equal filter states always map to the same key.
func Key(kind domain.PageKind, slug string, filters domain.FilterState) string {
	return subjectPrefix(kind, slug) + filters.Fingerprint()
}

func subjectPrefix(kind domain.PageKind, slug string) string {
	return string(kind) + ":" + strings.TrimSpace(slug) + ":"
}
