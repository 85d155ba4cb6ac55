package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/webvault/listings/internal/platform/params"
)

// DefaultURLSyncRetryBudget is how many consecutive publish failures are
// tolerated before the owning store stops mirroring state into the URL.
const DefaultURLSyncRetryBudget = 3

const defaultBasePath = "/"

// URLSynchronizerDeps bundles collaborators for one session's URL mirror.
type URLSynchronizerDeps struct {
	BasePath    string
	History     HistoryPort
	RetryBudget int
}

// URLSynchronizer renders the canonical URL for a filter state and publishes
// it to the history port. Consecutive failures are counted; once they reach
// the retry budget, Disabled reports true and the owning store turns sync
// off for the rest of the session.
type URLSynchronizer struct {
	basePath string
	history  HistoryPort
	budget   int

	mu       sync.Mutex
	failures int
}

// NewURLSynchronizer constructs a synchronizer, falling back to an in-memory
// history port when none is supplied.
func NewURLSynchronizer(deps URLSynchronizerDeps) (*URLSynchronizer, error) {
	basePath := strings.TrimSpace(deps.BasePath)
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		return nil, errors.New("url synchronizer: base path must be absolute")
	}
	history := deps.History
	if history == nil {
		history = NewMemoryHistory()
	}
	budget := deps.RetryBudget
	if budget <= 0 {
		budget = DefaultURLSyncRetryBudget
	}

	return &URLSynchronizer{
		basePath: basePath,
		history:  history,
		budget:   budget,
	}, nil
}

// Render builds the canonical URL for a filter state without publishing it.
// Parameters matching the page config's defaults are omitted.
func (y *URLSynchronizer) Render(cfg PageConfig, filters FilterState) string {
	query := params.Encode(filters, cfg).Encode()
	if query == "" {
		return y.basePath
	}
	return y.basePath + "?" + query
}

// Publish renders and pushes the canonical URL to the history port. Success
// resets the consecutive failure count, failure grows it.
func (y *URLSynchronizer) Publish(cfg PageConfig, filters FilterState) (string, error) {
	rawURL := y.Render(cfg, filters)
	if err := y.history.Replace(context.Background(), rawURL); err != nil {
		y.mu.Lock()
		y.failures++
		y.mu.Unlock()
		return "", fmt.Errorf("url synchronizer: publish: %w", err)
	}

	y.mu.Lock()
	y.failures = 0
	y.mu.Unlock()
	return rawURL, nil
}

// Disabled reports whether consecutive failures spent the retry budget.
func (y *URLSynchronizer) Disabled() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.failures >= y.budget
}

// Current returns the last URL the history port accepted.
func (y *URLSynchronizer) Current() string {
	return y.history.Current()
}

// memoryHistory is the default history port. It remembers the most recent
// URL so snapshots can report the session's canonical address.
type memoryHistory struct {
	mu  sync.Mutex
	url string
}

// NewMemoryHistory returns a history port that records URLs in memory.
func NewMemoryHistory() HistoryPort {
	return &memoryHistory{}
}

func (h *memoryHistory) Replace(_ context.Context, rawURL string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url = rawURL
	return nil
}

func (h *memoryHistory) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}
