package di

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/webvault/listings/internal/platform/config"
	"github.com/webvault/listings/internal/platform/requestctx"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/repositories"
	"github.com/webvault/listings/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Sessions services.SessionService
	Listings services.ListingService
}

// Container wires the content-source registry, services, and the shared
// result cache for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Cache        *resultcache.Memory
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies
// the Firestore or HTTP registry, while tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, logger *zap.Logger) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// One cache shared by the session and one-shot read paths, so both serve
	// and warm the same entries and invalidation reaches them all.
	cache := resultcache.New(cfg.Cache.TTL)

	svc, err := buildServices(cfg, reg, cache, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Cache:        cache,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients and cached state.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, cache *resultcache.Memory, logger *zap.Logger) (Services, error) {
	var svc Services

	listingSvc, err := services.NewListingService(services.ListingServiceDeps{
		Listings: reg.Listings(),
		Cache:    cache,
		Logger:   eventLogger(logger.Named("listings")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build listing service: %w", err)
	}
	svc.Listings = listingSvc

	sessionSvc, err := services.NewSessionService(services.SessionServiceDeps{
		Listings:           reg.Listings(),
		Cache:              cache,
		BasePath:           cfg.Sync.BasePath,
		DebounceWindow:     cfg.Sync.DebounceWindow,
		RetryDelay:         cfg.Sync.RetryDelay,
		MaxRetries:         cfg.Sync.MaxRetries,
		URLSyncRetryBudget: cfg.Sync.URLSyncRetryBudget,
		SessionTTL:         cfg.Sessions.TTL,
		MaxSessions:        cfg.Sessions.MaxSessions,
		Logger:             eventLogger(logger.Named("sessions")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build session service: %w", err)
	}
	svc.Sessions = sessionSvc

	return svc, nil
}

// eventLogger adapts zap to the event closure the services accept. The
// request-scoped logger wins when present so entries keep their trace fields;
// background work (debounced fetches, cleanup sweeps) falls back to the
// component logger.
func eventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		log := requestctx.Logger(ctx)
		if log == requestctx.NoopLogger() {
			log = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		log.Info(event, zapFields...)
	}
}
