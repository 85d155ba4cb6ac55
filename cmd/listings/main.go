package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/webvault/listings/internal/di"
	"github.com/webvault/listings/internal/handlers"
	"github.com/webvault/listings/internal/platform/config"
	pfirestore "github.com/webvault/listings/internal/platform/firestore"
	"github.com/webvault/listings/internal/platform/jobs"
	"github.com/webvault/listings/internal/platform/observability"
	"github.com/webvault/listings/internal/platform/resultcache"
	"github.com/webvault/listings/internal/platform/secrets"
	"github.com/webvault/listings/internal/repositories"
	firestoreRepo "github.com/webvault/listings/internal/repositories/firestore"
	"github.com/webvault/listings/internal/repositories/httpapi"
	"github.com/webvault/listings/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("listings")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, startedAt)

	registry, err := newContentRegistry(ctx, cfg, buildInfo)
	if err != nil {
		logger.Fatal("failed to initialise content source", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, logger)
	if err != nil {
		logger.Fatal("failed to assemble container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("content source close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup

	var invalidationPublisher *jobs.PubSubInvalidationPublisher
	var invalidationTopic *pubsub.Topic
	if cfg.Features.EnableInvalidationEvents {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		invalidationTopic = pubsubClient.Topic(cfg.PubSub.Topic)
		defer invalidationTopic.Stop()

		invalidationPublisher, err = jobs.NewPubSubInvalidationPublisher(invalidationTopic)
		if err != nil {
			logger.Fatal("failed to initialise invalidation publisher", zap.Error(err))
		}

		subscriber, err := jobs.NewInvalidationSubscriber(
			pubsubClient.Subscription(cfg.PubSub.Subscription),
			container.Services.Listings,
			jobs.WithSubscriberLogger(logger.Named("pubsub")),
		)
		if err != nil {
			logger.Fatal("failed to initialise invalidation subscriber", zap.Error(err))
		}
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			if err := subscriber.Run(cleanupCtx); err != nil {
				logger.Named("pubsub").Error("invalidation subscriber stopped", zap.Error(err))
			}
		}()
	}

	systemService, err := newSystemService(registry, fetcher, invalidationTopic, cfg.PubSub.Topic, container.Services.Sessions, container.Cache, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	sessionTicker := time.NewTicker(cfg.Sessions.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		sweepLogger := logger.Named("sessions")
		for {
			select {
			case <-sessionTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := container.Services.Sessions.CleanupExpired(runCtx, time.Now().UTC(), cfg.Sessions.CleanupBatchSize)
				cancel()
				if err != nil {
					sweepLogger.Error("session cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					sweepLogger.Info("session cleanup removed sessions", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	cacheTicker := time.NewTicker(cfg.Cache.SweepInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		sweepLogger := logger.Named("cache")
		for {
			select {
			case <-cacheTicker.C:
				if removed := container.Cache.CleanupExpired(time.Now().UTC(), cfg.Cache.SweepBatchSize); removed > 0 {
					sweepLogger.Info("cache sweep removed entries", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	sessionLimiter := handlers.NewFixedWindowLimiter(cfg.RateLimits.SessionsPerMinute, time.Minute, nil)
	sessionHandlers := handlers.NewSessionHandlers(container.Services.Sessions, sessionLimiter)
	listingHandlers := handlers.NewListingHandlers(container.Services.Listings)

	var internalOpts []handlers.InternalOption
	if invalidationPublisher != nil {
		internalOpts = append(internalOpts, handlers.WithInternalPublisher(invalidationPublisher))
	}
	internalHandlers := handlers.NewInternalHandlers(container.Services.Listings, internalOpts...)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSessionRoutes(sessionHandlers.Routes),
		handlers.WithListingRoutes(listingHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("webvault listings api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sessionTicker.Stop()
	cacheTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	version := lookup("LISTINGS_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := lookup("LISTINGS_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := lookup("LISTINGS_ENVIRONMENT")
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newContentRegistry selects the content source backend from configuration.
func newContentRegistry(ctx context.Context, cfg config.Config, build services.BuildInfo) (repositories.Registry, error) {
	switch cfg.ContentSource.Mode {
	case config.ContentSourceFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, fmt.Errorf("initialise firestore client: %w", err)
		}
		return firestoreRepo.NewRegistry(provider, firestoreRepo.WithMaxSubjectItems(cfg.ContentSource.MaxSubjectItems))
	case config.ContentSourceHTTP:
		return httpapi.NewRegistry(httpapi.ClientConfig{
			BaseURL:   cfg.ContentSource.BaseURL,
			APIKey:    cfg.ContentSource.APIToken,
			Timeout:   cfg.ContentSource.RequestTimeout,
			UserAgent: "webvault-listings/" + build.Version,
		})
	default:
		return nil, fmt.Errorf("unsupported content source mode %q", cfg.ContentSource.Mode)
	}
}

func newSystemService(reg repositories.Registry, fetcher *secrets.Fetcher, topic *pubsub.Topic, topicName string, sessions services.SessionService, cache *resultcache.Memory, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if reg != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "contentSource",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    reg.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topicName)
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Sessions:         sessions,
		Cache:            cache,
		Clock:            time.Now,
		Build:            build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.PubSub.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("LISTINGS_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("LISTINGS_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("LISTINGS_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("LISTINGS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("LISTINGS_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env != nil {
		if token := strings.TrimSpace(env["LISTINGS_CONTENT_SOURCE_API_TOKEN"]); token != "" {
			required = append(required, "ContentSource.APIToken")
		}
	}
	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["LISTINGS_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["LISTINGS_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
