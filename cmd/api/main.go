package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/orderflow/api/internal/catalog"
	"github.com/orderflow/api/internal/di"
	"github.com/orderflow/api/internal/handlers"
	"github.com/orderflow/api/internal/payments"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/config"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/platform/idempotency"
	"github.com/orderflow/api/internal/platform/jobs"
	"github.com/orderflow/api/internal/platform/observability"
	"github.com/orderflow/api/internal/platform/secrets"
	firestoreRepo "github.com/orderflow/api/internal/repositories/firestore"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        eventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	var catalogClient *catalog.Client
	if cfg.Catalog.BaseURL != "" {
		catalogClient, err = catalog.NewClient(catalog.Config{
			BaseURL:      cfg.Catalog.BaseURL,
			APIToken:     cfg.Catalog.APIToken,
			Timeout:      cfg.Catalog.Timeout,
			MaxRetries:   cfg.Catalog.MaxRetries,
			RetryBackoff: cfg.Catalog.RetryBackoff,
			Logger:       eventLogger(logger.Named("catalog")),
		})
		if err != nil {
			logger.Fatal("failed to initialise catalog client", zap.Error(err))
		}
	} else {
		logger.Warn("catalog base url not configured, stock confirmation disabled")
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	eventsTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	reconciliationTopic := pubsubClient.Topic(cfg.PubSub.ReconciliationTopic)
	defer eventsTopic.Stop()
	defer reconciliationTopic.Stop()

	publisher, err := jobs.NewPubSubPublisher(eventsTopic, reconciliationTopic)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Infrastructure{
		Orders:  orderRepo,
		Gateway: gateway,
		Catalog: catalogClient,
		Events:  publisher,
		Jobs:    publisher,
		Logger:  logger.Named("services"),
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMW := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go runIdempotencyCleanup(cleanupCtx, logger, idempotencyStore, cfg.Idempotency)

	orderHandlers := handlers.NewOrderHandlers(
		authenticator,
		container.Services.Orders,
		container.Services.Checkout,
		container.Services.Reconcile,
	).WithIdempotency(idempotencyMW)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, container.Services.Orders)
	webhookHandlers := handlers.NewWebhookHandlers(gateway, container.Services.Reconcile)

	health := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_, err := firestoreClient.Collections(probeCtx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
			handlers.RateLimit(cfg.RateLimits.DefaultPerMinute, time.Minute),
		),
		handlers.WithWebhookMiddlewares(
			handlers.RateLimit(cfg.RateLimits.WebhookBurst, time.Minute),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		stopCleanup()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			_ = server.Close()
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired(ctx, time.Now().UTC(), cfg.CleanupBatchSize)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records expired", zap.Int("removed", removed))
			}
		}
	}
}

func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
