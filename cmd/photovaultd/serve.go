package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/accountlock"
	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/config"
	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/generation/gemini"
	"github.com/MarkoPoloResearchLab/photovault/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/photovault/internal/httpapi"
	"github.com/MarkoPoloResearchLab/photovault/internal/identity"
	"github.com/MarkoPoloResearchLab/photovault/internal/metrics"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore/gcs"
	"github.com/MarkoPoloResearchLab/photovault/internal/objectstore/memory"
	"github.com/MarkoPoloResearchLab/photovault/internal/payment"
	"github.com/MarkoPoloResearchLab/photovault/internal/payment/stripeprovider"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagListenAddr            = "listen-addr"
	flagGRPCListenAddr        = "grpc-listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagPublicOrigin          = "public-origin"
	flagJWTSigningKey         = "jwt-signing-key"
	flagJWTIssuer             = "jwt-issuer"
	flagJWTCookieName         = "jwt-cookie-name"
	flagObjectSigningKey      = "object-signing-key"
	flagStorageBackend        = "storage-backend"
	flagGCSBucket             = "gcs-bucket"
	flagGCSCredentialsFile    = "gcs-credentials-file"
	flagSignedURLTTL          = "signed-url-ttl"
	flagMaxUploadBytes        = "max-upload-bytes"
	flagGeminiAPIKey          = "gemini-api-key"
	flagGeminiModel           = "gemini-model"
	flagGenerationTimeout     = "generation-timeout"
	flagGenerationMaxCount    = "generation-max-count"
	flagGenerationConcurrency = "generation-concurrency"
	flagStripeSecretKey       = "stripe-secret-key"
	flagStripeWebhookSecret   = "stripe-webhook-secret"
	flagRedisAddr             = "redis-addr"
	flagLockTTL               = "lock-ttl"
	flagCatalogPath           = "catalog"
	flagRecoveryAge           = "recovery-age"
	flagRecoveryInterval      = "recovery-interval"
)

func newServeCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address (default :9090)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagPublicOrigin, "", "origin used in checkout redirect URLs (default first allowed origin)")
	flags.String(flagJWTSigningKey, "", "HS256 session signing key (required)")
	flags.String(flagJWTIssuer, "", "expected session issuer (default tauth)")
	flags.String(flagJWTCookieName, "", "session cookie name (default app_session)")
	flags.String(flagObjectSigningKey, "", "key for memory-backend object links (derived from the jwt key when empty)")
	flags.String(flagStorageBackend, "", "object storage backend: memory or gcs")
	flags.String(flagGCSBucket, "", "GCS bucket for photos")
	flags.String(flagGCSCredentialsFile, "", "service account JSON used for GCS and URL signing")
	flags.Duration(flagSignedURLTTL, 0, "lifetime of signed photo URLs (default 24h)")
	flags.Int64(flagMaxUploadBytes, 0, "maximum source image size in bytes")
	flags.String(flagGeminiAPIKey, "", "Gemini API key (required)")
	flags.String(flagGeminiModel, "", "Gemini image model")
	flags.Duration(flagGenerationTimeout, 0, "per-image provider timeout (default 90s)")
	flags.Int(flagGenerationMaxCount, 0, "maximum images per request (default 20)")
	flags.Int(flagGenerationConcurrency, 0, "concurrent provider calls per request (default 10)")
	flags.String(flagStripeSecretKey, "", "Stripe secret key for checkout sessions")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	flags.String(flagRedisAddr, "", "Redis address for cross-instance account locks (in-process locks when empty)")
	flags.Duration(flagLockTTL, 0, "Redis account lock TTL (default 30s)")
	flags.String(flagCatalogPath, "", "TOML file overriding the theme catalog and price table")
	flags.Duration(flagRecoveryAge, 0, "age after which an open reservation is settled or refunded (default 15m)")
	flags.Duration(flagRecoveryInterval, 0, "interval between open reservation sweeps (default 5m)")

	return cmd
}

func loadServeConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.PublicOrigin = strings.TrimSpace(v.GetString(flagPublicOrigin))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.ObjectSigningKey = v.GetString(flagObjectSigningKey)
	cfg.StorageBackend = strings.TrimSpace(v.GetString(flagStorageBackend))
	cfg.GCSBucket = strings.TrimSpace(v.GetString(flagGCSBucket))
	cfg.GCSCredentialsFile = strings.TrimSpace(v.GetString(flagGCSCredentialsFile))
	cfg.SignedURLTTL = v.GetDuration(flagSignedURLTTL)
	cfg.MaxUploadBytes = v.GetInt64(flagMaxUploadBytes)
	cfg.GeminiAPIKey = strings.TrimSpace(v.GetString(flagGeminiAPIKey))
	cfg.GeminiModel = strings.TrimSpace(v.GetString(flagGeminiModel))
	cfg.GenerationTimeout = v.GetDuration(flagGenerationTimeout)
	cfg.GenerationMaxCount = v.GetInt(flagGenerationMaxCount)
	cfg.GenerationConcurrency = v.GetInt(flagGenerationConcurrency)
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.LockTTL = v.GetDuration(flagLockTTL)
	cfg.CatalogPath = strings.TrimSpace(v.GetString(flagCatalogPath))
	cfg.RecoveryAge = v.GetDuration(flagRecoveryAge)
	cfg.RecoveryInterval = v.GetDuration(flagRecoveryInterval)
	return cfg.Validate()
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, closeDB, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDB() }()
	if err := gormstore.Migrate(gormDB); err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	probes := []grpcserver.Probe{{Name: "database", Check: sqlDB.PingContext}}

	serviceMetrics := metrics.New()
	locker, closeLocker, lockProbe, err := openLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()
	if lockProbe != nil {
		probes = append(probes, *lockProbe)
	}

	ledgerService, err := ledger.NewService(gormstore.New(gormDB), func() int64 { return time.Now().UTC().Unix() },
		ledger.WithOperationLogger(metrics.NewOperationLogger(logger.Named("ledger"), serviceMetrics)),
		ledger.WithLocker(locker),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	objects, closeObjects, err := openObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeObjects()
	var objectLinks http.Handler
	if served, ok := objects.(http.Handler); ok {
		objectLinks = served
	}
	photoSets := gormstore.NewPhotoSetStore(gormDB)
	photoService, err := photos.NewService(objects, photoSets, logger.Named("photos"),
		photos.WithSignedURLTTL(cfg.SignedURLTTL),
		photos.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	if err != nil {
		return fmt.Errorf("photo service init: %w", err)
	}
	recorder, err := usage.NewRecorder(gormstore.NewUsageStore(gormDB), logger.Named("usage"), nil)
	if err != nil {
		return fmt.Errorf("usage recorder init: %w", err)
	}
	themes, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	imageProvider, err := gemini.New(ctx, gemini.Config{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	if err != nil {
		return err
	}
	orchestrator, err := generation.NewOrchestrator(generation.Config{
		MaxCount:    cfg.GenerationMaxCount,
		Concurrency: cfg.GenerationConcurrency,
		CallTimeout: cfg.GenerationTimeout,
	}, ledgerService, imageProvider, photoService, themes, recorder, logger.Named("generation"), generation.WithObserver(serviceMetrics))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}
	recovery, err := generation.NewRecovery(ledgerService, photoSets, logger.Named("recovery"), cfg.RecoveryAge)
	if err != nil {
		return fmt.Errorf("recovery init: %w", err)
	}

	stripeProvider, err := stripeprovider.New(stripeprovider.Config{SecretKey: cfg.StripeSecretKey, WebhookSecret: cfg.StripeWebhookSecret})
	if err != nil {
		return err
	}
	paymentHandler, err := payment.NewHandler(stripeProvider, gormstore.NewPaymentEventStore(gormDB), ledgerService, themes, logger.Named("payment"), payment.WithUsageRecorder(recorder), payment.WithBilling(stripeProvider))
	if err != nil {
		return fmt.Errorf("payment handler init: %w", err)
	}
	verifier, err := identity.NewVerifier(identity.Config{
		SigningKey: cfg.SessionSigningKey,
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}

	healthServer := grpcserver.New(logger.Named("grpc"), probes...)
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("photovault starting",
		zap.String("database_driver", driver),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.Bool("redis_locks", cfg.RedisAddr != ""),
		zap.Int("themes", len(themes.Themes())),
		zap.Int("plans", len(themes.Plans())),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return healthServer.Serve(groupCtx, listener)
	})
	group.Go(func() error {
		recovery.Run(groupCtx, cfg.RecoveryInterval)
		return nil
	})
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpapi.Config{
			ListenAddr:      cfg.ListenAddr,
			AllowedOrigins:  cfg.AllowedOrigins,
			PublicOrigin:    cfg.PublicOrigin,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxUploadBytes:  cfg.MaxUploadBytes,
		}, httpapi.Dependencies{
			Verifier:  verifier,
			Ledger:    ledgerService,
			Generator: orchestrator,
			Photos:    photoService,
			Usage:     recorder,
			Catalog:   themes,
			Payments:  paymentHandler,
			Webhooks:  serviceMetrics,
			Metrics:   serviceMetrics.Handler(),
			Objects:   objectLinks,
			Logger:    logger.Named("http"),
		})
	})
	return group.Wait()
}

func openLocker(cfg config.Config, logger *zap.Logger) (ledger.Locker, func(), *grpcserver.Probe, error) {
	if cfg.RedisAddr == "" {
		return accountlock.NewLocal(), func() {}, nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker, err := accountlock.NewRedis(client, cfg.LockTTL, 0, logger.Named("lock"))
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	probe := &grpcserver.Probe{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
	return locker, closeClient, probe, nil
}

func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (objectstore.Store, func(), error) {
	if cfg.StorageBackend == config.StorageGCS {
		store, err := gcs.New(ctx, gcs.Config{Bucket: cfg.GCSBucket, CredentialsFile: cfg.GCSCredentialsFile}, logger.Named("gcs"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		}, nil
	}
	logger.Warn("using in-memory object storage; photos are lost on restart")
	return memory.New(cfg.PublicOrigin+"/objects", cfg.ObjectLinkKey()), func() {}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}
