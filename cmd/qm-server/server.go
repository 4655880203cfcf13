package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/qualitytracker/internal/config"
	"github.com/ehr/qualitytracker/internal/domain/importer"
	"github.com/ehr/qualitytracker/internal/domain/tracker"
	"github.com/ehr/qualitytracker/internal/platform/auth"
	"github.com/ehr/qualitytracker/internal/platform/blobstore"
	"github.com/ehr/qualitytracker/internal/platform/db"
	"github.com/ehr/qualitytracker/internal/platform/events"
	"github.com/ehr/qualitytracker/internal/platform/middleware"
)

const version = "0.1.0"

// Requests under this prefix run without the request timeout.
const executePrefix = "/api/v1/imports/previews/"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadRegistry returns the built-in systems plus any found in SYSTEMS_DIR.
// Files override built-ins with the same ID.
func loadRegistry(cfg *config.Config, logger zerolog.Logger) (*importer.Registry, error) {
	registry := importer.DefaultRegistry()
	if cfg.SystemsDir != "" {
		configs, err := importer.LoadSystemConfigs(cfg.SystemsDir)
		if err != nil {
			return nil, err
		}
		for _, sc := range configs {
			if err := registry.Register(sc); err != nil {
				return nil, err
			}
			logger.Info().Str("system_id", sc.ID).Msg("loaded system config")
		}
	}
	if _, err := registry.Get(cfg.DefaultSystem); err != nil {
		return nil, fmt.Errorf("DEFAULT_SYSTEM: %w", err)
	}
	return registry, nil
}

// newArchive returns the S3 archive when a bucket is configured and an
// in-memory one otherwise.
func newArchive(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.ArchiveBucket == "" {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	return blobstore.NewS3BlobStoreFromEnv(ctx, cfg.ArchiveBucket, cfg.ArchiveEndpoint)
}

// newPublisher returns a publisher for every configured sink: Kafka, a
// webhook, both or neither.
func newPublisher(cfg *config.Config) (events.Publisher, error) {
	var sinks events.MultiPublisher
	if cfg.KafkaBrokers != "" {
		sinks = append(sinks, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.WebhookURL != "" {
		hook, err := events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	switch len(sinks) {
	case 0:
		return events.NopPublisher{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// routes are the domain handlers mounted under /api/v1.
type routes struct {
	importer *importer.Handler
	tracker  *tracker.Handler
	dbHealth echo.HandlerFunc
}

func newEcho(cfg *config.Config, logger zerolog.Logger, r routes) (*echo.Echo, error) {
	maxUpload, err := middleware.ParseSize(cfg.ImportMaxUpload)
	if err != nil {
		return nil, fmt.Errorf("IMPORT_MAX_UPLOAD: %w", err)
	}
	r.importer.SetMaxUpload(maxUpload)
	r.importer.SetDefaultSystem(cfg.DefaultSystem)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.ImportMaxUpload))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, executePrefix))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.Audit(logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if r.dbHealth != nil {
		e.GET("/health/db", r.dbHealth)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	r.importer.RegisterRoutes(apiV1)
	r.tracker.RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	registry, err := loadRegistry(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load system configs")
	}

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create upload archive")
	}
	publisher, err := newPublisher(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event publisher")
	}
	defer publisher.Close()

	previews := importer.NewInMemoryPreviewStore(cfg.ImportPreviewTTL)
	defer previews.Stop()

	importSvc := importer.NewService(registry, importer.NewRecordRepoPG(pool), previews, logger)
	importSvc.SetArchive(archive)
	importSvc.SetPublisher(publisher)
	previews.OnExpire(importSvc.HandleExpired)

	trackerSvc := tracker.NewService(tracker.NewMeasureRepoPG(pool))

	e, err := newEcho(cfg, logger, routes{
		importer: importer.NewHandler(importSvc),
		tracker:  tracker.NewHandler(trackerSvc),
		dbHealth: db.HealthHandler(pool),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
