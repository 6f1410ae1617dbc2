package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/data/db"
	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/handlers"
	"github.com/attentia/gazestore/internal/middleware"
	"github.com/attentia/gazestore/internal/observability"
	"github.com/attentia/gazestore/internal/platform/envutil"
	"github.com/attentia/gazestore/internal/platform/logger"
	"github.com/attentia/gazestore/internal/realtime/bus"
	"github.com/attentia/gazestore/internal/server"
	"github.com/attentia/gazestore/internal/services"
	"github.com/attentia/gazestore/internal/sse"
)

func main() {
	// Logger
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing (opt-in)
	shutdownOTel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "gazestore",
		Environment: envutil.Str("APP_ENV", "development"),
		Version:     envutil.Str("APP_VERSION", "dev"),
	})
	if shutdownOTel != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOTel(ctx)
		}()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	gdb := postgresService.DB()

	// Repos
	sessionRepo := sessions.NewSessionRepo(gdb, log)

	// Blob store: GCS when a bucket is configured, local disk otherwise.
	var blobs blobstore.Store
	if envutil.Str("GAZE_GCS_BUCKET_NAME", "") != "" {
		blobs, err = blobstore.NewGCS(log)
	} else {
		blobs, err = blobstore.NewLocal(log, envutil.Str("GAZE_STORE_ROOT", "./uploads/gaze"))
	}
	if err != nil {
		log.Error("Blob store init failed", "error", err)
		os.Exit(1)
	}

	// SSE hub + cross-replica bus
	hub := sse.NewHub(log)
	var notifier services.SnapshotNotifier = services.NewNoopNotifier()
	if envutil.Str("REDIS_ADDR", "") != "" {
		sseBus, busErr := bus.NewRedisBus(log)
		if busErr != nil {
			log.Error("Redis bus init failed", "error", busErr)
			os.Exit(1)
		}
		defer sseBus.Close()
		if err := sseBus.StartForwarder(context.Background(), hub.Broadcast); err != nil {
			log.Error("Redis forwarder start failed", "error", err)
			os.Exit(1)
		}
		notifier = services.NewBusNotifier(log, sseBus)
	}

	// Gaze estimator: Vision when configured, neutral metrics otherwise.
	var estimator services.GazeEstimator = services.NewNoopEstimator()
	if envutil.Bool("GAZE_ANALYZE_ENABLED", false) {
		estimator, err = services.NewVisionEstimator(log)
		if err != nil {
			log.Warn("Vision estimator init failed, snapshots get neutral metrics", "error", err)
			estimator = services.NewNoopEstimator()
		}
	}

	// Services
	commitService := services.NewCommitService(log, sessionRepo, blobs, estimator, notifier)
	linkingService := services.NewLinkingService(log, sessionRepo)

	// Handlers + middleware
	healthHandler := handlers.NewHealthHandler(gdb)
	gazeHandler := handlers.NewGazeHandler(log, commitService, linkingService, sessionRepo)
	sseHandler := handlers.NewSSEHandler(log, hub)
	authMiddleware := middleware.NewAuthMiddleware(log, sessionRepo)

	router := server.NewRouter(server.RouterConfig{
		HealthHandler:  healthHandler,
		GazeHandler:    gazeHandler,
		SSEHandler:     sseHandler,
		AuthMiddleware: authMiddleware,
	})

	port := envutil.Str("PORT", "8080")
	log.Info("server_listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("server_failed", "error", err)
		os.Exit(1)
	}
}
