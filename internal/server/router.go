package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/attentia/gazestore/internal/handlers"
	"github.com/attentia/gazestore/internal/middleware"
	"github.com/attentia/gazestore/internal/platform/envutil"
)

type RouterConfig struct {
	HealthHandler  *handlers.HealthHandler
	GazeHandler    *handlers.GazeHandler
	SSEHandler     *handlers.SSEHandler
	AuthMiddleware *middleware.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("gazestore"))

	origins := strings.Split(envutil.Str("GAZE_CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.Check)

	api := router.Group("/api/gaze")

	// Guest surface: no account required. The screening flow starts, streams,
	// and submits against a session id it was handed at start.
	api.POST("/session/guest/start", cfg.GazeHandler.StartGuestSession)
	api.POST("/session/guest/submit", cfg.GazeHandler.SubmitGuest)

	guest := api.Group("/")
	guest.Use(cfg.AuthMiddleware.AllowGuestSession())
	guest.POST("/session/:id/snapshot", cfg.GazeHandler.UploadSnapshot)
	guest.POST("/session/:id/send-for-review", cfg.GazeHandler.SendForReview)
	guest.POST("/session/:id/end", cfg.GazeHandler.EndSession)

	// Clinical surface.
	protected := api.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	protected.POST("/session/start", cfg.GazeHandler.StartSession)
	protected.POST("/session/:id/bulk-save", cfg.GazeHandler.BulkSave)
	protected.PATCH("/session/:id/snapshot/:snapshotId/notes", cfg.GazeHandler.UpdateSnapshotNotes)
	protected.GET("/session/:id", cfg.GazeHandler.GetSession)
	protected.GET("/sessions/active", cfg.GazeHandler.ListActive)
	protected.GET("/sessions/pending", cfg.GazeHandler.ListPending)
	protected.GET("/sessions/reviewable", cfg.GazeHandler.ListReviewable)
	protected.POST("/relink", cfg.GazeHandler.RelinkGuestSessions)
	protected.GET("/stream/:id", cfg.SSEHandler.StreamSession)

	return router
}
