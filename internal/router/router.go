package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session      *handler.SessionHandler
	Verification *handler.VerificationHandler
	WS           *handler.WSHandler
	Monitor      *handler.MonitorHandler
	System       *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ipLimiter may be nil to disable the per-IP guard.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	ipLimiter *middleware.IPRateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(response.AccessLog(log))
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	guard := func(c *gin.Context) { c.Next() }
	if ipLimiter != nil {
		guard = ipLimiter.Middleware()
	}

	// ─── 1. API Group (JWT) ────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(guard, middleware.RequireJWT(auth), middleware.NoStore())
	{
		verification := api.Group("/verification")
		{
			verification.POST("", handlers.Verification.VerifyIdentity)
			verification.GET("/status", handlers.Verification.GetStatus)
		}

		sessions := api.Group("/sessions")
		{
			sessions.POST("", handlers.Session.StartSession)
			sessions.GET("/:session_id", handlers.Session.GetSession)
			sessions.PATCH("/:session_id", handlers.Session.UpdateSession)
			sessions.POST("/:session_id/answers", handlers.Session.SubmitAnswer)
			sessions.POST("/:session_id/answers/batch", handlers.Session.SubmitBatch)
			sessions.GET("/:session_id/progress", handlers.Session.GetProgress)

			// Staff only
			sessions.GET("/:session_id/security", middleware.RequireStaff(), handlers.Session.GetSecurityReport)
			sessions.PUT("/:session_id/responses/:question_id/grade", middleware.RequireStaff(), handlers.Session.GradeResponse)
		}

		// ─── 2. Staff Streams (SSE) ────────────────────────────────────
		staff := api.Group("", middleware.RequireStaff())
		{
			staff.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
			staff.GET("/exams/:exam_id/roster", handlers.Monitor.GetRoster)
			staff.GET("/system/metrics", handlers.System.SystemMetricsSSE)
		}
	}

	// ─── 3. WebSocket Group (token via header or ?token=) ──────────────
	ws := router.Group("/ws/v1")
	ws.Use(guard, middleware.RequireJWT(auth))
	{
		ws.GET("/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	return router
}
