package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/sourcescan/internal/api/handler"
	"github.com/timmy/sourcescan/internal/api/middleware"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/service"
)

// RouterDeps holds everything the HTTP layer needs.
type RouterDeps struct {
	Jobs   *service.JobService
	Health map[string]handler.Pinger
	Logger *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *RouterDeps, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.Health)
	jobHandler := handler.NewJobHandler(deps.Jobs, cfg.MaxUploadSize, deps.Logger)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequireOwner())
	{
		// Uploads
		v1.POST("/uploads/preview", jobHandler.Preview)

		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Status)
		v1.POST("/jobs/:id/cancel", jobHandler.Cancel)
		v1.POST("/jobs/:id/export", jobHandler.Export)
		v1.POST("/jobs/:id/recompute", jobHandler.Recompute)

		// Results
		v1.GET("/jobs/:id/results", jobHandler.Results)
		v1.GET("/jobs/:id/results.csv", jobHandler.Download)
	}

	return r
}
