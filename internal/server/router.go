package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stridesense/gait-backend/internal/handlers"
	"github.com/stridesense/gait-backend/internal/middleware"
	"github.com/stridesense/gait-backend/internal/platform/envutil"
)

type RouterConfig struct {
	AuthMiddleware *middleware.AuthMiddleware
	UploadHandler  *handlers.UploadHandler
	RerunHandler   *handlers.RerunHandler
	FilesHandler   *handlers.FilesHandler
	JobsHandler    *handlers.JobsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	protected.POST("/upload", cfg.UploadHandler.Upload)
	protected.POST("/rerun", cfg.RerunHandler.Rerun)
	protected.GET("/files/:job_id", cfg.FilesHandler.ListFiles)
	protected.GET("/jobs", cfg.JobsHandler.GetJobs)

	return router
}

func allowedOrigins() []string {
	raw := envutil.Str("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5174")
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
