package api

import (
	"strings"
	"time"

	"github.com/andresuchdata/videodub/internal/api/handlers"
	"github.com/andresuchdata/videodub/internal/api/middleware"
	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Jobs        *jobs.Store
	Registry    *artifacts.Registry
	Resolver    handlers.Resolver
	Pipeline    handlers.Submitter
	Storage     handlers.BackendStatus
	Defaults    domain.JobOptions
	MaxUploadMB int
}

func NewRouter(services *Services, allowedOrigins []string) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	defaultOrigins := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	corsConfig := cors.Config{
		AllowOrigins:     defaultOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Download-Type", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		normalizedOrigins, allowAll := normalizeAllowedOrigins(allowedOrigins)
		if allowAll {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowOriginFunc = func(origin string) bool { return true }
		} else if len(normalizedOrigins) > 0 {
			corsConfig.AllowOrigins = normalizedOrigins
		}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	if services == nil {
		return router
	}

	if services.Storage != nil {
		metaHandler := handlers.NewMetaHandler(services.Storage, services.Defaults)
		router.GET("/health", metaHandler.Health)
		router.GET("/api/v1/options", metaHandler.Options)
	}

	apiGroup := router.Group("/api/v1")
	if services.Jobs != nil && services.Registry != nil {
		jobHandler := handlers.NewJobHandler(services.Jobs, services.Registry, services.Pipeline, services.Defaults, services.MaxUploadMB)
		apiGroup.POST("/upload", jobHandler.Upload)
		apiGroup.GET("/status/:id", jobHandler.Status)

		jobGroup := apiGroup.Group("/jobs")
		{
			jobGroup.GET("", jobHandler.List)
			jobGroup.DELETE("/:id", jobHandler.Delete)

			if services.Resolver != nil {
				downloadHandler := handlers.NewDownloadHandler(services.Jobs, services.Resolver, services.Registry)
				apiGroup.GET("/download/:id", downloadHandler.Download)
				jobGroup.GET("/:id/artifacts", downloadHandler.Artifacts)
				jobGroup.GET("/:id/artifacts/:kind", downloadHandler.Artifact)
			}
		}
	}

	return router
}

func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		parts := strings.Split(origin, ",")
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if trimmed == "*" {
				allowAll = true
				continue
			}
			parsed = append(parsed, trimmed)
		}
	}
	return parsed, allowAll
}
