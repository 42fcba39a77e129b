package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"seclog.io/chain/internal/api"
	"seclog.io/chain/internal/api/handlers"
	"seclog.io/chain/internal/api/middleware"
	"seclog.io/chain/internal/config"
	"seclog.io/chain/internal/metrics"
)

// defaultAllowedOrigins applies when server.allowed_origins is empty.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig, m *metrics.Metrics) (*gin.Engine, error) {
	validator, err := middleware.NewOpenAPIValidator(api.BasePath)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), cors.New(buildCORSConfig(cfg)))
	router.NoRoute(middleware.NoRoute())

	// Health checks and scraping are unauthenticated.
	router.GET("/health/live", server.GetLiveness)
	router.GET("/health/ready", server.GetReadiness)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Permission runs before contract validation.
	guarded := func(permission string, h gin.HandlerFunc) []gin.HandlerFunc {
		return []gin.HandlerFunc{
			middleware.RequirePermission(permission, server.OnDenied),
			validator,
			middleware.ErrorHandler(),
			h,
		}
	}

	v1 := router.Group(api.BasePath)
	v1.Use(middleware.JWTAuth(jwtCfg, server.OnDenied))
	v1.POST("/security-events", guarded(middleware.PermissionEventsWrite, server.EnqueueSecurityEvent)...)

	admin := v1.Group("/admin/security-logs")
	admin.POST("/cleanup", guarded(middleware.PermissionLogsCleanup, server.TriggerLogCleanup)...)
	admin.GET("/verify", guarded(middleware.PermissionLogsRead, server.VerifyChain)...)
	admin.GET("/stats", guarded(middleware.PermissionLogsRead, server.GetChainStats)...)

	return router, nil
}

func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	wildcard := false
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, o)
		}
	}

	if wildcard && cfg.Server.UnsafeAllowAllOrigins {
		// Browsers reject credentials with a wildcard origin.
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	c.AllowOrigins = origins
	return c
}
