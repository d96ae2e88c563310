package http

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"verse-sync/internal/auth"
	"verse-sync/internal/config"
	"verse-sync/internal/handlers"
	"verse-sync/internal/logging"
	"verse-sync/internal/middleware"
)

type Options struct {
	Issuer  *auth.Issuer
	Limiter *middleware.RateLimiter
	Logger  *logging.Logger
}

func NewRouter(cfg config.Config, h *handlers.SyncHandler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.DevUserHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{"Retry-After", middleware.RequestIDHeader},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	base := strings.TrimRight(cfg.BasePath, "/")
	if base == "" {
		base = config.DefaultBasePath
	}
	r.POST(base+"/auth/refresh", h.Refresh)

	v1 := r.Group(base)
	v1.Use(middleware.Auth(opts.Issuer))
	{
		// Only sync batches count against the per-user quota.
		v1.POST("/sync", middleware.RateLimit(opts.Limiter), h.Sync)
		v1.GET("/cursors", h.Cursors)
	}
	return r
}
