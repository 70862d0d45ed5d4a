package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/stockwatch/api/handler"
	"github.com/use-agent/stockwatch/api/middleware"
	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/config"
)

// NewRouter creates a configured Gin engine with all status routes and
// middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if keys configured) → RateLimit
//
// Health stays outside auth so monitoring probes always work.
func NewRouter(sched handler.Scheduler, results handler.Results, cat *catalog.Catalog, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Status.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	v1.GET("/health", handler.Health(sched, startTime))

	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	protected.GET("/locations", handler.Locations(cat))
	protected.GET("/results", handler.ListResults(results))
	protected.GET("/results/:location", handler.GetResult(cat, results))
	protected.POST("/run", handler.Run(sched))

	return r
}
