package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/transitlab/fleet-telemetry-go/internal/config"
	"github.com/transitlab/fleet-telemetry-go/internal/handler"
	"github.com/transitlab/fleet-telemetry-go/internal/middleware"
)

// Handlers groups the HTTP surface wired into the router.
type Handlers struct {
	Ingest   *handler.IngestHandler
	Location *handler.LocationHandler
	WS       *handler.WSHandler
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Fleet Telemetry API is running",
		})
	})

	// Real-time observer socket
	r.GET("/ws", h.WS.Serve)

	// API 路由组
	api := r.Group("/api/v1")
	{
		locations := api.Group("/locations")
		locations.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitWindow))
		if cfg.IngestSecret != "" {
			locations.Use(middleware.IngestAuth(cfg.IngestSecret))
		}
		{
			locations.POST("", h.Ingest.Ingest)
		}

		vehicles := api.Group("/vehicles")
		{
			vehicles.GET("/:vehicleNumber/location", h.Location.GetLastKnownLocation)
			vehicles.GET("/:vehicleNumber/history", h.Location.GetHistory)
		}
	}

	return r
}
