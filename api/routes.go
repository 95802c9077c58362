package api

import (
	"fleetmirror/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *gin.Engine, pool *service.SessionPool, scheduler *service.BatchScheduler, ledger *service.Ledger, metrics *service.Metrics, wsHub *WebSocketHub) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API routes
	api := router.Group("/api")
	{
		// Session routes
		sessions := api.Group("/sessions")
		{
			sessions.GET("", func(c *gin.Context) {
				ListSessions(c, pool)
			})
			sessions.POST("", func(c *gin.Context) {
				StartSession(c, pool)
			})
			sessions.GET("/:serial", func(c *gin.Context) {
				GetSession(c, pool)
			})
			sessions.POST("/:serial/release", func(c *gin.Context) {
				ReleaseSession(c, pool)
			})
			sessions.DELETE("/:serial", func(c *gin.Context) {
				StopSession(c, pool)
			})
			sessions.GET("/:serial/events", func(c *gin.Context) {
				GetEvents(c, ledger)
			})
		}

		// Batch launches
		api.POST("/batches", func(c *gin.Context) {
			ScheduleBatch(c, scheduler)
		})

		// Pool admin
		poolGroup := api.Group("/pool")
		{
			poolGroup.GET("", func(c *gin.Context) {
				GetPoolSettings(c, pool)
			})
			poolGroup.PUT("", func(c *gin.Context) {
				UpdatePoolSettings(c, pool)
			})
		}

		// Quality tier table
		api.GET("/tiers", GetTiers)
	}

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	// WebSocket route
	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
