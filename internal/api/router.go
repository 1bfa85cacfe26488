package api

import (
	"net/http"

	"transcription-palantir/internal/api/docs"
	"transcription-palantir/pkg/logger"
	"transcription-palantir/pkg/middleware"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// NewRouter assembles the gin engine: recovery, structured request logging,
// gzip compression, the versioned job/queue/system surface, health probes,
// a hand-rolled metrics endpoint, and the swagger UI.
func NewRouter(h *Handler, metrics *MetricsCollector) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinLogger())
	r.Use(middleware.CompressionMiddleware())

	r.GET("/health", h.HealthCheck)
	r.GET("/ready", h.Ready)
	r.GET("/health/detailed", h.HealthDetailed)
	r.GET("/metrics", metrics.Handler())

	r.GET("/documentation/json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(docs.SwaggerInfo.ReadDoc()))
	})
	r.GET("/documentation/ui/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.POST("", h.CreateJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.PATCH("/:id", h.UpdateJob)
		jobs.DELETE("/:id", h.DeleteJob)
		jobs.POST("/:id/retry", h.RetryJob)

		queueGroup := v1.Group("/queue")
		queueGroup.GET("/stats", h.QueueStats)
		queueGroup.POST("/clean-failed", h.CleanFailed)

		system := v1.Group("/system")
		system.POST("/reconcile", h.Reconcile)
	}

	return r
}
