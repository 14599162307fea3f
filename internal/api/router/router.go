package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/vidflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "video-api-service",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	videoHandler := handler.NewVideoHandler(deps)

	v1 := r.Group("/api/v1")
	{
		videos := v1.Group("/videos")
		{
			// POST /api/v1/videos - Upload a video and queue its renditions
			videos.POST("", videoHandler.UploadVideo)

			// GET /api/v1/videos - List videos with filtering and pagination
			videos.GET("", videoHandler.ListVideos)

			// GET /api/v1/videos/:video_id - Get video details and finished qualities
			videos.GET("/:video_id", videoHandler.GetVideo)

			// PATCH /api/v1/videos/:video_id - Edit name, description or visibility
			videos.PATCH("/:video_id", videoHandler.UpdateVideo)
		}
	}

	return r
}
