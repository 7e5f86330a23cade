package router

import (
	"github.com/cuongbtq/lumi-dubbing/internal/api/handler"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config holds router settings that are not handler dependencies
type Config struct {
	// SubmitRatePerSec limits job submissions across all clients; 0 disables the limit
	SubmitRatePerSec float64
	SubmitBurst      int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg Config) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", jobHandler.Health)

	submit := []gin.HandlerFunc{jobHandler.Translate}
	if cfg.SubmitRatePerSec > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), burst)
		submit = append([]gin.HandlerFunc{RateLimitMiddleware(limiter)}, submit...)
	}

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// POST /v1/translate - Submit a video for dubbing
		v1.POST("/translate", submit...)

		// GET /v1/tasks - List tasks with filtering and pagination
		v1.GET("/tasks", jobHandler.ListTasks)
	}

	// GET /status/:task_id - Task status
	r.GET("/status/:task_id", jobHandler.GetStatus)

	// GET /download/:filename - Dubbed video
	r.GET("/download/:filename", jobHandler.Download)

	return r
}
