package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.serviceName,
	}
	code := http.StatusOK

	if len(h.healthChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.healthChecks))
	}
	for name, check := range h.healthChecks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	c.JSON(code, resp)
}
