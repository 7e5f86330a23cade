package handler

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/gin-gonic/gin"
)

// Download handles GET /download/:filename
// Streams an artifact from the output directory with range support
func (h *JobHandler) Download(c *gin.Context) {
	name := c.Param("filename")

	a, err := h.artifacts.Open(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "file not found"})
			return
		}
		h.logger.Error("Failed to open artifact",
			slog.String("filename", name),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to open file"})
		return
	}
	defer a.Close()

	c.Header("Content-Type", a.ContentType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	http.ServeContent(c.Writer, c.Request, a.Name, a.ModTime, a.File)
}
