package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

// sniffLen is how much of an upload is read to detect its media type
const sniffLen = 3072

// multipartOverhead is the body allowance for form fields and part headers
const multipartOverhead = 1 << 20

// Translate handles POST /v1/translate
// Stores the uploaded video and enqueues a dubbing job without waiting for it
func (h *JobHandler) Translate(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	// 1. Parse form fields; absent ones keep the defaults
	var req dto.TranslateRequest
	if err := c.ShouldBindWith(&req, binding.FormMultipart); err != nil {
		if isTooLarge(err) {
			h.tooLarge(c)
			return
		}
		h.logger.Warn("Invalid translate request", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid multipart form: " + err.Error()})
		return
	}

	fileHeader, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "video file is required"})
		return
	}
	if h.maxUploadBytes > 0 && fileHeader.Size > h.maxUploadBytes {
		h.tooLarge(c)
		return
	}

	params := req.Overrides().Apply(h.defaults)
	if err := params.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unreadable video file"})
		return
	}
	defer file.Close()

	// 2. Check the media type; generic declarations are sniffed from content
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		h.logger.Error("Failed to read uploaded file", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unreadable video file"})
		return
	}
	head = head[:n]
	if n == 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "video file is empty"})
		return
	}

	mediaType := declaredMediaType(fileHeader.Header.Get("Content-Type"))
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = declaredMediaType(artifact.DetectMediaType(head).String())
	}
	if _, ok := h.allowedMediaTypes[mediaType]; !ok {
		h.logger.Warn("Rejected upload media type",
			slog.String("filename", fileHeader.Filename),
			slog.String("media_type", mediaType),
		)
		c.JSON(http.StatusUnsupportedMediaType, dto.ErrorResponse{Error: "unsupported media type: " + mediaType})
		return
	}

	// 3. Persist the upload under a task-scoped name
	taskID := uuid.NewString()
	inputPath, err := h.artifacts.SaveUpload(taskID, fileHeader.Filename, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		if errors.Is(err, artifact.ErrTooLarge) || isTooLarge(err) {
			h.tooLarge(c)
			return
		}
		h.logger.Error("Failed to store upload",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to store upload"})
		return
	}

	// 4. Enqueue
	_, err = h.queue.Enqueue(c.Request.Context(), domain.JobDescriptor{
		TaskID:   taskID,
		InputRef: inputPath,
		Params:   params,
	})
	if err != nil {
		if rmErr := h.artifacts.RemoveUpload(inputPath); rmErr != nil {
			h.logger.Warn("Failed to remove upload of rejected job",
				slog.String("task_id", taskID),
				slog.Any("error", rmErr),
			)
		}

		if errors.Is(err, domain.ErrQueueUnavailable) {
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "task queue unavailable, job was not accepted"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "status store unavailable, job was not accepted"})
		return
	}

	h.logger.Info("Translate job accepted",
		slog.String("task_id", taskID),
		slog.String("filename", fileHeader.Filename),
		slog.String("media_type", mediaType),
		slog.String("source_lang", params.SourceLang),
		slog.String("target_lang", params.TargetLang),
	)

	c.JSON(http.StatusOK, dto.TranslateResponse{
		TaskID: taskID,
		Status: dto.StatusProcessing,
	})
}

func (h *JobHandler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "video file exceeds the upload size limit"})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// declaredMediaType strips parameters such as charset from a media type
func declaredMediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return v
	}
	return mt
}
