package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GetStatus handles GET /status/:task_id
// Always answers with a status object; unknown ids are reported as "unknown" with 404
func (h *JobHandler) GetStatus(c *gin.Context) {
	taskID := c.Param("task_id")

	if _, err := uuid.Parse(taskID); err != nil {
		c.JSON(http.StatusNotFound, dto.StatusResponse{TaskID: taskID, Status: dto.StatusUnknown})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.StatusResponse{TaskID: taskID, Status: dto.StatusUnknown})
			return
		}
		h.logger.Error("Failed to get task status",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, dto.StatusResponse{
			TaskID: taskID,
			Status: dto.StatusUnknown,
			Error:  "status store unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, h.toStatusResponse(rec))
}

func (h *JobHandler) toStatusResponse(rec *domain.TaskRecord) dto.StatusResponse {
	resp := dto.StatusResponse{
		TaskID: rec.TaskID,
		Status: statusOf(rec.State),
	}
	switch rec.State {
	case domain.StateSuccess:
		resp.DownloadURL = h.downloadURL(rec.Artifact)
	case domain.StateFailure:
		resp.FailureReason = rec.FailureReason
	}
	return resp
}

// downloadURL points at the download endpoint by the artifact's base name
func (h *JobHandler) downloadURL(artifact string) string {
	return strings.TrimRight(h.publicDownloadURL, "/") + "/download/" + path.Base(artifact)
}

// statusOf maps a record state to its client-facing status
func statusOf(state domain.State) string {
	switch state {
	case domain.StatePending:
		return dto.StatusPending
	case domain.StateStarted:
		return dto.StatusStarted
	case domain.StateSuccess:
		return dto.StatusCompleted
	case domain.StateFailure:
		return dto.StatusFailed
	default:
		return dto.StatusUnknown
	}
}

// stateOf parses a status filter given either as client status or record state
func stateOf(v string) (domain.State, bool) {
	switch strings.ToLower(v) {
	case dto.StatusPending:
		return domain.StatePending, true
	case dto.StatusStarted:
		return domain.StateStarted, true
	case dto.StatusCompleted:
		return domain.StateSuccess, true
	case dto.StatusFailed:
		return domain.StateFailure, true
	}
	st := domain.State(strings.ToUpper(v))
	return st, st.Valid()
}

// ListTasks handles GET /v1/tasks
// Lists task records newest first with optional status filter and cursor pagination
func (h *JobHandler) ListTasks(c *gin.Context) {
	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	filter := status.Filter{PageSize: req.PageSize}
	if req.Status != "" {
		st, ok := stateOf(req.Status)
		if !ok {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown status: " + req.Status})
			return
		}
		filter.State = st
	}

	cursor, err := DecodeTaskCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid cursor"})
		return
	}
	filter.Cursor = cursor

	page, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list tasks", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "status store unavailable"})
		return
	}

	tasks := make([]dto.TaskDTO, len(page.Records))
	for i := range page.Records {
		tasks[i] = toTaskDTO(&page.Records[i])
	}

	var nextCursor string
	if page.NextCursor != nil {
		nextCursor = EncodeTaskCursor(page.NextCursor)
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks:      tasks,
		NextCursor: nextCursor,
	})
}

func toTaskDTO(rec *domain.TaskRecord) dto.TaskDTO {
	return dto.TaskDTO{
		TaskID:        rec.TaskID,
		Status:        statusOf(rec.State),
		State:         string(rec.State),
		Attempts:      rec.Attempts,
		WorkerID:      rec.WorkerID,
		Artifact:      rec.Artifact,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		StartedAt:     formatOptional(rec.StartedAt),
		FinishedAt:    formatOptional(rec.FinishedAt),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
