package dto

import "github.com/cuongbtq/lumi-dubbing/internal/domain"

// Status values reported to clients
const (
	StatusProcessing = "processing"
	StatusPending    = "pending"
	StatusStarted    = "started"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"
)

// IsTerminal reports whether a client-facing status never changes again
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// TranslateRequest holds the optional form fields of POST /v1/translate.
// Absent fields keep the configured defaults.
type TranslateRequest struct {
	SourceLang       *string `form:"source_lang"`
	TargetLang       *string `form:"target_lang"`
	WhisperModel     *string `form:"whisper_model"`
	TTSMethod        *string `form:"tts_method"`
	Voice            *string `form:"voice"`
	Diarization      *bool   `form:"diarization"`
	Subtitles        *bool   `form:"subtitles"`
	TargetResolution *string `form:"target_resolution"`
}

// Overrides converts the form into parameter overrides
func (r TranslateRequest) Overrides() domain.ParamOverrides {
	return domain.ParamOverrides{
		SourceLang:       r.SourceLang,
		TargetLang:       r.TargetLang,
		WhisperModel:     r.WhisperModel,
		TTSMethod:        r.TTSMethod,
		Voice:            r.Voice,
		Diarization:      r.Diarization,
		Subtitles:        r.Subtitles,
		TargetResolution: r.TargetResolution,
	}
}

type TranslateResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type StatusResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	DownloadURL   string `json:"download_url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

type ListTasksRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTasksResponse struct {
	Tasks      []TaskDTO `json:"tasks"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type TaskDTO struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	WorkerID      string `json:"worker_id,omitempty"`
	Artifact      string `json:"artifact,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	StartedAt     string `json:"started_at,omitempty"`
	FinishedAt    string `json:"finished_at,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}
