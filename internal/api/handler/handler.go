package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
)

// Enqueuer admits a job descriptor
type Enqueuer interface {
	Enqueue(ctx context.Context, desc domain.JobDescriptor) (string, error)
}

// StatusReader is the read side of the status store
type StatusReader interface {
	Get(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	List(ctx context.Context, filter status.Filter) (*status.Page, error)
}

// ArtifactStore stores uploads and serves artifacts
type ArtifactStore interface {
	SaveUpload(taskID, filename string, r io.Reader) (string, error)
	RemoveUpload(path string) error
	Open(name string) (*artifact.Artifact, error)
}

// HealthCheck reports whether one backend is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Queue     Enqueuer
	Store     StatusReader
	Artifacts ArtifactStore

	// Defaults fills every parameter the submission leaves out
	Defaults          domain.Params
	AllowedMediaTypes []string
	MaxUploadBytes    int64
	// PublicDownloadURL prefixes download links, e.g. https://dub.example.com; empty keeps them relative
	PublicDownloadURL string
	ServiceName       string
	HealthChecks      map[string]HealthCheck
}

// JobHandler handles submission, status and download requests
type JobHandler struct {
	logger            *slog.Logger
	queue             Enqueuer
	store             StatusReader
	artifacts         ArtifactStore
	defaults          domain.Params
	allowedMediaTypes map[string]struct{}
	maxUploadBytes    int64
	publicDownloadURL string
	serviceName       string
	healthChecks      map[string]HealthCheck
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	allowed := make(map[string]struct{}, len(deps.AllowedMediaTypes))
	for _, mt := range deps.AllowedMediaTypes {
		allowed[mt] = struct{}{}
	}

	return &JobHandler{
		logger:            deps.Logger,
		queue:             deps.Queue,
		store:             deps.Store,
		artifacts:         deps.Artifacts,
		defaults:          deps.Defaults,
		allowedMediaTypes: allowed,
		maxUploadBytes:    deps.MaxUploadBytes,
		publicDownloadURL: deps.PublicDownloadURL,
		serviceName:       deps.ServiceName,
		healthChecks:      deps.HealthChecks,
	}
}
