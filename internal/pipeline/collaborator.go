package pipeline

import (
	"context"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
)

// Invocation is one run of the dubbing pipeline
type Invocation struct {
	TaskID    string
	InputPath string
	OutputDir string
	Params    domain.Params

	// Abort is closed when the soft timeout fires; the pipeline should stop
	// as soon as it can. A canceled ctx means the run is being killed.
	Abort <-chan struct{}
}

// Result is what a finished pipeline run reports
type Result struct {
	OutputPath string
	Status     string
	Logs       string
}

// Collaborator runs the dubbing pipeline for one job.
// A run that finishes without an output must return domain.ErrNoOutput.
type Collaborator interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a plain function to the Collaborator interface
type Func func(ctx context.Context, inv Invocation) (Result, error)

func (f Func) Run(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}
