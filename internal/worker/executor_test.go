package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/pipeline"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/stretchr/testify/assert"
)

func newTestExecutor(fn pipeline.Func, soft, hard time.Duration) *Executor {
	return NewExecutor(fn, ExecutorConfig{
		SoftTimeout: soft,
		HardTimeout: hard,
		KillGrace:   50 * time.Millisecond,
	}, logger.NewDiscard())
}

func TestExecutor_Classification(t *testing.T) {
	tests := []struct {
		name       string
		fn         pipeline.Func
		wantState  domain.State
		wantReason string
		wantOutput string
	}{
		{
			name: "artifact produced",
			fn: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{OutputPath: "/data/output/.work/t/dubbed.mp4"}, nil
			},
			wantState:  domain.StateSuccess,
			wantOutput: "/data/output/.work/t/dubbed.mp4",
		},
		{
			name: "no output reported",
			fn: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{}, domain.ErrNoOutput
			},
			wantState:  domain.StateFailure,
			wantReason: domain.ReasonNoOutput,
		},
		{
			name: "finished without a path",
			fn: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{Status: "done"}, nil
			},
			wantState:  domain.StateFailure,
			wantReason: domain.ReasonNoOutput,
		},
		{
			name: "pipeline error kept verbatim",
			fn: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				return pipeline.Result{}, &domain.PipelineError{Reason: "Unsupported language pair: xx-yy"}
			},
			wantState:  domain.StateFailure,
			wantReason: "Unsupported language pair: xx-yy",
		},
		{
			name: "panic",
			fn: func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
				panic(errors.New("index out of range"))
			},
			wantState:  domain.StateFailure,
			wantReason: "index out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(tt.fn, time.Second, 2*time.Second)
			outcome := e.Execute(context.Background(), pipeline.Invocation{TaskID: "t"})

			assert.Equal(t, tt.wantState, outcome.State)
			assert.Equal(t, tt.wantReason, outcome.Reason)
			assert.Equal(t, tt.wantOutput, outcome.OutputPath)
			assert.False(t, outcome.Interrupted)
		})
	}
}

func TestExecutor_SoftTimeoutAsksToAbort(t *testing.T) {
	e := newTestExecutor(func(ctx context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
		select {
		case <-inv.Abort:
			return pipeline.Result{}, errors.New("aborted by request")
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	}, 30*time.Millisecond, 5*time.Second)

	start := time.Now()
	outcome := e.Execute(context.Background(), pipeline.Invocation{TaskID: "t"})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.StateFailure, outcome.State)
	assert.True(t, strings.HasPrefix(outcome.Reason, "soft timeout exceeded"), outcome.Reason)
	assert.Contains(t, outcome.Reason, "aborted by request")
}

func TestExecutor_SoftTimeoutIgnoredSucceeds(t *testing.T) {
	e := newTestExecutor(func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
		time.Sleep(60 * time.Millisecond)
		return pipeline.Result{OutputPath: "/tmp/out.mp4"}, nil
	}, 10*time.Millisecond, 5*time.Second)

	outcome := e.Execute(context.Background(), pipeline.Invocation{TaskID: "t"})
	assert.Equal(t, domain.StateSuccess, outcome.State)
}

func TestExecutor_HardTimeout(t *testing.T) {
	tests := []struct {
		name string
		fn   func(release <-chan struct{}) pipeline.Func
	}{
		{
			name: "pipeline honors cancellation",
			fn: func(<-chan struct{}) pipeline.Func {
				return func(ctx context.Context, _ pipeline.Invocation) (pipeline.Result, error) {
					<-ctx.Done()
					return pipeline.Result{}, ctx.Err()
				}
			},
		},
		{
			name: "pipeline ignores cancellation",
			fn: func(release <-chan struct{}) pipeline.Func {
				return func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
					<-release
					return pipeline.Result{OutputPath: "/tmp/late.mp4"}, nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)

			e := newTestExecutor(tt.fn(release), 20*time.Millisecond, 60*time.Millisecond)

			start := time.Now()
			outcome := e.Execute(context.Background(), pipeline.Invocation{TaskID: "t"})

			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, domain.StateFailure, outcome.State)
			assert.Equal(t, domain.ReasonHardTimeout, outcome.Reason)
		})
	}
}

func TestExecutor_Interrupted(t *testing.T) {
	e := newTestExecutor(func(ctx context.Context, _ pipeline.Invocation) (pipeline.Result, error) {
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	}, time.Second, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	outcome := e.Execute(ctx, pipeline.Invocation{TaskID: "t"})
	assert.True(t, outcome.Interrupted)
	assert.Empty(t, outcome.State)
}

func TestNewExecutor_Defaults(t *testing.T) {
	e := NewExecutor(pipeline.Func(nil), ExecutorConfig{}, logger.NewDiscard())
	assert.Equal(t, 3600*time.Second, e.config.HardTimeout)
	assert.Equal(t, 3300*time.Second, e.config.SoftTimeout)
	assert.Equal(t, 10*time.Second, e.config.KillGrace)
}
