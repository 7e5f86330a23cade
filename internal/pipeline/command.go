package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
)

// outputTailBytes bounds how much of the pipeline's output is kept in memory
const outputTailBytes = 64 << 10

// CommandConfig describes the external pipeline program
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string

	// KillGrace is how long Wait keeps waiting for output pipes after the process was killed
	KillGrace time.Duration
}

// request is written to the pipeline's stdin
type request struct {
	TaskID    string        `json:"task_id"`
	InputPath string        `json:"input_path"`
	OutputDir string        `json:"output_dir"`
	Params    domain.Params `json:"params"`
}

// response is the last line the pipeline prints on stdout
type response struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	Error      string `json:"error"`
}

// CommandCollaborator runs the pipeline as a child process in its own process group.
// Abort sends SIGTERM to the group; canceling ctx sends SIGKILL.
type CommandCollaborator struct {
	config CommandConfig
	logger *slog.Logger
}

// NewCommandCollaborator creates a new CommandCollaborator
func NewCommandCollaborator(config CommandConfig, logger *slog.Logger) *CommandCollaborator {
	return &CommandCollaborator{
		config: config,
		logger: logger,
	}
}

func (c *CommandCollaborator) Run(ctx context.Context, inv Invocation) (Result, error) {
	payload, err := json.Marshal(request{
		TaskID:    inv.TaskID,
		InputPath: inv.InputPath,
		OutputDir: inv.OutputDir,
		Params:    inv.Params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode pipeline request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	cmd.Dir = c.config.WorkDir
	cmd.Env = append(os.Environ(), c.config.Env...)
	cmd.Env = append(cmd.Env, "DUBBING_TASK_ID="+inv.TaskID)
	cmd.Stdin = bytes.NewReader(payload)

	stdout := &tailBuffer{limit: outputTailBytes}
	stderr := &tailBuffer{limit: outputTailBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return killCommandProcess(cmd) }
	cmd.WaitDelay = c.config.KillGrace

	if err := cmd.Start(); err != nil {
		return Result{}, &domain.PipelineError{
			Reason: fmt.Sprintf("failed to start pipeline: %s", err),
			Err:    err,
		}
	}

	c.logger.Info("Pipeline started",
		slog.String("task_id", inv.TaskID),
		slog.Int("pid", cmd.Process.Pid),
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-inv.Abort:
			c.logger.Warn("Asking pipeline to stop",
				slog.String("task_id", inv.TaskID),
			)
			if err := terminateCommandProcess(cmd); err != nil {
				c.logger.Warn("Failed to signal pipeline",
					slog.String("task_id", inv.TaskID),
					slog.Any("error", err),
				)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	resp, parseErr := parseResponse(stdout.String())
	logs := stderr.String()

	if waitErr != nil {
		reason := resp.Error
		if reason == "" {
			reason = lastLine(logs)
		}
		if reason == "" {
			reason = waitErr.Error()
		}
		return Result{Logs: logs}, &domain.PipelineError{Reason: reason, Err: waitErr}
	}

	if parseErr != nil {
		return Result{Logs: logs}, &domain.PipelineError{Reason: parseErr.Error(), Err: parseErr}
	}
	// A pipeline that exits cleanly without an artifact handled its own failure
	if resp.OutputPath == "" {
		if resp.Error != "" {
			c.logger.Warn("Pipeline reported an error without output",
				slog.String("task_id", inv.TaskID),
				slog.String("status", resp.Status),
				slog.String("error", resp.Error),
			)
		}
		return Result{Status: resp.Status, Logs: logs}, domain.ErrNoOutput
	}

	outputPath := resp.OutputPath
	if !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(inv.OutputDir, outputPath)
	}

	return Result{
		OutputPath: outputPath,
		Status:     resp.Status,
		Logs:       logs,
	}, nil
}

// parseResponse decodes the last non-empty stdout line
func parseResponse(stdout string) (response, error) {
	var resp response
	line := lastLine(stdout)
	if line == "" {
		return resp, errors.New("pipeline printed no result")
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return resp, fmt.Errorf("invalid pipeline result: %s", line)
	}
	return resp, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tailBuffer keeps only the last limit bytes written to it
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
