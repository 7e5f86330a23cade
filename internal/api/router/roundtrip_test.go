package router

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/api/handler"
	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
	"github.com/cuongbtq/lumi-dubbing/internal/client"
	"github.com/cuongbtq/lumi-dubbing/internal/config"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/pipeline"
	"github.com/cuongbtq/lumi-dubbing/internal/queue"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/cuongbtq/lumi-dubbing/internal/worker"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_SubmitWaitDownload(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := status.NewRedisStore(rdb, "roundtrip", logger.NewDiscard())

	broker := queue.NewAsynq(asynq.RedisClientOpt{Addr: mr.Addr()}, queue.AsynqConfig{
		Queue:           "dubbing",
		MaxRetry:        2,
		TaskTimeout:     time.Minute,
		Concurrency:     1,
		RetryDelay:      10 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, logger.NewDiscard())
	t.Cleanup(func() { broker.Close() })

	root := t.TempDir()
	artifacts, err := artifact.NewStore(artifact.Config{
		InputDir:       filepath.Join(root, "input"),
		OutputDir:      filepath.Join(root, "output"),
		MaxUploadBytes: 1 << 20,
	}, logger.NewDiscard())
	require.NoError(t, err)

	// API side
	srv := httptest.NewServer(SetupRouter(&handler.Dependencies{
		Logger:            logger.NewDiscard(),
		Queue:             queue.NewQueue(broker, store, logger.NewDiscard()),
		Store:             store,
		Artifacts:         artifacts,
		Defaults:          domain.DefaultParams(),
		AllowedMediaTypes: config.DefaultMediaTypes,
		MaxUploadBytes:    1 << 20,
		ServiceName:       "dubbing-api",
	}, Config{}))
	t.Cleanup(srv.Close)

	// Worker side
	dubbed := []byte("dubbed video from zh to en")
	var (
		mu  sync.Mutex
		got []pipeline.Invocation
	)
	collaborator := pipeline.Func(func(_ context.Context, inv pipeline.Invocation) (pipeline.Result, error) {
		mu.Lock()
		got = append(got, inv)
		mu.Unlock()

		out := filepath.Join(inv.OutputDir, "dubbed.mp4")
		if err := os.WriteFile(out, dubbed, 0o644); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{OutputPath: out, Status: "done"}, nil
	})

	w := worker.NewWorker(&worker.Config{
		Logger:    logger.NewDiscard(),
		Consumer:  broker,
		Store:     store,
		Artifacts: artifacts,
		Executor: worker.NewExecutor(collaborator, worker.ExecutorConfig{
			SoftTimeout: 5 * time.Second,
			HardTimeout: 10 * time.Second,
			KillGrace:   time.Second,
		}, logger.NewDiscard()),
		WorkerID:          "roundtrip-worker",
		Concurrency:       1,
		HeartbeatInterval: time.Second,
		ShutdownTimeout:   time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-workerDone:
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})

	// Client side
	c, err := client.New(client.Config{
		BaseURL:      srv.URL,
		PollInterval: 20 * time.Millisecond,
		Logger:       logger.NewDiscard(),
	})
	require.NoError(t, err)

	video := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(video, append(ftypMP4, make([]byte, 512)...), 0o644))

	source, target := "zh", "en"
	taskID, err := c.Submit(ctx, video, client.SubmitOptions{SourceLang: &source, TargetLang: &target})
	require.NoError(t, err)

	waitCtx, stopWait := context.WithTimeout(ctx, 15*time.Second)
	defer stopWait()
	st, err := c.Wait(waitCtx, taskID, nil)
	require.NoError(t, err)
	assert.Equal(t, dto.StatusCompleted, st.Status)

	dst, err := c.Download(ctx, st, t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, dubbed, data)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, taskID, got[0].TaskID)
	assert.Equal(t, "zh", got[0].Params.SourceLang)
	assert.Equal(t, "en", got[0].Params.TargetLang)

	rec, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, rec.State)
	assert.Equal(t, "roundtrip-worker", rec.WorkerID)
}
