package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, out <-chan *Delivery) *Delivery {
	t.Helper()

	select {
	case d, ok := <-out:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery received")
		return nil
	}
}

func TestAsynq_PublishConsume(t *testing.T) {
	mr := miniredis.RunT(t)

	a := NewAsynq(asynq.RedisClientOpt{Addr: mr.Addr()}, AsynqConfig{
		Queue:           "dubbing",
		MaxRetry:        3,
		TaskTimeout:     time.Minute,
		Concurrency:     1,
		RetryDelay:      10 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, logger.NewDiscard())
	defer a.Close()

	desc := descriptor()
	require.NoError(t, a.Publish(context.Background(), desc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := a.Consume(ctx, "worker-1")
	require.NoError(t, err)

	first := receive(t, out)
	assert.Equal(t, desc.TaskID, first.Descriptor.TaskID)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(true))

	second := receive(t, out)
	assert.Equal(t, desc.TaskID, second.Descriptor.TaskID)
	assert.True(t, second.Redelivered)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Ack())

	require.NoError(t, a.Cancel("worker-1"))
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery channel not closed")
	}
}
