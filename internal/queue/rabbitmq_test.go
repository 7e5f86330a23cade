package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcknowledger records how deliveries were settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type fakeAMQP struct {
	messages   chan amqp.Delivery
	published  [][]byte
	prefetch   int
	publishErr error
}

func (f *fakeAMQP) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakeAMQP) Qos(prefetchCount int) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeAMQP) Consume(string, bool) (<-chan amqp.Delivery, error) {
	return f.messages, nil
}

func (f *fakeAMQP) Cancel(string) error {
	close(f.messages)
	return nil
}

func TestRabbitMQ_Publish(t *testing.T) {
	client := &fakeAMQP{}
	r := NewRabbitMQ(client, 1, false, logger.NewDiscard())

	desc := descriptor()
	require.NoError(t, r.Publish(context.Background(), desc))
	require.Len(t, client.published, 1)

	got, err := Decode(client.published[0])
	require.NoError(t, err)
	assert.Equal(t, desc.TaskID, got.TaskID)

	client.publishErr = errors.New("connection closed")
	assert.Error(t, r.Publish(context.Background(), desc))
}

func TestRabbitMQ_Consume(t *testing.T) {
	ack := &fakeAcknowledger{}
	client := &fakeAMQP{messages: make(chan amqp.Delivery, 3)}
	r := NewRabbitMQ(client, 2, false, logger.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := r.Consume(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, client.prefetch)

	desc := descriptor()
	body, err := Encode(desc)
	require.NoError(t, err)

	client.messages <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not a job")}
	client.messages <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body, Redelivered: true}

	var d *Delivery
	select {
	case d = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
	}

	assert.Equal(t, desc.TaskID, d.Descriptor.TaskID)
	assert.True(t, d.Redelivered)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, d.Nack(true))

	assert.Equal(t, []settlement{
		{tag: 1, requeue: false},
		{tag: 2, requeue: true},
	}, ack.all())

	require.NoError(t, r.Cancel("worker-1"))
	_, ok := <-out
	assert.False(t, ok)
}

func TestRabbitMQ_ShutdownRequeuesUndelivered(t *testing.T) {
	ack := &fakeAcknowledger{}
	client := &fakeAMQP{messages: make(chan amqp.Delivery, 1)}
	r := NewRabbitMQ(client, 1, false, logger.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	out, err := r.Consume(ctx, "worker-1")
	require.NoError(t, err)

	body, err := Encode(descriptor())
	require.NoError(t, err)
	client.messages <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: body}

	// Nobody reads out, so the decoded delivery is returned to the broker
	assert.Eventually(t, func() bool { return len(client.messages) == 0 }, time.Second, 10*time.Millisecond)
	cancel()

	_, ok := <-out
	assert.False(t, ok)
	assert.Equal(t, []settlement{{tag: 7, requeue: true}}, ack.all())
}

func TestRabbitMQ_ShutdownRequeuesPrefetched(t *testing.T) {
	ack := &fakeAcknowledger{}
	client := &fakeAMQP{messages: make(chan amqp.Delivery, 3)}
	r := NewRabbitMQ(client, 3, false, logger.NewDiscard())

	body, err := Encode(descriptor())
	require.NoError(t, err)
	for tag := uint64(1); tag <= 3; tag++ {
		client.messages <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
	}

	// Cancelled before consuming: the loop finds both ctx.Done and buffered messages
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := r.Consume(ctx, "worker-1")
	require.NoError(t, err)

	// Nobody reads out, so every buffered message goes back to the broker
	assert.Eventually(t, func() bool { return len(ack.all()) == 3 }, time.Second, 10*time.Millisecond)
	_, ok := <-out
	assert.False(t, ok)

	assert.Empty(t, client.messages)
	assert.ElementsMatch(t, []settlement{
		{tag: 1, requeue: true},
		{tag: 2, requeue: true},
		{tag: 3, requeue: true},
	}, ack.all())
}

func TestDeliveryAttempt(t *testing.T) {
	assert.Equal(t, 1, deliveryAttempt(amqp.Delivery{}))
	assert.Equal(t, 2, deliveryAttempt(amqp.Delivery{Redelivered: true}))
	assert.Equal(t, 4, deliveryAttempt(amqp.Delivery{
		Redelivered: true,
		Headers:     amqp.Table{"x-delivery-count": int64(3)},
	}))
}
