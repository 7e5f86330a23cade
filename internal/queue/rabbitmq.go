package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpClient is the part of shared/rabbitmq.Client the adapter needs
type amqpClient interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Qos(prefetchCount int) error
	Consume(consumerTag string, exclusive bool) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// RabbitMQ carries job descriptors over a durable RabbitMQ queue
type RabbitMQ struct {
	client    amqpClient
	prefetch  int
	exclusive bool
	logger    *slog.Logger
}

// NewRabbitMQ creates a new RabbitMQ broker adapter.
// prefetch bounds the unacknowledged deliveries held by one consumer.
func NewRabbitMQ(client amqpClient, prefetch int, exclusive bool, logger *slog.Logger) *RabbitMQ {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitMQ{
		client:    client,
		prefetch:  prefetch,
		exclusive: exclusive,
		logger:    logger,
	}
}

func (r *RabbitMQ) Publish(ctx context.Context, desc domain.JobDescriptor) error {
	body, err := Encode(desc)
	if err != nil {
		return err
	}
	return r.client.PublishWithRetry(ctx, body, ContentType)
}

func (r *RabbitMQ) Consume(ctx context.Context, tag string) (<-chan *Delivery, error) {
	if err := r.client.Qos(r.prefetch); err != nil {
		return nil, err
	}

	r.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", r.prefetch),
	)

	messages, err := r.client.Consume(tag, r.exclusive)
	if err != nil {
		return nil, err
	}

	out := make(chan *Delivery)
	go r.forward(ctx, messages, out)
	return out, nil
}

// forward decodes broker messages; malformed ones are dead-lettered here
func (r *RabbitMQ) forward(ctx context.Context, messages <-chan amqp.Delivery, out chan<- *Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			r.requeueBuffered(messages)
			return

		case msg, ok := <-messages:
			if !ok {
				r.logger.Info("RabbitMQ delivery channel closed")
				return
			}

			desc, err := Decode(msg.Body)
			if err != nil {
				r.logger.Error("Dropping malformed job message",
					slog.Any("error", err),
					slog.String("body", string(msg.Body)),
				)
				// NACK without requeue - malformed messages go to the dead letter exchange
				if nackErr := msg.Nack(false, false); nackErr != nil {
					r.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			d := NewDelivery(desc, msg.Redelivered, deliveryAttempt(msg),
				func() error { return msg.Ack(false) },
				func(requeue bool) error { return msg.Nack(false, requeue) },
			)

			select {
			case out <- d:
			case <-ctx.Done():
				if nackErr := msg.Nack(false, true); nackErr != nil {
					r.logger.Error("Failed to NACK message on shutdown",
						slog.String("task_id", desc.TaskID),
						slog.Any("error", nackErr),
					)
				}
				r.requeueBuffered(messages)
				return
			}
		}
	}
}

// requeueBuffered returns prefetched messages nobody will read to the broker
func (r *RabbitMQ) requeueBuffered(messages <-chan amqp.Delivery) {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := msg.Nack(false, true); err != nil {
				r.logger.Error("Failed to NACK buffered message on shutdown",
					slog.Uint64("delivery_tag", msg.DeliveryTag),
					slog.Any("error", err),
				)
			}
		default:
			return
		}
	}
}

func (r *RabbitMQ) Cancel(tag string) error {
	if err := r.client.Cancel(tag); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", tag, err)
	}
	return nil
}

// deliveryAttempt reads the quorum queue delivery counter when present
func deliveryAttempt(msg amqp.Delivery) int {
	switch v := msg.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}
