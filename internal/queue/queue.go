package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/google/uuid"
)

// ContentType of encoded job descriptors
const ContentType = "application/json"

// Publisher hands a job descriptor to the broker
type Publisher interface {
	Publish(ctx context.Context, desc domain.JobDescriptor) error
}

// Consumer receives job descriptors from the broker
type Consumer interface {
	// Consume starts delivering descriptors. The channel is closed once the
	// consumer is canceled or ctx ends and no further deliveries will come.
	Consume(ctx context.Context, tag string) (<-chan *Delivery, error)
	// Cancel stops the broker from handing out further descriptors to tag.
	// Descriptors not yet delivered stay in the broker.
	Cancel(tag string) error
}

// Delivery is one received descriptor awaiting acknowledgement
type Delivery struct {
	Descriptor  domain.JobDescriptor
	Redelivered bool
	// Attempt is the 1-based delivery count, as far as the broker tracks it
	Attempt int

	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a delivery settled through the given callbacks
func NewDelivery(desc domain.JobDescriptor, redelivered bool, attempt int, ack func() error, nack func(requeue bool) error) *Delivery {
	if attempt < 1 {
		attempt = 1
	}
	return &Delivery{
		Descriptor:  desc,
		Redelivered: redelivered,
		Attempt:     attempt,
		ack:         ack,
		nack:        nack,
	}
}

// Ack removes the descriptor from the broker
func (d *Delivery) Ack() error {
	err := fmt.Errorf("delivery of task %s already settled", d.Descriptor.TaskID)
	d.once.Do(func() { err = d.ack() })
	return err
}

// Nack rejects the descriptor; with requeue it is delivered again later,
// otherwise it is dead-lettered
func (d *Delivery) Nack(requeue bool) error {
	err := fmt.Errorf("delivery of task %s already settled", d.Descriptor.TaskID)
	d.once.Do(func() { err = d.nack(requeue) })
	return err
}

// Encode serializes a descriptor as a message body
func Encode(desc domain.JobDescriptor) ([]byte, error) {
	body, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job descriptor: %w", err)
	}
	return body, nil
}

// Decode parses and validates a message body
func Decode(body []byte) (domain.JobDescriptor, error) {
	var desc domain.JobDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(desc.TaskID); err != nil {
		return desc, fmt.Errorf("%w: task_id %q is not a UUID", domain.ErrInvalidPayload, desc.TaskID)
	}
	if desc.InputRef == "" {
		return desc, fmt.Errorf("%w: input_ref is empty", domain.ErrInvalidPayload)
	}
	return desc, nil
}
