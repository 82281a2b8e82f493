// Package broker wraps the message broker behind the two contracts the rest
// of the system uses: a task queue with at-least-once delivery and a
// key/value cache.
package broker

import (
	"context"
	"time"

	"github.com/magnus5552/stack-exchange/internal/model"
)

// Queue moves TaskUnits from the API to the workers. Both operations are
// safe to retry.
type Queue interface {
	// Enqueue submits a task for asynchronous processing.
	Enqueue(ctx context.Context, task *model.TaskUnit) error
	// Dequeue blocks up to wait for the next task. It returns (nil, nil)
	// when the queue stayed empty for the whole wait.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
}

// Cache is the broker's key/value contract.
type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Delivery is one dequeued task plus its acknowledgment handles. Ack marks
// the task consumed; Nak asks the broker to redeliver it to another attempt.
type Delivery struct {
	Task *model.TaskUnit

	ack func() error
	nak func() error
}

// NewDelivery wraps a task with its acknowledgment callbacks. Queue
// implementations and worker tests build deliveries through this.
func NewDelivery(task *model.TaskUnit, ack, nak func() error) *Delivery {
	return &Delivery{Task: task, ack: ack, nak: nak}
}

func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d *Delivery) Nak() error {
	if d.nak == nil {
		return nil
	}
	return d.nak()
}
