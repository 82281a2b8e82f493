package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/magnus5552/stack-exchange/internal/model"
)

const (
	streamName    = "TASKS"
	subjectPrefix = "tasks."
	consumerName  = "workers"
	cacheBucket   = "exchange-cache"
)

// NATSBroker implements Queue and Cache on a single NATS connection. Tasks
// ride a JetStream work-queue stream with explicit acks, which is what gives
// the at-least-once contract: an unacked or Nak'd task is redelivered.
type NATSBroker struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	kv   nats.KeyValue
}

var (
	_ Queue = (*NATSBroker)(nil)
	_ Cache = (*NATSBroker)(nil)
)

// Connect dials the broker and ensures the task stream and cache bucket
// exist. It reconnects indefinitely after transient drops; mid-flight
// operations during a drop fail and are retried by their callers.
func Connect(url string, opts ...nats.Option) (*NATSBroker, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create task stream: %w", err)
		}
	}

	kv, err := js.KeyValue(cacheBucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			nc.Close()
			return nil, fmt.Errorf("cache bucket: %w", err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cacheBucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create cache bucket: %w", err)
		}
	}

	return &NATSBroker{conn: nc, js: js, kv: kv}, nil
}

// Enqueue publishes the task to its kind's subject and waits for the stream
// ack, so a positive return means the broker has the task.
func (b *NATSBroker) Enqueue(ctx context.Context, task *model.TaskUnit) error {
	data, err := task.Encode()
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(subjectPrefix+task.Kind, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue fetches the next task from the shared pull consumer. All worker
// processes share one durable consumer, so each task goes to one worker.
func (b *NATSBroker) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if b.sub == nil {
		sub, err := b.js.PullSubscribe(subjectPrefix+">", consumerName)
		if err != nil {
			return nil, fmt.Errorf("pull subscribe: %w", err)
		}
		b.sub = sub
	}

	msgs, err := b.sub.Fetch(1, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	task, err := model.DecodeTask(msg.Data)
	if err != nil {
		// A task we cannot even parse will never succeed; drop it rather
		// than redeliver forever.
		_ = msg.Term()
		return nil, err
	}

	ack := func() error { return msg.Ack() }
	nak := func() error { return msg.Nak() }
	return NewDelivery(task, ack, nak), nil
}

func (b *NATSBroker) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (b *NATSBroker) Set(_ context.Context, key string, value []byte) error {
	if _, err := b.kv.Put(key, value); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (b *NATSBroker) Delete(_ context.Context, key string) error {
	if err := b.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (b *NATSBroker) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
