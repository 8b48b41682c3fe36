package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a JetStream-backed Queue, durable across process restarts and
// shared by every producer/consumer in the deployment.
type NATS struct {
	js                jetstream.JetStream
	streamPrefix      string
	visibilityTimeout time.Duration
}

// NewNATS constructs a NATS-backed Queue. streamPrefix namespaces the
// JetStream stream/consumer names so multiple deployments can share a NATS
// cluster.
func NewNATS(js jetstream.JetStream, streamPrefix string, visibilityTimeout time.Duration) *NATS {
	return &NATS{js: js, streamPrefix: streamPrefix, visibilityTimeout: visibilityTimeout}
}

func (q *NATS) streamName(queue string) string {
	return fmt.Sprintf("%s_%s", q.streamPrefix, queue)
}

func (q *NATS) subject(queue string) string {
	return fmt.Sprintf("%s.%s", q.streamPrefix, queue)
}

func (q *NATS) ensureStream(ctx context.Context, queue string) (jetstream.Stream, error) {
	return q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.streamName(queue),
		Subjects:  []string{q.subject(queue)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
}

func (q *NATS) ensureConsumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	stream, err := q.ensureStream(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("queue: ensure stream %q: %w", queue, err)
	}
	return stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("%s_consumer", queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.visibilityTimeout,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
}

func (q *NATS) Enqueue(ctx context.Context, queue string, payload []byte, timeoutBudget time.Duration) error {
	if _, err := q.ensureStream(ctx, queue); err != nil {
		return err
	}
	if timeoutBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeoutBudget)
		defer cancel()
	}
	_, err := q.js.Publish(ctx, q.subject(queue), payload)
	if err != nil {
		return fmt.Errorf("queue: publish to %q: %w", queue, err)
	}
	return nil
}

// EnqueueDelayed falls back to holding the message and publishing after the
// delay elapses: JetStream has no native per-message delayed delivery.
func (q *NATS) EnqueueDelayed(ctx context.Context, queue string, payload []byte, delay time.Duration, timeoutBudget time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, queue, payload, timeoutBudget)
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.Enqueue(ctx, queue, payload, timeoutBudget)
}

func (q *NATS) Dequeue(ctx context.Context, queue string) (Message, error) {
	consumer, err := q.ensureConsumer(ctx, queue)
	if err != nil {
		return Message{}, err
	}
	for {
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(blockingFetchWait(ctx)))
		if err != nil {
			return Message{}, fmt.Errorf("queue: fetch from %q: %w", queue, err)
		}
		for msg := range msgs.Messages() {
			return Message{Payload: msg.Data(), Handle: msg}, nil
		}
		if err := msgs.Error(); err != nil {
			return Message{}, fmt.Errorf("queue: fetch from %q: %w", queue, err)
		}
		// fetch window expired with nothing queued; keep blocking
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
	}
}

func blockingFetchWait(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			return remaining
		}
	}
	return 30 * time.Second
}

func (q *NATS) Ack(ctx context.Context, queue string, handle Handle) error {
	msg, ok := handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("queue: invalid handle type %T", handle)
	}
	return msg.Ack()
}

func (q *NATS) Nack(ctx context.Context, queue string, handle Handle) error {
	msg, ok := handle.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("queue: invalid handle type %T", handle)
	}
	return msg.Nak()
}

func (q *NATS) Depth(ctx context.Context, queue string) (int64, error) {
	stream, err := q.ensureStream(ctx, queue)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: stream info %q: %w", queue, err)
	}
	return int64(info.State.Msgs), nil
}
