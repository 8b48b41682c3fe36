package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	handle  int64
	payload []byte
}

type inflightEntry struct {
	timer *time.Timer
	e     *entry
}

type namedQueue struct {
	ch       chan *entry
	mu       sync.Mutex
	inflight map[int64]*inflightEntry
}

func newNamedQueue() *namedQueue {
	return &namedQueue{
		ch:       make(chan *entry, 100000),
		inflight: make(map[int64]*inflightEntry),
	}
}

// InMemory is a single-process Queue, suitable for single-node runs with no
// broker to connect to.
type InMemory struct {
	mu                sync.Mutex
	queues            map[string]*namedQueue
	visibilityTimeout time.Duration
	nextHandle        int64
}

// NewInMemory constructs an in-memory Queue with the given redelivery
// visibility timeout.
func NewInMemory(visibilityTimeout time.Duration) *InMemory {
	return &InMemory{
		queues:            make(map[string]*namedQueue),
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *InMemory) named(name string) *namedQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq, ok := q.queues[name]
	if !ok {
		nq = newNamedQueue()
		q.queues[name] = nq
	}
	return nq
}

func (q *InMemory) Enqueue(ctx context.Context, queue string, payload []byte, timeoutBudget time.Duration) error {
	nq := q.named(queue)
	e := &entry{handle: atomic.AddInt64(&q.nextHandle, 1), payload: payload}

	deadline := ctx
	var cancel context.CancelFunc
	if timeoutBudget > 0 {
		deadline, cancel = context.WithTimeout(ctx, timeoutBudget)
		defer cancel()
	}

	select {
	case nq.ch <- e:
		return nil
	case <-deadline.Done():
		return fmt.Errorf("queue: enqueue to %q timed out: %w", queue, deadline.Err())
	}
}

func (q *InMemory) EnqueueDelayed(ctx context.Context, queue string, payload []byte, delay time.Duration, timeoutBudget time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, queue, payload, timeoutBudget)
	}
	nq := q.named(queue)
	e := &entry{handle: atomic.AddInt64(&q.nextHandle, 1), payload: payload}
	time.AfterFunc(delay, func() {
		select {
		case nq.ch <- e:
		default:
			go func() { nq.ch <- e }()
		}
	})
	return nil
}

func (q *InMemory) Dequeue(ctx context.Context, queue string) (Message, error) {
	nq := q.named(queue)
	select {
	case e := <-nq.ch:
		q.markInflight(nq, e)
		return Message{Payload: e.payload, Handle: e.handle}, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (q *InMemory) markInflight(nq *namedQueue, e *entry) {
	timer := time.AfterFunc(q.visibilityTimeout, func() {
		nq.mu.Lock()
		_, stillInflight := nq.inflight[e.handle]
		delete(nq.inflight, e.handle)
		nq.mu.Unlock()
		if stillInflight {
			nq.ch <- e // automatic redelivery
		}
	})
	nq.mu.Lock()
	nq.inflight[e.handle] = &inflightEntry{timer: timer, e: e}
	nq.mu.Unlock()
}

func (q *InMemory) Ack(ctx context.Context, queue string, handle Handle) error {
	nq := q.named(queue)
	h, ok := handle.(int64)
	if !ok {
		return fmt.Errorf("queue: invalid handle type %T", handle)
	}
	nq.mu.Lock()
	defer nq.mu.Unlock()
	ie, ok := nq.inflight[h]
	if !ok {
		return nil // already acked/expired; at-least-once, not exactly-once
	}
	ie.timer.Stop()
	delete(nq.inflight, h)
	return nil
}

func (q *InMemory) Nack(ctx context.Context, queue string, handle Handle) error {
	nq := q.named(queue)
	h, ok := handle.(int64)
	if !ok {
		return fmt.Errorf("queue: invalid handle type %T", handle)
	}
	nq.mu.Lock()
	ie, ok := nq.inflight[h]
	if !ok {
		nq.mu.Unlock()
		return nil
	}
	ie.timer.Stop()
	delete(nq.inflight, h)
	nq.mu.Unlock()
	nq.ch <- ie.e
	return nil
}

func (q *InMemory) Depth(ctx context.Context, queue string) (int64, error) {
	nq := q.named(queue)
	nq.mu.Lock()
	inflight := len(nq.inflight)
	nq.mu.Unlock()
	return int64(len(nq.ch) + inflight), nil
}
