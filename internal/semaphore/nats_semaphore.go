package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/vasillieux/escaped/internal/logfields"
)

// counterKey is the JetStream KeyValue key backing the cluster-wide
// counter. The bucket name already namespaces the deployment, and KV keys
// only admit subject-safe characters, so the key is the bare counter name.
const counterKey = "active_pipelines"

// NATS is a cluster-wide Semaphore backed by a JetStream KeyValue bucket.
// Acquire/release use revision-checked (CAS) Update calls, so concurrent
// analyzers across many hosts cannot overshoot max.
type NATS struct {
	kv     jetstream.KeyValue
	max    int64
	logger *slog.Logger
}

// NewNATS constructs a NATS-backed semaphore over an already-created
// JetStream KeyValue bucket (shared with internal/queue's connection).
func NewNATS(kv jetstream.KeyValue, max int64, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{kv: kv, max: max, logger: logger}
}

func (n *NATS) readCounter(ctx context.Context) (int64, uint64, error) {
	entry, err := n.kv.Get(ctx, counterKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		rev, putErr := n.kv.Create(ctx, counterKey, []byte("0"))
		if putErr != nil {
			if errors.Is(putErr, jetstream.ErrKeyExists) {
				return n.readCounter(ctx)
			}
			return 0, 0, fmt.Errorf("semaphore: initializing counter: %w", putErr)
		}
		return 0, rev, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("semaphore: reading counter: %w", err)
	}
	v, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("semaphore: parsing counter value %q: %w", entry.Value(), err)
	}
	return v, entry.Revision(), nil
}

// isRevisionConflict reports whether a kv.Update failed because another
// writer committed a newer revision since our read, the retry condition of
// the CAS loop. JetStream surfaces this as a wrong-last-sequence API error.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// TryAcquire performs a revision-checked increment: it only commits if no
// other writer has touched the key since it was read, retrying on conflict.
func (n *NATS) TryAcquire(ctx context.Context) (bool, error) {
	for {
		cur, rev, err := n.readCounter(ctx)
		if err != nil {
			return false, err
		}
		if cur >= n.max {
			return false, nil
		}
		next := cur + 1
		_, err = n.kv.Update(ctx, counterKey, []byte(strconv.FormatInt(next, 10)), rev)
		if isRevisionConflict(err) {
			continue // revision raced; retry the whole read-then-CAS loop
		}
		if err != nil {
			return false, fmt.Errorf("semaphore: acquiring: %w", err)
		}
		return true, nil
	}
}

// Release performs a revision-checked decrement, clamping at zero.
func (n *NATS) Release(ctx context.Context) error {
	for {
		cur, rev, err := n.readCounter(ctx)
		if err != nil {
			return err
		}
		if cur <= 0 {
			n.logger.Warn("semaphore release with non-positive active count", logfields.Active(cur))
			return nil
		}
		next := cur - 1
		_, err = n.kv.Update(ctx, counterKey, []byte(strconv.FormatInt(next, 10)), rev)
		if isRevisionConflict(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("semaphore: releasing: %w", err)
		}
		return nil
	}
}

// Observe returns the current active count.
func (n *NATS) Observe(ctx context.Context) (int64, error) {
	cur, _, err := n.readCounter(ctx)
	return cur, err
}

// Reset forces the counter back to 0, the operator recovery action for
// counter drift after a crashed analyzer.
func (n *NATS) Reset(ctx context.Context) error {
	for {
		cur, rev, err := n.readCounter(ctx)
		if err != nil {
			return err
		}
		_, err = n.kv.Update(ctx, counterKey, []byte("0"), rev)
		if isRevisionConflict(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("semaphore: resetting: %w", err)
		}
		if cur != 0 {
			n.logger.Warn("semaphore manually reset", logfields.Active(cur))
		}
		return nil
	}
}
