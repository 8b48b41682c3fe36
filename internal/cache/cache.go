// Package cache implements the processed-repo cache: two views over the
// same underlying data (an audit set and per-key TTL entries), backed by
// internal/store.
package cache

import (
	"context"
	"time"

	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/metrics"
)

// Store is the subset of internal/store.Store the cache depends on, kept
// narrow so tests can substitute a fake.
type Store interface {
	MarkProcessed(ctx context.Context, fullName string, ttl time.Duration, now time.Time) error
	IsProcessed(ctx context.Context, fullName string, now time.Time) (bool, error)
}

// Cache tracks which repositories have recently been analyzed.
type Cache struct {
	store    Store
	ttl      time.Duration
	recorder metrics.Recorder
	now      func() time.Time
}

// New constructs a Cache over the given store with the configured TTL.
func New(store Store, ttl time.Duration, recorder metrics.Recorder) *Cache {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Cache{store: store, ttl: ttl, recorder: recorder, now: time.Now}
}

// MarkProcessed is idempotent: calling it twice for the same full_name has
// the same effect as calling it once.
func (c *Cache) MarkProcessed(ctx context.Context, ref jobs.RepoRef) error {
	return c.store.MarkProcessed(ctx, ref.FullName(), c.ttl, c.now())
}

// IsProcessed checks membership on the TTL key. A repo becomes eligible for
// re-analysis once its TTL key expires, even though the audit-set entry
// (not modeled by this narrow Store interface) persists.
func (c *Cache) IsProcessed(ctx context.Context, ref jobs.RepoRef) (bool, error) {
	processed, err := c.store.IsProcessed(ctx, ref.FullName(), c.now())
	if err != nil {
		return false, err
	}
	if processed {
		c.recorder.IncProcessedCacheHit()
	} else {
		c.recorder.IncProcessedCacheMiss()
	}
	return processed, nil
}
