package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vasillieux/escaped/internal/jobs"
)

type fakeStore struct {
	entries map[string]time.Time // full_name -> expiry
}

func newFakeStore() *fakeStore { return &fakeStore{entries: map[string]time.Time{}} }

func (f *fakeStore) MarkProcessed(ctx context.Context, fullName string, ttl time.Duration, now time.Time) error {
	f.entries[fullName] = now.Add(ttl)
	return nil
}

func (f *fakeStore) IsProcessed(ctx context.Context, fullName string, now time.Time) (bool, error) {
	expiry, ok := f.entries[fullName]
	if !ok {
		return false, nil
	}
	return now.Before(expiry), nil
}

func TestMarkProcessedThenIsProcessed(t *testing.T) {
	fs := newFakeStore()
	c := New(fs, time.Hour, nil)
	ref := jobs.RepoRef{Org: "acme", Repo: "foo"}
	ctx := context.Background()

	processed, err := c.IsProcessed(ctx, ref)
	require.NoError(t, err)
	require.False(t, processed)

	require.NoError(t, c.MarkProcessed(ctx, ref))
	processed, err = c.IsProcessed(ctx, ref)
	require.NoError(t, err)
	require.True(t, processed)
}

func TestMarkProcessedIdempotent(t *testing.T) {
	fs := newFakeStore()
	c := New(fs, time.Hour, nil)
	ref := jobs.RepoRef{Org: "acme", Repo: "bar"}
	ctx := context.Background()

	require.NoError(t, c.MarkProcessed(ctx, ref))
	require.NoError(t, c.MarkProcessed(ctx, ref))

	processed, err := c.IsProcessed(ctx, ref)
	require.NoError(t, err)
	require.True(t, processed)
}
