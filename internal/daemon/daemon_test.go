package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/queue"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeDiscovery struct {
	mu   sync.Mutex
	jobs []jobs.DiscoveryJob
	err  error
}

func (f *fakeDiscovery) ProcessJob(ctx context.Context, job jobs.DiscoveryJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

func (f *fakeDiscovery) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeAnalysis struct {
	mu   sync.Mutex
	jobs []jobs.AnalysisJob
	err  error
}

func (f *fakeAnalysis) ProcessJob(ctx context.Context, job jobs.AnalysisJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.err
}

func (f *fakeAnalysis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestWorkerGroupStopAndWaitDrainsGoroutines(t *testing.T) {
	var g WorkerGroup
	var ran int32
	done := make(chan struct{})
	started := g.Go(func() {
		<-done
		ran = 1
	})
	require.True(t, started)

	close(done)
	require.NoError(t, g.StopAndWait(context.Background()))
	require.Equal(t, int32(1), ran)
}

func TestWorkerGroupRejectsGoAfterStopping(t *testing.T) {
	var g WorkerGroup
	require.NoError(t, g.StopAndWait(context.Background()))
	require.False(t, g.Go(func() {}))
}

func TestEnsureOutputLayoutCreatesEverySubdir(t *testing.T) {
	dir := t.TempDir()
	d := New(Deps{
		Config: config.Config{
			Output: config.Output{
				BaseDir:             dir,
				ClonedReposSubdir:   "cloned_repos",
				RestoredFilesSubdir: "restored_files",
				DanglingBlobsSubdir: "dangling_blobs",
			},
		},
		Queue:  queue.NewInMemory(time.Hour),
		Logger: discardLogger(),
	})

	require.NoError(t, d.ensureOutputLayout())
	for _, sub := range []string{"cloned_repos", "restored_files", "dangling_blobs"} {
		require.DirExists(t, filepath.Join(dir, sub))
	}
}

func TestDaemonRunDrainsQueuedJobsThenStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewInMemory(time.Hour)
	discovery := &fakeDiscovery{}
	analysis := &fakeAnalysis{}

	cfg := config.Config{
		Output: config.Output{BaseDir: dir},
		Queue: config.Queue{
			DiscoveryQueue: "discovery",
			AnalysisQueue:  "analysis",
		},
		Concurrency: config.Concurrency{GlobalMaxConcurrentPipelines: 2},
	}

	d := New(Deps{
		Config:    cfg,
		Queue:     q,
		Discovery: discovery,
		Analyzer:  analysis,
		Logger:    discardLogger(),
	})

	discoveryPayload, err := json.Marshal(jobs.DiscoveryJob{ID: "d1", Kind: jobs.DiscoveryKindSearch, Query: "q"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "discovery", discoveryPayload, time.Minute))

	analysisPayload, err := json.Marshal(jobs.AnalysisJob{ID: "a1", Repo: jobs.RepoRef{Org: "acme", Repo: "foo"}})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "analysis", analysisPayload, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return discovery.count() == 1 && analysis.count() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusRunning, d.Status())

	cancel()
	require.NoError(t, <-runErr)
	require.Equal(t, StatusStopped, d.Status())
}
