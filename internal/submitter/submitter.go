// Package submitter is the only component allowed to create new
// DiscoveryJobs and direct AnalysisJobs. It reads org-list and
// direct-repo-list input files and feeds them into the discovery/analysis
// queues at a rate gated by the cluster's current load.
package submitter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/queue"
	"github.com/vasillieux/escaped/internal/semaphore"
)

// Submitter owns the admission-wait loops and turns input-file lines into
// queue payloads. It never blocks the rest of the pipeline: each admission
// wait only delays the Submitter's own next enqueue.
type Submitter struct {
	cfg             config.Submitter
	discoveryQueue  string
	analysisQueue   string
	buf             int64 // AnalysisBuffer(), the soft combined-queue-depth target
	max             int64 // GlobalMaxConcurrentPipelines
	q               queue.Queue
	sem             semaphore.Semaphore
	clock           clock
	log             *slog.Logger
}

// clock abstracts time.Sleep/time.Now so admission-wait tests don't burn
// wall-clock seconds; New wires the real clock.
type clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// New constructs a Submitter over the already-configured queue and
// semaphore. discoveryQueue/analysisQueue are the queue names the Submitter
// writes to (config.Queue.DiscoveryQueue/AnalysisQueue).
func New(cfg config.Submitter, discoveryQueue, analysisQueue string, maxConcurrent, buffer int64, q queue.Queue, sem semaphore.Semaphore, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		cfg: cfg, discoveryQueue: discoveryQueue, analysisQueue: analysisQueue,
		buf: buffer, max: maxConcurrent, q: q, sem: sem, clock: realClock{}, log: logger,
	}
}

// SubmitOrgListFile reads org names (one per line, '#'-comments and blank
// lines skipped) and enqueues them to the discovery queue in batches,
// waiting between batches while the cluster looks busy.
func (s *Submitter) SubmitOrgListFile(ctx context.Context, path string) error {
	orgs, err := readNonEmptyLines(path)
	if err != nil {
		return err
	}
	if len(orgs) == 0 {
		s.log.Info("org list file empty, nothing to submit", logfields.Path(path))
		return nil
	}

	batches := chunk(orgs, s.cfg.BatchSize)
	for i, batch := range batches {
		if err := s.waitForBatchCapacity(ctx); err != nil {
			return err
		}
		job := jobs.DiscoveryJob{ID: uuid.NewString(), Kind: jobs.DiscoveryKindOrgList, Orgs: batch}
		if err := s.enqueueDiscovery(ctx, job); err != nil {
			return fmt.Errorf("submitter: enqueuing org batch %d/%d: %w", i+1, len(batches), err)
		}
		s.log.Info("submitted org batch", logfields.JobID(job.ID), slog.Int("batch_size", len(batch)))
		s.clock.Sleep(jitter(500*time.Millisecond, 1500*time.Millisecond))
	}
	return nil
}

// SubmitSearch enqueues a single repository-search discovery job, waiting
// for capacity first.
func (s *Submitter) SubmitSearch(ctx context.Context, query string, limit int) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("submitter: search query must not be empty")
	}
	if err := s.waitForBatchCapacity(ctx); err != nil {
		return err
	}
	job := jobs.DiscoveryJob{ID: uuid.NewString(), Kind: jobs.DiscoveryKindSearch, Query: query, Limit: limit}
	if err := s.enqueueDiscovery(ctx, job); err != nil {
		return fmt.Errorf("submitter: enqueuing search job: %w", err)
	}
	s.log.Info("submitted search job", logfields.JobID(job.ID))
	return nil
}

// SubmitDirectRepoListFile reads "org/repo" lines and enqueues each straight
// to the analysis queue, checking capacity before every individual repo
// (this feeds the analysis queue directly, skipping discovery).
func (s *Submitter) SubmitDirectRepoListFile(ctx context.Context, path string) error {
	lines, err := readNonEmptyLines(path)
	if err != nil {
		return err
	}
	var enqueued int
	for _, line := range lines {
		ref, parseErr := jobs.ParseRepoRef(line)
		if parseErr != nil {
			s.log.Warn("skipping malformed direct repo line", logfields.Path(path), slog.String("line", line))
			continue
		}
		if err := s.waitForDirectCapacity(ctx); err != nil {
			return err
		}
		job := jobs.AnalysisJob{ID: uuid.NewString(), Repo: ref}
		if err := s.enqueueAnalysis(ctx, job); err != nil {
			return fmt.Errorf("submitter: enqueuing direct repo %s: %w", ref.FullName(), err)
		}
		enqueued++
		s.log.Info("submitted direct analysis job", logfields.JobID(job.ID), logfields.FullName(ref.FullName()))
		s.clock.Sleep(jitter(50*time.Millisecond, 200*time.Millisecond))
	}
	s.log.Info("finished submitting direct repo list", logfields.Path(path), slog.Int("enqueued", enqueued), slog.Int("total", len(lines)))
	return nil
}

// waitForBatchCapacity blocks until active pipelines are comfortably below
// max and the combined discovery+analysis backlog isn't too deep.
func (s *Submitter) waitForBatchCapacity(ctx context.Context) error {
	for {
		active, err := s.sem.Observe(ctx)
		if err != nil {
			return fmt.Errorf("submitter: observing active pipelines: %w", err)
		}
		discoveryDepth, err := s.q.Depth(ctx, s.discoveryQueue)
		if err != nil {
			return fmt.Errorf("submitter: reading discovery queue depth: %w", err)
		}
		analysisDepth, err := s.q.Depth(ctx, s.analysisQueue)
		if err != nil {
			return fmt.Errorf("submitter: reading analysis queue depth: %w", err)
		}
		combined := discoveryDepth + analysisDepth

		if active < s.max+5 && combined < s.buf*2 {
			return nil
		}
		s.log.Debug("submitter waiting: cluster busy",
			logfields.Active(active), slog.Int64("combined_queue_depth", combined))
		if err := s.sleepOrDone(ctx, s.cfg.CheckInterval/2+jitter(0, 5*time.Second)); err != nil {
			return err
		}
	}
}

// waitForDirectCapacity is the more aggressive direct-mode admission check:
// it permits feeding right up to the cap when the analysis queue itself is
// running short, since every accepted item becomes an analysis job
// immediately with no discovery stage in between.
func (s *Submitter) waitForDirectCapacity(ctx context.Context) error {
	for {
		active, err := s.sem.Observe(ctx)
		if err != nil {
			return fmt.Errorf("submitter: observing active pipelines: %w", err)
		}
		analysisDepth, err := s.q.Depth(ctx, s.analysisQueue)
		if err != nil {
			return fmt.Errorf("submitter: reading analysis queue depth: %w", err)
		}

		if active < s.max || (active == s.max && analysisDepth < s.buf/2) {
			return nil
		}
		s.log.Debug("submitter waiting: analysis path busy",
			logfields.Active(active), slog.Int64("analysis_queue_depth", analysisDepth))
		if err := s.sleepOrDone(ctx, s.cfg.CheckInterval/4+jitter(0, 2*time.Second)); err != nil {
			return err
		}
	}
}

func (s *Submitter) sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *Submitter) enqueueDiscovery(ctx context.Context, job jobs.DiscoveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.q.Enqueue(ctx, s.discoveryQueue, payload, s.cfg.CheckInterval)
}

func (s *Submitter) enqueueAnalysis(ctx context.Context, job jobs.AnalysisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.q.Enqueue(ctx, s.analysisQueue, payload, s.cfg.CheckInterval)
}

func readNonEmptyLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("submitter: reading %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// jitter returns a uniformly random duration in [lo, hi).
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
