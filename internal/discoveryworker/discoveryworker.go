// Package discoveryworker consumes DiscoveryJobs, lists candidate
// repositories through the hosting CLI, filters them (cache dedup, age,
// size, fork), and turns survivors into AnalysisJobs on the analysis
// queue.
package discoveryworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/pipeline"
	"github.com/vasillieux/escaped/internal/queue"
)

// HostingClient is the subset of internal/hostingcli.Client this worker
// depends on, kept narrow so tests can substitute a fake.
type HostingClient interface {
	ListOrgRepos(ctx context.Context, org string, limit int) ([]string, error)
	SearchRepos(ctx context.Context, query string, limit int) ([]string, error)
	ViewRepoMetadata(ctx context.Context, fullName string) (jobs.RepoMetadata, bool)
}

// Cache is the subset of internal/cache.Cache this worker depends on.
type Cache interface {
	IsProcessed(ctx context.Context, ref jobs.RepoRef) (bool, error)
}

// Worker drains the discovery queue.
type Worker struct {
	hosting       HostingClient
	cache         Cache
	q             queue.Queue
	analysisQueue string
	cfg           config.Discovery
	recorder      metrics.Recorder
	bus           *pipeline.Bus
	log           *slog.Logger
	now           func() time.Time
}

// New constructs a Worker.
func New(hosting HostingClient, cache Cache, q queue.Queue, analysisQueue string, cfg config.Discovery, recorder metrics.Recorder, bus *pipeline.Bus, logger *slog.Logger) *Worker {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		hosting: hosting, cache: cache, q: q, analysisQueue: analysisQueue,
		cfg: cfg, recorder: recorder, bus: bus, log: logger, now: time.Now,
	}
}

// ProcessJob dispatches on the DiscoveryJob's kind.
func (w *Worker) ProcessJob(ctx context.Context, job jobs.DiscoveryJob) error {
	switch job.Kind {
	case jobs.DiscoveryKindOrgList:
		return w.processOrgList(ctx, job)
	case jobs.DiscoveryKindSearch:
		return w.processSearch(ctx, job)
	default:
		return fmt.Errorf("discoveryworker: unknown discovery job kind %q", job.Kind)
	}
}

// processOrgList lists every org's repos and filters+enqueues each.
func (w *Worker) processOrgList(ctx context.Context, job jobs.DiscoveryJob) error {
	var enqueued, skipped int
	for _, org := range job.Orgs {
		fullNames, err := w.hosting.ListOrgRepos(ctx, org, w.cfg.MaxReposPerOrg)
		if err != nil {
			w.log.Warn("could not list repos for org, skipping", logfields.Org(org), logfields.Error(err))
			continue
		}
		w.log.Info("listed org repos", logfields.Org(org), slog.Int("count", len(fullNames)))

		for _, fullName := range fullNames {
			ref, parseErr := jobs.ParseRepoRef(fullName)
			if parseErr != nil {
				w.log.Warn("skipping invalid repo full name from org listing", slog.String("full_name", fullName))
				continue
			}
			ok, enqueueErr := w.filterAndEnqueue(ctx, ref)
			if enqueueErr != nil {
				return enqueueErr
			}
			if ok {
				enqueued++
			} else {
				skipped++
			}
		}
	}
	w.log.Info("org-list discovery complete", slog.Int("orgs", len(job.Orgs)), slog.Int("enqueued", enqueued), slog.Int("skipped", skipped))
	w.publish(job)
	return nil
}

// processSearch runs a hosting-platform search and enqueues every result
// directly. Only org listings get age/size/fork filtering; search results
// are enqueued as-is.
func (w *Worker) processSearch(ctx context.Context, job jobs.DiscoveryJob) error {
	fullNames, err := w.hosting.SearchRepos(ctx, job.Query, job.Limit)
	if err != nil {
		return fmt.Errorf("discoveryworker: search %q failed: %w", job.Query, err)
	}
	w.log.Info("search discovery listed repos", slog.String("query", job.Query), slog.Int("count", len(fullNames)))

	var enqueued int
	for _, fullName := range fullNames {
		ref, parseErr := jobs.ParseRepoRef(fullName)
		if parseErr != nil {
			w.log.Warn("skipping invalid repo full name from search", slog.String("full_name", fullName))
			continue
		}
		if err := w.enqueueAnalysis(ctx, ref); err != nil {
			return err
		}
		enqueued++
	}
	w.log.Info("search discovery complete", slog.String("query", job.Query), slog.Int("enqueued", enqueued))
	w.publish(job)
	return nil
}

// publish emits a discovery-completed event on the bus, when one is wired.
func (w *Worker) publish(job jobs.DiscoveryJob) {
	if w.bus == nil {
		return
	}
	event := pipeline.JobEvent{EventName: pipeline.EventDiscoveryCompleted, JobID: job.ID, Detail: string(job.Kind)}
	if err := w.bus.Publish(event); err != nil {
		w.log.Warn("event handler failed", slog.String("event", event.EventName), logfields.Error(err))
	}
}

// filterAndEnqueue applies the cache-dedup, age, size, and fork filters to
// ref and enqueues an AnalysisJob if it survives. Returns false (no error)
// when ref was filtered out.
func (w *Worker) filterAndEnqueue(ctx context.Context, ref jobs.RepoRef) (bool, error) {
	if w.cache != nil {
		processed, err := w.cache.IsProcessed(ctx, ref)
		if err != nil {
			w.log.Warn("cache lookup failed, proceeding without dedup", logfields.FullName(ref.FullName()), logfields.Error(err))
		} else if processed {
			return false, nil
		}
	}

	if w.needsMetadata() {
		meta, ok := w.hosting.ViewRepoMetadata(ctx, ref.FullName())
		if !ok {
			w.log.Warn("could not fetch repo metadata, enqueueing anyway", logfields.FullName(ref.FullName()))
		} else {
			if w.cfg.AgeFilterEnabled && w.cfg.MaxAgeDays > 0 && !meta.PushedAt.IsZero() {
				ageDays := int(w.now().Sub(meta.PushedAt).Hours() / 24)
				if ageDays > w.cfg.MaxAgeDays {
					w.log.Info("skipping old repo", logfields.FullName(ref.FullName()), slog.Int("age_days", ageDays))
					return false, nil
				}
			}
			if w.cfg.MaxSizeKB > 0 && meta.DiskUsageKB > w.cfg.MaxSizeKB {
				w.log.Info("skipping oversized repo", logfields.FullName(ref.FullName()), slog.Int64("disk_usage_kb", meta.DiskUsageKB))
				return false, nil
			}
			if w.cfg.SkipForks && meta.IsFork {
				w.log.Info("skipping fork", logfields.FullName(ref.FullName()))
				return false, nil
			}
		}
	}

	if err := w.enqueueAnalysis(ctx, ref); err != nil {
		return false, err
	}
	return true, nil
}

// needsMetadata reports whether any filter that requires a metadata fetch
// is active, so unfiltered runs never pay for a per-repo gh invocation.
func (w *Worker) needsMetadata() bool {
	return (w.cfg.AgeFilterEnabled && w.cfg.MaxAgeDays > 0) || w.cfg.MaxSizeKB > 0 || w.cfg.SkipForks
}

func (w *Worker) enqueueAnalysis(ctx context.Context, ref jobs.RepoRef) error {
	job := jobs.AnalysisJob{ID: uuid.NewString(), Repo: ref}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("discoveryworker: marshaling analysis job: %w", err)
	}
	if err := w.q.Enqueue(ctx, w.analysisQueue, payload, 30*time.Second); err != nil {
		return fmt.Errorf("discoveryworker: enqueuing %s: %w", ref.FullName(), err)
	}
	w.recorder.IncEnqueued(w.analysisQueue)
	w.log.Info("enqueued for analysis", logfields.FullName(ref.FullName()), logfields.JobID(job.ID))
	return nil
}
