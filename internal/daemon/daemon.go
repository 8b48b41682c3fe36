// Package daemon runs the pipeline's long-lived process: a pool of
// discovery- and analysis-queue consumers plus a gocron scheduler for
// periodic submitter polling and cache sweeping, all sharing one
// WorkerGroup shutdown boundary.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/pipeline"
	"github.com/vasillieux/escaped/internal/queue"
	"github.com/vasillieux/escaped/internal/semaphore"
	"github.com/vasillieux/escaped/internal/store"
	"github.com/vasillieux/escaped/internal/submitter"
	"github.com/vasillieux/escaped/internal/util/sets"
	"github.com/vasillieux/escaped/internal/workspace"
)

// DiscoveryProcessor is the subset of discoveryworker.Worker the daemon's
// consumer loop depends on, kept narrow so tests can substitute a fake.
type DiscoveryProcessor interface {
	ProcessJob(ctx context.Context, job jobs.DiscoveryJob) error
}

// AnalysisProcessor is the subset of analyzer.Worker the daemon's consumer
// loop depends on.
type AnalysisProcessor interface {
	ProcessJob(ctx context.Context, job jobs.AnalysisJob) error
}

// Status is the daemon's coarse lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

const (
	defaultDiscoveryConcurrency = 2
	maxAnalysisConcurrency      = 32
)

// Deps bundles everything Run needs to drive the pipeline's two queues plus
// the periodic submitter/cache-sweep schedule.
type Deps struct {
	Config    config.Config
	Queue     queue.Queue
	Store     *store.Store
	Submitter *submitter.Submitter
	Discovery DiscoveryProcessor
	Analyzer  AnalysisProcessor
	Logger    *slog.Logger

	// Semaphore and Recorder feed the periodic metrics sampling job;
	// MetricsRegistry backs the /metrics listener on Config.MetricsAddr.
	// DLQ, when set, is drained into the log on a schedule.
	Semaphore       semaphore.Semaphore
	Recorder        metrics.Recorder
	MetricsRegistry *prom.Registry
	DLQ             *pipeline.DeadLetterQueue

	// DiscoveryConcurrency/AnalysisConcurrency override the default consumer
	// pool sizes. Zero means "use the default". Real admission control for
	// analysis happens inside the Analyzer's own semaphore check, so running
	// more analysis consumers than GlobalMaxConcurrentPipelines only adds
	// extra polling concurrency, not extra concurrent clones.
	DiscoveryConcurrency int
	AnalysisConcurrency  int
}

// Daemon supervises the discovery/analysis consumer pool and the scheduler.
type Daemon struct {
	cfg       config.Config
	q         queue.Queue
	store     *store.Store
	submitter *submitter.Submitter
	discovery DiscoveryProcessor
	analyzer  AnalysisProcessor
	log       *slog.Logger

	sem      semaphore.Semaphore
	recorder metrics.Recorder
	promReg  *prom.Registry
	dlq      *pipeline.DeadLetterQueue

	discoveryConcurrency int
	analysisConcurrency  int

	workers   WorkerGroup
	scheduler *Scheduler

	mu     sync.RWMutex
	status Status
}

// New constructs a Daemon. It does not start anything; call Run.
func New(d Deps) *Daemon {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	discoveryConcurrency := d.DiscoveryConcurrency
	if discoveryConcurrency <= 0 {
		discoveryConcurrency = defaultDiscoveryConcurrency
	}
	analysisConcurrency := d.AnalysisConcurrency
	if analysisConcurrency <= 0 {
		analysisConcurrency = int(d.Config.Concurrency.GlobalMaxConcurrentPipelines + d.Config.Concurrency.Headroom)
		if analysisConcurrency > maxAnalysisConcurrency {
			analysisConcurrency = maxAnalysisConcurrency
		}
		if analysisConcurrency <= 0 {
			analysisConcurrency = 1
		}
	}

	recorder := d.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	return &Daemon{
		cfg:                  d.Config,
		q:                    d.Queue,
		store:                d.Store,
		submitter:            d.Submitter,
		discovery:            d.Discovery,
		analyzer:             d.Analyzer,
		log:                  logger,
		sem:                  d.Semaphore,
		recorder:             recorder,
		promReg:              d.MetricsRegistry,
		dlq:                  d.DLQ,
		discoveryConcurrency: discoveryConcurrency,
		analysisConcurrency:  analysisConcurrency,
		status:               StatusStopped,
	}
}

// Status reports the daemon's current lifecycle state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Daemon) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Run ensures the output directory tree exists, starts the consumer pool
// and scheduler, and blocks until ctx is canceled, then drains in-flight
// work before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.setStatus(StatusStarting)

	if err := d.ensureOutputLayout(); err != nil {
		d.setStatus(StatusError)
		return fmt.Errorf("daemon: preparing output layout: %w", err)
	}

	sched, err := NewScheduler(d.log)
	if err != nil {
		d.setStatus(StatusError)
		return fmt.Errorf("daemon: constructing scheduler: %w", err)
	}
	d.scheduler = sched

	if d.submitter != nil {
		if err := d.scheduler.ScheduleSubmitterPolling(d.cfg.Submitter, d.submitter); err != nil {
			d.setStatus(StatusError)
			return fmt.Errorf("daemon: scheduling submitter polling: %w", err)
		}
	}
	if d.store != nil {
		if err := d.scheduler.ScheduleCacheSweep(d.cfg.Cache.TTL, d.store); err != nil {
			d.setStatus(StatusError)
			return fmt.Errorf("daemon: scheduling cache sweep: %w", err)
		}
	}
	if d.sem != nil {
		queues := []string{d.cfg.Queue.DiscoveryQueue, d.cfg.Queue.AnalysisQueue}
		if err := d.scheduler.ScheduleMetricsSampling(d.sem, d.q, queues, d.recorder); err != nil {
			d.setStatus(StatusError)
			return fmt.Errorf("daemon: scheduling metrics sampling: %w", err)
		}
	}
	if d.dlq != nil {
		if err := d.scheduler.ScheduleDLQDrain(d.dlq); err != nil {
			d.setStatus(StatusError)
			return fmt.Errorf("daemon: scheduling dead-letter drain: %w", err)
		}
	}
	d.scheduler.Start()

	var metricsSrv *http.Server
	if d.cfg.MetricsAddr != "" && d.promReg != nil {
		metricsSrv = &http.Server{
			Addr:    d.cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}),
		}
		d.workers.Go(func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics listener failed", logfields.Error(err))
			}
		})
		d.log.Info("serving metrics", slog.String("addr", d.cfg.MetricsAddr))
	}

	for i := 0; i < d.discoveryConcurrency; i++ {
		d.workers.Go(func() { d.consumeDiscovery(ctx) })
	}
	for i := 0; i < d.analysisConcurrency; i++ {
		d.workers.Go(func() { d.consumeAnalysis(ctx) })
	}

	d.log.Info("daemon running",
		slog.Int("discovery_workers", d.discoveryConcurrency),
		slog.Int("analysis_workers", d.analysisConcurrency))
	d.setStatus(StatusRunning)

	<-ctx.Done()

	d.setStatus(StatusStopping)
	d.log.Info("daemon stopping")

	if err := d.scheduler.Stop(); err != nil {
		d.log.Warn("scheduler shutdown reported an error", logfields.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("metrics listener shutdown reported an error", logfields.Error(err))
		}
	}
	if err := d.workers.StopAndWait(shutdownCtx); err != nil {
		d.setStatus(StatusError)
		return fmt.Errorf("daemon: waiting for workers to drain: %w", err)
	}

	d.setStatus(StatusStopped)
	d.log.Info("daemon stopped")
	return nil
}

// ensureOutputLayout creates BASE_OUTPUT_DIR and every configured subdir
// under it before any worker writes into the tree. A persistent workspace
// manager pinned to BaseDir itself (no nested subdir name) represents the
// root; a set dedupes subdir names in case two config fields collide.
func (d *Daemon) ensureOutputLayout() error {
	root := workspace.NewPersistentManager(d.cfg.Output.BaseDir, "")
	if err := root.Create(); err != nil {
		return err
	}

	seen := sets.New[string]()
	for _, sub := range []string{
		d.cfg.Output.ClonedReposSubdir,
		d.cfg.Output.RestoredFilesSubdir,
		d.cfg.Output.DanglingBlobsSubdir,
		d.cfg.Output.TrufflehogResultsDir,
		d.cfg.Output.CustomRegexResultsDir,
	} {
		if sub == "" || seen.Has(sub) {
			continue
		}
		seen.Add(sub)
		if _, err := root.CreateSubdir(sub); err != nil {
			return fmt.Errorf("creating output subdir %q: %w", sub, err)
		}
	}
	return nil
}

func (d *Daemon) consumeDiscovery(ctx context.Context) {
	queueName := d.cfg.Queue.DiscoveryQueue
	for {
		msg, err := d.q.Dequeue(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("discovery dequeue failed", logfields.Queue(queueName), logfields.Error(err))
			continue
		}

		var job jobs.DiscoveryJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			d.log.Error("dropping malformed discovery job", logfields.Queue(queueName), logfields.Error(err))
			_ = d.q.Ack(ctx, queueName, msg.Handle)
			continue
		}

		if err := d.discovery.ProcessJob(ctx, job); err != nil {
			d.log.Error("discovery job failed, nacking for redelivery", logfields.JobID(job.ID), logfields.Error(err))
			_ = d.q.Nack(ctx, queueName, msg.Handle)
			continue
		}
		_ = d.q.Ack(ctx, queueName, msg.Handle)
	}
}

func (d *Daemon) consumeAnalysis(ctx context.Context) {
	queueName := d.cfg.Queue.AnalysisQueue
	for {
		msg, err := d.q.Dequeue(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("analysis dequeue failed", logfields.Queue(queueName), logfields.Error(err))
			continue
		}

		var job jobs.AnalysisJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			d.log.Error("dropping malformed analysis job", logfields.Queue(queueName), logfields.Error(err))
			_ = d.q.Ack(ctx, queueName, msg.Handle)
			continue
		}

		if err := d.analyzer.ProcessJob(ctx, job); err != nil {
			d.log.Error("analysis job failed, nacking for redelivery", logfields.JobID(job.ID), logfields.FullName(job.Repo.FullName()), logfields.Error(err))
			_ = d.q.Nack(ctx, queueName, msg.Handle)
			continue
		}
		_ = d.q.Ack(ctx, queueName, msg.Handle)
	}
}
