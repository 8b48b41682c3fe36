package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/pipeline"
	"github.com/vasillieux/escaped/internal/queue"
	"github.com/vasillieux/escaped/internal/semaphore"
	"github.com/vasillieux/escaped/internal/store"
	"github.com/vasillieux/escaped/internal/submitter"
)

// Scheduler runs the daemon's periodic, non-job-triggered work: re-polling
// the Submitter's input files and sweeping the processed-repo cache for
// expired entries.
type Scheduler struct {
	sched gocron.Scheduler
	log   *slog.Logger
}

// NewScheduler constructs a Scheduler. Callers must call Start to begin
// running jobs and Stop to shut it down.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{sched: sched, log: logger}, nil
}

// ScheduleSubmitterPolling re-runs the Submitter's file-based submission
// paths on cfg.CheckInterval, as a fallback/complement to fsnotify-based
// watching for deployments where the input files live on a filesystem that
// doesn't deliver inotify events (network mounts, some container overlays).
func (s *Scheduler) ScheduleSubmitterPolling(cfg config.Submitter, sub *submitter.Submitter) error {
	if cfg.OrgListFile != "" {
		if _, err := s.sched.NewJob(
			gocron.DurationJob(cfg.CheckInterval),
			gocron.NewTask(func() {
				if err := sub.SubmitOrgListFile(context.Background(), cfg.OrgListFile); err != nil {
					s.log.Warn("scheduled org-list submission failed", logfields.Path(cfg.OrgListFile), logfields.Error(err))
				}
			}),
		); err != nil {
			return err
		}
	}
	if cfg.DirectRepoListFile != "" {
		if _, err := s.sched.NewJob(
			gocron.DurationJob(cfg.CheckInterval),
			gocron.NewTask(func() {
				if err := sub.SubmitDirectRepoListFile(context.Background(), cfg.DirectRepoListFile); err != nil {
					s.log.Warn("scheduled direct-repo submission failed", logfields.Path(cfg.DirectRepoListFile), logfields.Error(err))
				}
			}),
		); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleCacheSweep periodically evicts expired processed-repo entries from
// the durable store, at a quarter of the cache TTL (never less than a
// minute) so the backlog of stale entries stays bounded.
func (s *Scheduler) ScheduleCacheSweep(ttl time.Duration, st *store.Store) error {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := st.SweepExpired(context.Background(), time.Now())
			if err != nil {
				s.log.Warn("processed-cache sweep failed", logfields.Error(err))
				return
			}
			if n > 0 {
				s.log.Info("swept expired processed-cache entries", slog.Int64("removed", n))
			}
		}),
	)
	return err
}

// ScheduleMetricsSampling periodically publishes the semaphore and queue
// depth gauges. These values are owned by the semaphore and the broker, not
// by any single worker, so a sampler is their one natural recording site.
func (s *Scheduler) ScheduleMetricsSampling(sem semaphore.Semaphore, q queue.Queue, queues []string, recorder metrics.Recorder) error {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(15*time.Second),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			active, err := sem.Observe(ctx)
			if err != nil {
				s.log.Warn("metrics sampling could not observe semaphore", logfields.Error(err))
			} else {
				recorder.SetSemaphoreActive(active)
			}
			for _, name := range queues {
				depth, err := q.Depth(ctx, name)
				if err != nil {
					s.log.Warn("metrics sampling could not read queue depth", logfields.Queue(name), logfields.Error(err))
					continue
				}
				recorder.SetQueueDepth(name, depth)
			}
		}),
	)
	return err
}

// ScheduleDLQDrain periodically drains the in-process dead-letter queue into
// the log, so failed event deliveries surface somewhere an operator reads
// instead of accumulating silently in memory.
func (s *Scheduler) ScheduleDLQDrain(dlq *pipeline.DeadLetterQueue) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			if dlq.Count() == 0 {
				return
			}
			for _, fe := range dlq.GetAll() {
				s.log.Error("dead-lettered event", slog.String("event", fe.Event.Name()), slog.Time("at", fe.Timestamp), logfields.Error(fe.Error))
			}
			dlq.Clear()
		}),
	)
	return err
}

// Start begins running every scheduled job on its own timer.
func (s *Scheduler) Start() { s.sched.Start() }

// Stop shuts the scheduler down, waiting for in-flight job runs to finish.
func (s *Scheduler) Stop() error { return s.sched.Shutdown() }
