package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/vasillieux/escaped/internal/analyzer"
	"github.com/vasillieux/escaped/internal/cache"
	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/discoveryworker"
	"github.com/vasillieux/escaped/internal/gitremote"
	"github.com/vasillieux/escaped/internal/gitwalk"
	"github.com/vasillieux/escaped/internal/hostingcli"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/pipeline"
	"github.com/vasillieux/escaped/internal/queue"
	"github.com/vasillieux/escaped/internal/scanner"
	"github.com/vasillieux/escaped/internal/semaphore"
	"github.com/vasillieux/escaped/internal/store"
	"github.com/vasillieux/escaped/internal/submitter"
)

const semaphoreBucketName = "escaped_semaphore"

// runtime is the fully-assembled dependency graph shared by every
// subcommand: one queue, one semaphore, one store, and the three workers
// built on top of them.
type runtime struct {
	queue     queue.Queue
	sem       semaphore.Semaphore
	store     *store.Store
	submitter *submitter.Submitter
	discovery *discoveryworker.Worker
	analyzer  *analyzer.Worker

	recorder metrics.Recorder
	promReg  *prom.Registry
	dlq      *pipeline.DeadLetterQueue

	natsConn *nats.Conn
}

// newRuntime loads configuration and wires every component, choosing the
// in-memory or NATS-backed queue/semaphore implementation per
// cfg.Queue.Backend.
func newRuntime(root *CLI, g *Global) (*runtime, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if root.Verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	g.Config = cfg

	rt := &runtime{}

	switch cfg.Queue.Backend {
	case config.QueueBackendNATS:
		if err := rt.wireNATS(cfg, g.Logger); err != nil {
			return nil, err
		}
	default:
		rt.queue = queue.NewInMemory(cfg.Queue.VisibilityTimeout)
		rt.sem = semaphore.NewInMemory(cfg.Concurrency.GlobalMaxConcurrentPipelines, g.Logger)
	}

	st, err := store.Open(storePath(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	rt.store = st

	rt.promReg = prom.NewRegistry()
	rt.recorder = metrics.NewPrometheusRecorder(rt.promReg)
	rt.recorder.SetSemaphoreMax(cfg.Concurrency.GlobalMaxConcurrentPipelines)

	rt.dlq = pipeline.NewDeadLetterQueue()
	bus := pipeline.NewBusWithEventStore(st).WithDeadLetterQueue(rt.dlq)
	subscribeEventLogging(bus, g.Logger)

	procCache := cache.New(st, cfg.Cache.TTL, rt.recorder)

	hosting := hostingcli.New(cfg.Clone.Timeout)
	rt.discovery = discoveryworker.New(hosting, procCache, rt.queue, cfg.Queue.AnalysisQueue, cfg.Discovery, rt.recorder, bus, g.Logger)

	cloner := gitremote.New(cfg.Clone.CloneRoot, cfg.Clone.Timeout, cfg.Retry.MaxCloneAttempts, gitremote.ProxyConfig{
		HTTPProxy:    cfg.Clone.HTTPProxy,
		HTTPSProxy:   cfg.Clone.HTTPSProxy,
		ProxyCommand: cfg.Clone.ProxyCommand,
	}, rt.recorder)
	walker := gitwalk.New(cfg.Clone.Timeout, cfg.Scanner.ScanCommitDepth)

	var engines []scanner.Engine
	if cfg.Scanner.TrufflehogEnabled {
		engines = append(engines, scanner.TruffleHog{Timeout: cfg.Scanner.TrufflehogTimeout})
	}
	if cfg.Scanner.CustomRegexEnabled {
		engines = append(engines, scanner.NewRegexHeuristics())
	}
	// Per-engine result files are disambiguated by engine name, so every
	// engine shares the trufflehog results subdir rather than splitting
	// across the two configured result directories.
	resultsDir := filepath.Join(cfg.Output.BaseDir, cfg.Output.TrufflehogResultsDir)
	orchestrator := scanner.NewOrchestrator(resultsDir, rt.recorder, engines...)

	rt.analyzer = analyzer.New(analyzer.Deps{
		Semaphore:     rt.sem,
		Queue:         rt.queue,
		SelfQueueName: cfg.Queue.AnalysisQueue,
		Cloner:        cloner,
		Walker:        walker,
		Scanner:       orchestrator,
		Findings:      st,
		Cache:         procCache,
		Bus:           bus,
		Recorder:      rt.recorder,
		CloneRoot:     cfg.Clone.CloneRoot,
		Output:        cfg.Output,
		Retry:         cfg.Retry,
		CommitDepth:   cfg.Scanner.ScanCommitDepth,
		Logger:        g.Logger,
	})

	rt.submitter = submitter.New(cfg.Submitter, cfg.Queue.DiscoveryQueue, cfg.Queue.AnalysisQueue,
		cfg.Concurrency.GlobalMaxConcurrentPipelines, cfg.AnalysisBuffer(), rt.queue, rt.sem, g.Logger)

	return rt, nil
}

// wireNATS dials the configured NATS server and derives the JetStream
// context and KeyValue bucket the queue and semaphore backends share.
// Both backends expect already-connected handles, so the dial-and-bootstrap
// step lives here, once per process.
func (rt *runtime) wireNATS(cfg *config.Config, logger *slog.Logger) error {
	conn, err := nats.Connect(cfg.Queue.NATSURL, nats.MaxReconnects(-1), nats.ReconnectWait(cfg.Retry.BrokerReconnectInterval))
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	rt.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: semaphoreBucketName,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating semaphore kv bucket: %w", err)
	}

	rt.queue = queue.NewNATS(js, "escaped", cfg.Queue.VisibilityTimeout)
	rt.sem = semaphore.NewNATS(kv, cfg.Concurrency.GlobalMaxConcurrentPipelines, logger)
	return nil
}

// subscribeEventLogging registers the operational subscribers every process
// runs: aborted analyses and recorded findings are worth a log line beyond
// the worker's own, since these handlers fire for events from any worker
// sharing the bus, and their failures land in the dead-letter queue.
func subscribeEventLogging(bus *pipeline.Bus, logger *slog.Logger) {
	bus.Subscribe(pipeline.EventAnalysisAborted, func(e pipeline.Event) error {
		if je, ok := e.(pipeline.JobEvent); ok {
			logger.Warn("analysis aborted", logfields.JobID(je.JobID), logfields.FullName(je.Repo))
		}
		return nil
	})
	bus.Subscribe(pipeline.EventFindingRecorded, func(e pipeline.Event) error {
		if je, ok := e.(pipeline.JobEvent); ok {
			logger.Info("finding recorded", logfields.JobID(je.JobID), logfields.FullName(je.Repo))
		}
		return nil
	})
	bus.Subscribe(pipeline.EventAnalysisRequeued, func(e pipeline.Event) error {
		if je, ok := e.(pipeline.JobEvent); ok {
			logger.Debug("analysis requeued for admission", logfields.JobID(je.JobID), logfields.FullName(je.Repo))
		}
		return nil
	})
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.Output.BaseDir, "escaped.db")
}
