// Package analyzer turns one AnalysisJob into clones, restored history,
// dangling blobs, and scanner findings. Every exit path releases the
// semaphore slot exactly once and deletes the cloned tree exactly once,
// regardless of which step failed.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/pipeline"
	"github.com/vasillieux/escaped/internal/queue"
	"github.com/vasillieux/escaped/internal/scanner"
	"github.com/vasillieux/escaped/internal/semaphore"
)

// Cloner is the subset of internal/gitremote.Client this worker depends on.
type Cloner interface {
	Clone(ctx context.Context, repoURL, targetPath string) error
}

// HistoryWalker is the subset of internal/gitwalk.Walker this worker
// depends on.
type HistoryWalker interface {
	RestoreDeletedFiles(ctx context.Context, repoPath string) ([]jobs.RestoredFile, error)
	ExtractDanglingBlobs(ctx context.Context, repoPath string) ([]jobs.DanglingBlob, error)
}

// ScanEngine is the subset of internal/scanner.Orchestrator this worker
// depends on.
type ScanEngine interface {
	Scan(ctx context.Context, req scanner.Request) ([]jobs.Finding, error)
}

// FindingsStore persists completed scan findings.
type FindingsStore interface {
	RecordFinding(ctx context.Context, f jobs.Finding, now time.Time) error
}

// ProcessedCache is the subset of internal/cache.Cache this worker needs.
type ProcessedCache interface {
	MarkProcessed(ctx context.Context, ref jobs.RepoRef) error
}

// Worker drains the analysis queue.
type Worker struct {
	sem       semaphore.Semaphore
	q         queue.Queue
	selfQueue string
	cloner    Cloner
	walker    HistoryWalker
	scan      ScanEngine
	findings  FindingsStore
	cache     ProcessedCache
	bus       *pipeline.Bus
	recorder  metrics.Recorder

	cloneRoot   string
	output      config.Output
	retry       config.Retry
	commitDepth int

	log           *slog.Logger
	now           func() time.Time
	requeueJitter func() time.Duration
}

// Deps bundles Worker's collaborators so New has one argument instead of a
// dozen positional ones.
type Deps struct {
	Semaphore     semaphore.Semaphore
	Queue         queue.Queue
	SelfQueueName string
	Cloner        Cloner
	Walker        HistoryWalker
	Scanner       ScanEngine
	Findings      FindingsStore
	Cache         ProcessedCache
	Bus           *pipeline.Bus
	Recorder      metrics.Recorder
	CloneRoot     string
	Output        config.Output
	Retry         config.Retry
	CommitDepth   int
	Logger        *slog.Logger
}

// New constructs a Worker from Deps.
func New(d Deps) *Worker {
	if d.Recorder == nil {
		d.Recorder = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Worker{
		sem: d.Semaphore, q: d.Queue, selfQueue: d.SelfQueueName,
		cloner: d.Cloner, walker: d.Walker, scan: d.Scanner,
		findings: d.Findings, cache: d.Cache, bus: d.Bus, recorder: d.Recorder,
		cloneRoot: d.CloneRoot, output: d.Output, retry: d.Retry, commitDepth: d.CommitDepth,
		log: d.Logger, now: time.Now,
		requeueJitter: func() time.Duration { return time.Duration(rand.Int63n(int64(30 * time.Second))) },
	}
}

// ProcessJob runs the full Received -> Admitting -> {ReQueued | Cloning} ->
// {Aborted | Scanning -> Completed} state machine for one AnalysisJob. It
// never returns an error for business-logic outcomes (admission denial,
// clone failure) since those are expected terminal states, not bugs; only
// infrastructure failures (queue/store errors) propagate as errors.
func (w *Worker) ProcessJob(ctx context.Context, job jobs.AnalysisJob) error {
	ref := job.Repo
	w.log.Info("received analysis job", logfields.FullName(ref.FullName()), logfields.JobID(job.ID))

	acquired, err := w.sem.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("analyzer: acquiring semaphore: %w", err)
	}
	if !acquired {
		w.recorder.IncSemaphoreDenied()
		return w.requeue(ctx, job)
	}

	defer func() {
		if relErr := w.sem.Release(ctx); relErr != nil {
			w.log.Error("failed to release semaphore slot", logfields.FullName(ref.FullName()), logfields.Error(relErr))
		}
	}()

	return w.runAnalysis(ctx, job)
}

// requeue re-enqueues job as a fresh AnalysisJob after the configured
// backoff plus up to 30s of jitter, in lieu of holding the slotless job
// in-process.
func (w *Worker) requeue(ctx context.Context, job jobs.AnalysisJob) error {
	delay := w.retry.AnalyzerRequeueDelay + w.requeueJitter()
	job.AttemptHint++
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("analyzer: marshaling requeued job: %w", err)
	}
	if err := w.q.EnqueueDelayed(ctx, w.selfQueue, payload, delay, w.retry.AnalyzerRequeueDelay); err != nil {
		return fmt.Errorf("analyzer: requeuing %s: %w", job.Repo.FullName(), err)
	}
	w.recorder.IncRequeued(w.selfQueue, true)
	w.recorder.IncJobOutcome(metrics.StageCloning, metrics.OutcomeRequeued)
	w.log.Info("too many active pipelines, requeuing", logfields.FullName(job.Repo.FullName()), slog.Duration("delay", delay), logfields.Attempt(job.AttemptHint))
	w.publish(pipeline.EventAnalysisRequeued, job)
	return nil
}

// publish emits a job-scoped event on the bus, when one is wired.
func (w *Worker) publish(name string, job jobs.AnalysisJob) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(pipeline.JobEvent{EventName: name, JobID: job.ID, Repo: job.Repo.FullName()}); err != nil {
		w.log.Warn("event handler failed", slog.String("event", name), logfields.Error(err))
	}
}

// runAnalysis clones, scans, and cleans up for a single repo, with the slot
// already acquired. It always deletes the cloned tree before returning,
// regardless of which step failed.
func (w *Worker) runAnalysis(ctx context.Context, job jobs.AnalysisJob) error {
	started := w.now()
	ref := job.Repo
	repoURL := fmt.Sprintf("https://github.com/%s/%s.git", ref.Org, ref.Repo)
	targetPath := filepath.Join(w.cloneRoot, ref.SafeOrg(), ref.SafeRepo())

	cloneErr := w.cloner.Clone(ctx, repoURL, targetPath)
	w.recorder.ObserveCloneDuration(w.now().Sub(started), 1, cloneErr == nil)
	if cloneErr != nil {
		w.recorder.IncJobOutcome(metrics.StageCloning, metrics.OutcomeAborted)
		w.log.Warn("clone failed, aborting analysis for this repo", logfields.FullName(ref.FullName()), logfields.Error(cloneErr))
		w.publish(pipeline.EventAnalysisAborted, job)
		return nil
	}
	defer func() {
		if rmErr := os.RemoveAll(targetPath); rmErr != nil {
			w.log.Warn("failed to remove cloned repo tree", logfields.Path(targetPath), logfields.Error(rmErr))
		}
	}()

	w.log.Info("cloned, starting scans", logfields.FullName(ref.FullName()), logfields.Path(targetPath))

	if err := w.scanSourceType(ctx, job, targetPath, jobs.SourceTypeLocalRepo); err != nil {
		return err
	}

	if err := w.scanRestoredFiles(ctx, job, targetPath); err != nil {
		return err
	}

	if err := w.scanDanglingBlobs(ctx, job, targetPath); err != nil {
		return err
	}

	if w.cache != nil {
		if err := w.cache.MarkProcessed(ctx, ref); err != nil {
			w.log.Warn("failed to mark repo processed", logfields.FullName(ref.FullName()), logfields.Error(err))
		}
	}
	w.recorder.IncJobOutcome(metrics.StageScanning, metrics.OutcomeCompleted)
	w.recorder.ObserveStageDuration(metrics.StageScanning, w.now().Sub(started))
	w.log.Info("analysis complete", logfields.FullName(ref.FullName()), slog.Duration("took", w.now().Sub(started)))
	w.publish(pipeline.EventAnalysisCompleted, job)
	return nil
}

func (w *Worker) scanSourceType(ctx context.Context, job jobs.AnalysisJob, path string, sourceType jobs.SourceType) error {
	ref := job.Repo
	findings, err := w.scan.Scan(ctx, scanner.Request{
		ScanPath: path, Org: ref.Org, Repo: ref.Repo, SourceType: sourceType, CommitDepth: w.commitDepth,
	})
	if err != nil {
		w.log.Warn("scan completed with engine errors", logfields.FullName(ref.FullName()), logfields.SourceType(string(sourceType)), logfields.Error(err))
	}
	return w.recordFindings(ctx, job, findings)
}

func (w *Worker) recordFindings(ctx context.Context, job jobs.AnalysisJob, findings []jobs.Finding) error {
	if w.findings == nil {
		return nil
	}
	now := w.now()
	for _, f := range findings {
		w.recorder.IncFinding(f.Detector, string(f.SourceType))
		if err := w.findings.RecordFinding(ctx, f, now); err != nil {
			return fmt.Errorf("analyzer: recording finding: %w", err)
		}
		w.publish(pipeline.EventFindingRecorded, job)
	}
	return nil
}

// scanRestoredFiles recovers deleted-file content from the repo's history,
// materializes it under the restored-files subtree, and scans that
// directory only if anything was actually restored.
func (w *Worker) scanRestoredFiles(ctx context.Context, job jobs.AnalysisJob, repoPath string) error {
	ref := job.Repo
	restored, err := w.walker.RestoreDeletedFiles(ctx, repoPath)
	if err != nil {
		w.log.Warn("restoring deleted files failed", logfields.FullName(ref.FullName()), logfields.Error(err))
		return nil
	}
	if len(restored) == 0 {
		w.log.Info("no deleted files restored", logfields.FullName(ref.FullName()))
		return nil
	}

	dir := filepath.Join(w.output.BaseDir, w.output.RestoredFilesSubdir, ref.SafeOrg(), ref.SafeRepo())
	if err := writeArtifacts(dir, restored); err != nil {
		return fmt.Errorf("analyzer: writing restored files: %w", err)
	}
	w.log.Info("scanning restored files", logfields.FullName(ref.FullName()), slog.Int("count", len(restored)))
	return w.scanSourceType(ctx, job, dir, jobs.SourceTypeRestoredFiles)
}

// scanDanglingBlobs recovers unreachable git objects, materializes them,
// and scans the directory only if anything was found.
func (w *Worker) scanDanglingBlobs(ctx context.Context, job jobs.AnalysisJob, repoPath string) error {
	ref := job.Repo
	blobs, err := w.walker.ExtractDanglingBlobs(ctx, repoPath)
	if err != nil {
		w.log.Warn("extracting dangling blobs failed", logfields.FullName(ref.FullName()), logfields.Error(err))
		return nil
	}
	if len(blobs) == 0 {
		w.log.Info("no dangling blobs found", logfields.FullName(ref.FullName()))
		return nil
	}

	dir := filepath.Join(w.output.BaseDir, w.output.DanglingBlobsSubdir, ref.SafeOrg(), ref.SafeRepo())
	if err := writeArtifacts(dir, blobs); err != nil {
		return fmt.Errorf("analyzer: writing dangling blobs: %w", err)
	}
	w.log.Info("scanning dangling blobs", logfields.FullName(ref.FullName()), slog.Int("count", len(blobs)))
	return w.scanSourceType(ctx, job, dir, jobs.SourceTypeDanglingBlobs)
}

// namedArtifact is satisfied by jobs.RestoredFile and jobs.DanglingBlob.
type namedArtifact interface {
	SafeName() string
}

// writeArtifacts materializes each recovered byte stream and keeps a
// plain-text audit log alongside the outputs, one line per write, so an
// operator can reconstruct what a run recovered without parsing filenames.
func writeArtifacts[T namedArtifact](dir string, items []T) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	var audit strings.Builder
	for _, item := range items {
		var content []byte
		switch v := any(item).(type) {
		case jobs.RestoredFile:
			content = v.Bytes
		case jobs.DanglingBlob:
			content = v.Bytes
		}
		name := item.SafeName()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, content, 0o640); err != nil {
			fmt.Fprintf(&audit, "failed %s: %v\n", name, err)
			if auditErr := appendAuditLog(dir, audit.String()); auditErr != nil {
				return errors.Join(err, auditErr)
			}
			return err
		}
		fmt.Fprintf(&audit, "wrote %s (%d bytes)\n", name, len(content))
	}
	return appendAuditLog(dir, audit.String())
}

func appendAuditLog(dir, entries string) error {
	if entries == "" {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(entries)
	return err
}
