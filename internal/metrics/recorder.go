package metrics

import "time"

// StageLabel identifies which pipeline stage a metric belongs to.
type StageLabel string

const (
	StageDiscovery StageLabel = "discovery"
	StageCloning   StageLabel = "cloning"
	StageScanning  StageLabel = "scanning"
)

// OutcomeLabel enumerates terminal job outcomes for counters.
type OutcomeLabel string

const (
	OutcomeCompleted OutcomeLabel = "completed"
	OutcomeAborted   OutcomeLabel = "aborted"
	OutcomeFailed    OutcomeLabel = "failed"
	OutcomeRequeued  OutcomeLabel = "requeued"
)

// Recorder defines observability hooks for the discovery/analysis pipeline.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe to call on a nil receiver via NoopRecorder.
type Recorder interface {
	// SetSemaphoreActive/SetSemaphoreMax track the cluster-wide pipeline slots.
	SetSemaphoreActive(n int64)
	SetSemaphoreMax(n int64)
	IncSemaphoreDenied()

	// SetQueueDepth tracks queue backlog per queue name.
	SetQueueDepth(queue string, depth int64)
	IncEnqueued(queue string)
	IncRequeued(queue string, delayed bool)

	ObserveCloneDuration(d time.Duration, attempt int, success bool)
	IncCloneAttempt(attempt int, success bool)
	IncCloneRetryExhausted()

	ObserveScanDuration(scanner string, d time.Duration, success bool)
	IncFinding(scanner, sourceType string)

	ObserveStageDuration(stage StageLabel, d time.Duration)
	IncJobOutcome(stage StageLabel, outcome OutcomeLabel)

	IncProcessedCacheHit()
	IncProcessedCacheMiss()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) SetSemaphoreActive(int64)                        {}
func (NoopRecorder) SetSemaphoreMax(int64)                           {}
func (NoopRecorder) IncSemaphoreDenied()                             {}
func (NoopRecorder) SetQueueDepth(string, int64)                     {}
func (NoopRecorder) IncEnqueued(string)                              {}
func (NoopRecorder) IncRequeued(string, bool)                        {}
func (NoopRecorder) ObserveCloneDuration(time.Duration, int, bool)   {}
func (NoopRecorder) IncCloneAttempt(int, bool)                       {}
func (NoopRecorder) IncCloneRetryExhausted()                         {}
func (NoopRecorder) ObserveScanDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncFinding(string, string)                       {}
func (NoopRecorder) ObserveStageDuration(StageLabel, time.Duration)  {}
func (NoopRecorder) IncJobOutcome(StageLabel, OutcomeLabel)          {}
func (NoopRecorder) IncProcessedCacheHit()                           {}
func (NoopRecorder) IncProcessedCacheMiss()                          {}
