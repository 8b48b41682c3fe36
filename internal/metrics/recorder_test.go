package metrics

import (
	"testing"
	"time"
)

// TestNoopRecorderDoesNotPanic exercises every Recorder method on the noop
// implementation, including nil-safety on *PrometheusRecorder-style callers.
func TestNoopRecorderDoesNotPanic(t *testing.T) {
	var r Recorder = NoopRecorder{}

	r.SetSemaphoreActive(3)
	r.SetSemaphoreMax(10)
	r.IncSemaphoreDenied()
	r.SetQueueDepth("discovery-jobs", 5)
	r.IncEnqueued("discovery-jobs")
	r.IncRequeued("analysis-jobs", true)
	r.ObserveCloneDuration(time.Second, 1, true)
	r.IncCloneAttempt(1, true)
	r.IncCloneRetryExhausted()
	r.ObserveScanDuration("trufflehog", time.Second, true)
	r.IncFinding("trufflehog", "restored_file")
	r.ObserveStageDuration(StageCloning, time.Second)
	r.IncJobOutcome(StageScanning, OutcomeCompleted)
	r.IncProcessedCacheHit()
	r.IncProcessedCacheMiss()
}

// TestNilPrometheusRecorderIsSafe mirrors the nil-receiver guard every method
// on *PrometheusRecorder carries, so a Recorder field left unset never panics.
func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var p *PrometheusRecorder

	p.SetSemaphoreActive(1)
	p.IncSemaphoreDenied()
	p.SetQueueDepth("q", 1)
	p.ObserveCloneDuration(time.Millisecond, 1, false)
	p.IncCloneRetryExhausted()
	p.ObserveScanDuration("regex", time.Millisecond, false)
	p.IncFinding("regex", "dangling_blob")
	p.ObserveStageDuration(StageDiscovery, time.Millisecond)
	p.IncJobOutcome(StageDiscovery, OutcomeFailed)
	p.IncProcessedCacheHit()
}
