package metrics

import (
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once

	semaphoreActive prom.Gauge
	semaphoreMax    prom.Gauge
	semaphoreDenied prom.Counter

	queueDepth    *prom.GaugeVec
	enqueued      *prom.CounterVec
	requeued      *prom.CounterVec

	cloneDuration    *prom.HistogramVec
	cloneAttempts    *prom.CounterVec
	cloneExhausted   prom.Counter

	scanDuration *prom.HistogramVec
	findings     *prom.CounterVec

	stageDuration *prom.HistogramVec
	jobOutcomes   *prom.CounterVec

	cacheHits   prom.Counter
	cacheMisses prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.semaphoreActive = prom.NewGauge(prom.GaugeOpts{
			Namespace: "escaped",
			Name:      "pipeline_semaphore_active",
			Help:      "Number of pipelines currently holding a cluster-wide concurrency slot",
		})
		pr.semaphoreMax = prom.NewGauge(prom.GaugeOpts{
			Namespace: "escaped",
			Name:      "pipeline_semaphore_max",
			Help:      "Configured cluster-wide concurrency limit",
		})
		pr.semaphoreDenied = prom.NewCounter(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "pipeline_semaphore_denied_total",
			Help:      "Count of admission attempts denied because the semaphore was full",
		})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "escaped",
			Name:      "queue_depth",
			Help:      "Observed queue backlog depth",
		}, []string{"queue"})
		pr.enqueued = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "queue_enqueued_total",
			Help:      "Jobs enqueued by queue name",
		}, []string{"queue"})
		pr.requeued = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "queue_requeued_total",
			Help:      "Jobs requeued by queue name, split by delayed vs immediate",
		}, []string{"queue", "delayed"})
		pr.cloneDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "escaped",
			Name:      "clone_duration_seconds",
			Help:      "Duration of individual repository clone attempts",
			Buckets:   prom.DefBuckets,
		}, []string{"attempt", "result"})
		pr.cloneAttempts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "clone_attempts_total",
			Help:      "Clone attempts by attempt number and result",
		}, []string{"attempt", "result"})
		pr.cloneExhausted = prom.NewCounter(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "clone_retries_exhausted_total",
			Help:      "Count of repositories abandoned after exhausting clone retries",
		})
		pr.scanDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "escaped",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scanner invocations",
			Buckets:   prom.DefBuckets,
		}, []string{"scanner", "result"})
		pr.findings = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "findings_total",
			Help:      "Findings recorded by scanner and source type",
		}, []string{"scanner", "source_type"})
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "escaped",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages (discovery/cloning/scanning)",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "job_outcomes_total",
			Help:      "Terminal job outcomes by stage",
		}, []string{"stage", "outcome"})
		pr.cacheHits = prom.NewCounter(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "processed_cache_hits_total",
			Help:      "Repositories skipped because already present in the processed-repo cache",
		})
		pr.cacheMisses = prom.NewCounter(prom.CounterOpts{
			Namespace: "escaped",
			Name:      "processed_cache_misses_total",
			Help:      "Repositories admitted because absent from the processed-repo cache",
		})
		reg.MustRegister(
			pr.semaphoreActive, pr.semaphoreMax, pr.semaphoreDenied,
			pr.queueDepth, pr.enqueued, pr.requeued,
			pr.cloneDuration, pr.cloneAttempts, pr.cloneExhausted,
			pr.scanDuration, pr.findings,
			pr.stageDuration, pr.jobOutcomes,
			pr.cacheHits, pr.cacheMisses,
		)
	})
	return pr
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

func (p *PrometheusRecorder) SetSemaphoreActive(n int64) {
	if p == nil || p.semaphoreActive == nil {
		return
	}
	p.semaphoreActive.Set(float64(n))
}

func (p *PrometheusRecorder) SetSemaphoreMax(n int64) {
	if p == nil || p.semaphoreMax == nil {
		return
	}
	p.semaphoreMax.Set(float64(n))
}

func (p *PrometheusRecorder) IncSemaphoreDenied() {
	if p == nil || p.semaphoreDenied == nil {
		return
	}
	p.semaphoreDenied.Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(queue string, depth int64) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (p *PrometheusRecorder) IncEnqueued(queue string) {
	if p == nil || p.enqueued == nil {
		return
	}
	p.enqueued.WithLabelValues(queue).Inc()
}

func (p *PrometheusRecorder) IncRequeued(queue string, delayed bool) {
	if p == nil || p.requeued == nil {
		return
	}
	p.requeued.WithLabelValues(queue, strconv.FormatBool(delayed)).Inc()
}

func (p *PrometheusRecorder) ObserveCloneDuration(d time.Duration, attempt int, success bool) {
	if p == nil || p.cloneDuration == nil {
		return
	}
	p.cloneDuration.WithLabelValues(strconv.Itoa(attempt), resultLabel(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCloneAttempt(attempt int, success bool) {
	if p == nil || p.cloneAttempts == nil {
		return
	}
	p.cloneAttempts.WithLabelValues(strconv.Itoa(attempt), resultLabel(success)).Inc()
}

func (p *PrometheusRecorder) IncCloneRetryExhausted() {
	if p == nil || p.cloneExhausted == nil {
		return
	}
	p.cloneExhausted.Inc()
}

func (p *PrometheusRecorder) ObserveScanDuration(scanner string, d time.Duration, success bool) {
	if p == nil || p.scanDuration == nil {
		return
	}
	p.scanDuration.WithLabelValues(scanner, resultLabel(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFinding(scanner, sourceType string) {
	if p == nil || p.findings == nil {
		return
	}
	p.findings.WithLabelValues(scanner, sourceType).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(stage StageLabel, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(stage StageLabel, outcome OutcomeLabel) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(string(stage), string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncProcessedCacheHit() {
	if p == nil || p.cacheHits == nil {
		return
	}
	p.cacheHits.Inc()
}

func (p *PrometheusRecorder) IncProcessedCacheMiss() {
	if p == nil || p.cacheMisses == nil {
		return
	}
	p.cacheMisses.Inc()
}
