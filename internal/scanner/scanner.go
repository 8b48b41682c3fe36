// Package scanner implements the secret-scanning engine contract the
// analyzer calls against a cloned repo, a restored-files directory, or a
// dangling-blobs directory. Two independent engines satisfy the contract
// behind a uniform Engine interface: TruffleHog (external tool) and a
// regex heuristic engine (in-process). Each can be toggled on its own.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/metrics"
)

// Request describes one scan: a filesystem path plus enough context to
// label the findings and the output file correctly.
type Request struct {
	ScanPath    string
	Org         string
	Repo        string
	SourceType  jobs.SourceType
	CommitDepth int // bounds history depth for git-mode scans; 0 means full history
}

// Engine is the scanner contract: scan a path, return findings. Exit codes
// 0 and 1 from an underlying tool both count as success; anything else is
// a non-fatal scanner error returned to the caller for logging.
type Engine interface {
	Name() string
	Scan(ctx context.Context, req Request) ([]jobs.Finding, error)
}

// ResultWriter persists a scan's findings as the JSON file the rest of the
// pipeline (and any operator inspecting BASE_OUTPUT_DIR by hand) expects:
// {safe_org}_{safe_repo}_{source_type}_{engine}.json. A results file is
// always written, an empty array when nothing was found.
type ResultWriter struct {
	Dir string
}

func (w ResultWriter) Write(req Request, engine string, findings []jobs.Finding) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("scanner: create results dir %q: %w", w.Dir, err)
	}
	name := fmt.Sprintf("%s_%s_%s_%s.json", safeSegment(req.Org), safeSegment(req.Repo), req.SourceType, engine)
	payload, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return fmt.Errorf("scanner: marshal findings: %w", err)
	}
	if findings == nil {
		payload = []byte("[]")
	}
	return os.WriteFile(filepath.Join(w.Dir, name), payload, 0o644)
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Orchestrator runs the configured set of engines against a single Request
// and persists each engine's own results file, combining all findings into
// one slice for the caller (the analyzer records them to internal/store and
// publishes pipeline events).
type Orchestrator struct {
	engines  []Engine
	writer   ResultWriter
	recorder metrics.Recorder
}

// NewOrchestrator builds an Orchestrator over the given engines, writing
// each one's results file under resultsDir.
func NewOrchestrator(resultsDir string, recorder metrics.Recorder, engines ...Engine) *Orchestrator {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Orchestrator{engines: engines, writer: ResultWriter{Dir: resultsDir}, recorder: recorder}
}

func (o *Orchestrator) Scan(ctx context.Context, req Request) ([]jobs.Finding, error) {
	var all []jobs.Finding
	var errs []error
	for _, engine := range o.engines {
		started := time.Now()
		findings, err := engine.Scan(ctx, req)
		o.recorder.ObserveScanDuration(engine.Name(), time.Since(started), err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", engine.Name(), err))
			continue // a single engine's failure does not block the others
		}
		if writeErr := o.writer.Write(req, engine.Name(), findings); writeErr != nil {
			errs = append(errs, fmt.Errorf("%s: write results: %w", engine.Name(), writeErr))
		}
		all = append(all, findings...)
	}
	if len(errs) > 0 {
		return all, fmt.Errorf("scanner: %d engine(s) failed: %v", len(errs), errs)
	}
	return all, nil
}
