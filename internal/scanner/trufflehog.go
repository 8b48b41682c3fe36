package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/runner"
)

// TruffleHog shells out to the "trufflehog" binary: git mode (with an
// optional --max-depth) for a full clone, filesystem mode for
// restored-file and dangling-blob directories.
type TruffleHog struct {
	Timeout time.Duration
}

func (t TruffleHog) Name() string { return "trufflehog" }

func (t TruffleHog) Scan(ctx context.Context, req Request) ([]jobs.Finding, error) {
	argv := t.argv(req)
	res, err := runner.Run(ctx, argv, runner.Options{Timeout: t.Timeout, Capture: runner.CaptureBytes})
	if err != nil {
		return nil, fmt.Errorf("run trufflehog: %w", err)
	}
	// Exit codes 0 (clean) and 1 (findings present) both count as success.
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return nil, fmt.Errorf("trufflehog exited %d: %s", res.ExitCode, res.Stderr)
	}
	return parseTruffleHogJSONLines(res.Stdout, req)
}

func (t TruffleHog) argv(req Request) []string {
	if req.SourceType == jobs.SourceTypeLocalRepo {
		abs, err := filepath.Abs(req.ScanPath)
		if err != nil {
			abs = req.ScanPath
		}
		argv := []string{"trufflehog", "git", "file://" + abs, "--json"}
		if req.CommitDepth > 0 {
			argv = append(argv, fmt.Sprintf("--max-depth=%d", req.CommitDepth))
		}
		return argv
	}
	return []string{
		"trufflehog", "filesystem",
		"--only-verified", "--print-avg-detector-time",
		"--include-detectors=all", req.ScanPath, "--json",
	}
}

// truffleHogResult mirrors the handful of fields of trufflehog's
// newline-delimited JSON result object that this pipeline cares about.
type truffleHogResult struct {
	DetectorName string `json:"DetectorName"`
	Raw          string `json:"Raw"`
	SourceMetadata struct {
		Data struct {
			Filesystem struct {
				File string `json:"file"`
			} `json:"Filesystem"`
			Git struct {
				File   string `json:"file"`
				Commit string `json:"commit"`
			} `json:"Git"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
}

func parseTruffleHogJSONLines(stdout []byte, req Request) ([]jobs.Finding, error) {
	var findings []jobs.Finding
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw truffleHogResult
		if err := json.Unmarshal(line, &raw); err != nil {
			continue // trufflehog also prints non-JSON progress lines on stdout in some modes
		}
		if raw.Raw == "" {
			continue
		}
		filePath := raw.SourceMetadata.Data.Git.File
		if filePath == "" {
			filePath = raw.SourceMetadata.Data.Filesystem.File
		}
		findings = append(findings, jobs.Finding{
			Org:        req.Org,
			Repo:       req.Repo,
			FilePath:   filePath,
			SourceType: req.SourceType,
			Detector:   raw.DetectorName,
			Match:      raw.Raw,
			Severity:   jobs.SeverityHigh,
		})
	}
	return findings, scanner.Err()
}
