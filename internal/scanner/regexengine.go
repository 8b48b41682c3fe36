package scanner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vasillieux/escaped/internal/jobs"
)

// Heuristic pairs a detector name with a pattern and a reported severity.
// Extensions, when non-empty, restricts the heuristic to matching files.
type Heuristic struct {
	Name       string
	Pattern    *regexp.Regexp
	Severity   jobs.Severity
	Extensions []string
}

func (h Heuristic) appliesTo(fileName string) bool {
	if len(h.Extensions) == 0 {
		return true
	}
	for _, ext := range h.Extensions {
		if strings.HasSuffix(fileName, ext) {
			return true
		}
	}
	return false
}

// DefaultHeuristics is a small, illustrative starter set; operators are
// expected to extend it for their own detector coverage.
func DefaultHeuristics() []Heuristic {
	return []Heuristic{
		{Name: "aws-access-key-id", Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Severity: jobs.SeverityCritical},
		{Name: "generic-private-key-block", Pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`), Severity: jobs.SeverityCritical},
		{Name: "slack-webhook", Pattern: regexp.MustCompile(`https://hooks\.slack\.com/services/T[0-9A-Z]+/B[0-9A-Z]+/[0-9A-Za-z]+`), Severity: jobs.SeverityHigh},
		{Name: "generic-high-entropy-assignment", Pattern: regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[=:]\s*['"][A-Za-z0-9+/_\-]{20,}['"]`), Severity: jobs.SeverityMedium},
	}
}

// RegexHeuristics walks a directory and applies every heuristic to every
// file it can decode as text.
type RegexHeuristics struct {
	Heuristics       []Heuristic
	DenylistExts     map[string]struct{}
	MaxFileSizeBytes int64
}

// NewRegexHeuristics builds a RegexHeuristics engine with a default
// binary-extension denylist and file size cap.
func NewRegexHeuristics() *RegexHeuristics {
	return &RegexHeuristics{
		Heuristics: DefaultHeuristics(),
		DenylistExts: map[string]struct{}{
			".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".pdf": {},
			".zip": {}, ".tar": {}, ".gz": {}, ".woff": {}, ".woff2": {},
			".exe": {}, ".so": {}, ".dylib": {}, ".bin": {},
		},
		MaxFileSizeBytes: 10 * 1024 * 1024,
	}
}

func (r *RegexHeuristics) Name() string { return "custom-regex" }

func (r *RegexHeuristics) Scan(ctx context.Context, req Request) ([]jobs.Finding, error) {
	var findings []jobs.Finding

	err := filepath.WalkDir(req.ScanPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // keep walking; a single unreadable entry shouldn't kill the scan
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, denied := r.DenylistExts[ext]; denied {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if r.MaxFileSizeBytes > 0 && info.Size() > r.MaxFileSizeBytes {
			return nil
		}

		content, err := readAsText(path)
		if err != nil || content == "" {
			return nil
		}

		relPath := d.Name()
		if req.SourceType != jobs.SourceTypeDanglingBlobs {
			if rel, relErr := filepath.Rel(req.ScanPath, path); relErr == nil {
				relPath = rel
			}
		}

		for _, h := range r.Heuristics {
			if !h.appliesTo(d.Name()) {
				continue
			}
			for _, loc := range h.Pattern.FindAllStringIndex(content, -1) {
				findings = append(findings, jobs.Finding{
					Org:        req.Org,
					Repo:       req.Repo,
					FilePath:   relPath,
					SourceType: req.SourceType,
					Detector:   h.Name,
					Match:      content[loc[0]:loc[1]],
					Offsets:    [2]int{loc[0], loc[1]},
					Severity:   h.Severity,
				})
			}
		}
		return nil
	})
	if err != nil {
		return findings, err
	}
	return findings, nil
}

func readAsText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}
