// Package jobs defines the data model shared across the pipeline: repo
// identity, the two job kinds exchanged through internal/queue, and the
// artifacts produced by discovery, cloning, history recovery, and scanning.
package jobs

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RepoRef is the identity that crosses every component boundary. Immutable
// once formed.
type RepoRef struct {
	Org  string
	Repo string
}

// FullName returns "org/repo".
func (r RepoRef) FullName() string {
	return r.Org + "/" + r.Repo
}

var unsafePathChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeOrg and SafeRepo replace every non-alphanumeric character with '_',
// so the derived filesystem path can never escape the clone root regardless
// of adversarial input (path traversal, null bytes, slash lookalikes).
func (r RepoRef) SafeOrg() string  { return safeSegment(r.Org) }
func (r RepoRef) SafeRepo() string { return safeSegment(r.Repo) }

func safeSegment(s string) string {
	return unsafePathChar.ReplaceAllString(s, "_")
}

// ParseRepoRef parses an "org/repo" line. Returns an error for lines with no
// '/' or an empty org/repo component, so callers can skip the line with a
// warning instead of failing the whole input file.
func ParseRepoRef(line string) (RepoRef, error) {
	idx := strings.Index(line, "/")
	if idx <= 0 || idx == len(line)-1 {
		return RepoRef{}, fmt.Errorf("malformed org/repo line: %q", line)
	}
	org, repo := line[:idx], line[idx+1:]
	if org == "" || repo == "" {
		return RepoRef{}, fmt.Errorf("malformed org/repo line: %q", line)
	}
	return RepoRef{Org: org, Repo: repo}, nil
}

// DiscoveryJobKind distinguishes the two DiscoveryJob shapes.
type DiscoveryJobKind string

const (
	DiscoveryKindOrgList DiscoveryJobKind = "org_list"
	DiscoveryKindSearch  DiscoveryJobKind = "search"
)

// DiscoveryJob is created by the Submitter and consumed once by the
// Discovery Worker.
type DiscoveryJob struct {
	ID    string            `json:"id"`
	Kind  DiscoveryJobKind  `json:"kind"`
	Orgs  []string          `json:"orgs,omitempty"`
	Query string            `json:"query,omitempty"`
	Limit int               `json:"limit,omitempty"`
}

// AnalysisJob is created by the Discovery Worker or a direct-repo Submitter
// and consumed by the Analyzer Worker. A re-enqueue after admission denial
// produces a new AnalysisJob instance with an incremented AttemptHint; there
// is no in-place suspension.
type AnalysisJob struct {
	ID          string  `json:"id"`
	Repo        RepoRef `json:"repo"`
	AttemptHint int     `json:"attempt_hint,omitempty"`
}

// SourceType labels which byte stream produced a Finding: the live working
// tree, recovered deletions, or orphaned git objects.
type SourceType string

const (
	SourceTypeLocalRepo      SourceType = "local_repo"
	SourceTypeRestoredFiles  SourceType = "restored_files"
	SourceTypeDanglingBlobs  SourceType = "dangling_blobs"
)

// RepoMetadata is obtained from the hosting API for discovery filtering.
// Ephemeral; lives only during discovery filtering.
type RepoMetadata struct {
	FullName    string
	DiskUsageKB int64
	PushedAt    time.Time
	IsFork      bool
}

// RestoredFile is a deleted-file byte stream recovered by the git history
// walker. Uniqueness is keyed by (ParentSHA, OriginalPath).
type RestoredFile struct {
	Commit       string
	ParentSHA    string
	OriginalPath string
	Bytes        []byte
}

// SafeName returns the on-disk filename for this restored file:
// restored_{commit}_{parent}_{original_path}, with path separators
// flattened to underscores.
func (f RestoredFile) SafeName() string {
	safePath := strings.NewReplacer("/", "_", "\\", "_").Replace(f.OriginalPath)
	return fmt.Sprintf("restored_%s_%s_%s", f.Commit, f.ParentSHA, safePath)
}

// DanglingBlob is an unreachable git object recovered by fsck.
// Materialized once per SHA per analysis run.
type DanglingBlob struct {
	SHA   string
	Bytes []byte
}

// SafeName returns the on-disk filename for this dangling blob.
func (b DanglingBlob) SafeName() string {
	return b.SHA + ".blob"
}

// Severity classifies a Finding's reported risk.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is an append-only output row produced by a scanner invocation.
type Finding struct {
	Org        string     `json:"org"`
	Repo       string     `json:"repo"`
	FilePath   string     `json:"file_path"`
	SourceType SourceType `json:"source_type"`
	Detector   string     `json:"detector"`
	Match      string     `json:"match"`
	Offsets    [2]int     `json:"offsets"`
	Severity   Severity   `json:"severity"`
}
