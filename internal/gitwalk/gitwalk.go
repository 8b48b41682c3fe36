// Package gitwalk walks a cloned repository's history: recovering the
// content of files deleted somewhere in the commit graph, and extracting
// blobs that have gone dangling (unreachable from any ref but still
// sitting in .git/objects). Both walks shell out to the real git binary
// via internal/runner rather than go-git, because go-git's porcelain API
// has no equivalent of "git fsck --unreachable --dangling" or
// "git unpack-objects" plumbing.
package gitwalk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/runner"
)

// Walker performs both history walks against a single cloned repository.
type Walker struct {
	timeout     time.Duration
	commitDepth int // 0 means walk all commits
}

// New constructs a Walker. commitDepth <= 0 walks the full history.
func New(timeout time.Duration, commitDepth int) *Walker {
	return &Walker{timeout: timeout, commitDepth: commitDepth}
}

func (w *Walker) run(ctx context.Context, repoPath string, argv []string) (runner.Result, error) {
	return runner.Run(ctx, argv, runner.Options{Cwd: repoPath, Timeout: w.timeout, Capture: runner.CaptureBytes})
}

// RestoreDeletedFiles walks commit history and returns the pre-deletion
// content of every file git recorded as deleted, deduplicated by
// (parent commit, path) so a file deleted identically along multiple
// history paths is only captured once.
func (w *Walker) RestoreDeletedFiles(ctx context.Context, repoPath string) ([]jobs.RestoredFile, error) {
	revListArgv := []string{"git", "rev-list", "--all"}
	if w.commitDepth > 0 {
		revListArgv = []string{"git", "rev-list", fmt.Sprintf("--max-count=%d", w.commitDepth), "HEAD"}
	}

	revRes, err := w.run(ctx, repoPath, revListArgv)
	if err != nil || revRes.ExitCode != 0 || len(revRes.Stdout) == 0 {
		return nil, nil // no commit history to walk; not an error condition
	}

	commits := splitNonEmptyLines(string(revRes.Stdout))
	seen := make(map[string]struct{})
	var restored []jobs.RestoredFile

	for _, commitSHA := range commits {
		parentRes, err := w.run(ctx, repoPath, []string{"git", "log", "--pretty=%P", "-n", "1", commitSHA})
		if err != nil || parentRes.ExitCode != 0 || len(strings.TrimSpace(string(parentRes.Stdout))) == 0 {
			continue // root commit, or lookup failed
		}
		parentSHAs := strings.Fields(string(parentRes.Stdout))

		for _, parentSHA := range parentSHAs {
			diffRes, err := w.run(ctx, repoPath, []string{"git", "diff", "--name-status", parentSHA, commitSHA})
			if err != nil || diffRes.ExitCode != 0 || len(diffRes.Stdout) == 0 {
				continue
			}

			for _, line := range splitNonEmptyLines(string(diffRes.Stdout)) {
				status, path, ok := parseNameStatusLine(line)
				if !ok || !strings.HasPrefix(status, "D") {
					continue
				}

				key := parentSHA + ":" + path
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				contentRes, err := w.run(ctx, repoPath, []string{"git", "show", fmt.Sprintf("%s:%s", parentSHA, path)})
				if err != nil || contentRes.ExitCode != 0 {
					slog.Warn("could not read pre-deletion content, skipping", logfields.Path(path), logfields.SHA(parentSHA))
					continue
				}

				restored = append(restored, jobs.RestoredFile{
					Commit:       commitSHA,
					ParentSHA:    parentSHA,
					OriginalPath: path,
					Bytes:        contentRes.Stdout,
				})
			}
		}
	}
	return restored, nil
}

// parseNameStatusLine splits a "git diff --name-status" line into its
// status character and path, taking the "old" path for renames/copies
// (the R100/C100 two-column forms) since that is the path that existed
// before the change we care about.
func parseNameStatusLine(line string) (status, path string, ok bool) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return "", "", false
	}
	status = parts[0]
	path = parts[1]
	if (strings.HasPrefix(status, "R") || strings.HasPrefix(status, "C")) && len(parts) == 3 {
		path = parts[1]
	}
	return status, path, true
}

// ExtractDanglingBlobs unpacks any .pack files (so objects hiding inside
// them surface to fsck) and saves the content of every blob "git fsck"
// reports as unreachable-and-dangling.
func (w *Walker) ExtractDanglingBlobs(ctx context.Context, repoPath string) ([]jobs.DanglingBlob, error) {
	packsRes, err := w.run(ctx, repoPath, []string{"find", ".git/objects/pack", "-name", "*.pack"})
	if err == nil && packsRes.ExitCode == 0 && len(packsRes.Stdout) > 0 {
		for _, packPath := range splitNonEmptyLines(string(packsRes.Stdout)) {
			unpackCmd := fmt.Sprintf("git unpack-objects -r < %q", strings.TrimSpace(packPath))
			_, _ = w.run(ctx, repoPath, []string{"sh", "-c", unpackCmd})
		}
	}

	fsckRes, err := w.run(ctx, repoPath, []string{"git", "fsck", "--full", "--unreachable", "--dangling", "--no-reflogs"})
	if err != nil || fsckRes.ExitCode != 0 || len(fsckRes.Stdout) == 0 {
		return nil, nil
	}

	var shas []string
	for _, line := range splitNonEmptyLines(string(fsckRes.Stdout)) {
		if !strings.Contains(line, "unreachable blob") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			shas = append(shas, fields[2])
		}
	}

	var blobs []jobs.DanglingBlob
	for _, sha := range shas {
		catRes, err := w.run(ctx, repoPath, []string{"git", "cat-file", "-p", sha})
		if err != nil || catRes.ExitCode != 0 {
			slog.Warn("could not read dangling blob, skipping", logfields.SHA(sha))
			continue
		}
		blobs = append(blobs, jobs.DanglingBlob{SHA: sha, Bytes: catRes.Stdout})
	}
	return blobs, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
