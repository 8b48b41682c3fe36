// Package hostingcli wraps the "gh" hosting-platform CLI: listing an
// organization's repos, running a hosting-wide search, and fetching
// per-repo metadata for the Discovery Worker's age/size/fork filters.
package hostingcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vasillieux/escaped/internal/jobs"
	"github.com/vasillieux/escaped/internal/runner"
)

// Client invokes the gh CLI via internal/runner.
type Client struct {
	timeout time.Duration
}

// New constructs a Client. Each invocation gets its own timeout budget.
func New(timeout time.Duration) *Client {
	return &Client{timeout: timeout}
}

// ListOrgRepos returns the "org/repo" full names of up to limit repos
// belonging to org, newest listing first (gh's own default ordering).
func (c *Client) ListOrgRepos(ctx context.Context, org string, limit int) ([]string, error) {
	res, err := runner.Run(ctx, []string{
		"gh", "repo", "list", org,
		"-L", strconv.Itoa(limit),
		"--json", "nameWithOwner",
		"--jq", ".[].nameWithOwner",
	}, runner.Options{Timeout: c.timeout, Capture: runner.CaptureText})
	if err != nil {
		return nil, fmt.Errorf("hostingcli: list repos for %q: %w", org, err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		return nil, fmt.Errorf("hostingcli: gh repo list %q exited %d (timed out: %v): %s", org, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return parseFullNames(string(res.Stdout)), nil
}

// SearchRepos returns the "org/repo" full names of up to limit repos
// matching query across the whole hosting platform.
func (c *Client) SearchRepos(ctx context.Context, query string, limit int) ([]string, error) {
	res, err := runner.Run(ctx, []string{
		"gh", "search", "repos",
		"--limit", strconv.Itoa(limit),
		"--json", "nameWithOwner",
		"--jq", ".items[].nameWithOwner",
		query,
	}, runner.Options{Timeout: c.timeout, Capture: runner.CaptureText})
	if err != nil {
		return nil, fmt.Errorf("hostingcli: search repos %q: %w", query, err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		return nil, fmt.Errorf("hostingcli: gh search repos %q exited %d (timed out: %v): %s", query, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return parseFullNames(string(res.Stdout)), nil
}

func parseFullNames(stdout string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" && strings.Contains(line, "/") {
			names = append(names, line)
		}
	}
	return names
}

type repoViewJSON struct {
	DiskUsage int64  `json:"diskUsage"`
	PushedAt  string `json:"pushedAt"`
	IsFork    bool   `json:"isFork"`
}

// ViewRepoMetadata fetches age/size/fork metadata for a single repo.
// It fails open: any CLI error, non-zero exit, or unparsable JSON
// returns ok=false with a nil error rather than propagating a hard
// failure, so discovery enqueues the repo anyway instead of stalling
// on rate limits.
func (c *Client) ViewRepoMetadata(ctx context.Context, fullName string) (jobs.RepoMetadata, bool) {
	res, err := runner.Run(ctx, []string{
		"gh", "repo", "view", fullName,
		"--json", "diskUsage,pushedAt,isFork",
	}, runner.Options{Timeout: c.timeout, Capture: runner.CaptureText})
	if meta, ok := parseRepoViewJSON(fullName, res, err); ok {
		return meta, true
	}
	return c.viewRepoMetadataGraphQL(ctx, fullName)
}

func parseRepoViewJSON(fullName string, res runner.Result, runErr error) (jobs.RepoMetadata, bool) {
	if runErr != nil || res.ExitCode != 0 || res.TimedOut || len(strings.TrimSpace(string(res.Stdout))) == 0 {
		return jobs.RepoMetadata{}, false
	}
	var raw repoViewJSON
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return jobs.RepoMetadata{}, false
	}
	pushedAt, err := time.Parse(time.RFC3339, raw.PushedAt)
	if err != nil {
		return jobs.RepoMetadata{}, false
	}
	return jobs.RepoMetadata{
		FullName:    fullName,
		DiskUsageKB: raw.DiskUsage,
		PushedAt:    pushedAt,
		IsFork:      raw.IsFork,
	}, true
}

type graphqlRepoResponse struct {
	Data struct {
		Repository struct {
			DiskUsage int64  `json:"diskUsage"`
			PushedAt  string `json:"pushedAt"`
			IsFork    bool   `json:"isFork"`
		} `json:"repository"`
	} `json:"data"`
}

// viewRepoMetadataGraphQL is the fallback metadata route used when
// "repo view --json" is unavailable or rate-limited: a direct GraphQL
// query against the same hosting API, via "gh api graphql".
func (c *Client) viewRepoMetadataGraphQL(ctx context.Context, fullName string) (jobs.RepoMetadata, bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 {
		return jobs.RepoMetadata{}, false
	}
	org, repo := parts[0], parts[1]

	const query = `query($owner:String!,$name:String!){repository(owner:$owner,name:$name){diskUsage pushedAt isFork}}`
	res, err := runner.Run(ctx, []string{
		"gh", "api", "graphql",
		"--raw-field", "query=" + query,
		"-f", "owner=" + org,
		"-f", "name=" + repo,
	}, runner.Options{Timeout: c.timeout, Capture: runner.CaptureText})
	if err != nil || res.ExitCode != 0 || res.TimedOut || len(strings.TrimSpace(string(res.Stdout))) == 0 {
		return jobs.RepoMetadata{}, false
	}

	var raw graphqlRepoResponse
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return jobs.RepoMetadata{}, false
	}
	pushedAt, err := time.Parse(time.RFC3339, raw.Data.Repository.PushedAt)
	if err != nil {
		return jobs.RepoMetadata{}, false
	}
	return jobs.RepoMetadata{
		FullName:    fullName,
		DiskUsageKB: raw.Data.Repository.DiskUsage,
		PushedAt:    pushedAt,
		IsFork:      raw.Data.Repository.IsFork,
	}, true
}
