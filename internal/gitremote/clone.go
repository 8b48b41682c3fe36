// Package gitremote clones discovered repositories to a local path:
// retryable with exponential backoff, proxy-aware, and careful to never
// leave a stale or partial clone directory behind.
package gitremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
	gitclient "github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/vasillieux/escaped/internal/logfields"
	"github.com/vasillieux/escaped/internal/metrics"
	"github.com/vasillieux/escaped/internal/retry"
	"github.com/vasillieux/escaped/internal/runner"
)

// ProxyConfig carries the proxy settings injected into the clone. HTTP and
// HTTPS proxies apply to both clone paths; a non-empty ProxyCommand switches
// cloning from go-git to the git binary, since only the real git honors
// GIT_PROXY_COMMAND.
type ProxyConfig struct {
	HTTPProxy    string
	HTTPSProxy   string
	ProxyCommand string
}

// Client clones repositories with bounded retry.
type Client struct {
	cloneRoot string
	timeout   time.Duration
	proxy     ProxyConfig
	policy    retry.Policy
	recorder  metrics.Recorder
	proxyOnce sync.Once
}

// New constructs a Client rooted at cloneRoot.
func New(cloneRoot string, timeout time.Duration, maxAttempts int, proxy ProxyConfig, recorder metrics.Recorder) *Client {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Client{
		cloneRoot: cloneRoot,
		timeout:   timeout,
		proxy:     proxy,
		policy:    retry.ClonePolicy(maxAttempts),
		recorder:  recorder,
	}
}

func (c *Client) installProxyTransport() {
	if c.proxy.HTTPProxy == "" && c.proxy.HTTPSProxy == "" {
		return
	}
	c.proxyOnce.Do(func() {
		transport := &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				raw := c.proxy.HTTPSProxy
				if req.URL.Scheme == "http" {
					raw = c.proxy.HTTPProxy
				}
				if raw == "" {
					return nil, nil
				}
				return url.Parse(raw)
			},
		}
		client := &http.Client{Transport: transport}
		gitclient.InstallProtocol("https", githttp.NewClient(client))
		gitclient.InstallProtocol("http", githttp.NewClient(client))
	})
}

// Clone clones repoURL into targetPath, retrying transient failures on an
// exponential-backoff schedule. It removes any stale directory at the
// target path before each attempt. On total failure the partially-cloned
// directory is removed before returning.
func (c *Client) Clone(ctx context.Context, repoURL, targetPath string) error {
	useCLI := c.proxy.ProxyCommand != ""
	if !useCLI {
		c.installProxyTransport()
	}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries+1; attempt++ {
		if err := os.RemoveAll(targetPath); err != nil {
			slog.Warn("could not remove stale clone directory, trying anyway", logfields.Path(targetPath), logfields.Error(err))
		}

		var err error
		if useCLI {
			err = c.cloneWithGitCLI(ctx, repoURL, targetPath)
		} else {
			err = c.cloneWithGoGit(ctx, repoURL, targetPath)
		}
		c.recorder.IncCloneAttempt(attempt, err == nil)

		if err == nil {
			slog.Info("cloned repository", logfields.URL(repoURL), logfields.Path(targetPath), logfields.Attempt(attempt))
			return nil
		}

		lastErr = err
		if isPermanentCloneError(err) {
			slog.Error("permanent clone error, not retrying", logfields.URL(repoURL), logfields.Error(err))
			_ = os.RemoveAll(targetPath)
			return fmt.Errorf("gitremote: clone %q: %w", repoURL, err)
		}

		if attempt > c.policy.MaxRetries {
			break
		}
		delay := c.policy.Delay(attempt)
		if c.policy.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(c.policy.Jitter)))
		}
		slog.Warn("clone attempt failed, retrying", logfields.URL(repoURL), logfields.Attempt(attempt), logfields.MaxAttempts(c.policy.MaxRetries+1), logfields.Error(err), slog.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = os.RemoveAll(targetPath)
			return ctx.Err()
		}
	}

	c.recorder.IncCloneRetryExhausted()
	_ = os.RemoveAll(targetPath)
	return fmt.Errorf("gitremote: clone %q failed after %d attempts: %w", repoURL, c.policy.MaxRetries+1, lastErr)
}

func (c *Client) cloneWithGoGit(ctx context.Context, repoURL, targetPath string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := git.PlainCloneContext(cloneCtx, targetPath, false, &git.CloneOptions{
		URL:      repoURL,
		Progress: nil,
	})
	return err
}

// cloneWithGitCLI shells out to the real git binary with the proxy
// environment injected, so GIT_PROXY_COMMAND actually wraps the transport.
// The blobless filter keeps the initial transfer small; missing blobs are
// fetched on demand when the history walk reads them.
func (c *Client) cloneWithGitCLI(ctx context.Context, repoURL, targetPath string) error {
	res, err := runner.Run(ctx, []string{"git", "clone", "--filter=blob:none", "--progress", repoURL, targetPath}, runner.Options{
		Env:     c.cloneEnv(),
		Timeout: c.timeout,
		Capture: runner.CaptureText,
	})
	if err != nil {
		return err
	}
	if res.TimedOut {
		return fmt.Errorf("git clone timed out after %s", c.timeout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// cloneEnv builds the extra environment for a CLI clone: only the proxy
// variables that are actually configured, never an empty override.
func (c *Client) cloneEnv() []string {
	var env []string
	if c.proxy.HTTPProxy != "" {
		env = append(env, "http_proxy="+c.proxy.HTTPProxy)
	}
	if c.proxy.HTTPSProxy != "" {
		env = append(env, "https_proxy="+c.proxy.HTTPSProxy)
	}
	if c.proxy.ProxyCommand != "" {
		env = append(env, "GIT_PROXY_COMMAND="+c.proxy.ProxyCommand)
	}
	return env
}

func isPermanentCloneError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gittransport.ErrRepositoryNotFound) ||
		errors.Is(err, gittransport.ErrAuthenticationRequired) ||
		errors.Is(err, gittransport.ErrAuthorizationFailed) ||
		errors.Is(err, gittransport.ErrEmptyUploadPackRequest) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	return false
}
