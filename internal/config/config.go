// Package config loads the pipeline's configuration: a YAML file with
// environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Concurrency controls the cluster-wide pipeline semaphore.
type Concurrency struct {
	// GlobalMaxConcurrentPipelines is the hard cap on in-flight analyses.
	GlobalMaxConcurrentPipelines int64 `yaml:"global_max_concurrent_pipelines"`
	// Headroom is added to the cap when the Submitter decides whether to
	// keep feeding the discovery/analysis queues.
	Headroom int64 `yaml:"headroom"`
}

// QueueBackend selects the concrete queue/semaphore implementation.
type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendNATS   QueueBackend = "nats"
)

// Queue configures the queue adapter and, when backend is NATS, the
// JetStream connection shared with the semaphore's KeyValue bucket.
type Queue struct {
	Backend           QueueBackend  `yaml:"backend"`
	NATSURL           string        `yaml:"nats_url"`
	DiscoveryQueue    string        `yaml:"discovery_queue"`
	AnalysisQueue     string        `yaml:"analysis_queue"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// Cache configures the processed-repo cache.
type Cache struct {
	TTL time.Duration `yaml:"ttl"`
}

// Retry configures the analyzer's clone-retry schedule.
type Retry struct {
	MaxCloneAttempts        int           `yaml:"max_clone_attempts"`
	CloneRetryDelay         time.Duration `yaml:"clone_retry_delay"`
	AnalyzerRequeueDelay    time.Duration `yaml:"analyzer_requeue_delay"`
	BrokerReconnectInterval time.Duration `yaml:"broker_reconnect_interval"`
}

// Clone configures the analyzer's git clone step.
type Clone struct {
	CloneRoot    string        `yaml:"clone_root"`
	Timeout      time.Duration `yaml:"timeout"`
	HTTPProxy    string        `yaml:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy"`
	ProxyCommand string        `yaml:"proxy_command"`
}

// Output configures the BASE_OUTPUT_DIR subtree layout.
type Output struct {
	BaseDir               string `yaml:"base_dir"`
	ClonedReposSubdir     string `yaml:"cloned_repos_subdir"`
	RestoredFilesSubdir   string `yaml:"restored_files_subdir"`
	DanglingBlobsSubdir   string `yaml:"dangling_blobs_subdir"`
	TrufflehogResultsDir  string `yaml:"trufflehog_results_subdir"`
	CustomRegexResultsDir string `yaml:"custom_regex_results_subdir"`
}

// Scanner enables/disables and times out the two scanner engines the
// analyzer invokes independently.
type Scanner struct {
	TrufflehogEnabled  bool          `yaml:"trufflehog_enabled"`
	TrufflehogTimeout  time.Duration `yaml:"trufflehog_timeout"`
	CustomRegexEnabled bool          `yaml:"custom_regex_enabled"`
	CustomRegexTimeout time.Duration `yaml:"custom_regex_timeout"`
	ScanCommitDepth    int           `yaml:"scan_commit_depth"` // 0 = unbounded (rev-list --all)
}

// Discovery configures the Discovery Worker's filtering behavior.
type Discovery struct {
	MaxReposPerOrg   int   `yaml:"max_repos_per_org"`
	AgeFilterEnabled bool  `yaml:"age_filter_enabled"`
	MaxAgeDays       int   `yaml:"max_age_days"`
	MaxSizeKB        int64 `yaml:"max_size_kb"`
	// SkipForks drops forked repositories during discovery filtering.
	SkipForks bool `yaml:"skip_forks"`
}

// Submitter configures the Submitter's admission-wait loop.
type Submitter struct {
	BatchSize          int           `yaml:"batch_size"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	OrgListFile        string        `yaml:"org_list_file"`
	DirectRepoListFile string        `yaml:"direct_repo_list_file"`
	WatchInputFiles    bool          `yaml:"watch_input_files"`
}

// Config is the root configuration object.
type Config struct {
	Concurrency Concurrency `yaml:"concurrency"`
	Queue       Queue       `yaml:"queue"`
	Cache       Cache       `yaml:"cache"`
	Retry       Retry       `yaml:"retry"`
	Clone       Clone       `yaml:"clone"`
	Output      Output      `yaml:"output"`
	Scanner     Scanner     `yaml:"scanner"`
	Discovery   Discovery   `yaml:"discovery"`
	Submitter   Submitter   `yaml:"submitter"`
	// MetricsAddr is the listen address the daemon serves Prometheus
	// metrics on; empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
	LogFormat   string `yaml:"log_format"` // "text" or "json"
	Verbose     bool   `yaml:"verbose"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Concurrency: Concurrency{
			GlobalMaxConcurrentPipelines: 10,
			Headroom:                     5,
		},
		Queue: Queue{
			Backend:           QueueBackendMemory,
			NATSURL:           "nats://127.0.0.1:4222",
			DiscoveryQueue:    "discovery_queue",
			AnalysisQueue:     "analysis_queue",
			VisibilityTimeout: 3 * time.Hour,
		},
		Cache: Cache{
			TTL: 30 * 24 * time.Hour,
		},
		Retry: Retry{
			MaxCloneAttempts:        3,
			CloneRetryDelay:         60 * time.Second,
			AnalyzerRequeueDelay:    120 * time.Second,
			BrokerReconnectInterval: 5 * time.Second,
		},
		Clone: Clone{
			CloneRoot: "analysis_output/cloned_repos",
			Timeout:   30 * time.Minute,
		},
		Output: Output{
			BaseDir:               "analysis_output",
			ClonedReposSubdir:     "cloned_repos",
			RestoredFilesSubdir:   "restored_files",
			DanglingBlobsSubdir:   "dangling_blobs",
			TrufflehogResultsDir:  "trufflehog_findings",
			CustomRegexResultsDir: "custom_regex_findings",
		},
		Scanner: Scanner{
			TrufflehogEnabled:  true,
			TrufflehogTimeout:  30 * time.Minute,
			CustomRegexEnabled: true,
			CustomRegexTimeout: 30 * time.Minute,
			ScanCommitDepth:    0,
		},
		Discovery: Discovery{
			MaxReposPerOrg:   200,
			AgeFilterEnabled: false,
			MaxAgeDays:       180,
			MaxSizeKB:        0,
			SkipForks:        false,
		},
		Submitter: Submitter{
			BatchSize:          20,
			CheckInterval:      30 * time.Second,
			OrgListFile:        "web3_orgs.txt",
			DirectRepoListFile: "direct_repos_to_analyze.txt",
			WatchInputFiles:    false,
		},
		MetricsAddr: ":2112",
		LogFormat:   "text",
	}
}

// Load reads a YAML config file (if path is non-empty and exists), applies
// environment overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GLOBAL_MAX_CONCURRENT_PIPELINES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Concurrency.GlobalMaxConcurrentPipelines = n
		}
	}
	if v := os.Getenv("ANALYZER_REQUEUE_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.AnalyzerRequeueDelay = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Queue.NATSURL = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = QueueBackend(v)
	}
	if v := os.Getenv("GIT_HTTP_PROXY"); v != "" {
		cfg.Clone.HTTPProxy = v
	}
	if v := os.Getenv("GIT_HTTPS_PROXY"); v != "" {
		cfg.Clone.HTTPSProxy = v
	}
	if v := os.Getenv("GIT_PROXY_COMMAND"); v != "" {
		cfg.Clone.ProxyCommand = v
	}
	if v := os.Getenv("BASE_OUTPUT_DIR"); v != "" {
		cfg.Output.BaseDir = v
		cfg.Clone.CloneRoot = filepath.Join(v, cfg.Output.ClonedReposSubdir)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// Validate checks cross-field invariants that zero-value YAML can't catch.
func (c *Config) Validate() error {
	if c.Concurrency.GlobalMaxConcurrentPipelines <= 0 {
		return fmt.Errorf("concurrency.global_max_concurrent_pipelines must be >0")
	}
	if c.Concurrency.Headroom < 0 {
		return fmt.Errorf("concurrency.headroom cannot be negative")
	}
	if c.Retry.MaxCloneAttempts <= 0 {
		return fmt.Errorf("retry.max_clone_attempts must be >0")
	}
	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendNATS:
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", QueueBackendMemory, QueueBackendNATS, c.Queue.Backend)
	}
	if c.Output.BaseDir == "" {
		return fmt.Errorf("output.base_dir must be set")
	}
	return nil
}

// AnalysisBuffer returns the soft target combined queue depth the Submitter
// admission loop uses: 2x the concurrency cap.
func (c *Config) AnalysisBuffer() int64 {
	return c.Concurrency.GlobalMaxConcurrentPipelines * 2
}
