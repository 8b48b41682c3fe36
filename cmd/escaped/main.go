// Command escaped runs the secret-hunting pipeline: submitting
// organization/repo lists for discovery, crawling a hosting platform for
// candidate repos, analyzing repos for leaked secrets, and a long-running
// daemon mode that does all three continuously.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/vasillieux/escaped/internal/config"
	"github.com/vasillieux/escaped/internal/daemon"
	"github.com/vasillieux/escaped/internal/errors"
	"github.com/vasillieux/escaped/internal/jobs"
)

// Set at build time with: -ldflags "-X main.version=1.0.0"
var version = "dev"

// CLI is the root command definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Submit         SubmitCmd         `cmd:"" help:"Submit an org-list or direct-repo-list file for discovery/analysis"`
	Crawl          CrawlCmd          `cmd:"" help:"Run one discovery job against the hosting platform"`
	Analyze        AnalyzeCmd        `cmd:"" help:"Analyze a single org/repo for leaked secrets"`
	Daemon         DaemonCmd         `cmd:"" help:"Run the continuous discovery+analysis pipeline"`
	ResetSemaphore ResetSemaphoreCmd `cmd:"reset-semaphore" help:"Reset the cluster-wide concurrency counter to zero"`
}

// Global carries state shared across every subcommand.
type Global struct {
	Logger *slog.Logger
	Config *config.Config
}

// AfterApply runs once, after flag parsing, before any subcommand's Run.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// SubmitCmd feeds an org-list or direct-repo-list file into the pipeline,
// or a single repository-search query, optionally watching input files for
// changes instead of exiting after one pass.
type SubmitCmd struct {
	OrgList    string `name:"org-list" help:"Path to a newline-delimited org-list file"`
	DirectList string `name:"direct-list" help:"Path to a newline-delimited org/repo list file"`
	Query      string `help:"Repository search query to submit as a discovery job"`
	Limit      int    `help:"Maximum results for --query" default:"50"`
	Watch      bool   `help:"Keep running and resubmit whenever the input file changes"`
}

func (s *SubmitCmd) Run(g *Global, root *CLI) error {
	if s.OrgList == "" && s.DirectList == "" && s.Query == "" {
		return errors.BadInput("submit requires --org-list, --direct-list, and/or --query")
	}

	rt, err := newRuntime(root, g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if s.OrgList != "" {
		if s.Watch {
			if err := rt.submitter.WatchAndResubmit(ctx, s.OrgList, rt.submitter.SubmitOrgListFile); err != nil {
				return fmt.Errorf("watching org list: %w", err)
			}
		} else if err := rt.submitter.SubmitOrgListFile(ctx, s.OrgList); err != nil {
			return fmt.Errorf("submitting org list: %w", err)
		}
	}
	if s.DirectList != "" {
		if s.Watch {
			if err := rt.submitter.WatchAndResubmit(ctx, s.DirectList, rt.submitter.SubmitDirectRepoListFile); err != nil {
				return fmt.Errorf("watching direct repo list: %w", err)
			}
		} else if err := rt.submitter.SubmitDirectRepoListFile(ctx, s.DirectList); err != nil {
			return fmt.Errorf("submitting direct repo list: %w", err)
		}
	}
	if s.Query != "" {
		if err := rt.submitter.SubmitSearch(ctx, s.Query, s.Limit); err != nil {
			return fmt.Errorf("submitting search query: %w", err)
		}
	}
	return nil
}

// CrawlCmd runs exactly one discovery job: either an org-list lookup or a
// hosting-platform search query.
type CrawlCmd struct {
	Org   []string `help:"Organization login(s) to list repos for"`
	Query string   `help:"Hosting-platform search query instead of an org listing"`
	Limit int      `help:"Maximum results for --query" default:"50"`
}

func (c *CrawlCmd) Run(g *Global, root *CLI) error {
	if len(c.Org) == 0 && c.Query == "" {
		return errors.BadInput("crawl requires --org or --query")
	}

	rt, err := newRuntime(root, g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var job jobs.DiscoveryJob
	if c.Query != "" {
		job = jobs.DiscoveryJob{ID: newJobID(), Kind: jobs.DiscoveryKindSearch, Query: c.Query, Limit: c.Limit}
	} else {
		job = jobs.DiscoveryJob{ID: newJobID(), Kind: jobs.DiscoveryKindOrgList, Orgs: c.Org}
	}
	return rt.discovery.ProcessJob(ctx, job)
}

// AnalyzeCmd clones and scans a single repo immediately, bypassing the
// queue entirely. Useful for one-off investigation of a specific repo.
type AnalyzeCmd struct {
	Repo string `arg:"" help:"org/repo to analyze"`
}

func (a *AnalyzeCmd) Run(g *Global, root *CLI) error {
	ref, err := jobs.ParseRepoRef(a.Repo)
	if err != nil {
		return errors.BadInput(fmt.Sprintf("invalid org/repo %q: %v", a.Repo, err))
	}

	rt, err := newRuntime(root, g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rt.analyzer.ProcessJob(ctx, jobs.AnalysisJob{ID: newJobID(), Repo: ref})
}

// DaemonCmd runs the continuous pipeline until interrupted.
type DaemonCmd struct{}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	rt, err := newRuntime(root, g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dmn := daemon.New(daemon.Deps{
		Config:          *g.Config,
		Queue:           rt.queue,
		Store:           rt.store,
		Submitter:       rt.submitter,
		Discovery:       rt.discovery,
		Analyzer:        rt.analyzer,
		Logger:          g.Logger,
		Semaphore:       rt.sem,
		Recorder:        rt.recorder,
		MetricsRegistry: rt.promReg,
		DLQ:             rt.dlq,
	})
	return dmn.Run(ctx)
}

// ResetSemaphoreCmd zeroes the concurrency counter, for recovering from a
// crashed fleet that left the counter stuck above zero.
type ResetSemaphoreCmd struct{}

func (r *ResetSemaphoreCmd) Run(g *Global, root *CLI) error {
	rt, err := newRuntime(root, g)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rt.sem.Reset(ctx)
}

func newJobID() string { return uuid.NewString() }

func main() {
	_ = godotenv.Load()

	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("escaped: discover and analyze repositories for leaked secrets."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	globals := &Global{Logger: logger}

	errorAdapter := errors.NewCLIErrorAdapter(cli.Verbose, logger)
	if err := parser.Run(globals, cli); err != nil {
		errorAdapter.HandleError(err)
	}
}
