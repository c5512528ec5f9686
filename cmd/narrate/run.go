package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/jobs"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/metrics"
	"github.com/jackzampolin/narrate/internal/providers"
	"github.com/jackzampolin/narrate/internal/svcctx"
	"github.com/jackzampolin/narrate/version"
)

// errItemsFailed makes the process exit non-zero when any item failed.
var errItemsFailed = errors.New("some items failed")

// runOptions are the flags shared by run and retry.
type runOptions struct {
	source       string
	startChapter int
	endChapter   int
	volumes      []int
	maxChapters  int
	limit        int
	batchSize    int
	concurrency  int
	provider     string
	metricsAddr  string
	dryRun       bool
	showFailed   int
}

func (o *runOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.source, "source", "", "novel root directory (overrides source_dir)")
	f.IntVar(&o.startChapter, "start-chapter", 0, "first chapter number to include")
	f.IntVar(&o.endChapter, "end-chapter", 0, "last chapter number to include")
	f.IntSliceVar(&o.volumes, "volume", nil, "restrict to these volume numbers")
	f.IntVar(&o.maxChapters, "max-chapters", 0, "stop after this many chapters of the filtered catalog")
	f.IntVar(&o.limit, "limit", 0, "process at most this many pending items")
	f.IntVar(&o.batchSize, "batch-size", 0, "items per batch (overrides batch.size)")
	f.IntVar(&o.concurrency, "concurrency", 0, "batches in flight (overrides batch.max_concurrent_batches)")
	f.StringVar(&o.provider, "provider", "", "synthesis provider: azure, openai or mock (overrides provider.type)")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	f.BoolVar(&o.dryRun, "dry-run", false, "show the batches that would be submitted and exit")
	f.IntVar(&o.showFailed, "show-failed", 20, "how many failed items to list")
}

func (o *runOptions) filter() catalog.Filter {
	return catalog.Filter{
		StartChapter: o.startChapter,
		EndChapter:   o.endChapter,
		Volumes:      o.volumes,
		MaxChapters:  o.maxChapters,
	}
}

// applyOverrides pushes changed flags into the config manager.
func (o *runOptions) applyOverrides(cmd *cobra.Command, mgr *config.Manager) error {
	overrides := []struct {
		flag, key string
		value     any
	}{
		{"source", "source_dir", o.source},
		{"batch-size", "batch.size", o.batchSize},
		{"concurrency", "batch.max_concurrent_batches", o.concurrency},
		{"provider", "provider.type", o.provider},
		{"metrics-addr", "metrics.addr", o.metricsAddr},
	}
	for _, ov := range overrides {
		if !cmd.Flags().Changed(ov.flag) {
			continue
		}
		if err := mgr.Set(ov.key, ov.value); err != nil {
			return fmt.Errorf("--%s: %w", ov.flag, err)
		}
	}
	return nil
}

// selector picks the items a command works on.
type selector func(store *ledger.Store, cat *catalog.Catalog, cfg *config.Config) []catalog.WorkItem

// pendingItems is every uncompleted item that has not used up its retries.
func pendingItems(store *ledger.Store, cat *catalog.Catalog, cfg *config.Config) []catalog.WorkItem {
	var out []catalog.WorkItem
	for _, item := range store.NextPending(cat, 0) {
		if store.RetryCount(item.ID()) < cfg.Batch.MaxRetries {
			out = append(out, item)
		}
	}
	return out
}

// retryItems is every failed item still under the retry limit.
func retryItems(store *ledger.Store, cat *catalog.Catalog, cfg *config.Config) []catalog.WorkItem {
	return store.EligibleForRetry(cat, cfg.Batch.MaxRetries)
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synthesize pending chapters",
	Long: `Synthesize every chapter that has no completed audio yet.

Chapters are discovered under source_dir, partitioned into batches and
submitted concurrently. Each completed chapter is recorded in the ledger
immediately, so an interrupted run can simply be started again. Items that
have already failed batch.max_retries times are skipped; see "narrate retry".

The command exits non-zero when any item failed.

Examples:
  narrate run --source ~/novels/my-book
  narrate run --start-chapter 10 --end-chapter 20 --dry-run
  narrate run --limit 200 --metrics-addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &runOpts, pendingItems)
	},
}

var retryOpts runOptions

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resubmit failed chapters that are under the retry limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd, &retryOpts, retryItems)
	},
}

func init() {
	runOpts.register(runCmd)
	retryOpts.register(retryCmd)
	rootCmd.AddCommand(runCmd, retryCmd)
}

func execute(cmd *cobra.Command, opts *runOptions, pick selector) error {
	ctx := cmd.Context()
	svc := svcctx.ServicesFrom(ctx)
	logger := svc.Logger

	if err := opts.applyOverrides(cmd, svc.Config); err != nil {
		return err
	}
	cfg := svc.Config.Get()

	cat, err := loadCatalog(ctx, cfg, opts.filter(), logger)
	if err != nil {
		return err
	}
	if err := svc.Home.EnsureExists(); err != nil {
		return err
	}

	lh, err := openLedger(ctx, cfg, svc.Home, logger)
	if err != nil {
		return err
	}
	defer lh.Close()

	items := pick(lh.Store, cat, cfg)
	if opts.limit > 0 && len(items) > opts.limit {
		items = items[:opts.limit]
	}

	if opts.dryRun {
		plan, err := newPlan(items, cfg.Batch.Size)
		if err != nil {
			return err
		}
		return api.Output(plan)
	}
	if len(items) == 0 {
		say(cmd, "Nothing to do: %d of %d chapters complete.", lh.Store.Summarize(cat).Completed, cat.Len())
		return nil
	}

	release, err := lockLedger(ctx, lh.Locker)
	if err != nil {
		return err
	}
	defer release()

	provider, err := providers.New(cfg.ProviderSettings(svc.Home, logger))
	if err != nil {
		return err
	}
	defer providers.Close(provider)
	svc.Ledger, svc.Provider = lh.Store, provider

	sched, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Provider:             provider,
		Ledger:               lh.Store,
		Voice:                cfg.Voice,
		OutputDir:            cfg.AudioDir(svc.Home),
		TempDir:              svc.Home.StagingDir(),
		BatchSize:            cfg.Batch.Size,
		MaxConcurrentBatches: cfg.Batch.MaxConcurrentBatches,
		PollInterval:         cfg.Batch.PollInterval,
		JobTimeout:           cfg.Batch.JobTimeout,
		SubmitAttempts:       uint(cfg.Batch.SubmitAttempts),
		RetryDelay:           cfg.Batch.RetryDelay,
		MaxTextLength:        cfg.MaxTextLength,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	// Rate and poll interval follow config edits while the run is going.
	svc.Config.OnChange(func(c *config.Config) {
		if t, ok := provider.(providers.Tunable); ok {
			t.Limiter().SetRate(c.Provider.RateLimit)
		}
		sched.SetPollInterval(c.Batch.PollInterval)
		logger.Info("applied config change", "rate_limit", c.Provider.RateLimit, "poll_interval", c.Batch.PollInterval)
	})
	if svc.Config.ConfigFileUsed() != "" {
		svc.Config.WatchConfig()
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	srv, err := metrics.Listen(cfg.Metrics.Addr, logger)
	if err != nil {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	metrics.SetBuildInfo(version.GitRelease, version.GitCommit)
	go func() {
		if err := srv.Serve(metricsCtx); err != nil {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	}()

	say(cmd, "Processing %d chapters in batches of %d with %s...", len(items), cfg.Batch.Size, provider.Name())
	summary, runErr := sched.Run(ctx, items)

	out := newRunReport(summary, lh.Store, opts.showFailed)
	if err := api.Output(out); err != nil {
		return err
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted; completed chapters are saved and the next run resumes from there")
		}
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errItemsFailed, summary.Failed, summary.TotalAttempted)
	}
	return nil
}

// plan is the dry-run view of a run.
type plan struct {
	Items   int         `json:"items" yaml:"items"`
	Batches []planBatch `json:"batches" yaml:"batches"`
}

type planBatch struct {
	Index int      `json:"index" yaml:"index"`
	IDs   []string `json:"ids" yaml:"ids"`
}

func newPlan(items []catalog.WorkItem, size int) (plan, error) {
	batches, err := batch.Partition(items, size)
	if err != nil {
		return plan{}, err
	}
	p := plan{Items: len(items)}
	for _, b := range batches {
		p.Batches = append(p.Batches, planBatch{Index: b.Index, IDs: b.IDs()})
	}
	return p, nil
}
