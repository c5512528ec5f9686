package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/metrics"
	"github.com/jackzampolin/narrate/internal/providers"
)

// DefaultMaxConcurrentBatches caps how many batches are in flight at once.
const DefaultMaxConcurrentBatches = 3

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Provider providers.Provider
	Ledger   *ledger.Store
	Voice    providers.VoiceConfig

	// OutputDir is the root of the audio tree.
	OutputDir string
	// TempDir holds archives while they are unpacked. Empty uses the OS default.
	TempDir string

	BatchSize            int
	MaxConcurrentBatches int
	PollInterval         time.Duration
	JobTimeout           time.Duration
	SubmitAttempts       uint
	RetryDelay           time.Duration
	MaxTextLength        int

	// Mapper overrides the kind-dispatching mapper.
	Mapper ResultMapper

	Logger *slog.Logger
}

// Scheduler runs batches through submit, poll, map and ledger update with a
// fixed number of worker loops pulling from one queue.
type Scheduler struct {
	provider    providers.Provider
	ledger      *ledger.Store
	voice       providers.VoiceConfig
	batchSize   int
	concurrency int
	timeout     time.Duration

	submitter *Submitter
	poller    *Poller
	mapper    ResultMapper
	logger    *slog.Logger
}

// NewScheduler validates cfg and builds the pipeline stages.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("scheduler requires a provider")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("scheduler requires a ledger")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("scheduler requires an output directory")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = batch.DefaultSize
	}
	if err := batch.ValidateSize(cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mapper := cfg.Mapper
	if mapper == nil {
		mapper = NewResultMapper(MapperConfig{
			Provider:   cfg.Provider,
			OutputDir:  cfg.OutputDir,
			TempDir:    cfg.TempDir,
			RetryDelay: cfg.RetryDelay,
			Logger:     logger,
		})
	}

	return &Scheduler{
		provider:    cfg.Provider,
		ledger:      cfg.Ledger,
		voice:       cfg.Voice,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.MaxConcurrentBatches,
		timeout:     cfg.JobTimeout,
		submitter: NewSubmitter(SubmitterConfig{
			Provider:      cfg.Provider,
			MaxTextLength: cfg.MaxTextLength,
			Attempts:      cfg.SubmitAttempts,
			Delay:         cfg.RetryDelay,
			Logger:        logger,
		}),
		poller: NewPoller(cfg.Provider, cfg.PollInterval, cfg.JobTimeout, logger),
		mapper: mapper,
		logger: logger,
	}, nil
}

// SetPollInterval retunes polling for jobs already waiting and jobs to come.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.poller.SetInterval(d)
}

// BatchResult is the committed outcome of one batch.
type BatchResult struct {
	Index     int    `json:"index" yaml:"index"`
	JobID     string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	State     State  `json:"state,omitempty" yaml:"state,omitempty"`
	Items     int    `json:"items" yaml:"items"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary reports a run. Succeeded + Failed == TotalAttempted.
type Summary struct {
	RunID          string        `json:"run_id" yaml:"run_id"`
	TotalAttempted int           `json:"total_attempted" yaml:"total_attempted"`
	Succeeded      int           `json:"succeeded" yaml:"succeeded"`
	Failed         int           `json:"failed" yaml:"failed"`
	Batches        []BatchResult `json:"batches" yaml:"batches"`
	FailedItems    []string      `json:"failed_items,omitempty" yaml:"failed_items,omitempty"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Run partitions items and drives every batch to a committed outcome.
//
// Per-item and per-batch failures are recorded and never stop other batches.
// A *ledger.PersistenceError stops the run and is returned. Cancelling ctx
// stops new submissions and polls; batches still in flight are not recorded
// and Run returns ctx.Err() with the partial summary.
func (s *Scheduler) Run(ctx context.Context, items []catalog.WorkItem) (Summary, error) {
	summary := Summary{RunID: ulid.Make().String(), StartedAt: time.Now()}
	logger := s.logger.With("run_id", summary.RunID)

	batches, err := batch.Partition(items, s.batchSize)
	if err != nil {
		return summary, err
	}
	if len(batches) == 0 {
		summary.FinishedAt = time.Now()
		return summary, nil
	}
	if err := s.ledger.SetRunID(ctx, summary.RunID); err != nil {
		return summary, err
	}

	queue := make(chan batch.Batch, len(batches))
	for _, b := range batches {
		queue <- b
	}
	close(queue)

	workers := min(s.concurrency, len(batches))
	logger.Info("run started", "items", len(items), "batches", len(batches), "workers", workers, "provider", s.provider.Name())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for b := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, failedIDs, err := s.runBatch(gctx, b)
				if err != nil {
					return err
				}
				mu.Lock()
				summary.Batches = append(summary.Batches, res)
				summary.TotalAttempted += res.Items
				summary.Succeeded += res.Succeeded
				summary.Failed += res.Failed
				summary.FailedItems = append(summary.FailedItems, failedIDs...)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	summary.FinishedAt = time.Now()

	switch {
	case ctx.Err() != nil:
		logger.Warn("run cancelled", "attempted", summary.TotalAttempted)
		return summary, ctx.Err()
	case err != nil:
		logger.Error("run halted", "error", err)
		return summary, err
	}
	logger.Info("run finished",
		"attempted", summary.TotalAttempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	)
	return summary, nil
}

// runBatch returns an error only for cancellation or a ledger write failure.
func (s *Scheduler) runBatch(ctx context.Context, b batch.Batch) (BatchResult, []string, error) {
	metrics.BatchStarted()
	defer metrics.BatchDone()

	res := BatchResult{Index: b.Index, Items: b.Len()}
	rec := &recorder{ledger: s.ledger, provider: s.provider.Name(), res: &res}
	logger := s.logger.With("batch", b.Index)

	job, skipped, err := s.submitter.Submit(ctx, b, s.voice)
	if ctx.Err() != nil {
		return res, nil, ctx.Err()
	}
	// Outcomes from here on are terminal and are written even if ctx is cancelled mid-commit.
	commitCtx := context.WithoutCancel(ctx)
	if err := rec.fail(commitCtx, skipped...); err != nil {
		return res, nil, err
	}
	if err != nil {
		logger.Error("batch submission failed", "error", err)
		res.Error = err.Error()
		return rec.done(rec.failAll(commitCtx, unsent(b, skipped), ledger.KindSubmission, err))
	}
	if job == nil {
		return rec.done(nil)
	}
	res.JobID = job.ID

	outcome, err := s.poller.WaitForTerminal(ctx, job, s.timeout)
	if err != nil {
		return res, nil, err
	}
	res.State = outcome.State
	commitCtx = context.WithoutCancel(ctx)

	switch outcome.State {
	case StateTimedOut:
		res.Error = ErrJobTimedOut.Error()
		return rec.done(rec.failAll(commitCtx, job.Batch.Items, ledger.KindTimeout, outcome.Err))
	case StateFailed:
		res.Error = outcome.Err.Error()
		return rec.done(rec.failAll(commitCtx, job.Batch.Items, ledger.KindJobFailed, outcome.Err))
	}

	mapped, err := s.mapper.Map(ctx, job, job.Batch)
	if err != nil {
		if ctx.Err() != nil {
			return res, nil, ctx.Err()
		}
		logger.Error("result mapping failed", "job_id", job.ID, "error", err)
		res.Error = err.Error()
		return rec.done(rec.failAll(commitCtx, job.Batch.Items, ledger.KindMapping, err))
	}
	for _, art := range mapped.Succeeded {
		if err := rec.complete(commitCtx, art); err != nil {
			return rec.done(err)
		}
	}
	if err := rec.fail(commitCtx, mapped.Failed...); err != nil {
		return rec.done(err)
	}
	logger.Info("batch finished", "job_id", job.ID, "succeeded", res.Succeeded, "failed", res.Failed)
	return rec.done(nil)
}

// recorder writes item outcomes to the ledger and tallies them.
type recorder struct {
	ledger    *ledger.Store
	provider  string
	res       *BatchResult
	failedIDs []string
}

// done returns the tallied batch result, or err when a ledger write failed.
func (r *recorder) done(err error) (BatchResult, []string, error) {
	if err != nil {
		return *r.res, nil, err
	}
	return *r.res, r.failedIDs, nil
}

func (r *recorder) complete(ctx context.Context, art Artifact) error {
	if err := r.ledger.MarkCompleted(ctx, art.Item.ID(), art.Path, art.Size); err != nil {
		return err
	}
	r.res.Succeeded++
	metrics.ItemsCompleted(r.provider, 1)
	return nil
}

func (r *recorder) fail(ctx context.Context, errs ...ItemError) error {
	for _, ie := range errs {
		id := ie.Item.ID()
		if err := r.ledger.MarkFailed(ctx, id, ie.Err.Error(), ie.Kind); err != nil {
			return err
		}
		r.res.Failed++
		r.failedIDs = append(r.failedIDs, id)
		metrics.ItemsFailed(r.provider, string(ie.Kind), 1)
	}
	return nil
}

func (r *recorder) failAll(ctx context.Context, items []catalog.WorkItem, kind ledger.ErrorKind, cause error) error {
	if cause == nil {
		cause = errors.New(string(kind))
	}
	errs := make([]ItemError, len(items))
	for i, item := range items {
		errs[i] = ItemError{Item: item, Kind: kind, Err: cause}
	}
	return r.fail(ctx, errs...)
}

// unsent returns the items of b that were not skipped before submission.
func unsent(b batch.Batch, skipped []ItemError) []catalog.WorkItem {
	if len(skipped) == 0 {
		return b.Items
	}
	skip := make(map[string]bool, len(skipped))
	for _, ie := range skipped {
		skip[ie.Item.ID()] = true
	}
	var out []catalog.WorkItem
	for _, item := range b.Items {
		if !skip[item.ID()] {
			out = append(out, item)
		}
	}
	return out
}
