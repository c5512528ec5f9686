package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/ledger"
	"github.com/jackzampolin/narrate/internal/metrics"
	"github.com/jackzampolin/narrate/internal/providers"
)

// Submission retry defaults.
const (
	DefaultSubmitAttempts = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultMaxRetryDelay  = time.Minute
)

// ItemError is a per-item failure detected before or after a job runs.
type ItemError struct {
	Item catalog.WorkItem
	Kind ledger.ErrorKind
	Err  error
}

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	Provider      providers.Provider
	MaxTextLength int
	Attempts      uint
	Delay         time.Duration
	MaxDelay      time.Duration
	Logger        *slog.Logger
}

// Submitter turns a batch into one provider job.
type Submitter struct {
	provider providers.Provider
	maxText  int
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
}

// NewSubmitter creates a submitter, filling zero fields with defaults.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	s := &Submitter{
		provider: cfg.Provider,
		maxText:  cfg.MaxTextLength,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
		maxDelay: cfg.MaxDelay,
		logger:   cfg.Logger,
	}
	if s.maxText == 0 {
		s.maxText = catalog.DefaultMaxTextLength
	}
	// retry-go treats zero attempts as unlimited.
	if s.attempts == 0 {
		s.attempts = DefaultSubmitAttempts
	}
	if s.delay <= 0 {
		s.delay = DefaultRetryDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = DefaultMaxRetryDelay
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Submit reads each item's text and sends every readable item, in order, as
// one job. Items whose text cannot be read come back as ItemErrors and are
// left out of the job. When no item is readable Submit returns a nil job and
// a nil error.
//
// Transient and malformed-response errors are retried with exponential
// backoff under the same correlation token. Rejections are returned at once.
func (s *Submitter) Submit(ctx context.Context, b batch.Batch, voice providers.VoiceConfig) (*Job, []ItemError, error) {
	var (
		skipped []ItemError
		sent    []catalog.WorkItem
		items   []providers.SubmitItem
	)
	for _, item := range b.Items {
		text, err := catalog.ReadText(item, s.maxText)
		if err != nil {
			skipped = append(skipped, ItemError{Item: item, Kind: ledger.KindText, Err: err})
			continue
		}
		sent = append(sent, item)
		items = append(items, providers.SubmitItem{
			ID:       item.ID(),
			Text:     text,
			FileName: item.AudioFilename("mp3"),
		})
	}
	if len(items) == 0 {
		return nil, skipped, nil
	}

	token := uuid.NewString()
	req := &providers.SubmitRequest{
		DisplayName:      fmt.Sprintf("narrate batch %d", b.Index+1),
		Description:      fmt.Sprintf("%d chapters starting at %s", len(items), items[0].ID),
		CorrelationToken: token,
		Items:            items,
		Voice:            voice,
	}
	logger := s.logger.With("batch", b.Index, "token", token)

	jobID, err := retry.DoWithData(
		func() (string, error) {
			return s.provider.Submit(ctx, req)
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(s.maxDelay),
		retry.DelayType(retryAfterDelay),
		retry.RetryIf(providers.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("submission failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, skipped, ctxErr
		}
		return nil, skipped, err
	}

	metrics.BatchSubmitted(s.provider.Name())
	logger.Info("batch submitted", "job_id", jobID, "items", len(items))
	return newJob(jobID, token, s.provider.Name(), batch.Batch{Index: b.Index, Items: sent}), skipped, nil
}

// retryAfterDelay honors a provider's Retry-After hint and otherwise backs off exponentially.
func retryAfterDelay(n uint, err error, cfg *retry.Config) time.Duration {
	if rl, ok := providers.IsRateLimitError(err); ok && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return retry.BackOffDelay(n, err, cfg)
}
