package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/narrate/internal/metrics"
	"github.com/jackzampolin/narrate/internal/providers"
)

// Polling defaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultJobTimeout   = 60 * time.Minute
)

// Outcome is the terminal result of waiting on a job.
type Outcome struct {
	State   State
	Result  *providers.ResultLocation
	Message string
	Err     error
}

// Poller drives jobs to a terminal state by polling the provider.
type Poller struct {
	provider providers.Provider
	interval atomic.Int64
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller. Zero durations select the defaults.
func NewPoller(p providers.Provider, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	poller := &Poller{provider: p, timeout: timeout, logger: logger}
	poller.SetInterval(interval)
	return poller
}

// SetInterval changes the poll interval. Jobs already waiting pick it up on
// their next tick.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	p.interval.Store(int64(d))
}

// Interval returns the current poll interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// WaitForTerminal polls job until the provider reports a terminal status or
// timeout (the poller default when zero) elapses. Transient poll errors are
// logged and polling continues. A non-retryable poll error fails the job.
//
// If ctx is cancelled first, WaitForTerminal returns ctx.Err() and the job
// keeps its non-terminal state.
func (p *Poller) WaitForTerminal(ctx context.Context, job *Job, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	logger := p.logger.With("batch", job.Batch.Index, "job_id", job.ID)
	job.startPolling()

	until := time.Now().Add(timeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTimer(0)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline.C:
			return p.finish(job, StateTimedOut, nil, "", ErrJobTimedOut, logger), nil
		case <-tick.C:
		}

		// A poll in flight must not outlive the job deadline.
		pollCtx, cancel := context.WithDeadline(ctx, until)
		report, err := p.provider.PollStatus(pollCtx, job.ID)
		expired := pollCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			if expired {
				return p.finish(job, StateTimedOut, nil, "", ErrJobTimedOut, logger), nil
			}
			if !providers.IsRetryable(err) {
				return p.finish(job, StateFailed, nil, err.Error(), &JobFailedError{JobID: job.ID, Reason: err.Error()}, logger), nil
			}
			metrics.PollError(p.provider.Name())
			logger.Warn("poll failed, will retry", "error", err)
		} else {
			switch report.Status {
			case providers.StatusSucceeded:
				return p.finish(job, StateSucceeded, report.Result, report.Message, nil, logger), nil
			case providers.StatusFailed:
				return p.finish(job, StateFailed, nil, report.Message, &JobFailedError{JobID: job.ID, Reason: report.Message}, logger), nil
			default:
				logger.Debug("job in progress", "status", report.Status, "succeeded", report.Succeeded, "total", report.Total)
			}
		}
		tick.Reset(p.Interval())
	}
}

func (p *Poller) finish(job *Job, state State, result *providers.ResultLocation, message string, err error, logger *slog.Logger) Outcome {
	if job.finish(state, result, message) {
		metrics.ObserveJob(p.provider.Name(), string(state), job.Elapsed())
		logger.Info("job finished", "state", state, "elapsed", job.Elapsed().Round(time.Second))
	}
	return Outcome{State: job.State(), Result: job.Result(), Message: job.Message(), Err: err}
}
