package jobs

import (
	"sync"
	"time"

	"github.com/jackzampolin/narrate/internal/batch"
	"github.com/jackzampolin/narrate/internal/providers"
)

// State is the lifecycle position of a submitted job.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Job is one provider-side synthesis job covering a batch.
// Batch holds exactly the items sent, in submission order.
type Job struct {
	ID          string
	Token       string
	Batch       batch.Batch
	Provider    string
	SubmittedAt time.Time

	mu         sync.Mutex
	state      State
	result     *providers.ResultLocation
	message    string
	finishedAt time.Time
}

func newJob(id, token, provider string, b batch.Batch) *Job {
	return &Job{
		ID:          id,
		Token:       token,
		Batch:       b,
		Provider:    provider,
		SubmittedAt: time.Now(),
		state:       StateSubmitted,
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the artifact location once the job has succeeded.
func (j *Job) Result() *providers.ResultLocation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Message returns the provider's terminal message, if any.
func (j *Job) Message() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.message
}

// Elapsed is the time from submission to the terminal state, or to now.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishedAt.IsZero() {
		return time.Since(j.SubmittedAt)
	}
	return j.finishedAt.Sub(j.SubmittedAt)
}

func (j *Job) startPolling() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateSubmitted {
		j.state = StatePolling
	}
}

// finish moves the job to a terminal state. Only the first call wins.
func (j *Job) finish(state State, result *providers.ResultLocation, message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = state
	j.result = result
	j.message = message
	j.finishedAt = time.Now()
	return true
}
