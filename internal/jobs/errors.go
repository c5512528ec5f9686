package jobs

import (
	"errors"
	"fmt"
)

// ErrJobTimedOut is returned when a job stays non-terminal past its timeout.
var ErrJobTimedOut = errors.New("job timed out")

// JobFailedError reports a job the provider ended in its Failed state.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// ResultMappingError reports an I/O failure while fetching or unpacking a
// job's artifacts. Every item in the batch is failed when this occurs.
type ResultMappingError struct {
	JobID string
	Err   error
}

func (e *ResultMappingError) Error() string {
	return fmt.Sprintf("mapping results of job %s: %v", e.JobID, e.Err)
}

func (e *ResultMappingError) Unwrap() error {
	return e.Err
}
