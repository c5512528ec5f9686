// Package ledger is the durable record of which work items completed or failed.
//
// A Store keeps every record in memory for constant-time lookups and writes the
// whole snapshot through a Backend after each mutation. Mutations are serialized,
// so a backend never sees two concurrent Save calls from the same Store.
package ledger

import "time"

// SnapshotVersion is the current on-disk layout version.
const SnapshotVersion = 1

// ErrorKind classifies a failed attempt.
type ErrorKind string

const (
	KindSubmission ErrorKind = "submission_error"
	KindJobFailed  ErrorKind = "job_failed"
	KindTimeout    ErrorKind = "job_timeout"
	KindMapping    ErrorKind = "mapping_error"
	KindBatch      ErrorKind = "batch_error"
	KindText       ErrorKind = "text_error"
)

// CompletionRecord marks a work item as done. At most one exists per id.
type CompletionRecord struct {
	WorkItemID         string    `json:"work_item_id" yaml:"work_item_id"`
	Timestamp          time.Time `json:"timestamp" yaml:"timestamp"`
	OutputArtifactPath string    `json:"output_artifact_path" yaml:"output_artifact_path"`
	OutputArtifactSize int64     `json:"output_artifact_size" yaml:"output_artifact_size"`
}

// FailureRecord is one failed attempt. A retried item accumulates several.
type FailureRecord struct {
	WorkItemID    string    `json:"work_item_id" yaml:"work_item_id"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	ErrorMessage  string    `json:"error_message" yaml:"error_message"`
	ErrorKind     ErrorKind `json:"error_kind" yaml:"error_kind"`
	AttemptNumber int       `json:"attempt_number" yaml:"attempt_number"`
}

// Snapshot is the full persisted ledger.
type Snapshot struct {
	Version       int                         `json:"version"`
	Completed     map[string]CompletionRecord `json:"completed"`
	Failures      map[string][]FailureRecord  `json:"failures"`
	LastCompleted string                      `json:"last_completed,omitempty"`
	LastRunID     string                      `json:"last_run_id,omitempty"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		Completed: make(map[string]CompletionRecord),
		Failures:  make(map[string][]FailureRecord),
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:       s.Version,
		Completed:     make(map[string]CompletionRecord, len(s.Completed)),
		Failures:      make(map[string][]FailureRecord, len(s.Failures)),
		LastCompleted: s.LastCompleted,
		LastRunID:     s.LastRunID,
		UpdatedAt:     s.UpdatedAt,
	}
	for id, rec := range s.Completed {
		out.Completed[id] = rec
	}
	for id, recs := range s.Failures {
		out.Failures[id] = append([]FailureRecord(nil), recs...)
	}
	return out
}

func (s *Snapshot) normalize() {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Completed == nil {
		s.Completed = make(map[string]CompletionRecord)
	}
	if s.Failures == nil {
		s.Failures = make(map[string][]FailureRecord)
	}
}
