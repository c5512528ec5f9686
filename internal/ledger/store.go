package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/narrate/internal/catalog"
)

// Backend loads and saves whole snapshots.
//
// Load returns an empty snapshot when nothing has been stored yet and an error
// wrapping ErrCorrupt when stored data cannot be decoded. Save must write the
// snapshot all-or-nothing and must not retain it after returning.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Store is the in-memory view of the ledger plus its persistence.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	snap    *Snapshot
	retries map[string]int
}

// Open loads the ledger from backend. A corrupt snapshot is replaced by an empty
// one and logged; any other load error is returned.
func Open(ctx context.Context, backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	snap, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		logger.Warn("ledger unreadable, starting from empty state", "error", err)
		snap = NewSnapshot()
	case err != nil:
		return nil, fmt.Errorf("load ledger: %w", err)
	case snap == nil:
		snap = NewSnapshot()
	}
	snap.normalize()

	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		snap:    snap,
		retries: make(map[string]int, len(snap.Failures)),
	}
	for id, recs := range snap.Failures {
		if _, done := snap.Completed[id]; done {
			// A completion always supersedes earlier failures.
			delete(snap.Failures, id)
			continue
		}
		if len(recs) > 0 {
			s.retries[id] = len(recs)
		}
	}

	logger.Debug("ledger loaded", "completed", len(snap.Completed), "failed", len(s.retries))
	return s, nil
}

// IsCompleted reports whether id has a completion record.
func (s *Store) IsCompleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snap.Completed[id]
	return ok
}

// IsFailed reports whether id has failure records and no completion.
func (s *Store) IsFailed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isFailedLocked(id)
}

func (s *Store) isFailedLocked(id string) bool {
	if _, ok := s.snap.Completed[id]; ok {
		return false
	}
	return s.retries[id] > 0
}

// RetryCount returns the number of failure records for id.
func (s *Store) RetryCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries[id]
}

// Completion returns the completion record for id.
func (s *Store) Completion(id string) (CompletionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.snap.Completed[id]
	return rec, ok
}

// Failures returns a copy of the failure records for id, oldest first.
func (s *Store) Failures(id string) []FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FailureRecord(nil), s.snap.Failures[id]...)
}

// LatestFailure returns the most recent failure for id.
func (s *Store) LatestFailure(id string) (FailureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.snap.Failures[id]
	if len(recs) == 0 {
		return FailureRecord{}, false
	}
	return recs[len(recs)-1], true
}

// MarkCompleted records a completion for id. Completing an id twice is a no-op.
// Any failure records for id are purged. On a persistence error the in-memory
// state is restored and a *PersistenceError is returned.
func (s *Store) MarkCompleted(ctx context.Context, id, artifactPath string, artifactSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.Completed[id]; ok {
		return nil
	}

	prevFailures, hadFailures := s.snap.Failures[id]
	prevRetries := s.retries[id]
	prevLast := s.snap.LastCompleted
	prevUpdated := s.snap.UpdatedAt

	now := s.now().UTC()
	s.snap.Completed[id] = CompletionRecord{
		WorkItemID:         id,
		Timestamp:          now,
		OutputArtifactPath: artifactPath,
		OutputArtifactSize: artifactSize,
	}
	delete(s.snap.Failures, id)
	delete(s.retries, id)
	s.snap.LastCompleted = id
	s.snap.UpdatedAt = now

	if err := s.backend.Save(ctx, s.snap); err != nil {
		delete(s.snap.Completed, id)
		if hadFailures {
			s.snap.Failures[id] = prevFailures
		}
		if prevRetries > 0 {
			s.retries[id] = prevRetries
		}
		s.snap.LastCompleted = prevLast
		s.snap.UpdatedAt = prevUpdated
		return &PersistenceError{Op: "mark completed", ID: id, Err: err}
	}
	return nil
}

// MarkFailed appends a failure record for id with the next attempt number.
// Only persistence errors are returned.
func (s *Store) MarkFailed(ctx context.Context, id, message string, kind ErrorKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.Completed[id]; ok {
		s.logger.Debug("ignoring failure for completed item", "id", id, "kind", kind)
		return nil
	}

	prevRetries := s.retries[id]
	prevUpdated := s.snap.UpdatedAt

	now := s.now().UTC()
	s.snap.Failures[id] = append(s.snap.Failures[id], FailureRecord{
		WorkItemID:    id,
		Timestamp:     now,
		ErrorMessage:  message,
		ErrorKind:     kind,
		AttemptNumber: prevRetries + 1,
	})
	s.retries[id] = prevRetries + 1
	s.snap.UpdatedAt = now

	if err := s.backend.Save(ctx, s.snap); err != nil {
		recs := s.snap.Failures[id]
		if len(recs) <= 1 {
			delete(s.snap.Failures, id)
		} else {
			s.snap.Failures[id] = recs[:len(recs)-1]
		}
		if prevRetries == 0 {
			delete(s.retries, id)
		} else {
			s.retries[id] = prevRetries
		}
		s.snap.UpdatedAt = prevUpdated
		return &PersistenceError{Op: "mark failed", ID: id, Err: err}
	}
	return nil
}

// NextPending returns up to limit items of cat, in catalog order, that are not
// completed. A limit of zero or less returns every pending item.
func (s *Store) NextPending(cat *catalog.Catalog, limit int) []catalog.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.WorkItem
	for _, item := range cat.Items() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if _, done := s.snap.Completed[item.ID()]; done {
			continue
		}
		out = append(out, item)
	}
	return out
}

// EligibleForRetry returns failed items of cat, in catalog order, whose retry
// count is below maxRetries.
func (s *Store) EligibleForRetry(cat *catalog.Catalog, maxRetries int) []catalog.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []catalog.WorkItem
	for _, item := range cat.Items() {
		id := item.ID()
		if s.isFailedLocked(id) && s.retries[id] < maxRetries {
			out = append(out, item)
		}
	}
	return out
}

// SetRunID records the id of the run currently writing to the ledger.
func (s *Store) SetRunID(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.LastRunID
	s.snap.LastRunID = runID
	if err := s.backend.Save(ctx, s.snap); err != nil {
		s.snap.LastRunID = prev
		return &PersistenceError{Op: "set run id", Err: err}
	}
	return nil
}

// Reset discards every record.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := NewSnapshot()
	fresh.UpdatedAt = s.now().UTC()
	if err := s.backend.Save(ctx, fresh); err != nil {
		return &PersistenceError{Op: "reset", Err: err}
	}
	s.snap = fresh
	s.retries = make(map[string]int)
	s.logger.Info("ledger reset")
	return nil
}

// ClearFailed discards failure records, leaving completions intact.
// It returns the number of items cleared.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := len(s.snap.Failures)
	if cleared == 0 {
		return 0, nil
	}
	next := s.snap.Clone()
	next.Failures = make(map[string][]FailureRecord)
	next.UpdatedAt = s.now().UTC()
	if err := s.backend.Save(ctx, next); err != nil {
		return 0, &PersistenceError{Op: "clear failed", Err: err}
	}
	s.snap = next
	s.retries = make(map[string]int)
	s.logger.Info("cleared failed items", "count", cleared)
	return cleared, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}
