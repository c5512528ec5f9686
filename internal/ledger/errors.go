package ledger

import (
	"errors"
	"fmt"
)

// ErrCorrupt marks a snapshot that exists but cannot be decoded or validated.
var ErrCorrupt = errors.New("ledger snapshot is corrupt")

// PersistenceError means a mutation could not be durably written.
// The in-memory state has been rolled back when this is returned.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("ledger %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
