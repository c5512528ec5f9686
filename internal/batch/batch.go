// Package batch splits pending work items into fixed-size batches.
package batch

import (
	"errors"
	"fmt"

	"github.com/jackzampolin/narrate/internal/catalog"
)

const (
	// DefaultSize is the batch size used when none is configured.
	DefaultSize = 100

	// MinSize and MaxSize bound a valid batch size.
	MinSize = 1
	MaxSize = 10000
)

// ErrInvalidSize is returned for a batch size outside [MinSize, MaxSize].
var ErrInvalidSize = errors.New("invalid batch size")

// Batch is an ordered group of work items submitted as one provider job.
type Batch struct {
	// Index is the zero-based position of the batch within its partition.
	Index int
	Items []catalog.WorkItem
}

// Len returns the number of items in the batch.
func (b Batch) Len() int {
	return len(b.Items)
}

// IDs returns the item ids in submission order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ID()
	}
	return ids
}

// ValidateSize checks that size is within bounds.
func ValidateSize(size int) error {
	if size < MinSize || size > MaxSize {
		return fmt.Errorf("%w: %d (must be between %d and %d)", ErrInvalidSize, size, MinSize, MaxSize)
	}
	return nil
}

// Partition splits items into ceil(len(items)/size) batches in input order.
// Every batch but the last holds exactly size items.
func Partition(items []catalog.WorkItem, size int) ([]Batch, error) {
	if err := ValidateSize(size); err != nil {
		return nil, err
	}

	batches := make([]Batch, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunk := make([]catalog.WorkItem, end-start)
		copy(chunk, items[start:end])
		batches = append(batches, Batch{Index: len(batches), Items: chunk})
	}
	return batches, nil
}
