package catalog

import (
	"context"
	"fmt"
)

// Source discovers work items. Implementations return items in processing order.
type Source interface {
	Discover(ctx context.Context) ([]WorkItem, error)
}

// Catalog is an ordered, immutable set of work items with id lookup.
type Catalog struct {
	items []WorkItem
	index map[string]int
}

// New builds a catalog from items, preserving their order.
// Duplicate ids are rejected since the ledger keys on them.
func New(items []WorkItem) (*Catalog, error) {
	c := &Catalog{
		items: make([]WorkItem, len(items)),
		index: make(map[string]int, len(items)),
	}
	copy(c.items, items)
	for i, item := range c.items {
		id := item.ID()
		if prev, ok := c.index[id]; ok {
			return nil, fmt.Errorf("duplicate work item id %q at positions %d and %d", id, prev, i)
		}
		c.index[id] = i
	}
	return c, nil
}

// Load discovers items from src and builds a catalog.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	items, err := src.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover work items: %w", err)
	}
	return New(items)
}

// Items returns the items in catalog order. The slice must not be modified.
func (c *Catalog) Items() []WorkItem {
	return c.items
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	return len(c.items)
}

// Lookup returns the item with the given id.
func (c *Catalog) Lookup(id string) (WorkItem, bool) {
	i, ok := c.index[id]
	if !ok {
		return WorkItem{}, false
	}
	return c.items[i], true
}

// Position returns the catalog index of id, or -1.
func (c *Catalog) Position(id string) int {
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}

// Volumes returns the distinct volume names in catalog order.
func (c *Catalog) Volumes() []string {
	seen := make(map[string]bool)
	var names []string
	for _, item := range c.items {
		if !seen[item.VolumeName] {
			seen[item.VolumeName] = true
			names = append(names, item.VolumeName)
		}
	}
	return names
}

// Filter returns a new catalog containing the items f keeps.
func (c *Catalog) Filter(f Filter) *Catalog {
	kept := f.Apply(c.items)
	out, _ := New(kept) // ids are already unique
	return out
}
