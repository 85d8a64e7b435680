// Package catalog keeps the ordered set of photos accepted for the next
// submission.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/courtside/photodesk/internal/models"
)

var (
	ErrDuplicateID    = errors.New("duplicate item id")
	ErrIncompleteItem = errors.New("item is missing a variant or preview handle")
)

// Releaser frees a preview handle owned by a catalog item.
type Releaser interface {
	Release(handle string) error
}

// Catalog is an ordered, id-unique collection of BatchItems. Insertion order
// is display order and submission order. The catalog owns each item's
// preview handle and releases it when the item leaves.
type Catalog struct {
	mu       sync.RWMutex
	items    []*models.BatchItem
	index    map[string]int
	maxItems int
	version  uint64
	previews Releaser
	logger   *slog.Logger
}

// New creates an empty catalog bounded at maxItems.
func New(maxItems int, previews Releaser, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		index:    make(map[string]int),
		maxItems: maxItems,
		previews: previews,
		logger:   logger.With("component", "catalog"),
	}
}

// Append adds items at the end in the given order. Either all items are
// added or none are.
func (c *Catalog) Append(items ...*models.BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items)+len(items) > c.maxItems {
		return fmt.Errorf("%w: %d present, %d offered, limit %d",
			models.ErrCountExceeded, len(c.items), len(items), c.maxItems)
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if !item.Complete() {
			return ErrIncompleteItem
		}
		if _, ok := c.index[item.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
		}
		if _, ok := seen[item.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
		}
		seen[item.ID] = struct{}{}
	}

	for _, item := range items {
		c.index[item.ID] = len(c.items)
		c.items = append(c.items, item)
	}
	c.version++
	return nil
}

// Remove drops the item with id and releases its preview.
// It reports whether an item was removed.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.index[id]
	if !ok {
		return false
	}

	item := c.items[pos]
	c.items = slices.Delete(c.items, pos, pos+1)
	c.reindex()
	c.version++
	c.release(item)
	return true
}

// RemoveAll drops every listed id that is present and returns how many
// were removed. Order of the remaining items is unchanged.
func (c *Catalog) RemoveAll(ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.items[:0]
	var removed []*models.BatchItem
	for _, item := range c.items {
		if _, ok := drop[item.ID]; ok {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	if len(removed) == 0 {
		return 0
	}

	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = nil
	}
	c.items = kept
	c.reindex()
	c.version++
	for _, item := range removed {
		c.release(item)
	}
	return len(removed)
}

// Clear empties the catalog and releases every preview it owns.
// Clearing an empty catalog is a no-op.
func (c *Catalog) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 {
		return 0
	}

	n := len(c.items)
	for _, item := range c.items {
		c.release(item)
	}
	c.items = nil
	c.index = make(map[string]int)
	c.version++
	return n
}

// Snapshot returns the items in order. The slice is a copy; the byte
// buffers inside each item are shared and must not be modified.
func (c *Catalog) Snapshot() []models.BatchItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.BatchItem, len(c.items))
	for i, item := range c.items {
		out[i] = *item
	}
	return out
}

// Get returns the item with id.
func (c *Catalog) Get(id string) (models.BatchItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.index[id]
	if !ok {
		return models.BatchItem{}, false
	}
	return *c.items[pos], true
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// MaxItems returns the capacity the catalog was created with.
func (c *Catalog) MaxItems() int {
	return c.maxItems
}

// Version increases on every successful mutation.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Catalog) reindex() {
	clear(c.index)
	for i, item := range c.items {
		c.index[item.ID] = i
	}
}

// release must be called with c.mu held.
func (c *Catalog) release(item *models.BatchItem) {
	if c.previews == nil || item.PreviewHandle == "" {
		return
	}
	if err := c.previews.Release(item.PreviewHandle); err != nil {
		c.logger.Warn("failed to release preview", "item", item.ID, "handle", item.PreviewHandle, "error", err)
	}
}
