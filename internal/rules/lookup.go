package rules

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// LookupCache holds the reference tables used by the lookup() rule helper
// for the lifetime of one validation run.
//
// Entries are written once per table name and read many times. Concurrent
// misses for the same table share a single fetch.
type LookupCache struct {
	source metadata.LookupSource

	mu     sync.RWMutex
	tables map[string][]types.Row
	group  singleflight.Group
}

// NewLookupCache creates an empty cache over source. A nil source makes
// every lookup resolve to null.
func NewLookupCache(source metadata.LookupSource) *LookupCache {
	return &LookupCache{
		source: source,
		tables: make(map[string][]types.Row),
	}
}

// Table returns the rows of a lookup table, fetching it on first use.
// Failed fetches are not cached.
func (c *LookupCache) Table(ctx context.Context, name string) ([]types.Row, error) {
	c.mu.RLock()
	rows, ok := c.tables[name]
	c.mu.RUnlock()
	if ok {
		return rows, nil
	}

	if c.source == nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrLookupNotFound, name)
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		fetched, err := c.source.FetchLookupTable(ctx, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if existing, ok := c.tables[name]; ok {
			fetched = existing
		} else {
			c.tables[name] = fetched
		}
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lookup table %s: %w", name, err)
	}
	return v.([]types.Row), nil
}

// Warm fetches the given tables up front so parallel validation only reads.
func (c *LookupCache) Warm(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := c.Table(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Cached reports whether a table has been loaded.
func (c *LookupCache) Cached(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[name]
	return ok
}

// Lookup returns returnField of the first row of table whose searchField
// equals searchValue. Any failure (unknown table, no match, missing
// column) yields null.
func (c *LookupCache) Lookup(ctx context.Context, table, searchField string, searchValue types.Value, returnField string) types.Value {
	rows, err := c.Table(ctx, table)
	if err != nil {
		return types.Null()
	}
	for _, row := range rows {
		cell, ok := row[searchField]
		if !ok || !lookupEqual(cell, searchValue) {
			continue
		}
		return row.Get(returnField)
	}
	return types.Null()
}

// lookupEqual compares two cells. Integers and decimals compare by value;
// every other pairing needs the same kind.
func lookupEqual(a, b types.Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	if a.IsNumeric() && b.IsNumeric() {
		da, _ := a.Decimal()
		db, _ := b.Decimal()
		return da.Cmp(db) == 0
	}
	return a.Equal(b)
}
