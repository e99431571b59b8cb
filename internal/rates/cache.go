package rates

import (
	"context"
	"sync/atomic"
)

// TableCache stores a rate table so that multiple service instances can
// share one source of truth without re-reading the table file.
// Implementations must be safe for concurrent use.
type TableCache interface {
	// Get retrieves the cached table.
	// Returns nil, nil if no table has been cached yet.
	Get(ctx context.Context) (*Table, error)

	// Set stores the table.
	Set(ctx context.Context, table *Table) error

	// Close releases any resources held by the cache.
	Close() error
}

// LocalCache is an in-process TableCache for single-instance deployments.
type LocalCache struct {
	table atomic.Pointer[Table]
}

// NewLocalCache creates an empty in-process cache.
func NewLocalCache() *LocalCache {
	return &LocalCache{}
}

// Get returns the cached table, or nil if none has been set.
func (c *LocalCache) Get(_ context.Context) (*Table, error) {
	return c.table.Load(), nil
}

// Set stores the table.
func (c *LocalCache) Set(_ context.Context, table *Table) error {
	c.table.Store(table)
	return nil
}

// Close is a no-op for the local cache.
func (c *LocalCache) Close() error {
	return nil
}
