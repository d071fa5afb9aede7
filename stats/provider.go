// Package stats defines the Statistics Provider consumed by the plan tree
// builder, together with a caching decorator and a SQLite-backed implementation.
package stats

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/planlab/common"
)

// Provider supplies the page and row statistics the cost model needs.
// Implementations must be idempotent and free of side effects from the
// caller's perspective. A missing table or column is reported as a
// common.StatisticsUnavailable PlanError.
type Provider interface {
	BlockCount(ctx context.Context, table string) (int64, error)
	RowCount(ctx context.Context, table string) (int64, error)
	DistinctCount(ctx context.Context, table, column string) (int64, error)
	BufferBudgetBlocks(ctx context.Context) (int64, error)
}

type cacheKey struct {
	kind   byte
	table  string
	column string
}

type cacheEntry struct {
	value int64
	err   error
}

// Cached memoises the answers of another Provider. Successful lookups and
// StatisticsUnavailable failures are cached; any other error (a cancelled
// context, a broken connection) is returned without being remembered.
// It is safe for concurrent builds.
type Cached struct {
	inner   Provider
	entries *xsync.MapOf[cacheKey, cacheEntry]
}

func NewCached(inner Provider) *Cached {
	return &Cached{
		inner:   inner,
		entries: xsync.NewMapOf[cacheKey, cacheEntry](),
	}
}

func (c *Cached) lookup(key cacheKey, fetch func() (int64, error)) (int64, error) {
	if e, ok := c.entries.Load(key); ok {
		return e.value, e.err
	}
	v, err := fetch()
	if err == nil || common.IsCode(err, common.StatisticsUnavailable) {
		c.entries.Store(key, cacheEntry{value: v, err: err})
	}
	return v, err
}

func (c *Cached) BlockCount(ctx context.Context, table string) (int64, error) {
	return c.lookup(cacheKey{kind: 'b', table: table}, func() (int64, error) {
		return c.inner.BlockCount(ctx, table)
	})
}

func (c *Cached) RowCount(ctx context.Context, table string) (int64, error) {
	return c.lookup(cacheKey{kind: 'r', table: table}, func() (int64, error) {
		return c.inner.RowCount(ctx, table)
	})
}

func (c *Cached) DistinctCount(ctx context.Context, table, column string) (int64, error) {
	return c.lookup(cacheKey{kind: 'd', table: table, column: column}, func() (int64, error) {
		return c.inner.DistinctCount(ctx, table, column)
	})
}

func (c *Cached) BufferBudgetBlocks(ctx context.Context) (int64, error) {
	return c.lookup(cacheKey{kind: 'm'}, func() (int64, error) {
		return c.inner.BufferBudgetBlocks(ctx)
	})
}

// Len reports the number of cached answers.
func (c *Cached) Len() int {
	return c.entries.Size()
}

// Invalidate drops every cached answer.
func (c *Cached) Invalidate() {
	c.entries.Clear()
}
