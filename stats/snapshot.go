package stats

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"mit.edu/dsg/planlab/catalog"
	"mit.edu/dsg/planlab/common"
)

// Snapshot copies the statistics of the given tables (table name -> columns
// whose distinct counts are wanted) from src into dst. Tables are read
// concurrently and the first error cancels the remaining lookups. The buffer
// budget is copied when src can supply it. Everything is read before anything
// is written, and dst is saved once; on any error dst is left unchanged.
func Snapshot(ctx context.Context, src Provider, dst *catalog.Catalog, tables map[string][]string) error {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	collected := make([]catalog.TableStats, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			ts, err := readTable(gctx, src, name, tables[name])
			if err != nil {
				return err
			}
			collected[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	u := catalog.Update{Tables: collected}
	m, err := src.BufferBudgetBlocks(ctx)
	switch {
	case err == nil:
		u.BufferBlocks = m
	case common.IsCode(err, common.StatisticsUnavailable):
	default:
		return fmt.Errorf("read buffer budget: %w", err)
	}
	if err := dst.Apply(u); err != nil {
		return fmt.Errorf("store statistics: %w", err)
	}
	return nil
}

func readTable(ctx context.Context, src Provider, name string, columns []string) (catalog.TableStats, error) {
	ts := catalog.TableStats{Name: name}
	var err error
	if ts.Blocks, err = src.BlockCount(ctx, name); err != nil {
		return ts, fmt.Errorf("block count of %s: %w", name, err)
	}
	if ts.Rows, err = src.RowCount(ctx, name); err != nil {
		return ts, fmt.Errorf("row count of %s: %w", name, err)
	}
	if len(columns) > 0 {
		ts.Columns = make(map[string]int64, len(columns))
	}
	for _, col := range columns {
		v, err := src.DistinctCount(ctx, name, col)
		if err != nil {
			return ts, fmt.Errorf("distinct count of %s.%s: %w", name, col, err)
		}
		ts.Columns[col] = v
	}
	return ts, nil
}
