package planlab

import (
	"context"
	"io"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mit.edu/dsg/planlab/catalog"
	"mit.edu/dsg/planlab/config"
	"mit.edu/dsg/planlab/planner"
	"mit.edu/dsg/planlab/qep"
	"mit.edu/dsg/planlab/query"
	"mit.edu/dsg/planlab/stats"
)

// Workbench is the top-level container wiring configuration, statistics,
// the plan tree builder and the execution-plan parser together.
type Workbench struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Stats   *stats.Cached
	Builder *planner.Builder

	logger  logrus.FieldLogger
	closers []io.Closer
}

// NewWorkbench opens the statistics catalog under cfg.Statistics.CatalogDir.
// When cfg.Statistics.SQLitePath is set, statistics are read from that
// database instead of the catalog.
func NewWorkbench(cfg *config.Config, logger logrus.FieldLogger) (*Workbench, error) {
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	if err := os.MkdirAll(cfg.Statistics.CatalogDir, 0755); err != nil {
		return nil, err
	}
	cat, err := catalog.NewCatalog(catalog.NewDiskCatalogManager(cfg.Statistics.CatalogDir))
	if err != nil {
		return nil, err
	}

	w := &Workbench{Config: cfg, Catalog: cat, logger: logger}

	var provider stats.Provider = cat
	if cfg.Statistics.SQLitePath != "" {
		db, err := stats.OpenSQLite(cfg.Statistics.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		db.SetAvgRowBytes(cfg.Statistics.AvgRowBytes)
		w.closers = append(w.closers, db)
		provider = db
	}
	w.Stats = stats.NewCached(provider)
	w.Builder = planner.NewBuilder(w.Stats, planner.Options{
		BufferBlocks:        cfg.Cost.BufferBlocks,
		DefaultBufferBlocks: cfg.Cost.DefaultBufferBlocks,
		Selectivity:         cfg.Cost.Selectivity,
		FallbackRows:        cfg.Cost.FallbackRows,
		FallbackBlocks:      cfg.Cost.FallbackBlocks,
	}, logger)
	return w, nil
}

func (w *Workbench) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	w.closers = nil
	return first
}

// Estimate builds the tree of desc for the given join order with the cost model.
func (w *Workbench) Estimate(ctx context.Context, desc *query.Descriptor, order []int) (*planner.Result, error) {
	return w.Builder.Build(ctx, desc, order, planner.Estimate)
}

// TotalCost sums the I/O cost of every relation of a build, so that an
// invalid forest is still priced.
func TotalCost(res *planner.Result) float64 {
	total := 0.0
	for _, rel := range res.Relations {
		total += planner.TotalIOCost(rel)
	}
	return total
}

// Comparison sets the engine's observed plan against the cost model's
// estimate for the same query and join order.
type Comparison struct {
	RunID      string
	Plan       *qep.Node
	Descriptor *query.Descriptor
	Observed   *planner.Result
	Estimated  *planner.Result

	// ObservedCost is the plan's own total cost; ReplayedCost is what the
	// replayed tree adds up to. The two agree unless the parser had to clamp
	// a node's cost.
	ObservedCost  float64
	ReplayedCost  float64
	EstimatedCost float64
}

// Compare parses an explain plan, replays it, and estimates the extracted
// descriptor with the join order the engine chose.
func (w *Workbench) Compare(ctx context.Context, planText string) (*Comparison, error) {
	plan, desc, err := qep.Parse(planText)
	if err != nil {
		return nil, err
	}
	observed, err := w.Builder.Build(ctx, desc, nil, planner.Replay)
	if err != nil {
		return nil, err
	}
	estimated, err := w.Builder.Build(ctx, desc, nil, planner.Estimate)
	if err != nil {
		return nil, err
	}

	c := &Comparison{
		RunID:         uuid.NewString(),
		Plan:          plan,
		Descriptor:    desc,
		Observed:      observed,
		Estimated:     estimated,
		ObservedCost:  plan.TotalCost(),
		ReplayedCost:  TotalCost(observed),
		EstimatedCost: TotalCost(estimated),
	}
	w.logger.WithFields(logrus.Fields{
		"run_id":    c.RunID,
		"observed":  c.ObservedCost,
		"estimated": c.EstimatedCost,
		"fallbacks": len(estimated.Diagnostics),
	}).Info("compared plan")
	return c, nil
}

// OrderCost is the estimate of one join order.
type OrderCost struct {
	Order  []int
	Cost   float64
	Rows   float64
	Result *planner.Result
}

// Explore estimates the first limit valid join orders of desc, several at a
// time, and returns them in enumeration order. A limit <= 0 uses the
// configured maximum.
func (w *Workbench) Explore(ctx context.Context, desc *query.Descriptor, limit int) ([]OrderCost, error) {
	if limit <= 0 {
		limit = w.Config.Explore.MaxOrders
	}
	var orders [][]int
	for order := range planner.ValidOrders(desc.JoinPredicates) {
		orders = append(orders, order)
		if len(orders) == limit {
			break
		}
	}

	out := make([]OrderCost, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Config.Explore.Parallelism)
	for i, order := range orders {
		g.Go(func() error {
			res, err := w.Builder.Build(gctx, desc, order, planner.Estimate)
			if err != nil {
				return err
			}
			oc := OrderCost{Order: order, Cost: TotalCost(res), Result: res}
			if res.Root != nil {
				oc.Rows = res.Root.OutputRows
			}
			out[i] = oc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	w.logger.WithField("orders", len(out)).Debug("explored join orders")
	return out, nil
}

// ImportStatistics snapshots the given tables from src into the catalog and
// drops every cached answer.
func (w *Workbench) ImportStatistics(ctx context.Context, src stats.Provider, tables map[string][]string) error {
	if err := stats.Snapshot(ctx, src, w.Catalog, tables); err != nil {
		return err
	}
	w.Stats.Invalidate()
	w.logger.WithField("tables", len(tables)).Info("imported statistics")
	return nil
}

// TablesOf lists the tables a descriptor touches with the columns whose
// distinct counts the cost model may ask for.
func TablesOf(desc *query.Descriptor) map[string][]string {
	cols := make(map[string]map[string]bool)
	add := func(table, column string) {
		if table == "" {
			return
		}
		if cols[table] == nil {
			cols[table] = make(map[string]bool)
		}
		if column != "" {
			cols[table][column] = true
		}
	}
	for _, s := range desc.Sources {
		add(s.Table, "")
	}
	for _, p := range desc.JoinPredicates {
		for _, side := range []query.JoinSide{p.Left, p.Right} {
			table := side.Table
			if src, ok := desc.Source(side.Alias); ok {
				table = src.Table
			}
			add(table, side.Column)
		}
	}
	for _, f := range desc.Filters {
		if src, ok := desc.Source(f.Alias); ok {
			add(src.Table, f.Column())
		}
	}

	out := make(map[string][]string, len(cols))
	for table, set := range cols {
		list := make([]string, 0, len(set))
		for c := range set {
			list = append(list, c)
		}
		slices.Sort(list)
		out[table] = list
	}
	return out
}
