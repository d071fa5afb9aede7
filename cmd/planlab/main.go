package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mit.edu/dsg/planlab"
	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/config"
	"mit.edu/dsg/planlab/planner"
	"mit.edu/dsg/planlab/qep"
	"mit.edu/dsg/planlab/query"
	"mit.edu/dsg/planlab/stats"
)

var (
	configFile string
	verbose    bool
	cfg        *config.Config
	logger     *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "planlab",
		Short: "Join-order cost estimation workbench",
		Long: `planlab builds operator trees for a query under a given join order,
prices them with textbook I/O cost formulas, and compares the estimate with
execution plans reported by the database engine.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configFile); err != nil {
				return err
			}
			if logger, err = cfg.Log.NewLogger(); err != nil {
				return err
			}
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: configs/planlab.yaml or planlab.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(exploreCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type queryFlags struct {
	scan string
	join string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scan, "scan", "Seq Scan", "scan operator assigned to sources of a .sql query")
	cmd.Flags().StringVar(&f.join, "join", "Hash Join", "join operator assigned to predicates of a .sql query")
}

// load reads a descriptor file, or parses a .sql file into one.
func (f *queryFlags) load(path string) (*query.Descriptor, error) {
	if !strings.EqualFold(filepath.Ext(path), ".sql") {
		return query.Load(path)
	}
	scan, err := common.ParsePhysicalType(f.scan)
	if err != nil {
		return nil, err
	}
	join, err := common.ParsePhysicalType(f.join)
	if err != nil {
		return nil, err
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return query.ParseSQL(string(text), query.SQLOptions{ScanType: scan, JoinType: join})
}

func openWorkbench() (*planlab.Workbench, error) {
	return planlab.NewWorkbench(cfg, logger)
}

func printResult(res *planner.Result) {
	if res.Valid {
		fmt.Print(planner.Render(res.Root))
	} else {
		fmt.Print(planner.RenderForest(res.Relations))
	}
	fmt.Printf("total I/O cost: %s\n", humanize.FtoaWithDigits(planlab.TotalCost(res), 2))
	for _, d := range res.Diagnostics {
		fmt.Printf("  fallback: %v\n", d)
	}
}

// estimateCmd prices one join order of a query
func estimateCmd() *cobra.Command {
	var (
		qf    queryFlags
		order []int
	)
	cmd := &cobra.Command{
		Use:   "estimate <query.json|query.yaml|query.sql>",
		Short: "Build and price the operator tree of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := qf.load(args[0])
			if err != nil {
				return err
			}
			w, err := openWorkbench()
			if err != nil {
				return err
			}
			defer w.Close()

			if !cmd.Flags().Changed("order") {
				order = nil
			}
			res, err := w.Estimate(cmd.Context(), desc, order)
			if err != nil {
				return err
			}
			printResult(res)
			return res.Err()
		},
	}
	qf.register(cmd)
	cmd.Flags().IntSliceVar(&order, "order", nil, "join predicate indices in processing order (default: declaration order)")
	return cmd
}

// ordersCmd lists the connected join orders of a query
func ordersCmd() *cobra.Command {
	var (
		qf    queryFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "orders <query>",
		Short: "List the join orders that never need a Cartesian product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := qf.load(args[0])
			if err != nil {
				return err
			}
			for i, p := range desc.JoinPredicates {
				fmt.Printf("%d: %s\n", i, p)
			}
			n := 0
			for order := range planner.ValidOrders(desc.JoinPredicates) {
				fmt.Println(order)
				n++
				if limit > 0 && n == limit {
					break
				}
			}
			logger.WithField("orders", n).Debug("listed join orders")
			return nil
		},
	}
	qf.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many orders (0 lists all)")
	return cmd
}

// exploreCmd prices many join orders side by side
func exploreCmd() *cobra.Command {
	var (
		qf    queryFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "explore <query>",
		Short: "Price the first valid join orders of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := qf.load(args[0])
			if err != nil {
				return err
			}
			w, err := openWorkbench()
			if err != nil {
				return err
			}
			defer w.Close()

			results, err := w.Explore(cmd.Context(), desc, limit)
			if err != nil {
				return err
			}
			for _, oc := range results {
				fmt.Printf("%-20v io=%-12s rows=%s\n", oc.Order,
					humanize.FtoaWithDigits(oc.Cost, 2), humanize.Comma(int64(oc.Rows+0.5)))
			}
			return nil
		},
	}
	qf.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "number of orders to price (default: explore.max_orders)")
	return cmd
}

// parseCmd turns an explain plan into a query descriptor
func parseCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "parse <plan.txt>",
		Short: "Parse an EXPLAIN plan and print its tree and query descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			plan, desc, err := qep.Parse(string(text))
			if err != nil {
				return err
			}
			printPlan(plan, 0)

			if out != "" {
				if err := desc.Save(out); err != nil {
					return fmt.Errorf("failed to write descriptor: %w", err)
				}
				logger.Infof("wrote descriptor to %s", out)
				return nil
			}
			data, err := json.MarshalIndent(desc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the descriptor to this file instead of stdout")
	return cmd
}

func printPlan(n *qep.Node, depth int) {
	fmt.Printf("%s%s  own=%s total=%s rows=%s\n", strings.Repeat("  ", depth), n.Label,
		humanize.FtoaWithDigits(n.IOCost(), 2), humanize.FtoaWithDigits(n.TotalCost(), 2),
		humanize.FtoaWithDigits(n.Rows, 0))
	for _, c := range n.Children {
		printPlan(c, depth+1)
	}
}

// compareCmd sets an explain plan against the cost model
func compareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <plan.txt>",
		Short: "Compare an EXPLAIN plan's costs with the cost model's estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			w, err := openWorkbench()
			if err != nil {
				return err
			}
			defer w.Close()

			c, err := w.Compare(cmd.Context(), string(text))
			if err != nil {
				return err
			}
			fmt.Printf("run %s\n\n-- observed --\n", c.RunID)
			printResult(c.Observed)
			fmt.Printf("\n-- estimated --\n")
			printResult(c.Estimated)
			fmt.Printf("\nengine total %s, replayed %s, estimated %s\n",
				humanize.FtoaWithDigits(c.ObservedCost, 2),
				humanize.FtoaWithDigits(c.ReplayedCost, 2),
				humanize.FtoaWithDigits(c.EstimatedCost, 2))
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect and import table statistics",
	}
	cmd.AddCommand(statsListCmd())
	cmd.AddCommand(statsImportCmd())
	return cmd
}

func statsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the statistics catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkbench()
			if err != nil {
				return err
			}
			defer w.Close()

			if m, err := w.Catalog.BufferBudgetBlocks(cmd.Context()); err == nil {
				fmt.Printf("buffer budget: %s blocks\n", humanize.Comma(m))
			}
			for _, t := range w.Catalog.Tables() {
				fmt.Printf("%-20s blocks=%-10s rows=%s\n", t.Name, humanize.Comma(t.Blocks), humanize.Comma(t.Rows))
				cols := make([]string, 0, len(t.Columns))
				for col := range t.Columns {
					cols = append(cols, col)
				}
				slices.Sort(cols)
				for _, col := range cols {
					fmt.Printf("  %-18s distinct=%s\n", col, humanize.Comma(t.Columns[col]))
				}
			}
			return nil
		},
	}
}

// statsImportCmd snapshots live SQLite statistics into the catalog
func statsImportCmd() *cobra.Command {
	var (
		qf     queryFlags
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "import <query>",
		Short: "Copy the statistics a query needs from a SQLite database into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = cfg.Statistics.SQLitePath
			}
			if dbPath == "" {
				return common.Errorf(common.InvalidConfiguration, "no SQLite database given (--sqlite or statistics.sqlite_path)")
			}
			desc, err := qf.load(args[0])
			if err != nil {
				return err
			}
			src, err := stats.OpenSQLite(dbPath, logger)
			if err != nil {
				return err
			}
			defer src.Close()
			src.SetAvgRowBytes(cfg.Statistics.AvgRowBytes)

			// the workbench must read the catalog, not the database being imported
			local := *cfg
			local.Statistics.SQLitePath = ""
			w, err := planlab.NewWorkbench(&local, logger)
			if err != nil {
				return err
			}
			defer w.Close()

			return w.ImportStatistics(cmd.Context(), src, planlab.TablesOf(desc))
		},
	}
	qf.register(cmd)
	cmd.Flags().StringVar(&dbPath, "sqlite", "", "SQLite database to read statistics from (default: statistics.sqlite_path)")
	return cmd
}
