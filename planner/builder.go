package planner

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/costmodel"
	"mit.edu/dsg/planlab/query"
	"mit.edu/dsg/planlab/stats"
)

// Mode selects where node costs and cardinalities come from.
type Mode int8

const (
	// Estimate computes every node with the cost model.
	Estimate Mode = iota
	// Replay copies the observed values embedded in the descriptor (as produced
	// by the execution-plan parser). Nodes without an observation are estimated.
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "estimate"
}

// Options tune the defaults the builder falls back to.
type Options struct {
	// BufferBlocks overrides the buffer budget M reported by the provider.
	BufferBlocks int64
	// DefaultBufferBlocks is used when neither the override nor the provider
	// supplies a budget.
	DefaultBufferBlocks int64
	// Selectivity of index and bitmap scans.
	Selectivity float64
	// FallbackRows and FallbackBlocks stand in for a table the provider
	// knows nothing about.
	FallbackRows   int64
	FallbackBlocks int64
}

func DefaultOptions() Options {
	return Options{
		DefaultBufferBlocks: 100,
		Selectivity:         costmodel.DefaultSelectivity,
		FallbackRows:        1000,
		FallbackBlocks:      10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultBufferBlocks == 0 {
		o.DefaultBufferBlocks = d.DefaultBufferBlocks
	}
	if o.Selectivity == 0 {
		o.Selectivity = d.Selectivity
	}
	if o.FallbackRows == 0 {
		o.FallbackRows = d.FallbackRows
	}
	if o.FallbackBlocks == 0 {
		o.FallbackBlocks = d.FallbackBlocks
	}
	return o
}

// Builder turns a query descriptor and a join order into an operator tree.
// A Builder holds no per-build state and may be shared between goroutines as
// long as its provider is safe for concurrent use.
type Builder struct {
	provider stats.Provider
	opts     Options
	logger   logrus.FieldLogger
}

// NewBuilder creates a builder. A nil provider makes every statistics lookup
// fall back to opts; a nil logger discards log output.
func NewBuilder(provider stats.Provider, opts Options, logger logrus.FieldLogger) *Builder {
	if provider == nil {
		provider = noStatistics{}
	}
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	return &Builder{provider: provider, opts: opts.withDefaults(), logger: logger}
}

// Result is the outcome of one build.
type Result struct {
	// Root is the unique root of a valid build, nil otherwise.
	Root *OperatorNode
	// Relations is the intermediate relation set left after the last join
	// predicate. It has exactly one element iff the build is valid.
	Relations []*OperatorNode
	Valid     bool
	// PeakRelations is the largest size the intermediate relation set reached.
	// It exceeds 1 whenever some join predicate was disconnected from all the
	// predicates processed before it, even if a later predicate merged the
	// forest back into a single tree.
	PeakRelations int
	// Diagnostics lists every fallback the build had to take.
	Diagnostics []error
}

// Err returns a DisconnectedJoinOrder error for an invalid result.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	return common.Errorf(common.DisconnectedJoinOrder,
		"join order leaves %d intermediate relations; a Cartesian product would be required", len(r.Relations))
}

// Build processes desc.JoinPredicates in the given order (a permutation of
// predicate indices; nil means declaration order) and returns the resulting
// operator tree. A disconnected order is not an error: it is reported
// through Result.Valid.
func (b *Builder) Build(ctx context.Context, desc *query.Descriptor, order []int, mode Mode) (*Result, error) {
	if desc == nil {
		return nil, common.Errorf(common.InvalidConfiguration, "nil descriptor")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if len(desc.Sources) == 0 && len(desc.JoinPredicates) == 0 {
		return nil, common.Errorf(common.InvalidConfiguration, "descriptor has no sources")
	}
	if order == nil {
		order = make([]int, len(desc.JoinPredicates))
		for i := range order {
			order[i] = i
		}
	}
	if err := checkPermutation(order, len(desc.JoinPredicates)); err != nil {
		return nil, err
	}

	s := &buildState{
		Builder:  b,
		ctx:      ctx,
		desc:     desc,
		mode:     mode,
		tables:   make(map[string]tableInfo),
		distinct: make(map[string]float64),
	}
	b.logger.WithFields(logrus.Fields{
		"sources": len(desc.Sources),
		"joins":   len(desc.JoinPredicates),
		"order":   order,
		"mode":    mode,
	}).Debug("building plan tree")

	for _, idx := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.applyJoin(desc.JoinPredicates[idx]); err != nil {
			return nil, fmt.Errorf("join predicate %d (%s): %w", idx, desc.JoinPredicates[idx], err)
		}
		s.peak = max(s.peak, len(s.relations))
	}

	// sources no predicate touched end up as relations of their own
	for _, src := range desc.Sources {
		if s.covered(src.Alias) {
			continue
		}
		leaf, err := s.leafBranch(src.Alias)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Alias, err)
		}
		s.relations = append(s.relations, leaf)
		s.peak = max(s.peak, len(s.relations))
	}

	res := &Result{
		Relations:     s.relations,
		Valid:         len(s.relations) == 1,
		PeakRelations: s.peak,
		Diagnostics:   s.diags,
	}
	if !res.Valid {
		b.logger.WithField("relations", len(s.relations)).Warn("join order is disconnected")
		return res, nil
	}
	res.Root = s.relations[0]
	if desc.Operation != "" {
		child := res.Root
		res.Root = &OperatorNode{
			ID:         s.nextID(),
			Kind:       RootOperation,
			Label:      desc.Operation,
			OutputRows: child.OutputRows,
			AliasSet:   child.AliasSet,
			Children:   []*OperatorNode{child},
		}
	}
	return res, nil
}

func checkPermutation(order []int, n int) error {
	if len(order) != n {
		return common.Errorf(common.InvalidConfiguration, "join order has %d entries for %d predicates", len(order), n)
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			return common.Errorf(common.InvalidConfiguration, "join order %v is not a permutation of 0..%d", order, n-1)
		}
		seen[idx] = true
	}
	return nil
}

type tableInfo struct {
	blocks float64
	rows   float64
}

// buildState is the working state of a single Build call. relations is the
// intermediate relation set; alias sets of its members are pairwise disjoint.
type buildState struct {
	*Builder
	ctx  context.Context
	desc *query.Descriptor
	mode Mode

	lastID    int64
	relations []*OperatorNode
	peak      int
	diags     []error

	tables      map[string]tableInfo
	distinct    map[string]float64
	budget      float64
	budgetKnown bool
}

func (s *buildState) nextID() int64 {
	s.lastID++
	return s.lastID
}

func (s *buildState) covered(alias string) bool {
	for _, rel := range s.relations {
		if rel.Covers(alias) {
			return true
		}
	}
	return false
}

func (s *buildState) diagnose(err error) {
	s.diags = append(s.diags, err)
	s.logger.WithError(err).Warn("falling back to default statistics")
}

func (s *buildState) applyJoin(p query.JoinPredicate) error {
	la, ra := p.Left.Alias, p.Right.Alias

	found := make([]int, 0, 2)
	for i, rel := range s.relations {
		if rel.Covers(la) || rel.Covers(ra) {
			found = append(found, i)
			if len(found) == 2 {
				break
			}
		}
	}

	switch len(found) {
	case 2:
		left, right := s.relations[found[0]], s.relations[found[1]]
		if !left.Covers(la) {
			left, right = right, left
		}
		join, err := s.joinNode(p, left, right)
		if err != nil {
			return err
		}
		s.relations[found[0]] = join
		s.relations = append(s.relations[:found[1]], s.relations[found[1]+1:]...)

	case 1:
		checkpoint := s.relations[found[0]]
		if checkpoint.Covers(la) && checkpoint.Covers(ra) {
			// cyclic join graph: both sides are already joined
			checkpoint.Label += " AND " + p.String()
			s.logger.WithField("predicate", p.String()).Debug("predicate absorbed into existing join")
			return nil
		}
		missing := ra
		if !checkpoint.Covers(la) {
			missing = la
		}
		leaf, err := s.leafBranch(missing)
		if err != nil {
			return err
		}
		join, err := s.joinNode(p, checkpoint, leaf)
		if err != nil {
			return err
		}
		s.relations[found[0]] = join

	default:
		left, err := s.leafBranch(la)
		if err != nil {
			return err
		}
		right, err := s.leafBranch(ra)
		if err != nil {
			return err
		}
		join, err := s.joinNode(p, left, right)
		if err != nil {
			return err
		}
		s.relations = append(s.relations, join)
	}
	return nil
}

// leafBranch materializes a Source node for alias, topped by one Selection
// node per filter on that alias.
func (s *buildState) leafBranch(alias string) (*OperatorNode, error) {
	src, ok := s.desc.Source(alias)
	if !ok {
		s.diagnose(common.Errorf(common.NoSuchObjectError, "alias '%s' is not declared; using it as the table name", alias))
		src = query.Source{Table: alias, Alias: alias}
	}

	node := &OperatorNode{
		ID:           s.nextID(),
		Kind:         Source,
		Label:        alias,
		Table:        src.Table,
		PhysicalType: src.Type,
		AliasSet:     []string{alias},
	}
	if s.mode == Replay && src.Observed != nil {
		node.IOCost, node.OutputRows = src.Observed.IOCost, src.Observed.Rows
	} else {
		if s.mode == Replay {
			s.diagnose(common.Errorf(common.StatisticsUnavailable, "no observation for scan of %s; estimating", alias))
		}
		t, err := s.table(src.Table)
		if err != nil {
			return nil, err
		}
		if node.IOCost, err = costmodel.ScanCost(src.Type, t.blocks, s.opts.Selectivity); err != nil {
			return nil, err
		}
		node.OutputRows = t.rows
	}

	cur := node
	for _, f := range s.desc.FiltersOn(alias) {
		sel := &OperatorNode{
			ID:           s.nextID(),
			Kind:         Selection,
			Label:        f.String(),
			Table:        src.Table,
			PhysicalType: f.Type,
			AliasSet:     []string{alias},
			Children:     []*OperatorNode{cur},
		}
		if s.mode == Replay && f.Observed != nil {
			sel.IOCost, sel.OutputRows = f.Observed.IOCost, f.Observed.Rows
		} else {
			if s.mode == Replay {
				s.diagnose(common.Errorf(common.StatisticsUnavailable, "no observation for filter %s; estimating", f))
			}
			var v float64
			if needsDistinct(f.Operator) {
				var err error
				if v, err = s.distinctCount(src.Table, f.Column()); err != nil {
					return nil, err
				}
			}
			rows, err := costmodel.SelectionRows(f.Operator, cur.OutputRows, v)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", f, err)
			}
			sel.OutputRows = rows
		}
		cur = sel
	}
	return cur, nil
}

func needsDistinct(op string) bool {
	switch op {
	case "=", "==", "!=", "<>":
		return true
	}
	return false
}

func (s *buildState) joinNode(p query.JoinPredicate, left, right *OperatorNode) (*OperatorNode, error) {
	kind := p.Type
	if kind == common.Unset {
		kind = common.HashJoin
	}
	n := &OperatorNode{
		ID:           s.nextID(),
		Kind:         Join,
		Label:        p.String(),
		PhysicalType: kind,
		AliasSet:     unionAliases(left.AliasSet, right.AliasSet),
		Children:     []*OperatorNode{left, right},
	}
	if s.mode == Replay && p.Observed != nil {
		n.IOCost, n.OutputRows = p.Observed.IOCost, p.Observed.Rows
		return n, nil
	}
	if s.mode == Replay {
		s.diagnose(common.Errorf(common.StatisticsUnavailable, "no observation for join %s; estimating", p))
	}

	lop, err := s.operand(left, p)
	if err != nil {
		return nil, err
	}
	rop, err := s.operand(right, p)
	if err != nil {
		return nil, err
	}
	var m float64
	if kind == common.NestedLoopJoin {
		if m, err = s.bufferBudget(); err != nil {
			return nil, err
		}
	}
	if n.IOCost, err = costmodel.JoinCost(kind, lop, rop, m); err != nil {
		return nil, err
	}
	if n.OutputRows, err = costmodel.JoinRows(lop, rop); err != nil {
		return nil, err
	}
	return n, nil
}

// operand gathers the join statistics of the subtree n for the side of p it covers.
func (s *buildState) operand(n *OperatorNode, p query.JoinPredicate) (costmodel.Operand, error) {
	side := p.Right
	if n.Covers(p.Left.Alias) {
		side = p.Left
	}
	blocks, err := s.blocksOf(n)
	if err != nil {
		return costmodel.Operand{}, err
	}
	v, err := s.distinctCount(s.tableOf(side), side.Column)
	if err != nil {
		return costmodel.Operand{}, err
	}
	return costmodel.Operand{Blocks: blocks, Rows: n.OutputRows, Distinct: v}, nil
}

func (s *buildState) tableOf(side query.JoinSide) string {
	if src, ok := s.desc.Source(side.Alias); ok {
		return src.Table
	}
	if side.Table != "" {
		return side.Table
	}
	return side.Alias
}

// blocksOf estimates the block footprint of the output of n.
func (s *buildState) blocksOf(n *OperatorNode) (float64, error) {
	if n.blocksKnown {
		return n.blocks, nil
	}
	switch n.Kind {
	case Source, Selection:
		t, err := s.table(n.Table)
		if err != nil {
			return 0, err
		}
		n.blocks = costmodel.SelectionBlocks(t.blocks, t.rows, n.OutputRows)
	case Join:
		var ops [2]costmodel.Operand
		for i, c := range n.Children[:2] {
			b, err := s.blocksOf(c)
			if err != nil {
				return 0, err
			}
			ops[i] = costmodel.Operand{Blocks: b, Rows: c.OutputRows}
		}
		n.blocks = costmodel.JoinBlocks(ops[0], ops[1], n.OutputRows)
	default:
		b, err := s.blocksOf(n.Children[0])
		if err != nil {
			return 0, err
		}
		n.blocks = b
	}
	n.blocksKnown = true
	return n.blocks, nil
}

func (s *buildState) table(name string) (tableInfo, error) {
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t := tableInfo{}
	blocks, err := s.provider.BlockCount(s.ctx, name)
	switch {
	case err == nil:
		t.blocks = float64(blocks)
	case common.IsCode(err, common.StatisticsUnavailable):
		s.diagnose(fmt.Errorf("blocks of %s default to %d: %w", name, s.opts.FallbackBlocks, err))
		t.blocks = float64(s.opts.FallbackBlocks)
	default:
		return t, err
	}
	rows, err := s.provider.RowCount(s.ctx, name)
	switch {
	case err == nil:
		t.rows = float64(rows)
	case common.IsCode(err, common.StatisticsUnavailable):
		s.diagnose(fmt.Errorf("rows of %s default to %d: %w", name, s.opts.FallbackRows, err))
		t.rows = float64(s.opts.FallbackRows)
	default:
		return t, err
	}
	s.tables[name] = t
	return t, nil
}

// distinctCount returns V(table, column). An unknown column is treated as a
// key of its table, V = T.
func (s *buildState) distinctCount(table, column string) (float64, error) {
	key := table + "." + column
	if v, ok := s.distinct[key]; ok {
		return v, nil
	}
	var v float64
	d, err := s.provider.DistinctCount(s.ctx, table, column)
	switch {
	case err == nil:
		v = float64(d)
	case common.IsCode(err, common.StatisticsUnavailable):
		t, terr := s.table(table)
		if terr != nil {
			return 0, terr
		}
		v = max(t.rows, 1)
		s.diagnose(fmt.Errorf("distinct values of %s default to the row count %v: %w", key, v, err))
	default:
		return 0, err
	}
	s.distinct[key] = v
	return v, nil
}

func (s *buildState) bufferBudget() (float64, error) {
	if s.budgetKnown {
		return s.budget, nil
	}
	if s.opts.BufferBlocks > 0 {
		s.budget, s.budgetKnown = float64(s.opts.BufferBlocks), true
		return s.budget, nil
	}
	switch m, err := s.provider.BufferBudgetBlocks(s.ctx); {
	case err == nil:
		s.budget = float64(m)
	case common.IsCode(err, common.StatisticsUnavailable):
		s.diagnose(fmt.Errorf("buffer budget defaults to %d blocks: %w", s.opts.DefaultBufferBlocks, err))
		s.budget = float64(s.opts.DefaultBufferBlocks)
	default:
		return 0, err
	}
	s.budgetKnown = true
	return s.budget, nil
}

type noStatistics struct{}

func (noStatistics) BlockCount(_ context.Context, table string) (int64, error) {
	return 0, common.Errorf(common.StatisticsUnavailable, "no statistics provider for table '%s'", table)
}

func (noStatistics) RowCount(_ context.Context, table string) (int64, error) {
	return 0, common.Errorf(common.StatisticsUnavailable, "no statistics provider for table '%s'", table)
}

func (noStatistics) DistinctCount(_ context.Context, table, column string) (int64, error) {
	return 0, common.Errorf(common.StatisticsUnavailable, "no statistics provider for '%s.%s'", table, column)
}

func (noStatistics) BufferBudgetBlocks(context.Context) (int64, error) {
	return 0, common.Errorf(common.StatisticsUnavailable, "no statistics provider for the buffer budget")
}
