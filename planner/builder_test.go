package planner

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/planlab/catalog"
	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/query"
	"mit.edu/dsg/planlab/stats"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	c, err := catalog.NewCatalog(nil)
	require.NoError(t, err)
	for _, ts := range []catalog.TableStats{
		{Name: "r", Blocks: 10, Rows: 1000, Columns: map[string]int64{"k": 100, "v": 50}},
		{Name: "s", Blocks: 20, Rows: 2000, Columns: map[string]int64{"k": 40, "j": 200}},
		{Name: "t", Blocks: 30, Rows: 3000, Columns: map[string]int64{"j": 300, "m": 30}},
		{Name: "u", Blocks: 5, Rows: 500, Columns: map[string]int64{"m": 50}},
	} {
		require.NoError(t, c.PutTable(ts))
	}
	require.NoError(t, c.SetBufferBlocks(5))
	return c
}

func source(alias string) query.Source {
	return query.Source{Table: alias, Alias: alias, Type: common.SeqScan}
}

func pred(l, lc, r, rc string, kind common.PhysicalType) query.JoinPredicate {
	return query.JoinPredicate{
		Left:  query.JoinSide{Table: l, Alias: l, Column: lc},
		Right: query.JoinSide{Table: r, Alias: r, Column: rc},
		Type:  kind,
	}
}

// makeChainDescriptor joins r-s-t-u in a chain and closes the s-t-u cycle.
func makeChainDescriptor() *query.Descriptor {
	return &query.Descriptor{
		Sources: []query.Source{source("r"), source("s"), source("t"), source("u")},
		JoinPredicates: []query.JoinPredicate{
			pred("r", "k", "s", "k", common.HashJoin),
			pred("s", "j", "t", "j", common.MergeJoin),
			pred("t", "m", "u", "m", common.NestedLoopJoin),
			pred("s", "j", "u", "m", common.HashJoin),
		},
	}
}

func newTestBuilder(t *testing.T) *Builder {
	return NewBuilder(testCatalog(t), Options{}, nil)
}

func TestBuildSingleSourceWithFilters(t *testing.T) {
	desc := &query.Descriptor{
		Sources: []query.Source{source("r")},
		Filters: []query.Filter{
			{Left: "r.v", Operator: "=", Right: "5", Alias: "r"},
			{Left: "r.k", Operator: ">", Right: "3", Alias: "r"},
		},
	}
	res, err := newTestBuilder(t).Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Empty(t, res.Diagnostics)

	root := res.Root
	assert.Equal(t, Selection, root.Kind)
	assert.Equal(t, "r.k > 3", root.Label)
	assert.InDelta(t, 20.0/3, root.OutputRows, 1e-9)

	eq := root.Children[0]
	assert.Equal(t, Selection, eq.Kind)
	assert.Equal(t, 20.0, eq.OutputRows)
	assert.Equal(t, 0.0, eq.IOCost)

	scan := eq.Children[0]
	assert.Equal(t, Source, scan.Kind)
	assert.Equal(t, 10.0, scan.IOCost)
	assert.Equal(t, 1000.0, scan.OutputRows)
	assert.Equal(t, []int64{1, 2, 3}, []int64{scan.ID, eq.ID, root.ID})
}

func TestBuildJoinCosts(t *testing.T) {
	cases := []struct {
		name string
		kind common.PhysicalType
		io   float64
	}{
		{"hash", common.HashJoin, 90},
		{"nested loop", common.NestedLoopJoin, 60},
		{"merge", common.MergeJoin, 30},
		{"unset defaults to hash", common.Unset, 90},
		// 10 + 1000*20/40
		{"index", common.IndexScan, 510},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := &query.Descriptor{
				Sources:        []query.Source{source("r"), source("s")},
				JoinPredicates: []query.JoinPredicate{pred("r", "k", "s", "k", tc.kind)},
			}
			res, err := newTestBuilder(t).Build(context.Background(), desc, []int{0}, Estimate)
			require.NoError(t, err)
			require.True(t, res.Valid)

			join := res.Root
			assert.Equal(t, Join, join.Kind)
			assert.Equal(t, tc.io, join.IOCost)
			assert.Equal(t, 20000.0, join.OutputRows)
			assert.Equal(t, []string{"r", "s"}, join.AliasSet)
			assert.Equal(t, 30+tc.io, TotalIOCost(join))
		})
	}
}

func TestBuildInvalidConfiguration(t *testing.T) {
	ctx := context.Background()

	c := testCatalog(t)
	require.NoError(t, c.SetBufferBlocks(1))
	desc := &query.Descriptor{
		Sources:        []query.Source{source("r"), source("s")},
		JoinPredicates: []query.JoinPredicate{pred("r", "k", "s", "k", common.NestedLoopJoin)},
	}
	_, err := NewBuilder(c, Options{}, nil).Build(ctx, desc, nil, Estimate)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))

	c = testCatalog(t)
	require.NoError(t, c.PutTable(catalog.TableStats{Name: "r", Blocks: 10, Rows: 1000, Columns: map[string]int64{"k": 0}}))
	require.NoError(t, c.PutTable(catalog.TableStats{Name: "s", Blocks: 20, Rows: 2000, Columns: map[string]int64{"k": 0}}))
	desc.JoinPredicates[0].Type = common.HashJoin
	_, err = NewBuilder(c, Options{}, nil).Build(ctx, desc, nil, Estimate)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))

	for _, order := range [][]int{{}, {0, 0}, {1}, {-1}} {
		_, err = newTestBuilder(t).Build(ctx, desc, order, Estimate)
		assert.True(t, common.IsCode(err, common.InvalidConfiguration), "order %v", order)
	}
}

func TestBuildBufferOverride(t *testing.T) {
	c := testCatalog(t)
	require.NoError(t, c.SetBufferBlocks(1))
	desc := &query.Descriptor{
		Sources:        []query.Source{source("r"), source("s")},
		JoinPredicates: []query.JoinPredicate{pred("r", "k", "s", "k", common.NestedLoopJoin)},
	}
	res, err := NewBuilder(c, Options{BufferBlocks: 11}, nil).Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.Root.IOCost)
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestBuildValidityMatchesEnumerator(t *testing.T) {
	desc := makeChainDescriptor()
	b := newTestBuilder(t)

	valid := 0
	for _, order := range permutations(len(desc.JoinPredicates)) {
		res, err := b.Build(context.Background(), desc, order, Estimate)
		require.NoError(t, err)

		if IsValidOrder(desc.JoinPredicates, order) {
			valid++
			assert.True(t, res.Valid, "order %v", order)
			assert.Len(t, res.Relations, 1, "order %v", order)
			assert.Equal(t, 1, res.PeakRelations, "order %v", order)
			assert.Equal(t, []string{"r", "s", "t", "u"}, res.Root.AliasSet)
		} else {
			assert.Greater(t, res.PeakRelations, 1, "order %v", order)
		}

		for _, rel := range res.Relations {
			nodes, _ := Flatten(rel)
			sum := 0.0
			for _, n := range nodes {
				sum += n.IOCost
			}
			assert.InDelta(t, sum, TotalIOCost(rel), 1e-9)
		}
	}

	enumerated := 0
	for range ValidOrders(desc.JoinPredicates) {
		enumerated++
	}
	assert.Equal(t, valid, enumerated)
}

func TestBuildBushyMergeStillReportsPeak(t *testing.T) {
	desc := makeChainDescriptor()
	desc.JoinPredicates = desc.JoinPredicates[:3]

	// r-s and t-u are built apart, then s-t merges the two subtrees
	res, err := newTestBuilder(t).Build(context.Background(), desc, []int{0, 2, 1}, Estimate)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.PeakRelations)
	assert.False(t, IsValidOrder(desc.JoinPredicates, []int{0, 2, 1}))

	root := res.Root
	require.Len(t, root.Children, 2)
	assert.Equal(t, []string{"r", "s"}, root.Children[0].AliasSet)
	assert.Equal(t, []string{"t", "u"}, root.Children[1].AliasSet)
}

func TestBuildCyclicPredicateIsAbsorbed(t *testing.T) {
	desc := makeChainDescriptor()
	res, err := newTestBuilder(t).Build(context.Background(), desc, []int{0, 1, 2, 3}, Estimate)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, strings.HasSuffix(res.Root.Label, " AND s.j = u.m"), res.Root.Label)

	nodes, edges := Flatten(res.Root)
	// 4 sources and 3 joins
	assert.Len(t, nodes, 7)
	assert.Len(t, edges, 6)
}

func TestBuildDisconnectedSources(t *testing.T) {
	desc := &query.Descriptor{
		Sources:        []query.Source{source("r"), source("s"), source("u")},
		JoinPredicates: []query.JoinPredicate{pred("r", "k", "s", "k", common.HashJoin)},
	}
	res, err := newTestBuilder(t).Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Nil(t, res.Root)
	assert.Len(t, res.Relations, 2)
	assert.True(t, common.IsCode(res.Err(), common.DisconnectedJoinOrder))
	assert.Contains(t, RenderForest(res.Relations), "INVALID TREE")
}

func TestBuildRootOperation(t *testing.T) {
	desc := &query.Descriptor{
		Operation:      "SELECT + Join",
		Sources:        []query.Source{source("r"), source("s")},
		JoinPredicates: []query.JoinPredicate{pred("r", "k", "s", "k", common.HashJoin)},
	}
	res, err := newTestBuilder(t).Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)

	root := res.Root
	assert.Equal(t, RootOperation, root.Kind)
	assert.Equal(t, "SELECT + Join", root.Label)
	assert.Equal(t, 0.0, root.IOCost)
	assert.Equal(t, 20000.0, root.OutputRows)
	assert.Equal(t, 120.0, TotalIOCost(root))
	assert.Same(t, res.Relations[0], root.Children[0])
}

func TestBuildFallbacks(t *testing.T) {
	desc := &query.Descriptor{
		Sources: []query.Source{source("x")},
		JoinPredicates: []query.JoinPredicate{
			pred("x", "a", "ghost", "b", common.NestedLoopJoin),
		},
	}
	opts := Options{FallbackRows: 100, FallbackBlocks: 4, DefaultBufferBlocks: 3}
	res, err := NewBuilder(nil, opts, nil).Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)
	require.True(t, res.Valid)

	// both sides: B=4, T=100, V=T; NL: 4 + 16/2
	assert.Equal(t, 12.0, res.Root.IOCost)
	assert.Equal(t, 100.0, res.Root.OutputRows)

	var unavailable, undeclared int
	for _, d := range res.Diagnostics {
		switch {
		case common.IsCode(d, common.StatisticsUnavailable):
			unavailable++
		case common.IsCode(d, common.NoSuchObjectError):
			undeclared++
		}
	}
	assert.Equal(t, 1, undeclared)
	assert.Greater(t, unavailable, 0)
}

func TestBuildReplay(t *testing.T) {
	desc := &query.Descriptor{
		Sources: []query.Source{
			{Table: "r", Alias: "r", Type: common.SeqScan, Observed: &query.Observation{IOCost: 11, Rows: 900}},
			{Table: "s", Alias: "s", Type: common.IndexScan, Observed: &query.Observation{IOCost: 7, Rows: 40}},
		},
		JoinPredicates: []query.JoinPredicate{{
			Left:     query.JoinSide{Table: "r", Alias: "r", Column: "k"},
			Right:    query.JoinSide{Table: "s", Alias: "s", Column: "k"},
			Type:     common.HashJoin,
			Observed: &query.Observation{IOCost: 25.5, Rows: 36},
		}},
		Filters: []query.Filter{
			{Left: "s.k", Operator: "<", Right: "10", Alias: "s", Type: common.IndexScan, Observed: &query.Observation{Rows: 40}},
		},
	}
	res, err := NewBuilder(nil, Options{}, nil).Build(context.Background(), desc, nil, Replay)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, 25.5, res.Root.IOCost)
	assert.Equal(t, 36.0, res.Root.OutputRows)
	assert.Equal(t, 43.5, TotalIOCost(res.Root))

	// without an observation the join is estimated
	desc.JoinPredicates[0].Observed = nil
	res, err = newTestBuilder(t).Build(context.Background(), desc, nil, Replay)
	require.NoError(t, err)
	require.NotEmpty(t, res.Diagnostics)
	assert.True(t, common.IsCode(res.Diagnostics[0], common.StatisticsUnavailable))
	assert.Equal(t, 900.0*40/100, res.Root.OutputRows)
}

func TestBuildsAreIndependent(t *testing.T) {
	desc := makeChainDescriptor()
	b := NewBuilder(stats.NewCached(testCatalog(t)), Options{}, nil)

	first, err := b.Build(context.Background(), desc, nil, Estimate)
	require.NoError(t, err)
	want, _ := Flatten(first.Root)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Build(context.Background(), desc, nil, Estimate)
			if !assert.NoError(t, err) {
				return
			}
			got, _ := Flatten(res.Root)
			assert.Equal(t, want, got)
			assert.NotSame(t, first.Root, res.Root)
		}()
	}
	wg.Wait()
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestBuilder(t).Build(ctx, makeChainDescriptor(), nil, Estimate)
	assert.ErrorIs(t, err, context.Canceled)
}
