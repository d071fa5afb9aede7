package planner

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/query"
)

func chainPredicates() []query.JoinPredicate {
	return []query.JoinPredicate{
		pred("a", "x", "b", "x", common.HashJoin),
		pred("b", "y", "c", "y", common.HashJoin),
		pred("c", "z", "d", "z", common.HashJoin),
	}
}

func TestValidOrdersChain(t *testing.T) {
	got := slices.Collect(ValidOrders(chainPredicates()))
	assert.Equal(t, [][]int{{0, 1, 2}, {1, 0, 2}, {1, 2, 0}, {2, 1, 0}}, got)
}

func TestValidOrdersIsLazy(t *testing.T) {
	// 8 predicates over one hub alias: every one of the 8! orders is valid
	var preds []query.JoinPredicate
	for _, alias := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		preds = append(preds, pred("hub", "k", alias, "k", common.HashJoin))
	}

	var taken [][]int
	for order := range ValidOrders(preds) {
		taken = append(taken, order)
		if len(taken) == 3 {
			break
		}
	}
	require.Len(t, taken, 3)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, taken[0])
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 7, 6}, taken[1])
}

func TestValidOrdersEdgeCases(t *testing.T) {
	assert.Equal(t, [][]int{{}}, slices.Collect(ValidOrders(nil)))

	disconnected := []query.JoinPredicate{
		pred("a", "x", "b", "x", common.HashJoin),
		pred("c", "y", "d", "y", common.HashJoin),
	}
	assert.Empty(t, slices.Collect(ValidOrders(disconnected)))
}

func TestIsValidOrder(t *testing.T) {
	preds := chainPredicates()
	cases := []struct {
		order []int
		valid bool
	}{
		{[]int{0, 1, 2}, true},
		{[]int{2, 1, 0}, true},
		{[]int{0, 2, 1}, false},
		{[]int{2, 0, 1}, false},
		{[]int{0, 1}, false},
		{[]int{0, 0, 1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, IsValidOrder(preds, tc.order), "order %v", tc.order)
	}
}

func TestOrderIteratorWrapsAround(t *testing.T) {
	it := NewOrderIterator(chainPredicates())
	defer it.Reset()

	var seen [][]int
	for i := 0; i < 6; i++ {
		order, ok := it.Next()
		require.True(t, ok)
		seen = append(seen, order)
	}
	assert.Equal(t, seen[0], seen[4])
	assert.Equal(t, seen[1], seen[5])

	it.Reset()
	order, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestOrderIteratorWithoutValidOrders(t *testing.T) {
	it := NewOrderIterator([]query.JoinPredicate{
		pred("a", "x", "b", "x", common.HashJoin),
		pred("c", "y", "d", "y", common.HashJoin),
	})
	_, ok := it.Next()
	assert.False(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
}
