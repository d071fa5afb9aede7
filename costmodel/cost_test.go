package costmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/planlab/common"
)

func TestScanCost(t *testing.T) {
	tests := []struct {
		name     string
		kind     common.PhysicalType
		blocks   float64
		expected float64
	}{
		{"seq", common.SeqScan, 100, 100},
		{"unset behaves as seq", common.Unset, 42, 42},
		{"index 100 blocks", common.IndexScan, 100, 7 + 50},
		{"bitmap 64 blocks", common.BitmapScan, 64, 6 + 32},
		{"index only 1 block", common.IndexOnlyScan, 1, 0},
		{"index odd blocks floor", common.IndexScan, 5, 3 + 2},
		{"empty table", common.IndexScan, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := ScanCost(tt.kind, tt.blocks, DefaultSelectivity)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cost)
		})
	}
}

func TestScanCostRejectsJoinKinds(t *testing.T) {
	_, err := ScanCost(common.HashJoin, 10, DefaultSelectivity)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))

	_, err = ScanCost(common.IndexScan, 10, 1.5)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))
}

func TestSelectionRows(t *testing.T) {
	tests := []struct {
		op       string
		rows     float64
		distinct float64
		expected float64
	}{
		{"=", 1000, 50, 20},
		{"<", 900, 50, 300},
		{">", 900, 0, 300},
		{">=", 30, 1, 10},
		{"!=", 1000, 50, 980},
		{"<>", 100, 4, 75},
		{"LIKE", 100, 4, 100},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			rows, err := SelectionRows(tt.op, tt.rows, tt.distinct)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, rows, 1e-9)
		})
	}
}

func TestJoinCost(t *testing.T) {
	small := Operand{Blocks: 10, Rows: 100, Distinct: 10}
	large := Operand{Blocks: 20, Rows: 400, Distinct: 50}

	tests := []struct {
		name     string
		kind     common.PhysicalType
		a, b     Operand
		m        float64
		expected float64
	}{
		{"hash", common.HashJoin, small, large, 0, 90},
		{"hash operand order irrelevant", common.HashJoin, large, small, 0, 90},
		{"nested loop", common.NestedLoopJoin, small, large, 5, 10 + 200.0/4},
		{"nested loop swapped", common.NestedLoopJoin, large, small, 5, 60},
		{"merge", common.MergeJoin, small, large, 0, 30},
		// driver is the 10-block side: 10 + 100*20/50
		{"index", common.IndexScan, large, small, 0, 10 + 100*20.0/50},
		{"index only", common.IndexOnlyScan, small, large, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := JoinCost(tt.kind, tt.a, tt.b, tt.m)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, cost, 1e-9)
		})
	}
}

func TestJoinCostInvalidConfiguration(t *testing.T) {
	a := Operand{Blocks: 10, Rows: 100, Distinct: 10}
	b := Operand{Blocks: 20, Rows: 400, Distinct: 0}

	for _, m := range []float64{1, 0, -3} {
		cost, err := JoinCost(common.NestedLoopJoin, a, b, m)
		require.Error(t, err)
		assert.True(t, common.IsCode(err, common.InvalidConfiguration))
		assert.False(t, math.IsInf(cost, 0) || math.IsNaN(cost))
	}

	_, err := JoinCost(common.IndexScan, a, b, 10)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))

	_, err = JoinCost(common.SeqScan, a, b, 10)
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))
}

func TestJoinRows(t *testing.T) {
	rows, err := JoinRows(
		Operand{Rows: 1000, Distinct: 100},
		Operand{Rows: 2000, Distinct: 40},
	)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, rows)

	_, err = JoinRows(Operand{Rows: 10}, Operand{Rows: 20})
	assert.True(t, common.IsCode(err, common.InvalidConfiguration))
}

func TestSelectionRowsZeroDistinct(t *testing.T) {
	for _, op := range []string{"=", "!="} {
		rows, err := SelectionRows(op, 1000, 0)
		require.Error(t, err)
		assert.True(t, common.IsCode(err, common.InvalidConfiguration))
		assert.Zero(t, rows)
	}
}

func TestBlockEstimates(t *testing.T) {
	assert.Equal(t, 100.0, SelectionBlocks(100, 1000, 1000))
	assert.Equal(t, 34.0, SelectionBlocks(100, 1000, 333.3))
	assert.Equal(t, 1.0, SelectionBlocks(100, 1000, 0.5))
	assert.Equal(t, 0.0, SelectionBlocks(100, 1000, 0))

	left := Operand{Blocks: 8, Rows: 64}
	right := Operand{Blocks: 16, Rows: 64}
	// 0.125 + 0.25 blocks per joined row
	assert.Equal(t, 24.0, JoinBlocks(left, right, 64))
	assert.Equal(t, 0.0, JoinBlocks(left, right, 0))
	assert.Equal(t, 1.0, JoinBlocks(left, right, 1))
}
