// Package costmodel holds the textbook I/O cost and cardinality formulas used by
// the plan tree builder. Every function is pure: inputs are page and row
// statistics, outputs are block-I/O counts or row estimates.
//
// Notation: B(t) blocks of t, T(t) rows of t, V(t,c) distinct values of column c,
// M the buffer budget in blocks.
package costmodel

import (
	"math"

	"mit.edu/dsg/planlab/common"
)

// DefaultSelectivity is the fraction of a table an index or bitmap scan is
// assumed to touch when no real statistics are available.
const DefaultSelectivity = 0.5

// RangeReduction is the heuristic divisor applied to the input cardinality by
// a range predicate (<, >, <=, >=).
const RangeReduction = 3.0

// Operand describes one input of a join: its block footprint, its
// cardinality, and the distinct-value count of its join column.
type Operand struct {
	Blocks   float64
	Rows     float64
	Distinct float64
}

// ScanCost returns the block reads of a base-table access.
//
//	SeqScan:                          B
//	BitmapScan/IndexScan/IndexOnly:   ceil(log2 B) + floor(B * selectivity)
//
// Unset is treated as SeqScan.
func ScanCost(kind common.PhysicalType, blocks, selectivity float64) (float64, error) {
	if blocks < 0 {
		return 0, common.Errorf(common.InvalidConfiguration, "negative block count %v", blocks)
	}
	switch {
	case kind == common.SeqScan || kind == common.Unset:
		return blocks, nil
	case kind.IsIndexAccess():
		if selectivity < 0 || selectivity > 1 {
			return 0, common.Errorf(common.InvalidConfiguration, "selectivity %v outside [0,1]", selectivity)
		}
		return indexDescent(blocks) + math.Floor(blocks*selectivity), nil
	}
	return 0, common.Errorf(common.InvalidConfiguration, "%s is not a scan operator", kind)
}

// indexDescent is the height of a balanced index over B blocks.
func indexDescent(blocks float64) float64 {
	if blocks <= 1 {
		return 0
	}
	return math.Ceil(math.Log2(blocks))
}

// SelectionRows estimates the output cardinality of a single-table predicate
// applied to rows input rows. distinct is V(t,c) of the filtered column.
//
//	< > <= >=   R / 3
//	=           R / V
//	!= <>       R * (V-1) / V
//
// Other operators leave the cardinality unchanged.
func SelectionRows(op string, rows, distinct float64) (float64, error) {
	switch op {
	case "<", ">", "<=", ">=":
		return rows / RangeReduction, nil
	case "=", "==":
		if distinct <= 0 {
			return 0, common.Errorf(common.InvalidConfiguration, "distinct count must be positive, got %v", distinct)
		}
		return rows / distinct, nil
	case "!=", "<>":
		if distinct <= 0 {
			return 0, common.Errorf(common.InvalidConfiguration, "distinct count must be positive, got %v", distinct)
		}
		return rows * (distinct - 1) / distinct, nil
	}
	return rows, nil
}

// JoinCost returns the block I/O of joining a and b with the given algorithm.
// The operand with fewer blocks becomes the outer (driving) side. A physical
// type with index access selects the index nested-loop formula, probing the
// larger side through its index.
//
//	HashJoin:        3 * (B(outer) + B(inner))
//	NestedLoopJoin:  min(B(outer), B(inner)) + B(outer)*B(inner) / (M-1)
//	MergeJoin:       B(outer) + B(inner)
//	IndexJoin:       B(driver) + T(driver)*B(probed) / V(probed, col)
func JoinCost(kind common.PhysicalType, a, b Operand, bufferBlocks float64) (float64, error) {
	if a.Blocks < 0 || b.Blocks < 0 {
		return 0, common.Errorf(common.InvalidConfiguration, "negative block count")
	}
	outer, inner := a, b
	if inner.Blocks < outer.Blocks {
		outer, inner = inner, outer
	}

	switch {
	case kind == common.HashJoin:
		return 3 * (outer.Blocks + inner.Blocks), nil
	case kind == common.NestedLoopJoin:
		if bufferBlocks <= 1 {
			return 0, common.Errorf(common.InvalidConfiguration, "buffer budget must exceed 1 block, got %v", bufferBlocks)
		}
		return math.Min(outer.Blocks, inner.Blocks) + (outer.Blocks*inner.Blocks)/(bufferBlocks-1), nil
	case kind == common.MergeJoin:
		return outer.Blocks + inner.Blocks, nil
	case kind.IsIndexAccess():
		if inner.Distinct <= 0 {
			return 0, common.Errorf(common.InvalidConfiguration, "distinct count of probed join column must be positive, got %v", inner.Distinct)
		}
		return outer.Blocks + (outer.Rows*inner.Blocks)/inner.Distinct, nil
	}
	return 0, common.Errorf(common.InvalidConfiguration, "%s is not a join operator", kind)
}

// JoinRows is the operator-independent output cardinality of an equi-join:
// T(left) * T(right) / max(V(left,col), V(right,col)).
func JoinRows(left, right Operand) (float64, error) {
	v := math.Max(left.Distinct, right.Distinct)
	if v <= 0 {
		return 0, common.Errorf(common.InvalidConfiguration, "distinct count of join column must be positive, got %v", v)
	}
	return left.Rows * right.Rows / v, nil
}

// SelectionBlocks scales a table's block footprint to the rows surviving its
// filters. A non-empty result always occupies at least one block.
func SelectionBlocks(tableBlocks, tableRows, rows float64) float64 {
	if tableRows <= 0 || rows >= tableRows {
		return tableBlocks
	}
	if rows <= 0 {
		return 0
	}
	return math.Max(1, math.Ceil(tableBlocks*rows/tableRows))
}

// JoinBlocks estimates the blocks occupied by rows joined tuples. A joined
// tuple is as wide as both inputs together, so blocks-per-row add up.
func JoinBlocks(left, right Operand, rows float64) float64 {
	if rows <= 0 {
		return 0
	}
	width := blocksPerRow(left) + blocksPerRow(right)
	return math.Max(1, math.Ceil(rows*width))
}

func blocksPerRow(o Operand) float64 {
	if o.Rows <= 0 {
		return 0
	}
	return o.Blocks / o.Rows
}
