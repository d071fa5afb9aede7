package planner

import (
	"fmt"
	"slices"

	"mit.edu/dsg/planlab/common"
)

// NodeKind is the logical role of an OperatorNode.
type NodeKind int8

const (
	Source NodeKind = iota
	Selection
	Join
	RootOperation
)

func (k NodeKind) String() string {
	switch k {
	case Source:
		return "Source"
	case Selection:
		return "Selection"
	case Join:
		return "Join"
	case RootOperation:
		return "RootOperation"
	}
	return fmt.Sprintf("NodeKind(%d)", int8(k))
}

func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// OperatorNode is one node of a physical plan tree. IOCost is the page I/O of
// this node alone, never cumulative. A tree is built fresh by every Build call
// and owns its children exclusively.
type OperatorNode struct {
	ID           int64
	Kind         NodeKind
	Label        string
	Table        string // base table of Source and Selection nodes
	PhysicalType common.PhysicalType
	IOCost       float64
	OutputRows   float64
	AliasSet     []string // sorted
	Children     []*OperatorNode

	// estimated block footprint of the output, filled lazily
	blocks      float64
	blocksKnown bool
}

func (n *OperatorNode) String() string {
	if n.PhysicalType == common.Unset {
		return fmt.Sprintf("%s(%s)", n.Kind, n.Label)
	}
	return fmt.Sprintf("%s(%s, %s)", n.Kind, n.Label, n.PhysicalType)
}

// Covers reports whether alias is part of the subtree rooted at n.
func (n *OperatorNode) Covers(alias string) bool {
	_, found := slices.BinarySearch(n.AliasSet, alias)
	return found
}

func unionAliases(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	merged := slices.Compact(out)
	common.Assert(len(merged) == len(a)+len(b), "joined subtrees share aliases: %v and %v", a, b)
	return merged
}
