package planner

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xlab/treeprint"
	"mit.edu/dsg/planlab/common"
)

// NodeInfo is a read-only view of one tree node as produced by Flatten.
type NodeInfo struct {
	ID           int64               `json:"id"`
	Kind         NodeKind            `json:"kind"`
	Label        string              `json:"label"`
	PhysicalType common.PhysicalType `json:"physical_type,omitempty"`
	IOCost       float64             `json:"io_cost"`
	OutputRows   float64             `json:"output_rows"`
	AliasSet     []string            `json:"aliases"`
	Depth        int                 `json:"depth"`
}

// Edge links a parent node to one of its children by id.
type Edge struct {
	Parent int64 `json:"parent"`
	Child  int64 `json:"child"`
}

// Flatten lists the nodes of the tree in pre-order together with its
// parent-child edges. Presentation layers should work from this output rather
// than walking the tree themselves.
func Flatten(root *OperatorNode) ([]NodeInfo, []Edge) {
	var nodes []NodeInfo
	var edges []Edge
	var visit func(n *OperatorNode, depth int)
	visit = func(n *OperatorNode, depth int) {
		nodes = append(nodes, NodeInfo{
			ID:           n.ID,
			Kind:         n.Kind,
			Label:        n.Label,
			PhysicalType: n.PhysicalType,
			IOCost:       n.IOCost,
			OutputRows:   n.OutputRows,
			AliasSet:     n.AliasSet,
			Depth:        depth,
		})
		for _, c := range n.Children {
			edges = append(edges, Edge{Parent: n.ID, Child: c.ID})
			visit(c, depth+1)
		}
	}
	if root != nil {
		visit(root, 0)
	}
	return nodes, edges
}

// TotalIOCost sums the I/O cost of every node of the tree.
func TotalIOCost(root *OperatorNode) float64 {
	if root == nil {
		return 0
	}
	total := root.IOCost
	for _, c := range root.Children {
		total += TotalIOCost(c)
	}
	return total
}

// Render draws the tree as indented text, one line per node. It only reads
// the output of Flatten.
func Render(root *OperatorNode) string {
	if root == nil {
		return ""
	}
	nodes, edges := Flatten(root)
	tree := treeprint.NewWithRoot(describe(nodes[0]))
	addFlattened(tree, nodes[1:], edges, 0)
	return tree.String()
}

// addFlattened hangs pre-order nodes under tree; a node at depth d goes under
// the last branch opened at depth d+offset-1.
func addFlattened(tree treeprint.Tree, nodes []NodeInfo, edges []Edge, offset int) {
	parents := make(map[int64]bool, len(edges))
	for _, e := range edges {
		parents[e.Parent] = true
	}
	open := []treeprint.Tree{tree}
	for _, n := range nodes {
		d := n.Depth + offset
		open = open[:d]
		if parents[n.ID] {
			open = append(open, open[d-1].AddMetaBranch(n.Kind.String(), describe(n)))
		} else {
			open[d-1].AddMetaNode(n.Kind.String(), describe(n))
		}
	}
}

func describe(n NodeInfo) string {
	var sb strings.Builder
	sb.WriteString(n.Label)
	if n.PhysicalType != common.Unset {
		fmt.Fprintf(&sb, " [%s]", n.PhysicalType)
	}
	fmt.Fprintf(&sb, " io=%s rows=%s",
		humanize.FtoaWithDigits(n.IOCost, 2),
		humanize.Comma(int64(math.Round(n.OutputRows))))
	return sb.String()
}

// RenderForest draws every relation of an invalid build, flagged as such.
func RenderForest(relations []*OperatorNode) string {
	if len(relations) == 1 {
		return Render(relations[0])
	}
	tree := treeprint.NewWithRoot(fmt.Sprintf("INVALID TREE: %d disconnected relations", len(relations)))
	for _, rel := range relations {
		nodes, edges := Flatten(rel)
		addFlattened(tree, nodes, edges, 1)
	}
	return tree.String()
}
