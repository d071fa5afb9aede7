// Package qep parses the text of a PostgreSQL EXPLAIN (ANALYZE) plan.
//
// Parsing happens in two passes. BuildTree turns the indentation-significant
// text into a tree of operator nodes; Extract walks that tree and produces a
// query.Descriptor carrying the observed cost and cardinality of every scan
// and join, ready to be replayed by the plan tree builder.
package qep

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/query"
)

// Node is one operator line of an explain plan. Helper operators (Hash,
// Sort, Materialize, Bitmap Index Scan, ...) are not nodes: their children
// hang directly off the closest enclosing operator.
type Node struct {
	Label  string // operator label as printed, e.g. "Hash Left Join"
	Type   common.PhysicalType
	Detail string // the rest of the line, e.g. "on nation n"
	Indent int

	StartupCost float64
	FinalCost   float64 // cumulative cost of the subtree
	Rows        float64

	// set when the plan was produced with ANALYZE
	ActualRows float64
	Loops      int64
	HasActual  bool

	Conditions []string
	Children   []*Node
}

// TotalCost is the estimated cost of the whole plan rooted at n, as printed
// by the engine.
func (n *Node) TotalCost() float64 {
	return n.FinalCost
}

// IOCost is the cost attributed to n alone: its cumulative cost minus the
// cumulative costs of its children, never negative.
func (n *Node) IOCost() float64 {
	own := n.FinalCost
	for _, c := range n.Children {
		own -= c.FinalCost
	}
	return max(own, 0)
}

var (
	annotationRe = regexp.MustCompile(`\(cost=(\d+(?:\.\d+)?)\.\.(\d+(?:\.\d+)?) rows=(\d+) width=\d+\)`)
	actualRe     = regexp.MustCompile(`\(actual (?:time=\S+ )?rows=(\d+(?:\.\d+)?) loops=(\d+)\)`)
	joinLabelRe  = regexp.MustCompile(`^(?:(Hash|Merge)(?: (?:Left|Right|Full|Semi|Anti))* Join|Nested Loop(?: (?:Left|Right|Full|Semi|Anti) Join)?)`)
)

var scanLabels = []struct {
	label string
	kind  common.PhysicalType
}{
	{"Index Only Scan", common.IndexOnlyScan},
	{"Index Scan", common.IndexScan},
	{"Bitmap Heap Scan", common.BitmapScan},
	{"Seq Scan", common.SeqScan},
}

// conditionMarkers open a condition line. "Join Filter" is a generic filter
// attached to a join.
var conditionMarkers = []string{"Filter:", "Join Filter:", "Hash Cond:", "Index Cond:", "Merge Cond:"}

// operatorLabel matches body against the known scan and join labels.
func operatorLabel(body string) (string, common.PhysicalType, bool) {
	body = strings.TrimPrefix(body, "Parallel ")
	for _, s := range scanLabels {
		if strings.HasPrefix(body, s.label) {
			return s.label, s.kind, true
		}
	}
	if m := joinLabelRe.FindStringSubmatch(body); m != nil {
		switch m[1] {
		case "Hash":
			return m[0], common.HashJoin, true
		case "Merge":
			return m[0], common.MergeJoin, true
		}
		return m[0], common.NestedLoopJoin, true
	}
	return "", common.Unset, false
}

func conditionText(trimmed string) (string, bool) {
	for _, m := range conditionMarkers {
		if strings.HasPrefix(trimmed, m) {
			return strings.TrimSpace(trimmed[len(m):]), true
		}
	}
	return "", false
}

func newNode(label string, kind common.PhysicalType, body string, indent int) (*Node, error) {
	n := &Node{Label: label, Type: kind, Indent: indent}

	m := annotationRe.FindStringSubmatchIndex(body)
	if m == nil {
		return nil, common.Errorf(common.PlanParseFailure, "operator line %q has no cost=X..Y rows=Z annotation", body)
	}
	n.Detail = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(body[:m[0]], "Parallel "), label))

	var err error
	if n.StartupCost, err = strconv.ParseFloat(body[m[2]:m[3]], 64); err != nil {
		return nil, common.Errorf(common.PlanParseFailure, "malformed startup cost in %q", body)
	}
	if n.FinalCost, err = strconv.ParseFloat(body[m[4]:m[5]], 64); err != nil {
		return nil, common.Errorf(common.PlanParseFailure, "malformed total cost in %q", body)
	}
	if n.Rows, err = strconv.ParseFloat(body[m[6]:m[7]], 64); err != nil {
		return nil, common.Errorf(common.PlanParseFailure, "malformed row count in %q", body)
	}

	if a := actualRe.FindStringSubmatch(body[m[1]:]); a != nil {
		n.ActualRows, _ = strconv.ParseFloat(a[1], 64)
		n.Loops, _ = strconv.ParseInt(a[2], 10, 64)
		n.HasActual = true
	}
	return n, nil
}

// BuildTree is the first parsing pass. Every operator line becomes a node
// attached to the closest open operator with a smaller indentation. A
// condition line is appended to the innermost open operator. A blank line
// closes the innermost open operator, and a helper line ("->  Hash") closes
// every open operator at its indentation or deeper. A condition line never
// closes anything, even when it is also an arrow line.
func BuildTree(planText string) (*Node, error) {
	var root *Node
	var stack []*Node
	popTo := func(indent int) {
		for len(stack) > 0 && stack[len(stack)-1].Indent >= indent {
			stack = stack[:len(stack)-1]
		}
	}

	sc := bufio.NewScanner(strings.NewReader(planText))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t+")
		trimmed := strings.TrimSpace(line)
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if trimmed == "" {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		body, arrow := strings.CutPrefix(trimmed, "->")
		body = strings.TrimSpace(body)
		if cond, ok := conditionText(body); ok {
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Conditions = append(top.Conditions, cond)
			}
			continue
		}

		label, kind, ok := operatorLabel(body)
		if !ok {
			if arrow {
				popTo(indent)
			}
			continue
		}

		node, err := newNode(label, kind, body, indent)
		if err != nil {
			return nil, err
		}
		popTo(indent)
		switch {
		case len(stack) > 0:
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
		case root == nil:
			root = node
		default:
			return nil, common.Errorf(common.PlanParseFailure, "plan has more than one top-level operator (%s, %s)", root.Label, node.Label)
		}
		stack = append(stack, node)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, common.Errorf(common.PlanParseFailure, "no recognizable operator line")
	}
	return root, nil
}

// Parse runs both passes.
func Parse(planText string) (*Node, *query.Descriptor, error) {
	root, err := BuildTree(planText)
	if err != nil {
		return nil, nil, err
	}
	desc, err := Extract(root)
	if err != nil {
		return nil, nil, err
	}
	return root, desc, nil
}
