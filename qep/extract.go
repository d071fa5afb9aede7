package qep

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"mit.edu/dsg/planlab/common"
	"mit.edu/dsg/planlab/query"
)

var (
	relationRe = regexp.MustCompile(`\bon\s+([^\s(]+)(?:\s+([^\s(]+))?\s*$`)
	castRe     = regexp.MustCompile(`::(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*(?: (?:without|with) time zone| varying| precision)?)(?:\[\])?`)
	atomRe     = regexp.MustCompile(`^(.+?)\s*(<=|>=|<>|!=|!~~|~~|=|<|>)\s*(.+)$`)
	qualRe     = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_$]*)\.([A-Za-z_][A-Za-z0-9_$]*)$`)
)

var engineOperators = map[string]string{
	"~~":  "LIKE",
	"!~~": "NOT LIKE",
}

// relation extracts "<table> [<alias>]" from a scan's detail text. The
// schema qualifier is dropped; alias is empty when the plan prints none.
func relation(detail string) (table, alias string) {
	m := relationRe.FindStringSubmatch(detail)
	if m == nil {
		return "", ""
	}
	table = strings.Trim(m[1], `"`)
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = strings.Trim(table[i+1:], `"`)
	}
	return table, strings.Trim(m[2], `"`)
}

// atom is one comparison of a condition.
type atom struct {
	left, op, right string
}

// splitCondition breaks a condition into its AND/OR operands and strips the
// parentheses and type casts the engine prints around them.
func splitCondition(cond string) []atom {
	cond = castRe.ReplaceAllString(cond, "")
	var out []atom
	for _, and := range strings.Split(cond, " AND ") {
		for _, part := range strings.Split(and, " OR ") {
			part = strings.Trim(strings.TrimSpace(part), "()")
			m := atomRe.FindStringSubmatch(part)
			if m == nil {
				continue
			}
			op := m[2]
			if alias, ok := engineOperators[op]; ok {
				op = alias
			}
			out = append(out, atom{
				left:  strings.Trim(strings.TrimSpace(m[1]), "()"),
				op:    op,
				right: strings.Trim(strings.TrimSpace(m[3]), "()"),
			})
		}
	}
	return out
}

func qualified(operand string) (alias, column string, ok bool) {
	m := qualRe.FindStringSubmatch(operand)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

type extractor struct {
	desc      *query.Descriptor
	aliases   map[string]string   // alias -> table
	byTable   map[string][]string // table -> aliases
	scanAlias map[*Node]string
	slots     []*joinSlot // one per join node, pre-order
}

type joinSlot struct {
	node  *Node
	preds []query.JoinPredicate
}

func (s *joinSlot) add(p query.JoinPredicate) {
	for _, q := range s.preds {
		if samePredicate(p, q) {
			return
		}
	}
	s.preds = append(s.preds, p)
}

func samePredicate(a, b query.JoinPredicate) bool {
	if a.Left == b.Left && a.Right == b.Right {
		return true
	}
	return a.Left == b.Right && a.Right == b.Left
}

func observation(n *Node) *query.Observation {
	return &query.Observation{IOCost: n.IOCost(), Rows: n.Rows}
}

// Extract is the second parsing pass. Scans become sources; their conditions
// become filters, except comparisons against a column of another alias,
// which are join conditions of the enclosing join. Equalities in a join's
// own conditions become join predicates. A join without any condition pairs
// the first scan found under each of its children. Join predicates are
// returned bottom-up, the reverse of the order in which the tree lists them.
func Extract(root *Node) (*query.Descriptor, error) {
	if root == nil {
		return nil, common.Errorf(common.PlanParseFailure, "empty plan tree")
	}
	e := &extractor{
		desc:      &query.Descriptor{Operation: "SELECT"},
		aliases:   make(map[string]string),
		byTable:   make(map[string][]string),
		scanAlias: make(map[*Node]string),
	}
	e.assignAliases(root)
	e.visit(root, nil)

	var preds []query.JoinPredicate
	for _, slot := range e.slots {
		if len(slot.preds) == 0 {
			if p, ok := e.pairFirstScans(slot.node); ok {
				slot.preds = append(slot.preds, p)
			}
		}
		preds = append(preds, slot.preds...)
	}
	slices.Reverse(preds)

	for i := range preds {
		e.resolve(&preds[i].Left)
		e.resolve(&preds[i].Right)
	}
	e.desc.JoinPredicates = preds
	if len(preds) > 0 {
		e.desc.Operation = "SELECT + Join"
	}
	if err := e.desc.Validate(); err != nil {
		return nil, common.Errorf(common.PlanParseFailure, "extracted descriptor is inconsistent: %v", err)
	}
	return e.desc, nil
}

// assignAliases names every scan before extraction starts. Aliases printed
// by the plan are kept. A scan without one gets the first character of its
// table, or the table name itself when that character is already taken.
func (e *extractor) assignAliases(root *Node) {
	var scans []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Type.IsScan() {
			scans = append(scans, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)

	tables := make(map[*Node]string, len(scans))
	for _, n := range scans {
		table, alias := relation(n.Detail)
		if table == "" {
			continue
		}
		tables[n] = table
		if alias != "" {
			e.scanAlias[n] = alias
			e.aliases[alias] = table
		}
	}
	taken := func(alias string) bool {
		_, ok := e.aliases[alias]
		return ok
	}
	for _, n := range scans {
		table, ok := tables[n]
		if !ok {
			continue
		}
		alias, ok := e.scanAlias[n]
		if !ok {
			alias = table[:1]
			if taken(alias) {
				alias = table
			}
			for i := 2; taken(alias); i++ {
				alias = fmt.Sprintf("%s_%d", table, i)
			}
			e.scanAlias[n] = alias
			e.aliases[alias] = table
		}
		e.byTable[table] = append(e.byTable[table], alias)
	}
}

// canonical maps a column qualifier to the alias of its scan. Plans of
// queries without aliases qualify columns with the table name.
func (e *extractor) canonical(qualifier string) string {
	if _, ok := e.aliases[qualifier]; ok {
		return qualifier
	}
	if as := e.byTable[qualifier]; len(as) == 1 {
		return as[0]
	}
	return qualifier
}

func (e *extractor) resolve(side *query.JoinSide) {
	if t, ok := e.aliases[side.Alias]; ok {
		side.Table = t
	} else if side.Table == "" {
		side.Table = side.Alias
	}
}

func (e *extractor) visit(n *Node, enclosing *joinSlot) {
	switch {
	case n.Type.IsJoin():
		slot := &joinSlot{node: n}
		e.slots = append(e.slots, slot)
		for _, cond := range n.Conditions {
			for _, a := range splitCondition(cond) {
				if p, ok := e.joinAtom(a, "", n); ok {
					slot.add(p)
				}
			}
		}
		enclosing = slot

	case n.Type.IsScan():
		alias, ok := e.scanAlias[n]
		if !ok {
			break
		}
		table := e.aliases[alias]
		e.desc.Sources = append(e.desc.Sources, query.Source{
			Table:    table,
			Alias:    alias,
			Type:     n.Type,
			Observed: observation(n),
		})
		for _, cond := range n.Conditions {
			for _, a := range splitCondition(cond) {
				if enclosing != nil {
					if p, ok := e.joinAtom(a, alias, enclosing.node); ok {
						if n.Type.IsIndexAccess() {
							p.Type = n.Type
						}
						enclosing.add(p)
						continue
					}
				}
				e.desc.Filters = append(e.desc.Filters, e.filterAtom(a, alias, n))
			}
		}
	}

	for _, c := range n.Children {
		e.visit(c, enclosing)
	}
}

// joinAtom turns "x.a = y.b" into a join predicate observed at join. An
// unqualified left operand belongs to scanAlias.
func (e *extractor) joinAtom(a atom, scanAlias string, join *Node) (query.JoinPredicate, bool) {
	if a.op != "=" {
		return query.JoinPredicate{}, false
	}
	la, lc, ok := qualified(a.left)
	if ok {
		la = e.canonical(la)
	} else {
		if scanAlias == "" {
			return query.JoinPredicate{}, false
		}
		la, lc = scanAlias, a.left
	}
	ra, rc, ok := qualified(a.right)
	if !ok {
		return query.JoinPredicate{}, false
	}
	if ra = e.canonical(ra); la == ra {
		return query.JoinPredicate{}, false
	}
	return query.JoinPredicate{
		Left:     query.JoinSide{Alias: la, Column: lc},
		Right:    query.JoinSide{Alias: ra, Column: rc},
		Type:     join.Type,
		Observed: observation(join),
	}, true
}

// filterAtom records a single-table predicate. The scan already accounts for
// its cost and the rows it printed are post-filter, so the observation is
// zero cost and the scan's row count.
func (e *extractor) filterAtom(a atom, alias string, scan *Node) query.Filter {
	left := alias + "." + a.left
	if q, col, ok := qualified(a.left); ok {
		left = e.canonical(q) + "." + col
	}
	return query.Filter{
		Left:     left,
		Operator: a.op,
		Right:    a.right,
		Alias:    alias,
		Type:     scan.Type,
		Observed: &query.Observation{Rows: scan.Rows},
	}
}

func (e *extractor) pairFirstScans(join *Node) (query.JoinPredicate, bool) {
	if len(join.Children) < 2 {
		return query.JoinPredicate{}, false
	}
	left, lok := e.firstScanAlias(join.Children[0])
	right, rok := e.firstScanAlias(join.Children[1])
	if !lok || !rok || left == right {
		return query.JoinPredicate{}, false
	}
	return query.JoinPredicate{
		Left:     query.JoinSide{Alias: left},
		Right:    query.JoinSide{Alias: right},
		Type:     join.Type,
		Observed: observation(join),
	}, true
}

func (e *extractor) firstScanAlias(n *Node) (string, bool) {
	if n.Type.IsScan() {
		alias, ok := e.scanAlias[n]
		return alias, ok
	}
	for _, c := range n.Children {
		if alias, ok := e.firstScanAlias(c); ok {
			return alias, true
		}
	}
	return "", false
}
