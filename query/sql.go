package query

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"mit.edu/dsg/planlab/common"
)

// SQLOptions selects the physical operators assigned to a descriptor built
// from SQL text. Zero values fall back to Seq Scan and Hash Join.
type SQLOptions struct {
	ScanType common.PhysicalType
	JoinType common.PhysicalType
}

// ParseSQL turns a single SELECT statement into a Descriptor. FROM-list
// relations and explicit JOIN ... ON clauses become sources, column-to-column
// equalities become join predicates, and column-to-constant comparisons become
// filters. Disjunctions cannot be represented and are ignored.
func ParseSQL(sql string, opts SQLOptions) (*Descriptor, error) {
	if opts.ScanType == common.Unset {
		opts.ScanType = common.SeqScan
	}
	if opts.JoinType == common.Unset {
		opts.JoinType = common.HashJoin
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}
	if len(result.Stmts) == 0 {
		return nil, fmt.Errorf("no statements found in SQL")
	}
	stmt := result.Stmts[0].Stmt.GetSelectStmt()
	if stmt == nil {
		return nil, fmt.Errorf("unsupported statement type: only SELECT is supported")
	}

	b := &sqlBuilder{opts: opts, desc: &Descriptor{}}
	for _, from := range stmt.FromClause {
		if err := b.addFromItem(from); err != nil {
			return nil, err
		}
	}
	if len(b.desc.Sources) == 0 {
		return nil, fmt.Errorf("empty FROM clause")
	}
	if stmt.WhereClause != nil {
		if err := b.addCondition(stmt.WhereClause); err != nil {
			return nil, err
		}
	}

	b.desc.Operation = "SELECT"
	if len(b.desc.JoinPredicates) > 0 {
		b.desc.Operation += " + Join"
	}
	if err := b.desc.Validate(); err != nil {
		return nil, err
	}
	return b.desc, nil
}

type sqlBuilder struct {
	opts SQLOptions
	desc *Descriptor
}

func (b *sqlBuilder) addFromItem(node *pg_query.Node) error {
	if rangeVar := node.GetRangeVar(); rangeVar != nil {
		alias := rangeVar.Relname
		if rangeVar.Alias != nil && rangeVar.Alias.Aliasname != "" {
			alias = rangeVar.Alias.Aliasname
		}
		b.desc.Sources = append(b.desc.Sources, Source{
			Table: rangeVar.Relname,
			Alias: alias,
			Type:  b.opts.ScanType,
		})
		return nil
	}

	if joinExpr := node.GetJoinExpr(); joinExpr != nil {
		if joinExpr.Larg != nil {
			if err := b.addFromItem(joinExpr.Larg); err != nil {
				return err
			}
		}
		if joinExpr.Rarg != nil {
			if err := b.addFromItem(joinExpr.Rarg); err != nil {
				return err
			}
		}
		if joinExpr.Quals != nil {
			return b.addCondition(joinExpr.Quals)
		}
		return nil
	}

	return fmt.Errorf("unsupported FROM clause item")
}

func (b *sqlBuilder) addCondition(node *pg_query.Node) error {
	if boolExpr := node.GetBoolExpr(); boolExpr != nil {
		if boolExpr.Boolop != pg_query.BoolExprType_AND_EXPR {
			return nil
		}
		for _, arg := range boolExpr.Args {
			if err := b.addCondition(arg); err != nil {
				return err
			}
		}
		return nil
	}

	aExpr := node.GetAExpr()
	if aExpr == nil || aExpr.Kind != pg_query.A_Expr_Kind_AEXPR_OP || len(aExpr.Name) == 0 {
		return nil
	}
	op := aExpr.Name[0].GetString_().GetSval()
	if !knownOperators[op] {
		return nil
	}

	leftAlias, leftCol, leftIsColumn := columnRef(aExpr.Lexpr)
	rightAlias, rightCol, rightIsColumn := columnRef(aExpr.Rexpr)

	switch {
	case leftIsColumn && rightIsColumn && op == "=" && leftAlias != rightAlias:
		left, err := b.resolve(leftAlias, leftCol)
		if err != nil {
			return err
		}
		right, err := b.resolve(rightAlias, rightCol)
		if err != nil {
			return err
		}
		b.desc.JoinPredicates = append(b.desc.JoinPredicates, JoinPredicate{
			Left:  left,
			Right: right,
			Type:  b.opts.JoinType,
		})
	case leftIsColumn && !rightIsColumn:
		return b.addFilter(leftAlias, leftCol, op, constant(aExpr.Rexpr))
	case rightIsColumn && !leftIsColumn:
		return b.addFilter(rightAlias, rightCol, mirror(op), constant(aExpr.Lexpr))
	}
	return nil
}

func (b *sqlBuilder) addFilter(alias, column, op, value string) error {
	side, err := b.resolve(alias, column)
	if err != nil {
		return err
	}
	b.desc.Filters = append(b.desc.Filters, Filter{
		Left:     side.Alias + "." + column,
		Operator: op,
		Right:    value,
		Alias:    side.Alias,
		Type:     b.opts.ScanType,
	})
	return nil
}

// resolve binds a possibly unqualified column to a declared source.
func (b *sqlBuilder) resolve(alias, column string) (JoinSide, error) {
	if alias == "" {
		if len(b.desc.Sources) != 1 {
			return JoinSide{}, common.Errorf(common.InvalidConfiguration, "cannot resolve unqualified column %q", column)
		}
		s := b.desc.Sources[0]
		return JoinSide{Table: s.Table, Alias: s.Alias, Column: column}, nil
	}
	s, ok := b.desc.Source(alias)
	if !ok {
		// Lenient: the builder falls back to the alias as table name.
		return JoinSide{Table: alias, Alias: alias, Column: column}, nil
	}
	return JoinSide{Table: s.Table, Alias: s.Alias, Column: column}, nil
}

func columnRef(node *pg_query.Node) (alias, column string, ok bool) {
	if node == nil {
		return "", "", false
	}
	if cast := node.GetTypeCast(); cast != nil {
		return columnRef(cast.Arg)
	}
	ref := node.GetColumnRef()
	if ref == nil {
		return "", "", false
	}
	var parts []string
	for _, f := range ref.Fields {
		if s := f.GetString_(); s != nil {
			parts = append(parts, s.Sval)
		}
	}
	switch len(parts) {
	case 0:
		return "", "", false
	case 1:
		return "", parts[0], true
	default:
		return parts[len(parts)-2], parts[len(parts)-1], true
	}
}

func constant(node *pg_query.Node) string {
	if node == nil {
		return ""
	}
	if cast := node.GetTypeCast(); cast != nil {
		return constant(cast.Arg)
	}
	c := node.GetAConst()
	if c == nil {
		return ""
	}
	switch {
	case c.GetIval() != nil:
		return strconv.FormatInt(int64(c.GetIval().Ival), 10)
	case c.GetFval() != nil:
		return c.GetFval().Fval
	case c.GetSval() != nil:
		return "'" + strings.ReplaceAll(c.GetSval().Sval, "'", "''") + "'"
	case c.GetBoolval() != nil:
		return strconv.FormatBool(c.GetBoolval().Boolval)
	case c.Isnull:
		return "NULL"
	}
	return ""
}

// mirror flips a comparison so that the column is on the left: "10 < x" is "x > 10".
func mirror(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}
