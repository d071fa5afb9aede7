package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Use it for invariants of the planner's own data structures (for example,
// alias sets of two live intermediate relations must never overlap). Invalid
// user input must be reported with a PlanError instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// QualifiedColumn splits "alias.column" into its parts. An unqualified name
// yields an empty alias.
func QualifiedColumn(s string) (alias, column string) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return "", s
}
