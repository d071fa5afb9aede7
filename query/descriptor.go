// Package query defines the Query Descriptor: the normalized description of a
// query's base relations, equi-join predicates and single-table filters that the
// plan tree builder consumes.
package query

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"mit.edu/dsg/planlab/common"
)

// Observation carries cost and cardinality observed in an engine's execution
// plan. Descriptors produced by the explain parser attach one to every entry.
type Observation struct {
	IOCost float64 `json:"io_cost" yaml:"io_cost"`
	Rows   float64 `json:"rows" yaml:"rows"`
}

// Source is one base relation of the query.
type Source struct {
	Table    string              `json:"table" yaml:"table"`
	Alias    string              `json:"alias" yaml:"alias"`
	Type     common.PhysicalType `json:"type,omitempty" yaml:"type,omitempty"`
	Observed *Observation        `json:"observed,omitempty" yaml:"observed,omitempty"`
}

// JoinSide is one operand of an equi-join predicate.
type JoinSide struct {
	Table  string `json:"table" yaml:"table"`
	Alias  string `json:"alias" yaml:"alias"`
	Column string `json:"on" yaml:"on"`
}

// JoinPredicate is an equality between a column of two different aliases.
// The pair is unordered.
type JoinPredicate struct {
	Left     JoinSide            `json:"left" yaml:"left"`
	Right    JoinSide            `json:"right" yaml:"right"`
	Type     common.PhysicalType `json:"type,omitempty" yaml:"type,omitempty"`
	Observed *Observation        `json:"observed,omitempty" yaml:"observed,omitempty"`
}

// Aliases returns the two aliases the predicate connects.
func (p JoinPredicate) Aliases() [2]string {
	return [2]string{p.Left.Alias, p.Right.Alias}
}

// Side returns the operand belonging to alias.
func (p JoinPredicate) Side(alias string) (JoinSide, bool) {
	switch alias {
	case p.Left.Alias:
		return p.Left, true
	case p.Right.Alias:
		return p.Right, true
	}
	return JoinSide{}, false
}

func (p JoinPredicate) String() string {
	return fmt.Sprintf("%s = %s", qualify(p.Left.Alias, p.Left.Column), qualify(p.Right.Alias, p.Right.Column))
}

func qualify(alias, column string) string {
	if column == "" {
		return alias
	}
	return alias + "." + column
}

// Filter is a single-table predicate "Left Operator Right" on Alias.
type Filter struct {
	Left     string              `json:"left" yaml:"left"`
	Operator string              `json:"operator" yaml:"operator"`
	Right    string              `json:"right" yaml:"right"`
	Alias    string              `json:"alias" yaml:"alias"`
	Type     common.PhysicalType `json:"type,omitempty" yaml:"type,omitempty"`
	Observed *Observation        `json:"observed,omitempty" yaml:"observed,omitempty"`
}

// Column is the filtered column with any alias qualifier removed.
func (f Filter) Column() string {
	_, col := common.QualifiedColumn(strings.Trim(f.Left, "() "))
	return col
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", f.Left, f.Operator, f.Right)
}

// Descriptor is the immutable, structured description of a query.
type Descriptor struct {
	Operation      string          `json:"operation,omitempty" yaml:"operation,omitempty"`
	Sources        []Source        `json:"source" yaml:"source"`
	JoinPredicates []JoinPredicate `json:"joins" yaml:"joins"`
	Filters        []Filter        `json:"selects" yaml:"selects"`
}

// Source looks up the source entry registered under alias.
func (d *Descriptor) Source(alias string) (Source, bool) {
	for _, s := range d.Sources {
		if s.Alias == alias {
			return s, true
		}
	}
	return Source{}, false
}

// FiltersOn returns the filters applying to alias, in descriptor order.
func (d *Descriptor) FiltersOn(alias string) []Filter {
	var out []Filter
	for _, f := range d.Filters {
		if f.Alias == alias {
			out = append(out, f)
		}
	}
	return out
}

var knownOperators = map[string]bool{
	"=": true, "==": true, "!=": true, "<>": true,
	"<": true, ">": true, "<=": true, ">=": true,
	"LIKE": true, "NOT LIKE": true, "IN": true,
}

// Validate checks the shape of the descriptor once, at the boundary. Aliases
// missing from Sources are tolerated: the builder resolves them leniently.
func (d *Descriptor) Validate() error {
	seen := make(map[string]bool, len(d.Sources))
	for i, s := range d.Sources {
		if s.Alias == "" {
			return common.Errorf(common.InvalidConfiguration, "source %d has no alias", i)
		}
		if seen[s.Alias] {
			return common.Errorf(common.InvalidConfiguration, "alias %q declared twice", s.Alias)
		}
		seen[s.Alias] = true
		if s.Type != common.Unset && !s.Type.IsScan() {
			return common.Errorf(common.InvalidConfiguration, "source %q has non-scan type %s", s.Alias, s.Type)
		}
	}
	for i, p := range d.JoinPredicates {
		if p.Left.Alias == "" || p.Right.Alias == "" {
			return common.Errorf(common.InvalidConfiguration, "join predicate %d is missing an alias", i)
		}
		if p.Left.Alias == p.Right.Alias {
			return common.Errorf(common.InvalidConfiguration, "join predicate %d joins %q with itself", i, p.Left.Alias)
		}
		if p.Type == common.SeqScan {
			return common.Errorf(common.InvalidConfiguration, "join predicate %d cannot use %s", i, p.Type)
		}
	}
	for i, f := range d.Filters {
		if f.Alias == "" {
			return common.Errorf(common.InvalidConfiguration, "filter %d has no alias", i)
		}
		if !knownOperators[strings.ToUpper(f.Operator)] {
			return common.Errorf(common.InvalidConfiguration, "filter %d has unknown operator %q", i, f.Operator)
		}
	}
	return nil
}

// Load reads a descriptor from a .json, .yaml or .yml file and validates it.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, d)
	default:
		err = json.Unmarshal(data, d)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode descriptor %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Save writes the descriptor as indented JSON.
func (d *Descriptor) Save(path string) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
