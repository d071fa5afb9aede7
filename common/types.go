package common

import "strings"

// PhysicalType is the physical operator chosen for a plan node.
type PhysicalType int8

const (
	// Unset is the zero value: no physical operator has been chosen.
	Unset PhysicalType = iota
	SeqScan
	BitmapScan
	IndexScan
	IndexOnlyScan
	HashJoin
	NestedLoopJoin
	MergeJoin
)

var physicalTypeNames = [...]string{
	Unset:          "Unset",
	SeqScan:        "Seq Scan",
	BitmapScan:     "Bitmap Heap Scan",
	IndexScan:      "Index Scan",
	IndexOnlyScan:  "Index Only Scan",
	HashJoin:       "Hash Join",
	NestedLoopJoin: "Nested Loop",
	MergeJoin:      "Merge Join",
}

func (t PhysicalType) String() string {
	if t < 0 || int(t) >= len(physicalTypeNames) {
		return "unknown"
	}
	return physicalTypeNames[t]
}

// IsScan reports whether t reads a base table.
func (t PhysicalType) IsScan() bool {
	return t == SeqScan || t.IsIndexAccess()
}

// IsIndexAccess reports whether t reaches rows through an index. On a join
// predicate such a type selects the index nested-loop formula.
func (t PhysicalType) IsIndexAccess() bool {
	return t == BitmapScan || t == IndexScan || t == IndexOnlyScan
}

// IsJoin reports whether t is one of the binary join algorithms.
func (t PhysicalType) IsJoin() bool {
	return t == HashJoin || t == NestedLoopJoin || t == MergeJoin
}

// ParsePhysicalType accepts both the engine's phrasing ("Seq Scan",
// "Nested Loop") and compact identifiers ("SeqScan", "nested_loop").
// The empty string maps to Unset.
func ParsePhysicalType(s string) (PhysicalType, error) {
	key := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s))
	switch key {
	case "", "unset":
		return Unset, nil
	case "seqscan", "sequential", "sequentialscan":
		return SeqScan, nil
	case "bitmapheapscan", "bitmapscan", "bitmap":
		return BitmapScan, nil
	case "indexscan", "index":
		return IndexScan, nil
	case "indexonlyscan", "indexonly":
		return IndexOnlyScan, nil
	case "hashjoin", "hash":
		return HashJoin, nil
	case "nestedloop", "nestedloopjoin", "loop", "nlj":
		return NestedLoopJoin, nil
	case "mergejoin", "merge", "sortmergejoin":
		return MergeJoin, nil
	}
	return Unset, Errorf(InvalidConfiguration, "unknown physical type %q", s)
}

// MarshalText renders the engine phrasing, so descriptors read the same in
// JSON and YAML as in explain output.
func (t PhysicalType) MarshalText() ([]byte, error) {
	if t == Unset {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

func (t *PhysicalType) UnmarshalText(data []byte) error {
	parsed, err := ParsePhysicalType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
