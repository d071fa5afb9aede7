package planner

import (
	"iter"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"mit.edu/dsg/planlab/query"
)

// aliasSets maps every predicate to the bitmap of the two aliases it joins.
func aliasSets(preds []query.JoinPredicate) []*roaring.Bitmap {
	ids := make(map[string]uint32)
	id := func(alias string) uint32 {
		if v, ok := ids[alias]; ok {
			return v
		}
		v := uint32(len(ids))
		ids[alias] = v
		return v
	}
	sets := make([]*roaring.Bitmap, len(preds))
	for i, p := range preds {
		sets[i] = roaring.BitmapOf(id(p.Left.Alias), id(p.Right.Alias))
	}
	return sets
}

// ValidOrders lazily yields, in lexicographic order, every permutation of
// predicate indices whose every prefix is connected: the aliases of the p-th
// predicate intersect the aliases of predicates 1..p-1. Prefixes that break
// connectivity are pruned, so only valid orders are ever materialized.
//
// With no predicates the single empty order is yielded.
func ValidOrders(preds []query.JoinPredicate) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		n := len(preds)
		sets := aliasSets(preds)
		used := make([]bool, n)
		order := make([]int, 0, n)

		var walk func(covered *roaring.Bitmap) bool
		walk = func(covered *roaring.Bitmap) bool {
			if len(order) == n {
				return yield(slices.Clone(order))
			}
			for i := 0; i < n; i++ {
				if used[i] || (len(order) > 0 && !covered.Intersects(sets[i])) {
					continue
				}
				used[i] = true
				order = append(order, i)
				ok := walk(roaring.Or(covered, sets[i]))
				order = order[:len(order)-1]
				used[i] = false
				if !ok {
					return false
				}
			}
			return true
		}
		walk(roaring.New())
	}
}

// IsValidOrder reports whether order is a permutation of the predicate
// indices with a connected prefix at every step.
func IsValidOrder(preds []query.JoinPredicate, order []int) bool {
	if checkPermutation(order, len(preds)) != nil {
		return false
	}
	sets := aliasSets(preds)
	covered := roaring.New()
	for p, idx := range order {
		if p > 0 && !covered.Intersects(sets[idx]) {
			return false
		}
		covered.Or(sets[idx])
	}
	return true
}

// OrderIterator walks ValidOrders one order at a time and starts over from
// the first valid order once the sequence is exhausted.
type OrderIterator struct {
	preds []query.JoinPredicate
	next  func() ([]int, bool)
	stop  func()
}

func NewOrderIterator(preds []query.JoinPredicate) *OrderIterator {
	return &OrderIterator{preds: preds}
}

// Next returns the next valid order. It returns false only when the
// predicates admit no valid order at all.
func (it *OrderIterator) Next() ([]int, bool) {
	if it.next == nil {
		it.next, it.stop = iter.Pull(ValidOrders(it.preds))
	}
	if order, ok := it.next(); ok {
		return order, true
	}
	it.Reset()
	it.next, it.stop = iter.Pull(ValidOrders(it.preds))
	order, ok := it.next()
	if !ok {
		it.Reset()
	}
	return order, ok
}

// Reset rewinds the iterator to the first valid order and releases the
// underlying sequence.
func (it *OrderIterator) Reset() {
	if it.stop != nil {
		it.stop()
	}
	it.next, it.stop = nil, nil
}
