// Package ordering computes contiguous 0..n-1 positions for the tasks of one
// or two columns after a drag-and-drop move. It does no I/O; callers load the
// column contents inside a transaction and persist the result.
package ordering

import "errors"

var ErrNotInColumn = errors.New("task is not in the source column")

// Assignment is the position a task must hold once the move commits.
type Assignment[ID comparable] struct {
	ID    ID
	Order int
}

// Plan is the outcome of a move. From holds the full renumbered source
// column, To the destination column for cross-column moves (nil otherwise).
type Plan[ID comparable] struct {
	From  []Assignment[ID]
	To    []Assignment[ID]
	Index int
}

func (p Plan[ID]) CrossColumn() bool {
	return p.To != nil
}

// ClampInsert bounds an insertion index to [0, length]. Indexes past the end
// mean "append".
func ClampInsert(index, length int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}

// Within moves id inside ids (sorted by current order) to toIndex, clamped to
// the last slot.
func Within[ID comparable](ids []ID, id ID, toIndex int) (Plan[ID], error) {
	cur := indexOf(ids, id)
	if cur < 0 {
		return Plan[ID]{}, ErrNotInColumn
	}
	rest := remove(ids, cur)
	at := ClampInsert(toIndex, len(rest))
	seq := insert(rest, id, at)
	return Plan[ID]{From: Renumber(seq), Index: at}, nil
}

// Across removes id from the source sequence and inserts it into the
// destination sequence at toIndex, clamped to append.
func Across[ID comparable](from, to []ID, id ID, toIndex int) (Plan[ID], error) {
	cur := indexOf(from, id)
	if cur < 0 {
		return Plan[ID]{}, ErrNotInColumn
	}
	at := ClampInsert(toIndex, len(to))
	return Plan[ID]{
		From:  Renumber(remove(from, cur)),
		To:    Renumber(insert(to, id, at)),
		Index: at,
	}, nil
}

// Renumber assigns 0..n-1 in sequence order.
func Renumber[ID comparable](seq []ID) []Assignment[ID] {
	out := make([]Assignment[ID], len(seq))
	for i, id := range seq {
		out[i] = Assignment[ID]{ID: id, Order: i}
	}
	return out
}

// Changed filters next down to the assignments whose order differs from the
// stored one. Tasks absent from current are always included.
func Changed[ID comparable](current map[ID]int, next []Assignment[ID]) []Assignment[ID] {
	var out []Assignment[ID]
	for _, a := range next {
		if order, ok := current[a.ID]; ok && order == a.Order {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Contiguous reports whether orders is a permutation of 0..n-1.
func Contiguous(orders []int) bool {
	seen := make([]bool, len(orders))
	for _, o := range orders {
		if o < 0 || o >= len(orders) || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}

func indexOf[ID comparable](ids []ID, id ID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func remove[ID comparable](ids []ID, at int) []ID {
	out := make([]ID, 0, len(ids)-1)
	out = append(out, ids[:at]...)
	return append(out, ids[at+1:]...)
}

func insert[ID comparable](ids []ID, id ID, at int) []ID {
	out := make([]ID, 0, len(ids)+1)
	out = append(out, ids[:at]...)
	out = append(out, id)
	return append(out, ids[at:]...)
}
