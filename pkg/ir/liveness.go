package ir

import "sort"

// Interval is a variable's longevity: the op index producing it (-1 for
// trace inputs) and the last op index consuming it. A variable that is never
// consumed has End == Start.
type Interval struct {
	Start, End int
}

// Liveness holds the per-variable facts the register allocator needs for one
// op sequence.
type Liveness struct {
	Intervals map[*Var]Interval
	// Uses lists every consuming op index in increasing order.
	Uses map[*Var][]int
	// LoopConsts maps an input to its position when the closing jump passes
	// it back unchanged in the same position.
	LoopConsts map[*Var]int
	// JumpArgPos maps a variable passed by the closing jump to its position.
	JumpArgPos map[*Var]int
}

// ComputeLiveness scans ops once. Guard fail args and every use inside a
// guard's failure path count as uses at the guard itself.
func ComputeLiveness(inputs []*Var, ops []*Op, loopBack bool) *Liveness {
	lv := &Liveness{
		Intervals:  make(map[*Var]Interval, len(inputs)+len(ops)),
		Uses:       make(map[*Var][]int),
		LoopConsts: make(map[*Var]int),
		JumpArgPos: make(map[*Var]int),
	}
	for _, v := range inputs {
		lv.Intervals[v] = Interval{Start: -1, End: -1}
	}

	addUse := func(v Value, at int) {
		vv := AsVar(v)
		if vv == nil {
			return
		}
		iv, ok := lv.Intervals[vv]
		if !ok {
			// defined outside this sequence; a failure path sees its
			// snapshot as inputs
			iv = Interval{Start: -1, End: -1}
		}
		if at > iv.End {
			iv.End = at
		}
		lv.Intervals[vv] = iv
		uses := lv.Uses[vv]
		if n := len(uses); n == 0 || uses[n-1] != at {
			lv.Uses[vv] = append(uses, at)
		}
	}

	for i, op := range ops {
		for _, a := range op.Args {
			addUse(a, i)
		}
		for _, a := range op.FailArgs {
			addUse(a, i)
		}
		var local map[*Var]bool
		for _, sub := range op.FailPath {
			for _, a := range sub.Args {
				if vv := AsVar(a); vv == nil || !local[vv] {
					addUse(a, i)
				}
			}
			if sub.Result != nil {
				if local == nil {
					local = make(map[*Var]bool)
				}
				local[sub.Result] = true
			}
		}
		if op.Result != nil {
			lv.Intervals[op.Result] = Interval{Start: i, End: i}
		}
	}

	if loopBack && len(ops) > 0 {
		jump := ops[len(ops)-1]
		for i, a := range jump.Args {
			vv := AsVar(a)
			if vv == nil {
				continue
			}
			if _, seen := lv.JumpArgPos[vv]; !seen {
				lv.JumpArgPos[vv] = i
			}
			if i < len(inputs) && inputs[i] == vv {
				lv.LoopConsts[vv] = i
			}
		}
	}
	return lv
}

// IsLoopConst reports whether v is carried around the loop unchanged.
func (lv *Liveness) IsLoopConst(v *Var) bool {
	_, ok := lv.LoopConsts[v]
	return ok
}

// NextUse returns the first use of v strictly after pos, or -1 if none.
func (lv *Liveness) NextUse(v *Var, pos int) int {
	uses := lv.Uses[v]
	k := sort.SearchInts(uses, pos+1)
	if k == len(uses) {
		return -1
	}
	return uses[k]
}

// LiveAfter reports whether v is still needed after pos.
func (lv *Liveness) LiveAfter(v *Var, pos int) bool {
	iv, ok := lv.Intervals[v]
	return ok && iv.End > pos
}
