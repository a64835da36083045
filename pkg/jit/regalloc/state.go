package regalloc

import (
	"fmt"
	"sort"

	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

// State is the allocator's view of the register file and frame at one point
// of the forward pass. It is owned by one compilation and can be cloned.
type State struct {
	regOf    map[*ir.Var]x86.Reg
	holder   map[x86.Reg]*ir.Var
	slotOf   map[*ir.Var]int
	slotVar  map[int]*ir.Var
	dirty    map[*ir.Var]bool
	nextSlot int
	maxSlots int
	// depth is one past the highest slot index handed out.
	depth int
}

// NewState starts with an empty register file. Fresh stack slots are numbered
// from firstSlot; handing out slot maxSlots or beyond aborts compilation.
func NewState(firstSlot, maxSlots int) *State {
	return &State{
		regOf:    make(map[*ir.Var]x86.Reg),
		holder:   make(map[x86.Reg]*ir.Var),
		slotOf:   make(map[*ir.Var]int),
		slotVar:  make(map[int]*ir.Var),
		dirty:    make(map[*ir.Var]bool),
		nextSlot: firstSlot,
		maxSlots: maxSlots,
		depth:    firstSlot,
	}
}

func (s *State) Clone() *State {
	c := NewState(s.nextSlot, s.maxSlots)
	c.depth = s.depth
	for v, r := range s.regOf {
		c.regOf[v] = r
	}
	for r, v := range s.holder {
		c.holder[r] = v
	}
	for v, k := range s.slotOf {
		c.slotOf[v] = k
	}
	for k, v := range s.slotVar {
		c.slotVar[k] = v
	}
	for v := range s.dirty {
		c.dirty[v] = true
	}
	return c
}

// Loc is where v can be read now: its register if resident, else its stack
// home. The zero Loc means v has no location.
func (s *State) Loc(v *ir.Var) x86.Loc {
	if r, ok := s.regOf[v]; ok {
		return x86.RegLoc(r)
	}
	if k, ok := s.slotOf[v]; ok {
		return x86.Stack(k)
	}
	return x86.Loc{}
}

func (s *State) Reg(v *ir.Var) (x86.Reg, bool) {
	r, ok := s.regOf[v]
	return r, ok
}

func (s *State) Slot(v *ir.Var) (int, bool) {
	k, ok := s.slotOf[v]
	return k, ok
}

// Holder returns the variable resident in r, or nil.
func (s *State) Holder(r x86.Reg) *ir.Var { return s.holder[r] }

func (s *State) IsDirty(v *ir.Var) bool { return s.dirty[v] }

// Depth is the number of stack slots the frame needs so far.
func (s *State) Depth() int { return s.depth }

// bind makes r the register of v. A dirty value has no up to date copy in
// its stack home.
func (s *State) bind(v *ir.Var, r x86.Reg, dirty bool) {
	if old, ok := s.holder[r]; ok && old != v {
		panic(fmt.Sprintf("regalloc: %s still holds %s", r, old))
	}
	if prev, ok := s.regOf[v]; ok && prev != r {
		delete(s.holder, prev)
	}
	s.regOf[v] = r
	s.holder[r] = v
	if dirty {
		s.dirty[v] = true
	} else {
		delete(s.dirty, v)
	}
}

// unbind drops v's register; the caller has stored it first if needed.
func (s *State) unbind(v *ir.Var) {
	if r, ok := s.regOf[v]; ok {
		delete(s.holder, r)
		delete(s.regOf, v)
	}
	delete(s.dirty, v)
}

// home returns v's stack slot, assigning the next fresh one on first use.
// Slots are never reused for a different variable.
func (s *State) home(v *ir.Var) int {
	if k, ok := s.slotOf[v]; ok {
		return k
	}
	k := s.nextSlot
	if k >= s.maxSlots {
		panic(errFrameTooDeep(k))
	}
	s.nextSlot++
	s.bindSlot(v, k)
	return k
}

// bindSlot fixes v's stack home at k.
func (s *State) bindSlot(v *ir.Var, k int) {
	if k >= s.maxSlots {
		panic(errFrameTooDeep(k))
	}
	s.slotOf[v] = k
	s.slotVar[k] = v
	if k+1 > s.depth {
		s.depth = k + 1
	}
	if k >= s.nextSlot {
		s.nextSlot = k + 1
	}
}

// reserve keeps slot k out of the fresh numbering. Entry locations of a
// bridge name slots of the frame it continues.
func (s *State) reserve(k int) {
	if k >= s.maxSlots {
		panic(errFrameTooDeep(k))
	}
	if k >= s.nextSlot {
		s.nextSlot = k + 1
	}
	if k+1 > s.depth {
		s.depth = k + 1
	}
}

// forget drops every binding of a dead variable. Its stack slot stays
// reserved.
func (s *State) forget(v *ir.Var) {
	s.unbind(v)
	delete(s.slotOf, v)
}

func (s *State) isFree(r x86.Reg) bool {
	_, taken := s.holder[r]
	return !taken
}

// Resident lists the variables currently in registers, ordered by register.
func (s *State) Resident() []*ir.Var {
	regs := make([]int, 0, len(s.holder))
	for r := range s.holder {
		regs = append(regs, int(r))
	}
	sort.Ints(regs)
	out := make([]*ir.Var, len(regs))
	for i, r := range regs {
		out[i] = s.holder[x86.Reg(r)]
	}
	return out
}
