//go:build linux && amd64

package jit

import (
	"tracejit/pkg/bitsequence"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

// FrameLayout describes the native frame of a root trace, relative to RBP:
// the return address at +8, the caller's RBP at 0, the callee-saved
// registers below it, then Depth spill slots.
type FrameLayout struct {
	Depth int
	// Bytes is the size of the frame-size adjust after the pushes.
	Bytes int
}

func layoutFor(depth int) FrameLayout {
	return FrameLayout{Depth: depth, Bytes: frameBytes(depth)}
}

// frameBytes keeps RSP 16-byte aligned: the call pushed 8 bytes and the
// prologue pushes six more registers.
func frameBytes(depth int) int {
	n := 8 * depth
	if depth%2 == 0 {
		n += 8
	}
	return n
}

// SlotOffset is the RBP-relative offset of spill slot i.
func (FrameLayout) SlotOffset(i int) int32 { return x86.SlotDisp(i) }

// SavedRegOffset is where the prologue saved callee-saved register r.
func (FrameLayout) SavedRegOffset(r x86.Reg) (int32, bool) {
	for i, c := range x86.CalleeSaved {
		if c == r {
			return -int32(8 * (i + 1)), true
		}
	}
	return 0, false
}

// GCMap lists where references live across one call: the spill slots set in
// Slots and the callee-saved registers in Regs. A register root is found in
// the callee's save area or still in the register, depending on where the
// collector walks from.
type GCMap struct {
	Slots *bitsequence.BitSequence
	Regs  []x86.Reg
}

func newGCMap(roots []x86.Loc) *GCMap {
	n := 0
	for _, l := range roots {
		if l.IsStack() && int(l.Slot)+1 > n {
			n = int(l.Slot) + 1
		}
	}
	m := &GCMap{Slots: bitsequence.New(n)}
	for _, l := range roots {
		switch {
		case l.IsStack():
			m.Slots.Set(int(l.Slot))
		case l.IsReg():
			m.Regs = append(m.Regs, l.Reg)
		}
	}
	return m
}

// Exit describes one guard or finish: its failure id, where its values were
// when it left, and the bridge attached to it.
type Exit struct {
	ID    int
	Guard bool
	Op    *ir.Op
	Trace *CompiledTrace
	// Locs and Kinds describe the values stored to the exchange slots, in
	// slot order. They never change once the exit is emitted.
	Locs  []x86.Loc
	Kinds []ir.Kind
	// Depth is the number of spill slots the frame holds at the exit.
	Depth  int
	Stub   uintptr
	Bridge *CompiledTrace

	tail *PatchSite
}

// TailTarget is where the exit currently jumps: the shared epilogue, or the
// bridge once one is attached.
func (e *Exit) TailTarget() uintptr {
	if e.tail == nil {
		return 0
	}
	return e.tail.Target()
}

// CompiledTrace is a root loop or a bridge. Roots own the native frame;
// bridges and loops entered through a jump run in the frame of the root
// that was executed.
type CompiledTrace struct {
	Name  string
	Token *ir.LoopToken
	// Entry is the prologue of a root, or the first byte of a bridge.
	Entry  uintptr
	Header uintptr
	// EntryLocs is where each input lives at the loop header.
	EntryLocs []x86.Loc
	Depth     int
	// Stubs maps guard id to the address of its failure stub.
	Stubs    map[int]uintptr
	GuardIDs []int
	FinishID int
	OpAddrs  map[int]uintptr
	Segments []Segment

	root        *CompiledTrace
	frameAdjust *PatchSite
	// jumpers are roots whose frames may run this trace's code through a
	// jump to its loop header.
	jumpers []*CompiledTrace
	gcmaps  map[uintptr]*GCMap
	guardOf map[*ir.Op]int
}

func (ct *CompiledTrace) IsBridge() bool { return ct.root != nil }

// Root is the trace whose prologue built the frame this code runs in.
func (ct *CompiledTrace) Root() *CompiledTrace {
	if ct.root != nil {
		return ct.root
	}
	return ct
}

// Frame is the layout of the root frame.
func (ct *CompiledTrace) Frame() FrameLayout {
	return layoutFor(ct.Root().Depth)
}

// GuardID returns the failure id of a guard op of this trace.
func (ct *CompiledTrace) GuardID(op *ir.Op) (int, bool) {
	id, ok := ct.guardOf[op]
	return id, ok
}

// RootsAt returns the GC map of a call in this trace by its return address.
func (ct *CompiledTrace) RootsAt(retAddr uintptr) (*GCMap, bool) {
	m, ok := ct.gcmaps[retAddr]
	return m, ok
}

// CallSites lists the return addresses that have GC maps.
func (ct *CompiledTrace) CallSites() []uintptr {
	out := make([]uintptr, 0, len(ct.gcmaps))
	for a := range ct.gcmaps {
		out = append(out, a)
	}
	return out
}

// CodeSize is the number of bytes emitted for the trace and its stubs.
func (ct *CompiledTrace) CodeSize() int {
	n := 0
	for _, s := range ct.Segments {
		n += len(s.Code)
	}
	return n
}

func (ct *CompiledTrace) addJumper(root *CompiledTrace) {
	for _, j := range ct.jumpers {
		if j == root {
			return
		}
	}
	ct.jumpers = append(ct.jumpers, root)
}
