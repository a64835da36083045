// Package remap plans parallel moves between two location assignments of
// the same ordered values.
package remap

import (
	"fmt"

	"tracejit/pkg/jit/x86"
)

type Op uint8

const (
	Mov Op = iota
	Push
	Pop
)

// Move is one step of a plan. Push reads Src onto the machine stack and Pop
// writes the top of the machine stack to Dst; a Push is always directly
// followed by its Pop.
type Move struct {
	Op  Op
	Dst x86.Loc
	Src x86.Loc
}

func (m Move) String() string {
	switch m.Op {
	case Push:
		return "push " + m.Src.String()
	case Pop:
		return "pop " + m.Dst.String()
	}
	return fmt.Sprintf("mov %s, %s", m.Dst, m.Src)
}

// Scratch names the registers a plan may borrow to break a cycle.
type Scratch struct {
	GPR x86.Reg
	XMM x86.Reg
}

// Default is the backend's reserved scratch pair.
var Default = Scratch{GPR: x86.Scratch, XMM: x86.FloatScratch}

// Plan returns moves that make tgt[i] hold the value cur[i] holds, for every
// i at once. Immediates may appear in cur only. Targets must be distinct and
// may not name a scratch register.
//
// Constants are placed as soon as their target has no pending reader; they
// never take part in a cycle. Any other move runs once nothing still needs
// the value in its target. When only cycles remain, one target's value is
// saved in a scratch register and its readers redirected there, which frees
// the cycle to unwind. Memory to memory moves go through the machine stack,
// so the scratch register is the only register ever borrowed and it holds
// at most one value at a time.
func Plan(cur, tgt []x86.Loc, scratch Scratch) []Move {
	if len(cur) != len(tgt) {
		panic(fmt.Sprintf("remap: %d current locations for %d targets", len(cur), len(tgt)))
	}
	seen := make(map[x86.Loc]bool, len(tgt))
	for i, t := range tgt {
		switch {
		case t.IsImm() || t.Kind == x86.LocNone:
			panic(fmt.Sprintf("remap: target %d is %s", i, t))
		case seen[t]:
			panic(fmt.Sprintf("remap: target %s appears twice", t))
		case t == x86.RegLoc(scratch.GPR) || t == x86.RegLoc(scratch.XMM):
			panic(fmt.Sprintf("remap: target %s is a scratch register", t))
		}
		seen[t] = true
	}

	src := append([]x86.Loc(nil), cur...)
	readers := make(map[x86.Loc]int)
	var pending []int
	for i := range src {
		if src[i] == tgt[i] {
			continue
		}
		pending = append(pending, i)
		if !src[i].IsImm() {
			readers[src[i]]++
		}
	}

	var moves []Move
	emit := func(i int) {
		moves = appendMove(moves, tgt[i], src[i])
		if !src[i].IsImm() {
			readers[src[i]]--
		}
	}

	// constants first
	rest := pending[:0]
	for _, i := range pending {
		if src[i].IsImm() && readers[tgt[i]] == 0 {
			emit(i)
			continue
		}
		rest = append(rest, i)
	}
	pending = rest

	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, i := range pending {
			if readers[tgt[i]] == 0 {
				emit(i)
				progress = true
				continue
			}
			rest = append(rest, i)
		}
		pending = rest
		if progress || len(pending) == 0 {
			continue
		}

		// every pending move sits on a cycle: park one target's value
		held := tgt[pending[0]]
		s := x86.RegLoc(scratch.GPR)
		if held.IsXMM() {
			s = x86.RegLoc(scratch.XMM)
		}
		if readers[s] != 0 {
			panic("remap: scratch register still holds a value")
		}
		moves = appendMove(moves, s, held)
		for _, j := range pending {
			if src[j] == held {
				src[j] = s
			}
		}
		readers[s] = readers[held]
		readers[held] = 0
	}
	return moves
}

func appendMove(moves []Move, dst, src x86.Loc) []Move {
	if dst.IsMem() && src.IsMem() {
		return append(moves, Move{Op: Push, Src: src}, Move{Op: Pop, Dst: dst})
	}
	return append(moves, Move{Op: Mov, Dst: dst, Src: src})
}
