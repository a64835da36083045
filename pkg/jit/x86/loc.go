package x86

import (
	"fmt"
	"strings"
)

// LocKind tags a Loc.
type LocKind uint8

const (
	LocNone LocKind = iota
	LocReg
	LocStack
	LocImm
	LocAddr
)

// FrameHeader is the distance from RBP to the first spill slot: the five
// callee-saved registers pushed by the prologue sit between them.
const FrameHeader = 8 * 5

// Loc is where a value lives at one point of the generated code. It is a
// plain comparable value so it can key maps and be compared with ==.
type Loc struct {
	Kind  LocKind
	Reg   Reg   // LocReg register; LocAddr base
	Index Reg   // LocAddr index or NoReg
	Scale uint8 // LocAddr index scale: 1, 2, 4 or 8
	Slot  int32 // LocStack slot number
	Imm   int64 // LocImm value; LocAddr displacement
}

func RegLoc(r Reg) Loc { return Loc{Kind: LocReg, Reg: r, Index: NoReg} }
func Stack(slot int) Loc { return Loc{Kind: LocStack, Reg: NoReg, Index: NoReg, Slot: int32(slot)} }
func Imm(v int64) Loc { return Loc{Kind: LocImm, Reg: NoReg, Index: NoReg, Imm: v} }

// Addr is [base + disp].
func Addr(base Reg, disp int64) Loc {
	return Loc{Kind: LocAddr, Reg: base, Index: NoReg, Scale: 1, Imm: disp}
}

// AddrIndex is [base + index*scale + disp].
func AddrIndex(base, index Reg, scale uint8, disp int64) Loc {
	return Loc{Kind: LocAddr, Reg: base, Index: index, Scale: scale, Imm: disp}
}

func (l Loc) IsReg() bool { return l.Kind == LocReg }
func (l Loc) IsStack() bool { return l.Kind == LocStack }
func (l Loc) IsImm() bool { return l.Kind == LocImm }

// IsMem reports whether l is a memory operand.
func (l Loc) IsMem() bool { return l.Kind == LocStack || l.Kind == LocAddr }

// IsXMM reports whether l is an XMM register.
func (l Loc) IsXMM() bool { return l.Kind == LocReg && l.Reg.IsXMM() }

// SlotDisp is the RBP-relative displacement of spill slot i.
func SlotDisp(i int) int32 {
	return -int32(FrameHeader + 8*(i+1))
}

// uses reports whether l reads or addresses through r.
func (l Loc) uses(r Reg) bool {
	switch l.Kind {
	case LocReg:
		return l.Reg == r
	case LocAddr:
		return l.Reg == r || l.Index == r
	}
	return false
}

func (l Loc) String() string {
	switch l.Kind {
	case LocReg:
		return l.Reg.String()
	case LocStack:
		return fmt.Sprintf("stack[%d]", l.Slot)
	case LocImm:
		return fmt.Sprintf("$%d", l.Imm)
	case LocAddr:
		var sb strings.Builder
		sb.WriteByte('[')
		sb.WriteString(l.Reg.String())
		if l.Index != NoReg {
			fmt.Fprintf(&sb, "+%s*%d", l.Index, l.Scale)
		}
		if l.Imm != 0 {
			fmt.Fprintf(&sb, "%+d", l.Imm)
		}
		sb.WriteByte(']')
		return sb.String()
	}
	return "none"
}
