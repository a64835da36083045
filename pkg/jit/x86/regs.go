// Package x86 is the x86-64 location model and table-driven instruction
// encoder used by the trace backend.
package x86

import "fmt"

// Reg numbers general purpose registers 0-15 in hardware order and XMM
// registers 16-31.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	NoReg Reg = 0xFF
)

// Reserved registers. The allocator never hands these out.
const (
	Scratch      = R11
	FloatScratch = XMM15
	FramePointer = RBP
	StackPointer = RSP
)

var gprNames = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	switch {
	case r < XMM0:
		return gprNames[r]
	case r <= XMM15:
		return fmt.Sprintf("xmm%d", r-XMM0)
	case r == NoReg:
		return "noreg"
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

func (r Reg) IsXMM() bool { return r >= XMM0 && r <= XMM15 }
func (r Reg) IsGPR() bool { return r < XMM0 }

// low is the 3-bit field value; ext is the REX extension bit.
func (r Reg) low() byte { return byte(r) & 7 }
func (r Reg) ext() bool { return byte(r)&8 != 0 }

// SysV AMD64 calling convention.
var (
	IntArgRegs   = []Reg{RDI, RSI, RDX, RCX, R8, R9}
	FloatArgRegs = []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
	CalleeSaved  = []Reg{RBX, R12, R13, R14, R15}
	IntResult    = RAX
	FloatResult  = XMM0
	StackAlign   = 16
)

// AllocatableGPR is in allocation preference order: caller-saved first so
// callee-saved registers stay free for values living across calls.
var AllocatableGPR = []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, RBX, R12, R13, R14, R15}

var AllocatableXMM = []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7,
	XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14}

// IsCallerSaved reports whether a call may clobber r.
func IsCallerSaved(r Reg) bool {
	if r.IsXMM() {
		return true
	}
	switch r {
	case RBX, RBP, RSP, R12, R13, R14, R15:
		return false
	}
	return true
}
