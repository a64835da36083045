package x86

import (
	"fmt"
	"strings"

	errs "tracejit/pkg/errors"
)

// Mnemonic names an instruction family. Operand size is part of the name:
// unsuffixed integer mnemonics are 64-bit.
type Mnemonic uint16

const (
	BAD Mnemonic = iota
	MOV
	MOV8  // store the low byte
	MOV16 // store the low word
	MOV32 // store the low dword; reg-reg form zero-extends
	MOVZX8
	MOVZX16
	MOVZX32
	MOVSX8
	MOVSX16
	MOVSX32
	LEA
	ADD
	SUB
	SUBI32 // sub reg, imm32 with the immediate never shortened; patchable
	AND
	OR
	XOR
	CMP
	TEST
	IMUL
	NEG
	NOT
	IDIV
	CQO
	SHL
	SHR
	SAR
	BTC
	BTR
	PUSH
	POP
	JMP
	CALL
	RET
	NOP
	INT3
	UD2
	MOVSD
	ADDSD
	SUBSD
	MULSD
	DIVSD
	UCOMISD
	XORPD
	ANDPD
	CVTSI2SD
	CVTTSD2SI
	MOVQ
	jcc0
)

const (
	setcc0       = jcc0 + 16
	numMnemonics = setcc0 + 16
)

// Cond is an x86 condition code in hardware order.
type Cond uint8

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string { return condNames[c&15] }

// Negate returns the opposite condition.
func (c Cond) Negate() Cond { return c ^ 1 }

// J is the rel32 conditional jump on c.
func J(c Cond) Mnemonic { return jcc0 + Mnemonic(c&15) }

// SET is setcc on c. It writes the low byte of its register only.
func SET(c Cond) Mnemonic { return setcc0 + Mnemonic(c&15) }

var mnemonicNames = [...]string{
	BAD: "bad", MOV: "mov", MOV8: "mov8", MOV16: "mov16", MOV32: "mov32",
	MOVZX8: "movzx8", MOVZX16: "movzx16", MOVZX32: "movzx32",
	MOVSX8: "movsx8", MOVSX16: "movsx16", MOVSX32: "movsxd",
	LEA: "lea", ADD: "add", SUB: "sub", SUBI32: "sub", AND: "and", OR: "or",
	XOR: "xor", CMP: "cmp", TEST: "test", IMUL: "imul", NEG: "neg", NOT: "not",
	IDIV: "idiv", CQO: "cqo", SHL: "shl", SHR: "shr", SAR: "sar", BTC: "btc",
	BTR: "btr", PUSH: "push", POP: "pop", JMP: "jmp", CALL: "call", RET: "ret",
	NOP: "nop", INT3: "int3", UD2: "ud2", MOVSD: "movsd", ADDSD: "addsd",
	SUBSD: "subsd", MULSD: "mulsd", DIVSD: "divsd", UCOMISD: "ucomisd",
	XORPD: "xorpd", ANDPD: "andpd",
	CVTSI2SD: "cvtsi2sd", CVTTSD2SI: "cvttsd2si", MOVQ: "movq",
}

func (m Mnemonic) String() string {
	switch {
	case m >= setcc0 && m < numMnemonics:
		return "set" + condNames[m-setcc0]
	case m >= jcc0 && m < setcc0:
		return "j" + condNames[m-jcc0]
	case int(m) < len(mnemonicNames):
		return mnemonicNames[m]
	}
	return fmt.Sprintf("mnemonic(%d)", uint16(m))
}

type immSize uint8

const (
	noImm immSize = iota
	imm8
	imm16
	imm32
	imm64
	rel32
)

// form is one encoding of a mnemonic for one operand shape. Operand
// indexes refer to the Intel-order operand list.
type form struct {
	prefix   byte // mandatory 66/F2/F3, emitted before REX
	w        bool
	op       []byte
	digit    int8 // opcode extension in ModRM.reg, -1 when an operand fills it
	regArg   int8 // operand in ModRM.reg (or the opcode byte for plusR), -1 none
	rmArg    int8 // operand in ModRM.rm, -1 none
	plusR    bool
	imm      immSize
	truncImm bool // immediate is truncated to a narrow store width
	byteRegs bool // register operands are 8-bit: SPL..DIL need a REX prefix
	countCL  bool // second operand must be RCX and is implicit
	short    *form
}

func regForm(w bool, regArg, rmArg int8, op ...byte) *form {
	return &form{w: w, op: op, digit: -1, regArg: regArg, rmArg: rmArg}
}

func extForm(w bool, digit int8, op ...byte) *form {
	return &form{w: w, op: op, digit: digit, regArg: -1, rmArg: 0}
}

func bare(op ...byte) *form {
	return &form{op: op, digit: -1, regArg: -1, rmArg: -1}
}

func plusReg(op byte) *form {
	return &form{op: []byte{op}, digit: -1, regArg: 0, rmArg: -1, plusR: true}
}

func (f *form) withImm(s immSize) *form {
	g := *f
	g.imm = s
	return &g
}

func (f *form) withShort(s *form) *form {
	g := *f
	g.short = s
	return &g
}

func (f *form) withPrefix(p byte) *form {
	g := *f
	g.prefix = p
	return &g
}

func (f *form) narrow() *form {
	g := *f
	g.truncImm = true
	return &g
}

func (f *form) bytes() *form {
	g := *f
	g.byteRegs = true
	return &g
}

// alu covers the classic two-operand group: op r/m, r; op r, r/m; and the
// 81 /digit imm32 form with its 83 /digit imm8 short form.
func alu(opMR, opRM byte, digit int8) map[string]*form {
	ri := extForm(true, digit, 0x81).withImm(imm32).
		withShort(extForm(true, digit, 0x83).withImm(imm8))
	mr := regForm(true, 1, 0, opMR)
	return map[string]*form{
		"rr": mr,
		"mr": mr,
		"rm": regForm(true, 0, 1, opRM),
		"ri": ri,
		"mi": ri,
	}
}

func unary(digit int8) map[string]*form {
	f := extForm(true, digit, 0xF7)
	return map[string]*form{"r": f, "m": f}
}

func shift(digit int8) map[string]*form {
	byImm := extForm(true, digit, 0xC1).withImm(imm8)
	byCL := extForm(true, digit, 0xD3)
	byCL.countCL = true
	return map[string]*form{"ri": byImm, "mi": byImm, "rr": byCL, "mr": byCL}
}

func load(w bool, op ...byte) map[string]*form {
	f := regForm(w, 0, 1, op...)
	return map[string]*form{"rr": f, "rm": f}
}

func sse(prefix byte, w bool, regArg, rmArg int8, op byte) *form {
	f := regForm(w, regArg, rmArg, 0x0F, op).withPrefix(prefix)
	return f
}

func sseArith(prefix, op byte) map[string]*form {
	f := sse(prefix, false, 0, 1, op)
	return map[string]*form{"xx": f, "xm": f}
}

var movabs = &form{w: true, op: []byte{0xB8}, digit: -1, regArg: 0, rmArg: -1, plusR: true, imm: imm64}

var forms = [numMnemonics]map[string]*form{
	MOV: {
		"rr": regForm(true, 1, 0, 0x89),
		"mr": regForm(true, 1, 0, 0x89),
		"rm": regForm(true, 0, 1, 0x8B),
		"ri": extForm(true, 0, 0xC7).withImm(imm32),
		"mi": extForm(true, 0, 0xC7).withImm(imm32),
	},
	MOV8: {
		"mr": regForm(false, 1, 0, 0x88).bytes(),
		"mi": extForm(false, 0, 0xC6).withImm(imm8).narrow(),
	},
	MOV16: {
		"mr": regForm(false, 1, 0, 0x89).withPrefix(0x66),
		"mi": extForm(false, 0, 0xC7).withImm(imm16).withPrefix(0x66).narrow(),
	},
	MOV32: {
		"rr": regForm(false, 1, 0, 0x89),
		"mr": regForm(false, 1, 0, 0x89),
		"mi": extForm(false, 0, 0xC7).withImm(imm32).narrow(),
	},
	MOVZX8: {
		"rr": regForm(true, 0, 1, 0x0F, 0xB6).bytes(),
		"rm": regForm(true, 0, 1, 0x0F, 0xB6),
	},
	MOVZX16: load(true, 0x0F, 0xB7),
	MOVZX32: load(false, 0x8B),
	MOVSX8: {
		"rr": regForm(true, 0, 1, 0x0F, 0xBE).bytes(),
		"rm": regForm(true, 0, 1, 0x0F, 0xBE),
	},
	MOVSX16: load(true, 0x0F, 0xBF),
	MOVSX32: load(true, 0x63),
	LEA:     {"rm": regForm(true, 0, 1, 0x8D)},
	ADD:     alu(0x01, 0x03, 0),
	OR:      alu(0x09, 0x0B, 1),
	AND:     alu(0x21, 0x23, 4),
	SUB:     alu(0x29, 0x2B, 5),
	XOR:     alu(0x31, 0x33, 6),
	CMP:     alu(0x39, 0x3B, 7),
	SUBI32:  {"ri": extForm(true, 5, 0x81).withImm(imm32)},
	TEST: {
		"rr": regForm(true, 1, 0, 0x85),
		"mr": regForm(true, 1, 0, 0x85),
		"ri": extForm(true, 0, 0xF7).withImm(imm32),
		"mi": extForm(true, 0, 0xF7).withImm(imm32),
	},
	IMUL: {
		"rr": regForm(true, 0, 1, 0x0F, 0xAF),
		"rm": regForm(true, 0, 1, 0x0F, 0xAF),
		"ri": regForm(true, 0, 0, 0x69).withImm(imm32).
			withShort(regForm(true, 0, 0, 0x6B).withImm(imm8)),
	},
	NEG:  unary(3),
	NOT:  unary(2),
	IDIV: unary(7),
	CQO:  {"": &form{w: true, op: []byte{0x99}, digit: -1, regArg: -1, rmArg: -1}},
	SHL:  shift(4),
	SHR:  shift(5),
	SAR:  shift(7),
	BTC:  {"ri": extForm(true, 7, 0x0F, 0xBA).withImm(imm8)},
	BTR:  {"ri": extForm(true, 6, 0x0F, 0xBA).withImm(imm8)},
	PUSH: {
		"r": plusReg(0x50),
		"m": extForm(false, 6, 0xFF),
		"i": bare(0x68).withImm(imm32).withShort(bare(0x6A).withImm(imm8)),
	},
	POP: {
		"r": plusReg(0x58),
		"m": extForm(false, 0, 0x8F),
	},
	JMP: {
		"i": bare(0xE9).withImm(rel32),
		"r": extForm(false, 4, 0xFF),
		"m": extForm(false, 4, 0xFF),
	},
	CALL: {
		"i": bare(0xE8).withImm(rel32),
		"r": extForm(false, 2, 0xFF),
		"m": extForm(false, 2, 0xFF),
	},
	RET:  {"": bare(0xC3)},
	NOP:  {"": bare(0x90)},
	INT3: {"": bare(0xCC)},
	UD2:  {"": bare(0x0F, 0x0B)},
	MOVSD: {
		"xx": sse(0xF2, false, 0, 1, 0x10),
		"xm": sse(0xF2, false, 0, 1, 0x10),
		"mx": sse(0xF2, false, 1, 0, 0x11),
	},
	ADDSD:   sseArith(0xF2, 0x58),
	SUBSD:   sseArith(0xF2, 0x5C),
	MULSD:   sseArith(0xF2, 0x59),
	DIVSD:   sseArith(0xF2, 0x5E),
	UCOMISD: sseArith(0x66, 0x2E),
	XORPD:   sseArith(0x66, 0x57),
	ANDPD:   sseArith(0x66, 0x54),
	CVTSI2SD: {
		"xr": sse(0xF2, true, 0, 1, 0x2A),
		"xm": sse(0xF2, true, 0, 1, 0x2A),
	},
	CVTTSD2SI: {
		"rx": sse(0xF2, true, 0, 1, 0x2C),
		"rm": sse(0xF2, true, 0, 1, 0x2C),
	},
	MOVQ: {
		"xr": sse(0x66, true, 0, 1, 0x6E),
		"rx": sse(0x66, true, 1, 0, 0x7E),
	},
}

func init() {
	for c := byte(0); c < 16; c++ {
		forms[jcc0+Mnemonic(c)] = map[string]*form{"i": bare(0x0F, 0x80+c).withImm(rel32)}
		forms[setcc0+Mnemonic(c)] = map[string]*form{"r": extForm(false, 0, 0x0F, 0x90+c).bytes()}
	}
}

// Encode appends the encoding of m with Intel-order operands (destination
// first) to dst and returns the extended slice. pc is the address the new
// bytes will run at. JMP, CALL and Jcc take their absolute target as an
// immediate and always use a rel32 field so the site can be repatched.
//
// Operands the hardware cannot take directly are synthesized through R11:
// an immediate outside the sign-extended 32-bit range, or an address whose
// displacement does not fit 32 bits. An instruction that would need R11
// while already naming it, or needs it twice, panics with
// *errors.EncodingError, as does any operand combination without a form.
func Encode(dst []byte, pc uintptr, m Mnemonic, ops ...Loc) []byte {
	e := encoder{buf: dst, start: len(dst), pc: pc}
	e.encode(m, ops)
	return e.buf
}

func (e *encoder) encode(m Mnemonic, operands []Loc) {
	if m == BAD || m >= numMnemonics || forms[m] == nil {
		fail(m, operands, "unknown mnemonic")
	}
	if len(operands) > 2 {
		fail(m, operands, "too many operands")
	}
	var storage [2]Loc
	ops := storage[:copy(storage[:], operands)]

	shape := make([]byte, len(ops))
	immIdx := -1
	scratchBusy := false
	for i, o := range ops {
		switch o.Kind {
		case LocReg:
			switch {
			case o.Reg.IsXMM():
				shape[i] = 'x'
			case o.Reg.IsGPR():
				shape[i] = 'r'
			default:
				fail(m, operands, "bad register")
			}
		case LocStack, LocAddr:
			shape[i] = 'm'
		case LocImm:
			shape[i] = 'i'
			immIdx = i
		default:
			fail(m, operands, "empty operand")
		}
		if o.uses(Scratch) {
			scratchBusy = true
		}
	}

	for i, o := range ops {
		if o.Kind != LocAddr || fitsInt32(o.Imm) {
			continue
		}
		if scratchBusy {
			fail(m, operands, "wide displacement needs r11")
		}
		e.encode(MOV, []Loc{RegLoc(Scratch), Imm(o.Imm)})
		e.encode(ADD, []Loc{RegLoc(Scratch), RegLoc(o.Reg)})
		ops[i] = AddrIndex(Scratch, o.Index, o.Scale, 0)
		scratchBusy = true
	}

	f := forms[m][string(shape)]
	if f == nil {
		fail(m, operands, "no form for operand shape "+string(shape))
	}
	if f.countCL && ops[1].Reg != RCX {
		fail(m, operands, "shift count must be in rcx")
	}
	if immIdx >= 0 && f.imm != rel32 {
		v := ops[immIdx].Imm
		switch {
		case f.short != nil && fitsInt8(v):
			f = f.short
		case immFits(f, v):
		case m == MOV && string(shape) == "ri":
			f = movabs
		default:
			shape[immIdx] = 'r'
			wide := forms[m][string(shape)]
			if wide == nil || scratchBusy {
				fail(m, operands, "immediate out of range")
			}
			e.encode(MOV, []Loc{RegLoc(Scratch), Imm(v)})
			ops[immIdx] = RegLoc(Scratch)
			f = wide
		}
	}
	e.inst(m, f, ops)
}

func immFits(f *form, v int64) bool {
	switch f.imm {
	case imm8:
		if f.truncImm {
			return v >= -1<<7 && v <= 1<<8-1
		}
		return fitsInt8(v)
	case imm16:
		return v >= -1<<15 && v <= 1<<16-1
	case imm32:
		if f.truncImm {
			return v >= -1<<31 && v <= 1<<32-1
		}
		return fitsInt32(v)
	case imm64:
		return true
	}
	return false
}

// isByteAlias reports whether the 8-bit form of r needs REX to mean
// SPL/BPL/SIL/DIL rather than AH/CH/DH/BH.
func isByteAlias(r Reg) bool {
	return r >= RSP && r <= RDI
}

func (e *encoder) inst(m Mnemonic, f *form, ops []Loc) {
	var reg byte
	var rexR, rexX, rexB, needRex bool
	if f.digit >= 0 {
		reg = byte(f.digit)
	}
	if f.regArg >= 0 {
		r := ops[f.regArg].Reg
		if f.plusR {
			rexB = r.ext()
		} else {
			reg = r.low()
			rexR = r.ext()
		}
		needRex = f.byteRegs && isByteAlias(r)
	}

	rmReg := NoReg
	var mem memOperand
	if f.rmArg >= 0 {
		o := ops[f.rmArg]
		switch o.Kind {
		case LocReg:
			rmReg = o.Reg
			rexB = o.Reg.ext()
			needRex = needRex || (f.byteRegs && isByteAlias(o.Reg))
		case LocStack:
			mem = memOperand{base: FramePointer, index: NoReg, scale: 1, disp: SlotDisp(int(o.Slot))}
		case LocAddr:
			if !o.Reg.IsGPR() {
				fail(m, ops, "bad base register")
			}
			if o.Index != NoReg {
				if o.Index == RSP || !o.Index.IsGPR() {
					fail(m, ops, "bad index register")
				}
				if o.Scale != 1 && o.Scale != 2 && o.Scale != 4 && o.Scale != 8 {
					fail(m, ops, "bad scale")
				}
				rexX = o.Index.ext()
			}
			mem = memOperand{base: o.Reg, index: o.Index, scale: o.Scale, disp: int32(o.Imm)}
			rexB = o.Reg.ext()
		}
	}

	if f.prefix != 0 {
		e.emit(f.prefix)
	}
	if f.w || rexR || rexX || rexB || needRex {
		e.emit(rex(f.w, rexR, rexX, rexB))
	}
	if f.plusR {
		n := len(f.op)
		e.emit(f.op[:n-1]...)
		e.emit(f.op[n-1] + ops[f.regArg].Reg.low())
	} else {
		e.emit(f.op...)
	}
	if f.rmArg >= 0 {
		if rmReg != NoReg {
			e.emit(modRM(0xC0, reg, rmReg.low()))
		} else {
			e.emitMemOperand(reg, mem)
		}
	}

	if f.imm == noImm {
		return
	}
	v := ops[len(ops)-1].Imm
	switch f.imm {
	case imm8:
		e.emit(byte(v))
	case imm16:
		e.emitInt16(int16(v))
	case imm32:
		e.emitInt32(int32(v))
	case imm64:
		e.emitUint64(uint64(v))
	case rel32:
		rel, ok := Rel32(e.here()+4, uintptr(v))
		if !ok {
			fail(m, ops, "branch target out of rel32 range")
		}
		e.emitInt32(rel)
	}
}

func fail(m Mnemonic, ops []Loc, reason string) {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = o.String()
	}
	panic(&errs.EncodingError{Mnemonic: m.String(), Operands: strings.Join(parts, ", "), Reason: reason})
}
