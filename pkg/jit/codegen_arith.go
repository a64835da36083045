//go:build linux && amd64

package jit

import (
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

type lowering func(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc)

var codegen = map[ir.Opcode]lowering{}

var binaryMnemonic = map[ir.Opcode]x86.Mnemonic{
	ir.OpIntAdd:       x86.ADD,
	ir.OpIntSub:       x86.SUB,
	ir.OpIntMul:       x86.IMUL,
	ir.OpIntAnd:       x86.AND,
	ir.OpIntOr:        x86.OR,
	ir.OpIntXor:       x86.XOR,
	ir.OpIntAddOvf:    x86.ADD,
	ir.OpIntSubOvf:    x86.SUB,
	ir.OpIntMulOvf:    x86.IMUL,
	ir.OpFloatAdd:     x86.ADDSD,
	ir.OpFloatSub:     x86.SUBSD,
	ir.OpFloatMul:     x86.MULSD,
	ir.OpFloatTrueDiv: x86.DIVSD,
}

var shiftMnemonic = map[ir.Opcode]x86.Mnemonic{
	ir.OpIntLshift:  x86.SHL,
	ir.OpIntRshift:  x86.SAR,
	ir.OpUintRshift: x86.SHR,
}

func init() {
	for code := range binaryMnemonic {
		codegen[code] = emitBinary
	}
	for code := range shiftMnemonic {
		codegen[code] = emitShift
	}
	codegen[ir.OpIntFloorDiv] = emitDivMod
	codegen[ir.OpIntMod] = emitDivMod
	codegen[ir.OpIntNeg] = emitUnary
	codegen[ir.OpIntInvert] = emitUnary
	codegen[ir.OpFloatNeg] = emitFloatSign
	codegen[ir.OpFloatAbs] = emitFloatSign
	codegen[ir.OpSameAs] = func(*traceAssembler, *ir.Op, []x86.Loc, x86.Loc) {}
	codegen[ir.OpCastIntToFloat] = emitCast
	codegen[ir.OpCastFloatToInt] = emitCast
}

// emitBinary: res already holds the first operand; the _ovf variants leave
// OF for the overflow guard that follows.
func emitBinary(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	a.emit(binaryMnemonic[op.Code], res, args[1])
}

func emitUnary(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	if op.Code == ir.OpIntNeg {
		a.emit(x86.NEG, res)
	} else {
		a.emit(x86.NOT, res)
	}
}

// emitFloatSign flips or clears the sign bit with a mask in XMM15.
func emitFloatSign(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	if op.Code == ir.OpFloatNeg {
		a.loadConstMask(signBit)
		a.emit(x86.XORPD, res, floatScratch)
	} else {
		a.loadConstMask(absMask)
		a.emit(x86.ANDPD, res, floatScratch)
	}
}

// emitShift: the count is RCX or an immediate already reduced mod 64.
func emitShift(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	a.emit(shiftMnemonic[op.Code], res, args[1])
}

// emitDivMod: the dividend is in RAX and RDX is free. IDIV truncates toward
// zero; a zero divisor or INT64_MIN / -1 traps in hardware.
func emitDivMod(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	a.emit(x86.CQO)
	a.emit(x86.IDIV, args[1])
}

func emitCast(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	if op.Code == ir.OpCastIntToFloat {
		a.emit(x86.CVTSI2SD, res, args[0])
	} else {
		a.emit(x86.CVTTSD2SI, res, args[0])
	}
}
