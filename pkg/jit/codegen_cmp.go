//go:build linux && amd64

package jit

import (
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

// intCond is the flag condition under which CMP a, b makes the comparison
// true.
var intCond = map[ir.Opcode]x86.Cond{
	ir.OpIntLt:  x86.CondL,
	ir.OpIntLe:  x86.CondLE,
	ir.OpIntEq:  x86.CondE,
	ir.OpIntNe:  x86.CondNE,
	ir.OpIntGt:  x86.CondG,
	ir.OpIntGe:  x86.CondGE,
	ir.OpUintLt: x86.CondB,
	ir.OpUintLe: x86.CondBE,
	ir.OpUintGt: x86.CondA,
	ir.OpUintGe: x86.CondAE,
	ir.OpPtrEq:  x86.CondE,
	ir.OpPtrNe:  x86.CondNE,
}

// floatCond maps an ordered float comparison onto UCOMISD. Only A and AE
// are false for unordered operands, so lt and le compare swapped.
var floatCond = map[ir.Opcode]struct {
	swap bool
	cond x86.Cond
}{
	ir.OpFloatLt: {true, x86.CondA},
	ir.OpFloatLe: {true, x86.CondAE},
	ir.OpFloatGt: {false, x86.CondA},
	ir.OpFloatGe: {false, x86.CondAE},
}

func init() {
	for code := range intCond {
		codegen[code] = emitCompare
	}
	for _, code := range []ir.Opcode{ir.OpFloatLt, ir.OpFloatLe, ir.OpFloatGt, ir.OpFloatGe, ir.OpFloatEq, ir.OpFloatNe} {
		codegen[code] = emitFloatCompare
	}
	codegen[ir.OpIntIsTrue] = emitTest
	codegen[ir.OpIntIsZero] = emitTest
}

// compare sets the flags for a comparison and returns the condition that
// means true. Float eq and ne need the parity flag as well and are not
// handled here.
func (a *traceAssembler) compare(op *ir.Op, x, y x86.Loc) x86.Cond {
	if fc, ok := floatCond[op.Code]; ok {
		if fc.swap {
			x, y = y, x
		}
		a.emit(x86.UCOMISD, x, y)
		return fc.cond
	}
	a.emit(x86.CMP, x, y)
	return intCond[op.Code]
}

// setBool materializes a condition as 0 or 1 in a full register.
func (a *traceAssembler) setBool(c x86.Cond, res x86.Loc) {
	a.emit(x86.SET(c), res)
	a.emit(x86.MOVZX8, res, res)
}

func emitCompare(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	a.setBool(a.compare(op, args[0], args[1]), res)
}

// emitFloatCompare: eq is ZF and not PF, ne is not ZF or PF, so NaN
// compares unequal to everything.
func emitFloatCompare(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	switch op.Code {
	case ir.OpFloatEq:
		a.emit(x86.UCOMISD, args[0], args[1])
		a.setBool(x86.CondE, res)
		a.setBool(x86.CondNP, scratch)
		a.emit(x86.AND, res, scratch)
	case ir.OpFloatNe:
		a.emit(x86.UCOMISD, args[0], args[1])
		a.setBool(x86.CondNE, res)
		a.setBool(x86.CondP, scratch)
		a.emit(x86.OR, res, scratch)
	default:
		a.setBool(a.compare(op, args[0], args[1]), res)
	}
}

func emitTest(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	a.emit(x86.CMP, args[0], x86.Imm(0))
	if op.Code == ir.OpIntIsTrue {
		a.setBool(x86.CondNE, res)
	} else {
		a.setBool(x86.CondE, res)
	}
}
