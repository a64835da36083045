//go:build linux && amd64

package jit

import (
	"fmt"

	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

func init() {
	codegen[ir.OpGetField] = emitGetField
	codegen[ir.OpSetField] = emitSetField
	codegen[ir.OpGetArrayItem] = emitGetArrayItem
	codegen[ir.OpSetArrayItem] = emitSetArrayItem
	codegen[ir.OpArrayLen] = emitArrayLen
}

// load reads size bytes at src into dst, sign- or zero-extending.
func (a *traceAssembler) load(dst, src x86.Loc, size uint8, signed bool) {
	var m x86.Mnemonic
	switch {
	case dst.IsXMM():
		m = x86.MOVSD
	case size == 8:
		m = x86.MOV
	case size == 4 && signed:
		m = x86.MOVSX32
	case size == 4:
		m = x86.MOVZX32
	case size == 2 && signed:
		m = x86.MOVSX16
	case size == 2:
		m = x86.MOVZX16
	case size == 1 && signed:
		m = x86.MOVSX8
	case size == 1:
		m = x86.MOVZX8
	default:
		panic(fmt.Sprintf("jit: load of %d bytes", size))
	}
	a.emit(m, dst, src)
}

// store writes the low size bytes of src. An immediate too wide for the
// store goes through R11.
func (a *traceAssembler) store(dst, src x86.Loc, size uint8) {
	var m x86.Mnemonic
	switch {
	case src.IsXMM():
		m = x86.MOVSD
	case size == 8:
		m = x86.MOV
	case size == 4:
		m = x86.MOV32
	case size == 2:
		m = x86.MOV16
	case size == 1:
		m = x86.MOV8
	default:
		panic(fmt.Sprintf("jit: store of %d bytes", size))
	}
	a.emit(m, dst, src)
}

func emitGetField(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	d := op.Descr.(*ir.FieldDescr)
	a.load(res, x86.Addr(args[0].Reg, int64(d.Offset)), d.Size, d.Signed)
}

func emitSetField(a *traceAssembler, op *ir.Op, args []x86.Loc, _ x86.Loc) {
	d := op.Descr.(*ir.FieldDescr)
	a.store(x86.Addr(args[0].Reg, int64(d.Offset)), args[1], d.Size)
}

func emitArrayLen(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	d := op.Descr.(*ir.ArrayDescr)
	a.emit(x86.MOV, res, x86.Addr(args[0].Reg, int64(d.LengthOffset)))
}

// item addresses element i of the array at base: a constant index folds
// into the displacement, a register index scales by the item size.
func item(base, i x86.Loc, d *ir.ArrayDescr) x86.Loc {
	if i.IsImm() {
		return x86.Addr(base.Reg, int64(d.BaseOffset)+i.Imm*int64(d.ItemSize))
	}
	return x86.AddrIndex(base.Reg, i.Reg, d.ItemSize, int64(d.BaseOffset))
}

func emitGetArrayItem(a *traceAssembler, op *ir.Op, args []x86.Loc, res x86.Loc) {
	d := op.Descr.(*ir.ArrayDescr)
	a.load(res, item(args[0], args[1], d), d.ItemSize, d.Signed)
}

func emitSetArrayItem(a *traceAssembler, op *ir.Op, args []x86.Loc, _ x86.Loc) {
	d := op.Descr.(*ir.ArrayDescr)
	a.store(item(args[0], args[1], d), args[2], d.ItemSize)
}
