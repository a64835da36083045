package regalloc

import (
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"
)

var consider = map[ir.Opcode]func(*Allocator, *ir.Op){}

func init() {
	for _, code := range []ir.Opcode{
		ir.OpIntAdd, ir.OpIntSub, ir.OpIntMul, ir.OpIntAnd, ir.OpIntOr, ir.OpIntXor,
		ir.OpIntAddOvf, ir.OpIntSubOvf, ir.OpIntMulOvf,
	} {
		consider[code] = (*Allocator).considerBinary
	}
	for _, code := range []ir.Opcode{ir.OpIntLshift, ir.OpIntRshift, ir.OpUintRshift} {
		consider[code] = (*Allocator).considerShift
	}
	for _, code := range []ir.Opcode{
		ir.OpIntLt, ir.OpIntLe, ir.OpIntEq, ir.OpIntNe, ir.OpIntGt, ir.OpIntGe,
		ir.OpUintLt, ir.OpUintLe, ir.OpUintGt, ir.OpUintGe, ir.OpPtrEq, ir.OpPtrNe,
	} {
		consider[code] = (*Allocator).considerCompare
	}
	for _, code := range []ir.Opcode{
		ir.OpFloatLt, ir.OpFloatLe, ir.OpFloatEq, ir.OpFloatNe, ir.OpFloatGt, ir.OpFloatGe,
	} {
		consider[code] = (*Allocator).considerFloatCompare
	}
	for _, code := range []ir.Opcode{ir.OpFloatAdd, ir.OpFloatSub, ir.OpFloatMul, ir.OpFloatTrueDiv} {
		consider[code] = (*Allocator).considerBinary
	}
	for _, code := range []ir.Opcode{ir.OpIntNeg, ir.OpIntInvert, ir.OpFloatNeg, ir.OpFloatAbs, ir.OpSameAs} {
		consider[code] = (*Allocator).considerUnary
	}
	consider[ir.OpIntFloorDiv] = (*Allocator).considerDivMod
	consider[ir.OpIntMod] = (*Allocator).considerDivMod
	consider[ir.OpIntIsTrue] = (*Allocator).considerTest
	consider[ir.OpIntIsZero] = (*Allocator).considerTest
	consider[ir.OpCastIntToFloat] = (*Allocator).considerCast
	consider[ir.OpCastFloatToInt] = (*Allocator).considerCast
	consider[ir.OpGetField] = (*Allocator).considerGetField
	consider[ir.OpSetField] = (*Allocator).considerSetField
	consider[ir.OpGetArrayItem] = (*Allocator).considerGetArrayItem
	consider[ir.OpSetArrayItem] = (*Allocator).considerSetArrayItem
	consider[ir.OpArrayLen] = (*Allocator).considerGetField
}

// considerBinary handles two-address arithmetic: the result overwrites a
// copy of the first operand.
func (a *Allocator) considerBinary(op *ir.Op) {
	var y x86.Loc
	if op.Code.FloatArgs() {
		y = a.operand(op.Args[1])
	} else {
		y = a.flexible(op.Args[1])
	}
	x := a.twoAddress(op)
	a.asm.Perform(op, []x86.Loc{x, y}, x)
}

func (a *Allocator) considerUnary(op *ir.Op) {
	x := a.twoAddress(op)
	a.asm.Perform(op, []x86.Loc{x}, x)
}

// considerShift puts a variable count in RCX.
func (a *Allocator) considerShift(op *ir.Op) {
	var y x86.Loc
	if c, ok := op.Args[1].(*ir.Const); ok {
		y = x86.Imm(c.Bits & 63)
	} else {
		y = x86.RegLoc(x86.RCX)
		a.locked[x86.RCX] = true
		if r, ok := a.st.Reg(ir.AsVar(op.Args[1])); !ok || r != x86.RCX {
			a.evict(x86.RCX, op)
			a.asm.Move(y, a.loc(op.Args[1]))
		}
	}
	x := a.twoAddress(op, x86.RCX)
	a.asm.Perform(op, []x86.Loc{x, y}, x)
}

// considerDivMod runs IDIV: the dividend goes to RAX, RDX is clobbered, and
// the quotient or remainder comes back in RAX or RDX.
func (a *Allocator) considerDivMod(op *ir.Op) {
	rax, rdx := x86.RegLoc(x86.RAX), x86.RegLoc(x86.RDX)
	a.locked[x86.RAX] = true
	a.locked[x86.RDX] = true

	x := op.Args[0]
	inPlace := false
	if v := a.dyingHere(x); v != nil && a.st.Holder(x86.RAX) == v && ir.AsVar(op.Args[1]) != v {
		a.st.unbind(v)
		inPlace = true
	} else {
		a.evict(x86.RAX, op)
	}
	a.evict(x86.RDX, op)
	if !inPlace {
		a.asm.Move(rax, a.loc(x))
	}
	y := a.operand(op.Args[1])

	res := rax
	if op.Code == ir.OpIntMod {
		res = rdx
	}
	a.st.bind(op.Result, res.Reg, true)
	a.asm.Perform(op, []x86.Loc{rax, y}, res)
}

func (a *Allocator) considerCompare(op *ir.Op) {
	x := a.inReg(op.Args[0])
	y := a.flexible(op.Args[1])
	res := a.resultReg(op, op.Args[0], op.Args[1])
	a.asm.Perform(op, []x86.Loc{x, y}, res)
}

func (a *Allocator) considerFloatCompare(op *ir.Op) {
	x := a.inReg(op.Args[0])
	y := a.inReg(op.Args[1])
	res := a.resultReg(op)
	a.asm.Perform(op, []x86.Loc{x, y}, res)
}

func (a *Allocator) considerTest(op *ir.Op) {
	x := a.operand(op.Args[0])
	res := a.resultReg(op, op.Args[0])
	a.asm.Perform(op, []x86.Loc{x}, res)
}

func (a *Allocator) considerCast(op *ir.Op) {
	x := a.operand(op.Args[0])
	res := a.resultReg(op)
	a.asm.Perform(op, []x86.Loc{x}, res)
}

// considerGetField also serves arraylen: both read one word off a base
// pointer.
func (a *Allocator) considerGetField(op *ir.Op) {
	p := a.inReg(op.Args[0])
	res := a.resultReg(op, op.Args[0])
	a.asm.Perform(op, []x86.Loc{p}, res)
}

func (a *Allocator) considerSetField(op *ir.Op) {
	p := a.inReg(op.Args[0])
	v := a.immOrReg(op.Args[1])
	a.asm.Perform(op, []x86.Loc{p, v}, x86.Loc{})
}

func (a *Allocator) considerGetArrayItem(op *ir.Op) {
	p := a.inReg(op.Args[0])
	i := a.immOrReg(op.Args[1])
	res := a.resultReg(op, op.Args[0], op.Args[1])
	a.asm.Perform(op, []x86.Loc{p, i}, res)
}

func (a *Allocator) considerSetArrayItem(op *ir.Op) {
	p := a.inReg(op.Args[0])
	i := a.immOrReg(op.Args[1])
	v := a.immOrReg(op.Args[2])
	a.asm.Perform(op, []x86.Loc{p, i, v}, x86.Loc{})
}

// immOrReg keeps constants that fit an imm32 field, so indexes fold into
// the displacement and stores take an immediate; anything else is loaded.
func (a *Allocator) immOrReg(v ir.Value) x86.Loc {
	if c, ok := v.(*ir.Const); ok && c.Bits == int64(int32(c.Bits)) {
		return x86.Imm(c.Bits)
	}
	return a.inReg(v)
}
