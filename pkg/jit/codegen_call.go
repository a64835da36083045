//go:build linux && amd64

package jit

import (
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/regalloc"
	"tracejit/pkg/jit/x86"
)

// PerformCall emits the call itself; the allocator has already placed the
// arguments and pushed stack arguments.
func (a *traceAssembler) PerformCall(c *regalloc.Call) {
	if c.Op.Code.IsAlloc() {
		a.emitAlloc(c)
		return
	}
	a.call(c.Func)
	a.recordRoots(c.Roots)
	if c.StackBytes > 0 {
		a.emit(x86.ADD, rsp, x86.Imm(int64(c.StackBytes)))
	}
	if d := c.Op.Descr.(*ir.CallDescr); !d.CanRaise && a.r.cfg.AssertNoException {
		a.emit(x86.MOV, scratch, a.dataAddr(0))
		a.emit(x86.CMP, x86.Addr(x86.Scratch, DataExcType), x86.Imm(0))
		a.emit(x86.J(x86.CondNE), x86.Imm(int64(a.r.internalError)))
	}
}

// call uses a rel32 call when the target is in reach and goes through R11
// otherwise.
func (a *traceAssembler) call(fn x86.Loc) {
	if !fn.IsImm() {
		a.emit(x86.CALL, fn)
		return
	}
	a.cb.Reserve(maxInstLen)
	if _, ok := x86.Rel32(a.cb.Addr()+5, uintptr(fn.Imm)); ok {
		a.emit(x86.CALL, fn)
		return
	}
	a.emit(x86.MOV, scratch, fn)
	a.emit(x86.CALL, scratch)
}

// recordRoots attaches a GC map to the return address just emitted.
func (a *traceAssembler) recordRoots(roots []x86.Loc) {
	ret := a.cb.Addr()
	m := newGCMap(roots)
	a.ct.gcmaps[ret] = m
	a.c.gcmaps[ret] = m
}

// emitAlloc computes the byte size in RDI, calls the malloc helper and
// initializes the header words. A null result leaves through the memory
// error exit. The op's operands live in callee-saved registers, stack
// slots or immediates, so they survive the call.
func (a *traceAssembler) emitAlloc(c *regalloc.Call) {
	rdi := x86.RegLoc(x86.RDI)
	rax := x86.RegLoc(x86.RAX)
	switch c.Op.Code {
	case ir.OpNew, ir.OpNewWithVtable:
		d := c.Op.Descr.(*ir.SizeDescr)
		a.emit(x86.MOV, rdi, x86.Imm(int64(d.Size)))
	case ir.OpNewArray:
		d := c.Op.Descr.(*ir.ArrayDescr)
		if n := c.Args[0]; n.IsImm() {
			a.emit(x86.MOV, rdi, x86.Imm(int64(d.BaseOffset)+n.Imm*int64(d.ItemSize)))
		} else {
			a.emit(x86.MOV, rdi, n)
			a.emit(x86.IMUL, rdi, x86.Imm(int64(d.ItemSize)))
			a.emit(x86.ADD, rdi, x86.Imm(int64(d.BaseOffset)))
		}
	}
	a.call(x86.Imm(int64(a.r.malloc)))
	a.recordRoots(c.Roots)
	a.emit(x86.TEST, rax, rax)
	a.emit(x86.J(x86.CondE), x86.Imm(int64(a.r.memoryError)))

	switch c.Op.Code {
	case ir.OpNewWithVtable:
		a.storeWord(x86.Addr(x86.RAX, 0), c.Args[0])
	case ir.OpNewArray:
		d := c.Op.Descr.(*ir.ArrayDescr)
		a.storeWord(x86.Addr(x86.RAX, int64(d.LengthOffset)), c.Args[0])
	}
}

// storeWord stores a register, immediate or stack value to memory.
func (a *traceAssembler) storeWord(dst, src x86.Loc) {
	if src.IsMem() {
		a.emit(x86.MOV, scratch, src)
		src = scratch
	}
	a.emit(x86.MOV, dst, src)
}
