//go:build linux && amd64

package jit

import (
	"fmt"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/regalloc"
	"tracejit/pkg/jit/x86"
)

var (
	scratch      = x86.RegLoc(x86.Scratch)
	floatScratch = x86.RegLoc(x86.FloatScratch)
	rsp          = x86.RegLoc(x86.RSP)
)

// traceAssembler lowers the allocator's decisions for one op sequence to
// machine code. The body of a trace and each failure path get their own.
type traceAssembler struct {
	r  *Runtime
	cb *CodeBuffer
	ct *CompiledTrace
	c  *compilation

	// exit is set while assembling a guard's failure path: its finish
	// leaves through the guard's exit.
	exit   *Exit
	header uintptr
}

type pendingGuard struct {
	g     *regalloc.Guard
	exit  *Exit
	label *Label
}

func (a *traceAssembler) emit(m x86.Mnemonic, ops ...x86.Loc) {
	a.cb.Emit(m, ops...)
}

func (a *traceAssembler) dataAddr(off int) x86.Loc {
	return x86.Imm(a.r.dataAddr(off))
}

// Worst-case instruction counts. An instruction, with the R11 sequence the
// encoder may put in front of it, fits in maxInstLen bytes.
const (
	// lowering, guard check and branch, result and clobber spills
	opInsts = 12
	// spill the register's holder, then load the operand
	argInsts = 4
	// call or malloc sequence, stack cleanup, exception check
	callInsts = 12
	// an argument push, or its share of the remap moves
	callArgInsts = 9
	// data base, failure id, jmp to the epilogue
	exitHeadInsts = 3
	saveExcInsts  = 7
)

// exitValueBytes bounds the store of one exit value: two halves of a wide
// constant, or a push and pop. Exit slots sit at small offsets from R11, so
// no store needs the encoder's R11 sequence.
const exitValueBytes = 24

// opReserve bounds the bytes op can emit, allocator moves included.
func opReserve(op *ir.Op) int {
	n := len(op.Args)
	insts := opInsts + argInsts*n
	switch {
	case op.Code == ir.OpFinish:
		return exitReserve(n)
	case op.Code == ir.OpJump:
		// a remap moves each value at most twice and parks one value per
		// cycle; xmm moves take two instructions
		insts = 1 + 6*n
	case op.Code == ir.OpCall || op.Code.IsAlloc():
		insts = callInsts + len(x86.AllocatableGPR) + len(x86.AllocatableXMM) + callArgInsts*n
	}
	return insts * maxInstLen
}

func exitReserve(n int) int {
	return exitHeadInsts*maxInstLen + exitValueBytes*n
}

// stubReserve bounds the head of a guard's stub: the label, the exception
// save and, without a failure path, the exit itself.
func stubReserve(g *regalloc.Guard) int {
	n := (1 + saveExcInsts) * maxInstLen
	if len(g.Op.FailPath) == 0 {
		n += exitReserve(len(g.Exits))
	}
	return n
}

// BeginOp opens op i in the code buffer. The op's code never straddles a
// page link.
func (a *traceAssembler) BeginOp(i int, op *ir.Op) {
	a.cb.BeginOp(opReserve(op))
	if a.exit == nil {
		a.cb.MarkOp(i)
	}
}

func (a *traceAssembler) LoopHeader() {
	if a.exit == nil {
		a.header = a.cb.Addr()
	}
}

func (a *traceAssembler) Move(dst, src x86.Loc) {
	if dst == src {
		return
	}
	switch {
	case dst.IsXMM():
		switch {
		case src.IsXMM(), src.IsMem():
			a.emit(x86.MOVSD, dst, src)
		case src.IsReg():
			a.emit(x86.MOVQ, dst, src)
		case src.IsImm() && src.Imm == 0:
			a.emit(x86.XORPD, dst, dst)
		case src.IsImm():
			a.emit(x86.MOV, scratch, src)
			a.emit(x86.MOVQ, dst, scratch)
		default:
			panic(fmt.Sprintf("jit: move %s <- %s", dst, src))
		}
	case src.IsXMM():
		if dst.IsMem() {
			a.emit(x86.MOVSD, dst, src)
		} else {
			a.emit(x86.MOVQ, dst, src)
		}
	case dst.IsMem() && src.IsMem():
		a.emit(x86.PUSH, src)
		a.emit(x86.POP, dst)
	default:
		a.emit(x86.MOV, dst, src)
	}
}

func (a *traceAssembler) Push(src x86.Loc) {
	if src.IsXMM() {
		a.emit(x86.SUB, rsp, x86.Imm(8))
		a.emit(x86.MOVSD, x86.Addr(x86.RSP, 0), src)
		return
	}
	a.emit(x86.PUSH, src)
}

func (a *traceAssembler) Pop(dst x86.Loc) {
	if dst.IsXMM() {
		a.emit(x86.MOVSD, dst, x86.Addr(x86.RSP, 0))
		a.emit(x86.ADD, rsp, x86.Imm(8))
		return
	}
	a.emit(x86.POP, dst)
}

func (a *traceAssembler) Perform(op *ir.Op, args []x86.Loc, result x86.Loc) {
	gen, ok := codegen[op.Code]
	if !ok {
		panic(errs.CompileErrorf(errs.ErrInvalidTrace, "no lowering for %s", op.Code))
	}
	gen(a, op, args, result)
}

func (a *traceAssembler) Jump(op *ir.Op, target *ir.LoopToken) {
	addr := a.header
	if target != nil {
		l, ok := a.r.loops[target]
		if !ok {
			panic(errs.CompileErrorf(errs.ErrInvalidTrace, "jump to unknown loop %s", target.Name))
		}
		addr = l.Header
	}
	a.emit(x86.JMP, x86.Imm(int64(addr)))
}

func (a *traceAssembler) Finish(op *ir.Op, args []x86.Loc) {
	e := a.exit
	if e == nil {
		e = a.c.newExit(op, false)
		a.ct.FinishID = e.ID
	}
	e.Kinds = kindsOf(op.Args)
	a.emitExit(e, args)
}

// emitExit stores the exit values into the exchange slots, records the
// failure id and jumps to the epilogue through a patchable jmp.
func (a *traceAssembler) emitExit(e *Exit, locs []x86.Loc) {
	if len(locs) > a.r.cfg.MaxExchangeSlots {
		panic(errs.CompileErrorf(errs.ErrInvalidTrace, "%d exit values, the exchange area holds %d", len(locs), a.r.cfg.MaxExchangeSlots))
	}
	e.Locs = append([]x86.Loc(nil), locs...)
	a.emit(x86.MOV, scratch, a.dataAddr(0))
	for i, l := range locs {
		a.storeExit(x86.Addr(x86.Scratch, int64(DataSlots+8*i)), l)
	}
	a.emit(x86.MOV, x86.Addr(x86.Scratch, DataFailID), x86.Imm(int64(e.ID)))
	e.tail = a.cb.EmitPatchable(x86.JMP, x86.Imm(int64(a.r.epilogue)))
}

// storeExit writes one value to an R11-relative slot. R11 is taken, so
// memory goes through the stack and wide constants in two halves.
func (a *traceAssembler) storeExit(dst, l x86.Loc) {
	switch {
	case l.IsXMM():
		a.emit(x86.MOVSD, dst, l)
	case l.IsReg():
		a.emit(x86.MOV, dst, l)
	case l.IsMem():
		a.emit(x86.PUSH, l)
		a.emit(x86.POP, dst)
	case l.IsImm() && l.Imm == int64(int32(l.Imm)):
		a.emit(x86.MOV, dst, l)
	case l.IsImm():
		hi := dst
		hi.Imm += 4
		a.emit(x86.MOV32, dst, x86.Imm(int64(uint32(l.Imm))))
		a.emit(x86.MOV32, hi, x86.Imm(int64(uint32(uint64(l.Imm)>>32))))
	default:
		panic(fmt.Sprintf("jit: exit value in %s", l))
	}
}

// saveException moves a pending exception into the saved pair and clears
// it, so the interpreter resuming after the guard sees it exactly once.
func (a *traceAssembler) saveException() {
	a.emit(x86.MOV, scratch, a.dataAddr(0))
	a.emit(x86.PUSH, x86.Addr(x86.Scratch, DataExcType))
	a.emit(x86.POP, x86.Addr(x86.Scratch, DataSavedExcType))
	a.emit(x86.PUSH, x86.Addr(x86.Scratch, DataExcValue))
	a.emit(x86.POP, x86.Addr(x86.Scratch, DataSavedExcValue))
	a.emit(x86.MOV, x86.Addr(x86.Scratch, DataExcType), x86.Imm(0))
	a.emit(x86.MOV, x86.Addr(x86.Scratch, DataExcValue), x86.Imm(0))
}

// loadConstMask puts a 64-bit pattern in the float scratch register.
func (a *traceAssembler) loadConstMask(bits uint64) {
	a.emit(x86.MOV, scratch, x86.Imm(int64(bits)))
	a.emit(x86.MOVQ, floatScratch, scratch)
}

const (
	signBit = uint64(1) << 63
	absMask = signBit - 1
)

func kindsOf(vs []ir.Value) []ir.Kind {
	out := make([]ir.Kind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind()
	}
	return out
}
