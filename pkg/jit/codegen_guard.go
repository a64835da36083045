//go:build linux && amd64

package jit

import (
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/regalloc"
	"tracejit/pkg/jit/x86"
)

// PerformGuard emits the check and a conditional branch to the guard's
// stub. Stubs are emitted out of line after the body.
func (a *traceAssembler) PerformGuard(g *regalloc.Guard) {
	e := a.c.newExit(g.Op, true)
	e.Kinds = kindsOf(g.Op.FailArgs)
	a.ct.guardOf[g.Op] = e.ID
	a.ct.GuardIDs = append(a.ct.GuardIDs, e.ID)

	fail := a.guardCheck(g)
	l := a.cb.NewLabel()
	a.cb.Branch(x86.J(fail), l)
	a.c.pending = append(a.c.pending, &pendingGuard{g: g, exit: e, label: l})

	if g.Op.Code == ir.OpGuardException {
		a.emit(x86.MOV, g.Result, x86.Addr(x86.Scratch, DataExcValue))
		a.emit(x86.MOV, x86.Addr(x86.Scratch, DataExcType), x86.Imm(0))
		a.emit(x86.MOV, x86.Addr(x86.Scratch, DataExcValue), x86.Imm(0))
	}
}

// guardCheck sets the flags and returns the condition under which the guard
// fails.
func (a *traceAssembler) guardCheck(g *regalloc.Guard) x86.Cond {
	if g.Cond != nil {
		ok := a.compare(g.Cond, g.Args[0], g.Args[1])
		if g.Op.Code == ir.OpGuardTrue {
			return ok.Negate()
		}
		return ok
	}
	switch g.Op.Code {
	case ir.OpGuardTrue, ir.OpGuardNonnull:
		a.emit(x86.CMP, g.Args[0], x86.Imm(0))
		return x86.CondE
	case ir.OpGuardFalse, ir.OpGuardIsnull:
		a.emit(x86.CMP, g.Args[0], x86.Imm(0))
		return x86.CondNE
	case ir.OpGuardValue:
		a.emit(x86.CMP, g.Args[0], g.Args[1])
		return x86.CondNE
	case ir.OpGuardClass:
		// the class pointer is the object's first word
		cls := g.Args[1]
		if cls.IsMem() {
			a.emit(x86.MOV, scratch, cls)
			cls = scratch
		}
		a.emit(x86.CMP, x86.Addr(g.Args[0].Reg, 0), cls)
		return x86.CondNE
	case ir.OpGuardNoOverflow:
		return x86.CondO
	case ir.OpGuardOverflow:
		return x86.CondNO
	case ir.OpGuardNoException:
		a.emit(x86.MOV, scratch, a.dataAddr(0))
		a.emit(x86.CMP, x86.Addr(x86.Scratch, DataExcType), x86.Imm(0))
		return x86.CondNE
	case ir.OpGuardException:
		a.emit(x86.MOV, scratch, a.dataAddr(0))
		a.emit(x86.CMP, x86.Addr(x86.Scratch, DataExcType), g.Args[0])
		return x86.CondNE
	}
	panic("jit: unknown guard " + g.Op.Code.String())
}
