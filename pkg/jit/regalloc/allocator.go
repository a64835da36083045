// Package regalloc assigns registers and stack slots to trace variables in a
// single forward pass, driving an Assembler with the resulting locations.
package regalloc

import (
	"fmt"
	"sort"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/remap"
	"tracejit/pkg/jit/x86"
)

// Assembler receives the allocator's decisions in program order. Locations
// handed to it are final: registers are loaded and operands placed.
type Assembler interface {
	// BeginOp is called before any code belonging to ops[i].
	BeginOp(i int, op *ir.Op)
	// LoopHeader marks where the back-edge of the trace lands.
	LoopHeader()
	Move(dst, src x86.Loc)
	Push(src x86.Loc)
	Pop(dst x86.Loc)
	Perform(op *ir.Op, args []x86.Loc, result x86.Loc)
	PerformGuard(g *Guard)
	PerformCall(c *Call)
	// Jump transfers to target with every argument already in place. A nil
	// target is the trace's own loop header.
	Jump(op *ir.Op, target *ir.LoopToken)
	Finish(op *ir.Op, args []x86.Loc)
}

// Guard is a guard with its operands placed and its exit snapshot frozen.
type Guard struct {
	Op *ir.Op
	// Cond is the comparison fused into the guard, or nil. When set, Args
	// are the comparison's operands.
	Cond   *ir.Op
	Args   []x86.Loc
	Result x86.Loc
	// Exits holds, for each of Op.FailArgs, where the value lives while the
	// guard runs. It never changes after the guard is emitted.
	Exits []x86.Loc
}

// Call is a call or allocation with arguments in place. For allocations
// Args are the op's operands in locations that survive the call.
type Call struct {
	Op   *ir.Op
	Func x86.Loc
	Args []x86.Loc
	// StackBytes were pushed for arguments and alignment before the call.
	StackBytes int
	Result     x86.Loc
	// Roots are the locations of references live across the call.
	Roots []x86.Loc
}

// Config bounds one allocation.
type Config struct {
	// FirstSlot is the first stack slot the allocator may hand out.
	FirstSlot int
	MaxSlots  int
	// Targets returns the entry locations of another compiled loop.
	Targets func(*ir.LoopToken) ([]x86.Loc, error)
}

// Result describes the code produced by Run.
type Result struct {
	// Entry is where each input lives at the loop header.
	Entry []x86.Loc
	// Depth is the number of stack slots the code touches.
	Depth  int
	Guards []*Guard
}

type Allocator struct {
	asm      Assembler
	cfg      Config
	inputs   []*ir.Var
	ops      []*ir.Op
	loopBack bool

	st     *State
	lv     *ir.Liveness
	dies   [][]*ir.Var
	pos    int
	locked map[x86.Reg]bool
	entry  []x86.Loc
	guards []*Guard
}

// New prepares an allocation of ops entered with inputs bound. loopBack is
// set when the final jump returns to this sequence's own header.
func New(asm Assembler, inputs []*ir.Var, ops []*ir.Op, loopBack bool, cfg Config) *Allocator {
	a := &Allocator{
		asm:      asm,
		cfg:      cfg,
		inputs:   inputs,
		ops:      ops,
		loopBack: loopBack,
		st:       NewState(cfg.FirstSlot, cfg.MaxSlots),
		lv:       ir.ComputeLiveness(inputs, ops, loopBack),
		locked:   make(map[x86.Reg]bool),
	}
	a.dies = make([][]*ir.Var, len(ops)+1)
	for v, iv := range a.lv.Intervals {
		end := iv.End
		if end < 0 {
			end = len(ops)
		}
		a.dies[end] = append(a.dies[end], v)
	}
	return a
}

// Liveness exposes the longevity facts the allocation runs on.
func (a *Allocator) Liveness() *ir.Liveness { return a.lv }

// EntryLocations picks the header binding of a loop: loop constants on
// fresh stack homes, everything else in registers while they last.
func EntryLocations(inputs []*ir.Var, lv *ir.Liveness, firstSlot, maxSlots int) ([]x86.Loc, error) {
	locs := make([]x86.Loc, len(inputs))
	slot := firstSlot
	gpr, xmm := 0, 0
	stack := func() (x86.Loc, error) {
		if slot >= maxSlots {
			return x86.Loc{}, errFrameTooDeep(slot)
		}
		slot++
		return x86.Stack(slot - 1), nil
	}
	var err error
	for i, v := range inputs {
		switch {
		case lv.IsLoopConst(v):
			locs[i], err = stack()
		case v.Kind() == ir.KindFloat && xmm < len(x86.AllocatableXMM):
			locs[i] = x86.RegLoc(x86.AllocatableXMM[xmm])
			xmm++
		case v.Kind() != ir.KindFloat && gpr < len(x86.AllocatableGPR):
			locs[i] = x86.RegLoc(x86.AllocatableGPR[gpr])
			gpr++
		default:
			locs[i], err = stack()
		}
		if err != nil {
			return nil, err
		}
	}
	return locs, nil
}

// Run allocates the whole sequence with inputs[i] arriving in entry[i].
// Entry locations may repeat or be immediates; such inputs are first moved
// to locations of their own.
func (a *Allocator) Run(entry []x86.Loc) (res *Result, err error) {
	if len(entry) != len(a.inputs) {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "%d entry locations for %d inputs", len(entry), len(a.inputs))
	}
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*errs.CompileError)
			if !ok {
				panic(r)
			}
			res, err = nil, ce
		}
	}()

	a.bindEntry(entry)
	a.asm.LoopHeader()
	a.retire(len(a.ops))
	for a.pos = 0; a.pos < len(a.ops); a.pos++ {
		a.step()
	}
	return &Result{Entry: a.entry, Depth: a.st.Depth(), Guards: a.guards}, nil
}

func (a *Allocator) bindEntry(entry []x86.Loc) {
	inEntry := make(map[x86.Reg]bool, len(entry))
	for _, l := range entry {
		switch {
		case l.IsStack():
			a.st.reserve(int(l.Slot))
		case l.IsReg():
			inEntry[l.Reg] = true
		}
	}

	a.entry = make([]x86.Loc, len(entry))
	var cur, tgt []x86.Loc
	for i, v := range a.inputs {
		l := entry[i]
		if !l.IsImm() && !a.claimed(l) {
			a.claim(v, l)
			a.entry[i] = l
			continue
		}
		// immediates and repeated locations get a home of their own
		dst := x86.Loc{}
		for _, r := range classOf(v.Kind()) {
			if !inEntry[r] && a.st.isFree(r) {
				dst = x86.RegLoc(r)
				break
			}
		}
		if dst.Kind == x86.LocNone {
			dst = x86.Stack(a.st.home(v))
		}
		a.claim(v, dst)
		a.entry[i] = dst
		cur = append(cur, l)
		tgt = append(tgt, dst)
	}
	a.emitMoves(remap.Plan(cur, tgt, remap.Default))
}

func (a *Allocator) claimed(l x86.Loc) bool {
	switch {
	case l.IsReg():
		return !a.st.isFree(l.Reg)
	case l.IsStack():
		return a.st.slotVar[int(l.Slot)] != nil
	}
	return false
}

func (a *Allocator) claim(v *ir.Var, l x86.Loc) {
	switch {
	case l.IsReg():
		a.st.bind(v, l.Reg, true)
	case l.IsStack():
		a.st.bindSlot(v, int(l.Slot))
	default:
		panic(fmt.Sprintf("regalloc: cannot enter %s in %s", v, l))
	}
}

func (a *Allocator) emitMoves(moves []remap.Move) {
	for _, m := range moves {
		switch m.Op {
		case remap.Mov:
			a.asm.Move(m.Dst, m.Src)
		case remap.Push:
			a.asm.Push(m.Src)
		case remap.Pop:
			a.asm.Pop(m.Dst)
		}
	}
}

// retire drops every variable whose last use is at pos.
func (a *Allocator) retire(pos int) {
	for _, v := range a.dies[pos] {
		a.st.forget(v)
	}
}

func (a *Allocator) step() {
	op := a.ops[a.pos]
	for r := range a.locked {
		delete(a.locked, r)
	}
	a.asm.BeginOp(a.pos, op)

	switch {
	case a.fusesWithNext(a.pos):
		a.considerFusedGuard(op, a.ops[a.pos+1])
		a.retire(a.pos)
		a.pos++
	case op.Code == ir.OpJump:
		a.considerJump(op)
	case op.Code == ir.OpFinish:
		a.considerFinish(op)
	case op.Code.IsGuard():
		a.considerGuard(op)
	case op.Code.IsAlloc():
		a.considerAlloc(op)
	case op.Code == ir.OpCall:
		a.considerCall(op)
	default:
		consider[op.Code](a, op)
	}
	a.retire(a.pos)
}

// fusesWithNext reports a comparison whose only consumer is the guard right
// after it, so the flags can feed the guard's branch directly.
func (a *Allocator) fusesWithNext(i int) bool {
	op := a.ops[i]
	if !op.Code.IsComparison() || op.Code == ir.OpFloatEq || op.Code == ir.OpFloatNe || i+1 >= len(a.ops) {
		return false
	}
	next := a.ops[i+1]
	if next.Code != ir.OpGuardTrue && next.Code != ir.OpGuardFalse || ir.AsVar(next.Args[0]) != op.Result {
		return false
	}
	if uses := a.lv.Uses[op.Result]; len(uses) != 1 {
		return false
	}
	for _, v := range next.FailArgs {
		if ir.AsVar(v) == op.Result {
			return false
		}
	}
	for _, sub := range next.FailPath {
		for _, v := range sub.Args {
			if ir.AsVar(v) == op.Result {
				return false
			}
		}
	}
	return true
}

// loc is where v can be read without further work.
func (a *Allocator) loc(v ir.Value) x86.Loc {
	if c, ok := v.(*ir.Const); ok {
		return x86.Imm(c.Bits)
	}
	l := a.st.Loc(v.(*ir.Var))
	if l.Kind == x86.LocNone {
		panic(fmt.Sprintf("regalloc: %s has no location at op %d", v, a.pos))
	}
	return l
}

func (a *Allocator) lock(l x86.Loc) x86.Loc {
	if l.IsReg() {
		a.locked[l.Reg] = true
	}
	return l
}

func classOf(k ir.Kind) []x86.Reg {
	if k == ir.KindFloat {
		return x86.AllocatableXMM
	}
	return x86.AllocatableGPR
}

// allocReg returns an empty register of the class, evicting the holder
// whose next use is farthest away if none is free. Locked registers and
// those in avoid are never chosen.
func (a *Allocator) allocReg(k ir.Kind, avoid ...x86.Reg) x86.Reg {
	usable := func(r x86.Reg) bool {
		if a.locked[r] {
			return false
		}
		for _, x := range avoid {
			if x == r {
				return false
			}
		}
		return true
	}
	victim, far := x86.NoReg, -2
	for _, r := range classOf(k) {
		if !usable(r) {
			continue
		}
		v := a.st.Holder(r)
		if v == nil {
			return r
		}
		next := a.lv.NextUse(v, a.pos-1)
		if next < 0 {
			next = 1 << 30
		}
		if next > far {
			victim, far = r, next
		}
	}
	if victim == x86.NoReg {
		panic(fmt.Sprintf("regalloc: no %s register left at op %d", k, a.pos))
	}
	a.spill(a.st.Holder(victim))
	return victim
}

// spill empties v's register, storing it to its stack home first unless
// the home is already up to date.
func (a *Allocator) spill(v *ir.Var) {
	r, ok := a.st.Reg(v)
	if !ok {
		return
	}
	_, hasHome := a.st.Slot(v)
	if a.st.IsDirty(v) || !hasHome {
		a.asm.Move(x86.Stack(a.st.home(v)), x86.RegLoc(r))
	}
	a.st.unbind(v)
}

// inReg loads v into a register and locks it. Constants go to a temporary
// register that belongs to no variable.
func (a *Allocator) inReg(v ir.Value, avoid ...x86.Reg) x86.Loc {
	if c, ok := v.(*ir.Const); ok {
		r := a.allocReg(c.Kind(), avoid...)
		a.asm.Move(x86.RegLoc(r), x86.Imm(c.Bits))
		return a.lock(x86.RegLoc(r))
	}
	vv := v.(*ir.Var)
	if r, ok := a.st.Reg(vv); ok && !contains(avoid, r) {
		return a.lock(x86.RegLoc(r))
	}
	src := a.loc(vv)
	dirty := src.IsReg() && a.st.IsDirty(vv)
	r := a.allocReg(vv.Kind(), avoid...)
	a.asm.Move(x86.RegLoc(r), src)
	a.st.bind(vv, r, dirty)
	return a.lock(x86.RegLoc(r))
}

// operand returns v's location for an instruction that reads a register or
// memory operand; only constants are loaded.
func (a *Allocator) operand(v ir.Value) x86.Loc {
	if _, ok := v.(*ir.Const); ok {
		return a.inReg(v)
	}
	return a.lock(a.loc(v))
}

// flexible is operand but keeps constants that fit an imm32 field.
func (a *Allocator) flexible(v ir.Value) x86.Loc {
	if c, ok := v.(*ir.Const); ok && c.Kind() != ir.KindFloat && c.Bits == int64(int32(c.Bits)) {
		return x86.Imm(c.Bits)
	}
	return a.operand(v)
}

func (a *Allocator) dyingHere(v ir.Value) *ir.Var {
	vv := ir.AsVar(v)
	if vv == nil || a.lv.LiveAfter(vv, a.pos) {
		return nil
	}
	return vv
}

// resultReg picks the register for op's result, taking over the register of
// a candidate that dies at this op when the classes agree.
func (a *Allocator) resultReg(op *ir.Op, reuse ...ir.Value) x86.Loc {
	k := op.Result.Kind()
	for _, c := range reuse {
		v := a.dyingHere(c)
		if v == nil || (v.Kind() == ir.KindFloat) != (k == ir.KindFloat) {
			continue
		}
		if r, ok := a.st.Reg(v); ok {
			a.st.unbind(v)
			a.st.bind(op.Result, r, true)
			return a.lock(x86.RegLoc(r))
		}
	}
	r := a.allocReg(k)
	a.st.bind(op.Result, r, true)
	return a.lock(x86.RegLoc(r))
}

// twoAddress places Args[0] in the register that will hold the result. The
// register is taken over when Args[0] dies here, otherwise it is a copy.
func (a *Allocator) twoAddress(op *ir.Op, avoid ...x86.Reg) x86.Loc {
	arg := op.Args[0]
	if v := a.dyingHere(arg); v != nil {
		if r, ok := a.st.Reg(v); ok && !contains(avoid, r) {
			a.st.unbind(v)
			a.st.bind(op.Result, r, true)
			return a.lock(x86.RegLoc(r))
		}
	}
	src := a.loc(arg)
	r := a.allocReg(op.Result.Kind(), avoid...)
	a.asm.Move(x86.RegLoc(r), src)
	a.st.bind(op.Result, r, true)
	return a.lock(x86.RegLoc(r))
}

// evict empties r for an instruction that clobbers it. A holder still
// needed after this op, or read by it, moves to a free register or its
// stack home.
func (a *Allocator) evict(r x86.Reg, op *ir.Op) {
	v := a.st.Holder(r)
	if v == nil {
		return
	}
	if !a.lv.LiveAfter(v, a.pos) && !usesVar(op, v) {
		a.st.unbind(v)
		return
	}
	for _, f := range classOf(v.Kind()) {
		if f != r && !a.locked[f] && a.st.isFree(f) {
			a.asm.Move(x86.RegLoc(f), x86.RegLoc(r))
			a.st.bind(v, f, a.st.IsDirty(v))
			return
		}
	}
	a.spill(v)
}

// freeze records where each fail arg lives while the guard runs.
func (a *Allocator) freeze(op *ir.Op) []x86.Loc {
	exits := make([]x86.Loc, len(op.FailArgs))
	for i, v := range op.FailArgs {
		exits[i] = a.loc(v)
	}
	return exits
}

func (a *Allocator) considerFusedGuard(cmp, guard *ir.Op) {
	var args []x86.Loc
	if cmp.Code.FloatArgs() {
		args = []x86.Loc{a.inReg(cmp.Args[0]), a.inReg(cmp.Args[1])}
	} else {
		args = []x86.Loc{a.inReg(cmp.Args[0]), a.flexible(cmp.Args[1])}
	}
	a.asm.BeginOp(a.pos+1, guard)
	g := &Guard{Op: guard, Cond: cmp, Args: args, Exits: a.freeze(guard)}
	a.guards = append(a.guards, g)
	a.asm.PerformGuard(g)
}

func (a *Allocator) considerGuard(op *ir.Op) {
	var args []x86.Loc
	switch op.Code {
	case ir.OpGuardTrue, ir.OpGuardFalse, ir.OpGuardNonnull, ir.OpGuardIsnull:
		args = []x86.Loc{a.operand(op.Args[0])}
	case ir.OpGuardValue:
		args = []x86.Loc{a.inReg(op.Args[0]), a.flexible(op.Args[1])}
	case ir.OpGuardClass:
		args = []x86.Loc{a.inReg(op.Args[0]), a.flexible(op.Args[1])}
	case ir.OpGuardException:
		args = []x86.Loc{a.inReg(op.Args[0])}
	}
	g := &Guard{Op: op, Args: args, Exits: a.freeze(op)}
	if op.Result != nil {
		g.Result = a.resultReg(op)
	}
	a.guards = append(a.guards, g)
	a.asm.PerformGuard(g)
}

func (a *Allocator) considerFinish(op *ir.Op) {
	args := make([]x86.Loc, len(op.Args))
	for i, v := range op.Args {
		args[i] = a.loc(v)
	}
	a.asm.Finish(op, args)
}

func (a *Allocator) considerJump(op *ir.Op) {
	var tgt []x86.Loc
	if a.loopBack {
		tgt = a.entry
	} else {
		if op.Target == nil {
			panic(errs.CompileErrorf(errs.ErrInvalidTrace, "jump without a target loop"))
		}
		if a.cfg.Targets == nil {
			panic(errs.CompileErrorf(errs.ErrInvalidTrace, "jump to unknown loop %s", op.Target.Name))
		}
		var err error
		if tgt, err = a.cfg.Targets(op.Target); err != nil {
			panic(errs.WrapCompileError(err, "jump to "+op.Target.Name))
		}
	}
	if len(tgt) != len(op.Args) {
		panic(errs.CompileErrorf(errs.ErrInvalidTrace, "jump passes %d values, target takes %d", len(op.Args), len(tgt)))
	}

	var cur, dst []x86.Loc
	for i, v := range op.Args {
		if a.loopBack && a.isHomedLoopConst(v, i) {
			continue
		}
		cur = append(cur, a.loc(v))
		dst = append(dst, tgt[i])
	}
	a.emitMoves(remap.Plan(cur, dst, remap.Default))
	target := op.Target
	if a.loopBack {
		target = nil
	}
	a.asm.Jump(op, target)
}

// isHomedLoopConst reports a loop constant whose stack home is its entry
// location; the home still holds the value, so the back-edge skips it.
func (a *Allocator) isHomedLoopConst(v ir.Value, i int) bool {
	vv := ir.AsVar(v)
	if vv == nil {
		return false
	}
	if p, ok := a.lv.LoopConsts[vv]; !ok || p != i {
		return false
	}
	k, ok := a.st.Slot(vv)
	return ok && a.entry[i] == x86.Stack(k) && !a.st.IsDirty(vv)
}

// spillCallerSaved empties the caller-saved registers before a call. Values
// needed afterwards are stored to their homes first.
func (a *Allocator) spillCallerSaved() {
	for _, v := range a.st.Resident() {
		r, _ := a.st.Reg(v)
		if !x86.IsCallerSaved(r) {
			continue
		}
		if a.lv.LiveAfter(v, a.pos) {
			a.spill(v)
		}
	}
}

func (a *Allocator) dropCallerSaved() {
	for _, v := range a.st.Resident() {
		if r, _ := a.st.Reg(v); x86.IsCallerSaved(r) {
			a.st.unbind(v)
		}
	}
}

// roots lists the locations of references that outlive the current op.
func (a *Allocator) roots() []x86.Loc {
	var out []x86.Loc
	for v, iv := range a.lv.Intervals {
		if v.Kind() != ir.KindRef || iv.End <= a.pos || iv.Start >= a.pos {
			continue
		}
		if l := a.st.Loc(v); l.Kind != x86.LocNone {
			out = append(out, l)
		}
	}
	sortLocs(out)
	return out
}

func (a *Allocator) considerCall(op *ir.Op) {
	args := op.Args[1:]
	abi := make([]x86.Loc, len(args))
	var onStack []int
	gpr, xmm := 0, 0
	for i, v := range args {
		switch {
		case v.Kind() == ir.KindFloat && xmm < len(x86.FloatArgRegs):
			abi[i] = x86.RegLoc(x86.FloatArgRegs[xmm])
			xmm++
		case v.Kind() != ir.KindFloat && gpr < len(x86.IntArgRegs):
			abi[i] = x86.RegLoc(x86.IntArgRegs[gpr])
			gpr++
		default:
			onStack = append(onStack, i)
		}
	}

	a.spillCallerSaved()

	stackBytes := 8 * len(onStack)
	if len(onStack)%2 == 1 {
		a.asm.Push(x86.Imm(0))
		stackBytes += 8
	}
	for j := len(onStack) - 1; j >= 0; j-- {
		a.asm.Push(a.loc(args[onStack[j]]))
	}

	var cur, tgt []x86.Loc
	for i, v := range args {
		if abi[i].Kind != x86.LocNone {
			cur = append(cur, a.loc(v))
			tgt = append(tgt, abi[i])
		}
	}
	fn := a.loc(op.Args[0])
	if !fn.IsImm() {
		cur = append(cur, fn)
		tgt = append(tgt, x86.RegLoc(x86.IntResult))
		fn = x86.RegLoc(x86.IntResult)
	}
	a.emitMoves(remap.Plan(cur, tgt, remap.Default))

	a.dropCallerSaved()
	c := &Call{Op: op, Func: fn, Args: abi, StackBytes: stackBytes, Roots: a.roots()}
	if op.Result != nil {
		r := x86.IntResult
		if op.Result.Kind() == ir.KindFloat {
			r = x86.FloatResult
		}
		a.st.bind(op.Result, r, true)
		c.Result = x86.RegLoc(r)
	}
	a.asm.PerformCall(c)
}

// considerAlloc calls the allocation helper. The op's operand is still
// needed after the helper returns, so it is kept out of caller-saved
// registers.
func (a *Allocator) considerAlloc(op *ir.Op) {
	args := make([]x86.Loc, len(op.Args))
	for i, v := range op.Args {
		if vv := ir.AsVar(v); vv != nil {
			if r, ok := a.st.Reg(vv); ok && x86.IsCallerSaved(r) {
				a.spill(vv)
			}
		}
		args[i] = a.loc(v)
	}
	a.spillCallerSaved()
	a.dropCallerSaved()
	a.st.bind(op.Result, x86.IntResult, true)
	a.asm.PerformCall(&Call{Op: op, Args: args, Result: x86.RegLoc(x86.IntResult), Roots: a.roots()})
}

func sortLocs(ls []x86.Loc) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].Kind != ls[j].Kind {
			return ls[i].Kind < ls[j].Kind
		}
		if ls[i].Kind == x86.LocReg {
			return ls[i].Reg < ls[j].Reg
		}
		return ls[i].Slot < ls[j].Slot
	})
}

func errFrameTooDeep(slot int) *errs.CompileError {
	return errs.CompileErrorf(errs.ErrFrameTooDeep, "stack slot %d", slot)
}

func contains(rs []x86.Reg, r x86.Reg) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func usesVar(op *ir.Op, v *ir.Var) bool {
	for _, a := range op.Args {
		if ir.AsVar(a) == v {
			return true
		}
	}
	return false
}
