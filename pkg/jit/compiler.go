//go:build linux && amd64

package jit

import (
	"fmt"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/regalloc"
	"tracejit/pkg/jit/x86"
)

// compilation collects what one CompileLoop or AttachBridge produces. Exit
// ids and GC maps reach the runtime only when the whole compile succeeds.
type compilation struct {
	r        *Runtime
	ct       *CompiledTrace
	pending  []*pendingGuard
	exits    []*Exit
	gcmaps   map[uintptr]*GCMap
	jumps    []*CompiledTrace
	nextExit int
}

func (r *Runtime) newCompilation(ct *CompiledTrace) *compilation {
	return &compilation{r: r, ct: ct, gcmaps: make(map[uintptr]*GCMap), nextExit: r.nextExit}
}

func newCompiledTrace(t *ir.Trace) *CompiledTrace {
	return &CompiledTrace{
		Name:    t.Name,
		Token:   t.Token,
		Stubs:   make(map[int]uintptr),
		gcmaps:  make(map[uintptr]*GCMap),
		guardOf: make(map[*ir.Op]int),
	}
}

func (c *compilation) newExit(op *ir.Op, guard bool) *Exit {
	e := &Exit{ID: c.nextExit, Guard: guard, Op: op, Trace: c.ct}
	c.nextExit++
	c.exits = append(c.exits, e)
	return e
}

// targets resolves the loop a jump leaves for and remembers it, so frame
// depth can be kept in sync with it.
func (c *compilation) targets(tok *ir.LoopToken) ([]x86.Loc, error) {
	l, ok := c.r.loops[tok]
	if !ok {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "jump to unknown loop %s", tok.Name)
	}
	c.jumps = append(c.jumps, l)
	return l.EntryLocs, nil
}

func (c *compilation) allocConfig(firstSlot int) regalloc.Config {
	return regalloc.Config{FirstSlot: firstSlot, MaxSlots: c.r.cfg.MaxFrameSlots, Targets: c.targets}
}

func (c *compilation) commit() {
	c.r.nextExit = c.nextExit
	for _, e := range c.exits {
		c.r.exits[e.ID] = e
	}
	for addr, m := range c.gcmaps {
		c.r.gcmaps[addr] = m
	}
}

// CompileLoop compiles a root trace. Its inputs arrive in the exchange
// slots; the prologue loads them into the locations the loop header
// expects. A trace whose final jump targets its own token loops in place.
func (r *Runtime) CompileLoop(t *ir.Trace) (ct *CompiledTrace, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil, ErrFreed
	}
	if !r.enabled {
		return nil, ErrDisabled
	}
	if err := ir.Validate(t); err != nil {
		return nil, err
	}
	if _, ok := r.loops[t.Token]; ok {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "loop %s is already compiled", t.Name)
	}
	if len(t.Inputs) > r.cfg.MaxExchangeSlots {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s has %d inputs, the exchange area holds %d", t.Name, len(t.Inputs), r.cfg.MaxExchangeSlots)
	}
	defer discardOnError(&ct, &err)
	defer recoverCompile(&err)
	defer r.code.EndOp()

	ct = newCompiledTrace(t)
	c := r.newCompilation(ct)
	a := &traceAssembler{r: r, cb: r.code, ct: ct, c: c}
	loopBack := t.IsLoopBack(t.Last())

	alloc := regalloc.New(a, t.Inputs, t.Ops, loopBack, c.allocConfig(0))
	entry, err := regalloc.EntryLocations(t.Inputs, alloc.Liveness(), 0, r.cfg.MaxFrameSlots)
	if err != nil {
		return nil, err
	}

	mark := r.code.Mark()
	r.code.OpAddrs()
	ct.Entry = r.emitPrologue(ct, entry)
	res, err := alloc.Run(entry)
	r.code.EndOp()
	if err != nil {
		return nil, err
	}
	ct.Header = a.header
	ct.EntryLocs = res.Entry

	depth, err := c.emitStubs(res.Depth)
	if err != nil {
		return nil, err
	}
	for _, l := range c.jumps {
		depth = max(depth, l.Depth)
	}
	ct.Depth = depth
	if err := ct.frameAdjust.Repatch(rsp, x86.Imm(int64(frameBytes(depth)))); err != nil {
		return nil, err
	}
	for _, l := range c.jumps {
		l.addJumper(ct)
	}

	ct.Segments = r.code.Since(mark)
	ct.OpAddrs = r.code.OpAddrs()
	c.commit()
	r.loops[t.Token] = ct
	r.traces++
	r.logf("compiled %s: %d ops, %d guards, depth %d, %d bytes", t.Name, len(t.Ops), len(ct.GuardIDs), ct.Depth, ct.CodeSize())
	return ct, nil
}

// emitPrologue builds the root frame and loads the inputs from the
// exchange slots into their header locations.
func (r *Runtime) emitPrologue(ct *CompiledTrace, entry []x86.Loc) uintptr {
	cb := r.code
	cb.Reserve(64)
	start := cb.Addr()
	cb.Emit(x86.PUSH, x86.RegLoc(x86.RBP))
	cb.Emit(x86.MOV, x86.RegLoc(x86.RBP), rsp)
	for _, reg := range x86.CalleeSaved {
		cb.Emit(x86.PUSH, x86.RegLoc(reg))
	}
	ct.frameAdjust = cb.EmitPatchable(x86.SUBI32, rsp, x86.Imm(int64(frameBytes(0))))

	cb.Emit(x86.MOV, scratch, x86.Imm(r.dataAddr(0)))
	for i, l := range entry {
		src := x86.Addr(x86.Scratch, int64(DataSlots+8*i))
		switch {
		case l.IsXMM():
			cb.Emit(x86.MOVSD, l, src)
		case l.IsReg():
			cb.Emit(x86.MOV, l, src)
		default:
			cb.Emit(x86.PUSH, src)
			cb.Emit(x86.POP, l)
		}
	}
	return start
}

// emitStubs binds each pending guard's label and emits its stub: the
// exception save for exception guards, then either the failure path or a
// plain exit. It returns the deepest slot count any stub needs.
func (c *compilation) emitStubs(bodyDepth int) (int, error) {
	depth := bodyDepth
	cb := c.r.code
	a := &traceAssembler{r: c.r, cb: cb, ct: c.ct, c: c}
	for _, p := range c.pending {
		cb.BeginOp(stubReserve(p.g))
		cb.Bind(p.label)
		p.exit.Stub = p.label.Addr()
		p.exit.Depth = bodyDepth
		c.ct.Stubs[p.exit.ID] = p.exit.Stub

		if p.g.Op.Code.IsExceptionGuard() {
			a.saveException()
		}
		if len(p.g.Op.FailPath) == 0 {
			a.emitExit(p.exit, p.g.Exits)
			cb.EndOp()
			continue
		}
		cb.EndOp()

		inputs, entry := failPathEntry(p.g)
		fa := &traceAssembler{r: c.r, cb: cb, ct: c.ct, c: c, exit: p.exit}
		cfg := c.allocConfig(bodyDepth)
		res, err := regalloc.New(fa, inputs, p.g.Op.FailPath, false, cfg).Run(entry)
		cb.EndOp()
		if err != nil {
			return 0, errs.WrapCompileError(err, fmt.Sprintf("failure path of guard %d", p.exit.ID))
		}
		p.exit.Depth = res.Depth
		depth = max(depth, res.Depth)
	}
	c.pending = nil
	return depth, nil
}

// failPathEntry binds each variable among a guard's fail args to where it
// lived when the guard ran.
func failPathEntry(g *regalloc.Guard) ([]*ir.Var, []x86.Loc) {
	var inputs []*ir.Var
	var entry []x86.Loc
	seen := make(map[*ir.Var]bool)
	for i, v := range g.Op.FailArgs {
		vv := ir.AsVar(v)
		if vv == nil || seen[vv] {
			continue
		}
		seen[vv] = true
		inputs = append(inputs, vv)
		entry = append(entry, g.Exits[i])
	}
	return inputs, entry
}

// AttachBridge compiles t as the continuation of a failing guard and points
// the guard's exit at it. The bridge starts with its inputs where the guard
// left the exit values and runs in the frame of the guard's root.
func (r *Runtime) AttachBridge(guardID int, t *ir.Trace) (ct *CompiledTrace, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil, ErrFreed
	}
	if !r.enabled {
		return nil, ErrDisabled
	}
	e, ok := r.exits[guardID]
	if !ok || !e.Guard {
		return nil, errs.CompileErrorf(errs.ErrUnknownGuard, "failure id %d", guardID)
	}
	if e.Bridge != nil {
		return nil, errs.CompileErrorf(errs.ErrBridgeAttached, "guard %d has bridge %s", guardID, e.Bridge.Name)
	}
	if err := ir.Validate(t); err != nil {
		return nil, err
	}
	if len(t.Inputs) != len(e.Locs) {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "bridge %s takes %d inputs, guard %d leaves %d values", t.Name, len(t.Inputs), guardID, len(e.Locs))
	}
	for i, v := range t.Inputs {
		if v.Kind() != e.Kinds[i] {
			return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "bridge %s input %d is %s, guard %d leaves %s", t.Name, i, v.Kind(), guardID, e.Kinds[i])
		}
	}
	if last := t.Last(); last.Code == ir.OpJump && (last.Target == nil || last.Target == t.Token) {
		return nil, errs.CompileErrorf(errs.ErrInvalidTrace, "bridge %s must jump to a compiled loop", t.Name)
	}
	defer discardOnError(&ct, &err)
	defer recoverCompile(&err)
	defer r.code.EndOp()

	root := e.Trace.Root()
	ct = newCompiledTrace(t)
	ct.root = root
	c := r.newCompilation(ct)
	a := &traceAssembler{r: r, cb: r.code, ct: ct, c: c}

	mark := r.code.Mark()
	r.code.OpAddrs()
	r.code.Reserve(maxInstLen)
	ct.Entry = r.code.Addr()
	res, err := regalloc.New(a, t.Inputs, t.Ops, false, c.allocConfig(e.Depth)).Run(e.Locs)
	r.code.EndOp()
	if err != nil {
		return nil, err
	}
	ct.EntryLocs = res.Entry
	depth, err := c.emitStubs(res.Depth)
	if err != nil {
		return nil, err
	}
	for _, l := range c.jumps {
		depth = max(depth, l.Depth)
	}
	ct.Depth = depth

	if err := e.tail.Repatch(x86.Imm(int64(ct.Entry))); err != nil {
		return nil, err
	}
	e.Bridge = ct
	ct.Segments = r.code.Since(mark)
	ct.OpAddrs = r.code.OpAddrs()
	c.commit()
	for _, l := range c.jumps {
		l.addJumper(root)
	}
	if err := raiseDepth(root, depth); err != nil {
		return nil, err
	}
	r.bridges++
	r.logf("attached %s to guard %d of %s: depth %d, %d bytes", t.Name, guardID, root.Name, root.Depth, ct.CodeSize())
	return ct, nil
}

// discardOnError drops a half-built trace. Its bytes stay in the code
// buffer but nothing refers to them.
func discardOnError(ct **CompiledTrace, err *error) {
	if *err != nil {
		*ct = nil
	}
}

// raiseDepth grows a root frame to hold depth slots, re-encoding its frame
// adjust, and passes the new depth on to every root that jumps into it.
func raiseDepth(root *CompiledTrace, depth int) error {
	if depth <= root.Depth {
		return nil
	}
	if err := root.frameAdjust.Repatch(rsp, x86.Imm(int64(frameBytes(depth)))); err != nil {
		return err
	}
	root.Depth = depth
	for _, j := range root.jumpers {
		if err := raiseDepth(j, depth); err != nil {
			return err
		}
	}
	return nil
}
