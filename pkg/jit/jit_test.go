//go:build linux && amd64

package jit

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	errs "tracejit/pkg/errors"
	"tracejit/pkg/ir"
	"tracejit/pkg/jit/x86"

	"github.com/google/go-cmp/cmp"
)

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	r, err := NewRuntime(cfg)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Free(); err != nil {
			t.Errorf("Free: %v", err)
		}
	})
	return r
}

func mustCompile(t *testing.T, r *Runtime, tr *ir.Trace) *CompiledTrace {
	t.Helper()
	ct, err := r.CompileLoop(tr)
	if err != nil {
		t.Fatalf("CompileLoop %s: %v", tr.Name, err)
	}
	return ct
}

func mustAttach(t *testing.T, r *Runtime, id int, tr *ir.Trace) *CompiledTrace {
	t.Helper()
	ct, err := r.AttachBridge(id, tr)
	if err != nil {
		t.Fatalf("AttachBridge %s to %d: %v", tr.Name, id, err)
	}
	return ct
}

// run executes ct and returns the failure id with the exit values.
func run(t *testing.T, r *Runtime, ct *CompiledTrace, inputs ...int64) (int, []int64) {
	t.Helper()
	id, err := r.Execute(ct, inputs)
	if err != nil {
		t.Fatalf("Execute %s%v: %v", ct.Name, inputs, err)
	}
	out, err := r.Outputs(id)
	if err != nil {
		t.Fatalf("Outputs(%d): %v", id, err)
	}
	return id, out
}

func guardID(t *testing.T, ct *CompiledTrace, op *ir.Op) int {
	t.Helper()
	id, ok := ct.GuardID(op)
	if !ok {
		t.Fatalf("%s has no id for %s", ct.Name, op)
	}
	return id
}

func floatBits(f float64) int64 { return int64(math.Float64bits(f)) }

// newObject maps zeroed memory outside the Go heap for traces to read and
// write.
func newObject(t *testing.T, size int) ([]byte, int64) {
	t.Helper()
	buf, err := mapData(size)
	if err != nil {
		t.Fatalf("mapData: %v", err)
	}
	t.Cleanup(func() { unmapData(buf) })
	return buf, int64(addrOf(buf))
}

// countingLoop is r = a + inc; guard_true(r < limit) else [r, inc];
// jump(r, inc).
func countingLoop(name string, limit int64) (*ir.Trace, *ir.Op) {
	b := ir.NewBuilder(name)
	a := b.Input(ir.KindInt)
	inc := b.Input(ir.KindInt)
	r := b.Op(ir.OpIntAdd, a, inc)
	lt := b.Op(ir.OpIntLt, r, ir.ConstInt(limit))
	g := b.Guard(ir.OpGuardTrue, []ir.Value{lt}, r, inc)
	return b.Jump(r, inc), g
}

// deepBridge sums twenty values that are all live at once, so most of them
// end up in stack slots.
func deepBridge(name string, extra ...ir.Kind) *ir.Trace {
	b := ir.NewBuilder(name)
	i := b.Input(ir.KindInt)
	for _, k := range extra {
		b.Input(k)
	}
	vs := make([]*ir.Var, 20)
	for k := range vs {
		vs[k] = b.Op(ir.OpIntAdd, i, ir.ConstInt(int64(k)))
	}
	s := vs[0]
	for _, v := range vs[1:] {
		s = b.Op(ir.OpIntAdd, s, v)
	}
	return b.Finish(s)
}

// TestLoopRunsUntilGuardFails tests a loop that keeps adding until its guard
// fails and the exit value reaches the exchange area.
func TestLoopRunsUntilGuardFails(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, g := countingLoop("count", 20)
	ct := mustCompile(t, r, tr)
	id := guardID(t, ct, g)

	tests := []struct {
		a, inc int64
		want   int64
	}{
		{0, 1, 20},
		{5, 5, 20},
		{0, 7, 21},
		{100, 1, 101},
	}
	for _, tt := range tests {
		got, out := run(t, r, ct, tt.a, tt.inc)
		if got != id {
			t.Errorf("count(%d, %d): failure id %d, want %d", tt.a, tt.inc, got, id)
		}
		if out[0] != tt.want || r.ReadOutput(0) != tt.want {
			t.Errorf("count(%d, %d): slot 0 = %d, want %d", tt.a, tt.inc, out[0], tt.want)
		}
	}
}

// TestOverflowGuardKeepsOperands tests that an overflowing add leaves
// through its guard with the operands intact.
func TestOverflowGuardKeepsOperands(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("addovf")
	x := b.Input(ir.KindInt)
	y := b.Input(ir.KindInt)
	s := b.Op(ir.OpIntAddOvf, x, y)
	g := b.Guard(ir.OpGuardNoOverflow, nil, x, y)
	ct := mustCompile(t, r, b.Finish(s))

	id, out := run(t, r, ct, 40, 2)
	if id != ct.FinishID || out[0] != 42 {
		t.Errorf("40+2: id %d out %v, want finish %d with 42", id, out, ct.FinishID)
	}
	id, out = run(t, r, ct, math.MaxInt64, 1)
	if id != guardID(t, ct, g) {
		t.Fatalf("MaxInt64+1: id %d, want the overflow guard", id)
	}
	if diff := cmp.Diff([]int64{math.MaxInt64, 1}, out); diff != "" {
		t.Errorf("guard values (-want +got):\n%s", diff)
	}
}

// TestBridgesOnTwoGuards attaches a shallow and a deep bridge to one loop.
// The loop still runs the same and each guard reaches its own bridge.
func TestBridgesOnTwoGuards(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("two-guards")
	i := b.Input(ir.KindInt)
	n := b.Input(ir.KindInt)
	i2 := b.Op(ir.OpIntAdd, i, ir.ConstInt(1))
	c1 := b.Op(ir.OpIntLt, i2, n)
	g1 := b.Guard(ir.OpGuardTrue, []ir.Value{c1}, i2, n)
	c2 := b.Op(ir.OpIntNe, i2, ir.ConstInt(5))
	g2 := b.Guard(ir.OpGuardTrue, []ir.Value{c2}, i2)
	ct := mustCompile(t, r, b.Jump(i2, n))
	id1, id2 := guardID(t, ct, g1), guardID(t, ct, g2)

	if id, out := run(t, r, ct, 0, 10); id != id2 || out[0] != 5 {
		t.Fatalf("before bridges, (0, 10): id %d out %v", id, out)
	}
	if id, out := run(t, r, ct, 0, 3); id != id1 || out[0] != 3 || out[1] != 3 {
		t.Fatalf("before bridges, (0, 3): id %d out %v", id, out)
	}
	depthBefore := ct.Depth
	exit1, _ := r.Exit(id1)
	if exit1.TailTarget() != r.epilogue {
		t.Errorf("unbridged guard jumps to %#x, epilogue is %#x", exit1.TailTarget(), r.epilogue)
	}

	bb := ir.NewBuilder("shallow")
	bi := bb.Input(ir.KindInt)
	bn := bb.Input(ir.KindInt)
	shallow := mustAttach(t, r, id1, bb.Finish(bb.Op(ir.OpIntMul, bi, ir.ConstInt(100)), bn))
	if ct.Depth != depthBefore {
		t.Errorf("shallow bridge changed depth from %d to %d", depthBefore, ct.Depth)
	}
	deep := mustAttach(t, r, id2, deepBridge("deep"))

	if deep.Depth <= depthBefore {
		t.Fatalf("deep bridge uses %d slots, loop had %d", deep.Depth, depthBefore)
	}
	if ct.Depth < deep.Depth {
		t.Errorf("root depth %d below bridge depth %d", ct.Depth, deep.Depth)
	}
	if got, want := ct.frameAdjust.Operands[1].Imm, int64(frameBytes(ct.Depth)); got != want {
		t.Errorf("frame adjust is %d bytes, want %d", got, want)
	}
	if exit1.TailTarget() != shallow.Entry || exit1.Bridge != shallow {
		t.Errorf("guard %d tail at %#x, bridge entry %#x", id1, exit1.TailTarget(), shallow.Entry)
	}
	if !deep.IsBridge() || deep.Root() != ct {
		t.Errorf("deep bridge root is %v", deep.Root().Name)
	}

	if id, out := run(t, r, ct, 0, 10); id != deep.FinishID || out[0] != 20*5+190 {
		t.Errorf("(0, 10) through deep bridge: id %d out %v", id, out)
	}
	if id, out := run(t, r, ct, 0, 3); id != shallow.FinishID || out[0] != 300 || out[1] != 3 {
		t.Errorf("(0, 3) through shallow bridge: id %d out %v", id, out)
	}
	// passes through the body several times before leaving at guard 2
	if id, out := run(t, r, ct, 2, 100); id != deep.FinishID || out[0] != 290 {
		t.Errorf("(2, 100): id %d out %v", id, out)
	}
}

// TestBridgeJumpsBackIntoLoop tests a bridge that restarts the loop it
// hangs off until its own guard fails.
func TestBridgeJumpsBackIntoLoop(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, g := countingLoop("restart", 20)
	ct := mustCompile(t, r, tr)

	b := ir.NewBuilder("again")
	res := b.Input(ir.KindInt)
	inc := b.Input(ir.KindInt)
	c := b.Op(ir.OpIntLt, inc, ir.ConstInt(4))
	bg := b.Guard(ir.OpGuardTrue, []ir.Value{c}, res, inc)
	inc2 := b.Op(ir.OpIntAdd, inc, ir.ConstInt(1))
	bridge := mustAttach(t, r, guardID(t, ct, g), b.JumpTo(tr.Token, ir.ConstInt(0), inc2))

	id, out := run(t, r, ct, 0, 1)
	if want := guardID(t, bridge, bg); id != want {
		t.Fatalf("id %d, want bridge guard %d", id, want)
	}
	if diff := cmp.Diff([]int64{20, 4}, out); diff != "" {
		t.Errorf("exit values (-want +got):\n%s", diff)
	}
}

// TestBridgeEntryWithRepeatsAndConstants tests a guard whose exit values
// repeat a location and include a constant.
func TestBridgeEntryWithRepeatsAndConstants(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("repeats")
	x := b.Input(ir.KindInt)
	g := b.Guard(ir.OpGuardFalse, []ir.Value{x}, x, x, ir.ConstInt(5))
	ct := mustCompile(t, r, b.Finish(x))
	id := guardID(t, ct, g)

	e, _ := r.Exit(id)
	if len(e.Locs) != 3 || e.Locs[0] != e.Locs[1] || !e.Locs[2].IsImm() {
		t.Fatalf("exit locations %v", e.Locs)
	}

	bb := ir.NewBuilder("sum3")
	p := bb.Input(ir.KindInt)
	q := bb.Input(ir.KindInt)
	k := bb.Input(ir.KindInt)
	pq := bb.Op(ir.OpIntAdd, p, q)
	bridge := mustAttach(t, r, id, bb.Finish(bb.Op(ir.OpIntAdd, pq, k)))

	if id, out := run(t, r, ct, 7); id != bridge.FinishID || out[0] != 19 {
		t.Errorf("id %d out %v, want 19 from the bridge", id, out)
	}
	if id, out := run(t, r, ct, 0); id != ct.FinishID || out[0] != 0 {
		t.Errorf("id %d out %v, want the trace's own finish", id, out)
	}
}

// TestIntegerOps runs each integer op once with variable operands and once
// with a constant right operand.
func TestIntegerOps(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tests := []struct {
		op   ir.Opcode
		x, y int64
		want int64
	}{
		{ir.OpIntAdd, 40, 2, 42},
		{ir.OpIntSub, 2, 40, -38},
		{ir.OpIntMul, -6, 7, -42},
		{ir.OpIntAnd, 0b1100, 0b1010, 0b1000},
		{ir.OpIntOr, 0b1100, 0b1010, 0b1110},
		{ir.OpIntXor, 0b1100, 0b1010, 0b0110},
		{ir.OpIntLshift, 3, 4, 48},
		{ir.OpIntRshift, -16, 2, -4},
		{ir.OpUintRshift, -16, 60, 15},
		{ir.OpIntFloorDiv, 7, 2, 3},
		{ir.OpIntFloorDiv, -7, 2, -3},
		{ir.OpIntMod, 7, 3, 1},
		{ir.OpIntMod, -7, 2, -1},
		{ir.OpIntLt, 1, 2, 1},
		{ir.OpIntLe, 2, 2, 1},
		{ir.OpIntEq, 2, 3, 0},
		{ir.OpIntNe, 2, 3, 1},
		{ir.OpIntGt, -1, 1, 0},
		{ir.OpIntGe, 5, 5, 1},
		{ir.OpUintLt, -1, 1, 0},
		{ir.OpUintLe, 1, -1, 1},
		{ir.OpUintGt, -1, 1, 1},
		{ir.OpUintGe, 0, 1, 0},
		{ir.OpPtrEq, 8, 8, 1},
		{ir.OpPtrNe, 8, 8, 0},
	}
	for _, tt := range tests {
		b := ir.NewBuilder(tt.op.String())
		x := b.Input(ir.KindInt)
		y := b.Input(ir.KindInt)
		withVar := b.Op(tt.op, x, y)
		withConst := b.Op(tt.op, x, ir.ConstInt(tt.y))
		ct := mustCompile(t, r, b.Finish(withVar, withConst))
		_, out := run(t, r, ct, tt.x, tt.y)
		if diff := cmp.Diff([]int64{tt.want, tt.want}, out); diff != "" {
			t.Errorf("%s(%d, %d) (-want +got):\n%s", tt.op, tt.x, tt.y, diff)
		}
	}
}

func TestUnaryOps(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tests := []struct {
		op   ir.Opcode
		x    int64
		want int64
	}{
		{ir.OpIntNeg, 5, -5},
		{ir.OpIntInvert, 0, -1},
		{ir.OpIntIsTrue, 9, 1},
		{ir.OpIntIsTrue, 0, 0},
		{ir.OpIntIsZero, 0, 1},
		{ir.OpIntIsZero, 3, 0},
		{ir.OpSameAs, 77, 77},
	}
	for _, tt := range tests {
		b := ir.NewBuilder(tt.op.String())
		x := b.Input(ir.KindInt)
		ct := mustCompile(t, r, b.Finish(b.Op(tt.op, x), x))
		if _, out := run(t, r, ct, tt.x); out[0] != tt.want || out[1] != tt.x {
			t.Errorf("%s(%d) = %v, want [%d %d]", tt.op, tt.x, out, tt.want, tt.x)
		}
	}
}

func TestFloatOps(t *testing.T) {
	r := newTestRuntime(t, Config{})
	nan := math.NaN()
	tests := []struct {
		op   ir.Opcode
		x, y float64
		want float64
	}{
		{ir.OpFloatAdd, 1.5, 2.25, 3.75},
		{ir.OpFloatSub, 1.5, 2.25, -0.75},
		{ir.OpFloatMul, 1.5, -2, -3},
		{ir.OpFloatTrueDiv, 1, 4, 0.25},
	}
	for _, tt := range tests {
		b := ir.NewBuilder(tt.op.String())
		x := b.Input(ir.KindFloat)
		y := b.Input(ir.KindFloat)
		ct := mustCompile(t, r, b.Finish(b.Op(tt.op, x, y)))
		run(t, r, ct, floatBits(tt.x), floatBits(tt.y))
		if got := r.ReadOutputFloat(0); got != tt.want {
			t.Errorf("%s(%g, %g) = %g, want %g", tt.op, tt.x, tt.y, got, tt.want)
		}
	}

	b := ir.NewBuilder("sign")
	x := b.Input(ir.KindFloat)
	ct := mustCompile(t, r, b.Finish(b.Op(ir.OpFloatNeg, x), b.Op(ir.OpFloatAbs, x), x))
	run(t, r, ct, floatBits(-2.5))
	if neg, abs, orig := r.ReadOutputFloat(0), r.ReadOutputFloat(1), r.ReadOutputFloat(2); neg != 2.5 || abs != 2.5 || orig != -2.5 {
		t.Errorf("neg, abs, x of -2.5 = %g, %g, %g", neg, abs, orig)
	}

	cmps := []struct {
		op   ir.Opcode
		x, y float64
		want int64
	}{
		{ir.OpFloatLt, 1, 2, 1},
		{ir.OpFloatLt, 2, 1, 0},
		{ir.OpFloatLe, 2, 2, 1},
		{ir.OpFloatGt, 3, 2, 1},
		{ir.OpFloatGe, 1, 2, 0},
		{ir.OpFloatEq, 2, 2, 1},
		{ir.OpFloatNe, 2, 2, 0},
		{ir.OpFloatLt, nan, 1, 0},
		{ir.OpFloatLe, 1, nan, 0},
		{ir.OpFloatGt, nan, nan, 0},
		{ir.OpFloatGe, nan, 1, 0},
		{ir.OpFloatEq, nan, nan, 0},
		{ir.OpFloatNe, nan, 1, 1},
	}
	for _, tt := range cmps {
		b := ir.NewBuilder(tt.op.String())
		x := b.Input(ir.KindFloat)
		y := b.Input(ir.KindFloat)
		ct := mustCompile(t, r, b.Finish(b.Op(tt.op, x, y)))
		if _, out := run(t, r, ct, floatBits(tt.x), floatBits(tt.y)); out[0] != tt.want {
			t.Errorf("%s(%g, %g) = %d, want %d", tt.op, tt.x, tt.y, out[0], tt.want)
		}
	}
}

// TestFusedFloatGuard tests that an unordered comparison fails guard_true.
func TestFusedFloatGuard(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("flt-guard")
	x := b.Input(ir.KindFloat)
	y := b.Input(ir.KindFloat)
	lt := b.Op(ir.OpFloatLt, x, y)
	g := b.Guard(ir.OpGuardTrue, []ir.Value{lt}, x)
	ct := mustCompile(t, r, b.Finish(ir.ConstInt(1)))
	id := guardID(t, ct, g)

	if got, _ := run(t, r, ct, floatBits(1), floatBits(2)); got != ct.FinishID {
		t.Errorf("1 < 2 left through %d", got)
	}
	if got, _ := run(t, r, ct, floatBits(3), floatBits(2)); got != id {
		t.Errorf("3 < 2 left through %d, want guard %d", got, id)
	}
	if got, _ := run(t, r, ct, floatBits(math.NaN()), floatBits(2)); got != id {
		t.Errorf("NaN < 2 left through %d, want guard %d", got, id)
	}
	if e, _ := r.Exit(id); e.Kinds[0] != ir.KindFloat {
		t.Errorf("guard exit kinds %v", e.Kinds)
	}
	if !math.IsNaN(r.ReadOutputFloat(0)) {
		t.Errorf("exit value %g, want NaN", r.ReadOutputFloat(0))
	}
}

func TestCasts(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("casts")
	i := b.Input(ir.KindInt)
	f := b.Input(ir.KindFloat)
	ct := mustCompile(t, r, b.Finish(b.Op(ir.OpCastIntToFloat, i), b.Op(ir.OpCastFloatToInt, f)))
	run(t, r, ct, -3, floatBits(-3.9))
	if got := r.ReadOutputFloat(0); got != -3 {
		t.Errorf("cast_int_to_float(-3) = %g", got)
	}
	if got := r.ReadOutput(1); got != -3 {
		t.Errorf("cast_float_to_int(-3.9) = %d, want -3", got)
	}
}

// TestGuards runs each guard once where it holds and once where it fails.
func TestGuards(t *testing.T) {
	r := newTestRuntime(t, Config{})
	obj, addr := newObject(t, 64)
	binary.LittleEndian.PutUint64(obj, 0x1234)

	tests := []struct {
		name      string
		code      ir.Opcode
		kind      ir.Kind
		other     ir.Value
		pass, bad int64
	}{
		{"true", ir.OpGuardTrue, ir.KindInt, nil, 3, 0},
		{"false", ir.OpGuardFalse, ir.KindInt, nil, 0, 1},
		{"nonnull", ir.OpGuardNonnull, ir.KindRef, nil, addr, 0},
		{"isnull", ir.OpGuardIsnull, ir.KindRef, nil, 0, addr},
		{"value", ir.OpGuardValue, ir.KindInt, ir.ConstInt(42), 42, 41},
		{"value-wide", ir.OpGuardValue, ir.KindInt, ir.ConstInt(1 << 40), 1 << 40, 1},
		{"class", ir.OpGuardClass, ir.KindRef, ir.ConstInt(0x1234), addr, addr + 8},
	}
	for _, tt := range tests {
		b := ir.NewBuilder("guard-" + tt.name)
		x := b.Input(tt.kind)
		args := []ir.Value{x}
		if tt.other != nil {
			args = append(args, tt.other)
		}
		g := b.Guard(tt.code, args, x)
		ct := mustCompile(t, r, b.Finish(ir.ConstInt(7)))

		if id, out := run(t, r, ct, tt.pass); id != ct.FinishID || out[0] != 7 {
			t.Errorf("%s(%d): id %d out %v, want finish", tt.name, tt.pass, id, out)
		}
		if id, out := run(t, r, ct, tt.bad); id != guardID(t, ct, g) || out[0] != tt.bad {
			t.Errorf("%s(%d): id %d out %v, want guard", tt.name, tt.bad, id, out)
		}
	}
}

func TestGuardValueWithVariables(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("same")
	x := b.Input(ir.KindInt)
	y := b.Input(ir.KindInt)
	g := b.Guard(ir.OpGuardValue, []ir.Value{x, y}, y)
	ct := mustCompile(t, r, b.Finish(x))
	if id, _ := run(t, r, ct, 9, 9); id != ct.FinishID {
		t.Errorf("9 == 9 failed")
	}
	if id, out := run(t, r, ct, 9, 8); id != guardID(t, ct, g) || out[0] != 8 {
		t.Errorf("9 == 8: id %d out %v", id, out)
	}
}

func TestOverflowVariants(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tests := []struct {
		op       ir.Opcode
		guard    ir.Opcode
		x, y     int64
		wantFail bool
	}{
		{ir.OpIntSubOvf, ir.OpGuardNoOverflow, math.MinInt64, 1, true},
		{ir.OpIntSubOvf, ir.OpGuardNoOverflow, 0, 1, false},
		{ir.OpIntMulOvf, ir.OpGuardNoOverflow, 1 << 62, 4, true},
		{ir.OpIntMulOvf, ir.OpGuardNoOverflow, -3, 4, false},
		{ir.OpIntAddOvf, ir.OpGuardOverflow, 1, 1, true},
		{ir.OpIntAddOvf, ir.OpGuardOverflow, math.MaxInt64, 1, false},
	}
	for _, tt := range tests {
		b := ir.NewBuilder(tt.op.String())
		x := b.Input(ir.KindInt)
		y := b.Input(ir.KindInt)
		res := b.Op(tt.op, x, y)
		g := b.Guard(tt.guard, nil, x)
		ct := mustCompile(t, r, b.Finish(res))
		id, _ := run(t, r, ct, tt.x, tt.y)
		if failed := id == guardID(t, ct, g); failed != tt.wantFail {
			t.Errorf("%s + %s (%d, %d): guard failed = %v", tt.op, tt.guard, tt.x, tt.y, failed)
		}
	}
}

// TestFieldsAndArrays tests loads and stores of every width.
func TestFieldsAndArrays(t *testing.T) {
	r := newTestRuntime(t, Config{})
	obj, addr := newObject(t, 4096)

	for _, size := range []uint8{1, 2, 4, 8} {
		b := ir.NewBuilder("field")
		p := b.Input(ir.KindRef)
		v := b.Input(ir.KindInt)
		store := &ir.FieldDescr{Offset: 16, Size: size, Kind: ir.KindInt}
		b.OpDescr(ir.OpSetField, store, p, v)
		signed := b.OpDescr(ir.OpGetField, &ir.FieldDescr{Offset: 16, Size: size, Signed: true, Kind: ir.KindInt}, p)
		unsigned := b.OpDescr(ir.OpGetField, &ir.FieldDescr{Offset: 16, Size: size, Kind: ir.KindInt}, p)
		ct := mustCompile(t, r, b.Finish(signed, unsigned))

		for i := range obj[:32] {
			obj[i] = 0
		}
		_, out := run(t, r, ct, addr, -1)
		wantUnsigned := int64(-1)
		if size < 8 {
			wantUnsigned = int64(1)<<(8*size) - 1
		}
		if out[0] != -1 || out[1] != wantUnsigned {
			t.Errorf("size %d: signed %d unsigned %d", size, out[0], out[1])
		}
		for i := 16 + int(size); i < 32; i++ {
			if obj[i] != 0 {
				t.Errorf("size %d: store touched byte %d", size, i)
			}
		}
	}

	b := ir.NewBuilder("float-field")
	p := b.Input(ir.KindRef)
	f := b.Input(ir.KindFloat)
	fd := &ir.FieldDescr{Offset: 40, Size: 8, Kind: ir.KindFloat}
	b.OpDescr(ir.OpSetField, fd, p, f)
	ct := mustCompile(t, r, b.Finish(b.OpDescr(ir.OpGetField, fd, p)))
	run(t, r, ct, addr, floatBits(6.5))
	if got := r.ReadOutputFloat(0); got != 6.5 {
		t.Errorf("float field = %g", got)
	}

	ad := &ir.ArrayDescr{BaseOffset: 16, LengthOffset: 8, ItemSize: 4, Signed: true, ItemKind: ir.KindInt}
	binary.LittleEndian.PutUint64(obj[8:], 10)
	b = ir.NewBuilder("array")
	p = b.Input(ir.KindRef)
	i := b.Input(ir.KindInt)
	v := b.Input(ir.KindInt)
	b.OpDescr(ir.OpSetArrayItem, ad, p, i, v)
	b.OpDescr(ir.OpSetArrayItem, ad, p, ir.ConstInt(0), ir.ConstInt(99))
	item := b.OpDescr(ir.OpGetArrayItem, ad, p, i)
	first := b.OpDescr(ir.OpGetArrayItem, ad, p, ir.ConstInt(0))
	n := b.OpDescr(ir.OpArrayLen, ad, p)
	ct = mustCompile(t, r, b.Finish(item, first, n))
	_, out := run(t, r, ct, addr, 3, -7)
	if diff := cmp.Diff([]int64{-7, 99, 10}, out); diff != "" {
		t.Errorf("array (-want +got):\n%s", diff)
	}
	if got := int32(binary.LittleEndian.Uint32(obj[16+4*3:])); got != -7 {
		t.Errorf("item 3 in memory = %d", got)
	}
}

// TestAllocation tests the nursery helper and the header words it fills in.
func TestAllocation(t *testing.T) {
	r := newTestRuntime(t, Config{})
	ad := &ir.ArrayDescr{BaseOffset: 16, LengthOffset: 8, ItemSize: 8, ItemKind: ir.KindInt}
	b := ir.NewBuilder("alloc")
	n := b.Input(ir.KindInt)
	v := b.Input(ir.KindInt)
	obj := b.OpDescr(ir.OpNewWithVtable, &ir.SizeDescr{Size: 24}, ir.ConstInt(0xabc))
	b.OpDescr(ir.OpSetField, &ir.FieldDescr{Offset: 8, Size: 8, Kind: ir.KindInt}, obj, v)
	arr := b.OpDescr(ir.OpNewArray, ad, n)
	b.OpDescr(ir.OpSetArrayItem, ad, arr, ir.ConstInt(1), v)
	plain := b.OpDescr(ir.OpNew, &ir.SizeDescr{Size: 8})
	vt := b.OpDescr(ir.OpGetField, &ir.FieldDescr{Offset: 0, Size: 8, Kind: ir.KindInt}, obj)
	fv := b.OpDescr(ir.OpGetField, &ir.FieldDescr{Offset: 8, Size: 8, Kind: ir.KindInt}, obj)
	length := b.OpDescr(ir.OpArrayLen, ad, arr)
	item0 := b.OpDescr(ir.OpGetArrayItem, ad, arr, ir.ConstInt(0))
	item1 := b.OpDescr(ir.OpGetArrayItem, ad, arr, ir.ConstInt(1))
	ct := mustCompile(t, r, b.Finish(vt, fv, length, item0, item1, obj, arr, plain))

	_, out := run(t, r, ct, 4, 55)
	if diff := cmp.Diff([]int64{0xabc, 55, 4, 0, 55}, out[:5]); diff != "" {
		t.Errorf("object contents (-want +got):\n%s", diff)
	}
	lo, hi := int64(addrOf(r.nursery)), int64(addrOf(r.nursery)+uintptr(len(r.nursery)))
	for _, p := range out[5:] {
		if p < lo || p >= hi || p%8 != 0 {
			t.Errorf("object at %#x outside nursery [%#x, %#x)", p, lo, hi)
		}
	}
	if out[6]-out[5] != 24 || out[7]-out[6] != 16+4*8 {
		t.Errorf("objects not bump allocated: %#x %#x %#x", out[5], out[6], out[7])
	}
	if used := r.Stats().NurseryUsed; used != 24+48+8 {
		t.Errorf("NurseryUsed = %d, want 80", used)
	}
	r.ResetNursery()
	if used := r.Stats().NurseryUsed; used != 0 {
		t.Errorf("NurseryUsed after reset = %d", used)
	}
}

func TestAllocationFailure(t *testing.T) {
	r := newTestRuntime(t, Config{NurserySize: 4096})
	ad := &ir.ArrayDescr{BaseOffset: 16, LengthOffset: 8, ItemSize: 8, ItemKind: ir.KindInt}
	b := ir.NewBuilder("too-big")
	n := b.Input(ir.KindInt)
	ct := mustCompile(t, r, b.Finish(b.OpDescr(ir.OpNewArray, ad, n)))

	if _, err := r.Execute(ct, []int64{10}); err != nil {
		t.Fatalf("small array: %v", err)
	}
	id, err := r.Execute(ct, []int64{1 << 20})
	if !errors.Is(err, ErrMemoryError) || id != ExitMemoryError {
		t.Errorf("huge array: id %d err %v", id, err)
	}
}

// addHelper returns the address of a native routine adding its integer
// arguments.
func addHelper(t *testing.T, r *Runtime, nargs int) uintptr {
	t.Helper()
	addr, err := r.AssembleHelper(func(cb *CodeBuffer) {
		rax := x86.RegLoc(x86.RAX)
		cb.Emit(x86.XOR, rax, rax)
		for i := 0; i < nargs; i++ {
			if i < len(x86.IntArgRegs) {
				cb.Emit(x86.ADD, rax, x86.RegLoc(x86.IntArgRegs[i]))
			} else {
				cb.Emit(x86.ADD, rax, x86.Addr(x86.RSP, int64(8*(i-len(x86.IntArgRegs)+1))))
			}
		}
		cb.Emit(x86.RET)
	})
	if err != nil {
		t.Fatalf("AssembleHelper: %v", err)
	}
	return addr
}

func TestCalls(t *testing.T) {
	r := newTestRuntime(t, Config{})
	for _, nargs := range []int{2, 6, 7, 8, 9} {
		fn := addHelper(t, r, nargs)
		b := ir.NewBuilder("call")
		x := b.Input(ir.KindInt)
		args := make([]ir.Value, nargs)
		kinds := make([]ir.Kind, nargs)
		var want int64
		for i := range args {
			args[i] = b.Op(ir.OpIntAdd, x, ir.ConstInt(int64(i)))
			kinds[i] = ir.KindInt
			want += 10 + int64(i)
		}
		res := b.Call(ir.ConstInt(int64(fn)), &ir.CallDescr{Args: kinds, Result: ir.KindInt}, args...)
		ct := mustCompile(t, r, b.Finish(res, x))
		if _, out := run(t, r, ct, 10); out[0] != want || out[1] != 10 {
			t.Errorf("%d args: got %v, want [%d 10]", nargs, out, want)
		}
	}

	fadd, err := r.AssembleHelper(func(cb *CodeBuffer) {
		cb.Emit(x86.ADDSD, x86.RegLoc(x86.XMM0), x86.RegLoc(x86.XMM1))
		cb.Emit(x86.RET)
	})
	if err != nil {
		t.Fatal(err)
	}
	b := ir.NewBuilder("fcall")
	x := b.Input(ir.KindFloat)
	y := b.Input(ir.KindFloat)
	res := b.Call(ir.ConstInt(int64(fadd)), &ir.CallDescr{Args: []ir.Kind{ir.KindFloat, ir.KindFloat}, Result: ir.KindFloat}, x, y)
	ct := mustCompile(t, r, b.Finish(res, x))
	run(t, r, ct, floatBits(1.25), floatBits(2))
	if got, keep := r.ReadOutputFloat(0), r.ReadOutputFloat(1); got != 3.25 || keep != 1.25 {
		t.Errorf("float call = %g, x = %g", got, keep)
	}
}

// TestCallRoots tests that a reference live across a call shows up in the
// call site's GC map.
func TestCallRoots(t *testing.T) {
	r := newTestRuntime(t, Config{})
	fn := addHelper(t, r, 1)
	b := ir.NewBuilder("roots")
	p := b.Input(ir.KindRef)
	x := b.Input(ir.KindInt)
	res := b.Call(ir.ConstInt(int64(fn)), &ir.CallDescr{Args: []ir.Kind{ir.KindInt}, Result: ir.KindInt}, x)
	ct := mustCompile(t, r, b.Finish(res, p))

	sites := ct.CallSites()
	if len(sites) != 1 {
		t.Fatalf("%d call sites, want 1", len(sites))
	}
	m, ok := ct.RootsAt(sites[0])
	if !ok {
		t.Fatal("no GC map at the call site")
	}
	if n := len(m.Slots.Ones()) + len(m.Regs); n != 1 {
		t.Errorf("GC map holds %d roots, want 1: slots %v regs %v", n, m.Slots, m.Regs)
	}
	if rm, ok := r.Roots(sites[0]); !ok || rm != m {
		t.Error("runtime does not know the call site")
	}
	for _, reg := range m.Regs {
		if x86.IsCallerSaved(reg) {
			t.Errorf("root in caller-saved %s", reg)
		}
	}
	if _, out := run(t, r, ct, 0x1000, 4); out[0] != 4 || out[1] != 0x1000 {
		t.Errorf("got %v", out)
	}
}

// raiseHelper returns a routine that sets the pending exception to
// (typ, 99).
func raiseHelper(t *testing.T, r *Runtime, typ int64) uintptr {
	t.Helper()
	addr, err := r.AssembleHelper(func(cb *CodeBuffer) {
		cb.Emit(x86.MOV, x86.RegLoc(x86.Scratch), x86.Imm(int64(r.DataAddr(0))))
		cb.Emit(x86.MOV, x86.Addr(x86.Scratch, DataExcType), x86.Imm(typ))
		cb.Emit(x86.MOV, x86.Addr(x86.Scratch, DataExcValue), x86.Imm(99))
		cb.Emit(x86.RET)
	})
	if err != nil {
		t.Fatalf("AssembleHelper: %v", err)
	}
	return addr
}

func TestExceptions(t *testing.T) {
	r := newTestRuntime(t, Config{})
	raise := ir.ConstInt(int64(raiseHelper(t, r, 77)))
	quiet := ir.ConstInt(int64(addHelper(t, r, 0)))
	raising := &ir.CallDescr{Result: ir.KindInt, CanRaise: true}

	t.Run("no_exception fails", func(t *testing.T) {
		b := ir.NewBuilder("noexc-fail")
		x := b.Input(ir.KindInt)
		b.Call(raise, raising)
		g := b.Guard(ir.OpGuardNoException, nil, x)
		ct := mustCompile(t, r, b.Finish(x))
		if id, out := run(t, r, ct, 5); id != guardID(t, ct, g) || out[0] != 5 {
			t.Errorf("id %d out %v", id, out)
		}
		if typ, val := r.SavedException(); typ != 77 || val != 99 {
			t.Errorf("saved exception (%d, %d)", typ, val)
		}
		if typ, val := r.Exception(); typ != 0 || val != 0 {
			t.Errorf("pending exception (%d, %d) after the guard", typ, val)
		}
		r.ClearSavedException()
	})

	t.Run("no_exception holds", func(t *testing.T) {
		b := ir.NewBuilder("noexc-pass")
		x := b.Input(ir.KindInt)
		b.Call(quiet, raising)
		b.Guard(ir.OpGuardNoException, nil, x)
		ct := mustCompile(t, r, b.Finish(x))
		if id, _ := run(t, r, ct, 5); id != ct.FinishID {
			t.Errorf("id %d, want finish", id)
		}
	})

	t.Run("exception caught", func(t *testing.T) {
		b := ir.NewBuilder("exc-catch")
		b.Call(raise, raising)
		g := b.Guard(ir.OpGuardException, []ir.Value{ir.ConstInt(77)})
		ct := mustCompile(t, r, b.Finish(g.Result))
		if id, out := run(t, r, ct); id != ct.FinishID || out[0] != 99 {
			t.Errorf("id %d out %v", id, out)
		}
		if typ, _ := r.Exception(); typ != 0 {
			t.Errorf("exception still pending: %d", typ)
		}
	})

	t.Run("exception of another class", func(t *testing.T) {
		b := ir.NewBuilder("exc-other")
		b.Call(raise, raising)
		g := b.Guard(ir.OpGuardException, []ir.Value{ir.ConstInt(5)})
		ct := mustCompile(t, r, b.Finish(g.Result))
		if id, _ := run(t, r, ct); id != guardID(t, ct, g) {
			t.Errorf("id %d, want guard", id)
		}
		if typ, val := r.SavedException(); typ != 77 || val != 99 {
			t.Errorf("saved exception (%d, %d)", typ, val)
		}
		r.ClearSavedException()
	})

	t.Run("unguarded", func(t *testing.T) {
		b := ir.NewBuilder("unguarded")
		b.Call(raise, raising)
		_, err := r.CompileLoop(b.Finish())
		if !errors.Is(err, errs.ErrUnguardedCall) {
			t.Errorf("err = %v, want ErrUnguardedCall", err)
		}
	})
}

func TestAssertNoException(t *testing.T) {
	r := newTestRuntime(t, Config{AssertNoException: true})
	b := ir.NewBuilder("liar")
	b.Call(ir.ConstInt(int64(raiseHelper(t, r, 3))), &ir.CallDescr{Result: ir.KindInt})
	ct := mustCompile(t, r, b.Finish())
	id, err := r.Execute(ct, nil)
	if !errors.Is(err, ErrInternalError) || id != ExitInternalError {
		t.Errorf("id %d err %v", id, err)
	}
}

// TestFailurePath tests code that runs after a guard fails and before the
// exit.
func TestFailurePath(t *testing.T) {
	r := newTestRuntime(t, Config{})
	b := ir.NewBuilder("failpath")
	x := b.Input(ir.KindInt)
	y := b.Input(ir.KindInt)
	g := b.Guard(ir.OpGuardTrue, []ir.Value{x}, x, y)
	tripled := b.NewVar(ir.KindInt)
	g.FailPath = []*ir.Op{
		{Code: ir.OpIntMul, Args: []ir.Value{y, ir.ConstInt(3)}, Result: tripled},
		{Code: ir.OpFinish, Args: []ir.Value{tripled, x}},
	}
	ct := mustCompile(t, r, b.Finish(y))
	id := guardID(t, ct, g)

	if got, out := run(t, r, ct, 1, 4); got != ct.FinishID || out[0] != 4 {
		t.Errorf("guard holds: id %d out %v", got, out)
	}
	if got, out := run(t, r, ct, 0, 4); got != id || out[0] != 12 || out[1] != 0 {
		t.Errorf("guard fails: id %d out %v", got, out)
	}

	// a bridge takes over from the failure path's exit
	bb := ir.NewBuilder("after-failpath")
	p := bb.Input(ir.KindInt)
	q := bb.Input(ir.KindInt)
	bridge := mustAttach(t, r, id, bb.Finish(bb.Op(ir.OpIntSub, p, q)))
	if got, out := run(t, r, ct, 0, 4); got != bridge.FinishID || out[0] != 12 {
		t.Errorf("through bridge: id %d out %v", got, out)
	}
}

// TestJumpToAnotherLoop tests entering a loop from another trace and that
// frame growth of the target reaches the trace that jumps to it.
func TestJumpToAnotherLoop(t *testing.T) {
	r := newTestRuntime(t, Config{})
	loop, g := countingLoop("target", 20)
	target := mustCompile(t, r, loop)

	b := ir.NewBuilder("entry")
	x := b.Input(ir.KindInt)
	y := b.Op(ir.OpIntMul, x, ir.ConstInt(2))
	entry := mustCompile(t, r, b.JumpTo(loop.Token, y, ir.ConstInt(1)))

	if entry.Depth < target.Depth {
		t.Errorf("entry depth %d below target depth %d", entry.Depth, target.Depth)
	}
	if id, out := run(t, r, entry, 3); id != guardID(t, target, g) || out[0] != 20 {
		t.Errorf("id %d out %v", id, out)
	}

	deep := mustAttach(t, r, guardID(t, target, g), deepBridge("deep", ir.KindInt))
	if target.Depth < deep.Depth || entry.Depth < target.Depth {
		t.Errorf("depths after bridge: target %d entry %d bridge %d", target.Depth, entry.Depth, deep.Depth)
	}
	if got, want := entry.frameAdjust.Operands[1].Imm, int64(frameBytes(entry.Depth)); got != want {
		t.Errorf("entry frame adjust %d, want %d", got, want)
	}
	if id, out := run(t, r, entry, 3); id != deep.FinishID || out[0] != 20*20+190 {
		t.Errorf("through bridge: id %d out %v", id, out)
	}
}

func TestAttachBridgeErrors(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, g := countingLoop("errs", 10)
	ct := mustCompile(t, r, tr)
	id := guardID(t, ct, g)

	finish := func(name string, kinds ...ir.Kind) *ir.Trace {
		b := ir.NewBuilder(name)
		var in []ir.Value
		for _, k := range kinds {
			in = append(in, b.Input(k))
		}
		return b.Finish(in...)
	}

	if _, err := r.AttachBridge(999, finish("x", ir.KindInt, ir.KindInt)); !errors.Is(err, errs.ErrUnknownGuard) {
		t.Errorf("unknown id: %v", err)
	}
	if _, err := r.AttachBridge(id, finish("short", ir.KindInt)); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("input count mismatch: %v", err)
	}
	if _, err := r.AttachBridge(id, finish("kinds", ir.KindInt, ir.KindFloat)); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("kind mismatch: %v", err)
	}
	b := ir.NewBuilder("self")
	p := b.Input(ir.KindInt)
	q := b.Input(ir.KindInt)
	if _, err := r.AttachBridge(id, b.Jump(p, q)); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("bridge jumping to itself: %v", err)
	}

	mustAttach(t, r, id, finish("ok", ir.KindInt, ir.KindInt))
	if _, err := r.AttachBridge(id, finish("again", ir.KindInt, ir.KindInt)); !errors.Is(err, errs.ErrBridgeAttached) {
		t.Errorf("second bridge: %v", err)
	}

	b = ir.NewBuilder("fin")
	ct2 := mustCompile(t, r, b.Finish())
	if _, err := r.AttachBridge(ct2.FinishID, finish("y")); !errors.Is(err, errs.ErrUnknownGuard) {
		t.Errorf("bridge on a finish: %v", err)
	}
	if _, err := r.AttachBridge(999, finish("z")); !errs.IsCompileError(err) {
		t.Errorf("%v is not a compile error", err)
	}
}

func TestCompileErrors(t *testing.T) {
	r := newTestRuntime(t, Config{MaxFrameSlots: 4})
	if _, err := r.CompileLoop(deepBridge("spills")); !errors.Is(err, errs.ErrFrameTooDeep) {
		t.Errorf("deep frame: %v", err)
	}
	if _, err := r.CompileLoop(ir.NewTrace("empty", nil, nil)); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("empty trace: %v", err)
	}

	tr, _ := countingLoop("twice", 10)
	mustCompile(t, r, tr)
	if _, err := r.CompileLoop(tr); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("second compile of one loop: %v", err)
	}

	b := ir.NewBuilder("nowhere")
	x := b.Input(ir.KindInt)
	if _, err := r.CompileLoop(b.JumpTo(&ir.LoopToken{Name: "missing"}, x)); !errors.Is(err, errs.ErrInvalidTrace) {
		t.Errorf("jump to unknown loop: %v", err)
	}

	r.SetEnabled(false)
	tr2, _ := countingLoop("off", 10)
	if _, err := r.CompileLoop(tr2); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled: %v", err)
	}
}

// TestCodeSpansPages tests a trace longer than one code page.
func TestCodeSpansPages(t *testing.T) {
	r := newTestRuntime(t, Config{PageSize: 1024})
	b := ir.NewBuilder("long")
	x := b.Input(ir.KindInt)
	v := x
	for i := 0; i < 300; i++ {
		v = b.Op(ir.OpIntAdd, v, ir.ConstInt(1))
	}
	g := b.Guard(ir.OpGuardValue, []ir.Value{v, ir.ConstInt(300)}, v)
	ct := mustCompile(t, r, b.Finish(v))

	if len(ct.Segments) < 2 {
		t.Errorf("trace fits in %d segment", len(ct.Segments))
	}
	if r.Stats().CodePages < 2 {
		t.Errorf("CodePages = %d", r.Stats().CodePages)
	}
	if id, out := run(t, r, ct, 0); id != ct.FinishID || out[0] != 300 {
		t.Errorf("id %d out %v", id, out)
	}
	if id, out := run(t, r, ct, 1); id != guardID(t, ct, g) || out[0] != 301 {
		t.Errorf("id %d out %v", id, out)
	}
}

// TestOpsStayOnOnePage tests that page links fall between ops when calls
// with stack arguments fill several small pages.
func TestOpsStayOnOnePage(t *testing.T) {
	r := newTestRuntime(t, Config{PageSize: 8192})
	fn := ir.ConstInt(int64(addHelper(t, r, 9)))
	kinds := make([]ir.Kind, 9)
	for i := range kinds {
		kinds[i] = ir.KindInt
	}
	b := ir.NewBuilder("wide-calls")
	x := b.Input(ir.KindInt)
	sum := x
	for k := 0; k < 24; k++ {
		args := make([]ir.Value, len(kinds))
		for i := range args {
			args[i] = b.Op(ir.OpIntAdd, sum, ir.ConstInt(int64(i)))
		}
		sum = b.Call(fn, &ir.CallDescr{Args: kinds, Result: ir.KindInt}, args...)
		for i := 0; i < 60; i++ {
			sum = b.Op(ir.OpIntAdd, sum, ir.ConstInt(1))
		}
	}
	want := func(x int64) int64 {
		s := x
		for k := 0; k < 24; k++ {
			s = 9*s + 36 + 60
		}
		return s
	}
	g := b.Guard(ir.OpGuardValue, []ir.Value{sum, ir.ConstInt(want(2))}, x, sum)
	tr := b.Finish(sum)
	ct := mustCompile(t, r, tr)

	if len(ct.Segments) < 2 {
		t.Fatalf("trace fits in %d segment", len(ct.Segments))
	}
	segment := func(addr uintptr) int {
		for i, s := range ct.Segments {
			if addr >= s.Addr && addr < s.Addr+uintptr(len(s.Code)) {
				return i
			}
		}
		return -1
	}
	for i := 0; i+1 < len(tr.Ops); i++ {
		from, to := segment(ct.OpAddrs[i]), segment(ct.OpAddrs[i+1])
		if from < 0 || to < 0 {
			t.Fatalf("op %d or %d lies outside the trace's code", i, i+1)
		}
		if from != to && ct.OpAddrs[i+1] != ct.Segments[to].Addr {
			t.Errorf("op %d (%s) continues past a page link", i, tr.Ops[i].Code)
		}
	}

	if id, out := run(t, r, ct, 2); id != ct.FinishID || out[0] != want(2) {
		t.Errorf("id %d out %v, want [%d]", id, out, want(2))
	}
	if id, out := run(t, r, ct, 3); id != guardID(t, ct, g) || out[0] != 3 || out[1] != want(3) {
		t.Errorf("id %d out %v, want [3 %d]", id, out, want(3))
	}
}

func TestDisassembleTrace(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, _ := countingLoop("dis", 10)
	ct := mustCompile(t, r, tr)
	var lines []string
	for _, s := range ct.Segments {
		lines = append(lines, x86.Disassemble(s.Code, s.Addr)...)
	}
	if len(lines) == 0 || !strings.Contains(lines[0], "push rbp") {
		t.Fatalf("trace starts with %q", lines)
	}
	for _, l := range lines {
		if strings.Contains(l, "(bad)") {
			t.Errorf("undecodable instruction: %s", l)
		}
	}
	if len(ct.OpAddrs) != len(tr.Ops) {
		t.Errorf("%d op addresses for %d ops", len(ct.OpAddrs), len(tr.Ops))
	}
}

func TestStats(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, g := countingLoop("stats", 10)
	ct := mustCompile(t, r, tr)
	b := ir.NewBuilder("b")
	mustAttach(t, r, guardID(t, ct, g), b.Finish(b.Input(ir.KindInt), b.Input(ir.KindInt)))

	s := r.Stats()
	if s.TracesCompiled != 1 || s.BridgesAttached != 1 || !s.Enabled || s.CodeBytes == 0 {
		t.Errorf("Stats = %+v", s)
	}
	var nilRuntime *Runtime
	if nilRuntime.Stats() != (Stats{}) || nilRuntime.Enabled() {
		t.Error("nil runtime reports activity")
	}
}

// TestUseAfterFree tests that a freed runtime reports ErrFreed instead of
// touching unmapped memory.
func TestUseAfterFree(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tr, _ := countingLoop("freed", 10)
	ct := mustCompile(t, r, tr)
	id, _ := run(t, r, ct, 0, 1)
	if err := r.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if _, err := r.Execute(ct, []int64{0, 1}); !errors.Is(err, ErrFreed) {
		t.Errorf("Execute: %v", err)
	}
	if _, err := r.Outputs(id); !errors.Is(err, ErrFreed) {
		t.Errorf("Outputs: %v", err)
	}
	again, _ := countingLoop("again", 10)
	if _, err := r.CompileLoop(again); !errors.Is(err, ErrFreed) {
		t.Errorf("CompileLoop: %v", err)
	}
	b := ir.NewBuilder("late")
	if _, err := r.AttachBridge(ct.GuardIDs[0], b.Finish(b.Input(ir.KindInt), b.Input(ir.KindInt))); !errors.Is(err, ErrFreed) {
		t.Errorf("AttachBridge: %v", err)
	}
	if _, err := r.AssembleHelper(func(cb *CodeBuffer) { cb.Emit(x86.RET) }); !errors.Is(err, ErrFreed) {
		t.Errorf("AssembleHelper: %v", err)
	}

	r.SetInput(0, 5)
	if got := r.ReadOutput(0); got != 0 {
		t.Errorf("ReadOutput = %d after Free", got)
	}
	if typ, val := r.Exception(); typ != 0 || val != 0 {
		t.Errorf("Exception = %d, %d after Free", typ, val)
	}
	r.ResetNursery()
	if s := r.Stats(); s.TracesCompiled != 1 || s.NurseryUsed != 0 {
		t.Errorf("Stats = %+v", s)
	}
	if err := r.Free(); err != nil {
		t.Errorf("second Free: %v", err)
	}
}
