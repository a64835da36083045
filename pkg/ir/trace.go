package ir

import (
	"fmt"
	"strings"

	errs "tracejit/pkg/errors"
)

// Op is one IR operation.
type Op struct {
	Code   Opcode
	Args   []Value
	Result *Var
	Descr  Descr

	// Guards only: the values snapshotted when the guard fails, and an
	// optional failure path run before leaving. An empty FailPath means an
	// implicit finish(FailArgs...).
	FailArgs []Value
	FailPath []*Op

	// Jump only: nil jumps back to the enclosing trace's own entry.
	Target *LoopToken
}

// LoopToken names a compiled loop so other traces can jump to it.
type LoopToken struct {
	Name string
}

// Trace is a linear op sequence entered with Inputs bound.
type Trace struct {
	Name   string
	Token  *LoopToken
	Inputs []*Var
	Ops    []*Op
}

// NewTrace creates a trace with its own loop token.
func NewTrace(name string, inputs []*Var, ops []*Op) *Trace {
	return &Trace{Name: name, Token: &LoopToken{Name: name}, Inputs: inputs, Ops: ops}
}

// ResultKind is the kind an op's result variable must have, or KindVoid if
// the op produces nothing.
func (op *Op) ResultKind() Kind {
	if k := opTable[op.Code].result; k != KindVoid {
		return k
	}
	switch op.Code {
	case OpGetField:
		if d, ok := op.Descr.(*FieldDescr); ok {
			return d.Kind
		}
	case OpGetArrayItem:
		if d, ok := op.Descr.(*ArrayDescr); ok {
			return d.ItemKind
		}
	case OpSameAs:
		if len(op.Args) == 1 && op.Args[0] != nil {
			return op.Args[0].Kind()
		}
	case OpCall:
		if d, ok := op.Descr.(*CallDescr); ok {
			return d.Result
		}
	}
	return KindVoid
}

// IsLoopBack reports whether op is a jump to the entry of t itself.
func (t *Trace) IsLoopBack(op *Op) bool {
	return op.Code == OpJump && (op.Target == nil || op.Target == t.Token)
}

// Last returns the final op.
func (t *Trace) Last() *Op {
	if len(t.Ops) == 0 {
		return nil
	}
	return t.Ops[len(t.Ops)-1]
}

func (op *Op) String() string {
	var sb strings.Builder
	if op.Result != nil {
		fmt.Fprintf(&sb, "%s = ", op.Result)
	}
	sb.WriteString(op.Code.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(op.Descr.String())
	}
	sb.WriteByte(')')
	if op.Code.IsGuard() {
		sb.WriteString(" [")
		for i, a := range op.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.String())
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "trace %s(", t.Name)
	for i, v := range t.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteString(")\n")
	for _, op := range t.Ops {
		sb.WriteString("  ")
		sb.WriteString(op.String())
		sb.WriteByte('\n')
		for _, sub := range op.FailPath {
			sb.WriteString("      ")
			sb.WriteString(sub.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Validate checks the structural rules the backend relies on.
func Validate(t *Trace) error {
	if len(t.Ops) == 0 {
		return errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s has no operations", t.Name)
	}
	defined := make(map[*Var]bool, len(t.Inputs)+len(t.Ops))
	for _, v := range t.Inputs {
		if v == nil {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s: nil input", t.Name)
		}
		if defined[v] {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s: input %s bound twice", t.Name, v)
		}
		defined[v] = true
	}
	if err := validateOps(t.Ops, defined, false); err != nil {
		return errs.WrapCompileError(err, "trace "+t.Name)
	}
	last := t.Last()
	if t.IsLoopBack(last) {
		if len(last.Args) != len(t.Inputs) {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s: jump passes %d values, loop takes %d", t.Name, len(last.Args), len(t.Inputs))
		}
		for i, a := range last.Args {
			if a.Kind() != t.Inputs[i].Kind() {
				return errs.CompileErrorf(errs.ErrInvalidTrace, "trace %s: jump arg %d is %s, loop input is %s", t.Name, i, a.Kind(), t.Inputs[i].Kind())
			}
		}
	}
	return nil
}

func validateOps(ops []*Op, defined map[*Var]bool, inFailPath bool) error {
	use := func(i int, v Value) error {
		if v == nil {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d: nil argument", i)
		}
		if vv := AsVar(v); vv != nil && !defined[vv] {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): %s used before definition", i, ops[i].Code, vv)
		}
		return nil
	}

	for i, op := range ops {
		if op.Code <= OpInvalid || op.Code >= numOpcodes {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d: bad opcode %d", i, op.Code)
		}
		if op.Code.IsFinal() != (i == len(ops)-1) {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): control transfer must be last and only last", i, op.Code)
		}
		if n := op.Code.Arity(); n >= 0 && len(op.Args) != n {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): want %d args, got %d", i, op.Code, n, len(op.Args))
		}
		for j, a := range op.Args {
			if err := use(i, a); err != nil {
				return err
			}
			if !argKindOK(op, j, a) {
				return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): argument %s has wrong kind %s", i, op.Code, a, a.Kind())
			}
		}
		if err := checkDescr(i, op); err != nil {
			return err
		}

		if rk := op.ResultKind(); rk == KindVoid {
			if op.Result != nil {
				return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): unexpected result %s", i, op.Code, op.Result)
			}
		} else if op.Result == nil {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): missing %s result", i, op.Code, rk)
		} else if op.Result.Kind() != rk {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): result %s should be %s", i, op.Code, op.Result, rk)
		}

		if op.Code.IsGuard() {
			if inFailPath {
				return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): guards cannot appear in a failure path", i, op.Code)
			}
			if err := checkGuardPlacement(ops, i); err != nil {
				return err
			}
			sub := make(map[*Var]bool)
			for _, a := range op.FailArgs {
				if err := use(i, a); err != nil {
					return err
				}
				if vv := AsVar(a); vv != nil {
					sub[vv] = true
				}
			}
			if len(op.FailPath) > 0 {
				if last := op.FailPath[len(op.FailPath)-1]; last.Code != OpFinish {
					return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): failure path must end in finish", i, op.Code)
				}
				if err := validateOps(op.FailPath, sub, true); err != nil {
					return errs.WrapCompileError(err, fmt.Sprintf("failure path of op %d", i))
				}
			}
		} else if len(op.FailArgs) > 0 || len(op.FailPath) > 0 {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): only guards carry fail args", i, op.Code)
		}

		if op.Code == OpCall {
			d := op.Descr.(*CallDescr)
			if d.CanRaise && (i+1 >= len(ops) || !ops[i+1].Code.IsExceptionGuard()) {
				return errs.CompileErrorf(errs.ErrUnguardedCall, "op %d (%s)", i, op.Code)
			}
		}
		if op.Code.IsOvf() && (i+1 >= len(ops) || !ops[i+1].Code.IsOverflowGuard()) {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): must be followed by an overflow guard", i, op.Code)
		}

		if op.Result != nil {
			if defined[op.Result] {
				return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): %s defined twice", i, op.Code, op.Result)
			}
			defined[op.Result] = true
		}
	}
	return nil
}

func argKindOK(op *Op, j int, a Value) bool {
	isFloat := a.Kind() == KindFloat
	switch {
	case op.Code.FloatArgs():
		return isFloat
	case op.Code.IsFinal(), op.Code == OpCall, op.Code == OpSameAs:
		return true
	case op.Code == OpSetField && j == 1, op.Code == OpSetArrayItem && j == 2:
		return true
	}
	return !isFloat
}

func checkGuardPlacement(ops []*Op, i int) error {
	op := ops[i]
	switch {
	case op.Code.IsExceptionGuard():
		if i == 0 || !ops[i-1].Code.IsCall() || ops[i-1].Code.IsAlloc() {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): must follow a call", i, op.Code)
		}
	case op.Code.IsOverflowGuard():
		if i == 0 || !ops[i-1].Code.IsOvf() {
			return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): must follow an _ovf op", i, op.Code)
		}
	}
	return nil
}

func checkDescr(i int, op *Op) error {
	bad := func(what string) error {
		return errs.CompileErrorf(errs.ErrInvalidTrace, "op %d (%s): %s", i, op.Code, what)
	}
	switch op.Code {
	case OpGetField, OpSetField:
		d, ok := op.Descr.(*FieldDescr)
		if !ok {
			return bad("needs a field descriptor")
		}
		if !validItemSize(d.Size) || (d.Kind == KindFloat && d.Size != 8) {
			return bad(fmt.Sprintf("bad field size %d", d.Size))
		}
		if op.Code == OpSetField && op.Args[1].Kind() != d.Kind {
			return bad(fmt.Sprintf("stores %s into %s field", op.Args[1].Kind(), d.Kind))
		}
	case OpGetArrayItem, OpSetArrayItem, OpArrayLen, OpNewArray:
		d, ok := op.Descr.(*ArrayDescr)
		if !ok {
			return bad("needs an array descriptor")
		}
		if !validItemSize(d.ItemSize) || (d.ItemKind == KindFloat && d.ItemSize != 8) {
			return bad(fmt.Sprintf("bad item size %d", d.ItemSize))
		}
		if op.Code == OpSetArrayItem && op.Args[2].Kind() != d.ItemKind {
			return bad(fmt.Sprintf("stores %s into %s array", op.Args[2].Kind(), d.ItemKind))
		}
	case OpNew, OpNewWithVtable:
		d, ok := op.Descr.(*SizeDescr)
		if !ok || d.Size <= 0 {
			return bad("needs a positive size descriptor")
		}
		if op.Code == OpNewWithVtable && d.Size < 8 {
			return bad("object too small for a vtable")
		}
	case OpCall:
		d, ok := op.Descr.(*CallDescr)
		if !ok {
			return bad("needs a call descriptor")
		}
		if len(op.Args) < 1 {
			return bad("missing function address")
		}
		if len(op.Args)-1 != len(d.Args) {
			return bad(fmt.Sprintf("signature takes %d args, got %d", len(d.Args), len(op.Args)-1))
		}
		for j, a := range op.Args[1:] {
			if (a.Kind() == KindFloat) != (d.Args[j] == KindFloat) {
				return bad(fmt.Sprintf("arg %d is %s, signature says %s", j, a.Kind(), d.Args[j]))
			}
		}
	default:
		if op.Descr != nil {
			return bad("unexpected descriptor")
		}
	}
	return nil
}
