package ir

// Builder assembles a trace op by op, numbering variables as it goes.
type Builder struct {
	name   string
	nextID int
	inputs []*Var
	ops    []*Op
	last   *Op
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// NewVar returns a fresh variable not yet bound to anything.
func (b *Builder) NewVar(k Kind) *Var {
	v := NewVar(b.nextID, k)
	b.nextID++
	return v
}

// Input declares the next trace input.
func (b *Builder) Input(k Kind) *Var {
	v := b.NewVar(k)
	b.inputs = append(b.inputs, v)
	return v
}

// Op appends code(args...) and returns its result, or nil for ops without one.
func (b *Builder) Op(code Opcode, args ...Value) *Var {
	return b.OpDescr(code, nil, args...)
}

// OpDescr is Op with a static descriptor.
func (b *Builder) OpDescr(code Opcode, d Descr, args ...Value) *Var {
	op := &Op{Code: code, Args: args, Descr: d}
	if k := op.ResultKind(); k != KindVoid {
		op.Result = b.NewVar(k)
	}
	b.append(op)
	return op.Result
}

// Guard appends a guard snapshotting failArgs.
func (b *Builder) Guard(code Opcode, args []Value, failArgs ...Value) *Op {
	op := &Op{Code: code, Args: args, FailArgs: failArgs}
	if k := op.ResultKind(); k != KindVoid {
		op.Result = b.NewVar(k)
	}
	b.append(op)
	return op
}

// Call appends a call through fn with signature d.
func (b *Builder) Call(fn Value, d *CallDescr, args ...Value) *Var {
	return b.OpDescr(OpCall, d, append([]Value{fn}, args...)...)
}

// Jump closes the trace with a back-edge to its own entry.
func (b *Builder) Jump(args ...Value) *Trace {
	b.append(&Op{Code: OpJump, Args: args})
	return b.build()
}

// JumpTo closes the trace with a jump to another compiled loop.
func (b *Builder) JumpTo(target *LoopToken, args ...Value) *Trace {
	b.append(&Op{Code: OpJump, Args: args, Target: target})
	return b.build()
}

// Finish closes the trace with an exit returning args.
func (b *Builder) Finish(args ...Value) *Trace {
	b.append(&Op{Code: OpFinish, Args: args})
	return b.build()
}

// Last returns the most recently appended op.
func (b *Builder) Last() *Op {
	return b.last
}

func (b *Builder) append(op *Op) {
	b.ops = append(b.ops, op)
	b.last = op
}

func (b *Builder) build() *Trace {
	return NewTrace(b.name, b.inputs, b.ops)
}
