package ir

import (
	"fmt"

	"tracejit/pkg/serializer"

	"golang.org/x/crypto/blake2b"
)

// The Record types are the flat, pointer-free form of a trace used for the
// binary codec, fingerprints and the trace store.

type ValueRecord struct {
	IsConst bool
	Kind    uint8
	Bits    int64 // constant bits, or the variable id
}

type DescrRecord struct {
	Tag          uint8 // 1 field, 2 array, 3 size, 4 call
	Offset       int32
	LengthOffset int32
	Size         uint8
	Signed       bool
	Kind         uint8
	Args         []uint8
	CanRaise     bool
}

type OpRecord struct {
	Code     uint8
	Args     []ValueRecord
	Result   *ValueRecord
	Descr    *DescrRecord
	FailArgs []ValueRecord
	FailPath []OpRecord
	Target   *string
}

type TraceRecord struct {
	Name   string
	Inputs []ValueRecord
	Ops    []OpRecord
}

const (
	descrField uint8 = iota + 1
	descrArray
	descrSize
	descrCall
)

// ToRecord flattens t.
func ToRecord(t *Trace) TraceRecord {
	rec := TraceRecord{Name: t.Name}
	for _, v := range t.Inputs {
		rec.Inputs = append(rec.Inputs, valueRecord(v))
	}
	rec.Ops = opRecords(t, t.Ops)
	return rec
}

func opRecords(t *Trace, ops []*Op) []OpRecord {
	out := make([]OpRecord, 0, len(ops))
	for _, op := range ops {
		r := OpRecord{Code: uint8(op.Code)}
		for _, a := range op.Args {
			r.Args = append(r.Args, valueRecord(a))
		}
		if op.Result != nil {
			vr := valueRecord(op.Result)
			r.Result = &vr
		}
		r.Descr = descrRecord(op.Descr)
		for _, a := range op.FailArgs {
			r.FailArgs = append(r.FailArgs, valueRecord(a))
		}
		if len(op.FailPath) > 0 {
			r.FailPath = opRecords(t, op.FailPath)
		}
		if op.Target != nil && op.Target != t.Token {
			name := op.Target.Name
			r.Target = &name
		}
		out = append(out, r)
	}
	return out
}

func valueRecord(v Value) ValueRecord {
	switch v := v.(type) {
	case *Const:
		return ValueRecord{IsConst: true, Kind: uint8(v.Kind()), Bits: v.Bits}
	case *Var:
		return ValueRecord{Kind: uint8(v.Kind()), Bits: int64(v.ID)}
	}
	panic(fmt.Sprintf("unknown value %T", v))
}

func descrRecord(d Descr) *DescrRecord {
	switch d := d.(type) {
	case nil:
		return nil
	case *FieldDescr:
		return &DescrRecord{Tag: descrField, Offset: d.Offset, Size: d.Size, Signed: d.Signed, Kind: uint8(d.Kind)}
	case *ArrayDescr:
		return &DescrRecord{Tag: descrArray, Offset: d.BaseOffset, LengthOffset: d.LengthOffset, Size: d.ItemSize, Signed: d.Signed, Kind: uint8(d.ItemKind)}
	case *SizeDescr:
		return &DescrRecord{Tag: descrSize, Offset: d.Size}
	case *CallDescr:
		r := &DescrRecord{Tag: descrCall, Kind: uint8(d.Result), CanRaise: d.CanRaise}
		for _, k := range d.Args {
			r.Args = append(r.Args, uint8(k))
		}
		return r
	}
	panic(fmt.Sprintf("unknown descriptor %T", d))
}

// FromRecord rebuilds a trace. tokens resolves jump targets naming other
// loops; it may be nil when the record has none.
func FromRecord(rec TraceRecord, tokens func(name string) *LoopToken) (*Trace, error) {
	vars := make(map[int64]*Var)
	value := func(r ValueRecord) (Value, error) {
		if r.IsConst {
			return &Const{kind: Kind(r.Kind), Bits: r.Bits}, nil
		}
		v, ok := vars[r.Bits]
		if !ok {
			v = NewVar(int(r.Bits), Kind(r.Kind))
			vars[r.Bits] = v
		} else if v.Kind() != Kind(r.Kind) {
			return nil, fmt.Errorf("variable %d recorded as %s and %s", r.Bits, v.Kind(), Kind(r.Kind))
		}
		return v, nil
	}

	t := &Trace{Name: rec.Name, Token: &LoopToken{Name: rec.Name}}
	for _, r := range rec.Inputs {
		v, err := value(r)
		if err != nil {
			return nil, err
		}
		vv := AsVar(v)
		if vv == nil {
			return nil, fmt.Errorf("trace input recorded as constant")
		}
		t.Inputs = append(t.Inputs, vv)
	}

	var rebuild func([]OpRecord) ([]*Op, error)
	rebuild = func(recs []OpRecord) ([]*Op, error) {
		ops := make([]*Op, 0, len(recs))
		for _, r := range recs {
			op := &Op{Code: Opcode(r.Code)}
			for _, a := range r.Args {
				v, err := value(a)
				if err != nil {
					return nil, err
				}
				op.Args = append(op.Args, v)
			}
			if r.Result != nil {
				v, err := value(*r.Result)
				if err != nil {
					return nil, err
				}
				op.Result = AsVar(v)
			}
			op.Descr = descrFromRecord(r.Descr)
			for _, a := range r.FailArgs {
				v, err := value(a)
				if err != nil {
					return nil, err
				}
				op.FailArgs = append(op.FailArgs, v)
			}
			if len(r.FailPath) > 0 {
				sub, err := rebuild(r.FailPath)
				if err != nil {
					return nil, err
				}
				op.FailPath = sub
			}
			if r.Target != nil {
				if tokens == nil {
					return nil, fmt.Errorf("jump to %q but no loop resolver", *r.Target)
				}
				if op.Target = tokens(*r.Target); op.Target == nil {
					return nil, fmt.Errorf("jump to unknown loop %q", *r.Target)
				}
			}
			ops = append(ops, op)
		}
		return ops, nil
	}
	ops, err := rebuild(rec.Ops)
	if err != nil {
		return nil, err
	}
	t.Ops = ops
	return t, nil
}

func descrFromRecord(r *DescrRecord) Descr {
	if r == nil {
		return nil
	}
	switch r.Tag {
	case descrField:
		return &FieldDescr{Offset: r.Offset, Size: r.Size, Signed: r.Signed, Kind: Kind(r.Kind)}
	case descrArray:
		return &ArrayDescr{BaseOffset: r.Offset, LengthOffset: r.LengthOffset, ItemSize: r.Size, Signed: r.Signed, ItemKind: Kind(r.Kind)}
	case descrSize:
		return &SizeDescr{Size: r.Offset}
	case descrCall:
		d := &CallDescr{Result: Kind(r.Kind), CanRaise: r.CanRaise}
		for _, k := range r.Args {
			d.Args = append(d.Args, Kind(k))
		}
		return d
	}
	return nil
}

// Encode returns the binary form of t.
func Encode(t *Trace) []byte {
	return serializer.Serialize(ToRecord(t))
}

// Decode parses the binary form produced by Encode.
func Decode(data []byte, tokens func(name string) *LoopToken) (*Trace, error) {
	var rec TraceRecord
	if err := serializer.Deserialize(data, &rec); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return FromRecord(rec, tokens)
}

// Fingerprint identifies a trace by the blake2b-256 hash of its encoding.
func Fingerprint(t *Trace) [32]byte {
	return blake2b.Sum256(Encode(t))
}
