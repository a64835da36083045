package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSON trace format, as produced by the recorder's debug dump:
//
//	{"name": "sum", "inputs": ["i0:int", "i1:int"], "ops": [
//	  {"op": "int_add", "args": ["i0", "i1"], "result": "i2:int"},
//	  {"op": "int_lt", "args": ["i2", 20], "result": "i3:int"},
//	  {"op": "guard_true", "args": ["i3"], "fail_args": ["i2"]},
//	  {"op": "jump", "args": ["i2", "i1"]}]}
//
// Arguments are variable names, JSON integers, or typed constants written
// "int:5", "ref:0x1000", "float:1.5".

type jsonTrace struct {
	Name   string   `json:"name"`
	Inputs []string `json:"inputs"`
	Ops    []jsonOp `json:"ops"`
}

type jsonOp struct {
	Op       string            `json:"op"`
	Args     []json.RawMessage `json:"args"`
	Result   string            `json:"result,omitempty"`
	Descr    *jsonDescr        `json:"descr,omitempty"`
	FailArgs []json.RawMessage `json:"fail_args,omitempty"`
	FailPath []jsonOp          `json:"fail_path,omitempty"`
	Target   string            `json:"target,omitempty"`
}

type jsonDescr struct {
	Offset       int32    `json:"offset"`
	Size         uint8    `json:"size"`
	Signed       bool     `json:"signed"`
	Kind         string   `json:"kind"`
	BaseOffset   int32    `json:"base_offset"`
	LengthOffset int32    `json:"length_offset"`
	ItemSize     uint8    `json:"item_size"`
	ItemKind     string   `json:"item_kind"`
	Args         []string `json:"args"`
	Result       string   `json:"result"`
	CanRaise     bool     `json:"can_raise"`
	Bytes        int32    `json:"bytes"`
}

// ParseJSON reads a trace in the JSON format above. tokens resolves jump
// targets naming other loops and may be nil.
func ParseJSON(data []byte, tokens func(name string) *LoopToken) (*Trace, error) {
	var jt jsonTrace
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jt); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}

	p := &jsonParser{vars: make(map[string]*Var), tokens: tokens}
	t := &Trace{Name: jt.Name, Token: &LoopToken{Name: jt.Name}}
	for _, in := range jt.Inputs {
		v, err := p.define(in)
		if err != nil {
			return nil, err
		}
		t.Inputs = append(t.Inputs, v)
	}
	ops, err := p.ops(jt.Ops, t)
	if err != nil {
		return nil, err
	}
	t.Ops = ops
	return t, nil
}

type jsonParser struct {
	vars   map[string]*Var
	nextID int
	tokens func(string) *LoopToken
}

// define binds "name:kind" to a fresh variable.
func (p *jsonParser) define(decl string) (*Var, error) {
	name, kindName, ok := strings.Cut(decl, ":")
	if !ok {
		return nil, fmt.Errorf("variable %q needs a kind suffix", decl)
	}
	k, err := ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	if _, dup := p.vars[name]; dup {
		return nil, fmt.Errorf("variable %q defined twice", name)
	}
	v := NewVar(p.nextID, k)
	p.nextID++
	p.vars[name] = v
	return v, nil
}

func (p *jsonParser) value(raw json.RawMessage) (Value, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("constant %s is not an integer", n)
		}
		return ConstInt(i), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("argument %s is neither a name nor a number", raw)
	}
	if v, ok := p.vars[s]; ok {
		return v, nil
	}
	prefix, lit, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("unknown variable %q", s)
	}
	switch prefix {
	case "int":
		i, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int constant %q: %w", s, err)
		}
		return ConstInt(i), nil
	case "ref":
		u, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad ref constant %q: %w", s, err)
		}
		return ConstRef(uintptr(u)), nil
	case "float":
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float constant %q: %w", s, err)
		}
		return ConstFloat(f), nil
	}
	return nil, fmt.Errorf("unknown constant prefix in %q", s)
}

func (p *jsonParser) values(raws []json.RawMessage) ([]Value, error) {
	out := make([]Value, 0, len(raws))
	for _, r := range raws {
		v, err := p.value(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *jsonParser) ops(jops []jsonOp, t *Trace) ([]*Op, error) {
	ops := make([]*Op, 0, len(jops))
	for i, jo := range jops {
		code, ok := OpcodeByName(jo.Op)
		if !ok {
			return nil, fmt.Errorf("op %d: unknown opcode %q", i, jo.Op)
		}
		op := &Op{Code: code}
		var err error
		if op.Args, err = p.values(jo.Args); err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, jo.Op, err)
		}
		if jo.Descr != nil {
			if op.Descr, err = jo.Descr.build(code); err != nil {
				return nil, fmt.Errorf("op %d (%s): %w", i, jo.Op, err)
			}
		}
		if op.FailArgs, err = p.values(jo.FailArgs); err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, jo.Op, err)
		}
		if len(jo.FailPath) > 0 {
			if op.FailPath, err = p.ops(jo.FailPath, t); err != nil {
				return nil, fmt.Errorf("failure path of op %d: %w", i, err)
			}
		}
		if jo.Target != "" && jo.Target != t.Name {
			if p.tokens == nil {
				return nil, fmt.Errorf("op %d: jump to %q but no loop resolver", i, jo.Target)
			}
			if op.Target = p.tokens(jo.Target); op.Target == nil {
				return nil, fmt.Errorf("op %d: jump to unknown loop %q", i, jo.Target)
			}
		}
		// the result is bound last so an op cannot read its own result
		if jo.Result != "" {
			if op.Result, err = p.define(jo.Result); err != nil {
				return nil, fmt.Errorf("op %d (%s): %w", i, jo.Op, err)
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (d *jsonDescr) build(code Opcode) (Descr, error) {
	switch code {
	case OpGetField, OpSetField:
		k, err := ParseKind(d.Kind)
		if err != nil {
			return nil, err
		}
		return &FieldDescr{Offset: d.Offset, Size: d.Size, Signed: d.Signed, Kind: k}, nil
	case OpGetArrayItem, OpSetArrayItem, OpArrayLen, OpNewArray:
		k, err := ParseKind(d.ItemKind)
		if err != nil {
			return nil, err
		}
		return &ArrayDescr{BaseOffset: d.BaseOffset, LengthOffset: d.LengthOffset, ItemSize: d.ItemSize, Signed: d.Signed, ItemKind: k}, nil
	case OpNew, OpNewWithVtable:
		return &SizeDescr{Size: d.Bytes}, nil
	case OpCall:
		res, err := ParseKind(d.Result)
		if err != nil {
			return nil, err
		}
		cd := &CallDescr{Result: res, CanRaise: d.CanRaise}
		for _, a := range d.Args {
			k, err := ParseKind(a)
			if err != nil {
				return nil, err
			}
			cd.Args = append(cd.Args, k)
		}
		return cd, nil
	}
	return nil, fmt.Errorf("opcode %s takes no descriptor", code)
}
