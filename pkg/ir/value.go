// Package ir holds the trace representation handed to the backend: typed
// values, operations with static descriptors, guards with their failure
// snapshots, and the liveness facts the register allocator consumes.
package ir

import (
	"fmt"
	"math"
)

// Kind is the register class a value needs.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindRef
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindRef:
		return "ref"
	case KindFloat:
		return "float"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "void", "":
		return KindVoid, nil
	case "int":
		return KindInt, nil
	case "ref", "ptr":
		return KindRef, nil
	case "float":
		return KindFloat, nil
	}
	return KindVoid, fmt.Errorf("unknown kind %q", s)
}

// Value is either a *Const or a *Var.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

// Var is a variable with identity. It has no storage of its own; the
// allocator decides where it lives at each operation.
type Var struct {
	ID   int
	kind Kind
}

func NewVar(id int, k Kind) *Var {
	return &Var{ID: id, kind: k}
}

func (v *Var) Kind() Kind { return v.kind }
func (v *Var) isValue() {}

func (v *Var) String() string {
	switch v.kind {
	case KindRef:
		return fmt.Sprintf("p%d", v.ID)
	case KindFloat:
		return fmt.Sprintf("f%d", v.ID)
	}
	return fmt.Sprintf("i%d", v.ID)
}

// Const is fixed at compile time. Float constants keep their IEEE bits.
type Const struct {
	kind Kind
	Bits int64
}

func ConstInt(v int64) *Const { return &Const{kind: KindInt, Bits: v} }
func ConstRef(addr uintptr) *Const { return &Const{kind: KindRef, Bits: int64(addr)} }
func ConstFloat(f float64) *Const { return &Const{kind: KindFloat, Bits: int64(math.Float64bits(f))} }
func (c *Const) Kind() Kind { return c.kind }
func (c *Const) Float() float64 { return math.Float64frombits(uint64(c.Bits)) }
func (c *Const) isValue() {}
func (c *Const) Equal(o *Const) bool { return c.kind == o.kind && c.Bits == o.Bits }

func (c *Const) String() string {
	switch c.kind {
	case KindRef:
		return fmt.Sprintf("ConstRef(%#x)", uint64(c.Bits))
	case KindFloat:
		return fmt.Sprintf("ConstFloat(%g)", c.Float())
	}
	return fmt.Sprintf("ConstInt(%d)", c.Bits)
}

// AsVar returns v as a variable, or nil for constants.
func AsVar(v Value) *Var {
	if vv, ok := v.(*Var); ok {
		return vv
	}
	return nil
}
