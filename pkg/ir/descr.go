package ir

import "fmt"

// Descr is the static descriptor attached to memory, allocation and call
// operations.
type Descr interface {
	descr()
	String() string
}

// FieldDescr locates a field inside an object.
type FieldDescr struct {
	Offset int32
	Size   uint8 // 1, 2, 4 or 8
	Signed bool
	Kind   Kind
}

// ArrayDescr describes an array object: a length word and items following
// a fixed header.
type ArrayDescr struct {
	BaseOffset   int32
	LengthOffset int32
	ItemSize     uint8 // 1, 2, 4 or 8
	Signed       bool
	ItemKind     Kind
}

// SizeDescr is the fixed size of a new object. new_with_vtable stores the
// vtable at offset 0.
type SizeDescr struct {
	Size int32
}

// CallDescr is the signature of a called routine. Calls that can raise must
// be followed by guard_no_exception or guard_exception.
type CallDescr struct {
	Args     []Kind
	Result   Kind
	CanRaise bool
}

func (*FieldDescr) descr() {}
func (*ArrayDescr) descr() {}
func (*SizeDescr) descr() {}
func (*CallDescr) descr() {}

func (d *FieldDescr) String() string {
	return fmt.Sprintf("<field %s@%d/%d>", d.Kind, d.Offset, d.Size)
}

func (d *ArrayDescr) String() string {
	return fmt.Sprintf("<array %s base=%d len@%d item=%d>", d.ItemKind, d.BaseOffset, d.LengthOffset, d.ItemSize)
}

func (d *SizeDescr) String() string {
	return fmt.Sprintf("<size %d>", d.Size)
}

func (d *CallDescr) String() string {
	return fmt.Sprintf("<call %v->%s raise=%v>", d.Args, d.Result, d.CanRaise)
}

func validItemSize(n uint8) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}
