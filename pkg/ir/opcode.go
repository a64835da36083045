package ir

import "fmt"

type Opcode uint8

const (
	OpInvalid Opcode = iota

	// control transfer
	OpJump
	OpFinish

	// guards
	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNoException
	OpGuardException
	OpGuardNoOverflow
	OpGuardOverflow

	// integer arithmetic
	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLshift
	OpIntRshift
	OpUintRshift
	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf
	OpIntNeg
	OpIntInvert
	OpIntIsTrue
	OpIntIsZero
	OpSameAs

	// comparisons producing 0/1
	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpUintLt
	OpUintLe
	OpUintGt
	OpUintGe
	OpPtrEq
	OpPtrNe

	// floats
	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTrueDiv
	OpFloatNeg
	OpFloatAbs
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe
	OpCastIntToFloat
	OpCastFloatToInt

	// memory
	OpGetField
	OpSetField
	OpGetArrayItem
	OpSetArrayItem
	OpArrayLen

	// allocation
	OpNew
	OpNewWithVtable
	OpNewArray

	// calls: Args[0] is the function address
	OpCall

	numOpcodes
)

type opFlags uint16

const (
	flagGuard opFlags = 1 << iota
	flagFinal
	flagCompare
	flagOvf
	flagSideEffect
	flagCall
	flagFloatArgs
	flagAlloc
)

type opInfo struct {
	name   string
	arity  int // -1 for variadic
	result Kind
	flags  opFlags
}

// A KindVoid result on getfield, getarrayitem, same_as and call means the
// result kind comes from the descriptor or argument; see Op.ResultKind.
var opTable = [numOpcodes]opInfo{
	OpJump:   {"jump", -1, KindVoid, flagFinal},
	OpFinish: {"finish", -1, KindVoid, flagFinal},

	OpGuardTrue:        {"guard_true", 1, KindVoid, flagGuard},
	OpGuardFalse:       {"guard_false", 1, KindVoid, flagGuard},
	OpGuardValue:       {"guard_value", 2, KindVoid, flagGuard},
	OpGuardClass:       {"guard_class", 2, KindVoid, flagGuard},
	OpGuardNonnull:     {"guard_nonnull", 1, KindVoid, flagGuard},
	OpGuardIsnull:      {"guard_isnull", 1, KindVoid, flagGuard},
	OpGuardNoException: {"guard_no_exception", 0, KindVoid, flagGuard},
	OpGuardException:   {"guard_exception", 1, KindRef, flagGuard},
	OpGuardNoOverflow:  {"guard_no_overflow", 0, KindVoid, flagGuard},
	OpGuardOverflow:    {"guard_overflow", 0, KindVoid, flagGuard},

	OpIntAdd:      {"int_add", 2, KindInt, 0},
	OpIntSub:      {"int_sub", 2, KindInt, 0},
	OpIntMul:      {"int_mul", 2, KindInt, 0},
	OpIntFloorDiv: {"int_floordiv", 2, KindInt, 0},
	OpIntMod:      {"int_mod", 2, KindInt, 0},
	OpIntAnd:      {"int_and", 2, KindInt, 0},
	OpIntOr:       {"int_or", 2, KindInt, 0},
	OpIntXor:      {"int_xor", 2, KindInt, 0},
	OpIntLshift:   {"int_lshift", 2, KindInt, 0},
	OpIntRshift:   {"int_rshift", 2, KindInt, 0},
	OpUintRshift:  {"uint_rshift", 2, KindInt, 0},
	OpIntAddOvf:   {"int_add_ovf", 2, KindInt, flagOvf},
	OpIntSubOvf:   {"int_sub_ovf", 2, KindInt, flagOvf},
	OpIntMulOvf:   {"int_mul_ovf", 2, KindInt, flagOvf},
	OpIntNeg:      {"int_neg", 1, KindInt, 0},
	OpIntInvert:   {"int_invert", 1, KindInt, 0},
	OpIntIsTrue:   {"int_is_true", 1, KindInt, 0},
	OpIntIsZero:   {"int_is_zero", 1, KindInt, 0},
	OpSameAs:      {"same_as", 1, KindVoid, 0},

	OpIntLt:  {"int_lt", 2, KindInt, flagCompare},
	OpIntLe:  {"int_le", 2, KindInt, flagCompare},
	OpIntEq:  {"int_eq", 2, KindInt, flagCompare},
	OpIntNe:  {"int_ne", 2, KindInt, flagCompare},
	OpIntGt:  {"int_gt", 2, KindInt, flagCompare},
	OpIntGe:  {"int_ge", 2, KindInt, flagCompare},
	OpUintLt: {"uint_lt", 2, KindInt, flagCompare},
	OpUintLe: {"uint_le", 2, KindInt, flagCompare},
	OpUintGt: {"uint_gt", 2, KindInt, flagCompare},
	OpUintGe: {"uint_ge", 2, KindInt, flagCompare},
	OpPtrEq:  {"ptr_eq", 2, KindInt, flagCompare},
	OpPtrNe:  {"ptr_ne", 2, KindInt, flagCompare},

	OpFloatAdd:       {"float_add", 2, KindFloat, flagFloatArgs},
	OpFloatSub:       {"float_sub", 2, KindFloat, flagFloatArgs},
	OpFloatMul:       {"float_mul", 2, KindFloat, flagFloatArgs},
	OpFloatTrueDiv:   {"float_truediv", 2, KindFloat, flagFloatArgs},
	OpFloatNeg:       {"float_neg", 1, KindFloat, flagFloatArgs},
	OpFloatAbs:       {"float_abs", 1, KindFloat, flagFloatArgs},
	OpFloatLt:        {"float_lt", 2, KindInt, flagFloatArgs | flagCompare},
	OpFloatLe:        {"float_le", 2, KindInt, flagFloatArgs | flagCompare},
	OpFloatEq:        {"float_eq", 2, KindInt, flagFloatArgs | flagCompare},
	OpFloatNe:        {"float_ne", 2, KindInt, flagFloatArgs | flagCompare},
	OpFloatGt:        {"float_gt", 2, KindInt, flagFloatArgs | flagCompare},
	OpFloatGe:        {"float_ge", 2, KindInt, flagFloatArgs | flagCompare},
	OpCastIntToFloat: {"cast_int_to_float", 1, KindFloat, 0},
	OpCastFloatToInt: {"cast_float_to_int", 1, KindInt, flagFloatArgs},

	OpGetField:     {"getfield", 1, KindVoid, 0},
	OpSetField:     {"setfield", 2, KindVoid, flagSideEffect},
	OpGetArrayItem: {"getarrayitem", 2, KindVoid, 0},
	OpSetArrayItem: {"setarrayitem", 3, KindVoid, flagSideEffect},
	OpArrayLen:     {"arraylen", 1, KindInt, 0},

	OpNew:           {"new", 0, KindRef, flagSideEffect | flagAlloc | flagCall},
	OpNewWithVtable: {"new_with_vtable", 1, KindRef, flagSideEffect | flagAlloc | flagCall},
	OpNewArray:      {"new_array", 1, KindRef, flagSideEffect | flagAlloc | flagCall},

	OpCall: {"call", -1, KindVoid, flagSideEffect | flagCall},
}

var opByName map[string]Opcode

func init() {
	opByName = make(map[string]Opcode, numOpcodes)
	for op := OpInvalid + 1; op < numOpcodes; op++ {
		opByName[opTable[op].name] = op
	}
}

func (op Opcode) String() string {
	if op > OpInvalid && op < numOpcodes {
		return opTable[op].name
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// OpcodeByName looks up an opcode by its lower-case name.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

func (op Opcode) Arity() int { return opTable[op].arity }
func (op Opcode) IsGuard() bool { return opTable[op].flags&flagGuard != 0 }
func (op Opcode) IsFinal() bool { return opTable[op].flags&flagFinal != 0 }
func (op Opcode) IsComparison() bool { return opTable[op].flags&flagCompare != 0 }
func (op Opcode) IsOvf() bool { return opTable[op].flags&flagOvf != 0 }
func (op Opcode) IsCall() bool { return opTable[op].flags&flagCall != 0 }
func (op Opcode) IsAlloc() bool { return opTable[op].flags&flagAlloc != 0 }
func (op Opcode) FloatArgs() bool { return opTable[op].flags&flagFloatArgs != 0 }

// HasSideEffect reports ops the allocator must never reorder or drop.
func (op Opcode) HasSideEffect() bool {
	return opTable[op].flags&(flagSideEffect|flagGuard|flagFinal) != 0
}

// IsExceptionGuard reports the guards allowed right after a raising call.
func (op Opcode) IsExceptionGuard() bool {
	return op == OpGuardNoException || op == OpGuardException
}

// IsOverflowGuard reports the guards consuming the flags of an _ovf op.
func (op Opcode) IsOverflowGuard() bool {
	return op == OpGuardNoOverflow || op == OpGuardOverflow
}
