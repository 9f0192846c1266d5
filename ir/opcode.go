/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package ir

// Opcode identifies an operation. The numbering is internal; traces are
// exchanged in text form.
type Opcode uint16

const (
	OpInvalid Opcode = iota

	// control
	Label
	Jump
	Finish

	// dropped before code generation
	DebugMergePoint
	JitDebug
	Keepalive

	// integer arithmetic
	IntAdd
	IntSub
	IntMul
	IntFloorDiv
	IntMod
	UintFloorDiv
	IntAnd
	IntOr
	IntXor
	IntLshift
	IntRshift
	UintRshift
	IntNeg
	IntInvert
	IntIsZero
	IntIsTrue
	IntAddOvf
	IntSubOvf
	IntMulOvf
	NurseryPtrIncrement

	// comparisons
	IntLt
	IntLe
	IntEq
	IntNe
	IntGt
	IntGe
	UintLt
	UintLe
	UintGt
	UintGe
	PtrEq
	PtrNe
	InstancePtrEq
	InstancePtrNe

	// floats
	FloatAdd
	FloatSub
	FloatMul
	FloatTrueDiv
	FloatNeg
	FloatAbs
	FloatLt
	FloatLe
	FloatEq
	FloatNe
	FloatGt
	FloatGe
	CastFloatToInt
	CastIntToFloat
	MathSqrt

	SameAs
	ForceToken

	// memory
	GetfieldGc
	GetfieldRaw
	SetfieldGc
	SetfieldRaw
	GetarrayitemGc
	GetarrayitemRaw
	SetarrayitemGc
	SetarrayitemRaw
	GetinteriorfieldGc
	SetinteriorfieldGc
	RawLoad
	RawStore
	ArraylenGc
	Strlen
	Unicodelen
	Strgetitem
	Strsetitem
	Unicodegetitem
	Unicodesetitem
	Copystrcontent
	Copyunicodecontent

	// allocation
	New
	NewWithVtable
	NewArray
	Newstr
	Newunicode
	CallMallocNursery
	CallMallocGc

	// guards
	GuardTrue
	GuardFalse
	GuardValue
	GuardClass
	GuardNonnull
	GuardIsnull
	GuardNonnullClass
	GuardNoException
	GuardException
	GuardNoOverflow
	GuardOverflow
	GuardNotInvalidated
	GuardNotForced

	// calls
	Call
	CallMayForce
	CallAssembler
	CallReleaseGil

	// gc cooperation
	CondCallGcWb
	CondCallGcWbArray

	opcodeCount
)

const (
	fGuard = 1 << iota
	fOvf
	fCmp
	fCall
	fMalloc
	fCollect
	fPure
	fDebug
	fFinal
	fFloat
	fGuardOverflow
)

type opInfo struct {
	name   string
	arity  int // -1: variadic
	result Type
	flags  uint32
}

// typeFromDescr marks ops whose result type is given by the descr or the
// result box; the table cannot know it.
const typeFromDescr Type = 0xff

var opTable = [opcodeCount]opInfo{
	OpInvalid: {"<invalid>", 0, TypeVoid, 0},

	Label:  {"label", -1, TypeVoid, 0},
	Jump:   {"jump", -1, TypeVoid, fFinal},
	Finish: {"finish", -1, TypeVoid, fFinal},

	DebugMergePoint: {"debug_merge_point", -1, TypeVoid, fDebug},
	JitDebug:        {"jit_debug", -1, TypeVoid, fDebug},
	Keepalive:       {"keepalive", 1, TypeVoid, fDebug},

	IntAdd:              {"int_add", 2, TypeInt, fPure},
	IntSub:              {"int_sub", 2, TypeInt, fPure},
	IntMul:              {"int_mul", 2, TypeInt, fPure},
	IntFloorDiv:         {"int_floordiv", 2, TypeInt, fPure},
	IntMod:              {"int_mod", 2, TypeInt, fPure},
	UintFloorDiv:        {"uint_floordiv", 2, TypeInt, fPure},
	IntAnd:              {"int_and", 2, TypeInt, fPure},
	IntOr:               {"int_or", 2, TypeInt, fPure},
	IntXor:              {"int_xor", 2, TypeInt, fPure},
	IntLshift:           {"int_lshift", 2, TypeInt, fPure},
	IntRshift:           {"int_rshift", 2, TypeInt, fPure},
	UintRshift:          {"uint_rshift", 2, TypeInt, fPure},
	IntNeg:              {"int_neg", 1, TypeInt, fPure},
	IntInvert:           {"int_invert", 1, TypeInt, fPure},
	IntIsZero:           {"int_is_zero", 1, TypeInt, fPure | fCmp},
	IntIsTrue:           {"int_is_true", 1, TypeInt, fPure | fCmp},
	IntAddOvf:           {"int_add_ovf", 2, TypeInt, fOvf},
	IntSubOvf:           {"int_sub_ovf", 2, TypeInt, fOvf},
	IntMulOvf:           {"int_mul_ovf", 2, TypeInt, fOvf},
	NurseryPtrIncrement: {"nursery_ptr_increment", 2, TypeRef, fPure},

	IntLt:         {"int_lt", 2, TypeInt, fPure | fCmp},
	IntLe:         {"int_le", 2, TypeInt, fPure | fCmp},
	IntEq:         {"int_eq", 2, TypeInt, fPure | fCmp},
	IntNe:         {"int_ne", 2, TypeInt, fPure | fCmp},
	IntGt:         {"int_gt", 2, TypeInt, fPure | fCmp},
	IntGe:         {"int_ge", 2, TypeInt, fPure | fCmp},
	UintLt:        {"uint_lt", 2, TypeInt, fPure | fCmp},
	UintLe:        {"uint_le", 2, TypeInt, fPure | fCmp},
	UintGt:        {"uint_gt", 2, TypeInt, fPure | fCmp},
	UintGe:        {"uint_ge", 2, TypeInt, fPure | fCmp},
	PtrEq:         {"ptr_eq", 2, TypeInt, fPure | fCmp},
	PtrNe:         {"ptr_ne", 2, TypeInt, fPure | fCmp},
	InstancePtrEq: {"instance_ptr_eq", 2, TypeInt, fPure | fCmp},
	InstancePtrNe: {"instance_ptr_ne", 2, TypeInt, fPure | fCmp},

	FloatAdd:       {"float_add", 2, TypeFloat, fPure | fFloat},
	FloatSub:       {"float_sub", 2, TypeFloat, fPure | fFloat},
	FloatMul:       {"float_mul", 2, TypeFloat, fPure | fFloat},
	FloatTrueDiv:   {"float_truediv", 2, TypeFloat, fPure | fFloat},
	FloatNeg:       {"float_neg", 1, TypeFloat, fPure | fFloat},
	FloatAbs:       {"float_abs", 1, TypeFloat, fPure | fFloat},
	FloatLt:        {"float_lt", 2, TypeInt, fPure | fCmp | fFloat},
	FloatLe:        {"float_le", 2, TypeInt, fPure | fCmp | fFloat},
	FloatEq:        {"float_eq", 2, TypeInt, fPure | fCmp | fFloat},
	FloatNe:        {"float_ne", 2, TypeInt, fPure | fCmp | fFloat},
	FloatGt:        {"float_gt", 2, TypeInt, fPure | fCmp | fFloat},
	FloatGe:        {"float_ge", 2, TypeInt, fPure | fCmp | fFloat},
	CastFloatToInt: {"cast_float_to_int", 1, TypeInt, fPure | fFloat},
	CastIntToFloat: {"cast_int_to_float", 1, TypeFloat, fPure | fFloat},
	MathSqrt:       {"math_sqrt", 1, TypeFloat, fPure | fFloat},

	SameAs:     {"same_as", 1, typeFromDescr, fPure},
	ForceToken: {"force_token", 0, TypeInt, fPure},

	GetfieldGc:         {"getfield_gc", 1, typeFromDescr, 0},
	GetfieldRaw:        {"getfield_raw", 1, typeFromDescr, 0},
	SetfieldGc:         {"setfield_gc", 2, TypeVoid, 0},
	SetfieldRaw:        {"setfield_raw", 2, TypeVoid, 0},
	GetarrayitemGc:     {"getarrayitem_gc", 2, typeFromDescr, 0},
	GetarrayitemRaw:    {"getarrayitem_raw", 2, typeFromDescr, 0},
	SetarrayitemGc:     {"setarrayitem_gc", 3, TypeVoid, 0},
	SetarrayitemRaw:    {"setarrayitem_raw", 3, TypeVoid, 0},
	GetinteriorfieldGc: {"getinteriorfield_gc", 2, typeFromDescr, 0},
	SetinteriorfieldGc: {"setinteriorfield_gc", 3, TypeVoid, 0},
	RawLoad:            {"raw_load", 2, typeFromDescr, 0},
	RawStore:           {"raw_store", 3, TypeVoid, 0},
	ArraylenGc:         {"arraylen_gc", 1, TypeInt, fPure},
	Strlen:             {"strlen", 1, TypeInt, fPure},
	Unicodelen:         {"unicodelen", 1, TypeInt, fPure},
	Strgetitem:         {"strgetitem", 2, TypeInt, 0},
	Strsetitem:         {"strsetitem", 3, TypeVoid, 0},
	Unicodegetitem:     {"unicodegetitem", 2, TypeInt, 0},
	Unicodesetitem:     {"unicodesetitem", 3, TypeVoid, 0},
	Copystrcontent:     {"copystrcontent", 5, TypeVoid, fCall},
	Copyunicodecontent: {"copyunicodecontent", 5, TypeVoid, fCall},

	New:               {"new", 0, TypeRef, fMalloc | fCollect},
	NewWithVtable:     {"new_with_vtable", 1, TypeRef, fMalloc | fCollect},
	NewArray:          {"new_array", 1, TypeRef, fMalloc | fCollect},
	Newstr:            {"newstr", 1, TypeRef, fMalloc | fCollect},
	Newunicode:        {"newunicode", 1, TypeRef, fMalloc | fCollect},
	CallMallocNursery: {"call_malloc_nursery", 1, TypeRef, fMalloc | fCollect},
	CallMallocGc:      {"call_malloc_gc", -1, TypeRef, fMalloc | fCollect | fCall},

	GuardTrue:           {"guard_true", 1, TypeVoid, fGuard},
	GuardFalse:          {"guard_false", 1, TypeVoid, fGuard},
	GuardValue:          {"guard_value", 2, TypeVoid, fGuard},
	GuardClass:          {"guard_class", 2, TypeVoid, fGuard},
	GuardNonnull:        {"guard_nonnull", 1, TypeVoid, fGuard},
	GuardIsnull:         {"guard_isnull", 1, TypeVoid, fGuard},
	GuardNonnullClass:   {"guard_nonnull_class", 2, TypeVoid, fGuard},
	GuardNoException:    {"guard_no_exception", 0, TypeVoid, fGuard},
	GuardException:      {"guard_exception", 1, TypeRef, fGuard},
	GuardNoOverflow:     {"guard_no_overflow", 0, TypeVoid, fGuard | fGuardOverflow},
	GuardOverflow:       {"guard_overflow", 0, TypeVoid, fGuard | fGuardOverflow},
	GuardNotInvalidated: {"guard_not_invalidated", 0, TypeVoid, fGuard},
	GuardNotForced:      {"guard_not_forced", 0, TypeVoid, fGuard},

	Call:           {"call", -1, typeFromDescr, fCall | fCollect},
	CallMayForce:   {"call_may_force", -1, typeFromDescr, fCall | fCollect},
	CallAssembler:  {"call_assembler", -1, typeFromDescr, fCall | fCollect},
	CallReleaseGil: {"call_release_gil", -1, typeFromDescr, fCall | fCollect},

	CondCallGcWb:      {"cond_call_gc_wb", 2, TypeVoid, fCollect},
	CondCallGcWbArray: {"cond_call_gc_wb_array", 3, TypeVoid, fCollect},
}

var opByName map[string]Opcode

func init() {
	opByName = make(map[string]Opcode, opcodeCount)
	for i := Opcode(1); i < opcodeCount; i++ {
		if opTable[i].name == "" {
			panic("ir: opcode without table entry")
		}
		opByName[opTable[i].name] = i
	}
}

// OpcodeByName returns the opcode for its textual name.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

func (o Opcode) String() string {
	if o >= opcodeCount {
		return "<unknown>"
	}
	return opTable[o].name
}

// Arity is the number of arguments or -1 for variadic ops.
func (o Opcode) Arity() int { return opTable[o].arity }

// ResultType is the static result type or TypeVoid; ops whose result
// depends on a descr report ok=false.
func (o Opcode) ResultType() (t Type, ok bool) {
	t = opTable[o].result
	if t == typeFromDescr {
		return TypeVoid, false
	}
	return t, true
}

func (o Opcode) IsGuard() bool                { return opTable[o].flags&fGuard != 0 }
func (o Opcode) IsOvf() bool                  { return opTable[o].flags&fOvf != 0 }
func (o Opcode) IsComparison() bool           { return opTable[o].flags&fCmp != 0 }
func (o Opcode) IsCall() bool                 { return opTable[o].flags&fCall != 0 || (o >= Call && o <= CallReleaseGil) }
func (o Opcode) IsMalloc() bool               { return opTable[o].flags&fMalloc != 0 }
func (o Opcode) IsDebug() bool                { return opTable[o].flags&fDebug != 0 }
func (o Opcode) IsFinal() bool                { return opTable[o].flags&fFinal != 0 }
func (o Opcode) IsPure() bool                 { return opTable[o].flags&fPure != 0 }
func (o Opcode) IsFloat() bool                { return opTable[o].flags&fFloat != 0 }
func (o Opcode) IsGuardOverflow() bool        { return opTable[o].flags&fGuardOverflow != 0 }
func (o Opcode) CanMallocOrCollect() bool     { return opTable[o].flags&(fMalloc|fCollect) != 0 }
func (o Opcode) IsComparisonOrOvf() bool      { return opTable[o].flags&(fCmp|fOvf) != 0 }
func (o Opcode) IsGuardException() bool       { return o == GuardNoException || o == GuardException }
func (o Opcode) IsSetfieldOrArrayGc() bool    { return o == SetfieldGc || o == SetarrayitemGc || o == SetinteriorfieldGc }
func (o Opcode) IsNoSideEffect() bool         { return o.IsPure() || o == GetfieldGc || o == GetarrayitemGc }
func (o Opcode) IsGuardForcedOrInvalid() bool { return o == GuardNotForced || o == GuardNotInvalidated }
