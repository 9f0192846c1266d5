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

import "fmt"

// DescrKind is the discriminator of a descriptor.
type DescrKind uint8

const (
	KindSize DescrKind = iota + 1
	KindArray
	KindField
	KindInteriorField
	KindCall
	KindFail
	KindJitCell
	KindTarget
	KindWriteBarrier
)

// Descr is the per-operation annotation. Concrete descrs are pointers to
// flat structs; code switches on Kind() or on the concrete type.
type Descr interface {
	Kind() DescrKind
	String() string
}

// FieldFlag classifies the stored value of a field or array item.
type FieldFlag uint8

const (
	FlagUnsigned FieldFlag = iota
	FlagSigned
	FlagPointer
	FlagFloat
	FlagStruct
	FlagVoid
)

func (f FieldFlag) String() string {
	return [...]string{"U", "S", "P", "F", "X", "V"}[f]
}

// ValueType maps a flag to the IR type loaded from such a slot.
func (f FieldFlag) ValueType() Type {
	switch f {
	case FlagPointer:
		return TypeRef
	case FlagFloat:
		return TypeFloat
	case FlagVoid:
		return TypeVoid
	default:
		return TypeInt
	}
}

// SizeDescr describes a fixed-size GC object.
type SizeDescr struct {
	Name   string
	Size   int
	TypeID uint16
	Vtable uint32 // 0 unless the struct starts with a typeptr
}

func (d *SizeDescr) Kind() DescrKind { return KindSize }
func (d *SizeDescr) String() string {
	return fmt.Sprintf("<SizeDescr %s size=%d tid=%d>", d.Name, d.Size, d.TypeID)
}

// ArrayDescr describes a GC (or raw) array.
type ArrayDescr struct {
	Name      string
	BaseSize  int
	ItemSize  int
	LenOffset int // -1 for raw arrays without a length
	TypeID    uint16
	Flag      FieldFlag
}

func (d *ArrayDescr) Kind() DescrKind         { return KindArray }
func (d *ArrayDescr) IsItemSigned() bool      { return d.Flag == FlagSigned }
func (d *ArrayDescr) IsArrayOfPointers() bool { return d.Flag == FlagPointer }
func (d *ArrayDescr) IsArrayOfFloats() bool   { return d.Flag == FlagFloat }
func (d *ArrayDescr) IsArrayOfStructs() bool  { return d.Flag == FlagStruct }
func (d *ArrayDescr) String() string {
	return fmt.Sprintf("<Array%s%d %s base=%d len@%d>", d.Flag, d.ItemSize, d.Name, d.BaseSize, d.LenOffset)
}

// FieldDescr describes one field of a struct.
type FieldDescr struct {
	Name      string
	Offset    int
	FieldSize int
	Flag      FieldFlag
}

func (d *FieldDescr) Kind() DescrKind      { return KindField }
func (d *FieldDescr) IsFieldSigned() bool  { return d.Flag == FlagSigned }
func (d *FieldDescr) IsPointerField() bool { return d.Flag == FlagPointer }
func (d *FieldDescr) IsFloatField() bool   { return d.Flag == FlagFloat }
func (d *FieldDescr) String() string {
	return fmt.Sprintf("<Field%s%d %s @%d>", d.Flag, d.FieldSize, d.Name, d.Offset)
}

// InteriorFieldDescr describes a field inside an array of structs.
type InteriorFieldDescr struct {
	Array *ArrayDescr
	Field *FieldDescr
}

func (d *InteriorFieldDescr) Kind() DescrKind { return KindInteriorField }
func (d *InteriorFieldDescr) String() string {
	return fmt.Sprintf("<InteriorField %s.%s>", d.Array.Name, d.Field.Name)
}

// ExtraEffect orders the side effects of a call from harmless to
// arbitrary.
type ExtraEffect uint8

const (
	EffectElidableCannotRaise ExtraEffect = iota
	EffectLoopInvariant
	EffectCannotRaise
	EffectElidableCanRaise
	EffectCanRaise
	EffectForcesVirtualOrVirtualizable
	EffectRandomEffects
)

// OopSpecIndex tags calls that the back-end implements specially.
type OopSpecIndex uint8

const (
	OSNone OopSpecIndex = iota
	OSMathSqrt
	OSLibffiCall
)

// EffectInfo is what the codewriter knows about a callee.
type EffectInfo struct {
	Extra           ExtraEffect
	Oopspec         OopSpecIndex
	CanCollect      bool
	ReadFields      []*FieldDescr
	WriteFields     []*FieldDescr
	ReadArrays      []*ArrayDescr
	WriteArrays     []*ArrayDescr
	CanInvalidate   bool
	RandomEffectsOn bool
}

func (e *EffectInfo) CheckCanRaise() bool {
	return e.Extra > EffectCannotRaise
}

func (e *EffectInfo) CheckForcesVirtualOrVirtualizable() bool {
	return e.Extra >= EffectForcesVirtualOrVirtualizable
}

func (e *EffectInfo) CheckCanCollect() bool {
	return e.CanCollect
}

// DefaultEffect is used for calls without explicit info: anything may
// happen.
var DefaultEffect = EffectInfo{Extra: EffectRandomEffects, CanCollect: true, RandomEffectsOn: true}

// CallDescr describes the signature and effects of a residual call.
type CallDescr struct {
	Name         string
	ArgTypes     []Type
	ResultType   Type
	ResultSize   int
	ResultSigned bool
	Effect       EffectInfo
}

func (d *CallDescr) Kind() DescrKind { return KindCall }
func (d *CallDescr) String() string {
	s := "<CallDescr " + d.Name + " ("
	for _, t := range d.ArgTypes {
		s += t.String()
	}
	return s + ")" + d.ResultType.String() + ">"
}

// FloatArgCount returns how many arguments are floats.
func (d *CallDescr) FloatArgCount() int {
	n := 0
	for _, t := range d.ArgTypes {
		if t == TypeFloat {
			n++
		}
	}
	return n
}

// FailKind tells the runtime what kind of exit a fail descr stands for.
type FailKind uint8

const (
	FailGuard FailKind = iota
	FailDoneWithThisFrameVoid
	FailDoneWithThisFrameInt
	FailDoneWithThisFrameRef
	FailDoneWithThisFrameFloat
	FailExitFrameWithExceptionRef
	FailPropagateException
	FailFinishMulti
)

func (k FailKind) String() string {
	return [...]string{"guard", "done_void", "done_int", "done_ref", "done_float",
		"exit_frame_with_exception", "propagate_exception", "done_multi"}[k]
}

// FinishKind picks the final descr kind for the args of a finish op.
func FinishKind(args []Value) FailKind {
	switch len(args) {
	case 0:
		return FailDoneWithThisFrameVoid
	case 1:
		switch args[0].Type() {
		case TypeRef:
			return FailDoneWithThisFrameRef
		case TypeFloat:
			return FailDoneWithThisFrameFloat
		default:
			return FailDoneWithThisFrameInt
		}
	}
	return FailFinishMulti
}

// FailDescr is attached to guards and finish ops. The fail index is
// assigned by the back-end when the guard is compiled; the bridge address
// replaces the placeholder once a bridge is patched in.
type FailDescr struct {
	Name  string
	Final FailKind

	// set by the back-end
	Index       int32
	Loop        CellID
	GuardOp     Opcode
	FailTypes   []Type // types of the fail args, nil entries are holes
	Recovery    []byte // encoded fail-arg locations
	AdrJump     uint32 // address of the conditional branch to patch
	AdrRecovery uint32 // address of the failure trampoline
	AdrBridge   uint32 // 0 until a bridge is attached

	// resume data
	Snapshot  *Snapshot
	FrameInfo *FrameInfo
	FailArgs  []*Box // the boxes the fail boxes hold, nil for holes

	// hotness
	Counter      uint32
	ValueCounter *GuardCounters
	ValueArg     int // fail-arg index of the guarded value, -1 if none
}

// NewFailDescr returns an unregistered guard descr.
func NewFailDescr(name string) *FailDescr {
	return &FailDescr{Name: name, Index: -1, ValueArg: -1}
}

// NewFinalDescr returns the descr of a loop exit.
func NewFinalDescr(name string, kind FailKind) *FailDescr {
	d := NewFailDescr(name)
	d.Final = kind
	return d
}

func (d *FailDescr) Kind() DescrKind { return KindFail }
func (d *FailDescr) IsFinal() bool   { return d.Final != FailGuard }
func (d *FailDescr) String() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("<Guard%d>", d.Index)
}

// GuardCounters keeps five (value, counter) pairs for guards that fail
// with many different values. When the table is full the entry with the
// third highest counter is thrown away.
type GuardCounters struct {
	Values   [5]uint64
	Counters [5]uint32
}

// See records one more failure with the given value and returns the
// updated count for that value.
func (g *GuardCounters) See(value uint64) uint32 {
	unused := -1
	for i := 0; i < 5; i++ {
		if cnt := g.Counters[i]; cnt != 0 {
			if g.Values[i] == value {
				g.Counters[i] = cnt + 1
				return cnt + 1
			}
		} else {
			unused = i
		}
	}
	if unused >= 0 {
		g.Counters[unused] = 1
		g.Values[unused] = value
		return 1
	}
	// a, b, c: highest, second and third highest
	a, b, c := 0, -1, -1
	for i := 1; i < 5; i++ {
		if g.Counters[i] > g.Counters[a] {
			c, b, a = b, a, i
		} else if b < 0 || g.Counters[i] > g.Counters[b] {
			c, b = b, i
		} else if c < 0 || g.Counters[i] > g.Counters[c] {
			c = i
		}
	}
	g.Counters[c] = 1
	g.Values[c] = value
	return 1
}
