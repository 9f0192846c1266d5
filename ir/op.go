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

import (
	"errors"
	"fmt"
)

// Op is one operation of a trace.
type Op struct {
	Opcode   Opcode
	Args     []Value
	Result   *Box
	Descr    Descr
	FailArgs []*Box // guards only; nil entries are holes
}

// NewOp builds an op; result may be nil.
func NewOp(opcode Opcode, args []Value, result *Box, descr Descr) *Op {
	return &Op{Opcode: opcode, Args: args, Result: result, Descr: descr}
}

func (op *Op) Arg(i int) Value { return op.Args[i] }
func (op *Op) NumArgs() int    { return len(op.Args) }
func (op *Op) IsGuard() bool   { return op.Opcode.IsGuard() }
func (op *Op) IsCall() bool    { return op.Opcode.IsCall() }
func (op *Op) IsFinal() bool   { return op.Opcode.IsFinal() }
func (op *Op) HasResult() bool { return op.Result != nil }

// FailDescr returns the guard descr of a guard or finish op.
func (op *Op) FailDescr() *FailDescr {
	d, _ := op.Descr.(*FailDescr)
	return d
}

// CallDescr returns the call descr of a call op.
func (op *Op) CallDescr() *CallDescr {
	d, _ := op.Descr.(*CallDescr)
	return d
}

// CanMallocOrCollect is true when executing op may run the GC.
func (op *Op) CanMallocOrCollect() bool {
	if !op.Opcode.CanMallocOrCollect() {
		return false
	}
	if op.Opcode == Call || op.Opcode == CallReleaseGil {
		if cd := op.CallDescr(); cd != nil {
			return cd.Effect.CheckCanCollect()
		}
	}
	return true
}

// Clone copies the op with fresh arg slices (boxes are shared).
func (op *Op) Clone() *Op {
	n := *op
	n.Args = append([]Value(nil), op.Args...)
	if op.FailArgs != nil {
		n.FailArgs = append([]*Box(nil), op.FailArgs...)
	}
	return &n
}

func (op *Op) String() string {
	s := ""
	if op.Result != nil {
		s = op.Result.String() + " = "
	}
	s += op.Opcode.String() + "("
	for i, a := range op.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			s += ", "
		}
		s += "descr=" + DescrName(op.Descr)
	}
	s += ")"
	if op.IsGuard() || op.FailArgs != nil {
		s += " ["
		for i, b := range op.FailArgs {
			if i > 0 {
				s += ", "
			}
			if b == nil {
				s += "None"
			} else {
				s += b.String()
			}
		}
		s += "]"
	}
	return s
}

// DescrName prints a descr by its namespace name when it has one.
func DescrName(d Descr) string {
	name := ""
	switch d := d.(type) {
	case *SizeDescr:
		name = d.Name
	case *ArrayDescr:
		name = d.Name
	case *FieldDescr:
		name = d.Name
	case *CallDescr:
		name = d.Name
	case *FailDescr:
		name = d.Name
	case *JitCellToken:
		name = d.Name
	case *TargetToken:
		name = d.Name
	}
	if name == "" {
		return d.String()
	}
	return name
}

// Trace is the unit handed from the tracer to the back-end.
type Trace struct {
	InputArgs []*Box
	Ops       []*Op
}

var ErrEmptyTrace = errors.New("ir: empty trace")

// Validate checks the upstream contract: every box is defined before use,
// the trace ends in jump or finish, guards carry a fail descr of their own.
func (t *Trace) Validate() error {
	if len(t.Ops) == 0 {
		return ErrEmptyTrace
	}
	defined := make(map[*Box]bool, len(t.InputArgs)+len(t.Ops))
	exits := make(map[*FailDescr]int)
	for _, b := range t.InputArgs {
		if defined[b] {
			return fmt.Errorf("ir: input arg %s given twice", b)
		}
		defined[b] = true
	}
	use := func(i int, v Value) error {
		if b := AsBox(v); b != nil && !defined[b] {
			return fmt.Errorf("ir: op %d (%s) uses %s before definition", i, t.Ops[i].Opcode, b)
		}
		return nil
	}
	for i, op := range t.Ops {
		if n := op.Opcode.Arity(); n >= 0 && n != len(op.Args) {
			return fmt.Errorf("ir: op %d (%s) expects %d args, got %d", i, op.Opcode, n, len(op.Args))
		}
		for _, a := range op.Args {
			if err := use(i, a); err != nil {
				return err
			}
		}
		if fd := op.FailDescr(); fd != nil {
			// each exit owns its descr: locations and patch sites live there
			if j, ok := exits[fd]; ok {
				return fmt.Errorf("ir: op %d (%s) reuses descr %s of op %d", i, op.Opcode, fd, j)
			}
			exits[fd] = i
		}
		if op.IsGuard() {
			if op.FailDescr() == nil {
				return fmt.Errorf("ir: guard %d (%s) has no fail descr", i, op.Opcode)
			}
			for _, b := range op.FailArgs {
				if b != nil {
					if err := use(i, b); err != nil {
						return err
					}
				}
			}
		}
		if op.IsFinal() && i != len(t.Ops)-1 {
			return fmt.Errorf("ir: %s at op %d is not the last op", op.Opcode, i)
		}
		if op.Opcode == Label {
			// label args redefine the loop state
			for _, a := range op.Args {
				if b := AsBox(a); b != nil {
					defined[b] = true
				}
			}
		}
		if op.Result != nil {
			if defined[op.Result] {
				return fmt.Errorf("ir: %s defined twice", op.Result)
			}
			defined[op.Result] = true
		}
	}
	if last := t.Ops[len(t.Ops)-1]; !last.IsFinal() {
		return fmt.Errorf("ir: trace ends with %s, expected jump or finish", last.Opcode)
	}
	return nil
}

// String prints the trace in the text format accepted by Parse.
func (t *Trace) String() string {
	s := "["
	for i, b := range t.InputArgs {
		if i > 0 {
			s += ", "
		}
		s += b.String()
	}
	s += "]\n"
	for _, op := range t.Ops {
		s += op.String() + "\n"
	}
	return s
}
