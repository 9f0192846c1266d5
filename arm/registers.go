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
package arm

import "github.com/launix-de/rjit/regalloc"

// Reg is a core register number.
type Reg uint32

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	FP // r11
	IP // r12, scratch
	SP
	LR // second scratch
	PC
)

// DReg is a double precision VFP register.
type DReg uint32

const (
	D0 DReg = iota
	D1
	D2
	D3
	D4
	D5
	D6
	D7
)

// D15 is the VFP scratch; its low half s30 takes integer conversions.
const (
	D15 DReg = 15
	S30      = 30
)

// Cond is the condition field of an instruction.
type Cond uint32

const (
	EQ Cond = iota
	NE
	HS
	LO
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

func (c Cond) String() string {
	return [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "", "nv"}[c]
}

// Shift is the shift type of a register operand.
type Shift uint32

const (
	LSL Shift = iota
	LSR
	ASR
	ROR
)

// register classes the allocator works with
var (
	coreRegs       = []regalloc.RegLoc{reg(R0), reg(R1), reg(R2), reg(R3), reg(R4), reg(R5), reg(R6), reg(R7), reg(R8), reg(R9), reg(R10)}
	coreCallerSave = []regalloc.RegLoc{reg(R0), reg(R1), reg(R2), reg(R3)}
	vfpRegs        = []regalloc.RegLoc{dreg(D0), dreg(D1), dreg(D2), dreg(D3), dreg(D4), dreg(D5), dreg(D6), dreg(D7)}
	argRegs        = []Reg{R0, R1, R2, R3}
)

func reg(r Reg) regalloc.RegLoc    { return regalloc.Core(int(r)) }
func dreg(d DReg) regalloc.RegLoc  { return regalloc.VFP(int(d)) }
func coreOf(l regalloc.RegLoc) Reg { return Reg(l.Num) }
func vfpOf(l regalloc.RegLoc) DReg { return DReg(l.Num) }

// regList builds the register mask of a PUSH or POP.
func regList(regs ...Reg) uint32 {
	var m uint32
	for _, r := range regs {
		m |= 1 << r
	}
	return m
}
