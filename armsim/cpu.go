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
package armsim

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	SP = 13
	LR = 14
	PC = 15
)

// HelperBase is the start of the address range that traps into Go.
const HelperBase = 0xF0000000

// ReturnAddr is put into lr by Call; reaching it ends the run.
const ReturnAddr = 0xFFFFFFF0

// Helper implements a routine the generated code calls with BL/BLX.
// It sees the registers of the caller and returns to lr.
type Helper func(c *CPU)

// Breakpoint is returned when a BKPT executes.
type Breakpoint struct {
	PC  uint32
	Imm uint16
}

func (b *Breakpoint) Error() string {
	return fmt.Sprintf("armsim: bkpt #%d at %#x", b.Imm, b.PC)
}

var ErrStepLimit = errors.New("armsim: step limit reached")

// Undefined is returned for instructions outside the supported subset.
type Undefined struct {
	PC   uint32
	Word uint32
}

func (u *Undefined) Error() string {
	return fmt.Sprintf("armsim: undefined instruction %08x at %#x", u.Word, u.PC)
}

// CPU is an ARMv7-A core in ARM state with a VFPv3-D16 unit.
type CPU struct {
	R          [16]uint32
	N, Z, C, V bool

	D              [16]uint64
	FN, FZ, FC, FV bool
	Mem            *Memory

	MaxSteps uint64
	Steps    uint64

	helpers map[uint32]Helper
	names   map[uint32]string
	cur     uint32 // address of the executing instruction
}

func NewCPU(mem *Memory) *CPU {
	return &CPU{Mem: mem, helpers: map[uint32]Helper{}, names: map[uint32]string{}}
}

// RegisterHelper installs fn at addr, which must lie in the helper range.
func (c *CPU) RegisterHelper(addr uint32, name string, fn Helper) {
	if addr < HelperBase || addr >= ReturnAddr {
		panic(fmt.Sprintf("armsim: helper %s outside the helper range: %#x", name, addr))
	}
	c.helpers[addr] = fn
	c.names[addr] = name
}

// HelperName returns the name a helper address was registered with.
func (c *CPU) HelperName(addr uint32) (string, bool) {
	n, ok := c.names[addr]
	return n, ok
}

// Call runs the code at entry with r0-r3 set from args until it returns.
func (c *CPU) Call(entry uint32, args ...uint32) error {
	for i, a := range args {
		c.R[i] = a
	}
	c.R[LR] = ReturnAddr
	c.R[PC] = entry
	return c.Run()
}

// Run executes until pc reaches ReturnAddr.
func (c *CPU) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *Fault:
				if e.PC == 0 {
					e.PC = c.cur
				}
				err = e
			case error:
				err = e
			default:
				panic(r)
			}
		}
	}()
	for c.R[PC] != ReturnAddr {
		if c.MaxSteps != 0 && c.Steps >= c.MaxSteps {
			return ErrStepLimit
		}
		c.Step()
	}
	return nil
}

// Step executes one instruction or one helper.
func (c *CPU) Step() {
	pc := c.R[PC]
	c.Steps++
	c.cur = pc
	if pc >= HelperBase {
		fn, ok := c.helpers[pc]
		if !ok {
			panic(&Undefined{PC: pc})
		}
		fn(c)
		c.R[PC] = c.R[LR]
		return
	}
	if pc&3 != 0 {
		panic(&Fault{Addr: pc, PC: pc})
	}
	w := c.Mem.Load32(pc)
	c.R[PC] = pc + 4
	if !c.cond(w >> 28) {
		return
	}
	c.exec(w)
}

// reg reads a register as an operand; pc reads as the instruction
// address plus 8.
func (c *CPU) reg(n uint32) uint32 {
	if n == PC {
		return c.cur + 8
	}
	return c.R[n]
}

func (c *CPU) setReg(n uint32, v uint32) {
	if n == PC {
		v &^= 3
	}
	c.R[n] = v
}

func (c *CPU) cond(cc uint32) bool {
	switch cc {
	case 0x0:
		return c.Z
	case 0x1:
		return !c.Z
	case 0x2:
		return c.C
	case 0x3:
		return !c.C
	case 0x4:
		return c.N
	case 0x5:
		return !c.N
	case 0x6:
		return c.V
	case 0x7:
		return !c.V
	case 0x8:
		return c.C && !c.Z
	case 0x9:
		return !c.C || c.Z
	case 0xA:
		return c.N == c.V
	case 0xB:
		return c.N != c.V
	case 0xC:
		return !c.Z && c.N == c.V
	case 0xD:
		return c.Z || c.N != c.V
	case 0xE:
		return true
	}
	panic(&Undefined{PC: c.cur, Word: cc << 28})
}

func (c *CPU) undefined(w uint32) {
	panic(&Undefined{PC: c.cur, Word: w})
}

func (c *CPU) exec(w uint32) {
	switch (w >> 25) & 7 {
	case 0:
		c.execGroup0(w)
	case 1:
		c.execGroup1(w)
	case 2, 3:
		if (w>>25)&1 == 1 && (w>>4)&1 == 1 {
			c.undefined(w) // media instructions
		}
		c.execLoadStore(w)
	case 4:
		c.execBlock(w)
	case 5:
		off := int32(w<<8) >> 6
		if (w>>24)&1 == 1 {
			c.R[LR] = c.cur + 4
		}
		c.R[PC] = uint32(int32(c.cur+8) + off)
	case 6:
		c.execVFPTransfer(w)
	case 7:
		c.execVFP(w)
	}
}

func (c *CPU) execGroup0(w uint32) {
	switch {
	case w&0x0FFFFFD0 == 0x012FFF10: // BX, BLX register
		target := c.reg(w & 15)
		if (w>>5)&1 == 1 {
			c.R[LR] = c.cur + 4
		}
		c.R[PC] = target &^ 1
	case w&0x0FF000F0 == 0x01200070:
		panic(&Breakpoint{PC: c.cur, Imm: uint16((w>>4)&0xFFF0 | w&0xF)})
	case w&0x0FC000F0 == 0x00000090:
		c.execMul(w)
	case w&0x0F8000F0 == 0x00800090:
		c.execMulLong(w)
	case w&0x90 == 0x90 && (w>>5)&3 != 0:
		c.execHalf(w)
	case w&0x90 == 0x90:
		c.undefined(w)
	case w&0x01900000 == 0x01000000:
		c.undefined(w) // MRS, MSR and friends
	default:
		var op2 uint32
		var carry bool
		if (w>>4)&1 == 0 {
			op2, carry = c.shiftImm(c.reg(w&15), (w>>5)&3, (w>>7)&31)
		} else {
			op2, carry = c.shiftReg(c.reg(w&15), (w>>5)&3, c.R[(w>>8)&15]&0xFF)
		}
		c.dataProc(w, op2, carry)
	}
}

func (c *CPU) execGroup1(w uint32) {
	switch {
	case w&0x0FF00000 == 0x03000000: // MOVW
		c.setReg((w>>12)&15, (w>>4)&0xF000|w&0xFFF)
	case w&0x0FF00000 == 0x03400000: // MOVT
		rd := (w >> 12) & 15
		c.setReg(rd, c.R[rd]&0xFFFF|((w>>4)&0xF000|w&0xFFF)<<16)
	case w&0x0FFFFF00 == 0x0320F000: // NOP and hints
	case w&0x01900000 == 0x01000000:
		c.undefined(w)
	default:
		rot := ((w >> 8) & 15) * 2
		imm := bits.RotateLeft32(w&0xFF, -int(rot))
		carry := c.C
		if rot != 0 {
			carry = imm>>31 == 1
		}
		c.dataProc(w, imm, carry)
	}
}

func (c *CPU) shiftImm(v, typ, amount uint32) (uint32, bool) {
	switch typ {
	case 0:
		if amount == 0 {
			return v, c.C
		}
		return v << amount, (v>>(32-amount))&1 == 1
	case 1:
		if amount == 0 {
			return 0, v>>31 == 1
		}
		return v >> amount, (v>>(amount-1))&1 == 1
	case 2:
		if amount == 0 {
			amount = 32
		}
		return c.asr(v, amount)
	default:
		if amount == 0 { // RRX
			var in uint32
			if c.C {
				in = 1 << 31
			}
			return in | v>>1, v&1 == 1
		}
		r := bits.RotateLeft32(v, -int(amount))
		return r, r>>31 == 1
	}
}

func (c *CPU) asr(v, amount uint32) (uint32, bool) {
	if amount >= 32 {
		if int32(v) < 0 {
			return 0xFFFFFFFF, true
		}
		return 0, false
	}
	return uint32(int32(v) >> amount), (v>>(amount-1))&1 == 1
}

func (c *CPU) shiftReg(v, typ, amount uint32) (uint32, bool) {
	if amount == 0 {
		return v, c.C
	}
	switch typ {
	case 0:
		if amount > 32 {
			return 0, false
		}
		if amount == 32 {
			return 0, v&1 == 1
		}
		return v << amount, (v>>(32-amount))&1 == 1
	case 1:
		if amount > 32 {
			return 0, false
		}
		if amount == 32 {
			return 0, v>>31 == 1
		}
		return v >> amount, (v>>(amount-1))&1 == 1
	case 2:
		return c.asr(v, amount)
	default:
		r := bits.RotateLeft32(v, -int(amount&31))
		return r, r>>31 == 1
	}
}

func addWithCarry(x, y uint32, carryIn bool) (uint32, bool, bool) {
	var cin uint32
	if carryIn {
		cin = 1
	}
	sum, cout := bits.Add32(x, y, cin)
	r := int64(int32(x)) + int64(int32(y)) + int64(cin)
	return sum, cout == 1, r != int64(int32(sum))
}

func (c *CPU) dataProc(w, op2 uint32, shiftCarry bool) {
	opcode := (w >> 21) & 15
	setFlags := (w>>20)&1 == 1
	rn := (w >> 16) & 15
	rd := (w >> 12) & 15
	a := c.reg(rn)
	var res uint32
	carry, overflow := c.C, c.V
	arith := true
	write := true
	switch opcode {
	case 0x0: // AND
		res, arith = a&op2, false
	case 0x1: // EOR
		res, arith = a^op2, false
	case 0x2: // SUB
		res, carry, overflow = addWithCarry(a, ^op2, true)
	case 0x3: // RSB
		res, carry, overflow = addWithCarry(^a, op2, true)
	case 0x4: // ADD
		res, carry, overflow = addWithCarry(a, op2, false)
	case 0x5: // ADC
		res, carry, overflow = addWithCarry(a, op2, c.C)
	case 0x6: // SBC
		res, carry, overflow = addWithCarry(a, ^op2, c.C)
	case 0x7: // RSC
		res, carry, overflow = addWithCarry(^a, op2, c.C)
	case 0x8: // TST
		res, arith, write = a&op2, false, false
	case 0x9: // TEQ
		res, arith, write = a^op2, false, false
	case 0xA: // CMP
		res, carry, overflow = addWithCarry(a, ^op2, true)
		write = false
	case 0xB: // CMN
		res, carry, overflow = addWithCarry(a, op2, false)
		write = false
	case 0xC: // ORR
		res, arith = a|op2, false
	case 0xD: // MOV
		res, arith = op2, false
	case 0xE: // BIC
		res, arith = a&^op2, false
	case 0xF: // MVN
		res, arith = ^op2, false
	}
	if write {
		c.setReg(rd, res)
	}
	if setFlags && rd != PC {
		c.N = res>>31 == 1
		c.Z = res == 0
		if arith {
			c.C, c.V = carry, overflow
		} else {
			c.C = shiftCarry
		}
	}
}

func (c *CPU) execMul(w uint32) {
	rd := (w >> 16) & 15
	rm, rs := c.R[w&15], c.R[(w>>8)&15]
	res := rm * rs
	if (w>>21)&1 == 1 { // MLA
		res += c.R[(w>>12)&15]
	}
	c.R[rd] = res
	if (w>>20)&1 == 1 {
		c.N, c.Z = res>>31 == 1, res == 0
	}
}

func (c *CPU) execMulLong(w uint32) {
	rdHi, rdLo := (w>>16)&15, (w>>12)&15
	rm, rs := c.R[w&15], c.R[(w>>8)&15]
	var res uint64
	if (w>>22)&1 == 1 {
		res = uint64(int64(int32(rm)) * int64(int32(rs)))
	} else {
		res = uint64(rm) * uint64(rs)
	}
	if (w>>21)&1 == 1 { // accumulate
		res += uint64(c.R[rdHi])<<32 | uint64(c.R[rdLo])
	}
	c.R[rdLo], c.R[rdHi] = uint32(res), uint32(res>>32)
	if (w>>20)&1 == 1 {
		c.N, c.Z = res>>63 == 1, res == 0
	}
}

// address computes the effective address of a load/store with the P, U
// and W bits and does the base writeback.
func (c *CPU) address(w, rn, offset uint32) uint32 {
	base := c.reg(rn)
	if rn == PC {
		base &^= 3
	}
	pre, up, wb := (w>>24)&1 == 1, (w>>23)&1 == 1, (w>>21)&1 == 1
	target := base - offset
	if up {
		target = base + offset
	}
	addr := base
	if pre {
		addr = target
	}
	if !pre || wb {
		c.R[rn] = target
	}
	return addr
}

func (c *CPU) execLoadStore(w uint32) {
	var offset uint32
	if (w>>25)&1 == 0 {
		offset = w & 0xFFF
	} else {
		offset, _ = c.shiftImm(c.reg(w&15), (w>>5)&3, (w>>7)&31)
	}
	rn, rt := (w>>16)&15, (w>>12)&15
	load, byteAccess := (w>>20)&1 == 1, (w>>22)&1 == 1
	value := c.reg(rt)
	addr := c.address(w, rn, offset)
	switch {
	case load && byteAccess:
		c.setReg(rt, uint32(c.Mem.Load8(addr)))
	case load:
		c.setReg(rt, c.Mem.Load32(addr))
	case byteAccess:
		c.Mem.Store8(addr, byte(value))
	default:
		c.Mem.Store32(addr, value)
	}
}

func (c *CPU) execHalf(w uint32) {
	var offset uint32
	if (w>>22)&1 == 1 {
		offset = (w>>4)&0xF0 | w&0xF
	} else {
		offset = c.R[w&15]
	}
	rn, rt := (w>>16)&15, (w>>12)&15
	load := (w>>20)&1 == 1
	sh := (w >> 5) & 3
	if !load && sh != 1 {
		c.undefined(w) // LDRD/STRD
	}
	value := c.reg(rt)
	addr := c.address(w, rn, offset)
	if !load {
		c.Mem.Store16(addr, uint16(value))
		return
	}
	switch sh {
	case 1:
		c.setReg(rt, uint32(c.Mem.Load16(addr)))
	case 2:
		c.setReg(rt, uint32(int32(int8(c.Mem.Load8(addr)))))
	case 3:
		c.setReg(rt, uint32(int32(int16(c.Mem.Load16(addr)))))
	}
}

func (c *CPU) execBlock(w uint32) {
	if (w>>22)&1 == 1 {
		c.undefined(w)
	}
	rn := (w >> 16) & 15
	list := w & 0xFFFF
	n := uint32(bits.OnesCount32(list))
	pre, up, wb, load := (w>>24)&1 == 1, (w>>23)&1 == 1, (w>>21)&1 == 1, (w>>20)&1 == 1
	base := c.R[rn]
	var addr uint32
	switch {
	case up && !pre:
		addr = base
	case up && pre:
		addr = base + 4
	case !up && !pre:
		addr = base - 4*n + 4
	default:
		addr = base - 4*n
	}
	final := base - 4*n
	if up {
		final = base + 4*n
	}
	var values [16]uint32
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		if load {
			values[r] = c.Mem.Load32(addr)
		} else {
			v := c.R[r]
			if r == PC {
				v = c.cur + 8
			}
			c.Mem.Store32(addr, v)
		}
		addr += 4
	}
	if wb {
		c.R[rn] = final
	}
	if load {
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) != 0 {
				c.setReg(r, values[r])
			}
		}
	}
}
