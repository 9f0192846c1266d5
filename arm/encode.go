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

import (
	"fmt"
	"math/bits"
)

// data processing opcodes
const (
	opAND = 0x0
	opEOR = 0x1
	opSUB = 0x2
	opRSB = 0x3
	opADD = 0x4
	opADC = 0x5
	opSBC = 0x6
	opRSC = 0x7
	opTST = 0x8
	opTEQ = 0x9
	opCMP = 0xA
	opCMN = 0xB
	opORR = 0xC
	opMOV = 0xD
	opBIC = 0xE
	opMVN = 0xF
)

// fixed instruction words
const (
	NOP  = 0xE320F000
	BKPT = 0xE1200070
)

// EncodeImm returns the rotated 12-bit immediate for v.
func EncodeImm(v uint32) (uint32, bool) {
	for rot := uint32(0); rot < 16; rot++ {
		if x := bits.RotateLeft32(v, int(2*rot)); x <= 0xFF {
			return rot<<8 | x, true
		}
	}
	return 0, false
}

func flagS(s bool) uint32 {
	if s {
		return 1 << 20
	}
	return 0
}

// dpImm is a data processing instruction with an immediate operand that
// must be encodable.
func dpImm(c Cond, op uint32, s bool, rd, rn Reg, imm uint32) uint32 {
	enc, ok := EncodeImm(imm)
	if !ok {
		panic(fmt.Sprintf("arm: immediate %#x not encodable", imm))
	}
	return uint32(c)<<28 | 1<<25 | op<<21 | flagS(s) | uint32(rn)<<16 | uint32(rd)<<12 | enc
}

// dpReg is a data processing instruction with a register operand shifted
// by an immediate.
func dpReg(c Cond, op uint32, s bool, rd, rn, rm Reg, st Shift, amount uint32) uint32 {
	return uint32(c)<<28 | op<<21 | flagS(s) | uint32(rn)<<16 | uint32(rd)<<12 | (amount&31)<<7 | uint32(st)<<5 | uint32(rm)
}

// dpRegReg shifts rm by the amount held in rs.
func dpRegReg(c Cond, op uint32, s bool, rd, rn, rm Reg, st Shift, rs Reg) uint32 {
	return uint32(c)<<28 | op<<21 | flagS(s) | uint32(rn)<<16 | uint32(rd)<<12 | uint32(rs)<<8 | uint32(st)<<5 | 1<<4 | uint32(rm)
}

func movw(c Cond, rd Reg, imm uint16) uint32 {
	return uint32(c)<<28 | 0x03000000 | uint32(imm>>12)<<16 | uint32(rd)<<12 | uint32(imm&0xFFF)
}

func movt(c Cond, rd Reg, imm uint16) uint32 {
	return uint32(c)<<28 | 0x03400000 | uint32(imm>>12)<<16 | uint32(rd)<<12 | uint32(imm&0xFFF)
}

func mul(c Cond, rd, rm, rs Reg) uint32 {
	return uint32(c)<<28 | 0x00000090 | uint32(rd)<<16 | uint32(rs)<<8 | uint32(rm)
}

func smull(c Cond, lo, hi, rm, rs Reg) uint32 {
	return uint32(c)<<28 | 0x00C00090 | uint32(hi)<<16 | uint32(lo)<<12 | uint32(rs)<<8 | uint32(rm)
}

func umull(c Cond, lo, hi, rm, rs Reg) uint32 {
	return uint32(c)<<28 | 0x00800090 | uint32(hi)<<16 | uint32(lo)<<12 | uint32(rs)<<8 | uint32(rm)
}

// offset splits a signed offset into the U bit and its magnitude.
func offset(ofs int) (uint32, uint32) {
	if ofs < 0 {
		return 0, uint32(-ofs)
	}
	return 1, uint32(ofs)
}

// memImm is LDR/STR/LDRB/STRB [rn, #ofs].
func memImm(c Cond, load, byteAccess bool, rt, rn Reg, ofs int) uint32 {
	u, mag := offset(ofs)
	if mag > 0xFFF {
		panic(fmt.Sprintf("arm: load/store offset %d out of range", ofs))
	}
	w := uint32(c)<<28 | 1<<26 | 1<<24 | u<<23 | uint32(rn)<<16 | uint32(rt)<<12 | mag
	if byteAccess {
		w |= 1 << 22
	}
	if load {
		w |= 1 << 20
	}
	return w
}

// memReg is LDR/STR/LDRB/STRB [rn, rm, LSL #shift].
func memReg(c Cond, load, byteAccess bool, rt, rn, rm Reg, shift uint32) uint32 {
	w := uint32(c)<<28 | 1<<26 | 1<<25 | 1<<24 | 1<<23 | uint32(rn)<<16 | uint32(rt)<<12 | (shift&31)<<7 | uint32(rm)
	if byteAccess {
		w |= 1 << 22
	}
	if load {
		w |= 1 << 20
	}
	return w
}

// halfword and signed transfers
const (
	shH  = 1 // LDRH, STRH
	shSB = 2 // LDRSB
	shSH = 3 // LDRSH
)

func halfImm(c Cond, load bool, sh uint32, rt, rn Reg, ofs int) uint32 {
	u, mag := offset(ofs)
	if mag > 0xFF {
		panic(fmt.Sprintf("arm: halfword offset %d out of range", ofs))
	}
	w := uint32(c)<<28 | 1<<24 | u<<23 | 1<<22 | uint32(rn)<<16 | uint32(rt)<<12 | (mag>>4)<<8 | 0x90 | sh<<5 | mag&0xF
	if load {
		w |= 1 << 20
	}
	return w
}

func halfReg(c Cond, load bool, sh uint32, rt, rn, rm Reg) uint32 {
	w := uint32(c)<<28 | 1<<24 | 1<<23 | uint32(rn)<<16 | uint32(rt)<<12 | 0x90 | sh<<5 | uint32(rm)
	if load {
		w |= 1 << 20
	}
	return w
}

func push(c Cond, list uint32) uint32 { return uint32(c)<<28 | 0x092D0000 | list }
func pop(c Cond, list uint32) uint32  { return uint32(c)<<28 | 0x08BD0000 | list }

// branches; the offset is filled in by a fixup, a reloc or branchTo
func branch(c Cond) uint32      { return uint32(c)<<28 | 0x0A000000 }
func branchLink(c Cond) uint32  { return uint32(c)<<28 | 0x0B000000 }
func bx(c Cond, rm Reg) uint32  { return uint32(c)<<28 | 0x012FFF10 | uint32(rm) }
func blx(c Cond, rm Reg) uint32 { return uint32(c)<<28 | 0x012FFF30 | uint32(rm) }

func bkpt(imm uint16) uint32 {
	return BKPT | uint32(imm>>4)<<8 | uint32(imm&0xF)
}

// branchTo encodes a branch at address from to address to.
func branchTo(c Cond, from, to uint32) uint32 {
	off := (int64(to) - int64(from) - 8) >> 2
	if off < -(1<<23) || off >= 1<<23 {
		panic("arm: branch out of range")
	}
	return branch(c) | uint32(off)&0xFFFFFF
}

// VFP

func vdreg(d DReg) (uint32, uint32) { return uint32(d) & 0xF, uint32(d) >> 4 }

func vmem(c Cond, load bool, d DReg, rn Reg, ofs int) uint32 {
	u, mag := offset(ofs)
	if mag&3 != 0 || mag > 1020 {
		panic(fmt.Sprintf("arm: vfp offset %d out of range", ofs))
	}
	vd, dbit := vdreg(d)
	w := uint32(c)<<28 | 0x0D000B00 | u<<23 | dbit<<22 | uint32(rn)<<16 | vd<<12 | mag>>2
	if load {
		w |= 1 << 20
	}
	return w
}

func vldr(c Cond, d DReg, rn Reg, ofs int) uint32 { return vmem(c, true, d, rn, ofs) }
func vstr(c Cond, d DReg, rn Reg, ofs int) uint32 { return vmem(c, false, d, rn, ofs) }

// vpush and vpop move n consecutive registers starting at first.
func vpush(c Cond, first DReg, n int) uint32 {
	return uint32(c)<<28 | 0x0D2D0B00 | uint32(first)<<12 | uint32(2*n)
}

func vpop(c Cond, first DReg, n int) uint32 {
	return uint32(c)<<28 | 0x0CBD0B00 | uint32(first)<<12 | uint32(2*n)
}

// vdp is a three-register VFP data processing instruction on doubles.
func vdp(c Cond, base uint32, d, n, m DReg) uint32 {
	return uint32(c)<<28 | base | uint32(n)<<16 | uint32(d)<<12 | uint32(m)
}

const (
	vMUL  = 0x0E200B00
	vADD  = 0x0E300B00
	vSUB  = 0x0E300B40
	vDIV  = 0x0E800B00
	vMOV  = 0x0EB00B40
	vABS  = 0x0EB00BC0
	vNEG  = 0x0EB10B40
	vSQRT = 0x0EB10BC0
	vCMP  = 0x0EB40B40
)

// vunary is VMOV/VABS/VNEG/VSQRT/VCMP: d = op(m).
func vunary(c Cond, base uint32, d, m DReg) uint32 {
	return uint32(c)<<28 | base | uint32(d)<<12 | uint32(m)
}

// vcvtF64S32 converts the signed integer in sm to the double dd.
func vcvtF64S32(c Cond, d DReg, sm uint32) uint32 {
	return uint32(c)<<28 | 0x0EB80BC0 | uint32(d)<<12 | (sm&1)<<5 | sm>>1
}

// vcvtS32F64 truncates the double dm into the integer register sd.
func vcvtS32F64(c Cond, sd uint32, m DReg) uint32 {
	return uint32(c)<<28 | 0x0EBD0BC0 | (sd&1)<<22 | (sd>>1)<<12 | uint32(m)
}

// vmovDRR is VMOV dm, rt, rt2.
func vmovDRR(c Cond, m DReg, rt, rt2 Reg) uint32 {
	return uint32(c)<<28 | 0x0C400B10 | uint32(rt2)<<16 | uint32(rt)<<12 | uint32(m)
}

// vmovRRD is VMOV rt, rt2, dm.
func vmovRRD(c Cond, rt, rt2 Reg, m DReg) uint32 {
	return uint32(c)<<28 | 0x0C500B10 | uint32(rt2)<<16 | uint32(rt)<<12 | uint32(m)
}

// vmovSR is VMOV sn, rt.
func vmovSR(c Cond, sn uint32, rt Reg) uint32 {
	return uint32(c)<<28 | 0x0E000A10 | (sn>>1)<<16 | uint32(rt)<<12 | (sn&1)<<7
}

// vmovRS is VMOV rt, sn.
func vmovRS(c Cond, rt Reg, sn uint32) uint32 {
	return uint32(c)<<28 | 0x0E100A10 | (sn>>1)<<16 | uint32(rt)<<12 | (sn&1)<<7
}

// vmrs copies the FPSCR flags into APSR.
func vmrs(c Cond) uint32 { return uint32(c)<<28 | 0x0EF1FA10 }
