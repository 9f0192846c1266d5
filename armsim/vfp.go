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

import "math"

// S returns single register n, the low or high half of d(n/2).
func (c *CPU) S(n uint32) uint32 {
	d := c.D[n/2]
	if n&1 == 1 {
		return uint32(d >> 32)
	}
	return uint32(d)
}

func (c *CPU) SetS(n uint32, v uint32) {
	d := &c.D[n/2]
	if n&1 == 1 {
		*d = *d&0xFFFFFFFF | uint64(v)<<32
	} else {
		*d = *d&^0xFFFFFFFF | uint64(v)
	}
}

// F returns d(n) as a float.
func (c *CPU) F(n uint32) float64 { return math.Float64frombits(c.D[n]) }

func (c *CPU) SetF(n uint32, f float64) { c.D[n] = math.Float64bits(f) }

func dreg(v, hi uint32) uint32 {
	if hi != 0 {
		return 16 // d16-d31 are not implemented
	}
	return v
}

func (c *CPU) checkD(n uint32, w uint32) uint32 {
	if n >= 16 {
		c.undefined(w)
	}
	return n
}

// execVFPTransfer handles VLDR/VSTR, VLDM/VSTM (VPUSH/VPOP) and the
// two-register VMOV.
func (c *CPU) execVFPTransfer(w uint32) {
	cp := (w >> 8) & 15
	if cp != 10 && cp != 11 {
		c.undefined(w)
	}
	double := cp == 11
	if w&0x0FE00FD0 == 0x0C400B10 {
		dm := c.checkD(dreg(w&15, (w>>5)&1), w)
		rt, rt2 := (w>>12)&15, (w>>16)&15
		if (w>>20)&1 == 1 {
			c.R[rt], c.R[rt2] = uint32(c.D[dm]), uint32(c.D[dm]>>32)
		} else {
			c.D[dm] = uint64(c.R[rt2])<<32 | uint64(c.R[rt])
		}
		return
	}
	pre, up, wb, load := (w>>24)&1 == 1, (w>>23)&1 == 1, (w>>21)&1 == 1, (w>>20)&1 == 1
	rn := (w >> 16) & 15
	imm := (w & 0xFF) * 4
	vd, dbit := (w>>12)&15, (w>>22)&1
	first := dreg(vd, dbit)
	if !double {
		first = vd<<1 | dbit
	}
	base := c.reg(rn)
	if rn == PC {
		base &^= 3
	}
	if pre && !wb { // VLDR, VSTR
		addr := base - imm
		if up {
			addr = base + imm
		}
		c.vfpAccess(w, double, load, first, addr)
		return
	}
	if pre == up {
		c.undefined(w)
	}
	addr := base
	if !up { // decrement before
		addr = base - imm
	}
	count := w & 0xFF
	step := uint32(4)
	if double {
		count /= 2
		step = 8
	}
	for i := uint32(0); i < count; i++ {
		c.vfpAccess(w, double, load, first+i, addr+i*step)
	}
	if wb {
		if up {
			c.R[rn] = base + imm
		} else {
			c.R[rn] = base - imm
		}
	}
}

func (c *CPU) vfpAccess(w uint32, double, load bool, reg, addr uint32) {
	switch {
	case double && load:
		c.D[c.checkD(reg, w)] = c.Mem.Load64(addr)
	case double:
		c.Mem.Store64(addr, c.D[c.checkD(reg, w)])
	case load:
		c.SetS(reg, c.Mem.Load32(addr))
	default:
		c.Mem.Store32(addr, c.S(reg))
	}
}

func (c *CPU) execVFP(w uint32) {
	if (w>>24)&1 == 1 {
		c.undefined(w) // SVC
	}
	if (w>>4)&1 == 1 {
		c.execVFPRegTransfer(w)
		return
	}
	cp := (w >> 8) & 15
	if cp != 10 && cp != 11 {
		c.undefined(w)
	}
	double := cp == 11
	if !double {
		c.undefined(w) // single precision arithmetic is not emitted
	}
	vd, vn, vm := (w>>12)&15, (w>>16)&15, w&15
	d := c.checkD(dreg(vd, (w>>22)&1), w)
	n := dreg(vn, (w>>7)&1)
	m := dreg(vm, (w>>5)&1)
	op := (w>>20)&0xB | (w>>6)&1<<8
	switch op {
	case 0x002: // VMUL
		c.SetF(d, c.F(c.checkD(n, w))*c.F(c.checkD(m, w)))
		return
	case 0x003: // VADD
		c.SetF(d, c.F(c.checkD(n, w))+c.F(c.checkD(m, w)))
		return
	case 0x103: // VSUB
		c.SetF(d, c.F(c.checkD(n, w))-c.F(c.checkD(m, w)))
		return
	case 0x008: // VDIV
		c.SetF(d, c.F(c.checkD(n, w))/c.F(c.checkD(m, w)))
		return
	}
	if (w>>20)&0xB != 0xB || (w>>6)&1 == 0 {
		c.undefined(w)
	}
	opc2, hi := (w>>16)&15, (w>>7)&1
	switch {
	case opc2 == 0 && hi == 0: // VMOV
		c.D[d] = c.D[c.checkD(m, w)]
	case opc2 == 0: // VABS
		c.SetF(d, math.Abs(c.F(c.checkD(m, w))))
	case opc2 == 1 && hi == 0: // VNEG
		c.D[d] = c.D[c.checkD(m, w)] ^ 1<<63
	case opc2 == 1: // VSQRT
		c.SetF(d, math.Sqrt(c.F(c.checkD(m, w))))
	case opc2 == 4 || opc2 == 5: // VCMP, VCMPE
		b := 0.0
		if opc2 == 4 {
			b = c.F(c.checkD(m, w))
		}
		c.compare(c.F(d), b)
	case opc2 == 8: // VCVT.F64.S32 / .U32 Dd, Sm
		sm := vm<<1 | (w>>5)&1
		if hi == 1 {
			c.SetF(d, float64(int32(c.S(sm))))
		} else {
			c.SetF(d, float64(c.S(sm)))
		}
	case opc2 == 12 || opc2 == 13: // VCVT.S32.F64 / .U32 Sd, Dm
		sd := vd<<1 | (w>>22)&1
		f := c.F(c.checkD(m, w))
		if opc2 == 13 {
			c.SetS(sd, uint32(toInt32(f)))
		} else {
			c.SetS(sd, toUint32(f))
		}
	default:
		c.undefined(w)
	}
}

// toInt32 truncates toward zero and saturates like the VFP does.
func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func toUint32(f float64) uint32 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(f)
}

func (c *CPU) compare(a, b float64) {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		c.FN, c.FZ, c.FC, c.FV = false, false, true, true
	case a == b:
		c.FN, c.FZ, c.FC, c.FV = false, true, true, false
	case a < b:
		c.FN, c.FZ, c.FC, c.FV = true, false, false, false
	default:
		c.FN, c.FZ, c.FC, c.FV = false, false, true, false
	}
}

// execVFPRegTransfer handles VMOV between a core and a single register
// and VMRS.
func (c *CPU) execVFPRegTransfer(w uint32) {
	rt := (w >> 12) & 15
	switch {
	case w&0x0FFFFFFF == 0x0EF1FA10: // VMRS APSR_nzcv, FPSCR
		c.N, c.Z, c.C, c.V = c.FN, c.FZ, c.FC, c.FV
	case w&0x0FE00F7F == 0x0E000A10:
		sn := (w>>16)&15<<1 | (w>>7)&1
		if (w>>20)&1 == 1 {
			c.setReg(rt, c.S(sn))
		} else {
			c.SetS(sn, c.reg(rt))
		}
	default:
		c.undefined(w)
	}
}
