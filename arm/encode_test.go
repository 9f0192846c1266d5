package arm

import (
	"strings"
	"testing"
)

func TestEncodeImm(t *testing.T) {
	for _, tc := range []struct {
		v    uint32
		enc  uint32
		okay bool
	}{
		{0, 0, true},
		{0xFF, 0xFF, true},
		{0x100, 0xC01, true},
		{0xFF000000, 0x4FF, true},
		{0xF000000F, 0x2FF, true},
		{0x101, 0, false},
		{0xFFFFFFFF, 0, false},
	} {
		enc, ok := EncodeImm(tc.v)
		if ok != tc.okay || (ok && enc != tc.enc) {
			t.Errorf("EncodeImm(%#x) = %#x %v, want %#x %v", tc.v, enc, ok, tc.enc, tc.okay)
		}
	}
}

func TestEncodings(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"add r0, r1, #1", dpImm(AL, opADD, false, R0, R1, 1), 0xE2810001},
		{"cmp r0, #0xff000000", dpImm(AL, opCMP, true, 0, R0, 0xFF000000), 0xE35004FF},
		{"mov r0, r1", dpReg(AL, opMOV, false, R0, 0, R1, LSL, 0), 0xE1A00001},
		{"mov r0, r1, lsl r2", dpRegReg(AL, opMOV, false, R0, 0, R1, LSL, R2), 0xE1A00211},
		{"movw r0, #0x1234", movw(AL, R0, 0x1234), 0xE3010234},
		{"movt r0, #0xabcd", movt(AL, R0, 0xABCD), 0xE34A0BCD},
		{"mul r0, r1, r2", mul(AL, R0, R1, R2), 0xE0000291},
		{"smull r0, r1, r2, r3", smull(AL, R0, R1, R2, R3), 0xE0C10392},
		{"ldr r0, [r1, #4]", memImm(AL, true, false, R0, R1, 4), 0xE5910004},
		{"str r0, [r1, #-4]", memImm(AL, false, false, R0, R1, -4), 0xE5010004},
		{"ldrb r2, [r3, #1]", memImm(AL, true, true, R2, R3, 1), 0xE5D32001},
		{"ldr r0, [r1, r2, lsl #2]", memReg(AL, true, false, R0, R1, R2, 2), 0xE7910102},
		{"ldrh r0, [r1, #2]", halfImm(AL, true, shH, R0, R1, 2), 0xE1D100B2},
		{"ldrsh r0, [r1, #-2]", halfImm(AL, true, shSH, R0, R1, -2), 0xE15100F2},
		{"push {r4, lr}", push(AL, regList(R4, LR)), 0xE92D4010},
		{"pop {r4, pc}", pop(AL, regList(R4, PC)), 0xE8BD8010},
		{"bx lr", bx(AL, LR), 0xE12FFF1E},
		{"blx ip", blx(AL, IP), 0xE12FFF3C},
		{"b .", branchTo(AL, 0x1000, 0x1000), 0xEAFFFFFE},
		{"bne +0x1000", branchTo(NE, 0x1000, 0x2000), 0x1A0003FE},
		{"vldr d0, [r1, #8]", vldr(AL, D0, R1, 8), 0xED910B02},
		{"vstr d1, [fp, #-16]", vstr(AL, D1, FP, -16), 0xED0B1B04},
		{"vadd.f64 d0, d1, d2", vdp(AL, vADD, D0, D1, D2), 0xEE310B02},
		{"vmov r0, r1, d2", vmovRRD(AL, R0, R1, D2), 0xEC510B12},
		{"vpush {d0, d1}", vpush(AL, D0, 2), 0xED2D0B04},
		{"vmrs APSR_nzcv, fpscr", vmrs(AL), 0xEEF1FA10},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: got %08x, want %08x", tc.name, tc.got, tc.want)
		}
	}
}

func TestEncodePanics(t *testing.T) {
	for name, f := range map[string]func(){
		"immediate": func() { dpImm(AL, opADD, false, R0, R0, 0x101) },
		"offset":    func() { memImm(AL, true, false, R0, R1, 4096) },
		"halfword":  func() { halfImm(AL, true, shH, R0, R1, 256) },
		"vfp":       func() { vldr(AL, D0, R1, 6) },
		"branch":    func() { branchTo(AL, 0, 1<<26) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: no panic", name)
				}
			}()
			f()
		}()
	}
}

func TestCondInvert(t *testing.T) {
	for _, p := range [][2]Cond{{EQ, NE}, {LT, GE}, {GT, LE}, {HS, LO}} {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Errorf("%s and %s are not inverse", p[0], p[1])
		}
	}
}

func TestDisassemble(t *testing.T) {
	words := []uint32{0xE2810001, 0xE5910004, NOP, 0xE12FFF1E}
	for i, m := range []string{"add", "ldr", "nop", "bx"} {
		if got := DisassembleOne(words[i]); !strings.HasPrefix(got, m) {
			t.Errorf("%08x: got %q, want %s", words[i], got, m)
		}
	}
	code := make([]byte, 0, 16)
	for _, w := range words {
		code = append(code, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	out := Disassemble(code, 0x8000)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[1], "00008004:") {
		t.Errorf("listing:\n%s", out)
	}
}
