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
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

// Disassemble lists code placed at base in GNU syntax, one instruction
// per line. Words that do not decode are shown as .word.
func Disassemble(code []byte, base uint32) string {
	var sb strings.Builder
	for i := 0; i+4 <= len(code); i += 4 {
		word := binary.LittleEndian.Uint32(code[i:])
		text := fmt.Sprintf(".word %#08x", word)
		if inst, err := armasm.Decode(code[i:i+4], armasm.ModeARM); err == nil {
			text = armasm.GNUSyntax(inst)
		}
		fmt.Fprintf(&sb, "%08x:  %08x  %s\n", base+uint32(i), word, text)
	}
	return sb.String()
}

// DisassembleOne decodes a single instruction word.
func DisassembleOne(word uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	inst, err := armasm.Decode(b[:], armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word %#08x", word)
	}
	return armasm.GNUSyntax(inst)
}
