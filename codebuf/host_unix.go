//go:build unix

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
package codebuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostMapping is a page-aligned anonymous mapping that mirrors the code
// arena on the host. Writes switch it to RW and back to RX.
type HostMapping struct {
	mem []byte
}

func NewHostMapping(size int) (*HostMapping, error) {
	page := unix.Getpagesize()
	n := (size + page - 1) &^ (page - 1)
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codebuf: mmap %d bytes: %w", n, err)
	}
	return &HostMapping{mem: b}, nil
}

// Write copies code to offset ofs and makes the mapping executable again.
func (h *HostMapping) Write(ofs int, code []byte) error {
	if ofs < 0 || ofs+len(code) > len(h.mem) {
		return fmt.Errorf("codebuf: write of %d bytes at %d outside mapping of %d", len(code), ofs, len(h.mem))
	}
	if err := unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	copy(h.mem[ofs:], code)
	return unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_EXEC)
}

func (h *HostMapping) Bytes() []byte { return h.mem }

func (h *HostMapping) Close() error {
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}
