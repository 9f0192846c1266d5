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
package jitlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

// FileSink writes an lz4 compressed jitlog to <dir>/<session>.jitlog.lz4.
type FileSink struct {
	Path string
	f    *os.File
	zw   *lz4.Writer
	bw   *bufio.Writer
}

func NewFileSink(dir, session string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("jitlog: %w", err)
	}
	path := filepath.Join(dir, session+".jitlog.lz4")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("jitlog: %w", err)
	}
	zw := lz4.NewWriter(f)
	return &FileSink{Path: path, f: f, zw: zw, bw: bufio.NewWriter(zw)}, nil
}

func (s *FileSink) Write(recs []Record) error {
	if err := Encode(s.bw, recs); err != nil {
		return fmt.Errorf("jitlog: %s: %w", s.Path, err)
	}
	return s.bw.Flush()
}

func (s *FileSink) Close() error {
	if err := s.bw.Flush(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.zw.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadFile reads a jitlog written by a FileSink.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(lz4.NewReader(f))
}
