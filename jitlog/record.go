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
	"encoding/json"
	"io"
	"time"
)

// Record is one line of a jitlog.
type Record struct {
	Session string    `json:"session"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"` // loop, bridge, stub, patch, redirect, invalidate, free, failure, abort
	Loop    string    `json:"loop,omitempty"`
	LoopID  string    `json:"loop_id,omitempty"`
	Descr   string    `json:"descr,omitempty"`
	Index   int32     `json:"index"`
	Addr    uint32    `json:"addr,omitempty"`
	Size    int       `json:"size,omitempty"`
	Count   uint32    `json:"count,omitempty"`
	Disasm  string    `json:"disasm,omitempty"`
}

// Encode writes recs as newline-delimited JSON.
func Encode(w io.Writer, recs []Record) error {
	enc := json.NewEncoder(w)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads newline-delimited records until EOF.
func Decode(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	var recs []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}
