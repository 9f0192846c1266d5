//go:build !ceph

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

import "errors"

var ErrNoCeph = errors.New("jitlog: ceph support not compiled in, build with -tags=ceph")

// CephSink is a stub when Ceph support is not compiled in.
type CephSink struct{}

func NewCephSink(session, cluster, user, pool, prefix string) (*CephSink, error) {
	return nil, ErrNoCeph
}

func (s *CephSink) Write(recs []Record) error { return ErrNoCeph }
func (s *CephSink) Close() error              { return ErrNoCeph }
