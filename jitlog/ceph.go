//go:build ceph

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
	"bytes"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
	"github.com/pierrec/lz4/v4"
)

// CephSink collects a compressed jitlog and writes it as one RADOS
// object <prefix>/<session>.jitlog.lz4 when it is closed.
type CephSink struct {
	UserName    string // e.g. "client.admin"
	ClusterName string // often "ceph"
	ConfFile    string // optional
	Pool        string
	Prefix      string

	session string
	mu      sync.Mutex
	buf     bytes.Buffer
	zw      *lz4.Writer
}

func NewCephSink(session, cluster, user, pool, prefix string) (*CephSink, error) {
	s := &CephSink{ClusterName: cluster, UserName: user, Pool: pool, Prefix: prefix, session: session}
	s.zw = lz4.NewWriter(&s.buf)
	return s, nil
}

func (s *CephSink) object() string {
	return path.Join(strings.TrimSuffix(s.Prefix, "/"), s.session+".jitlog.lz4")
}

func (s *CephSink) Write(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Encode(s.zw, recs)
}

func (s *CephSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.zw.Close(); err != nil {
		return err
	}
	conn, err := rados.NewConnWithClusterAndUser(s.ClusterName, s.UserName)
	if err != nil {
		return fmt.Errorf("jitlog: ceph: %w", err)
	}
	defer conn.Shutdown()
	if s.ConfFile != "" {
		if err := conn.ReadConfigFile(s.ConfFile); err != nil {
			return fmt.Errorf("jitlog: ceph: %w", err)
		}
	} else {
		// CEPH_ARGS/CEPH_CONF or the defaults
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("jitlog: ceph: %w", err)
	}
	ioctx, err := conn.OpenIOContext(s.Pool)
	if err != nil {
		return fmt.Errorf("jitlog: ceph: %w", err)
	}
	defer ioctx.Destroy()
	return ioctx.WriteFull(s.object(), s.buf.Bytes())
}
