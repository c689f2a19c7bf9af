//go:build ceph

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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

package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

func init() {
	Backends["ceph"] = func(cfg Config) (Store, error) { return NewCephStore(cfg), nil }
}

// CephStore keeps entries as RADOS objects <prefix>/<key> in one pool.
type CephStore struct {
	cfg Config

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

func NewCephStore(cfg Config) *CephStore {
	return &CephStore{cfg: cfg}
}

func (s *CephStore) open() (*rados.IOContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioctx != nil {
		return s.ioctx, nil
	}
	conn, err := rados.NewConnWithClusterAndUser(s.cfg.CephCluster, s.cfg.CephUser)
	if err != nil {
		return nil, err
	}
	if s.cfg.CephConf != "" {
		if err := conn.ReadConfigFile(s.cfg.CephConf); err != nil {
			return nil, err
		}
	} else {
		// CEPH_CONF or the default locations
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	ioctx, err := conn.OpenIOContext(s.cfg.CephPool)
	if err != nil {
		conn.Shutdown()
		return nil, err
	}
	s.conn, s.ioctx = conn, ioctx
	return ioctx, nil
}

func (s *CephStore) obj(key string) string {
	return path.Join(strings.TrimSuffix(s.cfg.Prefix, "/"), key)
}

func (s *CephStore) Get(ctx context.Context, key string) ([]byte, error) {
	ioctx, err := s.open()
	if err != nil {
		return nil, err
	}
	stat, err := ioctx.Stat(s.obj(key))
	if errors.Is(err, rados.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, stat.Size)
	n, err := ioctx.Read(s.obj(key), data, 0)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

func (s *CephStore) Put(ctx context.Context, key string, data []byte) error {
	ioctx, err := s.open()
	if err != nil {
		return err
	}
	return ioctx.WriteFull(s.obj(key), data)
}

func (s *CephStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioctx != nil {
		s.ioctx.Destroy()
		s.conn.Shutdown()
		s.ioctx, s.conn = nil, nil
	}
	return nil
}
