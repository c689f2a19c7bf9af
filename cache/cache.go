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

// Package cache keeps emitted Code Blocks across runs. Blocks are keyed by
// everything that influences their bytes and stored compressed in a
// pluggable object store.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/emit"
	"github.com/launix-de/irjit/ir"
)

// Version is mixed into every key; bump it whenever emitted code changes.
const Version = "irjit-backend/3"

// ErrNotFound is returned by stores for absent keys.
var ErrNotFound = errors.New("cache: no such entry")

// Store is a flat key/value object store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Config selects and configures a store.
type Config struct {
	Backend     string `json:"backend"` // "", file, s3, ceph
	Compression string `json:"compression"`

	Dir string `json:"dir,omitempty"`

	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style,omitempty"`

	CephUser    string `json:"ceph_user,omitempty"`
	CephCluster string `json:"ceph_cluster,omitempty"`
	CephConf    string `json:"ceph_conf,omitempty"`
	CephPool    string `json:"ceph_pool,omitempty"`
}

// Backends maps a backend name to its constructor. Optional backends add
// themselves from init.
var Backends = map[string]func(cfg Config) (Store, error){
	"file": func(cfg Config) (Store, error) { return NewFileStore(cfg.Dir) },
	"s3":   func(cfg Config) (Store, error) { return NewS3Store(cfg), nil },
}

// Key hashes fn together with its directives, the signatures of everything
// it calls and the backend version.
func Key(fn *ir.Function, sigs map[string]ir.Signature) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\nmaxargs %d\n", Version, callconv.MaxArgs)
	io.WriteString(h, fn.String())
	fmt.Fprintf(h, "dir %s\n", fn.Dir)
	callees := map[string]bool{}
	fn.Instrs(func(i *ir.Instr) {
		if i.Op.IsCall() {
			callees[i.Callee] = true
		}
	})
	names := make([]string, 0, len(callees))
	for name := range callees {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if sig, ok := sigs[name]; ok {
			fmt.Fprintf(h, "callee %s\n", sig)
		} else {
			fmt.Fprintf(h, "callee %s ?\n", name)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// blob header bytes
const (
	tagLZ4 = 'L'
	tagXZ  = 'X'
)

func compress(alg string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch alg {
	case "", "lz4":
		buf.WriteByte(tagLZ4)
		w = lz4.NewWriter(&buf)
	case "xz":
		buf.WriteByte(tagXZ)
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = xw
	default:
		return nil, fmt.Errorf("cache: unknown compression %q", alg)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errors.New("cache: empty entry")
	}
	var r io.Reader
	switch blob[0] {
	case tagLZ4:
		r = lz4.NewReader(bytes.NewReader(blob[1:]))
	case tagXZ:
		xr, err := xz.NewReader(bytes.NewReader(blob[1:]))
		if err != nil {
			return nil, err
		}
		r = xr
	default:
		return nil, fmt.Errorf("cache: unknown entry format %#x", blob[0])
	}
	return io.ReadAll(r)
}

// Cache stores Code Blocks in a Store.
type Cache struct {
	store       Store
	compression string
}

func checkCompression(compression string) error {
	switch compression {
	case "", "lz4", "xz":
		return nil
	}
	return fmt.Errorf("cache: unknown compression %q", compression)
}

func New(store Store, compression string) (*Cache, error) {
	if err := checkCompression(compression); err != nil {
		return nil, err
	}
	return &Cache{store: store, compression: compression}, nil
}

// Open builds the configured store. An empty backend disables caching and
// returns a nil *Cache, on which every method is a no-op miss.
func Open(cfg Config) (*Cache, error) {
	if err := checkCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if cfg.Backend == "" {
		return nil, nil
	}
	open, ok := Backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
	store, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", cfg.Backend, err)
	}
	return New(store, cfg.Compression)
}

// Get returns the cached block for key. A corrupt entry counts as a miss
// and is reported through err.
func (c *Cache) Get(ctx context.Context, key string) (*emit.CodeBlock, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	blob, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := decompress(blob)
	if err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", key, err)
	}
	cb := new(emit.CodeBlock)
	if err := json.Unmarshal(data, cb); err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", key, err)
	}
	return cb, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, cb *emit.CodeBlock) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	blob, err := compress(c.compression, data)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, key, blob)
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.store.Close()
}
