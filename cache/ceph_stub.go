//go:build !ceph

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

import "errors"

// ErrNoCeph is returned for the ceph backend in builds without -tags=ceph.
var ErrNoCeph = errors.New("ceph support not compiled in; build with: go build -tags=ceph")

func init() {
	Backends["ceph"] = func(cfg Config) (Store, error) { return nil, ErrNoCeph }
}
