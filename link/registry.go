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
package link

import (
	"github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/irjit/ir"
)

// Foreign is a routine outside the batch that compiled code may call.
type Foreign struct {
	Name string
	Addr uintptr
	Args []ir.Type
	Ret  ir.Type
}

/* implement NonLockingReadMap */
func (f Foreign) GetKey() string {
	return f.Name
}

func (f Foreign) ComputeSize() uint {
	return 16 + uint(len(f.Name)) + 8 + 24 + uint(len(f.Args)) + 1
}

// Signature describes the routine the way callers in a batch see it.
func (f Foreign) Signature() ir.Signature {
	return ir.Signature{Name: f.Name, Params: f.Args, Ret: f.Ret, Dir: ir.Directives{Foreign: true, Static: true}}
}

// Resolver finds addresses of names that are not part of the batch.
type Resolver interface {
	Resolve(name string) (uintptr, bool)
}

// Registry is the table of foreign routines. Reads never lock.
type Registry struct {
	routines NonLockingReadMap.NonLockingReadMap[Foreign, string]
}

func NewRegistry() *Registry {
	return &Registry{routines: NonLockingReadMap.New[Foreign, string]()}
}

// Register adds or replaces a routine.
func (r *Registry) Register(name string, addr uintptr, ret ir.Type, args ...ir.Type) {
	r.routines.Set(&Foreign{Name: name, Addr: addr, Args: args, Ret: ret})
}

func (r *Registry) Unregister(name string) {
	r.routines.Remove(name)
}

func (r *Registry) Get(name string) (Foreign, bool) {
	if f := r.routines.Get(name); f != nil {
		return *f, true
	}
	return Foreign{}, false
}

func (r *Registry) Resolve(name string) (uintptr, bool) {
	f, ok := r.Get(name)
	return f.Addr, ok
}

// Signatures lists all routines for the selector.
func (r *Registry) Signatures() map[string]ir.Signature {
	out := map[string]ir.Signature{}
	for _, f := range r.routines.GetAll() {
		out[f.Name] = f.Signature()
	}
	return out
}
