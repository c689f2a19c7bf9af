//go:build linux && amd64

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
package golower

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/launix-de/irjit/backend"
)

func TestLoweredCodeRuns(t *testing.T) {
	pkg := build(t, `package r

func fib(n int) int {
	a, b := 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

func gcd(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return gcd(b, a%b)
}

func collatz(n int) int {
	steps := 0
	for n != 1 {
		if n%2 == 0 {
			n /= 2
		} else {
			n = 3*n + 1
		}
		steps++
	}
	return steps
}

func wrap(x int8) int8 { return x + 100 }
func sar(x int8) int8  { return x >> 9 }
func bits(x uint16) int { return int(x&^0xff) | int(x>>12) }
func notodd(n int) bool { return !(n&1 == 1) }
`)
	fns, err := Package(pkg)
	if err != nil {
		t.Fatal(err)
	}
	be := &backend.Backend{Log: log.NewWithOptions(io.Discard, log.Options{})}
	res, err := be.Compile(context.Background(), fns)
	if err != nil {
		t.Fatal(err)
	}
	p, err := be.Load(res)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	cases := []struct {
		fn   string
		args []int64
		want int64
	}{
		{"fib", []int64{10}, 55},
		{"fib", []int64{50}, 12586269025},
		{"gcd", []int64{48, 18}, 6},
		{"gcd", []int64{17, 5}, 1},
		{"collatz", []int64{27}, 111},
		{"wrap", []int64{100}, -56},
		{"sar", []int64{-3}, -1},
		{"sar", []int64{3}, 0},
		{"bits", []int64{0xabcd}, 0xab0a},
		{"notodd", []int64{4}, 1},
		{"notodd", []int64{5}, 0},
	}
	for _, c := range cases {
		got, err := p.Call(c.fn, c.args...)
		if err != nil {
			t.Fatalf("%s%v: %v", c.fn, c.args, err)
		}
		if got != c.want {
			t.Errorf("%s%v = %d, want %d", c.fn, c.args, got, c.want)
		}
	}
}
