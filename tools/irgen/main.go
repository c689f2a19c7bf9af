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

// irgen loads Go packages, lowers their integer functions and prints the IR.
//
// Usage:
//   go run ./tools/irgen/ ./examples/fib        # IR of every integer function
//   go run ./tools/irgen/ -fn=fib ./examples/fib # only fib
//   go run ./tools/irgen/ -S ./examples/fib      # compile and disassemble
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/launix-de/irjit/backend"
	"github.com/launix-de/irjit/emit"
	"github.com/launix-de/irjit/golower"
	"github.com/launix-de/irjit/ir"
)

func main() {
	only := flag.String("fn", "", "print only this function")
	asm := flag.Bool("S", false, "compile and print the disassembly instead of the IR")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: irgen [-fn=NAME] [-S] <package> ...\n")
		os.Exit(1)
	}

	cfg := &packages.Config{
		Mode: packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedDeps | packages.NeedImports | packages.NeedName,
	}
	pkgs, err := packages.Load(cfg, flag.Args()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load packages: %v\n", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	var batch []*ir.Function
	for _, pkg := range ssaPkgs {
		if pkg == nil {
			continue
		}
		fns, err := golower.Package(pkg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", pkg.Pkg.Path(), err)
			os.Exit(1)
		}
		batch = append(batch, fns...)
	}

	if !*asm {
		for _, f := range batch {
			if *only == "" || f.Name == *only {
				fmt.Println(f)
			}
		}
		return
	}
	res, err := backend.New(nil).Compile(context.Background(), batch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, cb := range res.Blocks {
		if *only == "" || cb.Name == *only {
			fmt.Println(emit.Disassemble(cb))
		}
	}
}
