// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xyproto/env/v2"

	"github.com/XorgX304/dllloader"
)

var (
	listExports bool
	findName    string
	findOrdinal int
	verbose     bool
)

func init() {
	flag.Usage = usage
	flag.BoolVar(&listExports, "exports", false, "resolve and print the module's well-known entry point, if any")
	flag.StringVar(&findName, "name", "", "resolve an export by name")
	flag.IntVar(&findOrdinal, "ordinal", -1, "resolve an export by ordinal")
	flag.BoolVar(&verbose, "v", env.Bool("LOADDLL_VERBOSE"), "verbose diagnostics (also LOADDLL_VERBOSE)")
	flag.Parse()
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(flag.CommandLine.Output(), "  <filePath>\n\tpath to a PE32 DLL")
}

func usageln(args ...any) {
	fmt.Fprintln(flag.CommandLine.Output(), args...)
	usage()
	os.Exit(2)
}

func main() {
	filePath := flag.Arg(0)
	if filePath == "" {
		usageln("No file path provided")
	}

	if verbose {
		dllloader.Logger.SetOutput(os.Stderr)
	}

	var h dllloader.Handle
	if base := env.Int("LOADDLL_STUB_BASE", 0); base != 0 {
		h = dllloader.LoadLibraryWithStubBase(filePath, uintptr(base))
	} else {
		h = dllloader.LoadLibrary(filePath)
	}
	if h == dllloader.InvalidHandleValue {
		log.Fatalf("LoadLibrary(%q) failed: last error %v", filePath, dllloader.GetLastError())
	}
	defer dllloader.FreeLibrary(h)

	fmt.Printf("loaded %q as handle %#x\n\n", filePath, uintptr(h))

	if findName != "" {
		runFind(h, findName)
	}
	if findOrdinal >= 0 {
		runFind(h, findOrdinal)
	}
	if listExports {
		runFind(h, "DllMain")
	}
	if verbose {
		runDumpImports(h)
	}
}

func runDumpImports(h dllloader.Handle) {
	imports, ok := dllloader.Imports(h)
	if !ok {
		log.Fatalf("Imports: unknown handle %#x", uintptr(h))
	}
	fmt.Printf("%d imports:\n", len(imports))
	for _, imp := range imports {
		if imp.ByOrdinal {
			fmt.Printf("  %s!#%d -> slot %#x\n", imp.DLLName, imp.Ordinal, imp.SlotVirtualAddress)
		} else {
			fmt.Printf("  %s!%s (hint %d) -> slot %#x\n", imp.DLLName, imp.Name, imp.Hint, imp.SlotVirtualAddress)
		}
	}
}

func runFind(h dllloader.Handle, selector any) {
	desc, err := dllloader.DescribeSelector(selector)
	if err != nil {
		log.Fatalf("bad selector %v: %v", selector, err)
	}

	addr, ok := dllloader.GetProcAddress(h, selector)
	if !ok {
		fmt.Printf("%s: not found (last error %v)\n", desc, dllloader.GetLastError())
		return
	}
	fmt.Printf("%s: %#x\n", desc, addr)
}
