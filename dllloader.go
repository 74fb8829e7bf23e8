// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package dllloader loads 32-bit PE DLLs into an in-process byte
// buffer, relocates and binds them against a host stub table, and
// resolves their exports by name or ordinal — without ever executing
// the loaded code. It is the thin, host-facing front door onto the
// pe and module packages.
package dllloader

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/XorgX304/dllloader/module"
	"github.com/XorgX304/dllloader/pe"
)

// Logger receives diagnostic output from this package. It defaults to
// discarding everything; hosts may repoint it, matching how
// cmd/dumppe uses the standard log package rather than a structured
// logging dependency the teacher's own stack never reaches for.
var Logger = log.New(io.Discard, "dllloader: ", log.LstdFlags)

// numericSelectorThreshold is the original loader's ordinal-vs-name
// cutoff (GetProcAddress treats a selector value below this as an
// ordinal, otherwise as a name pointer). Preserved for
// GetProcAddressLegacy; see its doc comment.
const numericSelectorThreshold = 0x1000

// LoadLibrary parses and materialises the PE32 image at path, applying
// its base relocations and binding its imports against
// module.DefaultStubResolver. On success it returns a Handle usable
// with GetProcAddress/FreeLibrary; on failure it returns
// InvalidHandleValue and sets the last-error code to ModNotFound.
func LoadLibrary(path string) Handle {
	m, err := module.Load(path)
	if err != nil {
		Logger.Printf("LoadLibrary(%q): %v", path, err)
		setLastError(ModNotFound)
		return InvalidHandleValue
	}
	return handles.register(m)
}

// GetProcAddress resolves selector against the module identified by h.
// selector must be a string (export name) or one of int, int32, int64,
// uint, uint16, uint32, uint64 or uintptr (export ordinal); any other
// type, including int8, int16 and uint8, is a programmer error and
// resolves to (0, false) without touching the last-error slot. On success it
// returns the export's address and true; on failure it returns
// (0, false) and sets the last-error code to InvalidHandle (bad
// handle) or ProcNotFound (no matching export).
func GetProcAddress(h Handle, selector any) (uintptr, bool) {
	m, ok := handles.lookup(h)
	if !ok {
		setLastError(InvalidHandle)
		return 0, false
	}

	switch sel := selector.(type) {
	case string:
		ptr, err := m.FindByName(sel)
		if err != nil {
			setLastError(ProcNotFound)
			return 0, false
		}
		return ptr, true
	case int:
		return lookupOrdinal(m, uint32(sel))
	case int32:
		return lookupOrdinal(m, uint32(sel))
	case int64:
		return lookupOrdinal(m, uint32(sel))
	case uint:
		return lookupOrdinal(m, uint32(sel))
	case uint16:
		return lookupOrdinal(m, uint32(sel))
	case uint32:
		return lookupOrdinal(m, sel)
	case uint64:
		return lookupOrdinal(m, uint32(sel))
	case uintptr:
		return lookupOrdinal(m, uint32(sel))
	default:
		return 0, false
	}
}

func lookupOrdinal(m *module.LoadedModule, ord uint32) (uintptr, bool) {
	ptr, err := m.FindByOrdinal(ord)
	if err != nil {
		setLastError(ProcNotFound)
		return 0, false
	}
	return ptr, true
}

// GetProcAddressLegacy preserves the behavioural quirk of the original
// loader's single-entry-point GetProcAddress, whose C selector was a
// single integer used either as an ordinal or as a pointer to a name
// string, disambiguated by comparing it against numericSelectorThreshold
// (0x1000): values below the threshold are ordinals, at or above it are
// treated as a name pointer. Go has no meaningful "integer that is
// sometimes a raw string pointer" convention, so this entry point only
// implements the ordinal half of that contract; name lookups should go
// through the primary GetProcAddress instead.
func GetProcAddressLegacy(h Handle, selector uintptr) (uintptr, bool) {
	if selector >= numericSelectorThreshold {
		setLastError(ProcNotFound)
		return 0, false
	}
	m, ok := handles.lookup(h)
	if !ok {
		setLastError(InvalidHandle)
		return 0, false
	}
	return lookupOrdinal(m, uint32(selector))
}

// LoadLibraryWithStubBase behaves like LoadLibrary, but binds imports
// against a fresh module.StubTable whose synthetic addresses start at
// base instead of the package default — for hosts that need
// reproducible, caller-chosen stub addresses, e.g. across repeated
// test runs.
func LoadLibraryWithStubBase(path string, base uintptr) Handle {
	resolver := module.NewStubTableAt(base).Resolver()
	m, err := module.LoadWithResolver(path, resolver)
	if err != nil {
		Logger.Printf("LoadLibraryWithStubBase(%q): %v", path, err)
		setLastError(ModNotFound)
		return InvalidHandleValue
	}
	return handles.register(m)
}

// Imports returns the import table of the module identified by h, for
// diagnostic display (cmd/loaddll's -v flag). It returns (nil, false)
// if h is unknown; it does not touch the last-error slot, since it is
// a read-only diagnostic accessor rather than a loader entry point.
func Imports(h Handle) ([]pe.Import, bool) {
	m, ok := handles.lookup(h)
	if !ok {
		return nil, false
	}
	return m.Imports(), true
}

// FreeLibrary destroys the module identified by h, releasing its
// backing buffer. It returns true on success; it returns false and
// sets the last-error code to InvalidHandle if h is unknown, or to
// GenFailure if Close itself reports an error.
func FreeLibrary(h Handle) bool {
	m, ok := handles.release(h)
	if !ok {
		setLastError(InvalidHandle)
		return false
	}
	if err := m.Close(); err != nil {
		Logger.Printf("FreeLibrary: %v", err)
		setLastError(GenFailure)
		return false
	}
	return true
}

// errUnknownSelectorType is returned by helpers that need to report a
// selector of the wrong Go type; GetProcAddress itself does not
// surface this — it simply returns (0, false) — but it's used by
// cmd/loaddll to produce a clearer diagnostic.
var errUnknownSelectorType = errors.New("dllloader: selector must be a string or an integer type")

// DescribeSelector renders selector the way cmd/loaddll reports the
// result of a -name, -ordinal or -exports lookup, or returns
// errUnknownSelectorType if selector is neither a string nor one of the
// integer types GetProcAddress accepts.
func DescribeSelector(selector any) (string, error) {
	switch sel := selector.(type) {
	case string:
		return fmt.Sprintf("name %q", sel), nil
	case int, int32, int64, uint, uint16, uint32, uint64, uintptr:
		return fmt.Sprintf("ordinal %v", sel), nil
	default:
		return "", errUnknownSelectorType
	}
}
