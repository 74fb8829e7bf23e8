// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package module

import "sync"

// StubFunc is a host-provided replacement for an imported external
// symbol. It never executes code belonging to the loaded image — it is
// the image's dependency, called the other way around, should a host
// choose to actually run the loaded image's code (outside this
// package's own scope).
type StubFunc func(args ...uintptr) uintptr

// stubTableBase is the first synthetic address handed out by
// NewStubTable. It sits comfortably inside the 32-bit address space a
// PE32 image addresses, in a range unlikely to collide with any real
// image's preferred base or section RVAs in practice.
const stubTableBase = 0xE0000000

// StubTable assigns stable, non-zero synthetic addresses to a set of
// StubFunc values and lets a caller Invoke a previously-registered
// address without needing a genuine native function pointer — this is
// what backs testable property 4/5 (binding a stub, then calling it)
// on platforms where golang.org/x/sys/windows.NewCallback is
// unavailable. See stubs_windows.go for the windows-only upgrade to
// real native trampolines.
type StubTable struct {
	mu       sync.Mutex
	next     uintptr
	byAddr   map[uintptr]StubFunc
	heap     map[uintptr][]byte
	nextHeap uintptr
}

// NewStubTable returns an empty StubTable starting at the package's
// default base address.
func NewStubTable() *StubTable {
	return NewStubTableAt(stubTableBase)
}

// NewStubTableAt returns an empty StubTable whose synthetic addresses
// start at base instead of the package default. Callers that need a
// reproducible, caller-chosen address range — e.g. cmd/loaddll's
// LOADDLL_STUB_BASE override — use this instead of NewStubTable.
func NewStubTableAt(base uintptr) *StubTable {
	return &StubTable{
		next:     base,
		byAddr:   make(map[uintptr]StubFunc),
		heap:     make(map[uintptr][]byte),
		nextHeap: base + 0x01000000,
	}
}

// Register assigns fn a new synthetic address and returns it.
func (t *StubTable) Register(fn StubFunc) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.next
	t.next++
	t.byAddr[addr] = fn
	return addr
}

// Invoke calls the StubFunc registered at ptr with args, returning its
// result and whether ptr was actually a registered stub.
func (t *StubTable) Invoke(ptr uintptr, args ...uintptr) (uintptr, bool) {
	t.mu.Lock()
	fn, ok := t.byAddr[ptr]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return fn(args...), true
}

func (t *StubTable) alloc(size uintptr) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.nextHeap
	t.nextHeap += size + 1
	t.heap[addr] = make([]byte, size)
	return addr
}

func (t *StubTable) free(ptr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heap, ptr)
}

// Resolver returns a StubResolver bound to t: a small set of
// commonly-imported CRT/Win32 symbols mapped to stub implementations
// registered against this table instance, and every other import —
// named or by ordinal — mapped to a harmless no-op. Grounded directly
// on original_source/dllloader.cpp's DllModule::import, which does the
// same mapping by name with a `dummy()` catch-all.
//
// Each call to Resolver registers a fresh set of stubs on t, so it
// should normally be called once per table and the result reused.
func (t *StubTable) Resolver() StubResolver {
	localAlloc := t.Register(func(args ...uintptr) uintptr {
		var size uintptr
		if len(args) > 1 {
			size = args[1]
		}
		return t.alloc(size)
	})
	localFree := t.Register(func(args ...uintptr) uintptr {
		if len(args) > 0 {
			t.free(args[0])
		}
		return 0
	})
	mallocStub := t.Register(func(args ...uintptr) uintptr {
		var size uintptr
		if len(args) > 0 {
			size = args[0]
		}
		return t.alloc(size)
	})
	freeStub := t.Register(func(args ...uintptr) uintptr {
		if len(args) > 0 {
			t.free(args[0])
		}
		return 0
	})
	setLastErrorStub := t.Register(func(args ...uintptr) uintptr {
		return 0
	})
	disableThreadLibraryCallsStub := t.Register(func(args ...uintptr) uintptr {
		return 1
	})
	noop := t.Register(func(args ...uintptr) uintptr {
		return 0
	})

	return func(name string, ordinal uint16, hasName bool) uintptr {
		if !hasName {
			return noop
		}
		switch name {
		case "LocalAlloc":
			return localAlloc
		case "LocalFree":
			return localFree
		case "malloc":
			return mallocStub
		case "free":
			return freeStub
		case "SetLastError":
			return setLastErrorStub
		case "DisableThreadLibraryCalls":
			return disableThreadLibraryCallsStub
		default:
			return noop
		}
	}
}

// defaultTable is the process-wide StubTable backing
// DefaultStubResolver.
var defaultTable = NewStubTable()

// DefaultTable returns the StubTable backing DefaultStubResolver, for
// hosts that want to Invoke a resolved import pointer directly.
func DefaultTable() *StubTable { return defaultTable }

// DefaultStubResolver is the package-wide StubResolver bound to
// defaultTable, used by Load and LoadLibrary. Hosts that need a
// different stub-table base address build their own StubTable (via
// NewStubTableAt) and use its Resolver instead.
var DefaultStubResolver = defaultTable.Resolver()
