// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package module

import "golang.org/x/sys/windows"

// nativeTrampolines backs NativeAddress: a registered synthetic
// address maps to a real, natively-callable windows.NewCallback
// trampoline wrapping the same StubFunc. Built lazily, on first
// request, since most hosts never call NativeAddress.
var nativeTrampolines = make(map[uintptr]uintptr)

// NativeAddress returns a genuine native-callable code pointer for the
// StubFunc previously registered at ptr, producing it via
// windows.NewCallback on first request. Hosts that go beyond this
// package's own scope and actually execute a loaded image's code can
// use this to obtain real trampolines for its imports; StubTable.Invoke
// itself continues to dispatch through the synthetic table on every
// platform, windows included, so test behaviour stays uniform.
func (t *StubTable) NativeAddress(ptr uintptr) (uintptr, bool) {
	t.mu.Lock()
	fn, ok := t.byAddr[ptr]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}
	if native, ok := nativeTrampolines[ptr]; ok {
		t.mu.Unlock()
		return native, true
	}
	t.mu.Unlock()

	cb := windows.NewCallback(func(a0, a1, a2, a3 uintptr) uintptr {
		return fn(a0, a1, a2, a3)
	})
	native := uintptr(cb)

	t.mu.Lock()
	nativeTrampolines[ptr] = native
	t.mu.Unlock()
	return native, true
}
