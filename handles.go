// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dllloader

import (
	"sync"

	"github.com/XorgX304/dllloader/module"
)

// Handle is an opaque reference to a loaded module, analogous to a
// Win32 HMODULE. The zero Handle, InvalidHandleValue, never refers to
// a real module.
type Handle uintptr

// InvalidHandleValue is returned by LoadLibrary on failure and never
// identifies a real module.
const InvalidHandleValue Handle = 0

type handleTable struct {
	mu     sync.Mutex
	next   uintptr
	byHnd  map[Handle]*module.LoadedModule
}

var handles = &handleTable{next: 1, byHnd: make(map[Handle]*module.LoadedModule)}

func (t *handleTable) register(m *module.LoadedModule) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := Handle(t.next)
	t.next++
	t.byHnd[h] = m
	return h
}

func (t *handleTable) lookup(h Handle) (*module.LoadedModule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byHnd[h]
	return m, ok
}

func (t *handleTable) release(h Handle) (*module.LoadedModule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byHnd[h]
	if ok {
		delete(t.byHnd, h)
	}
	return m, ok
}
