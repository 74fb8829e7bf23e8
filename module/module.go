// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package module materialises a parsed pe.ImageDescriptor into a
// writable in-process byte buffer, applies its base relocations, binds
// its imports against a host-provided stub resolver, and indexes its
// exports for lookup by name or ordinal.
package module

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/XorgX304/dllloader/pe"
)

var (
	// ErrAllocationFailed is returned when the image declares no
	// sections, or a degenerate virtual extent, making it impossible
	// to allocate a backing buffer.
	ErrAllocationFailed = errors.New("module: allocation failed")

	// ErrUnsupportedRelocation is returned when a relocation's kind is
	// not one of RelocAbsolute/High/Low/HighLow.
	ErrUnsupportedRelocation = errors.New("module: unsupported relocation kind")

	// ErrProcNotFound is returned by FindByName/FindByOrdinal when no
	// matching export exists.
	ErrProcNotFound = errors.New("module: procedure not found")

	// ErrLoadFailed wraps any failure encountered while constructing a
	// LoadedModule, across all four phases.
	ErrLoadFailed = errors.New("module: load failed")
)

// LoadedModule is a PE32 image materialised into memory: a byte buffer
// holding its sections, relocated to the buffer's actual address, with
// every import bound to a host stub and every export indexed for
// lookup. It is immutable after construction and safe for concurrent
// lookups.
type LoadedModule struct {
	buf       []byte
	minVAddr  uint32
	byName    map[string]uintptr
	byOrdinal map[uint32]uintptr
	imports   []pe.Import
}

// StubResolver maps an import selector — either a name, or an ordinal
// when hasName is false — to the pointer that should be written into
// the import's slot.
type StubResolver func(name string, ordinal uint16, hasName bool) uintptr

// Load parses the PE32 image at path and materialises it using
// DefaultStubResolver.
func Load(path string) (*LoadedModule, error) {
	return LoadWithResolver(path, DefaultStubResolver)
}

// LoadWithResolver parses the PE32 image at path and materialises it,
// binding each import via resolver instead of the package default.
func LoadWithResolver(path string, resolver StubResolver) (*LoadedModule, error) {
	r, err := pe.OpenFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer r.Close()

	desc, err := pe.ParseImage(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	m, err := newLoadedModule(r, desc, resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return m, nil
}

// newLoadedModule runs the four construction phases in order: allocate,
// copy sections, relocate, bind imports — then builds the export
// indices. Any failure releases the partially built buffer by simply
// not returning it; Go's GC reclaims it once this function's frame
// unwinds.
func newLoadedModule(r *pe.FileReader, desc *pe.ImageDescriptor, resolver StubResolver) (*LoadedModule, error) {
	minVAddr := desc.MinVirtualAddress()
	maxVAddr := desc.MaxVirtualAddress()
	if maxVAddr <= minVAddr {
		return nil, ErrAllocationFailed
	}

	// Phase 1: allocate.
	buf := make([]byte, maxVAddr-minVAddr)

	// Phase 2: copy sections.
	if err := copySections(r, desc, buf, minVAddr); err != nil {
		return nil, err
	}

	// Phase 3: relocate.
	if err := applyRelocations(desc, buf, minVAddr); err != nil {
		return nil, err
	}

	// Phase 4: bind imports.
	if err := bindImports(desc, buf, minVAddr, resolver); err != nil {
		return nil, err
	}

	m := &LoadedModule{
		buf:       buf,
		minVAddr:  minVAddr,
		byName:    make(map[string]uintptr),
		byOrdinal: make(map[uint32]uintptr),
		imports:   desc.Imports,
	}
	bufBase := uintptr(unsafe.Pointer(&buf[0]))
	for _, e := range desc.Exports {
		if e.VirtualAddress == pe.ForwardedExport {
			continue
		}
		ptr := bufBase + uintptr(e.VirtualAddress-minVAddr)
		m.byOrdinal[e.Ordinal] = ptr
		if e.Name != "" {
			m.byName[e.Name] = ptr
		}
	}

	return m, nil
}

func copySections(r *pe.FileReader, desc *pe.ImageDescriptor, buf []byte, minVAddr uint32) error {
	for _, s := range desc.Sections {
		if s.FileSize == 0 {
			continue
		}
		if _, err := r.Seek(int64(s.FileOffset), 0); err != nil {
			return err
		}
		data, err := r.ReadExact(int(s.FileSize))
		if err != nil {
			return err
		}
		off := s.VirtualAddress - minVAddr
		copy(buf[off:], data)
	}
	return nil
}

func applyRelocations(desc *pe.ImageDescriptor, buf []byte, minVAddr uint32) error {
	if len(desc.Relocations) == 0 {
		return nil
	}
	// The buffer's real in-process address may not equal the image's
	// preferred base; delta is the low 32 bits of that difference,
	// computed and applied with native unsigned wraparound, matching
	// original_source/dllloader.cpp's `uint32_t delta =
	// reinterpret_cast<uint32_t>(&_data[0]) - data_rva`.
	bufAddr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	delta := bufAddr - minVAddr

	for _, rel := range desc.Relocations {
		off := rel.VirtualAddress - minVAddr
		switch rel.Kind {
		case pe.RelocAbsolute:
			// no-op
		case pe.RelocHigh:
			v := binary.LittleEndian.Uint16(buf[off:])
			binary.LittleEndian.PutUint16(buf[off:], v+uint16(delta>>16))
		case pe.RelocLow:
			v := binary.LittleEndian.Uint16(buf[off:])
			binary.LittleEndian.PutUint16(buf[off:], v+uint16(delta&0xFFFF))
		case pe.RelocHighLow:
			v := binary.LittleEndian.Uint32(buf[off:])
			binary.LittleEndian.PutUint32(buf[off:], v+delta)
		default:
			return fmt.Errorf("%w: %v", ErrUnsupportedRelocation, rel.Kind)
		}
	}
	return nil
}

func bindImports(desc *pe.ImageDescriptor, buf []byte, minVAddr uint32, resolver StubResolver) error {
	for _, imp := range desc.Imports {
		ptr := resolver(imp.Name, imp.Ordinal, !imp.ByOrdinal)
		off := imp.SlotVirtualAddress - minVAddr
		binary.LittleEndian.PutUint32(buf[off:], uint32(ptr))
	}
	return nil
}

// FindByName returns the address of the named export, or
// ErrProcNotFound if none exists.
func (m *LoadedModule) FindByName(name string) (uintptr, error) {
	if ptr, ok := m.byName[name]; ok {
		return ptr, nil
	}
	return 0, ErrProcNotFound
}

// FindByOrdinal returns the address of the export with the given
// ordinal, or ErrProcNotFound if none exists.
func (m *LoadedModule) FindByOrdinal(ord uint32) (uintptr, error) {
	if ptr, ok := m.byOrdinal[ord]; ok {
		return ptr, nil
	}
	return 0, ErrProcNotFound
}

// Imports returns the module's parsed import table, retained after
// construction purely for diagnostic display (cmd/loaddll's -v flag
// prints each entry's DLL, selector and Hint); it is never consulted
// by FindByName/FindByOrdinal or by the resolver that ran at load
// time.
func (m *LoadedModule) Imports() []pe.Import {
	return m.imports
}

// Close releases the module's backing buffer. It is idempotent and
// safe to call more than once.
func (m *LoadedModule) Close() error {
	m.buf = nil
	m.byName = nil
	m.byOrdinal = nil
	m.imports = nil
	return nil
}

// Size returns the size in bytes of the module's backing buffer,
// chiefly for diagnostics and tests.
func (m *LoadedModule) Size() int {
	return len(m.buf)
}
