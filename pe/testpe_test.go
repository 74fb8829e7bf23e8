// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// testSection describes one section to synthesize into a minimal PE32
// image for testing — content is laid out verbatim at the section's
// computed file offset, and
// VirtualSize may exceed len(Content) to exercise zero-padding.
type testSection struct {
	Name        string
	RVA         uint32
	VirtualSize uint32
	Content     []byte
}

type testExport struct {
	Name    string // empty for ordinal-only
	Ordinal uint32 // absolute ordinal (including OrdinalBase)
	RVA     uint32
}

type testImport struct {
	DLLName string
	Name    string // empty if ByOrdinal
	Ordinal uint16
	SlotRVA uint32
}

type testReloc struct {
	RVA  uint32
	Kind RelocationKind
}

type testImageSpec struct {
	PreferredBase uint32
	Sections      []testSection
	Exports       []testExport
	OrdinalBase   uint32
	Imports       []testImport
	Relocs        []testReloc
}

// buildTestPE synthesizes a minimal, well-formed PE32 image per spec
// and returns the path to a file containing it, inside a t.TempDir
// directory that the testing package removes when the test ends.
func buildTestPE(t *testing.T, spec testImageSpec) string {
	t.Helper()

	const fileAlign = 0x200
	const sectionHeaderOffset = 0x138 // generous fixed layout for test images (headers occupy 312 bytes)

	type laidOutSection struct {
		testSection
		fileOffset uint32
		fileSize   uint32
	}

	var exportsBuf []byte
	var exportDirRVA, exportDirSize uint32
	if len(spec.Exports) > 0 {
		exportDirRVA, exportDirSize, exportsBuf = buildExportDirectory(spec)
	}

	var importsBuf []byte
	var importDirRVA, importDirSize uint32
	if len(spec.Imports) > 0 {
		importDirRVA, importDirSize, importsBuf = buildImportDirectory(spec)
	}

	var relocBuf []byte
	var relocDirRVA, relocDirSize uint32
	if len(spec.Relocs) > 0 {
		relocDirRVA, relocDirSize, relocBuf = buildRelocDirectory(spec)
	}

	// The data region must start at or after the end of the section
	// header table, whose size depends on the total section count
	// (real sections plus one synthesized per populated directory).
	totalSections := uint32(len(spec.Sections))
	for _, b := range [][]byte{exportsBuf, importsBuf, relocBuf} {
		if len(b) > 0 {
			totalSections++
		}
	}
	dataStart := alignUp32(sectionHeaderOffset+totalSections*sizeSectionHeader, fileAlign)
	if dataStart < fileAlign {
		dataStart = fileAlign
	}

	var laidOut []laidOutSection
	nextFileOffset := dataStart
	for _, s := range spec.Sections {
		fileSize := alignUp32(uint32(len(s.Content)), 0x20)
		laidOut = append(laidOut, laidOutSection{s, nextFileOffset, fileSize})
		nextFileOffset += alignUp32(fileSize, fileAlign)
	}

	extraOffset := nextFileOffset
	extraSections := []laidOutSection{}
	if len(exportsBuf) > 0 {
		extraSections = append(extraSections, laidOutSection{
			testSection{Name: ".edata", RVA: exportDirRVA, VirtualSize: uint32(len(exportsBuf)), Content: exportsBuf},
			extraOffset, alignUp32(uint32(len(exportsBuf)), 0x20),
		})
		extraOffset += alignUp32(uint32(len(exportsBuf)), fileAlign)
	}
	if len(importsBuf) > 0 {
		extraSections = append(extraSections, laidOutSection{
			testSection{Name: ".idata", RVA: importDirRVA, VirtualSize: uint32(len(importsBuf)), Content: importsBuf},
			extraOffset, alignUp32(uint32(len(importsBuf)), 0x20),
		})
		extraOffset += alignUp32(uint32(len(importsBuf)), fileAlign)
	}
	if len(relocBuf) > 0 {
		extraSections = append(extraSections, laidOutSection{
			testSection{Name: ".reloc", RVA: relocDirRVA, VirtualSize: uint32(len(relocBuf)), Content: relocBuf},
			extraOffset, alignUp32(uint32(len(relocBuf)), 0x20),
		})
	}
	allSections := append(laidOut, extraSections...)

	var buf bytes.Buffer

	// DOS header: "MZ" + padding up to e_lfanew at 0x3C, e_lfanew = 0x40.
	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], 0x40)
	buf.Write(dos)

	// PE signature.
	buf.WriteString("PE\x00\x00")

	numSections := uint16(len(allSections))
	fh := struct {
		Machine              uint16
		NumberOfSections     uint16
		TimeDateStamp        uint32
		PointerToSymbolTable uint32
		NumberOfSymbols      uint32
		SizeOfOptionalHeader uint16
		Characteristics      uint16
	}{
		Machine:              0x014c, // IMAGE_FILE_MACHINE_I386
		NumberOfSections:     numSections,
		SizeOfOptionalHeader: 224, // sizeof(debug/pe.OptionalHeader32)
		Characteristics:      0x0102,
	}
	mustWrite(t, &buf, fh)

	oh := newOptionalHeader32(spec.PreferredBase)
	oh.DataDirectory[0] = rawDataDirectory{exportDirRVA, exportDirSize}
	oh.DataDirectory[1] = rawDataDirectory{importDirRVA, importDirSize}
	oh.DataDirectory[5] = rawDataDirectory{relocDirRVA, relocDirSize}
	mustWrite(t, &buf, oh)

	if buf.Len() > sectionHeaderOffset {
		t.Fatalf("fixed section header offset too small: headers occupy %d bytes", buf.Len())
	}
	buf.Write(make([]byte, sectionHeaderOffset-buf.Len()))

	for _, s := range allSections {
		var name [8]byte
		copy(name[:], s.Name)
		sh := struct {
			Name             [8]byte
			VirtualSize      uint32
			VirtualAddress   uint32
			SizeOfRawData    uint32
			PointerToRawData uint32
			_                [12]byte
			Characteristics  uint32
		}{Name: name, VirtualSize: maxU32(s.VirtualSize, uint32(len(s.Content))), VirtualAddress: s.RVA, SizeOfRawData: s.fileSize, PointerToRawData: s.fileOffset}
		mustWrite(t, &buf, sh)
	}

	for _, s := range allSections {
		pad := int(s.fileOffset) - buf.Len()
		if pad > 0 {
			buf.Write(make([]byte, pad))
		}
		buf.Write(s.Content)
		tail := int(s.fileSize) - len(s.Content)
		if tail > 0 {
			buf.Write(make([]byte, tail))
		}
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "test.dll")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

type rawDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type rawOptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]rawDataDirectory
}

func newOptionalHeader32(imageBase uint32) rawOptionalHeader32 {
	return rawOptionalHeader32{
		Magic:               optionalHeaderMagic,
		ImageBase:           imageBase,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		NumberOfRvaAndSizes: 16,
	}
}

func buildExportDirectory(spec testImageSpec) (rva, size uint32, data []byte) {
	const edataRVA = 0x00100000
	ordBase := spec.OrdinalBase
	if ordBase == 0 {
		ordBase = 1
	}

	maxIdx := uint32(0)
	for _, e := range spec.Exports {
		idx := e.Ordinal - ordBase
		if idx+1 > maxIdx {
			maxIdx = idx + 1
		}
	}
	eat := make([]uint32, maxIdx)
	for _, e := range spec.Exports {
		eat[e.Ordinal-ordBase] = e.RVA
	}

	var named []testExport
	for _, e := range spec.Exports {
		if e.Name != "" {
			named = append(named, e)
		}
	}

	hdrSize := uint32(40)
	eatOff := hdrSize
	nameTableOff := eatOff + uint32(len(eat))*4
	ordTableOff := nameTableOff + uint32(len(named))*4
	namesOff := ordTableOff + uint32(len(named))*2

	var namesBlob []byte
	nameOffsets := make([]uint32, len(named))
	for i, e := range named {
		nameOffsets[i] = namesOff + uint32(len(namesBlob))
		namesBlob = append(namesBlob, []byte(e.Name)...)
		namesBlob = append(namesBlob, 0)
	}

	buf := new(bytes.Buffer)
	put32 := func(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); buf.Write(b[:]) }
	put16 := func(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); buf.Write(b[:]) }

	put32(0)                  // flags
	put32(0)                  // timestamp
	put16(0)                  // vermajor
	put16(0)                  // verminor
	put32(0)                  // name RVA (unused by parser)
	put32(ordBase)             // ordinal base
	put32(uint32(len(eat)))    // EAT count
	put32(uint32(len(named)))  // name count
	put32(edataRVA + eatOff)   // EAT RVA
	put32(edataRVA + nameTableOff)
	put32(edataRVA + ordTableOff)

	for _, v := range eat {
		put32(v)
	}
	for _, off := range nameOffsets {
		put32(edataRVA + off)
	}
	for _, e := range named {
		put16(uint16(e.Ordinal - ordBase))
	}
	buf.Write(namesBlob)

	return edataRVA, uint32(buf.Len()), buf.Bytes()
}

func buildImportDirectory(spec testImageSpec) (rva, size uint32, data []byte) {
	const idataRVA = 0x00200000

	type group struct {
		dll  string
		syms []testImport
	}
	var groups []group
	for _, imp := range spec.Imports {
		found := false
		for i := range groups {
			if groups[i].dll == imp.DLLName {
				groups[i].syms = append(groups[i].syms, imp)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, group{imp.DLLName, []testImport{imp}})
		}
	}

	descHeaderSize := uint32(20 * (len(groups) + 1))
	cursor := descHeaderSize

	type builtGroup struct {
		lookupOff uint32
		nameOff   uint32
		addrRVA   uint32
	}
	built := make([]builtGroup, len(groups))
	var blob []byte

	for gi, g := range groups {
		lookupOff := cursor + uint32(len(blob))

		// Lay out name/hint records immediately after the ILT for this group.
		iltWords := make([]uint32, len(g.syms)+1)
		var hintNamesBlob []byte
		hintNamesBase := lookupOff + uint32(len(g.syms)+1)*4
		for si, sym := range g.syms {
			if sym.Name != "" {
				rec := make([]byte, 2)
				rec = append(rec, []byte(sym.Name)...)
				rec = append(rec, 0)
				iltWords[si] = idataRVA + hintNamesBase + uint32(len(hintNamesBlob))
				hintNamesBlob = append(hintNamesBlob, rec...)
			} else {
				iltWords[si] = importOrdinalFlag | uint32(sym.Ordinal)
			}
		}
		iltWords[len(g.syms)] = 0

		var iltBytes []byte
		for _, w := range iltWords {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], w)
			iltBytes = append(iltBytes, b[:]...)
		}
		groupBlob := append(iltBytes, hintNamesBlob...)

		nameOff := lookupOff + uint32(len(groupBlob))
		nameBlob := append([]byte(g.dll), 0)

		addrRVA := g.syms[0].SlotRVA

		built[gi] = builtGroup{lookupOff: lookupOff, nameOff: nameOff, addrRVA: addrRVA}
		blob = append(blob, groupBlob...)
		blob = append(blob, nameBlob...)
	}

	buf := new(bytes.Buffer)
	put32 := func(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); buf.Write(b[:]) }
	for gi := range groups {
		put32(idataRVA + built[gi].lookupOff)
		put32(0)
		put32(0)
		put32(idataRVA + built[gi].nameOff)
		put32(built[gi].addrRVA)
	}
	put32(0)
	put32(0)
	put32(0)
	put32(0)
	put32(0)
	buf.Write(blob)

	return idataRVA, uint32(buf.Len()), buf.Bytes()
}

func buildRelocDirectory(spec testImageSpec) (rva, size uint32, data []byte) {
	const relocRVA = 0x00300000

	type block struct {
		page    uint32
		entries []uint16
	}
	var blocks []block
	for _, r := range spec.Relocs {
		page := r.RVA &^ 0xFFF
		off := r.RVA & 0xFFF
		entry := uint16(r.Kind)<<12 | uint16(off)
		found := false
		for i := range blocks {
			if blocks[i].page == page {
				blocks[i].entries = append(blocks[i].entries, entry)
				found = true
				break
			}
		}
		if !found {
			blocks = append(blocks, block{page, []uint16{entry}})
		}
	}

	buf := new(bytes.Buffer)
	for _, b := range blocks {
		blockSize := uint32(8 + len(b.entries)*2)
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], b.page)
		binary.LittleEndian.PutUint32(hdr[4:], blockSize)
		buf.Write(hdr[:])
		for _, e := range b.entries {
			var eb [2]byte
			binary.LittleEndian.PutUint16(eb[:], e)
			buf.Write(eb[:])
		}
	}
	return relocRVA, uint32(buf.Len()), buf.Bytes()
}

func mustWrite(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// corrupt overwrites len(replacement) bytes of the file at path
// starting at offset, for tests that need a deliberately malformed
// image.
func corrupt(t *testing.T, path string, offset int64, replacement []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(replacement, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}
