// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RelocationKind identifies how a base relocation patches its target
// word. Values and names match IMAGE_REL_BASED_* from the Windows SDK;
// only Absolute, High, Low and HighLow are applied by the module
// package — HighAdj and every other kind decode successfully here (so
// diagnostic tooling can report them) but fail at apply time.
type RelocationKind uint8

const (
	RelocAbsolute RelocationKind = 0
	RelocHigh     RelocationKind = 1
	RelocLow      RelocationKind = 2
	RelocHighLow  RelocationKind = 3
	RelocHighAdj  RelocationKind = 4
)

func (k RelocationKind) String() string {
	switch k {
	case RelocAbsolute:
		return "ABSOLUTE"
	case RelocHigh:
		return "HIGH"
	case RelocLow:
		return "LOW"
	case RelocHighLow:
		return "HIGHLOW"
	case RelocHighAdj:
		return "HIGHADJ"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Relocation is a single base-relocation entry: the absolute virtual
// address of the word to patch, and the kind of patch to apply.
type Relocation struct {
	VirtualAddress uint32
	Kind           RelocationKind
}

const sizeRelocBlockHeader = 8

type relocBlockHeader struct {
	PageRVA   uint32
	BlockSize uint32
}

// readRelocTable parses the base-relocation directory at rva (of size
// size) into a flat slice of Relocation entries, grounded on
// original_source/dllloader.cpp's PEFileInfo::read_reloc_table: a
// concatenation of (pageRVA, blockSize) headers each followed by
// 16-bit entries whose high 4 bits are the kind and low 12 bits are
// the page-relative byte offset.
func (d *ImageDescriptor) readRelocTable(r *FileReader, rva, size uint32) ([]Relocation, error) {
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}

	var relocs []Relocation
	var consumed uint32
	for consumed < size {
		raw, err := r.ReadExact(sizeRelocBlockHeader)
		if err != nil {
			return nil, err
		}
		var hdr relocBlockHeader
		if err := binary.Read(bytesReader(raw), binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
		}
		if hdr.BlockSize < sizeRelocBlockHeader || consumed+hdr.BlockSize > size {
			return nil, fmt.Errorf("%w: relocation block size overruns directory", ErrMalformedImage)
		}

		entryBytes := hdr.BlockSize - sizeRelocBlockHeader
		entries, err := r.ReadExact(int(entryBytes))
		if err != nil {
			return nil, err
		}
		for i := 0; i+2 <= len(entries); i += 2 {
			word := binary.LittleEndian.Uint16(entries[i:])
			kind := RelocationKind(word >> 12)
			pageOffset := word & 0x0FFF
			relocs = append(relocs, Relocation{
				VirtualAddress: d.PreferredBase + hdr.PageRVA + uint32(pageOffset),
				Kind:           kind,
			})
		}
		consumed += hdr.BlockSize
	}
	return relocs, nil
}
