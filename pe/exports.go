// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ForwardedExport is the sentinel VirtualAddress stored on an Export
// whose EAT entry falls inside the export directory's own RVA range —
// i.e. it names a forwarder string ("Other.dll.Symbol") rather than a
// real address. Resolving forwarders is out of scope; see Export.
const ForwardedExport = 0xFFFFFFFF

// Export describes one entry of the image's export table.
type Export struct {
	Ordinal        uint32
	Name           string // empty if the export has no name
	VirtualAddress uint32 // absolute, or ForwardedExport
}

const sizeExportHeader = 40

type exportDirectoryHeader struct {
	Flags             uint32
	TimeDateStamp     uint32
	MajorVersion      uint16
	MinorVersion      uint16
	NameRVA           uint32
	OrdinalBase       uint32
	AddressTableCount uint32
	NameCount         uint32
	ExportTableRVA    uint32
	NamePointerRVA    uint32
	OrdinalTableRVA   uint32
}

// readExportTable parses the export directory at rva (of size size)
// into a slice of Export records, grounded on
// original_source/dllloader.cpp's PEFileInfo::read_export_table:
// ordinals are assigned densely from OrdinalBase over the EAT, then
// each name-table entry attaches a name to the record selected by the
// corresponding ordinal-table entry, growing the slice if that index
// falls beyond the EAT's own count.
func (d *ImageDescriptor) readExportTable(r *FileReader, rva, size uint32) ([]Export, error) {
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}
	hdrBytes, err := r.ReadExact(sizeExportHeader)
	if err != nil {
		return nil, err
	}
	var hdr exportDirectoryHeader
	if err := binary.Read(bytesReader(hdrBytes), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}

	eat, err := d.readU32Array(r, hdr.ExportTableRVA, int(hdr.AddressTableCount))
	if err != nil {
		return nil, err
	}
	namePtrs, err := d.readU32Array(r, hdr.NamePointerRVA, int(hdr.NameCount))
	if err != nil {
		return nil, err
	}
	ordinals, err := d.readU16Array(r, hdr.OrdinalTableRVA, int(hdr.NameCount))
	if err != nil {
		return nil, err
	}

	exports := make([]Export, len(eat))
	for i, entry := range eat {
		exports[i].Ordinal = uint32(i) + hdr.OrdinalBase
		if entry >= rva && entry < rva+size {
			exports[i].VirtualAddress = ForwardedExport
		} else {
			exports[i].VirtualAddress = d.PreferredBase + entry
		}
	}
	for i, nameRVA := range namePtrs {
		idx := ordinals[i]
		if int(idx) >= len(exports) {
			grown := make([]Export, int(idx)+1)
			copy(grown, exports)
			for j := len(exports); j <= int(idx); j++ {
				grown[j].Ordinal = uint32(j) + hdr.OrdinalBase
			}
			exports = grown
		}
		name, err := readCString(r, d, nameRVA)
		if err != nil {
			return nil, err
		}
		exports[idx].Name = name
	}

	return exports, nil
}

func (d *ImageDescriptor) readU32Array(r *FileReader, rva uint32, count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}
	raw, err := r.ReadExact(count * 4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

func (d *ImageDescriptor) readU16Array(r *FileReader, rva uint32, count int) ([]uint16, error) {
	if count == 0 {
		return nil, nil
	}
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}
	raw, err := r.ReadExact(count * 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return out, nil
}
