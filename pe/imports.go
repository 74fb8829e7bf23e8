// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Import describes one entry of the image's import table: a single
// symbol, by name or by ordinal, imported from a named DLL, together
// with the slot in the image where the resolved pointer must be
// written.
type Import struct {
	DLLName            string
	SlotVirtualAddress uint32 // absolute; where to write the resolved pointer
	Ordinal            uint16
	Name               string
	ByOrdinal          bool
	Hint               uint16 // parsed but not consulted by the resolver
}

const (
	sizeImportDescriptor = 20
	importOrdinalFlag    = 0x80000000
)

type importDescriptor struct {
	LookupTableRVA uint32
	TimeDateStamp  uint32
	ForwarderChain uint32
	NameRVA        uint32
	AddressRVA     uint32
}

func (h importDescriptor) isNull() bool {
	return h.LookupTableRVA == 0 && h.TimeDateStamp == 0 && h.ForwarderChain == 0 &&
		h.NameRVA == 0 && h.AddressRVA == 0
}

// readImportTable parses the zero-terminated array of import
// descriptors at rva, grounded on
// original_source/dllloader.cpp's PEFileInfo::read_import_table: each
// descriptor's lookup table is read word-by-word until a zero entry,
// the high bit of each word selecting ordinal-vs-name, and the slot to
// patch at load time computed as AddressRVA + 4*i.
func (d *ImageDescriptor) readImportTable(r *FileReader, rva uint32) ([]Import, error) {
	baseOff, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}

	var imports []Import
	for n := 0; ; n++ {
		if _, err := r.Seek(int64(baseOff)+int64(n*sizeImportDescriptor), io.SeekStart); err != nil {
			return nil, err
		}
		raw, err := r.ReadExact(sizeImportDescriptor)
		if err != nil {
			return nil, err
		}
		var desc importDescriptor
		if err := binary.Read(bytesReader(raw), binary.LittleEndian, &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
		}
		if desc.isNull() {
			break
		}

		ilt, err := readUntilZeroU32(r, d, desc.LookupTableRVA)
		if err != nil {
			return nil, err
		}
		dllName, err := readCString(r, d, desc.NameRVA)
		if err != nil {
			return nil, err
		}

		for i, entry := range ilt {
			imp := Import{
				DLLName:            dllName,
				SlotVirtualAddress: d.PreferredBase + desc.AddressRVA + 4*uint32(i),
			}
			if entry&importOrdinalFlag != 0 {
				imp.ByOrdinal = true
				imp.Ordinal = uint16(entry &^ importOrdinalFlag)
			} else {
				hintNameOff, err := d.rvaToFileOffset(entry)
				if err != nil {
					return nil, err
				}
				if _, err := r.Seek(int64(hintNameOff), io.SeekStart); err != nil {
					return nil, err
				}
				hintBytes, err := r.ReadExact(2)
				if err != nil {
					return nil, err
				}
				imp.Hint = binary.LittleEndian.Uint16(hintBytes)
				name, err := readCString(r, d, entry+2)
				if err != nil {
					return nil, err
				}
				imp.Name = name
			}
			imports = append(imports, imp)
		}
	}
	return imports, nil
}
