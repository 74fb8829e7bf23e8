// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	offsetDOSHeaderLfanew = 0x3C
	sizeDOSHeader         = 64
	maxNumSections        = 96 // per PE spec
	sizeSectionHeader     = 40
	optionalHeaderMagic   = 0x010B
)

// Section describes one section of a parsed image, in absolute virtual
// address terms (preferred base already added).
type Section struct {
	Name            string
	FileOffset      uint32
	FileSize        uint32
	VirtualAddress  uint32 // absolute: PreferredBase + section RVA
	VirtualSize     uint32
	Characteristics uint32
}

// end returns the absolute virtual address one past the end of the
// section, using the larger of its virtual and file sizes — matching
// original_source/dllloader.cpp's maxvirtaddr, which takes
// max(virtualsize, filesize) per section.
func (s Section) end() uint32 {
	sz := s.VirtualSize
	if s.FileSize > sz {
		sz = s.FileSize
	}
	return s.VirtualAddress + sz
}

// RawBytes re-reads the section's raw on-disk bytes (FileSize bytes
// starting at FileOffset) from r, for tests that want to verify a
// parsed Section round-trips back to the exact bytes the image
// contains at that offset.
func (s Section) RawBytes(r *FileReader) ([]byte, error) {
	if _, err := r.Seek(int64(s.FileOffset), io.SeekStart); err != nil {
		return nil, err
	}
	return r.ReadExact(int(s.FileSize))
}

// DataDirectory is a raw (RVA, size) pair copied from the optional
// header's data directory array, preserved for diagnostic use even for
// the entries this package does not itself interpret.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageDescriptor is the immutable result of parsing a PE32 image. It
// holds no reference to the FileReader it was built from; the
// FileReader may be closed as soon as ParseImage returns.
type ImageDescriptor struct {
	PreferredBase   uint32
	EntryPointRVA   uint32
	Sections        []Section
	Exports         []Export
	Imports         []Import
	Relocations     []Relocation
	DataDirectories [16]DataDirectory
}

// ParseImage reads and validates the PE32 headers, section table, and
// the export, import and base-relocation directories (when present)
// from r, producing a fully populated, immutable ImageDescriptor.
func ParseImage(r *FileReader) (*ImageDescriptor, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	mz, err := r.ReadExact(2)
	if err != nil {
		return nil, err
	}
	if mz[0] != 'M' || mz[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrMalformedImage)
	}

	if _, err := r.Seek(offsetDOSHeaderLfanew, io.SeekStart); err != nil {
		return nil, err
	}
	lfanewBytes, err := r.ReadExact(4)
	if err != nil {
		return nil, err
	}
	lfanew := binary.LittleEndian.Uint32(lfanewBytes)
	if lfanew == 0 || lfanew < sizeDOSHeader {
		return nil, fmt.Errorf("%w: invalid e_lfanew", ErrMalformedImage)
	}

	if _, err := r.Seek(int64(lfanew), io.SeekStart); err != nil {
		return nil, err
	}
	peSig, err := r.ReadExact(4)
	if err != nil {
		return nil, err
	}
	if peSig[0] != 'P' || peSig[1] != 'E' || peSig[2] != 0 || peSig[3] != 0 {
		return nil, fmt.Errorf("%w: missing PE signature", ErrMalformedImage)
	}

	var fh dpe.FileHeader
	fhBytes, err := r.ReadExact(int(binSize(fh)))
	if err != nil {
		return nil, err
	}
	if err := binary.Read(bytesReader(fhBytes), binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if fh.Machine != dpe.IMAGE_FILE_MACHINE_I386 {
		return nil, ErrUnsupportedMachine
	}

	var oh dpe.OptionalHeader32
	ohBytes, err := r.ReadExact(int(binSize(oh)))
	if err != nil {
		return nil, err
	}
	if err := binary.Read(bytesReader(ohBytes), binary.LittleEndian, &oh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if oh.Magic != optionalHeaderMagic {
		return nil, fmt.Errorf("%w: not a PE32 optional header", ErrMalformedImage)
	}

	d := &ImageDescriptor{
		PreferredBase: oh.ImageBase,
		EntryPointRVA: oh.AddressOfEntryPoint,
	}

	ddCount := oh.NumberOfRvaAndSizes
	if ddCount > 16 {
		ddCount = 16
	}
	for i := uint32(0); i < ddCount; i++ {
		d.DataDirectories[i] = DataDirectory{
			VirtualAddress: oh.DataDirectory[i].VirtualAddress,
			Size:           oh.DataDirectory[i].Size,
		}
	}

	sectionTableOffset := int64(lfanew) + 4 + int64(binSize(fh)) + int64(fh.SizeOfOptionalHeader)
	if _, err := r.Seek(sectionTableOffset, io.SeekStart); err != nil {
		return nil, err
	}
	numSections := int(fh.NumberOfSections)
	if numSections > maxNumSections {
		numSections = maxNumSections
	}
	d.Sections = make([]Section, numSections)
	for i := 0; i < numSections; i++ {
		raw, err := r.ReadExact(sizeSectionHeader)
		if err != nil {
			return nil, err
		}
		var sh dpe.SectionHeader32
		if err := binary.Read(bytesReader(raw), binary.LittleEndian, &sh); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
		}
		d.Sections[i] = Section{
			Name:            sectionName(sh.Name),
			FileOffset:      sh.PointerToRawData,
			FileSize:        sh.SizeOfRawData,
			VirtualAddress:  d.PreferredBase + sh.VirtualAddress,
			VirtualSize:     sh.VirtualSize,
			Characteristics: sh.Characteristics,
		}
	}

	if dd := d.DataDirectories[dpe.IMAGE_DIRECTORY_ENTRY_EXPORT]; dd.Size > 0 {
		exports, err := d.readExportTable(r, dd.VirtualAddress, dd.Size)
		if err != nil {
			return nil, err
		}
		d.Exports = exports
	}
	if dd := d.DataDirectories[dpe.IMAGE_DIRECTORY_ENTRY_IMPORT]; dd.Size > 0 {
		imports, err := d.readImportTable(r, dd.VirtualAddress)
		if err != nil {
			return nil, err
		}
		d.Imports = imports
	}
	if dd := d.DataDirectories[dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC]; dd.Size > 0 {
		relocs, err := d.readRelocTable(r, dd.VirtualAddress, dd.Size)
		if err != nil {
			return nil, err
		}
		d.Relocations = relocs
	}

	return d, nil
}

// MinVirtualAddress returns the lowest absolute virtual address among
// the image's sections.
func (d *ImageDescriptor) MinVirtualAddress() uint32 {
	var a uint32
	for i, s := range d.Sections {
		if i == 0 || s.VirtualAddress < a {
			a = s.VirtualAddress
		}
	}
	return a
}

// MaxVirtualAddress returns the highest absolute virtual address one
// past the end of any section.
func (d *ImageDescriptor) MaxVirtualAddress() uint32 {
	var a uint32
	for i, s := range d.Sections {
		e := s.end()
		if i == 0 || e > a {
			a = e
		}
	}
	return a
}

func sectionName(raw [8]byte) string {
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i])
		}
	}
	return string(raw[:])
}
