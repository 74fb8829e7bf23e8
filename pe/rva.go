// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import "fmt"

// ErrRVANotFound is returned by rvaToFileOffset when no section's
// virtual range contains the requested RVA.
var ErrRVANotFound = fmt.Errorf("%w: RVA not contained in any section", ErrMalformedImage)

// rvaToFileOffset translates a relative virtual address into a file
// offset by scanning the descriptor's sections. rva is relative to the
// image's preferred base; sections store absolute virtual addresses
// (preferredBase + section RVA), so rva is first made absolute before
// the scan — matching original_source/dllloader.cpp's rva2fileofs,
// which does `rva += _vbase` before comparing against section ranges.
func (d *ImageDescriptor) rvaToFileOffset(rva uint32) (uint32, error) {
	abs := d.PreferredBase + rva
	for _, s := range d.Sections {
		if abs >= s.VirtualAddress && abs < s.VirtualAddress+s.VirtualSize {
			return s.FileOffset + (abs - s.VirtualAddress), nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%08x", ErrRVANotFound, rva)
}
