// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"io"
)

// chunkSize matches original_source/dllloader.cpp's read_until_zero,
// which reads in fixed 256-element chunks rather than one element at a
// time.
const chunkSize = 256

// readCString reads a NUL-terminated byte string located at the file
// offset corresponding to rva, in chunked reads, truncating at the
// first zero byte encountered. Kept distinct from readUntilZeroU32 —
// see DESIGN.md — because the two scan at
// different strides and sharing one generic accumulator risks
// desynchronizing the chunk boundary from the element width.
func readCString(r *FileReader, d *ImageDescriptor, rva uint32) (string, error) {
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return "", err
	}

	var out []byte
	for {
		chunk, err := r.ReadUpTo(chunkSize)
		if err != nil {
			return "", err
		}
		if idx := indexZero(chunk); idx >= 0 {
			out = append(out, chunk[:idx]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		if len(chunk) < chunkSize {
			// Ran off the end of the file without finding a
			// terminator.
			return string(out), nil
		}
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// readUntilZeroU32 reads a zero-terminated array of little-endian
// 32-bit words located at the file offset corresponding to rva, in
// chunked reads, truncating at the first zero word encountered. Used
// for Import Lookup Tables, which are terminated by a zero ILT entry.
func readUntilZeroU32(r *FileReader, d *ImageDescriptor, rva uint32) ([]uint32, error) {
	off, err := d.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}

	var out []uint32
	for {
		raw, err := r.ReadUpTo(chunkSize * 4)
		if err != nil {
			return nil, err
		}
		full := len(raw) / 4
		for i := 0; i < full; i++ {
			w := binary.LittleEndian.Uint32(raw[i*4:])
			if w == 0 {
				return out, nil
			}
			out = append(out, w)
		}
		if len(raw) < chunkSize*4 {
			return out, nil
		}
	}
}
