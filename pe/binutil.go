// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	"encoding/binary"
)

// binSize returns the on-wire size of a fixed-layout struct as
// encoding/binary would encode it, used to size the ReadExact calls
// that precede each binary.Read in this package.
func binSize(v any) int64 {
	n := binary.Size(v)
	if n < 0 {
		panic("pe: binSize called on a non-fixed-size type")
	}
	return int64(n)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
