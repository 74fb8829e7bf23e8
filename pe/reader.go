// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pe provides a pure, read-only parser for 32-bit Portable
// Executable (PE32) images: sections, exports, imports and base
// relocations. It never maps, executes, or otherwise acts on the image
// it describes — that is the job of the module package built on top
// of it.
package pe

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
)

var (
	// ErrIO wraps a failure to read from, seek within, or open the
	// underlying file.
	ErrIO = errors.New("pe: I/O error")

	// ErrMalformedImage is returned when the bytes read from the file do
	// not form a well-formed PE32 image: a bad magic number, a
	// truncated header, a directory entry pointing outside the image,
	// or a relocation block whose declared size overruns its
	// directory.
	ErrMalformedImage = errors.New("pe: malformed image")

	// ErrUnsupportedMachine is returned when the image's COFF machine
	// field is not IMAGE_FILE_MACHINE_I386, i.e. the image is not a
	// 32-bit PE32 binary.
	ErrUnsupportedMachine = errors.New("pe: unsupported machine (PE32 only)")
)

// openReaders counts FileReaders that have been opened but not yet
// Closed. It backs OpenReaderCount, which tests use to confirm that a
// load path releases its file handle rather than leaking it on an
// error path.
var openReaders atomic.Int64

// OpenReaderCount returns the number of FileReaders currently open
// (returned by OpenFileReader but not yet Closed).
func OpenReaderCount() int64 {
	return openReaders.Load()
}

// FileReader provides positioned, random-access reads over a PE file on
// disk. It owns the underlying *os.File and must be closed by its
// caller once no longer needed.
type FileReader struct {
	f      *os.File
	closed bool
}

// OpenFileReader opens the file at path for reading and returns a
// FileReader over it. The caller must call Close on the result.
func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errWrap(err)
	}
	openReaders.Add(1)
	return &FileReader{f: f}, nil
}

// Close releases the underlying file handle. It is idempotent.
func (r *FileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	openReaders.Add(-1)
	return r.f.Close()
}

// Seek positions the reader at offset relative to whence, one of
// io.SeekStart, io.SeekCurrent or io.SeekEnd.
func (r *FileReader) Seek(offset int64, whence int) (int64, error) {
	off, err := r.f.Seek(offset, whence)
	if err != nil {
		return 0, errWrap(err)
	}
	return off, nil
}

// ReadExact reads exactly n bytes from the current position, advancing
// it by n. A short read is reported as ErrIO.
func (r *FileReader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return nil, errWrap(err)
	}
	return buf, nil
}

// ReadUpTo reads between 0 and nMax bytes from the current position,
// advancing it by the number of bytes actually read. Reaching end of
// file is not an error; it simply yields a shorter (possibly
// zero-length) slice.
func (r *FileReader) ReadUpTo(nMax int) ([]byte, error) {
	buf := make([]byte, nMax)
	n, err := r.f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, errWrap(err)
	}
	return buf[:n], nil
}

func errWrap(err error) error {
	if err == nil {
		return nil
	}
	return &ioError{err}
}

type ioError struct {
	cause error
}

func (e *ioError) Error() string { return "pe: I/O error: " + e.cause.Error() }
func (e *ioError) Unwrap() error { return ErrIO }
func (e *ioError) Cause() error  { return e.cause }
