package device

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File implements [Device] backed by a single regular file.
//
// Page n lives at byte offset n*pageSize. Reads and writes use
// positional I/O; the file grows as pages past the current end are
// written. Reads past the end of the file report [ErrUnwritten] so
// that recovery scans can find the write frontier.
//
// Erase is a no-op: regular files have no erase-before-write
// constraint. The erased region is simply overwritten later.
type File struct {
	f        *os.File
	pageSize int
	closed   bool
}

// OpenFile opens or creates a file-backed device at path.
func OpenFile(path string, pageSize int) (*File, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("device: invalid page size %d", pageSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &File{f: f, pageSize: pageSize}, nil
}

// PageSize returns the fixed page size in bytes.
func (d *File) PageSize() int {
	return d.pageSize
}

// ReadPage reads the page at pageNum into buf.
func (d *File) ReadPage(pageNum uint32, buf []byte) error {
	if d.closed {
		return ErrClosed
	}
	if len(buf) != d.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrPageSize, len(buf), d.pageSize)
	}

	off := int64(pageNum) * int64(d.pageSize)

	n, err := d.f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || (err == nil && n < d.pageSize) {
		return fmt.Errorf("%w: page %d", ErrUnwritten, pageNum)
	}
	if err != nil {
		return fmt.Errorf("device: read page %d: %w", pageNum, err)
	}

	return nil
}

// WritePage writes buf to the page at pageNum.
func (d *File) WritePage(pageNum uint32, buf []byte) error {
	if d.closed {
		return ErrClosed
	}
	if len(buf) != d.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrPageSize, len(buf), d.pageSize)
	}

	off := int64(pageNum) * int64(d.pageSize)

	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("device: write page %d: %w", pageNum, err)
	}

	return nil
}

// Erase is a no-op for file backends.
func (d *File) Erase(startPage, count uint32) error {
	if d.closed {
		return ErrClosed
	}

	return nil
}

// Sync flushes written pages to stable storage.
func (d *File) Sync() error {
	if d.closed {
		return ErrClosed
	}

	return d.f.Sync()
}

// Close closes the backing file. Close is idempotent.
func (d *File) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	return d.f.Close()
}

// Compile-time interface checks.
var (
	_ Device    = (*File)(nil)
	_ PageSizer = (*File)(nil)
)
