package device

import "fmt"

// Memory implements [Device] over an in-memory page map.
//
// Useful for tests: it tracks which pages were written so that reads
// of unwritten or erased pages fail with [ErrUnwritten], matching the
// behavior recovery scans rely on with the [File] backend.
type Memory struct {
	pageSize int
	pages    map[uint32][]byte
	closed   bool
}

// NewMemory returns an empty in-memory device with the given page size.
func NewMemory(pageSize int) *Memory {
	return &Memory{
		pageSize: pageSize,
		pages:    make(map[uint32][]byte),
	}
}

// PageSize returns the fixed page size in bytes.
func (d *Memory) PageSize() int {
	return d.pageSize
}

// ReadPage copies the page at pageNum into buf.
func (d *Memory) ReadPage(pageNum uint32, buf []byte) error {
	if d.closed {
		return ErrClosed
	}
	if len(buf) != d.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrPageSize, len(buf), d.pageSize)
	}

	p, ok := d.pages[pageNum]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrUnwritten, pageNum)
	}

	copy(buf, p)

	return nil
}

// WritePage stores a copy of buf as the page at pageNum.
func (d *Memory) WritePage(pageNum uint32, buf []byte) error {
	if d.closed {
		return ErrClosed
	}
	if len(buf) != d.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrPageSize, len(buf), d.pageSize)
	}

	p, ok := d.pages[pageNum]
	if !ok {
		p = make([]byte, d.pageSize)
		d.pages[pageNum] = p
	}

	copy(p, buf)

	return nil
}

// Erase drops count pages starting at startPage; they read as
// unwritten afterwards.
func (d *Memory) Erase(startPage, count uint32) error {
	if d.closed {
		return ErrClosed
	}

	for i := uint32(0); i < count; i++ {
		delete(d.pages, startPage+i)
	}

	return nil
}

// Sync is a no-op for the in-memory backend.
func (d *Memory) Sync() error {
	if d.closed {
		return ErrClosed
	}

	return nil
}

// Close releases the page map. Close is idempotent.
func (d *Memory) Close() error {
	d.closed = true
	d.pages = nil

	return nil
}

// Written reports how many distinct pages hold data.
func (d *Memory) Written() int {
	return len(d.pages)
}

// Compile-time interface checks.
var (
	_ Device    = (*Memory)(nil)
	_ PageSizer = (*Memory)(nil)
)
