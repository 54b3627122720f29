package device

import "errors"

// ErrInjected is the failure returned by [Flaky] when a fault fires.
var ErrInjected = errors.New("device: injected fault")

// Flaky wraps a [Device] and fails operations on a schedule.
//
// Reads and writes are counted from the wrapper's creation; when a
// class's count reaches its threshold the operation fails with
// [ErrInjected] and the threshold disarms. Zero thresholds pass
// everything through. Used by tests to exercise I/O error paths
// without a real faulty medium.
type Flaky struct {
	Inner Device

	// FailReadAfter, when set to n, fails the n-th read (1-based), or
	// the next read if n reads have already been counted.
	FailReadAfter int
	// FailWriteAfter, when set to n, fails the n-th write (1-based), or
	// the next write if n writes have already been counted.
	FailWriteAfter int
	// FailSync fails every Sync call while true.
	FailSync bool

	reads  int
	writes int
}

// ReadPage delegates to the inner device unless the read fault fires.
func (d *Flaky) ReadPage(pageNum uint32, buf []byte) error {
	d.reads++
	if d.FailReadAfter > 0 && d.reads >= d.FailReadAfter {
		d.FailReadAfter = 0

		return ErrInjected
	}

	return d.Inner.ReadPage(pageNum, buf)
}

// WritePage delegates to the inner device unless the write fault fires.
func (d *Flaky) WritePage(pageNum uint32, buf []byte) error {
	d.writes++
	if d.FailWriteAfter > 0 && d.writes >= d.FailWriteAfter {
		d.FailWriteAfter = 0

		return ErrInjected
	}

	return d.Inner.WritePage(pageNum, buf)
}

// Erase delegates to the inner device.
func (d *Flaky) Erase(startPage, count uint32) error {
	return d.Inner.Erase(startPage, count)
}

// Sync delegates to the inner device unless FailSync is set.
func (d *Flaky) Sync() error {
	if d.FailSync {
		return ErrInjected
	}

	return d.Inner.Sync()
}

// Close closes the inner device.
func (d *Flaky) Close() error {
	return d.Inner.Close()
}

// Compile-time interface check.
var _ Device = (*Flaky)(nil)
