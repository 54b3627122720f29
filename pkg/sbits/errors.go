package sbits

import "errors"

// Error classification codes.
//
// The engine MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is. Device failures that
// are none of the below surface as wrapped I/O errors from the
// device package or the OS.
var (
	// ErrNotFound indicates the key has no record in the store.
	ErrNotFound = errors.New("sbits: not found")
	// ErrStale indicates a blob that was reclaimed by var-stream wrap.
	// The fixed record is still returned.
	ErrStale = errors.New("sbits: variable data reclaimed")
	// ErrCorrupt indicates an on-page integrity violation (rebuild-class).
	ErrCorrupt = errors.New("sbits: corrupt")
	// ErrInvalidConfig indicates unusable configuration: undersized
	// buffer pool, key too large, variable data disabled, shape
	// mismatch with an existing store.
	ErrInvalidConfig = errors.New("sbits: invalid config")
	// ErrSplineFull indicates the fixed spline allocation overflowed.
	// The store must be closed and reopened with a larger allocation.
	ErrSplineFull = errors.New("sbits: spline full")
	// ErrKeyOutOfOrder indicates a put with a key below the previous key.
	ErrKeyOutOfOrder = errors.New("sbits: key out of order")
	// ErrFull indicates a blob larger than the var stream can ever hold.
	ErrFull = errors.New("sbits: full")
	// ErrLocked indicates another process holds the store lock.
	ErrLocked = errors.New("sbits: locked")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("sbits: closed")
)
