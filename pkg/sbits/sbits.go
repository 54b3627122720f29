// Package sbits implements an append-only, page-structured key-value
// store for monotonically increasing keys on small, flash-like block
// devices.
//
// Records are ingested in key order into fixed-size pages. Space is
// reclaimed by circular erase: when the data region fills, the writer
// wraps and reclaims the oldest erase block. Point and range lookups
// resolve in a small, bounded number of page reads via a learned
// spline index over page minimum keys.
//
// The main types are:
//   - [Store]: the engine handle returned by [Open]
//   - [Config]: store shape and callbacks
//   - [Iterator]: range scans via [Store.Scan]
//   - [VarReader]: streamed access to variable-length blobs
//
// A store is single-writer and not safe for concurrent use. Buffers
// returned to callbacks are owned by the engine for the duration of
// the call only; the blob returned by [Store.GetVar] is owned by the
// caller.
package sbits

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/sbits/pkg/device"
	"github.com/calvinalkan/sbits/pkg/spline"
)

// learnedIndex is the search structure fed one (minKey, pageID) point
// per flushed data page. Satisfied by [spline.Spline] and
// [spline.Radix].
type learnedIndex interface {
	Add(key uint64, page uint32) error
	Find(key uint64) (loc, lo, hi uint32)
}

// Store is a handle to an open store.
//
// A Store must be obtained via [Open]; the zero value is not usable.
type Store struct {
	_ [0]func() // prevent external construction

	cfg    Config
	schema pageSchema
	buf    *bufferPool

	data *pageLog
	idx  *pageLog // nil without UseIndex
	vars varState // zero without UseVarData

	index learnedIndex // nil unless SearchLearned

	devData device.Device
	devIdx  device.Device
	devVar  device.Device
	ownDevs bool

	// minKey is the unsigned view of the smallest live key,
	// advanced heuristically on reclamation.
	minKey  uint64
	haveMin bool

	// lastKey enforces the non-decreasing insert contract.
	lastKey []byte

	// avgKeyDiff estimates the key spacing between adjacent records,
	// used by reclamation and the stride search.
	avgKeyDiff uint64

	// maxError is the observed intra-page prediction error bound.
	maxError int

	// recordHasVar routes the var offset into the next Put.
	recordHasVar bool

	lock  *storeLock
	stats Stats

	closed bool
}

// Put appends a record.
//
// key and data must be exactly KeySize and DataSize bytes, and key
// must not be below the previously inserted key. When the record
// fills the current page, the page is flushed to the data stream, its
// minimum key is fed to the learned index, and its bitmap summary is
// appended to the index stream.
//
// Possible errors: [ErrClosed], [ErrKeyOutOfOrder], [ErrSplineFull],
// [ErrInvalidConfig], device I/O errors.
func (s *Store) Put(key, data []byte) error {
	if s.closed {
		return ErrClosed
	}
	if len(key) != s.schema.keySize {
		return fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidConfig, len(key), s.schema.keySize)
	}
	if len(data) != s.schema.dataSize {
		return fmt.Errorf("%w: data is %d bytes, want %d", ErrInvalidConfig, len(data), s.schema.dataSize)
	}
	if s.lastKey != nil && s.cfg.CompareKey(key, s.lastKey) < 0 {
		return ErrKeyOutOfOrder
	}

	buf := s.buf.dataWrite()
	count := pageCount(buf)

	// Copy the record into the write slot.
	rec := s.schema.record(buf, count)
	copy(rec, key)
	copy(rec[s.schema.keySize:], data)

	if s.schema.useVar {
		off := uint32(NoVarData)
		if s.recordHasVar {
			off = s.vars.currentLoc % s.vars.span()
		}

		s.schema.setRecordVarOffset(buf, count, off)
	}

	incPageCount(buf)

	if !s.haveMin {
		s.minKey = unsignedValue(key)
		s.haveMin = true
	}

	if s.schema.maxMin {
		if count == 0 {
			copy(s.schema.headerMinKey(buf), key)
			copy(s.schema.headerMinData(buf), data)
			copy(s.schema.headerMaxData(buf), data)
		} else {
			if s.cfg.CompareData(data, s.schema.headerMinData(buf)) < 0 {
				copy(s.schema.headerMinData(buf), data)
			}
			if s.cfg.CompareData(data, s.schema.headerMaxData(buf)) > 0 {
				copy(s.schema.headerMaxData(buf), data)
			}
		}

		// Keys arrive in ascending order, so every insert updates max.
		copy(s.schema.headerMaxKey(buf), key)
	}

	if s.cfg.UseBitmap {
		s.cfg.UpdateBitmap(data, s.schema.bitmap(buf))
	}

	if s.lastKey == nil {
		s.lastKey = make([]byte, s.schema.keySize)
	}

	copy(s.lastKey, key)

	if pageCount(buf) >= s.schema.maxRecordsPerPage {
		return s.flushDataPage()
	}

	return nil
}

// flushDataPage writes the data write slot, feeds the learned index,
// appends the bitmap summary to the index stream, refreshes the key
// statistics and re-initializes the slot.
func (s *Store) flushDataPage() error {
	buf := s.buf.dataWrite()
	if pageCount(buf) == 0 {
		return nil
	}

	pageMin := unsignedValue(s.schema.minKeyBytes(buf))

	pgID, reclaimed, err := s.data.write(buf)
	if err != nil {
		return err
	}

	s.stats.Writes++

	if reclaimed > 0 {
		// The erased blocks held live records; estimate the new
		// smallest key instead of reading the first live page.
		s.minKey += uint64(reclaimed) * s.avgKeyDiff * uint64(s.schema.maxRecordsPerPage)
	}

	if s.index != nil {
		if err := s.index.Add(pageMin, pgID); err != nil {
			if errors.Is(err, spline.ErrFull) {
				return fmt.Errorf("%w: %d points", ErrSplineFull, s.cfg.MaxSplinePoints)
			}

			return err
		}
	}

	if s.idx != nil {
		if err := s.appendIndexSummary(pgID, s.schema.bitmap(buf)); err != nil {
			return err
		}
	}

	s.updateAvgKeyDiff(buf)
	s.updateMaxError(buf)

	s.schema.initDataPage(buf)

	return nil
}

// appendIndexSummary appends one data page's bitmap to the index
// write slot, flushing the slot when full.
func (s *Store) appendIndexSummary(dataPageID uint32, bm []byte) error {
	buf := s.buf.idxWrite()

	if pageCount(buf) >= s.schema.maxIdxRecordsPerPage {
		if err := s.flushIndexPage(); err != nil {
			return err
		}
	}

	n := pageCount(buf)
	if n == 0 {
		setIdxMinPageID(buf, dataPageID)
	}

	setIdxMaxPageID(buf, dataPageID)
	copy(s.schema.idxBitmap(buf, n), bm)
	incPageCount(buf)

	return nil
}

// flushIndexPage writes the index write slot and re-initializes it.
func (s *Store) flushIndexPage() error {
	buf := s.buf.idxWrite()
	if pageCount(buf) == 0 {
		return nil
	}

	if _, _, err := s.idx.write(buf); err != nil {
		return err
	}

	s.stats.IdxWrites++
	s.schema.initIndexPage(buf)

	return nil
}

// updateAvgKeyDiff refreshes the average key spacing estimate from
// the freshly flushed page's maximum key.
func (s *Store) updateAvgKeyDiff(buf []byte) {
	live := uint64(s.data.liveCount())
	if live == 0 {
		live = 1
	}

	maxKey := unsignedValue(s.schema.maxKeyBytes(buf))
	if maxKey <= s.minKey {
		return
	}

	s.avgKeyDiff = (maxKey - s.minKey) / live / uint64(s.schema.maxRecordsPerPage)
	if s.avgKeyDiff == 0 {
		s.avgKeyDiff = 1
	}
}

// updateMaxError widens the observed intra-page error bound with the
// prediction error of the given page.
func (s *Store) updateMaxError(buf []byte) {
	if e := s.pageMaxError(buf); e > s.maxError {
		s.maxError = e
	}
}

// pageMaxError measures how far the slope estimate used by the
// intra-page search can miss on this page.
func (s *Store) pageMaxError(buf []byte) int {
	count := pageCount(buf)
	if count < 2 {
		return 0
	}

	slope := s.pageSlope(buf)
	if slope <= 0 {
		return s.schema.maxRecordsPerPage
	}

	minKey := unsignedValue(s.schema.minKeyBytes(buf))
	maxErr := 0

	for i := 0; i < count; i++ {
		rel := unsignedValue(s.schema.recordKey(buf, i)) - minKey
		est := int(float64(rel) / slope)

		e := est - i
		if e < 0 {
			e = -e
		}
		if e > maxErr {
			maxErr = e
		}
	}

	if maxErr > s.schema.maxRecordsPerPage {
		return s.schema.maxRecordsPerPage
	}

	return maxErr
}

// pageSlope estimates the key spacing within a page from its first
// and last records.
func (s *Store) pageSlope(buf []byte) float64 {
	count := pageCount(buf)
	if count < 2 {
		return 1
	}

	first := unsignedValue(s.schema.recordKey(buf, 0))
	last := unsignedValue(s.schema.recordKey(buf, count-1))

	return (float64(last) - float64(first)) / float64(count-1)
}

// Flush writes out all partially filled write slots and syncs the
// devices. Records become durable and visible to Get only after
// Flush.
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}

	if err := s.flushDataPage(); err != nil {
		return err
	}

	if s.idx != nil {
		if err := s.flushIndexPage(); err != nil {
			return err
		}
	}

	if s.schema.useVar {
		if err := s.flushVarPartial(); err != nil {
			return err
		}
	}

	if err := s.devData.Sync(); err != nil {
		return err
	}
	if s.devIdx != nil {
		if err := s.devIdx.Sync(); err != nil {
			return err
		}
	}
	if s.devVar != nil {
		if err := s.devVar.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes pending writes, releases the devices and the store
// lock. Close is idempotent; subsequent calls are no-ops.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}

	flushErr := s.Flush()

	s.closed = true

	if s.ownDevs {
		if err := s.devData.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		if s.devIdx != nil {
			if err := s.devIdx.Close(); err != nil && flushErr == nil {
				flushErr = err
			}
		}
		if s.devVar != nil {
			if err := s.devVar.Close(); err != nil && flushErr == nil {
				flushErr = err
			}
		}
	}

	if s.lock != nil {
		if err := s.lock.release(); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	return flushErr
}

// --- Cached page reads ---

// readDataPage reads a live logical data page into the data read
// slot, serving repeats from the slot cache.
func (s *Store) readDataPage(logical uint32) ([]byte, error) {
	phys, err := s.data.physicalFor(logical)
	if err != nil {
		return nil, err
	}

	buf := s.buf.dataRead()

	if int64(phys) == s.buf.dataReadPage && pageID(buf) == logical {
		s.stats.BufferHits++

		return buf, nil
	}

	if err := s.devData.ReadPage(phys, buf); err != nil {
		return nil, err
	}

	s.stats.Reads++
	s.buf.dataReadPage = int64(phys)

	if got := pageID(buf); got != logical {
		return nil, fmt.Errorf("%w: logical page %d was reclaimed (physical %d holds %d)",
			ErrNotFound, logical, phys, got)
	}

	if err := s.schema.checkDataPage(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// readIndexPage reads a live logical index page into the index read
// slot, serving repeats from the slot cache.
func (s *Store) readIndexPage(logical uint32) ([]byte, error) {
	phys, err := s.idx.physicalFor(logical)
	if err != nil {
		return nil, err
	}

	buf := s.buf.idxRead()

	if int64(phys) == s.buf.idxReadPage && pageID(buf) == logical {
		s.stats.BufferHits++

		return buf, nil
	}

	if err := s.devIdx.ReadPage(phys, buf); err != nil {
		return nil, err
	}

	s.stats.IdxReads++
	s.buf.idxReadPage = int64(phys)

	if got := pageID(buf); got != logical {
		return nil, fmt.Errorf("%w: index page %d was reclaimed (physical %d holds %d)",
			ErrNotFound, logical, phys, got)
	}

	if err := s.schema.checkIndexPage(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// readVarPage reads a physical var page into the var read slot,
// serving repeats from the slot cache.
func (s *Store) readVarPage(phys uint32) ([]byte, error) {
	buf := s.buf.varRead()

	if int64(phys) == s.buf.varReadPage {
		s.stats.BufferHits++

		return buf, nil
	}

	if err := s.devVar.ReadPage(phys, buf); err != nil {
		return nil, err
	}

	s.stats.Reads++
	s.buf.varReadPage = int64(phys)

	return buf, nil
}
