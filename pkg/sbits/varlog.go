package sbits

import (
	"encoding/binary"
	"fmt"
	"io"
)

// varState is the circular variable-data stream. Unlike the data and
// index streams it has no logical page ids: fixed records address
// blobs by a 32-bit wrap-aware byte offset, and reclamation is
// detected by comparing record keys against minRecordID.
type varState struct {
	numPages  uint32
	pageSize  uint32
	keySize   uint32
	eraseSize uint32

	// nextPageID is the physical page the next full page write lands
	// on, modulo numPages.
	nextPageID uint32

	// availPages counts writable pages before the writer must reclaim.
	availPages int64

	// currentLoc is the absolute write position in the unbounded byte
	// stream; on-record offsets are currentLoc modulo span.
	currentLoc uint32

	// minRecordID is the unsigned view of the smallest key whose blob
	// is still fully present. Records below it report ErrStale.
	minRecordID uint64
}

// span is the var region size in bytes; stored offsets wrap modulo it.
func (v *varState) span() uint32 {
	return v.numPages * v.pageSize
}

// PutVar appends a record with an optional variable-length blob.
//
// The fixed record carries a 4-byte offset into the var stream, or
// the no-blob sentinel when blob is nil. Blobs are stored as a uint32
// length followed by the bytes, spanning var pages as needed; each
// var page reserves its first KeySize bytes for the largest key whose
// blob starts on or before it, which reclamation uses to advance
// minRecordID.
//
// Possible errors: [ErrInvalidConfig] (variable data disabled),
// [ErrFull] (blob can never fit), plus everything [Store.Put] can
// fail with.
func (s *Store) PutVar(key, data, blob []byte) error {
	if s.closed {
		return ErrClosed
	}
	if !s.schema.useVar {
		return fmt.Errorf("%w: variable data is not enabled", ErrInvalidConfig)
	}

	if blob == nil {
		return s.Put(key, data)
	}

	usable := s.vars.pageSize - s.vars.keySize
	if uint64(len(blob))+lenHeaderSize > uint64(s.vars.numPages)*uint64(usable) {
		return fmt.Errorf("%w: %d byte blob exceeds var capacity", ErrFull, len(blob))
	}

	buf := s.buf.varWrite()

	// The length header never straddles a page boundary: with fewer
	// than 4 bytes left, move to the next page.
	if rem := s.vars.pageSize - s.vars.currentLoc%s.vars.pageSize; rem < lenHeaderSize {
		if err := s.writeVarPage(buf); err != nil {
			return err
		}

		s.schema.initVarPage(buf)
		s.vars.currentLoc += rem + s.vars.keySize
	}

	s.recordHasVar = true
	err := s.Put(key, data)
	s.recordHasVar = false

	if err != nil {
		return err
	}

	// The page header tracks the largest key stored on the page.
	copy(s.schema.varPageKey(buf), key)

	binary.LittleEndian.PutUint32(buf[s.vars.currentLoc%s.vars.pageSize:], uint32(len(blob)))
	s.vars.currentLoc += lenHeaderSize

	if err := s.rolloverVarPage(buf, key); err != nil {
		return err
	}

	written := 0
	for written < len(blob) {
		pos := s.vars.currentLoc % s.vars.pageSize
		n := int(s.vars.pageSize - pos)
		if n > len(blob)-written {
			n = len(blob) - written
		}

		copy(buf[pos:], blob[written:written+n])
		written += n
		s.vars.currentLoc += uint32(n)

		if err := s.rolloverVarPage(buf, key); err != nil {
			return err
		}
	}

	return nil
}

const lenHeaderSize = 4

// rolloverVarPage writes out the var slot when the write position
// reached a page boundary and re-initializes it for key.
func (s *Store) rolloverVarPage(buf []byte, key []byte) error {
	if s.vars.currentLoc%s.vars.pageSize != 0 {
		return nil
	}

	if err := s.writeVarPage(buf); err != nil {
		return err
	}

	s.schema.initVarPage(buf)
	copy(s.schema.varPageKey(buf), key)
	s.vars.currentLoc += s.vars.keySize

	return nil
}

// writeVarPage writes one full var page at the write frontier,
// reclaiming the next erase block first when the region is exhausted.
func (s *Store) writeVarPage(buf []byte) error {
	s.vars.nextPageID %= s.vars.numPages

	if err := s.reclaimVarBlock(); err != nil {
		return err
	}

	if err := s.devVar.WritePage(s.vars.nextPageID, buf); err != nil {
		return err
	}

	s.stats.Writes++
	s.vars.nextPageID++
	s.vars.availPages--
	s.buf.varReadPage = noPage

	return nil
}

// reclaimVarBlock frees the next erase block when no writable pages
// remain. The page about to be destroyed holds, in its key header,
// the largest key whose blob starts on or before it; every blob of a
// key at or below it may now be partially overwritten.
func (s *Store) reclaimVarBlock() error {
	if s.vars.availPages > 0 {
		return nil
	}

	s.vars.availPages += int64(s.vars.eraseSize)

	victim := (s.vars.nextPageID + s.vars.eraseSize - 1) % s.vars.numPages

	vbuf, err := s.readVarPage(victim)
	if err != nil {
		return err
	}

	s.vars.minRecordID = unsignedValue(s.schema.varPageKey(vbuf)) + 1

	return nil
}

// flushVarPartial makes the partially filled var slot durable without
// advancing the write frontier; the slot keeps filling and is written
// again when full.
func (s *Store) flushVarPartial() error {
	if s.vars.currentLoc%s.vars.pageSize == s.vars.keySize {
		// Nothing on the current page yet.
		return nil
	}

	s.vars.nextPageID %= s.vars.numPages

	if err := s.reclaimVarBlock(); err != nil {
		return err
	}

	if err := s.devVar.WritePage(s.vars.nextPageID, s.buf.varWrite()); err != nil {
		return err
	}

	s.stats.Writes++
	s.buf.varReadPage = noPage

	return nil
}

// GetVar looks up key, copies its fixed data into data and returns
// its blob, or nil when the record has none.
//
// The returned blob is allocated per call and owned by the caller.
// Fails with [ErrStale], data still filled,
// when the blob was reclaimed by var-stream wrap.
func (s *Store) GetVar(key, data []byte) ([]byte, error) {
	r, err := s.GetVarReader(key, data)
	if err != nil || r == nil {
		return nil, err
	}

	blob := make([]byte, r.total)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}

	return blob, nil
}

// GetVarReader is like [Store.GetVar] but returns a streaming reader
// over the blob instead of materializing it. A nil reader with a nil
// error means the record has no blob.
func (s *Store) GetVarReader(key, data []byte) (*VarReader, error) {
	if !s.schema.useVar {
		return nil, fmt.Errorf("%w: variable data is not enabled", ErrInvalidConfig)
	}

	_, buf, rec, err := s.lookup(key)
	if err != nil {
		return nil, err
	}

	copy(data, s.schema.recordData(buf, rec))

	offset := s.schema.recordVarOffset(buf, rec)
	if offset == NoVarData {
		return nil, nil
	}

	if unsignedValue(key) < s.vars.minRecordID {
		return nil, ErrStale
	}

	return s.varReaderAt(offset)
}

// VarReader streams one blob out of the var stream, skipping each var
// page's key header. It implements [io.Reader].
type VarReader struct {
	s *Store

	// loc is the absolute stream position of the next unread byte,
	// advanced with the same header-skip arithmetic the writer uses.
	loc   uint32
	total uint32
	read  uint32
}

// varReaderAt opens a reader for the blob whose length header lives
// at the given wrap-aware offset.
func (s *Store) varReaderAt(offset uint32) (*VarReader, error) {
	pageNum := (offset / s.vars.pageSize) % s.vars.numPages

	buf, err := s.readVarPage(pageNum)
	if err != nil {
		return nil, err
	}

	pos := offset % s.vars.pageSize
	length := binary.LittleEndian.Uint32(buf[pos:])

	return &VarReader{
		s:     s,
		loc:   offset + lenHeaderSize,
		total: length,
	}, nil
}

// Len returns the total blob length in bytes.
func (r *VarReader) Len() int {
	return int(r.total)
}

// Read copies blob bytes into p, crossing var pages as needed.
func (r *VarReader) Read(p []byte) (int, error) {
	if r.read >= r.total {
		return 0, io.EOF
	}

	produced := 0

	for produced < len(p) && r.read < r.total {
		if r.loc%r.s.vars.pageSize == 0 {
			r.loc += r.s.vars.keySize
		}

		pageNum := (r.loc / r.s.vars.pageSize) % r.s.vars.numPages

		buf, err := r.s.readVarPage(pageNum)
		if err != nil {
			return produced, err
		}

		pos := r.loc % r.s.vars.pageSize

		n := int(r.s.vars.pageSize - pos)
		if rem := int(r.total - r.read); n > rem {
			n = rem
		}
		if n > len(p)-produced {
			n = len(p) - produced
		}

		copy(p[produced:], buf[pos:int(pos)+n])
		produced += n
		r.read += uint32(n)
		r.loc += uint32(n)
	}

	return produced, nil
}
