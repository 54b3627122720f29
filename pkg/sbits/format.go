package sbits

import (
	"encoding/binary"
	"fmt"
)

// Page format constants.
//
// A data page is laid out as:
//
//	offset 0 : uint32 logical page id
//	offset 4 : uint16 record count
//	offset 6 : bitmap[bitmapSize]
//	then     : key min, key max, data min, data max   (maxMin only)
//	then     : records, keySize + dataSize [+ 4] each, no padding
//
// An index page is laid out as:
//
//	offset 0  : uint32 logical page id
//	offset 4  : uint16 record count
//	offset 6  : 2 pad
//	offset 8  : uint32 min data page id
//	offset 12 : uint32 max data page id
//	then      : bitmap[bitmapSize] per summarized data page
//
// A var page holds the largest key whose blob starts on or before the
// page in its first keySize bytes, then a raw stream of
// (uint32 length, bytes...) blob records that may span pages.
const (
	offPageID = 0
	offCount  = 4
	offBitmap = 6

	idxHeaderSize   = 16
	offIdxMinPageID = 8
	offIdxMaxPageID = 12

	// Size of a record's var-offset field when variable data is enabled.
	varOffsetSize = 4

	// NoVarData is the sentinel in a record's var-offset field for a
	// record without a blob.
	NoVarData = 0xFFFFFFFF
)

// pageSchema captures the fixed layout parameters of one store. All
// codec operations are pure functions over a page buffer and a schema.
type pageSchema struct {
	keySize    int
	dataSize   int
	bitmapSize int
	recordSize int
	headerSize int
	pageSize   int
	maxMin     bool
	useVar     bool

	maxRecordsPerPage    int
	maxIdxRecordsPerPage int
}

// newPageSchema derives the record and header geometry from the
// configured sizes.
func newPageSchema(cfg *Config) pageSchema {
	s := pageSchema{
		keySize:    cfg.KeySize,
		dataSize:   cfg.DataSize,
		bitmapSize: cfg.BitmapSize,
		pageSize:   cfg.PageSize,
		maxMin:     cfg.UseMaxMin,
		useVar:     cfg.UseVarData,
	}

	s.recordSize = s.keySize + s.dataSize
	if s.useVar {
		s.recordSize += varOffsetSize
	}

	s.headerSize = offBitmap + s.bitmapSize
	if s.maxMin {
		s.headerSize += 2*s.keySize + 2*s.dataSize
	}

	s.maxRecordsPerPage = (s.pageSize - s.headerSize) / s.recordSize
	if s.bitmapSize > 0 {
		s.maxIdxRecordsPerPage = (s.pageSize - idxHeaderSize) / s.bitmapSize
	}

	return s
}

// --- Shared header fields ---

func pageID(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offPageID:])
}

func setPageID(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[offPageID:], id)
}

func pageCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offCount:]))
}

func setPageCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[offCount:], uint16(n))
}

func incPageCount(buf []byte) {
	setPageCount(buf, pageCount(buf)+1)
}

// --- Data pages ---

// checkDataPage validates on-page integrity invariants.
func (s *pageSchema) checkDataPage(buf []byte) error {
	if n := pageCount(buf); n > s.maxRecordsPerPage {
		return fmt.Errorf("%w: page %d holds %d records, max %d",
			ErrCorrupt, pageID(buf), n, s.maxRecordsPerPage)
	}

	return nil
}

func (s *pageSchema) bitmap(buf []byte) []byte {
	return buf[offBitmap : offBitmap+s.bitmapSize]
}

// Header min/max fields, present only with maxMin.

func (s *pageSchema) headerMinKey(buf []byte) []byte {
	off := offBitmap + s.bitmapSize

	return buf[off : off+s.keySize]
}

func (s *pageSchema) headerMaxKey(buf []byte) []byte {
	off := offBitmap + s.bitmapSize + s.keySize

	return buf[off : off+s.keySize]
}

func (s *pageSchema) headerMinData(buf []byte) []byte {
	off := offBitmap + s.bitmapSize + 2*s.keySize

	return buf[off : off+s.dataSize]
}

func (s *pageSchema) headerMaxData(buf []byte) []byte {
	off := offBitmap + s.bitmapSize + 2*s.keySize + s.dataSize

	return buf[off : off+s.dataSize]
}

// record returns the i-th record slot.
func (s *pageSchema) record(buf []byte, i int) []byte {
	off := s.headerSize + i*s.recordSize

	return buf[off : off+s.recordSize]
}

// recordKey returns the key bytes of the i-th record.
func (s *pageSchema) recordKey(buf []byte, i int) []byte {
	return s.record(buf, i)[:s.keySize]
}

// recordData returns the data bytes of the i-th record.
func (s *pageSchema) recordData(buf []byte, i int) []byte {
	return s.record(buf, i)[s.keySize : s.keySize+s.dataSize]
}

// recordVarOffset returns the stored var-stream offset of the i-th
// record, or NoVarData.
func (s *pageSchema) recordVarOffset(buf []byte, i int) uint32 {
	r := s.record(buf, i)

	return binary.LittleEndian.Uint32(r[s.keySize+s.dataSize:])
}

func (s *pageSchema) setRecordVarOffset(buf []byte, i int, off uint32) {
	r := s.record(buf, i)
	binary.LittleEndian.PutUint32(r[s.keySize+s.dataSize:], off)
}

// minKeyBytes returns the smallest key on the page (first record).
func (s *pageSchema) minKeyBytes(buf []byte) []byte {
	return buf[s.headerSize : s.headerSize+s.keySize]
}

// maxKeyBytes returns the largest key on the page (last record).
func (s *pageSchema) maxKeyBytes(buf []byte) []byte {
	off := s.headerSize + (pageCount(buf)-1)*s.recordSize

	return buf[off : off+s.keySize]
}

// initDataPage zeroes the page and seeds the header min fields with
// all-ones bytes so the first comparison lowers them.
func (s *pageSchema) initDataPage(buf []byte) {
	clear(buf)

	if s.maxMin {
		fillOnes(s.headerMinKey(buf))
		fillOnes(s.headerMinData(buf))
	}
}

// --- Index pages ---

func idxMinPageID(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offIdxMinPageID:])
}

func setIdxMinPageID(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[offIdxMinPageID:], id)
}

func setIdxMaxPageID(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[offIdxMaxPageID:], id)
}

// idxBitmap returns the i-th bitmap summary slot on an index page.
func (s *pageSchema) idxBitmap(buf []byte, i int) []byte {
	off := idxHeaderSize + i*s.bitmapSize

	return buf[off : off+s.bitmapSize]
}

func (s *pageSchema) checkIndexPage(buf []byte) error {
	if n := pageCount(buf); n > s.maxIdxRecordsPerPage {
		return fmt.Errorf("%w: index page %d holds %d summaries, max %d",
			ErrCorrupt, pageID(buf), n, s.maxIdxRecordsPerPage)
	}

	return nil
}

// initIndexPage zeroes the page.
func (s *pageSchema) initIndexPage(buf []byte) {
	clear(buf)
}

// --- Var pages ---

// varPageKey returns the key header of a var page.
func (s *pageSchema) varPageKey(buf []byte) []byte {
	return buf[:s.keySize]
}

// initVarPage zeroes the page.
func (s *pageSchema) initVarPage(buf []byte) {
	clear(buf)
}

func fillOnes(b []byte) {
	for i := range b {
		b[i] = 0xFF
	}
}

// bitmapOverlap reports whether two bitmaps share any set bit.
func bitmapOverlap(a, b []byte) bool {
	for i := range a {
		if a[i]&b[i] != 0 {
			return true
		}
	}

	return false
}
