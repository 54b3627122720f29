package sbits

import "errors"

// ScanOptions bound a scan. Nil bounds are open; all bounds are
// inclusive. MinData and MaxData are also used to build the query
// bitmap that lets an index-backed scan skip whole data pages.
type ScanOptions struct {
	MinKey  []byte
	MaxKey  []byte
	MinData []byte
	MaxData []byte
}

// Iterator walks flushed records in key order, filtered by
// [ScanOptions]. Obtained from [Store.Scan]; not restartable.
//
// When the store maintains an index stream and the scan filters on
// data, index pages are walked first and data pages whose bitmap
// summary cannot match are never read.
type Iterator struct {
	s    *Store
	opts ScanOptions

	queryBitmap []byte

	// Data page cursor.
	nextPage uint32
	curPage  uint32
	rec      int
	count    int
	havePage bool

	// Index page cursor.
	useIdx   bool
	idxPage  uint32
	idxRec   int
	idxCount int
	idxMin   uint32
	haveIdx  bool

	done bool
	err  error
}

// Scan returns an iterator over flushed records matching opts.
func (s *Store) Scan(opts ScanOptions) *Iterator {
	it := &Iterator{
		s:        s,
		opts:     opts,
		nextPage: s.data.firstPageID,
	}

	if s.closed {
		it.done = true
		it.err = ErrClosed

		return it
	}

	// A query bitmap only helps when a data bound is set.
	if s.cfg.UseBitmap && (opts.MinData != nil || opts.MaxData != nil) &&
		s.cfg.BuildBitmapFromRange != nil {
		it.queryBitmap = make([]byte, s.schema.bitmapSize)
		s.cfg.BuildBitmapFromRange(opts.MinData, opts.MaxData, it.queryBitmap)

		if s.idx != nil {
			it.useIdx = true
			it.idxPage = s.idx.firstPageID
		}
	}

	return it
}

// Err returns the first device or integrity error the iterator hit.
// A finished scan with a nil Err ran to completion.
func (it *Iterator) Err() error {
	return it.err
}

// Next advances to the next matching record, copying its key and data
// into the caller's buffers. It returns false when the scan is done
// or failed; see [Iterator.Err].
func (it *Iterator) Next(key, data []byte) bool {
	if it.done {
		return false
	}

	for {
		if !it.havePage || it.rec >= it.count {
			if !it.advancePage() {
				return false
			}
		}

		// Re-read through the slot cache: an interleaved Get may have
		// evicted the scan's page.
		buf, err := it.s.readDataPage(it.curPage)
		if err != nil {
			it.fail(err)

			return false
		}

		copy(key, it.s.schema.recordKey(buf, it.rec))
		copy(data, it.s.schema.recordData(buf, it.rec))
		it.rec++

		if it.opts.MinKey != nil && it.s.cfg.CompareKey(key, it.opts.MinKey) < 0 {
			continue
		}
		if it.opts.MaxKey != nil && it.s.cfg.CompareKey(key, it.opts.MaxKey) > 0 {
			it.done = true

			return false
		}
		if it.opts.MinData != nil && it.s.cfg.CompareData(data, it.opts.MinData) < 0 {
			continue
		}
		if it.opts.MaxData != nil && it.s.cfg.CompareData(data, it.opts.MaxData) > 0 {
			continue
		}

		return true
	}
}

// advancePage loads the next data page worth scanning into the read
// slot, via the index stream when available.
func (it *Iterator) advancePage() bool {
	for {
		var pid uint32

		if it.useIdx {
			ok, dataPid := it.nextIndexedPage()
			if !ok {
				return false
			}

			pid = dataPid
		} else {
			if it.nextPage >= it.s.data.nextPageID {
				it.done = true

				return false
			}

			pid = it.nextPage
			it.nextPage++
		}

		buf, err := it.s.readDataPage(pid)
		if err != nil {
			// Pages reclaimed since the cursor was set are skipped,
			// not an error.
			if errors.Is(err, ErrNotFound) {
				continue
			}

			it.fail(err)

			return false
		}

		// With a query bitmap, skip pages that cannot contain a match.
		if it.queryBitmap != nil && !bitmapOverlap(it.queryBitmap, it.s.schema.bitmap(buf)) {
			continue
		}

		it.havePage = true
		it.curPage = pid
		it.rec = 0
		it.count = pageCount(buf)

		if it.count > 0 {
			return true
		}
	}
}

// nextIndexedPage yields the next data page id whose bitmap summary
// overlaps the query bitmap, walking index pages as needed.
func (it *Iterator) nextIndexedPage() (bool, uint32) {
	for {
		if !it.haveIdx || it.idxRec >= it.idxCount {
			if it.idxPage >= it.s.idx.nextPageID {
				it.done = true

				return false, 0
			}

			ibuf, err := it.s.readIndexPage(it.idxPage)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					it.idxPage++

					continue
				}

				it.fail(err)

				return false, 0
			}

			it.idxPage++
			it.haveIdx = true
			it.idxRec = 0
			it.idxCount = pageCount(ibuf)
			it.idxMin = idxMinPageID(ibuf)

			// Summaries for data pages already reclaimed are skipped.
			if first := it.s.data.firstPageID; first > it.idxMin {
				it.idxRec += int(first - it.idxMin)
			}

			if it.idxRec >= it.idxCount {
				continue
			}
		}

		ibuf := it.s.buf.idxRead()

		for it.idxRec < it.idxCount {
			bm := it.s.schema.idxBitmap(ibuf, it.idxRec)
			dataPid := it.idxMin + uint32(it.idxRec)
			it.idxRec++

			if bitmapOverlap(it.queryBitmap, bm) {
				return true, dataPid
			}
		}
	}
}

// NextVar is like [Iterator.Next] and additionally opens a streaming
// reader over the record's blob. The reader is nil when the record
// has no blob or the blob was reclaimed by var-stream wrap.
func (it *Iterator) NextVar(key, data []byte) (*VarReader, bool) {
	if !it.s.schema.useVar {
		it.fail(ErrInvalidConfig)

		return nil, false
	}

	if !it.Next(key, data) {
		return nil, false
	}

	buf, err := it.s.readDataPage(it.curPage)
	if err != nil {
		it.fail(err)

		return nil, false
	}

	offset := it.s.schema.recordVarOffset(buf, it.rec-1)
	if offset == NoVarData {
		return nil, true
	}

	if unsignedValue(key) < it.s.vars.minRecordID {
		return nil, true
	}

	r, err := it.s.varReaderAt(offset)
	if err != nil {
		it.fail(err)

		return nil, false
	}

	return r, true
}

func (it *Iterator) fail(err error) {
	it.done = true

	if it.err == nil {
		it.err = err
	}
}
