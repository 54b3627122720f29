package sbits

// Get looks up key and copies its data into data, which must be
// DataSize bytes. Only flushed records are visible.
//
// Possible errors: [ErrClosed], [ErrNotFound], [ErrCorrupt], device
// I/O errors.
func (s *Store) Get(key, data []byte) error {
	_, buf, rec, err := s.lookup(key)
	if err != nil {
		return err
	}

	copy(data, s.schema.recordData(buf, rec))

	return nil
}

// lookup resolves key to its page and record index. The returned
// buffer is the data read slot and is valid until the next read.
func (s *Store) lookup(key []byte) (pgID uint32, buf []byte, rec int, err error) {
	if s.closed {
		return 0, nil, 0, ErrClosed
	}
	if s.data.liveCount() == 0 {
		return 0, nil, 0, ErrNotFound
	}

	switch s.cfg.Search {
	case SearchBinary:
		pgID, buf, err = s.searchBinary(key)
	case SearchStride:
		pgID, buf, err = s.searchStride(key)
	default:
		pgID, buf, err = s.searchLearned(key)
	}

	if err != nil {
		return 0, nil, 0, err
	}

	rec = s.searchPage(buf, key)
	if rec < 0 {
		return 0, nil, 0, ErrNotFound
	}

	return pgID, buf, rec, nil
}

// searchLearned resolves the page holding key with the learned index:
// the spline yields a predicted page and error bracket, and a linear
// probe from the prediction narrows the bracket until the page whose
// key range covers key is found.
func (s *Store) searchLearned(key []byte) (uint32, []byte, error) {
	loc, lo, hi := s.index.Find(unsignedValue(key))

	first := int64(s.data.firstPageID)
	last := int64(s.data.nextPageID) - 1

	return s.linearProbe(clamp(int64(loc), first, last),
		max(int64(lo), first), min(int64(hi), last), key)
}

// linearProbe walks logical pages from pg within [lo, hi], stepping
// toward key by comparing against each page's key range.
func (s *Store) linearProbe(pg, lo, hi int64, key []byte) (uint32, []byte, error) {
	for {
		if pg > hi || pg < lo || lo > hi {
			return 0, nil, ErrNotFound
		}

		buf, err := s.readDataPage(uint32(pg))
		if err != nil {
			return 0, nil, err
		}

		switch {
		case pageCount(buf) == 0 || s.cfg.CompareKey(key, s.schema.minKeyBytes(buf)) < 0:
			// Key below the smallest record on this page.
			pg--
			hi = pg
		case s.cfg.CompareKey(key, s.schema.maxKeyBytes(buf)) > 0:
			// Key above the largest record on this page.
			pg++
			lo = pg
		default:
			return uint32(pg), buf, nil
		}
	}
}

// searchBinary binary-searches the live logical page range.
func (s *Store) searchBinary(key []byte) (uint32, []byte, error) {
	first := int64(s.data.firstPageID)
	last := int64(s.data.nextPageID) - 1

	for first <= last {
		pg := (first + last) / 2

		buf, err := s.readDataPage(uint32(pg))
		if err != nil {
			return 0, nil, err
		}

		switch {
		case pageCount(buf) == 0 || s.cfg.CompareKey(key, s.schema.minKeyBytes(buf)) < 0:
			last = pg - 1
		case s.cfg.CompareKey(key, s.schema.maxKeyBytes(buf)) > 0:
			first = pg + 1
		default:
			return uint32(pg), buf, nil
		}
	}

	return 0, nil, ErrNotFound
}

// searchStride estimates the page from the average key spacing and
// steps by value distance. Used when Config.Search is SearchStride.
func (s *Store) searchStride(key []byte) (uint32, []byte, error) {
	first := int64(s.data.firstPageID)
	last := int64(s.data.nextPageID) - 1
	thisKey := unsignedValue(key)

	stride := s.avgKeyDiff * uint64(s.schema.maxRecordsPerPage)
	if stride == 0 {
		stride = 1
	}

	var pg int64
	if thisKey <= s.minKey {
		pg = first
	} else {
		pg = first + int64((thisKey-s.minKey)/stride)
		if pg > last {
			pg = last
		}
	}

	for {
		if pg < first || pg > last || first > last {
			return 0, nil, ErrNotFound
		}

		buf, err := s.readDataPage(uint32(pg))
		if err != nil {
			return 0, nil, err
		}

		switch {
		case pageCount(buf) == 0 || s.cfg.CompareKey(key, s.schema.minKeyBytes(buf)) < 0:
			last = pg - 1

			pageMin := unsignedValue(s.schema.minKeyBytes(buf))

			step := int64((pageMin-thisKey)/stride) + 1
			pg -= step
			if pg < first {
				pg = first
			}
		case s.cfg.CompareKey(key, s.schema.maxKeyBytes(buf)) > 0:
			first = pg + 1

			pageMax := unsignedValue(s.schema.maxKeyBytes(buf))

			step := int64((thisKey-pageMax)/stride) + 1
			pg += step
			if pg > last {
				pg = last
			}
		default:
			return uint32(pg), buf, nil
		}
	}
}

// searchPage finds key within a resolved page. The estimated position
// from the page's key slope seeds a binary search; an out-of-range
// estimate falls back to the plain midpoint. Returns -1 when the key
// is not on the page.
func (s *Store) searchPage(buf []byte, key []byte) int {
	count := pageCount(buf)
	if count == 0 {
		return -1
	}

	first, last := 0, count-1

	middle := s.estimateRecord(buf, key)
	if middle > last || middle < 0 {
		middle = (first + last) / 2
	}

	for first <= last {
		cmp := s.cfg.CompareKey(s.schema.recordKey(buf, middle), key)

		switch {
		case cmp < 0:
			first = middle + 1
		case cmp > 0:
			last = middle - 1
		default:
			return middle
		}

		middle = (first + last) / 2
	}

	return -1
}

// estimateRecord predicts key's record index from the page key slope.
func (s *Store) estimateRecord(buf []byte, key []byte) int {
	slope := s.pageSlope(buf)
	if slope <= 0 {
		return 0
	}

	pageMin := unsignedValue(s.schema.minKeyBytes(buf))

	thisKey := unsignedValue(key)
	if thisKey < pageMin {
		return 0
	}

	return int(float64(thisKey-pageMin) / slope)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}

	return v
}
