package sbits

import (
	"fmt"

	"github.com/calvinalkan/sbits/pkg/device"
)

// pageLog manages one circular page stream: the mapping from logical
// page ids (a monotone stamp, never reused) to physical pages (a
// wrapped arc of the backing region), erase-ahead, and reclamation.
//
// The data and index streams each own one pageLog. The var stream has
// different layout and rotation rules and lives in varStream.
type pageLog struct {
	dev      device.Device
	pageSize int

	startPage uint32 // physical region [startPage, endPage)
	endPage   uint32
	eraseSize uint32

	erasedEnd   uint32 // physical frontier of erased space
	firstPage   uint32 // oldest live physical page
	firstPageID uint32 // oldest live logical id
	nextWriteID uint32 // next physical page to write
	nextPageID  uint32 // next logical id to assign
	wrapped     bool
}

func newPageLog(dev device.Device, pageSize int, startPage, endPage, eraseSize uint32) *pageLog {
	return &pageLog{
		dev:       dev,
		pageSize:  pageSize,
		startPage: startPage,
		endPage:   endPage,
		eraseSize: eraseSize,
		erasedEnd: startPage,
		firstPage: startPage,
	}
}

// numPages returns the size of the physical region.
func (l *pageLog) numPages() uint32 {
	return l.endPage - l.startPage
}

// liveCount returns the number of live (written, not reclaimed) pages.
func (l *pageLog) liveCount() uint32 {
	return l.nextPageID - l.firstPageID
}

// write stamps buf with the next logical id, performs erase-ahead and
// wrap bookkeeping, and writes buf at the current physical frontier.
//
// It returns the assigned logical id and the number of pages reclaimed
// by this write (zero in the steady pre-wrap state). The caller uses
// the reclaim count to advance stream-level minimums.
func (l *pageLog) write(buf []byte) (pgID uint32, reclaimed uint32, err error) {
	pgID = l.nextPageID
	l.nextPageID++
	setPageID(buf, pgID)

	// Erase ahead of the writer while room remains before the region
	// end. The first block accounts for page zero.
	if l.nextWriteID >= l.erasedEnd && l.nextWriteID+l.eraseSize < l.endPage {
		prev := l.erasedEnd
		if l.erasedEnd != l.startPage {
			l.erasedEnd += l.eraseSize
		} else {
			l.erasedEnd += l.eraseSize - 1
		}

		if err := l.dev.Erase(prev+1, l.erasedEnd-prev); err != nil {
			return 0, 0, fmt.Errorf("sbits: erase ahead: %w", err)
		}

		if l.wrapped {
			// Past the first wrap the erased block held live data.
			l.firstPage = l.erasedEnd + 1
			l.firstPageID += l.eraseSize
			reclaimed += l.eraseSize
		}
	}

	// Region exhausted: reclaim the first erase block and wrap the
	// writer to the start.
	if l.nextWriteID >= l.endPage {
		l.firstPageID += l.eraseSize
		l.erasedEnd = l.startPage + l.eraseSize - 1
		l.firstPage = l.erasedEnd + 1
		l.wrapped = true
		l.nextWriteID = l.startPage
		reclaimed += l.eraseSize

		if err := l.dev.Erase(l.startPage, l.eraseSize); err != nil {
			return 0, 0, fmt.Errorf("sbits: erase on wrap: %w", err)
		}
	}

	if err := l.dev.WritePage(l.nextWriteID, buf); err != nil {
		return 0, 0, err
	}

	l.nextWriteID++

	return pgID, reclaimed, nil
}

// physicalFor maps a live logical id to its physical page.
func (l *pageLog) physicalFor(logical uint32) (uint32, error) {
	if logical < l.firstPageID || logical >= l.nextPageID {
		return 0, fmt.Errorf("%w: page %d outside live range [%d, %d)",
			ErrNotFound, logical, l.firstPageID, l.nextPageID)
	}

	span := l.numPages()
	off := (logical - l.firstPageID + (l.firstPage - l.startPage)) % span

	return l.startPage + off, nil
}
