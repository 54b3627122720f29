package sbits

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/sbits/pkg/device"
	"github.com/calvinalkan/sbits/pkg/spline"
)

// Store file names within Config.Dir.
const (
	dataFileName  = "data.bin"
	indexFileName = "index.bin"
	varFileName   = "var.bin"
	metaFileName  = "meta.json"
	lockFileName  = "sbits.lock"
)

// Open opens or creates a store described by cfg.
//
// A new store starts empty. An existing store (unless cfg.ResetData)
// is recovered by scanning each stream in physical page order: the
// write frontier is the first break in the logical id sequence, a
// wrap shows as a drop back to older ids, and the spline is rebuilt
// by replaying the min key of every live data page. The smallest live
// key is read from the first live page.
//
// The returned Store must be closed with [Store.Close].
//
// Possible errors: [ErrInvalidConfig], [ErrLocked], [ErrCorrupt],
// [ErrSplineFull], device I/O errors.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	schema := newPageSchema(&cfg)
	if schema.maxRecordsPerPage < 1 {
		return nil, fmt.Errorf("%w: page size %d holds no records", ErrInvalidConfig, cfg.PageSize)
	}

	s := &Store{
		cfg:        cfg,
		schema:     schema,
		buf:        newBufferPool(cfg.BufferPages, cfg.PageSize, cfg.UseIndex),
		avgKeyDiff: 1,
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}

		if !cfg.DisableLocking {
			lock, err := acquireStoreLock(filepath.Join(cfg.Dir, lockFileName))
			if err != nil {
				return nil, err
			}

			s.lock = lock
		}

		if err := s.checkMeta(); err != nil {
			s.cleanupOpen()

			return nil, err
		}
	}

	if err := s.openDevices(); err != nil {
		s.cleanupOpen()

		return nil, err
	}

	s.data = newPageLog(s.devData, cfg.PageSize, 0, uint32(cfg.NumDataPages), uint32(cfg.EraseSizePages))
	if cfg.UseIndex {
		s.idx = newPageLog(s.devIdx, cfg.PageSize, 0, uint32(cfg.indexPages()), uint32(cfg.EraseSizePages))
	}

	if cfg.UseVarData {
		s.vars = varState{
			numPages:   uint32(cfg.NumVarPages),
			pageSize:   uint32(cfg.PageSize),
			keySize:    uint32(cfg.KeySize),
			eraseSize:  uint32(cfg.EraseSizePages),
			availPages: int64(cfg.NumVarPages),
			currentLoc: uint32(cfg.KeySize),
		}
	}

	if cfg.Search == SearchLearned {
		spl := spline.New(cfg.MaxSplinePoints, uint32(cfg.IndexMaxError))
		if cfg.RadixBits > 0 {
			s.index = spline.NewRadix(spl, uint(cfg.RadixBits))
		} else {
			s.index = spl
		}
	}

	s.schema.initDataPage(s.buf.dataWrite())
	if cfg.UseIndex {
		s.schema.initIndexPage(s.buf.idxWrite())
	}
	if cfg.UseVarData {
		s.schema.initVarPage(s.buf.varWrite())
	}

	if !cfg.ResetData {
		if err := s.recover(); err != nil {
			s.cleanupOpen()

			return nil, err
		}
	}

	s.stats = Stats{}

	return s, nil
}

// cleanupOpen releases partially acquired resources on a failed Open.
func (s *Store) cleanupOpen() {
	if s.ownDevs {
		if s.devData != nil {
			_ = s.devData.Close()
		}
		if s.devIdx != nil {
			_ = s.devIdx.Close()
		}
		if s.devVar != nil {
			_ = s.devVar.Close()
		}
	}

	if s.lock != nil {
		_ = s.lock.release()
	}
}

// openDevices wires the configured devices, or opens file-backed ones
// under Dir. ResetData removes existing backing files first.
func (s *Store) openDevices() error {
	s.devData = s.cfg.DataDevice
	s.devIdx = s.cfg.IndexDevice
	s.devVar = s.cfg.VarDevice

	if s.devData != nil {
		return nil
	}

	s.ownDevs = true

	open := func(name string) (device.Device, error) {
		path := filepath.Join(s.cfg.Dir, name)
		if s.cfg.ResetData {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}

		return device.OpenFile(path, s.cfg.PageSize)
	}

	var err error

	s.devData, err = open(dataFileName)
	if err != nil {
		return err
	}

	if s.cfg.UseIndex {
		s.devIdx, err = open(indexFileName)
		if err != nil {
			return err
		}
	}

	if s.cfg.UseVarData {
		s.devVar, err = open(varFileName)
		if err != nil {
			return err
		}
	}

	return nil
}

// --- Meta sidecar ---

// storeMeta is the persisted shape of a store. Reopening with a
// different shape would misread every page, so mismatches fail early.
type storeMeta struct {
	KeySize        int  `json:"key_size"`
	DataSize       int  `json:"data_size"`
	PageSize       int  `json:"page_size"`
	NumDataPages   int  `json:"num_data_pages"`
	NumIndexPages  int  `json:"num_index_pages"`
	NumVarPages    int  `json:"num_var_pages"`
	EraseSizePages int  `json:"erase_size_pages"`
	BitmapSize     int  `json:"bitmap_size"`
	UseMaxMin      bool `json:"use_max_min"`
	UseBitmap      bool `json:"use_bitmap"`
	UseIndex       bool `json:"use_index"`
	UseVarData     bool `json:"use_var_data"`
}

func (s *Store) metaFromConfig() storeMeta {
	return storeMeta{
		KeySize:        s.cfg.KeySize,
		DataSize:       s.cfg.DataSize,
		PageSize:       s.cfg.PageSize,
		NumDataPages:   s.cfg.NumDataPages,
		NumIndexPages:  s.cfg.NumIndexPages,
		NumVarPages:    s.cfg.NumVarPages,
		EraseSizePages: s.cfg.EraseSizePages,
		BitmapSize:     s.cfg.BitmapSize,
		UseMaxMin:      s.cfg.UseMaxMin,
		UseBitmap:      s.cfg.UseBitmap,
		UseIndex:       s.cfg.UseIndex,
		UseVarData:     s.cfg.UseVarData,
	}
}

// checkMeta validates the meta sidecar against cfg, writing a fresh
// one for new or reset stores.
func (s *Store) checkMeta() error {
	path := filepath.Join(s.cfg.Dir, metaFileName)
	want := s.metaFromConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil && !s.cfg.ResetData:
		standardized, herr := hujson.Standardize(data)
		if herr != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, herr)
		}

		var got storeMeta
		if uerr := json.Unmarshal(standardized, &got); uerr != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, uerr)
		}

		if got != want {
			return fmt.Errorf("%w: store shape at %s does not match config", ErrInvalidConfig, s.cfg.Dir)
		}

		return nil
	case err != nil && !os.IsNotExist(err):
		return err
	}

	b, err := json.MarshalIndent(want, "", "\t")
	if err != nil {
		return err
	}

	return atomic.WriteFile(path, bytes.NewReader(append(b, '\n')))
}

// --- Recovery ---

func (s *Store) recover() error {
	if err := s.recoverData(); err != nil {
		return err
	}

	if s.idx != nil {
		if err := s.recoverStream(s.idx, s.devIdx, s.buf.idxRead(), nil); err != nil {
			return err
		}
	}

	if s.schema.useVar {
		if err := s.recoverVar(); err != nil {
			return err
		}
	}

	return nil
}

// recoverData rebuilds the data stream state, the smallest live key,
// the key statistics and the spline.
func (s *Store) recoverData() error {
	rbuf := s.buf.dataRead()

	perPage := func(buf []byte) error {
		if err := s.schema.checkDataPage(buf); err != nil {
			return err
		}

		s.updateMaxError(buf)

		return nil
	}

	if err := s.recoverStream(s.data, s.devData, rbuf, perPage); err != nil {
		return err
	}

	if s.data.liveCount() == 0 {
		return nil
	}

	// The smallest live key is on the first live page.
	if err := s.devData.ReadPage(s.data.firstPage, rbuf); err != nil {
		return err
	}

	s.minKey = unsignedValue(s.schema.minKeyBytes(rbuf))
	s.haveMin = true

	s.lastKey = make([]byte, s.schema.keySize)

	// The newest page refreshes lastKey and the spacing estimate.
	if err := s.devData.ReadPage(s.data.nextWriteID-1, rbuf); err != nil {
		return err
	}

	copy(s.lastKey, s.schema.maxKeyBytes(rbuf))
	s.updateAvgKeyDiff(rbuf)

	if s.index != nil {
		if err := s.replaySpline(); err != nil {
			return err
		}
	}

	s.buf.invalidate()

	return nil
}

// recoverStream scans a stream's physical pages in order and rebuilds
// its frontier: pages are live while their logical ids stay
// consecutive; a drop back to older ids marks the write frontier of a
// wrapped stream.
func (s *Store) recoverStream(l *pageLog, dev device.Device, rbuf []byte, perPage func([]byte) error) error {
	numPages := l.numPages()

	var (
		maxLogical uint32
		count      uint32
		wrapped    bool
	)

	phys := l.startPage

	for count < numPages {
		if err := dev.ReadPage(phys, rbuf); err != nil {
			if errors.Is(err, device.ErrUnwritten) {
				break
			}

			return err
		}

		logical := pageID(rbuf)

		if count > 0 && logical != maxLogical+1 {
			// Older ids follow the newest page exactly when the
			// stream wrapped within the region.
			wrapped = logical == maxLogical-numPages+1

			break
		}

		if perPage != nil {
			if err := perPage(rbuf); err != nil {
				return err
			}
		}

		maxLogical = logical
		phys++
		count++
	}

	if count == 0 {
		return nil
	}

	l.nextPageID = maxLogical + 1
	l.nextWriteID = phys

	// Re-derive the erase frontier the writer would have at this rest
	// point: erased through the end of the frontier's block, capped at
	// the region end.
	erased := (phys-l.startPage)/l.eraseSize*l.eraseSize + l.eraseSize - 1
	if erased > numPages-1 {
		erased = numPages - 1
	}

	l.erasedEnd = l.startPage + erased

	if wrapped {
		l.wrapped = true

		first := erased + 1
		if first >= numPages {
			first = 0
		}

		l.firstPage = l.startPage + first

		if err := dev.ReadPage(l.firstPage, rbuf); err != nil {
			return err
		}

		l.firstPageID = pageID(rbuf)
	}

	return nil
}

// replaySpline rebuilds the learned index by feeding every live
// page's min key in logical order.
func (s *Store) replaySpline() error {
	rbuf := s.buf.dataRead()

	toRead := s.data.liveCount()
	phys := s.data.firstPage
	logical := s.data.firstPageID

	for i := uint32(0); i < toRead; i++ {
		if err := s.devData.ReadPage(phys, rbuf); err != nil {
			return err
		}

		if err := s.index.Add(unsignedValue(s.schema.minKeyBytes(rbuf)), logical); err != nil {
			if errors.Is(err, spline.ErrFull) {
				return fmt.Errorf("%w: %d points", ErrSplineFull, s.cfg.MaxSplinePoints)
			}

			return err
		}

		logical++
		phys++

		if phys >= s.data.endPage {
			phys = s.data.startPage
		}
	}

	return nil
}

// recoverVar rebuilds the var stream frontier from the per-page key
// headers: keys are non-decreasing in write order, so the single drop
// in the rotated sequence marks the oldest page.
func (s *Store) recoverVar() error {
	rbuf := s.buf.varRead()

	numPages := s.vars.numPages

	keys := make([]uint64, 0, numPages)

	for phys := uint32(0); phys < numPages; phys++ {
		if err := s.devVar.ReadPage(phys, rbuf); err != nil {
			if errors.Is(err, device.ErrUnwritten) {
				break
			}

			return err
		}

		keys = append(keys, unsignedValue(s.schema.varPageKey(rbuf)))
	}

	written := uint32(len(keys))
	if written == 0 {
		return nil
	}

	if written < numPages {
		s.vars.nextPageID = written
		s.vars.availPages = int64(numPages - written)
		s.vars.currentLoc = written*s.vars.pageSize + s.vars.keySize

		s.buf.invalidate()

		return nil
	}

	// Every page is written: the frontier is just past the largest
	// key, i.e. the single drop point of the rotated sequence.
	frontier := numPages

	for i := uint32(0); i+1 < numPages; i++ {
		if keys[i] > keys[i+1] {
			frontier = i + 1

			break
		}
	}

	s.vars.nextPageID = frontier % numPages
	s.vars.availPages = 0
	s.vars.currentLoc = frontier*s.vars.pageSize + s.vars.keySize
	s.vars.minRecordID = keys[s.vars.nextPageID] + 1

	s.buf.invalidate()

	return nil
}
