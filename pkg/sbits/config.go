package sbits

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/sbits/pkg/device"
)

// SearchMethod selects the page-location strategy used by Get.
type SearchMethod int

const (
	// SearchLearned predicts the page with the spline index and
	// refines with an error-bounded linear probe. The canonical path.
	SearchLearned SearchMethod = iota
	// SearchBinary binary-searches the live logical page range.
	SearchBinary
	// SearchStride estimates the page from the average key spacing and
	// steps by value distance.
	SearchStride
)

// Default sizing.
const (
	// DefaultSplinePoints is the fixed knot allocation when
	// MaxSplinePoints is zero.
	DefaultSplinePoints = 300

	// DefaultLockTimeoutMS bounds waiting for the store lock.
	DefaultLockTimeoutMS = 5000
)

// Config describes the shape of a store and how to open it.
//
// The geometry fields (key/data/page sizes, page counts, flags) are
// fixed at creation time and persisted in the store's meta sidecar;
// reopening with different values fails with [ErrInvalidConfig].
type Config struct {
	// Dir is the store directory. It holds data.bin, index.bin,
	// var.bin, meta.json and the lock file.
	//
	// Required unless all devices are supplied explicitly.
	Dir string

	// KeySize is the fixed key width in bytes, 1 through 8. Keys are
	// interpreted as little-endian unsigned integers by the index
	// arithmetic; ordering is defined by CompareKey.
	KeySize int

	// DataSize is the fixed data width in bytes.
	DataSize int

	// PageSize is the page size in bytes for all three streams.
	PageSize int

	// BufferPages is the number of page-sized buffer slots. At least 2;
	// at least 4 with UseIndex; at least 6 with UseIndex and
	// UseVarData.
	BufferPages int

	// NumDataPages is the size of the data region in pages. Must be at
	// least twice the erase block size, four times with UseIndex.
	NumDataPages int

	// NumIndexPages is the size of the index region in pages. Zero
	// picks roughly 1% of the data region, rounded up to whole erase
	// blocks with a two-block minimum.
	NumIndexPages int

	// NumVarPages is the size of the variable-data region in pages.
	NumVarPages int

	// EraseSizePages is the erase block size in pages.
	EraseSizePages int

	// BitmapSize is the per-page bitmap summary width in bytes. Zero
	// means no bitmap; UseBitmap or UseIndex with a zero size fails
	// with [ErrInvalidConfig].
	BitmapSize int

	// UseMaxMin stores per-page key and data min/max in page headers.
	UseMaxMin bool

	// UseBitmap maintains the per-page bitmap summary.
	UseBitmap bool

	// UseIndex maintains the index stream of bitmap summaries used by
	// Scan to skip pages.
	UseIndex bool

	// UseVarData enables the variable-length sidecar stream and widens
	// records by a 4-byte offset.
	UseVarData bool

	// ResetData discards any existing store content instead of
	// recovering it.
	ResetData bool

	// Search selects the page-location strategy. Default SearchLearned.
	Search SearchMethod

	// RadixBits, when positive, accelerates the learned index with a
	// 2^RadixBits bucket table. Only meaningful with SearchLearned.
	RadixBits int

	// MaxSplinePoints is the fixed knot allocation. Default
	// DefaultSplinePoints.
	MaxSplinePoints int

	// IndexMaxError is the spline's page prediction error bound.
	IndexMaxError int

	// CompareKey orders keys. Nil defaults to little-endian unsigned
	// comparison of KeySize bytes.
	CompareKey func(a, b []byte) int

	// CompareData orders data values, used by the min/max headers and
	// Scan predicates. Nil defaults to little-endian unsigned
	// comparison of DataSize bytes.
	CompareData func(a, b []byte) int

	// UpdateBitmap folds a data value into a bitmap summary.
	// Required with UseBitmap.
	UpdateBitmap func(data, bitmap []byte)

	// InBitmap reports whether a data value could be present given a
	// bitmap summary. Required with UseBitmap.
	InBitmap func(data, bitmap []byte) bool

	// BuildBitmapFromRange builds a query bitmap covering the data
	// range [minData, maxData]; nil bounds are open. Required with
	// UseBitmap when Scan filters on data.
	BuildBitmapFromRange func(minData, maxData, bitmap []byte)

	// DataDevice, IndexDevice and VarDevice replace the file-backed
	// devices, mainly for tests. Setting DataDevice switches all three
	// streams to the given devices; without it all three are
	// file-backed and IndexDevice and VarDevice are not used. With
	// explicit devices Dir may be empty; the lock file and meta sidecar
	// are used whenever Dir is set.
	DataDevice  device.Device
	IndexDevice device.Device
	VarDevice   device.Device

	// DisableLocking skips the store lock file. The caller MUST
	// guarantee exclusive access.
	DisableLocking bool
}

// withDefaults returns cfg with zero values filled in.
func (cfg Config) withDefaults() Config {
	if cfg.MaxSplinePoints == 0 {
		cfg.MaxSplinePoints = DefaultSplinePoints
	}
	if cfg.CompareKey == nil {
		cfg.CompareKey = CompareUnsigned
	}
	if cfg.CompareData == nil {
		cfg.CompareData = CompareUnsigned
	}

	return cfg
}

// validate checks the configuration surface.
func (cfg *Config) validate() error {
	if cfg.KeySize < 1 || cfg.KeySize > 8 {
		return fmt.Errorf("%w: key size %d, must be 1-8", ErrInvalidConfig, cfg.KeySize)
	}
	if cfg.DataSize < 1 {
		return fmt.Errorf("%w: data size must be positive", ErrInvalidConfig)
	}
	if cfg.PageSize < idxHeaderSize+cfg.KeySize+cfg.DataSize {
		return fmt.Errorf("%w: page size %d too small", ErrInvalidConfig, cfg.PageSize)
	}
	if cfg.EraseSizePages < 1 {
		return fmt.Errorf("%w: erase size must be positive", ErrInvalidConfig)
	}

	minBuffers := 2
	if cfg.UseIndex {
		minBuffers = 4
	}
	if cfg.UseVarData {
		minBuffers += 2
	}
	if cfg.BufferPages < minBuffers {
		return fmt.Errorf("%w: %d buffer pages, need %d for this configuration",
			ErrInvalidConfig, cfg.BufferPages, minBuffers)
	}

	minDataPages := 2 * cfg.EraseSizePages
	if cfg.UseIndex {
		minDataPages = 4 * cfg.EraseSizePages
	}
	if cfg.NumDataPages < minDataPages {
		return fmt.Errorf("%w: %d data pages, need at least %d",
			ErrInvalidConfig, cfg.NumDataPages, minDataPages)
	}

	if cfg.UseIndex && cfg.BitmapSize < 1 {
		return fmt.Errorf("%w: index requires a bitmap size", ErrInvalidConfig)
	}
	if cfg.UseBitmap {
		if cfg.BitmapSize < 1 {
			return fmt.Errorf("%w: bitmap flag requires a bitmap size", ErrInvalidConfig)
		}
		if cfg.UpdateBitmap == nil || cfg.InBitmap == nil {
			return fmt.Errorf("%w: bitmap flag requires bitmap callbacks", ErrInvalidConfig)
		}
	}
	if cfg.UseVarData && cfg.NumVarPages < cfg.EraseSizePages {
		return fmt.Errorf("%w: %d var pages, need at least one erase block",
			ErrInvalidConfig, cfg.NumVarPages)
	}
	if cfg.IndexMaxError < 0 {
		return fmt.Errorf("%w: negative index max error", ErrInvalidConfig)
	}
	if cfg.Search < SearchLearned || cfg.Search > SearchStride {
		return fmt.Errorf("%w: unknown search method %d", ErrInvalidConfig, cfg.Search)
	}

	if cfg.Dir == "" && (cfg.DataDevice == nil ||
		(cfg.UseIndex && cfg.IndexDevice == nil) ||
		(cfg.UseVarData && cfg.VarDevice == nil)) {
		return fmt.Errorf("%w: dir is required without explicit devices", ErrInvalidConfig)
	}

	return nil
}

// indexPages resolves NumIndexPages, defaulting to ~1% of the data
// region rounded up to whole erase blocks, minimum two blocks.
func (cfg *Config) indexPages() int {
	n := cfg.NumIndexPages
	if n == 0 {
		n = cfg.NumDataPages / 100
	}

	if n < 2*cfg.EraseSizePages {
		n = 2 * cfg.EraseSizePages
	} else if n%cfg.EraseSizePages != 0 {
		n = (n/cfg.EraseSizePages + 1) * cfg.EraseSizePages
	}

	return n
}

// CompareUnsigned orders two little-endian unsigned integers of equal
// width. It is the default key and data comparator.
func CompareUnsigned(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}

			return 1
		}
	}

	return 0
}

// unsignedValue reads up to 8 little-endian bytes as a uint64. The
// index arithmetic views keys this way regardless of CompareKey.
func unsignedValue(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)

	return binary.LittleEndian.Uint64(buf[:])
}

// RangeBitmap8 supplies one-byte bitmap callbacks that bucket a
// little-endian unsigned data value into eight uniform buckets over
// [Min, Max).
type RangeBitmap8 struct {
	Min uint64
	Max uint64
}

func (r RangeBitmap8) bucket(v uint64) int {
	if v < r.Min {
		return 0
	}
	if v >= r.Max {
		return 7
	}

	return int((v - r.Min) * 8 / (r.Max - r.Min))
}

// Update folds data into the bitmap.
func (r RangeBitmap8) Update(data, bitmap []byte) {
	bitmap[0] |= 1 << r.bucket(unsignedValue(data))
}

// In reports whether data's bucket is set in the bitmap.
func (r RangeBitmap8) In(data, bitmap []byte) bool {
	return bitmap[0]&(1<<r.bucket(unsignedValue(data))) != 0
}

// BuildFromRange sets every bucket touched by [minData, maxData].
func (r RangeBitmap8) BuildFromRange(minData, maxData, bitmap []byte) {
	lo := 0
	if minData != nil {
		lo = r.bucket(unsignedValue(minData))
	}

	hi := 7
	if maxData != nil {
		hi = r.bucket(unsignedValue(maxData))
	}

	for b := lo; b <= hi; b++ {
		bitmap[0] |= 1 << b
	}
}

// ConfigFile is the subset of Config loadable from a HuJSON file.
type ConfigFile struct {
	KeySize        int  `json:"key_size"`
	DataSize       int  `json:"data_size"`
	PageSize       int  `json:"page_size"`
	BufferPages    int  `json:"buffer_pages"`
	NumDataPages   int  `json:"num_data_pages"`
	NumIndexPages  int  `json:"num_index_pages"`
	NumVarPages    int  `json:"num_var_pages"`
	EraseSizePages int  `json:"erase_size_pages"`
	BitmapSize     int  `json:"bitmap_size"`
	UseMaxMin      bool `json:"use_max_min"`
	UseBitmap      bool `json:"use_bitmap"`
	UseIndex       bool `json:"use_index"`
	UseVarData     bool `json:"use_var_data"`
	IndexMaxError  int  `json:"index_max_error"`
	RadixBits      int  `json:"radix_bits"`
}

// LoadConfig reads a HuJSON config file and applies it over cfg.
// Unset (zero) file fields leave cfg untouched.
func LoadConfig(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var file ConfigFile
	if err := dec.Decode(&file); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	return mergeConfigFile(cfg, file), nil
}

func mergeConfigFile(cfg Config, f ConfigFile) Config {
	if f.KeySize != 0 {
		cfg.KeySize = f.KeySize
	}
	if f.DataSize != 0 {
		cfg.DataSize = f.DataSize
	}
	if f.PageSize != 0 {
		cfg.PageSize = f.PageSize
	}
	if f.BufferPages != 0 {
		cfg.BufferPages = f.BufferPages
	}
	if f.NumDataPages != 0 {
		cfg.NumDataPages = f.NumDataPages
	}
	if f.NumIndexPages != 0 {
		cfg.NumIndexPages = f.NumIndexPages
	}
	if f.NumVarPages != 0 {
		cfg.NumVarPages = f.NumVarPages
	}
	if f.EraseSizePages != 0 {
		cfg.EraseSizePages = f.EraseSizePages
	}
	if f.BitmapSize != 0 {
		cfg.BitmapSize = f.BitmapSize
	}
	if f.IndexMaxError != 0 {
		cfg.IndexMaxError = f.IndexMaxError
	}
	if f.RadixBits != 0 {
		cfg.RadixBits = f.RadixBits
	}

	cfg.UseMaxMin = cfg.UseMaxMin || f.UseMaxMin
	cfg.UseBitmap = cfg.UseBitmap || f.UseBitmap
	cfg.UseIndex = cfg.UseIndex || f.UseIndex
	cfg.UseVarData = cfg.UseVarData || f.UseVarData

	return cfg
}
