package sbits

import (
	"encoding/binary"
	"testing"

	"github.com/calvinalkan/sbits/pkg/device"
)

// testBitmap buckets the test data domain (0..99) into one byte.
var testBitmap = RangeBitmap8{Min: 0, Max: 100}

// memConfig returns a memory-backed store shape matching the
// reference fixture: 4-byte keys and data, 512-byte pages, one-byte
// bitmaps, 63 records per page.
func memConfig() Config {
	cfg := Config{
		KeySize:        4,
		DataSize:       4,
		PageSize:       512,
		BufferPages:    4,
		NumDataPages:   10_000,
		EraseSizePages: 2,
		BitmapSize:     1,
		UseBitmap:      true,
		UseIndex:       true,
		IndexMaxError:  1,

		UpdateBitmap:         testBitmap.Update,
		InBitmap:             testBitmap.In,
		BuildBitmapFromRange: testBitmap.BuildFromRange,

		DataDevice:  device.NewMemory(512),
		IndexDevice: device.NewMemory(512),
	}

	return cfg
}

func openMemStore(t *testing.T, cfg Config) *Store {
	t.Helper()

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

func putU32(t *testing.T, s *Store, key, data uint32) {
	t.Helper()

	if err := s.Put(u32(key), u32(data)); err != nil {
		t.Fatalf("put %d: %v", key, err)
	}
}

func getU32(t *testing.T, s *Store, key uint32) (uint32, error) {
	t.Helper()

	data := make([]byte, 4)
	if err := s.Get(u32(key), data); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

func mustGetU32(t *testing.T, s *Store, key uint32) uint32 {
	t.Helper()

	v, err := getU32(t, s, key)
	if err != nil {
		t.Fatalf("get %d: %v", key, err)
	}

	return v
}

func flush(t *testing.T, s *Store) {
	t.Helper()

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
