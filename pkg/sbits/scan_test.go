package sbits

import (
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
)

func Test_Scan_Returns_All_Records_In_Key_Order(t *testing.T) {
	t.Parallel()

	s := openMemStore(t, memConfig())

	const numRecords = 1000

	for i := uint32(0); i < numRecords; i++ {
		putU32(t, s, i*2, i%100)
	}

	flush(t, s)

	key := make([]byte, 4)
	data := make([]byte, 4)

	it := s.Scan(ScanOptions{})

	var (
		count   int
		prevKey int64 = -1
	)

	for it.Next(key, data) {
		k := int64(binary.LittleEndian.Uint32(key))
		if k <= prevKey {
			t.Fatalf("scan out of order: %d after %d", k, prevKey)
		}

		prevKey = k
		count++
	}

	if err := it.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if count != numRecords {
		t.Fatalf("scan yielded %d records, want %d", count, numRecords)
	}
}

func Test_Scan_Honors_Key_Bounds(t *testing.T) {
	t.Parallel()

	s := openMemStore(t, memConfig())

	for i := uint32(0); i < 2000; i++ {
		putU32(t, s, i, i%100)
	}

	flush(t, s)

	key := make([]byte, 4)
	data := make([]byte, 4)

	it := s.Scan(ScanOptions{MinKey: u32(500), MaxKey: u32(599)})

	count := 0
	for it.Next(key, data) {
		k := binary.LittleEndian.Uint32(key)
		if k < 500 || k > 599 {
			t.Fatalf("key %d outside [500, 599]", k)
		}

		count++
	}

	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if count != 100 {
		t.Fatalf("scan yielded %d records, want 100", count)
	}
}

// Reference scenario: a data-range scan over uniformly distributed
// data values, driven by the index stream's bitmap summaries.
func Test_Scan_With_Data_Range_Matches_Brute_Force_Count(t *testing.T) {
	t.Parallel()

	bm := RangeBitmap8{Min: 0, Max: 1000}

	cfg := memConfig()
	cfg.UpdateBitmap = bm.Update
	cfg.InBitmap = bm.In
	cfg.BuildBitmapFromRange = bm.BuildFromRange

	s := openMemStore(t, cfg)

	rng := rand.New(rand.NewSource(17))

	const numRecords = 20_000

	wantCount := 0

	for i := uint32(0); i < numRecords; i++ {
		v := uint32(rng.Intn(1000))
		if v >= 500 && v <= 600 {
			wantCount++
		}

		putU32(t, s, i, v)
	}

	flush(t, s)

	key := make([]byte, 4)
	data := make([]byte, 4)

	it := s.Scan(ScanOptions{MinData: u32(500), MaxData: u32(600)})

	gotCount := 0

	for it.Next(key, data) {
		v := binary.LittleEndian.Uint32(data)
		if v < 500 || v > 600 {
			t.Fatalf("data %d outside [500, 600]", v)
		}

		gotCount++
	}

	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if gotCount != wantCount {
		t.Fatalf("scan yielded %d in-range records, want %d", gotCount, wantCount)
	}

	// The scan must have walked the index stream's bitmap summaries.
	if st := s.Stats(); st.IdxReads == 0 {
		t.Fatal("data-range scan did not use the index stream")
	}
}

func Test_Scan_After_Wrap_Yields_Only_Live_Records(t *testing.T) {
	t.Parallel()

	cfg := memConfig()
	cfg.UseIndex = false
	cfg.IndexDevice = nil
	cfg.BufferPages = 2
	cfg.NumDataPages = 16
	cfg.EraseSizePages = 2

	s := openMemStore(t, cfg)

	for k := uint32(1); k <= 17*63; k++ {
		putU32(t, s, k, k%100)
	}

	flush(t, s)

	key := make([]byte, 4)
	data := make([]byte, 4)

	it := s.Scan(ScanOptions{})

	count := 0
	first := uint32(0)

	for it.Next(key, data) {
		if count == 0 {
			first = binary.LittleEndian.Uint32(key)
		}

		count++
	}

	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if first != 127 {
		t.Fatalf("first scanned key: got %d, want 127", first)
	}

	// 15 live full pages of 63 records.
	if count != 15*63 {
		t.Fatalf("scan yielded %d records, want %d", count, 15*63)
	}
}

func Test_NextVar_Streams_Blobs_During_A_Scan(t *testing.T) {
	t.Parallel()

	s := openMemStore(t, varConfig())

	for i := uint32(0); i < 300; i++ {
		var blob []byte
		if i%3 == 0 {
			blob = []byte{byte(i), byte(i >> 8), 0xEE}
		}

		if err := s.PutVar(u32(i), u32(i%100), blob); err != nil {
			t.Fatalf("putvar %d: %v", i, err)
		}
	}

	flush(t, s)

	key := make([]byte, 4)
	data := make([]byte, 4)

	it := s.Scan(ScanOptions{})

	seen := 0
	withBlob := 0

	for {
		r, ok := it.NextVar(key, data)
		if !ok {
			break
		}

		k := binary.LittleEndian.Uint32(key)

		if k%3 == 0 {
			if r == nil {
				t.Fatalf("key %d: missing blob", k)
			}

			blob, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("key %d: read blob: %v", k, err)
			}

			if len(blob) != 3 || blob[0] != byte(k) || blob[2] != 0xEE {
				t.Fatalf("key %d: wrong blob %v", k, blob)
			}

			withBlob++
		} else if r != nil {
			t.Fatalf("key %d: unexpected blob", k)
		}

		seen++
	}

	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if seen != 300 || withBlob != 100 {
		t.Fatalf("scan saw %d records (%d with blobs), want 300 and 100", seen, withBlob)
	}
}
