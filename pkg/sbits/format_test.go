package sbits

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_NewPageSchema_Computes_Header_And_Record_Geometry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		cfg            Config
		wantHeader     int
		wantRecord     int
		wantMaxRecords int
	}{
		{
			name:           "reference shape",
			cfg:            Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1},
			wantHeader:     7,
			wantRecord:     8,
			wantMaxRecords: 63,
		},
		{
			name:           "with min max headers",
			cfg:            Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1, UseMaxMin: true},
			wantHeader:     23,
			wantRecord:     8,
			wantMaxRecords: 61,
		},
		{
			name:           "with variable data",
			cfg:            Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1, UseVarData: true},
			wantHeader:     7,
			wantRecord:     12,
			wantMaxRecords: 42,
		},
		{
			name:           "8 byte keys no bitmap",
			cfg:            Config{KeySize: 8, DataSize: 8, PageSize: 512},
			wantHeader:     6,
			wantRecord:     16,
			wantMaxRecords: 31,
		},
	}

	for _, tt := range tests {
		s := newPageSchema(&tt.cfg)

		got := []int{s.headerSize, s.recordSize, s.maxRecordsPerPage}
		want := []int{tt.wantHeader, tt.wantRecord, tt.wantMaxRecords}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: geometry mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func Test_Index_Page_Capacity_Follows_Bitmap_Size(t *testing.T) {
	t.Parallel()

	cfg := Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1}
	s := newPageSchema(&cfg)

	if s.maxIdxRecordsPerPage != 496 {
		t.Fatalf("index records per page: got %d, want 496", s.maxIdxRecordsPerPage)
	}

	cfg.BitmapSize = 8
	s = newPageSchema(&cfg)

	if s.maxIdxRecordsPerPage != 62 {
		t.Fatalf("index records per page: got %d, want 62", s.maxIdxRecordsPerPage)
	}
}

func Test_Page_Header_Fields_Roundtrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 512)

	setPageID(buf, 0xDEADBEEF)
	setPageCount(buf, 41)
	incPageCount(buf)

	if got := pageID(buf); got != 0xDEADBEEF {
		t.Fatalf("page id: got %#x", got)
	}

	if got := pageCount(buf); got != 42 {
		t.Fatalf("count: got %d, want 42", got)
	}
}

func Test_InitDataPage_Seeds_Min_Fields_With_All_Ones(t *testing.T) {
	t.Parallel()

	cfg := Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1, UseMaxMin: true}
	s := newPageSchema(&cfg)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0x77
	}

	s.initDataPage(buf)

	if pageCount(buf) != 0 {
		t.Fatal("init left a nonzero count")
	}

	for _, b := range s.headerMinKey(buf) {
		if b != 0xFF {
			t.Fatal("min key not seeded with all ones")
		}
	}

	for _, b := range s.headerMaxKey(buf) {
		if b != 0 {
			t.Fatal("max key not zeroed")
		}
	}

	for _, b := range s.headerMinData(buf) {
		if b != 0xFF {
			t.Fatal("min data not seeded with all ones")
		}
	}
}

func Test_Record_Accessors_Address_The_Right_Bytes(t *testing.T) {
	t.Parallel()

	cfg := Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1, UseVarData: true}
	s := newPageSchema(&cfg)

	buf := make([]byte, 512)
	s.initDataPage(buf)

	copy(s.record(buf, 3), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	s.setRecordVarOffset(buf, 3, 0xCAFE)

	if diff := cmp.Diff([]byte{1, 2, 3, 4}, s.recordKey(buf, 3)); diff != "" {
		t.Fatalf("record key (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]byte{5, 6, 7, 8}, s.recordData(buf, 3)); diff != "" {
		t.Fatalf("record data (-want +got):\n%s", diff)
	}

	if got := s.recordVarOffset(buf, 3); got != 0xCAFE {
		t.Fatalf("var offset: got %#x", got)
	}

	// Neighbors are untouched.
	for _, b := range s.record(buf, 2) {
		if b != 0 {
			t.Fatal("record 2 modified")
		}
	}

	for _, b := range s.record(buf, 4) {
		if b != 0 {
			t.Fatal("record 4 modified")
		}
	}
}

func Test_CheckDataPage_Fails_With_Corrupt_On_Impossible_Counts(t *testing.T) {
	t.Parallel()

	cfg := Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1}
	s := newPageSchema(&cfg)

	buf := make([]byte, 512)
	setPageCount(buf, s.maxRecordsPerPage+1)

	if err := s.checkDataPage(buf); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("oversized count: got %v, want ErrCorrupt", err)
	}

	setPageCount(buf, s.maxRecordsPerPage)

	if err := s.checkDataPage(buf); err != nil {
		t.Fatalf("full page: got %v, want nil", err)
	}
}

func Test_CheckIndexPage_Fails_With_Corrupt_On_Impossible_Counts(t *testing.T) {
	t.Parallel()

	cfg := Config{KeySize: 4, DataSize: 4, PageSize: 512, BitmapSize: 1}
	s := newPageSchema(&cfg)

	buf := make([]byte, 512)
	setPageCount(buf, s.maxIdxRecordsPerPage+1)

	if err := s.checkIndexPage(buf); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("oversized summary count: got %v, want ErrCorrupt", err)
	}

	setPageCount(buf, s.maxIdxRecordsPerPage)

	if err := s.checkIndexPage(buf); err != nil {
		t.Fatalf("full index page: got %v, want nil", err)
	}
}

// Derives page geometry from fuzz bytes to exercise header arithmetic
// across key/data/bitmap widths and flag combinations, then checks
// that records written through the codec read back intact and that
// header writes never bleed into the record area.
func FuzzPageSchema_Records_Roundtrip_When_Random_Geometry_Applied(f *testing.F) {
	// Seeds: geometry bytes + record payload.
	f.Add([]byte{4, 4, 1, 0x00, 0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4, 5, 6, 7, 8})
	f.Add([]byte{8, 16, 0, 0x01, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Add([]byte{1, 1, 8, 0x03, 0x10, 0x20, 0x30})
	f.Add(make([]byte, 600))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) < 4 {
			t.Skip("not enough bytes for a geometry")
		}

		cfg := Config{
			KeySize:    1 + int(data[0]%8),
			DataSize:   1 + int(data[1]%16),
			BitmapSize: int(data[2] % 9),
			PageSize:   512,
			UseMaxMin:  data[3]&1 != 0,
			UseVarData: data[3]&2 != 0,
		}

		s := newPageSchema(&cfg)
		if s.maxRecordsPerPage < 1 {
			t.Skip("geometry holds no records")
		}

		buf := make([]byte, cfg.PageSize)
		s.initDataPage(buf)
		setPageID(buf, 0xDEADBEEF)

		// Fill records from the remaining fuzz bytes, remembering what
		// was written.
		payload := data[4:]
		plain := s.keySize + s.dataSize

		var written [][]byte

		for len(written) < s.maxRecordsPerPage && len(payload) >= plain {
			i := len(written)

			copy(s.record(buf, i), payload[:plain])

			if s.useVar {
				s.setRecordVarOffset(buf, i, uint32(i)*7+1)
			}

			written = append(written, payload[:plain])
			payload = payload[plain:]

			incPageCount(buf)
		}

		if len(written) == 0 {
			t.Skip("no full record in payload")
		}

		// Header writes must not disturb the record area.
		if s.bitmapSize > 0 {
			fillOnes(s.bitmap(buf))
		}

		if s.maxMin {
			fillOnes(s.headerMinKey(buf))
			fillOnes(s.headerMaxKey(buf))
			fillOnes(s.headerMinData(buf))
			fillOnes(s.headerMaxData(buf))
		}

		if got := pageID(buf); got != 0xDEADBEEF {
			t.Fatalf("page id: got %#x", got)
		}

		if got := pageCount(buf); got != len(written) {
			t.Fatalf("count: got %d, want %d", got, len(written))
		}

		if err := s.checkDataPage(buf); err != nil {
			t.Fatalf("valid page rejected: %v", err)
		}

		for i, want := range written {
			if !bytes.Equal(s.recordKey(buf, i), want[:s.keySize]) {
				t.Fatalf("record %d key corrupted", i)
			}

			if !bytes.Equal(s.recordData(buf, i), want[s.keySize:plain]) {
				t.Fatalf("record %d data corrupted", i)
			}

			if s.useVar {
				if got := s.recordVarOffset(buf, i); got != uint32(i)*7+1 {
					t.Fatalf("record %d var offset: got %d", i, got)
				}
			}
		}

		if !bytes.Equal(s.minKeyBytes(buf), written[0][:s.keySize]) {
			t.Fatal("page min key is not the first record's key")
		}

		if !bytes.Equal(s.maxKeyBytes(buf), written[len(written)-1][:s.keySize]) {
			t.Fatal("page max key is not the last record's key")
		}
	})
}

// Same exercise for index pages: summaries written through the codec
// read back intact around the fixed header fields.
func FuzzPageSchema_Index_Summaries_Roundtrip_When_Random_Bitmaps_Applied(f *testing.F) {
	f.Add([]byte{1, 0xAA, 0xBB, 0xCC})
	f.Add([]byte{8, 0x00})
	f.Add(make([]byte, 512))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) < 2 {
			t.Skip("not enough bytes")
		}

		cfg := Config{
			KeySize:    4,
			DataSize:   4,
			BitmapSize: 1 + int(data[0]%8),
			PageSize:   512,
		}

		s := newPageSchema(&cfg)

		buf := make([]byte, cfg.PageSize)
		s.initIndexPage(buf)
		setPageID(buf, 7)
		setIdxMinPageID(buf, 100)
		setIdxMaxPageID(buf, 0xFFFF0000)

		payload := data[1:]

		var written [][]byte

		for len(written) < s.maxIdxRecordsPerPage && len(payload) >= s.bitmapSize {
			copy(s.idxBitmap(buf, len(written)), payload[:s.bitmapSize])

			written = append(written, payload[:s.bitmapSize])
			payload = payload[s.bitmapSize:]

			incPageCount(buf)
		}

		if err := s.checkIndexPage(buf); err != nil {
			t.Fatalf("valid index page rejected: %v", err)
		}

		if got := pageID(buf); got != 7 {
			t.Fatalf("page id: got %d", got)
		}

		if got := idxMinPageID(buf); got != 100 {
			t.Fatalf("min data page id: got %d", got)
		}

		for i, want := range written {
			if !bytes.Equal(s.idxBitmap(buf, i), want) {
				t.Fatalf("summary %d corrupted", i)
			}
		}
	})
}

func Test_BitmapOverlap_Detects_Shared_Bits(t *testing.T) {
	t.Parallel()

	if bitmapOverlap([]byte{0b0011}, []byte{0b1100}) {
		t.Fatal("disjoint bitmaps reported as overlapping")
	}

	if !bitmapOverlap([]byte{0b0110}, []byte{0b0100}) {
		t.Fatal("overlapping bitmaps reported as disjoint")
	}
}
