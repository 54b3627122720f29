package sbits

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Validate_Rejects_Unusable_Configurations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "key too large", mutate: func(c *Config) { c.KeySize = 9 }},
		{name: "key too small", mutate: func(c *Config) { c.KeySize = 0 }},
		{name: "zero data size", mutate: func(c *Config) { c.DataSize = 0 }},
		{name: "zero erase size", mutate: func(c *Config) { c.EraseSizePages = 0 }},
		{name: "too few buffers", mutate: func(c *Config) { c.BufferPages = 1 }},
		{name: "index needs four buffers", mutate: func(c *Config) {
			c.UseIndex = true
			c.BufferPages = 3
		}},
		{name: "var and index need six buffers", mutate: func(c *Config) {
			c.UseIndex = true
			c.UseVarData = true
			c.NumVarPages = 10
			c.BufferPages = 5
		}},
		{name: "data region below two erase blocks", mutate: func(c *Config) {
			c.UseIndex = false
			c.NumDataPages = 2*c.EraseSizePages - 1
		}},
		{name: "index without bitmap size", mutate: func(c *Config) {
			c.UseIndex = true
			c.BitmapSize = 0
		}},
		{name: "bitmap without callbacks", mutate: func(c *Config) {
			c.UseBitmap = true
			c.UpdateBitmap = nil
			c.InBitmap = nil
		}},
		{name: "negative max error", mutate: func(c *Config) { c.IndexMaxError = -1 }},
		{name: "no dir and no devices", mutate: func(c *Config) {
			c.Dir = ""
			c.DataDevice = nil
			c.IndexDevice = nil
		}},
	}

	for _, tt := range tests {
		cfg := memConfig()
		tt.mutate(&cfg)

		_, err := Open(cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func Test_LoadConfig_Reads_HuJSON_With_Comments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")

	content := `{
	// store geometry
	"key_size": 8,
	"page_size": 1024,
	"num_data_pages": 5000,
	"use_index": true, // trailing comma and comment are fine
}`

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	base := Config{KeySize: 4, DataSize: 4, PageSize: 512, NumDataPages: 100}

	got, err := LoadConfig(path, base)
	if err != nil {
		t.Fatal(err)
	}

	want := base
	want.KeySize = 8
	want.PageSize = 1024
	want.NumDataPages = 5000
	want.UseIndex = true

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadConfig_Rejects_Unknown_Fields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")

	if err := os.WriteFile(path, []byte(`{"page_syze": 1024}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown field: got %v, want ErrInvalidConfig", err)
	}
}

func Test_CompareUnsigned_Orders_Little_Endian_Values(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b uint32
		want int
	}{
		{a: 0, b: 0, want: 0},
		{a: 1, b: 2, want: -1},
		{a: 2, b: 1, want: 1},
		{a: 255, b: 256, want: -1},
		{a: 0xFFFFFFFF, b: 0, want: 1},
		{a: 0x01000000, b: 0x00FFFFFF, want: 1},
	}

	for _, tt := range tests {
		if got := CompareUnsigned(u32(tt.a), u32(tt.b)); got != tt.want {
			t.Errorf("CompareUnsigned(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func Test_RangeBitmap8_Buckets_Cover_The_Range(t *testing.T) {
	t.Parallel()

	bm := RangeBitmap8{Min: 0, Max: 800}

	bitmap := make([]byte, 1)

	// Values inside and above the range all land in a bucket.
	for _, v := range []uint32{0, 99, 100, 400, 799, 800, 5000} {
		bm.Update(u32(v), bitmap)

		if !bm.In(u32(v), bitmap) {
			t.Fatalf("value %d not found in its own bucket", v)
		}
	}

	// A query bitmap built from a range covers every value in it.
	query := make([]byte, 1)
	bm.BuildFromRange(u32(200), u32(350), query)

	for v := uint32(200); v <= 350; v++ {
		if !bm.In(u32(v), query) {
			t.Fatalf("range bitmap misses in-range value %d", v)
		}
	}
}
