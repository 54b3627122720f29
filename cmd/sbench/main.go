// Package main provides sbench, a load and benchmark driver for sbits
// stores.
//
// It fills a store with sequential keys, optionally reads every key
// back and runs a range scan, and prints a timing table plus the
// engine counters.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/sbits/pkg/sbits"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dir        = flag.String("dir", "sbench-store", "store directory")
		configPath = flag.String("config", "", "HuJSON config file overriding the defaults")
		records    = flag.Int("records", 100_000, "number of records to insert")
		varEvery   = flag.Int("var-every", 0, "attach a blob to every n-th record (0 disables)")
		doGet      = flag.Bool("get", true, "read every key back after the load")
		doScan     = flag.Bool("scan", true, "run a full range scan after the load")
		reset      = flag.Bool("reset", true, "discard existing store content")
	)

	flag.Parse()

	cfg := sbits.Config{
		Dir:            *dir,
		KeySize:        4,
		DataSize:       4,
		PageSize:       512,
		BufferPages:    4,
		NumDataPages:   10_000,
		EraseSizePages: 4,
		BitmapSize:     1,
		UseBitmap:      true,
		UseIndex:       true,
		IndexMaxError:  2,
		ResetData:      *reset,
	}

	if *varEvery > 0 {
		cfg.UseVarData = true
		cfg.BufferPages = 6
		cfg.NumVarPages = 1_000
	}

	bm := sbits.RangeBitmap8{Min: 0, Max: 100}
	cfg.UpdateBitmap = bm.Update
	cfg.InBitmap = bm.In
	cfg.BuildBitmapFromRange = bm.BuildFromRange

	if *configPath != "" {
		var err error

		cfg, err = sbits.LoadConfig(*configPath, cfg)
		if err != nil {
			return err
		}
	}

	store, err := sbits.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	key := make([]byte, cfg.KeySize)
	data := make([]byte, cfg.DataSize)

	start := time.Now()

	for i := 0; i < *records; i++ {
		binary.LittleEndian.PutUint32(key, uint32(i))
		binary.LittleEndian.PutUint32(data, uint32(i%100))

		if *varEvery > 0 && i%*varEvery == 0 {
			blob := []byte(fmt.Sprintf("record %d blob payload", i))
			err = store.PutVar(key, data, blob)
		} else if cfg.UseVarData {
			err = store.PutVar(key, data, nil)
		} else {
			err = store.Put(key, data)
		}

		if err != nil {
			return fmt.Errorf("put %d: %w", i, err)
		}
	}

	if err := store.Flush(); err != nil {
		return err
	}

	loadDur := time.Since(start)

	var getDur time.Duration

	if *doGet {
		start = time.Now()

		for i := 0; i < *records; i++ {
			binary.LittleEndian.PutUint32(key, uint32(i))

			if err := store.Get(key, data); err != nil {
				return fmt.Errorf("get %d: %w", i, err)
			}

			if got := binary.LittleEndian.Uint32(data); got != uint32(i%100) {
				return fmt.Errorf("get %d: got %d, want %d", i, got, i%100)
			}
		}

		getDur = time.Since(start)
	}

	var (
		scanDur   time.Duration
		scanCount int
	)

	if *doScan {
		start = time.Now()
		it := store.Scan(sbits.ScanOptions{})

		for it.Next(key, data) {
			scanCount++
		}

		if err := it.Err(); err != nil {
			return fmt.Errorf("scan: %w", err)
		}

		scanDur = time.Since(start)
	}

	printResults(*records, loadDur, getDur, scanDur, scanCount)
	fmt.Println()
	fmt.Println(store.Stats())

	return nil
}

func printResults(records int, load, get, scan time.Duration, scanned int) {
	perOp := func(d time.Duration, n int) string {
		if n == 0 || d == 0 {
			return "-"
		}

		return fmt.Sprintf("%.0f ns/op", float64(d.Nanoseconds())/float64(n))
	}

	fmt.Printf("%-12s %10s %14s\n", "phase", "total", "per record")
	fmt.Printf("%-12s %10v %14s\n", "load", load.Round(time.Millisecond), perOp(load, records))

	if get > 0 {
		fmt.Printf("%-12s %10v %14s\n", "get", get.Round(time.Millisecond), perOp(get, records))
	}

	if scanned > 0 {
		fmt.Printf("%-12s %10v %14s (%d records)\n", "scan", scan.Round(time.Millisecond), perOp(scan, scanned), scanned)
	}
}
