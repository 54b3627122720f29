// Package main provides sbits-shell, an interactive shell over an
// sbits store.
//
// Commands:
//
//	put <key> <data>            insert a record
//	putvar <key> <data> <text>  insert a record with a blob
//	get <key>                   look up a key
//	getvar <key>                look up a key and its blob
//	scan [minKey] [maxKey]      list records in key order
//	flush                       flush write buffers
//	stats                       print engine counters
//	help                        show this list
//	quit                        flush and exit
//
// Keys and data values are decimal unsigned integers.
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
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
		dir        = flag.String("dir", "sbits-store", "store directory")
		configPath = flag.String("config", "", "HuJSON config file overriding the defaults")
		reset      = flag.Bool("reset", false, "discard existing store content")
	)

	flag.Parse()

	cfg := sbits.Config{
		Dir:            *dir,
		KeySize:        4,
		DataSize:       4,
		PageSize:       512,
		BufferPages:    6,
		NumDataPages:   10_000,
		NumVarPages:    1_000,
		EraseSizePages: 4,
		BitmapSize:     1,
		UseBitmap:      true,
		UseIndex:       true,
		UseVarData:     true,
		IndexMaxError:  2,
		ResetData:      *reset,
	}

	bm := sbits.RangeBitmap8{Min: 0, Max: 1 << 16}
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

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	fmt.Printf("sbits store at %s. Type 'help' for commands.\n", *dir)

	for {
		input, err := line.Prompt("sbits> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			break
		}

		if err := dispatch(store, &cfg, input); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	return store.Close()
}

func dispatch(store *sbits.Store, cfg *sbits.Config, input string) error {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Println("put <key> <data> | putvar <key> <data> <text> | get <key> | getvar <key> | scan [minKey] [maxKey] | flush | stats | quit")

		return nil
	case "put":
		return cmdPut(store, cfg, args)
	case "putvar":
		return cmdPutVar(store, cfg, args)
	case "get":
		return cmdGet(store, cfg, args)
	case "getvar":
		return cmdGetVar(store, cfg, args)
	case "scan":
		return cmdScan(store, cfg, args)
	case "flush":
		return store.Flush()
	case "stats":
		fmt.Println(store.Stats())

		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseValue(s string, size int) ([]byte, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not an unsigned integer: %q", s)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	return buf[:size], nil
}

func formatValue(b []byte) string {
	var buf [8]byte
	copy(buf[:], b)

	return strconv.FormatUint(binary.LittleEndian.Uint64(buf[:]), 10)
}

func cmdPut(store *sbits.Store, cfg *sbits.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <data>")
	}

	key, err := parseValue(args[0], cfg.KeySize)
	if err != nil {
		return err
	}

	data, err := parseValue(args[1], cfg.DataSize)
	if err != nil {
		return err
	}

	if cfg.UseVarData {
		return store.PutVar(key, data, nil)
	}

	return store.Put(key, data)
}

func cmdPutVar(store *sbits.Store, cfg *sbits.Config, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: putvar <key> <data> <text>")
	}

	key, err := parseValue(args[0], cfg.KeySize)
	if err != nil {
		return err
	}

	data, err := parseValue(args[1], cfg.DataSize)
	if err != nil {
		return err
	}

	return store.PutVar(key, data, []byte(strings.Join(args[2:], " ")))
}

func cmdGet(store *sbits.Store, cfg *sbits.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	key, err := parseValue(args[0], cfg.KeySize)
	if err != nil {
		return err
	}

	data := make([]byte, cfg.DataSize)
	if err := store.Get(key, data); err != nil {
		return err
	}

	fmt.Printf("%s = %s\n", args[0], formatValue(data))

	return nil
}

func cmdGetVar(store *sbits.Store, cfg *sbits.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: getvar <key>")
	}

	key, err := parseValue(args[0], cfg.KeySize)
	if err != nil {
		return err
	}

	data := make([]byte, cfg.DataSize)

	blob, err := store.GetVar(key, data)
	if errors.Is(err, sbits.ErrStale) {
		fmt.Printf("%s = %s (blob reclaimed)\n", args[0], formatValue(data))

		return nil
	}
	if err != nil {
		return err
	}

	if blob == nil {
		fmt.Printf("%s = %s (no blob)\n", args[0], formatValue(data))
	} else {
		fmt.Printf("%s = %s blob=%q\n", args[0], formatValue(data), blob)
	}

	return nil
}

func cmdScan(store *sbits.Store, cfg *sbits.Config, args []string) error {
	var opts sbits.ScanOptions

	if len(args) > 0 {
		minKey, err := parseValue(args[0], cfg.KeySize)
		if err != nil {
			return err
		}

		opts.MinKey = minKey
	}

	if len(args) > 1 {
		maxKey, err := parseValue(args[1], cfg.KeySize)
		if err != nil {
			return err
		}

		opts.MaxKey = maxKey
	}

	key := make([]byte, cfg.KeySize)
	data := make([]byte, cfg.DataSize)

	it := store.Scan(opts)
	count := 0

	for it.Next(key, data) {
		fmt.Printf("%s = %s\n", formatValue(key), formatValue(data))
		count++
	}

	if err := it.Err(); err != nil {
		return err
	}

	fmt.Printf("%d records\n", count)

	return nil
}
