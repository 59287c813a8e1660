package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/asalih/go-vhdx/vhdx"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/mmap"
)

func main() {
	sourcePath := flag.String("source", "", "Source path")
	configPath := flag.String("config", "", "Path to YAML options file")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	dump := flag.Bool("dump", false, "Dump parsed structures")
	flag.Parse()

	if *sourcePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := vhdx.DefaultOptions()
	if *configPath != "" {
		var err error
		if opts, err = vhdx.LoadOptions(*configPath); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *logLevel != "" {
		opts.LogLevel = *logLevel
		opts.Normalize()
	}
	opts.Logger = opts.NewLogger(os.Stderr)

	ra, err := mmap.Open(*sourcePath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer ra.Close()

	locate := func(_ io.ReadSeeker, region vhdx.KnownRegion, entry vhdx.RTEntry) error {
		opts.Logger.Info("region located", "region", region, "offset", entry.FileOffset, "length", entry.Length)
		return nil
	}
	opts.BATHandler = locate
	opts.MetadataHandler = func(fh io.ReadSeeker, region vhdx.KnownRegion, entry vhdx.RTEntry) error {
		if err := locate(fh, region, entry); err != nil {
			return err
		}
		magic := make([]byte, len(vhdx.METADATA_MAGIC))
		if _, err := fh.Seek(int64(entry.FileOffset), io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(fh, magic); err != nil {
			return err
		}
		if !bytes.Equal(magic, vhdx.METADATA_MAGIC) {
			opts.Logger.Warn("metadata region has no metadata table", "found", fmt.Sprintf("%q", magic))
		}
		return nil
	}

	disk, err := vhdx.Open(io.NewSectionReader(ra, 0, int64(ra.Len())), opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	header := disk.Header()
	seq := disk.LogSequence()
	fmt.Println("Creator:         ", disk.Identifier().Creator)
	fmt.Println("Header sequence: ", header.SequenceNumber)
	fmt.Println("Log ID:          ", header.LogID)
	fmt.Printf("Log region:       %d bytes at %d\n", header.LogLength, header.LogOffset)
	fmt.Println("Metadata offset: ", disk.MetadataOffset())
	fmt.Println("BAT offset:      ", disk.BATOffset())
	fmt.Println("Log entries:     ", len(disk.LogEntries()))
	fmt.Printf("Log sequence:     %d entries, head %d, valid %t\n", len(seq.Entries), seq.SequenceNumber, seq.IsValid())
	fmt.Println("Needs replay:    ", disk.NeedsReplay())

	if *dump {
		spew.Dump(disk.Headers(), disk.RegionTable(), seq.Writes())
	}
}
