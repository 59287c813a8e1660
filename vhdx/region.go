package vhdx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	REGION_TABLE_SIZE        = 64 * 1024
	REGION_TABLE_HEADER_SIZE = 16
	REGION_ENTRY_SIZE        = 32
	MAX_REGION_ENTRIES       = 2047
)

type KnownRegion int

const (
	BlockAllocationTable KnownRegion = iota
	MetadataRegion
)

func (r KnownRegion) String() string {
	switch r {
	case BlockAllocationTable:
		return "BAT"
	case MetadataRegion:
		return "metadata"
	}
	return fmt.Sprintf("region(%d)", int(r))
}

var (
	BAT_REGION_GUID      = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	METADATA_REGION_GUID = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")
)

var knownRegions = map[uuid.UUID]KnownRegion{
	BAT_REGION_GUID:      BlockAllocationTable,
	METADATA_REGION_GUID: MetadataRegion,
}

type regionTableHeaderLayout struct {
	Signature  [4]byte
	Checksum   uint32
	EntryCount uint32
	Reserved   [4]byte
}

type regionTableEntryLayout struct {
	Guid       [16]byte
	FileOffset uint64
	Length     uint32
	Required   uint32
}

type RTEntry struct {
	ID         uuid.UUID
	FileOffset uint64
	Length     uint32
	Required   bool
}

func (e RTEntry) layout() regionTableEntryLayout {
	raw := regionTableEntryLayout{
		Guid:       uuidToBytesLE(e.ID),
		FileOffset: e.FileOffset,
		Length:     e.Length,
	}
	if e.Required {
		raw.Required = 1
	}
	return raw
}

func (e RTEntry) validate() error {
	if e.FileOffset == 0 {
		return &ZeroFieldError{Field: fmt.Sprintf("region %s file offset", e.ID)}
	}
	if !isAligned(e.FileOffset, MB) {
		return &AlignmentError{Field: fmt.Sprintf("region %s file offset", e.ID), Value: e.FileOffset, Multiple: MB}
	}
	if !isAligned(uint64(e.Length), MB) {
		return &AlignmentError{Field: fmt.Sprintf("region %s length", e.ID), Value: uint64(e.Length), Multiple: MB}
	}
	return nil
}

// RegionTable lists the regions of the file. Entries with an identifier this
// package does not know and that are not required are kept in Ignored.
type RegionTable struct {
	Signature  Signature
	Checksum   uint32
	EntryCount uint32
	Entries    map[KnownRegion]RTEntry
	Ignored    []RTEntry

	// on-disk order, needed to recompute the checksum
	ordered []RTEntry
}

// NewRegionTable decodes a region table from r, consuming the 16-byte header
// and then EntryCount entries. An oversized entry count is rejected before
// any entry is read.
func NewRegionTable(r io.Reader) (*RegionTable, error) {
	buf, err := readFull(r, REGION_TABLE_HEADER_SIZE, "region table header")
	if err != nil {
		return nil, err
	}
	var header regionTableHeaderLayout
	if err := decodeLayout(buf, &header, "region table header"); err != nil {
		return nil, err
	}

	rt := &RegionTable{
		Signature:  parseSignature(header.Signature[:]),
		Checksum:   header.Checksum,
		EntryCount: header.EntryCount,
		Entries:    make(map[KnownRegion]RTEntry),
	}
	if !rt.Signature.Is(RegionSignature) {
		return nil, &SignatureError{Structure: "region table", Expected: RegionSignature, Found: rt.Signature}
	}
	if rt.EntryCount > MAX_REGION_ENTRIES {
		return nil, &RegionCountError{Count: rt.EntryCount}
	}

	buf, err = readFull(r, int(rt.EntryCount)*REGION_ENTRY_SIZE, "region table entries")
	if err != nil {
		return nil, err
	}
	raw := make([]regionTableEntryLayout, rt.EntryCount)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return nil, err
	}
	rt.ordered = make([]RTEntry, 0, len(raw))
	for _, entry := range raw {
		rt.ordered = append(rt.ordered, RTEntry{
			ID:         uuidFromBytesLE(entry.Guid),
			FileOffset: entry.FileOffset,
			Length:     entry.Length,
			Required:   entry.Required&1 == 1,
		})
	}

	if crc := rt.ComputeChecksum(); crc != rt.Checksum {
		return nil, &ChecksumError{Structure: "region table", Expected: rt.Checksum, Computed: crc}
	}

	for _, entry := range rt.ordered {
		region, ok := knownRegions[entry.ID]
		if !ok {
			if entry.Required {
				return nil, &UnknownRegionError{ID: entry.ID}
			}
			rt.Ignored = append(rt.Ignored, entry)
			continue
		}
		if _, dup := rt.Entries[region]; dup {
			return nil, &DuplicateRegionError{Region: region}
		}
		if err := entry.validate(); err != nil {
			return nil, err
		}
		rt.Entries[region] = entry
	}
	return rt, nil
}

// ComputeChecksum returns the CRC-32C over the 64 KB table with the checksum
// field zeroed.
func (rt *RegionTable) ComputeChecksum() uint32 {
	header := regionTableHeaderLayout{EntryCount: rt.EntryCount}
	copy(header.Signature[:], rt.Signature.Bytes())

	c := newChecksum()
	c.layout(header)
	for _, entry := range rt.ordered {
		c.layout(entry.layout())
	}
	c.padTo(REGION_TABLE_SIZE)
	return c.Sum32()
}

func (rt *RegionTable) Lookup(region KnownRegion) (RTEntry, bool) {
	entry, ok := rt.Entries[region]
	return entry, ok
}

type regionTableCopy struct {
	table *RegionTable
	err   error
}

func readRegionTable(fh io.ReadSeeker, offset int64) (regionTableCopy, error) {
	buf, err := readFullAt(fh, offset, REGION_TABLE_SIZE, "region table")
	if err != nil {
		return regionTableCopy{}, errors.Wrapf(err, "region table at %d", offset)
	}
	rt, err := NewRegionTable(bytes.NewReader(buf))
	if err != nil {
		return regionTableCopy{err: err}, nil
	}
	for _, region := range []KnownRegion{BlockAllocationTable, MetadataRegion} {
		if _, ok := rt.Entries[region]; !ok {
			return regionTableCopy{err: &ZeroFieldError{Field: fmt.Sprintf("%s region entry", region)}}, nil
		}
	}
	return regionTableCopy{table: rt}, nil
}

// selectRegionTable prefers the first valid copy; the table carries no
// sequence number to order the copies by.
func selectRegionTable(first, second regionTableCopy) (*RegionTable, int, error) {
	switch {
	case first.err == nil:
		return first.table, 0, nil
	case second.err == nil:
		return second.table, 1, nil
	}
	return nil, -1, &CopiesError{Structure: "region table", Errs: []error{first.err, second.err}}
}
