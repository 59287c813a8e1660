package vhdx

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ALIGNMENT = 64 * 1024
	MB        = 1024 * 1024
)

// VHDX holds the parsed header section and log of a VHDX file. It is
// immutable once Open returns.
type VHDX struct {
	fileIdentifier *FileIdentifier
	header         *Header
	headers        [2]HeaderSlot
	regionTable    *RegionTable
	regionTables   [2]RegionTableSlot
	logEntries     []*LogEntry
	logSequence    *LogSequence
}

// HeaderSlot is one on-disk header copy with the reason it was rejected, if
// any.
type HeaderSlot struct {
	Header  *Header
	Err     error
	Current bool
}

type RegionTableSlot struct {
	Table   *RegionTable
	Err     error
	Current bool
}

// Open parses fh. The reader is used synchronously and is only retained by
// region handlers that choose to keep it.
func Open(fh io.ReadSeeker, opts *Options) (*VHDX, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.logger()
	vhdx := &VHDX{}

	fti, err := readFileIdentifier(fh)
	if err != nil {
		return nil, err
	}
	vhdx.fileIdentifier = fti
	logger.Debug("file identifier", "creator", fti.Creator)

	// Read headers
	var headerCopies [2]headerCopy
	for i := range headerCopies {
		if headerCopies[i], err = readHeader(fh, int64(i+1)*ALIGNMENT); err != nil {
			return nil, err
		}
		if headerCopies[i].err != nil {
			logger.Warn("header copy rejected", "copy", i+1, "error", headerCopies[i].err)
		}
	}
	header, current, err := selectHeader(headerCopies[0], headerCopies[1])
	if err != nil {
		return nil, err
	}
	vhdx.header = header
	for i, c := range headerCopies {
		vhdx.headers[i] = HeaderSlot{Header: c.header, Err: c.err, Current: i == current}
	}
	logger.Debug("current header", "copy", current+1, "sequence", header.SequenceNumber,
		"log_offset", header.LogOffset, "log_length", header.LogLength)

	// Read region tables
	var tableCopies [2]regionTableCopy
	for i := range tableCopies {
		if tableCopies[i], err = readRegionTable(fh, int64(i+3)*ALIGNMENT); err != nil {
			return nil, err
		}
		if tableCopies[i].err != nil {
			logger.Warn("region table copy rejected", "copy", i+1, "error", tableCopies[i].err)
		}
	}
	table, current, err := selectRegionTable(tableCopies[0], tableCopies[1])
	if err != nil {
		return nil, err
	}
	vhdx.regionTable = table
	for i, c := range tableCopies {
		vhdx.regionTables[i] = RegionTableSlot{Table: c.table, Err: c.err, Current: i == current}
	}
	for _, ignored := range table.Ignored {
		logger.Debug("optional region ignored", "id", ignored.ID, "offset", ignored.FileOffset)
	}

	// Read log
	switch {
	case !header.HasLog():
		logger.Debug("header has no log")
	case opts.SkipLog:
		logger.Debug("log scan skipped")
	default:
		vhdx.logEntries, err = readLog(fh, header, opts.MaxLogEntries, logger)
		if err != nil {
			return nil, err
		}
	}
	sequence, cut, cause := selectSequence(vhdx.logEntries, header.LogID)
	if cause != nil {
		logger.Warn("log entry rejected", "offset", vhdx.logEntries[cut].Offset, "ignored", len(vhdx.logEntries)-cut, "error", cause)
	}
	vhdx.logSequence = sequence
	logger.Debug("log sequence", "entries", len(sequence.Entries), "sequence", sequence.SequenceNumber,
		"valid", sequence.IsValid())

	// Hand off regions
	for _, handoff := range []struct {
		region  KnownRegion
		handler RegionHandler
	}{
		{MetadataRegion, opts.MetadataHandler},
		{BlockAllocationTable, opts.BATHandler},
	} {
		if handoff.handler == nil {
			continue
		}
		entry := table.Entries[handoff.region]
		if err := handoff.handler(fh, handoff.region, entry); err != nil {
			return nil, errors.Wrapf(err, "%s region at %d", handoff.region, entry.FileOffset)
		}
	}

	return vhdx, nil
}

func (v *VHDX) Identifier() *FileIdentifier {
	return v.fileIdentifier
}

func (v *VHDX) Header() *Header {
	return v.header
}

func (v *VHDX) Headers() [2]HeaderSlot {
	return v.headers
}

func (v *VHDX) RegionTable() *RegionTable {
	return v.regionTable
}

func (v *VHDX) RegionTables() [2]RegionTableSlot {
	return v.regionTables
}

func (v *VHDX) Region(region KnownRegion) (RTEntry, bool) {
	return v.regionTable.Lookup(region)
}

func (v *VHDX) MetadataOffset() uint64 {
	return v.regionTable.Entries[MetadataRegion].FileOffset
}

func (v *VHDX) BATOffset() uint64 {
	return v.regionTable.Entries[BlockAllocationTable].FileOffset
}

// LogEntries returns every entry found in the log region, valid or not, in
// on-disk order.
func (v *VHDX) LogEntries() []*LogEntry {
	return v.logEntries
}

func (v *VHDX) LogSequence() *LogSequence {
	return v.logSequence
}

func (v *VHDX) LogID() uuid.UUID {
	return v.header.LogID
}

// NeedsReplay reports whether a valid log sequence is pending.
func (v *VHDX) NeedsReplay() bool {
	return !v.logSequence.IsEmpty() && v.logSequence.IsValid()
}
