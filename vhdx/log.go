package vhdx

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	LOG_ENTRY_HEADER_SIZE = 64
	LOG_SECTOR_SIZE       = 4 * 1024
)

type logHeaderLayout struct {
	Signature         [4]byte
	Checksum          uint32
	EntryLength       uint32
	Tail              uint32
	SequenceNumber    uint64
	DescriptorCount   uint32
	Reserved          uint32
	LogGuid           [16]byte
	FlushedFileOffset uint64
	LastFileOffset    uint64
}

type LogHeader struct {
	Signature         Signature
	Checksum          uint32
	EntryLength       uint32
	Tail              uint32
	SequenceNumber    uint64
	DescriptorCount   uint32
	LogID             uuid.UUID
	FlushedFileOffset uint64
	LastFileOffset    uint64

	raw logHeaderLayout
}

func decodeLogHeader(buf []byte) (*LogHeader, error) {
	h := &LogHeader{}
	if err := decodeLayout(buf, &h.raw, "log entry header"); err != nil {
		return nil, err
	}
	h.Signature = parseSignature(h.raw.Signature[:])
	h.Checksum = h.raw.Checksum
	h.EntryLength = h.raw.EntryLength
	h.Tail = h.raw.Tail
	h.SequenceNumber = h.raw.SequenceNumber
	h.DescriptorCount = h.raw.DescriptorCount
	h.LogID = uuidFromBytesLE(h.raw.LogGuid)
	h.FlushedFileOffset = h.raw.FlushedFileOffset
	h.LastFileOffset = h.raw.LastFileOffset
	return h, nil
}

// LogEntry is one parsed entry of the log. Offset is relative to the start
// of the log region.
type LogEntry struct {
	Offset      uint64
	Header      LogHeader
	Descriptors []Descriptor

	framedSize int64
	computed   uint32
}

// framedSize is the number of bytes an entry occupies given its descriptors:
// the header and descriptor area rounded up to a sector, then one sector per
// data descriptor.
func framedSize(descriptorCount uint32, dataSectors int) int64 {
	area := int64(LOG_ENTRY_HEADER_SIZE) + int64(descriptorCount)*DESCRIPTOR_SIZE
	return alignUp(area, LOG_SECTOR_SIZE) + int64(dataSectors)*DATA_SECTOR_SIZE
}

func (e *LogEntry) computeChecksum() uint32 {
	raw := e.Header.raw
	raw.Checksum = 0

	c := newChecksum()
	c.layout(raw)
	for _, d := range e.Descriptors {
		d.checksum(c)
	}
	c.padTo(framedSize(e.Header.DescriptorCount, 0))
	for _, d := range e.Descriptors {
		if data, ok := d.(*DataDescriptor); ok && data.Sector != nil {
			c.layout(data.Sector.raw)
		}
	}
	return c.Sum32()
}

// ComputedChecksum is the CRC-32C recomputed when the entry was read.
func (e *LogEntry) ComputedChecksum() uint32 {
	return e.computed
}

// Validate reports why the entry may not take part in a replay, or nil. A
// non-nil logID also requires the entry to belong to that log.
func (e *LogEntry) Validate(logID uuid.UUID) error {
	h := &e.Header
	if !h.Signature.Is(LogEntrySignature) {
		return &SignatureError{Structure: "log entry", Expected: LogEntrySignature, Found: h.Signature}
	}
	if !isAligned(uint64(h.EntryLength), LOG_SECTOR_SIZE) {
		return &AlignmentError{Field: "log entry length", Value: uint64(h.EntryLength), Multiple: LOG_SECTOR_SIZE}
	}
	if !isAligned(uint64(h.Tail), LOG_SECTOR_SIZE) {
		return &AlignmentError{Field: "log entry tail", Value: uint64(h.Tail), Multiple: LOG_SECTOR_SIZE}
	}
	if h.SequenceNumber == 0 {
		return &ZeroFieldError{Field: "log entry sequence number"}
	}
	if !isAligned(h.FlushedFileOffset, MB) {
		return &AlignmentError{Field: "log entry flushed file offset", Value: h.FlushedFileOffset, Multiple: MB}
	}
	if !isAligned(h.LastFileOffset, MB) {
		return &AlignmentError{Field: "log entry last file offset", Value: h.LastFileOffset, Multiple: MB}
	}
	if e.computed != h.Checksum {
		return &ChecksumError{Structure: "log entry", Expected: h.Checksum, Computed: e.computed}
	}
	if logID != uuid.Nil && h.LogID != logID {
		return &LogIDError{Expected: logID, Found: h.LogID}
	}
	if int64(h.EntryLength) != e.framedSize {
		return &AlignmentError{Field: "log entry length", Value: uint64(h.EntryLength), Multiple: uint64(e.framedSize)}
	}

	for _, d := range e.Descriptors {
		if d.sequenceNumber() != h.SequenceNumber {
			return &SequenceMismatchError{Expected: h.SequenceNumber, Found: d.sequenceNumber()}
		}
		data, ok := d.(*DataDescriptor)
		if !ok {
			continue
		}
		if data.Sector == nil {
			return &ZeroFieldError{Field: "log data sector"}
		}
		if !data.Sector.Signature.Is(DataSectorSignature) {
			return &SignatureError{Structure: "data sector", Expected: DataSectorSignature, Found: data.Sector.Signature}
		}
		if seq := data.Sector.SequenceNumber(); seq != data.SequenceNumber {
			return &SequenceMismatchError{Expected: data.SequenceNumber, Found: seq}
		}
	}
	return nil
}

// readLogEntry parses the entry starting at file offset start. Entry bytes
// must not run past limit, the end of the log region.
//
// The descriptor area is read first and each descriptor is typed by peeking
// its tag; the data sectors that follow the sector-aligned descriptor area
// are then attached to the data descriptors in order.
func readLogEntry(fh io.ReadSeeker, start, limit int64) (*LogEntry, error) {
	buf, err := readFullAt(fh, start, LOG_ENTRY_HEADER_SIZE, "log entry header")
	if err != nil {
		return nil, err
	}
	header, err := decodeLogHeader(buf)
	if err != nil {
		return nil, err
	}

	count := header.DescriptorCount
	if start+framedSize(count, 0) > limit {
		return nil, &MalformedLogError{Offset: start, Reason: fmt.Sprintf("%d descriptors overrun the log region", count)}
	}

	area, err := readFull(fh, int(count)*DESCRIPTOR_SIZE, "log descriptors")
	if err != nil {
		return nil, err
	}
	entry := &LogEntry{Header: *header, Descriptors: make([]Descriptor, 0, count)}
	var data []*DataDescriptor
	for i := 0; i < int(count); i++ {
		body := area[i*DESCRIPTOR_SIZE : (i+1)*DESCRIPTOR_SIZE]
		switch tag := parseSignature(body[:4]); tag.Kind {
		case ZeroSignature:
			d, err := decodeZeroDescriptor(body)
			if err != nil {
				return nil, err
			}
			entry.Descriptors = append(entry.Descriptors, d)
		case DataDescriptorSignature:
			d, err := decodeDataDescriptor(body)
			if err != nil {
				return nil, err
			}
			entry.Descriptors = append(entry.Descriptors, d)
			data = append(data, d)
		default:
			return nil, &MalformedLogError{
				Offset: start + LOG_ENTRY_HEADER_SIZE + int64(i)*DESCRIPTOR_SIZE,
				Reason: fmt.Sprintf("unexpected descriptor signature %s", tag),
			}
		}
	}

	entry.framedSize = framedSize(count, len(data))
	if start+entry.framedSize > limit {
		return nil, &MalformedLogError{Offset: start, Reason: fmt.Sprintf("%d data sectors overrun the log region", len(data))}
	}
	if len(data) > 0 {
		if _, err := fh.Seek(start+framedSize(count, 0), io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek to log data sectors")
		}
	}
	for _, d := range data {
		buf, err := readFull(fh, DATA_SECTOR_SIZE, "log data sector")
		if err != nil {
			return nil, err
		}
		if d.Sector, err = decodeDataSector(buf); err != nil {
			return nil, err
		}
	}

	entry.computed = entry.computeChecksum()
	return entry, nil
}

// readLog scans the log region described by header. Scanning stops at the
// end of the region, at the first position not holding a log entry
// signature, at an entry whose framing cannot be parsed, or after maxEntries
// entries when maxEntries is positive. Only read failures are returned.
func readLog(fh io.ReadSeeker, header *Header, maxEntries int, logger hclog.Logger) ([]*LogEntry, error) {
	start := int64(header.LogOffset)
	end := start + int64(header.LogLength)

	var entries []*LogEntry
	for pos := start; pos+LOG_ENTRY_HEADER_SIZE <= end; {
		tag, err := readFullAt(fh, pos, 4, "log entry signature")
		if err != nil {
			return nil, err
		}
		if sig := parseSignature(tag); !sig.Is(LogEntrySignature) {
			logger.Trace("log scan stopped", "offset", pos, "signature", sig)
			break
		}
		if maxEntries > 0 && len(entries) >= maxEntries {
			logger.Warn("log scan limit reached before the end of the log", "entries", len(entries), "offset", pos-start)
			break
		}

		entry, err := readLogEntry(fh, pos, end)
		if err != nil {
			var malformed *MalformedLogError
			if errors.As(err, &malformed) {
				logger.Warn("log scan stopped at malformed entry", "offset", pos-start, "error", err)
				break
			}
			return nil, errors.Wrapf(err, "log entry at %d", pos)
		}
		entry.Offset = uint64(pos - start)
		entries = append(entries, entry)
		logger.Debug("log entry parsed",
			"offset", entry.Offset,
			"sequence", entry.Header.SequenceNumber,
			"descriptors", len(entry.Descriptors))

		advance := entry.framedSize
		if length := int64(entry.Header.EntryLength); length > advance && length%LOG_SECTOR_SIZE == 0 {
			advance = length
		}
		pos += advance
	}
	return entries, nil
}
