package vhdx

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testLogOffset = 1 * MB
	testLogLength = 1 * MB
)

var testLogID = uuid.MustParse("dd460a02-1db4-4d13-ad70-dc3093afd5c2")

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	return b.Bytes()
}

func pad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}

func testFileIdentifier(t *testing.T, creator string) []byte {
	raw := fileIdentifierLayout{}
	copy(raw.Signature[:], VHDX_MAGIC)
	for i, c := range utf16.Encode([]rune(creator)) {
		binary.LittleEndian.PutUint16(raw.Creator[i*2:], c)
	}
	return pad(encode(t, raw), FILE_IDENTIFIER_SIZE)
}

func testHeader(seq uint64, logID uuid.UUID) *Header {
	h := &Header{
		Signature:      Signature{Kind: HeaderSignature},
		SequenceNumber: seq,
		FileWriteID:    uuid.MustParse("b365e0cc-f1aa-4bd8-9c8d-1609d938b5ec"),
		DataWriteID:    uuid.MustParse("76cae359-f9ef-45ab-ad4a-77daaecef617"),
		LogID:          logID,
		Version:        HEADER_VERSION,
		LogLength:      testLogLength,
		LogOffset:      testLogOffset,
	}
	h.Checksum = h.ComputeChecksum()
	return h
}

func encodeHeader(t *testing.T, h *Header) []byte {
	return pad(encode(t, h.layout()), HEADER_SIZE)
}

func testRegionEntries() []RTEntry {
	return []RTEntry{
		{ID: BAT_REGION_GUID, FileOffset: 3 * MB, Length: 1 * MB, Required: true},
		{ID: METADATA_REGION_GUID, FileOffset: 2 * MB, Length: 1 * MB, Required: true},
	}
}

func testRegionTable(entries []RTEntry) *RegionTable {
	rt := &RegionTable{
		Signature:  Signature{Kind: RegionSignature},
		EntryCount: uint32(len(entries)),
		ordered:    entries,
	}
	rt.Checksum = rt.ComputeChecksum()
	return rt
}

func encodeRegionTable(t *testing.T, rt *RegionTable) []byte {
	header := regionTableHeaderLayout{Checksum: rt.Checksum, EntryCount: rt.EntryCount}
	copy(header.Signature[:], rt.Signature.Bytes())
	b := encode(t, header)
	for _, entry := range rt.ordered {
		b = append(b, encode(t, entry.layout())...)
	}
	return pad(b, REGION_TABLE_SIZE)
}

func zeroDesc(seq, offset, length uint64) *ZeroDescriptor {
	raw := zeroDescriptorLayout{ZeroLength: length, FileOffset: offset, SequenceNumber: seq}
	copy(raw.Signature[:], ZERO_MAGIC)
	return &ZeroDescriptor{
		Signature:      Signature{Kind: ZeroSignature},
		ZeroLength:     length,
		FileOffset:     offset,
		SequenceNumber: seq,
		raw:            raw,
	}
}

// dataDesc builds a data descriptor whose reassembled sector is filled with
// fill.
func dataDesc(seq, offset uint64, fill byte) *DataDescriptor {
	raw := dataDescriptorLayout{FileOffset: offset, SequenceNumber: seq}
	copy(raw.Signature[:], DESC_MAGIC)
	copy(raw.LeadingBytes[:], bytes.Repeat([]byte{fill}, 8))
	copy(raw.TrailingBytes[:], bytes.Repeat([]byte{fill}, 4))

	sector := dataSectorLayout{SequenceHigh: uint32(seq >> 32), SequenceLow: uint32(seq)}
	copy(sector.Signature[:], DATA_MAGIC)
	copy(sector.Data[:], bytes.Repeat([]byte{fill}, DATA_PAYLOAD_SIZE))

	return &DataDescriptor{
		Signature:      Signature{Kind: DataDescriptorSignature},
		TrailingBytes:  raw.TrailingBytes,
		LeadingBytes:   raw.LeadingBytes,
		FileOffset:     offset,
		SequenceNumber: seq,
		Sector: &DataSector{
			Signature:    Signature{Kind: DataSectorSignature},
			SequenceHigh: sector.SequenceHigh,
			Payload:      sector.Data,
			SequenceLow:  sector.SequenceLow,
			raw:          sector,
		},
		raw: raw,
	}
}

// testEntry assembles a log entry with a correct checksum and entry length.
func testEntry(seq uint64, tail uint32, logID uuid.UUID, descs ...Descriptor) *LogEntry {
	dataSectors := 0
	for _, d := range descs {
		if _, ok := d.(*DataDescriptor); ok {
			dataSectors++
		}
	}
	framed := framedSize(uint32(len(descs)), dataSectors)

	raw := logHeaderLayout{
		EntryLength:       uint32(framed),
		Tail:              tail,
		SequenceNumber:    seq,
		DescriptorCount:   uint32(len(descs)),
		LogGuid:           uuidToBytesLE(logID),
		FlushedFileOffset: 4 * MB,
		LastFileOffset:    4 * MB,
	}
	copy(raw.Signature[:], LOG_ENTRY_MAGIC)

	entry := &LogEntry{Descriptors: descs, framedSize: framed}
	header, _ := decodeLogHeader(encodeRaw(raw))
	entry.Header = *header
	entry.Header.raw.Checksum = entry.computeChecksum()
	entry.Header.Checksum = entry.Header.raw.Checksum
	entry.computed = entry.Header.Checksum
	return entry
}

func encodeRaw(v interface{}) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, v)
	return b.Bytes()
}

func encodeEntry(t *testing.T, e *LogEntry) []byte {
	b := encode(t, e.Header.raw)
	for _, d := range e.Descriptors {
		switch d := d.(type) {
		case *ZeroDescriptor:
			b = append(b, encode(t, d.raw)...)
		case *DataDescriptor:
			b = append(b, encode(t, d.raw)...)
		}
	}
	b = pad(b, int(framedSize(e.Header.DescriptorCount, 0)))
	for _, d := range e.Descriptors {
		if d, ok := d.(*DataDescriptor); ok {
			b = append(b, encode(t, d.Sector.raw)...)
		}
	}
	return b
}

func encodeLog(t *testing.T, entries ...*LogEntry) []byte {
	var b []byte
	for _, e := range entries {
		b = append(b, encodeEntry(t, e)...)
	}
	require.LessOrEqual(t, len(b), testLogLength)
	return pad(b, testLogLength)
}

type testImage struct {
	identifier []byte
	headers    [2][]byte
	tables     [2][]byte
	log        []byte
}

func newTestImage(t *testing.T, logID uuid.UUID, entries ...*LogEntry) *testImage {
	rt := encodeRegionTable(t, testRegionTable(testRegionEntries()))
	return &testImage{
		identifier: testFileIdentifier(t, "Microsoft Windows 10.0.19045.0"),
		headers:    [2][]byte{encodeHeader(t, testHeader(1, logID)), encodeHeader(t, testHeader(2, logID))},
		tables:     [2][]byte{rt, rt},
		log:        encodeLog(t, entries...),
	}
}

func (img *testImage) bytes() []byte {
	b := make([]byte, testLogOffset+testLogLength)
	copy(b, img.identifier)
	copy(b[1*ALIGNMENT:], img.headers[0])
	copy(b[2*ALIGNMENT:], img.headers[1])
	copy(b[3*ALIGNMENT:], img.tables[0])
	copy(b[4*ALIGNMENT:], img.tables[1])
	copy(b[testLogOffset:], img.log)
	return b
}

func (img *testImage) reader() *bytes.Reader {
	return bytes.NewReader(img.bytes())
}
