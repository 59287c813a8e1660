package vhdx

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	HEADER_SIZE = 4 * 1024

	HEADER_VERSION = 1
	LOG_VERSION    = 0
)

type headerLayout struct {
	Signature      [4]byte
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGuid  [16]byte
	DataWriteGuid  [16]byte
	LogGuid        [16]byte
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

// Header is one of the two redundant file headers. Only the current one,
// selected by sequence number, locates the log.
type Header struct {
	Signature      Signature
	Checksum       uint32
	SequenceNumber uint64
	FileWriteID    uuid.UUID
	DataWriteID    uuid.UUID
	LogID          uuid.UUID
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

func decodeHeader(buf []byte) (*Header, error) {
	var raw headerLayout
	if err := decodeLayout(buf, &raw, "header"); err != nil {
		return nil, err
	}
	return &Header{
		Signature:      parseSignature(raw.Signature[:]),
		Checksum:       raw.Checksum,
		SequenceNumber: raw.SequenceNumber,
		FileWriteID:    uuidFromBytesLE(raw.FileWriteGuid),
		DataWriteID:    uuidFromBytesLE(raw.DataWriteGuid),
		LogID:          uuidFromBytesLE(raw.LogGuid),
		LogVersion:     raw.LogVersion,
		Version:        raw.Version,
		LogLength:      raw.LogLength,
		LogOffset:      raw.LogOffset,
	}, nil
}

func (h *Header) layout() headerLayout {
	raw := headerLayout{
		Checksum:       h.Checksum,
		SequenceNumber: h.SequenceNumber,
		FileWriteGuid:  uuidToBytesLE(h.FileWriteID),
		DataWriteGuid:  uuidToBytesLE(h.DataWriteID),
		LogGuid:        uuidToBytesLE(h.LogID),
		LogVersion:     h.LogVersion,
		Version:        h.Version,
		LogLength:      h.LogLength,
		LogOffset:      h.LogOffset,
	}
	copy(raw.Signature[:], h.Signature.Bytes())
	return raw
}

// ComputeChecksum returns the CRC-32C of the 4 KB header with the checksum
// field zeroed.
func (h *Header) ComputeChecksum() uint32 {
	raw := h.layout()
	raw.Checksum = 0

	c := newChecksum()
	c.layout(raw)
	c.padTo(HEADER_SIZE)
	return c.Sum32()
}

// HasLog reports whether the header points at a log that may need replay.
func (h *Header) HasLog() bool {
	return h.LogID != uuid.Nil
}

func (h *Header) Validate() error {
	if !h.Signature.Is(HeaderSignature) {
		return &SignatureError{Structure: "header", Expected: HeaderSignature, Found: h.Signature}
	}
	if crc := h.ComputeChecksum(); crc != h.Checksum {
		return &ChecksumError{Structure: "header", Expected: h.Checksum, Computed: crc}
	}
	if h.Version != HEADER_VERSION {
		return &VersionError{Field: "header version", Version: h.Version}
	}
	// a non-zero log version is only tolerated when there is no log to replay
	if h.LogVersion != LOG_VERSION && h.HasLog() {
		return &VersionError{Field: "log version", Version: h.LogVersion}
	}
	if !isAligned(uint64(h.LogLength), MB) {
		return &AlignmentError{Field: "header log length", Value: uint64(h.LogLength), Multiple: MB}
	}
	if !isAligned(h.LogOffset, MB) {
		return &AlignmentError{Field: "header log offset", Value: h.LogOffset, Multiple: MB}
	}
	return nil
}

type headerCopy struct {
	header *Header
	err    error
}

// readHeader returns a read failure as its error; decode and validation
// failures only disqualify the copy.
func readHeader(fh io.ReadSeeker, offset int64) (headerCopy, error) {
	buf, err := readFullAt(fh, offset, HEADER_SIZE, "header")
	if err != nil {
		return headerCopy{}, errors.Wrapf(err, "header at %d", offset)
	}
	header, err := decodeHeader(buf)
	if err != nil {
		return headerCopy{err: err}, nil
	}
	return headerCopy{header: header, err: header.Validate()}, nil
}

// selectHeader picks the current header: the valid copy with the larger
// sequence number, or the only valid copy. An intact copy of an unsupported
// version fails the selection regardless of the other copy.
func selectHeader(first, second headerCopy) (*Header, int, error) {
	for i, c := range []headerCopy{first, second} {
		var versionErr *VersionError
		if errors.As(c.err, &versionErr) {
			return nil, i, errors.Wrapf(c.err, "header copy %d", i+1)
		}
	}

	switch {
	case first.err == nil && second.err == nil:
		if second.header.SequenceNumber > first.header.SequenceNumber {
			return second.header, 1, nil
		}
		return first.header, 0, nil
	case first.err == nil:
		return first.header, 0, nil
	case second.err == nil:
		return second.header, 1, nil
	}
	return nil, -1, &CopiesError{Structure: "header", Errs: []error{first.err, second.err}}
}
