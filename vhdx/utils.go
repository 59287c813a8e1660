package vhdx

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// decodeLayout fills the fixed on-disk layout v from the head of buf.
func decodeLayout(buf []byte, v interface{}, field string) error {
	size := binary.Size(v)
	if size < 0 || len(buf) < size {
		return &ParseError{Field: field, Want: size, Data: append([]byte(nil), buf...), Err: io.ErrUnexpectedEOF}
	}
	return binary.Read(bytes.NewReader(buf[:size]), binary.LittleEndian, v)
}

// readFull reads exactly n bytes at the current position.
func readFull(fh io.Reader, n int, field string) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(fh, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ParseError{Field: field, Want: n, Data: buf[:got], Err: io.ErrUnexpectedEOF}
		}
		return nil, errors.Wrapf(err, "read %s", field)
	}
	return buf, nil
}

func readFullAt(fh io.ReadSeeker, offset int64, n int, field string) ([]byte, error) {
	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seek to %s at %d", field, offset)
	}
	return readFull(fh, n, field)
}

func isAligned(value, multiple uint64) bool {
	return value%multiple == 0
}

func alignUp(value, multiple int64) int64 {
	return (value + multiple - 1) / multiple * multiple
}

func utf16ToString(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}

	u16s := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u16s = append(u16s, c)
	}
	return string(utf16.Decode(u16s))
}

// uuidFromBytesLE converts a GUID in its Microsoft on-disk form, where the
// first three groups are little-endian, to an RFC 4122 byte order UUID.
func uuidFromBytesLE(b [16]byte) uuid.UUID {
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = b[3], b[2], b[1], b[0]
	id[4], id[5] = b[5], b[4]
	id[6], id[7] = b[7], b[6]
	copy(id[8:], b[8:])
	return id
}

func uuidToBytesLE(id uuid.UUID) [16]byte {
	var b [16]byte
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:], id[8:])
	return b
}
