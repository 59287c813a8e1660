package vhdx

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var zeroBlock [4096]byte

// checksum accumulates the CRC-32C of a structure as it is laid out on disk.
// Callers feed the layout with its checksum field already zeroed and pad the
// tail with zeroFill up to the structure's declared size.
type checksum struct {
	h       hash.Hash32
	written int64
}

func newChecksum() *checksum {
	return &checksum{h: crc32.New(castagnoli)}
}

func (c *checksum) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.written += int64(n)
	return n, err
}

func (c *checksum) layout(v interface{}) {
	// writes to a hash never fail
	_ = binary.Write(c, binary.LittleEndian, v)
}

func (c *checksum) zeroFill(n int64) {
	for n > 0 {
		chunk := int64(len(zeroBlock))
		if n < chunk {
			chunk = n
		}
		c.Write(zeroBlock[:chunk])
		n -= chunk
	}
}

// padTo zero-fills up to size bytes in total.
func (c *checksum) padTo(size int64) {
	c.zeroFill(size - c.written)
}

func (c *checksum) Sum32() uint32 {
	return c.h.Sum32()
}
