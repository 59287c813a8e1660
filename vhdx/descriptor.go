package vhdx

const (
	DESCRIPTOR_SIZE   = 32
	DATA_SECTOR_SIZE  = 4 * 1024
	DATA_PAYLOAD_SIZE = 4084
)

type zeroDescriptorLayout struct {
	Signature      [4]byte
	Reserved       uint32
	ZeroLength     uint64
	FileOffset     uint64
	SequenceNumber uint64
}

type dataDescriptorLayout struct {
	Signature      [4]byte
	TrailingBytes  [4]byte
	LeadingBytes   [8]byte
	FileOffset     uint64
	SequenceNumber uint64
}

type dataSectorLayout struct {
	Signature    [4]byte
	SequenceHigh uint32
	Data         [DATA_PAYLOAD_SIZE]byte
	SequenceLow  uint32
}

// Descriptor is one pending write of a log entry: a *ZeroDescriptor or a
// *DataDescriptor.
type Descriptor interface {
	sequenceNumber() uint64
	checksum(c *checksum)
}

type ZeroDescriptor struct {
	Signature      Signature
	ZeroLength     uint64
	FileOffset     uint64
	SequenceNumber uint64

	raw zeroDescriptorLayout
}

func decodeZeroDescriptor(buf []byte) (*ZeroDescriptor, error) {
	d := &ZeroDescriptor{}
	if err := decodeLayout(buf, &d.raw, "zero descriptor"); err != nil {
		return nil, err
	}
	d.Signature = parseSignature(d.raw.Signature[:])
	d.ZeroLength = d.raw.ZeroLength
	d.FileOffset = d.raw.FileOffset
	d.SequenceNumber = d.raw.SequenceNumber
	return d, nil
}

func (d *ZeroDescriptor) sequenceNumber() uint64 { return d.SequenceNumber }

func (d *ZeroDescriptor) checksum(c *checksum) { c.layout(d.raw) }

// DataDescriptor describes a 4 KB write whose body lives in the attached
// data sector. The first 8 and last 4 bytes of the write are kept in the
// descriptor so that the sector can carry its own signature and sequence
// number.
type DataDescriptor struct {
	Signature      Signature
	TrailingBytes  [4]byte
	LeadingBytes   [8]byte
	FileOffset     uint64
	SequenceNumber uint64
	Sector         *DataSector

	raw dataDescriptorLayout
}

func decodeDataDescriptor(buf []byte) (*DataDescriptor, error) {
	d := &DataDescriptor{}
	if err := decodeLayout(buf, &d.raw, "data descriptor"); err != nil {
		return nil, err
	}
	d.Signature = parseSignature(d.raw.Signature[:])
	d.TrailingBytes = d.raw.TrailingBytes
	d.LeadingBytes = d.raw.LeadingBytes
	d.FileOffset = d.raw.FileOffset
	d.SequenceNumber = d.raw.SequenceNumber
	return d, nil
}

func (d *DataDescriptor) sequenceNumber() uint64 { return d.SequenceNumber }

func (d *DataDescriptor) checksum(c *checksum) { c.layout(d.raw) }

// Reassemble rebuilds the 4 KB sector the descriptor writes, restoring the
// leading and trailing bytes around the logged payload. It returns nil when
// no sector is attached.
func (d *DataDescriptor) Reassemble() []byte {
	if d.Sector == nil {
		return nil
	}
	sector := make([]byte, DATA_SECTOR_SIZE)
	copy(sector[0:8], d.LeadingBytes[:])
	copy(sector[8:8+DATA_PAYLOAD_SIZE], d.Sector.Payload[:])
	copy(sector[8+DATA_PAYLOAD_SIZE:], d.TrailingBytes[:])
	return sector
}

type DataSector struct {
	Signature    Signature
	SequenceHigh uint32
	Payload      [DATA_PAYLOAD_SIZE]byte
	SequenceLow  uint32

	raw dataSectorLayout
}

func decodeDataSector(buf []byte) (*DataSector, error) {
	s := &DataSector{}
	if err := decodeLayout(buf, &s.raw, "data sector"); err != nil {
		return nil, err
	}
	s.Signature = parseSignature(s.raw.Signature[:])
	s.SequenceHigh = s.raw.SequenceHigh
	s.Payload = s.raw.Data
	s.SequenceLow = s.raw.SequenceLow
	return s, nil
}

func (s *DataSector) SequenceNumber() uint64 {
	return combineSequence(s.SequenceHigh, s.SequenceLow)
}

func combineSequence(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}
