package vhdx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	img := newTestImage(t, testLogID,
		testEntry(1, 0, testLogID, zeroDesc(1, 8*MB, 4096)),
		testEntry(2, 0, testLogID, dataDesc(2, 9*MB, 3)),
	)

	disk, err := Open(img.reader(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Microsoft Windows 10.0.19045.0", disk.Identifier().Creator)

	assert.Equal(t, uint64(2), disk.Header().SequenceNumber)
	assert.Equal(t, testLogID, disk.LogID())
	headers := disk.Headers()
	assert.False(t, headers[0].Current)
	assert.True(t, headers[1].Current)
	assert.NoError(t, headers[0].Err)

	tables := disk.RegionTables()
	assert.True(t, tables[0].Current)
	assert.False(t, tables[1].Current)
	assert.Equal(t, uint64(2*MB), disk.MetadataOffset())
	assert.Equal(t, uint64(3*MB), disk.BATOffset())
	bat, ok := disk.Region(BlockAllocationTable)
	require.True(t, ok)
	assert.Equal(t, BAT_REGION_GUID, bat.ID)

	require.Len(t, disk.LogEntries(), 2)
	seq := disk.LogSequence()
	require.Len(t, seq.Entries, 2)
	assert.Equal(t, uint64(2), seq.SequenceNumber)
	assert.Equal(t, uint64(LOG_SECTOR_SIZE), seq.HeadValue)
	assert.True(t, disk.NeedsReplay())

	writes := seq.Writes()
	require.Len(t, writes, 2)
	assert.True(t, writes[0].Zero)
	assert.Equal(t, uint64(9*MB), writes[1].FileOffset)
}

func TestOpenWithoutLog(t *testing.T) {
	// entries on disk are not scanned when the header carries no log
	img := newTestImage(t, uuid.Nil, testEntry(1, 0, testLogID))

	disk, err := Open(img.reader(), nil)
	require.NoError(t, err)

	assert.Empty(t, disk.LogEntries())
	assert.True(t, disk.LogSequence().IsEmpty())
	assert.False(t, disk.NeedsReplay())
}

func TestOpenSkipLog(t *testing.T) {
	img := newTestImage(t, testLogID, testEntry(1, 0, testLogID))

	disk, err := Open(img.reader(), &Options{SkipLog: true})
	require.NoError(t, err)

	assert.Empty(t, disk.LogEntries())
	assert.False(t, disk.NeedsReplay())
}

func TestOpenHeaderSelection(t *testing.T) {
	t.Run("first copy newer", func(t *testing.T) {
		img := newTestImage(t, testLogID)
		img.headers[0] = encodeHeader(t, testHeader(9, testLogID))

		disk, err := Open(img.reader(), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), disk.Header().SequenceNumber)
		assert.True(t, disk.Headers()[0].Current)
	})

	t.Run("newer copy corrupt", func(t *testing.T) {
		img := newTestImage(t, testLogID)
		img.headers[1][4] ^= 0x01

		disk, err := Open(img.reader(), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), disk.Header().SequenceNumber)

		var checksumErr *ChecksumError
		assert.ErrorAs(t, disk.Headers()[1].Err, &checksumErr)
	})

	t.Run("newer copy of unsupported version", func(t *testing.T) {
		img := newTestImage(t, testLogID)
		future := testHeader(9, testLogID)
		future.Version = 2
		future.Checksum = future.ComputeChecksum()
		img.headers[1] = encodeHeader(t, future)

		_, err := Open(img.reader(), nil)

		var versionErr *VersionError
		require.ErrorAs(t, err, &versionErr)
		assert.Equal(t, "header version", versionErr.Field)
	})

	t.Run("both copies corrupt", func(t *testing.T) {
		img := newTestImage(t, testLogID)
		copy(img.headers[0], "hed!")
		img.headers[1][4] ^= 0x01

		_, err := Open(img.reader(), nil)

		var copiesErr *CopiesError
		require.ErrorAs(t, err, &copiesErr)
		assert.Len(t, copiesErr.Errs, 2)
		var sigErr *SignatureError
		assert.ErrorAs(t, err, &sigErr)
	})
}

func TestOpenRegionTableFallback(t *testing.T) {
	img := newTestImage(t, testLogID)
	img.tables[0] = append([]byte(nil), img.tables[0]...)
	img.tables[0][20] ^= 0x01

	disk, err := Open(img.reader(), nil)
	require.NoError(t, err)

	tables := disk.RegionTables()
	assert.Error(t, tables[0].Err)
	assert.True(t, tables[1].Current)
	assert.Equal(t, uint64(2*MB), disk.MetadataOffset())
}

func TestOpenRejectsForeignFile(t *testing.T) {
	img := newTestImage(t, testLogID)
	copy(img.identifier, "conectix")

	_, err := Open(img.reader(), nil)

	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, FileTypeSignature, sigErr.Expected)
}

func TestOpenTruncated(t *testing.T) {
	img := newTestImage(t, testLogID)

	_, err := Open(bytes.NewReader(img.bytes()[:3*ALIGNMENT+100]), nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpenRegionHandlers(t *testing.T) {
	img := newTestImage(t, testLogID)

	var calls []KnownRegion
	var offsets []uint64
	record := func(_ io.ReadSeeker, region KnownRegion, entry RTEntry) error {
		calls = append(calls, region)
		offsets = append(offsets, entry.FileOffset)
		return nil
	}

	_, err := Open(img.reader(), &Options{MetadataHandler: record, BATHandler: record})
	require.NoError(t, err)
	assert.Equal(t, []KnownRegion{MetadataRegion, BlockAllocationTable}, calls)
	assert.Equal(t, []uint64{2 * MB, 3 * MB}, offsets)

	failure := errors.New("metadata unreadable")
	_, err = Open(img.reader(), &Options{
		MetadataHandler: func(io.ReadSeeker, KnownRegion, RTEntry) error { return failure },
	})
	assert.ErrorIs(t, err, failure)
}

func TestOpenLogsRejectedEntry(t *testing.T) {
	corrupt := testEntry(3, 0, testLogID)
	corrupt.Header.raw.Checksum ^= 0x01
	img := newTestImage(t, testLogID,
		testEntry(1, 0, testLogID),
		testEntry(2, 0, testLogID),
		corrupt,
	)

	var out bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &out, Level: hclog.Warn})

	disk, err := Open(img.reader(), &Options{Logger: logger})
	require.NoError(t, err)

	assert.Len(t, disk.LogEntries(), 3)
	assert.Len(t, disk.LogSequence().Entries, 2)
	assert.True(t, disk.NeedsReplay())
	assert.Contains(t, out.String(), "log entry rejected")
}

func TestOpenStopsAtOverrunningEntry(t *testing.T) {
	img := newTestImage(t, testLogID,
		testEntry(1, 0, testLogID),
		testEntry(2, 0, testLogID),
		testEntry(3, 0, testLogID),
	)
	// descriptor count of the third entry
	binary.LittleEndian.PutUint32(img.log[2*LOG_SECTOR_SIZE+24:], 0x00ffffff)

	var out bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &out, Level: hclog.Warn})

	disk, err := Open(img.reader(), &Options{Logger: logger})
	require.NoError(t, err)

	assert.Len(t, disk.LogEntries(), 2)
	seq := disk.LogSequence()
	require.Len(t, seq.Entries, 2)
	assert.Equal(t, uint64(2), seq.SequenceNumber)
	assert.True(t, disk.NeedsReplay())
	assert.Contains(t, out.String(), "malformed entry")
}
