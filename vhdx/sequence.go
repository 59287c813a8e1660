package vhdx

import (
	"github.com/google/uuid"
)

// LogSequence is the run of log entries that would be replayed. HeadValue
// and TailValue are the log-relative offsets of the newest and oldest entry
// of the run.
type LogSequence struct {
	SequenceNumber uint64
	Entries        []*LogEntry
	HeadValue      uint64
	TailValue      uint64
}

func (s *LogSequence) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Head returns the newest entry, or nil for an empty sequence.
func (s *LogSequence) Head() *LogEntry {
	if s.IsEmpty() {
		return nil
	}
	return s.Entries[len(s.Entries)-1]
}

// IsValid reports whether the head's tail points inside the run. A tail
// outside of it means the sequence cannot be replayed.
func (s *LogSequence) IsValid() bool {
	head := s.Head()
	if head == nil {
		return false
	}
	tail := uint64(head.Header.Tail)
	return s.TailValue <= tail && tail <= s.HeadValue
}

// Replay returns the entries from the head's tail up to the head, or nil if
// the sequence is not valid.
func (s *LogSequence) Replay() []*LogEntry {
	if !s.IsValid() {
		return nil
	}
	tail := uint64(s.Head().Header.Tail)
	for i, entry := range s.Entries {
		if entry.Offset >= tail {
			return s.Entries[i:]
		}
	}
	return nil
}

// PendingWrite is one write a replay would perform, in replay order.
type PendingWrite struct {
	FileOffset uint64
	Length     uint64
	Zero       bool
	Data       []byte
}

func (s *LogSequence) Writes() []PendingWrite {
	var writes []PendingWrite
	for _, entry := range s.Replay() {
		for _, d := range entry.Descriptors {
			switch d := d.(type) {
			case *ZeroDescriptor:
				writes = append(writes, PendingWrite{FileOffset: d.FileOffset, Length: d.ZeroLength, Zero: true})
			case *DataDescriptor:
				writes = append(writes, PendingWrite{FileOffset: d.FileOffset, Length: DATA_SECTOR_SIZE, Data: d.Reassemble()})
			}
		}
	}
	return writes
}

// selectSequence derives the replay sequence from entries in on-disk order.
// The pool is cut at the first entry that fails validation; the sequence is
// the longest run at the end of what remains whose sequence numbers strictly
// increase. The index and cause of the cut are returned, or -1 and nil.
func selectSequence(entries []*LogEntry, logID uuid.UUID) (*LogSequence, int, error) {
	cut, cause := -1, error(nil)
	valid := entries
	for i, entry := range entries {
		if err := entry.Validate(logID); err != nil {
			cut, cause = i, err
			valid = entries[:i]
			break
		}
	}

	seq := &LogSequence{}
	if len(valid) == 0 {
		return seq, cut, cause
	}

	first := len(valid) - 1
	for first > 0 && valid[first-1].Header.SequenceNumber < valid[first].Header.SequenceNumber {
		first--
	}

	seq.Entries = valid[first:]
	head := seq.Head()
	seq.SequenceNumber = head.Header.SequenceNumber
	seq.HeadValue = head.Offset
	seq.TailValue = seq.Entries[0].Offset
	return seq, cut, cause
}
