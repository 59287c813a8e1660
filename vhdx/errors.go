package vhdx

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type SignatureError struct {
	Structure string
	Expected  SignatureKind
	Found     Signature
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid %s signature: expected %s, found %s", e.Structure, e.Expected, e.Found)
}

type ChecksumError struct {
	Structure string
	Expected  uint32
	Computed  uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: stored 0x%08x, computed 0x%08x", e.Structure, e.Expected, e.Computed)
}

type VersionError struct {
	Field   string
	Version uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported %s: %d", e.Field, e.Version)
}

type AlignmentError struct {
	Field    string
	Value    uint64
	Multiple uint64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s %d is not a multiple of %d", e.Field, e.Value, e.Multiple)
}

type ZeroFieldError struct {
	Field string
}

func (e *ZeroFieldError) Error() string {
	return fmt.Sprintf("%s must not be zero", e.Field)
}

type RegionCountError struct {
	Count uint32
}

func (e *RegionCountError) Error() string {
	return fmt.Sprintf("region table entry count %d exceeds %d", e.Count, MAX_REGION_ENTRIES)
}

type UnknownRegionError struct {
	ID uuid.UUID
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("unrecognized required region %s", e.ID)
}

type DuplicateRegionError struct {
	Region KnownRegion
}

func (e *DuplicateRegionError) Error() string {
	return fmt.Sprintf("duplicate region table entry for %s", e.Region)
}

// ParseError reports a structure that could not be decoded from the bytes
// available. Data holds the bytes that were offered.
type ParseError struct {
	Field string
	Want  int
	Data  []byte
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: need %d bytes, have %d", e.Field, e.Want, len(e.Data))
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SequenceMismatchError marks a log entry whose descriptors or data sectors
// disagree with the sequence number they belong to.
type SequenceMismatchError struct {
	Expected uint64
	Found    uint64
}

func (e *SequenceMismatchError) Error() string {
	return fmt.Sprintf("log sequence cross-check failed: expected %d, found %d", e.Expected, e.Found)
}

type MalformedLogError struct {
	Offset int64
	Reason string
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed log at file offset %d: %s", e.Offset, e.Reason)
}

// CopiesError is returned when none of the redundant copies of a structure
// is usable. It unwraps to each copy's failure.
type CopiesError struct {
	Structure string
	Errs      []error
}

func (e *CopiesError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for i, err := range e.Errs {
		msgs = append(msgs, fmt.Sprintf("copy %d: %v", i+1, err))
	}
	return fmt.Sprintf("no valid %s: %s", e.Structure, strings.Join(msgs, "; "))
}

func (e *CopiesError) Unwrap() []error {
	return e.Errs
}

type LogIDError struct {
	Expected uuid.UUID
	Found    uuid.UUID
}

func (e *LogIDError) Error() string {
	return fmt.Sprintf("log entry belongs to log %s, header log is %s", e.Found, e.Expected)
}
