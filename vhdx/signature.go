package vhdx

import (
	"bytes"
	"fmt"
)

type SignatureKind int

const (
	UnknownSignature SignatureKind = iota
	FileTypeSignature
	HeaderSignature
	RegionSignature
	LogEntrySignature
	ZeroSignature
	DataDescriptorSignature
	DataSectorSignature
	MetadataSignature
)

var (
	VHDX_MAGIC      = []byte("vhdxfile")
	HEAD_MAGIC      = []byte("head")
	REGION_MAGIC    = []byte("regi")
	LOG_ENTRY_MAGIC = []byte("loge")
	ZERO_MAGIC      = []byte("zero")
	DESC_MAGIC      = []byte("desc")
	DATA_MAGIC      = []byte("data")
	METADATA_MAGIC  = []byte("metadata")
)

var signatureTags = []struct {
	kind SignatureKind
	tag  []byte
}{
	{FileTypeSignature, VHDX_MAGIC},
	{HeaderSignature, HEAD_MAGIC},
	{RegionSignature, REGION_MAGIC},
	{LogEntrySignature, LOG_ENTRY_MAGIC},
	{ZeroSignature, ZERO_MAGIC},
	{DataDescriptorSignature, DESC_MAGIC},
	{DataSectorSignature, DATA_MAGIC},
	{MetadataSignature, METADATA_MAGIC},
}

// Signature is a structure magic read from disk. Unknown tags keep their raw
// bytes so errors can report what was actually found.
type Signature struct {
	Kind SignatureKind
	Raw  []byte
}

func parseSignature(raw []byte) Signature {
	for _, s := range signatureTags {
		if bytes.Equal(raw, s.tag) {
			return Signature{Kind: s.kind}
		}
	}
	return Signature{Kind: UnknownSignature, Raw: append([]byte(nil), raw...)}
}

func (s Signature) Is(kind SignatureKind) bool {
	return s.Kind == kind
}

// Bytes returns the on-disk tag.
func (s Signature) Bytes() []byte {
	if s.Kind == UnknownSignature {
		return s.Raw
	}
	for _, t := range signatureTags {
		if t.kind == s.Kind {
			return t.tag
		}
	}
	return nil
}

func (s Signature) String() string {
	if s.Kind == UnknownSignature {
		return fmt.Sprintf("unknown(%x)", s.Raw)
	}
	return string(s.Bytes())
}

func (k SignatureKind) String() string {
	return Signature{Kind: k}.String()
}
