package vhdx

import (
	"io"
)

const (
	FILE_IDENTIFIER_SIZE = 64 * 1024
	CREATOR_SIZE         = 512
)

type fileIdentifierLayout struct {
	Signature [8]byte
	Creator   [CREATOR_SIZE]byte
}

// FileIdentifier is the structure at offset zero that marks the file as VHDX.
type FileIdentifier struct {
	Signature Signature
	Creator   string
}

func decodeFileIdentifier(buf []byte) (*FileIdentifier, error) {
	var raw fileIdentifierLayout
	if err := decodeLayout(buf, &raw, "file identifier"); err != nil {
		return nil, err
	}

	fti := &FileIdentifier{
		Signature: parseSignature(raw.Signature[:]),
		Creator:   utf16ToString(raw.Creator[:]),
	}
	if !fti.Signature.Is(FileTypeSignature) {
		return nil, &SignatureError{Structure: "file identifier", Expected: FileTypeSignature, Found: fti.Signature}
	}
	return fti, nil
}

func readFileIdentifier(fh io.ReadSeeker) (*FileIdentifier, error) {
	buf, err := readFullAt(fh, 0, FILE_IDENTIFIER_SIZE, "file identifier")
	if err != nil {
		return nil, err
	}
	return decodeFileIdentifier(buf)
}
