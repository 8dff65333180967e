package archive

import (
	"bytes"
	"fmt"
	"os"
)

// Type is the detected container format of an archive file.
type Type string

const (
	TypeTar     Type = "tar"
	TypeGzip    Type = "gzip"
	TypeBzip2   Type = "bzip2"
	TypeUnknown Type = "unknown"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	tarMagic   = []byte("ustar") // at offset 257 in the first header block
)

// Detect classifies an archive by content magic. Inbound archives are
// known to be mislabeled (a .tar.gz that is plain tar, and vice versa),
// so the filename extension is never consulted.
func Detect(path string) (Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return TypeUnknown, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return TypeUnknown, fmt.Errorf("failed to read archive header: %w", err)
	}
	header = header[:n]

	return DetectBytes(header), nil
}

// DetectBytes classifies the first bytes of an archive. Pure over content:
// identical bytes always classify identically.
func DetectBytes(header []byte) Type {
	if len(header) >= 2 && bytes.Equal(header[:2], gzipMagic) {
		return TypeGzip
	}
	if len(header) >= 3 && bytes.Equal(header[:3], bzip2Magic) {
		return TypeBzip2
	}
	if len(header) >= 262 && bytes.Equal(header[257:262], tarMagic) {
		return TypeTar
	}
	return TypeUnknown
}
