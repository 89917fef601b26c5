// Package atom implements the length-prefixed byte-string primitive used to
// frame every field of the index format: a little-endian uint32 length
// followed by that many raw bytes.
package atom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxLen bounds the length prefix so a corrupted or hostile index blob
// cannot make Read try to allocate an absurd amount of memory.
const maxLen = 1 << 30

// Write encodes b as an atom onto w.
func Write(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// WriteString encodes the UTF-8 bytes of s as an atom onto w.
func WriteString(w io.Writer, s string) error {
	return Write(w, []byte(s))
}

// Read decodes the next atom from r.
func Read(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("atom: reading length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("atom: length %d exceeds maximum %d", n, maxLen)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("atom: reading %d payload bytes: %w", n, err)
	}
	return buf, nil
}
