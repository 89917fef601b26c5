package cryptostore

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/google/renameio"
	"github.com/klauspost/compress/flate"

	"github.com/rudis/gpgfs/internal/gpgfserr"
)

// Store is the compress-then-encrypt / decrypt-then-decompress wrapper of
// spec.md §4.3. It owns no filesystem state beyond the recipient keyid it
// was constructed with.
type Store struct {
	engine Engine
	keyid  string
}

// New returns a Store that encrypts to keyid using engine.
func New(engine Engine, keyid string) *Store {
	return &Store{engine: engine, keyid: keyid}
}

// Persist compresses plaintext with flate at the fastest compression level
// (matching the original's zlib.compress(data, 1)) and encrypts the result
// to the Store's keyid. A compression or encryption failure is reported as
// an error wrapping gpgfserr.ErrEncryption; the underlying cause appears in
// the message text only and is not itself wrapped.
func (s *Store) Persist(plaintext []byte) ([]byte, error) {
	var compressed bytes.Buffer
	zw, err := flate.NewWriter(&compressed, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("%w: opening compressor: %v", gpgfserr.ErrEncryption, err)
	}
	if _, err := zw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: compressing: %v", gpgfserr.ErrEncryption, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing compressor: %v", gpgfserr.ErrEncryption, err)
	}

	ciphertext, err := s.engine.Encrypt(s.keyid, compressed.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gpgfserr.ErrEncryption, err)
	}
	return ciphertext, nil
}

// Load decrypts ciphertext and inflates the result. A decryption or
// decompression failure is reported as gpgfserr.ErrDecryption. An empty
// ciphertext short-circuits to an empty plaintext, mirroring
// original_source/gpgfs.py's decrypt() ("if not data: return data") — a
// freshly created blob is a literal 0-byte file, and flate has no valid
// empty-input stream to read back.
func (s *Store) Load(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}

	compressed, err := s.engine.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gpgfserr.ErrDecryption, err)
	}

	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()
	plaintext, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflating: %v", gpgfserr.ErrDecryption, err)
	}
	return plaintext, nil
}

// PersistToFile encrypts plaintext and atomically replaces path with the
// result, using renameio so a crash mid-write never leaves a half-written
// index or blob behind. Grounded on the teacher's own use of
// renameio.TempFile for atomic output replacement (cmd/distri/initrd.go).
func (s *Store) PersistToFile(path string, plaintext []byte) error {
	ciphertext, err := s.Persist(plaintext)
	if err != nil {
		return err
	}
	out, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("%w: opening temp file: %v", gpgfserr.ErrEncryption, err)
	}
	defer out.Cleanup()
	if _, err := out.Write(ciphertext); err != nil {
		return fmt.Errorf("%w: writing temp file: %v", gpgfserr.ErrEncryption, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", gpgfserr.ErrEncryption, path, err)
	}
	return nil
}

// LoadFromFile reads and decrypts path.
func (s *Store) LoadFromFile(path string) ([]byte, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gpgfserr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading %s: %v", gpgfserr.ErrDecryption, path, err)
	}
	return s.Load(ciphertext)
}
