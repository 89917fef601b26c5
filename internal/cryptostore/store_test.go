package cryptostore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudis/gpgfs/internal/gpgfserr"
)

// fakeEngine stands in for a real OpenPGP keyring: it "encrypts" by
// prefixing a marker byte so Store's compression layer can still be
// exercised without a GNUPGHOME fixture.
type fakeEngine struct {
	failEncrypt bool
	failDecrypt bool
}

func (f *fakeEngine) Encrypt(keyid string, plaintext []byte) ([]byte, error) {
	if f.failEncrypt {
		return nil, errors.New("boom")
	}
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, 'X')
	out = append(out, plaintext...)
	return out, nil
}

func (f *fakeEngine) Decrypt(ciphertext []byte) ([]byte, error) {
	if f.failDecrypt {
		return nil, errors.New("boom")
	}
	if len(ciphertext) == 0 || ciphertext[0] != 'X' {
		return nil, errors.New("bad marker")
	}
	return ciphertext[1:], nil
}

func TestStorePersistLoadRoundTrip(t *testing.T) {
	s := New(&fakeEngine{}, "keyid")
	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility " +
		"the quick brown fox jumps over the lazy dog")

	ciphertext, err := s.Persist(plaintext)
	require.NoError(t, err)

	got, err := s.Load(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestStorePersistEmpty(t *testing.T) {
	s := New(&fakeEngine{}, "keyid")
	ciphertext, err := s.Persist(nil)
	require.NoError(t, err)
	got, err := s.Load(ciphertext)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStorePersistEncryptionFailure(t *testing.T) {
	s := New(&fakeEngine{failEncrypt: true}, "keyid")
	_, err := s.Persist([]byte("data"))
	require.ErrorIs(t, err, gpgfserr.ErrEncryption)
}

func TestStoreLoadDecryptionFailure(t *testing.T) {
	s := New(&fakeEngine{failDecrypt: true}, "keyid")
	_, err := s.Load([]byte("anything"))
	require.ErrorIs(t, err, gpgfserr.ErrDecryption)
}

func TestStoreFileRoundTrip(t *testing.T) {
	s := New(&fakeEngine{}, "keyid")
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	plaintext := []byte("index contents go here")
	require.NoError(t, s.PersistToFile(path, plaintext))

	got, err := s.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestStoreLoadFromFileMissing(t *testing.T) {
	s := New(&fakeEngine{}, "keyid")
	_, err := s.LoadFromFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, gpgfserr.ErrNotFound)
}
