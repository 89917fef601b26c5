// Package cryptostore is the compress-then-encrypt wrapper around the
// asymmetric-encryption engine (Engine): Persist compresses and encrypts a
// plaintext blob to a recipient keyid, Load reverses it.
package cryptostore

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"golang.org/x/crypto/openpgp"
)

// Engine is the asymmetric-encryption primitive Store is built on. The only
// production implementation is openpgpEngine; tests substitute a fake to
// exercise Store's compression and error-wrapping without a real keyring.
type Engine interface {
	Encrypt(keyid string, plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// openpgpEngine resolves recipients and decryption keys against a keyring
// loaded once at construction time, mirroring python-gnupg's GPG() object
// bound to a single GNUPGHOME for the life of the process.
type openpgpEngine struct {
	pubring openpgp.EntityList
	secring openpgp.EntityList
}

// DefaultGNUPGHome returns $GNUPGHOME, falling back to ~/.gnupg the way the
// original's bare gnupg.GPG() constructor does.
func DefaultGNUPGHome() string {
	if home := os.Getenv("GNUPGHOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".gnupg"
	}
	return filepath.Join(dir, ".gnupg")
}

// NewOpenPGPEngine loads the public and secret keyrings found under
// gnupgHome (pubring.gpg and secring.gpg, the classic GnuPG 1.x / 2.0
// keybox layout that golang.org/x/crypto/openpgp understands).
func NewOpenPGPEngine(gnupgHome string) (Engine, error) {
	pubring, err := readKeyRing(filepath.Join(gnupgHome, "pubring.gpg"))
	if err != nil {
		return nil, fmt.Errorf("cryptostore: reading public keyring: %w", err)
	}
	secring, err := readKeyRing(filepath.Join(gnupgHome, "secring.gpg"))
	if err != nil {
		return nil, fmt.Errorf("cryptostore: reading secret keyring: %w", err)
	}
	return &openpgpEngine{pubring: pubring, secring: secring}, nil
}

func readKeyRing(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return openpgp.ReadKeyRing(f)
}

// findRecipient resolves keyid against each public entity's key ID, the way
// the original passes a bare keyid string to gnupg.GPG().encrypt(recipients=[keyid]).
func (e *openpgpEngine) findRecipient(keyid string) (*openpgp.Entity, error) {
	for _, ent := range e.pubring {
		if ent.PrimaryKey == nil {
			continue
		}
		if ent.PrimaryKey.KeyIdString() == keyid || ent.PrimaryKey.KeyIdShortString() == keyid {
			return ent, nil
		}
	}
	return nil, fmt.Errorf("cryptostore: no public key for keyid %q", keyid)
}

func (e *openpgpEngine) Encrypt(keyid string, plaintext []byte) ([]byte, error) {
	recipient, err := e.findRecipient(keyid)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, []*openpgp.Entity{recipient}, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: opening encrypt stream: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("cryptostore: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cryptostore: closing encrypt stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *openpgpEngine) Decrypt(ciphertext []byte) ([]byte, error) {
	md, err := openpgp.ReadMessage(bytes.NewReader(ciphertext), e.secring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: opening decrypt stream: %w", err)
	}
	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: reading decrypted body: %w", err)
	}
	return plaintext, nil
}
