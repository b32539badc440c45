package slotvault

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/slotvault/internal/misc"
)

// sealer encrypts slot records before they reach the store and decrypts
// them on load. The key is derived once at engine construction with Argon2id
// from the passphrase and the tenant's persisted salt, and lives only inside
// a memguard enclave between uses.
//
// Sealed record format: [1 byte format version][12 byte nonce][ciphertext].
// The auth tag covers the ciphertext only; a version bump changes the whole
// envelope.
type sealer struct {
	keyEnclave *memguard.Enclave
}

// newSealer derives the sealing key. passphrase wins over envVar; when only
// envVar is set, the variable is read once and unset immediately so the
// passphrase does not linger in the process environment.
func newSealer(passphrase, envVar string, saltEnclave *memguard.Enclave) (*sealer, error) {
	var passphraseData []byte
	switch {
	case passphrase != "":
		passphraseData = []byte(passphrase)
	case envVar != "":
		envPass := os.Getenv(envVar)
		if envPass == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", envVar)
		}
		passphraseData = []byte(envPass)
		os.Unsetenv(envVar)
	default:
		return nil, fmt.Errorf("no passphrase or environment variable provided")
	}
	defer memguard.WipeBytes(passphraseData)

	if len(passphraseData) < 12 {
		return nil, fmt.Errorf("passphrase must be at least 12 characters long")
	}
	if saltEnclave == nil {
		return nil, fmt.Errorf("derivation salt not initialized")
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	key := argon2.IDKey(passphraseData, saltBuffer.Bytes(),
		misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	saltBuffer.Destroy()

	// NewEnclave wipes the key slice
	return &sealer{keyEnclave: memguard.NewEnclave(key)}, nil
}

// seal encrypts plaintext into the envelope format. A fresh random nonce is
// generated per call.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	keyBuffer, err := s.keyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access sealing key: %w", err)
	}
	defer keyBuffer.Destroy()

	aead, err := chacha20poly1305.New(keyBuffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, misc.SealFormatVersion)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)
	return sealed, nil
}

// unseal decrypts a sealed envelope. An unknown version byte or a truncated
// envelope reports ErrUnsupportedFormat; an authentication failure reports
// ErrResourceFault since it means the stored bytes are corrupt or were
// sealed under a different key.
func (s *sealer) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, fmt.Errorf("sealed record is empty: %w", ErrUnsupportedFormat)
	}
	if sealed[0] != misc.SealFormatVersion {
		return nil, fmt.Errorf("sealed record version %d: %w", sealed[0], ErrUnsupportedFormat)
	}

	keyBuffer, err := s.keyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access sealing key: %w", err)
	}
	defer keyBuffer.Destroy()

	aead, err := chacha20poly1305.New(keyBuffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("sealed record truncated: %w", ErrUnsupportedFormat)
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	ciphertext := sealed[1+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate sealed record: %w", ErrResourceFault)
	}
	return plaintext, nil
}

// destroy drops the sealing key.
func (s *sealer) destroy() {
	s.keyEnclave = nil
}
