// Package crypto derives the at-rest cipher for the jobs table's passwd
// column from an operator-supplied passphrase. The daemon loads that
// passphrase non-interactively from KILN_DB_ENCRYPTION_KEY or a mounted
// key file (see internal/config), so construction fails closed on a weak
// or missing key rather than silently falling back to plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	NonceSize  = 12
	KeySize    = 32
	Iterations = 100000

	// MinPassphraseLength guards against an operator pointing
	// KILN_DB_ENCRYPTION_KEY at a trivially short string; the passphrase
	// is the only thing standing between a stolen database file and every
	// job's cluster credentials, so NewEncryptor refuses anything shorter.
	MinPassphraseLength = 16
)

// Encryptor encrypts and decrypts the passwd column in place; a Store
// configured with one never persists a plaintext password.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives an AES-256-GCM key from passphrase, salted with
// dbName so the same passphrase protects different named databases with
// unrelated keys (a ciphertext dumped from one kiln instance's jobs table
// cannot be replayed against another instance sharing the same passphrase).
func NewEncryptor(passphrase, dbName string) (*Encryptor, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
	}
	if dbName == "" {
		return nil, errors.New("dbName cannot be empty")
	}

	salt := sha256.Sum256([]byte("kiln-passwd:" + dbName + ":" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeySize, sha256.New)
	return &Encryptor{key: key}, nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and base64-encodes the nonce-prefixed result for
// storage in a TEXT column.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong key and a tampered ciphertext both
// surface as a single "decrypt" error; GCM does not distinguish the two.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", errors.New("encrypted text cannot be empty")
	}
	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	if len(combined) < gcm.NonceSize() {
		return "", errors.New("encrypted text too short")
	}
	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s looks like Encrypt's output, so a Store
// can tell an already-encrypted passwd column apart from a plaintext row
// written before encryption was enabled.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= NonceSize+16
}
