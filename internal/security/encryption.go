package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"leadflow/internal/domain"
)

const (
	encPrefix = "enc:"
	saltSize  = 16
)

// AESContentEncryptor implements domain.ContentEncryptor using AES-256-GCM.
// Keys derive from a passphrase via Argon2id. Every blob embeds the salt it
// was sealed under, so rows written before a key rotation or in an earlier
// process stay readable as long as the passphrase matches.
type AESContentEncryptor struct {
	mu         sync.RWMutex
	passphrase string
	key        []byte // current 32-byte key
	salt       []byte // salt the current key derives from
	derived    map[string][]byte // keys by salt, avoids re-running Argon2 per row
}

// NewAESContentEncryptor creates an encryptor from a passphrase.
// Returns error if passphrase is empty.
func NewAESContentEncryptor(passphrase string) (*AESContentEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := deriveContentKey(passphrase, salt)
	return &AESContentEncryptor{
		passphrase: passphrase,
		key:        key,
		salt:       salt,
		derived:    map[string][]byte{string(salt): key},
	}, nil
}

// Encrypt encrypts plaintext and returns "enc:" + base64(salt + nonce + ciphertext).
func (e *AESContentEncryptor) Encrypt(plaintext string) (string, error) {
	e.mu.RLock()
	key := make([]byte, len(e.key))
	copy(key, e.key)
	salt := make([]byte, len(e.salt))
	copy(salt, e.salt)
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt decrypts ciphertext. If it doesn't have the "enc:" prefix,
// the input is returned as-is (plaintext rows from before encryption
// was enabled).
func (e *AESContentEncryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return ciphertext, nil // plaintext passthrough
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("%w: blob too short", domain.ErrDecryption)
	}

	salt, rest := data[:saltSize], data[saltSize:]
	key := e.keyForSalt(salt)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", fmt.Errorf("%w: blob too short", domain.ErrDecryption)
	}

	nonce, sealed := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

// keyForSalt returns the key for a blob's embedded salt, deriving and
// caching it on first sight.
func (e *AESContentEncryptor) keyForSalt(salt []byte) []byte {
	e.mu.RLock()
	key, ok := e.derived[string(salt)]
	e.mu.RUnlock()
	if ok {
		return key
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.derived[string(salt)]; ok {
		return key
	}
	key = deriveContentKey(e.passphrase, salt)
	e.derived[string(salt)] = key
	return key
}

// IsEncrypted checks if a string has the "enc:" prefix.
func (e *AESContentEncryptor) IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

// Rotate re-derives the current key from a new passphrase with a fresh
// salt. Keys already derived stay cached, so rows sealed under the old
// passphrase remain readable until a re-encryption pass rewrites them.
func (e *AESContentEncryptor) Rotate(newPassphrase string) error {
	if newPassphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	newKey := deriveContentKey(newPassphrase, salt)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = newPassphrase
	e.key = newKey
	e.salt = salt
	e.derived[string(salt)] = newKey
	return nil
}

// Zeroize clears key material from memory. Call on shutdown.
func (e *AESContentEncryptor) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.key {
		e.key[i] = 0
	}
	for _, key := range e.derived {
		for i := range key {
			key[i] = 0
		}
	}
	e.passphrase = ""
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveContentKey uses Argon2id to derive a 32-byte key.
func deriveContentKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
