package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	pbcrypto "github.com/pinbridge/vault/internal/crypto"
	"github.com/pinbridge/vault/internal/util"
)

const (
	// Crypto constants
	KeySize   = 32 // AES-256 key size
	SaltSize  = 16 // PBKDF2 salt size
	NonceSize = 12 // GCM nonce size
	TagSize   = 16 // GCM tag size

	// DefaultKDFIterations is the PBKDF2-HMAC-SHA-256 iteration count for new vaults
	DefaultKDFIterations = 120000
)

var (
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// CryptoEngine handles all cryptographic operations. It is stateless apart from the
// PBKDF2 iteration count.
type CryptoEngine struct {
	iterations int
}

// NewCryptoEngine creates a new crypto engine with the given PBKDF2 iteration count
func NewCryptoEngine(iterations int) *CryptoEngine {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return &CryptoEngine{
		iterations: iterations,
	}
}

// NewDefaultCryptoEngine creates a new crypto engine with default parameters
func NewDefaultCryptoEngine() *CryptoEngine {
	return NewCryptoEngine(DefaultKDFIterations)
}

// Iterations returns the PBKDF2 iteration count
func (ce *CryptoEngine) Iterations() int {
	return ce.iterations
}

// WithIterations returns an engine deriving keys with a different iteration count,
// used when unlocking metadata written with non-default parameters.
func (ce *CryptoEngine) WithIterations(iterations int) *CryptoEngine {
	if iterations <= 0 || iterations == ce.iterations {
		return ce
	}
	return NewCryptoEngine(iterations)
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt() ([]byte, error) {
	salt, err := pbcrypto.RandomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce creates a cryptographically secure random nonce
func GenerateNonce() ([]byte, error) {
	nonce, err := pbcrypto.RandomBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// DeriveKey derives a non-extractable wrapping key from a low-entropy secret
func (ce *CryptoEngine) DeriveKey(secret string, salt []byte) (*Key, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt must not be empty")
	}
	secretBytes := []byte(secret)
	defer Zeroize(secretBytes)

	raw := pbkdf2.Key(secretBytes, salt, ce.iterations, KeySize, sha256.New)
	return newKey(raw, false), nil
}

// GenerateDataKey creates a fresh extractable AES-256 data key
func (ce *CryptoEngine) GenerateDataKey() (*Key, error) {
	raw, err := pbcrypto.RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return newKey(raw, true), nil
}

// ImportKey wraps raw key bytes in an extractable key. raw is copied.
func (ce *CryptoEngine) ImportKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return newKey(append([]byte(nil), raw...), true), nil
}

// ExportKey returns a copy of the raw key bytes. Callers must Zeroize the result.
func (ce *CryptoEngine) ExportKey(key *Key) ([]byte, error) {
	raw, err := key.bytes()
	if err != nil {
		return nil, err
	}
	if !key.Extractable() {
		return nil, ErrKeyNotExtractable
	}
	return append([]byte(nil), raw...), nil
}

// WrapKey encrypts the raw data key under a wrapping key: base64(iv || ciphertext)
func (ce *CryptoEngine) WrapKey(dataKey, wrappingKey *Key) (string, error) {
	raw, err := ce.ExportKey(dataKey)
	if err != nil {
		return "", err
	}
	defer Zeroize(raw)

	return ce.EncryptBytes(raw, wrappingKey)
}

// UnwrapKey reverses WrapKey. Any failure means the wrapping secret was wrong.
func (ce *CryptoEngine) UnwrapKey(blob string, wrappingKey *Key) (*Key, error) {
	raw, err := ce.DecryptBytes(blob, wrappingKey)
	if err != nil {
		if errors.Is(err, ErrKeyDestroyed) {
			return nil, err
		}
		return nil, util.ErrInvalidPIN
	}
	if len(raw) != KeySize {
		Zeroize(raw)
		return nil, util.ErrInvalidPIN
	}
	return newKey(raw, true), nil
}

// EncryptObject JSON-serializes v and encrypts it with a fresh IV
func (ce *CryptoEngine) EncryptObject(v interface{}, key *Key) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object: %w", err)
	}
	defer Zeroize(plaintext)

	return ce.EncryptBytes(plaintext, key)
}

// DecryptObject decrypts blob and unmarshals the JSON plaintext into out
func (ce *CryptoEngine) DecryptObject(blob string, key *Key, out interface{}) error {
	plaintext, err := ce.DecryptBytes(blob, key)
	if err != nil {
		return err
	}
	defer Zeroize(plaintext)

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal object: %v", util.ErrIntegrity, err)
	}
	return nil
}

// EncryptBytes encrypts plaintext using AES-256-GCM: base64(iv || ciphertext || tag)
func (ce *CryptoEngine) EncryptBytes(plaintext []byte, key *Key) (string, error) {
	sealed, err := ce.Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptBytes decrypts a blob produced by EncryptBytes
func (ce *CryptoEngine) DecryptBytes(blob string, key *Key) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed base64", util.ErrDecryptionFailed)
	}
	return ce.Open(sealed, key)
}

// Seal encrypts plaintext and returns iv || ciphertext || tag
func (ce *CryptoEngine) Seal(plaintext []byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts iv || ciphertext || tag. Tampering always fails authentication.
func (ce *CryptoEngine) Open(sealed []byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: %v", util.ErrDecryptionFailed, ErrInvalidCiphertext)
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, util.ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	raw, err := key.bytes()
	if err != nil {
		return nil, err
	}
	if len(raw) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Zeroize securely clears a byte slice
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SecureCompare performs constant-time comparison of two byte slices
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EncodeSalt and DecodeSalt convert salts to the base64 form stored in metadata
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

// DecodeSalt decodes a base64 salt from metadata
func DecodeSalt(encoded string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is empty")
	}
	return salt, nil
}
