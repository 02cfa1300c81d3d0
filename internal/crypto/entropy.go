// Package crypto provides the random material used by the vault: salts, IVs,
// recovery phrases and opaque identifiers.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
)

// RecoveryPhraseBytes is the entropy carried by a recovery phrase
const RecoveryPhraseBytes = 32

const recoveryGroupSize = 8

var (
	errInvalidLength = errors.New("length must be positive")
	errInvalidPhrase = errors.New("recovery phrase must be 64 hex characters")
)

var (
	randSource io.Reader = rand.Reader
	randMux    sync.RWMutex
)

// SetRandomSource sets the random number generator source.
// If r is nil, it resets to the default crypto/rand.Reader.
func SetRandomSource(r io.Reader) {
	randMux.Lock()
	if r == nil {
		randSource = rand.Reader
	} else {
		randSource = r
	}
	randMux.Unlock()
}

// RandomBytes returns n bytes read from the configured random source
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errInvalidLength
	}

	randMux.RLock()
	src := randSource
	randMux.RUnlock()

	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GenerateRecoveryPhrase returns 32 random bytes rendered as eight dash-separated
// groups of hex, e.g. "0a1b2c3d-....".
func GenerateRecoveryPhrase() (string, error) {
	raw, err := RandomBytes(RecoveryPhraseBytes)
	if err != nil {
		return "", err
	}
	encoded := hex.EncodeToString(raw)

	var b strings.Builder
	b.Grow(len(encoded) + len(encoded)/recoveryGroupSize)
	for i := 0; i < len(encoded); i += recoveryGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(encoded[i : i+recoveryGroupSize])
	}
	return b.String(), nil
}

// NormalizeRecoveryPhrase strips separators and whitespace and lowercases the phrase so
// that a phrase typed back by the user derives the same wrapping key.
func NormalizeRecoveryPhrase(phrase string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToLower(phrase))

	if len(cleaned) != RecoveryPhraseBytes*2 {
		return "", errInvalidPhrase
	}
	if _, err := hex.DecodeString(cleaned); err != nil {
		return "", errInvalidPhrase
	}
	return cleaned, nil
}
