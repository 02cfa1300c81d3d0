package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/pinbridge/vault/internal/util"
	"github.com/pinbridge/vault/internal/vault"
)

// HKDFInfo binds derived keys to this protocol
const HKDFInfo = "pinbridge-pairing-v1"

// DefaultTTL is the hard lifetime of a pairing session
const DefaultTTL = 2 * time.Minute

// Envelope is a message sealed under the session key
type Envelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Session holds the ephemeral key pair and the derived session key. It lives
// only for one pairing and is destroyed on completion, expiry or cancel.
type Session struct {
	SID        string
	Role       Role
	Expiration time.Time

	engine *vault.CryptoEngine

	mu        sync.Mutex
	priv      *ecdh.PrivateKey
	key       *vault.Key
	destroyed bool
}

// NewSession creates a session with a fresh P-256 key pair. An empty sid
// generates a new one.
func NewSession(role Role, sid string, expiration time.Time, engine *vault.CryptoEngine) (*Session, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	if sid == "" {
		sid = uuid.NewString()
	}
	if engine == nil {
		engine = vault.NewDefaultCryptoEngine()
	}
	return &Session{
		SID:        sid,
		Role:       role,
		Expiration: expiration,
		engine:     engine,
		priv:       priv,
	}, nil
}

// PublicKey returns the base64 uncompressed public point
func (s *Session) PublicKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return "", util.ErrSessionExpired
	}
	return base64.StdEncoding.EncodeToString(s.priv.PublicKey().Bytes()), nil
}

// Derive computes the session key from the peer public key:
// HKDF-SHA256(ECDH(priv, peer), salt = sid, info = HKDFInfo)
func (s *Session) Derive(peerPublic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return util.ErrSessionExpired
	}

	raw, err := base64.StdEncoding.DecodeString(peerPublic)
	if err != nil {
		return fmt.Errorf("%w: malformed peer key", util.ErrProtocol)
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid peer key: %v", util.ErrProtocol, err)
	}
	shared, err := s.priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("%w: key agreement failed: %v", util.ErrProtocol, err)
	}
	defer vault.Zeroize(shared)

	material := make([]byte, vault.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, []byte(s.SID), []byte(HKDFInfo)), material); err != nil {
		return fmt.Errorf("failed to derive session key: %w", err)
	}
	defer vault.Zeroize(material)

	key, err := s.engine.ImportKey(material)
	if err != nil {
		return err
	}
	if s.key != nil {
		s.key.Destroy()
	}
	s.key = key
	return nil
}

// Ready reports whether a session key has been derived
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed && s.key.Alive()
}

// Seal encrypts msg into an envelope with a fresh IV
func (s *Session) Seal(msg []byte) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	sealed, err := s.engine.Seal(msg, s.key)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		IV:         base64.StdEncoding.EncodeToString(sealed[:vault.NonceSize]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[vault.NonceSize:]),
	}, nil
}

// Open authenticates and decrypts an envelope. Any failure is a protocol error.
func (s *Session) Open(env *Envelope) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", util.ErrProtocol)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != vault.NonceSize {
		return nil, fmt.Errorf("%w: malformed envelope iv", util.ErrProtocol)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope ciphertext", util.ErrProtocol)
	}
	plain, err := s.engine.Open(append(iv, ct...), s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope failed authentication", util.ErrProtocol)
	}
	return plain, nil
}

// SealMessage encodes an envelope for the wire
func (s *Session) SealMessage(msg []byte) ([]byte, error) {
	env, err := s.Seal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// OpenMessage decodes and opens a wire envelope
func (s *Session) OpenMessage(data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", util.ErrProtocol)
	}
	return s.Open(&env)
}

// Expired reports whether now is past the session expiration
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.Expiration)
}

// Destroy discards the key pair and the session key
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.key.Destroy()
	s.key = nil
	s.priv = nil
}

func (s *Session) usable() error {
	if s.destroyed {
		return util.ErrSessionExpired
	}
	if !s.key.Alive() {
		return fmt.Errorf("%w: session key not derived", util.ErrProtocol)
	}
	return nil
}

func decodeText(text string) ([]byte, error) {
	text = strings.TrimRight(strings.TrimSpace(text), "=")
	return base64.RawURLEncoding.DecodeString(text)
}
