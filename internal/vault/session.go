package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pinbridge/vault/internal/store"
)

// sessionKDFIterations applies to the host-bound session passphrase, not a user secret
const sessionKDFIterations = 10000

// ErrNoSession is returned when no live session is persisted
var ErrNoSession = errors.New("no active session")

type sessionFileData struct {
	VaultPath  string    `json:"vault_path"`
	UnlockTime time.Time `json:"unlock_time"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Salt       string    `json:"salt"`
	KeyBlob    string    `json:"key_blob"`
}

// SessionStore keeps the exported data key between CLI invocations in a
// volatile per-login location, encrypted under a key bound to the host, the
// user and the vault path.
type SessionStore struct {
	vaultPath string
	path      string
	ttl       time.Duration
	engine    *CryptoEngine
	now       func() time.Time
}

// NewSessionStore returns a session store for the vault at vaultPath. A zero
// ttl disables persistence.
func NewSessionStore(vaultPath string, ttl time.Duration) *SessionStore {
	return &SessionStore{
		vaultPath: vaultPath,
		path:      sessionFilePath(vaultPath),
		ttl:       ttl,
		engine:    NewCryptoEngine(sessionKDFIterations),
		now:       time.Now,
	}
}

// Path returns the session file location
func (s *SessionStore) Path() string {
	return s.path
}

// Save persists the raw data key. The caller keeps ownership of raw.
func (s *SessionStore) Save(raw []byte) error {
	if s.ttl <= 0 {
		return nil
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	key, err := s.engine.DeriveKey(deriveSessionPassphrase(s.vaultPath), salt)
	if err != nil {
		return err
	}
	defer key.Destroy()

	blob, err := s.engine.EncryptBytes(raw, key)
	if err != nil {
		return fmt.Errorf("failed to seal session key: %w", err)
	}

	data := sessionFileData{
		VaultPath:  s.vaultPath,
		UnlockTime: s.now().UTC(),
		TTLSeconds: int64(s.ttl / time.Second),
		Salt:       EncodeSalt(salt),
		KeyBlob:    blob,
	}
	serialized, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return store.AtomicWriteFile(s.path, serialized, 0o600)
}

// Load returns the persisted raw data key. Expired or unreadable sessions are
// removed and reported as ErrNoSession.
func (s *SessionStore) Load() ([]byte, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, err
	}

	var data sessionFileData
	if err := json.Unmarshal(content, &data); err != nil {
		s.Clear()
		return nil, ErrNoSession
	}

	ttl := time.Duration(data.TTLSeconds) * time.Second
	if ttl <= 0 || s.now().Sub(data.UnlockTime) > ttl || data.VaultPath != s.vaultPath {
		s.Clear()
		return nil, ErrNoSession
	}

	salt, err := DecodeSalt(data.Salt)
	if err != nil {
		s.Clear()
		return nil, ErrNoSession
	}
	key, err := s.engine.DeriveKey(deriveSessionPassphrase(data.VaultPath), salt)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	raw, err := s.engine.DecryptBytes(data.KeyBlob, key)
	if err != nil {
		s.Clear()
		return nil, ErrNoSession
	}
	return raw, nil
}

// Remaining returns how long the persisted session stays valid
func (s *SessionStore) Remaining() time.Duration {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return 0
	}
	var data sessionFileData
	if err := json.Unmarshal(content, &data); err != nil {
		return 0
	}
	remaining := time.Duration(data.TTLSeconds)*time.Second - s.now().Sub(data.UnlockTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear removes the session file
func (s *SessionStore) Clear() {
	_ = os.Remove(s.path)
}

func sessionDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "pinbridge")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("pinbridge-%d", os.Getuid()))
}

func sessionFilePath(vaultPath string) string {
	sum := sha256.Sum256([]byte(vaultPath))
	return filepath.Join(sessionDir(), hex.EncodeToString(sum[:8])+".session")
}

func deriveSessionPassphrase(vaultPath string) string {
	username := "unknown"
	if currentUser, err := user.Current(); err == nil && currentUser != nil {
		username = currentUser.Username
	}

	hostname := "localhost"
	if host, err := os.Hostname(); err == nil {
		hostname = host
	}

	return fmt.Sprintf("pinbridge-session:%s:%s:%s", hostname, username, vaultPath)
}
