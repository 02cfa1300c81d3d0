package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	pbcrypto "github.com/pinbridge/vault/internal/crypto"
	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/events"
	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/remote"
	"github.com/pinbridge/vault/internal/store"
	"github.com/pinbridge/vault/internal/util"
)

// LocalStore keys
const (
	metaKey            = "crypto"
	vaultKey           = "current"
	recoveryFileKey    = "file"
	recoveryRequestKey = "request"
	tagIndexKey        = "index"
)

// Unlock methods, recorded in events and recovery requests
const (
	MethodCreate       = "create"
	MethodPIN          = "pin"
	MethodRecovery     = "recovery"
	MethodRecoveryFile = "recovery-file"
	MethodDataKey      = "data-key"
	MethodSession      = "session"
)

// DefaultRole is the role recorded for vault owners
const DefaultRole = "owner"

var (
	// ErrNoteNotFound is returned for unknown note ids
	ErrNoteNotFound = errors.New("note not found")
	// ErrEmptyPIN is returned when creating or rotating to an empty PIN
	ErrEmptyPIN = errors.New("PIN must not be empty")
)

// State is the lock state of the manager
type State int32

// Lock states
const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Queue receives the remote writes produced by local mutations
type Queue interface {
	Enqueue(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error
	EnqueueOrUpdate(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error
}

// EventKind names a manager notification
type EventKind string

// Event kinds
const (
	EventUnlocked     EventKind = "auth:unlock"
	EventLocked       EventKind = "auth:lock"
	EventVaultUpdated EventKind = "vault:updated"
)

// Event is published on the manager feed
type Event struct {
	Kind        EventKind
	Source      string
	UpdatedAtMs int64
}

// Options configures a Manager
type Options struct {
	Store    store.LocalStore
	Remote   remote.Store
	Queue    Queue
	Engine   *CryptoEngine
	Sessions *SessionStore
	DeviceID string
	// UID is the owner id under which remote documents live
	UID         string
	SyncEnabled bool
	// MaxFailedAttempts failed unlocks are allowed per AttemptWindow
	MaxFailedAttempts int
	AttemptWindow     time.Duration
	Logger            *logrus.Logger
	Now               func() time.Time
}

// Manager owns the data key and the decrypted vault for an unlocked session
type Manager struct {
	store       store.LocalStore
	remote      remote.Store
	queue       Queue
	engine      *CryptoEngine
	sessions    *SessionStore
	deviceID    string
	uid         string
	syncEnabled bool
	limiter     *rate.Limiter
	log         *logrus.Entry
	now         func() time.Time
	events      events.Feed[Event]

	mu          sync.Mutex
	state       State
	dataKey     *Key
	vault       *domain.Vault
	meta        *domain.CryptoMeta
	lastKnownMs int64
	stopListen  context.CancelFunc
	listenGen   int
}

// NewManager creates a locked manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Engine == nil {
		opts.Engine = NewDefaultCryptoEngine()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = 5
	}
	if opts.AttemptWindow <= 0 {
		opts.AttemptWindow = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	perSecond := float64(opts.MaxFailedAttempts) / opts.AttemptWindow.Seconds()
	return &Manager{
		store:       opts.Store,
		remote:      opts.Remote,
		queue:       opts.Queue,
		engine:      opts.Engine,
		sessions:    opts.Sessions,
		deviceID:    opts.DeviceID,
		uid:         opts.UID,
		syncEnabled: opts.SyncEnabled,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), opts.MaxFailedAttempts),
		log:         logging.Component(opts.Logger, "vault"),
		now:         opts.Now,
	}, nil
}

// Events returns the notification feed
func (m *Manager) Events() *events.Feed[Event] {
	return &m.events
}

// State returns the current lock state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceID returns the id stamped on records written by this device
func (m *Manager) DeviceID() string {
	return m.deviceID
}

func (m *Manager) nowMs() int64 {
	return m.now().UnixMilli()
}

func (m *Manager) syncActive() bool {
	return m.syncEnabled && m.remote != nil && m.uid != ""
}

// HasVault reports whether CryptoMeta exists locally or, with sync enabled,
// remotely. An unreachable remote is returned as util.ErrOffline rather than
// reported as a missing vault.
func (m *Manager) HasVault(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.loadMeta(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, util.ErrNoVault):
		return false, nil
	default:
		return false, err
	}
}

// Create initializes a new vault and leaves the manager unlocked. The returned
// recovery phrase is never stored and cannot be produced again.
func (m *Manager) Create(ctx context.Context, username, pin, role string) (string, error) {
	if pin == "" {
		return "", ErrEmptyPIN
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username must not be empty")
	}
	if role == "" {
		role = DefaultRole
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadMeta(ctx); err == nil {
		return "", util.ErrVaultExists
	} else if !errors.Is(err, util.ErrNoVault) {
		return "", err
	}
	m.lockLocked()
	m.state = StateUnlocking

	dataKey, phrase, meta, err := m.newCryptoMeta(username, pin, role)
	if err != nil {
		m.state = StateLocked
		return "", err
	}

	createdAt := domain.FormatMs(m.nowMs())
	v := &domain.Vault{
		Notes: []domain.Note{},
		Meta:  domain.VaultMeta{CreatedAt: createdAt, Username: username, Role: role},
	}

	if err := m.putMeta(meta); err != nil {
		dataKey.Destroy()
		m.state = StateLocked
		return "", err
	}
	rec, err := m.writeVault(dataKey, v, m.nowMs())
	if err != nil {
		dataKey.Destroy()
		m.state = StateLocked
		return "", err
	}

	m.dataKey = dataKey
	m.vault = v
	m.meta = meta
	m.state = StateUnlocked

	m.enqueueMeta(ctx, meta)
	m.enqueueVault(ctx, rec)
	m.startListener()
	m.saveSession()
	m.log.WithField("username", username).Info("vault created")
	m.events.Publish(Event{Kind: EventUnlocked, Source: MethodCreate, UpdatedAtMs: rec.UpdatedAtMs})
	return phrase, nil
}

func (m *Manager) newCryptoMeta(username, pin, role string) (*Key, string, *domain.CryptoMeta, error) {
	dataKey, err := m.engine.GenerateDataKey()
	if err != nil {
		return nil, "", nil, err
	}
	fail := func(err error) (*Key, string, *domain.CryptoMeta, error) {
		dataKey.Destroy()
		return nil, "", nil, err
	}

	keySalt, err := GenerateSalt()
	if err != nil {
		return fail(err)
	}
	recoverySalt, err := GenerateSalt()
	if err != nil {
		return fail(err)
	}
	phrase, err := pbcrypto.GenerateRecoveryPhrase()
	if err != nil {
		return fail(fmt.Errorf("failed to generate recovery phrase: %w", err))
	}
	normalized, err := pbcrypto.NormalizeRecoveryPhrase(phrase)
	if err != nil {
		return fail(err)
	}

	wrapped, err := m.wrapWith(dataKey, pin, keySalt)
	if err != nil {
		return fail(err)
	}
	recoveryWrapped, err := m.wrapWith(dataKey, normalized, recoverySalt)
	if err != nil {
		return fail(err)
	}

	meta := &domain.CryptoMeta{
		Version:            domain.CryptoMetaVersion,
		KeySalt:            EncodeSalt(keySalt),
		RecoverySalt:       EncodeSalt(recoverySalt),
		WrappedKey:         wrapped,
		RecoveryWrappedKey: recoveryWrapped,
		Username:           username,
		Role:               role,
		UpdatedAt:          domain.FormatMs(m.nowMs()),
		KDFIterations:      m.engine.Iterations(),
	}
	return dataKey, phrase, meta, nil
}

func (m *Manager) wrapWith(dataKey *Key, secret string, salt []byte) (string, error) {
	wrappingKey, err := m.engine.DeriveKey(secret, salt)
	if err != nil {
		return "", err
	}
	defer wrappingKey.Destroy()
	return m.engine.WrapKey(dataKey, wrappingKey)
}

func (m *Manager) unwrapWith(meta *domain.CryptoMeta, secret, encodedSalt, wrapped string) (*Key, error) {
	salt, err := DecodeSalt(encodedSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrIntegrity, err)
	}
	engine := m.engine.WithIterations(meta.KDFIterations)
	wrappingKey, err := engine.DeriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	defer wrappingKey.Destroy()
	return engine.UnwrapKey(wrapped, wrappingKey)
}

// UnlockWithPin unwraps the data key with the PIN
func (m *Manager) UnlockWithPin(ctx context.Context, pin string) error {
	return m.unlock(ctx, MethodPIN, func(meta *domain.CryptoMeta) (*Key, error) {
		return m.unwrapWith(meta, pin, meta.KeySalt, meta.WrappedKey)
	})
}

// UnlockWithRecovery unwraps the data key with the recovery phrase
func (m *Manager) UnlockWithRecovery(ctx context.Context, phrase string) error {
	return m.unlock(ctx, MethodRecovery, func(meta *domain.CryptoMeta) (*Key, error) {
		normalized, err := pbcrypto.NormalizeRecoveryPhrase(phrase)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", util.ErrInvalidPIN, err)
		}
		if meta.RecoveryWrappedKey == "" {
			return nil, util.ErrInvalidPIN
		}
		return m.unwrapWith(meta, normalized, meta.RecoverySalt, meta.RecoveryWrappedKey)
	})
}

// UnlockWithRecoveryFile unwraps the data key from a recovery file
func (m *Manager) UnlockWithRecoveryFile(ctx context.Context, content []byte, username, partialPin string) error {
	file, err := ParseRecoveryFile(content)
	if err != nil {
		return err
	}
	return m.unlock(ctx, MethodRecoveryFile, func(meta *domain.CryptoMeta) (*Key, error) {
		return m.openRecoveryFile(file, username, partialPin)
	})
}

// UnlockWithDataKey imports a raw data key and verifies it against the stored
// vault record, local first then remote
func (m *Manager) UnlockWithDataKey(ctx context.Context, raw []byte) error {
	return m.unlockDataKey(ctx, MethodDataKey, raw)
}

// ResumeSession unlocks from the persisted session, if one is still valid
func (m *Manager) ResumeSession(ctx context.Context) error {
	if m.sessions == nil {
		return ErrNoSession
	}
	raw, err := m.sessions.Load()
	if err != nil {
		return err
	}
	defer Zeroize(raw)

	if err := m.unlockDataKey(ctx, MethodSession, raw); err != nil {
		if errors.Is(err, util.ErrInvalidPIN) {
			m.sessions.Clear()
			return ErrNoSession
		}
		return err
	}
	return nil
}

func (m *Manager) unlockDataKey(ctx context.Context, method string, raw []byte) error {
	return m.unlock(ctx, method, func(meta *domain.CryptoMeta) (*Key, error) {
		key, err := m.engine.ImportKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", util.ErrInvalidPIN, err)
		}
		if err := m.verifyDataKey(ctx, key); err != nil {
			key.Destroy()
			return nil, err
		}
		return key, nil
	})
}

// verifyDataKey checks key against the local record, or the remote record when
// there is no local copy. A key that opens neither is rejected and nothing is
// written, so a wrong key can never seed an empty vault.
func (m *Manager) verifyDataKey(ctx context.Context, key *Key) error {
	rec, err := m.loadRecord()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = m.fetchRemoteRecord(ctx)
	}
	if rec == nil {
		return fmt.Errorf("%w: no vault record to verify the data key against", util.ErrInvalidPIN)
	}
	plain, err := m.engine.DecryptBytes(rec.Payload, key)
	if err != nil {
		return util.ErrInvalidPIN
	}
	Zeroize(plain)
	return nil
}

func (m *Manager) unlock(ctx context.Context, method string, open func(meta *domain.CryptoMeta) (*Key, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limiter.Tokens() < 1 {
		m.log.WithField("method", method).Warn("unlock throttled after repeated failures")
		return util.ErrTooManyAttempts
	}

	meta, err := m.loadMeta(ctx)
	if err != nil {
		return err
	}

	m.lockLocked()
	m.state = StateUnlocking

	dataKey, err := open(meta)
	if err != nil {
		m.state = StateLocked
		if errors.Is(err, util.ErrInvalidPIN) {
			m.limiter.Allow()
			m.log.WithField("method", method).Warn("unlock failed")
		}
		return err
	}

	if err := m.finishUnlock(ctx, dataKey, meta); err != nil {
		dataKey.Destroy()
		m.state = StateLocked
		return err
	}

	if method == MethodRecovery || method == MethodRecoveryFile {
		m.recordRecovery(ctx, method)
	}
	if method != MethodSession {
		m.saveSession()
	}
	m.log.WithField("method", method).Info("vault unlocked")
	m.events.Publish(Event{Kind: EventUnlocked, Source: method, UpdatedAtMs: m.lastKnownMs})
	return nil
}

// finishUnlock merges local and remote state and enters StateUnlocked
func (m *Manager) finishUnlock(ctx context.Context, dataKey *Key, meta *domain.CryptoMeta) error {
	local, err := m.loadRecord()
	if err != nil {
		return err
	}
	remoteRec := m.fetchRemoteRecord(ctx)

	res, err := SmartMerge(m.engine, dataKey, local, remoteRec, m.log)
	if err != nil {
		return err
	}

	v := res.Vault
	floor := res.UpdatedAtMs
	if v == nil {
		v = &domain.Vault{
			Notes: []domain.Note{},
			Meta:  domain.VaultMeta{CreatedAt: meta.UpdatedAt, Username: meta.Username, Role: meta.Role},
		}
		floor = m.nowMs()
	} else if res.RemoteStale && m.syncActive() {
		// a pushed merge must read as newer than both of its inputs
		floor = max(floor+1, m.nowMs())
	}

	rec, err := m.writeVault(dataKey, v, floor)
	if err != nil {
		return err
	}

	m.dataKey = dataKey
	m.vault = v
	m.meta = meta
	m.state = StateUnlocked

	if res.RemoteStale {
		m.enqueueVault(ctx, rec)
	}
	m.startListener()
	return nil
}

// Lock destroys the data key and drops the decrypted vault. Safe in any state.
func (m *Manager) Lock() {
	m.mu.Lock()
	wasUnlocked := m.state == StateUnlocked
	m.lockLocked()
	m.mu.Unlock()

	if wasUnlocked {
		m.log.Info("vault locked")
		m.events.Publish(Event{Kind: EventLocked})
	}
}

// Logout locks the vault and clears the persisted session
func (m *Manager) Logout() {
	m.Lock()
	if m.sessions != nil {
		m.sessions.Clear()
	}
}

func (m *Manager) lockLocked() {
	if m.stopListen != nil {
		m.stopListen()
		m.stopListen = nil
	}
	m.listenGen++
	if m.dataKey != nil {
		m.dataKey.Destroy()
		m.dataKey = nil
	}
	m.vault = nil
	m.state = StateLocked
}

// Close locks the manager and closes the event feed
func (m *Manager) Close() {
	m.Lock()
	m.events.Close()
}

func (m *Manager) requireUnlocked() error {
	if m.state != StateUnlocked || m.dataKey == nil || m.vault == nil {
		return util.ErrLocked
	}
	return nil
}

// Notes returns the notes matching f
func (m *Manager) Notes(f NoteFilter) ([]domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}
	return FilterNotes(m.vault.Notes, f), nil
}

// Note returns a copy of the note with id
func (m *Manager) Note(id string) (domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return domain.Note{}, err
	}
	idx := findNote(m.vault.Notes, id)
	if idx < 0 {
		return domain.Note{}, ErrNoteNotFound
	}
	return m.vault.Notes[idx].Clone(), nil
}

// Meta returns the vault owner metadata
func (m *Manager) Meta() (domain.VaultMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return domain.VaultMeta{}, err
	}
	return m.vault.Meta, nil
}

// SaveNote creates or updates a note. An empty id creates a new note. The
// previous copy of an updated note is kept in the version history.
func (m *Manager) SaveNote(ctx context.Context, note domain.Note) (domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return domain.Note{}, err
	}

	now := m.nowMs()
	note = note.Clone()
	note.Tags = NormalizeTags(note.Tags)

	idx := -1
	if note.ID == "" {
		note.ID = uuid.NewString()
	} else {
		idx = findNote(m.vault.Notes, note.ID)
	}

	if idx >= 0 {
		prev := m.vault.Notes[idx]
		if err := m.saveVersion(prev, now); err != nil {
			return domain.Note{}, err
		}
		note.Created = prev.Created
		note.Updated = max(now, prev.Updated+1)
		m.vault.Notes[idx] = note
	} else {
		if note.Created == 0 {
			note.Created = now
		}
		note.Updated = now
		m.vault.Notes = append(m.vault.Notes, note)
	}

	if err := m.commitLocal(ctx); err != nil {
		return domain.Note{}, err
	}
	return note.Clone(), nil
}

// TrashNote moves a note to or out of the trash
func (m *Manager) TrashNote(ctx context.Context, id string, trash bool) error {
	return m.updateNote(ctx, id, func(n *domain.Note) { n.Trash = trash })
}

// PinNote pins or unpins a note
func (m *Manager) PinNote(ctx context.Context, id string, pinned bool) error {
	return m.updateNote(ctx, id, func(n *domain.Note) { n.Pinned = pinned })
}

// AddAttachment records an attachment hash on a note
func (m *Manager) AddAttachment(ctx context.Context, id, hash string) error {
	return m.updateNote(ctx, id, func(n *domain.Note) {
		for _, h := range n.Attachments {
			if h == hash {
				return
			}
		}
		n.Attachments = append(n.Attachments, hash)
	})
}

func (m *Manager) updateNote(ctx context.Context, id string, fn func(n *domain.Note)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return err
	}
	idx := findNote(m.vault.Notes, id)
	if idx < 0 {
		return ErrNoteNotFound
	}

	now := m.nowMs()
	note := &m.vault.Notes[idx]
	if err := m.saveVersion(*note, now); err != nil {
		return err
	}
	fn(note)
	note.Updated = max(now, note.Updated+1)
	return m.commitLocal(ctx)
}

// DeleteNote removes a note from this device. A remote copy that still holds
// the note brings it back on the next merge; trash a note to remove it everywhere.
func (m *Manager) DeleteNote(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return err
	}
	idx := findNote(m.vault.Notes, id)
	if idx < 0 {
		return ErrNoteNotFound
	}
	m.vault.Notes = append(m.vault.Notes[:idx], m.vault.Notes[idx+1:]...)
	return m.commitLocal(ctx)
}

// NoteRevision is a decrypted historical copy of a note
type NoteRevision struct {
	SavedAt int64
	Note    domain.Note
}

// NoteVersions returns the saved history of a note, newest first
func (m *Manager) NoteVersions(id string) ([]NoteRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}

	records, err := m.store.GetAllByIndex(store.CollectionVersions, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load versions: %w", err)
	}

	revisions := make([]NoteRevision, 0, len(records))
	for _, rec := range records {
		var version domain.NoteVersion
		if err := json.Unmarshal(rec.Value, &version); err != nil {
			m.log.WithError(err).Warn("skipping unreadable note version")
			continue
		}
		var note domain.Note
		if err := m.engine.DecryptObject(version.Payload, m.dataKey, &note); err != nil {
			m.log.WithError(err).Warn("skipping undecryptable note version")
			continue
		}
		revisions = append(revisions, NoteRevision{SavedAt: version.SavedAt, Note: note})
	}
	sortRevisions(revisions)
	return revisions, nil
}

func (m *Manager) saveVersion(prev domain.Note, savedAt int64) error {
	payload, err := m.engine.EncryptObject(prev, m.dataKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt note version: %w", err)
	}
	value, err := json.Marshal(domain.NoteVersion{NoteID: prev.ID, SavedAt: savedAt, Payload: payload})
	if err != nil {
		return err
	}
	return m.store.PutIndexed(store.CollectionVersions, uuid.NewString(), prev.ID, value)
}

// TagCounts returns the number of live notes per tag from the encrypted tag index
func (m *Manager) TagCounts() (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}

	blob, err := m.store.Get(store.CollectionTags, tagIndexKey)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if err := m.engine.DecryptObject(string(blob), m.dataKey, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (m *Manager) writeTagIndex() error {
	counts := map[string]int{}
	for _, n := range m.vault.Notes {
		if n.Trash {
			continue
		}
		for _, tag := range n.Tags {
			counts[tag]++
		}
	}
	blob, err := m.engine.EncryptObject(counts, m.dataKey)
	if err != nil {
		return err
	}
	return m.store.Put(store.CollectionTags, tagIndexKey, []byte(blob))
}

// commitLocal persists a local edit and schedules its push
func (m *Manager) commitLocal(ctx context.Context) error {
	floor := max(m.nowMs(), m.lastKnownMs)
	rec, err := m.writeVault(m.dataKey, m.vault, floor)
	if err != nil {
		return err
	}
	if err := m.writeTagIndex(); err != nil {
		m.log.WithError(err).Warn("failed to update tag index")
	}
	m.enqueueVault(ctx, rec)
	m.events.Publish(Event{Kind: EventVaultUpdated, Source: "local", UpdatedAtMs: rec.UpdatedAtMs})
	return nil
}

// writeVault seals v and stores it as the current local record. The record
// timestamp is max(newest note, floor).
func (m *Manager) writeVault(key *Key, v *domain.Vault, floor int64) (*domain.VaultRecord, error) {
	v.SortNotes()
	payload, err := m.engine.EncryptObject(v, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt vault: %w", err)
	}

	ms := max(v.LatestNoteUpdate(), floor)
	rec := &domain.VaultRecord{
		Version:     domain.RecordVersion,
		UpdatedAt:   domain.FormatMs(ms),
		UpdatedAtMs: ms,
		DeviceID:    m.deviceID,
		Cipher:      domain.CipherAESGCM,
		Payload:     payload,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(store.CollectionVault, vaultKey, value); err != nil {
		return nil, fmt.Errorf("failed to persist vault: %w", err)
	}
	m.lastKnownMs = ms
	return rec, nil
}

func (m *Manager) loadRecord() (*domain.VaultRecord, error) {
	value, err := m.store.Get(store.CollectionVault, vaultKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault record: %w", err)
	}
	var rec domain.VaultRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("%w: malformed local vault record", util.ErrIntegrity)
	}
	return &rec, nil
}

func (m *Manager) fetchRemoteRecord(ctx context.Context) *domain.VaultRecord {
	if !m.syncActive() {
		return nil
	}
	doc, err := m.remote.Get(ctx, m.uid, remote.PathVault)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			m.log.WithError(err).Warn("remote vault unavailable, continuing with local copy")
		}
		return nil
	}
	var rec domain.VaultRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		m.log.WithError(err).Warn("ignoring malformed remote vault record")
		return nil
	}
	return &rec
}

func (m *Manager) loadMeta(ctx context.Context) (*domain.CryptoMeta, error) {
	value, err := m.store.Get(store.CollectionMeta, metaKey)
	if err == nil {
		var meta domain.CryptoMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return nil, fmt.Errorf("%w: malformed crypto metadata", util.ErrIntegrity)
		}
		return &meta, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load crypto metadata: %w", err)
	}
	if !m.syncActive() {
		return nil, util.ErrNoVault
	}

	doc, err := m.remote.Get(ctx, m.uid, remote.PathMeta)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, util.ErrNoVault
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrOffline, err)
	}
	var meta domain.CryptoMeta
	if err := json.Unmarshal(doc, &meta); err != nil || meta.WrappedKey == "" {
		return nil, fmt.Errorf("%w: malformed remote crypto metadata", util.ErrIntegrity)
	}
	if err := m.putMeta(&meta); err != nil {
		return nil, err
	}
	m.log.Info("cached crypto metadata from remote store")
	return &meta, nil
}

func (m *Manager) putMeta(meta *domain.CryptoMeta) error {
	value, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := m.store.Put(store.CollectionMeta, metaKey, value); err != nil {
		return fmt.Errorf("failed to persist crypto metadata: %w", err)
	}
	return nil
}

func (m *Manager) enqueueVault(ctx context.Context, rec *domain.VaultRecord) {
	if !m.syncActive() || m.queue == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		m.log.WithError(err).Error("failed to encode vault record")
		return
	}
	if err := m.queue.EnqueueOrUpdate(ctx, domain.TaskPushVault, payload, m.uid); err != nil {
		m.log.WithError(err).Error("failed to enqueue vault push")
	}
}

func (m *Manager) enqueueMeta(ctx context.Context, meta *domain.CryptoMeta) {
	if !m.syncActive() || m.queue == nil {
		return
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		m.log.WithError(err).Error("failed to encode crypto metadata")
		return
	}
	if err := m.queue.EnqueueOrUpdate(ctx, domain.TaskPushMeta, payload, m.uid); err != nil {
		m.log.WithError(err).Error("failed to enqueue metadata push")
	}
}

// recoveryRequest is stored locally and pushed when a recovery secret is used
type recoveryRequest struct {
	DeviceID  string `json:"deviceId"`
	Method    string `json:"method"`
	Username  string `json:"username"`
	CreatedAt string `json:"createdAt"`
}

func (m *Manager) recordRecovery(ctx context.Context, method string) {
	req := recoveryRequest{
		DeviceID:  m.deviceID,
		Method:    method,
		Username:  m.meta.Username,
		CreatedAt: domain.FormatMs(m.nowMs()),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := m.store.Put(store.CollectionRecovery, recoveryRequestKey, payload); err != nil {
		m.log.WithError(err).Warn("failed to record recovery request")
	}
	if m.syncActive() && m.queue != nil {
		if err := m.queue.Enqueue(ctx, domain.TaskRecoveryRequest, payload, m.uid); err != nil {
			m.log.WithError(err).Warn("failed to enqueue recovery request")
		}
	}
}

func (m *Manager) saveSession() {
	if m.sessions == nil || m.dataKey == nil {
		return
	}
	raw, err := m.engine.ExportKey(m.dataKey)
	if err != nil {
		m.log.WithError(err).Warn("failed to export data key for session")
		return
	}
	defer Zeroize(raw)
	if err := m.sessions.Save(raw); err != nil {
		m.log.WithError(err).Warn("failed to persist session")
	}
}

// startListener follows the remote vault document while unlocked
func (m *Manager) startListener() {
	if !m.syncActive() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.remote.Subscribe(ctx, m.uid, remote.PathVault)
	if err != nil {
		cancel()
		m.log.WithError(err).Warn("realtime sync unavailable")
		return
	}
	m.stopListen = cancel
	gen := m.listenGen

	go func() {
		for doc := range ch {
			var rec domain.VaultRecord
			if err := json.Unmarshal(doc, &rec); err != nil {
				m.log.WithError(err).Warn("ignoring malformed remote vault snapshot")
				continue
			}
			if _, err := m.applyRemote(ctx, &rec, gen); err != nil {
				m.log.WithError(err).Warn("failed to apply remote vault snapshot")
			}
		}
	}()
}

// ApplyRemoteRecord merges a remote snapshot into the unlocked vault. It
// returns false when the snapshot is not newer than the local state.
func (m *Manager) ApplyRemoteRecord(ctx context.Context, rec *domain.VaultRecord) (bool, error) {
	return m.applyRemote(ctx, rec, -1)
}

func (m *Manager) applyRemote(ctx context.Context, rec *domain.VaultRecord, gen int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen >= 0 && gen != m.listenGen {
		return false, nil
	}
	if err := m.requireUnlocked(); err != nil {
		return false, err
	}
	if rec == nil || rec.UpdatedAtMs <= m.lastKnownMs {
		return false, nil
	}

	local, err := m.loadRecord()
	if err != nil {
		return false, err
	}
	res, err := SmartMerge(m.engine, m.dataKey, local, rec, m.log)
	if err != nil {
		return false, err
	}
	if res.Vault == nil {
		return false, nil
	}

	floor := res.UpdatedAtMs
	if res.RemoteStale {
		floor = max(floor+1, m.nowMs())
	}
	written, err := m.writeVault(m.dataKey, res.Vault, floor)
	if err != nil {
		return false, err
	}
	m.vault = res.Vault
	if err := m.writeTagIndex(); err != nil {
		m.log.WithError(err).Warn("failed to update tag index")
	}
	if res.RemoteStale {
		m.enqueueVault(ctx, written)
	}

	m.log.WithField("updatedAtMs", written.UpdatedAtMs).Debug("merged remote vault snapshot")
	m.events.Publish(Event{Kind: EventVaultUpdated, Source: "remote", UpdatedAtMs: written.UpdatedAtMs})
	return true, nil
}

// Pull fetches the remote vault document and merges it
func (m *Manager) Pull(ctx context.Context) (bool, error) {
	if !m.syncActive() {
		return false, nil
	}
	doc, err := m.remote.Get(ctx, m.uid, remote.PathVault)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", util.ErrOffline, err)
	}
	var rec domain.VaultRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return false, fmt.Errorf("%w: malformed remote vault record", util.ErrIntegrity)
	}
	return m.ApplyRemoteRecord(ctx, &rec)
}

// ExportRecoveryFile creates a recovery file wrapping the data key under
// username:partialPin and keeps a copy in the recovery collection.
func (m *Manager) ExportRecoveryFile(username, partialPin string) (*domain.RecoveryFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}

	file, err := m.buildRecoveryFile(username, partialPin)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(file)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(store.CollectionRecovery, recoveryFileKey, value); err != nil {
		return nil, fmt.Errorf("failed to store recovery file: %w", err)
	}
	return file, nil
}

// RotatePIN rewraps the data key under a new PIN and salt. The recovery
// wrapping is untouched, so the stored iteration count is kept.
func (m *Manager) RotatePIN(ctx context.Context, newPin string) error {
	if newPin == "" {
		return ErrEmptyPIN
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return err
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	iterations := m.meta.KDFIterations
	if iterations <= 0 {
		iterations = m.engine.Iterations()
	}
	engine := m.engine.WithIterations(iterations)
	wrappingKey, err := engine.DeriveKey(newPin, salt)
	if err != nil {
		return err
	}
	defer wrappingKey.Destroy()
	wrapped, err := engine.WrapKey(m.dataKey, wrappingKey)
	if err != nil {
		return err
	}

	meta := *m.meta
	meta.KeySalt = EncodeSalt(salt)
	meta.WrappedKey = wrapped
	meta.KDFIterations = iterations
	meta.UpdatedAt = domain.FormatMs(m.nowMs())

	if err := m.putMeta(&meta); err != nil {
		return err
	}
	m.meta = &meta
	m.enqueueMeta(ctx, &meta)
	m.log.Info("PIN rotated")
	return nil
}

// ExportSnapshot returns the encrypted meta and vault record for pairing
func (m *Manager) ExportSnapshot() (*domain.VaultSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}
	rec, err := m.loadRecord()
	if err != nil {
		return nil, err
	}
	return &domain.VaultSnapshot{Meta: *m.meta, Vault: rec}, nil
}

// ImportSnapshot installs a snapshot received from a paired device. On a
// device without a vault the snapshot is stored as is and the vault stays
// locked; an unlocked vault merges the snapshot record.
func (m *Manager) ImportSnapshot(ctx context.Context, snap *domain.VaultSnapshot) error {
	if snap == nil || snap.Meta.WrappedKey == "" {
		return fmt.Errorf("%w: snapshot has no key material", util.ErrIntegrity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Get(store.CollectionMeta, metaKey); errors.Is(err, store.ErrNotFound) {
		if err := m.putMeta(&snap.Meta); err != nil {
			return err
		}
		if snap.Vault != nil {
			value, err := json.Marshal(snap.Vault)
			if err != nil {
				return err
			}
			if err := m.store.Put(store.CollectionVault, vaultKey, value); err != nil {
				return fmt.Errorf("failed to persist vault: %w", err)
			}
		}
		m.log.Info("imported vault snapshot")
		return nil
	} else if err != nil {
		return err
	}

	if err := m.requireUnlocked(); err != nil {
		return err
	}
	if snap.Vault == nil {
		return nil
	}

	local, err := m.loadRecord()
	if err != nil {
		return err
	}
	if _, err := decryptRecord(m.engine, m.dataKey, snap.Vault); err != nil {
		return fmt.Errorf("snapshot was encrypted with a different vault key: %w", err)
	}
	res, err := SmartMerge(m.engine, m.dataKey, local, snap.Vault, m.log)
	if err != nil {
		return err
	}
	written, err := m.writeVault(m.dataKey, res.Vault, max(res.UpdatedAtMs+1, m.nowMs()))
	if err != nil {
		return err
	}
	m.vault = res.Vault
	if err := m.writeTagIndex(); err != nil {
		m.log.WithError(err).Warn("failed to update tag index")
	}
	m.enqueueVault(ctx, written)
	m.events.Publish(Event{Kind: EventVaultUpdated, Source: "pairing", UpdatedAtMs: written.UpdatedAtMs})
	return nil
}

// EncryptBytes seals data under the vault key
func (m *Manager) EncryptBytes(plaintext []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return "", err
	}
	return m.engine.EncryptBytes(plaintext, m.dataKey)
}

// DecryptBytes opens data sealed by EncryptBytes
func (m *Manager) DecryptBytes(blob string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUnlocked(); err != nil {
		return nil, err
	}
	return m.engine.DecryptBytes(blob, m.dataKey)
}

// Status summarizes the vault without requiring it to be unlocked
type Status struct {
	State       State
	HasVault    bool
	Offline     bool // no local meta and the remote was unreachable
	DeviceID    string
	SyncEnabled bool
	NoteCount   int
	UpdatedAtMs int64
	Crypto      *MetadataInfo
}

// Status reports the lock state and the stored metadata
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state, DeviceID: m.deviceID, SyncEnabled: m.syncActive()}
	meta, err := m.loadMeta(ctx)
	switch {
	case err == nil:
		st.HasVault = true
		if info, err := DecodeMetadataInfo(meta); err == nil {
			st.Crypto = info
		}
	case errors.Is(err, util.ErrOffline):
		st.Offline = true
	}
	if rec, err := m.loadRecord(); err == nil && rec != nil {
		st.UpdatedAtMs = rec.UpdatedAtMs
	}
	if m.vault != nil {
		st.NoteCount = len(m.vault.Notes)
	}
	return st
}

func findNote(notes []domain.Note, id string) int {
	for i := range notes {
		if notes[i].ID == id {
			return i
		}
	}
	return -1
}

func sortRevisions(revisions []NoteRevision) {
	for i := 1; i < len(revisions); i++ {
		for j := i; j > 0 && revisions[j].SavedAt > revisions[j-1].SavedAt; j-- {
			revisions[j], revisions[j-1] = revisions[j-1], revisions[j]
		}
	}
}
