// Package domain defines the core data structures shared by the vault, the sync queue,
// the pairing transfer and the attachment store.
package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Cipher and file-format identifiers
const (
	CipherAESGCM        = "AES-GCM"
	RecordVersion       = 1
	CryptoMetaVersion   = 1
	RecoveryFileType    = "pinbridge-recovery-file"
	RecoveryFileVersion = 1
)

// Note is a single vault note. ID is the merge key.
type Note struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Folder      string   `json:"folder"`
	Tags        []string `json:"tags"`
	Created     int64    `json:"created"`
	Updated     int64    `json:"updated"`
	Trash       bool     `json:"trash"`
	Pinned      bool     `json:"pinned"`
	Attachments []string `json:"attachments,omitempty"`
}

// Clone returns a deep copy of the note
func (n Note) Clone() Note {
	out := n
	if n.Tags != nil {
		out.Tags = append([]string(nil), n.Tags...)
	}
	if n.Attachments != nil {
		out.Attachments = append([]string(nil), n.Attachments...)
	}
	return out
}

// VaultMeta describes the vault owner
type VaultMeta struct {
	CreatedAt string `json:"createdAt"`
	Username  string `json:"username"`
	Role      string `json:"role"`
}

// Vault is the decrypted vault content
type Vault struct {
	Notes []Note    `json:"notes"`
	Meta  VaultMeta `json:"meta"`
}

// SortNotes orders notes by id so serialized vaults are deterministic
func (v *Vault) SortNotes() {
	sort.Slice(v.Notes, func(i, j int) bool { return v.Notes[i].ID < v.Notes[j].ID })
}

// LatestNoteUpdate returns the largest note.Updated value, or 0 for an empty vault
func (v *Vault) LatestNoteUpdate() int64 {
	var latest int64
	for _, n := range v.Notes {
		if n.Updated > latest {
			latest = n.Updated
		}
	}
	return latest
}

// VaultRecord is the persisted, encrypted vault snapshot
type VaultRecord struct {
	Version     int    `json:"version"`
	UpdatedAt   string `json:"updatedAt"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	DeviceID    string `json:"deviceId"`
	Cipher      string `json:"cipher"`
	Payload     string `json:"payload"`
}

// CryptoMeta holds the wrapped data key and the salts needed to unwrap it.
// It never contains plaintext key material.
type CryptoMeta struct {
	Version            int    `json:"version"`
	KeySalt            string `json:"keySalt"`
	RecoverySalt       string `json:"recoverySalt"`
	WrappedKey         string `json:"wrappedKey"`
	RecoveryWrappedKey string `json:"recoveryWrappedKey"`
	Username           string `json:"username"`
	Role               string `json:"role"`
	UpdatedAt          string `json:"updatedAt"`
	KDFIterations      int    `json:"kdfIterations,omitempty"`
}

// TaskType identifies a pending remote mutation
type TaskType string

// Sync task types
const (
	TaskPushVault       TaskType = "PUSH_VAULT"
	TaskPushMeta        TaskType = "PUSH_META"
	TaskPushAttachment  TaskType = "PUSH_ATTACHMENT"
	TaskRecoveryRequest TaskType = "RECOVERY_REQUEST"
)

// SyncTask is a durable queued remote write
type SyncTask struct {
	ID        string          `json:"id"`
	Key       string          `json:"-"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	UID       string          `json:"uid"`
	Retry     int             `json:"retry"`
	Created   int64           `json:"created"`
	LastError string          `json:"lastError,omitempty"`
}

// AttachmentPush is the payload of a PUSH_ATTACHMENT task
type AttachmentPush struct {
	Hash string `json:"hash"`
}

// AttachmentMeta describes an attached file
type AttachmentMeta struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// AttachmentRecord is a locally stored, encrypted, hash-addressed blob
type AttachmentRecord struct {
	Hash          string         `json:"hash"`
	PayloadBase64 string         `json:"payloadBase64"`
	Meta          AttachmentMeta `json:"meta"`
	CreatedAt     int64          `json:"createdAt"`
	UpdatedAt     int64          `json:"updatedAt"`
}

// AttachmentHeader is the remote header document for a chunked attachment
type AttachmentHeader struct {
	Hash      string         `json:"hash"`
	Size      int64          `json:"size"`
	ChunkSize int            `json:"chunkSize"`
	Chunks    int            `json:"chunks"`
	Meta      AttachmentMeta `json:"meta"`
	UpdatedAt int64          `json:"updatedAt"`
}

// AttachmentChunk is one encrypted remote chunk document
type AttachmentChunk struct {
	Seq  int    `json:"seq"`
	Data string `json:"data"`
}

// RecoveryFile is the user-downloadable recovery artifact
type RecoveryFile struct {
	Version       int    `json:"version"`
	Type          string `json:"type"`
	CreatedAt     string `json:"createdAt"`
	Username      string `json:"username"`
	Salt          string `json:"salt"`
	WrappedKey    string `json:"wrappedKey"`
	KDFIterations int    `json:"kdfIterations,omitempty"`
}

// NoteVersion is a historical copy of a note kept in the versions collection
type NoteVersion struct {
	NoteID  string `json:"noteId"`
	SavedAt int64  `json:"savedAt"`
	Payload string `json:"payload"`
}

// VaultSnapshot is the encrypted state moved between paired devices
type VaultSnapshot struct {
	Meta  CryptoMeta   `json:"meta"`
	Vault *VaultRecord `json:"vault,omitempty"`
}

// NowMs returns the current time in epoch milliseconds
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// FormatMs renders epoch milliseconds as RFC3339 with millisecond precision
func FormatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
