// Package attachment stores files attached to notes. Blobs are addressed by the
// SHA-256 of their plaintext, kept encrypted under the vault key on the device
// and uploaded to the remote store as a header document plus encrypted chunks.
package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/remote"
	"github.com/pinbridge/vault/internal/store"
	"github.com/pinbridge/vault/internal/transfer"
	"github.com/pinbridge/vault/internal/util"
)

// DefaultChunkSize is the plaintext size of one remote chunk
const DefaultChunkSize = 256 * 1024

// ErrNotFound is returned for a hash with no local copy
var ErrNotFound = errors.New("attachment not found")

// Cipher encrypts blobs under the vault key. *vault.Manager satisfies it.
type Cipher interface {
	EncryptBytes(plaintext []byte) (string, error)
	DecryptBytes(blob string) ([]byte, error)
}

// NoteLinker records an attachment hash on a note
type NoteLinker interface {
	AddAttachment(ctx context.Context, noteID, hash string) error
}

// Queue schedules the upload of a new attachment
type Queue interface {
	Enqueue(ctx context.Context, taskType domain.TaskType, payload []byte, uid string) error
}

// Options configures a Service
type Options struct {
	Store     store.LocalStore
	Remote    remote.Store
	Cipher    Cipher
	Notes     NoteLinker
	Queue     Queue
	UID       string
	ChunkSize int
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Service manages attachment blobs
type Service struct {
	store     store.LocalStore
	remote    remote.Store
	cipher    Cipher
	notes     NoteLinker
	queue     Queue
	uid       string
	chunkSize int
	log       *logrus.Entry
	now       func() time.Time
}

// New creates an attachment service. Remote, Notes and Queue are optional.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     opts.Store,
		remote:    opts.Remote,
		cipher:    opts.Cipher,
		notes:     opts.Notes,
		queue:     opts.Queue,
		uid:       opts.UID,
		chunkSize: opts.ChunkSize,
		log:       logging.Component(opts.Logger, "attachment"),
		now:       opts.Now,
	}, nil
}

// AttachFileToNote stores the file at path, links it to the note and queues
// its upload. It returns the content hash.
func (s *Service) AttachFileToNote(ctx context.Context, noteID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}
	defer clear(data)

	name := filepath.Base(path)
	meta := domain.AttachmentMeta{Name: name, Size: int64(len(data)), ContentType: contentType(name, data)}
	hash, err := s.AttachBytes(data, meta)
	if err != nil {
		return "", err
	}

	if s.notes != nil && noteID != "" {
		if err := s.notes.AddAttachment(ctx, noteID, hash); err != nil {
			return "", fmt.Errorf("failed to link attachment: %w", err)
		}
	}
	s.enqueueUpload(ctx, hash)
	return hash, nil
}

// AttachBytes stores data encrypted under its content hash. Identical bytes
// share one blob.
func (s *Service) AttachBytes(data []byte, meta domain.AttachmentMeta) (string, error) {
	hash := transfer.Hash(data)
	if s.Has(hash) {
		s.log.WithField("hash", hash).Debug("attachment already stored")
		return hash, nil
	}
	meta.Size = int64(len(data))
	if err := s.storeLocal(hash, data, meta); err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"hash": hash, "size": meta.Size}).Info("attachment stored")
	return hash, nil
}

// Has reports whether a local copy exists
func (s *Service) Has(hash string) bool {
	_, err := s.store.Get(store.CollectionAttachments, hash)
	return err == nil
}

// Meta returns the stored description of a local attachment
func (s *Service) Meta(hash string) (domain.AttachmentMeta, error) {
	rec, err := s.record(hash)
	if err != nil {
		return domain.AttachmentMeta{}, err
	}
	return rec.Meta, nil
}

// Open decrypts the local copy and checks it against its hash
func (s *Service) Open(hash string) ([]byte, domain.AttachmentMeta, error) {
	rec, err := s.record(hash)
	if err != nil {
		return nil, domain.AttachmentMeta{}, err
	}
	data, err := s.cipher.DecryptBytes(rec.PayloadBase64)
	if err != nil {
		return nil, domain.AttachmentMeta{}, err
	}
	if err := transfer.Verify(data, hash); err != nil {
		clear(data)
		return nil, domain.AttachmentMeta{}, err
	}
	return data, rec.Meta, nil
}

// RemoveLocal drops the local copy
func (s *Service) RemoveLocal(hash string) error {
	if !s.Has(hash) {
		return ErrNotFound
	}
	return s.store.Delete(store.CollectionAttachments, hash)
}

// EnsureRemoteAvailable uploads the attachment unless the remote header
// already exists. force uploads regardless. The header is written before the
// chunks.
func (s *Service) EnsureRemoteAvailable(ctx context.Context, uid, hash string, force bool) error {
	if s.remote == nil {
		return util.ErrOffline
	}
	headerPath := remote.AttachmentHeaderPath(hash)
	if !force {
		complete, err := s.remoteComplete(ctx, uid, hash)
		if err != nil {
			return fmt.Errorf("failed to check remote attachment: %w", err)
		}
		if complete {
			return nil
		}
	}

	data, meta, err := s.Open(hash)
	if err != nil {
		return err
	}
	defer clear(data)

	chunks := transfer.Split(data, s.chunkSize)
	header := domain.AttachmentHeader{
		Hash:      hash,
		Size:      int64(len(data)),
		ChunkSize: s.chunkSize,
		Chunks:    len(chunks),
		Meta:      meta,
		UpdatedAt: s.now().UnixMilli(),
	}
	doc, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := s.remote.Set(ctx, uid, headerPath, doc, false); err != nil {
		return fmt.Errorf("failed to upload attachment header: %w", err)
	}

	for seq, chunk := range chunks {
		sealed, err := s.cipher.EncryptBytes(chunk)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(domain.AttachmentChunk{Seq: seq, Data: sealed})
		if err != nil {
			return err
		}
		if err := s.remote.Set(ctx, uid, remote.AttachmentChunkPath(hash, seq), doc, false); err != nil {
			return fmt.Errorf("failed to upload attachment chunk %d: %w", seq, err)
		}
	}

	s.log.WithFields(logrus.Fields{"hash": hash, "chunks": len(chunks)}).Info("attachment uploaded")
	return nil
}

// DownloadToLocal fetches and verifies a remote attachment. It does nothing
// when a local copy exists; a download whose hash does not match is rejected
// and nothing is stored.
func (s *Service) DownloadToLocal(ctx context.Context, uid, hash string) error {
	if s.Has(hash) {
		return nil
	}
	if s.remote == nil {
		return util.ErrOffline
	}

	doc, err := s.remote.Get(ctx, uid, remote.AttachmentHeaderPath(hash))
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch attachment header: %w", err)
	}
	var header domain.AttachmentHeader
	if err := json.Unmarshal(doc, &header); err != nil {
		return fmt.Errorf("%w: unreadable attachment header", util.ErrIntegrity)
	}
	if header.Hash != hash || header.Chunks < 0 || header.Size < 0 {
		return fmt.Errorf("%w: attachment header does not match %s", util.ErrIntegrity, hash)
	}

	chunks := make([][]byte, header.Chunks)
	defer func() {
		for _, c := range chunks {
			clear(c)
		}
	}()
	for seq := range chunks {
		plain, err := s.fetchChunk(ctx, uid, hash, seq)
		if err != nil {
			return err
		}
		chunks[seq] = plain
	}

	data, err := transfer.Assemble(chunks, header.Size)
	if err != nil {
		return err
	}
	defer clear(data)
	if err := transfer.Verify(data, hash); err != nil {
		s.log.WithField("hash", hash).Error("downloaded attachment rejected")
		return err
	}

	if err := s.storeLocal(hash, data, header.Meta); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"hash": hash, "chunks": header.Chunks}).Info("attachment downloaded")
	return nil
}

// remoteComplete reports whether the header and its last chunk exist. An
// upload interrupted after the header leaves the last chunk missing.
func (s *Service) remoteComplete(ctx context.Context, uid, hash string) (bool, error) {
	doc, err := s.remote.Get(ctx, uid, remote.AttachmentHeaderPath(hash))
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var header domain.AttachmentHeader
	if err := json.Unmarshal(doc, &header); err != nil || header.Hash != hash {
		return false, nil
	}
	if header.Chunks == 0 {
		return true, nil
	}
	_, err = s.remote.Get(ctx, uid, remote.AttachmentChunkPath(hash, header.Chunks-1))
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) fetchChunk(ctx context.Context, uid, hash string, seq int) ([]byte, error) {
	doc, err := s.remote.Get(ctx, uid, remote.AttachmentChunkPath(hash, seq))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment chunk %d: %w", seq, err)
	}
	var chunk domain.AttachmentChunk
	if err := json.Unmarshal(doc, &chunk); err != nil || chunk.Seq != seq {
		return nil, fmt.Errorf("%w: attachment chunk %d is malformed", util.ErrIntegrity, seq)
	}
	plain, err := s.cipher.DecryptBytes(chunk.Data)
	if err != nil {
		return nil, fmt.Errorf("attachment chunk %d: %w", seq, err)
	}
	return plain, nil
}

func (s *Service) storeLocal(hash string, data []byte, meta domain.AttachmentMeta) error {
	sealed, err := s.cipher.EncryptBytes(data)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	rec := domain.AttachmentRecord{Hash: hash, PayloadBase64: sealed, Meta: meta, CreatedAt: now, UpdatedAt: now}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.Put(store.CollectionAttachments, hash, value); err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (s *Service) record(hash string) (domain.AttachmentRecord, error) {
	value, err := s.store.Get(store.CollectionAttachments, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.AttachmentRecord{}, ErrNotFound
		}
		return domain.AttachmentRecord{}, err
	}
	var rec domain.AttachmentRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return domain.AttachmentRecord{}, fmt.Errorf("%w: unreadable attachment record", util.ErrIntegrity)
	}
	return rec, nil
}

func (s *Service) enqueueUpload(ctx context.Context, hash string) {
	if s.queue == nil || s.uid == "" {
		return
	}
	payload, err := json.Marshal(domain.AttachmentPush{Hash: hash})
	if err != nil {
		return
	}
	if err := s.queue.Enqueue(ctx, domain.TaskPushAttachment, payload, s.uid); err != nil {
		s.log.WithError(err).WithField("hash", hash).Warn("failed to queue attachment upload")
	}
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
