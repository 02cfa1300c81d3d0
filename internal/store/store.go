// Package store persists vault collections on the local device.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Collection names
const (
	CollectionMeta        = "meta"
	CollectionVault       = "vault"
	CollectionVersions    = "versions"
	CollectionSyncQueue   = "syncQueue"
	CollectionRecovery    = "recovery"
	CollectionTags        = "tags"
	CollectionAttachments = "attachments"
)

// Collections lists every collection created when a store is opened
var Collections = []string{
	CollectionMeta,
	CollectionVault,
	CollectionVersions,
	CollectionSyncQueue,
	CollectionRecovery,
	CollectionTags,
	CollectionAttachments,
}

// Backend names accepted by Open
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Error variables for local store operations
var (
	// ErrNotFound is returned when a key does not exist in a collection
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("store is closed")
	// ErrInvalidCollection is returned for empty or malformed collection names
	ErrInvalidCollection = errors.New("invalid collection name")
)

// Record is a stored value together with its key
type Record struct {
	Key   string
	Index string
	Value []byte
}

// LocalStore is the on-device persistence boundary. Values are opaque bytes;
// GetAll returns records ordered by key, so keys produced by Add preserve
// insertion order.
type LocalStore interface {
	Get(collection, key string) ([]byte, error)
	Put(collection, key string, value []byte) error
	// PutIndexed stores value and files it under a secondary index value
	PutIndexed(collection, key, index string, value []byte) error
	// Add stores value under a new auto-incremented key and returns it
	Add(collection string, value []byte) (string, error)
	Delete(collection, key string) error
	GetAll(collection string) ([]Record, error)
	GetAllByIndex(collection, index string) ([]Record, error)
	Close() error
}

// Open opens the store at path using the named backend. An empty backend
// selects bbolt.
func Open(backend, path string) (LocalStore, error) {
	switch strings.ToLower(backend) {
	case "", BackendBolt, "bbolt":
		s, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// DefaultPath returns the store file name for backend inside dir
func DefaultPath(dir, backend string) string {
	if strings.ToLower(backend) == BackendSQLite {
		return filepath.Join(dir, "pinbridge.sqlite")
	}
	return filepath.Join(dir, "pinbridge.db")
}

func sequenceKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func validCollection(name string) error {
	if name == "" || strings.ContainsAny(name, "\x00/") {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}
