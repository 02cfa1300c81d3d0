package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// index buckets are named "<collection>.idx" and hold two kinds of keys:
// "i\x00<index>\x00<key>" for lookups and "r\x00<key>" mapping back to the index.
const indexSuffix = ".idx"

var (
	indexPrefix   = []byte("i\x00")
	reversePrefix = []byte("r\x00")
)

// BoltStore implements LocalStore with one bbolt bucket per collection
type BoltStore struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	path string
}

// OpenBolt opens or creates a bbolt store at path. bbolt holds an exclusive
// file lock, so a second process blocks until Timeout.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := EnsureFilePermissions(path); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to verify store permissions: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path
func (bs *BoltStore) Path() string {
	return bs.path
}

func (bs *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.db == nil {
		return ErrClosed
	}
	return bs.db.View(fn)
}

func (bs *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.db == nil {
		return ErrClosed
	}
	return bs.db.Update(fn)
}

// Get returns a copy of the value stored under key
func (bs *BoltStore) Get(collection, key string) ([]byte, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	var out []byte
	err := bs.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put stores value under key, replacing any previous value. An existing
// index entry for key is removed.
func (bs *BoltStore) Put(collection, key string, value []byte) error {
	return bs.put(collection, key, "", false, value)
}

// PutIndexed stores value under key and files it under index
func (bs *BoltStore) PutIndexed(collection, key, index string, value []byte) error {
	return bs.put(collection, key, index, true, value)
}

func (bs *BoltStore) put(collection, key, index string, indexed bool, value []byte) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty key for collection %s", collection)
	}

	return bs.update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to open %s bucket: %w", collection, err)
		}
		if err := b.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		return reindex(tx, collection, key, index, indexed)
	})
}

// Add stores value under the next sequence number of the collection
func (bs *BoltStore) Add(collection string, value []byte) (string, error) {
	if err := validCollection(collection); err != nil {
		return "", err
	}

	var key string
	err := bs.update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to open %s bucket: %w", collection, err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate key: %w", err)
		}
		key = sequenceKey(seq)
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes key and its index entry. Deleting a missing key is not an error.
func (bs *BoltStore) Delete(collection, key string) error {
	if err := validCollection(collection); err != nil {
		return err
	}

	return bs.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		if err := b.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return reindex(tx, collection, key, "", false)
	})
}

// GetAll returns every record of the collection in key order
func (bs *BoltStore) GetAll(collection string) ([]Record, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	var records []Record
	err := bs.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		idx := tx.Bucket([]byte(collection + indexSuffix))
		return b.ForEach(func(k, v []byte) error {
			rec := Record{Key: string(k), Value: append([]byte(nil), v...)}
			if idx != nil {
				if iv := idx.Get(reverseKey(string(k))); iv != nil {
					rec.Index = string(iv)
				}
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// GetAllByIndex returns the records filed under index, in key order
func (bs *BoltStore) GetAllByIndex(collection, index string) ([]Record, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	var records []Record
	err := bs.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		idx := tx.Bucket([]byte(collection + indexSuffix))
		if b == nil || idx == nil {
			return nil
		}

		prefix := lookupKey(index, "")
		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := string(k[len(prefix):])
			v := b.Get([]byte(key))
			if v == nil {
				continue
			}
			records = append(records, Record{Key: key, Index: index, Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return records, err
}

// Close closes the database
func (bs *BoltStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	return err
}

func reindex(tx *bbolt.Tx, collection, key, index string, indexed bool) error {
	idx := tx.Bucket([]byte(collection + indexSuffix))
	if idx == nil {
		if !indexed {
			return nil
		}
		var err error
		if idx, err = tx.CreateBucket([]byte(collection + indexSuffix)); err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}
	}

	if old := idx.Get(reverseKey(key)); old != nil {
		if err := idx.Delete(lookupKey(string(old), key)); err != nil {
			return err
		}
		if err := idx.Delete(reverseKey(key)); err != nil {
			return err
		}
	}
	if !indexed {
		return nil
	}
	if err := idx.Put(lookupKey(index, key), []byte{}); err != nil {
		return fmt.Errorf("failed to store index entry: %w", err)
	}
	return idx.Put(reverseKey(key), []byte(index))
}

func lookupKey(index, key string) []byte {
	out := make([]byte, 0, len(indexPrefix)+len(index)+1+len(key))
	out = append(out, indexPrefix...)
	out = append(out, index...)
	out = append(out, 0)
	return append(out, key...)
}

func reverseKey(key string) []byte {
	return append(append([]byte(nil), reversePrefix...), key...)
}
