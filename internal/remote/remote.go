// Package remote is the boundary with the remote document database that
// replicates encrypted vault state between a user's devices.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Document paths, relative to the owner
const (
	PathMeta            = "config/meta"
	PathVault           = "vault/data"
	PathRecoveryRequest = "recovery/request"
	attachmentsPrefix   = "attachments/"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("remote document not found")

// Store reads and writes JSON documents addressed by owner uid and path
type Store interface {
	// Get returns the JSON document at path
	Get(ctx context.Context, uid, path string) ([]byte, error)
	// Set writes doc at path. With merge, top-level fields of doc are merged
	// into an existing document instead of replacing it.
	Set(ctx context.Context, uid, path string, doc []byte, merge bool) error
	Delete(ctx context.Context, uid, path string) error
	// Subscribe delivers the current document, if any, and then every later
	// version of it until ctx is cancelled, when the channel is closed.
	Subscribe(ctx context.Context, uid, path string) (<-chan []byte, error)
	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// AttachmentHeaderPath returns the header document path for an attachment
func AttachmentHeaderPath(hash string) string {
	return attachmentsPrefix + hash
}

// AttachmentChunkPath returns the path of chunk seq of an attachment
func AttachmentChunkPath(hash string, seq int) string {
	return fmt.Sprintf("%s%s/chunks/%06d", attachmentsPrefix, hash, seq)
}

func documentID(uid, path string) (string, error) {
	if uid == "" {
		return "", errors.New("empty owner uid")
	}
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid document path %q", path)
	}
	return uid + "/" + path, nil
}

// MergeJSON merges the top-level fields of patch into base. A nil base yields patch.
func MergeJSON(base, patch []byte) ([]byte, error) {
	if len(base) == 0 {
		return patch, nil
	}

	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("decode existing document: %w", err)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

func validDocument(doc []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return fmt.Errorf("document must be a JSON object: %w", err)
	}
	return nil
}
