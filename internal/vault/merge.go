package vault

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/util"
)

// MergeResult is the outcome of SmartMerge
type MergeResult struct {
	Vault *domain.Vault
	// UpdatedAtMs is max(local record, remote record, newest note)
	UpdatedAtMs int64
	// RemoteStale reports that the merged vault holds notes the remote copy lacks
	RemoteStale bool
	// LocalStale reports that the merged vault differs from the local copy
	LocalStale bool
}

// MergeNotes merges two note sets keyed by id. A remote note replaces a local
// one only when its Updated is strictly greater; ties keep the local copy.
// The result is sorted by id.
func MergeNotes(local, remote []domain.Note) []domain.Note {
	byID := make(map[string]domain.Note, len(local)+len(remote))
	for _, n := range local {
		byID[n.ID] = n.Clone()
	}
	for _, n := range remote {
		existing, ok := byID[n.ID]
		if !ok || n.Updated > existing.Updated {
			byID[n.ID] = n.Clone()
		}
	}

	merged := &domain.Vault{Notes: make([]domain.Note, 0, len(byID))}
	for _, n := range byID {
		merged.Notes = append(merged.Notes, n)
	}
	merged.SortNotes()
	return merged.Notes
}

// MergeVaults merges the decrypted vaults. Either side may be nil; metadata
// comes from the local side when present.
func MergeVaults(local, remote *domain.Vault) *domain.Vault {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return &domain.Vault{Meta: remote.Meta, Notes: MergeNotes(nil, remote.Notes)}
	case remote == nil:
		return &domain.Vault{Meta: local.Meta, Notes: MergeNotes(local.Notes, nil)}
	}

	meta := local.Meta
	if meta.CreatedAt == "" {
		meta = remote.Meta
	}
	return &domain.Vault{Meta: meta, Notes: MergeNotes(local.Notes, remote.Notes)}
}

// SmartMerge decrypts both records with key and merges them. An absent side
// loses outright. If one side fails to decrypt the other side is used and the
// failure is logged; if every present side fails the error is returned.
func SmartMerge(engine *CryptoEngine, key *Key, local, remote *domain.VaultRecord, log *logrus.Entry) (*MergeResult, error) {
	localVault, localErr := decryptRecord(engine, key, local)
	remoteVault, remoteErr := decryptRecord(engine, key, remote)

	if errors.Is(localErr, ErrKeyDestroyed) || errors.Is(remoteErr, ErrKeyDestroyed) {
		return nil, ErrKeyDestroyed
	}

	switch {
	case localErr != nil && remoteErr != nil:
		return nil, fmt.Errorf("local and remote vault records unreadable: %w", localErr)
	case localErr != nil && remote == nil:
		return nil, fmt.Errorf("local vault record unreadable: %w", localErr)
	case remoteErr != nil && local == nil:
		return nil, fmt.Errorf("remote vault record unreadable: %w", remoteErr)
	case localErr != nil:
		if log != nil {
			log.WithError(localErr).Warn("local vault record unreadable, using remote copy")
		}
		local = nil
	case remoteErr != nil:
		if log != nil {
			log.WithError(remoteErr).Warn("remote vault record unreadable, keeping local copy")
		}
		remote = nil
	}

	merged := MergeVaults(localVault, remoteVault)
	res := &MergeResult{Vault: merged}
	if merged == nil {
		return res, nil
	}

	if local != nil {
		res.UpdatedAtMs = local.UpdatedAtMs
	}
	if remote != nil && remote.UpdatedAtMs > res.UpdatedAtMs {
		res.UpdatedAtMs = remote.UpdatedAtMs
	}
	if latest := merged.LatestNoteUpdate(); latest > res.UpdatedAtMs {
		res.UpdatedAtMs = latest
	}

	res.RemoteStale = remote == nil || !sameNotes(merged.Notes, remoteVault.Notes)
	res.LocalStale = local == nil || !sameNotes(merged.Notes, localVault.Notes)
	return res, nil
}

func decryptRecord(engine *CryptoEngine, key *Key, rec *domain.VaultRecord) (*domain.Vault, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.Cipher != "" && rec.Cipher != domain.CipherAESGCM {
		return nil, fmt.Errorf("%w: unsupported cipher %q", util.ErrIntegrity, rec.Cipher)
	}
	var v domain.Vault
	if err := engine.DecryptObject(rec.Payload, key, &v); err != nil {
		return nil, err
	}
	if v.Notes == nil {
		v.Notes = []domain.Note{}
	}
	return &v, nil
}

// sameNotes compares note sets by id and Updated
func sameNotes(a, b []domain.Note) bool {
	if len(a) != len(b) {
		return false
	}
	updated := make(map[string]int64, len(b))
	for _, n := range b {
		updated[n.ID] = n.Updated
	}
	for _, n := range a {
		u, ok := updated[n.ID]
		if !ok || u != n.Updated {
			return false
		}
	}
	return true
}
