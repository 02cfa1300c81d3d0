package vault

import (
	"fmt"

	"github.com/pinbridge/vault/internal/domain"
)

// MetadataInfo describes the cryptographic configuration recorded in CryptoMeta
type MetadataInfo struct {
	Cipher             string `json:"cipher"`
	KDF                string `json:"kdf"`
	Iterations         int    `json:"iterations"`
	SaltLength         int    `json:"salt_length"`
	RecoverySaltLength int    `json:"recovery_salt_length"`
	RecoveryWrapped    bool   `json:"recovery_wrapped"`
	Username           string `json:"username"`
	Role               string `json:"role"`
	UpdatedAt          string `json:"updated_at"`
}

// DecodeMetadataInfo validates meta and summarizes it without touching key material
func DecodeMetadataInfo(meta *domain.CryptoMeta) (*MetadataInfo, error) {
	if meta == nil {
		return nil, fmt.Errorf("vault metadata missing")
	}
	if meta.Version != domain.CryptoMetaVersion {
		return nil, fmt.Errorf("unsupported metadata version %d", meta.Version)
	}

	keySalt, err := DecodeSalt(meta.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("invalid key salt: %w", err)
	}
	if meta.WrappedKey == "" {
		return nil, fmt.Errorf("vault metadata has no wrapped key")
	}

	info := &MetadataInfo{
		Cipher:          "AES-256-GCM",
		KDF:             "PBKDF2-HMAC-SHA256",
		Iterations:      meta.KDFIterations,
		SaltLength:      len(keySalt),
		RecoveryWrapped: meta.RecoveryWrappedKey != "",
		Username:        meta.Username,
		Role:            meta.Role,
		UpdatedAt:       meta.UpdatedAt,
	}
	if info.Iterations == 0 {
		info.Iterations = DefaultKDFIterations
	}
	if meta.RecoverySalt != "" {
		recoverySalt, err := DecodeSalt(meta.RecoverySalt)
		if err != nil {
			return nil, fmt.Errorf("invalid recovery salt: %w", err)
		}
		info.RecoverySaltLength = len(recoverySalt)
	}
	return info, nil
}
