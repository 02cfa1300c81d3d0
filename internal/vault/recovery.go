package vault

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/util"
)

// recoveryFileSecret builds the wrapping secret of a recovery file
func recoveryFileSecret(username, partialPin string) string {
	return strings.TrimSpace(username) + ":" + partialPin
}

// ParseRecoveryFile decodes and validates recovery file content
func ParseRecoveryFile(content []byte) (*domain.RecoveryFile, error) {
	var file domain.RecoveryFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("invalid recovery file: %w", err)
	}
	if file.Type != domain.RecoveryFileType {
		return nil, fmt.Errorf("invalid recovery file: unexpected type %q", file.Type)
	}
	if file.Version != domain.RecoveryFileVersion {
		return nil, fmt.Errorf("invalid recovery file: unsupported version %d", file.Version)
	}
	if file.Salt == "" || file.WrappedKey == "" {
		return nil, fmt.Errorf("invalid recovery file: missing key material")
	}
	return &file, nil
}

// MarshalRecoveryFile renders the file as indented JSON
func MarshalRecoveryFile(file *domain.RecoveryFile) ([]byte, error) {
	return json.MarshalIndent(file, "", "  ")
}

func (m *Manager) buildRecoveryFile(username, partialPin string) (*domain.RecoveryFile, error) {
	if strings.TrimSpace(username) == "" || partialPin == "" {
		return nil, fmt.Errorf("username and partial PIN are required")
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	wrappingKey, err := m.engine.DeriveKey(recoveryFileSecret(username, partialPin), salt)
	if err != nil {
		return nil, err
	}
	defer wrappingKey.Destroy()

	wrapped, err := m.engine.WrapKey(m.dataKey, wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return &domain.RecoveryFile{
		Version:       domain.RecoveryFileVersion,
		Type:          domain.RecoveryFileType,
		CreatedAt:     domain.FormatMs(m.nowMs()),
		Username:      strings.TrimSpace(username),
		Salt:          EncodeSalt(salt),
		WrappedKey:    wrapped,
		KDFIterations: m.engine.Iterations(),
	}, nil
}

func (m *Manager) openRecoveryFile(file *domain.RecoveryFile, username, partialPin string) (*Key, error) {
	if !strings.EqualFold(strings.TrimSpace(username), file.Username) {
		return nil, util.ErrInvalidPIN
	}
	salt, err := DecodeSalt(file.Salt)
	if err != nil {
		return nil, util.ErrInvalidPIN
	}

	engine := m.engine.WithIterations(file.KDFIterations)
	wrappingKey, err := engine.DeriveKey(recoveryFileSecret(file.Username, partialPin), salt)
	if err != nil {
		return nil, err
	}
	defer wrappingKey.Destroy()

	return engine.UnwrapKey(file.WrappedKey, wrappingKey)
}
