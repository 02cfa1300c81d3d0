package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.Equal(t, 2*time.Minute, cfg.Pairing.TTL)
	assert.Equal(t, 256*1024, cfg.Attachments.ChunkSize)
	assert.Equal(t, int64(64<<20), cfg.Pairing.MaxPayload)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, again.DeviceID, "device id is generated once")
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
vault_path: /tmp/pb/vault.db
backend: sqlite
device_id: dev-1
sync:
  enabled: true
  uid: owner-1
  remote: mongo
  base_delay: 2s
  mongo:
    uri: mongodb://localhost:27017
pairing:
  stun_servers: ["stun:example.org:3478"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "dev-1", cfg.DeviceID)
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay)
	assert.Equal(t, "pinbridge", cfg.Sync.Mongo.Database, "unset fields keep defaults")
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.Pairing.STUNServers)
	assert.Equal(t, 8, cfg.Sync.MaxRetries)
}

func TestLoadConfig_FillsMissingDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: \"\"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DeviceID)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, again.DeviceID)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync: [not, a, map]\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Sync.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.uid")
	assert.Contains(t, err.Error(), "sync.remote")

	cfg.Sync.UID = "u"
	cfg.Sync.Remote = RemoteS3
	assert.ErrorContains(t, cfg.Validate(), "bucket")
	cfg.Sync.S3.Bucket = "b"
	assert.NoError(t, cfg.Validate())

	cfg.Backend = "leveldb"
	assert.ErrorContains(t, cfg.Validate(), "backend")
	cfg.Backend = "bolt"

	cfg.Pairing.MaxPayload = -1
	assert.ErrorContains(t, cfg.Validate(), "pairing.max_payload")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, RemoteNone, cfg.Sync.Remote)
}
