// Package config handles the configuration of the pinbridge CLI.
// It provides functionality to load, save, and validate the YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Remote backends
const (
	RemoteNone   = "none"
	RemoteMemory = "memory"
	RemoteMongo  = "mongo"
	RemoteS3     = "s3"
)

// Config represents the pinbridge configuration
type Config struct {
	VaultPath   string            `yaml:"vault_path"`
	Backend     string            `yaml:"backend"`
	DeviceID    string            `yaml:"device_id"`
	Owner       string            `yaml:"owner"`
	Security    SecurityConfig    `yaml:"security"`
	Sync        SyncConfig        `yaml:"sync"`
	Pairing     PairingConfig     `yaml:"pairing"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SecurityConfig represents security-related configuration
type SecurityConfig struct {
	SessionTTL        time.Duration `yaml:"session_ttl"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	AttemptWindow     time.Duration `yaml:"attempt_window"`
	KDFIterations     int           `yaml:"kdf_iterations"`
}

// SyncConfig selects and configures the remote store
type SyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	UID          string        `yaml:"uid"`
	Remote       string        `yaml:"remote"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Mongo        MongoConfig   `yaml:"mongo"`
	S3           S3Config      `yaml:"s3"`
}

// MongoConfig configures the MongoDB remote
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// S3Config configures the S3 remote. Credentials fall back to the AWS
// default chain when empty.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// PairingConfig configures device pairing
type PairingConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	STUNServers  []string      `yaml:"stun_servers"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	ChunkRetries int           `yaml:"chunk_retries"`
	MaxPayload   int64         `yaml:"max_payload"`
}

// AttachmentsConfig configures attachment upload
type AttachmentsConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfigPath returns $HOME/.config/pinbridge/config.yaml
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pinbridge", "config.yaml")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		VaultPath: filepath.Join(home, ".local", "share", "pinbridge", "vault.db"),
		Backend:   "bolt",
		DeviceID:  uuid.NewString(),
		Owner:     "",
		Security: SecurityConfig{
			SessionTTL:        15 * time.Minute,
			MaxFailedAttempts: 5,
			AttemptWindow:     5 * time.Minute,
			KDFIterations:     120000,
		},
		Sync: SyncConfig{
			Enabled:      false,
			Remote:       RemoteNone,
			MaxRetries:   8,
			BaseDelay:    time.Second,
			PingInterval: 15 * time.Second,
			Mongo: MongoConfig{
				Database:   "pinbridge",
				Collection: "documents",
			},
			S3: S3Config{
				Prefix:       "pinbridge/",
				PollInterval: 5 * time.Second,
			},
		},
		Pairing: PairingConfig{
			TTL:          2 * time.Minute,
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
			ChunkSize:    16 * 1024,
			ChunkTimeout: 4 * time.Second,
			ChunkRetries: 3,
			MaxPayload:   64 << 20,
		},
		Attachments: AttachmentsConfig{
			ChunkSize: 256 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file or returns default. A missing file
// is created with the defaults, which fixes the device id for later runs.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(configPath)
	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		if err := SaveConfig(cfg, cleanPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Older files may predate the device id
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		if err := SaveConfig(cfg, cleanPath); err != nil {
			return cfg, fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, configPath string) error {
	cleanPath := filepath.Clean(configPath)

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cleanPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail deep inside a command
func (c *Config) Validate() error {
	var errs []error
	if c.VaultPath == "" {
		errs = append(errs, errors.New("vault_path must be set"))
	}
	switch strings.ToLower(c.Backend) {
	case "", "bolt", "bbolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Security.MaxFailedAttempts < 0 {
		errs = append(errs, errors.New("security.max_failed_attempts must not be negative"))
	}
	if c.Pairing.MaxPayload < 0 {
		errs = append(errs, errors.New("pairing.max_payload must not be negative"))
	}

	if c.Sync.Enabled {
		if c.Sync.UID == "" {
			errs = append(errs, errors.New("sync.uid is required when sync is enabled"))
		}
		switch c.Sync.Remote {
		case RemoteMemory:
		case RemoteMongo:
			if c.Sync.Mongo.URI == "" {
				errs = append(errs, errors.New("sync.mongo.uri is required for the mongo remote"))
			}
		case RemoteS3:
			if c.Sync.S3.Bucket == "" {
				errs = append(errs, errors.New("sync.s3.bucket is required for the s3 remote"))
			}
		default:
			errs = append(errs, fmt.Errorf("sync.remote must be one of %s, %s, %s", RemoteMemory, RemoteMongo, RemoteS3))
		}
	}

	return errors.Join(errs...)
}
