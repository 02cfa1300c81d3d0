package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/attachment"
	"github.com/pinbridge/vault/internal/config"
	"github.com/pinbridge/vault/internal/remote"
	"github.com/pinbridge/vault/internal/store"
	"github.com/pinbridge/vault/internal/syncq"
	"github.com/pinbridge/vault/internal/vault"
)

// flushTimeout bounds how long a command waits for queued remote writes on exit
const flushTimeout = 3 * time.Second

// memoryRemote backs the "memory" remote for the lifetime of the process
var memoryRemote = remote.NewMemoryStore()

// openRemote connects the configured remote store. The bool reports whether
// the caller owns the store and must close it.
var openRemote = func(ctx context.Context, c *config.Config, log *logrus.Logger) (remote.Store, bool, error) {
	switch c.Sync.Remote {
	case config.RemoteMemory:
		return memoryRemote, false, nil
	case config.RemoteMongo:
		rs, err := remote.NewMongoStore(ctx, c.Sync.Mongo.URI, c.Sync.Mongo.Database, c.Sync.Mongo.Collection, log)
		return rs, true, err
	case config.RemoteS3:
		rs, err := remote.NewS3Store(ctx, remote.S3Options{
			Bucket:          c.Sync.S3.Bucket,
			Prefix:          c.Sync.S3.Prefix,
			Region:          c.Sync.S3.Region,
			EndpointURL:     c.Sync.S3.Endpoint,
			AccessKeyID:     c.Sync.S3.AccessKeyID,
			SecretAccessKey: c.Sync.S3.SecretAccessKey,
			ForcePathStyle:  c.Sync.S3.ForcePathStyle,
			PollInterval:    c.Sync.S3.PollInterval,
		}, log)
		return rs, true, err
	default:
		return nil, false, nil
	}
}

// app holds the components a command runs against
type app struct {
	cfg         *config.Config
	log         *logrus.Logger
	store       store.LocalStore
	remote      remote.Store
	ownsRemote  bool
	queue       *syncq.Queue
	monitor     *syncq.Monitor
	manager     *vault.Manager
	attachments *attachment.Service
}

// EnsureVaultDirectory creates the vault directory if it doesn't exist
func EnsureVaultDirectory(vaultPath string) error {
	dir := filepath.Dir(vaultPath)
	return os.MkdirAll(dir, 0o700)
}

func openApp(ctx context.Context) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if vaultPath == "" {
		return nil, errors.New("vault path not configured")
	}
	if err := EnsureVaultDirectory(vaultPath); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	ls, err := store.Open(cfg.Backend, vaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a := &app{cfg: cfg, log: logger, store: ls}

	if cfg.Sync.Enabled {
		a.remote, a.ownsRemote, err = openRemote(ctx, cfg, logger)
		if err != nil {
			// The vault stays usable offline; writes queue until the remote returns.
			logger.WithError(err).Warn("remote store unavailable, continuing offline")
			a.remote = nil
		}
	}

	handler := syncq.NewRemoteHandler(a.remote, nil, logger)
	a.queue, err = syncq.New(syncq.Options{
		Store:      ls,
		Handler:    handler,
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	opts := vault.Options{
		Store:             ls,
		Remote:            a.remote,
		Engine:            vault.NewCryptoEngine(cfg.Security.KDFIterations),
		Sessions:          vault.NewSessionStore(vaultPath, cfg.Security.SessionTTL),
		DeviceID:          cfg.DeviceID,
		UID:               cfg.Sync.UID,
		SyncEnabled:       cfg.Sync.Enabled,
		MaxFailedAttempts: cfg.Security.MaxFailedAttempts,
		AttemptWindow:     cfg.Security.AttemptWindow,
		Logger:            logger,
	}
	if cfg.Sync.Enabled {
		opts.Queue = a.queue
	}
	a.manager, err = vault.NewManager(opts)
	if err != nil {
		a.close()
		return nil, err
	}

	attachOpts := attachment.Options{
		Store:     ls,
		Remote:    a.remote,
		Cipher:    a.manager,
		Notes:     a.manager,
		UID:       cfg.Sync.UID,
		ChunkSize: cfg.Attachments.ChunkSize,
		Logger:    logger,
	}
	if cfg.Sync.Enabled {
		attachOpts.Queue = a.queue
	}
	a.attachments, err = attachment.New(attachOpts)
	if err != nil {
		a.close()
		return nil, err
	}
	handler.SetAttachments(a.attachments)

	if a.remote != nil {
		a.monitor = syncq.NewMonitor(a.remote, cfg.Sync.PingInterval, a.queue.SetOnline, logger)
		a.queue.Start()
	} else if cfg.Sync.Enabled {
		a.queue.SetOnline(false)
	}

	return a, nil
}

// unlock resumes the persisted session or unlocks with pin, prompting when
// pin is empty
func (a *app) unlock(ctx context.Context, pin string) error {
	err := a.manager.ResumeSession(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vault.ErrNoSession) {
		return err
	}

	if pin == "" {
		pin, err = PromptPIN("Enter PIN: ")
		if err != nil {
			return err
		}
	}
	return a.manager.UnlockWithPin(ctx, pin)
}

// flush waits briefly for queued remote writes. Tasks that do not complete
// stay persisted and are retried by the next command or by sync.
func (a *app) flush(timeout time.Duration) {
	if a.remote == nil || a.queue == nil {
		return
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := a.queue.Snapshot()
		if st.Pending == 0 || !st.Online || (st.HeadRetry > 0 && !st.Draining) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (a *app) close() {
	if a.queue != nil && a.manager != nil {
		a.flush(flushTimeout)
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.remote != nil && a.ownsRemote {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.remote.Close(ctx); err != nil {
			a.log.WithError(err).Debug("failed to close remote store")
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Debug("failed to close local store")
		}
	}
}

// withApp opens the components, runs fn and closes them again
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// withUnlocked is withApp for commands that need the decrypted vault
func withUnlocked(ctx context.Context, pin string, fn func(a *app) error) error {
	return withApp(ctx, func(a *app) error {
		if err := a.unlock(ctx, pin); err != nil {
			return err
		}
		return fn(a)
	})
}
