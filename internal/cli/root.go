package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/config"
	"github.com/pinbridge/vault/internal/logging"
)

var (
	cfgFile   string
	vaultPath string
	verbose   bool
	cfg       *config.Config
	logger    *logrus.Logger
)

// NewRootCommand builds the pinbridge command tree. Flag variables are rebound
// on every call, so tests can execute a fresh tree per case.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pinbridge",
		Short: "An end-to-end encrypted, PIN-unlocked note vault",
		Long: `PinBridge keeps an encrypted note vault on this device and optionally
synchronizes it with a remote store. Only ciphertext ever leaves the device.

Features:
- AES-256-GCM encryption under a random data key
- PIN, recovery phrase and recovery file unlock
- Offline-first sync queue with retry and backoff
- Encrypted, chunked attachments
- Device pairing over an ECDH-keyed WebRTC channel`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}

			var err error
			cfg, err = config.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if vaultPath == "" {
				vaultPath = cfg.VaultPath
			}

			level := cfg.Logging.Level
			if verbose {
				level = "debug"
			}
			logger, err = logging.New(level, cfg.Logging.Format, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to configure logging: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pinbridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultPath, "vault", "", "local vault database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newUnlockCmd())
	rootCmd.AddCommand(newLockCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newNoteCmd())
	rootCmd.AddCommand(newAttachCmd())
	rootCmd.AddCommand(newAttachmentCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newPairCmd())
	rootCmd.AddCommand(newRecoveryCmd())
	rootCmd.AddCommand(newPinCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// Execute runs the root command with the process arguments
func Execute() error {
	return NewRootCommand().Execute()
}
