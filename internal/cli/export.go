package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/store"
)

var (
	exportPin   string
	exportPath  string
	exportForce bool
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the encrypted vault",
		Long: `Export the encrypted vault for backup or migration.

The export holds the wrapped data key and the encrypted vault record; it is
never decrypted on the way out. Import it on another device and unlock it
with the same PIN or recovery phrase.

Example:
  pinbridge export --path backup.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd)
		},
	}

	cmd.Flags().StringVar(&exportPin, "pin", "", "PIN when no session is active")
	cmd.Flags().StringVar(&exportPath, "path", "pinbridge-backup.json", "Export file path")
	cmd.Flags().BoolVar(&exportForce, "force", false, "Overwrite an existing file")
	return cmd
}

func runExport(cmd *cobra.Command) error {
	if _, err := os.Stat(exportPath); err == nil && !exportForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", exportPath)
	}

	return withUnlocked(cmd.Context(), exportPin, func(a *app) error {
		snap, err := a.manager.ExportSnapshot()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
		target, err := filepath.Abs(exportPath)
		if err != nil {
			return err
		}
		if err := store.AtomicWriteFile(target, data, 0o600); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		success(cmd.OutOrStdout(), "Vault exported to %s", exportPath)
		return nil
	})
}
