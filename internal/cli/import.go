package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/util"
)

var importPin string

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an encrypted vault export",
		Long: `Import a file written by 'pinbridge export'.

On a device without a vault the export becomes the vault. An existing vault
is unlocked and merged with the export note by note; the newer copy of each
note wins.

Example:
  pinbridge import backup.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&importPin, "pin", "", "PIN of the existing vault when no session is active")
	return cmd
}

func runImport(cmd *cobra.Command, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	var snap domain.VaultSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %s is not a vault export", util.ErrIntegrity, filePath)
	}

	ctx := cmd.Context()
	return withApp(ctx, func(a *app) error {
		existing, err := a.manager.HasVault(ctx)
		if err != nil {
			return err
		}
		if existing {
			if err := a.unlock(ctx, importPin); err != nil {
				return err
			}
		}
		if err := a.manager.ImportSnapshot(ctx, &snap); err != nil {
			return fmt.Errorf("failed to import: %w", err)
		}

		if existing {
			success(cmd.OutOrStdout(), "Merged %s into the vault", filePath)
		} else {
			success(cmd.OutOrStdout(), "Vault imported from %s", filePath)
			hint(cmd.OutOrStdout(), "Run %s to open it", cmdName("pinbridge unlock"))
		}
		return nil
	})
}
