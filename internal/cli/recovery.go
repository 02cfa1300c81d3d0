package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/store"
	"github.com/pinbridge/vault/internal/vault"
)

var (
	recoveryPin      string
	recoveryUsername string
	recoveryPartial  string
	recoveryOut      string
	recoveryForce    bool
)

func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Manage recovery files",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a recovery file",
		Long: `Write a recovery file that unlocks the vault with your username and a
partial PIN. The file holds the data key wrapped under those two values; keep
it apart from the device.

Example:
  pinbridge recovery export --username alice --partial-pin 12 --out recovery.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecoveryExport(cmd)
		},
	}
	exportCmd.Flags().StringVar(&recoveryPin, "pin", "", "PIN when no session is active")
	exportCmd.Flags().StringVar(&recoveryUsername, "username", "", "Username to bind the file to")
	exportCmd.Flags().StringVar(&recoveryPartial, "partial-pin", "", "Partial PIN to bind the file to")
	exportCmd.Flags().StringVarP(&recoveryOut, "out", "o", "pinbridge-recovery.json", "Output path")
	exportCmd.Flags().BoolVar(&recoveryForce, "force", false, "Overwrite an existing file")

	cmd.AddCommand(exportCmd)
	return cmd
}

func runRecoveryExport(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(recoveryOut); err == nil && !recoveryForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", recoveryOut)
	}

	return withUnlocked(cmd.Context(), recoveryPin, func(a *app) error {
		username := recoveryUsername
		if username == "" {
			meta, err := a.manager.Meta()
			if err != nil {
				return err
			}
			username = meta.Username
		}
		partial, err := pinOrPrompt(recoveryPartial, "Partial PIN for the recovery file: ", true)
		if err != nil {
			return err
		}

		file, err := a.manager.ExportRecoveryFile(username, partial)
		if err != nil {
			return fmt.Errorf("failed to export recovery file: %w", err)
		}
		data, err := vault.MarshalRecoveryFile(file)
		if err != nil {
			return err
		}
		target, err := filepath.Abs(recoveryOut)
		if err != nil {
			return err
		}
		if err := store.AtomicWriteFile(target, data, 0o600); err != nil {
			return fmt.Errorf("failed to write recovery file: %w", err)
		}

		success(out, "Recovery file written to %s", recoveryOut)
		hint(out, "Unlock with %s", cmdName(fmt.Sprintf("pinbridge unlock --recovery-file %s --username %s", recoveryOut, username)))
		return nil
	})
}
