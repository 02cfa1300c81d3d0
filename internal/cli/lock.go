package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/vault"
)

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the vault",
		Long: `Lock the vault and remove the persisted session.

After locking, you'll need to unlock the vault again with your PIN.

Example:
  pinbridge lock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(cmd)
		},
	}
}

func runLock(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	sessions := vault.NewSessionStore(vaultPath, cfg.Security.SessionTTL)

	if _, err := os.Stat(sessions.Path()); os.IsNotExist(err) {
		writeOutput(out, "Vault is already locked\n")
		return nil
	}

	return withApp(cmd.Context(), func(a *app) error {
		a.manager.Logout()
		success(out, "Vault locked")
		return nil
	})
}
