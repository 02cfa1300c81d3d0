package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/vault"
)

var (
	initUsername string
	initPin      string
	initRole     string
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new vault",
		Long: `Initialize a new vault protected by a PIN.

A random data key encrypts the vault. The key is wrapped twice: once under
the PIN and once under a generated recovery phrase. The recovery phrase is
printed exactly once; store it somewhere safe.

Example:
  pinbridge init --username alice
  pinbridge init --username alice --pin 123456`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd)
		},
	}

	cmd.Flags().StringVar(&initUsername, "username", "", "Vault owner name")
	cmd.Flags().StringVar(&initPin, "pin", "", "PIN (for non-interactive use)")
	cmd.Flags().StringVar(&initRole, "role", vault.DefaultRole, "Role recorded for the owner")

	return cmd
}

func runInit(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	username := initUsername
	if username == "" {
		username = cfg.Owner
	}
	if username == "" {
		var err error
		username, err = PromptInput("Username: ")
		if err != nil {
			return err
		}
	}

	pin, err := pinOrPrompt(initPin, "Choose a PIN: ", true)
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		phrase, err := a.manager.Create(ctx, username, pin, initRole)
		if err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}

		success(out, "Vault created at %s", vaultPath)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Recovery phrase (shown once, write it down):")
		fmt.Fprintf(out, "\n  %s\n\n", phrase)
		hint(out, "Run %s to export a recovery file as well", cmdName("pinbridge recovery export"))
		return nil
	})
}
