package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/vault"
)

var (
	unlockPin          string
	unlockRecovery     bool
	unlockPhrase       string
	unlockRecoveryFile string
	unlockUsername     string
	unlockPartialPin   string
)

func newUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the vault",
		Long: `Unlock the vault with your PIN, the recovery phrase or a recovery file.

The unlocked data key is kept in an encrypted session file for the configured
session TTL, so later commands do not ask again.

Example:
  pinbridge unlock
  pinbridge unlock --recovery
  pinbridge unlock --recovery-file recovery.json --username alice --partial-pin 12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnlock(cmd)
		},
	}

	cmd.Flags().StringVar(&unlockPin, "pin", "", "PIN (for non-interactive use)")
	cmd.Flags().BoolVar(&unlockRecovery, "recovery", false, "Unlock with the recovery phrase")
	cmd.Flags().StringVar(&unlockPhrase, "phrase", "", "Recovery phrase (for non-interactive use)")
	cmd.Flags().StringVar(&unlockRecoveryFile, "recovery-file", "", "Unlock with a recovery file")
	cmd.Flags().StringVar(&unlockUsername, "username", "", "Username the recovery file was exported with")
	cmd.Flags().StringVar(&unlockPartialPin, "partial-pin", "", "Partial PIN the recovery file was exported with")

	return cmd
}

func runUnlock(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	return withApp(ctx, func(a *app) error {
		exists, err := a.manager.HasVault(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("no vault at %s, run %s first", vaultPath, cmdName("pinbridge init"))
		}

		sessions := vault.NewSessionStore(vaultPath, cfg.Security.SessionTTL)
		usePin := !unlockRecovery && unlockPhrase == "" && unlockRecoveryFile == ""

		if usePin {
			if err := a.manager.ResumeSession(ctx); err == nil {
				writeOutput(out, "Vault is already unlocked (expires in %v)\n", sessions.Remaining().Round(time.Second))
				return nil
			} else if !errors.Is(err, vault.ErrNoSession) {
				return err
			}
		}

		switch {
		case unlockRecoveryFile != "":
			err = unlockWithRecoveryFile(cmd, a)
		case unlockRecovery || unlockPhrase != "":
			phrase := unlockPhrase
			if phrase == "" {
				if phrase, err = PromptInput("Recovery phrase: "); err != nil {
					return err
				}
			}
			err = a.manager.UnlockWithRecovery(ctx, phrase)
		default:
			pin, perr := pinOrPrompt(unlockPin, "Enter PIN: ", false)
			if perr != nil {
				return perr
			}
			err = a.manager.UnlockWithPin(ctx, pin)
		}
		if err != nil {
			return fmt.Errorf("failed to unlock vault: %w", err)
		}

		success(out, "Vault unlocked")
		if cfg.Security.SessionTTL > 0 {
			writeOutput(out, "Auto-lock timeout: %v\n", cfg.Security.SessionTTL)
		}
		if !usePin {
			hint(out, "Consider %s to choose a new PIN", cmdName("pinbridge pin rotate"))
		}
		return nil
	})
}

func unlockWithRecoveryFile(cmd *cobra.Command, a *app) error {
	content, err := os.ReadFile(unlockRecoveryFile)
	if err != nil {
		return fmt.Errorf("failed to read recovery file: %w", err)
	}

	username := unlockUsername
	if username == "" {
		if username, err = PromptInput("Username: "); err != nil {
			return err
		}
	}
	partial, err := pinOrPrompt(unlockPartialPin, "Partial PIN: ", false)
	if err != nil {
		return err
	}
	return a.manager.UnlockWithRecoveryFile(cmd.Context(), content, username, partial)
}
