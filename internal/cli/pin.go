package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pinCurrent string
	pinNew     string
)

func newPinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Manage the vault PIN",
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Change the PIN",
		Long: `Rewrap the data key under a new PIN. The notes are not re-encrypted and
the recovery phrase keeps working.

Example:
  pinbridge pin rotate
  pinbridge pin rotate --pin 1234 --new-pin 567890`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPinRotate(cmd)
		},
	}
	rotateCmd.Flags().StringVar(&pinCurrent, "pin", "", "Current PIN when no session is active")
	rotateCmd.Flags().StringVar(&pinNew, "new-pin", "", "New PIN (for non-interactive use)")

	cmd.AddCommand(rotateCmd)
	return cmd
}

func runPinRotate(cmd *cobra.Command) error {
	return withUnlocked(cmd.Context(), pinCurrent, func(a *app) error {
		newPin, err := pinOrPrompt(pinNew, "New PIN: ", true)
		if err != nil {
			return err
		}
		if err := a.manager.RotatePIN(cmd.Context(), newPin); err != nil {
			return fmt.Errorf("failed to rotate PIN: %w", err)
		}
		success(cmd.OutOrStdout(), "PIN changed")
		return nil
	})
}
