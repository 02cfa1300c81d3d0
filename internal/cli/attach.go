package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/attachment"
)

var (
	attachPin   string
	attachOut   string
	attachForce bool
)

func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <note-id> <file>",
		Short: "Attach a file to a note",
		Long: `Encrypt a file, store it on this device and link it to a note.

Attachments are addressed by the SHA-256 of their content, so attaching the
same file twice stores it once. With sync enabled the encrypted file is
uploaded in chunks in the background.

Example:
  pinbridge attach 3f2a... ./passport.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&attachPin, "pin", "", "PIN when no session is active")
	return cmd
}

func newAttachmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachment",
		Short: "Retrieve and sync attachments",
	}
	cmd.PersistentFlags().StringVar(&attachPin, "pin", "", "PIN when no session is active")

	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Decrypt an attachment to a file",
		Long: `Decrypt an attachment to a file, downloading it from the remote store
first when it is not on this device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttachmentGet(cmd, args[0])
		},
	}
	getCmd.Flags().StringVarP(&attachOut, "out", "o", "", "Output path (default is the original file name)")

	pushCmd := &cobra.Command{
		Use:   "push <hash>",
		Short: "Upload an attachment to the remote store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttachmentPush(cmd, args[0])
		},
	}
	pushCmd.Flags().BoolVar(&attachForce, "force", false, "Upload even if the remote copy looks complete")

	rmCmd := &cobra.Command{
		Use:   "rm <hash>",
		Short: "Remove the local copy of an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.attachments.RemoveLocal(args[0]); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Local copy of %s removed", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(getCmd, pushCmd, rmCmd)
	return cmd
}

func runAttach(cmd *cobra.Command, noteID, path string) error {
	return withUnlocked(cmd.Context(), attachPin, func(a *app) error {
		hash, err := a.attachments.AttachFileToNote(cmd.Context(), noteID, path)
		if err != nil {
			return fmt.Errorf("failed to attach %s: %w", path, err)
		}
		success(cmd.OutOrStdout(), "Attached %s as %s", filepath.Base(path), hash)
		return nil
	})
}

func runAttachmentGet(cmd *cobra.Command, hash string) error {
	ctx := cmd.Context()

	return withUnlocked(ctx, attachPin, func(a *app) error {
		if !a.attachments.Has(hash) {
			stop := startSpinner("Downloading attachment...")
			err := a.attachments.DownloadToLocal(ctx, cfg.Sync.UID, hash)
			stop()
			if err != nil {
				return fmt.Errorf("failed to download attachment: %w", err)
			}
		}

		data, meta, err := a.attachments.Open(hash)
		if err != nil {
			return err
		}

		out := attachOut
		if out == "" {
			out = filepath.Base(meta.Name)
			if out == "." || out == string(filepath.Separator) || out == "" {
				out = hash
			}
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists", out)
		}
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return fmt.Errorf("failed to write attachment: %w", err)
		}
		success(cmd.OutOrStdout(), "Wrote %s (%d bytes)", out, len(data))
		return nil
	})
}

func runAttachmentPush(cmd *cobra.Command, hash string) error {
	ctx := cmd.Context()

	return withUnlocked(ctx, attachPin, func(a *app) error {
		if a.remote == nil {
			return fmt.Errorf("sync is not enabled, set sync.enabled and sync.remote in the config")
		}
		stop := startSpinner("Uploading attachment...")
		err := a.attachments.EnsureRemoteAvailable(ctx, cfg.Sync.UID, hash, attachForce)
		stop()
		if errors.Is(err, attachment.ErrNotFound) {
			return fmt.Errorf("attachment %s is not on this device", hash)
		}
		if err != nil {
			return fmt.Errorf("failed to upload attachment: %w", err)
		}
		success(cmd.OutOrStdout(), "Attachment %s is available remotely", hash)
		return nil
	})
}
