package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/clipboard"
	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/pairing"
	"github.com/pinbridge/vault/internal/transfer"
	"github.com/pinbridge/vault/internal/util"
	"github.com/pinbridge/vault/internal/vault"
)

var (
	pairPin    string
	pairNoQR   bool
	pairNoCopy bool
)

// newPeer creates the connection used for pairing
var newPeer = func() (pairing.Peer, error) {
	return pairing.NewWebRTCPeer(cfg.Pairing.STUNServers, logger)
}

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Copy the vault to another device",
		Long: `Pair two devices and send the encrypted vault from one to the other.

The device holding the vault runs 'pair offer' and shows a descriptor. The
new device runs 'pair answer' with that descriptor and shows its own
descriptor, which is pasted back into the first device. Both descriptors
expire after the pairing TTL. The vault travels over a direct channel,
encrypted under a key agreed by the two devices; it is unlocked on the new
device with the same PIN.

Example:
  pinbridge pair offer
  pinbridge pair answer <descriptor>`,
	}
	cmd.PersistentFlags().StringVar(&pairPin, "pin", "", "PIN when no session is active")
	cmd.PersistentFlags().BoolVar(&pairNoQR, "no-qr", false, "Do not render descriptors as QR codes")
	cmd.PersistentFlags().BoolVar(&pairNoCopy, "no-copy", false, "Do not copy descriptors to the clipboard")

	offerCmd := &cobra.Command{
		Use:   "offer",
		Short: "Offer this vault to a new device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairOffer(cmd)
		},
	}

	answerCmd := &cobra.Command{
		Use:   "answer [descriptor]",
		Short: "Receive a vault offered by another device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var offer string
			if len(args) == 1 {
				offer = args[0]
			}
			return runPairAnswer(cmd, offer)
		},
	}

	cmd.AddCommand(offerCmd, answerCmd)
	return cmd
}

func transferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize:   cfg.Pairing.ChunkSize,
		AckTimeout:  cfg.Pairing.ChunkTimeout,
		MaxAttempts: cfg.Pairing.ChunkRetries,
		MaxSize:     cfg.Pairing.MaxPayload,
		Logger:      logger,
	}
}

func openTransport() (*pairing.Transport, error) {
	peer, err := newPeer()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pairing.NewTransport(peer, pairing.Options{TTL: cfg.Pairing.TTL, Logger: logger}), nil
}

func runPairOffer(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	return withUnlocked(ctx, pairPin, func(a *app) error {
		snap, err := a.manager.ExportSnapshot()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode vault snapshot: %w", err)
		}

		tr, err := openTransport()
		if err != nil {
			return err
		}
		defer tr.Close()

		stop := startSpinner("Preparing offer...")
		offer, err := tr.StartOffer(ctx)
		stop()
		if err != nil {
			return fmt.Errorf("failed to create offer: %w", err)
		}

		cleanup := showDescriptor(out, "Offer", offer, tr.Session().Expiration)
		defer cleanup()

		answer, err := readDescriptor(cmd.InOrStdin(), out, "Paste the answer from the new device: ")
		if err != nil {
			return err
		}
		if err := tr.AcceptAnswer(ctx, answer); err != nil {
			return fmt.Errorf("failed to accept answer: %w", err)
		}

		if err := connect(ctx, tr); err != nil {
			return err
		}

		stop = startSpinner("Sending vault...")
		err = transfer.Send(ctx, tr, payload, transferOptions())
		stop()
		if err != nil {
			return fmt.Errorf("failed to send vault: %w", err)
		}

		success(out, "Vault sent (%d bytes)", len(payload))
		hint(out, "Unlock the new device with your PIN")
		return nil
	})
}

func runPairAnswer(cmd *cobra.Command, offer string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if offer == "" {
		var err error
		offer, err = readDescriptor(cmd.InOrStdin(), out, "Paste the offer: ")
		if err != nil {
			return err
		}
	}

	return withApp(ctx, func(a *app) error {
		exists, err := a.manager.HasVault(ctx)
		if err != nil {
			return err
		}
		if exists {
			// An existing vault merges the incoming one and must be unlocked.
			if err := a.unlock(ctx, pairPin); err != nil {
				return err
			}
		}

		tr, err := openTransport()
		if err != nil {
			return err
		}
		defer tr.Close()

		stop := startSpinner("Preparing answer...")
		answer, err := tr.AnswerOffer(ctx, offer)
		stop()
		if err != nil {
			return fmt.Errorf("failed to answer offer: %w", err)
		}

		cleanup := showDescriptor(out, "Answer", answer, tr.Session().Expiration)
		defer cleanup()

		if err := connect(ctx, tr); err != nil {
			return err
		}

		stop = startSpinner("Receiving vault...")
		payload, err := transfer.Receive(ctx, tr, transferOptions())
		stop()
		if err != nil {
			return fmt.Errorf("failed to receive vault: %w", err)
		}

		var snap domain.VaultSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return fmt.Errorf("%w: malformed vault snapshot", util.ErrIntegrity)
		}
		if err := a.manager.ImportSnapshot(ctx, &snap); err != nil {
			return fmt.Errorf("failed to import vault: %w", err)
		}
		success(out, "Vault received (%d bytes)", len(payload))

		if a.manager.State() == vault.StateUnlocked {
			return nil
		}
		pin, err := pinOrPrompt(pairPin, "Enter the PIN of the paired vault: ", false)
		if err != nil {
			hint(out, "Run %s to open it", cmdName("pinbridge unlock"))
			return nil
		}
		if err := a.manager.UnlockWithPin(ctx, pin); err != nil {
			return err
		}
		success(out, "Vault unlocked")
		return nil
	})
}

func connect(ctx context.Context, tr *pairing.Transport) error {
	stop := startSpinner("Waiting for the other device...")
	defer stop()
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// showDescriptor prints a descriptor for the other device. The returned func
// clears the clipboard again if it still holds the descriptor.
func showDescriptor(out io.Writer, label, text string, expires time.Time) func() {
	writeOutput(out, "\n%s (valid until %s):\n\n%s\n\n", label, expires.Local().Format("15:04:05"), text)

	if !pairNoQR {
		if qr, err := renderQR(text); err == nil {
			writeOutput(out, "%s\n", qr)
		} else {
			logger.WithError(err).Debug("descriptor too large for a QR code")
		}
	}

	if pairNoCopy {
		return func() {}
	}
	copier := clipboard.New(nil)
	if !copier.Available() {
		return func() {}
	}
	timer, err := copier.CopyWithTimeout(text, time.Until(expires))
	if err != nil {
		logger.WithError(err).Debug("failed to copy descriptor")
		return func() {}
	}
	hint(out, "%s copied to the clipboard", label)
	return func() {
		timer.Stop()
		_ = copier.ClearIfUnchanged(text)
	}
}

func readDescriptor(in io.Reader, out io.Writer, prompt string) (string, error) {
	writeOutput(out, "%s", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read descriptor: %w", err)
	}
	text := strings.TrimSpace(line)
	if text == "" {
		return "", fmt.Errorf("%w: empty descriptor", util.ErrProtocol)
	}
	return text, nil
}
