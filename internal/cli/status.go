package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/vault"
)

var statusJSON bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault status",
		Long:  "Display vault metadata, session state, sync queue state and note statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}

	cmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	return cmd
}

type syncInfo struct {
	Enabled   bool   `json:"enabled"`
	Remote    string `json:"remote"`
	Online    bool   `json:"online"`
	Pending   int    `json:"pending"`
	HeadRetry int    `json:"head_retry"`
	LastError string `json:"last_error,omitempty"`
}

type statusInfo struct {
	VaultPath        string              `json:"vault_path"`
	HasVault         bool                `json:"has_vault"`
	VaultUnknown     bool                `json:"vault_unknown,omitempty"`
	DeviceID         string              `json:"device_id"`
	SessionState     string              `json:"session_state"`
	RemainingTTLSecs int64               `json:"remaining_ttl_seconds"`
	NoteCount        *int                `json:"note_count,omitempty"`
	LastUpdated      string              `json:"last_updated,omitempty"`
	Crypto           *vault.MetadataInfo `json:"crypto,omitempty"`
	Sync             syncInfo            `json:"sync"`
}

func runStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	return withApp(ctx, func(a *app) error {
		// Only an existing session unlocks here; status never prompts.
		_ = a.manager.ResumeSession(ctx)
		st := a.manager.Status(ctx)

		result := statusInfo{
			VaultPath:    vaultPath,
			HasVault:     st.HasVault,
			VaultUnknown: st.Offline,
			DeviceID:     st.DeviceID,
			SessionState: st.State.String(),
			Crypto:       st.Crypto,
			Sync: syncInfo{
				Enabled: cfg.Sync.Enabled,
				Remote:  cfg.Sync.Remote,
			},
		}
		if st.UpdatedAtMs > 0 {
			result.LastUpdated = time.UnixMilli(st.UpdatedAtMs).UTC().Format(time.RFC3339)
		}
		if st.State == vault.StateUnlocked {
			count := st.NoteCount
			result.NoteCount = &count
			ttl := vault.NewSessionStore(vaultPath, cfg.Security.SessionTTL).Remaining()
			result.RemainingTTLSecs = int64(ttl.Seconds())
		}
		if cfg.Sync.Enabled {
			if a.monitor != nil {
				a.monitor.Check(ctx)
			}
			q := a.queue.Snapshot()
			result.Sync.Online = a.remote != nil && q.Online
			result.Sync.Pending = q.Pending
			result.Sync.HeadRetry = q.HeadRetry
			result.Sync.LastError = q.LastError
		}

		if statusJSON {
			payload, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal status: %w", err)
			}
			fmt.Fprintln(out, string(payload))
			return nil
		}

		printStatus(cmd, result, st.UpdatedAtMs)
		return nil
	})
}

func printStatus(cmd *cobra.Command, result statusInfo, updatedAtMs int64) {
	out := cmd.OutOrStdout()

	writeOutput(out, "Vault: %s\n", result.VaultPath)
	if result.VaultUnknown {
		writeOutput(out, "State: unknown (remote unreachable, no local copy)\n")
		return
	}
	if !result.HasVault {
		writeOutput(out, "State: no vault\n")
		hint(out, "Run %s to create one", cmdName("pinbridge init"))
		return
	}
	writeOutput(out, "Device: %s\n", result.DeviceID)
	if c := result.Crypto; c != nil {
		writeOutput(out, "Cipher: %s\n", c.Cipher)
		writeOutput(out, "KDF: %s (iterations %d, salt %d bytes)\n", c.KDF, c.Iterations, c.SaltLength)
		writeOutput(out, "Owner: %s (%s)\n", c.Username, c.Role)
	}
	writeOutput(out, "Last Updated: %s\n", formatMs(updatedAtMs))

	if result.NoteCount != nil {
		writeOutput(out, "Notes: %d\n", *result.NoteCount)
		writeOutput(out, "Session: %s (expires in %s)\n", result.SessionState,
			(time.Duration(result.RemainingTTLSecs) * time.Second).String())
	} else {
		writeOutput(out, "Notes: (locked)\n")
		writeOutput(out, "Session: %s\n", result.SessionState)
	}

	if !result.Sync.Enabled {
		writeOutput(out, "Sync: disabled\n")
		return
	}
	state := "online"
	if !result.Sync.Online {
		state = "offline"
	}
	writeOutput(out, "Sync: %s via %s, %d pending\n", state, result.Sync.Remote, result.Sync.Pending)
	if result.Sync.LastError != "" {
		warning(out, "Last sync error (retry %d): %s", result.Sync.HeadRetry, result.Sync.LastError)
	}
}
