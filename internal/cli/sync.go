package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/util"
)

var (
	syncPin   string
	syncWatch bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the vault with the remote store",
		Long: `Pull the remote vault, merge it with the local one and deliver queued
writes.

With --watch the command keeps running: remote changes are merged as they
arrive and queued writes are retried when connectivity returns.

Example:
  pinbridge sync
  pinbridge sync --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd)
		},
	}
	cmd.Flags().StringVar(&syncPin, "pin", "", "PIN when no session is active")
	cmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep syncing until interrupted")
	return cmd
}

func runSync(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if !cfg.Sync.Enabled {
		return fmt.Errorf("sync is not enabled, set sync.enabled and sync.remote in the config")
	}

	return withUnlocked(ctx, syncPin, func(a *app) error {
		if a.remote == nil || !a.monitor.Check(ctx) {
			return fmt.Errorf("%w: %s", util.ErrOffline, cfg.Sync.Remote)
		}

		stop := startSpinner("Syncing...")
		changed, err := a.manager.Pull(ctx)
		if err == nil {
			err = a.queue.ProcessQueue(ctx)
		}
		stop()
		if err != nil {
			st := a.queue.Snapshot()
			failure(out, "Sync incomplete, %d write(s) pending", st.Pending)
			return err
		}

		if changed {
			success(out, "Merged remote changes")
		} else {
			success(out, "Vault is up to date")
		}

		if !syncWatch {
			return nil
		}
		return watchSync(ctx, cmd, a)
	})
}

func watchSync(ctx context.Context, cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, cancelEvents := a.manager.Events().Subscribe(16)
	defer cancelEvents()
	statuses, cancelStatus := a.queue.Status().Subscribe(16)
	defer cancelStatus()

	go a.monitor.Run(ctx)
	hint(out, "Watching for changes, press Ctrl+C to stop")

	lastPending := -1
	lastOnline := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Source == "remote" {
				success(out, "Merged remote changes (%s)", formatMs(ev.UpdatedAtMs))
			}
		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			if st.Online != lastOnline {
				lastOnline = st.Online
				if st.Online {
					success(out, "Remote store reachable")
				} else {
					warning(out, "Remote store unreachable, writes are queued")
				}
			}
			if !st.Draining && st.Pending != lastPending {
				lastPending = st.Pending
				if st.Pending > 0 && st.LastError != "" {
					warning(out, "%d write(s) pending: %s", st.Pending, st.LastError)
				}
			}
		}
	}
}
