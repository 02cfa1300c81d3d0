package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinbridge/vault/internal/clipboard"
	"github.com/pinbridge/vault/internal/vault"
)

// minKDFIterations is the PBKDF2 iteration count below which doctor warns
const minKDFIterations = 100000

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Perform security and health checks",
		Long: `Perform security and health checks on the vault.

This command checks:
- File permissions of the vault, config and session files
- Vault metadata and KDF strength
- Remote store reachability and the sync queue
- Clipboard availability for pairing

Example:
  pinbridge doctor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
}

type doctorReport struct {
	out      io.Writer
	issues   int
	warnings int
}

func (r *doctorReport) section(title string) {
	fmt.Fprintf(r.out, "\n%s\n", title)
}

func (r *doctorReport) ok(format string, args ...interface{}) {
	fmt.Fprint(r.out, "   ")
	success(r.out, format, args...)
}

func (r *doctorReport) issue(format string, args ...interface{}) {
	fmt.Fprint(r.out, "   ")
	failure(r.out, format, args...)
	r.issues++
}

func (r *doctorReport) warn(format string, args ...interface{}) {
	fmt.Fprint(r.out, "   ")
	warning(r.out, format, args...)
	r.warnings++
}

// checkPerm reports on a file that should only be readable by its owner
func (r *doctorReport) checkPerm(label, path string) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.ok("%s not present", label)
		} else {
			r.issue("Cannot check %s: %v", label, err)
		}
		return
	}
	perm := info.Mode().Perm()
	switch {
	case perm == 0o600:
		r.ok("%s permissions: %o (secure)", label, perm)
	case perm&0o077 != 0:
		r.issue("%s permissions: %o (too permissive, should be 0600)", label, perm)
		fmt.Fprintf(r.out, "      Fix with: chmod 600 %s\n", path)
	default:
		r.warn("%s permissions: %o (acceptable but 0600 recommended)", label, perm)
	}
}

func runDoctor(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	r := &doctorReport{out: out}

	fmt.Fprintln(out, "PinBridge Security & Health Check")
	fmt.Fprintln(out, "=================================")

	r.section("1. File Security")
	if _, err := os.Stat(vaultPath); os.IsNotExist(err) {
		r.issue("Vault file not found: %s", vaultPath)
	} else {
		r.checkPerm("Vault file", vaultPath)
	}
	r.checkPerm("Config file", cfgFile)
	sessions := vault.NewSessionStore(vaultPath, cfg.Security.SessionTTL)
	r.checkPerm("Session file", sessions.Path())
	if info, err := os.Stat(filepath.Dir(vaultPath)); err == nil {
		if perm := info.Mode().Perm(); perm&0o077 == 0 {
			r.ok("Vault directory permissions: %o (secure)", perm)
		} else {
			r.warn("Vault directory permissions: %o (consider 0700)", perm)
		}
	}

	err := withApp(ctx, func(a *app) error {
		r.section("2. Vault Metadata")
		st := a.manager.Status(ctx)
		switch {
		case st.Offline:
			r.warn("Vault metadata not cached locally and the remote is unreachable")
		case !st.HasVault:
			r.issue("No vault metadata, run 'pinbridge init' or 'pinbridge pair answer'")
		case st.Crypto == nil:
			r.issue("Vault metadata is unreadable")
		default:
			r.ok("Cipher: %s", st.Crypto.Cipher)
			if st.Crypto.Iterations >= minKDFIterations {
				r.ok("KDF: %s with %d iterations", st.Crypto.KDF, st.Crypto.Iterations)
			} else {
				r.warn("KDF: %s with %d iterations (at least %d recommended)", st.Crypto.KDF, st.Crypto.Iterations, minKDFIterations)
			}
			if st.Crypto.RecoveryWrapped {
				r.ok("Recovery phrase wrapping present")
			} else {
				r.warn("No recovery phrase wrapping, the vault cannot be recovered without the PIN")
			}
		}
		if remaining := sessions.Remaining(); remaining > 0 {
			r.ok("Session active, expires in %s", remaining.Round(time.Second))
		}

		r.section("3. Sync")
		if !cfg.Sync.Enabled {
			r.ok("Sync disabled, the vault stays on this device")
			return nil
		}
		if a.remote == nil || !a.monitor.Check(ctx) {
			r.warn("Remote store (%s) unreachable, writes are queued", cfg.Sync.Remote)
		} else {
			r.ok("Remote store (%s) reachable", cfg.Sync.Remote)
		}
		q := a.queue.Snapshot()
		switch {
		case q.Pending == 0:
			r.ok("Sync queue empty")
		case q.HeadRetry > 0:
			r.warn("%d write(s) pending, head retried %d time(s): %s", q.Pending, q.HeadRetry, q.LastError)
		default:
			r.ok("%d write(s) pending", q.Pending)
		}
		return nil
	})
	if err != nil {
		r.issue("Cannot open vault: %v", err)
	}

	r.section("4. System")
	if clipboard.New(nil).Available() {
		r.ok("Clipboard available for pairing descriptors")
	} else {
		r.warn("Clipboard unavailable, descriptors must be copied by hand")
	}
	if data, err := os.ReadFile("/proc/swaps"); err == nil && len(strings.Split(strings.TrimSpace(string(data)), "\n")) > 1 {
		r.warn("Swap is enabled, decrypted notes may be written to disk")
	}
	if cfg.Security.SessionTTL > 4*time.Hour {
		r.warn("Session TTL is %v (consider reducing)", cfg.Security.SessionTTL)
	} else {
		r.ok("Session TTL: %v", cfg.Security.SessionTTL)
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 40))
	if r.issues == 0 && r.warnings == 0 {
		success(out, "All checks passed")
		return nil
	}
	if r.issues > 0 {
		failure(out, "Found %d issue(s) that should be fixed", r.issues)
	}
	if r.warnings > 0 {
		warning(out, "Found %d warning(s) for consideration", r.warnings)
	}
	return nil
}
