// Package util provides the error taxonomy and exit-code handling shared by every
// package of the vault.
package util

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes
const (
	ExitOK           = 0
	ExitError        = 1
	ExitInvalidInput = 2
	ExitAuth         = 3
	ExitIntegrityErr = 4
	ExitOffline      = 5
	ExitTransport    = 6
)

// Authentication failures: recoverable by re-prompting.
var (
	ErrInvalidPIN      = errors.New("invalid PIN or recovery secret")
	ErrNoVault         = errors.New("no vault found")
	ErrTooManyAttempts = errors.New("too many failed unlock attempts")
	ErrLocked          = errors.New("vault is locked")
	ErrVaultExists     = errors.New("vault already exists")
)

// Integrity failures: fatal to the operation, the artifact is discarded.
var (
	ErrIntegrity        = errors.New("integrity check failed")
	ErrDecryptionFailed = fmt.Errorf("%w: decryption failed", ErrIntegrity)
	ErrHashMismatch     = fmt.Errorf("%w: hash mismatch", ErrIntegrity)
)

// Transport failures: bounded retries, then a terminated session.
var (
	ErrTransport       = errors.New("transport failure")
	ErrSessionExpired  = fmt.Errorf("%w: pairing session expired", ErrTransport)
	ErrTransferAborted = fmt.Errorf("%w: transfer aborted", ErrTransport)
	ErrProtocol        = fmt.Errorf("%w: protocol error", ErrTransport)
)

// Queue and connectivity failures
var (
	ErrOffline = errors.New("remote store unreachable")
)

// Category is a user-facing failure class. Each class has a different recovery action.
type Category string

// Failure categories
const (
	CategoryNone      Category = ""
	CategoryAuth      Category = "credential"
	CategoryIntegrity Category = "corrupted"
	CategoryTransport Category = "transport"
	CategoryOffline   Category = "offline"
	CategoryOther     Category = "error"
)

// Classify maps an error onto its failure category
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrInvalidPIN), errors.Is(err, ErrNoVault),
		errors.Is(err, ErrTooManyAttempts), errors.Is(err, ErrLocked):
		return CategoryAuth
	case errors.Is(err, ErrIntegrity):
		return CategoryIntegrity
	case errors.Is(err, ErrOffline):
		return CategoryOffline
	case errors.Is(err, ErrTransport):
		return CategoryTransport
	default:
		return CategoryOther
	}
}

// Describe returns a short hint telling the user what to do about err
func Describe(err error) string {
	switch Classify(err) {
	case CategoryAuth:
		return "your credential was not accepted; try again"
	case CategoryIntegrity:
		return "stored or received data is corrupted and was discarded"
	case CategoryOffline:
		return "you are offline; changes stay queued until the remote store is reachable"
	case CategoryTransport:
		return "the connection to the other device failed; start a new pairing session"
	default:
		return ""
	}
}

// ExitWithCode exits the program with the specified code and message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// ExitCode returns the process exit code for err
func ExitCode(err error) int {
	switch Classify(err) {
	case CategoryNone:
		return ExitOK
	case CategoryAuth:
		return ExitAuth
	case CategoryIntegrity:
		return ExitIntegrityErr
	case CategoryOffline:
		return ExitOffline
	case CategoryTransport:
		return ExitTransport
	default:
		return ExitError
	}
}

// HandleError handles errors and exits with appropriate code
func HandleError(err error, context string) {
	if err == nil {
		return
	}

	msg := err.Error()
	if context != "" {
		msg = context + " - " + msg
	}
	if hint := Describe(err); hint != "" {
		ExitWithCode(ExitCode(err), "Error: %s\n%s", msg, hint)
	}
	ExitWithCode(ExitCode(err), "Error: %s", msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
