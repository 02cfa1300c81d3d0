package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"golang.org/x/term"

	"github.com/pinbridge/vault/internal/domain"
)

// MaxOutputSize is the maximum allowed size for output to prevent memory exhaustion
const MaxOutputSize = 10 * 1024 * 1024 // 10MB

// writeString writes a string to the writer with error checking and size limits
func writeString(w io.Writer, s string) error {
	if len(s) > MaxOutputSize {
		return fmt.Errorf("output size %d exceeds maximum allowed size %d",
			len(s), MaxOutputSize)
	}

	n, err := fmt.Fprint(w, s)
	if err != nil {
		return fmt.Errorf("failed to write output (wrote %d bytes): %w", n, err)
	}
	return nil
}

// writeOutput writes formatted output with error checking and size limits
func writeOutput(w io.Writer, format string, args ...interface{}) error {
	return writeString(w, fmt.Sprintf(format, args...))
}

func success(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func failure(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

func hint(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", color.CyanString("→"), fmt.Sprintf(format, args...))
}

func warning(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", color.YellowString("!"), fmt.Sprintf(format, args...))
}

// cmdName highlights a command the user can run next
func cmdName(s string) string {
	return color.YellowString(s)
}

// startSpinner shows a spinner on stderr while a blocking step runs. The
// returned func stops it; it never spins when stderr is not a terminal or in
// verbose mode, where log lines would interleave with it.
func startSpinner(msg string) func() {
	if verbose || !term.IsTerminal(int(os.Stderr.Fd())) {
		return func() {}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + msg
	_ = s.Color("cyan")
	s.Start()

	return func() {
		s.Stop()
	}
}

// renderQR renders text as a terminal QR code
func renderQR(text string) (string, error) {
	code, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return code.ToSmallString(false), nil
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func noteFlags(n domain.Note) string {
	var flags []string
	if n.Pinned {
		flags = append(flags, "pinned")
	}
	if n.Trash {
		flags = append(flags, "trash")
	}
	if len(n.Attachments) > 0 {
		flags = append(flags, fmt.Sprintf("%d attachment(s)", len(n.Attachments)))
	}
	return strings.Join(flags, ",")
}
