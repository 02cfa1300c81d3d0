// Package clipboard copies recovery phrases and pairing descriptors to the
// system clipboard and clears them again.
package clipboard

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

// Backend is the system clipboard
type Backend interface {
	WriteAll(text string) error
	ReadAll() (string, error)
}

type system struct{}

func (system) WriteAll(text string) error { return clipboard.WriteAll(text) }
func (system) ReadAll() (string, error)   { return clipboard.ReadAll() }

// System is the clipboard of the host
var System Backend = system{}

// Copier copies secrets and clears them after a timeout
type Copier struct {
	backend Backend
}

// New returns a Copier over backend, the system clipboard when nil
func New(backend Backend) *Copier {
	if backend == nil {
		backend = System
	}
	return &Copier{backend: backend}
}

// Available reports whether the clipboard can be read
func (c *Copier) Available() bool {
	if clipboard.Unsupported && c.backend == System {
		return false
	}
	_, err := c.backend.ReadAll()
	return err == nil
}

// Copy places text on the clipboard without clearing it
func (c *Copier) Copy(text string) error {
	if err := c.backend.WriteAll(text); err != nil {
		return fmt.Errorf("failed to copy to clipboard: %w", err)
	}
	return nil
}

// CopyWithTimeout copies text and clears it after timeout unless the user has
// copied something else meanwhile. The returned timer may be stopped to keep
// the text.
func (c *Copier) CopyWithTimeout(text string, timeout time.Duration) (*time.Timer, error) {
	if err := c.Copy(text); err != nil {
		return nil, err
	}
	return time.AfterFunc(timeout, func() {
		_ = c.ClearIfUnchanged(text)
	}), nil
}

// ClearIfUnchanged empties the clipboard if it still holds text
func (c *Copier) ClearIfUnchanged(text string) error {
	current, err := c.backend.ReadAll()
	if err != nil || current != text {
		return err
	}
	return c.backend.WriteAll("")
}

// Clear empties the clipboard
func (c *Copier) Clear() error {
	return c.backend.WriteAll("")
}
