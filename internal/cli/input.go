package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// PromptPIN prompts for a PIN without echoing to terminal
func PromptPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr)
		return "", fmt.Errorf("no terminal to read the PIN from, pass --pin")
	}

	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after input

	if err != nil {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}

	return strings.TrimSpace(string(pin)), nil
}

// PromptPINConfirm prompts for a PIN and confirmation
func PromptPINConfirm(prompt string) (string, error) {
	pin, err := PromptPIN(prompt)
	if err != nil {
		return "", err
	}

	confirm, err := PromptPIN("Confirm PIN: ")
	if err != nil {
		return "", err
	}

	if pin != confirm {
		return "", fmt.Errorf("PINs do not match")
	}

	return pin, nil
}

// PromptInput prompts for regular input
func PromptInput(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return strings.TrimSpace(input), nil
}

// PromptConfirm prompts for yes/no confirmation
func PromptConfirm(prompt string, defaultYes bool) (bool, error) {
	var suffix string
	if defaultYes {
		suffix = " [Y/n]: "
	} else {
		suffix = " [y/N]: "
	}

	input, err := PromptInput(prompt + suffix)
	if err != nil {
		return false, err
	}

	input = strings.ToLower(strings.TrimSpace(input))

	if input == "" {
		return defaultYes, nil
	}

	return input == "y" || input == "yes", nil
}

// pinOrPrompt returns value, or prompts for it when empty
func pinOrPrompt(value, prompt string, confirm bool) (string, error) {
	if value != "" {
		return value, nil
	}
	if confirm {
		return PromptPINConfirm(prompt)
	}
	return PromptPIN(prompt)
}
