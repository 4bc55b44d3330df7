package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// isAccessibleMode reports whether ACCESSIBLE is set, which swaps the TUI
// prompts for plain text ones.
func isAccessibleMode() bool {
	return os.Getenv("ACCESSIBLE") != ""
}

// NewAccessibleForm creates a huh form honouring accessibility mode.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	form := huh.NewForm(groups...)
	if isAccessibleMode() {
		form = form.WithAccessible(true)
	}
	return form
}

// isInteractive reports whether stdin is a terminal. Tests replace it.
var isInteractive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // Fd fits in int on supported platforms
}

// errNeedsForce is returned when a confirmation is required but no
// terminal is attached to answer it.
var errNeedsForce = errors.New("confirmation required: re-run with --force in non-interactive mode")

// confirm asks title and reports whether the user agreed. force skips the
// prompt. Aborting the prompt counts as a refusal.
func confirm(title string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if !isInteractive() {
		return false, errNeedsForce
	}

	var confirmed bool
	form := NewAccessibleForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return confirmed, nil
}
