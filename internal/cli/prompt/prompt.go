// Package prompt wraps the interactive input the CLI's conversation
// handler needs: echoed input for usernames, masked input for
// authentication tokens.
package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// IsAborted returns true if the error indicates the user aborted.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

// wrapError converts promptui interrupt/abort errors to ErrAborted for
// consistent handling.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// Input prompts for text input with echo, as for a username request.
func Input(label string) (string, error) {
	p := promptui.Prompt{Label: label}
	result, err := p.Run()
	return result, wrapError(err)
}

// Secret prompts for input with masking, as for a password request.
func Secret(label string) (string, error) {
	p := promptui.Prompt{Label: label, Mask: '*'}
	result, err := p.Run()
	return result, wrapError(err)
}
